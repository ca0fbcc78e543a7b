package bridge

import (
	"sync"
)

// pendingCall is the correlation record for one in-flight push-and-wait.
// It lives between push and matching reply or timeout and is resolved
// exactly once.
type pendingCall struct {
	id     string
	connID string
	reply  chan Reply // buffered 1; written at most once
}

// pendingSet tracks in-flight calls by correlation ID.
type pendingSet struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

func newPendingSet() *pendingSet {
	return &pendingSet{calls: make(map[string]*pendingCall)}
}

func (p *pendingSet) add(id, connID string) *pendingCall {
	call := &pendingCall{
		id:     id,
		connID: connID,
		reply:  make(chan Reply, 1),
	}
	p.mu.Lock()
	p.calls[id] = call
	p.mu.Unlock()
	return call
}

// remove takes the call out of the set. Whoever removes it owns resolution;
// a call can be removed only once, so a reply and a timeout can never both
// fire for the same call.
func (p *pendingSet) remove(id string) *pendingCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	call, ok := p.calls[id]
	if !ok {
		return nil
	}
	delete(p.calls, id)
	return call
}

// take removes and returns the call for id only when connID owns it. The
// ownership check happens under the lock, before the call leaves the set:
// a reply carrying someone else's token must not claim the call even for an
// instant, or a concurrent timeout would find the set empty and assume the
// reply won. A call held by a different owner stays in place and is
// reported as a mismatch.
func (p *pendingSet) take(id, connID string) (call *pendingCall, mismatch bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	call, ok := p.calls[id]
	if !ok {
		return nil, false
	}
	if call.connID != connID {
		return nil, true
	}
	delete(p.calls, id)
	return call, false
}

func (p *pendingSet) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
