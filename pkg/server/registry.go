package server

import (
	"sync"

	"github.com/pushwire-dev/pushwire/pkg/bridge"
	"github.com/pushwire-dev/pushwire/pkg/commander"
	"github.com/pushwire-dev/pushwire/pkg/protocol"
)

// entry tracks one live connection with its actor and broker subscriptions.
type entry struct {
	conn      *Conn
	commander *commander.Commander
	handle    *bridge.Handle
	sessionID string

	mu     sync.Mutex
	unsubs map[string]func()
}

func (e *entry) addUnsub(topic string, unsub func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unsubs == nil {
		e.unsubs = make(map[string]func())
	}
	if prev, ok := e.unsubs[topic]; ok {
		prev()
	}
	e.unsubs[topic] = unsub
}

func (e *entry) removeUnsub(topic string) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	unsub := e.unsubs[topic]
	delete(e.unsubs, topic)
	return unsub
}

func (e *entry) drainUnsubs() []func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]func(), 0, len(e.unsubs))
	for _, unsub := range e.unsubs {
		out = append(out, unsub)
	}
	e.unsubs = nil
	return out
}

// registry is the set of live connections.
type registry struct {
	mu    sync.RWMutex
	conns map[string]*entry
}

func newRegistry() *registry {
	return &registry{conns: make(map[string]*entry)}
}

func (r *registry) add(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[e.conn.ID()] = e
}

func (r *registry) get(connID string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[connID]
}

func (r *registry) remove(connID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.conns[connID]
	delete(r.conns, connID)
	return e
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *registry) all() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.conns))
	for _, e := range r.conns {
		out = append(out, e)
	}
	return out
}

// storeRegistry keeps each logical session's store between connections.
// A reconnect under the same session id gets its previous store back; that
// is the whole mechanism behind store persistence.
type storeRegistry struct {
	mu     sync.Mutex
	stores map[string]protocol.Payload
}

func newStoreRegistry() *storeRegistry {
	return &storeRegistry{stores: make(map[string]protocol.Payload)}
}

func (s *storeRegistry) get(sessionID string) protocol.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stores[sessionID].Clone()
}

func (s *storeRegistry) save(sessionID string, store protocol.Payload) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores[sessionID] = store.Clone()
}

func (s *storeRegistry) delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stores, sessionID)
}
