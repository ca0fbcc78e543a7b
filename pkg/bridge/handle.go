package bridge

import (
	"context"
	"time"

	"github.com/pushwire-dev/pushwire/pkg/protocol"
)

// Conn is the live transport a Handle writes to. pkg/server provides the
// WebSocket implementation; tests provide fakes.
type Conn interface {
	// ID returns the stable identity of this connection.
	ID() string

	// Send writes one message to the peer.
	Send(msg protocol.Message) error
}

// Handle is the opaque reference to a live page connection that handlers and
// capability modules receive. Capability modules may enrich it with values;
// enrichment returns a derived handle, the original is never mutated.
type Handle struct {
	conn   Conn
	bridge *Bridge
	values map[any]any
}

// NewHandle binds a connection to a bridge.
func NewHandle(conn Conn, b *Bridge) *Handle {
	return &Handle{conn: conn, bridge: b}
}

// ID returns the underlying connection identity.
func (h *Handle) ID() string {
	return h.conn.ID()
}

// Conn returns the underlying transport.
func (h *Handle) Conn() Conn {
	return h.conn
}

// WithConn returns a handle writing to conn but keeping all enrichments.
// Used on reconnect when the transport is replaced.
func (h *Handle) WithConn(conn Conn) *Handle {
	clone := *h
	clone.conn = conn
	return &clone
}

// WithValue returns a derived handle carrying key=value. Capability modules
// use this to expose helpers without the commander knowing about them.
func (h *Handle) WithValue(key, value any) *Handle {
	clone := *h
	clone.values = make(map[any]any, len(h.values)+1)
	for k, v := range h.values {
		clone.values[k] = v
	}
	clone.values[key] = value
	return &clone
}

// Value returns the enrichment stored under key, or nil.
func (h *Handle) Value(key any) any {
	return h.values[key]
}

// Send writes one raw message to the peer.
func (h *Handle) Send(msg protocol.Message) error {
	return h.conn.Send(msg)
}

// Push is a fire-and-forget push to this connection.
func (h *Handle) Push(name string, payload protocol.Payload) error {
	return h.bridge.Push(h, name, payload)
}

// Broadcast is a fire-and-forget push to every connection on topic.
func (h *Handle) Broadcast(ctx context.Context, topic, name string, payload protocol.Payload) error {
	return h.bridge.Broadcast(ctx, h, topic, name, payload)
}

// PushAndWait pushes and blocks until the correlated reply arrives or the
// bridge's default timeout elapses.
func (h *Handle) PushAndWait(ctx context.Context, name string, payload protocol.Payload) (Reply, error) {
	return h.bridge.PushAndWait(ctx, h, name, payload)
}

// PushAndWaitTimeout is PushAndWait with an explicit timeout.
func (h *Handle) PushAndWaitTimeout(ctx context.Context, name string, payload protocol.Payload, timeout time.Duration) (Reply, error) {
	return h.bridge.PushAndWaitTimeout(ctx, h, name, payload, timeout)
}

// PushAndWaitForever pushes and blocks until the correlated reply arrives.
// There is no deadline: a peer that never answers blocks the calling
// goroutine until the context is cancelled. Acceptable for modal dialogs
// awaiting explicit user action; prefer PushAndWait elsewhere.
func (h *Handle) PushAndWaitForever(ctx context.Context, name string, payload protocol.Payload) (Reply, error) {
	return h.bridge.PushAndWaitForever(ctx, h, name, payload)
}
