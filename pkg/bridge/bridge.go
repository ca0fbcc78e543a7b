// Package bridge turns fire-and-forget pushes into correlated, synchronous
// request/response calls. A push carries a correlation ID and a signed sender
// token; the bridge parks the calling goroutine until the matching reply
// arrives or a deadline passes. Timeouts are ordinary result values, not
// faults. Only the calling goroutine blocks; the connection's own loops are
// never suspended.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pushwire-dev/pushwire/pkg/broker"
	"github.com/pushwire-dev/pushwire/pkg/protocol"
	"github.com/pushwire-dev/pushwire/pkg/token"
)

// ErrTimeout is returned by PushAndWait when no correlated reply arrives
// within the window. It is a first-class result, not a fault: callers decide
// whether a missing reply matters.
var ErrTimeout = errors.New("bridge: wait timed out")

// Reply is the peer's answer to a correlated push.
type Reply struct {
	Status  string
	Payload protocol.Payload
}

// Config configures a Bridge.
type Config struct {
	// Secret signs sender correlation tokens. Required.
	Secret []byte

	// DefaultTimeout bounds PushAndWait when no explicit timeout is given.
	// Default: 5 seconds.
	DefaultTimeout time.Duration

	// Broker fans out Broadcast calls. Default: an in-memory broker.
	Broker broker.Broker

	// Logger receives discarded-reply and delivery diagnostics.
	// Default: slog.Default().
	Logger *slog.Logger

	// Metrics records bridge activity. Nil disables instrumentation.
	Metrics *Metrics
}

// DefaultTimeout is the fallback wait window when Config.DefaultTimeout is
// unset.
const DefaultTimeout = 5 * time.Second

// Bridge correlates pushes with replies across all connections of one
// process.
type Bridge struct {
	signer         *token.Signer
	broker         broker.Broker
	pending        *pendingSet
	defaultTimeout time.Duration
	logger         *slog.Logger
	metrics        *Metrics
}

// New creates a Bridge from config.
func New(config Config) (*Bridge, error) {
	signer, err := token.NewSigner(config.Secret)
	if err != nil {
		return nil, err
	}

	b := config.Broker
	if b == nil {
		b = broker.NewMemoryBroker()
	}
	timeout := config.DefaultTimeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Bridge{
		signer:         signer,
		broker:         b,
		pending:        newPendingSet(),
		defaultTimeout: timeout,
		logger:         logger.With("component", "bridge"),
		metrics:        config.Metrics,
	}, nil
}

// Broker returns the broadcast broker.
func (b *Bridge) Broker() broker.Broker {
	return b.broker
}

// Push sends a fire-and-forget message to one connection. The payload is
// tagged with a signed sender token so the peer can address a reply back.
func (b *Bridge) Push(h *Handle, name string, payload protocol.Payload) error {
	msg := protocol.Message{
		Event:   protocol.EventPush,
		Name:    name,
		Payload: payload,
		Sender:  b.signer.Sign(h.ID()),
	}
	if err := h.Send(msg); err != nil {
		return fmt.Errorf("bridge: push %q: %w", name, err)
	}
	if b.metrics != nil {
		b.metrics.pushes.Inc()
	}
	return nil
}

// Broadcast sends a fire-and-forget message to every connection subscribed
// to topic, tagged with the caller's signed sender token.
func (b *Bridge) Broadcast(ctx context.Context, h *Handle, topic, name string, payload protocol.Payload) error {
	msg := protocol.Message{
		Event:   protocol.EventPush,
		Name:    name,
		Topic:   topic,
		Payload: payload,
		Sender:  b.signer.Sign(h.ID()),
	}
	if err := b.broker.Publish(ctx, topic, msg); err != nil {
		return fmt.Errorf("bridge: broadcast %q to %q: %w", name, topic, err)
	}
	if b.metrics != nil {
		b.metrics.broadcasts.Inc()
	}
	return nil
}

// PushAndWait pushes and blocks until the correlated reply arrives or the
// bridge's default timeout elapses.
func (b *Bridge) PushAndWait(ctx context.Context, h *Handle, name string, payload protocol.Payload) (Reply, error) {
	return b.PushAndWaitTimeout(ctx, h, name, payload, b.defaultTimeout)
}

// PushAndWaitTimeout pushes and blocks until the correlated reply arrives or
// timeout elapses, whichever is first. A timeout returns ErrTimeout; it does
// not cancel the in-flight peer-side operation, and a reply arriving after
// the deadline is discarded.
func (b *Bridge) PushAndWaitTimeout(ctx context.Context, h *Handle, name string, payload protocol.Payload, timeout time.Duration) (Reply, error) {
	call, err := b.send(h, name, payload)
	if err != nil {
		return Reply{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-call.reply:
		return reply, nil
	case <-timer.C:
		// Whoever removes the call owns it; losing the race to a concurrent
		// reply means the reply already won.
		if b.pending.remove(call.id) == nil {
			return <-call.reply, nil
		}
		if b.metrics != nil {
			b.metrics.timeouts.Inc()
			b.metrics.pendingCalls.Dec()
		}
		return Reply{}, ErrTimeout
	case <-ctx.Done():
		if b.pending.remove(call.id) == nil {
			return <-call.reply, nil
		}
		if b.metrics != nil {
			b.metrics.pendingCalls.Dec()
		}
		return Reply{}, ctx.Err()
	}
}

// PushAndWaitForever pushes and blocks until the correlated reply arrives,
// with no deadline. The context is the only way out of a peer that never
// answers.
func (b *Bridge) PushAndWaitForever(ctx context.Context, h *Handle, name string, payload protocol.Payload) (Reply, error) {
	call, err := b.send(h, name, payload)
	if err != nil {
		return Reply{}, err
	}

	select {
	case reply := <-call.reply:
		return reply, nil
	case <-ctx.Done():
		if b.pending.remove(call.id) == nil {
			return <-call.reply, nil
		}
		if b.metrics != nil {
			b.metrics.pendingCalls.Dec()
		}
		return Reply{}, ctx.Err()
	}
}

func (b *Bridge) send(h *Handle, name string, payload protocol.Payload) (*pendingCall, error) {
	call := b.pending.add(uuid.NewString(), h.ID())

	msg := protocol.Message{
		Event:   protocol.EventPush,
		Name:    name,
		Ref:     call.id,
		Payload: payload,
		Sender:  b.signer.Sign(h.ID()),
	}
	if err := h.Send(msg); err != nil {
		b.pending.remove(call.id)
		return nil, fmt.Errorf("bridge: push %q: %w", name, err)
	}
	if b.metrics != nil {
		b.metrics.pushes.Inc()
		b.metrics.pendingCalls.Inc()
	}
	return call, nil
}

// HandleReply routes an inbound EventReply message to the pending call it
// correlates with. The sender token must verify and recover the identity of
// the connection that made the call; replies to broadcasts may arrive on any
// connection, the token is what routes them home. A verification failure is
// fatal to the operation (never downgraded); a reply with no pending call
// (late after timeout) is discarded.
func (b *Bridge) HandleReply(msg protocol.Message) error {
	origin, err := b.signer.Verify(msg.Sender)
	if err != nil {
		return fmt.Errorf("bridge: reply for ref %q: %w", msg.Ref, err)
	}

	call, mismatch := b.pending.take(msg.Ref, origin)
	if mismatch {
		// A valid token paired with someone else's correlation ID. The call
		// stays pending; its real reply or timeout still resolves it.
		b.logger.Warn("reply token does not match pending call", "ref", msg.Ref, "origin", origin)
		return fmt.Errorf("bridge: reply for ref %q: %w", msg.Ref, token.ErrInvalidToken)
	}
	if call == nil {
		b.logger.Debug("discarding uncorrelated reply", "ref", msg.Ref, "origin", origin)
		if b.metrics != nil {
			b.metrics.discardedReplies.Inc()
		}
		return nil
	}

	call.reply <- Reply{Status: msg.Status, Payload: msg.Payload}
	if b.metrics != nil {
		b.metrics.replies.Inc()
		b.metrics.pendingCalls.Dec()
	}
	return nil
}

// PendingCalls returns the number of in-flight push-and-wait calls.
func (b *Bridge) PendingCalls() int {
	return b.pending.len()
}
