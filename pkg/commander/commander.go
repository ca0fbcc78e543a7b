package commander

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/pushwire-dev/pushwire/pkg/bridge"
	"github.com/pushwire-dev/pushwire/pkg/protocol"
	"github.com/pushwire-dev/pushwire/pkg/report"
)

// Commander is the per-connection actor. All four state fields are owned by
// the loop goroutine; every read and write goes through the mailbox, so no
// field needs a lock. Dispatches run in their own goroutines and only touch
// state through the same mailbox.
type Commander struct {
	id       string
	binding  *Binding
	config   *Config
	logger   *slog.Logger
	reporter *report.Reporter

	mailbox chan func()
	done    chan struct{}
	stop    sync.Once

	// Actor state. Loop goroutine only.
	store   protocol.Payload
	session protocol.Payload
	handle  *bridge.Handle
	private protocol.Payload
}

// New builds a Commander and starts its loop. An empty id gets a generated
// one. A nil config uses DefaultConfig.
func New(id string, binding *Binding, config *Config) *Commander {
	if id == "" {
		id = newID()
	}
	if config == nil {
		config = DefaultConfig()
	} else {
		config = config.Clone()
	}
	if config.MailboxSize <= 0 {
		config.MailboxSize = DefaultConfig().MailboxSize
	}
	if config.DisconnectTimeout <= 0 {
		config.DisconnectTimeout = DefaultConfig().DisconnectTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("conn_id", id)
	reporter := config.Reporter
	if reporter == nil {
		reporter = report.New(report.Production, logger)
	}

	store := config.InitialStore.Clone()
	if store == nil {
		store = protocol.Payload{}
	}
	c := &Commander{
		id:       id,
		binding:  binding,
		config:   config,
		logger:   logger,
		reporter: reporter,
		mailbox:  make(chan func(), config.MailboxSize),
		done:     make(chan struct{}),
		store:    store,
		session:  protocol.Payload{},
		private:  protocol.Payload{},
	}
	go c.loop()
	return c
}

// SECURITY: Fatal on entropy failure - weak IDs are dangerous
func newID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("commander: failed to generate id: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// ID returns the commander's connection id.
func (c *Commander) ID() string {
	return c.id
}

// Done is closed when the commander has terminated.
func (c *Commander) Done() <-chan struct{} {
	return c.done
}

// Binding returns the commander's binding.
func (c *Commander) Binding() *Binding {
	return c.binding
}

func (c *Commander) loop() {
	for {
		select {
		case fn := <-c.mailbox:
			fn()
		case <-c.done:
			return
		}
	}
}

// send enqueues without blocking. Used by the fire-and-forget operations:
// under backpressure they drop rather than stall the connection's read loop.
func (c *Commander) send(fn func()) error {
	select {
	case <-c.done:
		return ErrStopped
	default:
	}
	select {
	case c.mailbox <- fn:
		return nil
	case <-c.done:
		return ErrStopped
	default:
		return ErrMailboxFull
	}
}

// call enqueues fn and waits until the loop has run it. Used by the
// synchronous getters; the loop is always draining, so this blocks only for
// the queue ahead of it.
func (c *Commander) call(fn func()) error {
	ran := make(chan struct{})
	wrapped := func() {
		defer close(ran)
		fn()
	}
	select {
	case c.mailbox <- wrapped:
	case <-c.done:
		return ErrStopped
	}
	select {
	case <-ran:
		return nil
	case <-c.done:
		return ErrStopped
	}
}

type commanderKey struct{}

// FromHandle returns the Commander that produced h. Handles passed to
// lifecycle callbacks, hooks, and handlers carry their commander, which is
// how handler code reads and replaces actor state.
func FromHandle(h *bridge.Handle) (*Commander, error) {
	c, ok := h.Value(commanderKey{}).(*Commander)
	if !ok {
		return nil, ErrNoHandle
	}
	return c, nil
}

// stateView is the read-only snapshot handed to capability transforms.
type stateView struct {
	store   protocol.Payload
	session protocol.Payload
}

func (v stateView) Store() protocol.Payload   { return v.store }
func (v stateView) Session() protocol.Payload { return v.session }

// view must be called from the loop goroutine.
func (c *Commander) view() stateView {
	return stateView{store: c.store, session: c.session}
}

// Connect attaches a (possibly new) connection. The payload runs through the
// capability pipeline, becomes the session snapshot, and the handle is
// replaced. The store is left alone: on a reconnect of the same logical
// session it keeps whatever it held. OnConnect runs asynchronously and
// observes the updated state.
func (c *Commander) Connect(ctx context.Context, h *bridge.Handle, payload protocol.Payload) error {
	return c.send(func() {
		state := c.view()
		p := c.binding.Pipeline().TransformPayload(payload, state)
		c.session = p.Clone()
		c.handle = c.binding.Pipeline().TransformHandle(h.WithValue(commanderKey{}, c), p, state)
		c.logger.Debug("connected", "session_keys", len(c.session))
		if fn := c.binding.OnConnect(); fn != nil {
			handle := c.handle
			go c.runLifecycle(ctx, "on_connect", fn, handle)
		}
	})
}

// Load signals that the client finished loading. No state change.
func (c *Commander) Load(ctx context.Context) error {
	return c.send(func() {
		if fn := c.binding.OnLoad(); fn != nil {
			handle := c.handle
			go c.runLifecycle(ctx, "on_load", fn, handle)
		}
	})
}

func (c *Commander) runLifecycle(ctx context.Context, name string, fn LifecycleFunc, h *bridge.Handle) {
	defer func() {
		if rec := recover(); rec != nil {
			c.reportPanic(h, name, rec)
		}
	}()
	fn(ctx, h)
}

// Store returns a copy of the store field.
func (c *Commander) Store() (protocol.Payload, error) {
	var out protocol.Payload
	err := c.call(func() { out = c.store.Clone() })
	return out, err
}

// SetStore replaces the store field wholesale.
func (c *Commander) SetStore(p protocol.Payload) error {
	p = p.Clone()
	return c.send(func() { c.store = p })
}

// Session returns a copy of the session snapshot.
func (c *Commander) Session() (protocol.Payload, error) {
	var out protocol.Payload
	err := c.call(func() { out = c.session.Clone() })
	return out, err
}

// SetSession replaces the session snapshot wholesale.
func (c *Commander) SetSession(p protocol.Payload) error {
	p = p.Clone()
	return c.send(func() { c.session = p })
}

// Private returns a copy of the private scratch field.
func (c *Commander) Private() (protocol.Payload, error) {
	var out protocol.Payload
	err := c.call(func() { out = c.private.Clone() })
	return out, err
}

// SetPrivate replaces the private scratch field wholesale.
func (c *Commander) SetPrivate(p protocol.Payload) error {
	p = p.Clone()
	return c.send(func() { c.private = p })
}

// Handle returns the current connection handle, or ErrNoHandle when no
// connection is attached.
func (c *Commander) Handle() (*bridge.Handle, error) {
	var h *bridge.Handle
	if err := c.call(func() { h = c.handle }); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, ErrNoHandle
	}
	return h, nil
}

// Detach drops the connection handle, for example when the socket closed but
// the commander is kept alive awaiting a reconnect.
func (c *Commander) Detach() error {
	return c.send(func() { c.handle = nil })
}

// Stop terminates the commander. OnDisconnect runs with the final store and
// session before the loop exits, bounded by the configured disconnect
// timeout. Stop blocks until termination and is safe to call more than once.
func (c *Commander) Stop() {
	c.stop.Do(func() {
		final := func() {
			defer close(c.done)
			c.runDisconnect()
		}
		select {
		case c.mailbox <- final:
		case <-c.done:
		}
	})
	<-c.done
}

// runDisconnect runs on the loop goroutine as its last message.
func (c *Commander) runDisconnect() {
	fn := c.binding.OnDisconnect()
	if fn == nil {
		return
	}
	store, session := c.store.Clone(), c.session.Clone()
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		defer func() {
			if rec := recover(); rec != nil {
				c.reportPanic(nil, "on_disconnect", rec)
			}
		}()
		fn(store, session)
	}()
	timer := time.NewTimer(c.config.DisconnectTimeout)
	defer timer.Stop()
	select {
	case <-finished:
	case <-timer.C:
		c.logger.Warn("on-disconnect callback timed out, abandoning",
			"timeout", c.config.DisconnectTimeout)
	}
}
