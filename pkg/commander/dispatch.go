package commander

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/pushwire-dev/pushwire/pkg/bridge"
	"github.com/pushwire-dev/pushwire/pkg/protocol"
	"github.com/pushwire-dev/pushwire/pkg/report"
)

// Event is one inbound UI event to dispatch.
type Event struct {
	// Name is the client-side event type ("click", "change", ...).
	Name string

	// Handler names the registered handler function. Validated before any
	// side effect.
	Handler string

	// Payload is the raw event payload from the client.
	Payload protocol.Payload

	// Reply is the token echoed back in the completion acknowledgment. The
	// client uses it to re-enable the originating element.
	Reply string
}

// Task observes one in-flight dispatch. Every dispatch gets one, even a
// dispatch that faults before its handler runs.
type Task struct {
	id      string
	handler string
	cancel  context.CancelCauseFunc
	done    chan struct{}

	mu  sync.Mutex
	err error
}

// ID returns the task id.
func (t *Task) ID() string { return t.id }

// Handler returns the handler name this task runs.
func (t *Task) Handler() string { return t.handler }

// Cancel asks the dispatch to stop cooperatively. No failure is reported if
// the handler finishes cleanly afterwards.
func (t *Task) Cancel() {
	t.cancel(context.Canceled)
}

// Kill cancels the dispatch and marks it as forcefully terminated. A killed
// dispatch produces a user-visible failure report when it unwinds.
func (t *Task) Kill() {
	t.cancel(ErrKilled)
}

// Await blocks until the dispatch finishes or ctx is done, and returns the
// task's error.
func (t *Task) Await(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the dispatch has finished, including its ack.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the dispatch outcome: nil on success or deny, ErrUnknownHandler
// on a config fault, ErrKilled when killed, or the handler's error.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) finish(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	// Release the dispatch context; a finished task holds no resources.
	t.cancel(context.Canceled)
	close(t.done)
}

// DispatchEvent routes ev to its handler. The handler name is validated and
// the capability pipeline applied on the actor goroutine; the hooks and the
// handler then run on a fresh goroutine, so concurrent dispatches do not
// serialize against each other and a blocking bridge wait stalls only its
// own dispatch. The returned Task completes only after the acknowledgment
// for ev.Reply has been sent; the ack goes out on every exit path.
func (c *Commander) DispatchEvent(ctx context.Context, h *bridge.Handle, ev Event) (*Task, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	t := &Task{
		id:      uuid.NewString(),
		handler: ev.Handler,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	err := c.send(func() {
		if h == nil {
			h = c.handle
		}
		fn, ok := c.binding.Handler(ev.Handler)
		if !ok {
			// Config fault: report, ack, run nothing.
			go c.finishFaulted(t, h, ev, report.Fault{
				Kind:    report.KindConfig,
				Handler: ev.Handler,
				Message: "no handler registered under this name",
			}, ErrUnknownHandler)
			return
		}

		if h != nil {
			h = h.WithValue(commanderKey{}, c)
		}
		state := c.view()
		payload := c.binding.Pipeline().TransformPayload(ev.Payload, state)
		handle := c.binding.Pipeline().TransformHandle(h, payload, state)
		before := c.binding.BeforeFor(ev.Handler)
		after := c.binding.AfterFor(ev.Handler)

		go c.runDispatch(ctx, t, handle, ev, payload, fn, before, after)
	})
	if err != nil {
		cancel(err)
		t.finish(err)
		return nil, err
	}
	return t, nil
}

// finishFaulted completes a task that never reached its handler.
func (c *Commander) finishFaulted(t *Task, h *bridge.Handle, ev Event, f report.Fault, err error) {
	defer t.finish(err)
	defer c.ack(h, ev)
	c.config.Metrics.fault(f.Kind)
	c.reporter.Report(h, f)
}

func (c *Commander) runDispatch(ctx context.Context, t *Task, h *bridge.Handle, ev Event, payload protocol.Payload, fn HandlerFunc, before []BeforeHook, after []AfterHook) {
	start := time.Now()
	c.config.Metrics.dispatchStarted()
	defer func() {
		c.config.Metrics.dispatchFinished(time.Since(start).Seconds())
	}()

	if c.config.Tracer != nil {
		var span oteltrace.Span
		ctx, span = c.config.Tracer.Start(ctx, "commander.dispatch",
			oteltrace.WithAttributes(
				attribute.String("pushwire.handler", ev.Handler),
				attribute.String("pushwire.event", ev.Name),
				attribute.String("pushwire.conn_id", c.id),
			))
		defer span.End()
	}

	var taskErr error
	defer func() { t.finish(taskErr) }()

	// The ack must reach the client on every exit path, including a panic
	// unwinding through the recover below.
	defer c.ack(h, ev)

	defer func() {
		if rec := recover(); rec != nil {
			taskErr = fmt.Errorf("commander: dispatch panic: %v", rec)
			c.config.Metrics.fault(report.KindHandler)
			c.reporter.Report(h, report.Fault{
				Kind:    report.KindHandler,
				Handler: ev.Handler,
				Message: fmt.Sprint(rec),
				Stack:   debug.Stack(),
			})
		}
	}()

	for _, bh := range before {
		if !bh.Func(ctx, h, payload) {
			c.config.Metrics.denied()
			c.logger.Debug("dispatch denied by before-hook",
				"hook", bh.Name, "handler", ev.Handler)
			return
		}
	}

	result, err := fn(ctx, h, payload)

	if killed := context.Cause(ctx); errors.Is(killed, ErrKilled) {
		taskErr = ErrKilled
		c.config.Metrics.fault(report.KindKilled)
		c.reporter.Report(h, report.Fault{
			Kind:    report.KindKilled,
			Handler: ev.Handler,
			Message: "dispatch was terminated",
		})
		return
	}
	if err != nil {
		taskErr = err
		c.config.Metrics.fault(report.KindHandler)
		c.reporter.Report(h, report.Fault{
			Kind:    report.KindHandler,
			Handler: ev.Handler,
			Message: err.Error(),
		})
		return
	}

	for _, ah := range after {
		ah.Func(ctx, h, payload, result)
	}
}

// ack sends the completion acknowledgment that re-enables the originating
// element. Best effort: a closed connection is logged, not escalated.
func (c *Commander) ack(h *bridge.Handle, ev Event) {
	if ev.Reply == "" || h == nil {
		return
	}
	if err := h.Send(protocol.NewAck(ev.Reply)); err != nil {
		c.logger.Debug("failed to send completion ack", "error", err)
		return
	}
	c.config.Metrics.ackSent()
}

func (c *Commander) reportPanic(h *bridge.Handle, where string, rec any) {
	c.config.Metrics.fault(report.KindHandler)
	c.reporter.Report(h, report.Fault{
		Kind:    report.KindHandler,
		Handler: where,
		Message: fmt.Sprint(rec),
		Stack:   debug.Stack(),
	})
}
