package commander

import (
	"context"

	"github.com/pushwire-dev/pushwire/pkg/bridge"
	"github.com/pushwire-dev/pushwire/pkg/capability"
	"github.com/pushwire-dev/pushwire/pkg/hook"
	"github.com/pushwire-dev/pushwire/pkg/protocol"
)

// HandlerFunc handles one UI event. The payload has already passed the
// capability pipeline; the handle may carry capability enrichments. The
// returned value is forwarded to after-hooks.
type HandlerFunc func(ctx context.Context, h *bridge.Handle, payload protocol.Payload) (any, error)

// BeforeFunc runs before a handler. Returning false denies the dispatch:
// the handler and all after-hooks are skipped (the acknowledgment is still
// sent). A before-hook that panics counts as a fault, not as a deny.
type BeforeFunc func(ctx context.Context, h *bridge.Handle, payload protocol.Payload) bool

// AfterFunc runs after a handler, receiving the handler's result.
type AfterFunc func(ctx context.Context, h *bridge.Handle, payload protocol.Payload, result any)

// LifecycleFunc is the on-connect and on-load callback shape.
type LifecycleFunc func(ctx context.Context, h *bridge.Handle)

// DisconnectFunc is the on-disconnect callback shape. It receives the final
// store and session; the connection handle is typically already gone.
type DisconnectFunc func(store, session protocol.Payload)

// BeforeHook pairs a before callback with its filter configuration.
type BeforeHook struct {
	hook.Hook
	Func BeforeFunc
}

// AfterHook pairs an after callback with its filter configuration.
type AfterHook struct {
	hook.Hook
	Func AfterFunc
}

// BindingConfig declares everything a connection's handler module exposes:
// event handlers by name, lifecycle callbacks, ordered hook lists, and the
// active capability modules.
type BindingConfig struct {
	Handlers     map[string]HandlerFunc
	Before       []BeforeHook
	After        []AfterHook
	OnConnect    LifecycleFunc
	OnLoad       LifecycleFunc
	OnDisconnect DisconnectFunc
	Capabilities []capability.Module
}

// Binding is the validated, immutable form of a BindingConfig. One Binding
// is shared by every connection using the same handler module; dispatch
// never mutates it.
type Binding struct {
	handlers     map[string]HandlerFunc
	before       []BeforeHook
	after        []AfterHook
	onConnect    LifecycleFunc
	onLoad       LifecycleFunc
	onDisconnect DisconnectFunc
	pipeline     *capability.Pipeline
}

// NewBinding validates config and builds a Binding. Validation happens here,
// at configuration-load time: a hook filter naming an unregistered handler
// or a nil callback is rejected before any connection exists.
func NewBinding(config BindingConfig) (*Binding, error) {
	handlers := make(map[string]HandlerFunc, len(config.Handlers))
	for name, fn := range config.Handlers {
		if name == "" {
			return nil, &BindingError{Element: "handler", Reason: "empty name"}
		}
		if fn == nil {
			return nil, &BindingError{Element: "handler " + name, Reason: "nil function"}
		}
		handlers[name] = fn
	}

	for _, bh := range config.Before {
		if err := validateHook(bh.Hook, handlers); err != nil {
			return nil, err
		}
		if bh.Func == nil {
			return nil, &BindingError{Element: "before hook " + bh.Name, Reason: "nil function"}
		}
	}
	for _, ah := range config.After {
		if err := validateHook(ah.Hook, handlers); err != nil {
			return nil, err
		}
		if ah.Func == nil {
			return nil, &BindingError{Element: "after hook " + ah.Name, Reason: "nil function"}
		}
	}

	for _, m := range config.Capabilities {
		if m == nil {
			return nil, &BindingError{Element: "capability", Reason: "nil module"}
		}
	}

	return &Binding{
		handlers:     handlers,
		before:       append([]BeforeHook(nil), config.Before...),
		after:        append([]AfterHook(nil), config.After...),
		onConnect:    config.OnConnect,
		onLoad:       config.OnLoad,
		onDisconnect: config.OnDisconnect,
		pipeline:     capability.NewPipeline(config.Capabilities...),
	}, nil
}

func validateHook(h hook.Hook, handlers map[string]HandlerFunc) error {
	if h.Name == "" {
		return &BindingError{Element: "hook", Reason: "empty name"}
	}
	if !h.Valid() {
		return &BindingError{Element: "hook " + h.Name, Reason: "both Only and Except set"}
	}
	for _, name := range append(append([]string(nil), h.Only...), h.Except...) {
		if _, ok := handlers[name]; !ok {
			return &BindingError{Element: "hook " + h.Name, Reason: "filter references unknown handler " + name}
		}
	}
	return nil
}

// Handler returns the handler registered under name.
func (b *Binding) Handler(name string) (HandlerFunc, bool) {
	fn, ok := b.handlers[name]
	return fn, ok
}

// BeforeFor returns, in configuration order, the before-hooks that apply to
// the named handler.
func (b *Binding) BeforeFor(handlerName string) []BeforeHook {
	var out []BeforeHook
	for _, bh := range b.before {
		if bh.Matches(handlerName) {
			out = append(out, bh)
		}
	}
	return out
}

// AfterFor returns, in configuration order, the after-hooks that apply to
// the named handler.
func (b *Binding) AfterFor(handlerName string) []AfterHook {
	var out []AfterHook
	for _, ah := range b.after {
		if ah.Matches(handlerName) {
			out = append(out, ah)
		}
	}
	return out
}

// Pipeline returns the capability pipeline.
func (b *Binding) Pipeline() *capability.Pipeline {
	return b.pipeline
}

// OnConnect returns the on-connect lifecycle callback, or nil.
func (b *Binding) OnConnect() LifecycleFunc { return b.onConnect }

// OnLoad returns the on-load lifecycle callback, or nil.
func (b *Binding) OnLoad() LifecycleFunc { return b.onLoad }

// OnDisconnect returns the on-disconnect lifecycle callback, or nil.
func (b *Binding) OnDisconnect() DisconnectFunc { return b.onDisconnect }
