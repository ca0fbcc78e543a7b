// Package capability lets optional features transform inbound payloads and
// enrich connection handles before an event handler runs, without the
// commander knowing what those features are. Modules are applied as a left
// fold in configured order; order is stable and deterministic. Modules must
// not assume any handler has run yet.
package capability

import (
	"github.com/pushwire-dev/pushwire/pkg/bridge"
	"github.com/pushwire-dev/pushwire/pkg/protocol"
)

// State is the read-only view of actor state a transform may consult.
type State interface {
	Store() protocol.Payload
	Session() protocol.Payload
}

// Module is one pluggable capability. Both transforms must be pure: derive,
// never mutate their inputs.
type Module interface {
	// Name identifies the module in logs and configuration.
	Name() string

	// TransformPayload preprocesses an inbound payload.
	TransformPayload(payload protocol.Payload, state State) protocol.Payload

	// TransformHandle adapts the connection handle, typically via
	// Handle.WithValue enrichments.
	TransformHandle(h *bridge.Handle, payload protocol.Payload, state State) *bridge.Handle
}

// Base is a no-op Module for embedding when only one transform matters.
type Base struct{}

func (Base) TransformPayload(payload protocol.Payload, _ State) protocol.Payload {
	return payload
}

func (Base) TransformHandle(h *bridge.Handle, _ protocol.Payload, _ State) *bridge.Handle {
	return h
}

// Pipeline applies an ordered module list.
type Pipeline struct {
	modules []Module
}

// NewPipeline builds a pipeline over modules, applied in the given order.
func NewPipeline(modules ...Module) *Pipeline {
	return &Pipeline{modules: modules}
}

// Modules returns the configured module list in application order.
func (p *Pipeline) Modules() []Module {
	return p.modules
}

// TransformPayload folds the payload through every module, each consuming
// the previous module's output.
func (p *Pipeline) TransformPayload(payload protocol.Payload, state State) protocol.Payload {
	for _, m := range p.modules {
		payload = m.TransformPayload(payload, state)
	}
	return payload
}

// TransformHandle folds the handle through every module.
func (p *Pipeline) TransformHandle(h *bridge.Handle, payload protocol.Payload, state State) *bridge.Handle {
	for _, m := range p.modules {
		h = m.TransformHandle(h, payload, state)
	}
	return h
}
