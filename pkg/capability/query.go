package capability

import (
	"context"
	"fmt"

	"github.com/pushwire-dev/pushwire/pkg/bridge"
	"github.com/pushwire-dev/pushwire/pkg/protocol"
)

type queryKey struct{}

// UIQuery is a capability module that enriches the handle with a Query
// helper for reading and updating page elements by CSS selector.
type UIQuery struct {
	Base
}

// Name implements Module.
func (UIQuery) Name() string { return "ui_query" }

// TransformHandle attaches the Query helper.
func (UIQuery) TransformHandle(h *bridge.Handle, _ protocol.Payload, _ State) *bridge.Handle {
	return h.WithValue(queryKey{}, struct{}{})
}

// QueryFrom returns the Query helper for an enriched handle. Returns an
// error when the UIQuery module is not active for this connection.
func QueryFrom(h *bridge.Handle) (*Query, error) {
	if h.Value(queryKey{}) == nil {
		return nil, fmt.Errorf("capability: ui_query not active for connection %s", h.ID())
	}
	return &Query{h: h}, nil
}

// Query reads from and writes to the live page through the bridge.
type Query struct {
	h *bridge.Handle
}

// Text returns the text content of the first element matching selector.
// The round trip is bounded by the bridge's default timeout.
func (q *Query) Text(ctx context.Context, selector string) (string, error) {
	reply, err := q.h.PushAndWait(ctx, "query:text", protocol.Payload{"selector": selector})
	if err != nil {
		return "", err
	}
	if reply.Status != protocol.StatusOK {
		return "", fmt.Errorf("capability: query %q: %s", selector, reply.Payload.String("error"))
	}
	return reply.Payload.String("text"), nil
}

// SetText replaces the text content of every element matching selector.
// Fire-and-forget.
func (q *Query) SetText(selector, text string) error {
	return q.h.Push("query:set_text", protocol.Payload{"selector": selector, "text": text})
}

// SetAttr sets an attribute on every element matching selector.
// Fire-and-forget.
func (q *Query) SetAttr(selector, attr, value string) error {
	return q.h.Push("query:set_attr", protocol.Payload{"selector": selector, "attr": attr, "value": value})
}

// AddClass adds a class to every element matching selector. Fire-and-forget.
func (q *Query) AddClass(selector, class string) error {
	return q.h.Push("query:add_class", protocol.Payload{"selector": selector, "class": class})
}

// RemoveClass removes a class from every element matching selector.
// Fire-and-forget.
func (q *Query) RemoveClass(selector, class string) error {
	return q.h.Push("query:remove_class", protocol.Payload{"selector": selector, "class": class})
}
