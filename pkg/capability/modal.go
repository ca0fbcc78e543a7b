package capability

import (
	"context"
	"fmt"

	"github.com/pushwire-dev/pushwire/pkg/bridge"
	"github.com/pushwire-dev/pushwire/pkg/protocol"
)

type modalKey struct{}

// Modal is a capability module that enriches the handle with a Dialog helper
// for modal prompts awaiting explicit user action.
type Modal struct {
	Base
}

// Name implements Module.
func (Modal) Name() string { return "modal" }

// TransformHandle attaches the Dialog helper.
func (Modal) TransformHandle(h *bridge.Handle, _ protocol.Payload, _ State) *bridge.Handle {
	return h.WithValue(modalKey{}, struct{}{})
}

// DialogFrom returns the Dialog helper for an enriched handle. Returns an
// error when the Modal module is not active for this connection.
func DialogFrom(h *bridge.Handle) (*Dialog, error) {
	if h.Value(modalKey{}) == nil {
		return nil, fmt.Errorf("capability: modal not active for connection %s", h.ID())
	}
	return &Dialog{h: h}, nil
}

// Dialog shows modal prompts on the page.
type Dialog struct {
	h *bridge.Handle
}

// Result is the user's answer to a modal prompt.
type Result struct {
	// Confirmed is true when the user accepted the dialog.
	Confirmed bool

	// Fields holds the values of any form fields the dialog collected.
	Fields protocol.Payload
}

// Prompt shows a modal and waits for the user, with no deadline. A user who
// walks away blocks the calling goroutine until the context is cancelled;
// that is the accepted trade-off for explicit-action dialogs.
func (d *Dialog) Prompt(ctx context.Context, title, body string, fields []string) (Result, error) {
	reply, err := d.h.PushAndWaitForever(ctx, "modal:show", protocol.Payload{
		"title":  title,
		"body":   body,
		"fields": fields,
	})
	if err != nil {
		return Result{}, err
	}
	return resultFromReply(reply), nil
}

// Confirm shows a yes/no modal bounded by the bridge's default timeout.
// A timeout counts as not confirmed.
func (d *Dialog) Confirm(ctx context.Context, title, body string) (bool, error) {
	reply, err := d.h.PushAndWait(ctx, "modal:show", protocol.Payload{
		"title": title,
		"body":  body,
	})
	if err == bridge.ErrTimeout {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return resultFromReply(reply).Confirmed, nil
}

func resultFromReply(reply bridge.Reply) Result {
	fields, _ := reply.Payload["fields"].(map[string]any)
	return Result{
		Confirmed: reply.Status == protocol.StatusOK && reply.Payload.Bool("confirmed"),
		Fields:    protocol.Payload(fields),
	}
}
