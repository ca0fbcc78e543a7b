// Package protocol defines the JSON message shapes exchanged between the
// server and a connected browser page. It intentionally stops at message
// shapes: connection upgrade and transport framing are owned by pkg/server.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Well-known values for Message.Event.
const (
	// EventConnect is sent by the client once after the transport is
	// established. Its payload carries the page session snapshot.
	EventConnect = "connect"

	// EventLoad is sent by the client after every full page render.
	EventLoad = "load"

	// EventUser is a UI event (click, input, submit, ...) raised on the page.
	// A completion acknowledgment with the same Event value and the Finished
	// field set is sent back after every dispatch.
	EventUser = "event"

	// EventPush is a server-initiated message executed on the page.
	EventPush = "push"

	// EventReply is the client's answer to a correlated push.
	EventReply = "reply"

	// EventExec carries a script the client evaluates. Used by the failure
	// reporter to surface notifications.
	EventExec = "exec"
)

// Reply status values carried by EventReply messages.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Payload is the loosely typed body of a message. Keys are event-specific.
type Payload map[string]any

// String returns the string value for key, or "" when absent or not a string.
func (p Payload) String(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// Int returns the int value for key. JSON numbers decode as float64, so the
// common numeric kinds are converted. Returns 0 when absent.
func (p Payload) Int(key string) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Bool returns the bool value for key, or false when absent.
func (p Payload) Bool(key string) bool {
	v, _ := p[key].(bool)
	return v
}

// Clone returns a shallow copy of the payload. Nil payloads clone to nil.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Message is the envelope for everything that crosses the wire after the
// upgrade. Unused fields are omitted from the encoded form.
type Message struct {
	// Event discriminates the message kind. One of the Event* constants.
	Event string `json:"event"`

	// Name is the event or push name ("click", "update_cart", ...).
	Name string `json:"name,omitempty"`

	// Handler is the registered handler function the client wants to run.
	// Only meaningful on EventUser messages.
	Handler string `json:"handler,omitempty"`

	// Payload carries event-specific data.
	Payload Payload `json:"payload,omitempty"`

	// Finished carries the reply token on completion acknowledgments.
	Finished string `json:"finished,omitempty"`

	// Reply is the client-supplied reply token echoed back in the ack so the
	// page can re-enable the control that raised the event.
	Reply string `json:"reply,omitempty"`

	// Ref is the correlation ID pairing a push with its reply.
	Ref string `json:"ref,omitempty"`

	// Sender is the signed correlation token identifying the connection a
	// reply must be routed back to.
	Sender string `json:"sender,omitempty"`

	// Status is the reply status (StatusOK or StatusError).
	Status string `json:"status,omitempty"`

	// Topic addresses a broadcast at every connection subscribed to it.
	Topic string `json:"topic,omitempty"`
}

// NewAck builds the completion acknowledgment sent after every dispatch,
// success or not, so client-side controls can be re-enabled.
func NewAck(replyToken string) Message {
	return Message{Event: EventUser, Finished: replyToken}
}

// Encode serializes the message to its wire form.
func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s message: %w", m.Event, err)
	}
	return data, nil
}

// Decode parses a wire message. Messages without an event discriminator are
// rejected.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("protocol: decode message: %w", err)
	}
	if m.Event == "" {
		return Message{}, fmt.Errorf("protocol: message without event field")
	}
	return m, nil
}
