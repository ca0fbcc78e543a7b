// Package broker fans broadcast messages out to every connection subscribed
// to a topic. The in-memory broker serves single-process deployments; the
// Redis broker extends the same contract across processes.
package broker

import (
	"context"

	"github.com/pushwire-dev/pushwire/pkg/protocol"
)

// Handler receives each message published to a subscribed topic.
// Handlers must not block; slow consumers should hand off internally.
type Handler func(msg protocol.Message)

// Broker is the topic fan-out contract. Implementations must be safe for
// concurrent use.
type Broker interface {
	// Publish delivers msg to every current subscriber of topic.
	Publish(ctx context.Context, topic string, msg protocol.Message) error

	// Subscribe registers h for topic and returns an unsubscribe function.
	// Unsubscribe is idempotent.
	Subscribe(ctx context.Context, topic string, h Handler) (func(), error)

	// Close releases broker resources. Publishing after Close is an error.
	Close() error
}
