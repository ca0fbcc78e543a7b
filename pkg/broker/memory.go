package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/pushwire-dev/pushwire/pkg/protocol"
)

// ErrBrokerClosed is returned when publishing on a closed broker.
var ErrBrokerClosed = errors.New("broker: closed")

// MemoryBroker is an in-process topic fan-out. It delivers synchronously to
// subscribers registered at publish time.
type MemoryBroker struct {
	mu     sync.RWMutex
	topics map[string]map[int]Handler
	nextID int
	closed bool
}

// NewMemoryBroker creates an empty in-memory broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		topics: make(map[string]map[int]Handler),
	}
}

// Publish delivers msg to every subscriber of topic.
func (b *MemoryBroker) Publish(ctx context.Context, topic string, msg protocol.Message) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBrokerClosed
	}
	subs := make([]Handler, 0, len(b.topics[topic]))
	for _, h := range b.topics[topic] {
		subs = append(subs, h)
	}
	b.mu.RUnlock()

	for _, h := range subs {
		h(msg)
	}
	return nil
}

// Subscribe registers h for topic and returns an idempotent unsubscribe.
func (b *MemoryBroker) Subscribe(ctx context.Context, topic string, h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBrokerClosed
	}

	if b.topics[topic] == nil {
		b.topics[topic] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.topics[topic][id] = h

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.topics[topic], id)
			if len(b.topics[topic]) == 0 {
				delete(b.topics, topic)
			}
		})
	}
	return unsubscribe, nil
}

// Close drops all subscriptions.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.topics = make(map[string]map[int]Handler)
	return nil
}
