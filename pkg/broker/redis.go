package broker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/pushwire-dev/pushwire/pkg/protocol"
)

// RedisBroker fans topics out over Redis Pub/Sub so broadcasts reach
// connections held by other processes.
type RedisBroker struct {
	client    redis.UniversalClient
	keyPrefix string
	logger    *slog.Logger

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	closed bool
}

// RedisConfig configures a RedisBroker.
type RedisConfig struct {
	// Client is the Redis client to use. If nil, a default localhost client
	// is created.
	Client redis.UniversalClient

	// KeyPrefix is prepended to all channel names.
	// Defaults to "pushwire:topic:".
	KeyPrefix string

	// Logger receives subscription errors. Defaults to slog.Default().
	Logger *slog.Logger
}

// NewRedisBroker creates a Redis-backed broker.
func NewRedisBroker(config RedisConfig) *RedisBroker {
	client := config.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	}
	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "pushwire:topic:"
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroker{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger.With("component", "redis_broker"),
		subs:      make(map[*redis.PubSub]struct{}),
	}
}

// Publish encodes msg and publishes it on the topic channel.
func (b *RedisBroker) Publish(ctx context.Context, topic string, msg protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.keyPrefix+topic, data).Err()
}

// Subscribe starts a Pub/Sub subscription on the topic channel. Messages are
// decoded and handed to h on a per-subscription goroutine.
func (b *RedisBroker) Subscribe(ctx context.Context, topic string, h Handler) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	pubsub := b.client.Subscribe(ctx, b.keyPrefix+topic)
	b.subs[pubsub] = struct{}{}
	b.mu.Unlock()

	// Confirm the subscription before returning so publishes after Subscribe
	// are not missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		b.removeSub(pubsub)
		pubsub.Close()
		return nil, err
	}

	go func() {
		for raw := range pubsub.Channel() {
			msg, err := protocol.Decode([]byte(raw.Payload))
			if err != nil {
				b.logger.Warn("dropping undecodable broadcast", "topic", topic, "error", err)
				continue
			}
			h(msg)
		}
	}()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.removeSub(pubsub)
			pubsub.Close()
		})
	}
	return unsubscribe, nil
}

func (b *RedisBroker) removeSub(pubsub *redis.PubSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, pubsub)
}

// Close terminates all subscriptions and the underlying client.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := make([]*redis.PubSub, 0, len(b.subs))
	for ps := range b.subs {
		subs = append(subs, ps)
	}
	b.subs = make(map[*redis.PubSub]struct{})
	b.mu.Unlock()

	for _, ps := range subs {
		ps.Close()
	}
	return b.client.Close()
}
