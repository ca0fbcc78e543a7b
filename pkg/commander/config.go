package commander

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/pushwire-dev/pushwire/pkg/protocol"
	"github.com/pushwire-dev/pushwire/pkg/report"
)

// Config holds configuration for one Commander. It is passed at construction
// time; there is no process-wide configuration lookup.
type Config struct {
	// MailboxSize is the buffer of the actor mailbox.
	// Default: 256.
	MailboxSize int

	// DisconnectTimeout bounds the synchronous on-disconnect callback at
	// shutdown. A callback that does not return within the window is
	// abandoned and logged; shutdown proceeds.
	// Default: 5 seconds.
	DisconnectTimeout time.Duration

	// InitialStore seeds the store field. The server's connection layer
	// passes the store kept for this logical session here, which is how the
	// store survives reconnects while session and handle do not.
	InitialStore protocol.Payload

	// Logger is the base logger. Default: slog.Default().
	Logger *slog.Logger

	// Reporter surfaces dispatch faults. Default: a production-mode
	// reporter over Logger.
	Reporter *report.Reporter

	// Metrics records dispatch activity. Nil disables instrumentation.
	Metrics *Metrics

	// Tracer creates a span per dispatch. Nil disables tracing.
	Tracer trace.Tracer
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MailboxSize:       256,
		DisconnectTimeout: 5 * time.Second,
	}
}

// Clone returns a copy of the Config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	clone.InitialStore = c.InitialStore.Clone()
	return &clone
}

// WithDisconnectTimeout sets the disconnect timeout and returns the config
// for chaining.
func (c *Config) WithDisconnectTimeout(d time.Duration) *Config {
	c.DisconnectTimeout = d
	return c
}

// WithInitialStore sets the seed store and returns the config for chaining.
func (c *Config) WithInitialStore(store protocol.Payload) *Config {
	c.InitialStore = store
	return c
}
