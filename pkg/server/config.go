package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pushwire-dev/pushwire/pkg/bridge"
	"github.com/pushwire-dev/pushwire/pkg/broker"
	"github.com/pushwire-dev/pushwire/pkg/commander"
	"github.com/pushwire-dev/pushwire/pkg/report"
)

// Config holds server configuration.
type Config struct {
	// Address is the listen address for Run.
	Address string

	// Path is the WebSocket endpoint path.
	Path string

	// Secret signs sender tokens on pushed messages. Required.
	Secret []byte

	// CheckOrigin validates the Origin header during upgrade. Nil means
	// same-origin only, with AllowedOrigins as explicit exceptions.
	CheckOrigin func(r *http.Request) bool

	// AllowedOrigins lists origins accepted in addition to same-origin.
	// Ignored when CheckOrigin is set.
	AllowedOrigins []string

	// Mode selects the failure report rendered to peers.
	Mode report.Mode

	// Broker fans broadcasts out across connections, and across processes
	// when backed by Redis. Default: in-process memory broker.
	Broker broker.Broker

	// Commander configures the per-connection actors. The server fills in
	// InitialStore per connection.
	Commander *commander.Config

	// Timeouts and buffer sizes for the WebSocket transport.
	HandshakeTimeout  time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	MaxMessageSize    int64
	ReadBufferSize    int
	WriteBufferSize   int

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration

	// Logger is the base logger. Default: slog.Default().
	Logger *slog.Logger

	// Metrics instruments the connection layer. Nil disables.
	Metrics *Metrics

	// BridgeMetrics instruments the request/response bridge. Nil disables.
	BridgeMetrics *bridge.Metrics
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Address:           ":4000",
		Path:              "/pushwire/ws",
		HandshakeTimeout:  10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		MaxMessageSize:    1 << 20,
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		ShutdownTimeout:   30 * time.Second,
	}
}

// Clone returns a copy of the Config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Secret = append([]byte(nil), c.Secret...)
	clone.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	clone.Commander = c.Commander.Clone()
	return &clone
}

// WithSecret sets the signing secret and returns the config for chaining.
func (c *Config) WithSecret(secret []byte) *Config {
	c.Secret = secret
	return c
}

// WithBroker sets the broadcast broker and returns the config for chaining.
func (c *Config) WithBroker(b broker.Broker) *Config {
	c.Broker = b
	return c
}

// WithMode sets the report mode and returns the config for chaining.
func (c *Config) WithMode(m report.Mode) *Config {
	c.Mode = m
	return c
}

// fillDefaults replaces zero-value fields from DefaultConfig.
func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.Address == "" {
		c.Address = d.Address
	}
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = d.WriteBufferSize
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.Commander == nil {
		c.Commander = commander.DefaultConfig()
	}
}

// checkOrigin builds the origin policy: same-origin always passes, entries
// in AllowedOrigins pass, everything else is rejected. Requests without an
// Origin header (non-browser clients) pass.
func (c *Config) checkOrigin() func(r *http.Request) bool {
	if c.CheckOrigin != nil {
		return c.CheckOrigin
	}
	allowed := make(map[string]struct{}, len(c.AllowedOrigins))
	for _, o := range c.AllowedOrigins {
		allowed[strings.ToLower(o)] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if strings.EqualFold(u.Host, r.Host) {
			return true
		}
		_, ok := allowed[strings.ToLower(origin)]
		return ok
	}
}
