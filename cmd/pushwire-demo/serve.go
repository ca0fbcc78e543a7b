package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/pushwire-dev/pushwire/pkg/bridge"
	"github.com/pushwire-dev/pushwire/pkg/broker"
	"github.com/pushwire-dev/pushwire/pkg/capability"
	"github.com/pushwire-dev/pushwire/pkg/commander"
	"github.com/pushwire-dev/pushwire/pkg/hook"
	"github.com/pushwire-dev/pushwire/pkg/protocol"
	"github.com/pushwire-dev/pushwire/pkg/report"
	"github.com/pushwire-dev/pushwire/pkg/server"
)

func serveCmd() *cobra.Command {
	var (
		addr      string
		wsPath    string
		secret    string
		redisAddr string
		dev       bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the demo server",
		Long: `Start the demo server.

With --redis, broadcasts fan out through Redis pub/sub so multiple
instances share the same rooms.

Examples:
  pushwire-demo serve
  pushwire-demo serve --addr=:8080 --dev
  pushwire-demo serve --redis=localhost:6379`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(addr, wsPath, secret, redisAddr, dev)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", ":4000", "Listen address")
	cmd.Flags().StringVar(&wsPath, "ws-path", "/pushwire/ws", "WebSocket endpoint path")
	cmd.Flags().StringVar(&secret, "secret", "", "Token signing secret (required outside --dev)")
	cmd.Flags().StringVar(&redisAddr, "redis", "", "Redis address for cross-instance broadcasts")
	cmd.Flags().BoolVar(&dev, "dev", false, "Development mode: verbose failure reports")

	return cmd
}

func runServe(addr, wsPath, secret, redisAddr string, dev bool) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if secret == "" {
		if !dev {
			return errors.New("--secret is required (or run with --dev)")
		}
		secret = "pushwire-dev-secret"
		logger.Warn("using the built-in dev secret, do not do this in production")
	}

	var bk broker.Broker
	if redisAddr != "" {
		bk = broker.NewRedisBroker(broker.RedisConfig{
			Client: redis.NewClient(&redis.Options{Addr: redisAddr}),
			Logger: logger,
		})
		logger.Info("broadcasting through redis", "addr", redisAddr)
	}

	mode := report.Production
	if dev {
		mode = report.Development
	}

	// The binding's callbacks need the server for topic subscriptions; it
	// is assigned right after New below, before any connection arrives.
	var srv *server.Server

	binding, err := commander.NewBinding(commander.BindingConfig{
		Handlers: map[string]commander.HandlerFunc{
			"counter:increment": incrementCounter,
			"chat:send":         sendChat,
			"profile:rename":    renameProfile,
			"item:delete":       deleteItem,
		},
		Before: []commander.BeforeHook{
			{
				Hook: hook.Hook{Name: "require_admin", Only: []string{"item:delete"}},
				Func: func(ctx context.Context, h *bridge.Handle, p protocol.Payload) bool {
					actor, err := commander.FromHandle(h)
					if err != nil {
						return false
					}
					session, err := actor.Session()
					if err != nil {
						return false
					}
					return session.Bool("admin")
				},
			},
		},
		After: []commander.AfterHook{
			{
				Hook: hook.Hook{Name: "audit"},
				Func: func(ctx context.Context, h *bridge.Handle, p protocol.Payload, result any) {
					logger.Debug("handled", "conn_id", h.ID(), "result", result)
				},
			},
		},
		OnConnect: func(ctx context.Context, h *bridge.Handle) {
			if err := srv.Subscribe(ctx, h.ID(), "lobby"); err != nil {
				logger.Warn("lobby subscribe failed", "conn_id", h.ID(), "error", err)
				return
			}
			h.Push("chat:message", protocol.Payload{"from": "system", "text": "welcome"})
		},
		OnDisconnect: func(store, session protocol.Payload) {
			logger.Info("visitor left", "clicks", store.Int("clicks"))
		},
		Capabilities: []capability.Module{
			capability.UIQuery{},
			capability.Modal{},
		},
	})
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	config := server.DefaultConfig().
		WithSecret([]byte(secret)).
		WithBroker(bk).
		WithMode(mode)
	config.Address = addr
	config.Path = wsPath
	config.Logger = logger
	config.Metrics = server.NewMetrics(registry)
	config.BridgeMetrics = bridge.NewMetrics(registry)
	config.Commander = commander.DefaultConfig()
	config.Commander.Metrics = commander.NewMetrics(registry)
	config.Commander.Tracer = otel.Tracer("pushwire-demo")

	srv, err = server.New(binding, config)
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Handle(wsPath, srv.Handler())
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("demo server starting", "addr", addr, "ws_path", wsPath)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-shutdown:
		logger.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		return httpServer.Shutdown(ctx)
	}
}

// incrementCounter bumps a per-session click counter kept in the store and
// pushes the new value to the page.
func incrementCounter(ctx context.Context, h *bridge.Handle, p protocol.Payload) (any, error) {
	actor, err := commander.FromHandle(h)
	if err != nil {
		return nil, err
	}
	store, err := actor.Store()
	if err != nil {
		return nil, err
	}
	clicks := store.Int("clicks") + 1
	store["clicks"] = clicks
	if err := actor.SetStore(store); err != nil {
		return nil, err
	}
	return clicks, h.Push("counter:set", protocol.Payload{"value": clicks})
}

// sendChat broadcasts a chat line to everyone in the lobby.
func sendChat(ctx context.Context, h *bridge.Handle, p protocol.Payload) (any, error) {
	actor, err := commander.FromHandle(h)
	if err != nil {
		return nil, err
	}
	session, err := actor.Session()
	if err != nil {
		return nil, err
	}
	from := session.String("name")
	if from == "" {
		from = "anonymous"
	}
	return nil, h.Broadcast(ctx, "lobby", "chat:message", protocol.Payload{
		"from": from,
		"text": p.String("text"),
	})
}

// renameProfile reads the name field from the live page and stores it in the
// session.
func renameProfile(ctx context.Context, h *bridge.Handle, p protocol.Payload) (any, error) {
	q, err := capability.QueryFrom(h)
	if err != nil {
		return nil, err
	}
	name, err := q.Text(ctx, "#profile-name")
	if err != nil {
		return nil, err
	}
	actor, err := commander.FromHandle(h)
	if err != nil {
		return nil, err
	}
	session, err := actor.Session()
	if err != nil {
		return nil, err
	}
	session["name"] = name
	if err := actor.SetSession(session); err != nil {
		return nil, err
	}
	return name, q.SetText("#profile-greeting", "Hello, "+name)
}

// deleteItem asks for confirmation before removing an item.
func deleteItem(ctx context.Context, h *bridge.Handle, p protocol.Payload) (any, error) {
	d, err := capability.DialogFrom(h)
	if err != nil {
		return nil, err
	}
	id := p.String("id")
	confirmed, err := d.Confirm(ctx, "Delete item", "Really delete "+id+"?")
	if err != nil {
		return nil, err
	}
	if !confirmed {
		return false, nil
	}
	return true, h.Push("item:removed", protocol.Payload{"id": id})
}
