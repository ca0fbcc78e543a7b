package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pushwire-dev/pushwire/pkg/bridge"
	"github.com/pushwire-dev/pushwire/pkg/broker"
	"github.com/pushwire-dev/pushwire/pkg/commander"
	"github.com/pushwire-dev/pushwire/pkg/protocol"
	"github.com/pushwire-dev/pushwire/pkg/report"
)

// Server accepts WebSocket connections and runs one commander per
// connection. It mounts anywhere an http.Handler does.
type Server struct {
	config  *Config
	logger  *slog.Logger
	binding *commander.Binding

	upgrader websocket.Upgrader
	bridge   *bridge.Bridge
	broker   broker.Broker
	reporter *report.Reporter
	registry *registry
	stores   *storeRegistry
	metrics  *Metrics

	baseCtx    context.Context
	baseCancel context.CancelFunc
	httpServer *http.Server
	closed     atomic.Bool
	wg         sync.WaitGroup
}

// New builds a Server around binding. Config.Secret is required; it signs
// the sender tokens on every pushed message.
func New(binding *commander.Binding, config *Config) (*Server, error) {
	if binding == nil {
		return nil, errors.New("server: nil binding")
	}
	if config == nil {
		config = DefaultConfig()
	} else {
		config = config.Clone()
	}
	config.fillDefaults()

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")

	bk := config.Broker
	if bk == nil {
		bk = broker.NewMemoryBroker()
	}

	b, err := bridge.New(bridge.Config{
		Secret:  config.Secret,
		Broker:  bk,
		Logger:  logger,
		Metrics: config.BridgeMetrics,
	})
	if err != nil {
		return nil, err
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	s := &Server{
		config:  config,
		logger:  logger,
		binding: binding,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   config.ReadBufferSize,
			WriteBufferSize:  config.WriteBufferSize,
			HandshakeTimeout: config.HandshakeTimeout,
			CheckOrigin:      config.checkOrigin(),
		},
		bridge:     b,
		broker:     bk,
		reporter:   report.New(config.Mode, logger),
		registry:   newRegistry(),
		stores:     newStoreRegistry(),
		metrics:    config.Metrics,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
	return s, nil
}

// Handler returns an http.Handler for mounting in external routers (chi,
// stdlib mux, anything that takes an http.Handler).
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.ServeHTTP)
}

// ServeHTTP implements http.Handler. Only the configured WebSocket path is
// served; everything else is a 404 so the surrounding router stays in
// charge of page routes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == s.config.Path {
		s.HandleWebSocket(w, r)
		return
	}
	http.NotFound(w, r)
}

// HandleWebSocket upgrades the request and serves the connection until it
// closes. It blocks for the lifetime of the connection.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error, including 403 on an
		// origin rejection.
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	ws.SetReadLimit(s.config.MaxMessageSize)
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	})

	connID := newConnID()
	conn := newConn(connID, ws, s.config, s.logger)

	// The peer opens with a connect message carrying its session identity
	// and initial payload.
	ws.SetReadDeadline(time.Now().Add(s.config.HandshakeTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		s.logger.Warn("handshake read failed", "conn_id", connID, "error", err)
		conn.Close()
		return
	}
	first, err := protocol.Decode(data)
	if err != nil || first.Event != protocol.EventConnect {
		if err == nil {
			err = ErrBadHandshake
		}
		s.logger.Warn("handshake failed", "conn_id", connID, "error", err)
		conn.Close()
		return
	}

	sessionID := first.Payload.String("session")
	if sessionID == "" {
		sessionID = connID
	}

	cc := s.config.Commander.Clone()
	cc.Logger = s.logger
	cc.Reporter = s.reporter
	cc.InitialStore = s.stores.get(sessionID)

	cmdr := commander.New(connID, s.binding, cc)
	handle := bridge.NewHandle(conn, s.bridge)

	ctx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()

	if err := cmdr.Connect(ctx, handle, first.Payload); err != nil {
		s.logger.Error("connect dispatch failed", "conn_id", connID, "error", err)
		cmdr.Stop()
		conn.Close()
		return
	}

	e := &entry{conn: conn, commander: cmdr, handle: handle, sessionID: sessionID}
	s.registry.add(e)
	s.metrics.connOpened()
	s.logger.Info("connection opened", "conn_id", connID, "session_id", sessionID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		conn.heartbeatLoop()
	}()

	s.readLoop(ctx, e)
	s.teardown(e)
}

// readLoop routes inbound messages until the connection dies.
func (s *Server) readLoop(ctx context.Context, e *entry) {
	for {
		msg, err := e.conn.readMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				s.metrics.readError()
				s.logger.Error("read error", "conn_id", e.conn.ID(), "error", err)
			}
			return
		}
		s.metrics.message(msg.Event)

		switch msg.Event {
		case protocol.EventUser:
			ev := commander.Event{
				Name:    msg.Name,
				Handler: msg.Handler,
				Payload: msg.Payload,
				Reply:   msg.Reply,
			}
			if _, err := e.commander.DispatchEvent(ctx, e.handle, ev); err != nil {
				s.logger.Warn("dispatch rejected",
					"conn_id", e.conn.ID(), "handler", msg.Handler, "error", err)
			}

		case protocol.EventReply:
			if err := s.bridge.HandleReply(msg); err != nil {
				s.reporter.Report(e.handle, report.Fault{
					Kind:    report.KindToken,
					Message: err.Error(),
				})
			}

		case protocol.EventLoad:
			if err := e.commander.Load(ctx); err != nil {
				s.logger.Warn("load rejected", "conn_id", e.conn.ID(), "error", err)
			}

		case protocol.EventConnect:
			// A connect on a live socket refreshes session state.
			if err := e.commander.Connect(ctx, e.handle, msg.Payload); err != nil {
				s.logger.Warn("reconnect rejected", "conn_id", e.conn.ID(), "error", err)
			}

		default:
			s.logger.Warn("unknown event", "conn_id", e.conn.ID(), "event", msg.Event)
		}
	}
}

// teardown tears one connection down after its read loop exits: broker
// subscriptions dropped, handle detached, store saved for the next
// connection of the same session (or evicted when empty), actor stopped.
func (s *Server) teardown(e *entry) {
	if s.registry.remove(e.conn.ID()) == nil {
		return
	}
	for _, unsub := range e.drainUnsubs() {
		unsub()
	}
	// The socket is gone; detach the handle so OnDisconnect and any still
	// running dispatches stop pushing into it.
	if err := e.commander.Detach(); err != nil {
		s.logger.Debug("detach failed", "conn_id", e.conn.ID(), "error", err)
	}
	if store, err := e.commander.Store(); err == nil {
		if len(store) == 0 {
			// Nothing to carry over to the next connection; evict the slot
			// so idle sessions do not accumulate.
			s.stores.delete(e.sessionID)
		} else {
			s.stores.save(e.sessionID, store)
		}
	}
	e.commander.Stop()
	e.conn.Close()
	s.metrics.connClosed()
	s.logger.Info("connection closed", "conn_id", e.conn.ID(), "session_id", e.sessionID)
}

// Subscribe delivers every message published on topic to the given
// connection until Unsubscribe, disconnect, or ctx cancellation.
func (s *Server) Subscribe(ctx context.Context, connID, topic string) error {
	e := s.registry.get(connID)
	if e == nil {
		return ErrConnNotFound
	}
	conn := e.conn
	unsub, err := s.broker.Subscribe(ctx, topic, func(msg protocol.Message) {
		if err := conn.Send(msg); err != nil {
			s.logger.Debug("broadcast delivery failed",
				"conn_id", conn.ID(), "topic", topic, "error", err)
		}
	})
	if err != nil {
		return err
	}
	e.addUnsub(topic, unsub)
	return nil
}

// Unsubscribe removes the connection's subscription to topic.
func (s *Server) Unsubscribe(connID, topic string) error {
	e := s.registry.get(connID)
	if e == nil {
		return ErrConnNotFound
	}
	if unsub := e.removeUnsub(topic); unsub != nil {
		unsub()
	}
	return nil
}

// Broadcast publishes a server-originated push on topic. Unlike
// Handle.Broadcast it carries no sender token, so peers cannot reply to it.
func (s *Server) Broadcast(ctx context.Context, topic, name string, payload protocol.Payload) error {
	return s.broker.Publish(ctx, topic, protocol.Message{
		Event:   protocol.EventPush,
		Name:    name,
		Payload: payload,
		Topic:   topic,
	})
}

// Commander returns the actor for a live connection.
func (s *Server) Commander(connID string) (*commander.Commander, error) {
	e := s.registry.get(connID)
	if e == nil {
		return nil, ErrConnNotFound
	}
	return e.commander, nil
}

// Bridge returns the server's request/response bridge.
func (s *Server) Bridge() *bridge.Bridge {
	return s.bridge
}

// ConnCount returns the number of live connections.
func (s *Server) ConnCount() int {
	return s.registry.len()
}

// Run starts the server and blocks until SIGINT/SIGTERM or a listen error.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:              s.config.Address,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "address", s.config.Address, "path", s.config.Path)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-shutdown:
		s.logger.Info("shutting down")
		return s.Shutdown(context.Background())
	}
}

// Shutdown closes every connection and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.closed.Swap(true) {
		return ErrServerClosed
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	for _, e := range s.registry.all() {
		e.conn.Close()
		s.teardown(e)
	}
	s.baseCancel()
	s.wg.Wait()

	if s.config.Broker == nil {
		// The broker is ours only when we created it.
		if err := s.broker.Close(); err != nil {
			s.logger.Error("broker close failed", "error", err)
		}
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}
	s.logger.Info("server shutdown complete")
	return nil
}

// SECURITY: Fatal on entropy failure - weak IDs are dangerous
func newConnID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b)
}
