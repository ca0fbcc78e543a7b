package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pushwire-dev/pushwire/pkg/bridge"
	"github.com/pushwire-dev/pushwire/pkg/commander"
	"github.com/pushwire-dev/pushwire/pkg/protocol"
	"github.com/pushwire-dev/pushwire/pkg/report"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestServer(t *testing.T, bc commander.BindingConfig) (*Server, string) {
	t.Helper()
	binding, err := commander.NewBinding(bc)
	if err != nil {
		t.Fatalf("NewBinding failed: %v", err)
	}
	config := DefaultConfig().WithSecret([]byte("test-secret")).WithMode(report.Development)
	config.Logger = testLogger()
	s, err := New(binding, config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s, "ws" + strings.TrimPrefix(ts.URL, "http") + s.config.Path
}

func dial(t *testing.T, wsURL, sessionID string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	connect := protocol.Message{
		Event:   protocol.EventConnect,
		Payload: protocol.Payload{"session": sessionID},
	}
	if err := ws.WriteJSON(connect); err != nil {
		t.Fatalf("connect write failed: %v", err)
	}
	return ws
}

// readUntil reads messages until match returns true, failing on timeout.
func readUntil(t *testing.T, ws *websocket.Conn, what string, match func(protocol.Message) bool) protocol.Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg protocol.Message
		if err := ws.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", what, err)
		}
		if match(msg) {
			return msg
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func noopHandler(ctx context.Context, h *bridge.Handle, p protocol.Payload) (any, error) {
	return nil, nil
}

func TestRejectsCrossOriginUpgrade(t *testing.T) {
	_, wsURL := newTestServer(t, commander.BindingConfig{
		Handlers: map[string]commander.HandlerFunc{"noop": noopHandler},
	})

	header := http.Header{"Origin": []string{"http://evil.example.com"}}
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		ws.Close()
		t.Fatal("cross-origin upgrade should be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %+v", resp)
	}
}

func TestEventDispatchSendsAck(t *testing.T) {
	_, wsURL := newTestServer(t, commander.BindingConfig{
		Handlers: map[string]commander.HandlerFunc{"save": noopHandler},
	})
	ws := dial(t, wsURL, "")

	if err := ws.WriteJSON(protocol.Message{
		Event:   protocol.EventUser,
		Name:    "click",
		Handler: "save",
		Reply:   "tok-1",
	}); err != nil {
		t.Fatalf("event write failed: %v", err)
	}

	readUntil(t, ws, "ack", func(m protocol.Message) bool {
		return m.Event == protocol.EventUser && m.Finished == "tok-1"
	})
}

func TestUnknownHandlerReportsAndAcks(t *testing.T) {
	_, wsURL := newTestServer(t, commander.BindingConfig{
		Handlers: map[string]commander.HandlerFunc{"save": noopHandler},
	})
	ws := dial(t, wsURL, "")

	if err := ws.WriteJSON(protocol.Message{
		Event:   protocol.EventUser,
		Handler: "missing",
		Reply:   "tok-2",
	}); err != nil {
		t.Fatalf("event write failed: %v", err)
	}

	var sawReport bool
	readUntil(t, ws, "ack after config fault", func(m protocol.Message) bool {
		if m.Event == protocol.EventExec {
			sawReport = true
		}
		return m.Event == protocol.EventUser && m.Finished == "tok-2"
	})
	if !sawReport {
		// The report may trail the ack; give it one more read.
		readUntil(t, ws, "failure report", func(m protocol.Message) bool {
			return m.Event == protocol.EventExec
		})
	}
}

func TestPushAndWaitRoundTripOverWebSocket(t *testing.T) {
	s, wsURL := newTestServer(t, commander.BindingConfig{
		Handlers: map[string]commander.HandlerFunc{
			"ask": func(ctx context.Context, h *bridge.Handle, p protocol.Payload) (any, error) {
				reply, err := h.PushAndWait(ctx, "query:text", protocol.Payload{"selector": "#name"})
				if err != nil {
					return nil, err
				}
				actor, err := commander.FromHandle(h)
				if err != nil {
					return nil, err
				}
				return nil, actor.SetStore(protocol.Payload{"answer": reply.Payload.String("text")})
			},
		},
	})
	ws := dial(t, wsURL, "")

	if err := ws.WriteJSON(protocol.Message{
		Event:   protocol.EventUser,
		Handler: "ask",
		Reply:   "tok-3",
	}); err != nil {
		t.Fatalf("event write failed: %v", err)
	}

	push := readUntil(t, ws, "server push", func(m protocol.Message) bool {
		return m.Event == protocol.EventPush && m.Name == "query:text"
	})
	if push.Ref == "" || push.Sender == "" {
		t.Fatalf("push missing correlation fields: %+v", push)
	}

	if err := ws.WriteJSON(protocol.Message{
		Event:   protocol.EventReply,
		Ref:     push.Ref,
		Sender:  push.Sender,
		Status:  protocol.StatusOK,
		Payload: protocol.Payload{"text": "Alice"},
	}); err != nil {
		t.Fatalf("reply write failed: %v", err)
	}

	readUntil(t, ws, "ack", func(m protocol.Message) bool {
		return m.Event == protocol.EventUser && m.Finished == "tok-3"
	})

	entries := s.registry.all()
	if len(entries) != 1 {
		t.Fatalf("got %d connections, want 1", len(entries))
	}
	store, err := entries[0].commander.Store()
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if store.String("answer") != "Alice" {
		t.Errorf("store = %v, want answer=Alice", store)
	}
}

func TestStoreSurvivesReconnect(t *testing.T) {
	s, wsURL := newTestServer(t, commander.BindingConfig{
		Handlers: map[string]commander.HandlerFunc{
			"remember": func(ctx context.Context, h *bridge.Handle, p protocol.Payload) (any, error) {
				actor, err := commander.FromHandle(h)
				if err != nil {
					return nil, err
				}
				return nil, actor.SetStore(protocol.Payload{"note": p.String("note")})
			},
		},
	})

	ws := dial(t, wsURL, "alice")
	if err := ws.WriteJSON(protocol.Message{
		Event:   protocol.EventUser,
		Handler: "remember",
		Payload: protocol.Payload{"note": "milk"},
		Reply:   "tok-4",
	}); err != nil {
		t.Fatalf("event write failed: %v", err)
	}
	readUntil(t, ws, "ack", func(m protocol.Message) bool {
		return m.Event == protocol.EventUser && m.Finished == "tok-4"
	})
	ws.Close()
	waitFor(t, "store saved on disconnect", func() bool {
		return s.stores.get("alice").String("note") == "milk"
	})

	// Same session identity reconnects; its store comes back.
	dial(t, wsURL, "alice")
	waitFor(t, "reconnect", func() bool { return s.ConnCount() == 1 })

	entries := s.registry.all()
	store, err := entries[0].commander.Store()
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if store.String("note") != "milk" {
		t.Errorf("store after reconnect = %v, want note=milk", store)
	}
}

func TestEmptyStoreEvictsSavedSession(t *testing.T) {
	s, wsURL := newTestServer(t, commander.BindingConfig{
		Handlers: map[string]commander.HandlerFunc{
			"remember": func(ctx context.Context, h *bridge.Handle, p protocol.Payload) (any, error) {
				actor, err := commander.FromHandle(h)
				if err != nil {
					return nil, err
				}
				return nil, actor.SetStore(protocol.Payload{"note": p.String("note")})
			},
			"forget": func(ctx context.Context, h *bridge.Handle, p protocol.Payload) (any, error) {
				actor, err := commander.FromHandle(h)
				if err != nil {
					return nil, err
				}
				return nil, actor.SetStore(protocol.Payload{})
			},
		},
	})

	ws := dial(t, wsURL, "bob")
	if err := ws.WriteJSON(protocol.Message{
		Event:   protocol.EventUser,
		Handler: "remember",
		Payload: protocol.Payload{"note": "bread"},
		Reply:   "tok-7",
	}); err != nil {
		t.Fatalf("event write failed: %v", err)
	}
	readUntil(t, ws, "ack", func(m protocol.Message) bool {
		return m.Event == protocol.EventUser && m.Finished == "tok-7"
	})
	ws.Close()
	waitFor(t, "store saved on disconnect", func() bool {
		return s.stores.get("bob").String("note") == "bread"
	})

	// An emptied store has nothing to carry over; disconnecting evicts the
	// saved slot instead of persisting an empty map forever.
	ws = dial(t, wsURL, "bob")
	if err := ws.WriteJSON(protocol.Message{
		Event:   protocol.EventUser,
		Handler: "forget",
		Reply:   "tok-8",
	}); err != nil {
		t.Fatalf("event write failed: %v", err)
	}
	readUntil(t, ws, "ack", func(m protocol.Message) bool {
		return m.Event == protocol.EventUser && m.Finished == "tok-8"
	})
	ws.Close()
	waitFor(t, "store evicted on disconnect", func() bool {
		return s.stores.get("bob").String("note") == ""
	})

	s.stores.mu.Lock()
	_, kept := s.stores.stores["bob"]
	s.stores.mu.Unlock()
	if kept {
		t.Error("empty store should be evicted, not saved")
	}
}

func TestBroadcastReachesSubscribedConnections(t *testing.T) {
	s, wsURL := newTestServer(t, commander.BindingConfig{
		Handlers: map[string]commander.HandlerFunc{"noop": noopHandler},
	})

	ws1 := dial(t, wsURL, "a")
	ws2 := dial(t, wsURL, "b")
	waitFor(t, "both connections", func() bool { return s.ConnCount() == 2 })

	for _, e := range s.registry.all() {
		if err := s.Subscribe(context.Background(), e.conn.ID(), "room:1"); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}

	if err := s.Broadcast(context.Background(), "room:1", "announce", protocol.Payload{"text": "hi"}); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	for _, ws := range []*websocket.Conn{ws1, ws2} {
		msg := readUntil(t, ws, "broadcast", func(m protocol.Message) bool {
			return m.Event == protocol.EventPush && m.Name == "announce"
		})
		if msg.Payload.String("text") != "hi" {
			t.Errorf("broadcast payload = %v", msg.Payload)
		}
	}
}

func TestServeHTTPIgnoresOtherPaths(t *testing.T) {
	s, _ := newTestServer(t, commander.BindingConfig{
		Handlers: map[string]commander.HandlerFunc{"noop": noopHandler},
	})
	req := httptest.NewRequest(http.MethodGet, "/some/page", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("non-websocket path got %d, want 404", rec.Code)
	}
}
