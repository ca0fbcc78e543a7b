package bridge

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pushwire-dev/pushwire/pkg/protocol"
	"github.com/pushwire-dev/pushwire/pkg/token"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeConn struct {
	id   string
	mu   sync.Mutex
	sent []protocol.Message
	err  error
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) last(t *testing.T) protocol.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		t.Fatal("no message sent")
	}
	return c.sent[len(c.sent)-1]
}

func newTestBridge(t *testing.T) (*Bridge, *Handle, *fakeConn) {
	t.Helper()
	b, err := New(Config{Secret: []byte("test-secret"), Logger: testLogger()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	conn := &fakeConn{id: "conn-1"}
	return b, NewHandle(conn, b), conn
}

func TestPushAttachesSignedSender(t *testing.T) {
	b, h, conn := newTestBridge(t)

	if err := b.Push(h, "update_cart", protocol.Payload{"sku": "A"}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	msg := conn.last(t)
	if msg.Event != protocol.EventPush || msg.Name != "update_cart" {
		t.Errorf("unexpected push envelope: %+v", msg)
	}
	if msg.Sender == "" {
		t.Fatal("push should carry a signed sender token")
	}
	// The token must verify and recover the originating connection.
	signer, _ := token.NewSigner([]byte("test-secret"))
	origin, err := signer.Verify(msg.Sender)
	if err != nil {
		t.Errorf("sender token should verify: %v", err)
	}
	if origin != "conn-1" {
		t.Errorf("sender token recovered %q, want conn-1", origin)
	}
}

func TestPushAndWaitTimeout(t *testing.T) {
	b, h, _ := newTestBridge(t)

	start := time.Now()
	_, err := b.PushAndWaitTimeout(context.Background(), h, "ask", nil, 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if time.Since(start) > time.Second {
		t.Error("timeout took far longer than the configured window")
	}
	if n := b.PendingCalls(); n != 0 {
		t.Errorf("PendingCalls after timeout = %d, want 0", n)
	}
}

func TestPushAndWaitZeroTimeout(t *testing.T) {
	b, h, _ := newTestBridge(t)

	_, err := b.PushAndWaitTimeout(context.Background(), h, "ask", nil, 0)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("zero timeout should return ErrTimeout, got %v", err)
	}
}

func TestPushAndWaitReplyWins(t *testing.T) {
	b, h, conn := newTestBridge(t)

	done := make(chan struct{})
	var reply Reply
	var waitErr error
	go func() {
		defer close(done)
		reply, waitErr = b.PushAndWaitTimeout(context.Background(), h, "confirm", protocol.Payload{"q": "sure?"}, 5*time.Second)
	}()

	// Wait for the push to go out, then answer it like the client would:
	// echo ref and sender token back.
	var msg protocol.Message
	for i := 0; ; i++ {
		conn.mu.Lock()
		n := len(conn.sent)
		if n > 0 {
			msg = conn.sent[n-1]
		}
		conn.mu.Unlock()
		if n > 0 {
			break
		}
		if i > 100 {
			t.Fatal("push never sent")
		}
		time.Sleep(5 * time.Millisecond)
	}

	err := b.HandleReply(protocol.Message{
		Event:   protocol.EventReply,
		Ref:     msg.Ref,
		Sender:  msg.Sender,
		Status:  protocol.StatusOK,
		Payload: protocol.Payload{"answer": "yes"},
	})
	if err != nil {
		t.Fatalf("HandleReply failed: %v", err)
	}

	<-done
	if waitErr != nil {
		t.Fatalf("PushAndWaitTimeout failed: %v", waitErr)
	}
	if reply.Status != protocol.StatusOK || reply.Payload.String("answer") != "yes" {
		t.Errorf("reply = %+v, want ok/yes", reply)
	}
}

func TestLateReplyIsDiscardedNotCrossDelivered(t *testing.T) {
	b, h, conn := newTestBridge(t)

	// First call times out immediately.
	_, err := b.PushAndWaitTimeout(context.Background(), h, "first", nil, 0)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("first call: err = %v, want ErrTimeout", err)
	}
	lateRef := conn.last(t).Ref
	lateSender := conn.last(t).Sender

	// Second call is in flight when the late reply lands.
	secondDone := make(chan error, 1)
	go func() {
		_, err := b.PushAndWaitTimeout(context.Background(), h, "second", nil, 200*time.Millisecond)
		secondDone <- err
	}()

	for i := 0; b.PendingCalls() == 0; i++ {
		if i > 100 {
			t.Fatal("second call never registered")
		}
		time.Sleep(2 * time.Millisecond)
	}

	// Late reply for the first call: must be dropped, not handed to the
	// second caller.
	if err := b.HandleReply(protocol.Message{
		Event:  protocol.EventReply,
		Ref:    lateRef,
		Sender: lateSender,
		Status: protocol.StatusOK,
	}); err != nil {
		t.Fatalf("late reply should be silently discarded, got %v", err)
	}

	if err := <-secondDone; !errors.Is(err, ErrTimeout) {
		t.Errorf("second call: err = %v, want ErrTimeout (late reply must not resolve it)", err)
	}
}

func TestHandleReplyRejectsBadToken(t *testing.T) {
	b, _, _ := newTestBridge(t)

	err := b.HandleReply(protocol.Message{
		Event:  protocol.EventReply,
		Ref:    "some-ref",
		Sender: "forged",
	})
	if !errors.Is(err, token.ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestHandleReplyRejectsMismatchedToken(t *testing.T) {
	b, h, conn := newTestBridge(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.PushAndWaitTimeout(context.Background(), h, "ask", nil, 500*time.Millisecond)
	}()

	for i := 0; b.PendingCalls() == 0; i++ {
		if i > 100 {
			t.Fatal("call never registered")
		}
		time.Sleep(2 * time.Millisecond)
	}
	msg := conn.last(t)

	// A valid token minted for another connection must not resolve this call.
	other := NewHandle(&fakeConn{id: "conn-2"}, b)
	if err := b.Push(other, "noop", nil); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	otherTok := other.Conn().(*fakeConn).last(t).Sender

	err := b.HandleReply(protocol.Message{
		Event:  protocol.EventReply,
		Ref:    msg.Ref,
		Sender: otherTok,
	})
	if !errors.Is(err, token.ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
	if b.PendingCalls() != 1 {
		t.Error("mismatched reply must leave the pending call in place")
	}
	<-done
}

// A mismatched reply must never take the call out of the set, even
// transiently, or a timeout firing in that window would find nothing to
// remove and block on a reply channel nobody will ever write.
func TestMismatchedReplyRacingDeadlineStillTimesOut(t *testing.T) {
	b, h, conn := newTestBridge(t)

	other := NewHandle(&fakeConn{id: "conn-2"}, b)
	if err := b.Push(other, "noop", nil); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	otherTok := other.Conn().(*fakeConn).last(t).Sender

	done := make(chan error, 1)
	go func() {
		_, err := b.PushAndWaitTimeout(context.Background(), h, "ask", nil, 30*time.Millisecond)
		done <- err
	}()

	for i := 0; b.PendingCalls() == 0; i++ {
		if i > 100 {
			t.Fatal("call never registered")
		}
		time.Sleep(2 * time.Millisecond)
	}
	ref := conn.last(t).Ref

	// Hammer the call with mismatched replies across the deadline window.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			b.HandleReply(protocol.Message{
				Event:  protocol.EventReply,
				Ref:    ref,
				Sender: otherTok,
			})
		}
	}()

	select {
	case err := <-done:
		if !errors.Is(err, ErrTimeout) {
			t.Errorf("err = %v, want ErrTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("caller is stuck: the deadline never resolved the call")
	}
	close(stop)
	wg.Wait()
	if n := b.PendingCalls(); n != 0 {
		t.Errorf("PendingCalls after timeout = %d, want 0", n)
	}
}

func TestPushAndWaitForeverHonorsContext(t *testing.T) {
	b, h, _ := newTestBridge(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := b.PushAndWaitForever(ctx, h, "modal", nil)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("PushAndWaitForever did not return after cancel")
	}
}

func TestBroadcastReachesSubscribers(t *testing.T) {
	b, h, _ := newTestBridge(t)

	got := make(chan protocol.Message, 1)
	unsub, err := b.Broker().Subscribe(context.Background(), "room:1", func(msg protocol.Message) {
		got <- msg
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer unsub()

	if err := b.Broadcast(context.Background(), h, "room:1", "refresh", protocol.Payload{"v": 1}); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	select {
	case msg := <-got:
		if msg.Topic != "room:1" || msg.Name != "refresh" || msg.Sender == "" {
			t.Errorf("broadcast message = %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("broadcast never delivered")
	}
}

func TestPushSendFailureIsReported(t *testing.T) {
	b, _, _ := newTestBridge(t)
	conn := &fakeConn{id: "conn-9", err: errors.New("boom")}
	h := NewHandle(conn, b)

	if err := b.Push(h, "x", nil); err == nil {
		t.Error("Push should surface transport errors")
	}
	if _, err := b.PushAndWaitTimeout(context.Background(), h, "x", nil, time.Second); err == nil {
		t.Error("PushAndWaitTimeout should surface transport errors")
	}
	if n := b.PendingCalls(); n != 0 {
		t.Errorf("failed send left %d pending calls", n)
	}
}
