package server

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pushwire-dev/pushwire/pkg/protocol"
)

// Conn wraps one WebSocket connection. It satisfies bridge.Conn, so pushes
// and reply waits address it directly. Writes are serialized with a mutex;
// gorilla permits one concurrent writer.
type Conn struct {
	id     string
	ws     *websocket.Conn
	config *Config
	logger *slog.Logger

	mu     sync.Mutex
	closed atomic.Bool
	done   chan struct{}
}

func newConn(id string, ws *websocket.Conn, config *Config, logger *slog.Logger) *Conn {
	return &Conn{
		id:     id,
		ws:     ws,
		config: config,
		logger: logger.With("conn_id", id),
		done:   make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string {
	return c.id
}

// Send encodes msg and writes it to the peer.
func (c *Conn) Send(msg protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return &ConnError{ConnID: c.id, Op: "encode", Err: err}
	}
	return c.write(websocket.TextMessage, data)
}

func (c *Conn) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return ErrConnClosed
	}
	c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := c.ws.WriteMessage(messageType, data); err != nil {
		return &ConnError{ConnID: c.id, Op: "write", Err: err}
	}
	return nil
}

// readMessage blocks for the next decoded message from the peer.
func (c *Conn) readMessage() (protocol.Message, error) {
	c.ws.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return protocol.Message{}, err
	}
	return protocol.Decode(data)
}

// heartbeatLoop pings the peer until the connection closes. Pongs extend the
// read deadline via the handler installed in handleWebSocket.
func (c *Conn) heartbeatLoop() {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close tears the connection down. Safe to call more than once.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.done)
	return c.ws.Close()
}

// Done is closed when the connection has been torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}
