package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/parksync/parksync/pkg/streaming"
)

const (
	sendChSize   = 10_000
	ackChSize    = 16
	maxReconnect = 10
	maxBackoff   = 30 * time.Second
	writeWait    = 10 * time.Second
	ackTimeout   = 10 * time.Second
)

// connection owns the archive socket. A single write goroutine drains
// sendCh; the read goroutine only routes acks.
type connection struct {
	mu     sync.Mutex
	conn   *ws.Conn
	sendCh chan []byte
	ackCh  chan streaming.AckMessage
	done   chan struct{} // closed on shutdown
	closed bool

	endpoint string
	secret   string

	// Cached start_session message for reconnect replay.
	cachedStartMsg []byte

	// retry is the frame a failed write left behind; the next write loop
	// sends it first so ordering holds across reconnects.
	retry   []byte
	dropped uint64
	logger  *slog.Logger
}

func newConnection(logger *slog.Logger) *connection {
	return &connection{
		sendCh: make(chan []byte, sendChSize),
		ackCh:  make(chan streaming.AckMessage, ackChSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// dial connects to the archive and starts the read and write loops.
func (c *connection) dial(rawURL, secret string) error {
	if _, err := url.Parse(rawURL); err != nil {
		return fmt.Errorf("invalid websocket URL: %w", err)
	}
	c.endpoint = rawURL
	c.secret = secret

	conn, err := c.dialOnce()
	if err != nil {
		return err
	}
	c.start(conn)
	return nil
}

// start installs conn as the live socket and runs its loops. lost is closed
// by the read loop when the socket fails.
func (c *connection) start(conn *ws.Conn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	lost := make(chan struct{})
	go c.writeLoop(conn, lost)
	go c.readLoop(conn, lost)
}

// dialOnce performs a single dial, presenting the secret as a bearer token.
func (c *connection) dialOnce() (*ws.Conn, error) {
	header := http.Header{}
	if c.secret != "" {
		header.Set("Authorization", "Bearer "+c.secret)
	}
	conn, _, err := ws.DefaultDialer.Dial(c.endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

// writeLoop drains sendCh onto conn. It is the only goroutine that
// reconnects: on a write error or a lost read side it replaces the socket
// and hands over to a fresh loop.
func (c *connection) writeLoop(conn *ws.Conn, lost <-chan struct{}) {
	c.mu.Lock()
	data := c.retry
	c.retry = nil
	c.mu.Unlock()

	for {
		if data != nil {
			if err := write(conn, data); err != nil {
				c.mu.Lock()
				c.retry = data
				c.mu.Unlock()
				c.logger.Warn("Archive write failed, reconnecting", "error", err)
				c.reconnect(conn)
				return
			}
		}
		select {
		case <-c.done:
			return
		case <-lost:
			c.reconnect(conn)
			return
		case data = <-c.sendCh:
		}
	}
}

func write(conn *ws.Conn, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(ws.TextMessage, data)
}

// readLoop routes acks from conn to ackCh and closes lost when conn fails.
func (c *connection) readLoop(conn *ws.Conn, lost chan<- struct{}) {
	defer close(lost)
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn("Archive read error", "error", err)
			}
			return
		}

		var ack streaming.AckMessage
		if err := json.Unmarshal(message, &ack); err != nil || ack.Type != "ack" {
			c.logger.Debug("Non-ack message received", "raw", string(message))
			continue
		}
		select {
		case c.ackCh <- ack:
		default:
			c.logger.Debug("Ack channel full, dropping", "for", ack.For)
		}
	}
}

// reconnect replaces broken with a fresh connection, backing off
// exponentially, and replays start_session before anything else.
func (c *connection) reconnect(broken *ws.Conn) {
	c.mu.Lock()
	if c.closed || c.conn != broken {
		c.mu.Unlock()
		return
	}
	_ = broken.Close()
	c.conn = nil
	c.mu.Unlock()

	backoff := time.Second
	for attempt := 1; attempt <= maxReconnect; attempt++ {
		c.logger.Info("Reconnecting to archive", "attempt", attempt, "backoff", backoff)
		select {
		case <-c.done:
			return
		case <-time.After(backoff):
		}

		conn, err := c.dialOnce()
		if err != nil {
			c.logger.Warn("Reconnect dial failed", "attempt", attempt, "error", err)
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		c.mu.Lock()
		cached := c.cachedStartMsg
		c.mu.Unlock()

		if cached != nil {
			if err := write(conn, cached); err != nil {
				c.logger.Warn("Failed to replay start_session after reconnect", "error", err)
				_ = conn.Close()
				continue
			}
		}

		c.logger.Info("Archive reconnected", "attempt", attempt)
		c.start(conn)
		return
	}

	c.logger.Error("Archive reconnect failed after max attempts", "maxAttempts", maxReconnect)
}

// send pushes data to the write loop without blocking; a full queue drops
// the frame and counts it.
func (c *connection) send(data []byte) {
	select {
	case c.sendCh <- data:
	default:
		c.mu.Lock()
		c.dropped++
		n := c.dropped
		c.mu.Unlock()
		c.logger.Warn("Archive send queue full, dropping record", "dropped", n)
	}
}

// sendAndWait sends data and blocks until the server acknowledges with a
// matching ack message or the timeout expires.
func (c *connection) sendAndWait(data []byte, ackFor string, timeout time.Duration) error {
	c.send(data)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case ack := <-c.ackCh:
			if ack.For == ackFor {
				return nil
			}
		case <-timer.C:
			return fmt.Errorf("timeout waiting for ack of %q", ackFor)
		case <-c.done:
			return fmt.Errorf("connection closed while waiting for ack of %q", ackFor)
		}
	}
}

// droppedCount returns how many records never reached the socket.
func (c *connection) droppedCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// close sends a WebSocket close frame and shuts down all goroutines.
func (c *connection) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(
			ws.CloseMessage,
			ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
		)
		return conn.Close()
	}
	return nil
}
