package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/parksync/parksync/internal/action"
	"github.com/parksync/parksync/internal/actionerr"
	"github.com/parksync/parksync/internal/player"
	"github.com/parksync/parksync/internal/snapshot"
	"github.com/parksync/parksync/pkg/wire"
)

// Client is a peer's end of the replication channel. It implements
// dispatcher.Forwarder.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger
	reseq  *Resequencer
	dialer *ws.Dialer

	mu           sync.Mutex
	conn         *ws.Conn
	sendCh       chan []byte
	done         chan struct{} // closed on shutdown
	closed       bool
	reconnecting bool
	welcome      wire.Welcome
	nextID       uint64
	waiting      map[uint64]chan wire.SubmitResult
	fatal        error
}

// NewClient creates a client. Dial connects it.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Client{
		cfg:     cfg,
		logger:  logger,
		reseq:   NewResequencer(cfg.ResendTimeout, cfg.MaxResendAttempts),
		dialer:  ws.DefaultDialer,
		sendCh:  make(chan []byte, cfg.SendBuffer),
		done:    make(chan struct{}),
		waiting: make(map[uint64]chan wire.SubmitResult),
	}
}

// Dial connects, joins and returns the welcome. The welcome's checkpoint is
// the caller's starting state; Deliveries continues from it.
func (c *Client) Dial(ctx context.Context) (wire.Welcome, error) {
	conn, welcome, err := c.handshake(ctx)
	if err != nil {
		return wire.Welcome{}, err
	}

	c.mu.Lock()
	c.conn = conn
	c.welcome = welcome
	c.mu.Unlock()
	c.reseq.Start(welcome.Checkpoint)

	go c.writeLoop()
	go c.readLoop()
	return welcome, nil
}

// handshake dials once, sends hello and waits for the welcome.
func (c *Client) handshake(ctx context.Context) (*ws.Conn, wire.Welcome, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, wire.Welcome{}, fmt.Errorf("websocket dial failed: %w", err)
	}
	fail := func(err error) (*ws.Conn, wire.Welcome, error) {
		_ = conn.Close()
		return nil, wire.Welcome{}, err
	}

	hello, err := wire.Marshal(wire.TypeHello, wire.Hello{
		Version:        wire.ProtocolVersion,
		Name:           c.cfg.Name,
		KeyFingerprint: c.cfg.KeyFingerprint,
	})
	if err != nil {
		return fail(err)
	}
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		return fail(err)
	}
	if err := conn.WriteMessage(ws.TextMessage, hello); err != nil {
		return fail(fmt.Errorf("sending hello: %w", err))
	}

	deadline := time.Now().Add(c.cfg.WriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return fail(err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fail(fmt.Errorf("waiting for welcome: %w", err))
	}
	_ = conn.SetReadDeadline(time.Time{})

	env, err := wire.Unmarshal(data)
	if err != nil {
		return fail(err)
	}
	switch env.Type {
	case wire.TypeWelcome:
		welcome, err := wire.Payload[wire.Welcome](env)
		if err != nil {
			return fail(err)
		}
		return conn, welcome, nil
	case wire.TypeError:
		m, err := wire.Payload[wire.ErrorMessage](env)
		if err != nil {
			return fail(err)
		}
		return fail(actionerr.FromCode(m.Code, m.Message))
	default:
		return fail(fmt.Errorf("expected welcome, got %q", env.Type))
	}
}

// writeLoop drains sendCh and writes messages to the WebSocket.
// Only one writeLoop runs at a time; it returns on error or shutdown.
func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.sendCh:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()

			if conn == nil {
				continue
			}

			if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
				c.logger.Warn("WebSocket SetWriteDeadline error", "error", err)
				go c.reconnect()
				return
			}
			if err := conn.WriteMessage(ws.TextMessage, data); err != nil {
				c.logger.Warn("WebSocket write error", "error", err)
				go c.reconnect()
				return
			}
		}
	}
}

// readLoop feeds the resequencer and routes submission results.
func (c *Client) readLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.logger.Warn("WebSocket read error", "error", err)
			go c.reconnect()
			return
		}

		env, err := wire.Unmarshal(message)
		if err != nil {
			c.logger.Debug("Malformed frame", "error", err)
			continue
		}
		c.handle(env)
	}
}

func (c *Client) handle(env wire.Envelope) {
	switch env.Type {
	case wire.TypeCommand:
		m, err := wire.Payload[wire.CommandMessage](env)
		if err != nil {
			c.logger.Warn("Bad command frame", "error", err)
			return
		}
		c.onGap(c.reseq.Push(m))
	case wire.TypeFingerprint:
		m, err := wire.Payload[wire.FingerprintMessage](env)
		if err != nil {
			c.logger.Warn("Bad fingerprint frame", "error", err)
			return
		}
		c.onGap(c.reseq.PushMarker(m))
	case wire.TypeResync:
		m, err := wire.Payload[wire.Resync](env)
		if err != nil {
			c.logger.Warn("Bad resync frame", "error", err)
			return
		}
		c.logger.Info("Resync received", "order_key", m.OrderKey, "reason", m.Reason)
		c.reseq.Resync(m.Checkpoint)
	case wire.TypeSubmitResult:
		m, err := wire.Payload[wire.SubmitResult](env)
		if err != nil {
			c.logger.Warn("Bad submit result", "error", err)
			return
		}
		c.mu.Lock()
		ch, ok := c.waiting[m.ID]
		delete(c.waiting, m.ID)
		c.mu.Unlock()
		if ok {
			ch <- m
		}
	case wire.TypeError:
		m, err := wire.Payload[wire.ErrorMessage](env)
		if err != nil {
			return
		}
		c.logger.Warn("Authority reported an error", "code", m.Code, "message", m.Message)
		// A kicked peer must not rejoin on its own.
		if m.Code == actionerr.CodePermissionDenied {
			c.setFatal(actionerr.FromCode(m.Code, m.Message))
		}
	default:
		c.logger.Debug("Unexpected message", "type", env.Type)
	}
}

func (c *Client) onGap(err error) {
	var se *actionerr.SequenceError
	if errors.As(err, &se) {
		c.logger.Debug("Gap in command stream", "expected", se.Expected, "got", se.Got)
		c.RequestResend(se.Expected)
	}
}

// reconnect re-establishes the connection with exponential backoff. The
// authority treats the new connection as a new player, so the welcome is
// queued as a resync and pending submissions are aborted.
func (c *Client) reconnect() {
	c.mu.Lock()
	if c.closed || c.reconnecting || c.fatal != nil {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	waiting := c.waiting
	c.waiting = make(map[uint64]chan wire.SubmitResult)
	c.mu.Unlock()

	for id, ch := range waiting {
		ch <- wire.SubmitResult{ID: id, Code: actionerr.CodeAborted, Error: "connection lost"}
	}

	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	backoff := time.Second
	for attempt := 1; attempt <= c.cfg.MaxReconnect; attempt++ {
		select {
		case <-c.done:
			return
		case <-time.After(backoff):
		}

		c.logger.Info("Reconnecting to authority", "attempt", attempt, "backoff", backoff)
		conn, welcome, err := c.handshake(context.Background())
		if err != nil {
			c.logger.Warn("Reconnect failed", "attempt", attempt, "error", err)
			if code := actionerr.CodeOf(err); code == actionerr.CodePermissionDenied || code == actionerr.CodeInvalidArgument {
				c.setFatal(err)
				return
			}
			backoff = min(backoff*2, c.cfg.MaxBackoff)
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.welcome = welcome
		c.mu.Unlock()
		c.reseq.Resync(welcome.Checkpoint)

		c.logger.Info("Reconnected to authority", "attempt", attempt, "player", welcome.Player)
		go c.writeLoop()
		go c.readLoop()
		return
	}

	c.logger.Error("Reconnect failed after max attempts", "maxAttempts", c.cfg.MaxReconnect)
	c.setFatal(actionerr.ReplicationTimeout("replication.Client", "reconnect failed after %d attempts", c.cfg.MaxReconnect))
}

func (c *Client) setFatal(err error) {
	c.mu.Lock()
	if c.fatal == nil {
		c.fatal = err
	}
	c.mu.Unlock()
}

// send pushes data to the write loop. Non-blocking; drops if channel full.
func (c *Client) send(data []byte) bool {
	select {
	case c.sendCh <- data:
		return true
	default:
		c.logger.Warn("WebSocket send channel full, dropping message")
		return false
	}
}

func (c *Client) sendMessage(typ string, v any) bool {
	data, err := wire.Marshal(typ, v)
	if err != nil {
		c.logger.Error("Failed to encode message", "type", typ, "error", err)
		return false
	}
	return c.send(data)
}

// Forward sends cmd to the authority and waits for its verdict.
func (c *Client) Forward(ctx context.Context, cmd action.Command) (action.OrderKey, error) {
	if err := c.Err(); err != nil {
		return 0, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.SubmitTimeout)
		defer cancel()
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan wire.SubmitResult, 1)
	c.waiting[id] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.waiting, id)
		c.mu.Unlock()
	}

	req, err := wire.NewSubmitRequest(id, cmd)
	if err != nil {
		forget()
		return 0, actionerr.InvalidArgument("replication.Forward", "%v", err)
	}
	if !c.sendMessage(wire.TypeSubmit, req) {
		forget()
		return 0, actionerr.Aborted("replication.Forward", "send queue full")
	}

	select {
	case res := <-ch:
		if err := res.Err(); err != nil {
			return 0, err
		}
		return res.OrderKey, nil
	case <-ctx.Done():
		forget()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, actionerr.ReplicationTimeout("replication.Forward", "no answer for submission %d", id)
		}
		return 0, actionerr.Aborted("replication.Forward", "%v", ctx.Err())
	case <-c.done:
		forget()
		return 0, actionerr.Aborted("replication.Forward", "client closed")
	}
}

// Deliveries returns the items released since the last call, in order.
func (c *Client) Deliveries() []Delivery {
	return c.reseq.Drain()
}

// Ack acknowledges every command up to key.
func (c *Client) Ack(key action.OrderKey) {
	c.sendMessage(wire.TypeAck, wire.AckMessage{OrderKey: key})
}

// ReportFingerprint sends the peer's snapshot of a tick to the authority.
func (c *Client) ReportFingerprint(s snapshot.Snapshot) {
	c.sendMessage(wire.TypeFingerprint, wire.NewFingerprintMessage(s))
}

// RequestResend asks the authority for every command from key from.
func (c *Client) RequestResend(from uint64) {
	c.sendMessage(wire.TypeResend, wire.ResendRequest{From: from})
}

// Check repeats overdue resend requests. It returns an error once the
// channel has given up, either on a gap or on reconnecting.
func (c *Client) Check(now time.Time) error {
	from, due, err := c.reseq.Check(now)
	if err != nil {
		c.setFatal(err)
		return err
	}
	if due {
		c.logger.Info("Repeating resend request", "from", from)
		c.RequestResend(from)
	}
	return c.Err()
}

// Err returns the error that stopped the client, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatal
}

// Player returns the id the authority assigned on the latest join.
func (c *Client) Player() player.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.welcome.Player
}

// Welcome returns the latest welcome.
func (c *Client) Welcome() wire.Welcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.welcome
}

// Close sends a WebSocket close frame and shuts down all goroutines.
func (c *Client) Close() error {
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
		_ = conn.WriteMessage(
			ws.CloseMessage,
			ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
		)
		return conn.Close()
	}
	return nil
}
