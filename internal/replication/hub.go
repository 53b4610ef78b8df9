package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/parksync/parksync/internal/action"
	"github.com/parksync/parksync/internal/actionerr"
	"github.com/parksync/parksync/internal/dispatcher"
	"github.com/parksync/parksync/internal/player"
	"github.com/parksync/parksync/internal/queue"
	"github.com/parksync/parksync/internal/snapshot"
	"github.com/parksync/parksync/internal/state"
	"github.com/parksync/parksync/pkg/wire"
)

// Authority is the dispatcher surface the hub drives.
type Authority interface {
	Execute(ctx context.Context, cmd action.Command) (action.OrderKey, action.Result, error)
	Checkpoint() (state.Document, dispatcher.Boundary)
	ServerPlayer() (player.ID, bool)
	Acknowledge(key action.OrderKey) error
	Notify(n dispatcher.Notification)
}

// PeerInfo describes a connected peer.
type PeerInfo struct {
	Player  player.ID     `json:"player"`
	Name    string        `json:"name"`
	Joined  bool          `json:"joined"`
	Acked   uint64        `json:"acked"`
	Dropped uint64        `json:"dropped"`
	Ping    time.Duration `json:"ping"`
}

type submission struct {
	peer *peer
	req  wire.SubmitRequest
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithSession sets what the welcome reports about the session.
func WithSession(sessionID string, info wire.ServerInfo) HubOption {
	return func(h *Hub) {
		h.sessionID = sessionID
		h.server = info
	}
}

// WithFingerprintHandler receives fingerprints peers report back.
func WithFingerprintHandler(fn func(peer string, fp wire.FingerprintMessage)) HubOption {
	return func(h *Hub) { h.onFingerprint = fn }
}

// Hub is the authority's end of the replication channel. It implements
// dispatcher.Replicator and http.Handler.
type Hub struct {
	cfg           Config
	logger        *slog.Logger
	upgrader      ws.Upgrader
	sessionID     string
	server        wire.ServerInfo
	onFingerprint func(peer string, fp wire.FingerprintMessage)
	submissions   *queue.Queue[submission]

	authMu sync.RWMutex
	auth   Authority

	mu      sync.Mutex
	peers   map[*peer]struct{}
	backlog []frame
	last    uint64
	acked   uint64
	closed  bool
	now     func() time.Time
}

// NewHub creates a hub. Attach must be called before peers connect.
func NewHub(cfg Config, logger *slog.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		cfg:         cfg.withDefaults(),
		logger:      logger,
		upgrader:    ws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		submissions: queue.New[submission](),
		peers:       make(map[*peer]struct{}),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Attach sets the dispatcher the hub submits joins, leaves and forwarded
// commands to.
func (h *Hub) Attach(a Authority) {
	h.authMu.Lock()
	h.auth = a
	h.authMu.Unlock()
}

func (h *Hub) authority() Authority {
	h.authMu.RLock()
	defer h.authMu.RUnlock()
	return h.auth
}

// Broadcast queues cmd for every peer and keeps it for resends. A kick or
// leave also disconnects the removed player's peer. The dispatcher calls it
// under its writer lock, so apart from Notify it must not call back into the
// dispatcher.
func (h *Hub) Broadcast(key action.OrderKey, tick uint64, cmd action.Command) {
	msg, err := wire.NewCommandMessage(key, tick, cmd)
	if err != nil {
		h.logger.Error("Failed to encode command", "order_key", key, "error", err)
		return
	}
	data, err := wire.Marshal(wire.TypeCommand, msg)
	if err != nil {
		h.logger.Error("Failed to encode command", "order_key", key, "error", err)
		return
	}

	h.mu.Lock()
	h.last = key
	h.fanOutLocked(frame{key: key, tick: tick, data: data})
	gone := h.evictLocked(cmd)
	h.mu.Unlock()

	if len(gone) == 0 {
		return
	}
	auth := h.authority()
	for _, e := range gone {
		h.release(e.p, e.cause)
		if auth != nil {
			auth.Notify(dispatcher.Notification{Event: dispatcher.EventPeerDropped, Peer: e.p.label(), Err: e.cause})
		}
	}
}

type eviction struct {
	p     *peer
	cause error
}

// evictLocked disconnects the peer whose player cmd removed from the
// session. The peer receives cmd itself first. The player is already gone
// from the registry, so unlike drop no leave command follows.
func (h *Hub) evictLocked(cmd action.Command) []eviction {
	var (
		target player.ID
		cause  error
	)
	switch p := cmd.Params.(type) {
	case action.KickPlayer:
		target = p.Target
		cause = actionerr.PermissionDenied("replication.Kick", "kicked from the session: %s", orDefault(p.Reason, "no reason given"))
	case action.PlayerLeave:
		target = p.Target
		cause = actionerr.Aborted("replication.Leave", "removed from the session: %s", orDefault(p.Reason, "left"))
	default:
		return nil
	}
	var out []eviction
	for p := range h.peers {
		if !p.joined || p.id != target {
			continue
		}
		delete(h.peers, p)
		h.sendErrorLocked(p, cause)
		out = append(out, eviction{p, cause})
	}
	return out
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func (h *Hub) sendErrorLocked(p *peer, cause error) {
	if cause == nil || actionerr.CodeOf(cause) == actionerr.CodeUnknown {
		return
	}
	if data, err := wire.Marshal(wire.TypeError, wire.ErrorMessage{Code: actionerr.CodeOf(cause), Message: cause.Error()}); err == nil {
		p.push(data)
	}
}

// BroadcastFingerprint sends the authority's snapshot of a closed tick into
// the stream, anchored after the tick's last command.
func (h *Hub) BroadcastFingerprint(s snapshot.Snapshot) {
	data, err := wire.Marshal(wire.TypeFingerprint, wire.NewFingerprintMessage(s))
	if err != nil {
		h.logger.Error("Failed to encode fingerprint", "tick", s.Tick, "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fanOutLocked(frame{key: s.OrderKey, tick: s.Tick, marker: true, data: data})
}

func (h *Hub) fanOutLocked(f frame) {
	h.backlog = append(h.backlog, f)
	if over := len(h.backlog) - h.cfg.Backlog; over > 0 {
		clear(h.backlog[:over])
		h.backlog = h.backlog[over:]
	}
	now := h.now()
	for p := range h.peers {
		if !p.joined {
			p.pending = append(p.pending, f)
			continue
		}
		if !f.marker && p.behindSince.IsZero() {
			p.behindSince = now
		}
		if !p.push(f.data) {
			h.logger.Debug("Peer send queue full, dropping frame", "peer", p.label(), "order_key", f.key)
		}
	}
}

// ServeHTTP upgrades the request and runs the peer until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	hello, err := h.readHello(conn)
	if err != nil {
		h.reject(conn, err)
		return
	}

	p := newPeer(conn, hello, h.cfg)
	if err := h.join(r.Context(), p); err != nil {
		h.reject(conn, err)
		return
	}
	h.logger.Info("Peer joined", "peer", p.label(), "remote", r.RemoteAddr)

	go p.writeLoop(h.cfg.PingInterval, h.cfg.WriteWait)
	err = h.readLoop(p)
	h.drop(p, err)
}

func (h *Hub) readHello(conn *ws.Conn) (helloInfo, error) {
	if err := conn.SetReadDeadline(time.Now().Add(h.cfg.HelloTimeout)); err != nil {
		return helloInfo{}, err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return helloInfo{}, fmt.Errorf("reading hello: %w", err)
	}
	env, err := wire.Unmarshal(data)
	if err != nil {
		return helloInfo{}, actionerr.InvalidArgument("replication.Hello", "%v", err)
	}
	if env.Type != wire.TypeHello {
		return helloInfo{}, actionerr.InvalidArgument("replication.Hello", "expected hello, got %q", env.Type)
	}
	hello, err := wire.Payload[wire.Hello](env)
	if err != nil {
		return helloInfo{}, actionerr.InvalidArgument("replication.Hello", "%v", err)
	}
	if hello.Version != wire.ProtocolVersion {
		return helloInfo{}, actionerr.InvalidArgument("replication.Hello",
			"protocol %q is not supported, want %q", hello.Version, wire.ProtocolVersion)
	}
	if h.cfg.KnownKeysOnly && !slices.Contains(h.cfg.KnownKeys, hello.KeyFingerprint) {
		return helloInfo{}, actionerr.PermissionDenied("replication.Hello", "key %q is not known", hello.KeyFingerprint)
	}
	return helloInfo{name: hello.Name, key: hello.KeyFingerprint}, nil
}

// join registers p before submitting its join command, so every command
// after the checkpoint reaches it; frames broadcast in between are held in
// p.pending and filtered against the checkpoint.
func (h *Hub) join(ctx context.Context, p *peer) error {
	auth := h.authority()
	if auth == nil {
		return actionerr.Aborted("replication.Join", "hub is not attached")
	}
	server, ok := auth.ServerPlayer()
	if !ok {
		return actionerr.Aborted("replication.Join", "no server player")
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return actionerr.Aborted("replication.Join", "hub is closed")
	}
	h.peers[p] = struct{}{}
	h.mu.Unlock()

	_, res, err := auth.Execute(ctx, action.Command{
		Player: server,
		Params: action.PlayerJoin{Name: p.name, KeyFingerprint: p.key},
	})
	if err != nil {
		h.mu.Lock()
		delete(h.peers, p)
		h.mu.Unlock()
		return err
	}

	doc, b := auth.Checkpoint()
	welcome := wire.Welcome{
		Player:    res.Player,
		SessionID: h.sessionID,
		Server:    h.server,
		Cadence:   h.cfg.Cadence,
		Checkpoint: wire.Checkpoint{
			State:     doc,
			OrderKey:  b.OrderKey,
			Tick:      b.Tick,
			TickCount: b.CommandCount,
		},
	}
	data, err := wire.Marshal(wire.TypeWelcome, welcome)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	p.id = res.Player
	p.push(data)
	for _, f := range p.pending {
		if f.follows(b.OrderKey, b.Tick) {
			p.push(f.data)
		}
	}
	p.pending = nil
	p.joined = true
	p.acked = b.OrderKey
	if b.OrderKey < h.last {
		p.behindSince = h.now()
	}
	return nil
}

// reject answers a failed handshake and closes the connection.
func (h *Hub) reject(conn *ws.Conn, err error) {
	h.logger.Warn("Peer rejected", "error", err)
	if data, mErr := wire.Marshal(wire.TypeError, wire.ErrorMessage{Code: actionerr.CodeOf(err), Message: err.Error()}); mErr == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
		_ = conn.WriteMessage(ws.TextMessage, data)
	}
	_ = conn.WriteMessage(ws.CloseMessage, ws.FormatCloseMessage(ws.ClosePolicyViolation, ""))
	_ = conn.Close()
}

func (h *Hub) readLoop(p *peer) error {
	wait := 2 * h.cfg.PingInterval
	_ = p.conn.SetReadDeadline(time.Now().Add(wait))
	p.conn.SetPongHandler(func(string) error {
		p.pong(time.Now())
		return p.conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			select {
			case <-p.done:
				return nil
			default:
			}
			return err
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(wait))

		env, err := wire.Unmarshal(data)
		if err != nil {
			h.logger.Debug("Malformed frame", "peer", p.label(), "error", err)
			continue
		}
		switch env.Type {
		case wire.TypeAck:
			if m, err := wire.Payload[wire.AckMessage](env); err == nil {
				h.ack(p, m.OrderKey)
			}
		case wire.TypeResend:
			if m, err := wire.Payload[wire.ResendRequest](env); err == nil {
				h.resend(p, m.From)
			}
		case wire.TypeSubmit:
			if m, err := wire.Payload[wire.SubmitRequest](env); err == nil {
				h.intake(p, m)
			}
		case wire.TypeFingerprint:
			if m, err := wire.Payload[wire.FingerprintMessage](env); err == nil && h.onFingerprint != nil {
				h.onFingerprint(p.label(), m)
			}
		default:
			h.logger.Debug("Unexpected message", "peer", p.label(), "type", env.Type)
		}
	}
}

func (h *Hub) ack(p *peer, key uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if key <= p.acked {
		return
	}
	p.acked = min(key, h.last)
	if p.acked >= h.last {
		p.behindSince = time.Time{}
	} else {
		p.behindSince = h.now()
	}
}

// resend replays the backlog from key from, or resyncs the peer when the
// backlog no longer reaches back that far.
func (h *Hub) resend(p *peer, from uint64) {
	h.mu.Lock()
	if from == 0 || from > h.last {
		h.mu.Unlock()
		return
	}
	oldest, ok := h.oldestKeyLocked()
	if !ok || oldest > from {
		h.mu.Unlock()
		h.resync(p, fmt.Sprintf("order key %d is no longer in the backlog", from))
		return
	}
	sent := 0
	for _, f := range h.backlog {
		if f.key < from {
			continue
		}
		if !p.push(f.data) {
			break
		}
		sent++
	}
	h.mu.Unlock()
	h.logger.Debug("Resent frames", "peer", p.label(), "from", from, "frames", sent)
}

func (h *Hub) oldestKeyLocked() (uint64, bool) {
	for _, f := range h.backlog {
		if !f.marker {
			return f.key, true
		}
	}
	return 0, false
}

// resync sends p a fresh checkpoint.
func (h *Hub) resync(p *peer, reason string) {
	auth := h.authority()
	if auth == nil {
		return
	}
	doc, b := auth.Checkpoint()
	data, err := wire.Marshal(wire.TypeResync, wire.Resync{
		Reason: reason,
		Checkpoint: wire.Checkpoint{
			State:     doc,
			OrderKey:  b.OrderKey,
			Tick:      b.Tick,
			TickCount: b.CommandCount,
		},
	})
	if err != nil {
		h.logger.Error("Failed to encode resync", "error", err)
		return
	}
	h.mu.Lock()
	p.push(data)
	h.mu.Unlock()
	h.logger.Info("Peer resynced", "peer", p.label(), "order_key", b.OrderKey, "reason", reason)
	auth.Notify(dispatcher.Notification{Event: dispatcher.EventResync, OrderKey: b.OrderKey, Tick: b.Tick, Peer: p.label()})
}

// intake queues a forwarded submission for the next tick boundary.
func (h *Hub) intake(p *peer, req wire.SubmitRequest) {
	if !p.limiter.Allow() {
		h.reply(p, req.ID, 0, actionerr.Aborted("replication.Submit", "submission rate exceeded"))
		return
	}
	h.mu.Lock()
	id := p.id
	h.mu.Unlock()
	if req.Player != id {
		h.reply(p, req.ID, 0, actionerr.PermissionDenied("replication.Submit",
			"peer %s cannot submit as player %d", p.label(), req.Player))
		return
	}
	h.submissions.Push(submission{peer: p, req: req})
}

// ProcessSubmissions hands queued peer submissions to the dispatcher in
// arrival order and answers each. It returns how many were processed.
func (h *Hub) ProcessSubmissions(ctx context.Context) int {
	auth := h.authority()
	if auth == nil {
		return 0
	}
	items := h.submissions.GetAndEmpty()
	for _, s := range items {
		cmd, err := s.req.Command()
		if err != nil {
			h.reply(s.peer, s.req.ID, 0, actionerr.InvalidArgument("replication.Submit", "%v", err))
			continue
		}
		key, _, err := auth.Execute(ctx, cmd)
		h.reply(s.peer, s.req.ID, key, err)
	}
	return len(items)
}

func (h *Hub) reply(p *peer, id uint64, key action.OrderKey, err error) {
	res := wire.SubmitResult{ID: id, OrderKey: key}
	if err != nil {
		res = wire.SubmitResult{ID: id, Code: actionerr.CodeOf(err), Error: err.Error()}
	}
	data, mErr := wire.Marshal(wire.TypeSubmitResult, res)
	if mErr != nil {
		h.logger.Error("Failed to encode submit result", "error", mErr)
		return
	}
	p.push(data)
}

// Maintain advances the acknowledgement watermark and drops peers whose
// acknowledgements lag more than AckTimeout. The tick loop calls it outside
// the dispatcher lock.
func (h *Hub) Maintain(now time.Time) {
	h.mu.Lock()
	type staleness struct {
		p   *peer
		err error
	}
	var stale []staleness
	watermark, counted := uint64(0), false
	for p := range h.peers {
		if !p.joined {
			continue
		}
		if p.acked < h.last && !p.behindSince.IsZero() && now.Sub(p.behindSince) > h.cfg.AckTimeout {
			stale = append(stale, staleness{p, actionerr.ReplicationTimeout("replication.Maintain",
				"peer %s acknowledged %d of %d for longer than %s", p.label(), p.acked, h.last, h.cfg.AckTimeout)})
			continue
		}
		switch {
		case !counted:
			watermark, counted = p.acked, true
		case h.cfg.Strict:
			watermark = min(watermark, p.acked)
		default:
			watermark = max(watermark, p.acked)
		}
	}
	if !counted {
		watermark = h.last
	}
	advance := watermark > h.acked
	if advance {
		h.acked = watermark
	}
	h.mu.Unlock()

	for _, s := range stale {
		h.drop(s.p, s.err)
	}
	if advance {
		if auth := h.authority(); auth != nil {
			if err := auth.Acknowledge(watermark); err != nil {
				h.logger.Error("Failed to record acknowledgement", "order_key", watermark, "error", err)
			}
		}
	}
}

// drop disconnects p and submits its leave command. cause is nil for a
// clean disconnect.
func (h *Hub) drop(p *peer, cause error) {
	h.mu.Lock()
	if _, ok := h.peers[p]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.peers, p)
	joined := p.joined
	h.sendErrorLocked(p, cause)
	h.mu.Unlock()
	h.release(p, cause)
	if !joined {
		return
	}

	auth := h.authority()
	if auth == nil {
		return
	}
	reason := "disconnected"
	var ce *ws.CloseError
	if cause != nil && !errors.As(cause, &ce) {
		reason = cause.Error()
	}
	if server, ok := auth.ServerPlayer(); ok {
		_, _, err := auth.Execute(context.Background(), action.Command{
			Player: server,
			Params: action.PlayerLeave{Target: p.id, Reason: reason},
		})
		if err != nil && !errors.Is(err, actionerr.ErrInvalidReference) {
			h.logger.Warn("Failed to submit leave", "peer", p.label(), "error", err)
		}
	}
	auth.Notify(dispatcher.Notification{Event: dispatcher.EventPeerDropped, Peer: p.label(), Err: cause})
}

// release closes a peer already removed from the hub and purges its queued
// submissions.
func (h *Hub) release(p *peer, cause error) {
	p.close()
	purged := h.submissions.RemoveFunc(func(s submission) bool { return s.peer == p })
	h.logger.Info("Peer dropped", "peer", p.label(), "purged_submissions", purged, "error", cause)
}

// Last returns the last broadcast order key.
func (h *Hub) Last() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// Watermark returns the last acknowledged order key.
func (h *Hub) Watermark() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.acked
}

// Pending returns how many peer submissions wait for the next tick.
func (h *Hub) Pending() int {
	return h.submissions.Len()
}

// Peers lists connected peers.
func (h *Hub) Peers() []PeerInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]PeerInfo, 0, len(h.peers))
	for p := range h.peers {
		out = append(out, PeerInfo{Player: p.id, Name: p.name, Joined: p.joined, Acked: p.acked, Dropped: p.dropped.Load(), Ping: p.ping()})
	}
	slices.SortFunc(out, func(a, b PeerInfo) int { return int(a.Player) - int(b.Player) })
	return out
}

// Close disconnects every peer and refuses new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	peers := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
	return nil
}
