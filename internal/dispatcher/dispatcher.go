// Package dispatcher is the command execution pipeline. It authorizes,
// validates and applies commands against the session state under a single
// writer lock and, on the authority, orders them for replication.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/parksync/parksync/internal/action"
	"github.com/parksync/parksync/internal/actionerr"
	"github.com/parksync/parksync/internal/channel"
	"github.com/parksync/parksync/internal/player"
	"github.com/parksync/parksync/internal/state"
)

// Mode selects the dispatcher's role in the session.
type Mode uint8

const (
	// ModeAuthority orders and replicates accepted commands.
	ModeAuthority Mode = iota
	// ModePeer applies commands replicated by the authority and forwards
	// local submissions to it.
	ModePeer
)

func (m Mode) String() string {
	if m == ModePeer {
		return "peer"
	}
	return "authority"
}

// ParseMode converts "authority" or "peer".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "authority", "server", "":
		return ModeAuthority, nil
	case "peer", "client":
		return ModePeer, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Replicator sends accepted commands to peers.
type Replicator interface {
	Broadcast(key action.OrderKey, tick uint64, cmd action.Command)
}

// Recorder persists accepted commands. storage.Backend satisfies it.
type Recorder interface {
	Append(key action.OrderKey, tick uint64, cmd action.Command) error
	Acknowledge(key action.OrderKey) error
}

// Forwarder hands a peer's submission to the authority and waits for the
// order key the authority assigned.
type Forwarder interface {
	Forward(ctx context.Context, cmd action.Command) (action.OrderKey, error)
}

// Boundary describes the session at a tick boundary.
type Boundary struct {
	Tick         uint64
	OrderKey     action.OrderKey
	CommandCount uint64
	State        *state.State
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithReplicator sets the broadcast target for accepted commands.
func WithReplicator(r Replicator) Option {
	return func(d *Dispatcher) { d.replicator = r }
}

// WithRecorder sets the replay log.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithForwarder sets the path to the authority in peer mode.
func WithForwarder(f Forwarder) Option {
	return func(d *Dispatcher) { d.forwarder = f }
}

// WithNotifications sets the channel notifications are delivered on.
func WithNotifications(ch channel.Sender[Notification]) Option {
	return func(d *Dispatcher) { d.notify = ch }
}

// WithServerActionLog logs every command the server player submits.
func WithServerActionLog() Option {
	return func(d *Dispatcher) { d.logServerActions = true }
}

// WithHistory sets how many recent order keys are retained for
// diagnostics.
func WithHistory(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.history = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher runs commands against one session state.
type Dispatcher struct {
	mode   Mode
	logger Logger

	replicator       Replicator
	recorder         Recorder
	forwarder        Forwarder
	notify           channel.Sender[Notification]
	logServerActions bool
	history          int
	now              func() time.Time

	// mu is the single-writer lock: submissions, replicated commands and
	// tick boundaries never overlap.
	mu        sync.Mutex
	st        *state.State
	tick      uint64
	tickCount uint64
	lastKey   action.OrderKey
	acked     action.OrderKey
	recent    []action.OrderKey

	metrics *metrics
}

// New creates a Dispatcher that owns st. Uses the global OTel meter for
// metrics (no-op if not configured).
func New(mode Mode, st *state.State, logger Logger, opts ...Option) (*Dispatcher, error) {
	if st == nil {
		return nil, errors.New("dispatcher: nil state")
	}
	d := &Dispatcher{
		mode:    mode,
		logger:  logger,
		st:      st,
		history: 64,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = nopLogger{}
	}
	if mode == ModePeer && d.forwarder == nil {
		return nil, errors.New("dispatcher: peer mode requires a forwarder")
	}

	m, err := newMetrics(d)
	if err != nil {
		return nil, err
	}
	d.metrics = m
	return d, nil
}

// Mode returns the dispatcher's role.
func (d *Dispatcher) Mode() Mode {
	return d.mode
}

// Submit authorizes and applies cmd. On the authority it returns the order
// key assigned to the command once it is applied locally; replication and
// acknowledgement are reported through notifications. On a peer the command
// is checked locally and forwarded; the key is the one the authority
// assigned and the command applies when it is replicated back.
func (d *Dispatcher) Submit(ctx context.Context, cmd action.Command) (action.OrderKey, error) {
	key, _, err := d.Execute(ctx, cmd)
	return key, err
}

// Execute is Submit that also returns what the command changed. The result
// is only populated on the authority.
func (d *Dispatcher) Execute(ctx context.Context, cmd action.Command) (action.OrderKey, action.Result, error) {
	if err := ctx.Err(); err != nil {
		return 0, action.Result{}, d.reject(cmd, actionerr.Aborted("dispatcher.Submit", "canceled before authorization: %v", err))
	}
	if d.mode == ModePeer {
		key, err := d.forward(ctx, cmd)
		return key, action.Result{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.authorizeLocked(cmd); err != nil {
		return 0, action.Result{}, d.reject(cmd, err)
	}
	if err := ctx.Err(); err != nil {
		return 0, action.Result{}, d.reject(cmd, actionerr.Aborted("dispatcher.Submit", "canceled during authorization: %v", err))
	}

	cmd = action.Normalize(d.st, cmd)
	res, err := action.Apply(d.st, cmd)
	if err != nil {
		return 0, action.Result{}, d.reject(cmd, err)
	}

	key := d.lastKey + 1
	d.acceptLocked(key, cmd, res)

	if d.recorder != nil {
		if err := d.recorder.Append(key, d.tick, cmd); err != nil {
			d.logger.Error("replay append failed", "order_key", key, "error", err)
		}
	}
	if d.replicator != nil {
		d.replicator.Broadcast(key, d.tick, cmd)
	}
	d.emit(Notification{Event: EventApplied, OrderKey: key, Tick: d.tick, Command: cmd, Result: res})
	return key, res, nil
}

func (d *Dispatcher) forward(ctx context.Context, cmd action.Command) (action.OrderKey, error) {
	d.mu.Lock()
	err := d.authorizeLocked(cmd)
	d.mu.Unlock()
	if err != nil {
		return 0, d.reject(cmd, err)
	}

	key, err := d.forwarder.Forward(ctx, cmd)
	if err != nil {
		if ctx.Err() != nil && actionerr.CodeOf(err) == actionerr.CodeUnknown {
			err = actionerr.Aborted("dispatcher.Submit", "forwarding canceled: %v", err)
		}
		return 0, d.reject(cmd, err)
	}
	return key, nil
}

// authorizeLocked performs steps 1 to 3 of submission: group resolution,
// the permission check and structural validation.
func (d *Dispatcher) authorizeLocked(cmd action.Command) error {
	if cmd.Params == nil {
		return actionerr.InvalidArgument("dispatcher.Submit", "command has no parameters")
	}
	g, err := d.st.Players.ResolveGroup(cmd.Player)
	if err != nil {
		return err
	}
	if perm, ok := action.RequiredPermission(cmd); ok && !d.st.Groups.HasPermission(g, perm) {
		return actionerr.PermissionDenied("dispatcher.Submit",
			"group %d lacks permission %s for %s", g, perm, cmd.Kind())
	}
	return action.Validate(d.st, cmd)
}

func (d *Dispatcher) acceptLocked(key action.OrderKey, cmd action.Command, res action.Result) {
	d.lastKey = key
	d.tickCount++
	d.recent = append(d.recent, key)
	if len(d.recent) > d.history {
		d.recent = d.recent[len(d.recent)-d.history:]
	}
	d.st.Players.RecordAction(cmd.Player, cmd.Kind().DisplayName(), key, d.now())

	d.metrics.accepted.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("kind", cmd.Kind().String()), attribute.String("mode", d.mode.String())))

	if d.logServerActions {
		if p, ok := d.st.Players.Get(cmd.Player); ok && p.IsServer() {
			d.logger.Info("server action", "order_key", key, "kind", cmd.Kind().String(), "result", res.Message)
		}
	}
	d.logger.Debug("command applied", "order_key", key, "tick", d.tick, "kind", cmd.Kind().String(), "player", cmd.Player)
}

func (d *Dispatcher) reject(cmd action.Command, err error) error {
	code := actionerr.CodeOf(err)
	d.metrics.rejected.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("code", string(code))))
	d.logger.Debug("command rejected", "player", cmd.Player, "code", string(code), "error", err)
	d.emit(Notification{Event: EventRejected, Command: cmd, Err: err})
	return err
}

// ApplyReplicated applies a command the authority accepted at key. It skips
// authorization. Keys at or below the last applied key are duplicates and
// are ignored; any other key than the next one is a SequenceError.
func (d *Dispatcher) ApplyReplicated(key action.OrderKey, tick uint64, cmd action.Command) (action.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if key <= d.lastKey {
		d.logger.Debug("duplicate command ignored", "order_key", key, "last", d.lastKey)
		return action.Result{}, nil
	}
	if key != d.lastKey+1 {
		return action.Result{}, &actionerr.SequenceError{Expected: d.lastKey + 1, Got: key}
	}
	if tick < d.tick {
		return action.Result{}, fmt.Errorf("order key %d: tick %d is before current tick %d: %w", key, tick, d.tick, actionerr.ErrSequence)
	}
	if cmd.Params == nil {
		return action.Result{}, actionerr.InvalidArgument("dispatcher.ApplyReplicated", "command %d has no parameters", key)
	}

	res, err := action.Apply(d.st, cmd)
	if err != nil {
		// The authority accepted this command against identical state, so
		// failing here means the states have already diverged.
		d.logger.Error("replicated command failed", "order_key", key, "error", err)
		return action.Result{}, actionerr.Desync("dispatcher.ApplyReplicated", "command %d failed to apply: %v", key, err)
	}

	if tick > d.tick {
		d.tick, d.tickCount = tick, 0
	}
	d.acceptLocked(key, cmd, res)
	if d.recorder != nil {
		if err := d.recorder.Append(key, tick, cmd); err != nil {
			d.logger.Error("replay append failed", "order_key", key, "error", err)
		}
	}
	d.emit(Notification{Event: EventReplicated, OrderKey: key, Tick: tick, Command: cmd, Result: res})
	return res, nil
}

// AdvanceTick ends the current tick on the authority. fn, if non-nil, sees
// the closing boundary under the writer lock. It returns the new tick.
func (d *Dispatcher) AdvanceTick(fn func(Boundary)) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if fn != nil {
		fn(d.boundaryLocked())
	}
	d.tick++
	d.tickCount = 0
	return d.tick
}

// Mark moves a peer to tick and calls fn with the boundary. It is driven by
// the authority's fingerprint markers, which arrive after every command of
// their tick.
func (d *Dispatcher) Mark(tick uint64, fn func(Boundary)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if tick < d.tick {
		return fmt.Errorf("marker tick %d is before current tick %d: %w", tick, d.tick, actionerr.ErrSequence)
	}
	if tick > d.tick {
		d.tick, d.tickCount = tick, 0
	}
	if fn != nil {
		fn(d.boundaryLocked())
	}
	return nil
}

func (d *Dispatcher) boundaryLocked() Boundary {
	return Boundary{Tick: d.tick, OrderKey: d.lastKey, CommandCount: d.tickCount, State: d.st}
}

// View runs fn with read access to the state under the writer lock. fn must
// not retain or modify the state.
func (d *Dispatcher) View(fn func(Boundary)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d.boundaryLocked())
}

// Checkpoint returns the canonical state document with its boundary, for
// sending a joining peer.
func (d *Dispatcher) Checkpoint() (state.Document, Boundary) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := d.boundaryLocked()
	b.State = nil
	return d.st.Export(), b
}

// Load replaces the state with doc at the given boundary. Peers call it with
// the authority's welcome or resync.
func (d *Dispatcher) Load(doc state.Document, b Boundary) error {
	st, err := state.Import(doc)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.st = st
	d.tick, d.tickCount, d.lastKey = b.Tick, b.CommandCount, b.OrderKey
	d.acked = min(d.acked, b.OrderKey)
	d.recent = d.recent[:0]
	d.logger.Info("state loaded", "tick", b.Tick, "order_key", b.OrderKey, "players", st.Players.Len())
	return nil
}

// Acknowledge records that key, and every key below it, reached the
// acknowledgement quorum.
func (d *Dispatcher) Acknowledge(key action.OrderKey) error {
	d.mu.Lock()
	if key > d.lastKey {
		last := d.lastKey
		d.mu.Unlock()
		return fmt.Errorf("acknowledging order key %d beyond last key %d: %w", key, last, actionerr.ErrSequence)
	}
	if key <= d.acked {
		d.mu.Unlock()
		return nil
	}
	d.acked = key
	d.mu.Unlock()

	if d.recorder != nil {
		if err := d.recorder.Acknowledge(key); err != nil {
			return fmt.Errorf("recording acknowledgement: %w", err)
		}
	}
	d.emit(Notification{Event: EventAcknowledged, OrderKey: key})
	return nil
}

// LastOrderKey returns the most recently applied order key.
func (d *Dispatcher) LastOrderKey() action.OrderKey {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastKey
}

// Acknowledged returns the acknowledgement watermark.
func (d *Dispatcher) Acknowledged() action.OrderKey {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked
}

// Tick returns the current tick.
func (d *Dispatcher) Tick() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tick
}

// RecentOrderKeys returns up to n of the most recently applied keys, oldest
// first.
func (d *Dispatcher) RecentOrderKeys(n int) []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n <= 0 || n > len(d.recent) {
		n = len(d.recent)
	}
	return append([]uint64(nil), d.recent[len(d.recent)-n:]...)
}

// ServerPlayer returns the id of the server player, if one is connected.
func (d *Dispatcher) ServerPlayer() (player.ID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.st.Players.Server()
	return p.ID, ok
}

// Notify publishes a notification raised outside the dispatcher, such as a
// desync report or a dropped peer.
func (d *Dispatcher) Notify(n Notification) {
	d.emit(n)
}

func (d *Dispatcher) emit(n Notification) {
	if d.notify == nil {
		return
	}
	if n.At.IsZero() {
		n.At = d.now()
	}
	if !d.notify.TrySend(n) {
		d.metrics.dropped.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("event", n.Event.String())))
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
