// Package worker runs the tick loop: it hands queued submissions to the
// dispatcher at tick boundaries, captures snapshots on the detector's
// cadence and applies replicated commands on peers.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/parksync/parksync/internal/dispatcher"
	"github.com/parksync/parksync/internal/logging"
	"github.com/parksync/parksync/internal/replication"
	"github.com/parksync/parksync/internal/snapshot"
	"github.com/parksync/parksync/internal/storage"
)

// Board publishes fingerprints for out-of-process auditors.
type Board interface {
	Publish(ctx context.Context, session, participant string, s snapshot.Snapshot) error
}

// Dependencies holds all dependencies for the worker manager. Hub is set on
// the authority and Client on peers.
type Dependencies struct {
	Dispatcher *dispatcher.Dispatcher
	Backend    storage.Backend
	Detector   *snapshot.Detector
	Hub        *replication.Hub
	Client     *replication.Client
	Board      Board
	LogManager *logging.SlogManager

	SessionID   string
	Participant string
	// StateEvery makes every n-th snapshot carry the full state document.
	StateEvery uint64
	Interval   time.Duration
}

// Stats is a point-in-time view of the loop.
type Stats struct {
	Ticks            uint64
	LastTickDuration time.Duration
	Snapshots        uint64
	Desyncs          uint64
}

// Manager runs the tick loop.
type Manager struct {
	deps   Dependencies
	logger *slog.Logger

	ticks     atomic.Uint64
	snapshots atomic.Uint64
	desyncs   atomic.Uint64
	lastTick  atomic.Int64
}

// NewManager creates a new worker manager
func NewManager(deps Dependencies) (*Manager, error) {
	if deps.Dispatcher == nil || deps.Detector == nil {
		return nil, errors.New("worker: dispatcher and detector are required")
	}
	switch deps.Dispatcher.Mode() {
	case dispatcher.ModeAuthority:
		if deps.Hub == nil {
			return nil, errors.New("worker: authority requires a hub")
		}
	case dispatcher.ModePeer:
		if deps.Client == nil {
			return nil, errors.New("worker: peer requires a client")
		}
	}
	if deps.LogManager == nil {
		deps.LogManager = logging.NewSlogManager()
	}
	if deps.Interval <= 0 {
		deps.Interval = 50 * time.Millisecond
	}
	if deps.StateEvery == 0 {
		deps.StateEvery = 10
	}
	return &Manager{deps: deps, logger: deps.LogManager.Logger().With("component", "worker")}, nil
}

// Baseline records a snapshot carrying the full state at the current
// boundary, so a replay of this log has somewhere to start.
func (m *Manager) Baseline() error {
	var (
		snap snapshot.Snapshot
		err  error
	)
	m.deps.Dispatcher.View(func(b dispatcher.Boundary) {
		snap, err = snapshot.Capture(b.State, b.Tick, b.OrderKey, b.CommandCount, true)
	})
	if err != nil {
		return err
	}
	if m.deps.Backend != nil {
		if err := m.deps.Backend.AppendSnapshot(snap); err != nil {
			return err
		}
	}
	return nil
}

// Run steps the loop every interval until ctx is done or a peer loses the
// authority for good.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.deps.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if err := m.Step(ctx, now); err != nil {
				return err
			}
		}
	}
}

// Step runs one tick.
func (m *Manager) Step(ctx context.Context, now time.Time) error {
	start := time.Now()
	defer func() {
		m.ticks.Add(1)
		m.lastTick.Store(int64(time.Since(start)))
	}()

	if m.deps.Dispatcher.Mode() == dispatcher.ModePeer {
		return m.peerTick(ctx, now)
	}
	m.authorityTick(ctx, now)
	return nil
}

func (m *Manager) authorityTick(ctx context.Context, now time.Time) {
	m.deps.Hub.ProcessSubmissions(ctx)

	var (
		snap     snapshot.Snapshot
		captured bool
	)
	m.deps.Dispatcher.AdvanceTick(func(b dispatcher.Boundary) {
		if !m.deps.Detector.Due(b.Tick) {
			return
		}
		s, err := m.capture(b)
		if err != nil {
			m.logger.Error("Snapshot capture failed", "tick", b.Tick, "error", err)
			return
		}
		// The marker must enter the stream before any command of the next
		// tick, so it is broadcast under the dispatcher lock.
		m.deps.Hub.BroadcastFingerprint(s)
		snap, captured = s, true
	})
	if captured {
		m.recordLocal(ctx, snap)
	}

	m.deps.Hub.Maintain(now)
}

// capture fingerprints the boundary and appends it to the replay log.
func (m *Manager) capture(b dispatcher.Boundary) (snapshot.Snapshot, error) {
	withState := (b.Tick/m.deps.Detector.Cadence())%m.deps.StateEvery == 0
	s, err := snapshot.Capture(b.State, b.Tick, b.OrderKey, b.CommandCount, withState)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	if m.deps.Backend != nil {
		if err := m.deps.Backend.AppendSnapshot(s); err != nil {
			m.logger.Error("Failed to record snapshot", "tick", s.Tick, "error", err)
		}
	}
	m.snapshots.Add(1)
	return s, nil
}

// recordLocal compares a fresh local snapshot with fingerprints that were
// waiting for it and publishes it.
func (m *Manager) recordLocal(ctx context.Context, s snapshot.Snapshot) {
	for _, rep := range m.deps.Detector.RecordLocal(s) {
		m.reportDesync(rep)
	}
	if m.deps.Board != nil {
		pctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if err := m.deps.Board.Publish(pctx, m.deps.SessionID, m.deps.Participant, s); err != nil {
			m.logger.Warn("Failed to publish fingerprint", "tick", s.Tick, "error", err)
		}
	}
}

// OnPeerFingerprint handles a fingerprint a peer reported to the authority.
func (m *Manager) OnPeerFingerprint(peer string, s snapshot.Snapshot) {
	rep, bad, compared := m.deps.Detector.RecordRemote(peer, s)
	if !compared {
		m.logger.Debug("Peer fingerprint held or expired", "peer", peer, "tick", s.Tick)
		return
	}
	if bad {
		m.reportDesync(rep)
	}
}

func (m *Manager) reportDesync(rep snapshot.Report) {
	m.desyncs.Add(1)
	err := rep.Err()
	m.logger.Error("Desync detected", "tick", rep.Tick, "peer", rep.Peer,
		"local", rep.Local.Fingerprint.String(), "remote", rep.Remote.Fingerprint.String(),
		"recent_order_keys", rep.RecentOrderKeys)
	m.deps.Dispatcher.Notify(dispatcher.Notification{
		Event:    dispatcher.EventDesync,
		Tick:     rep.Tick,
		OrderKey: rep.Local.OrderKey,
		Peer:     rep.Peer,
		Report:   &rep,
		Err:      err,
	})
}

// HandleNotification lets the worker react to dispatcher notifications.
func (m *Manager) HandleNotification(n dispatcher.Notification) {
	if n.Event == dispatcher.EventPeerDropped && n.Peer != "" {
		m.deps.Detector.Forget(n.Peer)
	}
}

// Stats returns loop counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Ticks:            m.ticks.Load(),
		LastTickDuration: time.Duration(m.lastTick.Load()),
		Snapshots:        m.snapshots.Load(),
		Desyncs:          m.desyncs.Load(),
	}
}
