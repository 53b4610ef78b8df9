package worker

import (
	"context"
	"errors"
	"time"

	"github.com/parksync/parksync/internal/actionerr"
	"github.com/parksync/parksync/internal/dispatcher"
	"github.com/parksync/parksync/internal/snapshot"
	"github.com/parksync/parksync/pkg/wire"
)

// authorityPeer names the authority in a peer's desync reports.
const authorityPeer = "authority"

// peerTick applies everything the client released since the last tick and
// acknowledges the last applied key.
func (m *Manager) peerTick(ctx context.Context, now time.Time) error {
	var applied uint64
	for _, del := range m.deps.Client.Deliveries() {
		switch {
		case del.Resync != nil:
			if err := m.handleResync(*del.Resync); err != nil {
				return err
			}
		case del.Command != nil:
			key, err := m.handleCommand(*del.Command)
			if err != nil {
				var se *actionerr.SequenceError
				if errors.As(err, &se) {
					m.logger.Warn("Out of sequence delivery", "expected", se.Expected, "got", se.Got)
					m.deps.Client.RequestResend(se.Expected)
					continue
				}
				m.logger.Error("Failed to apply replicated command", "order_key", del.Command.OrderKey, "error", err)
				m.deps.Dispatcher.Notify(dispatcher.Notification{
					Event:    dispatcher.EventDesync,
					OrderKey: del.Command.OrderKey,
					Tick:     del.Command.Tick,
					Err:      err,
				})
				m.desyncs.Add(1)
				continue
			}
			applied = max(applied, key)
		case del.Marker != nil:
			m.handleMarker(ctx, *del.Marker)
		}
	}
	if applied > 0 {
		m.deps.Client.Ack(applied)
	}
	return m.deps.Client.Check(now)
}

func (m *Manager) handleCommand(msg wire.CommandMessage) (uint64, error) {
	cmd, err := msg.Command()
	if err != nil {
		return 0, err
	}
	if _, err := m.deps.Dispatcher.ApplyReplicated(msg.OrderKey, msg.Tick, cmd); err != nil {
		return 0, err
	}
	return msg.OrderKey, nil
}

// handleResync replaces the state and records the discontinuity in the
// replay log.
func (m *Manager) handleResync(cp wire.Checkpoint) error {
	if err := m.deps.Dispatcher.Load(cp.State, dispatcher.Boundary{
		Tick:         cp.Tick,
		OrderKey:     cp.OrderKey,
		CommandCount: cp.TickCount,
	}); err != nil {
		return err
	}
	m.logger.Warn("State replaced by authority", "order_key", cp.OrderKey, "tick", cp.Tick)
	m.deps.Dispatcher.Notify(dispatcher.Notification{Event: dispatcher.EventResync, OrderKey: cp.OrderKey, Tick: cp.Tick})
	m.deps.Client.Ack(cp.OrderKey)
	return m.Baseline()
}

// handleMarker captures the tick the authority just closed, compares it and
// reports the local fingerprint back.
func (m *Manager) handleMarker(ctx context.Context, marker wire.FingerprintMessage) {
	var (
		local    snapshot.Snapshot
		captured bool
	)
	err := m.deps.Dispatcher.Mark(marker.Tick, func(b dispatcher.Boundary) {
		s, err := m.capture(b)
		if err != nil {
			m.logger.Error("Snapshot capture failed", "tick", b.Tick, "error", err)
			return
		}
		local, captured = s, true
	})
	if err != nil {
		m.logger.Warn("Stale fingerprint marker", "tick", marker.Tick, "error", err)
		return
	}
	if !captured {
		return
	}

	m.recordLocal(ctx, local)
	m.OnPeerFingerprint(authorityPeer, marker.Snapshot())
	m.deps.Client.ReportFingerprint(local)
}
