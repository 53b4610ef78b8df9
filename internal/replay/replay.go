// Package replay rebuilds and audits sessions from a replay log.
package replay

import (
	"errors"
	"fmt"

	"github.com/parksync/parksync/internal/action"
	"github.com/parksync/parksync/internal/actionerr"
	"github.com/parksync/parksync/internal/snapshot"
	"github.com/parksync/parksync/internal/state"
	"github.com/parksync/parksync/internal/storage"
)

// ErrNoBase is returned when a command precedes every snapshot that carries
// state and no initial state was given.
var ErrNoBase = errors.New("replay: no state to start from")

// Option configures Reconstruct and Verify.
type Option func(*options)

type options struct {
	initial *state.State
}

// WithInitialState replays from st when the log has no earlier snapshot
// carrying state. st is cloned.
func WithInitialState(st *state.State) Option {
	return func(o *options) { o.initial = st }
}

// Result is a reconstructed state.
type Result struct {
	State    *state.State
	OrderKey action.OrderKey
	Tick     uint64
	// BaseKey is the order key of the snapshot the replay started from.
	BaseKey action.OrderKey
	// Replayed counts the commands applied on top of the base.
	Replayed int
}

// cursor applies log entries to a working state.
type cursor struct {
	st       *state.State
	key      action.OrderKey
	tick     uint64
	count    uint64
	baseKey  action.OrderKey
	replayed int
}

func newCursor(opts []Option) *cursor {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	c := &cursor{}
	if o.initial != nil {
		c.st = o.initial.Clone()
	}
	return c
}

func (c *cursor) restore(s snapshot.Snapshot) error {
	st, err := s.Restore()
	if err != nil {
		return err
	}
	c.st = st
	c.key, c.tick, c.count = s.OrderKey, s.Tick, s.CommandCount
	c.baseKey, c.replayed = s.OrderKey, 0
	return nil
}

func (c *cursor) apply(e storage.Entry) error {
	if c.st == nil {
		return fmt.Errorf("order key %d: %w", e.OrderKey, ErrNoBase)
	}
	if e.OrderKey != c.key+1 {
		return &actionerr.SequenceError{Expected: c.key + 1, Got: e.OrderKey}
	}
	if _, err := action.Apply(c.st, e.Command); err != nil {
		return actionerr.Desync("replay.Apply", "order key %d failed to apply: %v", e.OrderKey, err)
	}
	if e.Tick > c.tick {
		c.tick, c.count = e.Tick, 0
	}
	c.key = e.OrderKey
	c.count++
	c.replayed++
	return nil
}

// Reconstruct rebuilds the state after the command at target from the
// nearest snapshot at or before it that carries state, replaying the
// commands in between.
func Reconstruct(b storage.Backend, target action.OrderKey, opts ...Option) (Result, error) {
	c := newCursor(opts)
	for e, err := range b.Iterate() {
		if err != nil {
			return Result{}, fmt.Errorf("reading replay log: %w", err)
		}
		if e.OrderKey > target {
			break
		}
		switch e.Kind {
		case storage.EntrySnapshot:
			if e.Snapshot.HasState() {
				if err := c.restore(e.Snapshot); err != nil {
					return Result{}, fmt.Errorf("restoring snapshot at tick %d: %w", e.Tick, err)
				}
			}
		case storage.EntryCommand:
			if err := c.apply(e); err != nil {
				return Result{}, err
			}
		}
	}
	if c.st == nil {
		return Result{}, ErrNoBase
	}
	if c.key != target {
		return Result{}, fmt.Errorf("replay log ends at order key %d before %d: %w", c.key, target, actionerr.ErrInvalidReference)
	}
	return Result{State: c.st, OrderKey: c.key, Tick: c.tick, BaseKey: c.baseKey, Replayed: c.replayed}, nil
}

// Divergence is a recorded snapshot the replay does not reproduce.
type Divergence struct {
	Tick     uint64
	Recorded snapshot.Snapshot
	Derived  snapshot.Snapshot
}

func (d Divergence) String() string {
	return fmt.Sprintf("tick %d: recorded %s at order key %d (%d commands), derived %s at order key %d (%d commands)",
		d.Tick, d.Recorded.Fingerprint, d.Recorded.OrderKey, d.Recorded.CommandCount,
		d.Derived.Fingerprint, d.Derived.OrderKey, d.Derived.CommandCount)
}

// Report summarizes a verification.
type Report struct {
	Commands    int
	Snapshots   int
	Verified    int
	LastKey     action.OrderKey
	Divergences []Divergence
}

// OK reports whether every snapshot was reproduced.
func (r Report) OK() bool {
	return len(r.Divergences) == 0
}

// Verify replays the whole log and re-derives every snapshot fingerprint.
// After a divergence it continues from the recorded state when the snapshot
// carries one.
func Verify(b storage.Backend, opts ...Option) (Report, error) {
	c := newCursor(opts)
	var rep Report
	for e, err := range b.Iterate() {
		if err != nil {
			return rep, fmt.Errorf("reading replay log: %w", err)
		}
		switch e.Kind {
		case storage.EntryCommand:
			if err := c.apply(e); err != nil {
				return rep, err
			}
			rep.Commands++
			rep.LastKey = e.OrderKey
		case storage.EntrySnapshot:
			rep.Snapshots++
			if c.st == nil {
				if !e.Snapshot.HasState() {
					continue
				}
				if err := c.restore(e.Snapshot); err != nil {
					return rep, fmt.Errorf("restoring snapshot at tick %d: %w", e.Tick, err)
				}
				rep.Verified++
				continue
			}
			count := c.count
			if e.Tick > c.tick {
				count = 0
			}
			derived, err := snapshot.Capture(c.st, e.Tick, c.key, count, false)
			if err != nil {
				return rep, err
			}
			recorded := e.Snapshot
			if snapshot.Compare(recorded, derived) == snapshot.Match {
				rep.Verified++
				continue
			}
			recorded.State = nil
			rep.Divergences = append(rep.Divergences, Divergence{Tick: e.Tick, Recorded: recorded, Derived: derived})
			if e.Snapshot.HasState() {
				if err := c.restore(e.Snapshot); err != nil {
					return rep, fmt.Errorf("restoring snapshot at tick %d: %w", e.Tick, err)
				}
			}
		}
	}
	return rep, nil
}
