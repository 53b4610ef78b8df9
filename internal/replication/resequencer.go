package replication

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/parksync/parksync/internal/actionerr"
	"github.com/parksync/parksync/pkg/wire"
)

// Delivery is one item of the replicated stream, released in order. Exactly
// one field is set.
type Delivery struct {
	Command *wire.CommandMessage
	Marker  *wire.FingerprintMessage
	Resync  *wire.Checkpoint
}

// Resequencer buffers replicated commands until every lower order key has
// arrived. Fingerprint markers are anchored at the key they follow and are
// released right after that command.
type Resequencer struct {
	mu sync.Mutex

	next    uint64
	pending map[uint64]wire.CommandMessage
	markers []wire.FingerprintMessage
	ready   []Delivery

	// lastMarker is the tick of the newest released marker.
	lastMarker uint64
	marked     bool

	gapOpen     bool
	gapSince    time.Time
	attempts    int
	timeout     time.Duration
	maxAttempts int
	now         func() time.Time
}

// NewResequencer returns a resequencer expecting order key 1. An open gap is
// re-requested every timeout, at most maxAttempts times.
func NewResequencer(timeout time.Duration, maxAttempts int) *Resequencer {
	return &Resequencer{
		next:        1,
		pending:     make(map[uint64]wire.CommandMessage),
		timeout:     timeout,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// Start positions the resequencer right after cp without queueing it.
func (r *Resequencer) Start(cp wire.Checkpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ready = r.ready[:0]
	r.resetLocked(cp)
}

// Resync queues cp ahead of everything that follows it. Items released
// before cp are discarded; buffered commands above it are kept.
func (r *Resequencer) Resync(cp wire.Checkpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ready = append(r.ready[:0], Delivery{Resync: &cp})
	r.resetLocked(cp)
}

func (r *Resequencer) resetLocked(cp wire.Checkpoint) {
	r.next = cp.OrderKey + 1
	if r.marked && cp.Tick < r.lastMarker {
		r.marked = false
	}
	for k := range r.pending {
		if k <= cp.OrderKey {
			delete(r.pending, k)
		}
	}
	kept := r.markers[:0]
	for _, m := range r.markers {
		if m.Tick >= cp.Tick {
			kept = append(kept, m)
		}
	}
	r.markers = kept
	r.closeGapLocked()
	r.releaseLocked()
}

// Push buffers a command. Keys below the next expected one are duplicates
// and are dropped. When m opens a gap Push returns a SequenceError naming
// the first missing key; the caller should request a resend from it.
func (r *Resequencer) Push(m wire.CommandMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.OrderKey < r.next {
		return nil
	}
	r.pending[m.OrderKey] = m
	r.releaseLocked()
	return r.gapLocked(m.OrderKey)
}

// PushMarker buffers a fingerprint marker. A marker for a tick that was
// already released or is already buffered is dropped; resends replay them.
func (r *Resequencer) PushMarker(m wire.FingerprintMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.staleMarkerLocked(m.Tick) || slices.ContainsFunc(r.markers, func(b wire.FingerprintMessage) bool {
		return b.Tick == m.Tick
	}) {
		return nil
	}
	i := sort.Search(len(r.markers), func(i int) bool {
		return r.markers[i].OrderKey > m.OrderKey ||
			(r.markers[i].OrderKey == m.OrderKey && r.markers[i].Tick > m.Tick)
	})
	r.markers = append(r.markers, wire.FingerprintMessage{})
	copy(r.markers[i+1:], r.markers[i:])
	r.markers[i] = m
	r.releaseLocked()
	return r.gapLocked(m.OrderKey)
}

func (r *Resequencer) gapLocked(got uint64) error {
	if len(r.pending) == 0 && len(r.markers) == 0 {
		r.closeGapLocked()
		return nil
	}
	if r.gapOpen {
		return nil
	}
	r.gapOpen, r.gapSince, r.attempts = true, r.now(), 1
	return &actionerr.SequenceError{Expected: r.next, Got: got}
}

func (r *Resequencer) closeGapLocked() {
	r.gapOpen, r.attempts = false, 0
	r.gapSince = time.Time{}
}

func (r *Resequencer) staleMarkerLocked(tick uint64) bool {
	return r.marked && tick <= r.lastMarker
}

func (r *Resequencer) releaseLocked() {
	from := r.next
	for {
		for len(r.markers) > 0 && r.markers[0].OrderKey < r.next {
			m := r.markers[0]
			r.markers = r.markers[1:]
			if r.staleMarkerLocked(m.Tick) {
				continue
			}
			r.lastMarker, r.marked = m.Tick, true
			r.ready = append(r.ready, Delivery{Marker: &m})
		}
		m, ok := r.pending[r.next]
		if !ok {
			break
		}
		delete(r.pending, r.next)
		r.ready = append(r.ready, Delivery{Command: &m})
		r.next++
	}
	switch {
	case len(r.pending) == 0 && len(r.markers) == 0:
		r.closeGapLocked()
	case r.next != from && r.gapOpen:
		// A later gap is still open. It gets its own resend budget.
		r.gapSince, r.attempts = r.now(), 0
	}
}

// Check reports whether an open gap is due for another resend request and
// from which key. Once maxAttempts requests went unanswered it returns a
// ReplicationTimeout error.
func (r *Resequencer) Check(now time.Time) (uint64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.gapOpen || now.Sub(r.gapSince) < r.timeout {
		return 0, false, nil
	}
	if r.attempts >= r.maxAttempts {
		return 0, false, actionerr.ReplicationTimeout("replication.Resequencer",
			"order key %d still missing after %d resend requests", r.next, r.attempts)
	}
	r.attempts++
	r.gapSince = now
	return r.next, true, nil
}

// Drain returns the released items and forgets them.
func (r *Resequencer) Drain() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ready) == 0 {
		return nil
	}
	out := r.ready
	r.ready = nil
	return out
}

// Next returns the next expected order key.
func (r *Resequencer) Next() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}

// Buffered returns how many commands wait behind a gap.
func (r *Resequencer) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
