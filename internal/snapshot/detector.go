package snapshot

import (
	"sort"
	"sync"
	"time"

	"github.com/parksync/parksync/internal/actionerr"
)

// Report describes one detected divergence.
type Report struct {
	Tick            uint64
	Peer            string
	Local           Snapshot
	Remote          Snapshot
	RecentOrderKeys []uint64
	DetectedAt      time.Time
}

// Err converts the report into a DESYNC error.
func (r Report) Err() error {
	return actionerr.Desync("snapshot.Detector",
		"tick %d: peer %s reports %s at order key %d, local %s at order key %d",
		r.Tick, r.Peer, r.Remote.Fingerprint, r.Remote.OrderKey, r.Local.Fingerprint, r.Local.OrderKey)
}

// DetectorConfig controls capture cadence and retention.
type DetectorConfig struct {
	// Cadence is the tick interval between captures.
	Cadence uint64
	// Window is the number of local snapshots kept for late remote reports.
	Window int
	// Diagnostics is how many recent order keys a report carries.
	Diagnostics int
}

// DefaultDetectorConfig returns the configuration used when none is given.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{Cadence: 20, Window: 32, Diagnostics: 16}
}

type remoteReport struct {
	peer string
	snap Snapshot
}

// Detector compares local snapshots against fingerprints reported by peers.
// It flags the session on the first mismatch and never attempts to repair
// state.
type Detector struct {
	mu      sync.Mutex
	cfg     DetectorConfig
	recent  func(n int) []uint64
	now     func() time.Time
	local   map[uint64]Snapshot
	ticks   []uint64
	pending map[uint64][]remoteReport
	reports []Report
	matched uint64
}

// NewDetector creates a detector. recent supplies the last applied order keys
// for reports and may be nil.
func NewDetector(cfg DetectorConfig, recent func(n int) []uint64) *Detector {
	def := DefaultDetectorConfig()
	if cfg.Cadence == 0 {
		cfg.Cadence = def.Cadence
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Diagnostics <= 0 {
		cfg.Diagnostics = def.Diagnostics
	}
	return &Detector{
		cfg:     cfg,
		recent:  recent,
		now:     time.Now,
		local:   make(map[uint64]Snapshot),
		pending: make(map[uint64][]remoteReport),
	}
}

// Due reports whether a snapshot should be captured at tick.
func (d *Detector) Due(tick uint64) bool {
	return tick > 0 && tick%d.cfg.Cadence == 0
}

// Cadence returns the tick interval between captures.
func (d *Detector) Cadence() uint64 {
	return d.cfg.Cadence
}

// RecordLocal stores a local snapshot and compares it with any remote
// fingerprints that were waiting for it.
func (d *Detector) RecordLocal(s Snapshot) []Report {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.local[s.Tick]; !exists {
		d.ticks = append(d.ticks, s.Tick)
		sort.Slice(d.ticks, func(i, j int) bool { return d.ticks[i] < d.ticks[j] })
	}
	stored := s
	stored.State = nil
	d.local[s.Tick] = stored

	for len(d.ticks) > d.cfg.Window {
		oldest := d.ticks[0]
		d.ticks = d.ticks[1:]
		delete(d.local, oldest)
		delete(d.pending, oldest)
	}

	var out []Report
	for _, r := range d.pending[s.Tick] {
		if rep, bad := d.compareLocked(stored, r.peer, r.snap); bad {
			out = append(out, rep)
		}
	}
	delete(d.pending, s.Tick)
	return out
}

// RecordRemote compares a peer's fingerprint with the local snapshot of the
// same tick, or holds it until that snapshot exists. Reports older than the
// retention window are dropped and reported as not compared.
func (d *Detector) RecordRemote(peer string, s Snapshot) (Report, bool, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if local, ok := d.local[s.Tick]; ok {
		rep, bad := d.compareLocked(local, peer, s)
		return rep, bad, true
	}
	if len(d.ticks) >= d.cfg.Window && s.Tick < d.ticks[0] {
		return Report{}, false, false
	}
	d.pending[s.Tick] = append(d.pending[s.Tick], remoteReport{peer: peer, snap: s})
	return Report{}, false, true
}

func (d *Detector) compareLocked(local Snapshot, peer string, remote Snapshot) (Report, bool) {
	if Compare(local, remote) == Match {
		d.matched++
		return Report{}, false
	}
	rep := Report{
		Tick:       local.Tick,
		Peer:       peer,
		Local:      local,
		Remote:     remote,
		DetectedAt: d.now(),
	}
	if d.recent != nil {
		rep.RecentOrderKeys = d.recent(d.cfg.Diagnostics)
	}
	d.reports = append(d.reports, rep)
	return rep, true
}

// Forget drops pending fingerprints from a peer that disconnected.
func (d *Detector) Forget(peer string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for tick, list := range d.pending {
		kept := list[:0]
		for _, r := range list {
			if r.peer != peer {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(d.pending, tick)
		} else {
			d.pending[tick] = kept
		}
	}
}

// Local returns the retained local snapshot for tick.
func (d *Detector) Local(tick uint64) (Snapshot, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.local[tick]
	return s, ok
}

// Desynced reports whether any divergence has been detected. The flag is
// never cleared for the lifetime of the session.
func (d *Detector) Desynced() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.reports) > 0
}

// Reports returns every divergence detected so far.
func (d *Detector) Reports() []Report {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Report, len(d.reports))
	copy(out, d.reports)
	return out
}

// Matched returns how many remote fingerprints agreed with local state.
func (d *Detector) Matched() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.matched
}
