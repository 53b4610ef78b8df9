// Package snapshot fingerprints simulation state and detects divergence
// between participants.
package snapshot

import (
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"

	"github.com/parksync/parksync/internal/state"
)

// Size is the width of a fingerprint in bytes.
const Size = 32

// Fingerprint is a BLAKE3 hash of the canonical state document.
type Fingerprint [Size]byte

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// ParseFingerprint decodes 64 hex characters.
func ParseFingerprint(s string) (Fingerprint, error) {
	var f Fingerprint
	if len(s) != 2*Size {
		return f, fmt.Errorf("fingerprint must be %d hex characters, got %d", 2*Size, len(s))
	}
	if _, err := hex.Decode(f[:], []byte(s)); err != nil {
		return f, fmt.Errorf("decoding fingerprint: %w", err)
	}
	return f, nil
}

func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Fingerprint) UnmarshalText(b []byte) error {
	parsed, err := ParseFingerprint(string(b))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// Sum fingerprints a canonical document encoding.
func Sum(canonical []byte) Fingerprint {
	return blake3.Sum256(canonical)
}

// Snapshot is the fingerprint of state at a tick boundary. OrderKey is the
// last command applied before the capture and CommandCount the number of
// commands accepted during the tick. State optionally carries the canonical
// document so a replay can start from it.
type Snapshot struct {
	Tick         uint64      `json:"tick"`
	OrderKey     uint64      `json:"order_key"`
	CommandCount uint64      `json:"command_count"`
	Fingerprint  Fingerprint `json:"fingerprint"`
	State        []byte      `json:"state,omitempty"`
}

// HasState reports whether the snapshot can seed a reconstruction.
func (s Snapshot) HasState() bool {
	return len(s.State) > 0
}

// Capture fingerprints st.
func Capture(st *state.State, tick, orderKey, count uint64, withState bool) (Snapshot, error) {
	canonical, err := st.Export().Canonical()
	if err != nil {
		return Snapshot{}, err
	}
	s := Snapshot{
		Tick:         tick,
		OrderKey:     orderKey,
		CommandCount: count,
		Fingerprint:  Sum(canonical),
	}
	if withState {
		s.State = canonical
	}
	return s, nil
}

// Restore rebuilds the state carried by the snapshot and checks it against
// the fingerprint.
func (s Snapshot) Restore() (*state.State, error) {
	if !s.HasState() {
		return nil, fmt.Errorf("snapshot at tick %d carries no state", s.Tick)
	}
	if got := Sum(s.State); got != s.Fingerprint {
		return nil, fmt.Errorf("snapshot at tick %d: state hashes to %s, expected %s", s.Tick, got, s.Fingerprint)
	}
	doc, err := state.DecodeDocument(s.State)
	if err != nil {
		return nil, err
	}
	return state.Import(doc)
}

// Result is the outcome of comparing two fingerprints.
type Result uint8

const (
	Match Result = iota
	Desync
)

func (r Result) String() string {
	if r == Match {
		return "match"
	}
	return "desync"
}

// Compare reports whether two snapshots of the same tick agree.
func Compare(local, remote Snapshot) Result {
	if local.Fingerprint != remote.Fingerprint ||
		local.OrderKey != remote.OrderKey ||
		local.CommandCount != remote.CommandCount {
		return Desync
	}
	return Match
}
