// Package storage defines the replay log: an append-only, ordered record of
// accepted commands and periodic snapshots.
package storage

import (
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"github.com/parksync/parksync/internal/action"
	"github.com/parksync/parksync/internal/player"
	"github.com/parksync/parksync/internal/snapshot"
)

// Backend is the interface all replay log implementations must satisfy.
// Entries are read-only once appended; Iterate may be called any number of
// times and always starts from the first entry.
type Backend interface {
	// Lifecycle
	Init() error
	Close() error

	Append(key action.OrderKey, tick uint64, cmd action.Command) error
	AppendSnapshot(s snapshot.Snapshot) error

	// Acknowledge records that every command up to key has been applied by
	// the expected peers. Acknowledgements are cumulative.
	Acknowledge(key action.OrderKey) error

	Iterate() iter.Seq2[Entry, error]
}

// Uploadable is an optional interface for backends that produce a file
// suitable for upload to a replay archive.
type Uploadable interface {
	GetExportedFilePath() string
	GetExportMetadata() UploadMetadata
}

// UploadMetadata describes an exported replay.
type UploadMetadata struct {
	SessionID    string
	ServerName   string
	Commands     uint64
	Snapshots    uint64
	LastOrderKey uint64
	Duration     time.Duration
}

// EntryKind tells command entries from snapshot entries.
type EntryKind uint8

const (
	EntryCommand EntryKind = iota + 1
	EntrySnapshot
)

func (k EntryKind) String() string {
	switch k {
	case EntryCommand:
		return "command"
	case EntrySnapshot:
		return "snapshot"
	}
	return fmt.Sprintf("entry(%d)", uint8(k))
}

// Entry is one record of the replay log.
type Entry struct {
	Seq      uint64
	Kind     EntryKind
	OrderKey action.OrderKey
	Tick     uint64

	Command  action.Command
	Snapshot snapshot.Snapshot

	// Acknowledged is derived from the cumulative acknowledgement watermark.
	Acknowledged bool
}

// Order tracks the last appended order key and rejects anything that would
// break the log's ordering.
type Order struct {
	lastKey  action.OrderKey
	lastTick uint64
}

// CheckCommand validates the key of a command about to be appended.
func (o *Order) CheckCommand(key action.OrderKey, tick uint64) error {
	if key == 0 {
		return fmt.Errorf("order key must be positive")
	}
	if key <= o.lastKey {
		return fmt.Errorf("order key %d not after last appended key %d", key, o.lastKey)
	}
	if tick < o.lastTick {
		return fmt.Errorf("tick %d before last appended tick %d", tick, o.lastTick)
	}
	return nil
}

// CheckSnapshot validates a snapshot about to be appended.
func (o *Order) CheckSnapshot(s snapshot.Snapshot) error {
	if s.OrderKey < o.lastKey {
		return fmt.Errorf("snapshot at order key %d precedes last appended key %d", s.OrderKey, o.lastKey)
	}
	if s.Tick < o.lastTick {
		return fmt.Errorf("snapshot tick %d before last appended tick %d", s.Tick, o.lastTick)
	}
	return nil
}

// Advance records an appended entry.
func (o *Order) Advance(key action.OrderKey, tick uint64) {
	if key > o.lastKey {
		o.lastKey = key
	}
	if tick > o.lastTick {
		o.lastTick = tick
	}
}

// LastKey returns the last appended order key.
func (o *Order) LastKey() action.OrderKey {
	return o.lastKey
}

// Record is the flat, serializable form of an entry. It mirrors the wire
// messages: a command record carries kind and JSON parameters, a snapshot
// record carries the hex fingerprint.
type Record struct {
	Seq          uint64               `json:"seq"`
	Type         string               `json:"type"`
	OrderKey     uint64               `json:"order_key"`
	Tick         uint64               `json:"tick"`
	Kind         string               `json:"kind,omitempty"`
	Player       player.ID            `json:"player,omitempty"`
	Params       json.RawMessage      `json:"params,omitempty"`
	CommandCount uint64               `json:"command_count,omitempty"`
	Fingerprint  snapshot.Fingerprint `json:"fingerprint,omitzero"`
	State        []byte               `json:"state,omitempty"`
}

// ToRecord flattens an entry.
func ToRecord(e Entry) (Record, error) {
	r := Record{Seq: e.Seq, Type: e.Kind.String(), OrderKey: e.OrderKey, Tick: e.Tick}
	switch e.Kind {
	case EntryCommand:
		payload, err := action.Encode(e.Command)
		if err != nil {
			return Record{}, err
		}
		r.Kind = e.Command.Kind().String()
		r.Player = e.Command.Player
		r.Params = payload
	case EntrySnapshot:
		r.CommandCount = e.Snapshot.CommandCount
		r.Fingerprint = e.Snapshot.Fingerprint
		r.State = e.Snapshot.State
	default:
		return Record{}, fmt.Errorf("unknown entry kind %d", e.Kind)
	}
	return r, nil
}

// Entry rebuilds the entry described by the record.
func (r Record) Entry() (Entry, error) {
	e := Entry{Seq: r.Seq, OrderKey: r.OrderKey, Tick: r.Tick}
	switch r.Type {
	case EntryCommand.String():
		kind, err := action.ParseKind(r.Kind)
		if err != nil {
			return Entry{}, err
		}
		cmd, err := action.Decode(kind, r.Player, r.Params)
		if err != nil {
			return Entry{}, err
		}
		e.Kind, e.Command = EntryCommand, cmd
	case EntrySnapshot.String():
		e.Kind = EntrySnapshot
		e.Snapshot = snapshot.Snapshot{
			Tick:         r.Tick,
			OrderKey:     r.OrderKey,
			CommandCount: r.CommandCount,
			Fingerprint:  r.Fingerprint,
			State:        r.State,
		}
	default:
		return Entry{}, fmt.Errorf("unknown record type %q", r.Type)
	}
	return e, nil
}
