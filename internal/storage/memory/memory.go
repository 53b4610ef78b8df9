// Package memory keeps the replay log in memory and exports it as gzipped
// JSON lines on close.
package memory

import (
	"iter"
	"sync"
	"time"

	"github.com/parksync/parksync/internal/action"
	"github.com/parksync/parksync/internal/snapshot"
	"github.com/parksync/parksync/internal/storage"
)

// Config controls the export written on Close.
type Config struct {
	OutputDir      string
	CompressOutput bool
	SessionID      string
	ServerName     string
}

// Backend stores replay entries in a slice.
type Backend struct {
	cfg     Config
	entries []storage.Entry
	order   storage.Order
	acked   action.OrderKey
	started time.Time

	commands  uint64
	snapshots uint64

	lastExportPath string
	mu             sync.RWMutex
}

// New creates a new memory backend
func New(cfg Config) *Backend {
	return &Backend{cfg: cfg, started: time.Now()}
}

// Init initializes the backend
func (b *Backend) Init() error {
	return nil
}

// Close exports the log when an output directory is configured.
func (b *Backend) Close() error {
	if b.cfg.OutputDir == "" {
		return nil
	}
	return b.exportFile()
}

// Append records an accepted command.
func (b *Backend) Append(key action.OrderKey, tick uint64, cmd action.Command) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.order.CheckCommand(key, tick); err != nil {
		return err
	}
	b.order.Advance(key, tick)
	b.entries = append(b.entries, storage.Entry{
		Seq:      uint64(len(b.entries)) + 1,
		Kind:     storage.EntryCommand,
		OrderKey: key,
		Tick:     tick,
		Command:  cmd,
	})
	b.commands++
	return nil
}

// AppendSnapshot records a snapshot.
func (b *Backend) AppendSnapshot(s snapshot.Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.order.CheckSnapshot(s); err != nil {
		return err
	}
	b.order.Advance(s.OrderKey, s.Tick)
	s.State = append([]byte(nil), s.State...)
	b.entries = append(b.entries, storage.Entry{
		Seq:      uint64(len(b.entries)) + 1,
		Kind:     storage.EntrySnapshot,
		OrderKey: s.OrderKey,
		Tick:     s.Tick,
		Snapshot: s,
	})
	b.snapshots++
	return nil
}

// Acknowledge raises the acknowledgement watermark.
func (b *Backend) Acknowledge(key action.OrderKey) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if key > b.acked {
		b.acked = key
	}
	return nil
}

// Iterate yields every entry in append order. The slice is captured at the
// start of iteration so concurrent appends are not observed.
func (b *Backend) Iterate() iter.Seq2[storage.Entry, error] {
	return func(yield func(storage.Entry, error) bool) {
		b.mu.RLock()
		entries := b.entries[:len(b.entries):len(b.entries)]
		acked := b.acked
		b.mu.RUnlock()

		for _, e := range entries {
			if e.Kind == storage.EntryCommand {
				e.Acknowledged = e.OrderKey <= acked
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Len returns the number of entries.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Acknowledged returns the acknowledgement watermark.
func (b *Backend) Acknowledged() action.OrderKey {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.acked
}

// GetExportedFilePath returns the path of the last export.
func (b *Backend) GetExportedFilePath() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastExportPath
}

// GetExportMetadata describes the exported log.
func (b *Backend) GetExportMetadata() storage.UploadMetadata {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return storage.UploadMetadata{
		SessionID:    b.cfg.SessionID,
		ServerName:   b.cfg.ServerName,
		Commands:     b.commands,
		Snapshots:    b.snapshots,
		LastOrderKey: b.order.LastKey(),
		Duration:     time.Since(b.started),
	}
}
