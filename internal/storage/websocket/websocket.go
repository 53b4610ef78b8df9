// Package websocket streams the replay log to a remote archive while
// keeping a local in-memory copy for replay and export.
package websocket

import (
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/parksync/parksync/internal/action"
	"github.com/parksync/parksync/internal/snapshot"
	"github.com/parksync/parksync/internal/storage"
	"github.com/parksync/parksync/internal/storage/memory"
	"github.com/parksync/parksync/pkg/streaming"
)

// Re-exported so callers and tests need only this package.
type (
	Envelope   = streaming.Envelope
	AckMessage = streaming.AckMessage
)

const (
	TypeStartSession = streaming.TypeStartSession
	TypeEndSession   = streaming.TypeEndSession
	TypeRecord       = streaming.TypeRecord
	TypeAcknowledged = streaming.TypeAcknowledged
)

// Config holds WebSocket backend configuration.
type Config struct {
	URL        string
	Secret     string
	SessionID  string
	ServerName string
	// Local configures the in-memory copy, including its export on close.
	Local memory.Config
}

// Backend streams replay entries over WebSocket to an archive server.
// Reads are served from the local copy.
type Backend struct {
	conn  *connection
	cfg   Config
	local *memory.Backend
	seq   atomic.Uint64
}

// New creates a new WebSocket storage backend.
func New(cfg Config, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Local.SessionID == "" {
		cfg.Local.SessionID = cfg.SessionID
	}
	if cfg.Local.ServerName == "" {
		cfg.Local.ServerName = cfg.ServerName
	}
	return &Backend{
		conn:  newConnection(logger),
		cfg:   cfg,
		local: memory.New(cfg.Local),
	}
}

// Init connects to the archive and announces the session.
func (b *Backend) Init() error {
	if err := b.local.Init(); err != nil {
		return err
	}
	if err := b.conn.dial(b.cfg.URL, b.cfg.Secret); err != nil {
		return err
	}
	data, err := marshalEnvelope(TypeStartSession, streaming.StartSessionPayload{
		SessionID:  b.cfg.SessionID,
		ServerName: b.cfg.ServerName,
		StartedAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	// Cache for reconnect replay.
	b.conn.mu.Lock()
	b.conn.cachedStartMsg = data
	b.conn.mu.Unlock()

	return b.conn.sendAndWait(data, TypeStartSession, ackTimeout)
}

// Close ends the session on the archive, disconnects and closes the local
// copy. The local copy is closed even if the archive does not answer.
func (b *Backend) Close() error {
	endErr := b.sendEnvelopeAndWait(TypeEndSession, nil)
	closeErr := b.conn.close()
	localErr := b.local.Close()
	if endErr != nil {
		return fmt.Errorf("ending streamed session: %w", endErr)
	}
	if closeErr != nil {
		return closeErr
	}
	return localErr
}

// marshalEnvelope builds a JSON-encoded Envelope from a message type and payload.
func marshalEnvelope(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	env := Envelope{Type: msgType, Payload: raw}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", msgType, err)
	}
	return data, nil
}

// sendEnvelope marshals the payload into an Envelope and pushes it
// to the write loop (fire-and-forget).
func (b *Backend) sendEnvelope(msgType string, payload any) error {
	data, err := marshalEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	b.conn.send(data)
	return nil
}

// sendEnvelopeAndWait marshals the payload and waits for a server ack.
func (b *Backend) sendEnvelopeAndWait(msgType string, payload any) error {
	data, err := marshalEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	return b.conn.sendAndWait(data, msgType, ackTimeout)
}

func (b *Backend) stream(e storage.Entry) error {
	e.Seq = b.seq.Add(1)
	rec, err := storage.ToRecord(e)
	if err != nil {
		return err
	}
	return b.sendEnvelope(TypeRecord, rec)
}

// Append records a command locally, then streams it.
func (b *Backend) Append(key action.OrderKey, tick uint64, cmd action.Command) error {
	if err := b.local.Append(key, tick, cmd); err != nil {
		return err
	}
	return b.stream(storage.Entry{Kind: storage.EntryCommand, OrderKey: key, Tick: tick, Command: cmd})
}

// AppendSnapshot records a snapshot locally, then streams it.
func (b *Backend) AppendSnapshot(s snapshot.Snapshot) error {
	if err := b.local.AppendSnapshot(s); err != nil {
		return err
	}
	return b.stream(storage.Entry{Kind: storage.EntrySnapshot, OrderKey: s.OrderKey, Tick: s.Tick, Snapshot: s})
}

// Acknowledge moves the local watermark and forwards it.
func (b *Backend) Acknowledge(key action.OrderKey) error {
	if err := b.local.Acknowledge(key); err != nil {
		return err
	}
	return b.sendEnvelope(TypeAcknowledged, streaming.AcknowledgedPayload{OrderKey: key})
}

// Iterate reads the local copy.
func (b *Backend) Iterate() iter.Seq2[storage.Entry, error] {
	return b.local.Iterate()
}

// Dropped returns how many records were dropped because the send queue
// was full.
func (b *Backend) Dropped() uint64 {
	return b.conn.droppedCount()
}

// GetExportedFilePath returns the local export, if one was written.
func (b *Backend) GetExportedFilePath() string {
	return b.local.GetExportedFilePath()
}

// GetExportMetadata describes the local export.
func (b *Backend) GetExportMetadata() storage.UploadMetadata {
	return b.local.GetExportMetadata()
}
