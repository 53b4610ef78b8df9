// Package gormstorage implements the replay log on GORM with internal queues
// and a background writer goroutine. The sqlite and postgres backends wrap it.
package gormstorage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pierrec/lz4/v4"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/parksync/parksync/internal/action"
	"github.com/parksync/parksync/internal/database"
	"github.com/parksync/parksync/internal/logging"
	"github.com/parksync/parksync/internal/player"
	"github.com/parksync/parksync/internal/queue"
	"github.com/parksync/parksync/internal/snapshot"
	"github.com/parksync/parksync/internal/storage"
)

// Dependencies holds all dependencies for the GORM storage backend.
type Dependencies struct {
	DB            *gorm.DB
	LogManager    *logging.SlogManager
	SessionID     string
	ServerName    string
	FlushInterval time.Duration
}

// queues holds the write queues for batch DB insertion.
type queues struct {
	Commands  *queue.Queue[CommandRecord]
	Snapshots *queue.Queue[SnapshotRecord]
}

func newQueues() *queues {
	return &queues{
		Commands:  queue.New[CommandRecord](),
		Snapshots: queue.New[SnapshotRecord](),
	}
}

// Backend implements storage.Backend using GORM with queue-based batch writes.
type Backend struct {
	deps    Dependencies
	queues  *queues
	session ReplaySession

	// mu guards the append path and serializes flushes.
	mu      sync.Mutex
	flushMu sync.Mutex
	order   storage.Order
	seq     uint64
	acked   uint64

	stopChan chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a new GORM storage backend.
func New(deps Dependencies) *Backend {
	if deps.FlushInterval <= 0 {
		deps.FlushInterval = time.Second
	}
	if deps.LogManager == nil {
		deps.LogManager = logging.NewSlogManager()
	}
	if deps.SessionID == "" {
		deps.SessionID = ulid.Make().String()
	}
	return &Backend{deps: deps}
}

// Init runs schema migration, registers the session and starts the writer.
// If no DB was injected via Dependencies, it creates its own postgres connection.
func (b *Backend) Init() error {
	b.queues = newQueues()
	b.stopChan = make(chan struct{})
	b.done = make(chan struct{})

	if b.deps.DB == nil {
		db, err := database.GetPostgresDBStandalone()
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("failed to access sql interface: %w", err)
		}
		if err = sqlDB.Ping(); err != nil {
			return fmt.Errorf("failed to validate connection: %w", err)
		}
		sqlDB.SetMaxOpenConns(10)
		b.deps.DB = db
	}

	if err := b.setupDB(); err != nil {
		return fmt.Errorf("failed to setup DB: %w", err)
	}

	go b.writerLoop()
	return nil
}

// setupDB migrates tables and loads or creates the session row.
func (b *Backend) setupDB() error {
	db := b.deps.DB
	log := b.deps.LogManager

	log.WriteLog("setupDB", "Migrating schema", "INFO")
	if err := db.AutoMigrate(Models...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	err := db.Where(ReplaySession{SessionID: b.deps.SessionID}).
		Attrs(ReplaySession{ServerName: b.deps.ServerName, StartedAt: time.Now().UTC()}).
		FirstOrCreate(&b.session).Error
	if err != nil {
		return fmt.Errorf("failed to get or create session: %w", err)
	}
	b.acked = b.session.AckedKey

	// Resume sequence numbering and ordering for an existing session.
	var lastCmd CommandRecord
	if err := db.Where("session_ref = ?", b.session.ID).Order("seq desc").Limit(1).Find(&lastCmd).Error; err != nil {
		return fmt.Errorf("failed to read last command: %w", err)
	}
	var lastSnap SnapshotRecord
	if err := db.Where("session_ref = ?", b.session.ID).Order("seq desc").Limit(1).Find(&lastSnap).Error; err != nil {
		return fmt.Errorf("failed to read last snapshot: %w", err)
	}
	b.seq = max(lastCmd.Seq, lastSnap.Seq)
	b.order.Advance(lastCmd.OrderKey, lastCmd.Tick)
	b.order.Advance(lastSnap.OrderKey, lastSnap.Tick)

	log.WriteLog("setupDB", fmt.Sprintf("Replay session %s ready (resuming at seq %d)", b.deps.SessionID, b.seq), "INFO")
	return nil
}

// Close stops the writer goroutine after a final flush.
func (b *Backend) Close() error {
	if b.stopChan == nil {
		return nil
	}
	b.stopOnce.Do(func() {
		close(b.stopChan)
		<-b.done
	})
	return b.flush()
}

// DB exposes the underlying connection.
func (b *Backend) DB() *gorm.DB {
	return b.deps.DB
}

// Session returns the session row.
func (b *Backend) Session() ReplaySession {
	return b.session
}

// Append queues an accepted command.
func (b *Backend) Append(key action.OrderKey, tick uint64, cmd action.Command) error {
	payload, err := action.Encode(cmd)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.order.CheckCommand(key, tick); err != nil {
		return err
	}
	b.order.Advance(key, tick)
	b.seq++
	b.queues.Commands.Push(CommandRecord{
		SessionRef: b.session.ID,
		Seq:        b.seq,
		OrderKey:   key,
		Tick:       tick,
		Kind:       cmd.Kind().String(),
		Player:     uint32(cmd.Player),
		Params:     datatypes.JSON(payload),
		RecordedAt: time.Now().UTC(),
	})
	return nil
}

// AppendSnapshot queues a snapshot.
func (b *Backend) AppendSnapshot(s snapshot.Snapshot) error {
	var blob []byte
	if s.HasState() {
		var err error
		if blob, err = compressLZ4(s.State); err != nil {
			return fmt.Errorf("compressing snapshot state: %w", err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.order.CheckSnapshot(s); err != nil {
		return err
	}
	b.order.Advance(s.OrderKey, s.Tick)
	b.seq++
	b.queues.Snapshots.Push(SnapshotRecord{
		SessionRef:   b.session.ID,
		Seq:          b.seq,
		Tick:         s.Tick,
		OrderKey:     s.OrderKey,
		CommandCount: s.CommandCount,
		Fingerprint:  s.Fingerprint.String(),
		State:        blob,
		StateSize:    len(s.State),
		RecordedAt:   time.Now().UTC(),
	})
	return nil
}

// Acknowledge raises the session's acknowledgement watermark.
func (b *Backend) Acknowledge(key action.OrderKey) error {
	b.mu.Lock()
	if key <= b.acked {
		b.mu.Unlock()
		return nil
	}
	b.acked = key
	b.mu.Unlock()

	return b.deps.DB.Model(&ReplaySession{}).
		Where("id = ? AND acked_key < ?", b.session.ID, key).
		Update("acked_key", key).Error
}

// Iterate flushes pending writes and yields every entry in append order.
func (b *Backend) Iterate() iter.Seq2[storage.Entry, error] {
	return func(yield func(storage.Entry, error) bool) {
		if err := b.flush(); err != nil {
			yield(storage.Entry{}, err)
			return
		}
		b.mu.Lock()
		acked := b.acked
		b.mu.Unlock()

		var cmds []CommandRecord
		if err := b.deps.DB.Where("session_ref = ?", b.session.ID).Order("seq").Find(&cmds).Error; err != nil {
			yield(storage.Entry{}, fmt.Errorf("reading commands: %w", err))
			return
		}
		var snaps []SnapshotRecord
		if err := b.deps.DB.Where("session_ref = ?", b.session.ID).Order("seq").Find(&snaps).Error; err != nil {
			yield(storage.Entry{}, fmt.Errorf("reading snapshots: %w", err))
			return
		}

		i, j := 0, 0
		for i < len(cmds) || j < len(snaps) {
			var e storage.Entry
			var err error
			if j >= len(snaps) || (i < len(cmds) && cmds[i].Seq < snaps[j].Seq) {
				e, err = commandEntry(cmds[i], acked)
				i++
			} else {
				e, err = snapshotEntry(snaps[j])
				j++
			}
			if !yield(e, err) || err != nil {
				return
			}
		}
	}
}

func commandEntry(r CommandRecord, acked uint64) (storage.Entry, error) {
	kind, err := action.ParseKind(r.Kind)
	if err != nil {
		return storage.Entry{}, fmt.Errorf("entry %d: %w", r.Seq, err)
	}
	cmd, err := action.Decode(kind, player.ID(r.Player), r.Params)
	if err != nil {
		return storage.Entry{}, fmt.Errorf("entry %d: %w", r.Seq, err)
	}
	return storage.Entry{
		Seq:          r.Seq,
		Kind:         storage.EntryCommand,
		OrderKey:     r.OrderKey,
		Tick:         r.Tick,
		Command:      cmd,
		Acknowledged: r.OrderKey <= acked,
	}, nil
}

func snapshotEntry(r SnapshotRecord) (storage.Entry, error) {
	fp, err := snapshot.ParseFingerprint(r.Fingerprint)
	if err != nil {
		return storage.Entry{}, fmt.Errorf("entry %d: %w", r.Seq, err)
	}
	s := snapshot.Snapshot{Tick: r.Tick, OrderKey: r.OrderKey, CommandCount: r.CommandCount, Fingerprint: fp}
	if len(r.State) > 0 {
		if s.State, err = decompressLZ4(r.State, r.StateSize); err != nil {
			return storage.Entry{}, fmt.Errorf("entry %d: decompressing state: %w", r.Seq, err)
		}
	}
	return storage.Entry{Seq: r.Seq, Kind: storage.EntrySnapshot, OrderKey: r.OrderKey, Tick: r.Tick, Snapshot: s}, nil
}

// Pending returns the number of queued, unwritten records.
func (b *Backend) Pending() int {
	if b.queues == nil {
		return 0
	}
	return b.queues.Commands.Len() + b.queues.Snapshots.Len()
}

// writeQueue writes all items from a queue to the database in a transaction.
func writeQueue[T any](db *gorm.DB, q *queue.Queue[T], name string, log func(string, string, string)) error {
	if q.Empty() {
		return nil
	}

	tx := db.Begin()
	items := q.GetAndEmpty()
	if err := tx.Create(&items).Error; err != nil {
		log(":DB:WRITER:", fmt.Sprintf("Error creating %s: %v", name, err), "ERROR")
		tx.Rollback()
		q.PushFront(items...)
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return tx.Commit().Error
}

func (b *Backend) flush() error {
	if b.queues == nil {
		return nil
	}
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	log := b.deps.LogManager.WriteLog
	return errors.Join(
		writeQueue(b.deps.DB, b.queues.Commands, "commands", log),
		writeQueue(b.deps.DB, b.queues.Snapshots, "snapshots", log),
	)
}

// writerLoop periodically drains the queues into the DB.
func (b *Backend) writerLoop() {
	defer close(b.done)
	ticker := time.NewTicker(b.deps.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			_ = b.flush()
		}
	}
}

func compressLZ4(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(src); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressLZ4(src []byte, size int) ([]byte, error) {
	out := bytes.NewBuffer(make([]byte, 0, size))
	if _, err := io.Copy(out, lz4.NewReader(bytes.NewReader(src))); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
