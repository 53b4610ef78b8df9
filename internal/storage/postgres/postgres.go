// Package postgres stores the replay log in PostgreSQL. It wraps the GORM
// backend and adds retention and session listing, which only make sense for
// a long-lived shared database.
package postgres

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/parksync/parksync/internal/database"
	"github.com/parksync/parksync/internal/logging"
	gormstorage "github.com/parksync/parksync/internal/storage/gorm"
)

// Dependencies holds all dependencies for the Postgres storage backend.
type Dependencies struct {
	DB         *gorm.DB
	LogManager *logging.SlogManager
	SessionID  string
	ServerName string
}

// Backend implements storage.Backend on PostgreSQL.
type Backend struct {
	*gormstorage.Backend
	deps Dependencies
}

// New creates a new Postgres storage backend. The connection is opened by
// Init when Dependencies.DB is nil.
func New(deps Dependencies) *Backend {
	if deps.LogManager == nil {
		deps.LogManager = logging.NewSlogManager()
	}
	return &Backend{deps: deps}
}

// Init connects, migrates and starts the writer.
func (b *Backend) Init() error {
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

	b.Backend = gormstorage.New(gormstorage.Dependencies{
		DB:         b.deps.DB,
		LogManager: b.deps.LogManager,
		SessionID:  b.deps.SessionID,
		ServerName: b.deps.ServerName,
	})
	if err := b.Backend.Init(); err != nil {
		return err
	}

	if b.deps.DB.Name() == "postgres" {
		if err := b.deps.DB.Exec(`CREATE INDEX IF NOT EXISTS idx_command_params ON command_records USING GIN (params jsonb_path_ops);`).Error; err != nil {
			b.deps.LogManager.WriteLog("postgres:Init", fmt.Sprintf("Failed to create params index: %v", err), "WARN")
		}
	}
	return nil
}

// Close flushes and stops the writer.
func (b *Backend) Close() error {
	if b.Backend == nil {
		return nil
	}
	return b.Backend.Close()
}

// Sessions lists recorded sessions, newest first.
func (b *Backend) Sessions() ([]gormstorage.ReplaySession, error) {
	var out []gormstorage.ReplaySession
	if err := b.deps.DB.Order("started_at desc").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return out, nil
}

// Prune deletes sessions started before cutoff, except the current one, and
// returns how many were removed.
func (b *Backend) Prune(cutoff time.Time) (int64, error) {
	var removed int64
	err := b.deps.DB.Transaction(func(tx *gorm.DB) error {
		var ids []uint
		q := tx.Model(&gormstorage.ReplaySession{}).Where("started_at < ?", cutoff)
		if b.Backend != nil {
			q = q.Where("id <> ?", b.Session().ID)
		}
		if err := q.Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("session_ref IN ?", ids).Delete(&gormstorage.CommandRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("session_ref IN ?", ids).Delete(&gormstorage.SnapshotRecord{}).Error; err != nil {
			return err
		}
		res := tx.Where("id IN ?", ids).Delete(&gormstorage.ReplaySession{})
		removed = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("pruning sessions: %w", err)
	}
	return removed, nil
}
