package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/parksync/parksync/internal/database"
	"github.com/parksync/parksync/internal/session"
	"github.com/parksync/parksync/internal/storage"
	gormstorage "github.com/parksync/parksync/internal/storage/gorm"
	"github.com/parksync/parksync/internal/storage/memory"
	pgstorage "github.com/parksync/parksync/internal/storage/postgres"
	sqlitestorage "github.com/parksync/parksync/internal/storage/sqlite"
	wsstorage "github.com/parksync/parksync/internal/storage/websocket"
)

// closers run after the replay log is closed.
var storageClosers []func() error

func createStorageBackend(sess *session.Context) (storage.Backend, error) {
	cfg := Settings.Replay
	local := memory.Config{
		OutputDir:      cfg.ExportDir,
		CompressOutput: cfg.CompressOutput,
		SessionID:      sess.ID(),
		ServerName:     sess.Info().Name,
	}

	switch cfg.Type {
	case "postgres":
		dbm := database.NewManager(ZLogger)
		dbm.SqliteFilePath = sqliteDumpPath(cfg.Path, sess)
		if err := dbm.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		storageClosers = append(storageClosers, dbm.Close)
		if dbm.ShouldSaveLocal {
			Logger.Warn("Postgres unreachable, recording to SQLite", "dump", dbm.SqliteFilePath)
			return sqlitestorage.NewWithDB(sqlitestorage.Config{
				DumpInterval: time.Duration(cfg.DumpIntervalMs) * time.Millisecond,
				DumpPath:     dbm.SqliteFilePath,
				SessionID:    sess.ID(),
				ServerName:   sess.Info().Name,
			}, dbm.DB, SlogManager), nil
		}
		Logger.Info("Postgres storage backend initialized")
		return pgstorage.New(pgstorage.Dependencies{
			DB:         dbm.DB,
			LogManager: SlogManager,
			SessionID:  sess.ID(),
			ServerName: sess.Info().Name,
		}), nil

	case "sqlite":
		backend, err := sqlitestorage.New(sqlitestorage.Config{
			DumpInterval: time.Duration(cfg.DumpIntervalMs) * time.Millisecond,
			DumpPath:     sqliteDumpPath(cfg.Path, sess),
			SessionID:    sess.ID(),
			ServerName:   sess.Info().Name,
		}, SlogManager)
		if err != nil {
			return nil, fmt.Errorf("failed to create SQLite backend: %w", err)
		}
		Logger.Info("SQLite storage backend initialized")
		return backend, nil

	case "stream":
		Logger.Info("Streaming storage backend initialized", "url", cfg.StreamURL)
		return wsstorage.New(wsstorage.Config{
			URL:        cfg.StreamURL,
			Secret:     cfg.StreamSecret,
			SessionID:  sess.ID(),
			ServerName: sess.Info().Name,
			Local:      local,
		}, Logger.With("component", "stream")), nil

	case "memory", "":
		Logger.Info("Memory storage backend initialized")
		return memory.New(local), nil

	default:
		return nil, fmt.Errorf("unknown replay.type %q", cfg.Type)
	}
}

func closeStorage(b storage.Backend) {
	if b == nil {
		return
	}
	if err := b.Close(); err != nil {
		Logger.Error("Failed to close replay log", "error", err)
	}
	if up, ok := b.(storage.Uploadable); ok && up.GetExportedFilePath() != "" {
		Logger.Info("Replay written", "path", up.GetExportedFilePath())
	}
	for _, c := range storageClosers {
		if err := c(); err != nil {
			Logger.Warn("Failed to close database", "error", err)
		}
	}
	storageClosers = nil
}

// sqliteDumpPath puts the session id into the configured file name so
// consecutive sessions do not overwrite each other.
func sqliteDumpPath(path string, sess *session.Context) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	if ext == "" {
		ext = ".db"
	}
	return fmt.Sprintf("%s_%s%s", base, sess.ID(), ext)
}

// openReplay opens a finished replay log for reading: an export written by
// the memory backend, or a SQLite dump. sessionID picks the session in a
// dump; the newest one is used when it is empty.
func openReplay(path, sessionID string) (storage.Backend, error) {
	if !strings.HasSuffix(path, ".db") {
		b, err := memory.ImportFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		return b, nil
	}

	db, err := database.GetSqliteDBStandalone(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if sessionID == "" {
		sessions, err := pgstorage.New(pgstorage.Dependencies{DB: db, LogManager: SlogManager}).Sessions()
		if err != nil {
			return nil, err
		}
		if len(sessions) == 0 {
			return nil, errors.New("no sessions recorded in " + path)
		}
		sessionID = sessions[0].SessionID
	}
	b := gormstorage.New(gormstorage.Dependencies{DB: db, LogManager: SlogManager, SessionID: sessionID})
	if err := b.Init(); err != nil {
		return nil, err
	}
	return b, nil
}

// toMemory copies any replay log into a memory backend so it can be
// exported in the archive format.
func toMemory(src storage.Backend, cfg memory.Config) (*memory.Backend, error) {
	dst := memory.New(cfg)
	var acked uint64
	for e, err := range src.Iterate() {
		if err != nil {
			return nil, err
		}
		switch e.Kind {
		case storage.EntryCommand:
			if err := dst.Append(e.OrderKey, e.Tick, e.Command); err != nil {
				return nil, err
			}
			if e.Acknowledged {
				acked = e.OrderKey
			}
		case storage.EntrySnapshot:
			if err := dst.AppendSnapshot(e.Snapshot); err != nil {
				return nil, err
			}
		}
	}
	if err := dst.Acknowledge(acked); err != nil {
		return nil, err
	}
	return dst, nil
}
