package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/parksync/parksync/internal/api"
	"github.com/parksync/parksync/internal/database"
	"github.com/parksync/parksync/internal/replay"
	"github.com/parksync/parksync/internal/storage"
	gormstorage "github.com/parksync/parksync/internal/storage/gorm"
	"github.com/parksync/parksync/internal/storage/memory"
	pgstorage "github.com/parksync/parksync/internal/storage/postgres"
)

func newReplayCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Inspect recorded replay logs",
		Long: `replay works on finished replay logs: exports written by the memory and
stream backends (.jsonl, .jsonl.gz) and SQLite dumps (.db). For a dump,
--session picks the session; the newest one is used by default.`,
	}
	cmd.PersistentFlags().StringVar(&sessionID, "session", "", "Session id inside a SQLite dump")

	cmd.AddCommand(
		newReplayVerifyCmd(&sessionID),
		newReplayReconstructCmd(&sessionID),
		newReplayExportCmd(&sessionID),
		newReplayUploadCmd(&sessionID),
		newReplaySessionsCmd(),
		newReplayMigrateCmd(),
		newReplayPruneCmd(),
	)
	return cmd
}

// withReplay opens path, runs fn and closes the log again.
func withReplay(path, sessionID string, fn func(storage.Backend) error) error {
	b, err := openReplay(replayPath(path), sessionID)
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(b)
}

// replayInfo returns the session id and server name a log was recorded under.
func replayInfo(b storage.Backend) (string, string) {
	switch v := b.(type) {
	case *memory.Backend:
		meta := v.GetExportMetadata()
		return meta.SessionID, meta.ServerName
	case *gormstorage.Backend:
		s := v.Session()
		return s.SessionID, s.ServerName
	}
	return "", ""
}

func newReplayVerifyCmd(sessionID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <file>",
		Short: "Replay a log and re-derive every recorded fingerprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReplay(args[0], *sessionID, func(b storage.Backend) error {
				rep, err := replay.Verify(b)
				if err != nil {
					return err
				}
				printReport(cmd.OutOrStdout(), rep)
				if !rep.OK() {
					return fmt.Errorf("%d of %d snapshots diverge", len(rep.Divergences), rep.Snapshots)
				}
				return nil
			})
		},
	}
}

func printReport(out io.Writer, rep replay.Report) {
	fmt.Fprintf(out, "commands:  %d (last order key %d)\n", rep.Commands, rep.LastKey)
	fmt.Fprintf(out, "snapshots: %d, %d verified\n", rep.Snapshots, rep.Verified)
	for _, d := range rep.Divergences {
		fmt.Fprintf(out, "diverged:  %s\n", d)
	}
}

func newReplayReconstructCmd(sessionID *string) *cobra.Command {
	var key uint64
	cmd := &cobra.Command{
		Use:   "reconstruct <file>",
		Short: "Print the state after a given order key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReplay(args[0], *sessionID, func(b storage.Backend) error {
				target := key
				if target == 0 {
					rep, err := replay.Verify(b)
					if err != nil {
						return err
					}
					target = rep.LastKey
				}
				res, err := replay.Reconstruct(b, target)
				if err != nil {
					return err
				}
				Logger.Info("Reconstructed state", "order_key", res.OrderKey, "tick", res.Tick,
					"base_key", res.BaseKey, "replayed", res.Replayed)
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res.State.Export())
			})
		},
	}
	cmd.Flags().Uint64Var(&key, "key", 0, "Order key to stop after (default: the last one)")
	return cmd
}

func newReplayExportCmd(sessionID *string) *cobra.Command {
	var (
		outDir   string
		compress bool
	)
	cmd := &cobra.Command{
		Use:   "export <file>",
		Short: "Write a log in the archive format",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if outDir == "" {
				outDir = Settings.Replay.ExportDir
			}
			path, _, err := exportReplay(args[0], *sessionID, outDir, compress)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "", "Output directory (default: replay.exportDir)")
	cmd.Flags().BoolVar(&compress, "gzip", true, "Compress the export")
	return cmd
}

// exportReplay converts any replay log into an archive export in outDir and
// returns its path and upload metadata.
func exportReplay(path, sessionID, outDir string, compress bool) (string, storage.UploadMetadata, error) {
	var (
		exported string
		meta     storage.UploadMetadata
	)
	err := withReplay(path, sessionID, func(b storage.Backend) error {
		id, name := replayInfo(b)
		m, err := toMemory(b, memory.Config{
			OutputDir:      outDir,
			CompressOutput: compress,
			SessionID:      id,
			ServerName:     name,
		})
		if err != nil {
			return err
		}
		if err := m.Close(); err != nil {
			return fmt.Errorf("writing export: %w", err)
		}
		exported = m.GetExportedFilePath()
		meta = m.GetExportMetadata()
		meta.Duration = recordedDuration(b)
		return nil
	})
	return exported, meta, err
}

// recordedDuration is the span of ticks the log covers at the configured
// tick interval.
func recordedDuration(b storage.Backend) time.Duration {
	var first, last uint64
	seen := false
	for e, err := range b.Iterate() {
		if err != nil {
			break
		}
		if !seen {
			first, seen = e.Tick, true
		}
		last = e.Tick
	}
	return time.Duration(last-first) * Settings.TickInterval()
}

func newReplayUploadCmd(sessionID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a log to the replay archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if Settings.API.ServerURL == "" {
				return errors.New("api.serverUrl is not set")
			}
			client := api.New(Settings.API.ServerURL, Settings.API.APIKey,
				api.WithRetries(Settings.API.Retries, time.Second))
			if err := client.Healthcheck(cmd.Context()); err != nil {
				return fmt.Errorf("archive unreachable: %w", err)
			}

			tmp, err := os.MkdirTemp("", "parksync-upload-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(tmp)

			path, meta, err := exportReplay(args[0], *sessionID, tmp, true)
			if err != nil {
				return err
			}
			Logger.Info("Uploading replay", "session", meta.SessionID, "commands", meta.Commands, "snapshots", meta.Snapshots)
			rec, err := client.Upload(cmd.Context(), path, meta)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "uploaded session %s (%d commands) as %s\n", meta.SessionID, meta.Commands, rec.ID)
			return nil
		},
	}
}

func newReplaySessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions <file.db>",
		Short: "List the sessions in a SQLite dump",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := database.GetSqliteDBStandalone(replayPath(args[0]))
			if err != nil {
				return err
			}
			sessions, err := pgstorage.New(pgstorage.Dependencies{DB: db, LogManager: SlogManager}).Sessions()
			if err != nil {
				return err
			}
			for _, s := range sessions {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  acked %d  %q\n",
					s.SessionID, s.StartedAt.Format(time.RFC3339), s.AckedKey, s.ServerName)
			}
			return nil
		},
	}
}

func newReplayMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate [dir]",
		Short: "Copy sessions from local SQLite dumps into Postgres",
		Long: `migrate copies every session found in the .db files of dir (default: the
directory of replay.path) into the Postgres database configured under db.*.
Sessions already present in Postgres are skipped.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := dumpDir()
			if len(args) == 1 {
				dir = args[0]
			}
			paths, err := database.GetBackupDBPaths(dir)
			if err != nil {
				return fmt.Errorf("listing dumps in %s: %w", dir, err)
			}
			if len(paths) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no dumps found in", dir)
				return nil
			}
			pg, err := database.GetPostgresDBStandalone()
			if err != nil {
				return fmt.Errorf("failed to connect to postgres: %w", err)
			}
			for _, p := range paths {
				n, err := migrateDump(pg, p)
				if err != nil {
					Logger.Error("Migration failed", "path", p, "error", err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d sessions migrated\n", p, n)
			}
			return nil
		},
	}
}

func dumpDir() string {
	return filepath.Dir(Settings.Replay.Path)
}

// migrateDump copies the sessions of one SQLite dump into pg.
func migrateDump(pg *gorm.DB, path string) (int, error) {
	src, err := database.GetSqliteDBStandalone(path)
	if err != nil {
		return 0, err
	}
	sessions, err := pgstorage.New(pgstorage.Dependencies{DB: src, LogManager: SlogManager}).Sessions()
	if err != nil {
		return 0, err
	}
	migrated := 0
	for _, s := range sessions {
		ok, err := migrateSession(src, pg, s)
		if err != nil {
			return migrated, fmt.Errorf("session %s: %w", s.SessionID, err)
		}
		if ok {
			migrated++
		}
	}
	return migrated, nil
}

func migrateSession(src, pg *gorm.DB, s gormstorage.ReplaySession) (bool, error) {
	var existing int64
	if err := pg.Model(&gormstorage.ReplaySession{}).Where("session_id = ?", s.SessionID).Count(&existing).Error; err == nil && existing > 0 {
		Logger.Info("Session already in postgres", "session", s.SessionID)
		return false, nil
	}

	in := gormstorage.New(gormstorage.Dependencies{DB: src, LogManager: SlogManager, SessionID: s.SessionID})
	if err := in.Init(); err != nil {
		return false, err
	}
	defer in.Close()

	out := pgstorage.New(pgstorage.Dependencies{
		DB:         pg,
		LogManager: SlogManager,
		SessionID:  s.SessionID,
		ServerName: s.ServerName,
	})
	if err := out.Init(); err != nil {
		return false, err
	}
	for e, err := range in.Iterate() {
		if err != nil {
			_ = out.Close()
			return false, err
		}
		switch e.Kind {
		case storage.EntryCommand:
			err = out.Append(e.OrderKey, e.Tick, e.Command)
		case storage.EntrySnapshot:
			err = out.AppendSnapshot(e.Snapshot)
		}
		if err != nil {
			_ = out.Close()
			return false, err
		}
	}
	if err := out.Acknowledge(s.AckedKey); err != nil {
		_ = out.Close()
		return false, err
	}
	return true, out.Close()
}

func newReplayPruneCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old sessions from Postgres",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			db, err := database.GetPostgresDBStandalone()
			if err != nil {
				return fmt.Errorf("failed to connect to postgres: %w", err)
			}
			removed, err := pgstorage.New(pgstorage.Dependencies{DB: db, LogManager: SlogManager}).
				Prune(time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d sessions removed\n", removed)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Remove sessions started before now minus this")
	return cmd
}
