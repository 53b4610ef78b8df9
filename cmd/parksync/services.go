package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/parksync/parksync/internal/channel"
	"github.com/parksync/parksync/internal/config"
	"github.com/parksync/parksync/internal/dispatcher"
	"github.com/parksync/parksync/internal/handlers"
	"github.com/parksync/parksync/internal/influx"
	"github.com/parksync/parksync/internal/session"
	"github.com/parksync/parksync/internal/snapshot"
	"github.com/parksync/parksync/internal/snapshot/redisboard"
	"github.com/parksync/parksync/internal/worker"
)

const notificationBuffer = 1024

// useSessionLogging rebuilds the logger so every record carries the session
// and the current command stream position.
func useSessionLogging(sess *session.Context, d *dispatcher.Dispatcher) {
	SlogManager.SetContextProvider(func() []slog.Attr {
		return []slog.Attr{
			slog.String("session", sess.ID()),
			slog.String("mode", sess.Mode()),
			slog.Uint64("tick", d.Tick()),
			slog.Uint64("order_key", d.LastOrderKey()),
		}
	})
	setupLogging()
}

func newDetector(cadence uint64, d *dispatcher.Dispatcher) *snapshot.Detector {
	return snapshot.NewDetector(snapshot.DetectorConfig{
		Cadence:     cadence,
		Window:      Settings.Snapshot.Window,
		Diagnostics: Settings.Snapshot.Diagnostics,
	}, d.RecentOrderKeys)
}

// historyOption keeps enough order keys for a desync report.
func historyOption() dispatcher.Option {
	return dispatcher.WithHistory(max(64, Settings.Snapshot.Diagnostics))
}

// newBoard connects the fingerprint board when Redis is enabled. A board
// that cannot connect is logged and skipped.
func newBoard() (worker.Board, func()) {
	if !Settings.Redis.Enabled {
		return nil, func() {}
	}
	cfg := redisboard.DefaultConfig()
	cfg.URL = Settings.Redis.URL
	if Settings.Redis.PoolSize > 0 {
		cfg.PoolSize = Settings.Redis.PoolSize
	}
	if Settings.Redis.TTLSec > 0 {
		cfg.TTL = time.Duration(Settings.Redis.TTLSec) * time.Second
	}
	board, err := redisboard.New(cfg)
	if err != nil {
		Logger.Warn("Fingerprint board unavailable", "error", err)
		return nil, func() {}
	}
	Logger.Info("Publishing fingerprints to Redis", "url", cfg.URL)
	return board, func() { _ = board.Close() }
}

// newInflux connects InfluxDB when enabled, falling back to a backup file
// in the logs directory.
func newInflux() *influx.Manager {
	if !config.GetBool("influx.enabled") {
		return nil
	}
	backup := filepath.Join(Settings.LogsDir, fmt.Sprintf("influx_%s.lp.gz", SessionStartTime.Format("20060102_150405")))
	m := influx.NewManager(ZLogger, backup)
	if err := m.Connect(); err != nil {
		Logger.Warn("InfluxDB unavailable", "error", err)
		return nil
	}
	return m
}

// consumeNotifications drains dispatcher notifications until ctx is done.
// The worker reacts to them; out, when set, gets a line per notification.
func consumeNotifications(ctx context.Context, notes channel.Receiver[dispatcher.Notification], mgr *worker.Manager, out io.Writer) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-notes.Receive():
			mgr.HandleNotification(n)
			switch n.Event {
			case dispatcher.EventDesync, dispatcher.EventPeerDropped:
				Logger.Warn("Session event", "event", n.Event.String(), "detail", n.String())
			default:
				Logger.Debug("Session event", "event", n.Event.String(), "detail", n.String())
			}
			if out != nil {
				fmt.Fprintln(out, n.String())
			}
		}
	}
}

// printResult reports one script line on out.
func printResult(out io.Writer) func(handlers.ScriptResult) {
	return func(r handlers.ScriptResult) {
		if r.Err != nil {
			fmt.Fprintf(out, "line %d: %v\n", r.Line, r.Err)
			return
		}
		fmt.Fprintf(out, "line %d: accepted as %d\n", r.Line, r.OrderKey)
	}
}
