package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/parksync/parksync/internal/channel"
	"github.com/parksync/parksync/internal/config"
	"github.com/parksync/parksync/internal/dispatcher"
	"github.com/parksync/parksync/internal/handlers"
	"github.com/parksync/parksync/internal/logging"
	"github.com/parksync/parksync/internal/monitor"
	"github.com/parksync/parksync/internal/replication"
	"github.com/parksync/parksync/internal/session"
	"github.com/parksync/parksync/internal/state"
	"github.com/parksync/parksync/internal/worker"
	"github.com/parksync/parksync/pkg/wire"
)

func newServeCmd() *cobra.Command {
	var (
		listen string
		script string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authority",
		Long: `serve runs the authority: it accepts peers on the replication endpoint,
orders every command, records the replay log and serves the query API.
A script of commands can be submitted as the host player.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				config.Set("session.listen", listen)
				Settings.Session.Listen = listen
			}
			return runServe(cmd.Context(), script)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides session.listen)")
	cmd.Flags().StringVar(&script, "script", "", "File of commands to submit as the host, one per line")
	return cmd
}

func replicationConfig() replication.Config {
	rc := Settings.Replication
	return replication.Config{
		Strict:        rc.Strict,
		Backlog:       rc.Backlog,
		AckTimeout:    time.Duration(rc.AckTimeoutMs) * time.Millisecond,
		PingInterval:  time.Duration(rc.PingIntervalMs) * time.Millisecond,
		SubmitRate:    rc.SubmitRate,
		SubmitBurst:   rc.SubmitBurst,
		KnownKeysOnly: Settings.Server.KnownKeysOnly,
		KnownKeys:     Settings.Server.KnownKeys,
		Cadence:       Settings.Snapshot.Cadence,
	}
}

func runServe(parent context.Context, scriptPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	info := session.Info{
		Name:            Settings.Server.Name,
		Description:     Settings.Server.Description,
		ProviderName:    Settings.Server.ProviderName,
		ProviderEmail:   Settings.Server.ProviderEmail,
		ProviderWebsite: Settings.Server.ProviderWebsite,
	}
	sess := session.NewContext(dispatcher.ModeAuthority.String(), info)
	Logger.Info("Starting session", "session", sess.ID(), "server", info.Name)

	backend, err := createStorageBackend(sess)
	if err != nil {
		return err
	}
	if err := backend.Init(); err != nil {
		return fmt.Errorf("failed to initialize replay log: %w", err)
	}
	defer closeStorage(backend)

	// mgr is set before the hub starts accepting peers.
	var mgr *worker.Manager
	hub := replication.NewHub(replicationConfig(), Logger.With("component", "hub"),
		replication.WithSession(sess.ID(), info.Wire()),
		replication.WithFingerprintHandler(func(peer string, fp wire.FingerprintMessage) {
			mgr.OnPeerFingerprint(peer, fp.Snapshot())
		}))
	defer hub.Close()

	notes := channel.New[dispatcher.Notification](notificationBuffer)
	opts := []dispatcher.Option{
		dispatcher.WithReplicator(hub),
		dispatcher.WithRecorder(backend),
		dispatcher.WithNotifications(notes),
		historyOption(),
	}
	if Settings.Server.LogServerActions {
		opts = append(opts, dispatcher.WithServerActionLog())
	}
	d, err := dispatcher.New(dispatcher.ModeAuthority, state.NewDefault(Settings.Session.PlayerName),
		logging.NewDispatcherLogger(Logger.With("component", "dispatcher")), opts...)
	if err != nil {
		return err
	}
	hub.Attach(d)
	useSessionLogging(sess, d)

	board, closeBoard := newBoard()
	defer closeBoard()

	mgr, err = worker.NewManager(worker.Dependencies{
		Dispatcher:  d,
		Backend:     backend,
		Detector:    newDetector(Settings.Snapshot.Cadence, d),
		Hub:         hub,
		Board:       board,
		LogManager:  SlogManager,
		SessionID:   sess.ID(),
		Participant: "authority",
		StateEvery:  Settings.Snapshot.StateEvery,
		Interval:    Settings.TickInterval(),
	})
	if err != nil {
		return err
	}
	if err := mgr.Baseline(); err != nil {
		return fmt.Errorf("recording baseline: %w", err)
	}
	go consumeNotifications(ctx, notes, mgr, nil)

	im := newInflux()
	if im != nil {
		defer im.Close()
	}
	mon := monitor.NewService(monitor.Dependencies{
		LogManager:    SlogManager,
		Session:       sess,
		Dispatcher:    d,
		WorkerManager: mgr,
		Replication:   hub,
		Influx:        im,
		StatusDir:     Settings.LogsDir,
	})
	if err := mon.Start(); err != nil {
		Logger.Warn("Status monitor not started", "error", err)
	}
	defer mon.Stop()

	svc := handlers.NewService(handlers.Dependencies{
		Dispatcher: d,
		Session:    sess,
		Peers:      hub,
		LogManager: SlogManager,
	})

	router := handlers.NewRouter(handlers.RouterConfig{
		Logger:  Logger.With("component", "http"),
		Service: svc,
		Status:  func(now time.Time) any { return mon.GetStatus(now) },
		Sync:    hub,
	})
	server := &http.Server{
		Addr:              Settings.Session.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	Logger.Info("Authority listening", "addr", Settings.Session.Listen)

	if scriptPath != "" {
		host, _ := d.ServerPlayer()
		go func() {
			f, err := os.Open(scriptPath)
			if err != nil {
				Logger.Error("Failed to open script", "path", scriptPath, "error", err)
				return
			}
			defer f.Close()
			if err := svc.RunScript(ctx, host, f, printResult(os.Stdout)); err != nil && ctx.Err() == nil {
				Logger.Error("Script failed", "error", err)
			}
		}()
	}

	runDone := make(chan error, 1)
	go func() { runDone <- mgr.Run(ctx) }()

	select {
	case <-ctx.Done():
		Logger.Info("Shutdown signal received")
	case err = <-errCh:
	case err = <-runDone:
		runDone = nil
	}
	stop()
	if runDone != nil {
		<-runDone
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		Logger.Warn("HTTP shutdown", "error", serr)
	}
	stats := mgr.Stats()
	Logger.Info("Session ended", "ticks", stats.Ticks, "snapshots", stats.Snapshots,
		"desyncs", stats.Desyncs, "last_order_key", d.LastOrderKey())
	return err
}
