package main

import (
	"context"
	"fmt"
	"io"
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
)

func newJoinCmd() *cobra.Command {
	var (
		url    string
		name   string
		exit   bool
		events bool
	)
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join an authority as a peer",
		Long: `join connects to an authority, applies the replicated command stream and
submits the commands read from stdin, one per line:

  set_park_name "Pokey Park"
  set_player_group Alice User
  modify_group set_permission 2 kick_player toggle`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if url != "" {
				config.Set("session.serverUrl", url)
				Settings.Session.ServerURL = url
			}
			if name != "" {
				config.Set("session.playerName", name)
				Settings.Session.PlayerName = name
			}
			var out io.Writer
			if events {
				out = cmd.OutOrStdout()
			}
			return runJoin(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), out, exit)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Authority URL (overrides session.serverUrl)")
	cmd.Flags().StringVar(&name, "name", "", "Player name (overrides session.playerName)")
	cmd.Flags().BoolVar(&exit, "exit", false, "Leave once stdin is exhausted")
	cmd.Flags().BoolVar(&events, "events", false, "Print session notifications")
	return cmd
}

func runJoin(parent context.Context, in io.Reader, out, eventsOut io.Writer, exitOnEOF bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rc := Settings.Replication
	client := replication.NewClient(replication.ClientConfig{
		URL:               Settings.Session.ServerURL,
		Name:              Settings.Session.PlayerName,
		KeyFingerprint:    Settings.Session.KeyFingerprint,
		ResendTimeout:     time.Duration(rc.ResendTimeoutMs) * time.Millisecond,
		MaxResendAttempts: rc.MaxResendAttempts,
	}, Logger.With("component", "client"))
	defer client.Close()

	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	welcome, err := client.Dial(dialCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("joining %s: %w", Settings.Session.ServerURL, err)
	}

	sess := session.NewContext(dispatcher.ModePeer.String(), session.Info{})
	sess.Adopt(welcome)
	Logger.Info("Joined session", "session", sess.ID(), "server", sess.Info().Name, "player", welcome.Player)
	fmt.Fprintf(out, "joined %q as player %d\n", sess.Info().Name, welcome.Player)

	backend, err := createStorageBackend(sess)
	if err != nil {
		return err
	}
	if err := backend.Init(); err != nil {
		return fmt.Errorf("failed to initialize replay log: %w", err)
	}
	defer closeStorage(backend)

	notes := channel.New[dispatcher.Notification](notificationBuffer)
	d, err := dispatcher.New(dispatcher.ModePeer, state.New(),
		logging.NewDispatcherLogger(Logger.With("component", "dispatcher")),
		dispatcher.WithForwarder(client),
		dispatcher.WithRecorder(backend),
		dispatcher.WithNotifications(notes),
		historyOption())
	if err != nil {
		return err
	}
	if err := d.Load(welcome.State, dispatcher.Boundary{
		Tick:         welcome.Tick,
		OrderKey:     welcome.OrderKey,
		CommandCount: welcome.TickCount,
	}); err != nil {
		return fmt.Errorf("loading checkpoint: %w", err)
	}
	useSessionLogging(sess, d)

	board, closeBoard := newBoard()
	defer closeBoard()

	mgr, err := worker.NewManager(worker.Dependencies{
		Dispatcher:  d,
		Backend:     backend,
		Detector:    newDetector(welcome.Cadence, d),
		Client:      client,
		Board:       board,
		LogManager:  SlogManager,
		SessionID:   sess.ID(),
		Participant: Settings.Session.PlayerName,
		StateEvery:  Settings.Snapshot.StateEvery,
		Interval:    Settings.TickInterval(),
	})
	if err != nil {
		return err
	}
	if err := mgr.Baseline(); err != nil {
		return fmt.Errorf("recording baseline: %w", err)
	}
	go consumeNotifications(ctx, notes, mgr, eventsOut)

	mon := monitor.NewService(monitor.Dependencies{
		LogManager:    SlogManager,
		Session:       sess,
		Dispatcher:    d,
		WorkerManager: mgr,
		StatusDir:     Settings.LogsDir,
	})
	if err := mon.Start(); err != nil {
		Logger.Warn("Status monitor not started", "error", err)
	}
	defer mon.Stop()

	svc := handlers.NewService(handlers.Dependencies{
		Dispatcher: d,
		Session:    sess,
		LogManager: SlogManager,
	})

	runDone := make(chan error, 1)
	go func() { runDone <- mgr.Run(ctx) }()

	scriptDone := make(chan error, 1)
	go func() { scriptDone <- svc.RunScript(ctx, welcome.Player, in, printResult(out)) }()

	for {
		select {
		case <-ctx.Done():
			stop()
			return <-runDone
		case err := <-runDone:
			stop()
			if err != nil {
				return fmt.Errorf("lost the authority: %w", err)
			}
			return nil
		case err := <-scriptDone:
			scriptDone = nil
			if err != nil && ctx.Err() == nil {
				Logger.Error("Script failed", "error", err)
			}
			if exitOnEOF {
				stop()
				return <-runDone
			}
		}
	}
}
