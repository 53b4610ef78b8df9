package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/parksync/parksync/internal/config"
	"github.com/parksync/parksync/internal/logging"
	intOtel "github.com/parksync/parksync/internal/otel"
)

// module defs - BuildDate can be set at build time via ldflags
var (
	CurrentVersion string = "0.0.1"
	BuildDate      string = "unknown"

	ServiceName string = "parksync"
)

// global variables
var (
	// SlogManager handles all slog-based logging
	SlogManager *logging.SlogManager

	// Logger is the slog logger (convenience reference)
	Logger *slog.Logger

	// ZLogger feeds the database and InfluxDB managers
	ZLogger zerolog.Logger

	// OTelProvider handles OpenTelemetry
	OTelProvider *intOtel.Provider

	LogFilePath string
	LogFile     *os.File

	SessionStartTime time.Time = time.Now()

	// Settings is the decoded configuration
	Settings config.Settings
)

// flags
var (
	configDir string
	logLevel  string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "parksync",
		Short: "Replicated command sessions for a park simulation",
		Long: `parksync runs a lockstep session: an authority orders and replicates
commands, peers apply them in the same order, and both sides fingerprint
their state to detect desyncs. Replay logs can be verified, exported and
uploaded afterwards.`,
		Version: fmt.Sprintf("%s (built %s)", CurrentVersion, BuildDate),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			shutdown()
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", ".", "Directory containing "+config.FileName)
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logLevel (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newJoinCmd())
	rootCmd.AddCommand(newReplayCmd())

	return rootCmd
}

// setup loads the configuration and brings up logging and OTel.
func setup() error {
	SlogManager = logging.NewSlogManager()
	SlogManager.Setup(nil, "info", nil)
	Logger = SlogManager.Logger()

	if err := config.Load(configDir); err != nil {
		Logger.Warn("Failed to load config, using defaults!", "error", err)
	} else {
		Logger.Debug("Loaded config", "dir", configDir)
	}
	if logLevel != "" {
		config.Set("logLevel", logLevel)
	}

	var err error
	Settings, err = config.Current()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(Settings.LogsDir, 0755); err != nil {
		return fmt.Errorf("creating logs dir: %w", err)
	}
	LogFilePath = logging.LogFilePath(Settings.LogsDir, ServiceName, SessionStartTime)

	// keep the previous run's file if the timestamp collides
	if _, err := os.Stat(LogFilePath); err == nil {
		_ = os.Rename(LogFilePath, LogFilePath+".old")
	}
	LogFile, err = os.OpenFile(LogFilePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		Logger.Error("Failed to create/open log file!", "error", err, "path", LogFilePath)
		LogFile = nil
	}

	ZLogger = zerolog.New(os.Stderr).With().Timestamp().Str("service", ServiceName).Logger()
	if LogFile != nil {
		ZLogger = zerolog.New(LogFile).With().Timestamp().Str("service", ServiceName).Logger()
	}

	// Initialize OTel provider if enabled (after log file is created)
	if viper.GetBool("otel.enabled") {
		otelCfg := intOtel.Config{
			Enabled:   true,
			Endpoint:  viper.GetString("otel.endpoint"),
			Insecure:  viper.GetBool("otel.insecure"),
			SetGlobal: true,
		}
		if LogFile != nil {
			otelCfg.LogWriter = LogFile
		}
		OTelProvider, err = intOtel.New(otelCfg)
		if err != nil {
			Logger.Error("Failed to initialize OTel provider", "error", err)
			OTelProvider = nil
		}
	}

	setupLogging()
	Logger.Info("Starting up...", "version", CurrentVersion, "log", LogFilePath)
	return nil
}

// setupLogging (re)builds the logger on the log file and OTel bridge. It
// runs again once a session exists so records carry its attributes.
func setupLogging() {
	var otelLogProvider *sdklog.LoggerProvider
	if OTelProvider != nil {
		otelLogProvider = OTelProvider.LoggerProvider()
	}
	if LogFile != nil {
		SlogManager.Setup(LogFile, Settings.LogLevel, otelLogProvider)
	} else {
		SlogManager.Setup(nil, Settings.LogLevel, otelLogProvider)
	}
	Logger = SlogManager.Logger()
}

func shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if SlogManager != nil {
		_ = SlogManager.Flush(ctx)
	}
	if OTelProvider != nil {
		if err := OTelProvider.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "OTel shutdown: %v\n", err)
		}
	}
	if LogFile != nil {
		_ = LogFile.Close()
	}
}

// replayPath resolves a path relative to the configured export directory
// unless it is absolute or exists as given.
func replayPath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	if _, err := os.Stat(p); err == nil {
		return p
	}
	return filepath.Join(Settings.Replay.ExportDir, p)
}
