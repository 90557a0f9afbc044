package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/zrolabs/zrocontrol/internal/api"
	"github.com/zrolabs/zrocontrol/internal/config"
	"github.com/zrolabs/zrocontrol/internal/discovery"
	"github.com/zrolabs/zrocontrol/internal/ecp"
	"github.com/zrolabs/zrocontrol/internal/metrics"
	"github.com/zrolabs/zrocontrol/internal/probe"
	"github.com/zrolabs/zrocontrol/internal/storage"
	"github.com/zrolabs/zrocontrol/internal/storage/bolt"
	"github.com/zrolabs/zrocontrol/internal/storage/redis"
	"github.com/zrolabs/zrocontrol/internal/systemd"
	"github.com/zrolabs/zrocontrol/internal/tracking"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the zrocontrol server",
	Long:  `Start the zrocontrol server: background device discovery, watch tracking, the control API, and metrics.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting zrocontrol")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("path", cfg.Storage.Path).
		Msg("Storage initialized")

	// Device protocol client pool: a standard tier for interactive
	// commands and a fast tier for polls and probes.
	pool, err := ecp.NewPool(
		cfg.Device.ClientCacheSize,
		parseDuration(cfg.Device.CommandTimeout, 3*time.Second),
		parseDuration(cfg.Device.ProbeTimeout, 1500*time.Millisecond),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize client pool: %w", err)
	}

	prober := probe.New(pool, logger)

	// Discovery cache and scanner
	cache := discovery.NewCache(logger)
	scanner := discovery.NewScanner(cache, store.Devices(), discovery.ScannerConfig{
		Interval:    parseDuration(cfg.Discovery.Interval, 30*time.Second),
		ScanTimeout: parseDuration(cfg.Discovery.ScanTimeout, 2*time.Second),
		InfoTimeout: parseDuration(cfg.Discovery.InfoTimeout, time.Second),
	}, logger)

	scanCtx, cancelScan := context.WithCancel(context.Background())
	defer cancelScan()
	scanner.Start(scanCtx)
	logger.Info().Msg("Discovery scanner started")

	// Session engine and poller
	engine := tracking.NewEngine(store.Sessions(), tracking.EngineConfig{
		SilenceWindow: parseDuration(cfg.Tracking.SilenceWindow, tracking.DefaultSilenceWindow),
	}, logger)

	poller := tracking.NewPoller(pool, prober, engine, tracking.PollerConfig{
		PollInterval:      parseDuration(cfg.Tracking.PollInterval, 5*time.Second),
		HeartbeatInterval: parseDuration(cfg.Tracking.HeartbeatInterval, 30*time.Second),
	}, logger)

	views := tracking.NewViews(store.Sessions(), engine, cfg.Tracking.HistoryLimit)
	ranker := tracking.NewRanker(store.Sessions(), engine)

	logger.Info().Msg("Watch tracking initialized")

	// API server
	apiServer := api.NewServer(api.Config{
		ListenAddr:     fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.HTTPPort),
		CommandTimeout: parseDuration(cfg.Device.CommandTimeout, 3*time.Second),
		RecentLimit:    cfg.Tracking.RecentLimit,
	}, cache, pool, prober, engine, poller, views, ranker, logger)

	if sdListeners.Activated && sdListeners.HTTP != nil {
		apiServer.SetListener(sdListeners.HTTP)
	}
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	// Metrics server
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, logger)
	if sdListeners.Activated && sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}
	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	logger.Info().Msg("zrocontrol startup complete")
	logger.Info().Msgf("API: http://%s:%d/api/devices", cfg.Server.BindAddress, cfg.Server.HTTPPort)
	logger.Info().Msgf("Metrics: http://%s/metrics", metricsAddr)

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received, gracefully stopping...")

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	// Stop intake first, then flush sessions, then close the servers.
	cancelScan()
	scanner.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	poller.Stop(shutdownCtx)
	engine.Stop()

	if err := apiServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}
	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping metrics server")
	}

	logger.Info().Msg("zrocontrol stopped")

	return nil
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "bolt", "":
		return bolt.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
