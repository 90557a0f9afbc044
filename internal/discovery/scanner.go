package discovery

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/zrolabs/zrocontrol/internal/ecp"
	"github.com/zrolabs/zrocontrol/internal/metrics"
	"github.com/zrolabs/zrocontrol/internal/storage"
)

// ScannerConfig controls the periodic scan loop.
type ScannerConfig struct {
	Interval    time.Duration
	ScanTimeout time.Duration
	InfoTimeout time.Duration
}

// Scanner runs discovery scan cycles on a fixed cadence, feeding results
// through the cache and persisting each resulting snapshot.
type Scanner struct {
	cache   *Cache
	devices storage.DeviceStore
	cfg     ScannerConfig
	logger  zerolog.Logger
	stop    chan struct{}
	done    chan struct{}
}

// NewScanner creates a scanner. Call Start to begin scanning.
func NewScanner(cache *Cache, devices storage.DeviceStore, cfg ScannerConfig, logger zerolog.Logger) *Scanner {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Scanner{
		cache:   cache,
		devices: devices,
		cfg:     cfg,
		logger:  logger.With().Str("component", "scanner").Logger(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start seeds the cache from the persisted snapshot and begins the scan
// loop. A missing or unreadable snapshot is treated as empty history.
func (s *Scanner) Start(ctx context.Context) {
	persisted, err := s.devices.List(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Could not load persisted device snapshot, starting empty")
	} else {
		s.cache.Seed(persisted)
		s.logger.Info().Int("devices", len(persisted)).Msg("Seeded discovery cache from persisted snapshot")
	}

	go s.run(ctx)
	s.logger.Info().Dur("interval", s.cfg.Interval).Msg("Discovery scanner started")
}

// Stop halts the scan loop and waits for the in-flight cycle to finish.
func (s *Scanner) Stop() {
	close(s.stop)
	<-s.done
	s.logger.Info().Msg("Discovery scanner stopped")
}

func (s *Scanner) run(ctx context.Context) {
	defer close(s.done)

	// First cycle runs immediately so the device list is usable at boot.
	s.cycle(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cycle(ctx)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scanner) cycle(ctx context.Context) {
	results, err := ecp.Discover(ctx, ecp.DiscoverOptions{
		Timeout:     s.cfg.ScanTimeout,
		InfoTimeout: s.cfg.InfoTimeout,
		FetchInfo:   true,
	}, s.logger)
	if err != nil {
		// A failed scan is not an empty scan: skip the cycle entirely so
		// transient socket errors do not count as device misses.
		metrics.ScanCycles.WithLabelValues("error").Inc()
		s.logger.Warn().Err(err).Msg("Discovery scan failed, retrying next cycle")
		return
	}
	metrics.ScanCycles.WithLabelValues("ok").Inc()

	raw := make([]RawDevice, 0, len(results))
	for _, d := range results {
		// A device that answered SSDP but failed the info fetch shows up
		// with only its address. Treat the info fetch as the advisory
		// reachability classification for this cycle.
		reachable := d.Name != "" || d.ModelName != "" || d.ModelNumber != "" || d.SerialNumber != "" || d.UDN != ""
		raw = append(raw, RawDevice{
			Address:   d.IP,
			Name:      d.Name,
			Model:     d.Model(),
			Reachable: reachable,
		})
	}

	s.cache.Ingest(raw)

	snapshot := s.cache.Snapshot()
	if err := s.devices.ReplaceAll(ctx, snapshot); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist device snapshot")
	}

	s.logger.Debug().Int("found", len(results)).Int("known", len(snapshot)).Msg("Scan cycle complete")
}
