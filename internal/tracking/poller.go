package tracking

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zrolabs/zrocontrol/internal/ecp"
	"github.com/zrolabs/zrocontrol/internal/metrics"
	"github.com/zrolabs/zrocontrol/internal/probe"
)

// PollerConfig holds polling cadences.
type PollerConfig struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

// deviceWatch is one device's polling loop plus its subscribed users.
type deviceWatch struct {
	cancel context.CancelFunc
	users  map[string]struct{}
}

// Poller runs one polling goroutine per actively tracked device. Each
// successful poll feeds the engine for every user subscribed to that
// device; a heartbeat probe decides offline closes. Loops for different
// devices are fully independent: no failure in one affects another.
type Poller struct {
	pool   *ecp.Pool
	prober *probe.Prober
	engine *Engine
	cfg    PollerConfig
	logger zerolog.Logger

	mu      sync.Mutex
	watches map[string]*deviceWatch
	wg      sync.WaitGroup
}

// NewPoller creates a poller. Devices are added with Track.
func NewPoller(pool *ecp.Pool, prober *probe.Prober, engine *Engine, cfg PollerConfig, logger zerolog.Logger) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Poller{
		pool:    pool,
		prober:  prober,
		engine:  engine,
		cfg:     cfg,
		logger:  logger.With().Str("component", "poller").Logger(),
		watches: make(map[string]*deviceWatch),
	}
}

// Track subscribes a user to a device, starting the device's polling
// loop if it is not already running.
func (p *Poller) Track(ctx context.Context, deviceID, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	watch, ok := p.watches[deviceID]
	if !ok {
		loopCtx, cancel := context.WithCancel(ctx)
		watch = &deviceWatch{
			cancel: cancel,
			users:  make(map[string]struct{}),
		}
		p.watches[deviceID] = watch
		metrics.TrackedDevices.Set(float64(len(p.watches)))

		p.wg.Add(1)
		go p.run(loopCtx, deviceID)
		p.logger.Info().Str("device", deviceID).Msg("Started tracking device")
	}
	watch.users[userID] = struct{}{}
}

// Untrack unsubscribes a user. The user's open session is closed at its
// last observed time, not discarded. When the last user leaves, the
// device's loop stops.
func (p *Poller) Untrack(ctx context.Context, deviceID, userID string) {
	p.mu.Lock()
	watch, ok := p.watches[deviceID]
	if ok {
		delete(watch.users, userID)
		if len(watch.users) == 0 {
			watch.cancel()
			delete(p.watches, deviceID)
			metrics.TrackedDevices.Set(float64(len(p.watches)))
			p.logger.Info().Str("device", deviceID).Msg("Stopped tracking device")
		}
	}
	p.mu.Unlock()

	if err := p.engine.StopTracking(ctx, deviceID, userID); err != nil {
		p.logger.Error().Err(err).Str("device", deviceID).Str("user", userID).Msg("Failed to close session on untrack")
	}
}

// Stop cancels all device loops and closes every open session at its
// last observed time.
func (p *Poller) Stop(ctx context.Context) {
	p.mu.Lock()
	pairs := make(map[string][]string, len(p.watches))
	for deviceID, watch := range p.watches {
		watch.cancel()
		users := make([]string, 0, len(watch.users))
		for userID := range watch.users {
			users = append(users, userID)
		}
		pairs[deviceID] = users
	}
	p.watches = make(map[string]*deviceWatch)
	metrics.TrackedDevices.Set(0)
	p.mu.Unlock()

	p.wg.Wait()

	for deviceID, users := range pairs {
		for _, userID := range users {
			if err := p.engine.StopTracking(ctx, deviceID, userID); err != nil {
				p.logger.Error().Err(err).Str("device", deviceID).Str("user", userID).Msg("Failed to close session on shutdown")
			}
		}
	}
}

// IsTracking reports whether the user is subscribed to the device.
func (p *Poller) IsTracking(deviceID, userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	watch, ok := p.watches[deviceID]
	if !ok {
		return false
	}
	_, ok = watch.users[userID]
	return ok
}

// users returns the current subscriber set for a device.
func (p *Poller) users(deviceID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	watch, ok := p.watches[deviceID]
	if !ok {
		return nil
	}
	users := make([]string, 0, len(watch.users))
	for userID := range watch.users {
		users = append(users, userID)
	}
	return users
}

func (p *Poller) run(ctx context.Context, deviceID string) {
	defer p.wg.Done()

	poll := time.NewTicker(p.cfg.PollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(p.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	// Poll immediately so tracking starts without waiting a full tick.
	p.pollOnce(ctx, deviceID)

	for {
		select {
		case <-poll.C:
			p.pollOnce(ctx, deviceID)
		case <-heartbeat.C:
			p.heartbeatOnce(ctx, deviceID)
		case <-ctx.Done():
			return
		}
	}
}

// pollOnce asks the device for its active app and feeds the observation
// to every subscribed user's state machine. A failed poll closes
// nothing: single misses are expected, and offline detection belongs to
// the heartbeat.
func (p *Poller) pollOnce(ctx context.Context, deviceID string) {
	client, err := p.pool.GetFast(deviceID)
	if err != nil {
		metrics.PollsTotal.WithLabelValues(deviceID, "error").Inc()
		p.logger.Warn().Err(err).Str("device", deviceID).Msg("Poll skipped, bad device address")
		return
	}

	app, err := client.ActiveApp(ctx)
	if err != nil {
		metrics.PollsTotal.WithLabelValues(deviceID, "error").Inc()
		p.logger.Debug().Err(err).Str("device", deviceID).Msg("Poll failed, deferring to heartbeat")
		return
	}
	metrics.PollsTotal.WithLabelValues(deviceID, "ok").Inc()

	var snapshot *AppSnapshot
	if app != nil {
		snapshot = &AppSnapshot{
			DeviceID:   deviceID,
			AppID:      app.ID,
			AppName:    app.Name,
			ObservedAt: time.Now(),
		}
	}

	for _, userID := range p.users(deviceID) {
		// The subscription is re-checked under the pair lock: an untrack
		// landing after the snapshot above must not be trailed by a
		// reopened session nothing will ever feed again.
		still := func() bool { return p.IsTracking(deviceID, userID) }
		if err := p.engine.ObserveIf(ctx, deviceID, userID, snapshot, still); err != nil {
			p.logger.Error().Err(err).Str("device", deviceID).Str("user", userID).Msg("Observation failed")
		}
	}
}

// heartbeatOnce probes device liveness. Anything but Reachable closes
// the subscribers' open sessions at the last successful observation.
func (p *Poller) heartbeatOnce(ctx context.Context, deviceID string) {
	result := p.prober.Check(ctx, deviceID)
	if result.OK() {
		return
	}

	if result.Classification == probe.CheckFailed {
		p.logger.Debug().Err(result.Err).Str("device", deviceID).Msg("Heartbeat check failed, treating as unreachable")
	} else {
		p.logger.Debug().Str("device", deviceID).Msg("Heartbeat reports device unreachable")
	}

	for _, userID := range p.users(deviceID) {
		if err := p.engine.MarkUnreachable(ctx, deviceID, userID); err != nil {
			p.logger.Error().Err(err).Str("device", deviceID).Str("user", userID).Msg("Failed to close session on unreachable")
		}
	}
}
