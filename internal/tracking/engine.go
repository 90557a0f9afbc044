package tracking

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zrolabs/zrocontrol/internal/metrics"
	"github.com/zrolabs/zrocontrol/internal/storage"
)

const (
	// DefaultSilenceWindow is how long an open session may go without a
	// successful observation before it is implicitly closed. Sized for a
	// 5s poll cadence with a generous miss tolerance.
	DefaultSilenceWindow = 90 * time.Second

	// sweepInterval is how often the engine looks for silent sessions.
	sweepInterval = 15 * time.Second
)

type pairKey struct {
	deviceID string
	userID   string
}

// pairState is the per-(device, user) state machine. open == nil is the
// Idle state. All transitions for one pair run under mu; pairs proceed
// independently. wmu orders closed-record appends without keeping mu
// held across storage I/O.
type pairState struct {
	mu             sync.Mutex
	wmu            sync.Mutex
	open           *OpenSession
	lastObservedAt time.Time
}

// Engine converts app observations and offline events into discrete,
// non-overlapping watch sessions. It is the only writer of closed
// sessions to storage. After a restart the engine resumes Idle for every
// pair; at most one in-flight session is lost, never double-counted.
type Engine struct {
	sessions storage.SessionStore

	mu    sync.Mutex
	pairs map[pairKey]*pairState

	silenceWindow time.Duration
	now           func() time.Time
	logger        zerolog.Logger
	stopChan      chan struct{}
	stopOnce      sync.Once
}

// EngineConfig holds engine tuning.
type EngineConfig struct {
	SilenceWindow time.Duration
}

// NewEngine creates a session engine and starts its silence sweeper.
func NewEngine(sessions storage.SessionStore, cfg EngineConfig, logger zerolog.Logger) *Engine {
	if cfg.SilenceWindow <= 0 {
		cfg.SilenceWindow = DefaultSilenceWindow
	}
	e := &Engine{
		sessions:      sessions,
		pairs:         make(map[pairKey]*pairState),
		silenceWindow: cfg.SilenceWindow,
		now:           time.Now,
		logger:        logger.With().Str("component", "session-engine").Logger(),
		stopChan:      make(chan struct{}),
	}
	go e.sweepSilent()
	return e
}

// Stop halts the background sweeper. Open sessions are left to the
// caller to close via StopTracking.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopChan) })
}

func (e *Engine) pair(deviceID, userID string) *pairState {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := pairKey{deviceID: deviceID, userID: userID}
	state, ok := e.pairs[key]
	if !ok {
		state = &pairState{}
		e.pairs[key] = state
	}
	return state
}

// Observe feeds one active-app observation into the pair's state
// machine. A nil app means the device is on the home screen, which
// closes any open session. Observing the app already open refreshes the
// observation clock without emitting a transition.
func (e *Engine) Observe(ctx context.Context, deviceID, userID string, app *AppSnapshot) error {
	return e.ObserveIf(ctx, deviceID, userID, app, nil)
}

// ObserveIf is Observe with a subscription re-check. A non-nil
// stillWatched is evaluated under the pair lock: a false result drops
// the observation, so an untrack that closed the session after the
// caller snapshotted its subscriber list cannot be trailed by a
// reopened, orphaned session.
func (e *Engine) ObserveIf(ctx context.Context, deviceID, userID string, app *AppSnapshot, stillWatched func() bool) error {
	state := e.pair(deviceID, userID)
	now := e.now()

	state.mu.Lock()

	if stillWatched != nil && !stillWatched() {
		state.mu.Unlock()
		return nil
	}

	state.lastObservedAt = now

	switch {
	case app == nil:
		if state.open == nil {
			state.mu.Unlock()
			return nil
		}
		record := e.closeLocked(deviceID, userID, state, now, CloseAppExited)
		return e.persistClosed(ctx, state, record, CloseAppExited)
	case state.open == nil:
		e.openLocked(deviceID, userID, state, app, now)
		state.mu.Unlock()
		return nil
	case state.open.AppID == app.AppID:
		// Duplicate observation: suppressed, no transition.
		state.mu.Unlock()
		return nil
	default:
		record := e.closeLocked(deviceID, userID, state, now, CloseAppChanged)
		e.openLocked(deviceID, userID, state, app, now)
		return e.persistClosed(ctx, state, record, CloseAppChanged)
	}
}

// MarkUnreachable closes the pair's open session because the device went
// offline. The close time is the last successful observation, not "now",
// so detection latency never inflates recorded durations.
func (e *Engine) MarkUnreachable(ctx context.Context, deviceID, userID string) error {
	state := e.pair(deviceID, userID)

	state.mu.Lock()
	if state.open == nil {
		state.mu.Unlock()
		return nil
	}
	record := e.closeLocked(deviceID, userID, state, state.lastObservedAt, CloseUnreachable)
	return e.persistClosed(ctx, state, record, CloseUnreachable)
}

// StopTracking closes the pair's open session at its last observed time.
// Used when a device is deselected; the in-flight session is recorded,
// not discarded.
func (e *Engine) StopTracking(ctx context.Context, deviceID, userID string) error {
	state := e.pair(deviceID, userID)

	state.mu.Lock()
	if state.open == nil {
		state.mu.Unlock()
		return nil
	}
	record := e.closeLocked(deviceID, userID, state, state.lastObservedAt, CloseUntracked)
	return e.persistClosed(ctx, state, record, CloseUntracked)
}

// Current returns a copy of the pair's open session, if any.
func (e *Engine) Current(deviceID, userID string) *OpenSession {
	state := e.pair(deviceID, userID)

	state.mu.Lock()
	defer state.mu.Unlock()

	if state.open == nil {
		return nil
	}
	open := *state.open
	return &open
}

// OpenSessions returns the live sessions across all pairs of a device,
// for merging into derived views.
func (e *Engine) OpenSessions(deviceID string) []OpenSession {
	e.mu.Lock()
	states := make([]*pairState, 0)
	for key, state := range e.pairs {
		if key.deviceID == deviceID {
			states = append(states, state)
		}
	}
	e.mu.Unlock()

	open := make([]OpenSession, 0, len(states))
	for _, state := range states {
		state.mu.Lock()
		if state.open != nil {
			open = append(open, *state.open)
		}
		state.mu.Unlock()
	}
	return open
}

func (e *Engine) openLocked(deviceID, userID string, state *pairState, app *AppSnapshot, now time.Time) {
	state.open = &OpenSession{
		AppID:     app.AppID,
		AppName:   app.AppName,
		StartTime: now,
	}
	metrics.SessionsOpened.WithLabelValues(deviceID).Inc()
	e.logger.Info().
		Str("device", deviceID).
		Str("user", userID).
		Str("app", app.AppID).
		Msg("Opened watch session")
}

// closeLocked returns the pair to Idle and builds the closed record.
// Must be called with the pair state lock held; the caller hands the
// record to persistClosed. The end time is clamped so a closed session
// never ends before it started.
func (e *Engine) closeLocked(deviceID, userID string, state *pairState, end time.Time, reason CloseReason) storage.WatchSession {
	open := state.open
	state.open = nil

	if end.Before(open.StartTime) {
		end = open.StartTime
	}
	duration := end.Sub(open.StartTime)

	endCopy := end
	record := storage.WatchSession{
		ID:          generateSessionID(),
		DeviceID:    deviceID,
		UserID:      userID,
		AppID:       open.AppID,
		AppName:     open.AppName,
		StartTime:   open.StartTime,
		EndTime:     &endCopy,
		DurationSec: int64(duration.Seconds()),
	}

	metrics.SessionsClosed.WithLabelValues(deviceID, string(reason)).Inc()
	metrics.WatchSecondsRecorded.WithLabelValues(deviceID).Add(float64(record.DurationSec))
	return record
}

// persistClosed appends a closed record. Must be entered with the pair
// state lock held: the pair write lock is taken before the state lock
// is released, so records for one pair land in close order while the
// state lock is never held across storage I/O.
func (e *Engine) persistClosed(ctx context.Context, state *pairState, record storage.WatchSession, reason CloseReason) error {
	state.wmu.Lock()
	state.mu.Unlock()
	defer state.wmu.Unlock()

	if err := e.sessions.Append(ctx, record); err != nil {
		e.logger.Error().
			Err(err).
			Str("device", record.DeviceID).
			Str("user", record.UserID).
			Str("app", record.AppID).
			Msg("Failed to persist closed session")
		return fmt.Errorf("persist closed session: %w", err)
	}

	e.logger.Info().
		Str("device", record.DeviceID).
		Str("user", record.UserID).
		Str("app", record.AppID).
		Str("reason", string(reason)).
		Int64("duration_sec", record.DurationSec).
		Msg("Closed watch session")
	return nil
}

// sweepSilent periodically closes sessions whose device has gone quiet
// beyond the silence window, using the last observation as the end time.
func (e *Engine) sweepSilent() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.sweepOnce(context.Background())
		case <-e.stopChan:
			return
		}
	}
}

func (e *Engine) sweepOnce(ctx context.Context) {
	now := e.now()

	e.mu.Lock()
	type candidate struct {
		key   pairKey
		state *pairState
	}
	candidates := make([]candidate, 0, len(e.pairs))
	for key, state := range e.pairs {
		candidates = append(candidates, candidate{key: key, state: state})
	}
	e.mu.Unlock()

	for _, c := range candidates {
		c.state.mu.Lock()
		if c.state.open == nil || now.Sub(c.state.lastObservedAt) <= e.silenceWindow {
			c.state.mu.Unlock()
			continue
		}
		record := e.closeLocked(c.key.deviceID, c.key.userID, c.state, c.state.lastObservedAt, CloseSilence)
		if err := e.persistClosed(ctx, c.state, record, CloseSilence); err != nil {
			e.logger.Error().Err(err).Str("device", c.key.deviceID).Msg("Silence sweep close failed")
		}
	}
}

func generateSessionID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("s_%d", time.Now().UnixNano())
	}
	return "s_" + hex.EncodeToString(buf)
}
