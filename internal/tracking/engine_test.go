package tracking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/zrolabs/zrocontrol/internal/storage"
)

// memSessionStore is an in-memory storage.SessionStore for engine tests.
type memSessionStore struct {
	mu     sync.Mutex
	byPair map[string][]storage.WatchSession
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{byPair: make(map[string][]storage.WatchSession)}
}

func (m *memSessionStore) key(deviceID, userID string) string {
	return deviceID + "/" + userID
}

func (m *memSessionStore) Append(_ context.Context, s storage.WatchSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := m.key(s.DeviceID, s.UserID)
	m.byPair[key] = storage.AppendCapped(m.byPair[key], s)
	return nil
}

func (m *memSessionStore) ListByUser(_ context.Context, deviceID, userID string) ([]storage.WatchSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.WatchSession(nil), m.byPair[m.key(deviceID, userID)]...), nil
}

func (m *memSessionStore) ListByDevice(_ context.Context, deviceID string) ([]storage.WatchSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]storage.WatchSession, 0)
	for _, sessions := range m.byPair {
		for _, s := range sessions {
			if s.DeviceID == deviceID {
				all = append(all, s)
			}
		}
	}
	storage.SortSessions(all)
	return all, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestEngine(t *testing.T, store storage.SessionStore) (*Engine, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 8, 20, 20, 0, 0, 0, time.Local)}
	e := NewEngine(store, EngineConfig{SilenceWindow: 90 * time.Second}, zerolog.Nop())
	e.now = clock.Now
	t.Cleanup(e.Stop)
	return e, clock
}

func snap(appID string) *AppSnapshot {
	return &AppSnapshot{DeviceID: "10.0.0.5", AppID: appID, AppName: appID}
}

func TestEngineAppChangeClosesAndOpens(t *testing.T) {
	store := newMemSessionStore()
	e, clock := newTestEngine(t, store)
	ctx := context.Background()

	// Poll sequence A,A,B,B,B at 1-second spacing: exactly one closed
	// session (A, 2s) and B still open with 3s elapsed.
	observations := []string{"A", "A", "B", "B", "B"}
	for i, app := range observations {
		if i > 0 {
			clock.Advance(time.Second)
		}
		if err := e.Observe(ctx, "10.0.0.5", "u_1", snap(app)); err != nil {
			t.Fatalf("observe %s: %v", app, err)
		}
	}

	closed, err := store.ListByUser(ctx, "10.0.0.5", "u_1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(closed) != 1 {
		t.Fatalf("expected 1 closed session, got %d", len(closed))
	}
	if closed[0].AppID != "A" || closed[0].DurationSec != 2 {
		t.Fatalf("expected closed A with 2s, got %s %ds", closed[0].AppID, closed[0].DurationSec)
	}

	current := e.Current("10.0.0.5", "u_1")
	if current == nil || current.AppID != "B" {
		t.Fatalf("expected open session on B, got %+v", current)
	}
	clock.Advance(time.Second)
	if elapsed := current.Elapsed(clock.Now()); elapsed != 3*time.Second {
		t.Fatalf("expected 3s elapsed on open session, got %s", elapsed)
	}
}

func TestEngineUnreachableClosesAtLastObserved(t *testing.T) {
	store := newMemSessionStore()
	e, clock := newTestEngine(t, store)
	ctx := context.Background()

	// Open X at t0, last successful poll at t0+22s, heartbeat reports
	// unreachable at t0+30s. The closed duration must be 22s, not 30s.
	if err := e.Observe(ctx, "10.0.0.5", "u_1", snap("X")); err != nil {
		t.Fatalf("observe: %v", err)
	}
	clock.Advance(22 * time.Second)
	if err := e.Observe(ctx, "10.0.0.5", "u_1", snap("X")); err != nil {
		t.Fatalf("observe: %v", err)
	}
	clock.Advance(8 * time.Second)
	if err := e.MarkUnreachable(ctx, "10.0.0.5", "u_1"); err != nil {
		t.Fatalf("mark unreachable: %v", err)
	}

	closed, _ := store.ListByUser(ctx, "10.0.0.5", "u_1")
	if len(closed) != 1 {
		t.Fatalf("expected 1 closed session, got %d", len(closed))
	}
	if closed[0].DurationSec != 22 {
		t.Fatalf("expected 22s duration, got %ds", closed[0].DurationSec)
	}
	if e.Current("10.0.0.5", "u_1") != nil {
		t.Fatal("pair should be idle after unreachable close")
	}
}

func TestEngineHomeScreenClosesSession(t *testing.T) {
	store := newMemSessionStore()
	e, clock := newTestEngine(t, store)
	ctx := context.Background()

	if err := e.Observe(ctx, "10.0.0.5", "u_1", snap("A")); err != nil {
		t.Fatalf("observe: %v", err)
	}
	clock.Advance(10 * time.Second)
	if err := e.Observe(ctx, "10.0.0.5", "u_1", nil); err != nil {
		t.Fatalf("observe home screen: %v", err)
	}

	closed, _ := store.ListByUser(ctx, "10.0.0.5", "u_1")
	if len(closed) != 1 || closed[0].DurationSec != 10 {
		t.Fatalf("expected one 10s session, got %+v", closed)
	}
	if e.Current("10.0.0.5", "u_1") != nil {
		t.Fatal("expected idle after home screen")
	}
}

func TestEngineDuplicateObservationNoTransition(t *testing.T) {
	store := newMemSessionStore()
	e, clock := newTestEngine(t, store)
	ctx := context.Background()

	if err := e.Observe(ctx, "10.0.0.5", "u_1", snap("A")); err != nil {
		t.Fatalf("observe: %v", err)
	}
	start := e.Current("10.0.0.5", "u_1").StartTime

	clock.Advance(5 * time.Second)
	if err := e.Observe(ctx, "10.0.0.5", "u_1", snap("A")); err != nil {
		t.Fatalf("observe: %v", err)
	}

	current := e.Current("10.0.0.5", "u_1")
	if !current.StartTime.Equal(start) {
		t.Fatal("duplicate observation must not restart the session")
	}
	if closed, _ := store.ListByUser(ctx, "10.0.0.5", "u_1"); len(closed) != 0 {
		t.Fatalf("duplicate observation must not close anything, got %d", len(closed))
	}
}

func TestEngineSilenceSweepUsesLastObserved(t *testing.T) {
	store := newMemSessionStore()
	e, clock := newTestEngine(t, store)
	ctx := context.Background()

	if err := e.Observe(ctx, "10.0.0.5", "u_1", snap("A")); err != nil {
		t.Fatalf("observe: %v", err)
	}
	clock.Advance(30 * time.Second)
	if err := e.Observe(ctx, "10.0.0.5", "u_1", snap("A")); err != nil {
		t.Fatalf("observe: %v", err)
	}

	// Quiet for longer than the 90s window; the sweep closes at the
	// last observation, 30s after start.
	clock.Advance(5 * time.Minute)
	e.sweepOnce(ctx)

	closed, _ := store.ListByUser(ctx, "10.0.0.5", "u_1")
	if len(closed) != 1 {
		t.Fatalf("expected sweep to close the session, got %d records", len(closed))
	}
	if closed[0].DurationSec != 30 {
		t.Fatalf("expected 30s (last observed), got %ds", closed[0].DurationSec)
	}
}

func TestEngineSweepSparesActivePairs(t *testing.T) {
	store := newMemSessionStore()
	e, clock := newTestEngine(t, store)
	ctx := context.Background()

	if err := e.Observe(ctx, "10.0.0.5", "u_1", snap("A")); err != nil {
		t.Fatalf("observe: %v", err)
	}
	clock.Advance(time.Minute)
	if err := e.Observe(ctx, "10.0.0.5", "u_1", snap("A")); err != nil {
		t.Fatalf("observe: %v", err)
	}
	e.sweepOnce(ctx)

	if e.Current("10.0.0.5", "u_1") == nil {
		t.Fatal("sweep must not close a recently observed session")
	}
}

func TestEnginePairsAreIndependent(t *testing.T) {
	store := newMemSessionStore()
	e, clock := newTestEngine(t, store)
	ctx := context.Background()

	if err := e.Observe(ctx, "10.0.0.5", "u_1", snap("A")); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if err := e.Observe(ctx, "10.0.0.9", "u_2", &AppSnapshot{DeviceID: "10.0.0.9", AppID: "B", AppName: "B"}); err != nil {
		t.Fatalf("observe: %v", err)
	}
	clock.Advance(10 * time.Second)
	if err := e.MarkUnreachable(ctx, "10.0.0.5", "u_1"); err != nil {
		t.Fatalf("mark unreachable: %v", err)
	}

	if e.Current("10.0.0.5", "u_1") != nil {
		t.Fatal("first pair should be closed")
	}
	if e.Current("10.0.0.9", "u_2") == nil {
		t.Fatal("second pair must be unaffected")
	}
}

func TestEngineRestartNeverOverlaps(t *testing.T) {
	store := newMemSessionStore()
	e, clock := newTestEngine(t, store)
	ctx := context.Background()

	if err := e.Observe(ctx, "10.0.0.5", "u_1", snap("A")); err != nil {
		t.Fatalf("observe: %v", err)
	}
	clock.Advance(time.Minute)

	// Simulated crash: the engine is discarded with a session open; the
	// replacement resumes Idle over the same store.
	e.Stop()
	e2 := NewEngine(store, EngineConfig{SilenceWindow: 90 * time.Second}, zerolog.Nop())
	e2.now = clock.Now
	defer e2.Stop()

	if e2.Current("10.0.0.5", "u_1") != nil {
		t.Fatal("fresh engine must resume Idle")
	}

	clock.Advance(time.Minute)
	if err := e2.Observe(ctx, "10.0.0.5", "u_1", snap("A")); err != nil {
		t.Fatalf("observe: %v", err)
	}
	clock.Advance(30 * time.Second)
	if err := e2.Observe(ctx, "10.0.0.5", "u_1", nil); err != nil {
		t.Fatalf("observe: %v", err)
	}

	closed, _ := store.ListByUser(ctx, "10.0.0.5", "u_1")
	if len(closed) != 1 {
		t.Fatalf("expected exactly 1 persisted session after crash, got %d", len(closed))
	}
	for i := 1; i < len(closed); i++ {
		if closed[i].StartTime.Before(*closed[i-1].EndTime) {
			t.Fatal("persisted sessions overlap")
		}
	}
}

func TestEngineStopTrackingClosesAtLastObserved(t *testing.T) {
	store := newMemSessionStore()
	e, clock := newTestEngine(t, store)
	ctx := context.Background()

	if err := e.Observe(ctx, "10.0.0.5", "u_1", snap("netflix")); err != nil {
		t.Fatalf("observe: %v", err)
	}
	clock.Advance(10 * time.Second)
	if err := e.Observe(ctx, "10.0.0.5", "u_1", snap("netflix")); err != nil {
		t.Fatalf("observe: %v", err)
	}

	// Deselection arrives well after the last observation; the recorded
	// session must still end at the observation, not at the stop.
	clock.Advance(25 * time.Second)
	if err := e.StopTracking(ctx, "10.0.0.5", "u_1"); err != nil {
		t.Fatalf("stop tracking: %v", err)
	}

	if e.Current("10.0.0.5", "u_1") != nil {
		t.Fatal("pair must be idle after stop")
	}
	closed, _ := store.ListByUser(ctx, "10.0.0.5", "u_1")
	if len(closed) != 1 {
		t.Fatalf("expected 1 recorded session, got %d", len(closed))
	}
	if closed[0].DurationSec != 10 {
		t.Fatalf("expected 10s duration, got %d", closed[0].DurationSec)
	}

	// Stopping an idle pair records nothing.
	if err := e.StopTracking(ctx, "10.0.0.5", "u_1"); err != nil {
		t.Fatalf("stop tracking idle: %v", err)
	}
	closed, _ = store.ListByUser(ctx, "10.0.0.5", "u_1")
	if len(closed) != 1 {
		t.Fatalf("idle stop must not record, got %d sessions", len(closed))
	}
}

func TestEngineObserveDroppedWhenNoLongerWatched(t *testing.T) {
	store := newMemSessionStore()
	e, clock := newTestEngine(t, store)
	ctx := context.Background()

	if err := e.ObserveIf(ctx, "10.0.0.5", "u_1", snap("netflix"), func() bool { return true }); err != nil {
		t.Fatalf("observe: %v", err)
	}
	clock.Advance(5 * time.Second)
	if err := e.StopTracking(ctx, "10.0.0.5", "u_1"); err != nil {
		t.Fatalf("stop tracking: %v", err)
	}

	// An observation already in flight when the pair was deselected must
	// not reopen a session nothing will ever close.
	if err := e.ObserveIf(ctx, "10.0.0.5", "u_1", snap("netflix"), func() bool { return false }); err != nil {
		t.Fatalf("observe if: %v", err)
	}

	if e.Current("10.0.0.5", "u_1") != nil {
		t.Fatal("stale observation must not reopen a session")
	}
	closed, _ := store.ListByUser(ctx, "10.0.0.5", "u_1")
	if len(closed) != 1 {
		t.Fatalf("expected 1 recorded session, got %d", len(closed))
	}
}

func TestMakeUserIDStable(t *testing.T) {
	a := MakeUserID("10.0.0.5", "browser-1")
	b := MakeUserID("10.0.0.5", "browser-1")
	c := MakeUserID("10.0.0.5", "browser-2")

	if a != b {
		t.Error("user id must be deterministic")
	}
	if a == c {
		t.Error("different browsers must map to different users")
	}
	if len(a) != 18 || a[:2] != "u_" {
		t.Errorf("unexpected user id shape: %q", a)
	}
}
