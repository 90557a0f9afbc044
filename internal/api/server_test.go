package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/zrolabs/zrocontrol/internal/discovery"
	"github.com/zrolabs/zrocontrol/internal/ecp"
	"github.com/zrolabs/zrocontrol/internal/probe"
	"github.com/zrolabs/zrocontrol/internal/storage"
	"github.com/zrolabs/zrocontrol/internal/storage/bolt"
	"github.com/zrolabs/zrocontrol/internal/tracking"
)

func newTestServer(t *testing.T) (*Server, storage.Store, *discovery.Cache) {
	t.Helper()

	store, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	pool, err := ecp.NewPool(8, time.Second, time.Second)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	logger := zerolog.Nop()
	cache := discovery.NewCache(logger)
	prober := probe.New(pool, logger)
	engine := tracking.NewEngine(store.Sessions(), tracking.EngineConfig{}, logger)
	t.Cleanup(engine.Stop)
	poller := tracking.NewPoller(pool, prober, engine, tracking.PollerConfig{}, logger)
	views := tracking.NewViews(store.Sessions(), engine, 0)
	ranker := tracking.NewRanker(store.Sessions(), engine)

	s := NewServer(Config{ListenAddr: "127.0.0.1:0"}, cache, pool, prober, engine, poller, views, ranker, logger)
	return s, store, cache
}

func TestListDevicesServesCacheSnapshot(t *testing.T) {
	s, _, cache := newTestServer(t)

	cache.Seed([]storage.DeviceEntry{
		{ID: "10.0.0.5", DisplayName: "Living Room", Model: "Ultra", Reachable: true},
		{ID: "10.0.0.9", DisplayName: "Bedroom"},
	})

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/devices", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Devices []storage.DeviceEntry `json:"devices"`
		Count   int                   `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 2 || len(body.Devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", body.Count)
	}
	if body.Devices[0].ID != "10.0.0.5" {
		t.Fatalf("expected sorted snapshot, got %s first", body.Devices[0].ID)
	}
}

func TestBrowserCookieIssuedOnce(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/devices", nil))

	cookies := rec.Result().Cookies()
	var issued *http.Cookie
	for _, c := range cookies {
		if c.Name == browserCookieName {
			issued = c
		}
	}
	if issued == nil {
		t.Fatal("expected identity cookie on first request")
	}
	if !issued.HttpOnly || issued.SameSite != http.SameSiteLaxMode {
		t.Fatalf("cookie attributes wrong: %+v", issued)
	}

	// A request that already carries the cookie gets no replacement.
	req := httptest.NewRequest("GET", "/api/devices", nil)
	req.AddCookie(&http.Cookie{Name: browserCookieName, Value: issued.Value})
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	for _, c := range rec.Result().Cookies() {
		if c.Name == browserCookieName {
			t.Fatal("cookie must not be reissued")
		}
	}
}

func TestUserDataScopedToBrowser(t *testing.T) {
	s, store, _ := newTestServer(t)

	// Seed history for the user derived from a known browser id.
	browserID := "test-browser"
	userID := tracking.MakeUserID(storage.DeviceKey("10.0.0.5"), browserID)
	start := time.Now().Add(-time.Hour)
	end := start.Add(120 * time.Second)
	if err := store.Sessions().Append(context.Background(), storage.WatchSession{
		ID:          "s_1",
		DeviceID:    "10.0.0.5",
		UserID:      userID,
		AppID:       "A",
		AppName:     "A",
		StartTime:   start,
		EndTime:     &end,
		DurationSec: 120,
	}); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	req := httptest.NewRequest("GET", "/api/devices/10.0.0.5/user", nil)
	req.AddCookie(&http.Cookie{Name: browserCookieName, Value: browserID})
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var view tracking.UserView
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Totals.TotalSec != 120 {
		t.Fatalf("expected 120s total, got %d", view.Totals.TotalSec)
	}
	if len(view.Sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(view.Sessions))
	}

	// A different browser sees an empty history for the same device.
	req = httptest.NewRequest("GET", "/api/devices/10.0.0.5/user", nil)
	req.AddCookie(&http.Cookie{Name: browserCookieName, Value: "other-browser"})
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Totals.TotalSec != 0 || len(view.Sessions) != 0 {
		t.Fatalf("expected empty view for other browser, got %+v", view.Totals)
	}
}

func TestRecentChannels(t *testing.T) {
	s, store, _ := newTestServer(t)

	start := time.Now().Add(-time.Hour)
	end := start.Add(time.Minute)
	if err := store.Sessions().Append(context.Background(), storage.WatchSession{
		ID:          "s_1",
		DeviceID:    "10.0.0.5",
		UserID:      "u_1",
		AppID:       "12",
		AppName:     "Netflix",
		StartTime:   start,
		EndTime:     &end,
		DurationSec: 60,
	}); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/devices/10.0.0.5/recent", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Recent []tracking.RecentChannel `json:"recent"`
		Count  int                      `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 1 || body.Recent[0].AppID != "12" {
		t.Fatalf("unexpected recent list: %+v", body)
	}
}

// downSessionStore fails all reads and writes like a storage backend
// that went away.
type downSessionStore struct{}

func (downSessionStore) Append(context.Context, storage.WatchSession) error {
	return errors.New("store down")
}

func (downSessionStore) ListByUser(context.Context, string, string) ([]storage.WatchSession, error) {
	return nil, errors.New("store down")
}

func (downSessionStore) ListByDevice(context.Context, string) ([]storage.WatchSession, error) {
	return nil, errors.New("store down")
}

func TestUserDataUnavailableOnStorageFailure(t *testing.T) {
	pool, err := ecp.NewPool(8, time.Second, time.Second)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	logger := zerolog.Nop()
	sessions := downSessionStore{}
	cache := discovery.NewCache(logger)
	prober := probe.New(pool, logger)
	engine := tracking.NewEngine(sessions, tracking.EngineConfig{}, logger)
	t.Cleanup(engine.Stop)
	poller := tracking.NewPoller(pool, prober, engine, tracking.PollerConfig{}, logger)
	views := tracking.NewViews(sessions, engine, 0)
	ranker := tracking.NewRanker(sessions, engine)
	s := NewServer(Config{ListenAddr: "127.0.0.1:0"}, cache, pool, prober, engine, poller, views, ranker, logger)

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/devices/10.0.0.5/user", nil))

	// A broken store must answer unavailable, never zeroed totals.
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on storage failure, got %d", rec.Code)
	}
	var body ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != http.StatusInternalServerError || body.Message == "" {
		t.Fatalf("unexpected error envelope: %+v", body)
	}
}

func TestInvalidDeviceAddressRejected(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/devices/not-an-ip/apps", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad address, got %d", rec.Code)
	}
}
