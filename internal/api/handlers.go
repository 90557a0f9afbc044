package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/zrolabs/zrocontrol/internal/ecp"
	"github.com/zrolabs/zrocontrol/internal/metrics"
	"github.com/zrolabs/zrocontrol/internal/storage"
	"github.com/zrolabs/zrocontrol/internal/tracking"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// handleListDevices serves the discovery cache snapshot. It never
// touches the network: the scanner keeps the cache fresh in the
// background.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.cache.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
		"count":   len(devices),
	})
}

// device resolves the {ip} route variable to a pooled client, writing
// the error response itself on failure.
func (s *Server) device(w http.ResponseWriter, r *http.Request) (*ecp.Client, bool) {
	ip := mux.Vars(r)["ip"]
	client, err := s.pool.Get(ip)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid device address")
		return nil, false
	}
	return client, true
}

// userID derives the caller's per-device identity from the browser
// cookie.
func (s *Server) userID(r *http.Request) string {
	ip := mux.Vars(r)["ip"]
	return tracking.MakeUserID(storage.DeviceKey(ip), browserIDFrom(r))
}

func (s *Server) commandCtx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.config.CommandTimeout)
}

func (s *Server) handleDeviceInfo(w http.ResponseWriter, r *http.Request) {
	client, ok := s.device(w, r)
	if !ok {
		return
	}

	ctx, cancel := s.commandCtx(r)
	defer cancel()

	info, err := client.DeviceInfo(ctx)
	if err != nil {
		s.logger.Debug().Err(err).Str("device", client.IP()).Msg("Device info query failed")
		writeError(w, http.StatusBadGateway, "Device did not answer")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDeviceIcon(w http.ResponseWriter, r *http.Request) {
	client, ok := s.device(w, r)
	if !ok {
		return
	}

	ctx, cancel := s.commandCtx(r)
	defer cancel()

	icon, contentType, err := client.DeviceIcon(ctx)
	if err != nil {
		writeError(w, http.StatusNotFound, "Device icon unavailable")
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(icon)
}

// handleReachable runs a synchronous liveness probe and feeds the
// verdict back into the discovery cache so the device list reflects it
// without waiting for the next scan.
func (s *Server) handleReachable(w http.ResponseWriter, r *http.Request) {
	ip := mux.Vars(r)["ip"]

	ctx, cancel := s.commandCtx(r)
	defer cancel()

	result := s.prober.Check(ctx, ip)
	if result.Info != nil {
		s.cache.MarkReachable(ip, result.OK(), result.Info.Name, result.Info.Model())
	} else {
		s.cache.MarkReachable(ip, result.OK(), "", "")
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"device":    ip,
		"reachable": result.OK(),
		"status":    result.Classification.String(),
	})
}

func (s *Server) handleApps(w http.ResponseWriter, r *http.Request) {
	client, ok := s.device(w, r)
	if !ok {
		return
	}

	ctx, cancel := s.commandCtx(r)
	defer cancel()

	apps, err := client.Apps(ctx)
	if err != nil {
		writeError(w, http.StatusBadGateway, "Device did not answer")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"apps":  apps,
		"count": len(apps),
	})
}

func (s *Server) handleAppIcon(w http.ResponseWriter, r *http.Request) {
	client, ok := s.device(w, r)
	if !ok {
		return
	}
	appID := mux.Vars(r)["appID"]

	ctx, cancel := s.commandCtx(r)
	defer cancel()

	icon, contentType, err := client.AppIcon(ctx, appID)
	if err != nil {
		writeError(w, http.StatusNotFound, "App icon unavailable")
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(icon)
}

func (s *Server) handleActiveApp(w http.ResponseWriter, r *http.Request) {
	client, ok := s.device(w, r)
	if !ok {
		return
	}

	ctx, cancel := s.commandCtx(r)
	defer cancel()

	app, err := client.ActiveApp(ctx)
	if err != nil {
		writeError(w, http.StatusBadGateway, "Device did not answer")
		return
	}
	if app == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"home_screen": true})
		return
	}
	writeJSON(w, http.StatusOK, app)
}

// handleKeypress relays a remote key to the device. Commands are gated
// on a live probe so a dead device fails fast with a clear status
// instead of a relayed timeout.
func (s *Server) handleKeypress(w http.ResponseWriter, r *http.Request) {
	s.handleCommand(w, r, "keypress", func(ctx context.Context, client *ecp.Client) error {
		return client.Keypress(ctx, mux.Vars(r)["key"])
	})
}

func (s *Server) handleKeydown(w http.ResponseWriter, r *http.Request) {
	s.handleCommand(w, r, "keydown", func(ctx context.Context, client *ecp.Client) error {
		return client.Keydown(ctx, mux.Vars(r)["key"])
	})
}

func (s *Server) handleKeyup(w http.ResponseWriter, r *http.Request) {
	s.handleCommand(w, r, "keyup", func(ctx context.Context, client *ecp.Client) error {
		return client.Keyup(ctx, mux.Vars(r)["key"])
	})
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	s.handleCommand(w, r, "launch", func(ctx context.Context, client *ecp.Client) error {
		return client.Launch(ctx, mux.Vars(r)["appID"])
	})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request, kind string, send func(context.Context, *ecp.Client) error) {
	client, ok := s.device(w, r)
	if !ok {
		metrics.CommandsTotal.WithLabelValues(kind, "error").Inc()
		return
	}

	ctx, cancel := s.commandCtx(r)
	defer cancel()

	if result := s.prober.Check(ctx, client.IP()); !result.OK() {
		metrics.CommandsTotal.WithLabelValues(kind, "unreachable").Inc()
		writeError(w, http.StatusConflict, "Device is not reachable")
		return
	}

	if err := send(ctx, client); err != nil {
		metrics.CommandsTotal.WithLabelValues(kind, "error").Inc()
		s.logger.Warn().Err(err).Str("device", client.IP()).Str("kind", kind).Msg("Command failed")
		writeError(w, http.StatusBadGateway, "Command failed")
		return
	}

	metrics.CommandsTotal.WithLabelValues(kind, "ok").Inc()
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

// handleTrack subscribes the calling browser to a device's watch
// tracking. The poll loop starts on the first subscriber.
func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	client, ok := s.device(w, r)
	if !ok {
		return
	}
	deviceID := client.IP()
	userID := s.userID(r)

	// The poll loop outlives this request.
	s.poller.Track(context.Background(), deviceID, userID)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"device":   deviceID,
		"user":     userID,
		"tracking": true,
	})
}

// handleUntrack unsubscribes the calling browser. The open session, if
// any, is closed at its last observed time, not discarded.
func (s *Server) handleUntrack(w http.ResponseWriter, r *http.Request) {
	client, ok := s.device(w, r)
	if !ok {
		return
	}
	deviceID := client.IP()
	userID := s.userID(r)

	// Persisting the final session must not race request teardown.
	s.poller.Untrack(context.Background(), deviceID, userID)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"device":   deviceID,
		"user":     userID,
		"tracking": false,
	})
}

// handleUserData serves the caller's totals, open session, and bounded
// history for one device. With ?refresh=1 it polls the device once
// before answering, so a page load reflects the current app without
// waiting for the next poll tick.
func (s *Server) handleUserData(w http.ResponseWriter, r *http.Request) {
	client, ok := s.device(w, r)
	if !ok {
		return
	}
	deviceID := client.IP()
	userID := s.userID(r)

	if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh && s.poller.IsTracking(deviceID, userID) {
		ctx, cancel := s.commandCtx(r)
		app, err := client.ActiveApp(ctx)
		cancel()
		if err == nil {
			var snapshot *tracking.AppSnapshot
			if app != nil {
				snapshot = &tracking.AppSnapshot{
					DeviceID:   deviceID,
					AppID:      app.ID,
					AppName:    app.Name,
					ObservedAt: time.Now(),
				}
			}
			still := func() bool { return s.poller.IsTracking(deviceID, userID) }
			if err := s.engine.ObserveIf(r.Context(), deviceID, userID, snapshot, still); err != nil {
				s.logger.Error().Err(err).Str("device", deviceID).Msg("Refresh observation failed")
			}
		}
	}

	view, err := s.views.User(r.Context(), deviceID, userID)
	if err != nil {
		s.logger.Error().Err(err).Str("device", deviceID).Str("user", userID).Msg("Failed to load user view")
		writeError(w, http.StatusInternalServerError, "Watch data unavailable")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleRecent serves the recently-watched channel list for a device.
func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	client, ok := s.device(w, r)
	if !ok {
		return
	}
	deviceID := client.IP()

	recent, err := s.ranker.Recent(r.Context(), deviceID, s.config.RecentLimit)
	if err != nil {
		s.logger.Error().Err(err).Str("device", deviceID).Msg("Failed to load recent channels")
		writeError(w, http.StatusInternalServerError, "Recent channels unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"device": deviceID,
		"recent": recent,
		"count":  len(recent),
	})
}
