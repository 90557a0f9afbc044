package tracking

import (
	"context"
	"sort"
	"time"

	"github.com/zrolabs/zrocontrol/internal/storage"
)

// DefaultRecentLimit bounds the recent-channels list.
const DefaultRecentLimit = 10

// RecentChannel is one entry in the recently-watched view.
type RecentChannel struct {
	AppID      string    `json:"app_id"`
	AppName    string    `json:"app_name"`
	LastOpened time.Time `json:"last_opened"`
}

// Ranker derives the recently-watched channel list from session history.
// It is recomputed per call: history changes at most a few times a
// minute and the scan is linear in history length.
type Ranker struct {
	sessions storage.SessionStore
	engine   *Engine
}

// NewRanker creates a recency ranker over the given history and engine.
func NewRanker(sessions storage.SessionStore, engine *Engine) *Ranker {
	return &Ranker{sessions: sessions, engine: engine}
}

// Recent returns distinct apps watched on a device, most recent first,
// deduplicated by app id and capped at limit. Live open sessions rank
// ahead of closed history.
func (r *Ranker) Recent(ctx context.Context, deviceID string, limit int) ([]RecentChannel, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	history, err := r.sessions.ListByDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	type mark struct {
		name string
		at   time.Time
	}
	latest := make(map[string]mark)
	note := func(appID, appName string, at time.Time) {
		if appID == "" {
			return
		}
		if existing, ok := latest[appID]; ok && !at.After(existing.at) {
			return
		}
		latest[appID] = mark{name: appName, at: at}
	}

	for _, s := range history {
		note(s.AppID, s.AppName, s.StartTime)
	}
	if r.engine != nil {
		for _, open := range r.engine.OpenSessions(deviceID) {
			note(open.AppID, open.AppName, open.StartTime)
		}
	}

	recent := make([]RecentChannel, 0, len(latest))
	for appID, m := range latest {
		recent = append(recent, RecentChannel{AppID: appID, AppName: m.name, LastOpened: m.at})
	}
	sort.Slice(recent, func(i, j int) bool {
		if recent[i].LastOpened.Equal(recent[j].LastOpened) {
			return recent[i].AppID < recent[j].AppID
		}
		return recent[i].LastOpened.After(recent[j].LastOpened)
	})

	if len(recent) > limit {
		recent = recent[:limit]
	}
	return recent, nil
}
