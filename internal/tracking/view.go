package tracking

import (
	"context"
	"time"

	"github.com/zrolabs/zrocontrol/internal/storage"
)

// DefaultHistoryLimit bounds how many closed sessions the user view
// returns.
const DefaultHistoryLimit = 100

// Views assembles read-only projections of session state. A storage
// failure is surfaced as an error so totals read "unavailable" rather
// than wrong.
type Views struct {
	sessions     storage.SessionStore
	engine       *Engine
	historyLimit int
	now          func() time.Time
}

// NewViews creates the projection layer.
func NewViews(sessions storage.SessionStore, engine *Engine, historyLimit int) *Views {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Views{
		sessions:     sessions,
		engine:       engine,
		historyLimit: historyLimit,
		now:          time.Now,
	}
}

// User builds the totals/open-session/history view for one pair. The
// persisted history is read once so totals and the returned session list
// agree with each other.
func (v *Views) User(ctx context.Context, deviceID, userID string) (*UserView, error) {
	history, err := v.sessions.ListByUser(ctx, deviceID, userID)
	if err != nil {
		return nil, err
	}

	now := v.now()
	current := v.engine.Current(deviceID, userID)

	view := &UserView{
		DeviceID:  deviceID,
		UserID:    userID,
		Totals:    ComputeTotals(history, current, now),
		Current:   current,
		UpdatedAt: now,
	}

	// Display order is newest first, bounded.
	display := make([]storage.WatchSession, 0, min(len(history), v.historyLimit))
	for i := len(history) - 1; i >= 0 && len(display) < v.historyLimit; i-- {
		display = append(display, history[i])
	}
	view.Sessions = display

	return view, nil
}
