package tracking

import (
	"time"

	"github.com/zrolabs/zrocontrol/internal/storage"
)

// AppSnapshot is one observation of what a device is running. Ephemeral:
// it only drives the session state machine.
type AppSnapshot struct {
	DeviceID   string
	AppID      string
	AppName    string
	ObservedAt time.Time
}

// OpenSession is the live session view for a pair still in the Open
// state.
type OpenSession struct {
	AppID     string    `json:"app_id"`
	AppName   string    `json:"app_name"`
	StartTime time.Time `json:"start_time"`
}

// Elapsed returns watch time accumulated so far.
func (s OpenSession) Elapsed(now time.Time) time.Duration {
	if now.Before(s.StartTime) {
		return 0
	}
	return now.Sub(s.StartTime)
}

// Totals are rolling watch-time sums in seconds, derived from the
// persisted session log plus the live open session.
type Totals struct {
	TodaySec int64 `json:"today_sec"`
	WeekSec  int64 `json:"week_sec"`
	MonthSec int64 `json:"month_sec"`
	TotalSec int64 `json:"total_sec"`
}

// UserView is the read-mostly projection exposed to the presentation
// layer for one (device, user) pair.
type UserView struct {
	DeviceID  string                 `json:"device_id"`
	UserID    string                 `json:"user_id"`
	Totals    Totals                 `json:"totals"`
	Current   *OpenSession           `json:"current,omitempty"`
	Sessions  []storage.WatchSession `json:"sessions"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// CloseReason records why a session was closed, for logs and metrics.
type CloseReason string

const (
	CloseAppChanged  CloseReason = "app_changed"
	CloseAppExited   CloseReason = "app_exited"
	CloseUnreachable CloseReason = "unreachable"
	CloseSilence     CloseReason = "silence"
	CloseUntracked   CloseReason = "untracked"
)
