package storage

import (
	"strings"
	"time"
)

// DeviceEntry is a device known to the discovery cache. Identity is the
// device's network address.
type DeviceEntry struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Model       string    `json:"model"`
	IconRef     string    `json:"icon_ref"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	MissCount   int       `json:"miss_count"`
	Reachable   bool      `json:"reachable"`
}

// WatchSession is a viewing session for a (device, user) pair. EndTime is
// nil only for the in-memory open session exposed through the API;
// persisted records always carry an end time and are immutable.
type WatchSession struct {
	ID          string     `json:"id"`
	DeviceID    string     `json:"device_id"`
	UserID      string     `json:"user_id"`
	AppID       string     `json:"app_id"`
	AppName     string     `json:"app_name"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	DurationSec int64      `json:"duration_sec"`
}

// UserHistory holds the ordered closed sessions for one (device, user)
// pair. Sessions are kept in ascending StartTime order and capped at
// MaxSessionsPerUser, dropping the oldest first.
type UserHistory struct {
	DeviceID  string         `json:"device_id"`
	UserID    string         `json:"user_id"`
	Sessions  []WatchSession `json:"sessions"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// MaxSessionsPerUser bounds the per-pair session history.
const MaxSessionsPerUser = 500

// DeviceKey normalizes a device address for use in storage keys.
func DeviceKey(address string) string {
	return strings.ReplaceAll(address, ":", "_")
}
