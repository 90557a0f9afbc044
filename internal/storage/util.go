package storage

import (
	"os"
	"sort"
)

// EnsureDir ensures a directory exists with default permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// SortSessions orders sessions by ascending StartTime.
func SortSessions(sessions []WatchSession) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartTime.Before(sessions[j].StartTime)
	})
}

// AppendCapped inserts a session into an ascending-ordered history,
// keeping at most MaxSessionsPerUser entries by dropping the oldest.
func AppendCapped(history []WatchSession, session WatchSession) []WatchSession {
	history = append(history, session)
	SortSessions(history)
	if len(history) > MaxSessionsPerUser {
		history = history[len(history)-MaxSessionsPerUser:]
	}
	return history
}
