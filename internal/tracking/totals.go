package tracking

import (
	"time"

	"github.com/zrolabs/zrocontrol/internal/storage"
)

// Window starts are computed in local time: calendar day, ISO week
// (Monday start), calendar month.

func dayStart(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}

func weekStart(now time.Time) time.Time {
	day := dayStart(now)
	// time.Weekday puts Sunday at 0; shift so Monday starts the week.
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

func monthStart(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
}

// ComputeTotals sums session durations into rolling windows keyed by
// session start time, then folds in the elapsed time of the live open
// session so totals move while watching, not only on close.
func ComputeTotals(sessions []storage.WatchSession, current *OpenSession, now time.Time) Totals {
	today := dayStart(now)
	week := weekStart(now)
	month := monthStart(now)

	var totals Totals
	add := func(start time.Time, seconds int64) {
		totals.TotalSec += seconds
		if !start.Before(today) {
			totals.TodaySec += seconds
		}
		if !start.Before(week) {
			totals.WeekSec += seconds
		}
		if !start.Before(month) {
			totals.MonthSec += seconds
		}
	}

	for _, s := range sessions {
		add(s.StartTime, s.DurationSec)
	}
	if current != nil {
		add(current.StartTime, int64(current.Elapsed(now).Seconds()))
	}
	return totals
}
