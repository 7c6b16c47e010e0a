// Package session defines the daily VWAP session boundaries. On-chain
// pairs trade around the clock, so a session is simply one UTC calendar
// day: 00:00:00 through 23:59:59.
package session

import "time"

// SecondsPerDay is the session stride.
const SecondsPerDay int64 = 86400

// DayStart returns 00:00:00 UTC of the day containing ts.
func DayStart(ts int64) int64 {
	return ts - ts%SecondsPerDay
}

// DayEnd returns 23:59:59 UTC of the day containing ts.
func DayEnd(ts int64) int64 {
	return DayStart(ts) + SecondsPerDay - 1
}

// Bounds returns the session [start, end] containing ts.
func Bounds(ts int64) (start, end int64) {
	start = DayStart(ts)
	return start, start + SecondsPerDay - 1
}

// SameDay reports whether a and b fall in the same UTC session.
func SameDay(a, b int64) bool {
	return DayStart(a) == DayStart(b)
}

// NextDayStart returns 00:00:00 UTC of the day after the one containing ts.
func NextDayStart(ts int64) int64 {
	return DayStart(ts) + SecondsPerDay
}

// Label formats the session day of ts as YYYY-MM-DD for logs and
// notification text.
func Label(ts int64) string {
	return time.Unix(ts, 0).UTC().Format("2006-01-02")
}

// Timestamp formats ts as an RFC 3339 UTC string for notification text.
func Timestamp(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}
