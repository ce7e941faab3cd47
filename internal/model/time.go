package model

import "time"

// TimeLayout is RFC 3339 with a fixed nine-digit fraction, so stored
// timestamps sort lexically in time order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Now is the current time in TimeLayout.
func Now() string {
	return FormatTime(time.Now())
}
