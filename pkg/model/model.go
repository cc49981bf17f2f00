// Package model defines the core domain types for linechat.
package model

import "time"

// BroadcastTarget is the recipient name that addresses every online session.
const BroadcastTarget = "ALL"

// TimestampLayout is the wall-clock layout used in chat lines (no date, no zone).
const TimestampLayout = "15:04:05"

// Stamp formats t as the "[HH:MM:SS] " prefix carried by chat lines.
func Stamp(t time.Time) string {
	return "[" + t.Format(TimestampLayout) + "] "
}
