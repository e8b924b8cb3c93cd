package models

import "time"

// Centralized time utilities. Cache lastAccess/lastWrite times are
// nanoseconds since the Unix epoch; these helpers keep that unit
// consistent across packages. Record header timestamps are not wall
// clock times: they carry the store's commitTimestamp counter value.

// Now returns the current time as nanoseconds since Unix epoch.
func Now() int64 {
	return time.Now().UnixNano()
}

// TimeAgo returns how many nanoseconds ago a timestamp was.
func TimeAgo(nanos int64) int64 {
	return Now() - nanos
}

// IsRecent reports whether a timestamp is within the last withinNanos.
func IsRecent(nanos int64, withinNanos int64) bool {
	return TimeAgo(nanos) <= withinNanos
}

// Time unit constants expressed in nanoseconds, for configuration and
// budget arithmetic (housekeepingTimeBudgetNs, entityCacheTimeoutMs*Millisecond, ...).
const (
	Nanosecond  = int64(1)
	Microsecond = 1000 * Nanosecond
	Millisecond = 1000 * Microsecond
	Second      = 1000 * Millisecond
	Minute      = 60 * Second
	Hour        = 60 * Minute
)
