// Package schedule computes when recurring tasks run next.
//
// A Schedule is exactly one of a fixed interval ("30s", "5m", "1h", "1d"),
// a cron expression evaluated in UTC, or a calendar Rule (frequency,
// interval, timezone and by-hour/minute/weekday/month-day constraints).
// Next applies the catch-up policy: an occurrence that is already due
// collapses to a single run at "now" and missed occurrences are skipped.
//
// The package also provides the retry Backoff policies used after handler
// failures.
package schedule
