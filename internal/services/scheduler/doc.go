// Package scheduler is the process's single time-ordered executor.
//
// Reminder firings are one-shot timers keyed by job id; registering an
// existing id replaces the pending timer and cancellation is best
// effort. Due callbacks are handed to a bounded worker pool with
// per-job timeout and panic isolation. Periodic maintenance (retention
// sweep, daily summary) runs on a robfig/cron instance in the
// configured timezone.
package scheduler
