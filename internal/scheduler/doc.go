// Package scheduler turns due jobs into work for the worker pool.
//
// Each tick scans the store for due jobs, skips merchants that are
// rate-limited, claims the rest with MarkInFlight and submits them to the
// pool. It never claims more jobs than the pool can start right away, so a
// claimed job is either running or being returned to the store.
//
// Recurring schedules (cron or interval) enqueue one job per fire time; the
// idempotency key is derived from the schedule name and the fire time, so a
// restart never enqueues the same slot twice.
package scheduler
