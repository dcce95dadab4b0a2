// Package storage is the durable job store.
//
// Every backend implements the same contract:
//   - Enqueue is idempotent on the idempotency key
//   - FetchDue yields claimable jobs ordered by due_at, then arrival
//   - MarkInFlight is a single conditional update (the only claim primitive)
//   - RecordOutcome appends the attempt and applies the transition atomically
//
// Backends: "memory" (tests, single process), "sqlite" (modernc.org/sqlite)
// and "postgres" (jackc/pgx).
package storage
