// Package store provides SQLite-backed durable storage for loan application
// progress and for the orchestration host's checkpoints.
//
// The store keeps one keyed record per application plus:
//   - Log entries: the append-only progress narrative, ordered by seq
//   - Callbacks: rendezvous history, one row per logical suspension point
//   - Runs and checkpoints: host state that makes step replay idempotent
//
// # Atomicity
//
// Every mutation runs in a single transaction against one record. Log
// appends compute the next seq inside the INSERT, never read-modify-write
// in Go, so concurrent writers cannot lose an entry. Callback tokens are
// set only when none is outstanding and cleared only by compare-and-clear
// on the presented token ID.
//
// Callback issuance and checkpoints use ON CONFLICT DO NOTHING, so a replay
// that reaches the same logical point writes nothing new.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Driver failures are reported wrapped in progress.ErrStoreUnavailable.
package store
