// Package journal writes the persisted progress narrative of an application
// and suppresses the duplicates a replaying workflow would otherwise append.
//
// # Replay detection
//
// Detection is order-and-count based, not content based. When a Logger is
// opened it tallies the persisted entries per step (DeriveCounts). Every Log
// call increments an in-memory counter for its step; the Nth call for a
// step is a replay echo when N is at most the persisted count, and new
// otherwise. This works because a re-invoked workflow repeats the same log
// calls in the same order up to the point it reached before.
//
// Echoes are written to the operational trace at LevelReplay and never to
// the store, so the stored log holds exactly one entry per logical event.
//
// This makes the log idempotent, nothing more. Side-effecting work must be
// made replay-safe by host.Step or by the rendezvous's once-only issuance.
package journal
