// Package progress defines the durable progress model of a loan application:
// the keyed record external pollers read, its append-only log, and the
// single-use callback token of an outstanding suspension.
//
// # Invariants
//
//   - At most one CallbackToken is set on a Record at any time.
//   - Log entries are immutable once appended; their order is emission order.
//   - Result is set at most once, and only together with a terminal Status.
//
// The types here carry no behaviour beyond small helpers. Persistence lives
// in internal/store; replay-aware writing lives in internal/journal.
package progress
