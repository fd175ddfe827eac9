// Package host is the orchestration host the loan workflow runs on: a small
// durable-execution runtime with checkpointed steps, ordered parallel
// fan-out, suspension and at-least-once re-invocation.
//
// A workflow function is invoked once per Start and again on every Wake.
// Each invocation replays from the top: Step and Parallel return stored
// results for work finished in an earlier invocation and only execute what
// is new. Code outside Step (logging, rendezvous bookkeeping) therefore runs
// again on every invocation and must tolerate that itself.
//
// A workflow suspends by returning an error wrapping ErrSuspended. The run
// then holds no goroutine; it continues when something calls Wake.
//
// Failed invocations are retried with exponential backoff up to the
// configured attempt limit unless the error is marked with Permanent.
package host
