// Package rendezvous suspends a workflow until an external actor answers.
//
// A suspension point is identified by (application, step, ordinal), where
// ordinal counts the waits on that step within one invocation. The first
// time a point is reached a callback token is issued and handed to the
// external actor by a dispatch function; later invocations that replay to
// the same point find the issued callback instead of issuing another.
//
// Lifecycle of one callback:
//
//	pending  --Resume-->    resumed   (payload delivered, workflow continues)
//	pending  --ExpireDue--> expired   (workflow observes a *TimeoutError)
//
// A token is consumed at most once. Resume and expiry both clear the
// application's outstanding token in the same transaction that records the
// outcome, so a second resume, a resume after expiry or a resume with a
// stale token fails with progress.ErrUnknownOrExpiredToken and changes
// nothing.
package rendezvous
