// Package scheduler triggers check cycles on a schedule or on demand and
// runs them one at a time.
//
// A cycle acquires the shared browser session, checks every registered
// retailer, evaluates alerts against the results and dispatches the
// firings. At most one cycle is in flight; triggers that arrive while one
// runs are dropped, never queued.
package scheduler
