// Package router implements the observer side of the reliability core: the
// per-type handler registry that dispatches accepted notifications to UI
// callbacks, and the status broadcaster that publishes connection-state
// transitions.
//
// Dispatch is synchronous and failure-isolated: a panicking subscriber is
// logged and skipped, never taking the rest of the pipeline down with it.
package router
