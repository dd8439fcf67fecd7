// Package children implements the multiplexer: the fleet of backend filter
// connections bound to one MTA-facing milter session, their fan-out,
// aggregation and failure handling.
package children

import "errors"

// Sentinel errors defined by this package. Per-backend failures are
// isolated by the caller (they expire one session and continue).
var (
	// ErrNoBackends is returned by NewConnection when the Children's
	// backend list is empty.
	ErrNoBackends = errors.New("children: no backends configured")

	// ErrAllBackendsExpired names the case where every backend session has
	// been expired before a stage could resolve. No function in this
	// package returns it: the Facade answers such a stage with the
	// configured unavailable status instead of an error.
	ErrAllBackendsExpired = errors.New("children: all backend sessions expired")

	// ErrNegotiationFailed is returned when a backend's connect+negotiate
	// attempt (and its single retry) both failed.
	ErrNegotiationFailed = errors.New("children: backend negotiation failed")

	// ErrProtocolViolation names a backend reply that is not permitted in
	// the session's current state (e.g. Skip outside Body). No function in
	// this package returns it, and backend replies are not checked against
	// the session's state.
	ErrProtocolViolation = errors.New("children: backend protocol violation")

	// ErrSpoolIO is returned when the body spool's underlying temporary
	// file cannot be written or read.
	ErrSpoolIO = errors.New("children: body spool I/O error")

	// ErrWrongState names a Facade method called in a state that does not
	// permit it (e.g. EndOfMessage signals outside EOM). No function in this
	// package returns it.
	ErrWrongState = errors.New("children: backend session in wrong state")
)
