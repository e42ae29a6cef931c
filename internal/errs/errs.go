// Package errs defines the closed error taxonomy shared across the
// coordination runtime (spec §7). Components wrap these sentinels with
// fmt.Errorf("...: %w", ...) at the point of occurrence so callers can use
// errors.Is to classify a failure without string matching.
package errs

import "errors"

var (
	// ErrStateIO means an atomic write of state.json or message-state.json failed.
	// Surfaced to the caller; no automatic retry.
	ErrStateIO = errors.New("state io error")

	// ErrDaemonUnavailable means the client could not reach the daemon after
	// its bounded reconnect retries.
	ErrDaemonUnavailable = errors.New("daemon unavailable")

	// ErrPtyWriteFailed means the daemon could not write bytes to a pane's child.
	ErrPtyWriteFailed = errors.New("pty write failed")

	// ErrFocusFailed means UI-side input focus dispatch failed (no-op host: unused).
	ErrFocusFailed = errors.New("focus failed")

	// ErrEnterFailed means synthetic Enter dispatch failed.
	ErrEnterFailed = errors.New("enter failed")

	// ErrVerificationFailed means Enter was sent but no confirming output
	// arrived within the verify window. Not propagated as a hard error —
	// injection still reports success=true, verified=false.
	ErrVerificationFailed = errors.New("verification failed")

	// ErrQueueFull means a pane's FIFO exceeded its high-water mark.
	ErrQueueFull = errors.New("queue full")

	// ErrDeliveryTimeout means a DeliveryRecord aged out before all
	// recipients acknowledged.
	ErrDeliveryTimeout = errors.New("delivery timeout")

	// ErrTriggerParse means a trigger line was malformed; it is still
	// delivered verbatim with seq=nil.
	ErrTriggerParse = errors.New("trigger parse error")

	// ErrMissingTextarea / ErrTextareaDisappeared are injection failure
	// modes specific to a DOM-mediated host; the PTY-only implementation
	// never raises them but keeps the taxonomy closed per spec §4.4.
	ErrMissingTextarea      = errors.New("missing textarea")
	ErrTextareaDisappeared  = errors.New("textarea disappeared")
)
