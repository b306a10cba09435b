// Package errs holds the sentinel errors shared by every layer of the
// transport stack (component F's kinds, spec.md §4.F). Lower layers
// (transport, protocol, scheduler) wrap these with errors.Is-compatible
// context; pkg/particleusb classifies a returned error against these
// sentinels to build its public Error/Kind.
package errs

import "errors"

var (
	ErrUsb        = errors.New("usb transfer failed")
	ErrNotAllowed = errors.New("permission denied")
	ErrProtocol   = errors.New("malformed service reply")
	ErrMemory     = errors.New("device out of memory")
	ErrTimeout    = errors.New("deadline exceeded")
	ErrCancelled  = errors.New("cancelled")
	ErrState      = errors.New("invalid lifecycle state")
	ErrNotFound   = errors.New("not found")
	ErrInternal   = errors.New("internal error")
)
