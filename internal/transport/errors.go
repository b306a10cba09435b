package transport

import "github.com/particle-iot/particle-usb/internal/errs"

// Re-exported for convenience within this package; callers outside
// should match against errs.ErrUsb / errs.ErrNotAllowed directly.
var (
	ErrUsb        = errs.ErrUsb
	ErrNotAllowed = errs.ErrNotAllowed
)
