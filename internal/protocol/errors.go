package protocol

import "github.com/particle-iot/particle-usb/internal/errs"

// ErrProtocol marks a malformed or incomplete service reply.
var ErrProtocol = errs.ErrProtocol
