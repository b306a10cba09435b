// Package particleusb is the public surface: device sessions, enumeration,
// typed requests, and the error model every other component surfaces
// through.
package particleusb

import (
	"errors"
	"fmt"

	"github.com/particle-iot/particle-usb/internal/errs"
)

// Kind tags the reason an Error occurred (spec.md §4.F).
type Kind int

const (
	KindUsb Kind = iota
	KindNotAllowed
	KindProtocol
	KindMemory
	KindTimeout
	KindState
	KindNotFound
	KindRequest
	KindInternal
	// KindInvalidArgument tags a caller-supplied argument that is
	// malformed independent of any device or transport state — e.g. an
	// EnumerationFilter with ProductID set but VendorID absent (spec.md
	// §6: "missing vendor-id is a RangeError"). Distinct from
	// KindInternal, which is this library's own assertion failures.
	KindInvalidArgument
)

func (k Kind) String() string {
	switch k {
	case KindUsb:
		return "Usb"
	case KindNotAllowed:
		return "NotAllowed"
	case KindProtocol:
		return "Protocol"
	case KindMemory:
		return "Memory"
	case KindTimeout:
		return "Timeout"
	case KindState:
		return "State"
	case KindNotFound:
		return "NotFound"
	case KindRequest:
		return "Request"
	case KindInternal:
		return "Internal"
	case KindInvalidArgument:
		return "InvalidArgument"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is the public error type every exported operation returns on
// failure. Code is only meaningful when Kind == KindRequest.
type Error struct {
	Kind    Kind
	Code    int32
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// RequestError builds the KindRequest variant, deriving its message from
// the result-code table.
func RequestError(code int32) *Error {
	return &Error{Kind: KindRequest, Code: code, Message: resultCodeName(code)}
}

// classify maps a lower-layer error (wrapping one of internal/errs'
// sentinels, or a bare context error) onto the public Kind taxonomy.
func classify(err error) *Error {
	if err == nil {
		return nil
	}
	var pubErr *Error
	if errors.As(err, &pubErr) {
		return pubErr
	}

	switch {
	case errors.Is(err, errs.ErrUsb):
		return newError(KindUsb, "underlying USB transfer failed", err)
	case errors.Is(err, errs.ErrNotAllowed):
		return newError(KindNotAllowed, "permission denied opening the device", err)
	case errors.Is(err, errs.ErrProtocol):
		return newError(KindProtocol, "service reply malformed or missing required field", err)
	case errors.Is(err, errs.ErrMemory):
		return newError(KindMemory, "device returned NO_MEMORY", err)
	case errors.Is(err, errs.ErrTimeout):
		return newError(KindTimeout, "deadline elapsed", err)
	case errors.Is(err, errs.ErrCancelled):
		return RequestError(resultCancelled)
	case errors.Is(err, errs.ErrState):
		return newError(KindState, "operation invalid in the session's current lifecycle state", err)
	case errors.Is(err, errs.ErrNotFound):
		return newError(KindNotFound, "no matching device found", err)
	default:
		return newError(KindInternal, "unexpected internal failure", err)
	}
}

// Result-code table (spec.md §4.F). Values are the firmware's
// system_error_t constants.
const (
	resultOK              int32 = 0
	resultError           int32 = -100
	resultBusy            int32 = -110
	resultNotSupported    int32 = -120
	resultNotAllowed      int32 = -130
	resultCancelled       int32 = -140
	resultAborted         int32 = -150
	resultTimeoutError    int32 = -160
	resultNotFound        int32 = -170
	resultAlreadyExists   int32 = -180
	resultTooLarge        int32 = -190
	resultLimitExceeded   int32 = -200
	resultInvalidState    int32 = -210
	resultIOError         int32 = -220
	resultNetworkError    int32 = -230
	resultProtocolError   int32 = -240
	resultInternalError   int32 = -250
	resultNoMemory        int32 = -260
	resultInvalidArgument int32 = -270
	resultBadData         int32 = -280
	resultOutOfRange      int32 = -290
)

func resultCodeName(code int32) string {
	switch code {
	case resultOK:
		return "OK"
	case resultError:
		return "ERROR"
	case resultBusy:
		return "BUSY"
	case resultNotSupported:
		return "NOT_SUPPORTED"
	case resultNotAllowed:
		return "NOT_ALLOWED"
	case resultCancelled:
		return "CANCELLED"
	case resultAborted:
		return "ABORTED"
	case resultTimeoutError:
		return "TIMEOUT_ERROR"
	case resultNotFound:
		return "NOT_FOUND"
	case resultAlreadyExists:
		return "ALREADY_EXISTS"
	case resultTooLarge:
		return "TOO_LARGE"
	case resultLimitExceeded:
		return "LIMIT_EXCEEDED"
	case resultInvalidState:
		return "INVALID_STATE"
	case resultIOError:
		return "IO_ERROR"
	case resultNetworkError:
		return "NETWORK_ERROR"
	case resultProtocolError:
		return "PROTOCOL_ERROR"
	case resultInternalError:
		return "INTERNAL_ERROR"
	case resultNoMemory:
		return "NO_MEMORY"
	case resultInvalidArgument:
		return "INVALID_ARGUMENT"
	case resultBadData:
		return "BAD_DATA"
	case resultOutOfRange:
		return "OUT_OF_RANGE"
	default:
		return fmt.Sprintf("ERROR_CODE(%d)", code)
	}
}
