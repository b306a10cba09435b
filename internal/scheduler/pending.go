package scheduler

import (
	"time"

	"github.com/particle-iot/particle-usb/internal/protocol"
)

// state is the per-request state machine position (spec.md §4.C.3).
// New and Init are merged: a request in stateNew is either about to
// send its first INIT or, after a BUSY reply, waiting out a backoff
// before retrying INIT — readyAt governs which.
type state int

const (
	stateNew state = iota
	stateSending
	statePolling
	stateReceiving
)

// Reply is the scheduler's successful outcome: a completed logical
// request regardless of its transport Status.
type Reply struct {
	Status  protocol.Status
	Result  int32
	Payload []byte
}

// Outcome is exactly one of Reply (Err == nil) or an error drawn from
// internal/errs (ErrMemory, ErrProtocol, ErrTimeout, ErrCancelled,
// ErrUsb). BUSY, whether at INIT or CHECK, is recovered locally by
// retrying per backoff and never reaches Outcome.Err.
type Outcome struct {
	Reply Reply
	Err   error
}

// pendingRequest is exclusively owned by the scheduler's dispatch
// goroutine once admitted; the submitting goroutine only ever reads
// from done.
type pendingRequest struct {
	typeID   uint16
	payload  []byte
	deadline time.Time // zero means no deadline

	state state

	reqID    uint16
	hasReqID bool

	attempt int       // resets on each New->Init transition
	readyAt time.Time // zero means ready now

	replySize uint32
	result    int32

	finished bool
	done     chan Outcome
}
