// Package scheduler implements component C: multiplexing many logical
// requests onto the single half-duplex control pipe a transport.Backend
// exposes, one transfer at a time, with FIFO-fair admission, a
// configurable concurrency limit, and cooperative cancellation.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/particle-iot/particle-usb/internal/errs"
	"github.com/particle-iot/particle-usb/internal/protocol"
	"github.com/particle-iot/particle-usb/internal/transport"
)

// Scheduler owns one transport.Backend and runs a single dispatch
// goroutine that advances exactly one pending request by exactly one
// transfer at a time — the pipe mutex is, by construction, just "only
// the dispatch goroutine touches the backend".
type Scheduler struct {
	backend transport.Backend
	backoff Policy

	sem *semaphore.Weighted // nil means unbounded admission

	mu      sync.Mutex
	active  []*pendingRequest
	rr      int // round-robin cursor into active, advanced on each pick
	closing bool

	outstanding atomic.Int64

	wake            chan struct{}
	stopSignal      chan struct{}
	stopped         chan struct{}
	admissionClosed chan struct{}
	closeOnce       sync.Once
}

// New starts a Scheduler bound to backend. limit <= 0 means no
// concurrency limit (admission never blocks on the semaphore).
func New(backend transport.Backend, limit int, backoff Policy) *Scheduler {
	if backoff == nil {
		backoff = DefaultPolicy
	}
	s := &Scheduler{
		backend:         backend,
		backoff:         backoff,
		wake:            make(chan struct{}, 1),
		stopSignal:      make(chan struct{}),
		stopped:         make(chan struct{}),
		admissionClosed: make(chan struct{}),
	}
	if limit > 0 {
		s.sem = semaphore.NewWeighted(int64(limit))
	}
	go s.dispatchLoop()
	return s
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Submit admits one logical request (typeID/payload) and blocks until it
// completes, is cancelled (ctx done, or the scheduler closing), or times
// out against deadline. A zero deadline means no timeout.
func (s *Scheduler) Submit(ctx context.Context, typeID uint16, payload []byte, deadline time.Time) Outcome {
	s.outstanding.Add(1)
	defer s.outstanding.Add(-1)

	acCtx := ctx
	var cancel context.CancelFunc
	if !deadline.IsZero() {
		acCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	if err := s.acquireSlot(acCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Outcome{Err: errs.ErrTimeout}
		}
		return Outcome{Err: errs.ErrCancelled}
	}
	if s.sem != nil {
		defer s.sem.Release(1)
	}

	req := &pendingRequest{
		typeID:   typeID,
		payload:  payload,
		deadline: deadline,
		state:    stateNew,
		done:     make(chan Outcome, 1),
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return Outcome{Err: errs.ErrCancelled}
	}
	s.active = append(s.active, req)
	s.mu.Unlock()
	s.nudge()

	select {
	case out := <-req.done:
		return out
	case <-ctx.Done():
		s.finish(req, Outcome{})
		return Outcome{Err: errs.ErrCancelled}
	}
}

// acquireSlot blocks until a concurrency slot is free, ctx is done, or
// the scheduler starts closing.
func (s *Scheduler) acquireSlot(ctx context.Context) error {
	if s.sem == nil {
		return nil
	}
	acquireCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.sem.Acquire(acquireCtx, 1) }()

	select {
	case err := <-done:
		return err
	case <-s.admissionClosed:
		cancel()
		<-done
		return errs.ErrCancelled
	}
}

// Close cancels every admitted request synchronously, best-effort resets
// the device's outstanding state with RESET(0), and stops the dispatch
// goroutine. If waitForPending and timeout is non-nil, Close first waits
// up to timeout for outstanding requests to finish on their own. A nil
// timeout makes wait_for_pending a no-op — there is nothing to bound the
// wait by, so Close cancels immediately.
func (s *Scheduler) Close(waitForPending bool, timeout *time.Duration) {
	s.closeOnce.Do(func() {
		if waitForPending && timeout != nil {
			s.waitQuiescent(*timeout)
		}

		s.mu.Lock()
		s.closing = true
		toCancel := s.active
		s.active = nil
		s.mu.Unlock()

		for _, r := range toCancel {
			s.finish(r, Outcome{Err: errs.ErrCancelled})
		}

		close(s.admissionClosed)
		close(s.stopSignal)
		<-s.stopped
	})
}

// CancelAll cancels every currently admitted request without stopping
// the scheduler — used by Session.CancelAll, as distinct from Close.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	toCancel := s.active
	s.active = nil
	s.mu.Unlock()

	for _, r := range toCancel {
		s.finish(r, Outcome{Err: errs.ErrCancelled})
	}
}

func (s *Scheduler) waitQuiescent(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for s.outstanding.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *Scheduler) finish(req *pendingRequest, out Outcome) {
	s.mu.Lock()
	if req.finished {
		s.mu.Unlock()
		return
	}
	req.finished = true
	for i, r := range s.active {
		if r == req {
			s.active = append(s.active[:i], s.active[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	req.done <- out
}

func (s *Scheduler) dispatchLoop() {
	defer close(s.stopped)
	for {
		select {
		case <-s.stopSignal:
			ctx, cancel := context.WithTimeout(context.Background(), transport.ControlTimeout)
			_, _ = s.backend.TransferIn(ctx, protocol.Reset(0))
			cancel()
			return
		default:
		}

		s.mu.Lock()
		req, wait := s.selectNext(time.Now())
		s.mu.Unlock()

		if req == nil {
			if wait <= 0 {
				wait = time.Hour
			}
			select {
			case <-s.wake:
			case <-time.After(wait):
			case <-s.stopSignal:
			}
			continue
		}
		s.step(req)
	}
}

// selectNext must be called with s.mu held. It returns the next request
// to advance, or nil plus how long to wait before re-checking.
func (s *Scheduler) selectNext(now time.Time) (*pendingRequest, time.Duration) {
	if len(s.active) == 0 {
		return nil, 0
	}

	for _, r := range s.active {
		if !r.deadline.IsZero() && !now.Before(r.deadline) {
			return r, 0
		}
	}

	// New requests are taken in admission order (s.active is append-only
	// in Submit), so INIT is issued FIFO.
	for i, r := range s.active {
		if r.state == stateNew && requestReady(r, now) {
			s.rr = (i + 1) % len(s.active)
			return r, 0
		}
	}
	if r := s.findReady(now, func(r *pendingRequest) bool {
		return r.state == stateSending || r.state == stateReceiving
	}); r != nil {
		return r, 0
	}
	if r := s.findReady(now, func(r *pendingRequest) bool { return r.state == statePolling }); r != nil {
		return r, 0
	}

	wait := time.Duration(-1)
	for _, r := range s.active {
		d := r.readyAt.Sub(now)
		if !r.deadline.IsZero() {
			if dl := r.deadline.Sub(now); dl < d {
				d = dl
			}
		}
		if d < 0 {
			d = 0
		}
		if wait < 0 || d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 50 * time.Millisecond
	}
	return nil, wait
}

func requestReady(r *pendingRequest, now time.Time) bool {
	return r.readyAt.IsZero() || !now.Before(r.readyAt)
}

// findReady scans s.active starting at the round-robin cursor, wrapping
// once, for the first request matching pred and ready now.
func (s *Scheduler) findReady(now time.Time, pred func(*pendingRequest) bool) *pendingRequest {
	n := len(s.active)
	for i := 0; i < n; i++ {
		idx := (s.rr + i) % n
		r := s.active[idx]
		if pred(r) && requestReady(r, now) {
			s.rr = (idx + 1) % n
			return r
		}
	}
	return nil
}

func (s *Scheduler) nextPollTime(req *pendingRequest) time.Time {
	next := time.Now().Add(s.backoff(req.attempt))
	if !req.deadline.IsZero() && req.deadline.Before(next) {
		return req.deadline
	}
	return next
}

// step performs exactly one transfer on req's behalf and advances its
// state machine (spec.md §4.C.3). It is only ever called from the
// dispatch goroutine.
func (s *Scheduler) step(req *pendingRequest) {
	now := time.Now()
	if !req.deadline.IsZero() && !now.Before(req.deadline) {
		s.timeoutFail(req)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), transport.ControlTimeout)
	defer cancel()

	switch req.state {
	case stateNew:
		s.stepInit(ctx, req)
	case stateSending:
		s.stepSend(ctx, req)
	case statePolling:
		s.stepPoll(ctx, req)
	case stateReceiving:
		s.stepRecv(ctx, req)
	}
}

func (s *Scheduler) timeoutFail(req *pendingRequest) {
	if req.hasReqID {
		ctx, cancel := context.WithTimeout(context.Background(), transport.ControlTimeout)
		_, _ = s.backend.TransferIn(ctx, protocol.Reset(req.reqID))
		cancel()
	}
	s.finish(req, Outcome{Err: errs.ErrTimeout})
}

// abortAndFail best-effort RESETs req's id (if known) and delivers err.
func (s *Scheduler) abortAndFail(req *pendingRequest, err error) {
	if req.hasReqID {
		ctx, cancel := context.WithTimeout(context.Background(), transport.ControlTimeout)
		_, _ = s.backend.TransferIn(ctx, protocol.Reset(req.reqID))
		cancel()
	}
	s.finish(req, Outcome{Err: err})
}

func (s *Scheduler) stepInit(ctx context.Context, req *pendingRequest) {
	setup := protocol.Init(req.typeID, uint16(len(req.payload)))
	buf, err := s.backend.TransferIn(ctx, setup)
	if err != nil {
		s.finish(req, Outcome{Err: err})
		return
	}
	rep, err := protocol.ParseReply(buf)
	if err != nil {
		s.finish(req, Outcome{Err: err})
		return
	}

	switch rep.Status {
	case protocol.StatusOK:
		if !rep.HasID {
			s.finish(req, Outcome{Err: fmt.Errorf("%w: INIT reply missing ID", errs.ErrProtocol)})
			return
		}
		req.reqID = rep.ID
		req.hasReqID = true
		req.attempt = 0
		req.readyAt = time.Time{}
		if len(req.payload) > 0 {
			req.state = stateSending
		} else {
			req.state = statePolling
		}
	case protocol.StatusBusy:
		// Recovered locally: retry INIT per backoff until the deadline.
		req.attempt++
		req.readyAt = s.nextPollTime(req)
	case protocol.StatusNoMemory:
		s.finish(req, Outcome{Err: errs.ErrMemory})
	default:
		s.finish(req, Outcome{Err: fmt.Errorf("%w: INIT returned status %s", errs.ErrProtocol, rep.Status)})
	}
}

func (s *Scheduler) stepSend(ctx context.Context, req *pendingRequest) {
	setup := protocol.Send(req.reqID, uint16(len(req.payload)))
	if err := s.backend.TransferOut(ctx, setup, req.payload); err != nil {
		s.abortAndFail(req, err)
		return
	}
	req.state = statePolling
	req.attempt = 0
	req.readyAt = time.Time{}
}

func (s *Scheduler) stepPoll(ctx context.Context, req *pendingRequest) {
	setup := protocol.Check(req.reqID)
	buf, err := s.backend.TransferIn(ctx, setup)
	if err != nil {
		s.abortAndFail(req, err)
		return
	}
	rep, err := protocol.ParseReply(buf)
	if err != nil {
		s.abortAndFail(req, err)
		return
	}

	switch rep.Status {
	case protocol.StatusPending, protocol.StatusBusy:
		req.attempt++
		req.readyAt = s.nextPollTime(req)
	case protocol.StatusOK:
		result := int32(0)
		if rep.HasResult {
			result = rep.Result
		}
		req.result = result
		if rep.HasSize && rep.Size > 0 {
			req.replySize = rep.Size
			req.state = stateReceiving
		} else {
			s.finish(req, Outcome{Reply: Reply{Status: rep.Status, Result: result, Payload: []byte{}}})
		}
	case protocol.StatusNoMemory:
		s.abortAndFail(req, errs.ErrMemory)
	default:
		s.abortAndFail(req, fmt.Errorf("%w: CHECK returned status %s", errs.ErrProtocol, rep.Status))
	}
}

func (s *Scheduler) stepRecv(ctx context.Context, req *pendingRequest) {
	setup := protocol.Recv(req.reqID, uint16(req.replySize))
	buf, err := s.backend.TransferIn(ctx, setup)
	if err != nil {
		s.abortAndFail(req, err)
		return
	}
	s.finish(req, Outcome{Reply: Reply{Status: protocol.StatusOK, Result: req.result, Payload: buf}})
}
