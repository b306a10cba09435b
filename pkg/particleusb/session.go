package particleusb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"

	"github.com/particle-iot/particle-usb/internal/errs"
	"github.com/particle-iot/particle-usb/internal/scheduler"
	"github.com/particle-iot/particle-usb/internal/transport"
)

// OpenOptions is {concurrency_limit?} from spec.md §6.
type OpenOptions struct {
	ConcurrencyLimit *int
}

// CloseOptions is {wait_for_pending=true, timeout?} from spec.md §6.
type CloseOptions struct {
	WaitForPending bool
	Timeout        *time.Duration
}

// DefaultCloseOptions matches the documented default: wait for pending
// requests, with no bound (which, per the Close semantics below,
// degrades to an immediate cancel — there's nothing to wait against).
func DefaultCloseOptions() CloseOptions {
	return CloseOptions{WaitForPending: true}
}

// Session is an opened Device (component E): lifecycle, the pending
// request registry (owned by its scheduler.Scheduler), timeout clock,
// and the two passthrough transfers external collaborators use to
// bypass the service layer.
type Session struct {
	Device Device

	mu      sync.Mutex
	isOpen  bool
	backend transport.Backend
	sched   *scheduler.Scheduler
}

// Open acquires the backend handle and starts the request scheduler.
// Fails with KindState if the session is already open.
func (s *Session) Open(ctx context.Context, opts OpenOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isOpen {
		return newError(KindState, "session is already open", nil)
	}

	backend := s.Device.backend()
	if err := backend.Open(ctx); err != nil {
		return classify(err)
	}

	limit := 0
	if opts.ConcurrencyLimit != nil {
		limit = *opts.ConcurrencyLimit
	}

	s.backend = backend
	s.sched = scheduler.New(backend, limit, nil)
	s.isOpen = true
	return nil
}

// Close optionally waits for pending requests, best-effort resets the
// device's outstanding state, closes the backend, and marks the
// session closed. Idempotent once closed.
func (s *Session) Close(opts CloseOptions) error {
	s.mu.Lock()
	if !s.isOpen {
		s.mu.Unlock()
		return nil
	}
	sched, backend := s.sched, s.backend
	s.mu.Unlock()

	sched.Close(opts.WaitForPending, opts.Timeout)
	err := backend.Close()

	s.mu.Lock()
	s.isOpen = false
	s.mu.Unlock()

	if err != nil {
		return classify(err)
	}
	return nil
}

// CancelAll cancels every pending request but leaves the session open.
func (s *Session) CancelAll() {
	s.mu.Lock()
	sched := s.sched
	s.mu.Unlock()
	if sched != nil {
		sched.CancelAll()
	}
}

func (s *Session) snapshot() (*scheduler.Scheduler, transport.Backend, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sched, s.backend, s.isOpen
}

func (s *Session) submitRaw(ctx context.Context, typeID uint16, payload []byte, timeout *time.Duration) (RawReply, error) {
	sched, _, open := s.snapshot()
	if !open {
		return RawReply{}, newError(KindState, "session is not open", nil)
	}

	d := currentRequestTimeout()
	if timeout != nil {
		d = *timeout
	}

	outcome := sched.Submit(ctx, typeID, payload, time.Now().Add(d))
	if outcome.Err != nil {
		err := classify(outcome.Err)
		if !errIsIntentionalCancel(outcome.Err) {
			currentLogger().Warn(fmt.Sprintf("request type %d failed: %v", typeID, err))
		}
		return RawReply{}, err
	}
	return RawReply{Status: outcome.Reply.Status, Result: outcome.Reply.Result, Payload: outcome.Reply.Payload}, nil
}

func errIsIntentionalCancel(err error) bool {
	return err == errs.ErrCancelled
}

// SendRequest composes D+C+D: encodes req, submits it as typeID,
// decodes the reply into reply, honoring opts.Timeout in place of the
// process-wide default.
func (s *Session) SendRequest(ctx context.Context, typeID uint16, req, reply proto.Message, opts RequestOptions) (RawReply, error) {
	return SendTyped(ctx, s, typeID, req, reply, opts)
}

// TransferIn is the passthrough external collaborators use to bypass
// the service layer entirely (spec.md §4.E).
func (s *Session) TransferIn(ctx context.Context, setup transport.SetupPacket) ([]byte, error) {
	_, backend, open := s.snapshot()
	if !open {
		return nil, newError(KindState, "session is not open", nil)
	}
	buf, err := backend.TransferIn(ctx, setup)
	if err != nil {
		return nil, classify(err)
	}
	return buf, nil
}

// TransferOut is the OUT counterpart of TransferIn.
func (s *Session) TransferOut(ctx context.Context, setup transport.SetupPacket, data []byte) error {
	_, backend, open := s.snapshot()
	if !open {
		return newError(KindState, "session is not open", nil)
	}
	if err := backend.TransferOut(ctx, setup, data); err != nil {
		return classify(err)
	}
	return nil
}

// Scope is what a deadline-bound closure passed to WithDeadline
// receives, instead of a self-reference to the session (Design Note 2
// replaces the source's cyclic `session.timeout(deadline, async s =>
// ...)` with this explicit borrow).
type Scope struct {
	ctx     context.Context
	session *Session
}

// SendRequest applies the scope's deadline in place of opts.Timeout
// when the caller didn't set one.
func (sc Scope) SendRequest(typeID uint16, req, reply proto.Message, opts RequestOptions) (RawReply, error) {
	if opts.Timeout == nil {
		if dl, ok := sc.ctx.Deadline(); ok {
			d := time.Until(dl)
			opts.Timeout = &d
		}
	}
	return sc.session.SendRequest(sc.ctx, typeID, req, reply, opts)
}

// Delay suspends the scope for d, or returns a KindTimeout error if the
// scope's deadline fires first.
func (sc Scope) Delay(d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-sc.ctx.Done():
		return newError(KindTimeout, "deadline elapsed during delay", sc.ctx.Err())
	}
}

// WithDeadline runs fn with a Scope bound to deadline; the scope's
// send_request/delay are aborted if deadline fires before fn returns.
func (s *Session) WithDeadline(deadline time.Time, fn func(Scope) error) error {
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	return fn(Scope{ctx: ctx, session: s})
}
