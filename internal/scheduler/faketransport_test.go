package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/particle-iot/particle-usb/internal/protocol"
	"github.com/particle-iot/particle-usb/internal/transport"
)

// scriptedBackend is a transport.Backend double that replays a canned
// sequence of replies keyed by bRequest, and tracks the high-water mark
// of concurrent transfers so tests can assert the single-pipe invariant.
type scriptedBackend struct {
	mu sync.Mutex

	// script[bRequest] is consumed in order; when exhausted the last
	// entry repeats.
	script map[uint8][]scriptedReply

	inFlight    int32
	maxInFlight int32

	resets []uint16
	sends  map[uint16][]byte // SEND payload actually carried over the wire, by request id

	// transferHook, if set, runs once per transfer while inFlight is
	// still raised — it is the mechanism tests use to widen the window
	// in which a real overlap would be observed (e.g. a short sleep),
	// rather than relying on scheduling luck.
	transferHook func(setup transport.SetupPacket)
}

type scriptedReply struct {
	reply   protocol.Reply
	payload []byte // used verbatim for RECV, which carries no service-reply framing
	err     error
}

func newScriptedBackend() *scriptedBackend {
	return &scriptedBackend{
		script: make(map[uint8][]scriptedReply),
		sends:  make(map[uint16][]byte),
	}
}

func (b *scriptedBackend) program(bRequest uint8, replies ...scriptedReply) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.script[bRequest] = replies
}

func ok(rep protocol.Reply) scriptedReply   { return scriptedReply{reply: rep} }
func fail(err error) scriptedReply          { return scriptedReply{err: err} }
func raw(payload []byte) scriptedReply      { return scriptedReply{payload: payload} }

func (b *scriptedBackend) Open(ctx context.Context) error { return nil }
func (b *scriptedBackend) Close() error                   { return nil }
func (b *scriptedBackend) SerialNumber() string           { return "SCRIPTED" }

// beginTransfer raises inFlight and returns a func that lowers it again.
// Callers must keep inFlight raised for the full duration of the
// simulated transfer — including transferHook, which runs here, while
// inFlight is still up — not just the bookkeeping around it; otherwise
// maxInFlight can never observe real overlap (see property 2, spec.md
// §8).
func (b *scriptedBackend) beginTransfer(setup transport.SetupPacket) (end func()) {
	n := atomic.AddInt32(&b.inFlight, 1)
	for {
		old := atomic.LoadInt32(&b.maxInFlight)
		if n <= old || atomic.CompareAndSwapInt32(&b.maxInFlight, old, n) {
			break
		}
	}
	if b.transferHook != nil {
		b.transferHook(setup)
	}
	return func() { atomic.AddInt32(&b.inFlight, -1) }
}

func (b *scriptedBackend) next(bRequest uint8) (scriptedReply, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	seq := b.script[bRequest]
	if len(seq) == 0 {
		return scriptedReply{}, false
	}
	var r scriptedReply
	if len(seq) == 1 {
		r = seq[0]
	} else {
		r = seq[0]
		b.script[bRequest] = seq[1:]
	}
	return r, true
}

func (b *scriptedBackend) TransferIn(ctx context.Context, setup transport.SetupPacket) ([]byte, error) {
	end := b.beginTransfer(setup)
	defer end()

	if setup.Request == 5 { // RESET carries no scripted reply by default
		b.mu.Lock()
		b.resets = append(b.resets, setup.Index)
		b.mu.Unlock()
		if sr, has := b.next(setup.Request); has {
			if sr.err != nil {
				return nil, sr.err
			}
			return protocol.EncodeReply(sr.reply), nil
		}
		return protocol.EncodeReply(protocol.Reply{Status: protocol.StatusOK}), nil
	}

	sr, has := b.next(setup.Request)
	if !has {
		return nil, fmt.Errorf("scriptedBackend: no script for bRequest %d", setup.Request)
	}
	if sr.err != nil {
		return nil, sr.err
	}
	if setup.Request == 4 { // RECV: raw payload, no service-reply framing
		return sr.payload, nil
	}
	return protocol.EncodeReply(sr.reply), nil
}

// sentPayload returns the bytes a prior SEND carried for reqID, for
// asserting property 1's round-trip integrity (spec.md §8).
func (b *scriptedBackend) sentPayload(reqID uint16) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.sends[reqID]
	return data, ok
}

func (b *scriptedBackend) TransferOut(ctx context.Context, setup transport.SetupPacket, data []byte) error {
	end := b.beginTransfer(setup)
	defer end()

	b.mu.Lock()
	stored := append([]byte(nil), data...)
	b.sends[setup.Index] = stored
	b.mu.Unlock()

	sr, has := b.next(setup.Request)
	if !has {
		return nil
	}
	return sr.err
}
