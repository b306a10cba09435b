package particleusb

import (
	"context"
	"time"

	"google.golang.org/protobuf/proto"

	"github.com/particle-iot/particle-usb/internal/protocol"
)

// RequestOptions is {timeout?, dont_throw=false} from spec.md §6.
type RequestOptions struct {
	Timeout   *time.Duration
	DontThrow bool
}

// RawReply is the {status, result, payload} record component D
// operates on, before any Protobuf decoding.
type RawReply struct {
	Status  protocol.Status
	Result  int32
	Payload []byte
}

// RequestSender is what component D needs to submit one logical
// request — satisfied by *Session.
type RequestSender interface {
	submitRaw(ctx context.Context, typeID uint16, payload []byte, timeout *time.Duration) (RawReply, error)
}

// SendTyped implements component D: encode req (proto.Message, may be
// nil) to bytes, submit it as typeID through sender, and decode the
// reply payload into reply (may be nil). It uses proto.Message
// generically rather than the teacher's own generated request/reply
// types because the descriptors here are supplied by whatever feature
// façade is calling in, not authored by this module.
func SendTyped(ctx context.Context, sender RequestSender, typeID uint16, req, reply proto.Message, opts RequestOptions) (RawReply, error) {
	var payload []byte
	if req != nil {
		b, err := proto.Marshal(req)
		if err != nil {
			return RawReply{}, newError(KindInternal, "failed to encode request payload", err)
		}
		payload = b
	}

	raw, err := sender.submitRaw(ctx, typeID, payload, opts.Timeout)
	if err != nil {
		return RawReply{}, err
	}

	failed := raw.Status != protocol.StatusOK || raw.Result != resultOK
	if failed {
		if opts.DontThrow {
			return raw, nil
		}
		return raw, RequestError(raw.Result)
	}

	if reply != nil {
		// The default decode-on-missing-data rule: decode an empty
		// buffer against the reply descriptor when OK carried no bytes.
		if err := proto.Unmarshal(raw.Payload, reply); err != nil {
			return raw, newError(KindProtocol, "failed to decode reply payload", err)
		}
	}

	return raw, nil
}
