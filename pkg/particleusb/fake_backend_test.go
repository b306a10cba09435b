package particleusb

import (
	"context"

	"github.com/particle-iot/particle-usb/internal/protocol"
	"github.com/particle-iot/particle-usb/internal/transport"
)

// fakeBackend is a minimal scripted transport.Backend for exercising a
// Session end to end without real hardware.
type fakeBackend struct {
	initReply  protocol.Reply
	checkReply protocol.Reply
	recvData   []byte
	opened     bool
}

func (b *fakeBackend) Open(ctx context.Context) error { b.opened = true; return nil }
func (b *fakeBackend) Close() error                    { b.opened = false; return nil }
func (b *fakeBackend) SerialNumber() string            { return "FAKE0001" }

func (b *fakeBackend) TransferIn(ctx context.Context, setup transport.SetupPacket) ([]byte, error) {
	switch setup.Request {
	case 1: // INIT
		return protocol.EncodeReply(b.initReply), nil
	case 2: // CHECK
		return protocol.EncodeReply(b.checkReply), nil
	case 4: // RECV
		return b.recvData, nil
	case 5: // RESET
		return protocol.EncodeReply(protocol.Reply{Status: protocol.StatusOK}), nil
	}
	return nil, nil
}

func (b *fakeBackend) TransferOut(ctx context.Context, setup transport.SetupPacket, data []byte) error {
	return nil
}
