// Package protocol implements component B: the five service-request
// setup packets (INIT/CHECK/SEND/RECV/RESET) and the fixed-layout
// service-reply codec described in spec.md §3/§4.B.
package protocol

import "github.com/particle-iot/particle-usb/internal/transport"

// bRequest values for the service requests (spec.md §4.B table).
const (
	bRequestInit  uint8 = 1
	bRequestCheck uint8 = 2
	bRequestSend  uint8 = 3
	bRequestRecv  uint8 = 4
	bRequestReset uint8 = 5
)

// VendorRequest is the fixed bRequest (ASCII 'P') used by every
// non-service Particle-vendor control transfer — the passthrough path
// external collaborators (e.g. a cloud-disconnect shortcut) use to
// bypass the service layer entirely.
const VendorRequest uint8 = 0x50

// serviceReplyLength is the minimum wLength for INIT/CHECK/RESET IN
// transfers: the first 64 bytes of the IN buffer carry the fixed-layout
// service reply (spec.md §3); any remainder is padding.
const serviceReplyLength = 64

// Init builds the INIT setup packet. outSize is the outbound payload
// size (0 if the request carries none).
func Init(typeID uint16, outSize uint16) transport.SetupPacket {
	return transport.SetupPacket{
		RequestType: transport.RequestTypeIn,
		Request:     bRequestInit,
		Value:       outSize,
		Index:       typeID,
		Length:      serviceReplyLength,
	}
}

// Check builds the CHECK setup packet, polled until the reply's status
// is no longer PENDING.
func Check(requestID uint16) transport.SetupPacket {
	return transport.SetupPacket{
		RequestType: transport.RequestTypeIn,
		Request:     bRequestCheck,
		Value:       0,
		Index:       requestID,
		Length:      serviceReplyLength,
	}
}

// Send builds the SEND setup packet — the only OUT service request.
// payloadSize is the exact number of outbound payload bytes.
func Send(requestID uint16, payloadSize uint16) transport.SetupPacket {
	return transport.SetupPacket{
		RequestType: transport.RequestTypeOut,
		Request:     bRequestSend,
		Value:       0,
		Index:       requestID,
		Length:      payloadSize,
	}
}

// Recv builds the RECV setup packet, reading payloadSize bytes of
// device-to-host payload (the SIZE a prior CHECK reply reported).
func Recv(requestID uint16, payloadSize uint16) transport.SetupPacket {
	return transport.SetupPacket{
		RequestType: transport.RequestTypeIn,
		Request:     bRequestRecv,
		Value:       0,
		Index:       requestID,
		Length:      payloadSize,
	}
}

// Reset builds the RESET setup packet. requestID == 0 aborts every
// outstanding request on the device; used only on session close.
func Reset(requestID uint16) transport.SetupPacket {
	return transport.SetupPacket{
		RequestType: transport.RequestTypeIn,
		Request:     bRequestReset,
		Value:       0,
		Index:       requestID,
		Length:      serviceReplyLength,
	}
}
