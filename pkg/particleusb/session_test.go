package particleusb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/particle-iot/particle-usb/internal/protocol"
	"github.com/particle-iot/particle-usb/internal/transport"
)

func newTestDevice(backend *fakeBackend) Device {
	return Device{
		VendorID:  0x2B04,
		ProductID: 0xC00A,
		backend:   func() transport.Backend { return backend },
	}
}

func TestSessionSendRequestRoundTrip(t *testing.T) {
	backend := &fakeBackend{
		initReply:  protocol.Reply{Status: protocol.StatusOK, ID: 1, HasID: true},
		checkReply: protocol.Reply{Status: protocol.StatusOK, Size: 0, HasSize: true, Result: 0, HasResult: true},
	}

	session := &Session{Device: newTestDevice(backend)}
	require.NoError(t, session.Open(context.Background(), OpenOptions{}))
	defer session.Close(DefaultCloseOptions())

	req := wrapperspb.String("abcd")
	out, err := session.SendRequest(context.Background(), 200, req, nil, RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, out.Status)
	assert.Equal(t, int32(0), out.Result)
}

func TestSessionSendRequestNonZeroResultRaises(t *testing.T) {
	backend := &fakeBackend{
		initReply:  protocol.Reply{Status: protocol.StatusOK, ID: 2, HasID: true},
		checkReply: protocol.Reply{Status: protocol.StatusOK, Size: 0, HasSize: true, Result: -170, HasResult: true},
	}

	session := &Session{Device: newTestDevice(backend)}
	require.NoError(t, session.Open(context.Background(), OpenOptions{}))
	defer session.Close(DefaultCloseOptions())

	_, err := session.SendRequest(context.Background(), 200, nil, nil, RequestOptions{})
	require.Error(t, err)
	var pubErr *Error
	require.ErrorAs(t, err, &pubErr)
	assert.Equal(t, KindRequest, pubErr.Kind)
	assert.Equal(t, int32(-170), pubErr.Code)
}

func TestSessionSendRequestDontThrow(t *testing.T) {
	backend := &fakeBackend{
		initReply:  protocol.Reply{Status: protocol.StatusOK, ID: 3, HasID: true},
		checkReply: protocol.Reply{Status: protocol.StatusOK, Size: 0, HasSize: true, Result: -170, HasResult: true},
	}

	session := &Session{Device: newTestDevice(backend)}
	require.NoError(t, session.Open(context.Background(), OpenOptions{}))
	defer session.Close(DefaultCloseOptions())

	out, err := session.SendRequest(context.Background(), 200, nil, nil, RequestOptions{DontThrow: true})
	require.NoError(t, err)
	assert.Equal(t, int32(-170), out.Result)
}

func TestSessionOpenTwiceFails(t *testing.T) {
	backend := &fakeBackend{initReply: protocol.Reply{Status: protocol.StatusOK, ID: 1, HasID: true}}
	session := &Session{Device: newTestDevice(backend)}
	require.NoError(t, session.Open(context.Background(), OpenOptions{}))
	defer session.Close(DefaultCloseOptions())

	err := session.Open(context.Background(), OpenOptions{})
	require.Error(t, err)
	var pubErr *Error
	require.ErrorAs(t, err, &pubErr)
	assert.Equal(t, KindState, pubErr.Kind)
}

func TestSessionSendRequestAfterCloseFails(t *testing.T) {
	backend := &fakeBackend{initReply: protocol.Reply{Status: protocol.StatusOK, ID: 1, HasID: true}}
	session := &Session{Device: newTestDevice(backend)}
	require.NoError(t, session.Open(context.Background(), OpenOptions{}))
	require.NoError(t, session.Close(DefaultCloseOptions()))

	_, err := session.SendRequest(context.Background(), 200, nil, nil, RequestOptions{})
	require.Error(t, err)
	var pubErr *Error
	require.ErrorAs(t, err, &pubErr)
	assert.Equal(t, KindState, pubErr.Kind)
}

func TestSessionWithDeadlineDelayTimesOut(t *testing.T) {
	backend := &fakeBackend{initReply: protocol.Reply{Status: protocol.StatusOK, ID: 1, HasID: true}}
	session := &Session{Device: newTestDevice(backend)}
	require.NoError(t, session.Open(context.Background(), OpenOptions{}))
	defer session.Close(DefaultCloseOptions())

	err := session.WithDeadline(time.Now().Add(10*time.Millisecond), func(sc Scope) error {
		return sc.Delay(time.Second)
	})
	require.Error(t, err)
	var pubErr *Error
	require.ErrorAs(t, err, &pubErr)
	assert.Equal(t, KindTimeout, pubErr.Kind)
}
