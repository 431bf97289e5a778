package request

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-dm/qserv-replica-controller/pkg/messenger"
	"github.com/lsst-dm/qserv-replica-controller/pkg/wire"
)

// fakeSender is a scriptable stand-in for *messenger.Messenger.
type fakeSender struct {
	mu        sync.Mutex
	sendCalls []wire.RequestType
	onSend    func(reqType wire.RequestType, onFinish messenger.OnFinish)
	cancelled []string
}

func (f *fakeSender) Send(workerName, requestID string, reqType wire.RequestType, payload []byte, onFinish messenger.OnFinish) error {
	f.mu.Lock()
	f.sendCalls = append(f.sendCalls, reqType)
	cb := f.onSend
	f.mu.Unlock()
	if cb != nil {
		cb(reqType, onFinish)
	}
	return nil
}

func (f *fakeSender) Cancel(workerName, requestID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, requestID)
}

func TestSubmitReachesSuccessOnTerminalReply(t *testing.T) {
	sender := &fakeSender{}
	sender.onSend = func(reqType wire.RequestType, onFinish messenger.OnFinish) {
		onFinish("req-1", true, &wire.Response{Status: wire.StatusSuccess, ExtendedStatus: wire.ExtNone})
	}

	reg := NewRegistry()
	req := New("worker01", wire.Echo, "req-1", 0, nil, sender, reg, nil)
	reg.Register(req)

	require.NoError(t, req.Submit(0))
	assert.Equal(t, wire.StatusSuccess, req.Status())
	assert.Nil(t, reg.Get("req-1"))
}

func TestSubmitTransportFailureIsClientError(t *testing.T) {
	sender := &fakeSender{}
	sender.onSend = func(reqType wire.RequestType, onFinish messenger.OnFinish) {
		onFinish("req-1", false, nil)
	}

	req := New("worker01", wire.Echo, "req-1", 0, nil, sender, nil, nil)
	require.NoError(t, req.Submit(0))
	assert.Equal(t, wire.StatusFailed, req.Status())
	assert.Equal(t, wire.ExtClientError, req.ExtendedStatus())
}

func TestSubmitKeepTrackingPollsStatus(t *testing.T) {
	sender := &fakeSender{}
	var calls int
	sender.onSend = func(reqType wire.RequestType, onFinish messenger.OnFinish) {
		calls++
		if calls == 1 {
			onFinish("req-1", true, &wire.Response{Status: wire.StatusInProgress})
			return
		}
		onFinish("req-1", true, &wire.Response{Status: wire.StatusSuccess, ExtendedStatus: wire.ExtNone})
	}

	req := New("worker01", wire.Replicate, "req-1", 0, nil, sender, nil, nil)
	req.KeepTracking = true

	require.NoError(t, req.Submit(0))

	require.Eventually(t, func() bool {
		return req.Status() == wire.StatusSuccess
	}, time.Second, 5*time.Millisecond)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.sendCalls, 2)
	assert.Equal(t, wire.Status, sender.sendCalls[1])
}

func TestCancelBeforeSubmitIsImmediate(t *testing.T) {
	sender := &fakeSender{}
	req := New("worker01", wire.Echo, "req-1", 0, nil, sender, nil, nil)
	req.Cancel()
	assert.Equal(t, wire.StatusCancelled, req.Status())
}

func TestCancelAfterSubmitSendsStop(t *testing.T) {
	sender := &fakeSender{}
	sender.onSend = func(reqType wire.RequestType, onFinish messenger.OnFinish) {
		if reqType == wire.Stop {
			onFinish("req-1", true, &wire.Response{Status: wire.StatusCancelled, ExtendedStatus: wire.ExtNone})
		}
	}

	req := New("worker01", wire.Echo, "req-1", 0, nil, sender, nil, nil)
	require.NoError(t, req.Submit(0))

	req.Cancel()

	assert.Equal(t, wire.StatusCancelled, req.Status())
	assert.Contains(t, sender.cancelled, "req-1")
}

func TestExpirationTimerFailsTheRequest(t *testing.T) {
	sender := &fakeSender{}
	req := New("worker01", wire.Echo, "req-1", 0, nil, sender, nil, nil)
	require.NoError(t, req.Submit(10*time.Millisecond))

	require.Eventually(t, func() bool {
		return req.Status() == wire.StatusFailed
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, wire.ExtTimeoutExpired, req.ExtendedStatus())
}

func TestOnFinishCallbackFiresOnce(t *testing.T) {
	sender := &fakeSender{}
	sender.onSend = func(reqType wire.RequestType, onFinish messenger.OnFinish) {
		onFinish("req-1", true, &wire.Response{Status: wire.StatusSuccess, ExtendedStatus: wire.ExtNone})
		onFinish("req-1", true, &wire.Response{Status: wire.StatusSuccess, ExtendedStatus: wire.ExtNone})
	}

	var calls int
	req := New("worker01", wire.Echo, "req-1", 0, nil, sender, nil, func(r *Request) { calls++ })
	require.NoError(t, req.Submit(0))
	assert.Equal(t, 1, calls)
}
