package workerproc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lsst-dm/qserv-replica-controller/pkg/wire"
)

func TestPoolDrainsEnqueuedRequests(t *testing.T) {
	p := NewProcessor()
	pool := StartPool(p, 2)
	defer pool.Stop()

	req := NewRequest("worker01", wire.Echo, "req-1", 0, "", 0, false, echoExecute)
	p.Enqueue(req)

	require.Eventually(t, func() bool {
		got, err := p.CheckStatus("req-1")
		return err == nil && got.Status() == wire.StatusSuccess
	}, time.Second, 5*time.Millisecond)
}

func TestPoolStopIsIdempotentAndPrompt(t *testing.T) {
	p := NewProcessor()
	pool := StartPool(p, 1)

	done := make(chan struct{})
	go func() {
		pool.Stop()
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop promptly")
	}
}
