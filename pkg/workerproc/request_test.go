package workerproc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-dm/qserv-replica-controller/pkg/wire"
)

func TestDuplicateKeyByRequestType(t *testing.T) {
	assert.Equal(t, "REPLICATE/db1/5", DuplicateKey(wire.Replicate, "db1", 5, false))
	assert.Equal(t, "FIND/db1/5/false", DuplicateKey(wire.Find, "db1", 5, false))
	assert.Equal(t, "FIND_ALL/db1", DuplicateKey(wire.FindAll, "db1", 0, false))
	assert.Equal(t, "", DuplicateKey(wire.Echo, "", 0, false))

	// The checksum flag is part of FIND's identity, and only FIND's.
	assert.NotEqual(t,
		DuplicateKey(wire.Find, "db1", 5, false),
		DuplicateKey(wire.Find, "db1", 5, true))
	assert.Equal(t,
		DuplicateKey(wire.Replicate, "db1", 5, false),
		DuplicateKey(wire.Replicate, "db1", 5, true))
}

func TestCancelWhileCreatedIsImmediate(t *testing.T) {
	req := NewRequest("worker01", wire.Echo, "req-1", 0, "", 0, false, echoExecute)
	req.cancel()
	assert.Equal(t, wire.StatusCancelled, req.Status())
}

func TestCancelWhileInProgressMarksIsCancellingThenExecOnceFinishes(t *testing.T) {
	req := NewRequest("worker01", wire.Echo, "req-1", 0, "", 0, false, echoExecute)
	require.NoError(t, req.start())
	req.cancel()
	assert.Equal(t, wire.StatusIsCancelling, req.Status())

	req.execOnce()
	assert.Equal(t, wire.StatusCancelled, req.Status())
}

func TestExecOnceSetsSuccessResponse(t *testing.T) {
	req := NewRequest("worker01", wire.Echo, "req-1", 0, "", 0, false, echoExecute)
	require.NoError(t, req.start())
	req.execOnce()
	assert.Equal(t, wire.StatusSuccess, req.Status())
	require.NotNil(t, req.Response())
}

func TestInitArmsExpirationTimer(t *testing.T) {
	req := NewRequest("worker01", wire.Echo, "req-1", 0, "", 0, false, echoExecute)
	expired := make(chan string, 1)
	req.Init(10*time.Millisecond, func(id string) { expired <- id })

	select {
	case id := <-expired:
		assert.Equal(t, "req-1", id)
	case <-time.After(time.Second):
		t.Fatal("expiration callback never fired")
	}
}

func TestRequeueResetsToCreated(t *testing.T) {
	req := NewRequest("worker01", wire.Echo, "req-1", 0, "", 0, false, echoExecute)
	require.NoError(t, req.start())
	req.requeue()
	assert.Equal(t, wire.StatusCreated, req.Status())
	assert.True(t, req.Performance().StartTime.IsZero())
}
