package ftpengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonzalop/ftpengine/listing"
)

func signalled(q *notificationQueue) bool {
	select {
	case <-q.ready:
		return true
	default:
		return false
	}
}

func TestNotificationQueueEdgeTrigger(t *testing.T) {
	t.Parallel()
	q := newNotificationQueue()

	q.add(ActiveStatus{Direction: DirectionRecv})
	q.add(ActiveStatus{Direction: DirectionSend})
	assert.True(t, signalled(q))
	assert.False(t, signalled(q), "one wake for the empty to non-empty transition")

	n, ok := q.takeNext()
	require.True(t, ok)
	assert.Equal(t, ActiveStatus{Direction: DirectionRecv}, n)

	// Not empty yet, so no new signal
	q.add(OperationComplete{Command: KindList})
	assert.False(t, signalled(q))

	n, _ = q.takeNext()
	assert.Equal(t, ActiveStatus{Direction: DirectionSend}, n)
	n, _ = q.takeNext()
	assert.Equal(t, OperationComplete{Command: KindList}, n)

	_, ok = q.takeNext()
	assert.False(t, ok)

	q.add(OperationComplete{Command: KindRaw})
	assert.True(t, signalled(q))
	assert.Equal(t, 1, q.len())
}

func TestNotificationQueueDrop(t *testing.T) {
	t.Parallel()
	q := newNotificationQueue()

	l := listing.New("/", "", []listing.Entry{{Name: "a"}})
	held := l.Clone()
	q.add(DirectoryListingReady{Listing: l})
	q.add(OperationComplete{Command: KindList})

	assert.Equal(t, 2, q.drop())
	assert.Zero(t, q.len())
	assert.Zero(t, l.Len(), "queued listing handles are released")
	assert.Equal(t, 1, held.Len())
}

func TestNotificationName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "operation_complete", notificationName(OperationComplete{}))
	assert.Equal(t, "listing", notificationName(DirectoryListingReady{}))
	assert.Equal(t, "async_request", notificationName(AsyncRequestNotification{}))
	assert.Equal(t, "active", notificationName(ActiveStatus{}))
}
