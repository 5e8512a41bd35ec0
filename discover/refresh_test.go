package discover

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestRefreshHandlerStartStopIdempotent exercises spec.md §4.1's "start the
// refresh handler if it is not already running": a second Start is a no-op,
// and Stop after Start cleanly halts the loop goroutine.
func TestRefreshHandlerStartStopIdempotent(t *testing.T) {
	aUID := uidOf(0x01)
	srvA, _ := newTestServer(t, aUID)
	r := NewRefreshHandler(srvA, srvA.table, time.Hour)

	require.False(t, r.IsRunning())
	r.Start()
	require.True(t, r.IsRunning())
	r.Start()
	require.True(t, r.IsRunning())

	r.Stop()
	require.False(t, r.IsRunning())
	r.Stop()
	require.False(t, r.IsRunning())
}

// TestRefreshBucketsQueriesCloseNodes exercises the bucket-refresh sweep: B
// is resident in A's table, so a sweep should issue a find_node against B
// and B should see the query land (spec.md §4.3).
func TestRefreshBucketsQueriesCloseNodes(t *testing.T) {
	aUID := uidOf(0x01)
	bUID := uidOf(0x02)

	srvA, addrA := newTestServer(t, aUID)
	srvB, addrB := newTestServer(t, bUID)

	connA, connB := newFakeConnPair(addrA, addrB)
	require.NoError(t, srvA.Start(connA))
	require.NoError(t, srvB.Start(connB))
	defer srvA.Stop()
	defer srvB.Stop()

	require.True(t, srvA.table.Insert(&Node{UID: bUID, Addr: addrB}))

	r := NewRefreshHandler(srvA, srvA.table, time.Hour)
	r.refreshBuckets()

	require.Eventually(t, func() bool {
		return len(srvB.table.AllNodes()) > 0
	}, time.Second, 10*time.Millisecond, "B never saw a find_node from A's bucket sweep")
}

// TestPingStaleRePingsStaleNode exercises spec.md §7: a resident node with
// StaleCount>=1 gets re-pinged by a sweep.
func TestPingStaleRePingsStaleNode(t *testing.T) {
	aUID := uidOf(0x01)
	bUID := uidOf(0x02)

	srvA, addrA := newTestServer(t, aUID)
	srvB, addrB := newTestServer(t, bUID)

	connA, connB := newFakeConnPair(addrA, addrB)
	require.NoError(t, srvA.Start(connA))
	require.NoError(t, srvB.Start(connB))
	defer srvA.Stop()
	defer srvB.Stop()

	stale := &Node{UID: bUID, Addr: addrB}
	stale.MarkStale()
	require.True(t, srvA.table.Insert(stale))

	r := NewRefreshHandler(srvA, srvA.table, time.Hour)
	r.pingStale()

	require.Eventually(t, func() bool {
		return len(srvB.table.AllNodes()) > 0
	}, time.Second, 10*time.Millisecond, "B never received the stale re-ping")
}
