package discover

import (
	"net"
	"testing"
	"time"

	"github.com/anacrolix/dht/v2/krpc"
	"github.com/stretchr/testify/require"

	"github.com/sectorrent/kaddht/wire"
)

// TestLookupConvergesWhenSeedHasNoCloserNodes exercises spec.md §4.3's base
// case: the lookup's only seed answers with just the querying node itself,
// which is filtered out, so no candidate remains and the lookup must
// converge (and Wait return) rather than hang.
func TestLookupConvergesWhenSeedHasNoCloserNodes(t *testing.T) {
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

	done := make(chan struct{})
	go func() {
		srvA.Lookup(aUID, 8)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lookup never converged")
	}

	require.Contains(t, uidsOf(srvB.table.AllNodes()), aUID)
}

// TestLookupSortsCandidatesBeforeConvergenceCheck exercises spec.md §4.3's
// "sort returned nodes by XOR-distance to local_uid" step: the responder's
// raw KRPC node list names a farther candidate before a nearer one, and the
// convergence test must still key off the nearest candidate, not whichever
// one happened to come first on the wire.
func TestLookupSortsCandidatesBeforeConvergenceCheck(t *testing.T) {
	target := uidOf(0x00)
	bUID := uidOf(0x05)  // sender; distance to target is 0x05...
	farUID := uidOf(0x09) // farther than the sender
	nearUID := uidOf(0x01) // nearer than the sender

	srv, _ := newTestServer(t, target)
	l := newLookupState(srv, target)

	farAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50001}
	nearAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50002}
	resp := wire.NewFindNodeResponse(wire.TransactionID{}, krpc.ID(bUID), []krpc.NodeInfo{
		{ID: krpc.ID(farUID), Addr: krpc.NodeAddr{IP: farAddr.IP, Port: farAddr.Port}},
		{ID: krpc.ID(nearUID), Addr: krpc.NodeAddr{IP: nearAddr.IP, Port: nearAddr.Port}},
	}, nil)

	bAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}
	l.onFindNodeResponse(resp, &Node{UID: bUID, Addr: bAddr})

	// nearUID is closer to target than bUID is, so the lookup must not
	// have converged — reading the unsorted list's first entry (farUID)
	// would wrongly have stopped it here instead.
	require.False(t, l.stopped, "lookup converged on the farther candidate instead of sorting first")
	require.True(t, l.queried[nearUID], "nearer candidate was never queried")
	require.True(t, l.queried[farUID], "farther candidate was never queried")
}

// TestLookupPingsFrontierOnConvergence exercises the ping-the-frontier step:
// B's find_node response names a third node C that is no closer to the
// target than B itself, so A should ping C directly rather than issuing
// another find_node round.
func TestLookupPingsFrontierOnConvergence(t *testing.T) {
	aUID := uidOf(0x01)
	bUID := uidOf(0x02)
	cUID := uidOf(0x04) // 0x01^0x04 = 0x05... is farther than 0x01^0x02 = 0x03...

	srvA, addrA := newTestServer(t, aUID)
	srvB, addrB := newTestServer(t, bUID)
	srvC, addrC := newTestServer(t, cUID)

	net := newFakeNetwork()
	require.NoError(t, srvA.Start(net.newConn(addrA)))
	require.NoError(t, srvB.Start(net.newConn(addrB)))
	require.NoError(t, srvC.Start(net.newConn(addrC)))
	defer srvA.Stop()
	defer srvB.Stop()
	defer srvC.Stop()

	require.True(t, srvB.table.Insert(&Node{UID: cUID, Addr: addrC}))
	require.True(t, srvA.table.Insert(&Node{UID: bUID, Addr: addrB}))

	done := make(chan struct{})
	go func() {
		srvA.Lookup(aUID, 8)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lookup never converged")
	}

	require.Eventually(t, func() bool {
		return len(srvC.table.AllNodes()) > 0
	}, time.Second, 10*time.Millisecond, "A never pinged C directly")
}
