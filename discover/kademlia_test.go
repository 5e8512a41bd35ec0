package discover

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestKademliaAnnounceReachesSeed exercises Join's post-Bind half: announce
// sends an initial find_node to the seed, and the seed inserts the joiner
// into its table on receiving it.
func TestKademliaAnnounceReachesSeed(t *testing.T) {
	seedUID := uidOf(0x09)
	tab := NewTable(ProtoMainline, net.IPv4(127, 0, 0, 1), false, &seedUID, nil)
	falsy := false
	seed := NewServer(Config{SecureOnly: &falsy, StallTimeout: 200 * time.Millisecond, AllowBogonIngress: truePtr()}, tab)

	seedAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 41900}
	joinAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 41901}

	netw := newFakeNetwork()
	require.NoError(t, seed.Start(netw.newConn(seedAddr)))
	defer seed.Stop()

	joinerUID := uidOf(0x0a)
	joinFalsy := false
	k := New(Config{
		Proto:             ProtoMainline,
		SecureOnly:        &joinFalsy,
		AllowBogonIngress: truePtr(),
		StallTimeout:      200 * time.Millisecond,
		InitialAddr:       joinAddr.IP,
		NodeIDOverride:    &joinerUID,
	})
	defer k.Stop()

	conn := netw.newConn(joinAddr)
	require.NoError(t, k.server.Start(conn))

	// announce is Join's post-Bind half; the server is already started
	// above on a fake conn, so calling Join itself here would attempt a
	// second, real net.ListenUDP on the same address.
	k.announce(seedAddr)

	require.Eventually(t, func() bool {
		return len(seed.table.AllNodes()) > 0
	}, time.Second, 10*time.Millisecond, "seed never saw the joiner's find_node")
}

// TestKademliaBindRejectsDoubleBind exercises the Server's New/Running
// state machine surfaced through the facade: a second Start of the
// facade's server, the call Bind makes after opening its socket, fails
// while the server is already running.
func TestKademliaBindRejectsDoubleBind(t *testing.T) {
	uid := uidOf(0x01)
	k := New(Config{NodeIDOverride: &uid, StallTimeout: 200 * time.Millisecond, AllowBogonIngress: truePtr()})

	netw := newFakeNetwork()
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 42000}
	require.NoError(t, k.server.Start(netw.newConn(addr)))
	defer k.Stop()

	require.Error(t, k.server.Start(netw.newConn(addr)))
}
