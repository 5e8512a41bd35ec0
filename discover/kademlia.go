package discover

import (
	"fmt"
	"net"

	"github.com/anacrolix/dht/v2/krpc"

	"github.com/sectorrent/kaddht/wire"
)

// Kademlia is the local control surface: a thin facade binding a Table, a
// Server, and a RefreshHandler together, the Go counterpart of the
// original's Kademlia struct (spec.md §6). Unlike the Server, it is the
// one type allowed to hold references to all three — the Server itself
// only ever reaches the refresh handler through the injected
// OnFirstRequest callback, never a back-pointer (spec.md §9).
type Kademlia struct {
	table   *Table
	server  *Server
	refresh *RefreshHandler
}

// New builds a Kademlia node from cfg, wiring the table's restart listener
// to re-announce to the closest known nodes whenever the public-IP
// consensus flips (spec.md §4.2's "restart" behavior), and starting the
// refresh handler automatically the first time any query is handled
// (spec.md §4.1).
func New(cfg Config) *Kademlia {
	cfg = cfg.withDefaults()
	table := NewTable(cfg.Proto, cfg.InitialAddr, cfg.secureOnly(), cfg.NodeIDOverride, cfg.Logger)
	server := NewServer(cfg, table)
	refresh := NewRefreshHandler(server, table, cfg.RefreshInterval)

	k := &Kademlia{table: table, server: server, refresh: refresh}

	table.AddRestartListener(k.reannounce)
	server.OnFirstRequest(func() {
		if !refresh.IsRunning() {
			refresh.Start()
		}
	})

	return k
}

// reannounce re-sends find_node(local id) to the closest known nodes,
// mirroring the original's add_restart_listener closure that re-joins the
// network under the freshly re-derived id after a consensus flip.
func (k *Kademlia) reannounce() {
	uid := k.table.LocalUID()
	closest := k.table.FindClosest(uid, k.table.BucketCapacity())
	for _, n := range closest {
		msg := wire.NewFindNodeQuery(wire.TransactionID{}, krpc.ID(uid), krpc.ID(uid))
		k.server.SendWithNodeCallback(msg, n, callback{
			onResponse: func(resp *wire.Message, from *Node) { k.table.Insert(from) },
		})
	}
}

// Bind starts listening on a UDP socket at addr without contacting any
// other node (spec.md §6's "bind").
func (k *Kademlia) Bind(addr *net.UDPAddr) error {
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("discover: bind: %w", err)
	}
	return k.server.Start(conn)
}

// Join binds to localAddr and sends an initial find_node(local id) to seed,
// the bootstrap path that introduces this node to an existing swarm
// (spec.md §6's "join").
func (k *Kademlia) Join(localAddr *net.UDPAddr, seed *net.UDPAddr) error {
	if err := k.Bind(localAddr); err != nil {
		return err
	}
	k.announce(seed)
	return nil
}

// announce sends the initial find_node(local id) to seed. It uses
// SendWithCallback rather than SendWithNodeCallback since the seed's id
// isn't known yet — binding an expected id here would make the response
// path reject the seed's real id as a mismatch (spec.md §7).
func (k *Kademlia) announce(seed *net.UDPAddr) {
	uid := k.table.LocalUID()
	l := newLookupState(k.server, uid)
	msg := wire.NewFindNodeQuery(wire.TransactionID{}, krpc.ID(uid), krpc.ID(uid))
	k.server.SendWithCallback(msg, seed, callback{
		onResponse: func(resp *wire.Message, from *Node) { l.onFindNodeResponse(resp, from) },
		onStalled:  l.onStalled,
	})
}

// Stop tears down both the server and the refresh handler (spec.md §6).
func (k *Kademlia) Stop() error {
	k.refresh.Stop()
	return k.server.Stop()
}

// Table returns the underlying routing table.
func (k *Kademlia) Table() *Table { return k.table }

// Server returns the underlying RPC server.
func (k *Kademlia) Server() *Server { return k.server }

// RefreshHandler returns the underlying refresh handler.
func (k *Kademlia) RefreshHandler() *RefreshHandler { return k.refresh }
