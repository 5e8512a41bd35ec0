package discover

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/anacrolix/dht/v2/krpc"

	"github.com/sectorrent/kaddht/wire"
)

// lookupState drives one iterative find_node lookup toward target. The
// original implementation split this across three listener types
// (JoinNodeResponseListener, PingResponseListener, and the stall handler
// folded into both); here they collapse into the three methods of a single
// struct bound to one lookup, since a Server's method-dispatch handlers are
// shared across every query rather than per-call closures (spec.md §4.3,
// SPEC_FULL.md §11).
type lookupState struct {
	server *Server
	table  *Table
	target UID

	mu      sync.Mutex
	queried map[UID]bool
	stopped bool
	done    chan struct{}
	once    sync.Once
}

// newLookupState allocates the state for one lookup toward target. done is
// closed once, the first time any branch ends: on convergence, on a
// response without usable nodes, on a stalled query, or when the table has
// no node to seed from.
func newLookupState(server *Server, target UID) *lookupState {
	return &lookupState{
		server:  server,
		table:   server.table,
		target:  target,
		queried: make(map[UID]bool),
		done:    make(chan struct{}),
	}
}

// seed kicks the lookup off against the r closest nodes already resident in
// the table (spec.md §4.3's starting point for both join and refresh).
func (l *lookupState) seed(r int) {
	closest := l.table.FindClosest(l.target, r)
	if len(closest) == 0 {
		l.finish()
		return
	}
	l.queryAll(closest)
}

// onFindNodeResponse is the analogue of JoinNodeResponseListener.on_response:
// it inserts the responder, extracts the node list, filters out the local id
// and anything already queried, and either fans out further
// find_node queries or — once convergence is detected — switches to pinging
// the frontier (spec.md §4.3).
func (l *lookupState) onFindNodeResponse(resp *wire.Message, from *Node) {
	l.table.Insert(from)

	// Either of these early returns ends this branch of the fan-out
	// without a further round; finish unblocks Wait if no other branch
	// got there first (Once makes a redundant call harmless).
	if resp.R == nil {
		l.finish()
		return
	}
	candidates := nodesFromReturn(resp.R)
	if len(candidates) == 0 {
		l.finish()
		return
	}

	localUID := l.table.LocalUID()
	distanceToSender := l.target.distanceUint256(from.UID)
	now := time.Now()

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		l.finish()
		return
	}
	var fresh []*Node
	for _, n := range candidates {
		if n.UID.Equal(localUID) || l.queried[n.UID] || l.table.HasQueried(n.UID, now) {
			continue
		}
		l.queried[n.UID] = true
		fresh = append(fresh, n)
	}
	// A remote peer's KRPC node list isn't guaranteed to arrive in
	// distance order; sort before reading fresh[0] as "closest returned"
	// (spec.md §4.3: "sort returned nodes by XOR-distance to local_uid").
	sort.Slice(fresh, func(i, j int) bool {
		return l.target.distanceUint256(fresh[i].UID).Cmp(l.target.distanceUint256(fresh[j].UID)) < 0
	})

	converged := len(fresh) == 0
	if !converged {
		closest := l.target.distanceUint256(fresh[0].UID)
		converged = distanceToSender.Cmp(closest) <= 0
	}
	if converged {
		l.stopped = true
	}
	l.mu.Unlock()

	if converged {
		l.pingFrontier(fresh)
		return
	}
	l.queryAll(fresh)
}

// onPingResponse mirrors PingResponseListener.on_response: the frontier node
// answered, so it is simply inserted (spec.md §4.3's seeding step).
func (l *lookupState) onPingResponse(resp *wire.Message, from *Node) {
	l.table.Insert(from)
}

// onStalled mirrors PingResponseListener.on_stalled: the node never answered
// within the stall timeout. Server.decayTick already bumps the node's
// stale counter via Table.MarkStale for every stalled Call, so this only
// needs to end the branch of the fan-out that was waiting on it — same as
// any other terminal response (spec.md §7).
func (l *lookupState) onStalled() { l.finish() }

func (l *lookupState) queryAll(nodes []*Node) {
	for _, n := range nodes {
		n := n
		msg := wire.NewFindNodeQuery(wire.TransactionID{}, krpc.ID(l.table.LocalUID()), krpc.ID(l.target))
		l.server.SendWithNodeCallback(msg, n, callback{
			onResponse: func(resp *wire.Message, from *Node) { l.onFindNodeResponse(resp, from) },
			onStalled:  l.onStalled,
		})
	}
}

func (l *lookupState) pingFrontier(nodes []*Node) {
	if len(nodes) == 0 {
		l.finish()
		return
	}
	for _, n := range nodes {
		msg := wire.NewPingQuery(wire.TransactionID{}, krpc.ID(l.table.LocalUID()))
		l.server.SendWithNodeCallback(msg, n, callback{
			onResponse: func(resp *wire.Message, from *Node) { l.onPingResponse(resp, from) },
			onStalled:  l.onStalled,
		})
	}
	l.finish()
}

func (l *lookupState) finish() {
	l.once.Do(func() { close(l.done) })
}

// Wait blocks until the lookup has dispatched its final round (it does not
// wait for that round's responses — spec.md §4.3 treats a lookup as
// "complete" once the seeding step has been sent).
func (l *lookupState) Wait() {
	<-l.done
}

// nodesFromReturn flattens a find_node response's v4 and v6 compact node
// lists into Nodes, skipping anything not a well-formed UDP address.
func nodesFromReturn(r *wire.Return) []*Node {
	var out []*Node
	for _, ni := range r.Nodes {
		out = append(out, NewNode(UID(ni.ID), &net.UDPAddr{IP: ni.Addr.IP, Port: ni.Addr.Port}))
	}
	for _, ni := range r.Nodes6 {
		out = append(out, NewNode(UID(ni.ID), &net.UDPAddr{IP: ni.Addr.IP, Port: ni.Addr.Port}))
	}
	return out
}

// Lookup runs one iterative find_node toward target, seeded from the r
// closest nodes currently resident in the table, and blocks until the final
// round has been dispatched (spec.md §4.3).
func (s *Server) Lookup(target UID, r int) {
	l := newLookupState(s, target)
	l.seed(r)
	l.Wait()
}
