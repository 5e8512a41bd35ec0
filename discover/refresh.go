package discover

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/anacrolix/dht/v2/krpc"
	"golang.org/x/sync/errgroup"

	"github.com/sectorrent/kaddht/wire"
)

// refreshFanout bounds how many find_node/ping queries a single sweep
// dispatches concurrently, grounded on SPEC_FULL.md §10's note that the
// original's task-per-bucket Rust loop collapses into a single
// errgroup.Group with a capacity limit.
const refreshFanout = 8

// RefreshHandler periodically repopulates sparse buckets and re-pings
// stale nodes, the collapsed Go counterpart of the original's
// BucketRefreshTask/FindNodeResponseListener pair (spec.md §4.3).
type RefreshHandler struct {
	server   *Server
	table    *Table
	interval time.Duration

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewRefreshHandler builds a handler bound to server/table, sweeping every
// interval once started.
func NewRefreshHandler(server *Server, table *Table, interval time.Duration) *RefreshHandler {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &RefreshHandler{server: server, table: table, interval: interval}
}

// IsRunning reports whether the handler's sweep loop is active.
func (r *RefreshHandler) IsRunning() bool {
	return r.running.Load()
}

// Start launches the sweep loop if it is not already running. It is safe
// to call repeatedly; only the first call has any effect (spec.md §4.1:
// "start the refresh handler if it is not already running").
func (r *RefreshHandler) Start() {
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	r.stopCh = make(chan struct{})
	r.wg.Add(1)
	go r.loop()
}

// Stop halts the sweep loop and waits for any in-flight sweep's dispatch to
// finish. A second Stop on an already-stopped handler is a no-op.
func (r *RefreshHandler) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	close(r.stopCh)
	r.wg.Wait()
}

func (r *RefreshHandler) loop() {
	defer r.wg.Done()

	r.sweep()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep runs one round of bucket refresh followed by stale-node re-ping. At
// most one sweep runs at a time since the loop only ever calls sweep
// serially (spec.md §4.3: "runs at most one sweep at a time").
func (r *RefreshHandler) sweep() {
	r.refreshBuckets()
	r.pingStale()
}

// refreshBuckets issues a bounded-concurrency find_node(IDAtDistance(i+1))
// against the closest known nodes for every bucket under capacity (spec.md
// §4.3, grounded on BucketRefreshTask.execute's per-bucket loop).
func (r *RefreshHandler) refreshBuckets() {
	var g errgroup.Group
	g.SetLimit(refreshFanout)

	capacity := r.table.BucketCapacity()
	local := r.table.LocalUID()

	for i := 0; i < r.table.NumBuckets(); i++ {
		if r.table.BucketNodeCount(i) >= capacity {
			continue
		}
		target := local.IDAtDistance(i + 1)
		closest := r.table.FindClosest(target, capacity)
		if len(closest) == 0 {
			continue
		}
		for _, n := range closest {
			n := n
			g.Go(func() error {
				r.findNode(target, n)
				return nil
			})
		}
	}
	_ = g.Wait()
}

func (r *RefreshHandler) findNode(target UID, dest *Node) {
	listener := newLookupState(r.server, target)
	msg := wire.NewFindNodeQuery(wire.TransactionID{}, krpc.ID(r.table.LocalUID()), krpc.ID(target))
	done := make(chan struct{})
	r.server.SendWithNodeCallback(msg, dest, callback{
		onResponse: func(resp *wire.Message, from *Node) {
			listener.onFindNodeResponse(resp, from)
			close(done)
		},
		onStalled: func() { close(done) },
	})
	select {
	case <-done:
	case <-time.After(r.server.cfg.StallTimeout + time.Second):
	}
}

// pingStale re-pings every resident node with a non-zero stale counter,
// bumping it further on another stall or clearing it on a fresh response
// (spec.md §7, grounded on FindNodeResponseListener.on_response's ping
// fan-out over filtered candidates).
func (r *RefreshHandler) pingStale() {
	var g errgroup.Group
	g.SetLimit(refreshFanout)

	for _, n := range r.table.AllNodes() {
		if n.StaleCount == 0 {
			continue
		}
		n := n
		g.Go(func() error {
			r.pingOne(n)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *RefreshHandler) pingOne(dest *Node) {
	msg := wire.NewPingQuery(wire.TransactionID{}, krpc.ID(r.table.LocalUID()))
	done := make(chan struct{})
	r.server.SendWithNodeCallback(msg, dest, callback{
		onResponse: func(resp *wire.Message, from *Node) {
			r.table.Insert(from)
			close(done)
		},
		onStalled: func() { close(done) },
	})
	select {
	case <-done:
	case <-time.After(r.server.cfg.StallTimeout + time.Second):
	}
}
