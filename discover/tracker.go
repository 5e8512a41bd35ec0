package discover

import (
	"sync"
	"time"

	"github.com/sectorrent/kaddht/wire"
)

// DefaultStallTimeout is how long a Call may go unanswered before it is
// reaped and its callback receives onStalled (spec.md §5).
const DefaultStallTimeout = 8 * time.Second

// callback is the set of events a Call's registrant wants delivered. Only
// one of onResponse/onError/onStalled ever fires for a given Call (spec.md
// §3's Call lifecycle).
type callback struct {
	onResponse func(resp *wire.Message, node *Node)
	onError    func(resp *wire.Message)
	onStalled  func()
}

// call is an outstanding request awaiting a correlated response, matching
// spec.md §3's Call record. method records which request this is a reply
// to, since KRPC responses don't self-identify their method (spec.md
// §4.1: "use the call's method... to select the response-message
// constructor").
type call struct {
	tid     wire.TransactionID
	method  wire.Method
	sentAt  time.Time
	dest    *Node
	request *wire.Message
	cb      callback

	// expectUID is set when the call was registered against a specific
	// known node (SendWithNodeCallback) rather than a bare address
	// (SendWithCallback), so the response path can tell whether a
	// mismatched responder id should drop the reply or is simply
	// unknown ahead of time (spec.md §7).
	expectUID bool
}

// tracker is the response tracker: an in-memory tid → Call map with
// stall/timeout reaping (spec.md §4.4).
type tracker struct {
	mu    sync.Mutex
	calls map[wire.TransactionID]*call

	stallTimeout time.Duration
}

func newTracker(stallTimeout time.Duration) *tracker {
	if stallTimeout <= 0 {
		stallTimeout = DefaultStallTimeout
	}
	return &tracker{
		calls:        make(map[wire.TransactionID]*call),
		stallTimeout: stallTimeout,
	}
}

// add registers c under its transaction id. Collisions are not expected in
// practice (spec.md §4.4: ~10⁻¹¹ with 1000 outstanding calls) and simply
// overwrite the prior entry, which will then never be polled.
func (t *tracker) add(c *call) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls[c.tid] = c
}

// poll removes and returns the Call registered for tid, if any.
func (t *tracker) poll(tid wire.TransactionID) (*call, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[tid]
	if ok {
		delete(t.calls, tid)
	}
	return c, ok
}

// removeStalled evicts every Call whose sentAt predates the stall
// threshold and returns them so the caller can invoke their onStalled
// callbacks outside the tracker's lock.
func (t *tracker) removeStalled(now time.Time) []*call {
	t.mu.Lock()
	defer t.mu.Unlock()

	var stalled []*call
	for tid, c := range t.calls {
		if now.Sub(c.sentAt) >= t.stallTimeout {
			stalled = append(stalled, c)
			delete(t.calls, tid)
		}
	}
	return stalled
}

// len reports the number of outstanding calls, used by tests checking the
// tracker's "exactly one Call per tid" invariant (spec.md §8).
func (t *tracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
