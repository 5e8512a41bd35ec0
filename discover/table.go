package discover

import (
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"text/tabwriter"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/erigontech/erigon-lib/log/v3"

	"github.com/sectorrent/kaddht/netutil"
)

// maxOriginPairs bounds the routing table's reporter→observed-address
// history (spec.md §3: "bounded at 64 entries, oldest-evicted").
const maxOriginPairs = 64

// consensusThreshold is how many origin_pairs observations must accumulate
// before a majority vote is taken (spec.md §4.2).
const consensusThreshold = 20

// hasQueriedWindow is how recently a node must have been contacted to
// count as already-queried during a lookup (spec.md §4.2).
const hasQueriedWindow = 5 * time.Second

// originPair is one reporter→observed-address sample feeding the public-IP
// consensus vote.
type originPair struct {
	source   string
	observed net.IP
}

// Table is the k-bucket routing table: 160 buckets indexed by
// XOR-distance, plus the public-IP consensus and global uniqueness state
// described in spec.md §3/§4.2.
type Table struct {
	mu sync.RWMutex

	proto      Proto
	buckets    [IDLength * 8]*bucket
	localUID   UID
	secureOnly bool
	log        log.Logger

	consensusAddr net.IP
	originPairs   []originPair

	byUID     map[UID]*Node
	byPrefix  map[string]UID
	queriedAt map[UID]time.Time

	restartListeners []func()
}

// NewTable builds a routing table for the given protocol flavor, seeded
// with an initial guess at the node's own external address. If
// secureOnly, the local id is derived from that address immediately;
// otherwise override may supply a fixed id (e.g. for tests).
func NewTable(proto Proto, initialAddr net.IP, secureOnly bool, override *UID, logger log.Logger) *Table {
	if logger == nil {
		logger = log.Root()
	}
	t := &Table{
		proto:         proto,
		localUID:      UID{},
		secureOnly:    secureOnly,
		log:           logger,
		consensusAddr: initialAddr,
		byUID:         make(map[UID]*Node),
		byPrefix:      make(map[string]UID),
		queriedAt:     make(map[UID]time.Time),
	}
	for i := range t.buckets {
		t.buckets[i] = newBucket(proto.bucketSize())
	}
	switch {
	case override != nil && !secureOnly:
		t.localUID = *override
	default:
		t.localUID = deriveUID(initialAddr)
	}
	return t
}

// LocalUID returns the table's current node identifier.
func (t *Table) LocalUID() UID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.localUID
}

// ConsensusAddr returns the table's current best guess at its own
// external address.
func (t *Table) ConsensusAddr() net.IP {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.consensusAddr
}

// AddRestartListener registers a callback invoked whenever the public-IP
// consensus flips and the local id is re-derived (spec.md §4.2).
func (t *Table) AddRestartListener(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.restartListeners = append(t.restartListeners, f)
}

// bucketIndex returns the bucket a node with the given uid belongs in, or
// -1 if uid is the local id (no self-bucket).
func (t *Table) bucketIndex(uid UID) int {
	d := t.localUID.Distance(uid)
	if d == 0 {
		return -1
	}
	return d - 1
}

// Insert applies spec.md §4.2's insert policy: secure-id gate, self
// rejection, refresh-on-duplicate, capacity/eviction, and global
// uid/prefix uniqueness. It reports whether the node was accepted into a
// live bucket slot (a replacement-cache placement also returns true).
func (t *Table) Insert(n *Node) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.secureOnly && !n.HasSecureID() {
		return false
	}
	if n.UID.Equal(t.localUID) {
		return false
	}

	if existing, ok := t.byUID[n.UID]; ok {
		existing.Seen()
		idx := t.bucketIndex(n.UID)
		b := t.buckets[idx]
		if i := b.indexOf(n.UID); i >= 0 {
			b.bumpToBack(i)
		}
		return true
	}

	if !t.acceptPrefix(n) {
		return false
	}

	idx := t.bucketIndex(n.UID)
	b := t.buckets[idx]

	switch {
	case !b.isFull():
		b.nodes = append(b.nodes, n)
		t.registerPrefix(n)
		t.byUID[n.UID] = n
	default:
		if si := b.firstStaleIndex(); si >= 0 {
			evicted := b.evictAt(si)
			t.forget(evicted)
			// Prefer backfilling the freed slot from the replacement
			// cache over the newcomer that triggered the eviction — n
			// still gets remembered, just as the new cache entry.
			if cached, ok := b.popCache(); ok {
				b.nodes = append(b.nodes, cached)
				t.registerPrefix(cached)
				t.byUID[cached.UID] = cached
				b.pushCache(n)
			} else {
				b.nodes = append(b.nodes, n)
				t.registerPrefix(n)
				t.byUID[n.UID] = n
			}
		} else {
			// Cache-only placements never enter byUID/byPrefix: those
			// maps back live lookups and prefix-uniqueness enforcement,
			// and a cache entry can still be silently evicted by
			// pushCache — leaving it registered would leak a ghost
			// entry that blocks its uid/prefix forever.
			b.pushCache(n)
			return true
		}
	}

	return true
}

// acceptPrefix enforces the one-node-per-/24(v4)/-per-/64(v6) invariant,
// allowing a prefix to be "reclaimed" only by the uid that already owns it
// (spec.md §4.2).
func (t *Table) acceptPrefix(n *Node) bool {
	prefix, ok := prefixKey(n.Addr.IP)
	if !ok {
		return true
	}
	owner, exists := t.byPrefix[prefix]
	return !exists || owner.Equal(n.UID)
}

func (t *Table) registerPrefix(n *Node) {
	if prefix, ok := prefixKey(n.Addr.IP); ok {
		t.byPrefix[prefix] = n.UID
	}
}

func (t *Table) forget(n *Node) {
	delete(t.byUID, n.UID)
	if prefix, ok := prefixKey(n.Addr.IP); ok {
		if t.byPrefix[prefix] == n.UID {
			delete(t.byPrefix, prefix)
		}
	}
}

func prefixKey(ip net.IP) (string, bool) {
	if p, ok := netutil.Prefix24(ip); ok {
		return "4:" + p.String(), true
	}
	if p, ok := netutil.Prefix64(ip); ok {
		return "6:" + p.String(), true
	}
	return "", false
}

// FindClosest returns up to r known-good nodes ordered by ascending
// XOR-distance to target, tie-broken by UID byte order (spec.md §4.2).
func (t *Table) FindClosest(target UID, r int) []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var candidates []*Node
	for _, b := range t.buckets {
		for _, n := range b.nodes {
			if n.IsGood() {
				candidates = append(candidates, n)
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		di := target.distanceUint256(candidates[i].UID)
		dj := target.distanceUint256(candidates[j].UID)
		if cmp := di.Cmp(dj); cmp != 0 {
			return cmp < 0
		}
		return candidates[i].UID.Less(candidates[j].UID)
	})

	if len(candidates) > r {
		candidates = candidates[:r]
	}
	return candidates
}

// HasQueried reports whether uid was contacted within the last 5 seconds,
// guarding lookups against query storms (spec.md §4.2).
func (t *Table) HasQueried(uid UID, now time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	last, ok := t.queriedAt[uid]
	return ok && now.Sub(last) < hasQueriedWindow
}

// MarkQueried records that uid was just contacted, for HasQueried.
func (t *Table) MarkQueried(uid UID, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queriedAt[uid] = now
}

// MarkStale increments uid's stale counter if it is currently resident,
// called when a Call to it stalls (spec.md §7).
func (t *Table) MarkStale(uid UID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.byUID[uid]; ok {
		n.MarkStale()
	}
}

// UpdatePublicIPConsensus folds one reporter→observed-address sample into
// the consensus history and, once enough samples have accumulated, runs
// the Boyer-Moore majority vote (spec.md §4.2).
func (t *Table) UpdatePublicIPConsensus(source, observed net.IP) {
	if !netutil.IsGlobalUnicast(observed) {
		return
	}

	t.mu.Lock()

	t.recordOriginPair(source, observed)

	if len(t.originPairs) <= consensusThreshold || observed.Equal(t.consensusAddr) {
		t.mu.Unlock()
		return
	}

	winner := boyerMooreMajority(t.originPairs)
	if winner == nil || winner.Equal(t.consensusAddr) {
		t.mu.Unlock()
		return
	}

	t.consensusAddr = winner
	t.log.Debug("public ip consensus flipped", "addr", winner.String())
	t.mu.Unlock()

	t.restart()
}

func (t *Table) recordOriginPair(source, observed net.IP) {
	key := source.String()
	for i := range t.originPairs {
		if t.originPairs[i].source == key {
			t.originPairs[i].observed = observed
			return
		}
	}
	if len(t.originPairs) >= maxOriginPairs {
		t.originPairs = t.originPairs[1:]
	}
	t.originPairs = append(t.originPairs, originPair{source: key, observed: observed})
}

// boyerMooreMajority runs the Boyer-Moore majority-vote algorithm over the
// observed addresses in pairs, in insertion order (spec.md §4.2).
func boyerMooreMajority(pairs []originPair) net.IP {
	if len(pairs) == 0 {
		return nil
	}
	candidate := pairs[0].observed
	count := 1
	for _, p := range pairs[1:] {
		if count == 0 {
			candidate = p.observed
			count = 1
			continue
		}
		if p.observed.Equal(candidate) {
			count++
		} else {
			count--
		}
	}
	return candidate
}

// restart re-derives the local id from the current consensus address and
// fires every registered restart listener exactly once (spec.md §4.2).
func (t *Table) restart() {
	t.mu.Lock()
	t.localUID = deriveUID(t.consensusAddr)
	listeners := append([]func(){}, t.restartListeners...)
	t.mu.Unlock()

	for _, f := range listeners {
		f()
	}
}

// AllNodes returns every resident node across all buckets, for table
// dumps and tests.
func (t *Table) AllNodes() []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Node
	for _, b := range t.buckets {
		out = append(out, b.nodes...)
	}
	return out
}

// BucketNodeCount returns the number of live nodes in bucket i, used by the
// refresh sweep to skip full buckets.
func (t *Table) BucketNodeCount(i int) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.buckets[i].nodes)
}

// BucketCapacity returns the per-bucket capacity for this table's protocol
// flavor (8 for Kademlia, 5 for Mainline), uniform across every bucket.
func (t *Table) BucketCapacity() int {
	return t.proto.bucketSize()
}

// NumBuckets returns the number of buckets in the table (IDLength*8).
func (t *Table) NumBuckets() int {
	return len(t.buckets)
}

// WriteStatus dumps a human-readable snapshot of every non-empty bucket to
// w, in the style of anacrolix/dht/v2's Server.WriteStatus.
func (t *Table) WriteStatus(w io.Writer) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "local\t%s\n", t.localUID)
	fmt.Fprintf(tw, "consensus addr\t%s\n", t.consensusAddr)
	fmt.Fprintln(tw, "bucket\tnodes\tcache\tuids")
	for i, b := range t.buckets {
		if len(b.nodes) == 0 && len(b.cache) == 0 {
			continue
		}
		var uids string
		for j, n := range b.nodes {
			if j > 0 {
				uids += ","
			}
			uids += n.UID.String()
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\n", i, len(b.nodes), len(b.cache), uids)
	}
	tw.Flush()
}

// unqueriedSet builds a fresh set of resident uids that have not been
// queried recently, returned as a mapset.Set. Nothing in the package calls
// it: the refresh sweep picks its targets through FindClosest.
func (t *Table) unqueriedSet(now time.Time) mapset.Set[UID] {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := mapset.NewThreadUnsafeSet[UID]()
	for uid := range t.byUID {
		if last, ok := t.queriedAt[uid]; !ok || now.Sub(last) >= hasQueriedWindow {
			s.Add(uid)
		}
	}
	return s
}
