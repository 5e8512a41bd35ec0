package discover

// bucket holds the live nodes at one XOR-distance band plus a bounded
// replacement cache, in insertion order (front = LRU, back = MRU), per
// spec.md §3.
type bucket struct {
	capacity int
	nodes    []*Node
	cache    []*Node
}

func newBucket(capacity int) *bucket {
	return &bucket{capacity: capacity}
}

func (b *bucket) isFull() bool {
	return len(b.nodes) >= b.capacity
}

// indexOf returns the position of uid in b.nodes, or -1.
func (b *bucket) indexOf(uid UID) int {
	for i, n := range b.nodes {
		if n.UID.Equal(uid) {
			return i
		}
	}
	return -1
}

// bumpToBack moves the node at index i to the back (MRU position),
// matching the k-bucket "seen again, move to most-recently-seen" rule.
func (b *bucket) bumpToBack(i int) {
	n := b.nodes[i]
	b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
	b.nodes = append(b.nodes, n)
}

// firstStaleIndex returns the index of the first node whose stale_count
// indicates it is evictable, or -1 if none qualifies (spec.md §4.2's
// insert policy: "if any node in the bucket is stale, evict that node").
func (b *bucket) firstStaleIndex() int {
	for i, n := range b.nodes {
		if n.IsStale() {
			return i
		}
	}
	return -1
}

// evictAt removes the node at index i and returns it.
func (b *bucket) evictAt(i int) *Node {
	n := b.nodes[i]
	b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
	return n
}

// cacheIndexOf returns the position of uid in b.cache, or -1.
func (b *bucket) cacheIndexOf(uid UID) int {
	for i, n := range b.cache {
		if n.UID.Equal(uid) {
			return i
		}
	}
	return -1
}

// pushCache inserts n into the replacement cache at the MRU (back)
// position. If uid is already cached, its old entry is dropped first so a
// re-contact refreshes and re-orders it rather than duplicating it;
// otherwise the oldest entry is evicted first if the cache is already at
// capacity.
func (b *bucket) pushCache(n *Node) {
	if i := b.cacheIndexOf(n.UID); i >= 0 {
		b.cache = append(b.cache[:i], b.cache[i+1:]...)
	} else if len(b.cache) >= b.capacity {
		b.cache = b.cache[1:]
	}
	b.cache = append(b.cache, n)
}

// popCache removes and returns the most-recently-added cache entry. Insert
// calls this to backfill a live slot freed by stale-eviction, preferring a
// known cached node over the newcomer that triggered the eviction.
func (b *bucket) popCache() (*Node, bool) {
	if len(b.cache) == 0 {
		return nil, false
	}
	n := b.cache[len(b.cache)-1]
	b.cache = b.cache[:len(b.cache)-1]
	return n, true
}
