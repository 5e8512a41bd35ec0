package discover

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestTable(t *testing.T) (*Table, UID) {
	t.Helper()
	local := UID{}
	tab := NewTable(ProtoMainline, net.ParseIP("203.0.113.1"), false, &local, nil)
	return tab, local
}

func nodeAt(t *testing.T, tab *Table, local UID, distance int, ipSuffix int) *Node {
	t.Helper()
	uid := local.IDAtDistance(distance)
	addr := &net.UDPAddr{IP: net.IPv4(198, 51, byte(ipSuffix), 1), Port: 6881}
	return NewNode(uid, addr)
}

// nodeAtVariant is nodeAt but for tests that need several distinct nodes in
// the same bucket: it flips the uid's last byte by variant, which sits well
// below the bit that fixes distance for any distance under 152, so the
// bucket index is unaffected while the uid itself differs per call.
func nodeAtVariant(local UID, distance, variant, ipSuffix int) *Node {
	uid := local.IDAtDistance(distance)
	uid[IDLength-1] ^= byte(variant)
	addr := &net.UDPAddr{IP: net.IPv4(198, 51, byte(ipSuffix), 1), Port: 6881}
	return NewNode(uid, addr)
}

// TestBucketDistanceInvariant exercises spec.md §8: every node in bucket i
// satisfies distance(local, n.uid) == i.
func TestBucketDistanceInvariant(t *testing.T) {
	tab, local := newTestTable(t)

	for _, d := range []int{1, 10, 159, 160} {
		n := nodeAt(t, tab, local, d, d%250+1)
		require.True(t, tab.Insert(n))
		require.Equal(t, d, local.Distance(n.UID))
		require.Equal(t, d, tab.bucketIndex(n.UID)+1)
	}
}

// TestInsertRejectsSelf verifies a node sharing the local uid is rejected.
func TestInsertRejectsSelf(t *testing.T) {
	tab, local := newTestTable(t)
	n := NewNode(local, &net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 1})
	require.False(t, tab.Insert(n))
}

// TestInsertRejectsDuplicatePrefix exercises spec.md §3/§4.2: at most one
// node per /24 across the whole table.
func TestInsertRejectsDuplicatePrefix(t *testing.T) {
	tab, local := newTestTable(t)

	a := nodeAt(t, tab, local, 5, 10)
	require.True(t, tab.Insert(a))

	b := nodeAt(t, tab, local, 6, 10) // same /24 (198.51.10.0/24), different uid
	require.False(t, tab.Insert(b))
}

// TestStaleEviction exercises spec.md §8 scenario 3: filling a bucket,
// marking one node stale, then inserting a new candidate evicts it.
func TestStaleEviction(t *testing.T) {
	tab, local := newTestTable(t)
	const d = 20

	var nodes []*Node
	for i := 0; i < ProtoMainline.bucketSize(); i++ {
		n := nodeAtVariant(local, d, i, i+1)
		require.True(t, tab.Insert(n))
		nodes = append(nodes, n)
	}

	nodes[2].MarkStale()
	require.True(t, nodes[2].IsStale())

	newcomer := nodeAtVariant(local, d, 200, 200)
	require.True(t, tab.Insert(newcomer))

	idx := tab.bucketIndex(newcomer.UID)
	all := tab.buckets[idx].nodes
	for _, n := range all {
		require.NotEqual(t, nodes[2].UID, n.UID)
	}
	require.Contains(t, all, newcomer)
}

// TestCacheOnlyPlacementDoesNotLeakLiveState exercises spec.md §4.2's
// replacement-cache placement: a node that lands in the cache (bucket
// already full, nothing stale) must not occupy a byUID/byPrefix slot, and
// evicting it from the cache later must not permanently block its uid or
// /24 prefix from a genuinely live node.
func TestCacheOnlyPlacementDoesNotLeakLiveState(t *testing.T) {
	tab, local := newTestTable(t)
	const d = 40
	capacity := ProtoMainline.bucketSize()

	for i := 0; i < capacity; i++ {
		require.True(t, tab.Insert(nodeAtVariant(local, d, i, i+1)))
	}

	// Every further insert at this distance lands in the cache, not the
	// live bucket, since nothing above is stale.
	first := nodeAtVariant(local, d, 100, 100)
	require.True(t, tab.Insert(first))
	require.NotContains(t, uidsOf(tab.AllNodes()), first.UID)

	idx := tab.bucketIndex(first.UID)
	require.Equal(t, 1, len(tab.buckets[idx].cache))

	// Overflow the cache itself so `first` is evicted from it.
	for i := 0; i < capacity; i++ {
		require.True(t, tab.Insert(nodeAtVariant(local, d, 200+i, 150+i)))
	}
	require.NotContains(t, uidsOf(tab.buckets[idx].cache), first.UID, "first was never evicted from the cache")

	// A brand new node reusing first's uid or /24 prefix must not be
	// blocked — a cache-evicted entry must leave no byUID/byPrefix ghost.
	reuse := NewNode(first.UID, &net.UDPAddr{IP: net.IPv4(198, 51, 100, 1), Port: 6881})
	require.True(t, tab.acceptPrefix(reuse), "evicted cache entry's prefix is still blocked")
}

// TestStaleEvictionBackfillsFromCache exercises spec.md §4.2/§4.3's
// replacement-cache intent: when a stale live node is evicted, a freed slot
// is backfilled from the cache rather than handed straight to whatever
// newcomer triggered the eviction.
func TestStaleEvictionBackfillsFromCache(t *testing.T) {
	tab, local := newTestTable(t)
	const d = 50
	capacity := ProtoMainline.bucketSize()

	var live []*Node
	for i := 0; i < capacity; i++ {
		n := nodeAtVariant(local, d, i, i+1)
		require.True(t, tab.Insert(n))
		live = append(live, n)
	}

	cached := nodeAtVariant(local, d, 100, 100)
	require.True(t, tab.Insert(cached))

	live[1].MarkStale()

	newcomer := nodeAtVariant(local, d, 200, 200)
	require.True(t, tab.Insert(newcomer))

	idx := tab.bucketIndex(newcomer.UID)
	all := uidsOf(tab.buckets[idx].nodes)
	require.Contains(t, all, cached.UID, "cached node was not promoted into the freed slot")
	require.NotContains(t, all, newcomer.UID, "newcomer was inserted live instead of being cached")
	require.NotContains(t, all, live[1].UID, "stale node was not evicted")

	cacheUIDs := uidsOf(tab.buckets[idx].cache)
	require.Contains(t, cacheUIDs, newcomer.UID, "newcomer should have become the new cache entry")
}

// TestConsensusFlip exercises spec.md §8 scenario 4: a strict majority of
// origin_pairs observations flips consensus and fires restart listeners
// exactly once.
func TestConsensusFlip(t *testing.T) {
	// Both addresses must be global unicast: observations of documentation
	// or private ranges are ignored by UpdatePublicIPConsensus.
	x := net.ParseIP("9.9.9.9").To4()
	y := net.ParseIP("8.8.8.8").To4() // initial consensus

	local := UID{}
	tab := NewTable(ProtoMainline, y, false, &local, nil)

	fired := 0
	tab.AddRestartListener(func() { fired++ })

	// Y appears 5 times, then X; X is the strict majority and becomes
	// consensus once the 21st sample (the 16th X) pushes the history past
	// the threshold.
	for i := 0; i < 5; i++ {
		tab.UpdatePublicIPConsensus(net.IPv4(10, 0, 0, byte(i)), y)
	}

	prevUID := tab.LocalUID()
	for i := 0; i < 15; i++ {
		tab.UpdatePublicIPConsensus(net.IPv4(10, 0, 1, byte(i)), x)
	}
	require.Equal(t, 0, fired, "not yet over threshold")

	// The 21st observation overall (the 16th X) is where the vote first
	// runs and flips consensus.
	tab.UpdatePublicIPConsensus(net.IPv4(10, 0, 1, 15), x)

	require.Equal(t, 1, fired)
	require.True(t, tab.ConsensusAddr().Equal(x))
	require.NotEqual(t, prevUID, tab.LocalUID())
}

func TestHasQueriedWindow(t *testing.T) {
	tab, local := newTestTable(t)
	n := nodeAt(t, tab, local, 3, 1)
	require.False(t, tab.HasQueried(n.UID, time.Now()))

	tab.MarkQueried(n.UID, time.Now())
	require.True(t, tab.HasQueried(n.UID, time.Now()))
	require.False(t, tab.HasQueried(n.UID, time.Now().Add(6*time.Second)))
}

func TestFindClosestOrdersByDistance(t *testing.T) {
	tab, local := newTestTable(t)

	far := nodeAt(t, tab, local, 150, 1)
	near := nodeAt(t, tab, local, 2, 2)
	require.True(t, tab.Insert(far))
	require.True(t, tab.Insert(near))

	closest := tab.FindClosest(local, 10)
	require.Len(t, closest, 2)
	require.Equal(t, near.UID, closest[0].UID)
	require.Equal(t, far.UID, closest[1].UID)
}

func TestSecureOnlyRejectsInsecureIDs(t *testing.T) {
	local := deriveUID(net.ParseIP("203.0.113.1"))
	tab := NewTable(ProtoMainline, net.ParseIP("203.0.113.1"), true, &local, nil)

	insecure := NewNode(UID{1, 2, 3}, &net.UDPAddr{IP: net.IPv4(8, 8, 8, 8), Port: 1})
	require.False(t, tab.Insert(insecure))

	secure := NewNode(deriveUID(net.IPv4(9, 9, 9, 9)), &net.UDPAddr{IP: net.IPv4(9, 9, 9, 9), Port: 1})
	require.True(t, tab.Insert(secure))
}
