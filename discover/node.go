package discover

import (
	"hash/crc32"
	"math/rand"
	"net"
	"time"
)

// MaxStaleCount is the threshold at which a node is considered stale and
// becomes eligible for eviction (spec.md §3).
const MaxStaleCount = 1

// GoodFor is how long a node remains "good" after its last response before
// refresh sweeps start treating it as suspect (spec.md §3).
const GoodFor = 15 * time.Minute

// Node is a single entry in the routing table: an identity bound to a
// socket address, plus the bookkeeping the eviction policy needs.
type Node struct {
	UID  UID
	Addr *net.UDPAddr

	FirstSeen     time.Time
	LastSeen      time.Time
	LastResponded time.Time
	StaleCount    int
}

// NewNode builds a freshly-seen Node.
func NewNode(uid UID, addr *net.UDPAddr) *Node {
	now := time.Now()
	return &Node{
		UID:           uid,
		Addr:          addr,
		FirstSeen:     now,
		LastSeen:      now,
		LastResponded: now,
	}
}

// Seen marks the node as freshly contacted, resetting its stale counter.
func (n *Node) Seen() {
	n.LastSeen = time.Now()
	n.LastResponded = n.LastSeen
	n.StaleCount = 0
}

// MarkStale increments the node's stale counter after a Call to it stalls.
func (n *Node) MarkStale() {
	n.StaleCount++
}

// IsStale reports whether the node has accumulated enough consecutive
// timeouts to be evicted on the next opportunity.
func (n *Node) IsStale() bool {
	return n.StaleCount >= MaxStaleCount
}

// IsGood reports whether the node has responded within the last 15 minutes.
func (n *Node) IsGood() bool {
	return time.Since(n.LastResponded) < GoodFor
}

// HasSecureID reports whether n.UID is consistent with the CRC32C-of-IP
// secure-ID derivation (spec.md §4.2), binding the id to the node's own
// address rather than one freely chosen by an attacker.
func (n *Node) HasSecureID() bool {
	return hasSecureID(n.UID, n.Addr.IP)
}

// secureIDMasks are the bit masks applied to the external-address bytes
// before hashing, one per address family (spec.md §4.2).
var (
	v4Mask = [4]byte{0x03, 0x0F, 0x3F, 0xFF}
	v6Mask = [8]byte{0x01, 0x03, 0x07, 0x0F, 0x1F, 0x3F, 0x7F, 0xFF}
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// deriveUID computes the secure node id for the given external address and
// a freshly drawn random seed, following the byte layout in spec.md §4.2:
// byte0/1 from the CRC, byte2 mixes CRC bits with randomness, bytes 3..18
// are random, byte19 carries the 3-bit random seed used to salt the IP.
func deriveUID(ip net.IP) UID {
	masked := maskIP(ip)
	r := byte(rand.Intn(8))
	masked[0] |= r << 5

	crc := crc32.Checksum(masked, crc32cTable)

	var id UID
	id[0] = byte(crc >> 24)
	id[1] = byte(crc >> 16)
	id[2] = (byte(crc>>8) & 0xF8) | (byte(rand.Intn(256)) & 0x07)
	for i := 3; i < 19; i++ {
		id[i] = byte(rand.Intn(256))
	}
	id[19] = r

	return id
}

// hasSecureID recomputes the derivation for ip and checks that id's leading
// 21 bits and trailing byte agree with it, without requiring the random
// "don't care" bits (3..18) to match.
func hasSecureID(id UID, ip net.IP) bool {
	masked := maskIP(ip)
	r := id[19]
	masked[0] |= r << 5

	crc := crc32.Checksum(masked, crc32cTable)

	if id[0] != byte(crc>>24) {
		return false
	}
	if id[1] != byte(crc>>16) {
		return false
	}
	if id[2]&0xF8 != byte(crc>>8)&0xF8 {
		return false
	}
	return true
}

func maskIP(ip net.IP) []byte {
	if ip4 := ip.To4(); ip4 != nil {
		out := append([]byte(nil), ip4...)
		for i := range v4Mask {
			out[i] &= v4Mask[i]
		}
		return out
	}
	ip16 := ip.To16()
	out := append([]byte(nil), ip16...)
	for i := range v6Mask {
		out[i] &= v6Mask[i]
	}
	return out
}
