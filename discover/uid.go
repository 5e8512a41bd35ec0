package discover

import (
	"bytes"
	"encoding/hex"
	"math/bits"

	"github.com/holiman/uint256"
)

// IDLength is the width of a node identifier in bytes: 160 bits, matching
// both Kademlia's original choice and the BitTorrent Mainline DHT's infohash
// space.
const IDLength = 20

// UID is an opaque 160-bit node identifier.
type UID [IDLength]byte

// UIDFromBytes copies b into a UID. b must be exactly IDLength bytes.
func UIDFromBytes(b []byte) (UID, bool) {
	var id UID
	if len(b) != IDLength {
		return id, false
	}
	copy(id[:], b)
	return id, true
}

// UIDFromHex parses a hex-encoded UID, mirroring the original's
// TryFrom<&str> constructor.
func UIDFromHex(s string) (UID, error) {
	var id UID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != IDLength {
		return id, errWrongIDLength
	}
	copy(id[:], b)
	return id, nil
}

// Bytes returns the raw 20 bytes of id.
func (id UID) Bytes() []byte {
	b := make([]byte, IDLength)
	copy(b, id[:])
	return b
}

// Equal reports whether id and other hold the same bytes.
func (id UID) Equal(other UID) bool {
	return id == other
}

// Less gives a total order over UIDs by raw byte value, used to
// tie-break find_closest when two candidates are equidistant.
func (id UID) Less(other UID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// Xor returns the bitwise exclusive-or of id and other.
func (id UID) Xor(other UID) UID {
	var out UID
	for i := range id {
		out[i] = id[i] ^ other[i]
	}
	return out
}

// firstSetBitIndex returns the index (0 = MSB) of the first set bit in id,
// or IDLength*8 if id is all zero.
func (id UID) firstSetBitIndex() int {
	prefix := 0
	for _, b := range id {
		if b == 0 {
			prefix += 8
			continue
		}
		prefix += bits.LeadingZeros8(b)
		break
	}
	return prefix
}

// Distance returns the XOR-metric distance between id and other, defined as
// 160 minus the index of the first set bit of their XOR. Identical IDs are
// distance 0; maximally different IDs approach 160.
func (id UID) Distance(other UID) int {
	return IDLength*8 - id.Xor(other).firstSetBitIndex()
}

// distanceUint256 zero-extends the XOR distance between id and other into a
// uint256.Int so bucket/closest-node comparisons run on fixed-width integer
// arithmetic instead of a manual byte-slice compare.
func (id UID) distanceUint256(other UID) *uint256.Int {
	x := id.Xor(other)
	var u uint256.Int
	u.SetBytes(x[:])
	return &u
}

// IDAtDistance produces an ID at exactly XOR-distance d from id: the "far
// corner" of the bucket-d subspace. The top (160-d) bits match id, bit
// (d-1) is flipped relative to id, and all bits below that are set.
func (id UID) IDAtDistance(d int) UID {
	var mask UID
	numByteZeroes := (IDLength*8 - d) / 8
	numBitZeroes := (8 - d%8) % 8

	for i := 0; i < numByteZeroes; i++ {
		mask[i] = 0
	}

	var bitsOn [8]bool
	for i := range bitsOn {
		bitsOn[i] = true
	}
	for i := 0; i < numBitZeroes; i++ {
		bitsOn[i] = false
	}
	for i, on := range bitsOn {
		if on {
			mask[numByteZeroes] |= 1 << uint(7-i)
		}
	}

	for i := numByteZeroes + 1; i < IDLength; i++ {
		mask[i] = 0xFF
	}

	// Flip bit (d-1), then force every bit below it to 1.
	out := id.Xor(mask)
	lower := mask
	lower[numByteZeroes] &^= 1 << uint(7-numBitZeroes)
	for i := range out {
		out[i] |= lower[i]
	}
	return out
}

// String renders id the way the original implementation's Display impl
// does: three grouped hex segments separated by spaces.
func (id UID) String() string {
	var buf bytes.Buffer
	buf.WriteString(hex.EncodeToString(id[:3]))
	buf.WriteByte(' ')
	buf.WriteString(hex.EncodeToString(id[3:19]))
	buf.WriteByte(' ')
	buf.WriteString(hex.EncodeToString(id[19:20]))
	return buf.String()
}
