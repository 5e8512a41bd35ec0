package discover

import "fmt"

// Proto selects the routing table's bucket capacity: the original
// Kademlia paper's K=8, or the smaller K=5 BitTorrent Mainline DHT uses
// (supplemented feature, spec.md is silent on the choice but §3 names both
// values).
type Proto string

const (
	ProtoKademlia Proto = "kademlia"
	ProtoMainline Proto = "mainline"
)

// bucketSize returns this protocol flavor's per-bucket node capacity.
func (p Proto) bucketSize() int {
	switch p {
	case ProtoMainline:
		return 5
	default:
		return 8
	}
}

// ParseProto parses the CLI/config string form of Proto. Empty input yields
// ProtoKademlia, the default flavor; any other unrecognized input is an
// error.
func ParseProto(s string) (Proto, error) {
	switch Proto(s) {
	case ProtoKademlia:
		return ProtoKademlia, nil
	case ProtoMainline:
		return ProtoMainline, nil
	case "":
		return ProtoKademlia, nil
	default:
		return "", fmt.Errorf("discover: unknown protocol flavor %q", s)
	}
}
