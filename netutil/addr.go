// Package netutil holds the address classification helpers shared by the
// routing table and the RPC server.
// It mirrors the role erigon-p2p's own netutil package plays for discv4
// (IsTemporaryError, CheckRelayIP) but is scoped to what a Mainline-style
// DHT node on unencrypted UDP needs: bogon filtering and global-unicast
// checks.
package netutil

import "net"

// IsBogon reports whether ip is not routable on the public internet:
// unspecified, loopback, link-local, or any of the reserved/private ranges.
// The RPC server drops ingress from bogon sources and refuses to send to
// bogon destinations unless explicitly overridden (spec.md §4.1, §7).
func IsBogon(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil {
		return !IsGlobalUnicast(ip4)
	}
	return !IsGlobalUnicast(ip)
}

// IsGlobalUnicast reports whether ip is suitable to be believed as a node's
// externally reachable address: not unspecified, loopback, multicast, or
// any documented private/link-local/reserved range. Used both by the bogon
// filter and by the public-IP consensus algorithm (spec.md §4.2), which
// must ignore observations of private addresses.
func IsGlobalUnicast(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if !ip.IsGlobalUnicast() {
		return false
	}
	if ip.IsPrivate() {
		return false
	}
	if ip4 := ip.To4(); ip4 != nil {
		return isGlobalUnicastV4(ip4)
	}
	return isGlobalUnicastV6(ip)
}

// reserved IPv4 ranges beyond what net.IP.IsPrivate/IsGlobalUnicast already
// filters: documentation ranges, CGNAT, and the old "Class E" block.
var reservedV4 = []net.IPNet{
	mustCIDR("192.0.0.0/24"),
	mustCIDR("192.0.2.0/24"),
	mustCIDR("198.18.0.0/15"),
	mustCIDR("198.51.100.0/24"),
	mustCIDR("203.0.113.0/24"),
	mustCIDR("100.64.0.0/10"), // carrier-grade NAT, RFC 6598
	mustCIDR("240.0.0.0/4"),
}

var reservedV6 = []net.IPNet{
	mustCIDR("2001:db8::/32"),
	mustCIDR("fc00::/7"), // unique local
}

func isGlobalUnicastV4(ip net.IP) bool {
	for _, r := range reservedV4 {
		if r.Contains(ip) {
			return false
		}
	}
	return true
}

func isGlobalUnicastV6(ip net.IP) bool {
	for _, r := range reservedV6 {
		if r.Contains(ip) {
			return false
		}
	}
	return true
}

func mustCIDR(s string) net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return *n
}

// IsTemporaryError reports whether err is a transient network error that
// should be logged and ignored rather than tearing down the read loop,
// matching erigon-p2p's own netutil.IsTemporaryError helper.
func IsTemporaryError(err error) bool {
	if err == nil {
		return false
	}
	type temporary interface {
		Temporary() bool
	}
	if t, ok := err.(temporary); ok {
		return t.Temporary()
	}
	return false
}

// Prefix24 returns the /24 network containing ip (IPv4) used for the
// routing table's one-node-per-subnet invariant (spec.md §3).
func Prefix24(ip net.IP) (net.IP, bool) {
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, false
	}
	mask := net.CIDRMask(24, 32)
	return ip4.Mask(mask), true
}

// Prefix64 returns the /64 network containing ip (IPv6).
func Prefix64(ip net.IP) (net.IP, bool) {
	if ip.To4() != nil {
		return nil, false
	}
	ip16 := ip.To16()
	if ip16 == nil {
		return nil, false
	}
	mask := net.CIDRMask(64, 128)
	return ip16.Mask(mask), true
}
