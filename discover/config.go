package discover

import (
	"net"
	"net/netip"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/erigontech/erigon-lib/log/v3"
)

// DefaultRefreshInterval is how often the refresh handler sweeps
// non-full buckets absent a triggering event (spec.md §4.3, §5).
const DefaultRefreshInterval = 15 * time.Minute

// DefaultMaxPacketSize is the largest datagram the receive path accepts
// (spec.md §4.1: "read one datagram, up to 65,535 bytes").
const DefaultMaxPacketSize = 65535 * datasize.B

// Config configures a Server and the Table it owns, mirroring the
// teacher's cfg.withDefaults(respTimeout) pattern in ListenV4.
type Config struct {
	// Proto selects the bucket-capacity flavor (Kademlia K=8 or
	// Mainline K=5). Defaults to ProtoKademlia.
	Proto Proto

	// NodeIDOverride pins the local node id instead of deriving it from
	// the consensus external address. Only honored when SecureOnly is
	// false; tests use this to get deterministic ids.
	NodeIDOverride *UID

	// Bootstraps lists seed peers. Nothing in this package reads it: Join
	// contacts only the seed address passed to it.
	Bootstraps []netip.AddrPort

	// StallTimeout is how long an outstanding Call waits before it is
	// reaped (spec.md §5, default 8s).
	StallTimeout time.Duration

	// RefreshInterval is the bucket-refresh sweep period (spec.md §4.3,
	// §5, default 15m).
	RefreshInterval time.Duration

	// SecureOnly requires every inserted node to carry a CRC32C-derived
	// secure id (spec.md §4.2). Defaults to true.
	SecureOnly *bool

	// MaxPacketSize bounds how large a single inbound datagram may be
	// before it's discarded unread (spec.md §4.1, default 65535).
	MaxPacketSize datasize.ByteSize

	// Logger receives structured Trace/Debug/Warn/Error events from the
	// server and the table (spec.md §9.1).
	Logger log.Logger

	// InitialAddr seeds the table's consensus external address before
	// any peer has reported one back.
	InitialAddr net.IP

	// AllowBogonIngress disables the bogon filter, accepting packets
	// whose source address is loopback/private/link-local/etc and
	// letting the send path address such destinations too
	// (spec.md §3: "bogons filtered on ingress unless overridden").
	// Distinct from SecureOnly: that gate is about id/address binding,
	// this one is about the address itself. Defaults to false (bogons
	// rejected both ways); set for tests that run entirely over loopback.
	AllowBogonIngress *bool
}

// withDefaults fills the zero-valued fields of cfg with the server's
// defaults, mirroring the teacher's Config.withDefaults(respTimeout).
func (cfg Config) withDefaults() Config {
	if cfg.Proto == "" {
		cfg.Proto = ProtoKademlia
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = DefaultStallTimeout
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.SecureOnly == nil {
		t := true
		cfg.SecureOnly = &t
	}
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = DefaultMaxPacketSize
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Root()
	}
	if cfg.InitialAddr == nil {
		cfg.InitialAddr = net.IPv4(127, 0, 0, 1)
	}
	return cfg
}

func (cfg Config) secureOnly() bool {
	return cfg.SecureOnly == nil || *cfg.SecureOnly
}

func (cfg Config) allowBogonIngress() bool {
	return cfg.AllowBogonIngress != nil && *cfg.AllowBogonIngress
}
