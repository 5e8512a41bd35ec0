// Package wire defines the bencoded KRPC frames this node speaks: ping and
// find_node queries/responses plus the generic error frame (spec.md §3, §6).
// It is a single tagged-variant struct rather than a registry of per-method
// constructors, per spec.md §9's dispatch-design note.
package wire

import (
	"crypto/rand"

	"github.com/anacrolix/dht/v2/krpc"
)

// Method names this node registers handlers for.
type Method string

const (
	MethodPing     Method = "ping"
	MethodFindNode Method = "find_node"
)

// Type is the KRPC "y" discriminator.
type Type string

const (
	TypeQuery    Type = "q"
	TypeResponse Type = "r"
	TypeError    Type = "e"
)

// ProtocolVersion is the "v" field stamped on outgoing messages.
const ProtocolVersion = "1.0"

// MaxNodesPerResponse caps the compact-node list in a find_node_response
// (spec.md §6).
const MaxNodesPerResponse = 20

// TransactionID is the random 6-byte value correlating a response to the
// call that produced it (spec.md §3, §4.4).
type TransactionID [6]byte

// NewTransactionID draws a fresh random transaction id.
func NewTransactionID() TransactionID {
	var t TransactionID
	_, _ = rand.Read(t[:])
	return t
}

func (t TransactionID) String() string { return string(t[:]) }

// Args is the "a" dictionary carried by queries: an id plus, for
// find_node, the sought target (spec.md §3, §6).
type Args struct {
	ID     krpc.ID `bencode:"id"`
	Target krpc.ID `bencode:"target,omitempty"`
}

// Return is the "r" dictionary carried by responses: an id plus, for
// find_node, the compact node lists (spec.md §3, §6).
type Return struct {
	ID     krpc.ID                  `bencode:"id"`
	Nodes  krpc.CompactIPv4NodeInfo `bencode:"nodes,omitempty"`
	Nodes6 krpc.CompactIPv6NodeInfo `bencode:"nodes6,omitempty"`
}

// Message is the one wire frame type covering every KRPC message this node
// sends or receives: a query, a response, or an error, distinguished by Y.
type Message struct {
	T  string      `bencode:"t"`
	Y  string      `bencode:"y"`
	Q  string      `bencode:"q,omitempty"`
	A  *Args       `bencode:"a,omitempty"`
	R  *Return     `bencode:"r,omitempty"`
	E  *krpc.Error `bencode:"e,omitempty"`
	IP krpc.NodeAddr `bencode:"ip,omitempty"`
	V  string      `bencode:"v,omitempty"`
}

// TID returns the message's transaction id as a TransactionID, or the zero
// value if t is not exactly 6 bytes (malformed input handled by the caller).
func (m *Message) TID() (TransactionID, bool) {
	var tid TransactionID
	if len(m.T) != len(tid) {
		return tid, false
	}
	copy(tid[:], m.T)
	return tid, true
}

// SetTID stamps tid into the message's "t" field.
func (m *Message) SetTID(tid TransactionID) {
	m.T = tid.String()
}

func (m *Message) IsQuery() bool    { return m.Y == string(TypeQuery) }
func (m *Message) IsResponse() bool { return m.Y == string(TypeResponse) }
func (m *Message) IsError() bool    { return m.Y == string(TypeError) }

// SenderID returns the id of whichever side produced this message: the
// querying node's id for a query, the responding node's id for a response.
// Error frames carry no id and return false.
func (m *Message) SenderID() (krpc.ID, bool) {
	switch {
	case m.IsQuery() && m.A != nil:
		return m.A.ID, true
	case m.IsResponse() && m.R != nil:
		return m.R.ID, true
	default:
		return krpc.ID{}, false
	}
}

// NewPingQuery builds a ping request from id, tagged with tid.
func NewPingQuery(tid TransactionID, id krpc.ID) *Message {
	m := &Message{Y: string(TypeQuery), Q: string(MethodPing), A: &Args{ID: id}, V: ProtocolVersion}
	m.SetTID(tid)
	return m
}

// NewPingResponse builds a ping response from id, echoing tid.
func NewPingResponse(tid TransactionID, id krpc.ID) *Message {
	m := &Message{Y: string(TypeResponse), R: &Return{ID: id}, V: ProtocolVersion}
	m.SetTID(tid)
	return m
}

// NewFindNodeQuery builds a find_node request seeking target.
func NewFindNodeQuery(tid TransactionID, id, target krpc.ID) *Message {
	m := &Message{Y: string(TypeQuery), Q: string(MethodFindNode), A: &Args{ID: id, Target: target}, V: ProtocolVersion}
	m.SetTID(tid)
	return m
}

// NewFindNodeResponse builds a find_node response carrying up to
// MaxNodesPerResponse compact nodes, split by address family.
func NewFindNodeResponse(tid TransactionID, id krpc.ID, v4, v6 []krpc.NodeInfo) *Message {
	if len(v4) > MaxNodesPerResponse {
		v4 = v4[:MaxNodesPerResponse]
	}
	if len(v6) > MaxNodesPerResponse {
		v6 = v6[:MaxNodesPerResponse]
	}
	m := &Message{Y: string(TypeResponse), R: &Return{ID: id, Nodes: v4, Nodes6: v6}, V: ProtocolVersion}
	m.SetTID(tid)
	return m
}

// NewError builds an error frame (spec.md §6, §7).
func NewError(tid TransactionID, code int, msg string) *Message {
	m := &Message{Y: string(TypeError), E: &krpc.Error{Code: code, Msg: msg}, V: ProtocolVersion}
	m.SetTID(tid)
	return m
}

// WithObservedAddr stamps the compact "ip" field recording what address the
// sender appears to originate from, feeding the recipient's public-IP
// consensus (spec.md §4.2).
func (m *Message) WithObservedAddr(addr krpc.NodeAddr) *Message {
	m.IP = addr
	return m
}
