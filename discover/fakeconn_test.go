package discover

import (
	"net"
	"sync"
	"time"
)

// fakeConn is a hand-written net.PacketConn standing in for a real UDP
// socket in server tests (spec.md §9.5: no generated mocks). Every
// fakeConn registers itself with a shared fakeNetwork keyed by its local
// address, so WriteTo can deliver to any other registered address, not
// just a single fixed peer.
type fakeConn struct {
	local *net.UDPAddr
	net   *fakeNetwork
	recv  chan fakePacket
	done  chan struct{}
}

type fakePacket struct {
	data []byte
	from *net.UDPAddr
}

// fakeNetwork is a shared switch: a map of address string to the inbox
// channel of whichever fakeConn is registered there.
type fakeNetwork struct {
	mu    sync.Mutex
	peers map[string]*fakeConn
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{peers: make(map[string]*fakeConn)}
}

func (n *fakeNetwork) newConn(addr *net.UDPAddr) *fakeConn {
	c := &fakeConn{local: addr, net: n, recv: make(chan fakePacket, 64), done: make(chan struct{})}
	n.mu.Lock()
	n.peers[addr.String()] = c
	n.mu.Unlock()
	return c
}

// newFakeConnPair is a convenience for the common two-node case: both
// conns share a fakeNetwork so either can reach the other by address.
func newFakeConnPair(addrA, addrB *net.UDPAddr) (a, b *fakeConn) {
	net := newFakeNetwork()
	return net.newConn(addrA), net.newConn(addrB)
}

func (c *fakeConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case pkt := <-c.recv:
		n := copy(p, pkt.data)
		return n, pkt.from, nil
	case <-c.done:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	c.net.mu.Lock()
	dest, ok := c.net.peers[addr.String()]
	c.net.mu.Unlock()
	if !ok {
		return len(p), nil
	}
	select {
	case dest.recv <- fakePacket{data: append([]byte(nil), p...), from: c.local}:
	case <-c.done:
		return 0, net.ErrClosed
	case <-dest.done:
	}
	return len(p), nil
}

func (c *fakeConn) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return nil
}

func (c *fakeConn) LocalAddr() net.Addr                { return c.local }
func (c *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }
