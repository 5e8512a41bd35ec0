package discover

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anacrolix/dht/v2/krpc"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/erigontech/erigon-lib/log/v3"

	"github.com/sectorrent/kaddht/netutil"
	"github.com/sectorrent/kaddht/wire"
)

// serverState is the Server's New → Running → Stopped state machine
// (spec.md §4.1).
type serverState int32

const (
	stateNew serverState = iota
	stateRunning
	stateStopped
)

// RequestEvent is handed to a method handler for a single incoming query.
// The handler either calls SetResponse to supply a reply or
// PreventDefault to suppress the automatic "204 Method Unknown" fallback
// without replying at all (spec.md §4.1).
type RequestEvent struct {
	Message *wire.Message
	From    *net.UDPAddr
	Node    *Node

	response       *wire.Message
	preventDefault bool
}

// SetResponse registers the reply the server should send back for this
// request.
func (e *RequestEvent) SetResponse(m *wire.Message) { e.response = m }

// PreventDefault suppresses the automatic "204 Method Unknown" fallback
// when no response was set, without sending anything.
func (e *RequestEvent) PreventDefault() { e.preventDefault = true }

// HandlerFunc processes one query for a registered method.
type HandlerFunc func(e *RequestEvent)

// outboundMsg is one entry on the server's FIFO send queue, draining
// exclusively through the I/O goroutine so the socket has a single
// writer (spec.md §4.1, §5).
type outboundMsg struct {
	msg  *wire.Message
	dest *net.UDPAddr
}

// Server is the UDP RPC server: it owns the socket, the response
// tracker, and both spam throttles, and dispatches method handlers
// (spec.md §4.1).
type Server struct {
	cfg   Config
	log   log.Logger
	table *Table

	conn net.PacketConn

	tracker *tracker
	ingress *spamThrottle
	egress  *spamThrottle

	handlersMu sync.RWMutex
	handlers   map[wire.Method][]HandlerFunc

	unsolicited *lru.Cache[UID, *Node]

	sendQueue chan outboundMsg
	closeCh   chan struct{}
	wg        sync.WaitGroup

	state atomic.Int32

	// onFirstRequest is invoked at most once, the first time a query is
	// handled, to start the refresh handler. It is injected rather than
	// held as a back-reference to whatever owns the refresh handler,
	// per spec.md §9's "ownership cycles" redesign note.
	onFirstRequest func()
	startedRefresh atomic.Bool
}

// NewServer builds a Server bound to table, with ping and find_node
// handlers pre-registered. Call Start to begin serving.
func NewServer(cfg Config, table *Table) *Server {
	cfg = cfg.withDefaults()
	cache, _ := lru.New[UID, *Node](500)

	s := &Server{
		cfg:         cfg,
		log:         cfg.Logger,
		table:       table,
		tracker:     newTracker(cfg.StallTimeout),
		ingress:     newSpamThrottle(),
		egress:      newSpamThrottle(),
		handlers:    make(map[wire.Method][]HandlerFunc),
		unsolicited: cache,
		sendQueue:   make(chan outboundMsg, 256),
		closeCh:     make(chan struct{}),
	}
	s.RegisterHandler(wire.MethodPing, s.handlePing)
	s.RegisterHandler(wire.MethodFindNode, s.handleFindNode)
	return s
}

// OnFirstRequest installs the callback invoked once the server handles
// its first incoming query (spec.md §4.1: "After the request is handled,
// start the refresh handler if it is not already running").
func (s *Server) OnFirstRequest(f func()) {
	s.onFirstRequest = f
}

// RegisterHandler adds h to the handlers invoked for method. Multiple
// handlers may be registered per method (spec.md §4.1: "invoke all
// handlers registered under that method name").
func (s *Server) RegisterHandler(method wire.Method, h HandlerFunc) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[method] = append(s.handlers[method], h)
}

// Start transitions New → Running and launches the I/O goroutines,
// rejecting a call while already running (spec.md §4.1).
func (s *Server) Start(conn net.PacketConn) error {
	if !s.state.CompareAndSwap(int32(stateNew), int32(stateRunning)) {
		return errAlreadyRunning
	}
	s.conn = conn

	recvCh := make(chan recvdPacket, 64)
	s.wg.Add(2)
	go s.readLoop(recvCh)
	go s.ioLoop(recvCh)
	return nil
}

// Stop sets the running flag false; the I/O loop observes it and exits.
// The send queue is not flushed and in-flight Calls become unreachable
// (spec.md §5).
func (s *Server) Stop() error {
	if !s.state.CompareAndSwap(int32(stateRunning), int32(stateStopped)) {
		return errNotRunning
	}
	close(s.closeCh)
	_ = s.conn.Close()
	s.wg.Wait()
	return nil
}

type recvdPacket struct {
	data []byte
	from *net.UDPAddr
}

// readLoop blocks on the socket and forwards datagrams to the I/O loop.
// It runs separately from ioLoop so a blocking net.PacketConn read never
// stalls the send/decay ticks (spec.md §5's "suspends... on the
// non-blocking recv_from" is realized here as a dedicated reader
// goroutine feeding a channel instead of a true non-blocking syscall).
func (s *Server) readLoop(recvCh chan<- recvdPacket) {
	defer s.wg.Done()
	defer close(recvCh)

	buf := make([]byte, int(s.cfg.MaxPacketSize.Bytes()))
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if netutil.IsTemporaryError(err) {
				continue
			}
			select {
			case <-s.closeCh:
			default:
				s.log.Warn("discover: read loop exiting", "err", err)
			}
			return
		}
		udpAddr, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case recvCh <- recvdPacket{data: data, from: udpAddr}:
		case <-s.closeCh:
			return
		}
	}
}

// ioLoop is the single task that owns writes to the socket: it
// interleaves handling received packets, draining the send queue, and
// the once-per-second decay/stall-reap tick (spec.md §4.1, §5).
func (s *Server) ioLoop(recvCh <-chan recvdPacket) {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeCh:
			return
		case pkt, ok := <-recvCh:
			if !ok {
				return
			}
			s.handlePacket(pkt.data, pkt.from)
		case out := <-s.sendQueue:
			s.writeNow(out.msg, out.dest)
		case <-ticker.C:
			s.decayTick()
		}
	}
}

// decayTick runs the once-per-second housekeeping: throttle decay and
// reaping stalled calls (spec.md §4.1, §5).
func (s *Server) decayTick() {
	s.ingress.decay()
	s.egress.decay()

	for _, c := range s.tracker.removeStalled(time.Now()) {
		s.table.MarkStale(c.dest.UID)
		if c.cb.onStalled != nil {
			c.cb.onStalled()
		}
	}
}

// handlePacket implements spec.md §4.1's receive path.
func (s *Server) handlePacket(data []byte, from *net.UDPAddr) {
	if s.ingress.addAndTest(from.IP.String()) {
		return
	}
	if !s.cfg.allowBogonIngress() && netutil.IsBogon(from.IP) {
		s.log.Trace("discover: dropping bogon-sourced packet", "from", from)
		return
	}

	m, err := wire.Decode(data)
	if err != nil {
		if m != nil && m.IsQuery() {
			tid, ok := m.TID()
			if ok {
				s.send(wire.NewError(tid, ErrorCodeProtocol, "Protocol Error"), from)
			}
		}
		s.log.Trace("discover: dropping malformed packet", "from", from, "err", err)
		return
	}

	switch {
	case m.IsQuery():
		s.handleQuery(m, from)
	case m.IsResponse():
		s.handleResponse(m, from)
	case m.IsError():
		s.handleError(m, from)
	}
}

func (s *Server) handleQuery(m *wire.Message, from *net.UDPAddr) {
	tid, ok := m.TID()
	if !ok {
		return
	}

	senderID, ok := m.SenderID()
	if !ok {
		s.send(wire.NewError(tid, ErrorCodeProtocol, "Protocol Error"), from)
		return
	}

	node := NewNode(UID(senderID), from)
	s.table.Insert(node)

	s.handlersMu.RLock()
	handlers := append([]HandlerFunc{}, s.handlers[wire.Method(m.Q)]...)
	s.handlersMu.RUnlock()

	if len(handlers) == 0 {
		s.send(wire.NewError(tid, ErrorCodeMethodUnknown, "Method Unknown"), from)
		return
	}

	ev := &RequestEvent{Message: m, From: from, Node: node}
	for _, h := range handlers {
		h(ev)
	}

	switch {
	case ev.response != nil:
		ev.response.SetTID(tid)
		s.send(ev.response, from)
	case !ev.preventDefault:
		s.send(wire.NewError(tid, ErrorCodeMethodUnknown, "Method Unknown"), from)
	}

	if s.onFirstRequest != nil && s.startedRefresh.CompareAndSwap(false, true) {
		s.onFirstRequest()
	}
}

func (s *Server) handleResponse(m *wire.Message, from *net.UDPAddr) {
	tid, ok := m.TID()
	if !ok {
		return
	}
	c, ok := s.tracker.poll(tid)
	if !ok {
		s.log.Trace("discover: response to unknown call", "from", from, "code", ErrorCodeServer)
		return
	}

	if c.dest != nil && !sameUDPAddr(c.dest.Addr, from) {
		s.log.Trace("discover: response origin mismatch", "expected", c.dest.Addr, "got", from, "code", ErrorCodeGeneric)
		return
	}

	senderID, ok := m.SenderID()
	if !ok {
		return
	}
	if c.expectUID && c.dest != nil && !UID(senderID).Equal(c.dest.UID) {
		s.log.Trace("discover: response uid mismatch", "code", ErrorCodeGeneric)
		return
	}

	node := NewNode(UID(senderID), from)
	s.table.Insert(node)

	if m.IP.IP != nil && !m.IP.IP.IsUnspecified() {
		s.table.UpdatePublicIPConsensus(from.IP, m.IP.IP)
	}

	if c.cb.onResponse != nil {
		c.cb.onResponse(m, node)
	}
}

func (s *Server) handleError(m *wire.Message, from *net.UDPAddr) {
	tid, ok := m.TID()
	if !ok {
		return
	}
	c, ok := s.tracker.poll(tid)
	if !ok {
		return
	}
	if c.cb.onError != nil {
		c.cb.onError(m)
	}
}

func sameUDPAddr(a, b *net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

// send implements spec.md §4.1's send path: validate/stamp/throttle/
// enqueue. It never blocks the caller.
func (s *Server) send(m *wire.Message, dest *net.UDPAddr) {
	if dest == nil {
		s.log.Trace("discover: send with no destination")
		return
	}
	if !s.cfg.allowBogonIngress() && netutil.IsBogon(dest.IP) {
		return
	}
	if !m.IsError() {
		m.A = stampID(m.A, s.table.LocalUID())
		m.R = stampReturn(m.R, s.table.LocalUID())
	}
	if s.egress.test(dest.IP.String()) {
		return
	}

	select {
	case s.sendQueue <- outboundMsg{msg: m, dest: dest}:
	default:
		s.log.Warn("discover: send queue full, dropping", "dest", dest)
	}
}

func stampID(a *wire.Args, id UID) *wire.Args {
	if a == nil {
		return nil
	}
	a.ID = krpc.ID(id)
	return a
}

func stampReturn(r *wire.Return, id UID) *wire.Return {
	if r == nil {
		return nil
	}
	r.ID = krpc.ID(id)
	return r
}

// writeNow is the only place that calls conn.WriteTo, preserving the
// single-writer discipline (spec.md §4.1, §5).
func (s *Server) writeNow(m *wire.Message, dest *net.UDPAddr) {
	if s.egress.addAndTest(dest.IP.String()) {
		return
	}
	b, err := wire.Encode(m)
	if err != nil {
		s.log.Warn("discover: encode failed", "err", err)
		return
	}
	if _, err := s.conn.WriteTo(b, dest); err != nil {
		s.log.Trace("discover: write failed", "dest", dest, "err", err)
	}
}

// SendWithCallback generates a fresh transaction id, stamps it into msg,
// registers a Call, and sends msg to dest (spec.md §4.1's
// "send_with_callback"). Only queries register a Call; anything else is
// sent as-is and cb is ignored.
func (s *Server) SendWithCallback(msg *wire.Message, dest *net.UDPAddr, cb callback) {
	s.sendWithNode(msg, dest, nil, cb)
}

// SendWithNodeCallback is SendWithCallback but also binds the Call to a
// specific expected responding node, so the response path can verify the
// responder's uid matches (spec.md §4.1's "send_with_node_callback").
func (s *Server) SendWithNodeCallback(msg *wire.Message, node *Node, cb callback) {
	s.sendWithNode(msg, node.Addr, node, cb)
}

func (s *Server) sendWithNode(msg *wire.Message, dest *net.UDPAddr, node *Node, cb callback) {
	if !msg.IsQuery() {
		s.send(msg, dest)
		return
	}

	tid := wire.NewTransactionID()
	msg.SetTID(tid)

	method := wire.Method(msg.Q)
	dummyDest := node
	if dummyDest == nil && dest != nil {
		dummyDest = &Node{Addr: dest}
	}
	s.tracker.add(&call{
		tid:       tid,
		method:    method,
		sentAt:    time.Now(),
		dest:      dummyDest,
		request:   msg,
		cb:        cb,
		expectUID: node != nil,
	})
	s.table.MarkQueried(dummyDest.UID, time.Now())
	s.send(msg, dest)
}

// handlePing answers a ping query with the local id (spec.md §6: ping
// carries no extra fields).
func (s *Server) handlePing(e *RequestEvent) {
	tid, _ := e.Message.TID()
	e.SetResponse(wire.NewPingResponse(tid, krpc.ID(s.table.LocalUID())))
}

// handleFindNode answers a find_node query with up to
// wire.MaxNodesPerResponse compact nodes closest to the requested target
// (spec.md §4.1, §6).
func (s *Server) handleFindNode(e *RequestEvent) {
	if e.Message.A == nil {
		return
	}
	tid, _ := e.Message.TID()
	target := UID(e.Message.A.Target)

	closest := s.table.FindClosest(target, wire.MaxNodesPerResponse)

	var v4, v6 []krpc.NodeInfo
	for _, n := range closest {
		info := krpc.NodeInfo{ID: krpc.ID(n.UID), Addr: krpc.NodeAddr{IP: n.Addr.IP, Port: n.Addr.Port}}
		if n.Addr.IP.To4() != nil {
			v4 = append(v4, info)
		} else {
			v6 = append(v6, info)
		}
	}

	e.SetResponse(wire.NewFindNodeResponse(tid, krpc.ID(s.table.LocalUID()), v4, v6))
}

// Ping sends a ping query to addr and reports whether a response
// arrived before the stall timeout.
func (s *Server) Ping(addr *net.UDPAddr) error {
	errc := make(chan error, 1)
	msg := wire.NewPingQuery(wire.TransactionID{}, krpc.ID(s.table.LocalUID()))
	s.SendWithCallback(msg, addr, callback{
		onResponse: func(resp *wire.Message, node *Node) { errc <- nil },
		onError:    func(resp *wire.Message) { errc <- fmt.Errorf("discover: ping error %d: %s", resp.E.Code, resp.E.Msg) },
		onStalled:  func() { errc <- errStalled },
	})
	return <-errc
}
