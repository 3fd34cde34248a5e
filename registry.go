package rudt

import (
	"net"
	"sync"
	"time"
)

// Runtime is the explicit, non-global registry of sockets and
// multiplexers an application creates, replacing the process-wide
// CUDTUnited singleton per the "Global singleton" design note
// (SPEC_FULL.md §9): nothing here is a package-level var except the
// default congestion-controller registry, which is inherently global
// (it's a name->constructor table, not mutable state).
type Runtime struct {
	clk *clock

	mu            sync.Mutex
	active        map[SocketID]*socket
	closedSockets map[SocketID]*socket
	idSeed        SocketID

	muxMu sync.Mutex
	muxes map[muxKey]*multiplexer
	nextMuxID uint64

	peerRec map[uint64][]SocketID

	epoll *epollService

	gcStop chan struct{}
	gcDone chan struct{}

	closed bool
}

// NewRuntime starts a fresh registry, including its GC goroutine
// (spec.md §4.11). Callers should Close it when done to stop the GC and
// release every multiplexer still open.
func NewRuntime() *Runtime {
	rt := &Runtime{
		clk:           newClock(time.Millisecond),
		active:        make(map[SocketID]*socket),
		closedSockets: make(map[SocketID]*socket),
		muxes:         make(map[muxKey]*multiplexer),
		peerRec:       make(map[uint64][]SocketID),
		epoll:         newEpollService(),
		gcStop:        make(chan struct{}),
		gcDone:        make(chan struct{}),
		idSeed:        SocketID(1) << 30,
	}
	go rt.gcLoop()
	return rt
}

// NewSocket allocates a handle, the Go analogue of UDT::socket(af)
// (spec.md §4.11 "new_socket").
func (rt *Runtime) NewSocket(af string) (SocketID, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.idSeed--
	id := rt.idSeed
	s := newSocket(id, rt, af)
	rt.active[id] = s
	return id, nil
}

func (rt *Runtime) lookup(id SocketID) (*socket, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	s, ok := rt.active[id]
	return s, ok
}

// acquireMultiplexer finds an existing multiplexer matching laddr when
// REUSEADDR is set, or opens a new UDP channel and spawns its Snd/Rcv
// workers, per spec.md §4.11 "bind".
//
// The reuse lookup only applies when the caller named an explicit port: a
// wildcard bind (port 0) always means "give me a fresh ephemeral port", so
// its reuse key is computed from the address the kernel actually handed
// back, never from the pre-bind "any port" placeholder.
func (rt *Runtime) acquireMultiplexer(laddr *net.UDPAddr, opts sockOpts) (*multiplexer, muxKey, error) {
	rt.muxMu.Lock()
	if opts.reuseAddr && laddr.Port != 0 {
		key := muxKeyFor(laddr)
		if m, ok := rt.muxes[key]; ok {
			m.acquire()
			rt.muxMu.Unlock()
			return m, key, nil
		}
	}
	rt.muxMu.Unlock()

	ch, err := openChannel(laddr, opts.udpSndBuf, opts.udpRcvBuf)
	if err != nil {
		return nil, muxKey{}, newErr(MajSetup, MinNoRes, err)
	}
	if opts.ipTTL >= 0 {
		_ = ch.setTTL(opts.ipTTL)
	}
	if opts.ipToS >= 0 {
		_ = ch.setDSCP(opts.ipToS)
	}
	key := muxKeyFor(ch.localAddr())

	rt.muxMu.Lock()
	defer rt.muxMu.Unlock()
	if existing, ok := rt.muxes[key]; ok {
		// Lost a race to bind the same resolved address; openChannel would
		// normally itself fail with "address in use" first, but stay
		// defensive rather than leak the channel we just opened.
		_ = ch.close()
		existing.acquire()
		return existing, key, nil
	}
	rt.nextMuxID++
	m := newMultiplexer(rt.nextMuxID, key, ch, rt.clk, opts.mss)
	m.acquire()
	rt.muxes[key] = m
	return m, key, nil
}

func (rt *Runtime) releaseMultiplexer(key muxKey) {
	rt.muxMu.Lock()
	defer rt.muxMu.Unlock()
	m, ok := rt.muxes[key]
	if !ok {
		return
	}
	if m.release() {
		delete(rt.muxes, key)
		m.shutdown()
	}
}

// spawnAccepted creates the child socket for a successful passive
// handshake (spec.md §4.7 "Listener" step 3), inheriting the listener's
// options.
func (rt *Runtime) spawnAccepted(listener *socket, peerAddr *net.UDPAddr, hs *handshakePkt) (*socket, error) {
	rt.mu.Lock()
	rt.idSeed--
	id := rt.idSeed
	rt.mu.Unlock()

	child := newSocket(id, rt, listener.af)
	child.opts = listener.opts
	child.mux = listener.mux
	child.muxKey = listener.muxKey
	child.mux.acquire()
	child.status = stateConnecting
	child.raddr = peerAddr

	initSeq := hs.initialSeq + 1

	c, err := newConn(uint32(id), child.mux, child.opts)
	if err != nil {
		rt.releaseMultiplexer(child.muxKey)
		return nil, err
	}
	child.c = c
	child.c.peerID = hs.socketID
	child.c.peerAddr = peerAddr
	child.c.isListener = false
	child.c.onBroken = func(err error) { rt.markBroken(child, err) }
	child.c.markConnected(hs.socketID, peerAddr, initSeq)
	child.status = stateConnected

	rt.mu.Lock()
	rt.active[id] = child
	spec := peerSpecOf(hs.socketID, initSeq)
	rt.peerRec[spec] = append(rt.peerRec[spec], id)
	rt.mu.Unlock()

	return child, nil
}

func peerSpecOf(peerID, isn uint32) uint64 {
	return (uint64(peerID) << 30) + uint64(isn)
}

func (rt *Runtime) markBroken(s *socket, _ error) {
	s.mu.Lock()
	if s.status != stateBroken && s.status != stateClosed {
		s.status = stateBroken
		s.brokenSince = rt.clk.now()
	}
	s.mu.Unlock()
	rt.epoll.updateEvents(uint32(s.id), EpollErr, true)
}

// gcLoop is the 1Hz background sweep of spec.md §4.11 "checkBrokenSockets":
// broken sockets age into closed, closed sockets age out of existence
// after their linger period once no longer referenced.
func (rt *Runtime) gcLoop() {
	defer close(rt.gcDone)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-rt.gcStop:
			return
		case <-ticker.C:
			rt.sweep()
		}
	}
}

func (rt *Runtime) sweep() {
	now := rt.clk.now()

	rt.mu.Lock()
	var toClose []*socket
	for _, s := range rt.active {
		s.mu.Lock()
		broken := s.status == stateBroken
		linger := s.opts.linger
		closureTs := s.closureTsUs
		s.mu.Unlock()
		if broken {
			toClose = append(toClose, s)
			continue
		}
		if closureTs > 0 && now-closureTs > linger.Microseconds() {
			toClose = append(toClose, s)
		}
	}
	rt.mu.Unlock()

	for _, s := range toClose {
		rt.finishClose(s)
	}

	rt.mu.Lock()
	var toRemove []SocketID
	for id, s := range rt.closedSockets {
		s.mu.Lock()
		age := now - s.closureTsUs
		s.mu.Unlock()
		if age > time.Second.Microseconds() {
			toRemove = append(toRemove, id)
		}
	}
	for _, id := range toRemove {
		delete(rt.closedSockets, id)
	}
	rt.mu.Unlock()
}

// finishClose moves a socket from active to closed, unlinking it from the
// listener's accept sets and peer_rec, and releases its multiplexer
// reference (spec.md §4.11 "removeSocket").
func (rt *Runtime) finishClose(s *socket) {
	s.mu.Lock()
	if s.status == stateClosed {
		s.mu.Unlock()
		return
	}
	s.status = stateClosed
	if s.closureTsUs == 0 {
		s.closureTsUs = rt.clk.now()
	}
	muxKey := s.muxKey
	c := s.c
	s.mu.Unlock()

	if c != nil {
		s.mux.rcv.unregisterConn(uint32(s.id))
		s.mux.snd.unschedule(uint32(s.id))
	}

	rt.mu.Lock()
	delete(rt.active, s.id)
	rt.closedSockets[s.id] = s
	for spec, ids := range rt.peerRec {
		filtered := ids[:0]
		for _, id := range ids {
			if id != s.id {
				filtered = append(filtered, id)
			}
		}
		rt.peerRec[spec] = filtered
	}
	rt.mu.Unlock()

	rt.epoll.updateEvents(uint32(s.id), EpollIn|EpollOut|EpollErr, false)
	rt.releaseMultiplexer(muxKey)
}

// Close stops the GC loop and tears down every remaining multiplexer.
// Pairs with NewRuntime the way startup()/cleanup() are reference-counted
// in spec.md §6 (here, one Runtime instance is the unit of lifetime
// instead of a process-wide counter).
func (rt *Runtime) Close() {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return
	}
	rt.closed = true
	rt.mu.Unlock()

	close(rt.gcStop)
	<-rt.gcDone

	rt.mu.Lock()
	socks := make([]*socket, 0, len(rt.active))
	for _, s := range rt.active {
		socks = append(socks, s)
	}
	rt.mu.Unlock()
	for _, s := range socks {
		_ = s.close()
		rt.finishClose(s)
	}

	rt.muxMu.Lock()
	for k, m := range rt.muxes {
		m.shutdown()
		delete(rt.muxes, k)
	}
	rt.muxMu.Unlock()

	rt.clk.close()
}
