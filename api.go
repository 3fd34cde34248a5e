package rudt

import (
	"encoding/binary"
	"net"
	"time"
)

// Bind attaches socketID to a local UDP address, transitioning INIT to
// OPENED (spec.md §6 "bind").
func (rt *Runtime) Bind(id SocketID, laddr *net.UDPAddr) error {
	s, ok := rt.lookup(id)
	if !ok {
		return errInval()
	}
	return s.bind(laddr)
}

// Listen transitions OPENED to LISTENING with the given backlog
// (spec.md §6 "listen").
func (rt *Runtime) Listen(id SocketID, backlog int) error {
	s, ok := rt.lookup(id)
	if !ok {
		return errInval()
	}
	return s.listen(backlog)
}

// Accept blocks (unless RCVSYN is false) until a connection is queued,
// returning the new socket id (spec.md §6 "accept").
func (rt *Runtime) Accept(id SocketID) (SocketID, *net.UDPAddr, error) {
	s, ok := rt.lookup(id)
	if !ok {
		return 0, nil, errInval()
	}
	s.mu.Lock()
	timeout := s.opts.rcvTimeo
	s.mu.Unlock()

	newID, err := s.accept(timeout)
	if err != nil {
		return 0, nil, err
	}
	child, ok := rt.lookup(newID)
	if !ok {
		return newID, nil, nil
	}
	return newID, child.raddr, nil
}

// Connect performs an active or rendezvous connect depending on the
// RENDEZVOUS socket option, blocking until CONNECTED or failure
// (spec.md §6 "connect", §4.7 "Caller"/"Rendezvous").
func (rt *Runtime) Connect(id SocketID, raddr *net.UDPAddr) error {
	s, ok := rt.lookup(id)
	if !ok {
		return errInval()
	}
	s.mu.Lock()
	if s.status == stateInit {
		s.mu.Unlock()
		if err := s.bind(&net.UDPAddr{}); err != nil {
			return err
		}
		s.mu.Lock()
	}
	if s.status != stateOpened {
		st := s.status
		s.mu.Unlock()
		if st == stateConnected {
			return errIsConn()
		}
		return errInval()
	}
	s.status = stateConnecting
	rendezvous := s.opts.rendezvous
	connTimeo := s.opts.connTimeo
	mux := s.mux
	opts := s.opts
	s.mu.Unlock()

	c, err := newConn(uint32(id), mux, opts)
	if err != nil {
		s.mu.Lock()
		s.status = stateOpened
		s.mu.Unlock()
		return err
	}
	s.c = c
	s.c.peerAddr = raddr
	s.c.isCaller = !rendezvous
	s.c.onBroken = func(err error) { rt.markBroken(s, err) }

	if rendezvous {
		return rt.connectRendezvous(s, raddr, connTimeo)
	}
	return rt.connectActive(s, raddr, connTimeo)
}

// connectActive drives the caller FSM of spec.md §4.7: send INDUCTION,
// retry every 250ms, then CONCLUSION, until CONNECTED or TTL expiry.
func (rt *Runtime) connectActive(s *socket, raddr *net.UDPAddr, ttl time.Duration) error {
	deadline := time.Now().Add(ttl)
	var initSeq uint32
	var seqBuf [4]byte
	_, _ = cryptoRandRead(seqBuf[:])
	initSeq = (uint32(seqBuf[0])<<24 | uint32(seqBuf[1])<<16 | uint32(seqBuf[2])<<8 | uint32(seqBuf[3])) &^ 0x80000000

	for {
		if time.Now().After(deadline) {
			s.mu.Lock()
			s.status = stateBroken
			s.rejectReason = RejTimeout
			s.mu.Unlock()
			return errTimeout()
		}

		hs := &handshakePkt{version: hsV5, connType: hsInduction, initialSeq: initSeq,
			mss: uint32(s.opts.mss), flightFlag: uint32(s.opts.fc), socketID: uint32(s.id)}
		s.sendHS(raddr, hs, s.mux.clk.now())

		resp, ok := rt.awaitHSOnce(s, raddr, 250*time.Millisecond)
		if !ok {
			continue
		}
		if resp.isReject {
			s.mu.Lock()
			s.status = stateBroken
			s.rejectReason = resp.reject
			s.mu.Unlock()
			return newErr(MajConnection, MinConnFail, nil)
		}

		conclusion := &handshakePkt{version: hsV5, connType: hsConclusion, initialSeq: initSeq,
			mss: uint32(s.opts.mss), flightFlag: uint32(s.opts.fc), socketID: uint32(s.id), cookie: resp.cookie}
		s.sendHS(raddr, conclusion, s.mux.clk.now())

		ack, ok := rt.awaitHSOnce(s, raddr, 250*time.Millisecond)
		if !ok {
			continue
		}
		if ack.isReject {
			s.mu.Lock()
			s.status = stateBroken
			s.rejectReason = ack.reject
			s.mu.Unlock()
			return newErr(MajConnection, MinConnFail, nil)
		}

		s.c.markConnected(ack.socketID, raddr, initSeq)
		s.mu.Lock()
		s.status = stateConnected
		s.raddr = raddr
		spec := peerSpecOf(ack.socketID, initSeq)
		s.mu.Unlock()
		rt.mu.Lock()
		rt.peerRec[spec] = append(rt.peerRec[spec], s.id)
		rt.mu.Unlock()
		return nil
	}
}

// awaitHSOnce is a small helper that parks the active connect goroutine
// waiting for exactly one handshake reply from raddr, since the caller's
// own socket id (0, pre-assignment) can't be dispatched through the
// normal conn map yet — it is routed here via the rendezvous queue's
// retrieve-by-address path instead.
func (rt *Runtime) awaitHSOnce(s *socket, raddr *net.UDPAddr, timeout time.Duration) (*handshakePkt, bool) {
	entry := &rdvEntry{connID: uint32(s.id), conn: s.c, peerAddr: raddr,
		ttlDeadline: s.mux.clk.now() + timeout.Microseconds()}
	s.mux.rcv.rdv.insert(entry)
	defer s.mux.rcv.rdv.remove(entry.connID)

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if hs := s.c.pendingHSReply(); hs != nil {
			return hs, true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return nil, false
}

// connectRendezvous drives the symmetric rendezvous FSM of spec.md §4.7:
// both peers send WAVEAHAND carrying a random cookie and ISN, each answers
// the other's WAVEAHAND with a CONCLUSION, and whichever CONCLUSION arrives
// first completes the connect on that side (conn.onRendezvousHS).
func (rt *Runtime) connectRendezvous(s *socket, raddr *net.UDPAddr, ttl time.Duration) error {
	var cookieBuf, seqBuf [4]byte
	_, _ = cryptoRandRead(cookieBuf[:])
	_, _ = cryptoRandRead(seqBuf[:])
	cookie := binary.BigEndian.Uint32(cookieBuf[:])
	initSeq := binary.BigEndian.Uint32(seqBuf[:]) &^ 0x80000000

	s.c.mu.Lock()
	s.c.isRendezvous = true
	s.c.rdvCookie = cookie
	s.c.rdvInitSeq = initSeq
	s.c.mu.Unlock()
	s.c.setState(stateConnecting)

	entry := &rdvEntry{connID: uint32(s.id), conn: s.c, peerAddr: raddr,
		ttlDeadline: s.mux.clk.now() + ttl.Microseconds(), isRendezvous: true, state: rdvWaiting}
	s.mux.rcv.rdv.insert(entry)
	defer s.mux.rcv.rdv.remove(entry.connID)

	s.c.sendRendezvousProbe(s.mux.clk.now())
	lastProbe := time.Now()
	deadline := time.Now().Add(ttl)
	for time.Now().Before(deadline) {
		if s.c.getState() == stateConnected {
			s.mu.Lock()
			s.status = stateConnected
			s.raddr = raddr
			s.mu.Unlock()
			return nil
		}
		if s.c.getState() == stateBroken {
			return errTimeout()
		}
		if time.Since(lastProbe) >= 250*time.Millisecond {
			s.c.sendRendezvousProbe(s.mux.clk.now())
			lastProbe = time.Now()
		}
		time.Sleep(2 * time.Millisecond)
	}
	s.mu.Lock()
	s.status = stateBroken
	s.mu.Unlock()
	return errTimeout()
}

// CloseSocket implements spec.md §6 "close" / §4.6.6.
func (rt *Runtime) CloseSocket(id SocketID) error {
	s, ok := rt.lookup(id)
	if !ok {
		return errInval()
	}
	return s.close()
}

// Send queues data for reliable, in-order delivery (spec.md §6 "send").
func (rt *Runtime) Send(id SocketID, data []byte) error {
	return rt.SendMsg(id, data, 0, true)
}

// SendMsg is the full form accepting a TTL (0 = no expiry) and an
// in-order flag (spec.md §6 "sendmsg").
func (rt *Runtime) SendMsg(id SocketID, data []byte, ttl time.Duration, inOrder bool) error {
	s, ok := rt.lookup(id)
	if !ok {
		return errInval()
	}
	if s.c == nil {
		return errConnFail()
	}
	return s.c.enqueueSend(data, ttl, inOrder)
}

// Recv delivers the next ready payload, blocking per RCVTIMEO
// (spec.md §6 "recv").
func (rt *Runtime) Recv(id SocketID) ([]byte, error) {
	s, ok := rt.lookup(id)
	if !ok {
		return nil, errInval()
	}
	if s.c == nil {
		return nil, errConnFail()
	}
	s.mu.Lock()
	timeout := s.opts.rcvTimeo
	s.mu.Unlock()
	return s.c.recv(timeout)
}

// GetSockName returns the bound local address (spec.md §6).
func (rt *Runtime) GetSockName(id SocketID) (*net.UDPAddr, error) {
	s, ok := rt.lookup(id)
	if !ok {
		return nil, errInval()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.laddr == nil {
		return nil, errIsUnbound()
	}
	return s.laddr, nil
}

// GetPeerName returns the connected peer's address (spec.md §6).
func (rt *Runtime) GetPeerName(id SocketID) (*net.UDPAddr, error) {
	s, ok := rt.lookup(id)
	if !ok {
		return nil, errInval()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raddr == nil {
		return nil, errNoConn()
	}
	return s.raddr, nil
}

// SetSockOpt / GetSockOpt implement spec.md §6's option table.
func (rt *Runtime) SetSockOpt(id SocketID, opt SockOpt, val interface{}) error {
	s, ok := rt.lookup(id)
	if !ok {
		return errInval()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == stateConnected && (opt == OptMSS || opt == OptFC || opt == OptRendezvous) {
		return errIsConn()
	}
	return s.opts.set(opt, val)
}

func (rt *Runtime) GetSockOpt(id SocketID, opt SockOpt) (interface{}, error) {
	s, ok := rt.lookup(id)
	if !ok {
		return nil, errInval()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.get(opt)
}

// LastError returns the last (Major, Minor) recorded for this socket.
func (rt *Runtime) LastError(id SocketID) (Major, Minor) {
	s, ok := rt.lookup(id)
	if !ok {
		return MajUnknown, MinNone
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErrMaj, s.lastErrMin
}

// BStats reports the connection's cumulative and windowed counters
// (spec.md §6 "bstats"); clear resets the instantaneous rate window.
func (rt *Runtime) BStats(id SocketID, clear bool) (BStats, error) {
	s, ok := rt.lookup(id)
	if !ok {
		return BStats{}, errInval()
	}
	if s.c == nil {
		return BStats{}, errConnFail()
	}
	elapsed := int64(10 * time.Second / time.Millisecond)
	st := s.c.stats.snapshot(s.opts.mss, uint64(s.c.sndBuf.availBytes()), uint64(s.c.rcvBuf.availBytes()), elapsed)
	if clear {
		s.c.stats.clearWindow()
	}
	return st, nil
}

// Epoll* thinly wraps the Runtime's shared epollService, forwarding
// SocketID through as the uint32 key epoll.go operates on.
func (rt *Runtime) EpollCreate() int { return rt.epoll.create() }

func (rt *Runtime) EpollAddUSock(eid int, id SocketID, events epollEvent) error {
	return rt.epoll.addUSock(eid, uint32(id), events)
}

func (rt *Runtime) EpollUpdateUSock(eid int, id SocketID, events epollEvent) error {
	return rt.epoll.updateUSock(eid, uint32(id), events)
}

func (rt *Runtime) EpollRemoveUSock(eid int, id SocketID) error {
	return rt.epoll.removeUSock(eid, uint32(id))
}

func (rt *Runtime) EpollAddSSock(eid int, fd int, events epollEvent) error {
	return rt.epoll.addSSock(eid, fd, events)
}

func (rt *Runtime) EpollRemoveSSock(eid int, fd int) error {
	return rt.epoll.removeSSock(eid, fd)
}

func (rt *Runtime) EpollWait(eid int, timeout time.Duration) (reads, writes, errs []SocketID, err error) {
	r, w, e, err := rt.epoll.wait(eid, timeout)
	return toSocketIDs(r), toSocketIDs(w), toSocketIDs(e), err
}

func (rt *Runtime) EpollUWait(eid int, maxEvents int, timeout time.Duration) ([]uwaitEvent, error) {
	return rt.epoll.uwait(eid, maxEvents, timeout)
}

func (rt *Runtime) EpollSetFlags(eid int, edgeTriggered bool) (bool, error) {
	var flags epollFlag
	if edgeTriggered {
		flags = epollEdgeTriggered
	}
	prev, err := rt.epoll.setFlags(eid, flags)
	return prev&epollEdgeTriggered != 0, err
}

func (rt *Runtime) EpollRelease(eid int) error { return rt.epoll.release(eid) }

func toSocketIDs(ids []uint32) []SocketID {
	out := make([]SocketID, len(ids))
	for i, id := range ids {
		out[i] = SocketID(id)
	}
	return out
}
