package rudt

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// SocketID is the handle applications use to refer to a socket through
// the Runtime's API, analogous to CUDTSocket's SocketID field (spec.md
// §3 "Socket"). IDs are assigned from a decrementing seed, never reused
// while any record (active or recently-closed) still references them.
type SocketID uint32

// socket is the per-handle bookkeeping record the Registry keeps: status,
// addresses, accept queue (if listening), and the embedded Connection
// Core. It mirrors CUDTSocket in srtcore/api.h (spec.md §3/§4.11).
type socket struct {
	id       SocketID
	af       string // "udp4" or "udp6"
	mu       sync.Mutex
	status   connState
	laddr    *net.UDPAddr
	raddr    *net.UDPAddr
	mux      *multiplexer
	muxKey   muxKey

	opts sockOpts
	c    *conn

	isListener     bool
	backlog        int
	acceptMu       sync.Mutex
	queuedAccepts  []SocketID
	cookieSecret   cookieSecret

	// dedup suppresses re-spawning a child socket when a caller retransmits
	// its CONCLUSION before our reply lands (spec.md §4.7 invariant: at
	// most one peer_rec entry per (peer_id, ISN, peer_addr)).
	dedupMu sync.Mutex
	dedup   map[string]acceptDedupEntry

	closureTsUs int64
	brokenSince int64
	rejectReason rejectReason

	rt *Runtime

	peerSpec uint64 // (peerID<<30)+ISN, see spec.md §3 getPeerSpec
	lastErrMaj Major
	lastErrMin Minor
}

func newSocket(id SocketID, rt *Runtime, af string) *socket {
	s := &socket{id: id, af: af, opts: defaultSockOpts(), rt: rt}
	s.status = stateInit
	return s
}

// acceptDedupEntry caches a CONCLUSION handshake reply keyed by the
// requesting (addr, peer socket id, initial seq), so a retransmitted
// CONCLUSION replays the same reply instead of spawning a second accepted
// socket for what is really one connection attempt.
type acceptDedupEntry struct {
	reply  *handshakePkt
	seenAt int64
}

const acceptDedupTTL = 5 * time.Second

func dedupKey(addr *net.UDPAddr, peerID, initialSeq uint32) string {
	return fmt.Sprintf("%s:%d:%d", addr.String(), peerID, initialSeq)
}

func (s *socket) setLastErr(e *Error) {
	if e == nil {
		s.lastErrMaj, s.lastErrMin = MajSuccess, MinNone
		return
	}
	s.lastErrMaj, s.lastErrMin = e.Major, e.Minor
}

// bind implements spec.md §4.11 "bind": INIT->OPENED, acquiring or
// creating the Multiplexer for this local address.
func (s *socket) bind(laddr *net.UDPAddr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != stateInit {
		e := errIsConn()
		s.setLastErr(e)
		return e
	}
	mux, key, err := s.rt.acquireMultiplexer(laddr, s.opts)
	if err != nil {
		s.setLastErr(err.(*Error))
		return err
	}
	s.mux = mux
	s.muxKey = key
	s.laddr = mux.ch.localAddr()
	s.status = stateOpened
	return nil
}

// listen implements OPENED->LISTENING (spec.md §4.11 "listen").
func (s *socket) listen(backlog int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != stateOpened {
		e := errInval()
		s.setLastErr(e)
		return e
	}
	if backlog <= 0 {
		backlog = 10
	}
	s.isListener = true
	s.backlog = backlog
	var secret cookieSecret
	_, _ = cryptoRandRead(secret[:])
	s.cookieSecret = secret
	s.status = stateListening
	s.mux.rcv.setListener(s)
	return nil
}

// accept implements spec.md §4.11 "accept": blocks, polling the accept
// queue every 2ms, unless RCVSYN is false, in which case AGAIN is
// returned immediately when the queue is empty.
func (s *socket) accept(timeout time.Duration) (SocketID, error) {
	s.mu.Lock()
	blocking := s.opts.rcvSyn
	closing := s.status != stateListening
	s.mu.Unlock()
	if closing {
		return 0, errNoListen()
	}

	deadline := time.Now().Add(timeout)
	s.acceptMu.Lock()
	defer s.acceptMu.Unlock()
	for len(s.queuedAccepts) == 0 {
		if !blocking {
			return 0, errAgainRD()
		}
		s.mu.Lock()
		st := s.status
		s.mu.Unlock()
		if st != stateListening {
			return 0, errNoListen()
		}
		if timeout > 0 && time.Now().After(deadline) {
			return 0, errTimeout()
		}
		// sync.Cond has no timed wait; poll on a short interval instead of
		// blocking forever, so a caller-supplied timeout is still honored.
		s.acceptMu.Unlock()
		time.Sleep(2 * time.Millisecond)
		s.acceptMu.Lock()
	}
	id := s.queuedAccepts[0]
	s.queuedAccepts = s.queuedAccepts[1:]
	if len(s.queuedAccepts) == 0 {
		s.rt.epoll.updateEvents(uint32(s.id), EpollIn, false)
	}
	return id, nil
}

// onIncomingHandshake processes a HANDSHAKE control packet addressed to
// id 0, i.e. a connect attempt from an unknown peer, implementing
// spec.md §4.7 "Listener (passive)".
func (s *socket) onIncomingHandshake(addr *net.UDPAddr, p *packet, nowUs int64) {
	if p.kind != ctrlHandshake {
		return
	}
	hs, ok := decodeHandshake(p.payload)
	if !ok {
		return
	}

	s.mu.Lock()
	st := s.status
	backlog := s.backlog
	queued := len(s.queuedAccepts)
	secret := s.cookieSecret
	s.mu.Unlock()
	if st != stateListening {
		return
	}

	switch hs.connType {
	case hsInduction:
		cookie := makeCookie(secret, addr, nowUs)
		reply := &handshakePkt{version: hsV5, initialSeq: hs.initialSeq, mss: hs.mss,
			flightFlag: hs.flightFlag, connType: hsInduction, socketID: uint32(s.id), cookie: cookie}
		s.sendHS(addr, reply, nowUs)

	case hsConclusion:
		expected := makeCookie(secret, addr, nowUs)
		if hs.cookie != expected {
			reject := &handshakePkt{version: hsV5, isReject: true, reject: RejRDVCookie}
			s.sendHS(addr, reject, nowUs)
			return
		}

		key := dedupKey(addr, hs.socketID, hs.initialSeq)
		s.dedupMu.Lock()
		s.pruneDedupLocked(nowUs)
		if prev, ok := s.dedup[key]; ok {
			s.dedupMu.Unlock()
			s.sendHS(addr, prev.reply, nowUs)
			return
		}
		s.dedupMu.Unlock()

		if queued >= backlog {
			reject := &handshakePkt{version: hsV5, isReject: true, reject: RejBacklog}
			s.sendHS(addr, reject, nowUs)
			return
		}
		child, err := s.rt.spawnAccepted(s, addr, hs)
		if err != nil {
			reject := &handshakePkt{version: hsV5, isReject: true, reject: RejResource}
			s.sendHS(addr, reject, nowUs)
			return
		}
		reply := &handshakePkt{version: hsV5, initialSeq: child.c.expectedSeq, mss: uint32(s.opts.mss),
			flightFlag: uint32(s.opts.fc), connType: hsConclusion, socketID: uint32(child.id)}

		s.dedupMu.Lock()
		if s.dedup == nil {
			s.dedup = make(map[string]acceptDedupEntry)
		}
		s.dedup[key] = acceptDedupEntry{reply: reply, seenAt: nowUs}
		s.dedupMu.Unlock()

		s.sendHS(addr, reply, nowUs)

		s.acceptMu.Lock()
		s.queuedAccepts = append(s.queuedAccepts, child.id)
		s.acceptMu.Unlock()
		s.rt.epoll.updateEvents(uint32(s.id), EpollIn, true)
	}
}

// pruneDedupLocked drops dedup entries older than acceptDedupTTL, called
// opportunistically on each new handshake rather than on a separate timer
// since a listener only needs this table while retransmits are still
// plausible. Caller holds s.dedupMu.
func (s *socket) pruneDedupLocked(nowUs int64) {
	if len(s.dedup) == 0 {
		return
	}
	cutoff := nowUs - acceptDedupTTL.Microseconds()
	for k, e := range s.dedup {
		if e.seenAt < cutoff {
			delete(s.dedup, k)
		}
	}
}

func (s *socket) sendHS(addr *net.UDPAddr, hs *handshakePkt, nowUs int64) {
	payload := encodeHandshake(hs)
	pkt := newCtrlPacket(ctrlHandshake, 0, 0, uint32(nowUs), 0, payload)
	scratch := make([]byte, hdrSize+len(payload))
	_, _ = s.mux.ch.sendTo(addr, pkt, scratch)
}

// close implements spec.md §4.6.6.
func (s *socket) close() error {
	s.mu.Lock()
	if s.status == stateClosed || s.status == stateClosing {
		s.mu.Unlock()
		return nil
	}
	wasListener := s.isListener
	s.status = stateClosing
	s.closureTsUs = s.rt.clk.now()
	s.mu.Unlock()

	if wasListener {
		s.mux.rcv.clearListener()
		s.acceptMu.Lock()
		s.queuedAccepts = nil
		s.acceptMu.Unlock()
	} else if s.c != nil {
		s.c.close()
	}
	s.rt.epoll.updateEvents(uint32(s.id), EpollIn|EpollOut|EpollErr, true)
	return nil
}
