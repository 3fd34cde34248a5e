package rudt

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/udprel/rudt/crypt"
)

// connState is the per-socket transport FSM state (spec.md §4.6.1).
type connState int32

const (
	stateInit connState = iota
	stateOpened
	stateListening
	stateConnecting
	stateConnected
	stateClosing
	stateBroken
	stateClosed
)

// conn is the Connection Core: the per-socket transport state machine that
// owns the send/recv buffers, loss lists, congestion controller and
// timers. It corresponds to CUDT in srtcore, generalized per the
// generational-handle design note: a conn is reached only through its
// owning socket's id, never via a raw pointer kept past close (SPEC_FULL.md
// §9).
type conn struct {
	id       uint32 // our socket id, used as dst_id on packets peer sends us
	peerID   uint32
	peerAddr *net.UDPAddr
	mux      *multiplexer
	opts     sockOpts
	cc       congestionController
	bc       *crypt.BlockCrypt // nil unless a PASSPHRASE is set; data packets only

	state   atomic.Int32
	rejectReason rejectReason

	startUs int64 // clock value at CONNECTED, packet timestamps are relative to this

	sndBuf  *sendBuffer
	rcvBuf  *recvBuffer
	sndLoss *lossList // retransmit candidates (NAK received)
	rcvLoss *lossList // detected gaps (drives outgoing NAK)

	mu sync.Mutex

	expectedSeq  uint32 // next seq we expect to receive
	lastAckSeq   uint32
	ackCounter   int
	lastACKSentAt int64
	lastNAKSentAt int64
	lastSendAt    int64
	lastRecvAt    int64

	msgNoCounter uint32

	isCaller   bool
	isListener bool
	rdv        *rdvEntry

	isRendezvous bool
	rdvCookie    uint32
	rdvInitSeq   uint32

	pendingHS *handshakePkt // most recent HS reply, polled by the connect FSM

	stats connStats

	closeOnce sync.Once
	closeCh   chan struct{}

	epollOwner *epollPublisher // readiness hook; no code path sets it, so it stays nil

	onBroken func(reason error) // notifies the owning socket/registry
}

// epollPublisher lets conn publish IN/OUT/ERR readiness without importing
// socket.go's full type, breaking an otherwise-circular dependency while
// keeping epoll.go the single owner of readiness bookkeeping.
type epollPublisher interface {
	publish(mask epollEvent)
}

func newConn(id uint32, mux *multiplexer, opts sockOpts) (*conn, error) {
	var bc *crypt.BlockCrypt
	if opts.passphrase != "" {
		var err error
		bc, err = crypt.NewBlockCrypt(opts.passphrase, crypt.KeyLen(opts.pbKeyLen))
		if err != nil {
			return nil, newErr(MajSetup, MinNoRes, err)
		}
	}
	c := &conn{
		id:      id,
		mux:     mux,
		opts:    opts,
		cc:      newCC(opts.congestion),
		bc:      bc,
		sndBuf:  newSendBuffer(opts.sndBuf, opts.payloadSize),
		rcvBuf:  newRecvBuffer(opts.fc, 0, opts.tsbpdMode, int64(opts.latency/time.Microsecond)),
		sndLoss: &lossList{},
		rcvLoss: &lossList{},
		closeCh: make(chan struct{}),
	}
	c.state.Store(int32(stateInit))
	c.cc.init(ccParams{mss: opts.payloadSize, maxBW: opts.maxBW, isCaller: c.isCaller})
	return c, nil
}

func (c *conn) getState() connState { return connState(c.state.Load()) }
func (c *conn) setState(s connState) { c.state.Store(int32(s)) }

func (c *conn) now() int64 { return c.mux.clk.now() }

// markConnected transitions CONNECTING->CONNECTED, sets the timestamp
// epoch, and registers the connection with the multiplexer's receive
// queue so dispatch() can route packets to it (spec.md §4.6.1).
func (c *conn) markConnected(peerID uint32, peerAddr *net.UDPAddr, initialSeq uint32) {
	c.mu.Lock()
	c.peerID = peerID
	c.peerAddr = peerAddr
	c.expectedSeq = initialSeq
	c.startUs = c.now()
	c.lastRecvAt = c.startUs
	c.lastSendAt = c.startUs
	c.mu.Unlock()

	c.sndBuf.setStartUs(c.startUs)
	c.rcvBuf.setStartUs(c.startUs)

	c.setState(stateConnected)
	c.mux.registerConn(c)
	c.mux.snd.schedule(c.id, c.now())
}

// pendingHSReply pops and returns the most recent handshake reply seen
// for this in-flight connect attempt, polled by connectActive/
// connectRendezvous while the caller FSM is waiting on a response.
func (c *conn) pendingHSReply() *handshakePkt {
	c.mu.Lock()
	defer c.mu.Unlock()
	hs := c.pendingHS
	c.pendingHS = nil
	return hs
}

// (helper used by multiplexer.registerConn alias)
func (m *multiplexer) registerConn(c *conn) { m.rcv.registerConn(c) }

func (c *conn) failConnect(err *Error) {
	c.mu.Lock()
	c.rejectReason = RejTimeout
	c.mu.Unlock()
	c.setState(stateBroken)
	if c.onBroken != nil {
		c.onBroken(err)
	}
	close(c.closeCh)
}

// sendRendezvousProbe emits a WAVEAHAND carrying our cookie, id and ISN,
// retried by the rendezvous queue's qualify/action cycle (spec.md §4.7
// "Rendezvous") until a CONCLUSION from the peer completes the exchange.
func (c *conn) sendRendezvousProbe(nowUs int64) {
	if c.getState() != stateConnecting {
		return
	}
	c.mu.Lock()
	cookie := c.rdvCookie
	initSeq := c.rdvInitSeq
	myID := c.id
	mss := uint32(c.opts.mss)
	fc := uint32(c.opts.fc)
	c.mu.Unlock()
	hs := &handshakePkt{version: hsV5, connType: hsWaveahand, initialSeq: initSeq,
		mss: mss, flightFlag: fc, socketID: myID, cookie: cookie}
	c.sendHSRaw(hs, nowUs)
}

// sendHSRaw writes a HANDSHAKE control packet to the peer address, used for
// rendezvous traffic where neither side has an assigned peer id yet (dst_id
// stays 0, matching socket.sendHS's convention for pre-connection packets).
func (c *conn) sendHSRaw(hs *handshakePkt, nowUs int64) {
	if c.peerAddr == nil {
		return
	}
	payload := encodeHandshake(hs)
	pkt := newCtrlPacket(ctrlHandshake, 0, 0, uint32(nowUs), 0, payload)
	scratch := make([]byte, hdrSize+len(payload))
	_, _ = c.mux.ch.sendTo(c.peerAddr, pkt, scratch)
}

func (c *conn) isRendezvousMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isRendezvous
}

// onRendezvousHS drives the simplified two-step rendezvous exchange: a
// WAVEAHAND is answered with our own CONCLUSION, and any CONCLUSION from the
// peer completes the connect (spec.md §4.7 "Rendezvous"). Both sides run
// this symmetrically, so whichever CONCLUSION arrives first settles it.
func (c *conn) onRendezvousHS(hs *handshakePkt, nowUs int64) {
	if c.getState() == stateConnected {
		return
	}
	switch hs.connType {
	case hsWaveahand:
		c.mu.Lock()
		cookie := c.rdvCookie
		initSeq := c.rdvInitSeq
		myID := c.id
		mss := uint32(c.opts.mss)
		fc := uint32(c.opts.fc)
		c.mu.Unlock()
		reply := &handshakePkt{version: hsV5, connType: hsConclusion, initialSeq: initSeq,
			mss: mss, flightFlag: fc, socketID: myID, cookie: cookie}
		c.sendHSRaw(reply, nowUs)
	case hsConclusion:
		c.markConnected(hs.socketID, c.peerAddr, hs.initialSeq)
	}
}

// close implements spec.md §4.6.6: send SHUTDOWN if the peer might still
// be listening, then let the registry's GC move the socket from active to
// closed after the linger period. It returns at once: data still in the
// send buffer is not drained first.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		st := c.getState()
		if st == stateConnected || st == stateConnecting {
			if c.peerAddr != nil {
				shutdown := newCtrlPacket(ctrlShutdown, 0, 0, uint32(c.now()-c.startUs), c.peerID, nil)
				scratch := make([]byte, hdrSize)
				_, _ = c.mux.ch.sendTo(c.peerAddr, shutdown, scratch)
			}
		}
		c.setState(stateClosing)
		c.mux.snd.unschedule(c.id)
		close(c.closeCh)
	})
}

// checkTimers fires keepalive, the peer-idle timeout, the deferred NAK
// timer and TLPKTDROP; ACKs are sent from onData, not from here. Called by
// the Rcv worker's LRU walk every SYN interval
// (spec.md §4.6.5, §4.9).
func (c *conn) checkTimers(nowUs int64) {
	if c.getState() != stateConnected {
		return
	}
	c.mu.Lock()
	idleSend := nowUs - c.lastSendAt
	idleRecv := nowUs - c.lastRecvAt
	c.mu.Unlock()

	if idleRecv > int64(c.opts.peerIdleTimeo/time.Microsecond) {
		c.onBrokenInternal(errConnLost())
		return
	}
	if idleSend > time.Second.Microseconds() {
		c.sendKeepalive(nowUs)
	}
	c.maybeSendDeferredNAK(nowUs)
	c.maybeDropExpired(nowUs)
}

func (c *conn) onBrokenInternal(err *Error) {
	c.setState(stateBroken)
	if c.onBroken != nil {
		c.onBroken(err)
	}
	c.closeOnce.Do(func() { close(c.closeCh) })
}

func (c *conn) sendKeepalive(nowUs int64) {
	if c.peerAddr == nil {
		return
	}
	p := newCtrlPacket(ctrlKeepalive, 0, 0, uint32(nowUs-c.startUs), c.peerID, nil)
	scratch := make([]byte, hdrSize)
	_, _ = c.mux.ch.sendTo(c.peerAddr, p, scratch)
	c.mu.Lock()
	c.lastSendAt = nowUs
	c.mu.Unlock()
}
