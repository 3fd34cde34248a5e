package rudt

import (
	"net"
	"sync"
	"time"
)

const parkedMaxPerID = 16
const synInterval = 10 * time.Millisecond

// rcvQueue is the per-multiplexer receive worker: one goroutine blocked in
// channel.recvFrom, dispatching each datagram by destination socket id,
// mirroring the worker loop in spec.md §4.9 and the blocking-read/dispatch
// shape of kcp-go's readloop.go (defaultReadLoop) generalized from "one
// session map" to "hash table + listener slot + rendezvous queue + parking
// buffer for packets that race socket registration".
type rcvQueue struct {
	mux *multiplexer

	mu       sync.RWMutex
	byID     map[uint32]*conn
	listener *socket

	parkedMu sync.Mutex
	parked   map[uint32][]parkedPkt

	rdv *rendezvousQueue

	rcvList *rcvLRUList

	closing chan struct{}
	closed  chan struct{}
}

type parkedPkt struct {
	addr *net.UDPAddr
	pkt  *packet
}

func newRcvQueue(mux *multiplexer) *rcvQueue {
	q := &rcvQueue{
		mux:     mux,
		byID:    make(map[uint32]*conn),
		parked:  make(map[uint32][]parkedPkt),
		rdv:     newRendezvousQueue(),
		rcvList: newRcvLRUList(),
		closing: make(chan struct{}),
		closed:  make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *rcvQueue) registerConn(c *conn) {
	q.mu.Lock()
	q.byID[c.id] = c
	q.mu.Unlock()
	q.rcvList.touch(c.id, q.mux.clk.now())

	q.parkedMu.Lock()
	backlog := q.parked[c.id]
	delete(q.parked, c.id)
	q.parkedMu.Unlock()
	for _, pp := range backlog {
		c.onPacket(pp.pkt, pp.addr, q.mux.clk.now())
	}
}

func (q *rcvQueue) unregisterConn(connID uint32) {
	q.mu.Lock()
	delete(q.byID, connID)
	q.mu.Unlock()
	q.rcvList.remove(connID)
}

func (q *rcvQueue) setListener(s *socket) {
	q.mu.Lock()
	q.listener = s
	q.mu.Unlock()
}

func (q *rcvQueue) clearListener() {
	q.mu.Lock()
	q.listener = nil
	q.mu.Unlock()
}

func (q *rcvQueue) lookupConn(id uint32) *conn {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.byID[id]
}

func (q *rcvQueue) park(connID uint32, addr *net.UDPAddr, p *packet) {
	q.parkedMu.Lock()
	defer q.parkedMu.Unlock()
	lst := q.parked[connID]
	if len(lst) >= parkedMaxPerID {
		return // drop the incoming packet: the list stays bounded and earlier parked packets are kept (loss is acceptable)
	}
	q.parked[connID] = append(lst, parkedPkt{addr: addr, pkt: p})
}

func (q *rcvQueue) run() {
	defer close(q.closed)
	ticker := time.NewTicker(synInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.closing:
			return
		default:
		}

		u := q.mux.units.nextAvail()
		if u == nil {
			// pool momentarily exhausted under load; back off like a
			// transient read miss rather than spinning.
			time.Sleep(time.Millisecond)
			continue
		}
		q.mux.units.makeGood(u)
		addr, p, status := q.mux.ch.recvFrom(u.buf, synInterval)
		q.mux.units.makeFree(u)
		now := q.mux.clk.now()

		switch status {
		case chanOK:
			q.dispatch(addr, p, now)
		case chanAgain:
			// fall through to timer housekeeping below
		case chanError:
			return
		}

		select {
		case <-ticker.C:
			q.walkTimers(now)
		default:
		}
	}
}

// dispatch implements the routing table from spec.md §4.9: id==0 goes to
// the listener, a known id goes straight to its connection, otherwise the
// rendezvous queue is consulted before parking or dropping.
func (q *rcvQueue) dispatch(addr *net.UDPAddr, p *packet, nowUs int64) {
	if p.dstID == 0 {
		// Handshake traffic addressed to id 0 is ambiguous between "a new
		// connect request for our listener" and "a reply to our own
		// in-flight connect/rendezvous attempt" — both are keyed by
		// source address rather than socket id at this pre-connection
		// stage, so the rendezvous queue is always consulted first.
		if e, ok := q.rdv.retrieve(addr); ok {
			if e.conn != nil {
				e.conn.onPacket(p, addr, nowUs)
			}
			return
		}
		q.mu.RLock()
		l := q.listener
		q.mu.RUnlock()
		if l != nil {
			l.onIncomingHandshake(addr, p, nowUs)
		}
		return
	}

	if c := q.lookupConn(p.dstID); c != nil {
		c.onPacket(p, addr, nowUs)
		q.rcvList.touch(p.dstID, nowUs)
		return
	}

	if e, ok := q.rdv.retrieve(addr); ok {
		if e.conn != nil {
			e.conn.onPacket(p, addr, nowUs)
		}
		return
	}

	q.park(p.dstID, addr, p)
}

// walkTimers iterates the LRU receive list once per SYN interval, firing
// each connection's check_timers (keepalive/peer-idle/ACK/NAK timers), and
// drives the rendezvous queue's qualify/action cycle (spec.md §4.9/§4.10).
func (q *rcvQueue) walkTimers(nowUs int64) {
	for _, connID := range q.rcvList.snapshotStale(nowUs) {
		if c := q.lookupConn(connID); c != nil {
			c.checkTimers(nowUs)
		}
	}

	toProcess, toRemove := q.rdv.qualify(nowUs, 0, false)
	for _, e := range toProcess {
		q.rdv.markSent(e.connID, nowUs)
		if e.conn != nil {
			e.conn.sendRendezvousProbe(nowUs)
		}
	}
	for _, e := range toRemove {
		q.rdv.remove(e.connID)
		if e.conn != nil {
			e.conn.failConnect(errTimeout())
		}
	}
}

func (q *rcvQueue) close() {
	select {
	case <-q.closing:
	default:
		close(q.closing)
	}
	<-q.closed
}

// rcvLRUList is the doubly-linked-list-in-spirit LRU tracker from spec.md
// §3 "Receive List"; implemented over a map + slice snapshot since Go's
// container/list plus a side index gives the same O(1) touch/remove
// without manual pointer juggling.
type rcvLRUList struct {
	mu       sync.Mutex
	lastSeen map[uint32]int64
}

func newRcvLRUList() *rcvLRUList {
	return &rcvLRUList{lastSeen: make(map[uint32]int64)}
}

func (l *rcvLRUList) touch(connID uint32, nowUs int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastSeen[connID] = nowUs
}

func (l *rcvLRUList) remove(connID uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.lastSeen, connID)
}

// snapshotStale returns every id whose last-seen time is older than one
// SYN interval, the set due for check_timers this pass.
func (l *rcvLRUList) snapshotStale(nowUs int64) []uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []uint32
	cutoff := nowUs - synInterval.Microseconds()
	for id, t := range l.lastSeen {
		if t <= cutoff {
			out = append(out, id)
		}
	}
	return out
}
