package rudt

import (
	"sync"
	"sync/atomic"
	"time"
)

// sndQueue is the per-multiplexer send scheduler: a min-heap of
// connections keyed by next-send timestamp plus one worker goroutine,
// generalized from kcp-go's TimedSched (timedsched.go) from "one global
// scheduler for session update() timers" to "one scheduler per
// Multiplexer for per-connection pack_data calls" (spec.md §4.8).
//
// Like TimedSched, heap mutation only ever happens on the worker
// goroutine itself; other goroutines (a connection becoming newly
// sendable) hand their request to a front-desk channel instead of taking
// the heap lock directly, avoiding contention between many application
// goroutines and the single scheduling loop.
type sndQueue struct {
	mux *multiplexer

	mu     sync.Mutex
	heap   *sndHeap
	wakeCh chan struct{}

	updateReqs chan sndUpdateReq

	closing chan struct{}
	closed  chan struct{}
}

type sndUpdateReq struct {
	connID   uint32
	deadline int64
	remove   bool
}

func newSndQueue(mux *multiplexer) *sndQueue {
	q := &sndQueue{
		mux:        mux,
		heap:       newSndHeap(),
		wakeCh:     make(chan struct{}, 1),
		updateReqs: make(chan sndUpdateReq, 1024),
		closing:    make(chan struct{}),
		closed:     make(chan struct{}),
	}
	go q.run()
	return q
}

// schedule asks the worker to (re)schedule connID's next pack_data call at
// deadline (microseconds on the multiplexer clock). Safe to call from any
// goroutine; never touches the heap directly.
func (q *sndQueue) schedule(connID uint32, deadline int64) {
	select {
	case q.updateReqs <- sndUpdateReq{connID: connID, deadline: deadline}:
	case <-q.closing:
		return
	}
	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
}

func (q *sndQueue) unschedule(connID uint32) {
	select {
	case q.updateReqs <- sndUpdateReq{connID: connID, remove: true}:
	case <-q.closing:
	}
}

func (q *sndQueue) run() {
	defer close(q.closed)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	drainReqs := func() {
		for {
			select {
			case r := <-q.updateReqs:
				if r.remove {
					q.heap.remove(r.connID)
				} else {
					q.heap.update(r.connID, r.deadline)
				}
			default:
				return
			}
		}
	}

	for {
		drainReqs()

		now := q.mux.clk.now()
		deadline, ok := q.heap.peekDeadline()
		if !ok {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(time.Hour)
		} else if deadline <= now {
			connID, popped := q.heap.pop()
			if popped {
				q.fire(connID)
			}
			continue
		} else {
			wait := time.Duration(deadline-now) * time.Microsecond
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(wait)
		}

		select {
		case <-q.closing:
			return
		case <-q.wakeCh:
		case <-timer.C:
		}
	}
}

// fire asks the connection for its next packet, sends it on the shared
// channel, and always reinserts the connection into the heap at the
// next_send_time pack_data reported, whether or not it had a packet to
// send (spec.md §4.6.2).
func (q *sndQueue) fire(connID uint32) {
	c := q.mux.lookupConn(connID)
	if c == nil {
		return
	}
	p, nextTs, ok := c.packData(q.mux.clk.now())
	if ok && p != nil {
		plainLen := len(p.payload)
		if !p.isControl && c.bc != nil {
			sealed, err := c.bc.Seal(p.payload)
			if err == nil {
				p.payload = sealed
			}
		}
		scratch := make([]byte, hdrSize+c.opts.mss)
		_, _ = q.mux.ch.sendTo(c.peerAddr, p, scratch)
		c.cc.onPktSent(p.seqNo, plainLen)
		atomicIncr(&c.stats.pktSent)
		atomic.AddUint64(&c.stats.sentBytesWindow, uint64(plainLen))
	}
	q.heap.update(connID, nextTs)
}

func (q *sndQueue) close() {
	select {
	case <-q.closing:
	default:
		close(q.closing)
	}
	<-q.closed
}
