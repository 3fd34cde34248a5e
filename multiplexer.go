package rudt

import (
	"fmt"
	"net"
	"sync"
)

// muxKey identifies when two sockets can share one UDP endpoint: same
// bind address/port and reuse_addr semantics, mirroring CUDTUnited's
// updateMux matching rule (spec.md §4.11 "bind").
type muxKey struct {
	laddr string
	v6    bool
}

// multiplexer wires one UDP channel to its send/receive queues and unit
// pool, the Go analogue of CMultiplexer in srtcore/queue.h, generalized
// from "one multiplexer per bound port, process-wide map" to "one
// multiplexer per bound port, owned by a Runtime" per the explicit-Runtime
// design note (SPEC_FULL.md §9).
type multiplexer struct {
	id  uint64
	key muxKey

	ch    *channel
	clk   *clock
	units *unitQueue

	snd *sndQueue
	rcv *rcvQueue

	mu       sync.Mutex
	refcount int
}

func newMultiplexer(id uint64, key muxKey, ch *channel, clk *clock, mss int) *multiplexer {
	m := &multiplexer{
		id:    id,
		key:   key,
		ch:    ch,
		clk:   clk,
		units: newUnitQueue(defaultChunkSize, mss+hdrSize),
	}
	m.snd = newSndQueue(m)
	m.rcv = newRcvQueue(m)
	return m
}

func (m *multiplexer) lookupConn(id uint32) *conn {
	return m.rcv.lookupConn(id)
}

func (m *multiplexer) acquire() {
	m.mu.Lock()
	m.refcount++
	m.mu.Unlock()
}

// release decrements the refcount and reports whether it reached zero, in
// which case the caller (the Registry) tears the multiplexer's queues and
// channel down (spec.md §4.11 "removeSocket").
func (m *multiplexer) release() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refcount--
	return m.refcount <= 0
}

func (m *multiplexer) shutdown() {
	m.snd.close()
	m.rcv.close()
	_ = m.ch.close()
}

func muxKeyFor(laddr *net.UDPAddr) muxKey {
	v6 := laddr.IP != nil && laddr.IP.To4() == nil
	return muxKey{laddr: fmt.Sprintf("%s:%d", laddr.IP.String(), laddr.Port), v6: v6}
}
