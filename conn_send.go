package rudt

import (
	"sync/atomic"
	"time"
)

// packData implements spec.md §4.6.2: prefer a retransmit candidate, else
// a fresh packet if cwnd/pacing allow, else report nothing to send and the
// next time worth checking back. Returns (packet-or-nil, nextSendTsUs, hadWork).
func (c *conn) packData(nowUs int64) (*packet, int64, bool) {
	if c.getState() != stateConnected {
		return nil, nowUs + int64(synInterval/time.Microsecond), false
	}

	if r, ok := c.sndLoss.popFront(); ok {
		if r.From != r.To {
			c.sndLoss.insert(r.From+1, r.To)
		}
		if data, msgNo, found := c.sndBuf.getData(r.From); found {
			p := newDataPacket(r.From, msgNo, uint32(nowUs-c.startUs), c.peerID, data)
			atomicIncr(&c.stats.pktRetrans)
			next := nowUs + c.cc.pacingInterval().Microseconds()
			c.mu.Lock()
			c.lastSendAt = nowUs
			c.mu.Unlock()
			return p, next, true
		}
		// already acked/dropped underneath us; fall through to fresh data
	}

	pacing := c.cc.pacingInterval()
	if nowUs-c.lastSendAt < pacing.Microseconds() && c.lastSendAt != 0 {
		return nil, c.lastSendAt + pacing.Microseconds(), false
	}
	if c.cc.cwnd() <= 0 {
		return nil, nowUs + pacing.Microseconds(), false
	}

	p, dropped, ok := c.sndBuf.readData(nowUs)
	if dropped > 0 {
		atomic.AddUint64(&c.stats.pktSndDrop, uint64(dropped))
	}
	if !ok {
		// nothing fresh to send; schedule the next ACK/NAK/keepalive check
		return nil, nowUs + int64(synInterval/time.Microsecond), false
	}
	p.dstID = c.peerID
	c.mu.Lock()
	c.lastSendAt = nowUs
	c.mu.Unlock()
	return p, nowUs + pacing.Microseconds(), true
}

// enqueueSend fragments and queues an application write; used by the
// public Send/SendMsg API (component 6, spec.md §6).
func (c *conn) enqueueSend(data []byte, ttl time.Duration, inOrder bool) error {
	if c.getState() != stateConnected {
		return errConnFail()
	}
	c.mu.Lock()
	c.msgNoCounter++
	msgNo := c.msgNoCounter
	c.mu.Unlock()

	var ttlUs int64
	if ttl > 0 {
		ttlUs = ttl.Microseconds()
	}
	if err := c.sndBuf.addBuffer(data, ttlUs, inOrder, msgNo, c.now()); err != nil {
		return err
	}
	c.mux.snd.schedule(c.id, c.now())
	return nil
}
