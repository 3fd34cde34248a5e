package rudt

import (
	"sync/atomic"
	"time"
)

// maybeDropExpired implements TLPKTDROP (spec.md §4.6.4): when enabled and
// a receive-side gap has gone unfilled past the latency + slack budget,
// skip past it instead of stalling reads forever, and tell the sender to
// release the same range from its send buffer via DROPREQ.
const tlPktDropSlack = 20 * time.Millisecond

func (c *conn) maybeDropExpired(nowUs int64) {
	if !c.opts.tlPktDrop || !c.opts.tsbpdMode {
		return
	}
	n := c.rcvBuf.dropExpired(nowUs - tlPktDropSlack.Microseconds())
	if n <= 0 {
		return
	}
	atomic.AddUint64(&c.stats.pktRcvDrop, uint64(n))

	c.mu.Lock()
	dropTo := c.expectedSeq + uint32(n)
	c.expectedSeq = dropTo
	c.mu.Unlock()
	c.rcvLoss.remove(0, dropTo)

	if c.peerAddr == nil {
		return
	}
	body := make([]byte, 8)
	putUint32(body[0:4], dropTo-uint32(n))
	putUint32(body[4:8], dropTo-1)
	pkt := newCtrlPacket(ctrlDropReq, 0, 0, uint32(nowUs-c.startUs), c.peerID, body)
	scratch := make([]byte, hdrSize+len(body))
	_, _ = c.mux.ch.sendTo(c.peerAddr, pkt, scratch)
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

// recv delivers the next ready payload per TSBPD, blocking up to rcvTimeo
// when the buffer is empty or the head packet is not yet due, matching
// spec.md §6 "recv(id, buf, len)".
func (c *conn) recv(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		if c.getState() == stateBroken || c.getState() == stateClosed {
			return nil, errConnLost()
		}
		if data, ok := c.rcvBuf.read(c.now()); ok {
			return data, nil
		}
		if timeout == 0 {
			return nil, errAgainRD()
		}
		if timeout > 0 && time.Now().After(deadline) {
			return nil, errTimeout()
		}
		select {
		case <-c.closeCh:
			return nil, errConnLost()
		case <-time.After(2 * time.Millisecond):
		}
	}
}
