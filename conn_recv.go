package rudt

import (
	"encoding/binary"
	"net"
	"sync/atomic"
	"time"
)

const ackEveryLight = 64 // light (cumulative-only) ACK every N packets
const nakDeferSlack = 20 * time.Millisecond

// ackPayload is the body of an ACK control packet (spec.md §6). A "light"
// ACK carries only LastAckedSeq; RTT et al. are zero and omitted on the
// wire by encodeACK(a, true).
type ackPayload struct {
	LastAckedSeq uint32
	RTTUs        uint32
	RTTVarUs     uint32
	AvailBufSize uint32
	PktRecvRate  uint32
	LinkCapacity uint32
	RecvRate     uint32
}

func encodeACK(a ackPayload, light bool) []byte {
	if light {
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, a.LastAckedSeq)
		return buf
	}
	buf := make([]byte, 28)
	binary.BigEndian.PutUint32(buf[0:4], a.LastAckedSeq)
	binary.BigEndian.PutUint32(buf[4:8], a.RTTUs)
	binary.BigEndian.PutUint32(buf[8:12], a.RTTVarUs)
	binary.BigEndian.PutUint32(buf[12:16], a.AvailBufSize)
	binary.BigEndian.PutUint32(buf[16:20], a.PktRecvRate)
	binary.BigEndian.PutUint32(buf[20:24], a.LinkCapacity)
	binary.BigEndian.PutUint32(buf[24:28], a.RecvRate)
	return buf
}

func decodeACK(b []byte) (ackPayload, bool) {
	var a ackPayload
	if len(b) < 4 {
		return a, false
	}
	a.LastAckedSeq = binary.BigEndian.Uint32(b[0:4])
	if len(b) >= 28 {
		a.RTTUs = binary.BigEndian.Uint32(b[4:8])
		a.RTTVarUs = binary.BigEndian.Uint32(b[8:12])
		a.AvailBufSize = binary.BigEndian.Uint32(b[12:16])
		a.PktRecvRate = binary.BigEndian.Uint32(b[16:20])
		a.LinkCapacity = binary.BigEndian.Uint32(b[20:24])
		a.RecvRate = binary.BigEndian.Uint32(b[24:28])
	}
	return a, true
}

// encodeNAK packs a loss list as alternating single/range entries: a bare
// seq for an isolated loss, or seq|0x80000000 followed by seq_end for a
// range (spec.md §6 "NAK").
func encodeNAK(ranges []seqRange) []byte {
	buf := make([]byte, 0, len(ranges)*8)
	for _, r := range ranges {
		if r.From == r.To {
			var w [4]byte
			binary.BigEndian.PutUint32(w[:], r.From)
			buf = append(buf, w[:]...)
		} else {
			var w [8]byte
			binary.BigEndian.PutUint32(w[0:4], r.From|0x80000000)
			binary.BigEndian.PutUint32(w[4:8], r.To)
			buf = append(buf, w[:]...)
		}
	}
	return buf
}

func decodeNAK(b []byte) []seqRange {
	var out []seqRange
	for i := 0; i+4 <= len(b); {
		v := binary.BigEndian.Uint32(b[i : i+4])
		if v&0x80000000 != 0 {
			if i+8 > len(b) {
				break
			}
			to := binary.BigEndian.Uint32(b[i+4 : i+8])
			out = append(out, seqRange{From: v &^ 0x80000000, To: to})
			i += 8
		} else {
			out = append(out, seqRange{From: v, To: v})
			i += 4
		}
	}
	return out
}

// onPacket implements the receive path of spec.md §4.6.3 for both data
// and control packets.
func (c *conn) onPacket(p *packet, addr *net.UDPAddr, nowUs int64) {
	c.mu.Lock()
	c.lastRecvAt = nowUs
	c.mu.Unlock()

	if p.isControl {
		c.onControl(p, nowUs)
		return
	}
	c.onData(p, nowUs)
}

func (c *conn) onData(p *packet, nowUs int64) {
	if c.bc != nil {
		pt, err := c.bc.Open(p.payload)
		if err != nil {
			// tampered or undecryptable payload; treat like a dropped datagram
			return
		}
		p.payload = pt
	}

	c.mu.Lock()
	expected := c.expectedSeq
	c.mu.Unlock()

	if seqLess(p.seqNo, expected) {
		// retransmit of something already delivered or buffered
		c.rcvBuf.add(p.seqNo, p.msgNo, p.tsUs, p.payload)
		atomicIncr(&c.stats.pktRecv)
		return
	}

	if p.seqNo != expected {
		c.rcvLoss.insert(expected, p.seqNo-1)
		atomic.AddUint64(&c.stats.pktRecvLoss, uint64(p.seqNo-expected))
		c.scheduleDeferredNAK(nowUs)
	} else {
		c.mu.Lock()
		c.expectedSeq = p.seqNo + 1
		c.mu.Unlock()
	}

	c.rcvBuf.add(p.seqNo, p.msgNo, p.tsUs, p.payload)
	atomicIncr(&c.stats.pktRecv)
	atomic.AddUint64(&c.stats.recvBytesWindow, uint64(len(p.payload)))

	c.mu.Lock()
	c.ackCounter++
	count := c.ackCounter
	lastSent := c.lastACKSentAt
	c.mu.Unlock()

	if nowUs-lastSent >= int64(10*time.Millisecond/time.Microsecond) {
		c.sendACK(nowUs, false)
	} else if count%ackEveryLight == 0 {
		c.sendACK(nowUs, true)
	}
}

func (c *conn) onControl(p *packet, nowUs int64) {
	switch p.kind {
	case ctrlHandshake:
		if hs, ok := decodeHandshake(p.payload); ok {
			if c.isRendezvousMode() {
				c.onRendezvousHS(hs, nowUs)
			} else {
				c.mu.Lock()
				c.pendingHS = hs
				c.mu.Unlock()
			}
		}
	case ctrlKeepalive:
		// lastRecvAt already updated by onPacket; nothing else to do
	case ctrlAck:
		a, ok := decodeACK(p.payload)
		if !ok {
			return
		}
		freed := c.sndBuf.acked(a.LastAckedSeq)
		_ = freed
		atomicIncr(&c.stats.pktRecvACK)
		if a.RTTUs > 0 {
			c.cc.onACK(a.LastAckedSeq, int64(a.RTTUs))
			atomic.StoreInt64(&c.stats.rttUs, int64(a.RTTUs))
		} else {
			c.cc.onACK(a.LastAckedSeq, 0)
		}
		c.sendACKACK(p.tsUs, nowUs)
	case ctrlNak:
		ranges := decodeNAK(p.payload)
		for _, r := range ranges {
			c.sndLoss.insert(r.From, r.To)
			atomic.AddUint64(&c.stats.pktSentLoss, uint64(r.size()))
		}
		atomicIncr(&c.stats.pktRecvNAK)
		c.cc.onLoss(ranges)
		c.mux.snd.schedule(c.id, nowUs)
	case ctrlAckAck:
		// p.tsUs is our own ACK's send timestamp (relative to startUs),
		// echoed back unchanged by sendACKACK; the gap to now is the RTT
		// this side measures directly, independent of the peer's own
		// self-reported RTTUs in the ACK payload (spec.md §4.6.3 step 5).
		rtt := (nowUs - c.startUs) - int64(p.tsUs)
		if rtt > 0 {
			c.cc.updateRTT(rtt)
			atomic.StoreInt64(&c.stats.rttUs, rtt)
		}
	case ctrlShutdown:
		c.onBrokenInternal(errConnLost())
	case ctrlDropReq:
		if len(p.payload) >= 8 {
			first := binary.BigEndian.Uint32(p.payload[0:4])
			last := binary.BigEndian.Uint32(p.payload[4:8])
			n := c.rcvBuf.drop(last)
			_ = first
			atomic.AddUint64(&c.stats.pktRcvDrop, uint64(n))
		}
	}
}

func (c *conn) sendACK(nowUs int64, light bool) {
	if c.peerAddr == nil {
		return
	}
	c.mu.Lock()
	last := c.expectedSeq - 1
	c.lastACKSentAt = nowUs
	c.lastAckSeq = last
	c.mu.Unlock()

	a := ackPayload{LastAckedSeq: last}
	if !light {
		a.AvailBufSize = uint32(c.rcvBuf.availBytes())
		a.RTTUs = uint32(c.cc.rttUs())
	}
	payload := encodeACK(a, light)
	pkt := newCtrlPacket(ctrlAck, 0, 0, uint32(nowUs-c.startUs), c.peerID, payload)
	scratch := make([]byte, hdrSize+len(payload))
	_, _ = c.mux.ch.sendTo(c.peerAddr, pkt, scratch)
	atomicIncr(&c.stats.pktSentACK)
}

func (c *conn) sendACKACK(ackTsUs uint32, nowUs int64) {
	if c.peerAddr == nil {
		return
	}
	pkt := newCtrlPacket(ctrlAckAck, 0, 0, ackTsUs, c.peerID, nil)
	scratch := make([]byte, hdrSize)
	_, _ = c.mux.ch.sendTo(c.peerAddr, pkt, scratch)
}

func (c *conn) scheduleDeferredNAK(nowUs int64) {
	c.mu.Lock()
	due := c.lastNAKSentAt == 0
	c.mu.Unlock()
	if due {
		c.maybeSendDeferredNAK(nowUs)
	}
}

// maybeSendDeferredNAK fires a NAK for every outstanding gap once the
// deferred window (1 RTT + 20ms) has elapsed since the previous NAK; the
// first NAK of a connection goes out as soon as a gap is seen
// (spec.md §4.6.3 step 3).
func (c *conn) maybeSendDeferredNAK(nowUs int64) {
	if c.rcvLoss.empty() || c.peerAddr == nil {
		return
	}
	c.mu.Lock()
	deferWindow := c.cc.rttUs() + nakDeferSlack.Microseconds()
	ready := nowUs-c.lastNAKSentAt >= deferWindow
	c.mu.Unlock()
	if !ready {
		return
	}
	ranges := c.rcvLoss.all()
	payload := encodeNAK(ranges)
	pkt := newCtrlPacket(ctrlNak, 0, 0, uint32(nowUs-c.startUs), c.peerID, payload)
	scratch := make([]byte, hdrSize+len(payload))
	_, _ = c.mux.ch.sendTo(c.peerAddr, pkt, scratch)
	atomicIncr(&c.stats.pktSentNAK)
	c.mu.Lock()
	c.lastNAKSentAt = nowUs
	c.mu.Unlock()
}
