package rudt

import "sync/atomic"

// BStats mirrors kcp-go's Snmp counters (std/snmp.go's DefaultSnmp),
// generalized from a single process-wide counter set to one instance per
// connection, reported through Runtime.BStats (SPEC_FULL.md §4.6 [ADD]).
// Fields are monotonic cumulative counters except the two rate fields,
// which are the instantaneous rate observed over the last sampling window.
type BStats struct {
	PktSent     uint64
	PktRecv     uint64
	PktSentLoss uint64
	PktRecvLoss uint64
	PktRetrans  uint64
	PktSentACK  uint64
	PktRecvACK  uint64
	PktSentNAK  uint64
	PktRecvNAK  uint64
	PktSndDrop  uint64
	PktRcvDrop  uint64

	MsRTT uint64 // milliseconds, fixed-point *1000 not used: whole ms

	MbpsSendRate uint64 // fixed point, kbps, avoids float in the hot counters
	MbpsRecvRate uint64

	ByteAvailSndBuf uint64
	ByteAvailRcvBuf uint64
}

// Header returns the CSV column names in field order, matching the
// kcp-go Snmp.Header()/ToSlice() pairing used by statslog.Writer.
func (s *BStats) Header() []string {
	return []string{
		"PktSent", "PktRecv", "PktSentLoss", "PktRecvLoss", "PktRetrans",
		"PktSentACK", "PktRecvACK", "PktSentNAK", "PktRecvNAK",
		"PktSndDrop", "PktRcvDrop", "MsRTT", "MbpsSendRate", "MbpsRecvRate",
		"ByteAvailSndBuf", "ByteAvailRcvBuf",
	}
}

// Values implements statslog.Source, returning fields in the same order
// as Header.
func (s *BStats) Values() []uint64 {
	return s.toSlice()
}

func (s *BStats) toSlice() []uint64 {
	return []uint64{
		s.PktSent, s.PktRecv, s.PktSentLoss, s.PktRecvLoss, s.PktRetrans,
		s.PktSentACK, s.PktRecvACK, s.PktSentNAK, s.PktRecvNAK,
		s.PktSndDrop, s.PktRcvDrop, s.MsRTT, s.MbpsSendRate, s.MbpsRecvRate,
		s.ByteAvailSndBuf, s.ByteAvailRcvBuf,
	}
}

// connStats is the live, atomically-updated counter block embedded in
// each connection; BStats() takes an instantaneous snapshot of it.
type connStats struct {
	pktSent     uint64
	pktRecv     uint64
	pktSentLoss uint64
	pktRecvLoss uint64
	pktRetrans  uint64
	pktSentACK  uint64
	pktRecvACK  uint64
	pktSentNAK  uint64
	pktRecvNAK  uint64
	pktSndDrop  uint64
	pktRcvDrop  uint64

	rttUs int64 // signed: stored via atomic.Store/Load

	sentBytesWindow uint64
	recvBytesWindow uint64
}

func (c *connStats) snapshot(mss int, sndAvail, rcvAvail uint64, elapsedMs int64) BStats {
	var mbpsSend, mbpsRecv uint64
	if elapsedMs > 0 {
		mbpsSend = atomic.LoadUint64(&c.sentBytesWindow) * 8 / uint64(elapsedMs)
		mbpsRecv = atomic.LoadUint64(&c.recvBytesWindow) * 8 / uint64(elapsedMs)
	}
	return BStats{
		PktSent:         atomic.LoadUint64(&c.pktSent),
		PktRecv:         atomic.LoadUint64(&c.pktRecv),
		PktSentLoss:     atomic.LoadUint64(&c.pktSentLoss),
		PktRecvLoss:     atomic.LoadUint64(&c.pktRecvLoss),
		PktRetrans:      atomic.LoadUint64(&c.pktRetrans),
		PktSentACK:      atomic.LoadUint64(&c.pktSentACK),
		PktRecvACK:      atomic.LoadUint64(&c.pktRecvACK),
		PktSentNAK:      atomic.LoadUint64(&c.pktSentNAK),
		PktRecvNAK:      atomic.LoadUint64(&c.pktRecvNAK),
		PktSndDrop:      atomic.LoadUint64(&c.pktSndDrop),
		PktRcvDrop:      atomic.LoadUint64(&c.pktRcvDrop),
		MsRTT:           uint64(atomic.LoadInt64(&c.rttUs) / 1000),
		MbpsSendRate:    mbpsSend,
		MbpsRecvRate:    mbpsRecv,
		ByteAvailSndBuf: sndAvail,
		ByteAvailRcvBuf: rcvAvail,
	}
}

func atomicIncr(p *uint64) {
	atomic.AddUint64(p, 1)
}

func (c *connStats) clearWindow() {
	atomic.StoreUint64(&c.sentBytesWindow, 0)
	atomic.StoreUint64(&c.recvBytesWindow, 0)
}
