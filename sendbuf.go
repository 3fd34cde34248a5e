package rudt

import "sync"

// sendBlock is one application write, not yet fully fragmented into
// packets, or fully in flight awaiting ACK (spec.md §4.3 "Send buffer").
type sendBlock struct {
	data    []byte
	offset  int // bytes already turned into packets
	ttl     int64 // microseconds; 0 = no expiry
	inOrder bool
	msgNo   uint32
	enqueuedAt int64
}

// inFlightPkt tracks one packet handed to the network, for retransmit and
// for release once it's acked.
type inFlightPkt struct {
	seqNo    uint32
	msgNo    uint32
	data     []byte
	sentAt   int64
	inFlight bool
}

// sendBuffer is the per-connection FIFO of pending application blocks plus
// the packetized, possibly-retransmittable tail, mirroring CSndBuffer's
// add_buffer/get_data/read_data/acked contract (spec.md §4.3).
type sendBuffer struct {
	mu sync.Mutex

	blocks   []*sendBlock
	maxBytes int
	curBytes int

	mss int

	nextSeq  uint32
	inFlight map[uint32]*inFlightPkt

	startUs int64 // connection start on the multiplexer clock; packet ts is relative to this
}

func newSendBuffer(maxBytes, mss int) *sendBuffer {
	return &sendBuffer{maxBytes: maxBytes, mss: mss, inFlight: make(map[uint32]*inFlightPkt)}
}

// setStartUs records the connection's clock epoch once markConnected
// establishes it, so readData can stamp packets relative to it (spec.md §3:
// the timestamp is "microseconds since connection start").
func (b *sendBuffer) setStartUs(us int64) {
	b.mu.Lock()
	b.startUs = us
	b.mu.Unlock()
}

func (b *sendBuffer) addBuffer(data []byte, ttlUs int64, inOrder bool, msgNo uint32, nowUs int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.curBytes+len(data) > b.maxBytes {
		return errNoBuffer()
	}
	b.blocks = append(b.blocks, &sendBlock{data: data, ttl: ttlUs, inOrder: inOrder, msgNo: msgNo, enqueuedAt: nowUs})
	b.curBytes += len(data)
	return nil
}

// readData fragments the oldest non-exhausted block into the next
// MSS-sized packet, advancing the send sequence, matching CSndBuffer's
// read_data contract. The second return value counts how many
// packets-worth of data were dropped for having exceeded their TTL before
// ever reaching the wire.
func (b *sendBuffer) readData(nowUs int64) (*packet, int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := 0
	for len(b.blocks) > 0 {
		blk := b.blocks[0]
		if blk.ttl > 0 && nowUs-blk.enqueuedAt > blk.ttl {
			remaining := len(blk.data) - blk.offset
			b.curBytes -= remaining
			dropped += (remaining + b.mss - 1) / b.mss
			b.blocks = b.blocks[1:]
			continue
		}
		if blk.offset >= len(blk.data) {
			b.blocks = b.blocks[1:]
			continue
		}
		end := blk.offset + b.mss
		first := blk.offset == 0
		if end >= len(blk.data) {
			end = len(blk.data)
		}
		last := end == len(blk.data)
		chunk := blk.data[blk.offset:end]
		blk.offset = end

		seqNo := b.nextSeq
		b.nextSeq++

		msgNo := blk.msgNo
		if first {
			msgNo |= msgFlagFirst
		}
		if last {
			msgNo |= msgFlagLast
		}
		if blk.inOrder {
			msgNo |= msgFlagOrder
		}

		p := newDataPacket(seqNo, msgNo, uint32(nowUs-b.startUs), 0, chunk)
		b.inFlight[seqNo] = &inFlightPkt{seqNo: seqNo, msgNo: msgNo, data: chunk, sentAt: nowUs, inFlight: true}

		if last {
			b.blocks = b.blocks[1:]
		}
		return p, dropped, true
	}
	return nil, dropped, false
}

// getData returns the bytes and msgNo flags previously sent under seqNo,
// for retransmit; preserving msgNo keeps FIRST/LAST/ORDER intact so the
// receiver's reassembly still finds the message boundary on a retransmit.
func (b *sendBuffer) getData(seqNo uint32) ([]byte, uint32, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.inFlight[seqNo]
	if !ok {
		return nil, 0, false
	}
	return f.data, f.msgNo, true
}

// acked releases every in-flight packet with seqNo <= ackSeqNo and returns
// the number of bytes freed, signaling space to waiting writers.
func (b *sendBuffer) acked(ackSeqNo uint32) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	freed := 0
	for seq, f := range b.inFlight {
		if seqLess(seq, ackSeqNo) || seq == ackSeqNo {
			freed += len(f.data)
			delete(b.inFlight, seq)
		}
	}
	b.curBytes -= freed
	if b.curBytes < 0 {
		b.curBytes = 0
	}
	return freed
}

func (b *sendBuffer) availBytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	a := b.maxBytes - b.curBytes
	if a < 0 {
		return 0
	}
	return a
}

// seqLess compares two sequence numbers respecting wraparound, since
// sequence space is a 31-bit modular counter (top bit reserved for the
// control flag per spec.md §3).
func seqLess(a, b uint32) bool {
	const mod = uint32(1) << 31
	diff := (a - b) & (mod - 1)
	return diff != 0 && diff < mod/2
}
