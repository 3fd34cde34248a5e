package rudt

import "sync"

// recvSlot is one position in the receive ring.
type recvSlot struct {
	state unitState // FREE, GOOD, DROPPED
	seqNo uint32
	tsUs  uint32 // sender timestamp, used for TSBPD playout
	msgNo uint32 // FIRST/LAST/ORDER flags, for message reassembly
	data  []byte
}

// recvBuffer is the slot-indexed ring `[head, tail)` sized by the flight
// flag (FC option), matching spec.md §4.3 "Receive buffer": add/is_data_
// ready/read/drop.
type recvBuffer struct {
	mu sync.Mutex

	slots   []recvSlot
	size    uint32 // len(slots), power-of-two not required
	headSeq uint32 // sequence number expected at slots[0]

	tsbpdOn bool
	latency int64 // microseconds
	startUs int64 // connection start on the multiplexer clock; packet ts is relative to this
}

func newRecvBuffer(fc int, startSeq uint32, tsbpdOn bool, latencyUs int64) *recvBuffer {
	return &recvBuffer{
		slots:   make([]recvSlot, fc),
		size:    uint32(fc),
		headSeq: startSeq,
		tsbpdOn: tsbpdOn,
		latency: latencyUs,
	}
}

// setStartUs records the connection's clock epoch once markConnected
// establishes it, so playout math can convert a packet's relative
// timestamp back into the receiver's own absolute clock.
func (b *recvBuffer) setStartUs(us int64) {
	b.mu.Lock()
	b.startUs = us
	b.mu.Unlock()
}

func (b *recvBuffer) idx(seq uint32) uint32 {
	return (seq - b.headSeq) % b.size
}

// add places unit data at its slot if seq lies within [headSeq, headSeq+size);
// out-of-window packets (duplicates or already-delivered) are dropped
// silently, matching CRcvBuffer::addData.
func (b *recvBuffer) add(seq, msgNo, tsUs uint32, data []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	off := seq - b.headSeq
	if off >= b.size {
		return false
	}
	i := b.idx(seq)
	if b.slots[i].state == unitGood {
		return false // duplicate
	}
	b.slots[i] = recvSlot{state: unitGood, seqNo: seq, tsUs: tsUs, msgNo: msgNo, data: data}
	return true
}

// isDataReady reports the head slot is GOOD and, if TSBPD is enabled, its
// playout time (startUs + tsUs + latency, compared against nowUs passed by caller)
// has arrived.
func (b *recvBuffer) isDataReady(nowUs int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.headReadyLocked(nowUs)
}

func (b *recvBuffer) headReadyLocked(nowUs int64) bool {
	head := &b.slots[0]
	if head.state != unitGood {
		return false
	}
	if !b.tsbpdOn {
		return true
	}
	playout := b.startUs + int64(head.tsUs) + b.latency
	return nowUs >= playout
}

// read consumes the head message if ready, advances the window past every
// fragment it spans, and returns the reassembled payload. A message
// boundary is only crossed once every fragment up to its LAST flag has
// arrived, preserving message semantics (spec.md non-goal: no byte-stream
// reads) rather than handing the application arbitrary MSS-sized chunks.
func (b *recvBuffer) read(nowUs int64) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.headReadyLocked(nowUs) {
		return nil, false
	}
	if isLast(b.slots[0].msgNo) {
		data := b.slots[0].data
		b.advanceLocked()
		return data, true
	}

	last := -1
	for i := 0; i < int(b.size); i++ {
		if b.slots[i].state != unitGood {
			return nil, false
		}
		if isLast(b.slots[i].msgNo) {
			last = i
			break
		}
	}
	if last < 0 {
		return nil, false
	}
	total := 0
	for i := 0; i <= last; i++ {
		total += len(b.slots[i].data)
	}
	out := make([]byte, 0, total)
	for i := 0; i <= last; i++ {
		out = append(out, b.slots[i].data...)
	}
	for i := 0; i <= last; i++ {
		b.advanceLocked()
	}
	return out, true
}

func (b *recvBuffer) advanceLocked() {
	b.slots[0] = recvSlot{}
	b.slots = append(b.slots[1:], recvSlot{})
	b.headSeq++
}

// drop marks slots up to (and including) seq as DROPPED and skips past
// them, implementing the peer-initiated MsgDropRequest / TLPKTDROP path.
func (b *recvBuffer) drop(upToSeq uint32) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for seqLess(b.headSeq, upToSeq+1) {
		if b.slots[0].state == unitGood {
			n++
		}
		b.advanceLocked()
	}
	return n
}

// dropExpired implements TLPKTDROP (spec.md §4.6.4): when the head slot is
// missing (a gap from loss still outstanding) but a later slot's playout
// deadline has already passed, the gap is unrecoverable in time and the
// buffer skips forward to that slot rather than blocking delivery forever.
// Returns the number of packets skipped over.
func (b *recvBuffer) dropExpired(nowUs int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.tsbpdOn || b.slots[0].state == unitGood {
		return 0
	}
	skip := -1
	for i := range b.slots {
		if b.slots[i].state != unitGood {
			continue
		}
		playout := b.startUs + int64(b.slots[i].tsUs) + b.latency
		if nowUs >= playout {
			skip = i
		}
		break
	}
	if skip < 0 {
		return 0
	}
	for i := 0; i < skip; i++ {
		b.advanceLocked()
	}
	return skip
}

func (b *recvBuffer) availBytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	free := 0
	for i := range b.slots {
		if b.slots[i].state != unitGood {
			free++
		}
	}
	return free
}
