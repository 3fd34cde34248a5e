package rudt

// sndHeapNode is one socket's entry in the send-scheduling heap: a
// min-heap keyed by next-send timestamp where each socket appears at most
// once (spec.md §3 "Send Scheduling Heap", Design Note "Heap with
// back-pointer"). Rather than mutate a pointer-linked node's heap index in
// place (the original C++ SNode::m_iHeapLoc pattern, unsafe to mirror
// directly in Go), entries live in a dense arena indexed by integer and the
// heap stores arena indices; heapLoc is the back-pointer living in the
// arena entry, -1 meaning "not on the heap".
type sndHeapNode struct {
	connID   uint32
	deadline int64 // microseconds, next scheduled send time
	heapLoc  int
	inUse    bool
}

// sndHeap is the scheduling heap threaded by sndQueue's worker loop: pop
// the earliest deadline, let its connection emit what it can, then
// reinsert (or drop) it, exactly mirroring CSndUList::pop/update.
type sndHeap struct {
	arena []sndHeapNode       // dense storage, one entry per connection slot
	byID  map[uint32]int      // connID -> arena index
	heap  []int               // arena indices, heap-ordered by deadline
	free  []int               // recycled arena slots
}

func newSndHeap() *sndHeap {
	return &sndHeap{byID: make(map[uint32]int)}
}

func (h *sndHeap) arenaFor(connID uint32) int {
	if idx, ok := h.byID[connID]; ok {
		return idx
	}
	var idx int
	if n := len(h.free); n > 0 {
		idx = h.free[n-1]
		h.free = h.free[:n-1]
	} else {
		idx = len(h.arena)
		h.arena = append(h.arena, sndHeapNode{})
	}
	h.arena[idx] = sndHeapNode{connID: connID, heapLoc: -1, inUse: true}
	h.byID[connID] = idx
	return idx
}

// update inserts connID into the heap with the given deadline, or
// reschedules it if already present (CSndUList::update's DO_RESCHEDULE
// case: an entry already queued moves to the new deadline, whether it is
// earlier or later than the old one; there is no DONT_RESCHEDULE mode).
func (h *sndHeap) update(connID uint32, deadline int64) {
	idx := h.arenaFor(connID)
	n := &h.arena[idx]
	if n.heapLoc >= 0 {
		if deadline < n.deadline {
			n.deadline = deadline
			h.siftUp(n.heapLoc)
		} else {
			n.deadline = deadline
			h.siftDown(n.heapLoc)
		}
		return
	}
	n.deadline = deadline
	h.heap = append(h.heap, idx)
	n.heapLoc = len(h.heap) - 1
	h.siftUp(n.heapLoc)
}

// remove takes connID off the heap entirely (socket closed or no longer
// has anything to send).
func (h *sndHeap) remove(connID uint32) {
	idx, ok := h.byID[connID]
	if !ok {
		return
	}
	n := &h.arena[idx]
	if n.heapLoc >= 0 {
		h.removeAt(n.heapLoc)
	}
	delete(h.byID, connID)
	n.inUse = false
	h.free = append(h.free, idx)
}

// peekDeadline returns the earliest deadline on the heap and whether the
// heap is non-empty, used by the worker to size its next poll wait.
func (h *sndHeap) peekDeadline() (int64, bool) {
	if len(h.heap) == 0 {
		return 0, false
	}
	return h.arena[h.heap[0]].deadline, true
}

// pop removes and returns the connID with the earliest deadline.
func (h *sndHeap) pop() (uint32, bool) {
	if len(h.heap) == 0 {
		return 0, false
	}
	idx := h.heap[0]
	h.removeAt(0)
	n := &h.arena[idx]
	connID := n.connID
	delete(h.byID, connID)
	n.inUse = false
	h.free = append(h.free, idx)
	return connID, true
}

func (h *sndHeap) removeAt(loc int) {
	last := len(h.heap) - 1
	if loc != last {
		h.swap(loc, last)
	}
	removed := h.heap[last]
	h.heap = h.heap[:last]
	h.arena[removed].heapLoc = -1
	if loc < last {
		h.siftDown(loc)
		h.siftUp(loc)
	}
}

func (h *sndHeap) less(i, j int) bool {
	return h.arena[h.heap[i]].deadline < h.arena[h.heap[j]].deadline
}

func (h *sndHeap) swap(i, j int) {
	h.heap[i], h.heap[j] = h.heap[j], h.heap[i]
	h.arena[h.heap[i]].heapLoc = i
	h.arena[h.heap[j]].heapLoc = j
}

func (h *sndHeap) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !h.less(i, parent) {
			break
		}
		h.swap(i, parent)
		i = parent
	}
}

func (h *sndHeap) siftDown(i int) {
	n := len(h.heap)
	for {
		l, r, smallest := 2*i+1, 2*i+2, i
		if l < n && h.less(l, smallest) {
			smallest = l
		}
		if r < n && h.less(r, smallest) {
			smallest = r
		}
		if smallest == i {
			return
		}
		h.swap(i, smallest)
		i = smallest
	}
}

func (h *sndHeap) len() int { return len(h.heap) }
