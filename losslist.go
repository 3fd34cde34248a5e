package rudt

import "sort"

// seqRange is an inclusive sequence-number range [From, To], the unit of
// representation for loss lists and ACK history (spec.md §4.4).
type seqRange struct {
	From uint32
	To   uint32
}

func (r seqRange) contains(seq uint32) bool { return seq >= r.From && seq <= r.To }
func (r seqRange) size() int                { return int(r.To-r.From) + 1 }

// lossList is a sparse, sorted set of seq-no ranges supporting O(log n)
// lookup by binary search over range-start keys, used for both the
// sender's retransmit list and the receiver's detected-loss list that
// drives NAK generation (spec.md §4.4).
type lossList struct {
	ranges []seqRange // kept sorted and non-overlapping by From
}

// insert adds [from,to] to the list, merging with adjacent/overlapping
// ranges to keep the representation compact.
func (l *lossList) insert(from, to uint32) {
	if from > to {
		from, to = to, from
	}
	i := sort.Search(len(l.ranges), func(i int) bool { return l.ranges[i].From > from })
	// i is the first range with From > from; the insertion point.
	newRange := seqRange{From: from, To: to}

	// Merge with the range immediately before, if adjacent/overlapping.
	if i > 0 && l.ranges[i-1].To+1 >= newRange.From {
		newRange.From = l.ranges[i-1].From
		if l.ranges[i-1].To > newRange.To {
			newRange.To = l.ranges[i-1].To
		}
		i--
		l.ranges = append(l.ranges[:i], l.ranges[i+1:]...)
	}

	// Merge with any following ranges now covered or adjacent.
	j := i
	for j < len(l.ranges) && l.ranges[j].From <= newRange.To+1 {
		if l.ranges[j].To > newRange.To {
			newRange.To = l.ranges[j].To
		}
		j++
	}
	l.ranges = append(l.ranges[:i], append([]seqRange{newRange}, l.ranges[j:]...)...)
}

// remove deletes [from,to] from the list, splitting any range that only
// partially overlaps.
func (l *lossList) remove(from, to uint32) {
	if from > to {
		from, to = to, from
	}
	var out []seqRange
	for _, r := range l.ranges {
		if r.To < from || r.From > to {
			out = append(out, r)
			continue
		}
		if r.From < from {
			out = append(out, seqRange{From: r.From, To: from - 1})
		}
		if r.To > to {
			out = append(out, seqRange{From: to + 1, To: r.To})
		}
	}
	l.ranges = out
}

// find returns true if seq lies in any range, via binary search over the
// sorted starts.
func (l *lossList) find(seq uint32) bool {
	i := sort.Search(len(l.ranges), func(i int) bool { return l.ranges[i].To >= seq })
	return i < len(l.ranges) && l.ranges[i].contains(seq)
}

func (l *lossList) empty() bool { return len(l.ranges) == 0 }

// popFront removes and returns the lowest range (used when draining the
// retransmit list in sequence order).
func (l *lossList) popFront() (seqRange, bool) {
	if len(l.ranges) == 0 {
		return seqRange{}, false
	}
	r := l.ranges[0]
	l.ranges = l.ranges[1:]
	return r, true
}

func (l *lossList) all() []seqRange {
	out := make([]seqRange, len(l.ranges))
	copy(out, l.ranges)
	return out
}

func (l *lossList) totalCount() int {
	n := 0
	for _, r := range l.ranges {
		n += r.size()
	}
	return n
}
