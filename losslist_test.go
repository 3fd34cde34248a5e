package rudt

import "testing"

func TestLossListInsertMerge(t *testing.T) {
	var l lossList
	l.insert(10, 20)
	l.insert(21, 25) // adjacent, should merge
	l.insert(5, 9)   // adjacent on the other side

	if got := l.totalCount(); got != 21 {
		t.Fatalf("totalCount = %d, want 21", got)
	}
	if len(l.ranges) != 1 {
		t.Fatalf("expected single merged range, got %v", l.ranges)
	}
	if !l.find(15) || !l.find(5) || !l.find(25) {
		t.Fatal("expected merged range to contain boundary and interior values")
	}
	if l.find(4) || l.find(26) {
		t.Fatal("expected values just outside the merged range to be absent")
	}
}

func TestLossListRemoveSplits(t *testing.T) {
	var l lossList
	l.insert(0, 100)
	l.remove(40, 60)

	if l.find(50) {
		t.Fatal("expected removed sub-range to be gone")
	}
	if !l.find(10) || !l.find(90) {
		t.Fatal("expected the remaining edges to survive the split")
	}
	if len(l.ranges) != 2 {
		t.Fatalf("expected two ranges after split, got %v", l.ranges)
	}
}

func TestLossListPopFrontOrder(t *testing.T) {
	var l lossList
	l.insert(100, 100)
	l.insert(1, 1)
	l.insert(50, 50)

	var order []uint32
	for {
		r, ok := l.popFront()
		if !ok {
			break
		}
		order = append(order, r.From)
	}
	want := []uint32{1, 50, 100}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}
