package rudt

import "testing"

func TestSndHeapOrdersByDeadline(t *testing.T) {
	h := newSndHeap()
	h.update(3, 300)
	h.update(1, 100)
	h.update(2, 200)

	var order []uint32
	for h.len() > 0 {
		id, ok := h.pop()
		if !ok {
			t.Fatal("pop returned false with non-empty heap")
		}
		order = append(order, id)
	}
	want := []uint32{1, 2, 3}
	for i, id := range want {
		if order[i] != id {
			t.Fatalf("pop order = %v, want %v", order, want)
		}
	}
}

func TestSndHeapUpdateReschedules(t *testing.T) {
	h := newSndHeap()
	h.update(1, 1000)
	h.update(2, 500)
	h.update(1, 100) // reschedule connID 1 earlier than 2

	id, ok := h.pop()
	if !ok || id != 1 {
		t.Fatalf("expected connID 1 to be earliest after reschedule, got %d ok=%v", id, ok)
	}
}

func TestSndHeapRemove(t *testing.T) {
	h := newSndHeap()
	h.update(1, 100)
	h.update(2, 200)
	h.remove(1)

	if h.len() != 1 {
		t.Fatalf("len = %d, want 1", h.len())
	}
	id, ok := h.pop()
	if !ok || id != 2 {
		t.Fatalf("expected connID 2 remaining, got %d ok=%v", id, ok)
	}
}

func TestSndHeapEachConnOnceOnly(t *testing.T) {
	h := newSndHeap()
	h.update(1, 500)
	h.update(1, 100) // same conn, should reschedule not duplicate
	if h.len() != 1 {
		t.Fatalf("len = %d, want 1 (socket appears at most once)", h.len())
	}
}
