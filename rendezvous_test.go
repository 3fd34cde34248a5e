package rudt

import (
	"net"
	"testing"
)

func TestRendezvousQueueInsertRetrieveRemove(t *testing.T) {
	q := newRendezvousQueue()
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 49001}
	e := &rdvEntry{connID: 5, peerAddr: addr, ttlDeadline: 1_000_000}
	q.insert(e)

	got, ok := q.retrieve(addr)
	if !ok || got.connID != 5 {
		t.Fatalf("retrieve = %+v, ok=%v, want connID 5", got, ok)
	}

	q.remove(5)
	if _, ok := q.retrieve(addr); ok {
		t.Fatal("expected entry to be gone after remove")
	}
}

func TestRendezvousQueueRetrieveNoMatch(t *testing.T) {
	q := newRendezvousQueue()
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 49002}
	q.insert(&rdvEntry{connID: 1, peerAddr: &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1}})

	if _, ok := q.retrieve(addr); ok {
		t.Fatal("expected no match for an unrelated address")
	}
}

func TestRendezvousQueueQualifyExpiresPastDeadline(t *testing.T) {
	q := newRendezvousQueue()
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 49003}
	q.insert(&rdvEntry{connID: 1, peerAddr: addr, ttlDeadline: 1000})

	toProcess, toRemove := q.qualify(2000, 0, false)
	if len(toProcess) != 0 {
		t.Fatalf("expired entry should not be processed, got %v", toProcess)
	}
	if len(toRemove) != 1 || toRemove[0].connID != 1 {
		t.Fatalf("expected expired entry in toRemove, got %v", toRemove)
	}
}

func TestRendezvousQueueQualifyDueForRetry(t *testing.T) {
	q := newRendezvousQueue()
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 49004}
	e := &rdvEntry{connID: 1, peerAddr: addr, ttlDeadline: 10_000_000, lastReqAt: 0}
	q.insert(e)

	// 300ms elapsed, past the 250ms retry interval.
	toProcess, toRemove := q.qualify(300_000, 0, false)
	if len(toRemove) != 0 {
		t.Fatalf("entry within TTL should not be removed, got %v", toRemove)
	}
	if len(toProcess) != 1 || toProcess[0].connID != 1 {
		t.Fatalf("expected entry due for retry, got %v", toProcess)
	}
}

func TestRendezvousQueueQualifyAddressedHit(t *testing.T) {
	q := newRendezvousQueue()
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 49005}
	e := &rdvEntry{connID: 7, peerAddr: addr, ttlDeadline: 10_000_000, lastReqAt: 50_000}

	q.insert(e)

	// Not yet due for a timed retry, but directly addressed by an incoming packet.
	toProcess, _ := q.qualify(60_000, 7, true)
	if len(toProcess) != 1 || toProcess[0].connID != 7 {
		t.Fatalf("expected addressed entry to qualify immediately, got %v", toProcess)
	}
}

func TestRendezvousQueueMarkSentUpdatesLastReqAt(t *testing.T) {
	q := newRendezvousQueue()
	e := &rdvEntry{connID: 1, peerAddr: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}, ttlDeadline: 10_000_000}
	q.insert(e)

	// 300ms after a zero lastReqAt the entry would be due; markSent at the
	// same instant resets the retry clock.
	q.markSent(1, 300_000)

	toProcess, toRemove := q.qualify(300_000, 0, false)
	if len(toProcess) != 0 {
		t.Fatalf("expected entry just marked sent to not be immediately due, got %v", toProcess)
	}
	if len(toRemove) != 0 {
		t.Fatalf("expected entry within its TTL to be kept, got %v", toRemove)
	}
}
