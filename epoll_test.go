package rudt

import (
	"testing"
	"time"
)

func TestEpollWaitSignalsOnUpdateEvents(t *testing.T) {
	svc := newEpollService()
	eid := svc.create()
	if err := svc.addUSock(eid, 7, EpollIn); err != nil {
		t.Fatalf("addUSock: %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		svc.updateEvents(7, EpollIn, true)
	}()

	reads, _, _, err := svc.wait(eid, time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(reads) != 1 || reads[0] != 7 {
		t.Fatalf("reads = %v, want [7]", reads)
	}
}

func TestEpollWaitTimesOutWhenNothingReady(t *testing.T) {
	svc := newEpollService()
	eid := svc.create()
	if err := svc.addUSock(eid, 1, EpollIn); err != nil {
		t.Fatalf("addUSock: %v", err)
	}
	_, _, _, err := svc.wait(eid, 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestEpollUpdateEventsIgnoresUnwatchedMask(t *testing.T) {
	svc := newEpollService()
	eid := svc.create()
	if err := svc.addUSock(eid, 1, EpollIn); err != nil {
		t.Fatalf("addUSock: %v", err)
	}
	svc.updateEvents(1, EpollOut, true) // not watched on this descriptor

	_, _, _, err := svc.wait(eid, 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout since only EpollOut (unwatched) became ready")
	}
}

func TestEpollRemoveUSockClearsReadiness(t *testing.T) {
	svc := newEpollService()
	eid := svc.create()
	_ = svc.addUSock(eid, 1, EpollIn)
	svc.updateEvents(1, EpollIn, true)
	_ = svc.removeUSock(eid, 1)

	_, _, _, err := svc.wait(eid, 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout after removing the only watched socket")
	}
}

func TestEpollReleaseInvalidatesDescriptor(t *testing.T) {
	svc := newEpollService()
	eid := svc.create()
	if err := svc.release(eid); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := svc.addUSock(eid, 1, EpollIn); err == nil {
		t.Fatal("expected error using a released descriptor")
	}
}
