package rudt

import (
	"net"
	"testing"
	"time"
)

// TestCallerListenerHappyPath exercises scenario 1 of SPEC_FULL.md's
// end-to-end seed list: a listener accepts one caller, three messages
// cross in order, and both sides tear down cleanly.
func TestCallerListenerHappyPath(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()

	lid, err := rt.NewSocket("udp4")
	if err != nil {
		t.Fatalf("NewSocket (listener): %v", err)
	}
	if err := rt.Bind(lid, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := rt.Listen(lid, 10); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	laddr, err := rt.GetSockName(lid)
	if err != nil {
		t.Fatalf("GetSockName: %v", err)
	}

	cid, err := rt.NewSocket("udp4")
	if err != nil {
		t.Fatalf("NewSocket (caller): %v", err)
	}

	acceptedCh := make(chan SocketID, 1)
	acceptErrCh := make(chan error, 1)
	go func() {
		id, _, err := rt.Accept(lid)
		if err != nil {
			acceptErrCh <- err
			return
		}
		acceptedCh <- id
	}()

	connectErrCh := make(chan error, 1)
	go func() {
		connectErrCh <- rt.Connect(cid, laddr)
	}()

	select {
	case err := <-connectErrCh:
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Connect did not complete within 3s")
	}

	var acceptedID SocketID
	select {
	case acceptedID = <-acceptedCh:
	case err := <-acceptErrCh:
		t.Fatalf("Accept: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("Accept did not complete within 3s")
	}

	for _, msg := range []string{"A", "B", "C"} {
		if err := rt.Send(cid, []byte(msg)); err != nil {
			t.Fatalf("Send(%q): %v", msg, err)
		}
	}

	for _, want := range []string{"A", "B", "C"} {
		got, err := rt.Recv(acceptedID)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if string(got) != want {
			t.Fatalf("Recv = %q, want %q", got, want)
		}
	}

	if err := rt.CloseSocket(cid); err != nil {
		t.Fatalf("CloseSocket(caller): %v", err)
	}
	if err := rt.CloseSocket(acceptedID); err != nil {
		t.Fatalf("CloseSocket(accepted): %v", err)
	}
	if err := rt.CloseSocket(lid); err != nil {
		t.Fatalf("CloseSocket(listener): %v", err)
	}
}

// TestBacklogOverflowRejectsSecondCaller exercises scenario 2: a listener
// with backlog 1 accepts exactly one of two near-simultaneous callers.
func TestBacklogOverflowRejectsSecondCaller(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()

	lid, _ := rt.NewSocket("udp4")
	if err := rt.Bind(lid, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := rt.Listen(lid, 1); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	laddr, _ := rt.GetSockName(lid)

	c1, _ := rt.NewSocket("udp4")
	c2, _ := rt.NewSocket("udp4")

	// Fill the single backlog slot and leave it unaccepted so the second
	// caller's CONCLUSION sees queued >= backlog.
	res1 := make(chan error, 1)
	res2 := make(chan error, 1)
	go func() { res1 <- rt.Connect(c1, laddr) }()
	time.Sleep(50 * time.Millisecond)
	go func() { res2 <- rt.Connect(c2, laddr) }()

	var err1, err2 error
	select {
	case err1 = <-res1:
	case <-time.After(3 * time.Second):
		t.Fatal("first connect did not complete")
	}
	select {
	case err2 = <-res2:
	case <-time.After(3 * time.Second):
		t.Fatal("second connect did not complete")
	}

	if err1 != nil {
		t.Fatalf("expected first caller to connect, got %v", err1)
	}
	if err2 == nil {
		t.Fatal("expected second caller to fail with backlog full")
	}
}

// TestRendezvousConnect exercises scenario 5: both peers bind, set
// RENDEZVOUS, and connect to each other symmetrically.
func TestRendezvousConnect(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()

	a, _ := rt.NewSocket("udp4")
	b, _ := rt.NewSocket("udp4")

	if err := rt.Bind(a, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}); err != nil {
		t.Fatalf("Bind a: %v", err)
	}
	if err := rt.Bind(b, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}); err != nil {
		t.Fatalf("Bind b: %v", err)
	}
	if err := rt.SetSockOpt(a, OptRendezvous, true); err != nil {
		t.Fatalf("SetSockOpt a RENDEZVOUS: %v", err)
	}
	if err := rt.SetSockOpt(b, OptRendezvous, true); err != nil {
		t.Fatalf("SetSockOpt b RENDEZVOUS: %v", err)
	}

	aAddr, _ := rt.GetSockName(a)
	bAddr, _ := rt.GetSockName(b)

	resA := make(chan error, 1)
	resB := make(chan error, 1)
	go func() { resA <- rt.Connect(a, bAddr) }()
	go func() { resB <- rt.Connect(b, aAddr) }()

	select {
	case err := <-resA:
		if err != nil {
			t.Fatalf("Connect a: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("a did not connect within 3s")
	}
	select {
	case err := <-resB:
		if err != nil {
			t.Fatalf("Connect b: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("b did not connect within 3s")
	}
}
