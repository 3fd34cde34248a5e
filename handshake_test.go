package rudt

import (
	"net"
	"testing"
)

func TestHandshakeRoundTrip(t *testing.T) {
	h := &handshakePkt{
		version:    hsV5,
		initialSeq: 123456,
		mss:        1500,
		flightFlag: 25600,
		connType:   hsConclusion,
		socketID:   99,
		cookie:     0xdeadbeef,
	}
	raw := encodeHandshake(h)

	got, ok := decodeHandshake(raw)
	if !ok {
		t.Fatal("decodeHandshake failed on a freshly encoded buffer")
	}
	if got.version != h.version || got.initialSeq != h.initialSeq || got.mss != h.mss ||
		got.flightFlag != h.flightFlag || got.connType != h.connType ||
		got.socketID != h.socketID || got.cookie != h.cookie {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
	if got.isReject {
		t.Error("expected isReject false for a non-reject handshake")
	}
}

func TestHandshakeRejectRoundTrip(t *testing.T) {
	h := &handshakePkt{version: hsV5, isReject: true, reject: RejBacklog, socketID: 7}
	raw := encodeHandshake(h)

	got, ok := decodeHandshake(raw)
	if !ok {
		t.Fatal("decode failed")
	}
	if !got.isReject {
		t.Fatal("expected isReject true")
	}
	if got.reject != RejBacklog {
		t.Errorf("reject = %v, want %v", got.reject, RejBacklog)
	}
}

func TestDecodeHandshakeTooShort(t *testing.T) {
	if _, ok := decodeHandshake(make([]byte, hsV4Size-1)); ok {
		t.Fatal("expected decode to fail on a short buffer")
	}
}

func TestMakeCookieDeterministicAndAddressSensitive(t *testing.T) {
	var secret cookieSecret
	for i := range secret {
		secret[i] = byte(i)
	}
	addr1 := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 49000}
	addr2 := &net.UDPAddr{IP: net.ParseIP("127.0.0.2"), Port: 49000}
	nowUs := int64(1_000_000_000)

	c1 := makeCookie(secret, addr1, nowUs)
	c1again := makeCookie(secret, addr1, nowUs)
	if c1 != c1again {
		t.Fatal("makeCookie should be deterministic for the same inputs")
	}

	c2 := makeCookie(secret, addr2, nowUs)
	if c1 == c2 {
		t.Fatal("expected different addresses to produce different cookies")
	}

	farLater := nowUs + 65*1_000_000
	c3 := makeCookie(secret, addr1, farLater)
	if c1 == c3 {
		t.Fatal("expected cookie to change across the ~64s time bucket boundary")
	}

	addr1OtherPort := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 49001}
	c4 := makeCookie(secret, addr1OtherPort, nowUs)
	if c1 == c4 {
		t.Fatal("expected different ports on the same IP to produce different cookies")
	}
}

func TestNextPeerCookieWins(t *testing.T) {
	if !nextPeerCookieWins(10, 20) {
		t.Error("expected higher peer cookie to make us the responder")
	}
	if nextPeerCookieWins(20, 10) {
		t.Error("expected lower peer cookie to make us the initiator")
	}
}
