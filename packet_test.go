package rudt

import "testing"

func TestDataPacketRoundTrip(t *testing.T) {
	p := newDataPacket(12345, msgFlagFirst|msgFlagLast|msgFlagOrder|7, 99999, 42, []byte("hello rudt"))
	raw := p.encode(nil)

	var got packet
	if err := got.decode(raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.isControl {
		t.Fatal("expected data packet")
	}
	if got.seqNo != p.seqNo {
		t.Errorf("seqNo = %d, want %d", got.seqNo, p.seqNo)
	}
	if got.msgNo != p.msgNo {
		t.Errorf("msgNo = %#x, want %#x", got.msgNo, p.msgNo)
	}
	if got.dstID != p.dstID {
		t.Errorf("dstID = %d, want %d", got.dstID, p.dstID)
	}
	if string(got.payload) != string(p.payload) {
		t.Errorf("payload = %q, want %q", got.payload, p.payload)
	}
	if !isFirst(got.msgNo) || !isLast(got.msgNo) || !isOrdered(got.msgNo) {
		t.Error("expected FIRST|LAST|ORDER flags to survive round trip")
	}
	if msgNumber(got.msgNo) != 7 {
		t.Errorf("msgNumber = %d, want 7", msgNumber(got.msgNo))
	}
}

func TestControlPacketRoundTrip(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	p := newCtrlPacket(ctrlNak, 0, 0, 555, 7, payload)
	raw := p.encode(nil)

	var got packet
	if err := got.decode(raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.isControl {
		t.Fatal("expected control packet")
	}
	if got.kind != ctrlNak {
		t.Errorf("kind = %d, want %d", got.kind, ctrlNak)
	}
	if string(got.payload) != string(payload) {
		t.Errorf("payload = %v, want %v", got.payload, payload)
	}
}

func TestDecodeShortPacketIsAgain(t *testing.T) {
	var p packet
	err := p.decode([]byte{1, 2, 3})
	e, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if e.Major != MajAgain {
		t.Errorf("major = %v, want AGAIN", e.Major)
	}
}

func TestSwapWordsInvolution(t *testing.T) {
	b := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	orig := append([]byte(nil), b...)
	swapWords(b)
	swapWords(b)
	for i := range b {
		if b[i] != orig[i] {
			t.Fatalf("swapWords not involutive at %d: got %v want %v", i, b, orig)
		}
	}
}

func TestACKNAKPayloadRoundTrip(t *testing.T) {
	full := ackPayload{LastAckedSeq: 10, RTTUs: 20000, RTTVarUs: 500, AvailBufSize: 8192,
		PktRecvRate: 100, LinkCapacity: 200, RecvRate: 300}
	enc := encodeACK(full, false)
	dec, ok := decodeACK(enc)
	if !ok || dec != full {
		t.Fatalf("full ACK round trip: got %+v, want %+v", dec, full)
	}

	light := encodeACK(ackPayload{LastAckedSeq: 55}, true)
	decLight, ok := decodeACK(light)
	if !ok || decLight.LastAckedSeq != 55 {
		t.Fatalf("light ACK round trip: got %+v", decLight)
	}

	ranges := []seqRange{{From: 5, To: 5}, {From: 10, To: 20}}
	nak := encodeNAK(ranges)
	decoded := decodeNAK(nak)
	if len(decoded) != 2 || decoded[0] != ranges[0] || decoded[1] != ranges[1] {
		t.Fatalf("NAK round trip: got %v, want %v", decoded, ranges)
	}
}
