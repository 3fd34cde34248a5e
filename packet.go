package rudt

import (
	"encoding/binary"
)

// Packet header size in bytes: four 32-bit words, common to both data and
// control shapes (spec.md §3 "Packet").
const hdrSize = 16

// Control packet kinds (5-bit type field in the high bits of word 0 once
// the top control bit is set).
type ctrlKind uint8

const (
	ctrlHandshake ctrlKind = iota
	ctrlKeepalive
	ctrlAck
	ctrlNak
	ctrlCongWarning
	ctrlShutdown
	ctrlAckAck
	ctrlDropReq
	ctrlPeerError
	ctrlExt ctrlKind = 0x1F // extended_type carries the real subtype (HS/KM/SID/...)
)

const flagControl = uint32(1) << 31

// msg-number flag bits (packed into the high 3 bits of word 1 on data packets).
const (
	msgFlagFirst = uint32(1) << 31
	msgFlagLast  = uint32(1) << 30
	msgFlagOrder = uint32(1) << 29
	msgNoMask    = msgFlagOrder - 1
)

// packet is the in-memory representation of one wire datagram: either a
// data packet or a control packet, decoded into its four header words plus
// payload. The same struct backs both shapes, mirroring CPacket in the
// original queue/channel code (header[4] + payload buffer).
type packet struct {
	isControl bool

	// data packet fields
	seqNo   uint32
	msgNo   uint32 // includes FIRST/LAST/ORDER flags packed in high bits
	tsUs    uint32
	dstID   uint32

	// control packet fields
	kind    ctrlKind
	subtype uint16
	extType uint16

	payload []byte
}

func isFirst(msgNo uint32) bool  { return msgNo&msgFlagFirst != 0 }
func isLast(msgNo uint32) bool   { return msgNo&msgFlagLast != 0 }
func isOrdered(msgNo uint32) bool { return msgNo&msgFlagOrder != 0 }
func msgNumber(msgNo uint32) uint32 { return msgNo & msgNoMask }

// encode writes the packet's wire representation (header + payload) into
// dst, growing dst if necessary, and returns the slice actually used. All
// multi-byte integers are big-endian; a control packet's payload words are
// also individually byte-swapped, matching spec.md §3's "word-byteswapped"
// control-payload note.
func (p *packet) encode(dst []byte) []byte {
	need := hdrSize + len(p.payload)
	if cap(dst) < need {
		dst = make([]byte, need)
	} else {
		dst = dst[:need]
	}

	if p.isControl {
		w0 := flagControl | uint32(p.kind&0x1F)<<26 | uint32(p.subtype)
		binary.BigEndian.PutUint32(dst[0:4], w0)
		binary.BigEndian.PutUint32(dst[4:8], uint32(p.extType))
		binary.BigEndian.PutUint32(dst[8:12], p.tsUs)
		binary.BigEndian.PutUint32(dst[12:16], p.dstID)
		copy(dst[hdrSize:], p.payload)
		swapWords(dst[hdrSize:])
	} else {
		binary.BigEndian.PutUint32(dst[0:4], p.seqNo&0x7FFFFFFF)
		binary.BigEndian.PutUint32(dst[4:8], p.msgNo)
		binary.BigEndian.PutUint32(dst[8:12], p.tsUs)
		binary.BigEndian.PutUint32(dst[12:16], p.dstID)
		copy(dst[hdrSize:], p.payload)
	}
	return dst
}

// decode parses raw into p. It reports errAgainRD (caller treats the
// datagram as loss, not a hard error) on a too-short buffer, matching the
// Channel.recv_from contract in spec.md §4.2.
func (p *packet) decode(raw []byte) error {
	if len(raw) < hdrSize {
		return errAgainRD()
	}
	w0 := binary.BigEndian.Uint32(raw[0:4])
	w1 := binary.BigEndian.Uint32(raw[4:8])
	w2 := binary.BigEndian.Uint32(raw[8:12])
	w3 := binary.BigEndian.Uint32(raw[12:16])

	p.isControl = w0&flagControl != 0
	p.tsUs = w2
	p.dstID = w3

	if p.isControl {
		p.kind = ctrlKind((w0 >> 26) & 0x1F)
		p.subtype = uint16(w0 & 0xFFFF)
		p.extType = uint16(w1)
		body := append([]byte(nil), raw[hdrSize:]...)
		swapWords(body)
		p.payload = body
	} else {
		p.seqNo = w0 & 0x7FFFFFFF
		p.msgNo = w1
		p.payload = append([]byte(nil), raw[hdrSize:]...)
	}
	return nil
}

// swapWords byte-swaps each 4-byte word of b in place (control-packet
// payload only; data-packet payload is opaque application bytes and is
// never touched).
func swapWords(b []byte) {
	n := len(b) - len(b)%4
	for i := 0; i < n; i += 4 {
		b[i], b[i+1], b[i+2], b[i+3] = b[i+3], b[i+2], b[i+1], b[i]
	}
}

func newDataPacket(seqNo, msgNo, tsUs, dstID uint32, payload []byte) *packet {
	return &packet{seqNo: seqNo, msgNo: msgNo, tsUs: tsUs, dstID: dstID, payload: payload}
}

func newCtrlPacket(kind ctrlKind, subtype, extType uint16, tsUs, dstID uint32, payload []byte) *packet {
	return &packet{isControl: true, kind: kind, subtype: subtype, extType: extType, tsUs: tsUs, dstID: dstID, payload: payload}
}
