package rudt

import (
	"crypto/sha256"
	"encoding/binary"
	"net"
)

// hsVersion distinguishes the legacy fixed 48-byte handshake from the
// variable-length extended form (spec.md §4.7).
type hsVersion uint32

const (
	hsV4 hsVersion = 4
	hsV5 hsVersion = 5
)

// hsType is the subtype carried on a HANDSHAKE control packet.
type hsType uint32

const (
	hsInduction hsType = iota
	hsConclusion
	hsWaveahand
)

// rejectReason enumerates the 16-bit codes returned in a refused
// CONCLUSION (spec.md §4.7).
type rejectReason uint16

const (
	RejUnknown rejectReason = iota
	RejSystem
	RejPeer
	RejResource
	RejRogue
	RejBacklog
	RejIPE
	RejClose
	RejVersion
	RejRDVCookie
	RejBadSecret
	RejUnsecure
	RejMessageAPI
	RejCongestion
	RejFilter
	RejGroup
	RejTimeout
)

// handshakePkt is the decoded payload of a HANDSHAKE control packet
// (spec.md §6 "Payload per control kind").
type handshakePkt struct {
	version      hsVersion
	encryption   uint16
	extension    uint16
	initialSeq   uint32
	mss          uint32
	flightFlag   uint32
	connType     hsType
	socketID     uint32
	cookie       uint32
	peerIP       [16]byte
	reject       rejectReason
	isReject     bool
	streamID     string
	congestion   string
}

const hsV4Size = 48

func encodeHandshake(h *handshakePkt) []byte {
	buf := make([]byte, hsV4Size)
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.version))
	binary.BigEndian.PutUint32(buf[4:8], uint32(h.encryption))
	binary.BigEndian.PutUint32(buf[8:12], uint32(h.extension))
	binary.BigEndian.PutUint32(buf[12:16], h.initialSeq)
	binary.BigEndian.PutUint32(buf[16:20], h.mss)
	binary.BigEndian.PutUint32(buf[20:24], h.flightFlag)
	if h.isReject {
		binary.BigEndian.PutUint32(buf[24:28], uint32(h.reject)|0x80000000)
	} else {
		binary.BigEndian.PutUint32(buf[24:28], uint32(h.connType))
	}
	binary.BigEndian.PutUint32(buf[28:32], h.socketID)
	binary.BigEndian.PutUint32(buf[32:36], h.cookie)
	copy(buf[36:52-4], h.peerIP[:])
	return buf
}

func decodeHandshake(raw []byte) (*handshakePkt, bool) {
	if len(raw) < hsV4Size {
		return nil, false
	}
	h := &handshakePkt{}
	h.version = hsVersion(binary.BigEndian.Uint32(raw[0:4]))
	h.encryption = uint16(binary.BigEndian.Uint32(raw[4:8]))
	h.extension = uint16(binary.BigEndian.Uint32(raw[8:12]))
	h.initialSeq = binary.BigEndian.Uint32(raw[12:16])
	h.mss = binary.BigEndian.Uint32(raw[16:20])
	h.flightFlag = binary.BigEndian.Uint32(raw[20:24])
	ct := binary.BigEndian.Uint32(raw[24:28])
	if ct&0x80000000 != 0 {
		h.isReject = true
		h.reject = rejectReason(ct &^ 0x80000000)
	} else {
		h.connType = hsType(ct)
	}
	h.socketID = binary.BigEndian.Uint32(raw[28:32])
	h.cookie = binary.BigEndian.Uint32(raw[32:36])
	copy(h.peerIP[:], raw[36:min(len(raw), 52)])
	return h, true
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// cookieSecret is the per-registry random value mixed into the listener's
// stateless cookie, so an attacker cannot forge valid cookies without it
// (spec.md §4.7 step 1 "synthesize a cookie").
type cookieSecret [32]byte

// makeCookie mirrors the original's hash(peer_addr, our_secret, time_bucket):
// changing every ~64s bucket invalidates stale induction replies without
// the listener keeping per-peer state.
func makeCookie(secret cookieSecret, addr *net.UDPAddr, nowUs int64) uint32 {
	bucket := nowUs / (64 * 1_000_000)
	h := sha256.New()
	h.Write(secret[:])
	h.Write(addr.IP)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], uint16(addr.Port))
	h.Write(portBuf[:])
	var bucketBuf [8]byte
	binary.BigEndian.PutUint64(bucketBuf[:], uint64(bucket))
	h.Write(bucketBuf[:])
	sum := h.Sum(nil)
	return binary.BigEndian.Uint32(sum[:4])
}

