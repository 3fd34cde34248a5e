// Package rudt is a reliable, ordered, connection-oriented transport
// built on top of UDP datagrams, in the tradition of UDT/SRT.
//
// A single UDP endpoint (a Multiplexer) is shared by many logical Sockets,
// each identified by a 32-bit id carried in every packet. Delivery is
// in-order and reliable within one Socket via ARQ (loss detection, NAK,
// retransmission), paced by a pluggable congestion controller, with
// optional time-stamp-based playout (TSBPD) and too-late-packet-drop
// (TLPKTDROP) for bounded-latency delivery.
//
// rudt does not provide TCP-style byte-stream semantics, stream
// multiplexing inside a single connection, or certificate-based crypto:
// encryption (when enabled) is derived from a pre-shared passphrase only.
package rudt
