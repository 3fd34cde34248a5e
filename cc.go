package rudt

import "time"

// congestionController is the pluggable interface every congestion
// controller implements (spec.md §4.5). The transport treats it as
// opaque and consults pacingInterval/cwnd/rtoUs/rttUs for all pacing
// decisions, mirroring the builder-keyed CC plugin model SRT exposes
// through its congestion-control factory.
type congestionController interface {
	init(params ccParams)
	close()

	onPktSent(seqNo uint32, sizeBytes int)
	onPktRecv(seqNo uint32, sizeBytes int)
	onACK(ackSeqNo uint32, rttUs int64)
	onLoss(lost []seqRange)
	onTimeout()
	// updateRTT folds a fresh RTT sample (e.g. from an ACK-ACK round trip)
	// into the smoothed estimate without touching cwnd, unlike onACK.
	updateRTT(rttUs int64)

	pacingInterval() time.Duration
	cwnd() int
	rtoUs() int64
	rttUs() int64
}

// ccParams is the read-only configuration snapshot handed to a controller
// at init, taken from the owning socket's option set.
type ccParams struct {
	mss     int
	maxBW   int64 // bytes/sec, -1 = unlimited
	isCaller bool
}

// ccBuilder constructs a fresh controller instance; controllers register
// themselves in ccBuilders at package init the way SRT's CC factory keys
// builders by name ("live", "file").
type ccBuilder func() congestionController

var ccBuilders = map[string]ccBuilder{}

func registerCC(name string, b ccBuilder) {
	ccBuilders[name] = b
}

func newCC(name string) congestionController {
	b, ok := ccBuilders[name]
	if !ok {
		b = ccBuilders["live"]
	}
	return b()
}
