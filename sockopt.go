package rudt

import "time"

// SockOpt names the tunable socket options a Socket accepts through
// SetSockOpt/GetSockOpt, following the SRT-style SRTO_*/UDT_* option table
// (SPEC_FULL.md §3).
type SockOpt int

const (
	OptMSS SockOpt = iota
	OptFC
	OptSndBuf
	OptRcvBuf
	OptUDPSndBuf
	OptUDPRcvBuf
	OptRendezvous
	OptReuseAddr
	OptSndTimeo
	OptRcvTimeo
	OptSndSyn
	OptRcvSyn
	OptMaxBW
	OptLatency
	OptTLPktDrop
	OptTSBPDMode
	OptPayloadSize
	OptPassphrase
	OptPBKeyLen
	OptPeerIdleTimeo
	OptConnTimeo
	OptLinger
	OptCongestion
	OptIpTTL
	OptIpToS
)

// sockOpts holds the per-socket option values, copied from defaultSockOpts
// at socket() time and mutated only while the owning socket's control lock
// is held.
type sockOpts struct {
	mss           int
	fc            int
	sndBuf        int
	rcvBuf        int
	udpSndBuf     int
	udpRcvBuf     int
	rendezvous    bool
	reuseAddr     bool
	sndTimeo      time.Duration // -1 means block forever
	rcvTimeo      time.Duration
	sndSyn        bool
	rcvSyn        bool
	maxBW         int64 // -1 means unlimited
	latency       time.Duration
	tlPktDrop     bool
	tsbpdMode     bool
	payloadSize   int
	passphrase    string
	pbKeyLen      int
	peerIdleTimeo time.Duration
	connTimeo     time.Duration
	linger        time.Duration
	congestion    string
	ipTTL         int // -1 leaves the OS default untouched
	ipToS         int // DSCP codepoint (0-63); -1 leaves the OS default untouched
}

func defaultSockOpts() sockOpts {
	o := sockOpts{
		mss:           1500,
		fc:            25600,
		sndBuf:        8_192_000,
		rcvBuf:        8_192_000,
		udpSndBuf:     0,
		udpRcvBuf:     0,
		rendezvous:    false,
		reuseAddr:     true,
		sndTimeo:      -1,
		rcvTimeo:      -1,
		sndSyn:        true,
		rcvSyn:        true,
		maxBW:         -1,
		latency:       120 * time.Millisecond,
		tlPktDrop:     true,
		tsbpdMode:     true,
		passphrase:    "",
		pbKeyLen:      16,
		peerIdleTimeo: 10 * time.Second,
		connTimeo:     3 * time.Second,
		linger:        180 * time.Millisecond,
		congestion:    "live",
		ipTTL:         -1,
		ipToS:         -1,
	}
	o.payloadSize = o.mss - 44
	return o
}

// set validates and applies one option. It must be called with the
// owning socket's control lock held; its caller Runtime.SetSockOpt in
// api.go rejects MSS, FC and RENDEZVOUS on a socket already CONNECTED
// (ISCONNECTED, per the error family in §7). Other options, congestion
// included, are accepted in any state.
func (o *sockOpts) set(opt SockOpt, val interface{}) error {
	switch opt {
	case OptMSS:
		v, ok := val.(int)
		if !ok || v < 76 || v > 65536 {
			return errInval()
		}
		o.mss = v
	case OptFC:
		v, ok := val.(int)
		if !ok || v <= 0 {
			return errInval()
		}
		o.fc = v
	case OptSndBuf:
		v, ok := val.(int)
		if !ok || v <= 0 {
			return errInval()
		}
		o.sndBuf = v
	case OptRcvBuf:
		v, ok := val.(int)
		if !ok || v <= 0 {
			return errInval()
		}
		o.rcvBuf = v
	case OptUDPSndBuf:
		v, ok := val.(int)
		if !ok {
			return errInval()
		}
		o.udpSndBuf = v
	case OptUDPRcvBuf:
		v, ok := val.(int)
		if !ok {
			return errInval()
		}
		o.udpRcvBuf = v
	case OptRendezvous:
		v, ok := val.(bool)
		if !ok {
			return errInval()
		}
		o.rendezvous = v
	case OptReuseAddr:
		v, ok := val.(bool)
		if !ok {
			return errInval()
		}
		o.reuseAddr = v
	case OptSndTimeo:
		v, ok := val.(time.Duration)
		if !ok {
			return errInval()
		}
		o.sndTimeo = v
	case OptRcvTimeo:
		v, ok := val.(time.Duration)
		if !ok {
			return errInval()
		}
		o.rcvTimeo = v
	case OptSndSyn:
		v, ok := val.(bool)
		if !ok {
			return errInval()
		}
		o.sndSyn = v
	case OptRcvSyn:
		v, ok := val.(bool)
		if !ok {
			return errInval()
		}
		o.rcvSyn = v
	case OptMaxBW:
		v, ok := val.(int64)
		if !ok {
			return errInval()
		}
		o.maxBW = v
	case OptLatency:
		v, ok := val.(time.Duration)
		if !ok || v < 0 {
			return errInval()
		}
		o.latency = v
	case OptTLPktDrop:
		v, ok := val.(bool)
		if !ok {
			return errInval()
		}
		o.tlPktDrop = v
	case OptTSBPDMode:
		v, ok := val.(bool)
		if !ok {
			return errInval()
		}
		o.tsbpdMode = v
	case OptPayloadSize:
		v, ok := val.(int)
		if !ok || v <= 0 || v > o.mss-28 {
			return errInval()
		}
		o.payloadSize = v
	case OptPassphrase:
		v, ok := val.(string)
		if !ok {
			return errInval()
		}
		o.passphrase = v
	case OptPBKeyLen:
		v, ok := val.(int)
		if !ok || (v != 16 && v != 24 && v != 32) {
			return errInval()
		}
		o.pbKeyLen = v
	case OptPeerIdleTimeo:
		v, ok := val.(time.Duration)
		if !ok || v <= 0 {
			return errInval()
		}
		o.peerIdleTimeo = v
	case OptConnTimeo:
		v, ok := val.(time.Duration)
		if !ok || v <= 0 {
			return errInval()
		}
		o.connTimeo = v
	case OptLinger:
		v, ok := val.(time.Duration)
		if !ok || v < 0 {
			return errInval()
		}
		o.linger = v
	case OptCongestion:
		v, ok := val.(string)
		if !ok {
			return errInval()
		}
		if _, found := ccBuilders[v]; !found {
			return errInval()
		}
		o.congestion = v
	case OptIpTTL:
		v, ok := val.(int)
		if !ok || v < 1 || v > 255 {
			return errInval()
		}
		o.ipTTL = v
	case OptIpToS:
		v, ok := val.(int)
		if !ok || v < 0 || v > 63 {
			return errInval()
		}
		o.ipToS = v
	default:
		return errInval()
	}
	return nil
}

func (o *sockOpts) get(opt SockOpt) (interface{}, error) {
	switch opt {
	case OptMSS:
		return o.mss, nil
	case OptFC:
		return o.fc, nil
	case OptSndBuf:
		return o.sndBuf, nil
	case OptRcvBuf:
		return o.rcvBuf, nil
	case OptUDPSndBuf:
		return o.udpSndBuf, nil
	case OptUDPRcvBuf:
		return o.udpRcvBuf, nil
	case OptRendezvous:
		return o.rendezvous, nil
	case OptReuseAddr:
		return o.reuseAddr, nil
	case OptSndTimeo:
		return o.sndTimeo, nil
	case OptRcvTimeo:
		return o.rcvTimeo, nil
	case OptSndSyn:
		return o.sndSyn, nil
	case OptRcvSyn:
		return o.rcvSyn, nil
	case OptMaxBW:
		return o.maxBW, nil
	case OptLatency:
		return o.latency, nil
	case OptTLPktDrop:
		return o.tlPktDrop, nil
	case OptTSBPDMode:
		return o.tsbpdMode, nil
	case OptPayloadSize:
		return o.payloadSize, nil
	case OptPassphrase:
		return o.passphrase, nil
	case OptPBKeyLen:
		return o.pbKeyLen, nil
	case OptPeerIdleTimeo:
		return o.peerIdleTimeo, nil
	case OptConnTimeo:
		return o.connTimeo, nil
	case OptLinger:
		return o.linger, nil
	case OptCongestion:
		return o.congestion, nil
	case OptIpTTL:
		return o.ipTTL, nil
	case OptIpToS:
		return o.ipToS, nil
	default:
		return nil, errInval()
	}
}
