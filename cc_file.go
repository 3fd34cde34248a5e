package rudt

import (
	"sync"
	"time"
)

func init() {
	registerCC("file", func() congestionController { return &fileCC{} })
	registerCC("fast", func() congestionController { return &fileCC{} }) // alias, matches kcptun's fast/fast2/fast3 naming
}

// fileCC is a throughput-greedy AIMD controller modeled on classic UDT
// file-mode congestion control: slow-start doubling of the window until
// first loss sets ssthresh, then additive increase / multiplicative
// decrease on loss, the Go analogue of the nodelay/resend/nc knob table
// kcptun's server/main.go exposes for its "fast"/"fast2"/"fast3"/"normal"
// profiles (SPEC_FULL.md §4.5 "file").
type fileCC struct {
	mu sync.Mutex

	mss      int
	window   int
	ssthresh int
	rtt      int64
	rto      int64
	slowStart bool
}

const fileInitWindow = 2
const fileInitSsthresh = 64

func (c *fileCC) init(p ccParams) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mss = p.mss
	c.window = fileInitWindow
	c.ssthresh = fileInitSsthresh
	c.rtt = 100_000
	c.rto = 1_000_000
	c.slowStart = true
}

func (c *fileCC) close() {}

func (c *fileCC) onPktSent(seqNo uint32, sizeBytes int) {}

func (c *fileCC) onPktRecv(seqNo uint32, sizeBytes int) {}

func (c *fileCC) onACK(ackSeqNo uint32, rttUs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rttUs > 0 {
		c.rtt = (c.rtt*7 + rttUs) / 8
		c.rto = c.rtt * 4
		if c.rto < 100_000 {
			c.rto = 100_000
		}
	}
	if c.slowStart {
		c.window *= 2
		if c.window >= c.ssthresh {
			c.window = c.ssthresh
			c.slowStart = false
		}
		return
	}
	// additive increase: one packet per ACK
	c.window++
}

func (c *fileCC) updateRTT(rttUs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rttUs <= 0 {
		return
	}
	c.rtt = (c.rtt*7 + rttUs) / 8
	c.rto = c.rtt * 4
	if c.rto < 100_000 {
		c.rto = 100_000
	}
}

func (c *fileCC) onLoss(lost []seqRange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(lost) == 0 {
		return
	}
	c.ssthresh = c.window / 2
	if c.ssthresh < 2 {
		c.ssthresh = 2
	}
	c.window = c.ssthresh
	c.slowStart = false
}

func (c *fileCC) onTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ssthresh = c.window / 2
	if c.ssthresh < 2 {
		c.ssthresh = 2
	}
	c.window = fileInitWindow
	c.slowStart = true
	c.rto *= 2
}

func (c *fileCC) pacingInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.window <= 0 {
		return time.Millisecond
	}
	return time.Duration(c.rtt*int64(time.Microsecond)) / time.Duration(c.window)
}

func (c *fileCC) cwnd() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window
}

func (c *fileCC) rtoUs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rto
}

func (c *fileCC) rttUs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rtt
}
