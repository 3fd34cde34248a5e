package rudt

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// channel encapsulates one UDP endpoint shared by a Multiplexer, following
// srtcore/channel.h's CChannel and kcp-go UDPSession.SetDSCP's use of
// golang.org/x/net/ipv4,ipv6 for best-effort ToS/TrafficClass control
// (SPEC_FULL.md §4.2).
type channel struct {
	conn   *net.UDPConn
	v4conn *ipv4.PacketConn
	v6conn *ipv6.PacketConn
	isV6   bool
}

func openChannel(laddr *net.UDPAddr, sndBuf, rcvBuf int) (*channel, error) {
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	c := &channel{conn: conn}
	if laddr != nil && laddr.IP != nil && laddr.IP.To4() == nil {
		c.isV6 = true
		c.v6conn = ipv6.NewPacketConn(conn)
	} else {
		c.v4conn = ipv4.NewPacketConn(conn)
	}
	if sndBuf > 0 {
		_ = conn.SetWriteBuffer(sndBuf)
	}
	if rcvBuf > 0 {
		_ = conn.SetReadBuffer(rcvBuf)
	}
	return c, nil
}

func (c *channel) localAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

// setDSCP sets the differentiated-services code point best-effort,
// mirroring kcp-go's SetDSCP: failures are non-fatal since not every OS
// exposes the knob.
func (c *channel) setDSCP(dscp int) error {
	tos := dscp << 2
	if c.isV6 {
		return c.v6conn.SetTrafficClass(tos)
	}
	return c.v4conn.SetTOS(tos)
}

func (c *channel) setTTL(ttl int) error {
	if c.isV6 {
		return c.v6conn.SetHopLimit(ttl)
	}
	return c.v4conn.SetTTL(ttl)
}

// chanStatus mirrors EReadStatus from channel.h: OK, AGAIN (transient,
// keep the worker alive), ERROR (fatal, worker should exit).
type chanStatus int

const (
	chanOK chanStatus = iota
	chanAgain
	chanError
)

// sendTo writes one packet's wire encoding to addr. Big-endian header and
// word-swapped control payload happen inside packet.encode.
func (c *channel) sendTo(addr *net.UDPAddr, p *packet, scratch []byte) (int, error) {
	buf := p.encode(scratch)
	n, err := c.conn.WriteToUDP(buf, addr)
	if err != nil {
		return n, errors.WithStack(err)
	}
	return n, nil
}

// recvFrom reads one datagram and decodes it. AGAIN covers EAGAIN-style
// transient errors (timeout, temporary) and undersized frames, which the
// caller treats identically to packet loss; ERROR signals the underlying
// socket is unusable and the worker should stop (spec.md §4.2).
func (c *channel) recvFrom(raw []byte, readTimeout time.Duration) (*net.UDPAddr, *packet, chanStatus) {
	if readTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	}
	n, addr, err := c.conn.ReadFromUDP(raw)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil, chanAgain
		}
		if isTransientNetErr(err) {
			return nil, nil, chanAgain
		}
		return nil, nil, chanError
	}
	p := &packet{}
	if derr := p.decode(raw[:n]); derr != nil {
		return addr, nil, chanAgain
	}
	return addr, p, chanOK
}

func (c *channel) close() error {
	return c.conn.Close()
}

func isTransientNetErr(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Temporary()
	}
	return false
}
