// Command rudtd is a demo tunnel server exercising the rudt library end
// to end: it accepts rudt connections and bridges each one to a local TCP
// target, the rudt analogue of kcptun's server/main.go.
package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli"

	"github.com/udprel/rudt"
	"github.com/udprel/rudt/crypt"
	"github.com/udprel/rudt/statslog"
)

func main() {
	app := cli.NewApp()
	app.Name = "rudtd"
	app.Usage = "rudt tunnel server"
	app.Version = "1.0.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "listen,l", Value: ":29900", Usage: "rudt listen address"},
		cli.StringFlag{Name: "target,t", Value: "127.0.0.1:8080", Usage: "TCP target to bridge to"},
		cli.StringFlag{Name: "passphrase", Value: "", Usage: "pre-shared passphrase, empty disables encryption"},
		cli.IntFlag{Name: "mtu", Value: 1500, Usage: "path MTU"},
		cli.StringFlag{Name: "congestion", Value: "live", Usage: "congestion controller: live|file"},
		cli.DurationFlag{Name: "latency", Value: 120 * time.Millisecond, Usage: "TSBPD latency"},
		cli.IntFlag{Name: "backlog", Value: 128, Usage: "listen backlog"},
		cli.StringFlag{Name: "statslog", Value: "", Usage: "CSV stats log path, empty disables"},
		cli.IntFlag{Name: "ttl", Value: 0, Usage: "IP TTL, 0 leaves the OS default"},
		cli.IntFlag{Name: "tos", Value: 0, Usage: "DSCP codepoint (0-63), 0 leaves the OS default"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	if c.Int("mtu") > 1500 {
		color.Yellow("warning: MTU %d exceeds common path MTU 1500, expect fragmentation loss", c.Int("mtu"))
	}
	if c.String("passphrase") == "" {
		color.Yellow("warning: running without a passphrase, traffic is unencrypted")
	}
	if _, err := crypt.NewBlockCrypt(c.String("passphrase"), crypt.AES128); err != nil {
		return err
	}

	rt := rudt.NewRuntime()
	defer rt.Close()

	laddr, err := net.ResolveUDPAddr("udp", c.String("listen"))
	if err != nil {
		return err
	}

	id, err := rt.NewSocket("udp4")
	if err != nil {
		return err
	}
	if err := rt.SetSockOpt(id, rudt.OptMSS, c.Int("mtu")); err != nil {
		return err
	}
	if err := rt.SetSockOpt(id, rudt.OptCongestion, c.String("congestion")); err != nil {
		return err
	}
	if err := rt.SetSockOpt(id, rudt.OptLatency, c.Duration("latency")); err != nil {
		return err
	}
	if err := rt.SetSockOpt(id, rudt.OptPassphrase, c.String("passphrase")); err != nil {
		return err
	}
	if c.IsSet("ttl") {
		if err := rt.SetSockOpt(id, rudt.OptIpTTL, c.Int("ttl")); err != nil {
			return err
		}
	}
	if c.IsSet("tos") {
		if err := rt.SetSockOpt(id, rudt.OptIpToS, c.Int("tos")); err != nil {
			return err
		}
	}
	if err := rt.Bind(id, laddr); err != nil {
		return err
	}
	if err := rt.Listen(id, c.Int("backlog")); err != nil {
		return err
	}

	log.Printf("rudtd listening on %s, bridging to %s", c.String("listen"), c.String("target"))

	for {
		childID, peer, err := rt.Accept(id)
		if err != nil {
			log.Printf("accept error: %v", err)
			continue
		}
		log.Printf("accepted connection from %v", peer)
		go handleClient(rt, childID, c.String("target"), c.String("statslog"))
	}
}

// bstatsSource adapts a live connection's BStats into statslog.Source,
// re-snapshotting from the Runtime on every sampled tick rather than
// reporting one frozen reading, the way kcp-go's SnmpLogger samples its
// package-level counters on every interval instead of once at startup.
type bstatsSource struct {
	rt *rudt.Runtime
	id rudt.SocketID
}

func (s *bstatsSource) Header() []string { return (&rudt.BStats{}).Header() }

func (s *bstatsSource) Values() []uint64 {
	st, err := s.rt.BStats(s.id, false)
	if err != nil {
		return make([]uint64, len((&rudt.BStats{}).Header()))
	}
	return st.Values()
}

func handleClient(rt *rudt.Runtime, id rudt.SocketID, target, statslogPath string) {
	defer rt.CloseSocket(id)

	if statslogPath != "" {
		path := fmt.Sprintf("%s.%d.csv", statslogPath, id)
		w, err := statslog.Start(path, time.Second, &bstatsSource{rt: rt, id: id})
		if err != nil {
			log.Printf("statslog: %v", err)
		} else {
			defer w.Stop()
		}
	}

	conn, err := net.Dial("tcp", target)
	if err != nil {
		log.Printf("dial target %s: %v", target, err)
		return
	}
	defer conn.Close()

	done := make(chan struct{}, 2)
	go func() {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if sendErr := rt.Send(id, append([]byte(nil), buf[:n]...)); sendErr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	go func() {
		defer func() { done <- struct{}{} }()
		for {
			data, err := rt.Recv(id)
			if err != nil {
				return
			}
			if _, werr := conn.Write(data); werr != nil {
				return
			}
		}
	}()
	<-done
}
