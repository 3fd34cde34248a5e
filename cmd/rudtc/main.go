// Command rudtc is a demo tunnel client: it listens on a local TCP port
// and bridges each accepted connection through one rudt connection to a
// rudtd server, the rudt analogue of kcptun's client/main.go.
package main

import (
	"io"
	"log"
	"net"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/golang/snappy"
	"github.com/urfave/cli"

	"github.com/udprel/rudt"
)

func main() {
	app := cli.NewApp()
	app.Name = "rudtc"
	app.Usage = "rudt tunnel client"
	app.Version = "1.0.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "local,l", Value: "127.0.0.1:12948", Usage: "local TCP listen address"},
		cli.StringFlag{Name: "remote,r", Value: "127.0.0.1:29900", Usage: "rudtd server address"},
		cli.StringFlag{Name: "passphrase", Value: "", Usage: "pre-shared passphrase, must match the server"},
		cli.IntFlag{Name: "mtu", Value: 1500, Usage: "path MTU"},
		cli.StringFlag{Name: "congestion", Value: "live", Usage: "congestion controller: live|file"},
		cli.DurationFlag{Name: "latency", Value: 120 * time.Millisecond, Usage: "TSBPD latency"},
		cli.BoolFlag{Name: "compress", Usage: "snappy-compress the bridged TCP stream before sending"},
		cli.IntFlag{Name: "ttl", Value: 0, Usage: "IP TTL, 0 leaves the OS default"},
		cli.IntFlag{Name: "tos", Value: 0, Usage: "DSCP codepoint (0-63), 0 leaves the OS default"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	if c.String("passphrase") == "" {
		color.Yellow("warning: running without a passphrase, traffic is unencrypted")
	}

	raddr, err := net.ResolveUDPAddr("udp", c.String("remote"))
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", c.String("local"))
	if err != nil {
		return err
	}
	defer ln.Close()

	log.Printf("rudtc listening on %s, forwarding to %s", c.String("local"), c.String("remote"))

	rt := rudt.NewRuntime()
	defer rt.Close()

	for {
		tcpConn, err := ln.Accept()
		if err != nil {
			log.Printf("accept error: %v", err)
			continue
		}
		go handleConn(rt, tcpConn, raddr, c)
	}
}

func handleConn(rt *rudt.Runtime, tcpConn net.Conn, raddr *net.UDPAddr, c *cli.Context) {
	defer tcpConn.Close()

	id, err := rt.NewSocket("udp4")
	if err != nil {
		log.Printf("new socket: %v", err)
		return
	}
	defer rt.CloseSocket(id)

	if err := rt.SetSockOpt(id, rudt.OptMSS, c.Int("mtu")); err != nil {
		log.Printf("setsockopt MSS: %v", err)
		return
	}
	if err := rt.SetSockOpt(id, rudt.OptCongestion, c.String("congestion")); err != nil {
		log.Printf("setsockopt CONGESTION: %v", err)
		return
	}
	if err := rt.SetSockOpt(id, rudt.OptLatency, c.Duration("latency")); err != nil {
		log.Printf("setsockopt LATENCY: %v", err)
		return
	}
	if err := rt.SetSockOpt(id, rudt.OptPassphrase, c.String("passphrase")); err != nil {
		log.Printf("setsockopt PASSPHRASE: %v", err)
		return
	}
	if c.IsSet("ttl") {
		if err := rt.SetSockOpt(id, rudt.OptIpTTL, c.Int("ttl")); err != nil {
			log.Printf("setsockopt IPTTL: %v", err)
			return
		}
	}
	if c.IsSet("tos") {
		if err := rt.SetSockOpt(id, rudt.OptIpToS, c.Int("tos")); err != nil {
			log.Printf("setsockopt IPTOS: %v", err)
			return
		}
	}
	if err := rt.Connect(id, raddr); err != nil {
		log.Printf("connect: %v", err)
		return
	}

	var tcpReader io.Reader = tcpConn
	var tcpWriter io.Writer = tcpConn
	if c.Bool("compress") {
		sw := snappy.NewBufferedWriter(tcpConn)
		defer sw.Close()
		tcpWriter = sw
		tcpReader = snappy.NewReader(tcpConn)
	}

	done := make(chan struct{}, 2)
	go func() {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, 4096)
		for {
			n, err := tcpReader.Read(buf)
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
			if _, werr := tcpWriter.Write(data); werr != nil {
				return
			}
		}
	}()
	<-done
}
