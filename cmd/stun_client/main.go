// Command stun_client asks a STUN (or gamelink relay) server for our server-reflexive address.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/edup2p/gamelink/config"
	"github.com/edup2p/gamelink/types"
	"github.com/edup2p/gamelink/types/key"
	"github.com/edup2p/gamelink/types/stun"
)

var (
	attempts = flag.Int("n", 3, "number of requests to send before giving up")
	timeout  = flag.Duration("t", time.Second, "how long to wait for each answer")
	verbose  = flag.Bool("v", false, "log at debug level")
)

func main() {
	flag.Parse()

	level := new(slog.LevelVar)
	if *verbose {
		level.Set(slog.LevelDebug)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if flag.NArg() != 1 {
		slog.Error("usage: stun_client [flags] <host[:port]>")
		os.Exit(2)
	}

	cfg := config.Default()
	cfg.RelayServerAddress = flag.Arg(0)

	server, err := cfg.RelayServer(context.Background(), config.DefaultResolver())
	if err != nil {
		slog.Error("could not resolve server", "err", err)
		os.Exit(1)
	}

	c, err := net.ListenUDP("udp", nil)
	if err != nil {
		slog.Error("could not open socket", "err", err)
		os.Exit(1)
	}
	defer c.Close()

	mapped, from, err := query(c, server)
	if err != nil {
		slog.Error("no answer", "server", server, "err", err)
		os.Exit(1)
	}

	slog.Info("binding",
		"local", types.LocalAddrPort(c),
		"server", server,
		"answered-from", from,
		"mapped", mapped,
	)
}

func query(c *net.UDPConn, server netip.AddrPort) (mapped, from netip.AddrPort, err error) {
	tx := key.NewTxID()
	req := stun.Request(tx)

	buf := make([]byte, 1500)

	for i := 0; i < *attempts; i++ {
		slog.Debug("sending binding request", "server", server, "attempt", i+1, "tx", tx)

		if _, err = c.WriteToUDPAddrPort(req, server); err != nil {
			return
		}

		if err = c.SetReadDeadline(time.Now().Add(*timeout)); err != nil {
			return
		}

		for {
			var n int
			n, from, err = c.ReadFromUDPAddrPort(buf)
			if err != nil {
				break
			}

			var got key.TxID
			got, mapped, err = stun.ParseResponse(buf[:n])
			if err != nil {
				slog.Debug("ignoring packet", "from", from, "err", err)
				continue
			}
			if got != tx {
				slog.Debug("ignoring stale answer", "from", from, "tx", got)
				continue
			}

			return mapped, types.NormaliseAddrPort(from), nil
		}

		var ne net.Error
		if !errors.As(err, &ne) || !ne.Timeout() {
			return
		}
	}

	return netip.AddrPort{}, netip.AddrPort{}, err
}
