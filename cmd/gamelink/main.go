// Command gamelink is an interactive shell around a single peer, for hosting and joining game sessions by hand.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/abiosoft/ishell/v2"
	"github.com/edup2p/gamelink/config"
	"github.com/edup2p/gamelink/peer"
	"github.com/edup2p/gamelink/types"
	"github.com/edup2p/gamelink/types/key"
)

const updateInterval = 10 * time.Millisecond

var (
	programLevel = new(slog.LevelVar) // Info by default

	cfg = config.Default()

	// mu guards p, the ticker and every call into p.
	mu     sync.Mutex
	p      *peer.Peer
	cancel context.CancelFunc
	ticker sync.WaitGroup
)

func main() {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: programLevel})
	slog.SetDefault(slog.New(h))

	shell := ishell.New()
	shell.SetHomeHistoryPath(".gamelink_history")
	shell.Println("gamelink interactive shell")

	shell.AddCmd(&ishell.Cmd{
		Name: "trace",
		Help: "set log level to trace",
		Func: func(c *ishell.Context) {
			programLevel.Set(types.LevelTrace)
		},
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "debug",
		Help: "set log level to debug",
		Func: func(c *ishell.Context) {
			programLevel.Set(slog.LevelDebug)
		},
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "info",
		Help: "set log level to info",
		Func: func(c *ishell.Context) {
			programLevel.Set(slog.LevelInfo)
		},
	})

	shell.AddCmd(configCmd())
	shell.AddCmd(startCmd(shell))
	shell.AddCmd(stopCmd())
	shell.AddCmd(hostCmd(shell))
	shell.AddCmd(joinCmd(shell))
	shell.AddCmd(endCmd())
	shell.AddCmd(cleanupCmd())
	shell.AddCmd(statusCmd())

	shell.Run()

	mu.Lock()
	defer mu.Unlock()
	stopPeer()
}

func argOrLine(c *ishell.Context, prompt string) string {
	if len(c.Args) > 0 {
		return c.Args[0]
	}
	c.Println(prompt)
	return c.ReadLine()
}

func parseBool(s string) (bool, error) {
	switch s {
	case "on", "yes":
		return true, nil
	case "off", "no":
		return false, nil
	}
	return strconv.ParseBool(s)
}

// Config commands, these only take effect on the next start
func configCmd() *ishell.Cmd {
	c := &ishell.Cmd{
		Name: "config",
		Help: "session config, used by the next start",
		Func: func(c *ishell.Context) {
			c.Println("relay server:", cfg.RelayServerAddress, "region:", cfg.Region)
			c.Println("game id:", config.EncodeGameID(cfg.Credentials))
			c.Println("relay only:", cfg.ForceRelayOnly, "ipv6:", cfg.EnableIPv6, "simple gathering:", cfg.UseSimpleAddressGathering)
			c.Println("request timeout:", cfg.RequestTimeout, "relay lifetime:", cfg.RelayLifetime)
		},
	}

	c.AddCmd(&ishell.Cmd{
		Name: "load",
		Help: "load a toml config file",
		Func: func(c *ishell.Context) {
			loaded, err := config.Load(argOrLine(c, "enter the config path"))
			if err != nil {
				c.Err(err)
				return
			}
			cfg = loaded
			c.Println("loaded")
		},
	})

	c.AddCmd(&ishell.Cmd{
		Name: "relay",
		Help: "set the relay server, as host or host:port",
		Func: func(c *ishell.Context) {
			cfg.RelayServerAddress = argOrLine(c, "enter the relay server")
		},
	})

	c.AddCmd(&ishell.Cmd{
		Name: "region",
		Help: "set the relay region",
		Func: func(c *ishell.Context) {
			r, err := config.ParseRegion(argOrLine(c, "enter the region"))
			if err != nil {
				c.Err(err)
				return
			}
			cfg.Region = r
		},
	})

	c.AddCmd(&ishell.Cmd{
		Name: "game",
		Help: "set the game id the relay credentials are taken from",
		Func: func(c *ishell.Context) {
			creds, err := config.ParseGameID(argOrLine(c, "enter the game id"))
			if err != nil {
				slog.Warn("ignoring game id, the relay will reject empty credentials", "err", err)
			}
			cfg.Credentials = creds
		},
	})

	for name, field := range map[string]*bool{
		"relayonly": &cfg.ForceRelayOnly,
		"ipv6":      &cfg.EnableIPv6,
		"simple":    &cfg.UseSimpleAddressGathering,
	} {
		c.AddCmd(&ishell.Cmd{
			Name: name,
			Help: "set " + name + " on or off",
			Func: func(c *ishell.Context) {
				v, err := parseBool(argOrLine(c, "on or off?"))
				if err != nil {
					c.Err(err)
					return
				}
				*field = v
			},
		})
	}

	return c
}

func startCmd(shell *ishell.Shell) *ishell.Cmd {
	return &ishell.Cmd{
		Name: "start",
		Help: "create the peer from the current config",
		Func: func(c *ishell.Context) {
			mu.Lock()
			defer mu.Unlock()

			if p != nil {
				c.Err(errors.New("already started"))
				return
			}

			sc := cfg

			var np *peer.Peer
			sc.OnFatalError = stopOnFatal(shell.Println, func() *peer.Peer { return np })
			sc.OnOfferFailed = func() {
				shell.Println("punchthrough failed, using the relay")
			}

			var err error
			np, err = peer.New(context.Background(), sc, peer.Options{})
			if err != nil {
				c.Err(err)
				return
			}
			p = np

			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())

			ticker.Add(1)
			go runTicker(ctx)

			c.Println("started on", p.LocalAddr(), "relay", p.RelayServer())
		},
	}
}

// stopOnFatal reports a fatal error and stops the peer that current returns, if it is still the running one.
func stopOnFatal(println func(a ...interface{}), current func() *peer.Peer) func(msg string) {
	return func(msg string) {
		println("FATAL:", msg)

		// callbacks run under mu, stop once the current call returns
		go func() {
			mu.Lock()
			defer mu.Unlock()

			if p != nil && p == current() {
				stopPeer()
				println("peer stopped")
			}
		}()
	}
}

func runTicker(ctx context.Context) {
	defer ticker.Done()

	t := time.NewTicker(updateInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			mu.Lock()
			if p != nil {
				p.Update()
			}
			mu.Unlock()
		}
	}
}

// stopPeer must be called with mu held.
func stopPeer() {
	if p == nil {
		return
	}

	cancel()
	mu.Unlock()
	ticker.Wait()
	mu.Lock()

	if err := p.Dispose(); err != nil {
		slog.Warn("error while disposing", "err", err)
	}
	p = nil
}

func stopCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "stop",
		Help: "dispose of the peer",
		Func: func(c *ishell.Context) {
			mu.Lock()
			defer mu.Unlock()

			stopPeer()
		},
	}
}

// withPeer runs f with the started peer, under mu.
func withPeer(c *ishell.Context, f func(p *peer.Peer)) {
	mu.Lock()
	defer mu.Unlock()

	if p == nil {
		c.Err(errors.New("not started"))
		return
	}

	f(p)
}

func hostCmd(shell *ishell.Shell) *ishell.Cmd {
	return &ishell.Cmd{
		Name: "host",
		Help: "host the game server on the given local port: <port>",
		Func: func(c *ishell.Context) {
			port, err := strconv.ParseUint(argOrLine(c, "enter the game server port"), 10, 16)
			if err != nil {
				c.Err(err)
				return
			}

			withPeer(c, func(p *peer.Peer) {
				p.InitializeHosting(uint16(port), func(addr string, port uint16) {
					shell.Printf("hosting, share %s with players\n", netip.AddrPortFrom(netip.MustParseAddr(addr), port))
				})
			})
		},
	}
}

func joinCmd(shell *ishell.Shell) *ishell.Cmd {
	return &ishell.Cmd{
		Name: "join",
		Help: "join a host: <ip:port>",
		Func: func(c *ishell.Context) {
			remote, err := netip.ParseAddrPort(argOrLine(c, "enter the host endpoint"))
			if err != nil {
				c.Err(err)
				return
			}

			withPeer(c, func(p *peer.Peer) {
				p.InitializeClient(remote, func(v4, v6 netip.AddrPort) {
					if v6.IsValid() {
						shell.Printf("joined %s, point the game at %s or %s\n", remote, v4, v6)
					} else {
						shell.Printf("joined %s, point the game at %s\n", remote, v4)
					}
				})
			})
		},
	}
}

func endCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "end",
		Help: "end a session: <ip:port> or <session:hex>",
		Func: func(c *ishell.Context) {
			arg := argOrLine(c, "enter the remote endpoint or session id")

			if strings.HasPrefix(arg, "session:") {
				id, err := key.UnmarshalSessionID(arg)
				if err != nil {
					c.Err(err)
					return
				}

				withPeer(c, func(p *peer.Peer) {
					p.EndSessionByID(*id)
				})
				return
			}

			remote, err := netip.ParseAddrPort(arg)
			if err != nil {
				c.Err(err)
				return
			}

			withPeer(c, func(p *peer.Peer) {
				p.EndSession(remote)
			})
		},
	}
}

func cleanupCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "cleanup",
		Help: "end every session and stop hosting, keeping the peer",
		Func: func(c *ishell.Context) {
			withPeer(c, func(p *peer.Peer) {
				p.CleanUpEverything()
			})
		},
	}
}

func statusCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "status",
		Help: "show sessions",
		Func: func(c *ishell.Context) {
			withPeer(c, func(p *peer.Peer) {
				c.Println("local:", p.LocalAddr(), "relay:", p.RelayServer(), "latest:", p.LatestConnectionType())

				for _, s := range p.Sessions() {
					role := "client"
					if s.Hosting {
						role = "host"
					}

					line := fmt.Sprintf("%s %s remote=%s phase=%s", s.ID, role, s.Remote, s.Phase)
					if s.Route.IsValid() {
						line += fmt.Sprintf(" route=%s relayed=%t type=%s", s.Route, s.Relayed, s.Type)
					}
					if s.BridgeV4.IsValid() {
						line += fmt.Sprintf(" bridge=%s", s.BridgeV4)
					}
					if s.BridgeV6.Valid {
						line += fmt.Sprintf(" bridge6=%s", s.BridgeV6.Val)
					}

					c.Println(line)
				}
			})
		},
	}
}
