// Command relay_server runs a gamelink relay, answering binding requests and relaying for authenticated peers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/edup2p/gamelink/server/relay"
	"github.com/edup2p/gamelink/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	dev         = flag.Bool("dev", false, "run in localhost development mode, with debug logging and without authentication (overrides -a and -users)")
	addr        = flag.String("a", fmt.Sprintf(":%d", types.DefaultRelayPort), "UDP listen address, as \":port\", \"ip:port\", or \"[ip]:port\"")
	usersPath   = flag.String("users", "", "TOML file with a [users] table of username = \"password\"")
	realm       = flag.String("realm", relay.DefaultRealm, "authentication realm")
	maxAllocs   = flag.Int("max-allocs", relay.DefaultMaxAllocs, "maximum number of live allocations")
	lifetime    = flag.Duration("lifetime", relay.DefaultLifetime, "maximum allocation lifetime a client can be granted")
	relayIP     = flag.String("relay-ip", "", "address to bind relayed sockets on, defaults to the listen address")
	publicIP    = flag.String("public-ip", "", "address to advertise for relayed sockets, when behind a 1:1 NAT")
	metricsAddr = flag.String("metrics", "", "HTTP address to serve prometheus metrics on, disabled when empty")
	logLevel    = flag.String("log-level", "info", "one of trace, debug, info, warn, error")
)

type usersFile struct {
	Users map[string]string `toml:"users"`
}

func main() {
	flag.Parse()

	level := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := setLevel(level, *logLevel); err != nil {
		fatal("bad log level", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *dev {
		*addr = fmt.Sprintf("127.0.0.1:%d", types.DefaultRelayPort)
		*usersPath = ""
		level.Set(slog.LevelDebug)
		slog.Info("running in dev mode")
	}

	cfg, err := serverConfig()
	if err != nil {
		fatal("invalid configuration", err)
	}

	if len(cfg.Users) == 0 {
		slog.Warn("no users configured, accepting any credentials")
	}

	listen, err := netip.ParseAddrPort(normaliseListen(*addr))
	if err != nil {
		fatal("invalid listen address", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	cfg.Registerer = reg

	srv, err := relay.Listen(listen, cfg)
	if err != nil {
		fatal("could not listen", err)
	}

	if *metricsAddr != "" {
		go serveMetrics(ctx, *metricsAddr, reg)
	}

	slog.Info("relay: serving", "addr", srv.LocalAddr(), "realm", cfg.Realm)

	err = srv.Serve(ctx)
	if cerr := srv.Close(); cerr != nil {
		slog.Warn("error while closing", "err", cerr)
	}

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, relay.ErrServerClosed) {
		fatal("relay stopped", err)
	}

	slog.Info("relay: stopped")
}

func serverConfig() (relay.Config, error) {
	cfg := relay.Config{
		Realm:          *realm,
		MaxAllocations: *maxAllocs,
		MaxLifetime:    *lifetime,
	}

	if *usersPath != "" {
		var uf usersFile
		if _, err := toml.DecodeFile(*usersPath, &uf); err != nil {
			return cfg, fmt.Errorf("users file: %w", err)
		}
		cfg.Users = uf.Users
	}

	var err error

	if *relayIP != "" {
		if cfg.RelayIP, err = netip.ParseAddr(*relayIP); err != nil {
			return cfg, fmt.Errorf("relay-ip: %w", err)
		}
	}

	if *publicIP != "" {
		if cfg.PublicIP, err = netip.ParseAddr(*publicIP); err != nil {
			return cfg, fmt.Errorf("public-ip: %w", err)
		}
	}

	return cfg, nil
}

// normaliseListen fills in the unspecified address for ":port".
func normaliseListen(a string) string {
	if len(a) > 0 && a[0] == ':' {
		return "0.0.0.0" + a
	}
	return a
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	httpsrv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ErrorLog:     slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = httpsrv.Shutdown(context.WithoutCancel(ctx))
	}()

	slog.Info("metrics: serving", "addr", addr)

	if err := httpsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics: stopped", "err", err)
	}
}

func setLevel(level *slog.LevelVar, s string) error {
	if s == "trace" {
		level.Set(types.LevelTrace)
		return nil
	}

	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return err
	}
	level.Set(l)
	return nil
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
