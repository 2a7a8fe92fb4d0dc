package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/edup2p/gamelink/types"
	"github.com/edup2p/gamelink/types/key"
	"github.com/edup2p/gamelink/types/stun"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ProbeFunc measures the round trip time to a relay server.
type ProbeFunc func(ctx context.Context, server netip.AddrPort) (time.Duration, error)

// LookupFunc resolves a host name to its addresses.
type LookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

// Resolver turns a Region into a relay server endpoint. Create one with NewResolver.
//
// Resolution is memoised: within one Resolver, the same region always resolves to the same endpoint,
// including Auto, whose latency measurement happens only once.
type Resolver struct {
	Regions map[Region]types.RelayInformation
	Order   []Region

	Probe  ProbeFunc
	Lookup LookupFunc

	// ProbeTimeout bounds the latency measurement of every region, for Auto.
	ProbeTimeout time.Duration

	// Logger defaults to slog.Default when nil.
	Logger *slog.Logger

	memo *resolverMemo
}

// resolverMemo is shared between a Resolver and the copies WithLogger makes.
type resolverMemo struct {
	group singleflight.Group

	mu    sync.Mutex
	cache map[Region]netip.AddrPort
}

var defaultResolver = sync.OnceValue(func() *Resolver {
	return NewResolver(DefaultRegions, RegionOrder)
})

// DefaultResolver returns the process-wide resolver over DefaultRegions.
func DefaultResolver() *Resolver {
	return defaultResolver()
}

// NewResolver creates a resolver that probes with STUN and looks up names with the system resolver.
func NewResolver(regions map[Region]types.RelayInformation, order []Region) *Resolver {
	return &Resolver{
		Regions:      regions,
		Order:        order,
		Probe:        STUNProbe,
		Lookup:       systemLookup,
		ProbeTimeout: time.Second,
		memo:         &resolverMemo{cache: make(map[Region]netip.AddrPort)},
	}
}

// WithLogger returns a copy of r that logs to l, sharing r's memoised results.
func (r *Resolver) WithLogger(l *slog.Logger) *Resolver {
	c := *r
	c.Logger = l
	return &c
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func systemLookup(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}

// Resolve returns the relay endpoint for region.
func (r *Resolver) Resolve(ctx context.Context, region Region) (netip.AddrPort, error) {
	if ap, ok := r.cached(region); ok {
		return ap, nil
	}

	v, err, _ := r.memo.group.Do(region.String(), func() (interface{}, error) {
		if ap, ok := r.cached(region); ok {
			return ap, nil
		}

		ap, err := r.resolve(ctx, region)
		if err != nil {
			return nil, err
		}

		r.memo.mu.Lock()
		defer r.memo.mu.Unlock()

		r.memo.cache[region] = ap

		return ap, nil
	})
	if err != nil {
		return netip.AddrPort{}, err
	}

	return v.(netip.AddrPort), nil
}

func (r *Resolver) cached(region Region) (netip.AddrPort, bool) {
	r.memo.mu.Lock()
	defer r.memo.mu.Unlock()

	ap, ok := r.memo.cache[region]
	return ap, ok
}

func (r *Resolver) resolve(ctx context.Context, region Region) (netip.AddrPort, error) {
	if region == Auto {
		return r.resolveAuto(ctx)
	}

	ri, ok := r.Regions[region]
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("%w: no relay server for region %s", ErrConfiguration, region)
	}

	return r.endpoint(ctx, ri)
}

func (r *Resolver) endpoint(ctx context.Context, ri types.RelayInformation) (netip.AddrPort, error) {
	if ri.IPs.Valid && len(ri.IPs.Val) > 0 {
		return netip.AddrPortFrom(ri.IPs.Val[0], ri.PortOrDefault()), nil
	}

	addr, err := r.lookup(ctx, ri.Domain)
	if err != nil {
		return netip.AddrPort{}, err
	}

	return netip.AddrPortFrom(addr, ri.PortOrDefault()), nil
}

func (r *Resolver) lookup(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return types.NormaliseAddr(addr), nil
	}

	addrs, err := r.Lookup(ctx, host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: could not resolve relay host %q: %w", ErrConfiguration, host, err)
	}

	// Prefer IPv4, as that's what the external socket can always reach.
	for _, a := range addrs {
		if a = types.NormaliseAddr(a); a.Is4() {
			return a, nil
		}
	}
	if len(addrs) > 0 {
		return addrs[0], nil
	}

	return netip.Addr{}, fmt.Errorf("%w: relay host %q has no addresses", ErrConfiguration, host)
}

// resolveAuto measures every region concurrently and picks the fastest one.
// If none answers, it falls back to the first region in Order.
func (r *Resolver) resolveAuto(ctx context.Context) (netip.AddrPort, error) {
	if len(r.Order) == 0 {
		return netip.AddrPort{}, fmt.Errorf("%w: no regions to pick from", ErrConfiguration)
	}

	type result struct {
		ap  netip.AddrPort
		rtt time.Duration
		ok  bool
	}

	results := make([]result, len(r.Order))

	g, gctx := errgroup.WithContext(ctx)
	for i, region := range r.Order {
		ri, ok := r.Regions[region]
		if !ok {
			continue
		}

		g.Go(func() error {
			ap, err := r.endpoint(gctx, ri)
			if err != nil {
				r.logger().Debug("auto region: could not resolve", "region", region, "err", err)
				return nil
			}

			pctx, cancel := context.WithTimeout(gctx, r.ProbeTimeout)
			defer cancel()

			rtt, err := r.Probe(pctx, ap)
			if err != nil {
				r.logger().Debug("auto region: probe failed", "region", region, "server", ap, "err", err)
				return nil
			}

			results[i] = result{ap: ap, rtt: rtt, ok: true}
			return nil
		})
	}

	// goroutines never return an error, they only record results
	_ = g.Wait()

	best := -1
	for i, res := range results {
		if res.ok && (best == -1 || res.rtt < results[best].rtt) {
			best = i
		}
	}

	if best != -1 {
		r.logger().Info("auto region picked", "region", r.Order[best], "rtt", results[best].rtt)
		return results[best].ap, nil
	}

	r.logger().Warn("auto region: no region answered, falling back", "region", r.Order[0])

	ri, ok := r.Regions[r.Order[0]]
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("%w: no relay server for region %s", ErrConfiguration, r.Order[0])
	}
	return r.endpoint(ctx, ri)
}

var errProbeMismatch = errors.New("stun probe got a response for another transaction")

// STUNProbe measures the round trip of a STUN binding request to server.
func STUNProbe(ctx context.Context, server netip.AddrPort) (time.Duration, error) {
	var d net.Dialer

	c, err := d.DialContext(ctx, "udp", server.String())
	if err != nil {
		return 0, err
	}
	defer c.Close()

	if dl, ok := ctx.Deadline(); ok {
		if err := c.SetDeadline(dl); err != nil {
			return 0, err
		}
	}

	tx := key.NewTxID()
	start := time.Now()

	if _, err := c.Write(stun.Request(tx)); err != nil {
		return 0, err
	}

	buf := make([]byte, 1500)
	n, err := c.Read(buf)
	if err != nil {
		return 0, err
	}

	gotTx, _, err := stun.ParseResponse(buf[:n])
	if err != nil {
		return 0, err
	}
	if gotTx != tx {
		return 0, errProbeMismatch
	}

	return time.Since(start), nil
}
