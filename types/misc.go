package types

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
)

// Dedup removes duplicate entries from s, keeping the first occurrence and the original order.
func Dedup[T comparable](s []T) []T {
	seen := make(map[T]struct{}, len(s))
	out := make([]T, 0, len(s))

	for _, x := range s {
		if _, ok := seen[x]; ok {
			continue
		}
		seen[x] = struct{}{}
		out = append(out, x)
	}

	return out
}

// IsContextDone does a quick check on a context to see if its dead.
func IsContextDone(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// LevelTrace is used for per-packet logging, below debug.
const LevelTrace slog.Level = -8

func NormaliseAddrPort(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(NormaliseAddr(ap.Addr()), ap.Port())
}

func NormaliseAddr(addr netip.Addr) netip.Addr {
	if addr.Is4In6() {
		addr = netip.AddrFrom4(addr.As4())
	}

	return addr
}

// PrettyAddrPortSlice renders a list of addrports as a single compact string for logging.
func PrettyAddrPortSlice(s []netip.AddrPort) string {
	return fmt.Sprintf("[%s]", strings.Join(Map(s, netip.AddrPort.String), ", "))
}

// Map applies f to every element of ts.
func Map[T, U any](ts []T, f func(T) U) []U {
	us := make([]U, len(ts))
	for i := range ts {
		us[i] = f(ts[i])
	}
	return us
}
