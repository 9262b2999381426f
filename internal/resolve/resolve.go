// Package resolve turns target names into IPv4 addresses and hop addresses
// back into names.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"

	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

// ErrNoAddress is returned when a target has no usable IPv4 address.
var ErrNoAddress = errors.New("no IPv4 address for host")

// Lookuper is the subset of *net.Resolver used here.
type Lookuper interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// Resolver performs forward and cached reverse lookups.
type Resolver struct {
	lookup Lookuper

	mu    sync.Mutex
	names map[netip.Addr]string
}

// New creates a Resolver. A nil Lookuper uses net.DefaultResolver.
func New(l Lookuper) *Resolver {
	if l == nil {
		l = net.DefaultResolver
	}
	return &Resolver{
		lookup: l,
		names:  make(map[netip.Addr]string),
	}
}

// LookupIPv4 returns the first IPv4 address of host. IPv4 literals are
// returned as-is. Internationalised names are NFC-normalised and converted
// to their ASCII form before the lookup.
func (r *Resolver) LookupIPv4(ctx context.Context, host string) (netip.Addr, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return netip.Addr{}, fmt.Errorf("%w: empty host", ErrNoAddress)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		if !addr.Is4() {
			return netip.Addr{}, fmt.Errorf("%w: %s is not an IPv4 address", ErrNoAddress, host)
		}
		return addr, nil
	}

	ascii, err := idna.Lookup.ToASCII(norm.NFC.String(host))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %s: %w", ErrNoAddress, host, err)
	}

	addrs, err := r.lookup.LookupNetIP(ctx, "ip4", ascii)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %s: %w", ErrNoAddress, host, err)
	}
	for _, addr := range addrs {
		if addr = addr.Unmap(); addr.Is4() {
			return addr, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("%w: %s", ErrNoAddress, host)
}

// ReverseName returns the first PTR name for addr without the trailing dot,
// or "" when there is none. Results, including failures, are cached.
func (r *Resolver) ReverseName(ctx context.Context, addr netip.Addr) string {
	r.mu.Lock()
	name, ok := r.names[addr]
	r.mu.Unlock()
	if ok {
		return name
	}

	if names, err := r.lookup.LookupAddr(ctx, addr.String()); err == nil && len(names) > 0 {
		name = strings.TrimSuffix(names[0], ".")
		if u, err := idna.Display.ToUnicode(name); err == nil {
			name = u
		}
	}

	r.mu.Lock()
	r.names[addr] = name
	r.mu.Unlock()
	return name
}
