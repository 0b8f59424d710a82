package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/rs/dnscache"
)

var (
	// ErrNoAddresses is returned when a host resolves to no usable address.
	ErrNoAddresses = errors.New("no addresses for host")

	// ErrBlockedAddress is returned when every resolved address is rejected
	// by the transport's address filter.
	ErrBlockedAddress = errors.New("address not allowed")
)

// TransportOption configures NewTransport.
type TransportOption func(*transportOptions)

type transportOptions struct {
	allow func(netip.Addr) bool
}

// WithAddressFilter restricts dials to addresses for which allow returns
// true. Proxies from the environment are ignored when a filter is set.
func WithAddressFilter(allow func(netip.Addr) bool) TransportOption {
	return func(o *transportOptions) {
		o.allow = allow
	}
}

// cgnat is the shared address space of RFC 6598.
var cgnat = netip.MustParsePrefix("100.64.0.0/10")

// PublicAddress reports whether addr is a globally routable unicast address.
func PublicAddress(addr netip.Addr) bool {
	addr = addr.Unmap()
	switch {
	case !addr.IsValid(),
		addr.IsUnspecified(),
		addr.IsLoopback(),
		addr.IsPrivate(),
		addr.IsLinkLocalUnicast(),
		addr.IsLinkLocalMulticast(),
		addr.IsInterfaceLocalMulticast(),
		addr.IsMulticast(),
		cgnat.Contains(addr):
		return false
	}
	return true
}

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching.
func NewTransport(resolver *dnscache.Resolver, opts ...TransportOption) *http.Transport {
	var o transportOptions
	for _, opt := range opts {
		opt(&o)
	}

	t := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if o.allow != nil {
		t.Proxy = nil
	}
	if resolver == nil && o.allow == nil {
		return t
	}

	lookup := net.DefaultResolver.LookupHost
	if resolver != nil {
		lookup = resolver.LookupHost
	}
	var d net.Dialer
	t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := lookup(ctx, host)
		if err != nil {
			return nil, err
		}
		if o.allow != nil {
			if ips = filterAddresses(ips, o.allow); len(ips) == 0 {
				return nil, fmt.Errorf("%w: %s", ErrBlockedAddress, host)
			}
		}
		return dialAny(ctx, d.DialContext, network, host, port, ips)
	}
	return t
}

func filterAddresses(ips []string, allow func(netip.Addr) bool) []string {
	var out []string
	for _, ip := range ips {
		addr, err := netip.ParseAddr(ip)
		if err == nil && allow(addr) {
			out = append(out, ip)
		}
	}
	return out
}

// dialAny dials ips in order and returns the first connection that succeeds.
func dialAny(ctx context.Context, dial func(context.Context, string, string) (net.Conn, error), network, host, port string, ips []string) (net.Conn, error) {
	if len(ips) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoAddresses, host)
	}
	var errs []error
	for _, ip := range ips {
		conn, err := dial(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

// RefreshDNS refreshes resolver every interval until ctx is done, dropping
// hosts that were not looked up since the previous refresh.
func RefreshDNS(ctx context.Context, resolver *dnscache.Resolver, interval time.Duration) {
	if resolver == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resolver.Refresh(true)
		}
	}
}
