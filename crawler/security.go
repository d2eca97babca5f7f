package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrBlockedURL marks URLs rejected by the security gate.
var ErrBlockedURL = errors.New("crawler: url blocked")

// Resolver resolves hostnames to IPs. Pluggable so tests can inject
// fixed answers without touching DNS.
type Resolver interface {
	LookupIP(ctx context.Context, host string) ([]net.IP, error)
}

type netResolver struct{}

func (netResolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, len(addrs))
	for i, a := range addrs {
		ips[i] = a.IP
	}
	return ips, nil
}

// Gate validates crawl targets before any request is made: HTTPS only,
// GOV.UK hosts only, and DNS answers must be public addresses so a
// poisoned record cannot turn the crawler into an internal proxy.
type Gate struct {
	resolver Resolver
}

// NewGate builds a gate with the system resolver.
func NewGate() *Gate {
	return &Gate{resolver: netResolver{}}
}

// NewGateWithResolver builds a gate with a custom resolver.
func NewGateWithResolver(r Resolver) *Gate {
	return &Gate{resolver: r}
}

// Check returns nil when the URL is safe to fetch.
func (g *Gate) Check(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: unparseable url %q", ErrBlockedURL, raw)
	}

	if u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q (https only)", ErrBlockedURL, u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host != "gov.uk" && !strings.HasSuffix(host, ".gov.uk") {
		return fmt.Errorf("%w: host %q outside gov.uk", ErrBlockedURL, host)
	}

	// Literal IPs never pass: the allow-list is name-based.
	if net.ParseIP(host) != nil {
		return fmt.Errorf("%w: literal ip %q", ErrBlockedURL, host)
	}

	ips, err := g.resolver.LookupIP(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: resolving %q: %v", ErrBlockedURL, host, err)
	}
	if len(ips) == 0 {
		return fmt.Errorf("%w: %q resolved to nothing", ErrBlockedURL, host)
	}
	for _, ip := range ips {
		if !publicIP(ip) {
			return fmt.Errorf("%w: %q resolves to non-public address %s", ErrBlockedURL, host, ip)
		}
	}
	return nil
}

// publicIP rejects loopback, private, link-local and unspecified ranges.
func publicIP(ip net.IP) bool {
	return !(ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() ||
		ip.IsMulticast())
}
