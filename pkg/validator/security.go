package validator

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
)

// BlockedNetworks contains address ranges a source URI may never resolve to
var BlockedNetworks = []string{
	"0.0.0.0/8",      // This network
	"127.0.0.0/8",    // Localhost
	"10.0.0.0/8",     // Private network
	"172.16.0.0/12",  // Private network
	"192.168.0.0/16", // Private network
	"100.64.0.0/10",  // Carrier-grade NAT
	"169.254.0.0/16", // Link-local (cloud metadata service)
	"::1/128",        // IPv6 localhost
	"fc00::/7",       // IPv6 unique local
	"fe80::/10",      // IPv6 link-local
}

var blockedPrefixes = mustPrefixes(BlockedNetworks)

func mustPrefixes(cidrs []string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, cidr := range cidrs {
		out = append(out, netip.MustParsePrefix(cidr))
	}
	return out
}

// Resolver looks up the addresses of a host.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// IsBlockedIP checks if an IP address is in a blocked network range
func IsBlockedIP(ipStr string) bool {
	addr, err := netip.ParseAddr(ipStr)
	if err != nil {
		return false
	}
	return blockReason(addr) != ""
}

func blockReason(addr netip.Addr) string {
	addr = addr.Unmap()
	for _, prefix := range blockedPrefixes {
		if !prefix.Contains(addr) {
			continue
		}
		switch {
		case addr.IsLoopback() || addr.IsUnspecified() || prefix.Addr().IsUnspecified():
			return "localhost access not allowed"
		case addr.IsLinkLocalUnicast():
			return "link-local access not allowed"
		default:
			return "private network access not allowed"
		}
	}
	return ""
}

// ValidateHTTPURI rejects http(s) URIs whose host resolves to a blocked
// network, so source downloads cannot reach internal services.
func ValidateHTTPURI(ctx context.Context, r Resolver, uri string) error {
	parsed, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("invalid URI: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("expected http or https scheme")
	}

	hostname := parsed.Hostname()
	if hostname == "" {
		return fmt.Errorf("URI has no host")
	}

	var addrs []netip.Addr
	if addr, err := netip.ParseAddr(hostname); err == nil {
		addrs = []netip.Addr{addr}
	} else {
		if r == nil {
			r = net.DefaultResolver
		}
		addrs, err = r.LookupNetIP(ctx, "ip", hostname)
		if err != nil {
			return fmt.Errorf("failed to resolve hostname: %w", err)
		}
	}

	for _, addr := range addrs {
		if reason := blockReason(addr); reason != "" {
			return fmt.Errorf("access denied: %s resolves to %s (%s)", hostname, addr, reason)
		}
	}
	return nil
}
