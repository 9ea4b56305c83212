package netguard

import (
	"net/netip"
	"strings"
)

// blockedPrefixes lists every range a destination address must not fall
// into. IPv4-mapped IPv6 addresses are unmapped before matching.
var blockedPrefixes = mustPrefixes(
	"0.0.0.0/8",      // "this" network
	"10.0.0.0/8",     // RFC 1918
	"100.64.0.0/10",  // carrier-grade NAT
	"127.0.0.0/8",    // loopback
	"169.254.0.0/16", // link-local, cloud metadata
	"172.16.0.0/12",  // RFC 1918
	"192.0.0.0/24",   // IETF protocol assignments
	"192.168.0.0/16", // RFC 1918
	"198.18.0.0/15",  // benchmarking
	"224.0.0.0/4",    // multicast
	"240.0.0.0/4",    // reserved, broadcast
	"::/128",         // unspecified
	"::1/128",        // loopback
	"fc00::/7",       // unique local, includes fd00::/8
	"fe80::/10",      // link-local
	"ff00::/8",       // multicast
)

func mustPrefixes(raw ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(raw))
	for _, r := range raw {
		out = append(out, netip.MustParsePrefix(r))
	}
	return out
}

// IsBlockedAddr reports whether addr lies in a loopback, private,
// link-local, multicast or reserved range.
func IsBlockedAddr(addr netip.Addr) bool {
	if !addr.IsValid() {
		return true
	}
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsMulticast() || addr.IsUnspecified() {
		return true
	}
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// isBlockedName rejects names that always point back at the local host
// regardless of what a resolver says about them.
func isBlockedName(host string) bool {
	return host == "localhost" || strings.HasSuffix(host, ".localhost")
}
