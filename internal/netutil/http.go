// Package netutil provides shared HTTP/network normalization helpers.
package netutil

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// NormalizeHost lower-cases and strips ports/trailing dots from host values.
func NormalizeHost(raw string) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	if host == "" {
		return ""
	}

	if h, p, err := net.SplitHostPort(host); err == nil && p != "" {
		host = h
	} else if strings.Count(host, ":") == 1 {
		left, right, ok := strings.Cut(host, ":")
		if ok && isDigits(right) {
			host = left
		}
	}

	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.TrimSuffix(host, ".")
}

// ClientIP returns the IP part of r.RemoteAddr, or the raw value when it
// has no port.
func ClientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if h, _, err := net.SplitHostPort(addr); err == nil {
		return h
	}
	return addr
}

// OriginAllowed reports whether a browser Origin header may open a
// WebSocket. Requests without an Origin are not from a browser and are
// accepted. With an empty allowlist only the request's own host is
// accepted; "*" in the allowlist accepts everything.
func OriginAllowed(origin, requestHost string, allowed []string) bool {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return true
	}
	if len(allowed) > 0 {
		want := strings.TrimSuffix(strings.ToLower(origin), "/")
		for _, a := range allowed {
			a = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(a)), "/")
			if a == "*" || a == want {
				return true
			}
		}
		return false
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return strings.EqualFold(u.Host, strings.TrimSpace(requestHost))
}

func isDigits(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
