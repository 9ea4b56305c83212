// Package netguard decides whether a requested telnet destination may be
// dialed. It enforces a strict port allowlist, validates host syntax, and
// resolves hostnames once so the caller dials the exact address that was
// checked.
package netguard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"

	"github.com/cyberdeck/telbridge/internal/domain"
)

// DefaultAllowedPorts is the standard telnet port plus ports commonly used
// by MUDs and BBSes.
var DefaultAllowedPorts = []int{23, 2323, 3000, 4000, 4001, 4242, 5000, 5555, 6000, 7000, 7777, 8888, 9999}

const (
	defaultResolveTimeout = 5 * time.Second
	maxHostLength         = 253
	maxEchoedHostLength   = 64
)

// Resolver looks up every A and AAAA record for a host. [*net.Resolver]
// satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Config tunes a [Validator].
type Config struct {
	AllowedPorts   []int
	ResolveTimeout time.Duration
}

// Validator classifies host:port pairs as connectable or blocked.
type Validator struct {
	resolver       Resolver
	ports          map[int]struct{}
	resolveTimeout time.Duration
}

// Result is the outcome of a successful validation. Address is the exact
// address the caller must dial; it is never re-resolved.
type Result struct {
	Valid   bool
	Host    string
	Port    int
	Address netip.Addr
}

// AddrPort returns the validated dial target.
func (r Result) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(r.Address, uint16(r.Port))
}

// ValidationError describes why a destination was rejected. Err is one of
// the domain validation sentinels.
type ValidationError struct {
	Host   string
	Port   int
	Detail string
	Err    error
}

func (e *ValidationError) Error() string {
	host := e.Host
	if len(host) > maxEchoedHostLength {
		host = host[:maxEchoedHostLength] + "..."
	}
	target := net.JoinHostPort(host, strconv.Itoa(e.Port))
	if e.Detail != "" {
		return fmt.Sprintf("%v: %s (%s)", e.Err, target, e.Detail)
	}
	return fmt.Sprintf("%v: %s", e.Err, target)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// New returns a Validator using resolver for DNS lookups. A nil resolver
// falls back to [net.DefaultResolver]; an empty port list falls back to
// [DefaultAllowedPorts].
func New(resolver Resolver, cfg Config) *Validator {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	ports := cfg.AllowedPorts
	if len(ports) == 0 {
		ports = DefaultAllowedPorts
	}
	set := make(map[int]struct{}, len(ports))
	for _, p := range ports {
		set[p] = struct{}{}
	}
	timeout := cfg.ResolveTimeout
	if timeout <= 0 {
		timeout = defaultResolveTimeout
	}
	return &Validator{
		resolver:       resolver,
		ports:          set,
		resolveTimeout: timeout,
	}
}

// AllowedPorts returns the sorted port allowlist.
func (v *Validator) AllowedPorts() []int {
	out := make([]int, 0, len(v.ports))
	for p := range v.ports {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Validate checks port, host syntax, literal ranges and every resolved
// address. All failures are terminal.
func (v *Validator) Validate(ctx context.Context, host string, port int) (Result, error) {
	if _, ok := v.ports[port]; !ok {
		return Result{}, &ValidationError{Host: host, Port: port, Err: domain.ErrPortNotAllowed}
	}

	host = NormalizeHost(host)
	literal, isLiteral, err := checkHostSyntax(host)
	if err != nil {
		return Result{}, &ValidationError{Host: host, Port: port, Detail: err.Error(), Err: domain.ErrMalformedHost}
	}

	if isLiteral {
		if IsBlockedAddr(literal) {
			return Result{}, &ValidationError{Host: host, Port: port, Detail: "address literal in a restricted range", Err: domain.ErrBlockedAddressRange}
		}
		return Result{Valid: true, Host: host, Port: port, Address: literal.Unmap()}, nil
	}
	if isBlockedName(host) {
		return Result{}, &ValidationError{Host: host, Port: port, Detail: "local hostname", Err: domain.ErrBlockedAddressRange}
	}

	addrs, err := v.resolve(ctx, host)
	if err != nil {
		return Result{}, &ValidationError{Host: host, Port: port, Detail: err.Error(), Err: domain.ErrResolutionFailed}
	}
	for _, addr := range addrs {
		if IsBlockedAddr(addr) {
			return Result{}, &ValidationError{Host: host, Port: port, Detail: "resolves to a restricted range", Err: domain.ErrBlockedAddressRange}
		}
	}

	return Result{Valid: true, Host: host, Port: port, Address: addrs[0]}, nil
}

func (v *Validator) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, v.resolveTimeout)
	defer cancel()

	raw, err := v.resolver.LookupIPAddr(lookupCtx, host)
	if err != nil {
		return nil, fmt.Errorf("lookup failed: %w", err)
	}
	if len(raw) == 0 {
		return nil, errors.New("no addresses")
	}
	out := make([]netip.Addr, 0, len(raw))
	for _, ip := range raw {
		addr, ok := netip.AddrFromSlice(ip.IP)
		if !ok {
			// An address we cannot classify is treated as blocked.
			out = append(out, netip.Addr{})
			continue
		}
		out = append(out, addr.Unmap())
	}
	return out, nil
}

// NormalizeHost lower-cases host and strips surrounding whitespace, IPv6
// brackets and a trailing dot.
func NormalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}
	return strings.TrimSuffix(host, ".")
}

func checkHostSyntax(host string) (netip.Addr, bool, error) {
	if host == "" {
		return netip.Addr{}, false, errors.New("empty host")
	}
	if len(host) > maxHostLength {
		return netip.Addr{}, false, errors.New("host too long")
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if addr.Zone() != "" {
			return netip.Addr{}, false, errors.New("zoned address")
		}
		return addr, true, nil
	}
	if !govalidator.IsDNSName(host) {
		return netip.Addr{}, false, errors.New("invalid hostname")
	}
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return netip.Addr{}, false, errors.New("hostname must be fully qualified")
	}
	// Shorthand IPv4 forms like 127.1 or 2130706433 are not hostnames.
	if isDigits(labels[len(labels)-1]) {
		return netip.Addr{}, false, errors.New("numeric top-level label")
	}
	return netip.Addr{}, false, nil
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
