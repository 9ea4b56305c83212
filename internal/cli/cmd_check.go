package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cyberdeck/telbridge/internal/config"
	"github.com/cyberdeck/telbridge/internal/domain"
	"github.com/cyberdeck/telbridge/internal/netguard"
)

// runCheck reports whether the gateway would accept host and port, using
// the system resolver.
func runCheck(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return runCheckWithResolver(ctx, args, net.DefaultResolver, stdout, stderr)
}

func runCheckWithResolver(ctx context.Context, args []string, resolver netguard.Resolver, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var ports string
	var timeout time.Duration
	fs.StringVar(&ports, "allowed-ports", envOr("TELBRIDGE_ALLOWED_PORTS", ""), "comma-separated port allowlist")
	fs.DurationVar(&timeout, "resolve-timeout", 5*time.Second, "DNS resolution timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(stderr, "usage: telbridge check [flags] <host> <port>")
		return 2
	}
	port, err := strconv.Atoi(fs.Arg(1))
	if err != nil {
		fmt.Fprintln(stderr, "invalid port:", fs.Arg(1))
		return 2
	}
	allowed, err := config.ParsePortList(ports)
	if err != nil {
		fmt.Fprintln(stderr, "invalid allowed ports:", err)
		return 2
	}

	v := netguard.New(resolver, netguard.Config{AllowedPorts: allowed, ResolveTimeout: timeout})
	res, err := v.Validate(ctx, fs.Arg(0), port)
	if err != nil {
		if !domain.IsValidationError(err) {
			fmt.Fprintln(stderr, "check failed:", err)
			return 2
		}
		fmt.Fprintf(stdout, "blocked\t%s\t%s\n", domain.CodeForError(err), err)
		if errors.Is(err, domain.ErrPortNotAllowed) {
			fmt.Fprintf(stderr, "allowed ports: %s\n", formatPorts(v.AllowedPorts()))
		}
		return 1
	}
	fmt.Fprintf(stdout, "allowed\t%s:%d\t%s\n", res.Host, res.Port, res.AddrPort())
	return 0
}

func formatPorts(ports []int) string {
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}
