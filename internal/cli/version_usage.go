package cli

import (
	"fmt"
	"io"
	"os/exec"

	"github.com/cyberdeck/telbridge/internal/versionutil"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `telbridge - WebSocket to telnet gateway

Lets browser clients reach telnet and MUD servers through a single
WebSocket endpoint, with destination filtering and an audit log.

Usage:
  telbridge [server] [flags]              Start the gateway (default)
  telbridge history [--limit N]           List recent sessions from the audit log
  telbridge blocked [--limit N]           List rejected connect attempts
  telbridge check <host> <port>           Check whether a destination is allowed
  telbridge version                       Print version
  telbridge help                          Show this help

Environment Variables:
  TELBRIDGE_LISTEN            Listen address (default: :8080)
  TELBRIDGE_WS_PATH           WebSocket path (default: /ws/telnet)
  TELBRIDGE_ALLOWED_PORTS     Destination port allowlist (default: common telnet/MUD ports)
  TELBRIDGE_ALLOWED_ORIGINS   Allowed browser origins (default: same host only)
  TELBRIDGE_IDLE_TIMEOUT      Close idle sessions after this long (default: 5m)
  TELBRIDGE_TLS_MODE          TLS mode: off|auto|static (default: off)
  TELBRIDGE_DB_PATH           SQLite audit database path (default: ./telbridge.db)
  TELBRIDGE_LOG_LEVEL         Log level: debug|info|warn|error (default: info)
  TELBRIDGE_LOG_FORMAT        Log format: text|json (default: text)

Run "telbridge server -h" for every server flag. Values in ./.env are
loaded when the variable is not already set.`)
}

// Version is set at build time via -ldflags.
var Version = "dev"

func init() {
	Version = versionutil.Resolve(Version, func() (string, error) {
		out, err := exec.Command("git", "describe", "--tags", "--always").Output()
		return string(out), err
	})
}

func printVersion(w io.Writer) {
	fmt.Fprintln(w, "telbridge", Version)
}
