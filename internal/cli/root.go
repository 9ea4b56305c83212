package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// Run is the main CLI entry point. It parses args and dispatches to the
// appropriate subcommand, returning a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return run(ctx, args, os.Stdout, os.Stderr)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		return runServer(ctx, nil, stderr)
	}

	switch args[0] {
	case "server":
		return runServer(ctx, args[1:], stderr)
	case "history":
		return runHistory(ctx, args[1:], stdout, stderr)
	case "blocked":
		return runBlocked(ctx, args[1:], stdout, stderr)
	case "check":
		return runCheck(ctx, args[1:], stdout, stderr)
	case "version", "--version", "-v":
		printVersion(stdout)
		return 0
	case "-h", "--help", "help":
		printUsage(stdout)
		return 0
	default:
		// Bare flags run the server: `telbridge --listen :9000`.
		if len(args[0]) > 0 && args[0][0] == '-' {
			return runServer(ctx, args, stderr)
		}
		printUsage(stderr)
		return 2
	}
}
