package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	humanize "github.com/dustin/go-humanize"

	"github.com/cyberdeck/telbridge/internal/domain"
	"github.com/cyberdeck/telbridge/internal/store/sqlite"
)

func runHistory(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var dbPath string
	var limit int
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	fs.IntVar(&limit, "limit", 50, "number of sessions to show")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, code := openSQLiteStoreOrExit(dbPath, stderr)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	sessions, err := store.ListRecentSessions(ctx, limit)
	if err != nil {
		fmt.Fprintln(stderr, "list sessions:", err)
		return 1
	}
	writeSessionTable(stdout, sessions, time.Now())
	return 0
}

func writeSessionTable(w io.Writer, sessions []domain.SessionRecord, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDESTINATION\tCLIENT\tSTATE\tREASON\tRECEIVED\tSENT\tSTARTED\tDURATION")
	for _, s := range sessions {
		reason := string(s.CloseReason)
		if reason == "" {
			reason = "-"
		}
		end := now
		if s.ClosedAt != nil {
			end = *s.ClosedAt
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID,
			s.Host+":"+strconv.Itoa(s.Port),
			s.RemoteAddr,
			s.State,
			reason,
			humanize.Bytes(s.BytesReceived),
			humanize.Bytes(s.BytesSent),
			humanize.RelTime(s.CreatedAt, now, "ago", "from now"),
			humanize.RelTime(s.CreatedAt, end, "", ""),
		)
	}
	_ = tw.Flush()
}

func runBlocked(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("blocked", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var dbPath string
	var limit int
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	fs.IntVar(&limit, "limit", 50, "number of attempts to show")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, code := openSQLiteStoreOrExit(dbPath, stderr)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	attempts, err := store.ListBlockedAttempts(ctx, limit)
	if err != nil {
		fmt.Fprintln(stderr, "list blocked attempts:", err)
		return 1
	}
	writeBlockedTable(stdout, attempts, time.Now())
	return 0
}

func writeBlockedTable(w io.Writer, attempts []domain.BlockedAttempt, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tCLIENT\tDESTINATION\tREASON")
	for _, a := range attempts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			humanize.RelTime(a.CreatedAt, now, "ago", "from now"),
			a.RemoteAddr,
			a.Host+":"+strconv.Itoa(a.Port),
			a.Reason,
		)
	}
	_ = tw.Flush()
}

func defaultDBPath() string {
	return envOr("TELBRIDGE_DB_PATH", "./telbridge.db")
}

func openSQLiteStoreOrExit(dbPath string, stderr io.Writer) (*sqlite.Store, int) {
	store, err := sqlite.Open(dbPath)
	if err != nil {
		fmt.Fprintln(stderr, "db error:", err)
		return nil, 1
	}
	return store, 0
}
