package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/cyberdeck/telbridge/internal/config"
	"github.com/cyberdeck/telbridge/internal/gateway"
	ilog "github.com/cyberdeck/telbridge/internal/log"
	"github.com/cyberdeck/telbridge/internal/store/sqlite"
)

func runServer(ctx context.Context, args []string, stderr io.Writer) int {
	loadEnvFromDotEnv(".env")

	cfg, err := config.ParseServerFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, "server config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel, cfg.LogFormat)

	var store *sqlite.Store
	if cfg.DBPath != "" {
		store, err = sqlite.OpenWithOptions(cfg.DBPath, sqlite.OpenOptions{
			MaxOpenConns: cfg.DBMaxOpenConns,
			MaxIdleConns: cfg.DBMaxIdleConns,
		})
		if err != nil {
			fmt.Fprintln(stderr, "db error:", err)
			return 1
		}
		defer func() { _ = store.Close() }()
	} else {
		logger.Info("audit log disabled")
	}

	s := gateway.New(cfg, store, logger, gateway.WithVersion(Version))
	if err := s.Run(ctx); err != nil {
		fmt.Fprintln(stderr, "server error:", err)
		return 1
	}
	return 0
}
