package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cyberdeck/telbridge/internal/netguard"
)

type ServerConfig struct {
	Listen                string
	ListenHTTP            string
	WSPath                string
	LogLevel              string
	LogFormat             string
	DBPath                string
	DBMaxOpenConns        int
	DBMaxIdleConns        int
	AllowedPorts          []int
	AllowedOrigins        []string
	ConnectTimeout        time.Duration
	ResolveTimeout        time.Duration
	IdleTimeout           time.Duration
	SweepInterval         time.Duration
	PingInterval          time.Duration
	SlowClientTimeout     time.Duration
	MaxSessionsPerChannel int
	MaxMessageBytes       int64
	ConnectRate           float64
	ConnectBurst          int
	TLSMode               string
	TLSDomain             string
	CertCacheDir          string
	TLSCertFile           string
	TLSKeyFile            string
	MetricsListen         string
	PprofListen           string
	HistoryRetention      time.Duration
	CleanupInterval       time.Duration
}

// TLS modes.
const (
	TLSModeOff    = "off"
	TLSModeAuto   = "auto"
	TLSModeStatic = "static"
)

const defaultServerListen = ":8080"
const defaultServerHTTPChallengeListen = ":80"
const defaultServerWSPath = "/ws/telnet"
const defaultServerDBPath = "./telbridge.db"
const defaultServerCertCacheDir = "./cert"
const defaultConnectTimeout = 15 * time.Second
const defaultResolveTimeout = 5 * time.Second
const defaultIdleTimeout = 5 * time.Minute
const defaultSweepInterval = 60 * time.Second
const defaultPingInterval = 30 * time.Second
const defaultSlowClientTimeout = 30 * time.Second
const defaultMaxSessionsPerChannel = 8
const defaultMaxMessageBytes = 64 * 1024
const defaultConnectRate = 2.0
const defaultConnectBurst = 10
const defaultHistoryRetention = 7 * 24 * time.Hour
const defaultCleanupInterval = 10 * time.Minute

// DefaultAllowedPorts is the validator's built-in telnet/MUD list.
var DefaultAllowedPorts = slices.Clone(netguard.DefaultAllowedPorts)

// ParseServerFlags builds the gateway configuration from TELBRIDGE_*
// environment variables overridden by command-line flags.
func ParseServerFlags(args []string) (ServerConfig, error) {
	cfg := ServerConfig{
		Listen:                envOrDefault("TELBRIDGE_LISTEN", defaultServerListen),
		ListenHTTP:            envOrDefault("TELBRIDGE_LISTEN_HTTP_CHALLENGE", defaultServerHTTPChallengeListen),
		WSPath:                envOrDefault("TELBRIDGE_WS_PATH", defaultServerWSPath),
		LogLevel:              envOrDefault("TELBRIDGE_LOG_LEVEL", "info"),
		LogFormat:             envOrDefault("TELBRIDGE_LOG_FORMAT", "text"),
		DBPath:                envOrDefault("TELBRIDGE_DB_PATH", defaultServerDBPath),
		DBMaxOpenConns:        envIntOrDefault("TELBRIDGE_DB_MAX_OPEN_CONNS", 1),
		DBMaxIdleConns:        envIntOrDefault("TELBRIDGE_DB_MAX_IDLE_CONNS", 1),
		MaxSessionsPerChannel: envIntOrDefault("TELBRIDGE_MAX_SESSIONS_PER_CHANNEL", defaultMaxSessionsPerChannel),
		MaxMessageBytes:       int64(envIntOrDefault("TELBRIDGE_MAX_MESSAGE_BYTES", defaultMaxMessageBytes)),
		ConnectRate:           envFloatOrDefault("TELBRIDGE_CONNECT_RATE", defaultConnectRate),
		ConnectBurst:          envIntOrDefault("TELBRIDGE_CONNECT_BURST", defaultConnectBurst),
		TLSMode:               envOrDefault("TELBRIDGE_TLS_MODE", TLSModeOff),
		TLSDomain:             envOrDefault("TELBRIDGE_TLS_DOMAIN", ""),
		CertCacheDir:          envOrDefault("TELBRIDGE_CERT_CACHE_DIR", defaultServerCertCacheDir),
		TLSCertFile:           envOrDefault("TELBRIDGE_TLS_CERT_FILE", ""),
		TLSKeyFile:            envOrDefault("TELBRIDGE_TLS_KEY_FILE", ""),
		MetricsListen:         envOrDefault("TELBRIDGE_METRICS_LISTEN", ""),
		PprofListen:           envOrDefault("TELBRIDGE_PPROF_LISTEN", ""),
	}
	allowedPorts := envOrDefault("TELBRIDGE_ALLOWED_PORTS", "")
	allowedOrigins := envOrDefault("TELBRIDGE_ALLOWED_ORIGINS", "")

	durations := []struct {
		dst *time.Duration
		env string
		def time.Duration
	}{
		{&cfg.ConnectTimeout, "TELBRIDGE_CONNECT_TIMEOUT", defaultConnectTimeout},
		{&cfg.ResolveTimeout, "TELBRIDGE_RESOLVE_TIMEOUT", defaultResolveTimeout},
		{&cfg.IdleTimeout, "TELBRIDGE_IDLE_TIMEOUT", defaultIdleTimeout},
		{&cfg.SweepInterval, "TELBRIDGE_SWEEP_INTERVAL", defaultSweepInterval},
		{&cfg.PingInterval, "TELBRIDGE_PING_INTERVAL", defaultPingInterval},
		{&cfg.SlowClientTimeout, "TELBRIDGE_SLOW_CLIENT_TIMEOUT", defaultSlowClientTimeout},
		{&cfg.HistoryRetention, "TELBRIDGE_HISTORY_RETENTION", defaultHistoryRetention},
		{&cfg.CleanupInterval, "TELBRIDGE_CLEANUP_INTERVAL", defaultCleanupInterval},
	}
	for _, d := range durations {
		v, err := envDurationOrDefault(d.env, d.def)
		if err != nil {
			return cfg, err
		}
		*d.dst = v
	}

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "HTTP(S) listen address")
	fs.StringVar(&cfg.ListenHTTP, "http-challenge-listen", cfg.ListenHTTP, "HTTP-01 challenge listen address (tls-mode=auto)")
	fs.StringVar(&cfg.WSPath, "ws-path", cfg.WSPath, "WebSocket endpoint path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text|json")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite audit database path (empty disables auditing)")
	fs.IntVar(&cfg.DBMaxOpenConns, "db-max-open-conns", cfg.DBMaxOpenConns, "SQLite max open connections")
	fs.IntVar(&cfg.DBMaxIdleConns, "db-max-idle-conns", cfg.DBMaxIdleConns, "SQLite max idle connections")
	fs.StringVar(&allowedPorts, "allowed-ports", allowedPorts, "Comma-separated destination port allowlist")
	fs.StringVar(&allowedOrigins, "allowed-origins", allowedOrigins, "Comma-separated allowed Origin values (empty: same host only)")
	fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "TCP connect timeout")
	fs.DurationVar(&cfg.ResolveTimeout, "resolve-timeout", cfg.ResolveTimeout, "DNS resolution timeout")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Close sessions idle longer than this")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "Idle session sweep interval")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "WebSocket keepalive ping interval")
	fs.DurationVar(&cfg.SlowClientTimeout, "slow-client-timeout", cfg.SlowClientTimeout, "Close channels that stop draining data for this long")
	fs.IntVar(&cfg.MaxSessionsPerChannel, "max-sessions-per-channel", cfg.MaxSessionsPerChannel, "Maximum concurrent sessions per WebSocket")
	fs.Int64Var(&cfg.MaxMessageBytes, "max-message-bytes", cfg.MaxMessageBytes, "Maximum inbound WebSocket message size")
	fs.Float64Var(&cfg.ConnectRate, "connect-rate", cfg.ConnectRate, "Connect requests per second per client IP")
	fs.IntVar(&cfg.ConnectBurst, "connect-burst", cfg.ConnectBurst, "Connect request burst per client IP")
	fs.StringVar(&cfg.TLSMode, "tls-mode", cfg.TLSMode, "TLS mode: off|auto|static")
	fs.StringVar(&cfg.TLSDomain, "tls-domain", cfg.TLSDomain, "Public domain for ACME certificates (tls-mode=auto)")
	fs.StringVar(&cfg.CertCacheDir, "cert-cache-dir", cfg.CertCacheDir, "TLS cert cache dir")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert-file", cfg.TLSCertFile, "Static TLS cert PEM file (tls-mode=static)")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key-file", cfg.TLSKeyFile, "Static TLS key PEM file (tls-mode=static)")
	fs.StringVar(&cfg.MetricsListen, "metrics-listen", cfg.MetricsListen, "Separate Prometheus listen address (empty: serve /metrics on the main listener)")
	fs.StringVar(&cfg.PprofListen, "pprof-listen", cfg.PprofListen, "pprof listen address (empty disables)")
	fs.Func("history-retention", "Audit history retention, e.g. 7d or 72h (default 7d)", func(v string) error {
		d, err := ParseDuration(v)
		if err != nil {
			return err
		}
		cfg.HistoryRetention = d
		return nil
	})
	fs.DurationVar(&cfg.CleanupInterval, "cleanup-interval", cfg.CleanupInterval, "Audit retention cleanup interval")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	ports, err := ParsePortList(allowedPorts)
	if err != nil {
		return cfg, err
	}
	if len(ports) == 0 {
		ports = slices.Clone(DefaultAllowedPorts)
	}
	cfg.AllowedPorts = ports
	cfg.AllowedOrigins = splitList(allowedOrigins)

	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	switch cfg.LogFormat {
	case "", "text", "json":
	default:
		return cfg, errors.New("log format must be one of: text, json")
	}
	cfg.WSPath = strings.TrimSpace(cfg.WSPath)
	if !strings.HasPrefix(cfg.WSPath, "/") {
		return cfg, errors.New("ws path must start with /")
	}
	cfg.DBPath = strings.TrimSpace(cfg.DBPath)

	cfg.TLSMode = strings.ToLower(strings.TrimSpace(cfg.TLSMode))
	if cfg.TLSMode == "" {
		cfg.TLSMode = TLSModeOff
	}
	switch cfg.TLSMode {
	case TLSModeOff:
	case TLSModeAuto:
		cfg.TLSDomain = normalizeDomainHost(cfg.TLSDomain)
		if cfg.TLSDomain == "" {
			return cfg, errors.New("tls mode auto requires --tls-domain or TELBRIDGE_TLS_DOMAIN")
		}
	case TLSModeStatic:
		if strings.TrimSpace(cfg.TLSCertFile) == "" || strings.TrimSpace(cfg.TLSKeyFile) == "" {
			return cfg, errors.New("tls mode static requires both --tls-cert-file and --tls-key-file")
		}
	default:
		return cfg, errors.New("tls mode must be one of: off, auto, static")
	}

	if cfg.ConnectTimeout <= 0 {
		return cfg, errors.New("connect timeout must be > 0")
	}
	if cfg.ResolveTimeout <= 0 {
		return cfg, errors.New("resolve timeout must be > 0")
	}
	if cfg.IdleTimeout <= 0 {
		return cfg, errors.New("idle timeout must be > 0")
	}
	if cfg.SweepInterval <= 0 {
		return cfg, errors.New("sweep interval must be > 0")
	}
	if cfg.PingInterval <= 0 {
		return cfg, errors.New("ping interval must be > 0")
	}
	if cfg.SlowClientTimeout <= 0 {
		return cfg, errors.New("slow client timeout must be > 0")
	}
	if cfg.MaxSessionsPerChannel <= 0 {
		return cfg, errors.New("max sessions per channel must be > 0")
	}
	if cfg.MaxMessageBytes < 1024 {
		return cfg, errors.New("max message bytes must be >= 1024")
	}
	if cfg.ConnectRate <= 0 {
		return cfg, errors.New("connect rate must be > 0")
	}
	if cfg.ConnectBurst <= 0 {
		return cfg, errors.New("connect burst must be > 0")
	}
	if cfg.DBMaxOpenConns <= 0 {
		return cfg, errors.New("db max open conns must be > 0")
	}
	if cfg.DBMaxIdleConns <= 0 {
		return cfg, errors.New("db max idle conns must be > 0")
	}
	if cfg.DBMaxIdleConns > cfg.DBMaxOpenConns {
		return cfg, errors.New("db max idle conns cannot exceed db max open conns")
	}
	if cfg.HistoryRetention <= 0 {
		return cfg, errors.New("history retention must be > 0")
	}
	if cfg.CleanupInterval <= 0 {
		return cfg, errors.New("cleanup interval must be > 0")
	}

	return cfg, nil
}

// ParsePortList parses a comma-separated list of TCP ports. Duplicates are
// collapsed and the result is sorted.
func ParsePortList(v string) ([]int, error) {
	var out []int
	for _, part := range splitList(v) {
		n, err := strconv.Atoi(part)
		if err != nil || n <= 0 || n > 65535 {
			return nil, fmt.Errorf("invalid port %q in allowlist", part)
		}
		out = append(out, n)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// ParseDuration accepts everything [time.ParseDuration] does plus a whole
// number of days such as "7d".
func ParseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if days, ok := strings.CutSuffix(v, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid duration %q", v)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloatOrDefault(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOrDefault(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func normalizeDomainHost(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	if idx := strings.Index(v, "/"); idx >= 0 {
		v = v[:idx]
	}
	if strings.Contains(v, ":") {
		parts := strings.Split(v, ":")
		v = parts[0]
	}
	return strings.TrimSuffix(v, ".")
}
