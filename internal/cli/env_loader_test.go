package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cyberdeck/telbridge/internal/config"
)

func TestLoadEnvFromDotEnvLoadsMissingVars(t *testing.T) {
	clearEnvVarsForTest(t)
	envPath := filepath.Join(t.TempDir(), ".env")
	content := "# gateway\nTELBRIDGE_LISTEN=:9000\nexport TELBRIDGE_WS_PATH=\"/mud\"\nOTHER_VAR=skip\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	loadEnvFromDotEnv(envPath)

	if got := os.Getenv("TELBRIDGE_LISTEN"); got != ":9000" {
		t.Fatalf("expected TELBRIDGE_LISTEN loaded from file, got %q", got)
	}
	if got := os.Getenv("TELBRIDGE_WS_PATH"); got != "/mud" {
		t.Fatalf("expected quoted value unwrapped, got %q", got)
	}
	if got := os.Getenv("OTHER_VAR"); got != "" {
		t.Fatalf("expected non-TELBRIDGE var not to be loaded, got %q", got)
	}
}

func TestLoadEnvFromDotEnvKeepsExistingEnv(t *testing.T) {
	clearEnvVarsForTest(t)
	t.Setenv("TELBRIDGE_LISTEN", ":7000")
	envPath := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envPath, []byte("TELBRIDGE_LISTEN=:9000\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	loadEnvFromDotEnv(envPath)

	if got := os.Getenv("TELBRIDGE_LISTEN"); got != ":7000" {
		t.Fatalf("expected existing env to win, got %q", got)
	}
}

func TestServerConfigPrefersCLIFlagsOverDotEnv(t *testing.T) {
	clearEnvVarsForTest(t)
	envPath := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envPath, []byte("TELBRIDGE_LISTEN=:9000\nTELBRIDGE_DB_PATH=./from-file.db\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	loadEnvFromDotEnv(envPath)
	cfg, err := config.ParseServerFlags([]string{"--listen", ":9100", "--db", "./from-cli.db"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":9100" {
		t.Fatalf("expected CLI listen to win, got %q", cfg.Listen)
	}
	if cfg.DBPath != "./from-cli.db" {
		t.Fatalf("expected CLI db path to win, got %q", cfg.DBPath)
	}
}

func TestParseEnvAssignment(t *testing.T) {
	t.Parallel()

	cases := []struct {
		line     string
		key, val string
		ok       bool
	}{
		{"TELBRIDGE_LISTEN=:8080", "TELBRIDGE_LISTEN", ":8080", true},
		{"  export TELBRIDGE_LOG_LEVEL = debug ", "TELBRIDGE_LOG_LEVEL", "debug", true},
		{"TELBRIDGE_ALLOWED_ORIGINS='https://a.example'", "TELBRIDGE_ALLOWED_ORIGINS", "https://a.example", true},
		{"# comment", "", "", false},
		{"", "", "", false},
		{"NOEQUALS", "", "", false},
		{"BAD KEY=1", "", "", false},
	}
	for _, tc := range cases {
		key, val, ok := parseEnvAssignment(tc.line)
		if ok != tc.ok || key != tc.key || val != tc.val {
			t.Errorf("parseEnvAssignment(%q) = (%q, %q, %v), want (%q, %q, %v)", tc.line, key, val, ok, tc.key, tc.val, tc.ok)
		}
	}
}

func clearEnvVarsForTest(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"TELBRIDGE_LISTEN",
		"TELBRIDGE_WS_PATH",
		"TELBRIDGE_DB_PATH",
		"TELBRIDGE_LOG_LEVEL",
		"TELBRIDGE_ALLOWED_PORTS",
		"TELBRIDGE_ALLOWED_ORIGINS",
		"TELBRIDGE_TLS_MODE",
		"OTHER_VAR",
	} {
		t.Setenv(k, "")
	}
}
