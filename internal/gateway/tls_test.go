package gateway

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cyberdeck/telbridge/internal/config"
)

func TestIsLikelyScannerTLSReason(t *testing.T) {
	t.Parallel()

	cases := []struct {
		reason string
		want   bool
	}{
		{"EOF", true},
		{"tls: client offered only unsupported versions: [301]", true},
		{"read tcp 1.2.3.4:443->5.6.7.8:1234: connection reset by peer", true},
		{"acme/autocert: host \"x\" not configured in HostWhitelist", true},
		{"tls: bad record MAC", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := isLikelyScannerTLSReason(tc.reason); got != tc.want {
			t.Errorf("isLikelyScannerTLSReason(%q) = %v, want %v", tc.reason, got, tc.want)
		}
	}
}

func TestHTTPErrorLogWriterDemotesScannerNoise(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := &httpErrorLogWriter{log: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))}

	_, _ = w.Write([]byte("http: TLS handshake error from 198.51.100.4:5555: EOF\n"))
	if buf.Len() != 0 {
		t.Fatalf("expected scanner noise below info, got %q", buf.String())
	}
	_, _ = w.Write([]byte("http: TLS handshake error from 198.51.100.4:5555: acme/autocert: host \"203.0.113.9\" not configured in HostWhitelist\n"))
	if buf.Len() != 0 {
		t.Fatalf("expected unknown SNI below info, got %q", buf.String())
	}

	_, _ = w.Write([]byte("http: TLS handshake error from 198.51.100.4:5555: tls: bad record MAC\n"))
	if !strings.Contains(buf.String(), "tls handshake failed") {
		t.Fatalf("expected handshake warning, got %q", buf.String())
	}

	buf.Reset()
	_, _ = w.Write([]byte("http: Accept error: too many open files"))
	if !strings.Contains(buf.String(), "http server error") {
		t.Fatalf("expected generic warning, got %q", buf.String())
	}
}

func TestTLSSetupModes(t *testing.T) {
	t.Parallel()

	off := &Server{cfg: config.ServerConfig{TLSMode: config.TLSModeOff}, log: slog.Default()}
	if cfg, mgr, err := off.tlsSetup(); err != nil || cfg != nil || mgr != nil {
		t.Fatalf("expected plain listener, got %v %v %v", cfg, mgr, err)
	}

	auto := &Server{cfg: config.ServerConfig{
		TLSMode:      config.TLSModeAuto,
		TLSDomain:    "telnet.example.org",
		CertCacheDir: t.TempDir(),
	}, log: slog.Default()}
	cfg, mgr, err := auto.tlsSetup()
	if err != nil || cfg == nil || mgr == nil {
		t.Fatalf("expected autocert setup, got %v %v %v", cfg, mgr, err)
	}

	missing := filepath.Join(t.TempDir(), "missing.pem")
	static := &Server{cfg: config.ServerConfig{
		TLSMode:     config.TLSModeStatic,
		TLSCertFile: missing,
		TLSKeyFile:  missing,
	}, log: slog.Default()}
	if _, _, err := static.tlsSetup(); err == nil {
		t.Fatal("expected error for missing certificate files")
	}
}
