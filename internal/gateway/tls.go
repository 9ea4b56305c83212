package gateway

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/acme/autocert"

	"github.com/cyberdeck/telbridge/internal/config"
)

// tlsSetup builds the listener TLS configuration for the configured mode.
// It returns a nil config when TLS is off and a non-nil manager only in
// auto mode, where the ACME HTTP-01 challenge server must also run.
func (s *Server) tlsSetup() (*tls.Config, *autocert.Manager, error) {
	switch s.cfg.TLSMode {
	case config.TLSModeAuto:
		manager := &autocert.Manager{
			Cache:      autocert.DirCache(s.cfg.CertCacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(s.cfg.TLSDomain),
		}
		tlsConfig := manager.TLSConfig()
		tlsConfig.MinVersion = tls.VersionTLS12
		return tlsConfig, manager, nil
	case config.TLSModeStatic:
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("load TLS certificate: %w", err)
		}
		subject := ""
		if len(cert.Certificate) > 0 {
			if leaf, err := x509.ParseCertificate(cert.Certificate[0]); err == nil {
				subject = leaf.Subject.String()
			}
		}
		s.log.Info("static TLS certificate loaded", "cert_file", s.cfg.TLSCertFile, "subject", subject)
		return &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}, nil, nil
	default:
		return nil, nil, nil
	}
}

// httpErrorLogWriter routes net/http server errors into the structured
// logger, demoting handshake noise from scanners to debug.
type httpErrorLogWriter struct {
	log *slog.Logger
}

func (w *httpErrorLogWriter) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	if line == "" {
		return len(p), nil
	}
	const marker = "TLS handshake error from "
	if idx := strings.Index(line, marker); idx >= 0 {
		addr, reason, ok := strings.Cut(line[idx+len(marker):], ": ")
		if !ok {
			w.log.Debug("tls handshake dropped", "detail", line[idx+len(marker):])
			return len(p), nil
		}
		if isLikelyScannerTLSReason(reason) {
			w.log.Debug("tls handshake rejected", "remote_addr", strings.TrimSpace(addr), "reason", reason)
		} else {
			w.log.Warn("tls handshake failed", "remote_addr", strings.TrimSpace(addr), "reason", reason)
		}
		return len(p), nil
	}
	w.log.Warn("http server error", "err", line)
	return len(p), nil
}

func isLikelyScannerTLSReason(reason string) bool {
	reason = strings.ToLower(strings.TrimSpace(reason))
	if reason == "" {
		return false
	}
	return reason == "eof" ||
		strings.Contains(reason, "missing server name") ||
		strings.Contains(reason, "offered only unsupported versions") ||
		strings.Contains(reason, "no cipher suite supported by both client and server") ||
		strings.Contains(reason, "not configured in hostwhitelist") ||
		strings.Contains(reason, "connection reset by peer") ||
		strings.Contains(reason, "i/o timeout") ||
		strings.Contains(reason, "first record does not look like a tls handshake") ||
		strings.Contains(reason, "http request to an https server")
}
