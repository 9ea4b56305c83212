// Package gateway bridges client WebSocket channels to outbound telnet
// sessions. A Server owns the session registry, the destination validator,
// the audit queue, and the HTTP endpoints.
package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cyberdeck/telbridge/internal/bridgeproto"
	"github.com/cyberdeck/telbridge/internal/config"
	"github.com/cyberdeck/telbridge/internal/debughttp"
	"github.com/cyberdeck/telbridge/internal/domain"
	"github.com/cyberdeck/telbridge/internal/netguard"
	"github.com/cyberdeck/telbridge/internal/netutil"
	"github.com/cyberdeck/telbridge/internal/store/sqlite"
)

const (
	httpReadHeaderTimeout = 10 * time.Second
	httpIdleTimeout       = 60 * time.Second
	httpMaxHeaderBytes    = 32 << 10
	shutdownTimeout       = 5 * time.Second
	drainTimeout          = 15 * time.Second
)

// Server is the telnet gateway.
type Server struct {
	cfg            config.ServerConfig
	store          auditStore
	log            *slog.Logger
	version        string
	registry       *registry
	validator      *netguard.Validator
	dialer         Dialer
	connectLimiter *rateLimiter
	metrics        *metrics
	upgrader       websocket.Upgrader
	audit          chan auditEvent

	// baseCtx outlives individual requests; channels and sessions derive
	// from it so shutdown reaches every goroutine.
	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	chMu     sync.Mutex
	channels map[string]*channel
}

// Option customizes a Server.
type Option func(*Server)

// WithResolver replaces the DNS resolver used to validate destinations.
func WithResolver(r netguard.Resolver) Option {
	return func(s *Server) {
		s.validator = netguard.New(r, netguard.Config{
			AllowedPorts:   s.cfg.AllowedPorts,
			ResolveTimeout: s.cfg.ResolveTimeout,
		})
	}
}

// WithDialer replaces the dialer used for outbound telnet connections.
func WithDialer(d Dialer) Option {
	return func(s *Server) { s.dialer = d }
}

// WithVersion sets the version reported by the health endpoint.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// New creates a Server. A nil store disables the audit log.
func New(cfg config.ServerConfig, store *sqlite.Store, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:            cfg,
		log:            logger,
		registry:       newRegistry(),
		dialer:         &net.Dialer{},
		connectLimiter: newRateLimiter(cfg.ConnectRate, cfg.ConnectBurst),
		metrics:        newMetrics(),
		audit:          make(chan auditEvent, auditQueueSize),
		baseCtx:        baseCtx,
		baseCancel:     baseCancel,
		channels:       map[string]*channel{},
	}
	if store != nil {
		s.store = store
	}
	s.validator = netguard.New(net.DefaultResolver, netguard.Config{
		AllowedPorts:   cfg.AllowedPorts,
		ResolveTimeout: cfg.ResolveTimeout,
	})
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return netutil.OriginAllowed(r.Header.Get("Origin"), r.Host, s.cfg.AllowedOrigins)
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the gateway HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.WSPath, s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/stats", s.handleStats)
	if s.cfg.MetricsListen == "" {
		mux.Handle("/metrics", s.metrics.handler())
	}
	return mux
}

// Run listens on the configured address and serves until ctx is cancelled
// or a fatal error occurs.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the gateway on ln. It starts the janitor, the audit worker,
// and the optional metrics, pprof, and ACME challenge listeners, then
// blocks until ctx is cancelled or a listener fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.store != nil {
		resetCount, err := s.store.ResetOpenSessions(ctx)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("reset open sessions: %w", err)
		}
		if resetCount > 0 {
			s.log.Info("reconciled stale open sessions", "count", resetCount)
		}
	}

	tlsConfig, manager, err := s.tlsSetup()
	if err != nil {
		_ = ln.Close()
		return err
	}

	auxCtx, auxCancel := context.WithCancel(ctx)
	defer auxCancel()
	if err := debughttp.StartServer(auxCtx, s.cfg.MetricsListen, s.metrics.handler(), s.log, "metrics"); err != nil {
		_ = ln.Close()
		return err
	}
	if err := debughttp.StartPprofServer(auxCtx, s.cfg.PprofListen, s.log); err != nil {
		_ = ln.Close()
		return err
	}

	startedAt := time.Now()
	auditStop := make(chan struct{})
	auditDone := make(chan struct{})
	go s.runAuditWorker(auditStop, auditDone)
	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		s.runJanitor(auxCtx)
	}()

	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		IdleTimeout:       httpIdleTimeout,
		MaxHeaderBytes:    httpMaxHeaderBytes,
		TLSConfig:         tlsConfig,
		ErrorLog:          log.New(&httpErrorLogWriter{log: s.log}, "", 0),
	}

	errCh := make(chan error, 2)
	var challengeServer *http.Server
	if manager != nil {
		challengeServer = &http.Server{
			Addr:              s.cfg.ListenHTTP,
			Handler:           manager.HTTPHandler(http.NotFoundHandler()),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       httpIdleTimeout,
			MaxHeaderBytes:    httpMaxHeaderBytes,
		}
		go func() {
			s.log.Info("starting ACME challenge server", "addr", s.cfg.ListenHTTP)
			if err := challengeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("challenge server: %w", err)
			}
		}()
	}

	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	go func() {
		s.log.Info("starting gateway", "addr", ln.Addr().String(), "ws_path", s.cfg.WSPath, "tls_mode", s.cfg.TLSMode)
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	s.closeAllSessions(domain.ReasonShutdown)
	s.baseCancel()
	if err := shutdownServer(httpServer, shutdownTimeout); err != nil && runErr == nil {
		runErr = err
	}
	if err := shutdownServer(challengeServer, shutdownTimeout); err != nil && runErr == nil {
		runErr = err
	}
	if !waitGroupWait(&s.wg, drainTimeout) {
		s.log.Warn("timed out waiting for gateway goroutines")
	}
	auxCancel()
	<-janitorDone
	close(auditStop)
	<-auditDone
	s.log.Info("gateway stopped", "uptime", humanize.RelTime(startedAt, time.Now(), "", ""))
	return runErr
}

// closeAllSessions finishes every live session with reason, notifying the
// owning channels.
func (s *Server) closeAllSessions(reason domain.CloseReason) {
	var wg sync.WaitGroup
	for _, sess := range s.registry.all() {
		wg.Add(1)
		go func(sess *session) {
			defer wg.Done()
			sess.finish(reason, nil)
		}(sess)
	}
	wg.Wait()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.baseCtx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.log.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageBytes)

	c := &channel{
		id:       uuid.NewString(),
		remoteIP: netutil.ClientIP(r),
		srv:      s,
		conn:     conn,
		pump:     bridgeproto.NewWritePump(conn, wsWriteTimeout, s.cfg.SlowClientTimeout, pumpControlQueue, pumpDataQueue),
	}
	c.log = s.log.With("channel_id", c.id, "remote_ip", c.remoteIP)

	s.wg.Add(1)
	defer s.wg.Done()
	s.trackChannel(c)
	defer s.untrackChannel(c)

	c.log.Info("channel opened")
	c.serve(s.baseCtx)
	c.log.Info("channel closed")
}

func (s *Server) trackChannel(c *channel) {
	s.chMu.Lock()
	s.channels[c.id] = c
	n := len(s.channels)
	s.chMu.Unlock()
	s.metrics.openChannels.Set(float64(n))
}

func (s *Server) untrackChannel(c *channel) {
	s.chMu.Lock()
	delete(s.channels, c.id)
	n := len(s.channels)
	s.chMu.Unlock()
	s.metrics.openChannels.Set(float64(n))
}

func (s *Server) channelCount() int {
	s.chMu.Lock()
	defer s.chMu.Unlock()
	return len(s.channels)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeJSON(w, http.StatusMethodNotAllowed, domain.ErrorResponse{Error: "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, domain.HealthResponse{
		Status:         "ok",
		Version:        s.version,
		ActiveSessions: s.registry.count(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, domain.ErrorResponse{Error: "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, s.Stats())
}

// Stats returns a snapshot of live sessions and channels.
func (s *Server) Stats() domain.Stats {
	sessions := s.registry.snapshot(time.Now())
	return domain.Stats{
		ActiveSessions: len(sessions),
		Channels:       s.channelCount(),
		Sessions:       sessions,
	}
}

func (s *Server) registerSession(sess *session) {
	s.registry.add(sess)
	s.metrics.activeSessions.Set(float64(s.registry.count()))
	s.queueAudit(auditEvent{kind: auditOpened, record: sess.record()})
	s.log.Debug("session registered", "session_id", sess.id, "channel_id", sess.channelID, "host", sess.host, "port", sess.port)
}

func (s *Server) sessionConnected(sess *session) {
	s.metrics.sessionsOpened.Inc()
	s.queueAudit(auditEvent{kind: auditOpened, record: sess.record()})
	s.log.Info("session connected", "session_id", sess.id, "host", sess.host, "port", sess.port, "addr", sess.addr.String())
}

// sessionFinished runs once per session after its socket is closed. The
// registry entry goes first so no frame can reach a closed session.
func (s *Server) sessionFinished(sess *session, prev domain.SessionState, reason domain.CloseReason, cause error) {
	s.registry.remove(sess.id)
	s.metrics.activeSessions.Set(float64(s.registry.count()))

	s.notifyClosed(sess, prev, reason)

	now := time.Now()
	s.queueAudit(auditEvent{kind: auditClosed, record: sess.record(), reason: reason, at: now})
	s.metrics.sessionClosed(reason, now.Sub(sess.startTime).Seconds())

	attrs := []any{
		"session_id", sess.id,
		"host", sess.host,
		"port", sess.port,
		"reason", string(reason),
		"bytes_received", sess.bytesReceived.Load(),
		"bytes_sent", sess.bytesSent.Load(),
	}
	if cause != nil {
		attrs = append(attrs, "err", cause)
	}
	if reason == domain.ReasonSocketError {
		s.log.Warn("session closed", attrs...)
		return
	}
	s.log.Info("session closed", attrs...)
}

func (s *Server) notifyClosed(sess *session, prev domain.SessionState, reason domain.CloseReason) {
	var msg bridgeproto.Message
	switch {
	case reason == domain.ReasonChannelClosed:
		return
	case prev == domain.StateConnecting && (reason == domain.ReasonConnectTimeout || reason == domain.ReasonConnectFailed):
		s.metrics.rejected(string(reason))
		msg = bridgeproto.ErrorFrame(sess.id, sess.requestID, string(reason), reason.Message())
	default:
		msg = bridgeproto.Disconnected(sess.id, reason)
	}
	if err := sess.sink.send(msg); err != nil {
		s.log.Debug("failed to deliver close frame", "session_id", sess.id, "err", err)
	}
}
