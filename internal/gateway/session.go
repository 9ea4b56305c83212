package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/reiver/go-oi"

	"github.com/cyberdeck/telbridge/internal/bridgeproto"
	"github.com/cyberdeck/telbridge/internal/domain"
	"github.com/cyberdeck/telbridge/internal/telnet"
)

// Dialer opens outbound TCP connections. [*net.Dialer] satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// frameSink receives frames addressed to the client that owns a session.
type frameSink interface {
	send(msg bridgeproto.Message) error
}

const (
	readBufferSize     = 4096
	socketWriteTimeout = 10 * time.Second
	// carryFlushDelay bounds how long a partial UTF-8 rune waits for its
	// remaining bytes before it is sent as is.
	carryFlushDelay = 50 * time.Millisecond
)

// session relays one telnet connection. State only moves forward:
// connecting -> connected -> closing -> closed, or connecting -> closed.
type session struct {
	id         string
	channelID  string
	remoteAddr string
	host       string
	port       int
	addr       netip.AddrPort
	requestID  string
	encoding   string
	startTime  time.Time

	srv  *Server
	sink frameSink

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	state  domain.SessionState
	conn   net.Conn
	reason domain.CloseReason

	writeMu       sync.Mutex
	activity      atomic.Int64
	bytesReceived atomic.Uint64
	bytesSent     atomic.Uint64

	// proc and carry are only touched by the read goroutine.
	proc  *telnet.Processor
	carry []byte

	closeOnce sync.Once
	done      chan struct{}
}

type sessionParams struct {
	id         string
	channelID  string
	remoteAddr string
	host       string
	port       int
	addr       netip.AddrPort
	requestID  string
	encoding   string
}

func newSession(parent context.Context, srv *Server, sink frameSink, p sessionParams) *session {
	ctx, cancel := context.WithCancel(parent)
	now := time.Now()
	s := &session{
		id:         p.id,
		channelID:  p.channelID,
		remoteAddr: p.remoteAddr,
		host:       p.host,
		port:       p.port,
		addr:       p.addr,
		requestID:  p.requestID,
		encoding:   p.encoding,
		startTime:  now,
		srv:        srv,
		sink:       sink,
		ctx:        ctx,
		cancel:     cancel,
		state:      domain.StateConnecting,
		proc:       telnet.NewProcessor(),
		done:       make(chan struct{}),
	}
	s.touch(now)
	return s
}

// run dials the destination and relays inbound bytes until the session
// ends. It returns once the session is closed.
func (s *session) run() {
	conn, err := s.dial()
	if err != nil {
		reason := domain.ReasonConnectFailed
		switch {
		case errors.Is(err, domain.ErrConnectTimeout):
			reason = domain.ReasonConnectTimeout
		case s.ctx.Err() != nil:
			reason = domain.ReasonChannelClosed
		}
		s.finish(reason, err)
		return
	}
	if !s.markConnected(conn) {
		_ = conn.Close()
		return
	}

	s.srv.sessionConnected(s)
	if err := s.sink.send(bridgeproto.Connected(s.id, s.host, s.port, s.requestID)); err != nil {
		s.finish(domain.ReasonChannelClosed, err)
		return
	}
	s.readLoop(conn)
}

func (s *session) dial() (net.Conn, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.srv.cfg.ConnectTimeout)
	defer cancel()

	conn, err := s.srv.dialer.DialContext(ctx, "tcp", s.addr.String())
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && s.ctx.Err() == nil {
			return nil, &domain.SessionError{SessionID: s.id, Op: "dial", Err: domain.ErrConnectTimeout}
		}
		return nil, &domain.SessionError{SessionID: s.id, Op: "dial", Err: err}
	}
	return conn, nil
}

func (s *session) markConnected(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != domain.StateConnecting {
		return false
	}
	s.state = domain.StateConnected
	s.conn = conn
	s.touch(time.Now())
	return true
}

func (s *session) readLoop(conn net.Conn) {
	buf := make([]byte, readBufferSize)
	waiting := false
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			s.touch(time.Now())
			s.bytesReceived.Add(uint64(n))
			s.srv.metrics.relayed(directionInbound, n)

			if !s.emit(s.displayable(s.proc.Process(buf[:n]))) {
				return
			}
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) && waiting {
				waiting = false
				_ = conn.SetReadDeadline(time.Time{})
				if !s.emit(s.flushCarry()) {
					return
				}
				continue
			}
			// Bytes still held back belong before the close frame, but only
			// while nothing else has closed the session.
			if s.currentState() == domain.StateConnected && !s.emit(s.flushCarry()) {
				return
			}
			if s.proc.Pending() {
				s.srv.log.Debug("remote closed inside a telnet command", "session_id", s.id)
			}
			if errors.Is(err, io.EOF) {
				s.finish(domain.ReasonRemoteClosed, nil)
			} else {
				s.finish(domain.ReasonSocketError, err)
			}
			return
		}
		switch {
		case len(s.carry) > 0 && !waiting:
			waiting = true
			_ = conn.SetReadDeadline(time.Now().Add(carryFlushDelay))
		case len(s.carry) == 0 && waiting:
			waiting = false
			_ = conn.SetReadDeadline(time.Time{})
		}
	}
}

// emit sends payload as a data frame. It reports false once the session
// has been finished because the client is gone.
func (s *session) emit(payload []byte) bool {
	if len(payload) == 0 {
		return true
	}
	if err := s.sink.send(bridgeproto.DataFrame(s.id, payload, s.encoding)); err != nil {
		s.finish(domain.ReasonChannelClosed, err)
		return false
	}
	return true
}

// displayable prepares processed bytes for a data frame. In UTF-8 mode a
// multi-byte rune split across reads is held back until it is complete.
func (s *session) displayable(out []byte) []byte {
	if s.encoding == bridgeproto.EncodingBase64 {
		return out
	}
	if len(s.carry) == 0 {
		complete, rest := splitIncompleteRune(out)
		s.carry = cloneOrNil(rest)
		return complete
	}
	data := make([]byte, 0, len(s.carry)+len(out))
	data = append(data, s.carry...)
	data = append(data, out...)
	complete, rest := splitIncompleteRune(data)
	s.carry = cloneOrNil(rest)
	return complete
}

// flushCarry releases a held partial rune.
func (s *session) flushCarry() []byte {
	out := s.carry
	s.carry = nil
	return out
}

// splitIncompleteRune holds back a trailing prefix only when more bytes
// could still complete it into a valid rune. Invalid bytes count as full.
func splitIncompleteRune(b []byte) ([]byte, []byte) {
	for i := len(b) - 1; i >= 0 && i >= len(b)-(utf8.UTFMax-1); i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return b, nil
		}
		return b[:i], b[i:]
	}
	return b, nil
}

func cloneOrNil(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

// write sends client bytes to the destination unmodified.
func (s *session) write(p []byte) error {
	s.mu.Lock()
	state, conn := s.state, s.conn
	s.mu.Unlock()
	if state != domain.StateConnected || conn == nil {
		return &domain.SessionError{SessionID: s.id, Op: "write", Err: domain.ErrSessionNotConnected}
	}

	now := time.Now()
	s.touch(now)
	if len(p) == 0 {
		return nil
	}

	s.writeMu.Lock()
	_ = conn.SetWriteDeadline(now.Add(socketWriteTimeout))
	n, err := oi.LongWrite(conn, p)
	s.writeMu.Unlock()

	if n > 0 {
		s.bytesSent.Add(uint64(n))
		s.srv.metrics.relayed(directionOutbound, int(n))
	}
	if err != nil {
		s.finish(domain.ReasonSocketError, err)
		return &domain.SessionError{SessionID: s.id, Op: "write", Err: err}
	}
	return nil
}

func (s *session) sendBreak() error {
	return s.write(telnet.BreakSignal())
}

// abort closes the socket immediately, discarding unsent data.
func (s *session) abort(reason domain.CloseReason) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if tc, ok := conn.(interface{ SetLinger(int) error }); ok {
		_ = tc.SetLinger(0)
	}
	s.finish(reason, nil)
}

// finish performs the single terminal transition. Later calls are no-ops.
func (s *session) finish(reason domain.CloseReason, cause error) {
	s.closeOnce.Do(func() {
		prev, conn := s.beginClose(reason)

		s.cancel()
		if conn != nil {
			_ = conn.Close()
		}

		s.mu.Lock()
		s.state = domain.StateClosed
		s.mu.Unlock()

		s.srv.sessionFinished(s, prev, reason, cause)
		close(s.done)
	})
}

// beginClose records reason and returns the prior state. A session that
// never connected has no socket to drain and moves straight to closed.
func (s *session) beginClose(reason domain.CloseReason) (domain.SessionState, net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	s.reason = reason
	if prev == domain.StateConnecting {
		s.state = domain.StateClosed
	} else {
		s.state = domain.StateClosing
	}
	return prev, s.conn
}

func (s *session) touch(now time.Time) {
	s.activity.Store(now.UnixNano())
}

func (s *session) lastActivity() time.Time {
	return time.Unix(0, s.activity.Load())
}

func (s *session) currentState() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) closeReason() domain.CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *session) info(now time.Time) domain.SessionInfo {
	return domain.SessionInfo{
		ID:            s.id,
		Host:          s.host,
		Port:          s.port,
		State:         s.currentState(),
		StartTime:     s.startTime.UTC(),
		DurationMs:    now.Sub(s.startTime).Milliseconds(),
		BytesReceived: s.bytesReceived.Load(),
		BytesSent:     s.bytesSent.Load(),
	}
}

func (s *session) record() domain.SessionRecord {
	return domain.SessionRecord{
		ID:            s.id,
		ChannelID:     s.channelID,
		RemoteAddr:    s.remoteAddr,
		Host:          s.host,
		Port:          s.port,
		ResolvedAddr:  s.addr.Addr().String(),
		State:         s.currentState(),
		BytesReceived: s.bytesReceived.Load(),
		BytesSent:     s.bytesSent.Load(),
		CreatedAt:     s.startTime,
	}
}
