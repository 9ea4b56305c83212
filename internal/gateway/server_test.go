package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cyberdeck/telbridge/internal/bridgeproto"
	"github.com/cyberdeck/telbridge/internal/config"
	"github.com/cyberdeck/telbridge/internal/domain"
	tblog "github.com/cyberdeck/telbridge/internal/log"
	"github.com/cyberdeck/telbridge/internal/store/sqlite"
)

const (
	publicA = "93.184.216.34"
	publicB = "93.184.216.35"
)

type fakeResolver struct {
	mu      sync.Mutex
	answers map[string][][]net.IPAddr
	calls   int
}

func (r *fakeResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	seq := r.answers[host]
	if len(seq) == 0 {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	ans := seq[0]
	if len(seq) > 1 {
		r.answers[host] = seq[1:]
	}
	return ans, nil
}

func (r *fakeResolver) lookups() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func ipAddrs(ips ...string) []net.IPAddr {
	out := make([]net.IPAddr, 0, len(ips))
	for _, ip := range ips {
		out = append(out, net.IPAddr{IP: net.ParseIP(ip)})
	}
	return out
}

// fakeDialer hands out one end of a net.Pipe per dial; the test drives the
// other end as the remote telnet server.
type fakeDialer struct {
	mu      sync.Mutex
	addrs   []string
	hang    bool
	refuse  bool
	remotes chan net.Conn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{remotes: make(chan net.Conn, 16)}
}

func (d *fakeDialer) DialContext(ctx context.Context, _, address string) (net.Conn, error) {
	d.mu.Lock()
	d.addrs = append(d.addrs, address)
	hang, refuse := d.hang, d.refuse
	d.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if refuse {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	}
	local, remote := net.Pipe()
	d.remotes <- remote
	return local, nil
}

func (d *fakeDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.addrs...)
}

func (d *fakeDialer) nextRemote(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-d.remotes:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

type testGateway struct {
	srv      *Server
	addr     string
	cfg      config.ServerConfig
	resolver *fakeResolver
	dialer   *fakeDialer
	cancel   context.CancelFunc
	done     chan error
}

func testServerConfig() config.ServerConfig {
	return config.ServerConfig{
		WSPath:                "/ws/telnet",
		AllowedPorts:          config.DefaultAllowedPorts,
		ConnectTimeout:        2 * time.Second,
		ResolveTimeout:        time.Second,
		IdleTimeout:           time.Minute,
		SweepInterval:         time.Minute,
		PingInterval:          time.Minute,
		SlowClientTimeout:     2 * time.Second,
		MaxSessionsPerChannel: 8,
		MaxMessageBytes:       64 << 10,
		ConnectRate:           100,
		ConnectBurst:          100,
		TLSMode:               config.TLSModeOff,
		HistoryRetention:      time.Hour,
		CleanupInterval:       time.Hour,
	}
}

func startGateway(t *testing.T, mutate func(*config.ServerConfig, *fakeDialer)) *testGateway {
	t.Helper()
	return startGatewayWithStore(t, nil, mutate)
}

func startGatewayWithStore(t *testing.T, store *sqlite.Store, mutate func(*config.ServerConfig, *fakeDialer)) *testGateway {
	t.Helper()

	cfg := testServerConfig()
	dialer := newFakeDialer()
	if mutate != nil {
		mutate(&cfg, dialer)
	}
	resolver := &fakeResolver{answers: map[string][][]net.IPAddr{
		"mud.example.org": {ipAddrs(publicA)},
	}}

	srv := New(cfg, store, tblog.NewWithWriter(io.Discard, "error", "text"),
		WithResolver(resolver), WithDialer(dialer), WithVersion("v0.0.0-test"))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &testGateway{
		srv:      srv,
		addr:     ln.Addr().String(),
		cfg:      cfg,
		resolver: resolver,
		dialer:   dialer,
		cancel:   cancel,
		done:     make(chan error, 1),
	}
	go func() { g.done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-g.done:
		case <-time.After(5 * time.Second):
			t.Error("gateway did not stop")
		}
	})
	return g
}

func (g *testGateway) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+g.addr+g.cfg.WSPath, nil)
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (g *testGateway) waitForActive(t *testing.T, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if g.srv.Stats().ActiveSessions == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d active sessions, got %d", want, g.srv.Stats().ActiveSessions)
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) bridgeproto.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg bridgeproto.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return msg
}

func connectFrame(host string, port int, requestID string) map[string]any {
	return map[string]any{"type": "connect", "host": host, "port": port, "requestId": requestID}
}

func openSession(t *testing.T, g *testGateway, conn *websocket.Conn, requestID string) (string, net.Conn) {
	t.Helper()
	sendJSON(t, conn, connectFrame("mud.example.org", 4000, requestID))
	remote := g.dialer.nextRemote(t)
	msg := readFrame(t, conn)
	if msg.Type != bridgeproto.TypeConnected {
		t.Fatalf("expected connected frame, got %+v", msg)
	}
	if msg.RequestID != requestID || msg.Host != "mud.example.org" || msg.Port != 4000 {
		t.Fatalf("unexpected connected frame %+v", msg)
	}
	if !strings.HasPrefix(msg.ConnectionID, "tn_") {
		t.Fatalf("unexpected connection id %q", msg.ConnectionID)
	}
	return msg.ConnectionID, remote
}

func TestConnectToLoopbackIsRejectedWithoutDialing(t *testing.T) {
	t.Parallel()

	g := startGateway(t, nil)
	conn := g.dial(t)

	sendJSON(t, conn, connectFrame("127.0.0.1", 23, "req-1"))
	msg := readFrame(t, conn)
	if msg.Type != bridgeproto.TypeError || msg.Code != domain.CodeBlockedDestination {
		t.Fatalf("expected blocked_destination error, got %+v", msg)
	}
	if msg.RequestID != "req-1" {
		t.Fatalf("expected requestId echoed, got %q", msg.RequestID)
	}
	if !strings.Contains(msg.Message, "blocked") {
		t.Fatalf("expected message to mention blocked, got %q", msg.Message)
	}
	if dials := g.dialer.dialed(); len(dials) != 0 {
		t.Fatalf("expected no dial attempts, got %v", dials)
	}
}

func TestConnectRejectsDisallowedPort(t *testing.T) {
	t.Parallel()

	g := startGateway(t, nil)
	conn := g.dial(t)

	sendJSON(t, conn, connectFrame("mud.example.org", 22, "req-ssh"))
	msg := readFrame(t, conn)
	if msg.Type != bridgeproto.TypeError || msg.Code != domain.CodePortNotAllowed {
		t.Fatalf("expected port_not_allowed, got %+v", msg)
	}
	if g.resolver.lookups() != 0 {
		t.Fatal("expected port check before DNS")
	}
}

func TestRelayStripsNegotiationAndForwardsClientBytes(t *testing.T) {
	t.Parallel()

	g := startGateway(t, nil)
	conn := g.dial(t)
	id, remote := openSession(t, g, conn, "req-1")

	go func() {
		_, _ = remote.Write([]byte{0xFF, 0xFD, 0x01, 'l', 'o', 'o', 'k', '\n'})
	}()
	msg := readFrame(t, conn)
	if msg.Type != bridgeproto.TypeData || msg.ConnectionID != id {
		t.Fatalf("expected data frame for %s, got %+v", id, msg)
	}
	if msg.Data != "look\n" {
		t.Fatalf("expected negotiation stripped, got %q", msg.Data)
	}

	sendJSON(t, conn, map[string]any{"type": "data", "connectionId": id, "data": "say hi\n"})
	buf := make([]byte, 64)
	_ = remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := io.ReadAtLeast(remote, buf, len("say hi\n"))
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "say hi\n" {
		t.Fatalf("remote got %q", buf[:n])
	}

	sendJSON(t, conn, map[string]any{"type": "break", "connectionId": id})
	n, err = io.ReadAtLeast(remote, buf, 2)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "\xff\xf3" {
		t.Fatalf("expected IAC BRK, got %x", buf[:n])
	}

	// Counters move after the pipe write returns.
	wantSent := uint64(len("say hi\n") + 2)
	deadline := time.Now().Add(2 * time.Second)
	for {
		stats := g.srv.Stats()
		if stats.ActiveSessions != 1 || len(stats.Sessions) != 1 {
			t.Fatalf("unexpected stats %+v", stats)
		}
		got := stats.Sessions[0]
		if got.ID == id && got.BytesSent == wantSent && got.BytesReceived == 8 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("unexpected session info %+v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRelayKeepsBytesOutsideUTF8(t *testing.T) {
	t.Parallel()

	g := startGateway(t, nil)
	conn := g.dial(t)
	id, remote := openSession(t, g, conn, "latin")

	// IAC IAC is one literal 255 in the data stream.
	go func() { _, _ = remote.Write([]byte{'a', 0xFF, 0xFF, 'b'}) }()
	msg := readFrame(t, conn)
	if msg.Type != bridgeproto.TypeData || msg.ConnectionID != id {
		t.Fatalf("expected data frame, got %+v", msg)
	}
	if msg.Data != "a\u00ffb" {
		t.Fatalf("expected 255 to survive as U+00FF, got %q", msg.Data)
	}
}

func TestPartialRuneIsFlushedBeforeDisconnect(t *testing.T) {
	t.Parallel()

	g := startGateway(t, nil)
	conn := g.dial(t)
	id, remote := openSession(t, g, conn, "tail")

	go func() {
		_, _ = remote.Write([]byte("Name\xc3"))
		_ = remote.Close()
	}()

	var got strings.Builder
	for {
		msg := readFrame(t, conn)
		if msg.ConnectionID != id {
			t.Fatalf("unexpected frame %+v", msg)
		}
		if msg.Type == bridgeproto.TypeDisconnected {
			if msg.Reason != string(domain.ReasonRemoteClosed) {
				t.Fatalf("expected remote_closed, got %+v", msg)
			}
			break
		}
		if msg.Type != bridgeproto.TypeData {
			t.Fatalf("expected data before disconnect, got %+v", msg)
		}
		got.WriteString(msg.Data)
	}
	if got.String() != "Name\u00c3" {
		t.Fatalf("expected trailing byte before disconnect, got %q", got.String())
	}
}

func TestPartialRuneIsFlushedWhileRemoteIsQuiet(t *testing.T) {
	t.Parallel()

	g := startGateway(t, nil)
	conn := g.dial(t)
	_, remote := openSession(t, g, conn, "prompt")

	go func() { _, _ = remote.Write([]byte("Login\xe2")) }()

	var got strings.Builder
	for got.String() != "Login\u00e2" {
		msg := readFrame(t, conn)
		if msg.Type != bridgeproto.TypeData {
			t.Fatalf("expected data, got %+v", msg)
		}
		got.WriteString(msg.Data)
		if got.Len() > len("Login\u00e2") {
			t.Fatalf("unexpected output %q", got.String())
		}
	}
	if n := g.srv.Stats().ActiveSessions; n != 1 {
		t.Fatalf("session should stay open, active = %d", n)
	}
}

func TestRelayBase64PreservesRawBytes(t *testing.T) {
	t.Parallel()

	g := startGateway(t, nil)
	conn := g.dial(t)

	req := connectFrame("mud.example.org", 4000, "bin")
	req["encoding"] = "base64"
	sendJSON(t, conn, req)
	remote := g.dialer.nextRemote(t)
	connected := readFrame(t, conn)
	if connected.Type != bridgeproto.TypeConnected {
		t.Fatalf("expected connected, got %+v", connected)
	}

	go func() { _, _ = remote.Write([]byte{0xC3, 0x00, 0x80}) }()
	msg := readFrame(t, conn)
	if msg.Encoding != bridgeproto.EncodingBase64 {
		t.Fatalf("expected base64 encoding, got %+v", msg)
	}
	raw, err := bridgeproto.DecodeBody(msg.Data)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != "\xc3\x00\x80" {
		t.Fatalf("unexpected bytes %x", raw)
	}

	sendJSON(t, conn, map[string]any{"type": "data", "connectionId": connected.ConnectionID, "data": bridgeproto.EncodeBody([]byte{0xFF, 0xFF, 0x01})})
	buf := make([]byte, 8)
	_ = remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := io.ReadAtLeast(remote, buf, 3)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "\xff\xff\x01" {
		t.Fatalf("remote got %x", buf[:n])
	}
}

func TestDialsValidatedAddressOnly(t *testing.T) {
	t.Parallel()

	g := startGateway(t, nil)
	g.resolver.mu.Lock()
	g.resolver.answers["mud.example.org"] = [][]net.IPAddr{ipAddrs(publicA), ipAddrs(publicB)}
	g.resolver.mu.Unlock()

	conn := g.dial(t)
	openSession(t, g, conn, "rebind")

	dials := g.dialer.dialed()
	if len(dials) != 1 || dials[0] != publicA+":4000" {
		t.Fatalf("expected a single dial to %s:4000, got %v", publicA, dials)
	}
	if got := g.resolver.lookups(); got != 1 {
		t.Fatalf("expected one DNS lookup, got %d", got)
	}
}

func TestIdleSessionIsReaped(t *testing.T) {
	t.Parallel()

	g := startGateway(t, func(cfg *config.ServerConfig, _ *fakeDialer) {
		cfg.IdleTimeout = 100 * time.Millisecond
		cfg.SweepInterval = 25 * time.Millisecond
	})
	conn := g.dial(t)
	id, _ := openSession(t, g, conn, "idle")

	msg := readFrame(t, conn)
	if msg.Type != bridgeproto.TypeDisconnected || msg.ConnectionID != id {
		t.Fatalf("expected disconnected for %s, got %+v", id, msg)
	}
	if msg.Reason != string(domain.ReasonIdleTimeout) || msg.Message != "idle timeout" {
		t.Fatalf("unexpected reason %+v", msg)
	}
	g.waitForActive(t, 0)
}

func TestDisconnectReleasesEverySession(t *testing.T) {
	t.Parallel()

	g := startGateway(t, nil)
	conn := g.dial(t)

	const n = 3
	ids := make([]string, 0, n)
	for i := range n {
		id, _ := openSession(t, g, conn, "multi-"+string(rune('a'+i)))
		ids = append(ids, id)
	}
	g.waitForActive(t, n)

	for _, id := range ids {
		sendJSON(t, conn, map[string]any{"type": "disconnect", "connectionId": id})
		msg := readFrame(t, conn)
		if msg.Type != bridgeproto.TypeDisconnected || msg.ConnectionID != id {
			t.Fatalf("expected disconnected for %s, got %+v", id, msg)
		}
		if msg.Reason != string(domain.ReasonClientDisconnect) {
			t.Fatalf("unexpected reason %q", msg.Reason)
		}
	}
	g.waitForActive(t, 0)

	// Frames for a closed session are answered as unknown.
	sendJSON(t, conn, map[string]any{"type": "data", "connectionId": ids[0], "data": "x"})
	msg := readFrame(t, conn)
	if msg.Code != domain.CodeUnknownSession {
		t.Fatalf("expected unknown_session, got %+v", msg)
	}
}

func TestRemoteCloseSendsDisconnected(t *testing.T) {
	t.Parallel()

	g := startGateway(t, nil)
	conn := g.dial(t)
	id, remote := openSession(t, g, conn, "eof")

	_ = remote.Close()
	msg := readFrame(t, conn)
	if msg.Type != bridgeproto.TypeDisconnected || msg.ConnectionID != id || msg.Reason != string(domain.ReasonRemoteClosed) {
		t.Fatalf("expected remote_closed disconnect, got %+v", msg)
	}
	g.waitForActive(t, 0)
}

func TestUnknownSessionReturnsError(t *testing.T) {
	t.Parallel()

	g := startGateway(t, nil)
	conn := g.dial(t)

	for _, typ := range []string{"data", "break", "disconnect"} {
		frame := map[string]any{"type": typ, "connectionId": "tn_missing"}
		if typ == "data" {
			frame["data"] = "hello"
		}
		sendJSON(t, conn, frame)
		msg := readFrame(t, conn)
		if msg.Type != bridgeproto.TypeError || msg.Code != domain.CodeUnknownSession || msg.ConnectionID != "tn_missing" {
			t.Fatalf("%s: expected unknown_session, got %+v", typ, msg)
		}
	}
}

func TestSessionsAreScopedToTheirChannel(t *testing.T) {
	t.Parallel()

	g := startGateway(t, nil)
	owner := g.dial(t)
	other := g.dial(t)
	id, _ := openSession(t, g, owner, "mine")

	sendJSON(t, other, map[string]any{"type": "disconnect", "connectionId": id})
	msg := readFrame(t, other)
	if msg.Code != domain.CodeUnknownSession {
		t.Fatalf("expected unknown_session for a foreign session, got %+v", msg)
	}
	if g.srv.Stats().ActiveSessions != 1 {
		t.Fatal("expected the owner's session to survive")
	}
}

func TestMalformedFramesKeepChannelOpen(t *testing.T) {
	t.Parallel()

	g := startGateway(t, nil)
	conn := g.dial(t)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	msg := readFrame(t, conn)
	if msg.Type != bridgeproto.TypeError || msg.Code != domain.CodeMalformedMessage {
		t.Fatalf("expected malformed_message, got %+v", msg)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
		t.Fatal(err)
	}
	msg = readFrame(t, conn)
	if msg.Code != domain.CodeMalformedMessage {
		t.Fatalf("expected malformed_message for binary frame, got %+v", msg)
	}

	sendJSON(t, conn, map[string]any{"type": "teleport"})
	msg = readFrame(t, conn)
	if msg.Code != domain.CodeMalformedMessage {
		t.Fatalf("expected malformed_message for unknown type, got %+v", msg)
	}

	openSession(t, g, conn, "still-alive")
}

func TestConnectTimeoutReportsError(t *testing.T) {
	t.Parallel()

	g := startGateway(t, func(cfg *config.ServerConfig, d *fakeDialer) {
		cfg.ConnectTimeout = 100 * time.Millisecond
		d.hang = true
	})
	conn := g.dial(t)

	sendJSON(t, conn, connectFrame("mud.example.org", 4000, "slow"))
	msg := readFrame(t, conn)
	if msg.Type != bridgeproto.TypeError || msg.Code != string(domain.ReasonConnectTimeout) {
		t.Fatalf("expected connect_timeout error, got %+v", msg)
	}
	if msg.RequestID != "slow" || msg.ConnectionID == "" {
		t.Fatalf("expected ids on timeout error, got %+v", msg)
	}
	g.waitForActive(t, 0)
}

func TestConnectRefusedReportsError(t *testing.T) {
	t.Parallel()

	g := startGateway(t, func(_ *config.ServerConfig, d *fakeDialer) {
		d.refuse = true
	})
	conn := g.dial(t)

	sendJSON(t, conn, connectFrame("mud.example.org", 4000, "nope"))
	msg := readFrame(t, conn)
	if msg.Type != bridgeproto.TypeError || msg.Code != string(domain.ReasonConnectFailed) {
		t.Fatalf("expected connect_failed error, got %+v", msg)
	}
}

func TestSessionLimitPerChannel(t *testing.T) {
	t.Parallel()

	g := startGateway(t, func(cfg *config.ServerConfig, _ *fakeDialer) {
		cfg.MaxSessionsPerChannel = 1
	})
	conn := g.dial(t)
	openSession(t, g, conn, "first")

	sendJSON(t, conn, connectFrame("mud.example.org", 4000, "second"))
	msg := readFrame(t, conn)
	if msg.Type != bridgeproto.TypeError || msg.Code != domain.CodeSessionLimit || msg.RequestID != "second" {
		t.Fatalf("expected session_limit, got %+v", msg)
	}
}

func TestConnectRateLimited(t *testing.T) {
	t.Parallel()

	g := startGateway(t, func(cfg *config.ServerConfig, _ *fakeDialer) {
		cfg.ConnectRate = 0.001
		cfg.ConnectBurst = 1
	})
	conn := g.dial(t)

	sendJSON(t, conn, connectFrame("127.0.0.1", 23, "one"))
	if msg := readFrame(t, conn); msg.Code != domain.CodeBlockedDestination {
		t.Fatalf("expected first attempt to reach validation, got %+v", msg)
	}
	sendJSON(t, conn, connectFrame("127.0.0.1", 23, "two"))
	if msg := readFrame(t, conn); msg.Code != domain.CodeRateLimited {
		t.Fatalf("expected rate_limited, got %+v", msg)
	}
}

func TestOriginAllowlist(t *testing.T) {
	t.Parallel()

	g := startGateway(t, func(cfg *config.ServerConfig, _ *fakeDialer) {
		cfg.AllowedOrigins = []string{"https://play.example.org"}
	})
	url := "ws://" + g.addr + g.cfg.WSPath

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	if err == nil {
		t.Fatal("expected foreign origin to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", resp)
	}
	_ = resp.Body.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://play.example.org"}})
	if err != nil {
		t.Fatalf("expected allowed origin to connect: %v", err)
	}
	_ = resp.Body.Close()
	_ = conn.Close()
}

func TestChannelCloseFinishesSessions(t *testing.T) {
	t.Parallel()

	g := startGateway(t, nil)
	conn := g.dial(t)
	_, remote := openSession(t, g, conn, "bye")

	_ = conn.Close()
	g.waitForActive(t, 0)

	_ = remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := remote.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected remote socket to be closed, got %v", err)
	}
}

func TestShutdownNotifiesOpenSessions(t *testing.T) {
	t.Parallel()

	g := startGateway(t, nil)
	conn := g.dial(t)
	id, _ := openSession(t, g, conn, "shutdown")

	g.cancel()
	msg := readFrame(t, conn)
	if msg.Type != bridgeproto.TypeDisconnected || msg.ConnectionID != id || msg.Reason != string(domain.ReasonShutdown) {
		t.Fatalf("expected shutdown disconnect, got %+v", msg)
	}
	select {
	case err := <-g.done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
		g.done <- nil
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not stop")
	}
}

func TestHealthAndStatsEndpoints(t *testing.T) {
	t.Parallel()

	g := startGateway(t, nil)
	client := &http.Client{Timeout: 2 * time.Second}
	t.Cleanup(client.CloseIdleConnections)

	resp, err := client.Get("http://" + g.addr + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	var health domain.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if health.Status != "ok" || health.Version != "v0.0.0-test" {
		t.Fatalf("unexpected health %+v", health)
	}

	conn := g.dial(t)
	id, _ := openSession(t, g, conn, "stats")

	resp, err = client.Get("http://" + g.addr + "/v1/stats")
	if err != nil {
		t.Fatal(err)
	}
	var stats domain.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if stats.ActiveSessions != 1 || stats.Channels != 1 || len(stats.Sessions) != 1 || stats.Sessions[0].ID != id {
		t.Fatalf("unexpected stats %+v", stats)
	}

	resp, err = client.Get("http://" + g.addr + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(body), "telbridge_active_sessions 1") {
		t.Fatalf("expected active sessions gauge in metrics output")
	}
}

func TestAuditLogRecordsSessionsAndBlockedAttempts(t *testing.T) {
	t.Parallel()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	g := startGatewayWithStore(t, store, nil)
	conn := g.dial(t)

	sendJSON(t, conn, connectFrame("10.0.0.5", 23, "private"))
	if msg := readFrame(t, conn); msg.Code != domain.CodeBlockedDestination {
		t.Fatalf("expected blocked_destination, got %+v", msg)
	}
	sendJSON(t, conn, connectFrame("mud.example.org", 22, "ssh"))
	if msg := readFrame(t, conn); msg.Code != domain.CodePortNotAllowed {
		t.Fatalf("expected port_not_allowed, got %+v", msg)
	}
	// A DNS miss is rejected but is not a policy violation.
	sendJSON(t, conn, connectFrame("typo.example.org", 4000, "typo"))
	if msg := readFrame(t, conn); msg.Code != domain.CodeResolutionFailed {
		t.Fatalf("expected resolution_failed, got %+v", msg)
	}
	id, _ := openSession(t, g, conn, "audited")
	sendJSON(t, conn, map[string]any{"type": "disconnect", "connectionId": id})
	if msg := readFrame(t, conn); msg.Type != bridgeproto.TypeDisconnected {
		t.Fatalf("expected disconnected, got %+v", msg)
	}

	// Stopping the gateway drains the audit queue.
	g.cancel()
	select {
	case err := <-g.done:
		if err != nil {
			t.Fatal(err)
		}
		g.done <- nil
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not stop")
	}

	ctx := context.Background()
	sessions, err := store.ListRecentSessions(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected one audited session, got %d", len(sessions))
	}
	rec := sessions[0]
	if rec.ID != id || rec.State != domain.StateClosed || rec.CloseReason != domain.ReasonClientDisconnect {
		t.Fatalf("unexpected session record %+v", rec)
	}
	if rec.Host != "mud.example.org" || rec.Port != 4000 || rec.ResolvedAddr != publicA {
		t.Fatalf("unexpected destination in record %+v", rec)
	}

	blocked, err := store.ListBlockedAttempts(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocked) != 2 {
		t.Fatalf("expected only policy violations in the audit log, got %+v", blocked)
	}
	reasons := map[string]string{}
	for _, b := range blocked {
		reasons[b.Host] = b.Reason
	}
	if reasons["10.0.0.5"] != domain.CodeBlockedDestination || reasons["mud.example.org"] != domain.CodePortNotAllowed {
		t.Fatalf("unexpected blocked attempts %+v", blocked)
	}
}
