package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/cyberdeck/telbridge/internal/bridgeproto"
	"github.com/cyberdeck/telbridge/internal/domain"
)

const (
	pumpControlQueue = 16
	pumpDataQueue    = 64
	wsWriteTimeout   = 10 * time.Second
	pingWriteTimeout = 5 * time.Second
)

// channel is one client WebSocket. It may own several sessions.
type channel struct {
	id       string
	remoteIP string
	srv      *Server
	conn     *websocket.Conn
	pump     *bridgeproto.WritePump
	log      *slog.Logger

	// inflight counts connects that passed admission but are not yet
	// registered. Only the read loop increments it.
	inflight atomic.Int32

	mu     sync.Mutex
	closed bool
}

func (c *channel) send(msg bridgeproto.Message) error {
	return c.pump.Write(msg)
}

func (c *channel) sendError(connectionID, requestID string, err error) {
	code := domain.CodeForError(err)
	c.srv.metrics.rejected(code)
	if sendErr := c.send(bridgeproto.ErrorFrame(connectionID, requestID, code, err.Error())); sendErr != nil {
		c.log.Debug("failed to deliver error frame", "code", code, "err", sendErr)
	}
}

// serve runs the read and keepalive loops until the client goes away or
// ctx is canceled, then closes every session the channel owns.
func (c *channel) serve(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.pingLoop(gctx) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-c.pump.Done():
		}
		// Unblocks ReadMessage.
		_ = c.conn.Close()
		return nil
	})
	err := g.Wait()

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	for _, sess := range c.srv.registry.byChannel(c.id) {
		sess.finish(domain.ReasonChannelClosed, nil)
	}
	c.pump.Close()
	_ = c.conn.Close()

	if err != nil && !errors.Is(err, context.Canceled) && !isClosedConnError(err) {
		c.log.Debug("channel ended", "err", err)
	}
}

func (c *channel) readLoop(ctx context.Context) error {
	readTimeout := 3 * c.srv.cfg.PingInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("channel read error", "err", err)
			}
			return err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))

		if mt != websocket.TextMessage {
			c.sendError("", "", errBinaryFrame)
			continue
		}
		cmd, err := bridgeproto.Decode(data)
		if err != nil {
			c.sendError("", "", err)
			continue
		}
		c.dispatch(ctx, cmd)
	}
}

var errBinaryFrame = fmt.Errorf("%w: binary frames are not supported", domain.ErrMalformedMessage)

func (c *channel) dispatch(ctx context.Context, cmd bridgeproto.Command) {
	switch cmd := cmd.(type) {
	case bridgeproto.Connect:
		c.handleConnect(ctx, cmd)
	case bridgeproto.Data:
		sess, ok := c.lookup(cmd.ConnectionID)
		if !ok {
			return
		}
		payload, err := cmd.Bytes(sess.encoding)
		if err != nil {
			c.sendError(cmd.ConnectionID, "", err)
			return
		}
		if err := sess.write(payload); err != nil && errors.Is(err, domain.ErrSessionNotConnected) {
			c.sendError(cmd.ConnectionID, "", err)
		}
	case bridgeproto.Break:
		sess, ok := c.lookup(cmd.ConnectionID)
		if !ok {
			return
		}
		if err := sess.sendBreak(); err != nil && errors.Is(err, domain.ErrSessionNotConnected) {
			c.sendError(cmd.ConnectionID, "", err)
		}
	case bridgeproto.Disconnect:
		sess, ok := c.lookup(cmd.ConnectionID)
		if !ok {
			return
		}
		sess.abort(domain.ReasonClientDisconnect)
	}
}

// lookup resolves a session owned by this channel, answering with
// unknown_session otherwise.
func (c *channel) lookup(id string) (*session, bool) {
	sess, ok := c.srv.registry.get(id)
	if !ok || sess.channelID != c.id {
		c.sendError(id, "", &domain.SessionError{SessionID: id, Op: "lookup", Err: domain.ErrSessionNotFound})
		return nil, false
	}
	return sess, true
}

func (c *channel) handleConnect(ctx context.Context, cmd bridgeproto.Connect) {
	if !c.srv.connectLimiter.allow(c.remoteIP) {
		c.sendError("", cmd.RequestID, domain.ErrRateLimited)
		return
	}
	if c.srv.registry.countByChannel(c.id)+int(c.inflight.Load()) >= c.srv.cfg.MaxSessionsPerChannel {
		c.sendError("", cmd.RequestID, domain.ErrSessionLimit)
		return
	}

	c.inflight.Add(1)
	c.srv.wg.Add(1)
	go func() {
		defer c.srv.wg.Done()
		c.connect(ctx, cmd)
	}()
}

// connect validates and dials off the read loop so a slow DNS answer
// does not stall other sessions on the channel.
func (c *channel) connect(ctx context.Context, cmd bridgeproto.Connect) {
	res, err := c.srv.validator.Validate(ctx, cmd.Host, cmd.Port)
	if err != nil {
		c.inflight.Add(-1)
		if ctx.Err() != nil {
			return
		}
		if domain.IsPolicyViolation(err) {
			c.log.Warn("connect blocked", "host", cmd.Host, "port", cmd.Port, "err", err)
			c.srv.auditBlocked(c.remoteIP, cmd.Host, cmd.Port, domain.CodeForError(err))
		} else {
			c.log.Info("connect rejected", "host", cmd.Host, "port", cmd.Port, "err", err)
		}
		c.sendError("", cmd.RequestID, err)
		return
	}

	sess := newSession(ctx, c.srv, c, sessionParams{
		id:         c.srv.registry.nextID(),
		channelID:  c.id,
		remoteAddr: c.remoteIP,
		host:       res.Host,
		port:       res.Port,
		addr:       res.AddrPort(),
		requestID:  cmd.RequestID,
		encoding:   cmd.Encoding,
	})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.inflight.Add(-1)
		sess.cancel()
		return
	}
	c.srv.registerSession(sess)
	c.mu.Unlock()
	c.inflight.Add(-1)

	sess.run()
}

func (c *channel) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.srv.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.pump.Done():
			return bridgeproto.ErrWritePumpClosed
		case <-ticker.C:
			// WriteControl is safe to call concurrently with the pump.
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWriteTimeout)); err != nil {
				return err
			}
		}
	}
}

func isClosedConnError(err error) bool {
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr) || errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, bridgeproto.ErrWritePumpClosed)
}
