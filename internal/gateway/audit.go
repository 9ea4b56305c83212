package gateway

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cyberdeck/telbridge/internal/domain"
)

const (
	auditQueueSize    = 1024
	auditWriteTimeout = 5 * time.Second
)

// auditStore is the persistence the gateway needs. *sqlite.Store
// implements it.
type auditStore interface {
	RecordSessionOpened(ctx context.Context, rec domain.SessionRecord) error
	RecordSessionClosed(ctx context.Context, id string, reason domain.CloseReason, bytesReceived, bytesSent uint64, closedAt time.Time) error
	RecordBlockedAttempt(ctx context.Context, a domain.BlockedAttempt) (int64, error)
	ResetOpenSessions(ctx context.Context) (int64, error)
	PurgeBefore(ctx context.Context, olderThan time.Time) (int64, int64, error)
}

type auditKind uint8

const (
	auditOpened auditKind = iota + 1
	auditClosed
	auditBlocked
)

type auditEvent struct {
	kind    auditKind
	record  domain.SessionRecord
	reason  domain.CloseReason
	at      time.Time
	blocked domain.BlockedAttempt
}

// queueAudit hands ev to the audit worker. A full queue drops the event;
// relay traffic never waits on the database.
func (s *Server) queueAudit(ev auditEvent) {
	if s.store == nil {
		return
	}
	select {
	case s.audit <- ev:
	default:
		s.metrics.auditDropped.Inc()
		s.log.Warn("audit queue full, dropping event", "session_id", ev.record.ID)
	}
}

func (s *Server) auditBlocked(remoteAddr, host string, port int, reason string) {
	s.queueAudit(auditEvent{
		kind: auditBlocked,
		blocked: domain.BlockedAttempt{
			RemoteAddr: remoteAddr,
			Host:       host,
			Port:       port,
			Reason:     reason,
			CreatedAt:  time.Now(),
		},
	})
}

// runAuditWorker applies queued events until stop is closed, then drains
// whatever is left.
func (s *Server) runAuditWorker(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case ev := <-s.audit:
			s.applyAudit(ev)
		case <-stop:
			for {
				select {
				case ev := <-s.audit:
					s.applyAudit(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *Server) applyAudit(ev auditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
	defer cancel()

	var err error
	switch ev.kind {
	case auditOpened:
		err = s.store.RecordSessionOpened(ctx, ev.record)
	case auditClosed:
		err = s.store.RecordSessionClosed(ctx, ev.record.ID, ev.reason, ev.record.BytesReceived, ev.record.BytesSent, ev.at)
		if errors.Is(err, sql.ErrNoRows) {
			// The open event was dropped; nothing to update.
			err = nil
		}
	case auditBlocked:
		_, err = s.store.RecordBlockedAttempt(ctx, ev.blocked)
	}
	if err != nil {
		s.log.Error("failed to write audit event", "session_id", ev.record.ID, "err", err)
	}
}

func (s *Server) purgeHistory(ctx context.Context) {
	if s.store == nil {
		return
	}
	purgeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	sessions, blocked, err := s.store.PurgeBefore(purgeCtx, time.Now().Add(-s.cfg.HistoryRetention))
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.log.Error("failed to purge audit history", "err", err)
		}
		return
	}
	if sessions > 0 || blocked > 0 {
		s.log.Info("purged audit history", "sessions", sessions, "blocked_attempts", blocked)
	}
}
