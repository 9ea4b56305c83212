package gateway

import (
	"context"
	"time"

	"github.com/cyberdeck/telbridge/internal/domain"
)

// runJanitor reaps idle sessions, evicts stale rate-limit buckets, and
// purges old audit rows until ctx is cancelled.
func (s *Server) runJanitor(ctx context.Context) {
	sweepTicker := time.NewTicker(s.cfg.SweepInterval)
	defer sweepTicker.Stop()
	cleanupTicker := time.NewTicker(s.cfg.CleanupInterval)
	defer cleanupTicker.Stop()
	limiterTicker := time.NewTicker(limiterCleanupAge)
	defer limiterTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-sweepTicker.C:
			s.expireIdleSessions(now)
		case <-cleanupTicker.C:
			s.purgeHistory(ctx)
		case <-limiterTicker.C:
			s.connectLimiter.cleanup()
		}
	}
}

// expireIdleSessions closes connected sessions with no traffic in either
// direction for longer than the idle timeout. It returns how many closed.
func (s *Server) expireIdleSessions(now time.Time) int {
	idle := s.registry.idle(now, s.cfg.IdleTimeout)
	for _, sess := range idle {
		s.log.Info("closing idle session", "session_id", sess.id, "idle", now.Sub(sess.lastActivity()).Round(time.Second).String())
		sess.finish(domain.ReasonIdleTimeout, nil)
	}
	return len(idle)
}
