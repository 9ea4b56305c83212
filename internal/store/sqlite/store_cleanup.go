package sqlite

import (
	"context"
	"time"
)

// PurgeBefore deletes closed sessions and blocked attempts older than
// olderThan. Sessions still open are never purged.
func (s *Store) PurgeBefore(ctx context.Context, olderThan time.Time) (sessions int64, blocked int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := olderThan.UTC()
	res, err := tx.ExecContext(ctx, `DELETE FROM session_log WHERE closed_at IS NOT NULL AND closed_at < ?`, cutoff)
	if err != nil {
		return 0, 0, err
	}
	if sessions, err = res.RowsAffected(); err != nil {
		return 0, 0, err
	}
	res, err = tx.ExecContext(ctx, `DELETE FROM blocked_attempts WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, 0, err
	}
	if blocked, err = res.RowsAffected(); err != nil {
		return 0, 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, 0, err
	}
	return sessions, blocked, nil
}
