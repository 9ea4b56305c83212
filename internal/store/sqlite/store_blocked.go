package sqlite

import (
	"context"
	"time"

	"github.com/cyberdeck/telbridge/internal/domain"
)

// RecordBlockedAttempt stores a connect request rejected by validation.
func (s *Store) RecordBlockedAttempt(ctx context.Context, a domain.BlockedAttempt) (int64, error) {
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	res, err := s.insertBlockedStmt.ExecContext(ctx, a.RemoteAddr, a.Host, a.Port, a.Reason, createdAt.UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListBlockedAttempts returns the newest blocked attempts first.
func (s *Store) ListBlockedAttempts(ctx context.Context, limit int) ([]domain.BlockedAttempt, error) {
	limit = clampLimit(limit, defaultListLimit, maxListLimit)
	rows, err := s.db.QueryContext(ctx, `
SELECT id, remote_addr, host, port, reason, created_at
FROM blocked_attempts
ORDER BY created_at DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.BlockedAttempt
	for rows.Next() {
		var a domain.BlockedAttempt
		if err := rows.Scan(&a.ID, &a.RemoteAddr, &a.Host, &a.Port, &a.Reason, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.CreatedAt = a.CreatedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}
