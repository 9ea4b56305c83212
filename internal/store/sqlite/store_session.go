package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cyberdeck/telbridge/internal/domain"
)

const defaultListLimit = 50
const maxListLimit = 1000

// RecordSessionOpened inserts the audit row for a session. Recording the same
// id twice updates its state and resolved address.
func (s *Store) RecordSessionOpened(ctx context.Context, rec domain.SessionRecord) error {
	if rec.ID == "" {
		return errors.New("session id is required")
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	state := rec.State
	if state == "" {
		state = domain.StateConnecting
	}
	_, err := s.insertSessionStmt.ExecContext(ctx,
		rec.ID, rec.ChannelID, rec.RemoteAddr, rec.Host, rec.Port,
		nullableString(rec.ResolvedAddr), string(state), createdAt.UTC())
	return err
}

// RecordSessionClosed marks a session closed with its final counters.
// It returns sql.ErrNoRows when no audit row exists for id.
func (s *Store) RecordSessionClosed(ctx context.Context, id string, reason domain.CloseReason, bytesReceived, bytesSent uint64, closedAt time.Time) error {
	if closedAt.IsZero() {
		closedAt = time.Now()
	}
	res, err := s.closeSessionStmt.ExecContext(ctx,
		string(domain.StateClosed), nullableString(string(reason)),
		int64(bytesReceived), int64(bytesSent), closedAt.UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListRecentSessions returns the newest sessions first.
func (s *Store) ListRecentSessions(ctx context.Context, limit int) ([]domain.SessionRecord, error) {
	limit = clampLimit(limit, defaultListLimit, maxListLimit)
	rows, err := s.db.QueryContext(ctx, `
SELECT id, channel_id, remote_addr, host, port, resolved_addr, state, close_reason,
	bytes_received, bytes_sent, created_at, closed_at
FROM session_log
ORDER BY created_at DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.SessionRecord
	for rows.Next() {
		var (
			rec           domain.SessionRecord
			resolved      sql.NullString
			state         string
			reason        sql.NullString
			bytesReceived int64
			bytesSent     int64
			closedAt      sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.ChannelID, &rec.RemoteAddr, &rec.Host, &rec.Port,
			&resolved, &state, &reason, &bytesReceived, &bytesSent, &rec.CreatedAt, &closedAt); err != nil {
			return nil, err
		}
		rec.ResolvedAddr = resolved.String
		rec.State = domain.SessionState(state)
		rec.CloseReason = domain.CloseReason(reason.String)
		rec.BytesReceived = uint64(bytesReceived)
		rec.BytesSent = uint64(bytesSent)
		rec.CreatedAt = rec.CreatedAt.UTC()
		rec.ClosedAt = nullTimePtr(closedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ResetOpenSessions closes audit rows left open by a previous process. It
// runs once at startup and returns the number of rows reconciled.
func (s *Store) ResetOpenSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE session_log
SET state = ?, close_reason = ?, closed_at = ?
WHERE state <> ?`,
		string(domain.StateClosed), string(domain.ReasonShutdown), time.Now().UTC(), string(domain.StateClosed))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
