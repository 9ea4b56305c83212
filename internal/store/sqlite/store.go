// Package sqlite implements the telbridge audit store backed by a SQLite
// database. It records relay sessions and rejected connect attempts.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database connection for all audit persistence operations.
type Store struct {
	db *sql.DB

	insertSessionStmt *sql.Stmt
	closeSessionStmt  *sql.Stmt
	insertBlockedStmt *sql.Stmt
}

const defaultMaxOpenConns = 10
const defaultMaxIdleConns = 10

const insertSessionQuery = `
INSERT INTO session_log(id, channel_id, remote_addr, host, port, resolved_addr, state, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET state = excluded.state, resolved_addr = excluded.resolved_addr`

const closeSessionQuery = `
UPDATE session_log
SET state = ?, close_reason = ?, bytes_received = ?, bytes_sent = ?, closed_at = ?
WHERE id = ?`

const insertBlockedQuery = `
INSERT INTO blocked_attempts(remote_addr, host, port, reason, created_at)
VALUES(?, ?, ?, ?, ?)`

// OpenOptions controls SQLite connection pool sizing.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

// Open creates or opens the SQLite database at path, runs migrations, and
// enables WAL mode for improved concurrent read performance.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions creates or opens the SQLite database at path with tunable
// connection pool settings, runs migrations, and enables WAL mode.
func OpenWithOptions(path string, opts OpenOptions) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Per-connection PRAGMAs go in the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	maxOpenConns := opts.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	// journal_mode and busy_timeout are database-wide; set them once here.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}
	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.prepareStatements(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	stmtErr := s.closePreparedStatements()
	return errors.Join(stmtErr, s.db.Close())
}

func (s *Store) prepareStatements(ctx context.Context) error {
	var err error
	if s.insertSessionStmt, err = s.db.PrepareContext(ctx, insertSessionQuery); err != nil {
		return fmt.Errorf("prepare insert session query: %w", err)
	}
	if s.closeSessionStmt, err = s.db.PrepareContext(ctx, closeSessionQuery); err != nil {
		closeErr := s.closePreparedStatements()
		return errors.Join(fmt.Errorf("prepare close session query: %w", err), closeErr)
	}
	if s.insertBlockedStmt, err = s.db.PrepareContext(ctx, insertBlockedQuery); err != nil {
		closeErr := s.closePreparedStatements()
		return errors.Join(fmt.Errorf("prepare insert blocked attempt query: %w", err), closeErr)
	}
	return nil
}

func (s *Store) closePreparedStatements() error {
	var err error
	err = errors.Join(err, closeStmt(&s.insertSessionStmt))
	err = errors.Join(err, closeStmt(&s.closeSessionStmt))
	err = errors.Join(err, closeStmt(&s.insertBlockedStmt))
	return err
}

func closeStmt(stmt **sql.Stmt) error {
	if stmt == nil || *stmt == nil {
		return nil
	}
	err := (*stmt).Close()
	*stmt = nil
	return err
}

// Migrate creates all required tables and indexes if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS session_log (
	id TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL,
	remote_addr TEXT NOT NULL,
	host TEXT NOT NULL,
	port INTEGER NOT NULL,
	resolved_addr TEXT NULL,
	state TEXT NOT NULL,
	close_reason TEXT NULL,
	bytes_received INTEGER NOT NULL DEFAULT 0,
	bytes_sent INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	closed_at DATETIME NULL
);
CREATE TABLE IF NOT EXISTS blocked_attempts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	remote_addr TEXT NOT NULL,
	host TEXT NOT NULL,
	port INTEGER NOT NULL,
	reason TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_log_created_at ON session_log(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_session_log_state ON session_log(state);
CREATE INDEX IF NOT EXISTS idx_session_log_closed_at ON session_log(closed_at);
CREATE INDEX IF NOT EXISTS idx_blocked_attempts_created_at ON blocked_attempts(created_at DESC);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return err
	}
	return nil
}
