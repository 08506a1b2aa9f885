package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/haasonsaas/nexus/pkg/models"
)

// Dialect distinguishes the placeholder style and schema-create statement
// between backends sharing this otherwise-identical SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

// SQLConfig configures SQLStore's underlying *sql.DB, mirroring the pool
// knobs internal/jobs.CockroachConfig already exposes.
type SQLConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultSQLConfig mirrors internal/jobs.DefaultCockroachConfig.
func DefaultSQLConfig() SQLConfig {
	return SQLConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// SQLStore implements ctxmgr.HistoryProvider over database/sql, supporting
// sqlite (via mattn/go-sqlite3) and postgres (via lib/pq) with the same
// schema and query logic, differing only in placeholder syntax.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// Open creates (if needed) the turn_messages table and returns a SQLStore.
// dsn is the driver-specific connection string (a file path for sqlite, a
// "postgres://..." URL for postgres).
func Open(ctx context.Context, dialect Dialect, dsn string, cfg SQLConfig) (*SQLStore, error) {
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", dialect, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: ping %s: %w", dialect, err)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS turn_messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	body TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("history: migrate: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) placeholder(n int) string {
	if s.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Append implements ctxmgr.HistoryProvider.
func (s *SQLStore) Append(ctx context.Context, sessionID string, msg *models.InternalMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("history: marshal message: %w", err)
	}

	var seq int64
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM turn_messages WHERE session_id = %s", s.placeholder(1)),
		sessionID)
	if err := row.Scan(&seq); err != nil {
		return fmt.Errorf("history: count: %w", err)
	}

	query := fmt.Sprintf(
		"INSERT INTO turn_messages (id, session_id, seq, body, created_at) VALUES (%s, %s, %s, %s, %s)",
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5))
	_, err = s.db.ExecContext(ctx, query, msg.ID, sessionID, seq, string(body), time.Now())
	if err != nil {
		return fmt.Errorf("history: insert: %w", err)
	}
	return nil
}

// Read implements ctxmgr.HistoryProvider, ordered by insertion sequence.
func (s *SQLStore) Read(ctx context.Context, sessionID string) ([]*models.InternalMessage, error) {
	query := fmt.Sprintf(
		"SELECT body FROM turn_messages WHERE session_id = %s ORDER BY seq ASC", s.placeholder(1))
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("history: select: %w", err)
	}
	defer rows.Close()

	var out []*models.InternalMessage
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		var msg models.InternalMessage
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			return nil, fmt.Errorf("history: unmarshal: %w", err)
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

// Clear implements ctxmgr.HistoryProvider.
func (s *SQLStore) Clear(ctx context.Context, sessionID string) error {
	query := fmt.Sprintf("DELETE FROM turn_messages WHERE session_id = %s", s.placeholder(1))
	_, err := s.db.ExecContext(ctx, query, sessionID)
	if err != nil {
		return fmt.Errorf("history: delete: %w", err)
	}
	return nil
}
