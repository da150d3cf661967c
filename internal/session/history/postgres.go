package history

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/lipsync/pkg/provider/llm"
)

// Schema is the SQL DDL for the chat_history table.
const Schema = `
CREATE TABLE IF NOT EXISTS chat_history (
    id          BIGSERIAL PRIMARY KEY,
    session_id  TEXT NOT NULL,
    role        TEXT NOT NULL,
    content     TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_chat_history_session ON chat_history(session_id, id);
`

// DB is the subset of pgx used by [PostgresStore]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var _ Store = (*PostgresStore)(nil)

// PostgresStore is a [Store] backed by PostgreSQL.
type PostgresStore struct {
	db        DB
	maxTokens int
}

// NewPostgresStore wraps db. Messages returns at most maxTokens estimated
// tokens of the newest turns; maxTokens <= 0 returns everything.
func NewPostgresStore(db DB, maxTokens int) *PostgresStore {
	return &PostgresStore{db: db, maxTokens: maxTokens}
}

// Open connects a pool to dsn, applies [Schema] and returns the store
// together with the pool so the caller can close it.
func Open(ctx context.Context, dsn string, maxTokens int) (*PostgresStore, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("history: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("history: ping: %w", err)
	}
	s := NewPostgresStore(pool, maxTokens)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool, nil
}

// Migrate creates the chat_history table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("history: migrate: %w", err)
	}
	return nil
}

// Append implements [Store]. Messages are inserted in one batch statement.
func (s *PostgresStore) Append(ctx context.Context, sessionID string, msgs ...llm.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	roles := make([]string, len(msgs))
	contents := make([]string, len(msgs))
	for i, m := range msgs {
		roles[i] = m.Role
		contents[i] = m.Content
	}
	const q = `
		INSERT INTO chat_history (session_id, role, content)
		SELECT $1, r, c FROM unnest($2::text[], $3::text[]) WITH ORDINALITY AS t(r, c, n)
		ORDER BY n`
	if _, err := s.db.Exec(ctx, q, sessionID, roles, contents); err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	return nil
}

// Messages implements [Store].
func (s *PostgresStore) Messages(ctx context.Context, sessionID string) ([]llm.Message, error) {
	const q = `
		SELECT role, content
		FROM   chat_history
		WHERE  session_id = $1
		ORDER  BY id`
	rows, err := s.db.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (llm.Message, error) {
		var m llm.Message
		err := row.Scan(&m.Role, &m.Content)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("history: scan: %w", err)
	}
	if msgs == nil {
		msgs = []llm.Message{}
	}
	return Trim(msgs, s.maxTokens), nil
}

// Clear implements [Store].
func (s *PostgresStore) Clear(ctx context.Context, sessionID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM chat_history WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("history: clear: %w", err)
	}
	return nil
}
