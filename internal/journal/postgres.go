package journal

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists stream records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stream_journal (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			device_id TEXT NOT NULL DEFAULT '',
			turn_id TEXT NOT NULL DEFAULT '',
			stream_id BIGINT NOT NULL,
			phrase_index INTEGER NOT NULL DEFAULT 0,
			outcome TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			bytes BIGINT NOT NULL DEFAULT 0,
			detail TEXT NOT NULL DEFAULT '',
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_stream_journal_session_created ON stream_journal (session_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS conversation_turns (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			device_id TEXT NOT NULL DEFAULT '',
			turn_id TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_turns_session_created ON conversation_turns (session_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Record(ctx context.Context, r StreamRecord) error {
	fillDefaults(&r)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO stream_journal (id, session_id, device_id, turn_id, stream_id, phrase_index, outcome, text, bytes, detail, pii_redacted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID,
		r.SessionID,
		r.DeviceID,
		r.TurnID,
		int64(r.StreamID),
		r.PhraseIndex,
		r.Outcome,
		r.Text,
		r.Bytes,
		r.Detail,
		r.PIIRedacted,
		r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record stream: %w", err)
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, sessionID string, limit int) ([]StreamRecord, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, device_id, turn_id, stream_id, phrase_index, outcome, text, bytes, detail, pii_redacted, created_at
		 FROM stream_journal WHERE session_id=$1 ORDER BY created_at DESC LIMIT $2`,
		sessionID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query stream journal: %w", err)
	}
	defer rows.Close()

	items := make([]StreamRecord, 0, limit)
	for rows.Next() {
		var (
			r        StreamRecord
			streamID int64
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.DeviceID, &r.TurnID, &streamID, &r.PhraseIndex,
			&r.Outcome, &r.Text, &r.Bytes, &r.Detail, &r.PIIRedacted, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		r.StreamID = uint64(streamID)
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal rows: %w", err)
	}

	reverse(items)
	return items, nil
}

func (s *PostgresStore) SaveTurn(ctx context.Context, r TurnRecord) error {
	fillTurnDefaults(&r)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_turns (id, session_id, device_id, turn_id, role, content, pii_redacted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.SessionID, r.DeviceID, r.TurnID, r.Role, r.Content, r.PIIRedacted, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, device_id, turn_id, role, content, pii_redacted, created_at
		 FROM conversation_turns WHERE session_id=$1 ORDER BY created_at DESC LIMIT $2`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversation turns: %w", err)
	}
	defer rows.Close()

	items := make([]TurnRecord, 0, limit)
	for rows.Next() {
		var r TurnRecord
		if err := rows.Scan(&r.ID, &r.SessionID, &r.DeviceID, &r.TurnID, &r.Role, &r.Content, &r.PIIRedacted, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	reverse(items)
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
