package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists stream records in a local SQLite file, for kiosks
// that run without a database server.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens path, or an in-memory database for ":memory:".
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create journal dir: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	const ddl = `
CREATE TABLE IF NOT EXISTS stream_journal (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    device_id TEXT NOT NULL DEFAULT '',
    turn_id TEXT NOT NULL DEFAULT '',
    stream_id INTEGER NOT NULL,
    phrase_index INTEGER NOT NULL DEFAULT 0,
    outcome TEXT NOT NULL,
    text TEXT NOT NULL DEFAULT '',
    bytes INTEGER NOT NULL DEFAULT 0,
    detail TEXT NOT NULL DEFAULT '',
    pii_redacted INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stream_journal_session_created ON stream_journal(session_id, created_at);
CREATE TABLE IF NOT EXISTS conversation_turns (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    device_id TEXT NOT NULL DEFAULT '',
    turn_id TEXT NOT NULL DEFAULT '',
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    pii_redacted INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversation_turns_session_created ON conversation_turns(session_id, created_at);
`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Record(ctx context.Context, r StreamRecord) error {
	fillDefaults(&r)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stream_journal (id, session_id, device_id, turn_id, stream_id, phrase_index, outcome, text, bytes, detail, pii_redacted, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.DeviceID, r.TurnID, int64(r.StreamID), r.PhraseIndex,
		r.Outcome, r.Text, r.Bytes, r.Detail, r.PIIRedacted, r.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record stream: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Recent(ctx context.Context, sessionID string, limit int) ([]StreamRecord, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, device_id, turn_id, stream_id, phrase_index, outcome, text, bytes, detail, pii_redacted, created_at
		 FROM stream_journal WHERE session_id=? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query stream journal: %w", err)
	}
	defer rows.Close()

	items := make([]StreamRecord, 0, limit)
	for rows.Next() {
		var (
			r         StreamRecord
			streamID  int64
			createdNS int64
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.DeviceID, &r.TurnID, &streamID, &r.PhraseIndex,
			&r.Outcome, &r.Text, &r.Bytes, &r.Detail, &r.PIIRedacted, &createdNS); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		r.StreamID = uint64(streamID)
		r.CreatedAt = time.Unix(0, createdNS).UTC()
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal rows: %w", err)
	}
	reverse(items)
	return items, nil
}

func (s *SQLiteStore) SaveTurn(ctx context.Context, r TurnRecord) error {
	fillTurnDefaults(&r)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_turns (id, session_id, device_id, turn_id, role, content, pii_redacted, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.DeviceID, r.TurnID, r.Role, r.Content, r.PIIRedacted, r.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecentTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, device_id, turn_id, role, content, pii_redacted, created_at
		 FROM conversation_turns WHERE session_id=? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversation turns: %w", err)
	}
	defer rows.Close()

	items := make([]TurnRecord, 0, limit)
	for rows.Next() {
		var (
			r         TurnRecord
			createdNS int64
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.DeviceID, &r.TurnID, &r.Role, &r.Content, &r.PIIRedacted, &createdNS); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		r.CreatedAt = time.Unix(0, createdNS).UTC()
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	reverse(items)
	return items, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
