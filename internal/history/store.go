// Package history persists processed batches and synthesis outcomes for
// the /status command and post-hoc auditing.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"readloong/internal/domain"
)

// SQLiteStore implements domain.HistoryStore on a single-connection
// SQLite database in WAL mode.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS batches (
		id           TEXT PRIMARY KEY,
		chat_id      TEXT NOT NULL,
		items        INTEGER NOT NULL,
		failed       INTEGER NOT NULL DEFAULT 0,
		close_reason TEXT NOT NULL,
		opened_at    DATETIME,
		closed_at    DATETIME,
		created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_batches_chat ON batches(chat_id, created_at);

	CREATE TABLE IF NOT EXISTS syntheses (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		batch_id    TEXT NOT NULL,
		chat_id     TEXT NOT NULL,
		voice       TEXT,
		chars       INTEGER NOT NULL DEFAULT 0,
		outcome     TEXT NOT NULL,
		error       TEXT,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_syntheses_batch ON syntheses(batch_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) RecordBatch(ctx context.Context, b domain.Batch, failed int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO batches (id, chat_id, items, failed, close_reason, opened_at, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.ChatID, len(b.Items), failed, string(b.Reason), b.OpenedAt, b.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("record batch: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordSynthesis(ctx context.Context, out domain.SynthesisOutcome) error {
	outcome := "success"
	errText := ""
	if out.Err != nil {
		outcome = "failure"
		errText = out.Err.Error()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO syntheses (batch_id, chat_id, voice, chars, outcome, error, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		out.BatchID, out.ChatID, out.Voice, out.Chars, outcome, errText, out.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("record synthesis: %w", err)
	}
	return nil
}

// Counts reports totals for the status command.
func (s *SQLiteStore) Counts(ctx context.Context) (batches, syntheses, failures int, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM batches`)
	if err = row.Scan(&batches); err != nil {
		return 0, 0, 0, fmt.Errorf("count batches: %w", err)
	}
	row = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN outcome = 'failure' THEN 1 ELSE 0 END), 0) FROM syntheses`)
	if err = row.Scan(&syntheses, &failures); err != nil {
		return 0, 0, 0, fmt.Errorf("count syntheses: %w", err)
	}
	return batches, syntheses, failures, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
