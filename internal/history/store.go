// Package history persists archived session runs in sqlite. The store is the
// write-behind sink behind the session registry's Archiver interface; the
// read side backs the dashboard history panel.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/g960059/devboard/internal/model"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Archive writes one finished run and its final log entries. Implements the
// session registry's Archiver interface; records are append-only.
func (s *Store) Archive(ctx context.Context, rec model.HistoryRecord) error {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO runs(run_id, conversation_id, session_id, engine, prompt, project_dir, todo_id, started_at, duration_ms, success, reason, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, rec.ID, rec.ConversationID, rec.SessionID, rec.Engine, rec.Prompt, rec.ProjectDir, rec.TodoID,
		ts(rec.StartedAt), rec.DurationMs, boolToInt(rec.Success), rec.Reason, ts(time.Now().UTC()))
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("insert run: %w", err)
	}
	for _, entry := range rec.Logs {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO run_logs(run_id, seq, kind, content, emitted_at)
VALUES (?, ?, ?, ?, ?)
`, rec.ID, entry.Seq, string(entry.Kind), entry.Content, ts(entry.Timestamp)); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("insert run log %d: %w", entry.Seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive: %w", err)
	}
	return nil
}

// ListRuns returns runs newest first, without logs. limit <= 0 means 50.
func (s *Store) ListRuns(ctx context.Context, conversationID string, limit int) ([]model.HistoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
SELECT run_id, conversation_id, session_id, engine, prompt, project_dir, todo_id, started_at, duration_ms, success, reason
FROM runs`
	args := []any{}
	if conversationID != "" {
		query += ` WHERE conversation_id = ?`
		args = append(args, conversationID)
	}
	query += ` ORDER BY started_at DESC, run_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.HistoryRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// GetRun returns one run with its full ordered log.
func (s *Store) GetRun(ctx context.Context, runID string) (model.HistoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT run_id, conversation_id, session_id, engine, prompt, project_dir, todo_id, started_at, duration_ms, success, reason
FROM runs WHERE run_id = ?
`, runID)
	rec, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.HistoryRecord{}, ErrNotFound
		}
		return model.HistoryRecord{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT seq, kind, content, emitted_at FROM run_logs WHERE run_id = ? ORDER BY seq ASC
`, runID)
	if err != nil {
		return model.HistoryRecord{}, fmt.Errorf("list run logs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var (
			entry     model.LogEntry
			kind      string
			emittedAt string
		)
		if err := rows.Scan(&entry.Seq, &kind, &entry.Content, &emittedAt); err != nil {
			return model.HistoryRecord{}, fmt.Errorf("scan run log: %w", err)
		}
		entry.Kind = model.LogKind(kind)
		entry.SessionID = rec.SessionID
		if t, err := parseTS(emittedAt); err == nil {
			entry.Timestamp = t
		}
		rec.Logs = append(rec.Logs, entry)
	}
	if err := rows.Err(); err != nil {
		return model.HistoryRecord{}, fmt.Errorf("iterate run logs: %w", err)
	}
	return rec, nil
}

// PruneBefore deletes runs that started before the cutoff. Returns rows removed.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, ts(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (model.HistoryRecord, error) {
	var (
		rec       model.HistoryRecord
		startedAt string
		success   int
	)
	if err := row.Scan(&rec.ID, &rec.ConversationID, &rec.SessionID, &rec.Engine, &rec.Prompt,
		&rec.ProjectDir, &rec.TodoID, &startedAt, &rec.DurationMs, &success, &rec.Reason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.HistoryRecord{}, err
		}
		return model.HistoryRecord{}, fmt.Errorf("scan run: %w", err)
	}
	rec.Success = success != 0
	if t, err := parseTS(startedAt); err == nil {
		rec.StartedAt = t
	}
	return rec, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
