package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/joseph-ayodele/invoice-extractor/internal/common"
	"github.com/joseph-ayodele/invoice-extractor/internal/pagerange"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS extraction_runs (
	id                 TEXT PRIMARY KEY,
	session_id         TEXT NOT NULL,
	document_name      TEXT NOT NULL,
	model              TEXT NOT NULL,
	state              TEXT NOT NULL,
	pages              TEXT NOT NULL,
	service_session_id TEXT NOT NULL DEFAULT '',
	item_count         INTEGER NOT NULL DEFAULT 0,
	grand_total        TEXT NOT NULL DEFAULT '0',
	warning_count      INTEGER NOT NULL DEFAULT 0,
	error              TEXT NOT NULL DEFAULT '',
	result             TEXT,
	started_at         TEXT NOT NULL,
	finished_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS extraction_runs_finished_at_idx ON extraction_runs (finished_at DESC);
CREATE TABLE IF NOT EXISTS extraction_rules (
	position   INTEGER PRIMARY KEY,
	text       TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`

// timestamps are stored as fixed-width UTC text so they sort lexically
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore persists runs and rules in a local SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	log *slog.Logger
}

// OpenSQLite opens (creating if needed) the database at path. Use
// ":memory:" for a throwaway store.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// modernc.org/sqlite registers the "sqlite" driver name
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection: writes serialise anyway and :memory: is per-connection
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	logger.Info("sqlite database initialized", "path", path)
	return &SQLiteStore{db: db, log: logger}, nil
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run *Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO extraction_runs (
			id, session_id, document_name, model, state, pages, service_session_id,
			item_count, grand_total, warning_count, error, result, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			service_session_id = excluded.service_session_id,
			item_count = excluded.item_count,
			grand_total = excluded.grand_total,
			warning_count = excluded.warning_count,
			error = excluded.error,
			result = excluded.result,
			finished_at = excluded.finished_at`,
		run.ID.String(), run.SessionID.String(), run.DocumentName, run.Model, string(run.State),
		pagerange.Format(run.Pages), run.ServiceSessionID, run.ItemCount, run.GrandTotal.String(),
		run.WarningCount, run.Error, nullableJSON(run.Result),
		formatTime(run.StartedAt), formatTime(run.FinishedAt),
	)
	if err != nil {
		s.log.Error("run save failed", "run_id", run.ID, "err", err)
		return fmt.Errorf("save run: %w", errors.Join(common.ErrDatabase, err))
	}
	s.log.Info("run saved", "run_id", run.ID, "state", run.State, "items", run.ItemCount)
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, document_name, model, state, pages, service_session_id,
			item_count, grand_total, warning_count, error, result, started_at, finished_at
		FROM extraction_runs WHERE id = ?`, id.String())
	run, err := scanSQLiteRun(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NotFoundErrorf("run %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", errors.Join(common.ErrDatabase, err))
	}
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, document_name, model, state, pages, service_session_id,
			item_count, grand_total, warning_count, error, started_at, finished_at
		FROM extraction_runs ORDER BY finished_at DESC LIMIT ?`, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", errors.Join(common.ErrDatabase, err))
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanSQLiteRun(rows, false)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		out = append(out, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", errors.Join(common.ErrDatabase, err))
	}
	return out, nil
}

func (s *SQLiteStore) ListRules(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT text FROM extraction_rules ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", errors.Join(common.ErrDatabase, err))
	}
	defer rows.Close()

	rules := []string{}
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("list rules: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *SQLiteStore) SaveRules(ctx context.Context, rules []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save rules: %w", errors.Join(common.ErrDatabase, err))
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM extraction_rules`); err != nil {
		return fmt.Errorf("save rules: %w", errors.Join(common.ErrDatabase, err))
	}
	now := formatTime(time.Now())
	for i, r := range rules {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO extraction_rules (position, text, updated_at) VALUES (?, ?, ?)`, i, r, now); err != nil {
			return fmt.Errorf("save rule %d: %w", i+1, errors.Join(common.ErrDatabase, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save rules: %w", errors.Join(common.ErrDatabase, err))
	}
	s.log.Info("rules saved", "count", len(rules))
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanSQLiteRun(row rowScanner, withResult bool) (*Run, error) {
	var (
		run                 Run
		id, sessionID       string
		state, pages, total string
		started, finished   string
		result              sql.NullString
	)
	dest := []any{
		&id, &sessionID, &run.DocumentName, &run.Model, &state, &pages, &run.ServiceSessionID,
		&run.ItemCount, &total, &run.WarningCount, &run.Error,
	}
	if withResult {
		dest = append(dest, &result)
	}
	dest = append(dest, &started, &finished)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	var err error
	if run.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("run id %q: %w", id, err)
	}
	if run.SessionID, err = uuid.Parse(sessionID); err != nil {
		return nil, fmt.Errorf("run %s session id %q: %w", id, sessionID, err)
	}
	if result.Valid {
		run.Result = []byte(result.String)
	}
	if run.StartedAt, err = time.Parse(sqliteTimeLayout, started); err != nil {
		return nil, fmt.Errorf("run %s started_at: %w", id, err)
	}
	if run.FinishedAt, err = time.Parse(sqliteTimeLayout, finished); err != nil {
		return nil, fmt.Errorf("run %s finished_at: %w", id, err)
	}
	return finishRun(&run, state, pages, total)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}
