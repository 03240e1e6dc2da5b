package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/invoice-extractor/constants"
	"github.com/joseph-ayodele/invoice-extractor/internal/common"
	"github.com/joseph-ayodele/invoice-extractor/internal/pagerange"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS extraction_runs (
	id                 UUID PRIMARY KEY,
	session_id         UUID NOT NULL,
	document_name      TEXT NOT NULL,
	model              TEXT NOT NULL,
	state              TEXT NOT NULL,
	pages              TEXT NOT NULL,
	service_session_id TEXT NOT NULL DEFAULT '',
	item_count         INTEGER NOT NULL DEFAULT 0,
	grand_total        NUMERIC(18, 4) NOT NULL DEFAULT 0,
	warning_count      INTEGER NOT NULL DEFAULT 0,
	error              TEXT NOT NULL DEFAULT '',
	result             JSONB,
	started_at         TIMESTAMPTZ NOT NULL,
	finished_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS extraction_runs_finished_at_idx ON extraction_runs (finished_at DESC);
CREATE TABLE IF NOT EXISTS extraction_rules (
	position   INTEGER PRIMARY KEY,
	text       TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// PostgresStore persists runs and rules through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{pool: pool, log: logger}
}

// Migrate creates the tables when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		s.log.Error("postgres migrate failed", "err", err)
		return common.WrapError(errors.Join(common.ErrDatabase, err), "migrate")
	}
	return nil
}

func (s *PostgresStore) SaveRun(ctx context.Context, run *Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO extraction_runs (
			id, session_id, document_name, model, state, pages, service_session_id,
			item_count, grand_total, warning_count, error, result, started_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10, $11, $12::jsonb, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			service_session_id = EXCLUDED.service_session_id,
			item_count = EXCLUDED.item_count,
			grand_total = EXCLUDED.grand_total,
			warning_count = EXCLUDED.warning_count,
			error = EXCLUDED.error,
			result = EXCLUDED.result,
			finished_at = EXCLUDED.finished_at`,
		run.ID, run.SessionID, run.DocumentName, run.Model, string(run.State), pagerange.Format(run.Pages),
		run.ServiceSessionID, run.ItemCount, run.GrandTotal.String(), run.WarningCount, run.Error,
		nullableJSON(run.Result), run.StartedAt, run.FinishedAt,
	)
	if err != nil {
		s.log.Error("run save failed", "run_id", run.ID, "err", err)
		return fmt.Errorf("save run: %w", errors.Join(common.ErrDatabase, err))
	}
	s.log.Info("run saved", "run_id", run.ID, "state", run.State, "items", run.ItemCount)
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, session_id, document_name, model, state, pages, service_session_id,
			item_count, grand_total::text, warning_count, error, result, started_at, finished_at
		FROM extraction_runs WHERE id = $1`, id)
	run, err := scanRun(row, true)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, common.NotFoundErrorf("run %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", errors.Join(common.ErrDatabase, err))
	}
	return run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, document_name, model, state, pages, service_session_id,
			item_count, grand_total::text, warning_count, error, started_at, finished_at
		FROM extraction_runs ORDER BY finished_at DESC LIMIT $1`, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", errors.Join(common.ErrDatabase, err))
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows, false)
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

func (s *PostgresStore) ListRules(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT text FROM extraction_rules ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", errors.Join(common.ErrDatabase, err))
	}
	rules, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", errors.Join(common.ErrDatabase, err))
	}
	return rules, nil
}

func (s *PostgresStore) SaveRules(ctx context.Context, rules []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("save rules: %w", errors.Join(common.ErrDatabase, err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM extraction_rules`)
	for i, r := range rules {
		batch.Queue(`INSERT INTO extraction_rules (position, text) VALUES ($1, $2)`, i, r)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save rules: %w", errors.Join(common.ErrDatabase, err))
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("save rules: %w", errors.Join(common.ErrDatabase, err))
	}
	s.log.Info("rules saved", "count", len(rules))
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.log.Info("closing database connections")
	s.pool.Close()
	return nil
}

// rowScanner is satisfied by pgx.Row, pgx.Rows and *sql.Row(s).
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner, withResult bool) (*Run, error) {
	var (
		run   Run
		state string
		pages string
		total string
	)
	dest := []any{
		&run.ID, &run.SessionID, &run.DocumentName, &run.Model, &state, &pages, &run.ServiceSessionID,
		&run.ItemCount, &total, &run.WarningCount, &run.Error,
	}
	if withResult {
		dest = append(dest, &run.Result)
	}
	dest = append(dest, &run.StartedAt, &run.FinishedAt)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return finishRun(&run, state, pages, total)
}

func finishRun(run *Run, state, pages, total string) (*Run, error) {
	run.State = constants.StreamState(state)
	p, err := pagerange.Parse(pages)
	if err != nil {
		return nil, fmt.Errorf("run %s pages %q: %w", run.ID, pages, err)
	}
	run.Pages = p
	if run.GrandTotal, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("run %s total %q: %w", run.ID, total, err)
	}
	return run, nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
