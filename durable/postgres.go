package durable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps steps and the run journal in Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an existing pool. The pool is owned by the caller;
// Close is a no-op.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the step and run tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errors.New("durable store not initialized")
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS durable_runs (
    id         TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    input      TEXT NOT NULL,
    status     TEXT NOT NULL,
    error      TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_durable_runs_status ON durable_runs (status, created_at)`,
		`CREATE TABLE IF NOT EXISTS durable_steps (
    run_id     TEXT NOT NULL,
    step       TEXT NOT NULL,
    value      JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (run_id, step)
)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure durable schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error { return nil }

func (s *PostgresStore) Load(ctx context.Context, runID, step string) ([]byte, bool, error) {
	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM durable_steps WHERE run_id = $1 AND step = $2`, runID, step,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load step %s: %w", step, err)
	}
	return value, true, nil
}

// Save inserts the value unless one is recorded already, and returns the
// recorded value in one round trip.
func (s *PostgresStore) Save(ctx context.Context, runID, step string, value []byte) ([]byte, error) {
	var recorded []byte
	err := s.pool.QueryRow(ctx,
		`WITH inserted AS (
    INSERT INTO durable_steps (run_id, step, value) VALUES ($1, $2, $3)
    ON CONFLICT (run_id, step) DO NOTHING
    RETURNING value
)
SELECT value FROM inserted
UNION ALL
SELECT value FROM durable_steps WHERE run_id = $1 AND step = $2
LIMIT 1`,
		runID, step, value,
	).Scan(&recorded)
	if errors.Is(err, pgx.ErrNoRows) {
		// A concurrent writer committed the key after this statement's
		// snapshot was taken; a new statement sees its row.
		existing, ok, loadErr := s.Load(ctx, runID, step)
		if loadErr != nil {
			return nil, loadErr
		}
		if ok {
			return existing, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("save step %s: %w", step, err)
	}
	return recorded, nil
}

func (s *PostgresStore) StartRun(ctx context.Context, run RunRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO durable_runs (id, project_id, input, status) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		run.ID, run.ProjectID, run.Input, string(RunRunning),
	)
	if err != nil {
		return fmt.Errorf("start run %s: %w", run.ID, err)
	}
	return nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status RunStatus, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE durable_runs SET status = $2, error = NULLIF($3, ''), updated_at = $4 WHERE id = $1`,
		runID, string(status), errMsg, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

const selectRun = `SELECT id, project_id, input, status, COALESCE(error, ''), created_at, updated_at FROM durable_runs`

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	run, err := scanPgRun(s.pool.QueryRow(ctx, selectRun+` WHERE id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run, nil
}

func (s *PostgresStore) PendingRuns(ctx context.Context) ([]RunRecord, error) {
	rows, err := s.pool.Query(ctx, selectRun+` WHERE status = $1 ORDER BY created_at ASC`, string(RunRunning))
	if err != nil {
		return nil, fmt.Errorf("list pending runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		run, err := scanPgRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func scanPgRun(row pgx.Row) (*RunRecord, error) {
	var (
		run    RunRecord
		status string
	)
	if err := row.Scan(&run.ID, &run.ProjectID, &run.Input, &status, &run.Error, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	return &run, nil
}
