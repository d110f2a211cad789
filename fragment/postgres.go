package fragment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps messages and fragments in Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an existing pool. The pool is owned by the caller.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the message and fragment tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errors.New("fragment store not initialized")
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS messages (
    id         TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    content    TEXT NOT NULL,
    role       TEXT NOT NULL,
    type       TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_project ON messages (project_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS fragments (
    id          TEXT PRIMARY KEY,
    message_id  TEXT NOT NULL UNIQUE REFERENCES messages(id) ON DELETE CASCADE,
    run_id      TEXT NOT NULL UNIQUE,
    sandbox_url TEXT NOT NULL,
    title       TEXT NOT NULL,
    files       JSONB NOT NULL,
    summary     TEXT,
    output      TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure fragment schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error { return nil }

func (s *PostgresStore) CreateMessage(ctx context.Context, msg Message) (*Message, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, project_id, content, role, type, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID, msg.ProjectID, msg.Content, string(msg.Role), string(msg.Type), msg.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	return &msg, nil
}

const selectFragment = `SELECT id, message_id, run_id, sandbox_url, title, files, COALESCE(summary, ''), output, created_at FROM fragments`

func scanPgFragment(row pgx.Row) (*Fragment, error) {
	var frag Fragment
	if err := row.Scan(&frag.ID, &frag.MessageID, &frag.RunID, &frag.SandboxURL, &frag.Title,
		&frag.Files, &frag.Summary, &frag.Output, &frag.CreatedAt); err != nil {
		return nil, err
	}
	return &frag, nil
}

func (s *PostgresStore) SaveResult(ctx context.Context, res Result) (*Fragment, error) {
	existing, err := scanPgFragment(s.pool.QueryRow(ctx, selectFragment+` WHERE run_id = $1`, res.RunID))
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("load fragment for run %s: %w", res.RunID, err)
	}

	msg, frag := newResultRecords(res)
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin save result: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort on defer

	if _, err := tx.Exec(ctx,
		`INSERT INTO messages (id, project_id, content, role, type, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID, msg.ProjectID, msg.Content, string(msg.Role), string(msg.Type), msg.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert result message: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO fragments (id, message_id, run_id, sandbox_url, title, files, summary, output, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9)`,
		frag.ID, frag.MessageID, frag.RunID, frag.SandboxURL, frag.Title, frag.Files,
		frag.Summary, frag.Output, frag.CreatedAt,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// A concurrent attempt committed first.
			_ = tx.Rollback(ctx)
			return scanPgFragment(s.pool.QueryRow(ctx, selectFragment+` WHERE run_id = $1`, res.RunID))
		}
		return nil, fmt.Errorf("insert fragment: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit save result: %w", err)
	}
	return &frag, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, projectID string) ([]Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT m.id, m.project_id, m.content, m.role, m.type, m.created_at,
        f.id, f.run_id, f.sandbox_url, f.title, f.files, f.summary, f.output, f.created_at
 FROM messages m LEFT JOIN fragments f ON f.message_id = m.id
 WHERE m.project_id = $1
 ORDER BY m.created_at ASC, m.id ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var (
			msg       Message
			role, typ string
			frag      struct {
				ID, RunID, SandboxURL, Title, Summary, Output *string
				Files                                          map[string]string
				CreatedAt                                      *time.Time
			}
		)
		if err := rows.Scan(&msg.ID, &msg.ProjectID, &msg.Content, &role, &typ, &msg.CreatedAt,
			&frag.ID, &frag.RunID, &frag.SandboxURL, &frag.Title, &frag.Files,
			&frag.Summary, &frag.Output, &frag.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role, msg.Type = Role(role), MessageType(typ)
		if frag.ID != nil {
			f := &Fragment{
				ID:         *frag.ID,
				MessageID:  msg.ID,
				RunID:      deref(frag.RunID),
				SandboxURL: deref(frag.SandboxURL),
				Title:      deref(frag.Title),
				Files:      frag.Files,
				Summary:    deref(frag.Summary),
				Output:     deref(frag.Output),
			}
			if frag.CreatedAt != nil {
				f.CreatedAt = *frag.CreatedAt
			}
			msg.Fragment = f
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
