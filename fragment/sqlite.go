package fragment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore keeps messages and fragments in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens the database at path. Call Init before use.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

// Init creates the schema.
func (s *SQLiteStore) Init(ctx context.Context) error {
	ddl := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			content TEXT NOT NULL,
			role TEXT NOT NULL,
			type TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_project ON messages(project_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS fragments (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL UNIQUE,
			run_id TEXT NOT NULL UNIQUE,
			sandbox_url TEXT NOT NULL,
			title TEXT NOT NULL,
			files_json TEXT NOT NULL,
			summary TEXT,
			output TEXT NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY(message_id) REFERENCES messages(id) ON DELETE CASCADE
		);`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init fragment schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateMessage(ctx context.Context, msg Message) (*Message, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, project_id, content, role, type, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ProjectID, msg.Content, string(msg.Role), string(msg.Type), msg.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	return &msg, nil
}

func (s *SQLiteStore) SaveResult(ctx context.Context, res Result) (*Fragment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin save result: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	existing, err := s.fragmentByRun(ctx, tx, res.RunID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	msg, frag := newResultRecords(res)
	filesJSON, err := json.Marshal(frag.Files)
	if err != nil {
		return nil, fmt.Errorf("encode files: %w", err)
	}
	created := frag.CreatedAt.Format(timeLayout)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, project_id, content, role, type, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ProjectID, msg.Content, string(msg.Role), string(msg.Type), created,
	); err != nil {
		return nil, fmt.Errorf("insert result message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO fragments (id, message_id, run_id, sandbox_url, title, files_json, summary, output, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		frag.ID, frag.MessageID, frag.RunID, frag.SandboxURL, frag.Title, string(filesJSON),
		sql.NullString{String: frag.Summary, Valid: frag.Summary != ""}, frag.Output, created,
	); err != nil {
		return nil, fmt.Errorf("insert fragment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit save result: %w", err)
	}
	return &frag, nil
}

func (s *SQLiteStore) fragmentByRun(ctx context.Context, tx *sql.Tx, runID string) (*Fragment, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT id, message_id, run_id, sandbox_url, title, files_json, summary, output, created_at
		 FROM fragments WHERE run_id = ?`, runID)
	frag, err := scanSQLiteFragment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load fragment for run %s: %w", runID, err)
	}
	return frag, nil
}

func scanSQLiteFragment(row interface{ Scan(...any) error }) (*Fragment, error) {
	var (
		frag      Fragment
		filesJSON string
		summary   sql.NullString
		createdAt string
	)
	if err := row.Scan(&frag.ID, &frag.MessageID, &frag.RunID, &frag.SandboxURL, &frag.Title,
		&filesJSON, &summary, &frag.Output, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(filesJSON), &frag.Files); err != nil {
		return nil, fmt.Errorf("decode files: %w", err)
	}
	frag.Summary = summary.String
	frag.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return &frag, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, projectID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.project_id, m.content, m.role, m.type, m.created_at,
		        f.id, f.run_id, f.sandbox_url, f.title, f.files_json, f.summary, f.output, f.created_at
		 FROM messages m LEFT JOIN fragments f ON f.message_id = m.id
		 WHERE m.project_id = ?
		 ORDER BY m.created_at ASC, m.rowid ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var (
			msg                                Message
			role, typ, createdAt               string
			fragID, runID, sandboxURL, title   sql.NullString
			filesJSON, summary, output, fragAt sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.ProjectID, &msg.Content, &role, &typ, &createdAt,
			&fragID, &runID, &sandboxURL, &title, &filesJSON, &summary, &output, &fragAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role, msg.Type = Role(role), MessageType(typ)
		msg.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		if fragID.Valid {
			frag := &Fragment{
				ID:         fragID.String,
				MessageID:  msg.ID,
				RunID:      runID.String,
				SandboxURL: sandboxURL.String,
				Title:      title.String,
				Summary:    summary.String,
				Output:     output.String,
			}
			if err := json.Unmarshal([]byte(filesJSON.String), &frag.Files); err != nil {
				return nil, fmt.Errorf("decode files: %w", err)
			}
			frag.CreatedAt, _ = time.Parse(timeLayout, fragAt.String)
			msg.Fragment = frag
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
