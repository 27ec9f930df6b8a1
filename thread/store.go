package thread

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS threads (
	id            TEXT PRIMARY KEY,
	owner_id      TEXT NOT NULL,
	repo_url      TEXT NOT NULL,
	branch        TEXT NOT NULL,
	base_branch   TEXT NOT NULL,
	title         TEXT NOT NULL,
	description   TEXT NOT NULL,
	status        TEXT NOT NULL,
	engine        TEXT NOT NULL DEFAULT '',
	model         TEXT NOT NULL DEFAULT '',
	cost_usd      REAL NOT NULL DEFAULT 0,
	duration_secs INTEGER NOT NULL DEFAULT 0,
	commit_sha    TEXT NOT NULL DEFAULT '',
	error         TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	thread_id   TEXT NOT NULL,
	role        TEXT NOT NULL,
	content     TEXT NOT NULL DEFAULT '',
	tool_name   TEXT NOT NULL DEFAULT '',
	tool_input  TEXT NOT NULL DEFAULT '',
	tool_output TEXT NOT NULL DEFAULT '',
	metadata    TEXT NOT NULL DEFAULT '{}',
	created_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, seq);

CREATE TABLE IF NOT EXISTS plans (
	id         TEXT PRIMARY KEY,
	thread_id  TEXT NOT NULL,
	revision   INTEGER NOT NULL,
	steps      TEXT NOT NULL DEFAULT '[]',
	created_by TEXT NOT NULL DEFAULT 'agent',
	created_at DATETIME NOT NULL,
	UNIQUE (thread_id, revision)
);
`

// SQLiteStore persists threads in a SQLite database. The single connection
// serializes writes, which gives per-thread append ordering for free.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the schema exists. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// CreateThread persists a new thread and its first message in one transaction.
func (s *SQLiteStore) CreateThread(ctx context.Context, th *Thread, first *Message) error {
	now := time.Now().UTC()
	if th.ID == "" {
		th.ID = uuid.NewString()
	}
	if th.Status == "" {
		th.Status = StatusPending
	}
	th.CreatedAt = now
	th.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO threads
			(id, owner_id, repo_url, branch, base_branch, title, description, status,
			 engine, model, cost_usd, duration_secs, commit_sha, error, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		th.ID, th.OwnerID, th.RepoURL, th.Branch, th.BaseBranch, th.Title, th.Description,
		string(th.Status), th.Engine, th.Model, th.CostUSD, th.DurationSecs,
		th.CommitSHA, th.Error, th.CreatedAt, th.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}

	if first != nil {
		first.ThreadID = th.ID
		if err := insertMessage(ctx, tx, first, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Thread retrieves a thread by ID.
func (s *SQLiteStore) Thread(ctx context.Context, id string) (*Thread, error) {
	return scanThread(s.db.QueryRowContext(ctx, `SELECT * FROM threads WHERE id = ?`, id))
}

// Threads returns all threads owned by ownerID, newest first.
func (s *SQLiteStore) Threads(ctx context.Context, ownerID string) ([]*Thread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT * FROM threads WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var threads []*Thread
	for rows.Next() {
		th, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, th)
	}
	return threads, rows.Err()
}

// Messages returns a thread's full log in append order.
func (s *SQLiteStore) Messages(ctx context.Context, threadID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, thread_id, role, content, tool_name, tool_input, tool_output, metadata, created_at
		 FROM messages WHERE thread_id = ? ORDER BY seq ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// LatestPlan returns the highest plan revision for a thread.
func (s *SQLiteStore) LatestPlan(ctx context.Context, threadID string) (*Plan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, revision, steps, created_by, created_at
		FROM plans WHERE thread_id = ? ORDER BY revision DESC LIMIT 1`, threadID)

	var p Plan
	var stepsJSON string
	err := row.Scan(&p.ID, &p.ThreadID, &p.Revision, &stepsJSON, &p.CreatedBy, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoPlan
	}
	if err != nil {
		return nil, fmt.Errorf("latest plan: %w", err)
	}
	if err := json.Unmarshal([]byte(stepsJSON), &p.Steps); err != nil {
		return nil, fmt.Errorf("decode plan steps: %w", err)
	}
	return &p, nil
}

// SetStatus compare-and-sets a thread's status.
func (s *SQLiteStore) SetStatus(ctx context.Context, threadID string, from, to Status) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC(), threadID, string(from))
	if err != nil {
		return false, fmt.Errorf("set status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Apply loads the thread inside a transaction, runs fn, and persists the
// returned Change atomically.
func (s *SQLiteStore) Apply(ctx context.Context, threadID string, fn ApplyFunc) (Change, *Thread, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Change{}, nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	th, err := scanThread(tx.QueryRowContext(ctx, `SELECT * FROM threads WHERE id = ?`, threadID))
	if err != nil {
		return Change{}, nil, err
	}

	change, err := fn(th)
	if err != nil {
		return Change{}, nil, err
	}
	if change.Empty() {
		return change, th, tx.Commit()
	}

	now := time.Now().UTC()
	mergeChange(th, change, now)
	_, err = tx.ExecContext(ctx, `
		UPDATE threads SET status=?, engine=?, model=?, cost_usd=?, duration_secs=?,
			commit_sha=?, error=?, updated_at=?
		WHERE id=?`,
		string(th.Status), th.Engine, th.Model, th.CostUSD, th.DurationSecs,
		th.CommitSHA, th.Error, th.UpdatedAt, th.ID,
	)
	if err != nil {
		return Change{}, nil, fmt.Errorf("update thread: %w", err)
	}

	for i := range change.Messages {
		change.Messages[i].ThreadID = th.ID
		if err := insertMessage(ctx, tx, &change.Messages[i], now); err != nil {
			return Change{}, nil, err
		}
	}

	if p := change.Plan; p != nil {
		if p.Revision == 0 {
			row := tx.QueryRowContext(ctx,
				`SELECT COALESCE(MAX(revision), 0) + 1 FROM plans WHERE thread_id = ?`, th.ID)
			if err := row.Scan(&p.Revision); err != nil {
				return Change{}, nil, fmt.Errorf("next plan revision: %w", err)
			}
		}
		p.ID = uuid.NewString()
		p.CreatedAt = now
		stepsJSON, err := json.Marshal(p.Steps)
		if err != nil {
			return Change{}, nil, fmt.Errorf("encode plan steps: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO plans (id, thread_id, revision, steps, created_by, created_at)
			VALUES (?,?,?,?,?,?)`,
			p.ID, p.ThreadID, p.Revision, string(stepsJSON), p.CreatedBy, p.CreatedAt)
		if err != nil {
			return Change{}, nil, fmt.Errorf("insert plan: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Change{}, nil, fmt.Errorf("commit: %w", err)
	}
	return change, th, nil
}

// insertMessage assigns the message's identity and timestamp and writes it.
// The store-assigned seq is copied back onto the message.
func insertMessage(ctx context.Context, tx *sql.Tx, m *Message, now time.Time) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.CreatedAt = now
	metadata, _ := json.Marshal(m.Metadata)

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, role, content, tool_name, tool_input, tool_output, metadata, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		m.ID, m.ThreadID, string(m.Role), m.Content, m.ToolName, m.ToolInput, m.ToolOutput,
		string(metadata), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	m.Seq, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("message seq: %w", err)
	}
	return nil
}

// mergeChange folds a Change into the thread's fields.
func mergeChange(th *Thread, c Change, now time.Time) {
	if c.Status != nil {
		th.Status = *c.Status
	}
	if c.CommitSHA != nil {
		th.CommitSHA = *c.CommitSHA
	}
	if c.CostUSD != nil {
		th.CostUSD = *c.CostUSD
	}
	if c.DurationSecs != nil {
		th.DurationSecs = *c.DurationSecs
	}
	if c.Engine != nil {
		th.Engine = *c.Engine
	}
	if c.Model != nil {
		th.Model = *c.Model
	}
	if c.Error != nil {
		th.Error = *c.Error
	}
	th.UpdatedAt = now
}

// scanner abstracts sql.Row and sql.Rows for scanThread.
type scanner interface {
	Scan(dest ...any) error
}

func scanThread(s scanner) (*Thread, error) {
	var th Thread
	var status string
	err := s.Scan(
		&th.ID, &th.OwnerID, &th.RepoURL, &th.Branch, &th.BaseBranch,
		&th.Title, &th.Description, &status, &th.Engine, &th.Model,
		&th.CostUSD, &th.DurationSecs, &th.CommitSHA, &th.Error,
		&th.CreatedAt, &th.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan thread: %w", err)
	}
	th.Status = Status(status)
	return &th, nil
}

func scanMessage(s scanner) (*Message, error) {
	var m Message
	var role, metadataJSON string
	err := s.Scan(
		&m.Seq, &m.ID, &m.ThreadID, &role, &m.Content,
		&m.ToolName, &m.ToolInput, &m.ToolOutput, &metadataJSON, &m.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.Role = Role(role)
	_ = json.Unmarshal([]byte(metadataJSON), &m.Metadata)
	return &m, nil
}
