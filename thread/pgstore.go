package thread

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists threads in PostgreSQL. Unlike the SQLite store it is safe
// for multiple server instances: Apply locks the thread row with
// SELECT ... FOR UPDATE so concurrent webhook deliveries for one thread
// serialize at the database.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects to dsn and ensures the schema exists.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PGStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PGStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS threads (
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
			cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
			duration_secs BIGINT NOT NULL DEFAULT 0,
			commit_sha    TEXT NOT NULL DEFAULT '',
			error         TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL,
			updated_at    TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq         BIGSERIAL PRIMARY KEY,
			id          TEXT NOT NULL UNIQUE,
			thread_id   TEXT NOT NULL,
			role        TEXT NOT NULL,
			content     TEXT NOT NULL DEFAULT '',
			tool_name   TEXT NOT NULL DEFAULT '',
			tool_input  TEXT NOT NULL DEFAULT '',
			tool_output TEXT NOT NULL DEFAULT '',
			metadata    JSONB NOT NULL DEFAULT '{}',
			created_at  TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages (thread_id, seq)`,
		`CREATE TABLE IF NOT EXISTS plans (
			id         TEXT PRIMARY KEY,
			thread_id  TEXT NOT NULL,
			revision   INTEGER NOT NULL,
			steps      JSONB NOT NULL DEFAULT '[]',
			created_by TEXT NOT NULL DEFAULT 'agent',
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (thread_id, revision)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

const threadCols = `id, owner_id, repo_url, branch, base_branch, title, description, status,
	engine, model, cost_usd, duration_secs, commit_sha, error, created_at, updated_at`

// CreateThread persists a new thread and its first message in one transaction.
func (s *PGStore) CreateThread(ctx context.Context, th *Thread, first *Message) error {
	now := time.Now().UTC()
	if th.ID == "" {
		th.ID = uuid.NewString()
	}
	if th.Status == "" {
		th.Status = StatusPending
	}
	th.CreatedAt = now
	th.UpdatedAt = now

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO threads (`+threadCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		th.ID, th.OwnerID, th.RepoURL, th.Branch, th.BaseBranch, th.Title, th.Description,
		string(th.Status), th.Engine, th.Model, th.CostUSD, th.DurationSecs,
		th.CommitSHA, th.Error, th.CreatedAt, th.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}

	if first != nil {
		first.ThreadID = th.ID
		if err := s.insertMessage(ctx, tx, first, now); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// Thread retrieves a thread by ID.
func (s *PGStore) Thread(ctx context.Context, id string) (*Thread, error) {
	return scanPGThread(s.pool.QueryRow(ctx,
		`SELECT `+threadCols+` FROM threads WHERE id = $1`, id))
}

// Threads returns all threads owned by ownerID, newest first.
func (s *PGStore) Threads(ctx context.Context, ownerID string) ([]*Thread, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+threadCols+` FROM threads WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var threads []*Thread
	for rows.Next() {
		th, err := scanPGThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, th)
	}
	return threads, rows.Err()
}

// Messages returns a thread's full log in append order.
func (s *PGStore) Messages(ctx context.Context, threadID string) ([]*Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, id, thread_id, role, content, tool_name, tool_input, tool_output, metadata, created_at
		FROM messages WHERE thread_id = $1 ORDER BY seq ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		var role string
		var metadataJSON []byte
		err := rows.Scan(&m.Seq, &m.ID, &m.ThreadID, &role, &m.Content,
			&m.ToolName, &m.ToolInput, &m.ToolOutput, &metadataJSON, &m.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = Role(role)
		_ = json.Unmarshal(metadataJSON, &m.Metadata)
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// LatestPlan returns the highest plan revision for a thread.
func (s *PGStore) LatestPlan(ctx context.Context, threadID string) (*Plan, error) {
	var p Plan
	var stepsJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, thread_id, revision, steps, created_by, created_at
		FROM plans WHERE thread_id = $1 ORDER BY revision DESC LIMIT 1`, threadID).
		Scan(&p.ID, &p.ThreadID, &p.Revision, &stepsJSON, &p.CreatedBy, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoPlan
	}
	if err != nil {
		return nil, fmt.Errorf("latest plan: %w", err)
	}
	if err := json.Unmarshal(stepsJSON, &p.Steps); err != nil {
		return nil, fmt.Errorf("decode plan steps: %w", err)
	}
	return &p, nil
}

// SetStatus compare-and-sets a thread's status.
func (s *PGStore) SetStatus(ctx context.Context, threadID string, from, to Status) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE threads SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(to), time.Now().UTC(), threadID, string(from))
	if err != nil {
		return false, fmt.Errorf("set status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Apply locks the thread row, runs fn, and persists the returned Change
// atomically.
func (s *PGStore) Apply(ctx context.Context, threadID string, fn ApplyFunc) (Change, *Thread, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Change{}, nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	th, err := scanPGThread(tx.QueryRow(ctx,
		`SELECT `+threadCols+` FROM threads WHERE id = $1 FOR UPDATE`, threadID))
	if err != nil {
		return Change{}, nil, err
	}

	change, err := fn(th)
	if err != nil {
		return Change{}, nil, err
	}
	if change.Empty() {
		return change, th, tx.Commit(ctx)
	}

	now := time.Now().UTC()
	mergeChange(th, change, now)
	_, err = tx.Exec(ctx, `
		UPDATE threads SET status=$1, engine=$2, model=$3, cost_usd=$4, duration_secs=$5,
			commit_sha=$6, error=$7, updated_at=$8
		WHERE id=$9`,
		string(th.Status), th.Engine, th.Model, th.CostUSD, th.DurationSecs,
		th.CommitSHA, th.Error, th.UpdatedAt, th.ID,
	)
	if err != nil {
		return Change{}, nil, fmt.Errorf("update thread: %w", err)
	}

	for i := range change.Messages {
		change.Messages[i].ThreadID = th.ID
		if err := s.insertMessage(ctx, tx, &change.Messages[i], now); err != nil {
			return Change{}, nil, err
		}
	}

	if p := change.Plan; p != nil {
		if p.Revision == 0 {
			err := tx.QueryRow(ctx,
				`SELECT COALESCE(MAX(revision), 0) + 1 FROM plans WHERE thread_id = $1`, th.ID).
				Scan(&p.Revision)
			if err != nil {
				return Change{}, nil, fmt.Errorf("next plan revision: %w", err)
			}
		}
		p.ID = uuid.NewString()
		p.CreatedAt = now
		stepsJSON, err := json.Marshal(p.Steps)
		if err != nil {
			return Change{}, nil, fmt.Errorf("encode plan steps: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO plans (id, thread_id, revision, steps, created_by, created_at)
			VALUES ($1,$2,$3,$4::jsonb,$5,$6)`,
			p.ID, p.ThreadID, p.Revision, string(stepsJSON), p.CreatedBy, p.CreatedAt)
		if err != nil {
			return Change{}, nil, fmt.Errorf("insert plan: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Change{}, nil, fmt.Errorf("commit: %w", err)
	}
	return change, th, nil
}

func (s *PGStore) insertMessage(ctx context.Context, tx pgx.Tx, m *Message, now time.Time) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.CreatedAt = now
	metadata, _ := json.Marshal(m.Metadata)
	if m.Metadata == nil {
		metadata = []byte(`{}`)
	}

	err := tx.QueryRow(ctx, `
		INSERT INTO messages (id, thread_id, role, content, tool_name, tool_input, tool_output, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8::jsonb,$9)
		RETURNING seq`,
		m.ID, m.ThreadID, string(m.Role), m.Content, m.ToolName, m.ToolInput, m.ToolOutput,
		string(metadata), m.CreatedAt).Scan(&m.Seq)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func scanPGThread(row pgx.Row) (*Thread, error) {
	var th Thread
	var status string
	err := row.Scan(
		&th.ID, &th.OwnerID, &th.RepoURL, &th.Branch, &th.BaseBranch,
		&th.Title, &th.Description, &status, &th.Engine, &th.Model,
		&th.CostUSD, &th.DurationSecs, &th.CommitSHA, &th.Error,
		&th.CreatedAt, &th.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan thread: %w", err)
	}
	th.Status = Status(status)
	return &th, nil
}
