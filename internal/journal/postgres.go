package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists the call journal in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_journal (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			workflow_run_id TEXT NOT NULL,
			pc_id TEXT NOT NULL,
			transport TEXT NOT NULL,
			outcome TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_journal_started ON call_journal (started_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Record(ctx context.Context, entry Entry) error {
	if entry.StartedAt.IsZero() {
		entry.StartedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_journal (id, workflow_id, workflow_run_id, pc_id, transport, outcome, error, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID,
		entry.WorkflowID,
		entry.WorkflowRunID,
		entry.PeerConnectionID,
		entry.Transport,
		string(entry.Outcome),
		entry.Error,
		entry.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("record entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Finish(ctx context.Context, id string, outcome Outcome, errMsg string, endedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE call_journal SET outcome=$2, error=$3, ended_at=$4 WHERE id=$1`,
		id, string(outcome), errMsg, endedAt,
	)
	if err != nil {
		return fmt.Errorf("finish entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, workflow_id, workflow_run_id, pc_id, transport, outcome, error, started_at, COALESCE(ended_at, 'epoch'::timestamptz)
		 FROM call_journal ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		var outcome string
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.WorkflowRunID, &e.PeerConnectionID, &e.Transport, &outcome, &e.Error, &e.StartedAt, &e.EndedAt); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		e.Outcome = Outcome(outcome)
		if e.EndedAt.Unix() == 0 {
			e.EndedAt = time.Time{}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
