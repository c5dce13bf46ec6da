package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DBPool abstracts pgxpool.Pool so the journal can be tested with pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS awi_journal (
    id          UUID PRIMARY KEY,
    task_id     TEXT NOT NULL,
    target      TEXT NOT NULL,
    step        INTEGER NOT NULL,
    kind        TEXT NOT NULL,
    operation   TEXT,
    method      TEXT,
    endpoint    TEXT,
    outcome     TEXT NOT NULL,
    status      INTEGER,
    message     TEXT,
    detail      JSONB,
    duration_ms BIGINT NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS awi_journal_task_idx ON awi_journal (task_id, step);
`

const insertSQL = `
INSERT INTO awi_journal (id, task_id, target, step, kind, operation, method, endpoint, outcome, status, message, detail, duration_ms, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14);
`

const selectSQL = `
SELECT id, target, step, kind, COALESCE(operation, ''), COALESCE(method, ''), COALESCE(endpoint, ''),
       outcome, COALESCE(status, 0), COALESCE(message, ''), detail, duration_ms, recorded_at
FROM awi_journal
WHERE task_id = $1
ORDER BY step ASC, recorded_at ASC;
`

// Postgres stores entries in the awi_journal table.
type Postgres struct {
	pool DBPool
	log  *zap.Logger
}

// OpenPostgres connects to dsn and prepares the schema.
func OpenPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("postgres journal requires a connection url")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	p, err := NewPostgres(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgres verifies the connection and creates the table if needed.
func NewPostgres(ctx context.Context, pool DBPool, logger *zap.Logger) (*Postgres, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return nil, fmt.Errorf("failed to create journal schema: %w", err)
	}
	return &Postgres{pool: pool, log: logger.Named("journal")}, nil
}

func (p *Postgres) Record(ctx context.Context, e Entry) error {
	if e.TaskID == "" {
		return ErrNoTaskID
	}
	prepare(&e)
	detail := e.Detail
	if len(detail) == 0 {
		detail = []byte("{}")
	}
	_, err := p.pool.Exec(ctx, insertSQL,
		e.ID, e.TaskID, e.Target, e.Step, string(e.Kind),
		e.Operation, e.Method, e.Endpoint, e.Outcome, e.Status, e.Message,
		detail, e.Duration.Milliseconds(), e.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert journal entry: %w", err)
	}
	p.log.Debug("Recorded journal entry", zap.String("task_id", e.TaskID), zap.Int("step", e.Step), zap.String("outcome", e.Outcome))
	return nil
}

func (p *Postgres) Entries(ctx context.Context, taskID string) ([]Entry, error) {
	rows, err := p.pool.Query(ctx, selectSQL, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			kind       string
			durationMS int64
		)
		if err := rows.Scan(&e.ID, &e.Target, &e.Step, &kind, &e.Operation, &e.Method, &e.Endpoint,
			&e.Outcome, &e.Status, &e.Message, &e.Detail, &durationMS, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		e.TaskID = taskID
		e.Kind = Kind(kind)
		e.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

func (p *Postgres) Close() { p.pool.Close() }
