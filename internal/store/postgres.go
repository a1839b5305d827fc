package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/contagion-engine/internal/model"
)

// Schema creates the archive tables. Event payloads are kept as JSONB so the
// log can be queried without knowing every event shape.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL DEFAULT '',
	policy         TEXT NOT NULL,
	status         TEXT NOT NULL,
	seed           BIGINT NOT NULL,
	step           INTEGER NOT NULL DEFAULT 0,
	total_steps    INTEGER NOT NULL,
	banks          INTEGER NOT NULL,
	defaults_total INTEGER NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS run_events (
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	seq    INTEGER NOT NULL,
	step   INTEGER NOT NULL,
	type   TEXT NOT NULL,
	data   JSONB NOT NULL,
	PRIMARY KEY (run_id, seq)
);

CREATE INDEX IF NOT EXISTS run_events_step_idx ON run_events (run_id, step);
`

const uniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, r *model.Run) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, name, policy, status, seed, step, total_steps, banks, defaults_total, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.Name, r.Policy, r.Status, r.Seed, r.Step, r.TotalSteps,
		r.Banks, r.DefaultsTotal, r.CreatedAt, r.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrExists, r.ID)
	}
	return err
}

const runColumns = `id, name, policy, status, seed, step, total_steps, banks, defaults_total, created_at, updated_at`

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	r, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[model.Run])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return &r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context) ([]model.Run, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[model.Run])
}

func (s *PostgresStore) UpdateRun(ctx context.Context, r *model.Run) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs
		 SET status = $2, step = $3, defaults_total = $4, updated_at = $5
		 WHERE id = $1`,
		r.ID, r.Status, r.Step, r.DefaultsTotal, r.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, r.ID)
	}
	return nil
}

// AppendEvents inserts the batch in one round trip. Replayed events hit the
// primary key and are skipped.
func (s *PostgresStore) AppendEvents(ctx context.Context, runID string, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, ev := range events {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("encode event %d: %w", ev.Seq, err)
		}
		batch.Queue(
			`INSERT INTO run_events (run_id, seq, step, type, data)
			 VALUES ($1, $2, $3, $4, $5::JSONB)
			 ON CONFLICT (run_id, seq) DO NOTHING`,
			runID, ev.Seq, ev.Step, string(ev.Type), data,
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("append events to %s: %w", runID, err)
	}
	return nil
}

// GetEvents returns payloads as json.RawMessage; they marshal back to the
// same JSON the engine produced.
func (s *PostgresStore) GetEvents(ctx context.Context, runID string, sinceStep int) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, step, type, data
		 FROM run_events WHERE run_id = $1 AND step >= $2 ORDER BY seq`, runID, sinceStep)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var ev model.Event
		var typ string
		var data []byte
		if err := rows.Scan(&ev.Seq, &ev.Step, &typ, &data); err != nil {
			return nil, err
		}
		ev.Type = model.EventType(typ)
		ev.Data = json.RawMessage(data)
		events = append(events, ev)
	}
	return events, rows.Err()
}
