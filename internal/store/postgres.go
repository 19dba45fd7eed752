package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/pincode-places/internal/db"
	"github.com/sells-group/pincode-places/internal/places"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

const (
	maxConns = 4
	minConns = 1
)

// NewPostgres creates a PostgresStore with a connection pool. A fetch run
// issues one statement at a time, so the pool stays small.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Close does not close it.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	input_path  TEXT NOT NULL,
	output_path TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	pincodes    INTEGER NOT NULL DEFAULT 0,
	records     INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS run_rows (
	run_id       TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	row_num      INTEGER NOT NULL,
	pincode      TEXT NOT NULL,
	records      INTEGER NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, row_num)
);

CREATE TABLE IF NOT EXISTS run_records (
	run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	row_num     INTEGER NOT NULL,
	seq         INTEGER NOT NULL,
	pincode     TEXT NOT NULL,
	school_name TEXT NOT NULL,
	address     TEXT NOT NULL,
	reviews     TEXT NOT NULL,
	state       TEXT NOT NULL,
	phone       TEXT NOT NULL,
	email       TEXT NOT NULL,
	school_type TEXT NOT NULL,
	website     TEXT NOT NULL,
	PRIMARY KEY (run_id, row_num, seq)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, inputPath, outputPath string) (*Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, input_path, output_path, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, inputPath, outputPath, string(RunStatusRunning), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &Run{
		ID:         id,
		InputPath:  inputPath,
		OutputPath: outputPath,
		Status:     RunStatusRunning,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrRunNotFound, "postgres: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, error = '', updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrRunNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) FailRun(ctx context.Context, runID string, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, error = $2, updated_at = $3 WHERE id = $4`,
		string(RunStatusFailed), reason, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrRunNotFound, "run %s", runID)
	}
	return nil
}

// SaveRow replaces the records of one input row inside a transaction,
// copying them in with COPY, and refreshes the run counters.
func (s *PostgresStore) SaveRow(ctx context.Context, runID string, row places.PostalCodeRow, records []places.Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`DELETE FROM run_records WHERE run_id = $1 AND row_num = $2`, runID, row.Row,
	); err != nil {
		return eris.Wrapf(err, "postgres: clear records for row %d", row.Row)
	}

	copyRows := make([][]any, 0, len(records))
	for i, rec := range records {
		copyRows = append(copyRows, recordArgs(runID, row.Row, i, rec))
	}
	if _, err := db.CopyFrom(ctx, tx, "run_records", recordColumns, copyRows); err != nil {
		return eris.Wrapf(err, "postgres: copy records for row %d", row.Row)
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`INSERT INTO run_rows (run_id, row_num, pincode, records, completed_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (run_id, row_num) DO UPDATE SET
		   pincode = EXCLUDED.pincode, records = EXCLUDED.records, completed_at = EXCLUDED.completed_at`,
		runID, row.Row, row.Pincode, len(records), now,
	); err != nil {
		return eris.Wrapf(err, "postgres: upsert row %d", row.Row)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE runs SET
		   pincodes = (SELECT count(*) FROM run_rows WHERE run_id = $1),
		   records = (SELECT count(*) FROM run_records WHERE run_id = $1),
		   updated_at = $2
		 WHERE id = $1`,
		runID, now,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run counts %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrRunNotFound, "run %s", runID)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit row")
}

const selectRecords = `SELECT row_num, pincode, school_name, address, reviews, state, phone, email, school_type, website
FROM run_records WHERE run_id = $1 ORDER BY row_num, seq`

func (s *PostgresStore) ListRecords(ctx context.Context, runID string) ([]places.Record, error) {
	rows, err := s.pool.Query(ctx, selectRecords, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list records %s", runID)
	}
	defer rows.Close()

	var out []places.Record
	for rows.Next() {
		_, rec, err := scanRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list records iterate")
}

func (s *PostgresStore) CompletedRows(ctx context.Context, runID string) (map[int]places.CompletedRow, error) {
	rows, err := s.pool.Query(ctx, `SELECT row_num, pincode FROM run_rows WHERE run_id = $1`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: completed rows %s", runID)
	}
	done := make(map[int]places.CompletedRow)
	for rows.Next() {
		var (
			n   int
			pin string
		)
		if err := rows.Scan(&n, &pin); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan row")
		}
		done[n] = places.CompletedRow{Pincode: pin}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: completed rows iterate")
	}

	recRows, err := s.pool.Query(ctx, selectRecords, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: completed records %s", runID)
	}
	defer recRows.Close()

	for recRows.Next() {
		n, rec, err := scanRecord(recRows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		c := done[n]
		c.Records = append(c.Records, rec)
		done[n] = c
	}
	return done, eris.Wrap(recRows.Err(), "postgres: completed records iterate")
}
