package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/pincode-places/internal/places"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	input_path  TEXT NOT NULL,
	output_path TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	pincodes    INTEGER NOT NULL DEFAULT 0,
	records     INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS run_rows (
	run_id       TEXT NOT NULL REFERENCES runs(id),
	row_num      INTEGER NOT NULL,
	pincode      TEXT NOT NULL,
	records      INTEGER NOT NULL,
	completed_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (run_id, row_num)
);

CREATE TABLE IF NOT EXISTS run_records (
	run_id      TEXT NOT NULL REFERENCES runs(id),
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

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const runColumns = `id, input_path, output_path, status, pincodes, records, error, created_at, updated_at`

func (s *SQLiteStore) CreateRun(ctx context.Context, inputPath, outputPath string) (*Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, input_path, output_path, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, inputPath, outputPath, string(RunStatusRunning), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
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

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrRunNotFound, "sqlite: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, listLimit(filter))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = '', updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, runID)
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID string, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(RunStatusFailed), reason, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail run %s", runID)
	}
	return checkRowsAffected(res, runID)
}

func (s *SQLiteStore) SaveRow(ctx context.Context, runID string, row places.PostalCodeRow, records []places.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM run_records WHERE run_id = ? AND row_num = ?`, runID, row.Row,
	); err != nil {
		return eris.Wrapf(err, "sqlite: clear records for row %d", row.Row)
	}

	if len(records) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO run_records (`+strings.Join(recordColumns, ", ")+`) VALUES (?`+
				strings.Repeat(", ?", len(recordColumns)-1)+`)`,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare insert record")
		}
		defer stmt.Close() //nolint:errcheck

		for i, rec := range records {
			if _, err := stmt.ExecContext(ctx, recordArgs(runID, row.Row, i, rec)...); err != nil {
				return eris.Wrapf(err, "sqlite: insert record %d for row %d", i, row.Row)
			}
		}
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO run_rows (run_id, row_num, pincode, records, completed_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, row_num) DO UPDATE SET
		   pincode = excluded.pincode, records = excluded.records, completed_at = excluded.completed_at`,
		runID, row.Row, row.Pincode, len(records), now,
	); err != nil {
		return eris.Wrapf(err, "sqlite: upsert row %d", row.Row)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET
		   pincodes = (SELECT COUNT(*) FROM run_rows WHERE run_id = ?),
		   records = (SELECT COUNT(*) FROM run_records WHERE run_id = ?),
		   updated_at = ?
		 WHERE id = ?`,
		runID, runID, now, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run counts %s", runID)
	}
	if err := checkRowsAffected(res, runID); err != nil {
		return err
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit row")
}

func (s *SQLiteStore) ListRecords(ctx context.Context, runID string) ([]places.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT row_num, pincode, school_name, address, reviews, state, phone, email, school_type, website
		 FROM run_records WHERE run_id = ? ORDER BY row_num, seq`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list records %s", runID)
	}
	defer rows.Close() //nolint:errcheck

	var out []places.Record
	for rows.Next() {
		_, rec, err := scanRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list records iterate")
}

func (s *SQLiteStore) CompletedRows(ctx context.Context, runID string) (map[int]places.CompletedRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT row_num, pincode FROM run_rows WHERE run_id = ?`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: completed rows %s", runID)
	}
	defer rows.Close() //nolint:errcheck

	done := make(map[int]places.CompletedRow)
	for rows.Next() {
		var (
			n   int
			pin string
		)
		if err := rows.Scan(&n, &pin); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan row")
		}
		done[n] = places.CompletedRow{Pincode: pin}
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: completed rows iterate")
	}

	recRows, err := s.db.QueryContext(ctx,
		`SELECT row_num, pincode, school_name, address, reviews, state, phone, email, school_type, website
		 FROM run_records WHERE run_id = ? ORDER BY row_num, seq`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: completed records %s", runID)
	}
	defer recRows.Close() //nolint:errcheck

	for recRows.Next() {
		n, rec, err := scanRecord(recRows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		c := done[n]
		c.Records = append(c.Records, rec)
		done[n] = c
	}
	return done, eris.Wrap(recRows.Err(), "sqlite: completed records iterate")
}

// helpers

func checkRowsAffected(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrRunNotFound, "run %s", runID)
	}
	return nil
}
