package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pincode-places/internal/places"
)

// RunStatus is the lifecycle state of a fetch run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// ErrRunNotFound is returned when a run ID has no row in the store.
var ErrRunNotFound = eris.New("store: run not found")

// Run is one fetch invocation. Pincodes and Records count the checkpointed
// rows and records so far.
type Run struct {
	ID         string    `json:"id" yaml:"id"`
	InputPath  string    `json:"input_path" yaml:"input_path"`
	OutputPath string    `json:"output_path" yaml:"output_path"`
	Status     RunStatus `json:"status" yaml:"status"`
	Pincodes   int       `json:"pincodes" yaml:"pincodes"`
	Records    int       `json:"records" yaml:"records"`
	Error      string    `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" yaml:"updated_at"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status RunStatus `json:"status,omitempty"`
	Limit  int       `json:"limit,omitempty"`
	Offset int       `json:"offset,omitempty"`
}

// Store persists runs and the records checkpointed for each input row.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, inputPath, outputPath string) (*Run, error)
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status RunStatus) error
	FailRun(ctx context.Context, runID string, reason string) error

	// Checkpoints. SaveRow replaces any records previously saved for the
	// same run and row.
	SaveRow(ctx context.Context, runID string, row places.PostalCodeRow, records []places.Record) error
	ListRecords(ctx context.Context, runID string) ([]places.Record, error)
	CompletedRows(ctx context.Context, runID string) (map[int]places.CompletedRow, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

// recordColumns is the column order of run_records.
var recordColumns = []string{
	"run_id", "row_num", "seq", "pincode", "school_name", "address", "reviews",
	"state", "phone", "email", "school_type", "website",
}

func recordArgs(runID string, rowNum, seq int, r places.Record) []any {
	return []any{
		runID, rowNum, seq, r.Pincode, r.SchoolName, r.Address, r.Reviews,
		r.State, r.Phone, r.Email, r.SchoolType, r.Website,
	}
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*Run, error) {
	var (
		r      Run
		status string
	)
	if err := row.Scan(&r.ID, &r.InputPath, &r.OutputPath, &status, &r.Pincodes, &r.Records,
		&r.Error, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = RunStatus(status)
	return &r, nil
}

// scanRecord reads the row number followed by the record fields.
func scanRecord(row scannable) (int, places.Record, error) {
	var (
		rowNum int
		r      places.Record
	)
	err := row.Scan(&rowNum, &r.Pincode, &r.SchoolName, &r.Address, &r.Reviews,
		&r.State, &r.Phone, &r.Email, &r.SchoolType, &r.Website)
	return rowNum, r, err
}

func listLimit(filter RunFilter) int {
	if filter.Limit <= 0 {
		return defaultListLimit
	}
	return filter.Limit
}

var _ places.Checkpoint = Store(nil)
