package places

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pincode-places/pkg/google"
)

// Source is the remote side of a run. *Finder implements it.
type Source interface {
	Search(ctx context.Context, pincode string) ([]google.Place, error)
	Details(ctx context.Context, placeID string) (google.PlaceDetail, error)
}

// Checkpoint receives the records of each input row once the row is fully
// processed.
type Checkpoint interface {
	SaveRow(ctx context.Context, runID string, row PostalCodeRow, records []Record) error
}

// Summary counts what a run processed. Skipped rows were restored from a
// previous attempt and are included in Records.
type Summary struct {
	Pincodes int `json:"pincodes"`
	Records  int `json:"records"`
	Skipped  int `json:"skipped"`
}

// Runner processes input rows in order: search, detail lookup and record
// building, accumulating every record in memory.
type Runner struct {
	source     Source
	checkpoint Checkpoint
	runID      string
	completed  map[int]CompletedRow
}

// CompletedRow is an input row finished by an earlier attempt.
type CompletedRow struct {
	Pincode string
	Records []Record
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithCheckpoint saves each completed row to cp under runID.
func WithCheckpoint(runID string, cp Checkpoint) RunnerOption {
	return func(r *Runner) {
		r.runID = runID
		r.checkpoint = cp
	}
}

// WithCompleted restores rows finished by an earlier attempt, keyed by
// sheet row. A row whose pincode still matches is not fetched again; its
// records are emitted in input order as if they had just been built. A row
// whose pincode changed is fetched and checkpointed over the old one.
func WithCompleted(completed map[int]CompletedRow) RunnerOption {
	return func(r *Runner) {
		r.completed = completed
	}
}

// NewRunner creates a Runner reading from src.
func NewRunner(src Source, opts ...RunnerOption) *Runner {
	r := &Runner{source: src}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run processes rows and returns the accumulated records. On error the
// records built so far are returned alongside it.
func (r *Runner) Run(ctx context.Context, rows []PostalCodeRow) ([]Record, Summary, error) {
	var (
		records []Record
		summary Summary
	)

	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return records, summary, eris.Wrap(err, "places: run cancelled")
		}

		log := zap.L().With(zap.String("pincode", row.Pincode), zap.Int("row", row.Row))

		if done, ok := r.completed[row.Row]; ok {
			if done.Pincode == row.Pincode {
				log.Debug("pincode already complete, skipping", zap.Int("records", len(done.Records)))
				records = append(records, done.Records...)
				summary.Pincodes++
				summary.Skipped++
				summary.Records += len(done.Records)
				continue
			}
			log.Warn("row changed since the last attempt, fetching again", zap.String("previous_pincode", done.Pincode))
		}

		log.Info("fetching data for pincode", zap.Int("index", i+1), zap.Int("total", len(rows)))

		found, err := r.source.Search(ctx, row.Pincode)
		if err != nil {
			return records, summary, err
		}

		batch := make([]Record, 0, len(found))
		for _, place := range found {
			detail, err := r.source.Details(ctx, place.PlaceID)
			if err != nil {
				return records, summary, err
			}
			batch = append(batch, BuildRecord(row.Pincode, place, detail))
		}

		if r.checkpoint != nil {
			if err := r.checkpoint.SaveRow(ctx, r.runID, row, batch); err != nil {
				return records, summary, eris.Wrapf(err, "places: checkpoint pincode %s", row.Pincode)
			}
		}

		records = append(records, batch...)
		summary.Pincodes++
		summary.Records += len(batch)

		log.Info("pincode complete", zap.Int("records", len(batch)))
	}

	return records, summary, nil
}
