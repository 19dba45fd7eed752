package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/pincode-places/internal/places"
	"github.com/sells-group/pincode-places/internal/store"
	"github.com/sells-group/pincode-places/pkg/google"
)

// fetchOptions holds the fetch flags. Empty paths fall back to the resumed
// run, then to configuration.
type fetchOptions struct {
	Input  string
	Output string
	Limit  int
	DryRun bool
	Resume string
}

var fetchFlags fetchOptions

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Search institutions for every postal code in a spreadsheet",
	Long:  "Reads the Pincode column of the input spreadsheet, runs a Places text search per postal code, keeps results whose address contains the postal code, looks up phone and website for each, and writes one output row per institution.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return runFetch(ctx, fetchFlags, os.Stdout)
	},
}

func init() {
	fetchCmd.Flags().StringVar(&fetchFlags.Input, "input", "", "input spreadsheet (default input.path)")
	fetchCmd.Flags().StringVar(&fetchFlags.Output, "output", "", "output spreadsheet (default output.path)")
	fetchCmd.Flags().IntVar(&fetchFlags.Limit, "limit", 0, "process at most N postal codes (0 = all)")
	fetchCmd.Flags().BoolVar(&fetchFlags.DryRun, "dry-run", false, "print the parsed postal codes as JSON without calling the API")
	fetchCmd.Flags().StringVar(&fetchFlags.Resume, "resume", "", "resume a stored run with its input and output, skipping postal codes it already completed")
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(ctx context.Context, opts fetchOptions, out io.Writer) error {
	if opts.DryRun {
		return dryRun(opts, out)
	}

	if err := cfg.Validate("fetch"); err != nil {
		return err
	}
	if opts.Resume != "" && cfg.Store.Driver == "" {
		return eris.New("fetch: --resume requires a run store (PINCODE_STORE_DRIVER)")
	}

	var (
		st  store.Store
		run *store.Run
		err error
	)
	if cfg.Store.Driver != "" {
		st, err = openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
	}

	if opts.Resume != "" {
		run, err = st.GetRun(ctx, opts.Resume)
		if err != nil {
			return eris.Wrap(err, "fetch: resume")
		}
		if opts.Input, err = resumePath("input", opts.Input, run); err != nil {
			return err
		}
		if opts.Output, err = resumePath("output", opts.Output, run); err != nil {
			return err
		}
	}

	rows, err := readRows(&opts)
	if err != nil {
		return err
	}

	var runnerOpts []places.RunnerOption
	if st != nil {
		if run == nil {
			run, err = st.CreateRun(ctx, opts.Input, opts.Output)
			if err != nil {
				return eris.Wrap(err, "fetch: create run")
			}
		} else {
			if err := st.UpdateRunStatus(ctx, run.ID, store.RunStatusRunning); err != nil {
				return eris.Wrap(err, "fetch: reopen run")
			}
			completed, err := st.CompletedRows(ctx, run.ID)
			if err != nil {
				return eris.Wrap(err, "fetch: load completed rows")
			}
			runnerOpts = append(runnerOpts, places.WithCompleted(completed))
		}
		runnerOpts = append(runnerOpts, places.WithCheckpoint(run.ID, st))
	}

	log := zap.L().With(zap.String("input", opts.Input), zap.String("output", opts.Output))
	if run != nil {
		log = log.With(zap.String("run_id", run.ID))
	}
	log.Info("starting fetch", zap.Int("pincodes", len(rows)))

	client := google.NewClient(cfg.Places.Key,
		google.WithBaseURL(cfg.Places.BaseURL),
		google.WithTimeout(cfg.Places.Timeout),
	)
	runner := places.NewRunner(newFinder(client), runnerOpts...)

	records, summary, err := runner.Run(ctx, rows)
	if err == nil {
		err = places.WriteRecords(opts.Output, cfg.Output.Sheet, records)
	}
	if err != nil {
		if run != nil {
			// The run context may already be cancelled.
			if ferr := st.FailRun(context.WithoutCancel(ctx), run.ID, err.Error()); ferr != nil {
				log.Warn("failed to mark run failed", zap.Error(ferr))
			}
		}
		return eris.Wrap(err, "fetch")
	}

	if run != nil {
		if err := st.UpdateRunStatus(ctx, run.ID, store.RunStatusComplete); err != nil {
			return eris.Wrap(err, "fetch: complete run")
		}
	}

	log.Info("fetch complete",
		zap.Int("pincodes", summary.Pincodes),
		zap.Int("skipped", summary.Skipped),
		zap.Int("records", summary.Records),
	)
	return nil
}

// resumePath returns the stored run path for flag, rejecting a flag value
// that points elsewhere.
func resumePath(flag, value string, run *store.Run) (string, error) {
	stored := run.InputPath
	if flag == "output" {
		stored = run.OutputPath
	}
	if value == "" {
		return stored, nil
	}
	if filepath.Clean(value) != filepath.Clean(stored) {
		return "", eris.Errorf("fetch: --%s %s does not match %s of run %s", flag, value, stored, run.ID)
	}
	return stored, nil
}

func newFinder(client google.Client) *places.Finder {
	opts := []places.Option{
		places.WithQueryTemplate(cfg.Places.QueryTemplate),
		places.WithPageDelay(cfg.Places.PageDelay),
		places.WithMaxPages(cfg.Places.MaxPages),
	}
	if cfg.Places.RateLimit > 0 {
		opts = append(opts, places.WithLimiter(rate.NewLimiter(rate.Limit(cfg.Places.RateLimit), 1)))
	}
	return places.NewFinder(client, opts...)
}

// readRows resolves the input and output paths against configuration and
// loads the postal codes, truncated to the limit.
func readRows(opts *fetchOptions) ([]places.PostalCodeRow, error) {
	if opts.Input == "" {
		opts.Input = cfg.Input.Path
	}
	if opts.Output == "" {
		opts.Output = cfg.Output.Path
	}
	if opts.Input == "" {
		return nil, eris.New("fetch: input spreadsheet is required (--input or PINCODE_INPUT_PATH)")
	}

	rows, err := places.ReadPincodes(opts.Input, places.InputOptions{
		Sheet:  cfg.Input.Sheet,
		Column: cfg.Input.Column,
	})
	if err != nil {
		return nil, err
	}
	if opts.Limit > 0 && len(rows) > opts.Limit {
		rows = rows[:opts.Limit]
	}
	return rows, nil
}

func dryRun(opts fetchOptions, out io.Writer) error {
	rows, err := readRows(&opts)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}
