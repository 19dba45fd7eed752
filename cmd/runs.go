package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/pincode-places/internal/places"
	"github.com/sells-group/pincode-places/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect fetch run history",
	Long:  "Commands for listing, viewing, exporting, and summarizing checkpointed fetch runs.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
			return err
		}
		return cfg.Validate("runs")
	},
}

// withStore opens the configured store for the duration of fn.
func withStore(ctx context.Context, fn func(store.Store) error) error {
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck
	return fn(st)
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List fetch runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		return withStore(cmd.Context(), func(st store.Store) error {
			runs, err := st.ListRuns(cmd.Context(), store.RunFilter{
				Status: store.RunStatus(status),
				Limit:  limit,
			})
			if err != nil {
				return eris.Wrap(err, "runs list")
			}

			if len(runs) == 0 {
				fmt.Fprintln(os.Stderr, "No runs found.")
				return nil
			}

			formatRunsList(cmd.OutOrStdout(), runs)
			return nil
		})
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")

		return withStore(cmd.Context(), func(st store.Store) error {
			run, err := st.GetRun(cmd.Context(), args[0])
			if err != nil {
				return eris.Wrap(err, "runs show")
			}
			return writeRun(cmd.OutOrStdout(), run, format)
		})
	},
}

// -- runs export --

var runsExportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Write the checkpointed records of a run to a spreadsheet",
	Long:  "Writes every record saved for the run, in input order, to a spreadsheet. Works for failed or interrupted runs too.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		return withStore(cmd.Context(), func(st store.Store) error {
			return exportRun(cmd.Context(), st, args[0], output)
		})
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		since, _ := cmd.Flags().GetDuration("since")

		return withStore(cmd.Context(), func(st store.Store) error {
			runs, err := listRunsSince(cmd.Context(), st, since)
			if err != nil {
				return eris.Wrap(err, "runs stats")
			}

			formatRunStats(cmd.OutOrStdout(), computeRunStats(runs))
			return nil
		})
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (running, complete, failed)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsShowCmd.Flags().String("format", "json", "output format (json, yaml)")

	runsExportCmd.Flags().String("output", "", "output spreadsheet (default the run's output path)")

	runsStatsCmd.Flags().Duration("since", 0, "only count runs created within this window (e.g. 24h); 0 counts all")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsExportCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

func writeRun(out io.Writer, run *store.Run, format string) error {
	switch format {
	case "", "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(run); err != nil {
			return eris.Wrap(err, "runs show: encode yaml")
		}
		return enc.Close()
	default:
		return eris.Errorf("runs show: unsupported format %q (json, yaml)", format)
	}
}

func exportRun(ctx context.Context, st store.Store, runID, output string) error {
	run, err := st.GetRun(ctx, runID)
	if err != nil {
		return eris.Wrap(err, "runs export")
	}
	if output == "" {
		output = run.OutputPath
	}

	records, err := st.ListRecords(ctx, runID)
	if err != nil {
		return eris.Wrap(err, "runs export")
	}
	if err := places.WriteRecords(output, cfg.Output.Sheet, records); err != nil {
		return eris.Wrap(err, "runs export")
	}

	zap.L().Info("run exported",
		zap.String("run_id", runID),
		zap.String("status", string(run.Status)),
		zap.String("output", output),
		zap.Int("records", len(records)),
	)
	return nil
}

// statsPageSize is the ListRuns page size used when collecting stats.
var statsPageSize = 500

// listRunsSince pages through every run created within since (all runs when
// since is 0). Runs are listed newest first, so paging stops at the first
// page that reaches past the window.
func listRunsSince(ctx context.Context, st store.Store, since time.Duration) ([]store.Run, error) {
	var cutoff time.Time
	if since > 0 {
		cutoff = time.Now().Add(-since)
	}

	var out []store.Run
	for offset := 0; ; offset += statsPageSize {
		page, err := st.ListRuns(ctx, store.RunFilter{Limit: statsPageSize, Offset: offset})
		if err != nil {
			return nil, err
		}

		for _, r := range page {
			if !cutoff.IsZero() && !r.CreatedAt.After(cutoff) {
				return out, nil
			}
			out = append(out, r)
		}
		if len(page) < statsPageSize {
			return out, nil
		}
	}
}

// runStats holds aggregate statistics computed from a set of runs.
type runStats struct {
	Total      int
	Complete   int
	Failed     int
	Running    int
	Pincodes   int
	Records    int
	AvgDurSecs float64
}

// computeRunStats computes aggregate statistics from a list of runs.
func computeRunStats(runs []store.Run) runStats {
	var s runStats
	s.Total = len(runs)

	var totalDur time.Duration
	var durCount int

	for _, r := range runs {
		s.Pincodes += r.Pincodes
		s.Records += r.Records

		switch r.Status {
		case store.RunStatusComplete:
			s.Complete++
			totalDur += r.UpdatedAt.Sub(r.CreatedAt)
			durCount++
		case store.RunStatusFailed:
			s.Failed++
		default:
			s.Running++
		}
	}

	if durCount > 0 {
		s.AvgDurSecs = totalDur.Seconds() / float64(durCount)
	}
	return s
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []store.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tINPUT\tSTATUS\tPINCODES\tRECORDS\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t-----\t------\t--------\t-------\t-------\t--------")

	for _, r := range runs {
		dur := r.UpdatedAt.Sub(r.CreatedAt).Round(time.Second).String()

		input := r.InputPath
		if len(input) > 30 {
			input = "..." + input[len(input)-27:]
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			truncateID(r.ID),
			input,
			r.Status,
			r.Pincodes,
			r.Records,
			r.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s runStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Complete:\t%d\n", s.Complete)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "Running:\t%d\n", s.Running)
	_, _ = fmt.Fprintf(w, "Pincodes:\t%d\n", s.Pincodes)
	_, _ = fmt.Fprintf(w, "Records:\t%d\n", s.Records)
	if s.AvgDurSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurSecs)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
