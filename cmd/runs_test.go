//go:build !integration

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/pincode-places/internal/config"
	"github.com/sells-group/pincode-places/internal/places"
	"github.com/sells-group/pincode-places/internal/sheet"
	"github.com/sells-group/pincode-places/internal/store"
)

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	runs := []store.Run{
		{
			ID:        "abc12345-6789-0000-0000-000000000000",
			InputPath: "pincodes.xlsx",
			Status:    store.RunStatusComplete,
			Pincodes:  12,
			Records:   87,
			CreatedAt: now,
			UpdatedAt: now.Add(2 * time.Minute),
		},
		{
			ID:        "def12345-6789-0000-0000-000000000000",
			InputPath: "/very/long/path/to/some/deeply/nested/karnataka.xlsx",
			Status:    store.RunStatusRunning,
			CreatedAt: now.Add(-1 * time.Hour),
			UpdatedAt: now.Add(-30 * time.Minute),
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	output := buf.String()
	assert.Contains(t, output, "ID")
	assert.Contains(t, output, "INPUT")
	assert.Contains(t, output, "STATUS")
	assert.Contains(t, output, "pincodes.xlsx")
	assert.Contains(t, output, "complete")
	assert.Contains(t, output, "87")
	assert.Contains(t, output, "running")
	assert.Contains(t, output, "...")
	assert.Contains(t, output, "karnataka.xlsx")
	assert.Contains(t, output, "2025-06-15 10:30")
	assert.Contains(t, output, "abc12345")
	assert.NotContains(t, output, "abc12345-6789")
}

func TestRunsStats(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

	runs := []store.Run{
		{ID: "1", Status: store.RunStatusComplete, Pincodes: 3, Records: 10,
			CreatedAt: now, UpdatedAt: now.Add(2 * time.Minute)},
		{ID: "2", Status: store.RunStatusComplete, Pincodes: 2, Records: 5,
			CreatedAt: now.Add(5 * time.Minute), UpdatedAt: now.Add(8 * time.Minute)},
		{ID: "3", Status: store.RunStatusFailed, Pincodes: 1, Records: 1, Error: "timeout",
			CreatedAt: now.Add(10 * time.Minute), UpdatedAt: now.Add(10*time.Minute + 30*time.Second)},
		{ID: "4", Status: store.RunStatusRunning,
			CreatedAt: now.Add(15 * time.Minute), UpdatedAt: now.Add(15 * time.Minute)},
	}

	stats := computeRunStats(runs)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.Complete)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Running)
	assert.Equal(t, 6, stats.Pincodes)
	assert.Equal(t, 16, stats.Records)
	// Average duration of the 2 complete runs: (120s + 180s) / 2 = 150s.
	assert.InDelta(t, 150.0, stats.AvgDurSecs, 0.1)

	var buf bytes.Buffer
	formatRunStats(&buf, stats)
	assert.Contains(t, buf.String(), "Total runs:")
	assert.Contains(t, buf.String(), "Avg duration:")
	assert.Contains(t, buf.String(), "150.0s")
}

func TestRunsStats_Empty(t *testing.T) {
	stats := computeRunStats(nil)
	assert.Equal(t, runStats{}, stats)

	var buf bytes.Buffer
	formatRunStats(&buf, stats)
	assert.NotContains(t, buf.String(), "Avg duration")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc12345", truncateID("abc12345-6789"))
	assert.Equal(t, "short", truncateID("short"))
}

func TestWriteRun(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	run := &store.Run{
		ID:         "run-1",
		InputPath:  "in.xlsx",
		OutputPath: "out.xlsx",
		Status:     store.RunStatusFailed,
		Pincodes:   2,
		Records:    4,
		Error:      "boom",
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeRun(&buf, run, "json"))

		var got map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
		assert.Equal(t, "run-1", got["id"])
		assert.Equal(t, "failed", got["status"])
		assert.Equal(t, "boom", got["error"])
	})

	t.Run("yaml", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeRun(&buf, run, "yaml"))

		var got map[string]any
		require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
		assert.Equal(t, "run-1", got["id"])
		assert.Equal(t, "in.xlsx", got["input_path"])
		assert.Equal(t, 4, got["records"])
	})

	t.Run("unsupported", func(t *testing.T) {
		err := writeRun(&bytes.Buffer{}, run, "xml")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported format")
	})
}

func newRunsTestStore(t *testing.T) store.Store {
	t.Helper()
	cfg = &config.Config{
		Output: config.OutputConfig{Sheet: "Sheet1"},
		Store: config.StoreConfig{
			Driver:      "sqlite",
			DatabaseURL: filepath.Join(t.TempDir(), "runs.db"),
		},
	}
	st, err := openStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	return st
}

func TestExportRun(t *testing.T) {
	st := newRunsTestStore(t)
	ctx := context.Background()

	out := filepath.Join(t.TempDir(), "export.xlsx")
	run, err := st.CreateRun(ctx, "in.xlsx", out)
	require.NoError(t, err)

	rec := places.Record{
		Pincode: "560001", SchoolName: "ABC College", Address: "ABC College, 560001, Karnataka, India",
		Reviews: "4.2 ⭐", State: "Karnataka", Phone: "080-1234", Email: "N/A", SchoolType: "College", Website: "abc.edu",
	}
	require.NoError(t, st.SaveRow(ctx, run.ID, places.PostalCodeRow{Pincode: "560001", Row: 2}, []places.Record{rec}))
	require.NoError(t, st.FailRun(ctx, run.ID, "interrupted"))

	// Empty output falls back to the run's recorded output path.
	require.NoError(t, exportRun(ctx, st, run.ID, ""))

	rows, err := sheet.ReadXLSX(out, sheet.ReadOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, places.Columns, rows[0])
	assert.Equal(t, rec.Values(), rows[1])
}

func TestExportRun_ExplicitOutput(t *testing.T) {
	st := newRunsTestStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "in.xlsx", "never-written.xlsx")
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "explicit.xlsx")
	require.NoError(t, exportRun(ctx, st, run.ID, out))

	rows, err := sheet.ReadXLSX(out, sheet.ReadOptions{})
	require.NoError(t, err)
	assert.Len(t, rows, 1, "header only")
}

func TestExportRun_NotFound(t *testing.T) {
	st := newRunsTestStore(t)

	err := exportRun(context.Background(), st, "missing", filepath.Join(t.TempDir(), "x.xlsx"))
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrRunNotFound)
}

// pagedRuns serves ListRuns from a fixed newest-first slice and records the
// requested pages.
type pagedRuns struct {
	store.Store
	runs  []store.Run
	pages []store.RunFilter
}

func (p *pagedRuns) ListRuns(_ context.Context, filter store.RunFilter) ([]store.Run, error) {
	p.pages = append(p.pages, filter)
	if filter.Offset >= len(p.runs) {
		return nil, nil
	}
	end := min(filter.Offset+filter.Limit, len(p.runs))
	return p.runs[filter.Offset:end], nil
}

func withStatsPageSize(t *testing.T, n int) {
	t.Helper()
	prev := statsPageSize
	statsPageSize = n
	t.Cleanup(func() { statsPageSize = prev })
}

func TestListRunsSince_PagesThroughAllRuns(t *testing.T) {
	withStatsPageSize(t, 2)
	st := newRunsTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := st.CreateRun(ctx, "in.xlsx", "out.xlsx")
		require.NoError(t, err)
	}

	runs, err := listRunsSince(ctx, st, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 5)

	ids := map[string]bool{}
	for _, r := range runs {
		ids[r.ID] = true
	}
	assert.Len(t, ids, 5, "no run is counted twice")
}

func TestListRunsSince_StopsAtWindow(t *testing.T) {
	withStatsPageSize(t, 2)
	now := time.Now()
	ps := &pagedRuns{runs: []store.Run{
		{ID: "a", CreatedAt: now.Add(-time.Minute)},
		{ID: "b", CreatedAt: now.Add(-time.Hour)},
		{ID: "c", CreatedAt: now.Add(-2 * time.Hour)},
		{ID: "d", CreatedAt: now.Add(-48 * time.Hour)},
		{ID: "e", CreatedAt: now.Add(-72 * time.Hour)},
	}}

	runs, err := listRunsSince(context.Background(), ps, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "c", runs[2].ID)
	assert.Len(t, ps.pages, 2, "paging stops once a run falls outside the window")
	assert.Equal(t, store.RunFilter{Limit: 2, Offset: 2}, ps.pages[1])
}

func TestListRunsSince_ExactPageMultiple(t *testing.T) {
	withStatsPageSize(t, 2)
	ps := &pagedRuns{runs: []store.Run{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}}}

	runs, err := listRunsSince(context.Background(), ps, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 4)
	assert.Len(t, ps.pages, 3)
}
