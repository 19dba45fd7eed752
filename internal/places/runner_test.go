package places

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pincode-places/internal/sheet"
	"github.com/sells-group/pincode-places/pkg/google"
	"github.com/sells-group/pincode-places/pkg/google/mocks"
)

type savedRow struct {
	runID   string
	row     PostalCodeRow
	records []Record
}

type fakeCheckpoint struct {
	saved []savedRow
	err   error
}

func (f *fakeCheckpoint) SaveRow(_ context.Context, runID string, row PostalCodeRow, records []Record) error {
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, savedRow{runID: runID, row: row, records: records})
	return nil
}

type stubSource struct {
	places   map[string][]google.Place
	details  map[string]google.PlaceDetail
	fail     string
	searched []string
}

func (s *stubSource) Search(_ context.Context, pincode string) ([]google.Place, error) {
	s.searched = append(s.searched, pincode)
	if pincode == s.fail {
		return nil, errors.New("places: search pincode " + pincode + ": connection refused")
	}
	return s.places[pincode], nil
}

func (s *stubSource) Details(_ context.Context, placeID string) (google.PlaceDetail, error) {
	return s.details[placeID], nil
}

func TestRunner_EndToEnd(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("TextSearch", mock.Anything, google.TextSearchRequest{Query: "Engineering Colleges in 560001"}).
		Return(&google.TextSearchResponse{
			Status: google.StatusOK,
			Results: []google.Place{
				{
					PlaceID:          "p1",
					Name:             "ABC College",
					FormattedAddress: "ABC College, 560001, Karnataka, India",
					Rating:           4.2,
					Types:            []string{"college"},
				},
				{
					PlaceID:          "p2",
					Name:             "Elsewhere Institute",
					FormattedAddress: "Elsewhere, 5600012, Karnataka, India",
					Types:            []string{"university"},
				},
			},
		}, nil).Once()
	client.On("PlaceDetails", mock.Anything, "p1").
		Return(&google.DetailsResponse{
			Status: google.StatusOK,
			Result: google.PlaceDetail{FormattedPhoneNumber: "080-1234", Website: "abc.edu"},
		}, nil).Once()

	finder := NewFinder(client, WithWait(func(context.Context, time.Duration) error { return nil }))
	cp := &fakeCheckpoint{}
	runner := NewRunner(finder, WithCheckpoint("run-1", cp))

	rows := []PostalCodeRow{{Pincode: "560001", Row: 2}}
	records, summary, err := runner.Run(context.Background(), rows)
	require.NoError(t, err)
	assert.Equal(t, Summary{Pincodes: 1, Records: 1}, summary)

	want := Record{
		Pincode:    "560001",
		SchoolName: "ABC College",
		Address:    "ABC College, 560001, Karnataka, India",
		Reviews:    "4.2 ⭐",
		State:      "Karnataka",
		Phone:      "080-1234",
		Email:      "N/A",
		SchoolType: "College",
		Website:    "abc.edu",
	}
	require.Len(t, records, 1)
	assert.Equal(t, want, records[0])

	require.Len(t, cp.saved, 1)
	assert.Equal(t, "run-1", cp.saved[0].runID)
	assert.Equal(t, rows[0], cp.saved[0].row)
	assert.Equal(t, []Record{want}, cp.saved[0].records)

	path := filepath.Join(t.TempDir(), "output.xlsx")
	require.NoError(t, WriteRecords(path, "", records))

	out, err := sheet.ReadXLSX(path, sheet.ReadOptions{})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, Columns, out[0])
	assert.Equal(t, []string{
		"560001", "ABC College", "ABC College, 560001, Karnataka, India", "4.2 ⭐",
		"Karnataka", "080-1234", "N/A", "College", "abc.edu",
	}, out[1])
}

func TestRunner_PreservesInputOrder(t *testing.T) {
	src := &stubSource{
		places: map[string][]google.Place{
			"110001": {{PlaceID: "d1", Name: "Delhi One", FormattedAddress: "X, Delhi 110001, India"}},
			"560001": {
				{PlaceID: "b1", Name: "Bengaluru One", FormattedAddress: "A, 560001, Karnataka, India"},
				{PlaceID: "b2", Name: "Bengaluru Two", FormattedAddress: "B, 560001, Karnataka, India"},
			},
		},
		details: map[string]google.PlaceDetail{"b2": {Website: "b2.edu"}},
	}

	records, summary, err := NewRunner(src).Run(context.Background(), []PostalCodeRow{
		{Pincode: "560001", Row: 2},
		{Pincode: "400001", Row: 3},
		{Pincode: "110001", Row: 4},
	})
	require.NoError(t, err)
	assert.Equal(t, Summary{Pincodes: 3, Records: 3}, summary)

	names := make([]string, 0, len(records))
	for _, r := range records {
		names = append(names, r.SchoolName)
	}
	assert.Equal(t, []string{"Bengaluru One", "Bengaluru Two", "Delhi One"}, names)
	assert.Equal(t, NotAvailable, records[0].Website)
	assert.Equal(t, "b2.edu", records[1].Website)
}

func TestRunner_SearchErrorReturnsPartial(t *testing.T) {
	src := &stubSource{
		places: map[string][]google.Place{
			"560001": {{PlaceID: "b1", Name: "Bengaluru One", FormattedAddress: "A, 560001, Karnataka, India"}},
		},
		fail: "110001",
	}
	cp := &fakeCheckpoint{}

	records, summary, err := NewRunner(src, WithCheckpoint("run-2", cp)).Run(context.Background(), []PostalCodeRow{
		{Pincode: "560001", Row: 2},
		{Pincode: "110001", Row: 3},
		{Pincode: "400001", Row: 4},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Len(t, records, 1)
	assert.Equal(t, Summary{Pincodes: 1, Records: 1}, summary)
	assert.Len(t, cp.saved, 1)
}

func TestRunner_CheckpointError(t *testing.T) {
	src := &stubSource{}
	cp := &fakeCheckpoint{err: errors.New("database is locked")}

	_, _, err := NewRunner(src, WithCheckpoint("run-3", cp)).Run(context.Background(), []PostalCodeRow{
		{Pincode: "560001", Row: 2},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "places: checkpoint pincode 560001")
}

func TestRunner_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	records, summary, err := NewRunner(&stubSource{}).Run(ctx, []PostalCodeRow{{Pincode: "560001", Row: 2}})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, records)
	assert.Zero(t, summary.Pincodes)
}

func TestRunner_NoRows(t *testing.T) {
	records, summary, err := NewRunner(&stubSource{}).Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, Summary{}, summary)
}

func TestRunner_WithCompletedSkipsFetch(t *testing.T) {
	src := &stubSource{
		places: map[string][]google.Place{
			"110001": {{PlaceID: "d1", Name: "Delhi One", FormattedAddress: "X, Delhi 110001, India"}},
		},
		fail: "560001",
	}
	restored := []Record{{Pincode: "560001", SchoolName: "Bengaluru One"}}
	cp := &fakeCheckpoint{}

	records, summary, err := NewRunner(src,
		WithCheckpoint("run-4", cp),
		WithCompleted(map[int]CompletedRow{
			2: {Pincode: "560001", Records: restored},
			4: {Pincode: "400001"},
		}),
	).Run(context.Background(), []PostalCodeRow{
		{Pincode: "560001", Row: 2},
		{Pincode: "110001", Row: 3},
		{Pincode: "400001", Row: 4},
	})
	require.NoError(t, err)
	assert.Equal(t, Summary{Pincodes: 3, Records: 2, Skipped: 2}, summary)
	require.Len(t, records, 2)
	assert.Equal(t, "Bengaluru One", records[0].SchoolName)
	assert.Equal(t, "Delhi One", records[1].SchoolName)

	require.Len(t, cp.saved, 1, "restored rows are not checkpointed again")
	assert.Equal(t, 3, cp.saved[0].row.Row)
}

func TestRunner_WithCompletedRefetchesChangedRow(t *testing.T) {
	src := &stubSource{
		places: map[string][]google.Place{
			"110001": {{PlaceID: "d1", Name: "Delhi One", FormattedAddress: "X, Delhi 110001, India"}},
		},
	}
	cp := &fakeCheckpoint{}

	records, summary, err := NewRunner(src,
		WithCheckpoint("run-5", cp),
		WithCompleted(map[int]CompletedRow{
			2: {Pincode: "560001", Records: []Record{{Pincode: "560001", SchoolName: "Bengaluru One"}}},
		}),
	).Run(context.Background(), []PostalCodeRow{{Pincode: "110001", Row: 2}})
	require.NoError(t, err)
	assert.Equal(t, Summary{Pincodes: 1, Records: 1}, summary)
	require.Len(t, records, 1)
	assert.Equal(t, "110001", records[0].Pincode)
	assert.Equal(t, "Delhi One", records[0].SchoolName)
	assert.Equal(t, []string{"110001"}, src.searched)

	require.Len(t, cp.saved, 1)
	assert.Equal(t, PostalCodeRow{Pincode: "110001", Row: 2}, cp.saved[0].row)
}
