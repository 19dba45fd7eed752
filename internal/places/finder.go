package places

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/pincode-places/pkg/google"
)

const (
	// DefaultQueryTemplate builds the text search query from a pincode.
	DefaultQueryTemplate = "Engineering Colleges in %s"
	// DefaultPageDelay is how long a next_page_token needs before it is valid.
	DefaultPageDelay = 2 * time.Second
)

// WaitFunc blocks for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

// Finder runs text searches and detail lookups against the Places API,
// one request at a time.
type Finder struct {
	client        google.Client
	queryTemplate string
	pageDelay     time.Duration
	maxPages      int
	limiter       *rate.Limiter
	wait          WaitFunc
}

// Option configures a Finder.
type Option func(*Finder)

// WithQueryTemplate sets the fmt template (one %s) used to build queries.
func WithQueryTemplate(tmpl string) Option {
	return func(f *Finder) {
		if tmpl != "" {
			f.queryTemplate = tmpl
		}
	}
}

// WithPageDelay sets the pause before a pagination token is reused.
func WithPageDelay(d time.Duration) Option {
	return func(f *Finder) {
		f.pageDelay = d
	}
}

// WithMaxPages caps the pages fetched per pincode. Zero means no cap.
func WithMaxPages(n int) Option {
	return func(f *Finder) {
		f.maxPages = n
	}
}

// WithLimiter paces every API call through l.
func WithLimiter(l *rate.Limiter) Option {
	return func(f *Finder) {
		f.limiter = l
	}
}

// WithWait replaces the pagination sleep.
func WithWait(w WaitFunc) Option {
	return func(f *Finder) {
		if w != nil {
			f.wait = w
		}
	}
}

// NewFinder creates a Finder over the given client.
func NewFinder(client google.Client, opts ...Option) *Finder {
	f := &Finder{
		client:        client,
		queryTemplate: DefaultQueryTemplate,
		pageDelay:     DefaultPageDelay,
		wait:          sleep,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Query returns the text search query for pincode.
func (f *Finder) Query(pincode string) string {
	return fmt.Sprintf(f.queryTemplate, pincode)
}

// Search fetches every result page for pincode and keeps the places whose
// formatted address contains the pincode as a whole token. A non-200 status
// is logged and ends pagination without an error; transport and decode
// failures are returned.
func (f *Finder) Search(ctx context.Context, pincode string) ([]google.Place, error) {
	log := zap.L().With(zap.String("pincode", pincode))

	req := google.TextSearchRequest{Query: f.Query(pincode)}

	var (
		results []google.Place
		scanned int
	)
	for page := 1; ; page++ {
		if err := f.pace(ctx); err != nil {
			return nil, err
		}

		resp, err := f.client.TextSearch(ctx, req)
		if err != nil {
			var se *google.StatusError
			if errors.As(err, &se) {
				log.Error("unable to get data for pincode",
					zap.Int("status_code", se.StatusCode),
					zap.Int("page", page),
				)
				break
			}
			return nil, eris.Wrapf(err, "places: search pincode %s", pincode)
		}
		warnOnStatus(log, "textsearch", resp.Status, resp.ErrorMessage)

		scanned += len(resp.Results)
		for _, place := range resp.Results {
			if MatchesPincode(place.FormattedAddress, pincode) {
				results = append(results, place)
			}
		}

		if resp.NextPageToken == "" {
			break
		}
		if f.maxPages > 0 && page >= f.maxPages {
			log.Info("page limit reached, dropping next page token", zap.Int("max_pages", f.maxPages))
			break
		}

		if err := f.wait(ctx, f.pageDelay); err != nil {
			return nil, eris.Wrap(err, "places: wait for page token")
		}
		req.PageToken = resp.NextPageToken
	}

	log.Debug("search complete", zap.Int("scanned", scanned), zap.Int("matched", len(results)))
	return results, nil
}

// Details fetches the phone number and website of placeID. A non-200
// status is logged and yields an empty detail.
func (f *Finder) Details(ctx context.Context, placeID string) (google.PlaceDetail, error) {
	log := zap.L().With(zap.String("place_id", placeID))

	if placeID == "" {
		log.Debug("place has no id, skipping detail lookup")
		return google.PlaceDetail{}, nil
	}

	if err := f.pace(ctx); err != nil {
		return google.PlaceDetail{}, err
	}

	resp, err := f.client.PlaceDetails(ctx, placeID)
	if err != nil {
		var se *google.StatusError
		if errors.As(err, &se) {
			log.Error("unable to get details for place", zap.Int("status_code", se.StatusCode))
			return google.PlaceDetail{}, nil
		}
		return google.PlaceDetail{}, eris.Wrapf(err, "places: details for %s", placeID)
	}
	warnOnStatus(log, "details", resp.Status, resp.ErrorMessage)

	return resp.Result, nil
}

func (f *Finder) pace(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "places: rate limit wait")
	}
	return nil
}

// warnOnStatus logs body statuses other than OK and ZERO_RESULTS. The
// response is still used as returned.
func warnOnStatus(log *zap.Logger, endpoint, status, message string) {
	switch status {
	case "", google.StatusOK, google.StatusZeroResults:
		return
	}
	log.Warn("places api returned non-ok status",
		zap.String("endpoint", endpoint),
		zap.String("status", status),
		zap.String("error_message", message),
	)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
