package google

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
)

const defaultBaseURL = "https://maps.googleapis.com/maps/api/place"

// detailFields is the field mask requested from the details endpoint.
const detailFields = "formatted_phone_number,website"

// Body status values returned by the Places web service.
const (
	StatusOK          = "OK"
	StatusZeroResults = "ZERO_RESULTS"
)

// Client performs Google Places API operations.
type Client interface {
	TextSearch(ctx context.Context, req TextSearchRequest) (*TextSearchResponse, error)
	PlaceDetails(ctx context.Context, placeID string) (*DetailsResponse, error)
}

// TextSearchRequest holds the parameters for one text search page.
type TextSearchRequest struct {
	Query     string
	PageToken string
}

// TextSearchResponse is the response from Places Text Search.
type TextSearchResponse struct {
	Results       []Place `json:"results"`
	NextPageToken string  `json:"next_page_token,omitempty"`
	Status        string  `json:"status"`
	ErrorMessage  string  `json:"error_message,omitempty"`
}

// Place represents a place returned by text search.
type Place struct {
	PlaceID          string   `json:"place_id"`
	Name             string   `json:"name"`
	FormattedAddress string   `json:"formatted_address"`
	Rating           float64  `json:"rating,omitempty"`
	Types            []string `json:"types,omitempty"`
}

// DetailsResponse is the response from Place Details.
type DetailsResponse struct {
	Result       PlaceDetail `json:"result"`
	Status       string      `json:"status"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// PlaceDetail holds the contact fields requested from Place Details.
type PlaceDetail struct {
	FormattedPhoneNumber string `json:"formatted_phone_number,omitempty"`
	Website              string `json:"website,omitempty"`
}

// StatusError is returned when the API answers with a non-200 HTTP status.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("google: %s: unexpected status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout sets the request timeout. A client passed with WithHTTPClient
// is copied, not modified.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		c.timeout = d
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	timeout time.Duration
}

// NewClient creates a Google Places API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	if c.timeout > 0 && c.timeout != c.http.Timeout {
		hc := *c.http
		hc.Timeout = c.timeout
		c.http = &hc
	}
	return c
}

func (c *httpClient) TextSearch(ctx context.Context, req TextSearchRequest) (*TextSearchResponse, error) {
	params := url.Values{}
	params.Set("query", req.Query)
	params.Set("key", c.apiKey)
	if req.PageToken != "" {
		params.Set("pagetoken", req.PageToken)
	}

	var result TextSearchResponse
	if err := c.get(ctx, "textsearch", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *httpClient) PlaceDetails(ctx context.Context, placeID string) (*DetailsResponse, error) {
	params := url.Values{}
	params.Set("place_id", placeID)
	params.Set("fields", detailFields)
	params.Set("key", c.apiKey)

	var result DetailsResponse
	if err := c.get(ctx, "details", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *httpClient) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	u := c.baseURL + "/" + endpoint + "/json?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return eris.Wrapf(err, "google: %s: create request", endpoint)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrapf(err, "google: %s: send request", endpoint)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrapf(err, "google: %s: read response", endpoint)
	}

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: string(body)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return eris.Wrapf(err, "google: %s: unmarshal response", endpoint)
	}
	return nil
}
