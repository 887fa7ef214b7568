package bdc

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/coverage-cli/internal/resilience"
)

const defaultBaseURL = "https://bdc.fcc.gov/api/public"

// Options configures the BDC client.
type Options struct {
	BaseURL   string
	Username  string
	APIKey    string
	UserAgent string
	Timeout   time.Duration
	// Retry overrides the default backoff for catalog and download calls.
	Retry resilience.RetryConfig
}

// Client talks to the BDC public map API: listing as-of dates, listing
// availability files, and downloading file archives. Transient upstream
// failures are retried with backoff; permanent ones surface immediately.
type Client struct {
	http  *http.Client
	opts  Options
	retry resilience.RetryConfig
}

// NewClient creates a BDC client with the given options.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.Timeout == 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "coverage-cli/1.0"
	}
	retry := opts.Retry
	if retry.MaxAttempts == 0 {
		retry = resilience.DefaultRetryConfig()
	}
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("bdc", "request")
	}
	return &Client{
		http:  &http.Client{Timeout: opts.Timeout},
		opts:  opts,
		retry: retry,
	}
}

// newRequest builds a GET request with BDC auth headers applied.
func (c *Client) newRequest(ctx context.Context, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "bdc: build request")
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	if c.opts.Username != "" && c.opts.APIKey != "" {
		req.Header.Set("username", c.opts.Username)
		req.Header.Set("hash_value", c.opts.APIKey)
	}
	return req, nil
}

// getJSON fetches a URL under the retry policy and decodes its JSON body
// into out.
func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	body, err := resilience.DoVal(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		req, err := c.newRequest(ctx, rawURL)
		if err != nil {
			return nil, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode != http.StatusOK {
			statusErr := eris.Errorf("bdc: unexpected status %d from %s", resp.StatusCode, req.URL.Path)
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return nil, resilience.NewTransientError(statusErr, resp.StatusCode)
			}
			return nil, statusErr
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, eris.Wrap(err, "bdc: read body")
		}
		return body, nil
	})
	if err != nil {
		return eris.Wrap(err, "bdc: request")
	}

	if err := json.Unmarshal(body, out); err != nil {
		return eris.Wrap(err, "bdc: parse response")
	}
	return nil
}

// AsOfDate is one published data vintage.
type AsOfDate struct {
	AsOfDate string `json:"as_of_date"`
	DataType string `json:"data_type"`
}

// ListAsOfDates returns the published data vintages.
func (c *Client) ListAsOfDates(ctx context.Context) ([]AsOfDate, error) {
	var resp struct {
		Data []AsOfDate `json:"data"`
	}
	if err := c.getJSON(ctx, c.opts.BaseURL+"/map/listAsOfDates", &resp); err != nil {
		return nil, eris.Wrap(err, "bdc: list as-of dates")
	}
	return resp.Data, nil
}

// ListAvailability returns the availability file descriptors for a data
// vintage, optionally filtered by category and technology type. An empty
// result is not an error; downstream stages must tolerate zero files.
// Entries without a file_id are dropped with a warning.
func (c *Client) ListAvailability(ctx context.Context, asOfDate, category, technologyType string) ([]FileDescriptor, error) {
	u, err := url.Parse(c.opts.BaseURL + "/map/downloads/listAvailabilityData/" + asOfDate)
	if err != nil {
		return nil, eris.Wrap(err, "bdc: build availability URL")
	}
	q := u.Query()
	if category != "" {
		q.Set("category", category)
	}
	if technologyType != "" {
		q.Set("technology_type", technologyType)
	}
	u.RawQuery = q.Encode()

	var resp struct {
		Data []catalogEntry `json:"data"`
	}
	if err := c.getJSON(ctx, u.String(), &resp); err != nil {
		return nil, eris.Wrap(err, "bdc: list availability")
	}

	source := category
	if source == "" {
		source = "availability"
	}

	descriptors := make([]FileDescriptor, 0, len(resp.Data))
	for _, entry := range resp.Data {
		d, err := entry.descriptor(source)
		if err != nil {
			zap.L().Warn("bdc: dropping malformed catalog entry",
				zap.String("file_name", entry.FileName),
				zap.Error(err),
			)
			continue
		}
		descriptors = append(descriptors, d)
	}
	return descriptors, nil
}
