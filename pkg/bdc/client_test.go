package bdc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/coverage-cli/internal/resilience"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(Options{
		BaseURL:  srv.URL,
		Username: "tester",
		APIKey:   "secret",
		Retry:    resilience.RetryConfig{MaxAttempts: 1},
	})
	return c, srv
}

func TestListAsOfDates(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/map/listAsOfDates", r.URL.Path)
		assert.Equal(t, "tester", r.Header.Get("username"))
		assert.Equal(t, "secret", r.Header.Get("hash_value"))
		w.Write([]byte(`{"data":[
			{"as_of_date":"2024-06-30","data_type":"availability"},
			{"as_of_date":"2023-12-31","data_type":"availability"}
		]}`))
	}))

	dates, err := c.ListAsOfDates(context.Background())
	require.NoError(t, err)
	require.Len(t, dates, 2)
	assert.Equal(t, "2024-06-30", dates[0].AsOfDate)
}

func TestListAvailability(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/map/downloads/listAvailabilityData/2024-06-30", r.URL.Path)
		assert.Equal(t, "State", r.URL.Query().Get("category"))
		assert.Equal(t, "Fixed Broadband", r.URL.Query().Get("technology_type"))
		w.Write([]byte(`{"data":[
			{"file_id":101,"file_name":"bdc_06_fiber.zip","record_count":"5000","technology_code":50,"provider_name":"ExampleNet"},
			{"file_id":"202","file_name":"bdc_06_cable.zip","record_count":1200,"technology_code":"40"},
			{"file_name":"no_id.zip","record_count":99}
		]}`))
	}))

	files, err := c.ListAvailability(context.Background(), "2024-06-30", "State", "Fixed Broadband")
	require.NoError(t, err)

	// The entry without a file_id is dropped.
	require.Len(t, files, 2)
	assert.Equal(t, int64(101), files[0].FileID)
	assert.Equal(t, 5000, files[0].RecordCount)
	assert.Equal(t, int64(202), files[1].FileID)
	assert.Equal(t, 40, files[1].TechnologyCode)
	assert.Equal(t, "State", files[0].Source)
}

func TestListAvailability_Empty(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	}))

	files, err := c.ListAvailability(context.Background(), "2024-06-30", "", "")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestListAvailability_ServerError(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := c.ListAvailability(context.Background(), "2024-06-30", "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 500")
}

func TestListAvailability_RetriesTransientStatus(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"data":[{"file_id":1,"file_name":"bdc_06_x.zip","record_count":500,"technology_code":50}]}`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Options{
		BaseURL: srv.URL,
		Retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
		},
	})

	files, err := c.ListAvailability(context.Background(), "2024-06-30", "", "")
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	require.Len(t, files, 1)
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(Options{})
	assert.Equal(t, defaultBaseURL, c.opts.BaseURL)
	assert.NotZero(t, c.opts.Timeout)
	assert.NotEmpty(t, c.opts.UserAgent)
}
