package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-pricing-history/internal/observability"
	"github.com/tbourn/go-pricing-history/internal/retry"
)

const onePage = `{"Items":[{"meterId":"m1","effectiveStartDate":"2024-01-01T00:00:00Z","retailPrice":0.5,"unitPrice":0.5}],"NextPageLink":null,"Count":1}`

// newTestClient returns a client against srv whose backoff sleeps are
// recorded instead of performed.
func newTestClient(srv *httptest.Server, slept *[]time.Duration) *Client {
	return NewClient(srv.URL, "2023-01-01-preview",
		WithHTTPClient(srv.Client()),
		WithLogger(zerolog.Nop()),
		WithRetry(retry.Policy{
			MaxAttempts: 5,
			Base:        time.Second,
			Sleep: func(_ context.Context, d time.Duration) error {
				*slept = append(*slept, d)
				return nil
			},
		}),
	)
}

// failingServer answers the first n requests with status, then onePage.
func failingServer(t *testing.T, n int32, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= n {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, onePage)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestFetchPage_FirstPageQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		if r.Header.Get("Accept") != "application/json" {
			t.Errorf("Accept header = %q", r.Header.Get("Accept"))
		}
		fmt.Fprint(w, onePage)
	}))
	defer srv.Close()

	var slept []time.Duration
	page, err := newTestClient(srv, &slept).FetchPage(context.Background(), "EUR", "")
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if gotQuery != "api-version=2023-01-01-preview&currencyCode=EUR" {
		t.Fatalf("query = %q", gotQuery)
	}
	if len(page.Items) != 1 || page.Items[0].MeterID != "m1" || page.NextPageLink != "" {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestFetchPage_FollowsContinuationVerbatim(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery = r.URL.Path, r.URL.RawQuery
		fmt.Fprint(w, onePage)
	}))
	defer srv.Close()

	var slept []time.Duration
	token := srv.URL + "/next?$skip=100&currencyCode=USD"
	if _, err := newTestClient(srv, &slept).FetchPage(context.Background(), "USD", token); err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if gotPath != "/next" || gotQuery != "$skip=100&currencyCode=USD" {
		t.Fatalf("continuation not followed verbatim: %s?%s", gotPath, gotQuery)
	}
}

func TestFetchPage_RateLimitedFourTimesThenSucceeds(t *testing.T) {
	srv, calls := failingServer(t, 4, http.StatusTooManyRequests)
	base := testutil.ToFloat64(observability.CatalogRetries.WithLabelValues("rate_limited"))

	var slept []time.Duration
	page, err := newTestClient(srv, &slept).FetchPage(context.Background(), "USD", "")
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("expected the page to be returned, got %+v", page)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	if !reflect.DeepEqual(slept, want) {
		t.Fatalf("backoff delays = %v; want %v", slept, want)
	}
	if calls.Load() != 5 {
		t.Fatalf("calls = %d; want 5", calls.Load())
	}
	if got := testutil.ToFloat64(observability.CatalogRetries.WithLabelValues("rate_limited")); got != base+4 {
		t.Fatalf("rate_limited retries = %v; want %v", got, base+4)
	}
}

func TestFetchPage_FiveRateLimitsSurfacePermanent(t *testing.T) {
	srv, calls := failingServer(t, 5, http.StatusTooManyRequests)

	var slept []time.Duration
	_, err := newTestClient(srv, &slept).FetchPage(context.Background(), "USD", "")

	var fe *FetchError
	if !errors.As(err, &fe) || fe.Kind != Permanent {
		t.Fatalf("err = %v; want Permanent *FetchError", err)
	}
	if !IsPermanent(err) || IsRetryable(err) {
		t.Fatalf("classification helpers disagree for %v", err)
	}
	if !errors.Is(err, retry.ErrExhausted) {
		t.Fatalf("expected exhausted retries in chain: %v", err)
	}
	if calls.Load() != 5 {
		t.Fatalf("calls = %d; want 5", calls.Load())
	}
}

func TestFetchPage_TransientServerErrorRetried(t *testing.T) {
	srv, calls := failingServer(t, 1, http.StatusBadGateway)

	var slept []time.Duration
	if _, err := newTestClient(srv, &slept).FetchPage(context.Background(), "USD", ""); err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if calls.Load() != 2 || len(slept) != 1 || slept[0] != time.Second {
		t.Fatalf("calls=%d slept=%v; want 2 calls and one 1s delay", calls.Load(), slept)
	}
}

func TestFetchPage_PermanentStatusNotRetried(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound} {
		srv, calls := failingServer(t, 100, status)

		var slept []time.Duration
		_, err := newTestClient(srv, &slept).FetchPage(context.Background(), "USD", "")

		var fe *FetchError
		if !errors.As(err, &fe) || fe.Kind != Permanent || fe.StatusCode != status {
			t.Fatalf("status %d: err = %v; want Permanent with status", status, err)
		}
		if calls.Load() != 1 || len(slept) != 0 {
			t.Fatalf("status %d: calls=%d slept=%v; want no retry", status, calls.Load(), slept)
		}
	}
}

func TestFetchPage_MalformedBodyIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"Items": [`)
	}))
	defer srv.Close()

	var slept []time.Duration
	_, err := newTestClient(srv, &slept).FetchPage(context.Background(), "USD", "")
	if !IsPermanent(err) {
		t.Fatalf("err = %v; want Permanent", err)
	}
	if len(slept) != 0 {
		t.Fatalf("malformed body must not be retried, slept %v", slept)
	}
}

func TestFetchPage_CancelledContextIsPermanent(t *testing.T) {
	srv, _ := failingServer(t, 0, http.StatusOK)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var slept []time.Duration
	_, err := newTestClient(srv, &slept).FetchPage(ctx, "USD", "")
	if !IsPermanent(err) || !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v; want Permanent wrapping context.Canceled", err)
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		kind   ErrorKind
		failed bool
	}{
		{200, 0, false},
		{429, RateLimited, true},
		{408, Transient, true},
		{500, Transient, true},
		{503, Transient, true},
		{400, Permanent, true},
		{403, Permanent, true},
	}
	for _, tc := range cases {
		kind, failed := classifyStatus(tc.status)
		if kind != tc.kind || failed != tc.failed {
			t.Fatalf("classifyStatus(%d) = (%v,%v); want (%v,%v)", tc.status, kind, failed, tc.kind, tc.failed)
		}
	}
}

func TestNewClient_DefaultsAndRateLimitOption(t *testing.T) {
	c := NewClient("", "", WithTimeout(5*time.Second), WithRateLimit(0))
	if c.baseURL != DefaultBaseURL || c.apiVersion != DefaultAPIVersion {
		t.Fatalf("defaults not applied: %s %s", c.baseURL, c.apiVersion)
	}
	if c.httpClient.Timeout != 5*time.Second || c.limiter != nil {
		t.Fatalf("options not applied: timeout=%v limiter=%v", c.httpClient.Timeout, c.limiter)
	}
	if c.policy.MaxAttempts != retry.DefaultMaxAttempts {
		t.Fatalf("default policy attempts = %d", c.policy.MaxAttempts)
	}
	if NewClient("", "", WithRateLimit(10)).limiter == nil {
		t.Fatalf("expected limiter when rps > 0")
	}
}
