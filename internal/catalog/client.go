// Package catalog reads the public retail prices catalog. Client fetches one
// page at a time with bounded retry on rate limiting and transient failures;
// Stream follows the continuation links of a currency's catalog and yields
// its entries lazily, in the order the upstream returned them.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-pricing-history/internal/domain"
	"github.com/tbourn/go-pricing-history/internal/observability"
	"github.com/tbourn/go-pricing-history/internal/retry"
)

// Defaults for the public retail prices endpoint.
const (
	DefaultBaseURL    = "https://prices.azure.com/api/retail/prices"
	DefaultAPIVersion = "2023-01-01-preview"
)

// maxBodyBytes caps a single page response.
const maxBodyBytes = 32 << 20

// Client fetches catalog pages.
type Client struct {
	baseURL    string
	apiVersion string
	httpClient *http.Client
	limiter    *rate.Limiter
	policy     retry.Policy
	logger     zerolog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a catalog client for baseURL and apiVersion. Empty values
// fall back to the public endpoint defaults.
func NewClient(baseURL, apiVersion string, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	c := &Client{
		baseURL:    baseURL,
		apiVersion: apiVersion,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		policy:     retry.Default(),
		logger:     log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient sets a custom HTTP client (e.g. one carrying credentials).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRetry replaces the retry policy. The page-level defaults are 5 attempts
// with a 1s base delay.
func WithRetry(p retry.Policy) ClientOption {
	return func(c *Client) {
		c.policy = p
	}
}

// WithRateLimit paces outgoing page requests to rps (burst 1). rps <= 0
// disables pacing.
func WithRateLimit(rps float64) ClientOption {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// pageURL returns the first-page URL for currency, or token when following a
// continuation link.
func (c *Client) pageURL(currency, token string) string {
	if token != "" {
		return token
	}
	q := url.Values{}
	q.Set("api-version", c.apiVersion)
	q.Set("currencyCode", currency)
	return c.baseURL + "?" + q.Encode()
}

// FetchPage fetches one catalog page. token is the continuation link returned
// by the previous page, or "" for the first page.
//
// RateLimited and Transient failures retry the same request with the
// configured backoff; once attempts are exhausted a Permanent *FetchError is
// returned. Permanent failures return immediately.
func (c *Client) FetchPage(ctx context.Context, currency, token string) (domain.CatalogPage, error) {
	target := c.pageURL(currency, token)

	ctx, span := otel.Tracer("catalog/Client").Start(ctx, "FetchPage",
		trace.WithAttributes(
			attribute.String("currency", currency),
			attribute.Bool("continuation", token != ""),
		),
	)
	defer span.End()

	policy := c.policy
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		kind := Transient
		var fe *FetchError
		if errors.As(err, &fe) {
			kind = fe.Kind
		}
		observability.CatalogRetries.WithLabelValues(kind.String()).Inc()
		c.logger.Warn().
			Err(err).
			Str("currency", currency).
			Int("attempt", attempt+1).
			Int("max_attempts", policy.MaxAttempts).
			Dur("delay", delay).
			Msg("catalog page request failed, retrying")
	}

	var page domain.CatalogPage
	err := retry.Do(ctx, policy, IsRetryable, func(int) error {
		p, err := c.fetchOnce(ctx, target)
		if err != nil {
			return err
		}
		page = p
		return nil
	})
	if err != nil {
		if !IsPermanent(err) {
			err = &FetchError{Kind: Permanent, URL: target, Err: err}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return domain.CatalogPage{}, err
	}

	span.SetAttributes(attribute.Int("items", len(page.Items)))
	observability.CatalogPages.WithLabelValues(currency).Inc()
	return page, nil
}

// fetchOnce performs a single page request and classifies its failure.
func (c *Client) fetchOnce(ctx context.Context, target string) (domain.CatalogPage, error) {
	var page domain.CatalogPage

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return page, &FetchError{Kind: Permanent, URL: target, Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return page, &FetchError{Kind: Permanent, URL: target, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return page, &FetchError{Kind: Permanent, URL: target, Err: ctx.Err()}
		}
		return page, &FetchError{Kind: Transient, URL: target, Err: fmt.Errorf("do request: %w", err)}
	}
	defer resp.Body.Close()

	if kind, failed := classifyStatus(resp.StatusCode); failed {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		if kind == RateLimited {
			c.logger.Debug().
				Str("retry_after", resp.Header.Get("Retry-After")).
				Msg("catalog rate limited")
		}
		return page, &FetchError{
			Kind:       kind,
			StatusCode: resp.StatusCode,
			URL:        target,
			Err:        fmt.Errorf("%s: %s", http.StatusText(resp.StatusCode), body),
		}
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&page); err != nil {
		return domain.CatalogPage{}, &FetchError{
			Kind:       Permanent,
			StatusCode: resp.StatusCode,
			URL:        target,
			Err:        fmt.Errorf("decode page: %w", err),
		}
	}
	return page, nil
}

// classifyStatus maps an HTTP status to a failure kind. failed is false for
// 2xx/3xx responses.
func classifyStatus(status int) (kind ErrorKind, failed bool) {
	switch {
	case status < 400:
		return 0, false
	case status == http.StatusTooManyRequests:
		return RateLimited, true
	case status == http.StatusRequestTimeout || status >= 500:
		return Transient, true
	default:
		return Permanent, true
	}
}
