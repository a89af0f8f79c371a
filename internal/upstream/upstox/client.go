// Package upstox implements upstream.Source against the broker's
// expired-instruments REST API.
package upstox

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"optcollect/internal/logger"
	"optcollect/internal/ratelimit"
	"optcollect/internal/upstream"
)

const (
	defaultBaseURL = "https://api.upstox.com/v2"
	defaultTimeout = 30 * time.Second
	dateLayout     = "2006-01-02"
)

// Client talks to the expired-instruments endpoints. Every request first
// blocks on the shared limiter, and every response is fed back into it so
// backoff tracks observed quota pressure.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// NewClient builds a Client. The limiter is required: unlimited upstream
// access is never correct for this API.
func NewClient(baseURL, token string, limiter *ratelimit.Limiter, opts ...Option) (*Client, error) {
	if limiter == nil {
		return nil, fmt.Errorf("upstox: limiter is required")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	c := &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: &http.Client{Timeout: defaultTimeout},
		limiter:    limiter,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Expiries lists expiry dates for an underlying instrument.
func (c *Client) Expiries(ctx context.Context, instrumentKey string, prio ratelimit.Priority) ([]time.Time, error) {
	q := url.Values{"instrument_key": {instrumentKey}}
	body, err := c.get(ctx, "/expired-instruments/expiries", q, prio)
	if err != nil {
		return nil, err
	}
	return parseExpiries(body)
}

// Contracts fetches the option and future contracts for one expiry.
func (c *Client) Contracts(ctx context.Context, instrumentKey string, expiry time.Time, prio ratelimit.Priority) (upstream.ContractSet, error) {
	q := url.Values{
		"instrument_key": {instrumentKey},
		"expiry_date":    {expiry.Format(dateLayout)},
	}
	var set upstream.ContractSet
	optBody, err := c.get(ctx, "/expired-instruments/option/contract", q, prio)
	if err != nil {
		return set, err
	}
	set.Options, err = parseContracts(optBody, instrumentKey)
	if err != nil {
		return set, err
	}
	futBody, err := c.get(ctx, "/expired-instruments/future/contract", q, prio)
	if err != nil {
		return set, err
	}
	set.Futures, err = parseContracts(futBody, instrumentKey)
	return set, err
}

// Candles fetches historical OHLCV rows for one expired contract.
func (c *Client) Candles(ctx context.Context, contractKey string, from, to time.Time, interval string, prio ratelimit.Priority) ([]upstream.Candle, error) {
	path := fmt.Sprintf("/expired-instruments/historical-candle/%s/%s/%s/%s",
		url.PathEscape(contractKey), url.PathEscape(interval),
		to.Format(dateLayout), from.Format(dateLayout))
	body, err := c.get(ctx, path, nil, prio)
	if err != nil {
		return nil, err
	}
	return parseCandles(body, contractKey)
}

// get performs one rate-limited GET. A 429 is reported to the limiter
// (which sleeps out the retry delay) and retried exactly once.
func (c *Client) get(ctx context.Context, path string, query url.Values, prio ratelimit.Priority) ([]byte, error) {
	retried := false
	for {
		if err := c.limiter.Acquire(ctx, prio); err != nil {
			return nil, err
		}
		status, body, retryAfter, err := c.do(ctx, path, query)
		if err != nil {
			return nil, err
		}
		if lerr := c.limiter.HandleResponse(ctx, status, retryAfter); lerr != nil {
			return nil, lerr
		}
		switch {
		case status >= 200 && status < 300:
			return body, nil
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return nil, fmt.Errorf("%w (status %d)", upstream.ErrUnauthenticated, status)
		case status == http.StatusTooManyRequests:
			if retried {
				return nil, fmt.Errorf("%w (%s)", upstream.ErrRateLimited, path)
			}
			retried = true
			logger.Debugf("upstox: retrying %s after 429", path)
			continue
		default:
			return nil, fmt.Errorf("upstox: %s returned status %d: %s", path, status, truncate(body, 200))
		}
	}
}

func (c *Client) do(ctx context.Context, path string, query url.Values) (int, []byte, time.Duration, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, 0, fmt.Errorf("upstox: request %s failed: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return 0, nil, 0, fmt.Errorf("upstox: reading %s response failed: %w", path, err)
	}
	return resp.StatusCode, body, parseRetryAfter(resp.Header.Get("Retry-After")), nil
}

func parseRetryAfter(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
