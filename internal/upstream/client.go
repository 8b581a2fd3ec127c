package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/syncbridge/sessionsync/internal/session"
)

// Client talks to the session-management service. It is the only component
// in the process that touches the upstream network. Every logical call runs
// a fresh bounded retry loop; no retry state survives between calls.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter
	timeout    time.Duration
	attempts   int
	backoff    []time.Duration
	logger     *zap.Logger
}

// sessionProbe pulls just the identity fields out of a raw session object.
type sessionProbe struct {
	ID        string `json:"id"`
	UpdatedAt string `json:"updated_at"`
}

func NewClient(baseURL, apiKey string, ratePerSec int, timeout time.Duration, attempts int, backoff []time.Duration, logger *zap.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:       100,
		MaxConnsPerHost:    10,
		IdleConnTimeout:    90 * time.Second,
		DisableCompression: false,
	}

	if attempts < 1 {
		attempts = 1
	}

	return &Client{
		httpClient: &http.Client{Transport: transport},
		baseURL:    baseURL,
		apiKey:     apiKey,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec*2),
		timeout:    timeout,
		attempts:   attempts,
		backoff:    backoff,
		logger:     logger,
	}
}

// FetchAllSessions retrieves the current full session set. On retryable
// failures (429, 5xx, connection timeout) it retries up to the configured
// attempt count with the configured backoff between attempts; any other
// failure is returned immediately. The final error after exhaustion is
// returned to the caller, which decides whether to skip the cycle.
func (c *Client) FetchAllSessions(ctx context.Context) ([]session.Snapshot, error) {
	body, err := c.do(ctx, http.MethodGet, "/sessions")
	if err != nil {
		return nil, err
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decoding session list: %w", err)
	}

	snapshots := make([]session.Snapshot, 0, len(raw))
	for _, item := range raw {
		var probe sessionProbe
		if err := json.Unmarshal(item, &probe); err != nil || probe.ID == "" {
			c.logger.Debug("skipping malformed session object", zap.Error(err))
			continue
		}
		snapshots = append(snapshots, session.Snapshot{
			ID:      probe.ID,
			Version: probe.UpdatedAt,
			Payload: item,
		})
	}

	return snapshots, nil
}

// FetchSession retrieves one session record by id.
func (c *Client) FetchSession(ctx context.Context, id string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/sessions/"+id)
}

// DeleteSession removes one session upstream. Deletion is idempotent on the
// upstream side, so it rides the same retry loop as reads.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/sessions/"+id)
	return err
}

// do runs one logical upstream call: rate limit, then up to c.attempts
// request attempts with backoff between them. Each attempt gets its own
// deadline so a stalled connection cannot wedge the loop.
func (c *Client) do(ctx context.Context, method, path string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	url := c.baseURL + path

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 {
			delay := c.backoffFor(attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		start := time.Now()
		body, err := c.doOnce(ctx, method, url)
		elapsed := time.Since(start)

		if err == nil {
			c.logger.Debug("upstream request succeeded",
				zap.String("method", method),
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.Duration("elapsed", elapsed),
			)
			return body, nil
		}

		c.logger.Warn("upstream request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Duration("elapsed", elapsed),
			zap.Bool("retryable", IsRetryable(err)),
			zap.Error(err),
		)

		if !IsRetryable(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("retries exhausted after %d attempts: %w", c.attempts, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, url string) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Connection-level failure or attempt deadline expiry.
		return nil, &Error{Retryable: true, Err: fmt.Errorf("%w: %v", ErrTimeout, err)}
	}

	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, &Error{Retryable: true, Err: fmt.Errorf("%w: reading body: %v", ErrTimeout, readErr)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{Status: resp.StatusCode, Retryable: true, Err: ErrRateLimited}
	case resp.StatusCode >= 500:
		return nil, &Error{Status: resp.StatusCode, Retryable: true, Err: ErrServerError}
	case resp.StatusCode == http.StatusNotFound:
		return nil, &Error{Status: resp.StatusCode, Err: ErrNotFound}
	default:
		// Remaining 4xx reflect a malformed request; retrying cannot fix it.
		return nil, &Error{Status: resp.StatusCode, Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))}
	}
}

// backoffFor returns the delay preceding the given attempt (attempt >= 2).
// A schedule shorter than the attempt count repeats its last entry.
func (c *Client) backoffFor(attempt int) time.Duration {
	if len(c.backoff) == 0 {
		return time.Second
	}
	idx := attempt - 2
	if idx >= len(c.backoff) {
		idx = len(c.backoff) - 1
	}
	return c.backoff[idx]
}
