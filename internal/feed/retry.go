package feed

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/saviobatista/transit-telemetry/internal/types"
)

// Backoff is an exponential retry policy bounded by Max and MaxAttempts
type Backoff struct {
	Base        time.Duration
	Factor      float64
	Max         time.Duration
	MaxAttempts int
}

// Delay returns the wait before retry number n (1-based)
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	factor := b.Factor
	if factor < 1 {
		factor = 2
	}
	d := float64(b.Base)
	for i := 1; i < n; i++ {
		d *= factor
		if b.Max > 0 && d >= float64(b.Max) {
			return b.Max
		}
	}
	if b.Max > 0 && time.Duration(d) > b.Max {
		return b.Max
	}
	return time.Duration(d)
}

// wait picks the delay for retry n, honouring Retry-After up to the cap
func (b Backoff) wait(n int, err error) time.Duration {
	d := b.Delay(n)
	var limited *RateLimitedError
	if errors.As(err, &limited) && limited.RetryAfter > d {
		d = limited.RetryAfter
		if b.Max > 0 && d > b.Max {
			d = b.Max
		}
	}
	return d
}

// FetchWithRetry calls Fetch until it succeeds, hits a fatal error or runs
// out of attempts. Retries are sequential and sleep between attempts.
func (c *Client) FetchWithRetry(ctx context.Context, endpoint string, params url.Values) (*types.FeedResponse, error) {
	maxAttempts := c.backoff.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := c.Fetch(ctx, endpoint, params)
		if c.observe != nil {
			c.observe(endpoint, attempt, err)
		}
		if err == nil {
			resp.Attempts = attempt
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, err
		}
		if !IsRetryable(err) {
			return nil, err
		}
		if attempt == maxAttempts {
			break
		}

		delay := c.backoff.wait(attempt, err)
		c.logger.Printf("Warning: attempt %d/%d failed: %v, retrying in %s", attempt, maxAttempts, err, delay)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("giving up on %s after %d attempts: %w", endpoint, maxAttempts, lastErr)
}
