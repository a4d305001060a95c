package llm

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
)

// RetryPolicy bounds retries of transient upstream failures
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
	Jitter   time.Duration
}

// DefaultRetryPolicy returns three attempts with a fixed 1.5s backoff plus up to 500ms jitter
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 3,
		Backoff:  1500 * time.Millisecond,
		Jitter:   500 * time.Millisecond,
	}
}

// IsTransient reports whether err is worth retrying. Only upstream request
// failures qualify; client-side 4xx responses other than 429 do not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500
	}

	var upstream *UpstreamError
	return errors.As(err, &upstream)
}

// retryingClient decorates a Client with bounded retries
type retryingClient struct {
	Client
	policy RetryPolicy
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// WithRetry wraps c so transient failures are retried according to policy
func WithRetry(c Client, policy RetryPolicy, logger *zap.Logger) Client {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &retryingClient{Client: c, policy: policy, logger: logger, sleep: sleepContext}
}

// Generate retries transient failures with fixed backoff plus jitter
func (c *retryingClient) Generate(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	for attempt := 1; attempt <= c.policy.Attempts; attempt++ {
		resp, err := c.Client.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsTransient(err) || attempt == c.policy.Attempts {
			break
		}

		delay := c.policy.Backoff
		if c.policy.Jitter > 0 {
			delay += time.Duration(rand.Int64N(int64(c.policy.Jitter)))
		}
		c.logger.Warn("transient model failure, retrying",
			zap.String("model", req.Model),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
