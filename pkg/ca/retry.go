package ca

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/sony/gobreaker"
)

const (
	defaultMaxAttempts = 5
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 30 * time.Second
)

// RetryConfig controls backoff behavior for CA communication
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// RetryClient wraps a Client with exponential backoff, jitter and a circuit
// breaker. Once the retry budget is exhausted the wrapped error is returned
// and the caller decides whether to alert or fail closed.
type RetryClient struct {
	inner   Client
	cfg     RetryConfig
	breaker *gobreaker.CircuitBreaker
}

// NewRetryClient creates a retrying CA client
func NewRetryClient(inner Client, cfg RetryConfig) *RetryClient {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ca-client",
		Timeout: cfg.MaxDelay,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.MaxAttempts)
		},
	})

	return &RetryClient{inner: inner, cfg: cfg, breaker: breaker}
}

// Issue requests a new certificate with retries
func (c *RetryClient) Issue(ctx context.Context, req Request) (*Response, error) {
	return c.withRetry(ctx, "issue", func() (*Response, error) {
		return c.inner.Issue(ctx, req)
	})
}

// Renew requests a renewal with retries
func (c *RetryClient) Renew(ctx context.Context, serial string, req Request) (*Response, error) {
	return c.withRetry(ctx, "renew", func() (*Response, error) {
		return c.inner.Renew(ctx, serial, req)
	})
}

// Revoke revokes a serial with retries
func (c *RetryClient) Revoke(ctx context.Context, serial string) error {
	_, err := c.withRetry(ctx, "revoke", func() (*Response, error) {
		return nil, c.inner.Revoke(ctx, serial)
	})
	return err
}

// IsRevoked queries revocation status without retries; revocation checks are
// on the validation path and must stay cheap
func (c *RetryClient) IsRevoked(ctx context.Context, serial string) (bool, error) {
	return c.inner.IsRevoked(ctx, serial)
}

// CACertPEM returns the CA certificate with retries
func (c *RetryClient) CACertPEM(ctx context.Context) ([]byte, error) {
	var pemData []byte
	_, err := c.withRetry(ctx, "ca-cert", func() (*Response, error) {
		data, err := c.inner.CACertPEM(ctx)
		if err != nil {
			return nil, err
		}
		pemData = data
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return pemData, nil
}

func (c *RetryClient) withRetry(ctx context.Context, op string, fn func() (*Response, error)) (*Response, error) {
	var lastErr error

	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, c.backoff(attempt)); err != nil {
				return nil, err
			}
		}

		result, err := c.breaker.Execute(func() (interface{}, error) {
			return fn()
		})
		if err == nil {
			if result == nil {
				return nil, nil
			}
			return result.(*Response), nil
		}
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("CA %s unavailable: %w", op, err)
		}
		lastErr = err
	}

	return nil, fmt.Errorf("CA %s failed after %d attempts: %w", op, c.cfg.MaxAttempts, lastErr)
}

// backoff computes exponential delay with full jitter, capped at MaxDelay
func (c *RetryClient) backoff(attempt int) time.Duration {
	delay := c.cfg.BaseDelay << uint(attempt-1)
	if delay > c.cfg.MaxDelay || delay <= 0 {
		delay = c.cfg.MaxDelay
	}
	return time.Duration(rand.Int63n(int64(delay)) + 1)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
