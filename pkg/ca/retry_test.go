package ca

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
)

// flakyClient fails a configured number of calls before succeeding
type flakyClient struct {
	failuresLeft int
	calls        int
}

func (c *flakyClient) call() error {
	c.calls++
	if c.failuresLeft > 0 {
		c.failuresLeft--
		return fmt.Errorf("CA unavailable")
	}
	return nil
}

func (c *flakyClient) Issue(ctx context.Context, req Request) (*Response, error) {
	if err := c.call(); err != nil {
		return nil, err
	}
	return &Response{Serial: "1", CertPEM: []byte("cert"), KeyPEM: []byte("key")}, nil
}

func (c *flakyClient) Renew(ctx context.Context, serial string, req Request) (*Response, error) {
	return c.Issue(ctx, req)
}

func (c *flakyClient) Revoke(ctx context.Context, serial string) error {
	return c.call()
}

func (c *flakyClient) IsRevoked(ctx context.Context, serial string) (bool, error) {
	c.calls++
	return false, nil
}

func (c *flakyClient) CACertPEM(ctx context.Context) ([]byte, error) {
	if err := c.call(); err != nil {
		return nil, err
	}
	return []byte("ca-pem"), nil
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	inner := &flakyClient{failuresLeft: 2}
	client := NewRetryClient(inner, RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
	})

	resp, err := client.Issue(context.Background(), Request{Subject: "service-a"})
	if err != nil {
		t.Fatalf("Issue should succeed after transient failures: %v", err)
	}
	if resp.Serial != "1" {
		t.Errorf("Unexpected response serial %q", resp.Serial)
	}
	if inner.calls != 3 {
		t.Errorf("Expected 3 attempts (2 failures + 1 success), got %d", inner.calls)
	}
}

func TestRetryExhaustsBudget(t *testing.T) {
	inner := &flakyClient{failuresLeft: 100}
	client := NewRetryClient(inner, RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
	})

	_, err := client.Issue(context.Background(), Request{Subject: "service-a"})
	if err == nil {
		t.Fatal("Issue should fail once the retry budget is exhausted")
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Errorf("Error should report the attempt count, got %q", err)
	}
	if inner.calls != 3 {
		t.Errorf("Expected exactly 3 attempts, got %d", inner.calls)
	}
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	inner := &flakyClient{failuresLeft: 100}
	client := NewRetryClient(inner, RetryConfig{
		MaxAttempts: 10,
		BaseDelay:   time.Hour, // backoff longer than the test; cancel must win
		MaxDelay:    time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := client.Issue(ctx, Request{Subject: "service-a"})
	if err == nil {
		t.Fatal("Issue should fail when the context is canceled")
	}
	if time.Since(start) > time.Second {
		t.Error("Cancellation should interrupt the backoff sleep")
	}
}

func TestIsRevokedSkipsRetry(t *testing.T) {
	inner := &flakyClient{}
	client := NewRetryClient(inner, RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
	})

	if _, err := client.IsRevoked(context.Background(), "123"); err != nil {
		t.Fatalf("IsRevoked failed: %v", err)
	}
	if inner.calls != 1 {
		t.Errorf("IsRevoked should call the inner client exactly once, got %d", inner.calls)
	}
}

func TestCACertPEMRetries(t *testing.T) {
	inner := &flakyClient{failuresLeft: 1}
	client := NewRetryClient(inner, RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
	})

	pemData, err := client.CACertPEM(context.Background())
	if err != nil {
		t.Fatalf("CACertPEM should succeed after a transient failure: %v", err)
	}
	if string(pemData) != "ca-pem" {
		t.Errorf("Unexpected PEM data %q", pemData)
	}
}
