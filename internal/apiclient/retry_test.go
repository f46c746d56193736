package apiclient

import (
	"testing"
	"time"

	"github.com/flyingrobots/langsmith-migrator/internal/apierr"
)

func TestRetryPolicyExponentialBackoff(t *testing.T) {
	p := retryPolicy{maxRetries: 5}
	err := apierr.New(apierr.ServerError, "/x", "boom")

	wait0, ok0 := p.next(0, err)
	wait1, ok1 := p.next(1, err)
	wait2, ok2 := p.next(2, err)

	if !ok0 || !ok1 || !ok2 {
		t.Fatal("expected retries to be allowed within budget")
	}
	if wait0 != time.Second {
		t.Fatalf("expected 1s base delay, got %v", wait0)
	}
	if wait1 != 2*time.Second {
		t.Fatalf("expected 2s second delay, got %v", wait1)
	}
	if wait2 != 4*time.Second {
		t.Fatalf("expected 4s third delay, got %v", wait2)
	}
}

func TestRetryPolicyCapsAt60s(t *testing.T) {
	p := retryPolicy{maxRetries: 20}
	err := apierr.New(apierr.ServerError, "/x", "boom")
	wait, ok := p.next(10, err)
	if !ok {
		t.Fatal("expected retry allowed")
	}
	if wait != retryCap {
		t.Fatalf("expected wait capped at %v, got %v", retryCap, wait)
	}
}

func TestRetryPolicyHonorsRetryAfter(t *testing.T) {
	p := retryPolicy{maxRetries: 3}
	err := apierr.New(apierr.RateLimited, "/x", "slow down")
	err.RetryAfter = 5
	wait, ok := p.next(0, err)
	if !ok {
		t.Fatal("expected retry allowed")
	}
	if wait != 5*time.Second {
		t.Fatalf("expected 5s wait from Retry-After, got %v", wait)
	}
}

func TestRetryPolicyExhausted(t *testing.T) {
	p := retryPolicy{maxRetries: 1}
	err := apierr.New(apierr.ServerError, "/x", "boom")
	if _, ok := p.next(0, err); !ok {
		t.Fatal("expected first attempt retry allowed")
	}
	if _, ok := p.next(1, err); ok {
		t.Fatal("expected retries exhausted at attempt == maxRetries")
	}
}
