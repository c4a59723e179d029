package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentdevsl/claudorc/internal/resultx"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		msg  string
		want Class
	}{
		{"Rate limit exceeded", ClassRetryable},
		{"request timeout after 30s", ClassRetryable},
		{"connection reset by peer", ClassRetryable},
		{"HTTP 503 Service Unavailable", ClassRetryable},
		{"model is overloaded", ClassRetryable},
		{"invalid argument: missing field", ClassFatal},
	}
	for _, c := range cases {
		if got := Classify(errors.New(c.msg)); got != c.want {
			t.Errorf("Classify(%q) = %v, want %v", c.msg, got, c.want)
		}
	}
}

func TestWithRetrySucceedsBeforeExhaustion(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), "task-1", RetryConfig{
		MaxRetries: 3, InitialDelay: time.Millisecond, BackoffFactor: 2, MaxDelay: 5 * time.Millisecond,
	}, func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("rate limit exceeded")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithRetry returned error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestWithRetryFatalStopsImmediately(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), "task-1", DefaultRetryConfig(), func(ctx context.Context) error {
		attempts++
		return errors.New("invalid request")
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (fatal should not retry)", attempts)
	}
}

func TestWithRetryExhaustion(t *testing.T) {
	err := WithRetry(context.Background(), "task-1", RetryConfig{
		MaxRetries: 2, InitialDelay: time.Millisecond, BackoffFactor: 2, MaxDelay: 2 * time.Millisecond,
	}, func(ctx context.Context) error {
		return errors.New("rate limit exceeded")
	})
	if resultx.CodeOf(err) != resultx.CodeRetryExhausted {
		t.Fatalf("expected RETRY_EXHAUSTED, got %v", err)
	}
}

func TestJitteredDelayIsDeterministic(t *testing.T) {
	d1 := BackoffDelay(time.Second, 10*time.Second, "task-1", 0)
	d2 := BackoffDelay(time.Second, 10*time.Second, "task-1", 0)
	if d1 != d2 {
		t.Fatalf("BackoffDelay not deterministic: %v != %v", d1, d2)
	}
}

func TestHandleAgentError(t *testing.T) {
	if d := HandleAgentError("anything", 5, 5); d.Action != ActionPause || d.ShouldRetry {
		t.Fatalf("turn limit: got %+v", d)
	}
	if d := HandleAgentError("Rate limit exceeded", 1, 5); d.Action != ActionPause || !d.ShouldRetry {
		t.Fatalf("rate limit: got %+v", d)
	}
	if d := HandleAgentError("context length exceeded", 1, 5); d.Action != ActionRetry || !d.ShouldRetry {
		t.Fatalf("context length: got %+v", d)
	}
	if d := HandleAgentError("connection reset by peer", 1, 5); d.Action != ActionRetry || !d.ShouldRetry {
		t.Fatalf("network: got %+v", d)
	}
	if d := HandleAgentError("invalid tool schema", 1, 5); d.Action != ActionFail || d.ShouldRetry {
		t.Fatalf("else: got %+v", d)
	}
}
