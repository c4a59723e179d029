// Package recovery classifies agent/runtime errors and implements the
// retry-with-backoff and turn-limit policy that decides whether a failed
// container-agent run should retry, pause, or fail outright.
package recovery

import (
	"context"
	"hash/fnv"
	"strings"
	"time"

	"github.com/agentdevsl/claudorc/internal/resultx"
)

// Class is the retry-relevant classification of an error.
type Class string

const (
	ClassRetryable Class = "retryable"
	ClassFatal     Class = "fatal"
)

var retryableMarkers = []string{
	"rate limit", "rate_limit", "too many requests", "429",
	"request timeout", "timed out", "timeout",
	"connection reset", "connection refused", "econnreset",
	"503", "529", "overloaded",
}

// Classify inspects err's message and returns whether it is worth retrying.
// Matching is substring-based on the lowercased message, mirroring the
// source's error taxonomy rather than typed sentinel errors, since most
// failures here originate as free-text messages from the sandboxed agent
// binary's agent:error event.
func Classify(err error) Class {
	if err == nil {
		return ClassFatal
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range retryableMarkers {
		if strings.Contains(msg, marker) {
			return ClassRetryable
		}
	}
	return ClassFatal
}

// RetryConfig controls WithRetry's backoff schedule.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
}

// DefaultRetryConfig matches the source's default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  500 * time.Millisecond,
		BackoffFactor: 2,
		MaxDelay:      30 * time.Second,
	}
}

// WithRetry runs op, retrying on retryable errors with exponential backoff
// until MaxRetries is exhausted or op returns a fatal error. jitterKey seeds
// a deterministic jitter (FNV hash of the key and attempt number) instead of
// math/rand, so retries are reproducible in tests.
func WithRetry(ctx context.Context, jitterKey string, cfg RetryConfig, op func(ctx context.Context) error) error {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.BackoffFactor <= 1 {
		cfg.BackoffFactor = 2
	}

	var lastErr error
	delay := cfg.InitialDelay
	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if Classify(lastErr) == ClassFatal {
			return lastErr
		}
		if attempt == cfg.MaxRetries-1 {
			break
		}
		wait := BackoffDelay(delay, cfg.MaxDelay, jitterKey, attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay = time.Duration(float64(delay) * cfg.BackoffFactor)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return resultx.Wrap(resultx.CodeRetryExhausted, "retries exhausted", lastErr)
}

// BackoffDelay scales base by a deterministic +/-20% factor derived from
// hashing key and attempt, capped at max. Exported so callers that restart
// work asynchronously (rather than inside a synchronous op() loop, as
// WithRetry assumes) can still space their own retries with the same
// jittered schedule.
func BackoffDelay(base, max time.Duration, key string, attempt int) time.Duration {
	if base > max {
		base = max
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	_, _ = h.Write([]byte{byte(attempt)})
	sum := h.Sum32()
	// Map the hash onto [0.8, 1.2) of base.
	factor := 0.8 + (float64(sum%1000)/1000.0)*0.4
	d := time.Duration(float64(base) * factor)
	if d > max {
		d = max
	}
	return d
}

// Action is the directive HandleAgentError returns to the orchestrator.
type Action string

const (
	ActionPause Action = "pause"
	ActionRetry Action = "retry"
	ActionFail  Action = "fail"
)

// Decision is the outcome of HandleAgentError.
type Decision struct {
	Action      Action
	ShouldRetry bool
}

// HandleAgentError implements the §4.2 decision table: turn-limit exhaustion
// pauses unconditionally; rate-limit errors pause but remain retryable by a
// later caller action; context-length and network errors retry in place;
// everything else fails the run.
func HandleAgentError(errMsg string, currentTurn, maxTurns int) Decision {
	if currentTurn >= maxTurns {
		return Decision{Action: ActionPause, ShouldRetry: false}
	}
	msg := strings.ToLower(errMsg)
	switch {
	case containsAny(msg, "rate limit", "rate_limit", "429", "too many requests", "quota"):
		return Decision{Action: ActionPause, ShouldRetry: true}
	case containsAny(msg, "context length", "context_length", "token limit", "max tokens", "maximum context", "context window"):
		return Decision{Action: ActionRetry, ShouldRetry: true}
	case containsAny(msg, "connection reset", "connection refused", "timeout", "timed out", "econnreset"):
		return Decision{Action: ActionRetry, ShouldRetry: true}
	default:
		return Decision{Action: ActionFail, ShouldRetry: false}
	}
}

func containsAny(s string, markers ...string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
