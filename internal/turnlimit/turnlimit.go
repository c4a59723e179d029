// Package turnlimit tracks per-run turn count against a configured maximum
// and fires warning/limit callbacks at the thresholds defined in §4.6.
package turnlimit

import (
	"context"
	"math"

	"github.com/agentdevsl/claudorc/internal/events"
)

// Config configures a Limiter.
type Config struct {
	MaxTurns         int
	WarningThreshold float64 // in (0,1]; defaults to 0.8
	OnWarning        func(currentTurn, maxTurns int)
	OnLimitReached   func(currentTurn int)
}

// Limiter tracks turn count for one running agent.
type Limiter struct {
	currentTurn int
	cfg         Config
	warned      bool
}

// New builds a Limiter with defaults applied.
func New(cfg Config) *Limiter {
	if cfg.WarningThreshold <= 0 || cfg.WarningThreshold > 1 {
		cfg.WarningThreshold = 0.8
	}
	return &Limiter{cfg: cfg}
}

// Result is the outcome of one IncrementTurn call.
type Result struct {
	CanContinue bool
	Warning     bool
}

// IncrementTurn advances the turn counter and evaluates the warning/limit
// thresholds, invoking the configured callbacks at most once each per run.
func (l *Limiter) IncrementTurn() Result {
	l.currentTurn++

	warningAt := int(math.Ceil(float64(l.cfg.MaxTurns) * l.cfg.WarningThreshold))
	warning := false
	if !l.warned && l.currentTurn >= warningAt && l.currentTurn < l.cfg.MaxTurns {
		warning = true
		l.warned = true
		if l.cfg.OnWarning != nil {
			l.cfg.OnWarning(l.currentTurn, l.cfg.MaxTurns)
		}
	}

	if l.currentTurn >= l.cfg.MaxTurns {
		if l.cfg.OnLimitReached != nil {
			l.cfg.OnLimitReached(l.currentTurn)
		}
		return Result{CanContinue: false, Warning: warning}
	}
	return Result{CanContinue: true, Warning: warning}
}

// CurrentTurn returns the number of turns consumed so far.
func (l *Limiter) CurrentTurn() int { return l.currentTurn }

// StreamPublisher is the narrow streams.Manager slice a factory-variant
// Limiter needs to publish agent:warning / agent:turn_limit events.
type StreamPublisher interface {
	Publish(ctx context.Context, streamID, eventType string, data map[string]any, timestampMs int64) (int64, error)
}

// NewPublishing builds a Limiter whose warning/limit callbacks publish
// events.StreamWarning / events.StreamTurnLimit onto the bound session
// stream, per the "factory variant" named in §4.6.
func NewPublishing(ctx context.Context, maxTurns int, warningThreshold float64, streamID string, pub StreamPublisher, nowMs func() int64) *Limiter {
	return New(Config{
		MaxTurns:         maxTurns,
		WarningThreshold: warningThreshold,
		OnWarning: func(currentTurn, max int) {
			_, _ = pub.Publish(ctx, streamID, events.StreamWarning, map[string]any{
				"currentTurn": currentTurn, "maxTurns": max,
			}, nowMs())
		},
		OnLimitReached: func(currentTurn int) {
			_, _ = pub.Publish(ctx, streamID, events.StreamTurnLimit, map[string]any{
				"currentTurn": currentTurn,
			}, nowMs())
		},
	})
}
