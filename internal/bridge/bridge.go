// Package bridge implements the container bridge (§4.5): it reads
// line-delimited JSON events from a sandbox exec's stdout, validates and
// routes them onto a durable stream, and dispatches terminal callbacks
// (plan-ready, complete, error) back to the container-agent orchestrator.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"

	"github.com/agentdevsl/claudorc/internal/events"
)

// Publisher is the narrow slice of the durable streams API the bridge
// needs: publish one event onto the bound session stream.
type Publisher interface {
	Publish(ctx context.Context, streamID, eventType string, data map[string]any, timestampMs int64) (int64, error)
}

// Callbacks are invoked for the terminal/plan event types that the
// container-agent orchestrator must react to directly, rather than only
// observing on the stream.
type Callbacks struct {
	OnPlanReady func(data map[string]any)
	OnTurn      func(turnCount int)
	OnComplete  func(status string, turnCount int)
	OnError     func(message string, turnCount int)
}

// Bindings identify which task/session/project this bridge instance is
// scoped to; events whose taskId/sessionId don't match are rejected.
type Bindings struct {
	TaskID    string
	SessionID string
	ProjectID string
}

// Bridge reads one sandbox exec's stdout and drives Publisher + Callbacks.
type Bridge struct {
	bindings  Bindings
	publisher Publisher
	callbacks Callbacks
	logger    *slog.Logger
	validator *events.Validator

	stopped bool
}

// New constructs a Bridge. validator may be nil, in which case envelope
// validation is skipped (tests that don't want the jsonschema dependency
// wired can omit it); logger may be nil (defaults to slog.Default()).
func New(bindings Bindings, publisher Publisher, callbacks Callbacks, validator *events.Validator, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{bindings: bindings, publisher: publisher, callbacks: callbacks, validator: validator, logger: logger}
}

// Run reads r line by line (LF-delimited, CRLF tolerated) until EOF, ctx
// cancellation, or Stop. It never returns an error for malformed lines —
// those are logged and skipped, matching §4.5's "ordinary tool output must
// not be fatal" requirement.
func (b *Bridge) Run(ctx context.Context, r io.Reader) {
	reader := bufio.NewReaderSize(r, 64*1024)
	linesCh := make(chan []byte)
	errCh := make(chan error, 1)

	go func() {
		for {
			line, err := reader.ReadBytes('\n')
			if len(line) > 0 {
				select {
				case linesCh <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				errCh <- err
				return
			}
		}
	}()

	for {
		if b.stopped {
			return
		}
		select {
		case <-ctx.Done():
			return
		case line := <-linesCh:
			b.handleLine(ctx, line)
		case err := <-errCh:
			if err != io.EOF {
				b.logger.Debug("bridge stdout reader ended", "error", err)
			}
			return
		}
	}
}

// Stop halts further processing; idempotent.
func (b *Bridge) Stop() {
	b.stopped = true
}

func (b *Bridge) handleLine(ctx context.Context, line []byte) {
	trimmed := strings.TrimRight(string(line), "\r\n")
	if trimmed == "" {
		return
	}

	var raw events.RawEvent
	if b.validator != nil {
		instance, err := b.validator.ValidateLine([]byte(trimmed))
		if err != nil {
			b.logger.Debug("bridge: non-JSON or malformed line, ignoring", "error", err)
			return
		}
		reencoded, _ := json.Marshal(instance)
		if err := json.Unmarshal(reencoded, &raw); err != nil {
			b.logger.Debug("bridge: failed to decode validated envelope", "error", err)
			return
		}
	} else {
		if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
			b.logger.Debug("bridge: non-JSON line, ignoring", "error", err)
			return
		}
		if raw.Type == "" || raw.TaskID == "" || raw.SessionID == "" {
			b.logger.Warn("bridge: event missing required fields, ignoring", "line", trimmed)
			return
		}
	}
	if raw.Data == nil {
		raw.Data = map[string]any{}
	}

	if raw.TaskID != b.bindings.TaskID || raw.SessionID != b.bindings.SessionID {
		b.logger.Warn("bridge: event taskId/sessionId mismatch, ignoring",
			"gotTaskId", raw.TaskID, "gotSessionId", raw.SessionID)
		return
	}

	b.route(ctx, raw)
}

func (b *Bridge) route(ctx context.Context, raw events.RawEvent) {
	switch raw.Type {
	case events.TypePlanReady:
		// Not an error, not a completion: transitions to waiting_approval
		// without closing the stream. Never published to the stream.
		if b.callbacks.OnPlanReady != nil {
			b.callbacks.OnPlanReady(raw.Data)
		}
		return
	case events.TypeComplete:
		status, _ := raw.Data["status"].(string)
		turnCount := intFromAny(raw.Data["turnCount"])
		b.publish(ctx, raw)
		if b.callbacks.OnComplete != nil {
			b.callbacks.OnComplete(status, turnCount)
		}
		return
	case events.TypeError:
		message, _ := raw.Data["error"].(string)
		turnCount := intFromAny(raw.Data["turnCount"])
		b.publish(ctx, raw)
		if b.callbacks.OnError != nil {
			b.callbacks.OnError(message, turnCount)
		}
		return
	case events.TypeCancelled:
		turnCount := intFromAny(raw.Data["turnCount"])
		b.publish(ctx, raw)
		if b.callbacks.OnComplete != nil {
			b.callbacks.OnComplete("cancelled", turnCount)
		}
		return
	case events.TypeTurn:
		b.publish(ctx, raw)
		if b.callbacks.OnTurn != nil {
			b.callbacks.OnTurn(intFromAny(raw.Data["turnCount"]))
		}
		return
	default:
		if _, ok := events.StreamSuffixFor(raw.Type); ok {
			b.publish(ctx, raw)
			return
		}
		b.logger.Debug("bridge: unrecognized event type, ignoring", "type", raw.Type)
	}
}

func (b *Bridge) publish(ctx context.Context, raw events.RawEvent) {
	suffix, ok := events.StreamSuffixFor(raw.Type)
	if !ok {
		return
	}
	data := make(map[string]any, len(raw.Data)+3)
	for k, v := range raw.Data {
		data[k] = v
	}
	data["taskId"] = b.bindings.TaskID
	data["sessionId"] = b.bindings.SessionID
	data["projectId"] = b.bindings.ProjectID

	if _, err := b.publisher.Publish(ctx, b.bindings.SessionID, suffix, data, raw.Timestamp); err != nil {
		b.logger.Warn("bridge: publish failed, continuing", "error", err, "type", raw.Type)
	}
}

func intFromAny(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
