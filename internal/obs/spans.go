package obs

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for container-agent spans.
var (
	AttrAgentID     = attribute.Key("claudorc.agent.id")
	AttrTaskID      = attribute.Key("claudorc.task.id")
	AttrSessionID   = attribute.Key("claudorc.session.id")
	AttrProjectID   = attribute.Key("claudorc.project.id")
	AttrSandboxID   = attribute.Key("claudorc.sandbox.id")
	AttrWorktreeID  = attribute.Key("claudorc.worktree.id")
	AttrPhase       = attribute.Key("claudorc.agent.phase")
	AttrTurnCount   = attribute.Key("claudorc.agent.turns")
	AttrEventType   = attribute.Key("claudorc.stream.event_type")
	AttrStreamID    = attribute.Key("claudorc.stream.id")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (HTTP API).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (sandbox exec, git).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
