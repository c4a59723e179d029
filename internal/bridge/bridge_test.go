package bridge

import (
	"context"
	"strings"
	"sync"
	"testing"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

type publishedEvent struct {
	streamID string
	typ      string
	data     map[string]any
}

func (f *fakePublisher) Publish(ctx context.Context, streamID, eventType string, data map[string]any, timestampMs int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, publishedEvent{streamID, eventType, data})
	return int64(len(f.events) - 1), nil
}

func bindings() Bindings {
	return Bindings{TaskID: "t1", SessionID: "s1", ProjectID: "p1"}
}

func TestBridgeIgnoresNonJSONLines(t *testing.T) {
	pub := &fakePublisher{}
	var gotPlan bool
	b := New(bindings(), pub, Callbacks{OnPlanReady: func(map[string]any) { gotPlan = true }}, nil, nil)

	input := "not json at all\n" +
		`{"type":"agent:turn","timestamp":1,"taskId":"t1","sessionId":"s1","data":{"turn":1,"maxTurns":5,"remaining":4}}` + "\n"
	b.Run(context.Background(), strings.NewReader(input))

	if gotPlan {
		t.Fatalf("unexpected plan callback")
	}
	if len(pub.events) != 1 || pub.events[0].typ != "container-agent:turn" {
		t.Fatalf("expected one turn event published, got %+v", pub.events)
	}
}

func TestBridgePlanReadyNotPublishedToStream(t *testing.T) {
	pub := &fakePublisher{}
	var plan map[string]any
	b := New(bindings(), pub, Callbacks{OnPlanReady: func(d map[string]any) { plan = d }}, nil, nil)

	line := `{"type":"agent:plan_ready","timestamp":1,"taskId":"t1","sessionId":"s1","data":{"plan":"P","turnCount":1,"sdkSessionId":"sdk-1"}}` + "\n"
	b.Run(context.Background(), strings.NewReader(line))

	if plan == nil || plan["plan"] != "P" {
		t.Fatalf("expected onPlanReady called with plan data, got %+v", plan)
	}
	if len(pub.events) != 0 {
		t.Fatalf("plan_ready must not be published to the stream, got %+v", pub.events)
	}
}

func TestBridgeMismatchedIDsIgnored(t *testing.T) {
	pub := &fakePublisher{}
	b := New(bindings(), pub, Callbacks{}, nil, nil)

	line := `{"type":"agent:turn","timestamp":1,"taskId":"other","sessionId":"s1","data":{}}` + "\n"
	b.Run(context.Background(), strings.NewReader(line))

	if len(pub.events) != 0 {
		t.Fatalf("mismatched taskId must not publish, got %+v", pub.events)
	}
}

func TestBridgeCompleteInvokesCallback(t *testing.T) {
	pub := &fakePublisher{}
	var status string
	var turns int
	b := New(bindings(), pub, Callbacks{OnComplete: func(s string, t int) { status = s; turns = t }}, nil, nil)

	line := `{"type":"agent:complete","timestamp":1,"taskId":"t1","sessionId":"s1","data":{"status":"completed","turnCount":7}}` + "\n"
	b.Run(context.Background(), strings.NewReader(line))

	if status != "completed" || turns != 7 {
		t.Fatalf("onComplete = (%q, %d)", status, turns)
	}
	if len(pub.events) != 1 || pub.events[0].typ != "container-agent:complete" {
		t.Fatalf("expected complete event published, got %+v", pub.events)
	}
}

func TestBridgeCancelledMapsToCompleteCancelled(t *testing.T) {
	pub := &fakePublisher{}
	var status string
	b := New(bindings(), pub, Callbacks{OnComplete: func(s string, _ int) { status = s }}, nil, nil)

	line := `{"type":"agent:cancelled","timestamp":1,"taskId":"t1","sessionId":"s1","data":{"turnCount":2}}` + "\n"
	b.Run(context.Background(), strings.NewReader(line))

	if status != "cancelled" {
		t.Fatalf("status = %q, want cancelled", status)
	}
}

func TestBridgeErrorInvokesCallback(t *testing.T) {
	pub := &fakePublisher{}
	var msg string
	b := New(bindings(), pub, Callbacks{OnError: func(m string, _ int) { msg = m }}, nil, nil)

	line := `{"type":"agent:error","timestamp":1,"taskId":"t1","sessionId":"s1","data":{"error":"rate limit exceeded","turnCount":3}}` + "\n"
	b.Run(context.Background(), strings.NewReader(line))

	if msg != "rate limit exceeded" {
		t.Fatalf("onError message = %q", msg)
	}
}

func TestBridgeCarriesBindingsOnPayload(t *testing.T) {
	pub := &fakePublisher{}
	b := New(bindings(), pub, Callbacks{}, nil, nil)

	line := `{"type":"agent:token","timestamp":1,"taskId":"t1","sessionId":"s1","data":{"text":"hi"}}` + "\n"
	b.Run(context.Background(), strings.NewReader(line))

	if len(pub.events) != 1 {
		t.Fatalf("expected one event")
	}
	d := pub.events[0].data
	if d["taskId"] != "t1" || d["sessionId"] != "s1" || d["projectId"] != "p1" || d["text"] != "hi" {
		t.Fatalf("unexpected payload: %+v", d)
	}
}
