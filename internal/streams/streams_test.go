package streams

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/agentdevsl/claudorc/internal/resultx"
	"github.com/agentdevsl/claudorc/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewManager(db.DB, nil)
}

func TestCreateStreamIdempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	if err := m.CreateStream(ctx, "s1"); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := m.CreateStream(ctx, "s1"); err != nil {
		t.Fatalf("second create should be a no-op success: %v", err)
	}
}

func TestPublishThenGetEventsOrdered(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	if err := m.CreateStream(ctx, "s1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 5; i++ {
		off, err := m.Publish(ctx, "s1", "agent:token", map[string]any{"i": i}, int64(i))
		if err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		if off != int64(i) {
			t.Fatalf("offset %d, want %d", off, i)
		}
	}
	events, err := m.GetEvents(ctx, "s1")
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("len(events) = %d, want 5", len(events))
	}
	for i, ev := range events {
		if ev.Offset != int64(i) {
			t.Fatalf("events[%d].Offset = %d, want %d", i, ev.Offset, i)
		}
	}
}

func TestPublishUnknownStream(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Publish(context.Background(), "missing", "agent:token", nil, 0)
	if resultx.CodeOf(err) != resultx.CodeStreamNotFound {
		t.Fatalf("expected STREAM_NOT_FOUND, got %v", err)
	}
}

func TestSubscribeReceivesBacklogThenLive(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	m.CreateStream(ctx, "s1")
	m.Publish(ctx, "s1", "agent:token", map[string]any{"i": 0}, 0)

	sub, err := m.Subscribe(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	first := <-sub.Events()
	if first.Offset != 0 {
		t.Fatalf("expected backlog offset 0 first, got %d", first.Offset)
	}

	m.Publish(ctx, "s1", "agent:token", map[string]any{"i": 1}, 1)
	second := <-sub.Events()
	if second.Offset != 1 {
		t.Fatalf("expected live offset 1 second, got %d", second.Offset)
	}
}

func TestConcurrentPublishProducesDenseOffsets(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	m.CreateStream(ctx, "s1")

	const n = 100
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := m.Publish(ctx, "s1", "agent:token", map[string]any{"text": fmt.Sprintf("%d", i)}, int64(i)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("publish error: %v", err)
	}

	events, err := m.GetEvents(ctx, "s1")
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != n {
		t.Fatalf("len(events) = %d, want %d", len(events), n)
	}
	seen := make(map[int64]bool)
	for _, ev := range events {
		if seen[ev.Offset] {
			t.Fatalf("duplicate offset %d", ev.Offset)
		}
		seen[ev.Offset] = true
	}
	for i := int64(0); i < n; i++ {
		if !seen[i] {
			t.Fatalf("missing offset %d", i)
		}
	}
}

func TestConcurrentPublishDeliversLiveSubscriberInOffsetOrder(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	m.CreateStream(ctx, "s1")

	sub, err := m.Subscribe(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := m.Publish(ctx, "s1", "agent:token", map[string]any{"i": i}, int64(i)); err != nil {
				t.Errorf("publish %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	var last int64 = -1
	for i := 0; i < n; i++ {
		ev := <-sub.Events()
		if ev.Offset != last+1 {
			t.Fatalf("live delivery out of order: got offset %d after %d", ev.Offset, last)
		}
		last = ev.Offset
	}
}

func TestDeleteStreamClosesSubscribers(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	m.CreateStream(ctx, "s1")
	sub, err := m.Subscribe(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	ok, err := m.DeleteStream(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("DeleteStream: ok=%v err=%v", ok, err)
	}
	if _, open := <-sub.Events(); open {
		t.Fatalf("expected subscription channel closed after delete")
	}
}
