// Package streams implements the durable, per-stream, offset-ordered event
// log (§4.4): append-only storage backed by sqlite plus live, non-blocking
// fan-out to subscribers, unifying what the source keeps as two separate
// mechanisms (an in-process pub/sub bus and a durable event table) behind
// one API.
package streams

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/agentdevsl/claudorc/internal/resultx"
)

const subscriberBufferSize = 256

// Event is one entry in a stream's ordered log.
type Event struct {
	Offset    int64          `json:"offset"`
	Type      string         `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscription is a live, ordered view of a stream starting from some
// offset. Overrun terminates the sequence rather than blocking upstream
// publishers.
type Subscription struct {
	ch      chan Event
	overrun chan struct{}
	once    sync.Once
	st      *stream
}

// Events returns the channel of ordered events. The channel is closed when
// the subscription ends (stream deleted, overrun, or Close called).
func (s *Subscription) Events() <-chan Event { return s.ch }

// Overrun reports whether this subscription's buffer filled and it was
// terminated early — the SUBSCRIBER_OVERRUN condition of §4.4.
func (s *Subscription) Overrun() <-chan struct{} { return s.overrun }

// Close unsubscribes, releasing the buffered channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.st.mu.Lock()
		_, present := s.st.subs[s]
		delete(s.st.subs, s)
		s.st.mu.Unlock()
		if present {
			close(s.ch)
		}
	})
}

type stream struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// Manager owns every live stream's fan-out state and the sqlite-backed
// durable log beneath it.
type Manager struct {
	db     *sql.DB
	logger *slog.Logger

	mu      sync.Mutex
	streams map[string]*stream
}

// NewManager wires a Manager to the shared sqlite connection. logger may be
// nil, in which case slog.Default() is used for warnings.
func NewManager(db *sql.DB, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{db: db, logger: logger, streams: make(map[string]*stream)}
}

// CreateStream is idempotent: creating an existing stream is a no-op
// success (§4.4).
func (m *Manager) CreateStream(ctx context.Context, streamID string) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO streams (id, next_offset, deleted) VALUES (?, 0, 0)
		ON CONFLICT(id) DO NOTHING;
	`, streamID)
	if err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	m.mu.Lock()
	if _, ok := m.streams[streamID]; !ok {
		m.streams[streamID] = &stream{subs: make(map[*Subscription]struct{})}
	}
	m.mu.Unlock()
	return nil
}

// Publish assigns the next offset in streamID, appends the event
// transactionally, and fans it out to live subscribers. sqlite's row lock
// on the streams table row serializes concurrent publishers' commits, but
// that alone doesn't order their fanOut calls: two publishers could commit
// offsets 5 and 6 in order and then have their goroutines scheduled so
// fanOut(6) runs before fanOut(5), delivering events to a live subscriber
// out of commit order even though the durable log itself stays dense and
// ordered. Holding the stream's own mutex across the whole assign-commit-
// fanOut sequence (the same mutex Subscribe holds across its backlog-fetch-
// plus-register step) closes that gap: only one Publish or Subscribe call
// per stream is ever inside that window at a time, so fanOut calls reach
// subscribers in the same order their commits happened (§5, invariant 4 of
// §8).
func (m *Manager) Publish(ctx context.Context, streamID, eventType string, data map[string]any, timestampMs int64) (int64, error) {
	m.mu.Lock()
	st, ok := m.streams[streamID]
	if !ok {
		st = &stream{subs: make(map[*Subscription]struct{})}
		m.streams[streamID] = st
	}
	m.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var deleted int
	var offset int64
	err = tx.QueryRowContext(ctx, `SELECT next_offset, deleted FROM streams WHERE id = ?;`, streamID).Scan(&offset, &deleted)
	if err == sql.ErrNoRows {
		return 0, resultx.New(resultx.CodeStreamNotFound, "stream not found: "+streamID)
	}
	if err != nil {
		return 0, fmt.Errorf("load stream offset: %w", err)
	}
	if deleted != 0 {
		return 0, resultx.New(resultx.CodeStreamNotFound, "stream deleted: "+streamID)
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("marshal event data: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stream_events (stream_id, offset, type, timestamp_ms, data) VALUES (?, ?, ?, ?, ?);
	`, streamID, offset, eventType, timestampMs, string(payload)); err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE streams SET next_offset = next_offset + 1 WHERE id = ?;`, streamID); err != nil {
		return 0, fmt.Errorf("bump offset: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit publish: %w", err)
	}

	ev := Event{Offset: offset, Type: eventType, Timestamp: timestampMs, Data: data}
	for sub := range st.subs {
		select {
		case sub.ch <- ev:
		default:
			// Buffer full: terminate this subscriber rather than block the
			// publisher — agent stdout consumption must never stall on a
			// slow reader.
			delete(st.subs, sub)
			close(sub.overrun)
			close(sub.ch)
			sub.once.Do(func() {}) // mark Close's cleanup as already done
		}
	}
	return offset, nil
}

// Subscribe returns a live ordered view of streamID starting at fromOffset:
// first the durable backlog from fromOffset, then subsequent live publishes,
// with no event delivered twice and no gap in between (§8 invariants).
func (m *Manager) Subscribe(ctx context.Context, streamID string, fromOffset int64) (*Subscription, error) {
	m.mu.Lock()
	st, ok := m.streams[streamID]
	if !ok {
		st = &stream{subs: make(map[*Subscription]struct{})}
		m.streams[streamID] = st
	}
	m.mu.Unlock()

	sub := &Subscription{
		ch:      make(chan Event, subscriberBufferSize),
		overrun: make(chan struct{}),
		st:      st,
	}

	// Hold the stream lock across "fetch backlog" and "register + deliver
	// backlog to the channel" so no concurrently-committing Publish can
	// interleave a live fanOut between backlog events (which would break
	// strict offset ordering) or be missed entirely (which would create a
	// gap). Publish's fanOut call blocks on the same lock until this
	// returns, then resumes normally.
	st.mu.Lock()
	defer st.mu.Unlock()

	backlog, err := m.GetEventsFrom(ctx, streamID, fromOffset)
	if err != nil {
		return nil, err
	}
	for _, ev := range backlog {
		select {
		case sub.ch <- ev:
		default:
			// Backlog larger than the buffer: treat as an immediate
			// overrun rather than deadlock while holding the stream lock.
			close(sub.overrun)
			return sub, nil
		}
	}
	st.subs[sub] = struct{}{}
	return sub, nil
}

// DeleteStream terminates all live subscribers (their sequence completes)
// and marks the stream deleted; stored events are retained for replay-
// before-deletion callers already iterating, but new reads see "not found".
func (m *Manager) DeleteStream(ctx context.Context, streamID string) (bool, error) {
	res, err := m.db.ExecContext(ctx, `UPDATE streams SET deleted = 1 WHERE id = ? AND deleted = 0;`, streamID)
	if err != nil {
		return false, fmt.Errorf("delete stream: %w", err)
	}
	n, _ := res.RowsAffected()

	m.mu.Lock()
	st, ok := m.streams[streamID]
	delete(m.streams, streamID)
	m.mu.Unlock()
	if ok {
		st.mu.Lock()
		for sub := range st.subs {
			sub.once.Do(func() { close(sub.ch) })
		}
		st.subs = nil
		st.mu.Unlock()
	}
	return n > 0, nil
}

// GetEvents returns every stored event for streamID, oldest first — a
// test/debug snapshot per §4.4.
func (m *Manager) GetEvents(ctx context.Context, streamID string) ([]Event, error) {
	return m.GetEventsFrom(ctx, streamID, 0)
}

// GetEventsFrom returns stored events with offset >= fromOffset, ordered.
func (m *Manager) GetEventsFrom(ctx context.Context, streamID string, fromOffset int64) ([]Event, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT offset, type, timestamp_ms, data FROM stream_events
		WHERE stream_id = ? AND offset >= ?
		ORDER BY offset ASC;
	`, streamID, fromOffset)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var raw string
		if err := rows.Scan(&ev.Offset, &ev.Type, &ev.Timestamp, &raw); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &ev.Data); err != nil {
			return nil, fmt.Errorf("unmarshal event data: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
