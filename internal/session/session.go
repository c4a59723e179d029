// Package session implements the session service (§4.8): one row per
// conversation plus the durable stream (C4) that backs it.
package session

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/agentdevsl/claudorc/internal/streams"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusActive Status = "active"
	StatusClosed Status = "closed"
)

// Session is one conversation's bookkeeping row.
type Session struct {
	ID        string
	ProjectID string
	TaskID    string
	AgentID   string
	Title     string
	Status    Status
}

// CreateParams are the inputs to Create.
type CreateParams struct {
	ProjectID string
	TaskID    string
	AgentID   string
	Title     string
}

// Service creates, closes, and looks up sessions, and owns publishing onto
// each session's durable stream.
type Service struct {
	db      *sql.DB
	streams *streams.Manager
}

// New builds a Service against the shared sqlite connection and the stream
// manager sessions publish onto.
func New(db *sql.DB, sm *streams.Manager) *Service {
	return &Service{db: db, streams: sm}
}

// Create inserts an active session row and creates its durable stream,
// keyed by the session id (§4.8).
func (s *Service) Create(ctx context.Context, p CreateParams) (*Session, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, project_id, task_id, agent_id, title, status)
		VALUES (?, ?, ?, ?, ?, 'active');
	`, id, p.ProjectID, p.TaskID, p.AgentID, p.Title)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	if err := s.streams.CreateStream(ctx, id); err != nil {
		return nil, fmt.Errorf("create session stream: %w", err)
	}
	return &Session{ID: id, ProjectID: p.ProjectID, TaskID: p.TaskID, AgentID: p.AgentID, Title: p.Title, Status: StatusActive}, nil
}

// Publish delegates to the durable stream manager, publishing onto
// sessionId's stream (§4.8).
func (s *Service) Publish(ctx context.Context, sessionID, eventType string, data map[string]any, timestampMs int64) (int64, error) {
	return s.streams.Publish(ctx, sessionID, eventType, data, timestampMs)
}

// Close marks a session closed; its stream remains readable for replay
// until a later garbage-collection pass deletes it (§4.8).
func (s *Service) Close(ctx context.Context, sessionID string) (*Session, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = 'closed', closed_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("close session: %w", err)
	}
	return s.GetByID(ctx, sessionID)
}

// GetByID loads a session by id.
func (s *Service) GetByID(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	var projectID, taskID, agentID, title sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, task_id, agent_id, title, status FROM sessions WHERE id = ?;
	`, sessionID).Scan(&sess.ID, &projectID, &taskID, &agentID, &title, &sess.Status)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	sess.ProjectID, sess.TaskID, sess.AgentID, sess.Title = projectID.String, taskID.String, agentID.String, title.String
	return &sess, nil
}
