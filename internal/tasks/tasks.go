// Package tasks implements the task service and column state machine
// (§4.9): a board-shaped task row plus the legal-transition table that
// governs moveColumn, generalizing the teacher's queue-oriented
// allowedTransitions/transitionTaskTx pattern from a job-queue's
// QUEUED/CLAIMED/RUNNING states to the spec's Kanban-shaped columns.
package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/agentdevsl/claudorc/internal/resultx"
)

// Column is a task's board column.
type Column string

const (
	ColumnBacklog         Column = "backlog"
	ColumnInProgress      Column = "in_progress"
	ColumnWaitingApproval Column = "waiting_approval"
	ColumnVerified        Column = "verified"
)

// AgentStatus is the last-observed outcome of an agent run against a task.
type AgentStatus string

const (
	AgentStatusPlanning  AgentStatus = "planning"
	AgentStatusRunning   AgentStatus = "running"
	AgentStatusCompleted AgentStatus = "completed"
	AgentStatusError     AgentStatus = "error"
	AgentStatusCancelled AgentStatus = "cancelled"
)

// Trigger is the side effect moveColumn asks the container-agent service
// (C10) to perform after a legal transition is applied.
type Trigger string

const (
	TriggerNone         Trigger = ""
	TriggerStartPlan    Trigger = "start_plan"    // backlog -> in_progress
	TriggerStartExecute Trigger = "start_execute" // waiting_approval -> in_progress (approve)
	TriggerStop         Trigger = "stop"          // in_progress -> backlog (cancel)
)

// allowedTransitions enumerates the legal column moves of §4.9's diagram.
// Each entry maps the edge's (from, "action") pair to its destination and
// trigger, since "approve" and "complete" both exit in_progress but to
// different places.
type edge struct {
	to      Column
	trigger Trigger
}

var allowedTransitions = map[Column]map[string]edge{
	ColumnBacklog: {
		"start": {to: ColumnInProgress, trigger: TriggerStartPlan},
	},
	ColumnInProgress: {
		"plan_ready": {to: ColumnWaitingApproval, trigger: TriggerNone},
		"complete":   {to: ColumnWaitingApproval, trigger: TriggerNone},
		"cancel":     {to: ColumnBacklog, trigger: TriggerStop},
	},
	ColumnWaitingApproval: {
		"approve": {to: ColumnInProgress, trigger: TriggerStartExecute},
		"reject":  {to: ColumnBacklog, trigger: TriggerNone},
		"verify":  {to: ColumnVerified, trigger: TriggerNone},
	},
}

// Task is one board item.
type Task struct {
	ID              string
	ProjectID       string
	Title           string
	Description     string
	Column          Column
	Position        int
	Labels          []string
	Plan            *string
	PlanOptions     json.RawMessage
	LastAgentStatus *AgentStatus
	AgentID         string
	SessionID       string
	WorktreeID      string
}

// Service owns task CRUD and the column state machine.
type Service struct {
	db *sql.DB
}

// New builds a Service against the shared sqlite connection.
func New(db *sql.DB) *Service {
	return &Service{db: db}
}

// CreateParams are the inputs to Create.
type CreateParams struct {
	ProjectID   string
	Title       string
	Description string
	Labels      []string
}

// Create inserts a new backlog task at the end of its project's backlog
// column.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Task, error) {
	labels := p.Labels
	if labels == nil {
		labels = []string{}
	}
	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return nil, fmt.Errorf("marshal labels: %w", err)
	}

	var position int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(position), -1) + 1 FROM tasks WHERE project_id = ? AND column_name = 'backlog';
	`, p.ProjectID).Scan(&position); err != nil {
		return nil, fmt.Errorf("next position: %w", err)
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, title, description, column_name, position, labels)
		VALUES (?, ?, ?, ?, 'backlog', ?, ?);
	`, id, p.ProjectID, p.Title, p.Description, position, string(labelsJSON))
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}

	return s.GetByID(ctx, id)
}

// GetByID loads a task row.
func (s *Service) GetByID(ctx context.Context, taskID string) (*Task, error) {
	return scanTaskRow(s.db.QueryRowContext(ctx, `
		SELECT id, project_id, title, description, column_name, position, labels,
		       plan, plan_options, last_agent_status, agent_id, session_id, worktree_id
		FROM tasks WHERE id = ?;
	`, taskID))
}

func scanTaskRow(row *sql.Row) (*Task, error) {
	var t Task
	var labels string
	var plan, planOptions, lastAgentStatus, agentID, sessionID, worktreeID sql.NullString
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Column, &t.Position, &labels,
		&plan, &planOptions, &lastAgentStatus, &agentID, &sessionID, &worktreeID)
	if err == sql.ErrNoRows {
		return nil, resultx.New(resultx.CodeInvalidTransition, "task not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	_ = json.Unmarshal([]byte(labels), &t.Labels)
	if plan.Valid {
		t.Plan = &plan.String
	}
	if planOptions.Valid {
		t.PlanOptions = json.RawMessage(planOptions.String)
	}
	if lastAgentStatus.Valid {
		v := AgentStatus(lastAgentStatus.String)
		t.LastAgentStatus = &v
	}
	t.AgentID, t.SessionID, t.WorktreeID = agentID.String, sessionID.String, worktreeID.String
	return &t, nil
}

// MoveColumn validates and applies action against taskID's current column,
// returning the trigger the caller (C10) must act on. It runs inside a
// single transaction so the read-current-column-then-write is atomic
// (§4.9's "one task at a time; enforced under a row-scoped lock").
func (s *Service) MoveColumn(ctx context.Context, taskID, action string) (Trigger, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return TriggerNone, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current Column
	if err := tx.QueryRowContext(ctx, `SELECT column_name FROM tasks WHERE id = ?;`, taskID).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return TriggerNone, resultx.New(resultx.CodeInvalidTransition, "task not found: "+taskID)
		}
		return TriggerNone, fmt.Errorf("load task column: %w", err)
	}

	edges, ok := allowedTransitions[current]
	if !ok {
		return TriggerNone, resultx.New(resultx.CodeInvalidTransition, fmt.Sprintf("no transitions from %s", current))
	}
	e, ok := edges[action]
	if !ok {
		return TriggerNone, resultx.New(resultx.CodeInvalidTransition, fmt.Sprintf("%s is not legal from %s", action, current))
	}

	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET column_name = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`, e.to, taskID); err != nil {
		return TriggerNone, fmt.Errorf("update column: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return TriggerNone, fmt.Errorf("commit transition: %w", err)
	}
	return e.trigger, nil
}

// ApplyPlanReady atomically sets the plan/planOptions/status/column triple
// on plan_ready (§4.9's "Plan persistence").
func (s *Service) ApplyPlanReady(ctx context.Context, taskID, plan string, planOptions json.RawMessage) error {
	status := AgentStatusPlanning
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET plan = ?, plan_options = ?, last_agent_status = ?, column_name = 'waiting_approval', updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, plan, string(planOptions), string(status), taskID)
	if err != nil {
		return fmt.Errorf("apply plan_ready: %w", err)
	}
	return nil
}

// ApplyApprove sets column=in_progress only; lastAgentStatus stays
// 'planning' until execute completes (§4.9).
func (s *Service) ApplyApprove(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET column_name = 'in_progress', updated_at = CURRENT_TIMESTAMP WHERE id = ?;`, taskID)
	if err != nil {
		return fmt.Errorf("apply approve: %w", err)
	}
	return nil
}

// ApplyReject clears plan/planOptions, returns to backlog, and clears
// lastAgentStatus (§4.9).
func (s *Service) ApplyReject(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET plan = NULL, plan_options = NULL, column_name = 'backlog', last_agent_status = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, taskID)
	if err != nil {
		return fmt.Errorf("apply reject: %w", err)
	}
	return nil
}

// SetLastAgentStatus stamps lastAgentStatus without a column change, for
// the "(any) -> error" self-loop of §4.9.
func (s *Service) SetLastAgentStatus(ctx context.Context, taskID string, status AgentStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET last_agent_status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`, string(status), taskID)
	if err != nil {
		return fmt.Errorf("set last_agent_status: %w", err)
	}
	return nil
}

// SetWorktree records the worktree a task was assigned for its run.
func (s *Service) SetWorktree(ctx context.Context, taskID, worktreeID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET worktree_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`, worktreeID, taskID)
	if err != nil {
		return fmt.Errorf("set worktree: %w", err)
	}
	return nil
}

// SetSession records the session a task's current run is using.
func (s *Service) SetSession(ctx context.Context, taskID, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET session_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`, sessionID, taskID)
	if err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}

// MarkCompleted stamps completedAt and column=waiting_approval for the
// execute-phase completion path of §4.10's onComplete handler.
func (s *Service) MarkCompleted(ctx context.Context, taskID string, status AgentStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET column_name = 'waiting_approval', last_agent_status = ?, completed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, string(status), taskID)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

// ListInProgress returns every task currently sitting in the in_progress
// column, for the housekeeping sweep's orphaned-running-agent
// reconciliation (§7 supplemented feature): a task can be left there by a
// crash of the process that was running its agent, with no in-memory
// runningAgents entry left to account for it.
func (s *Service) ListInProgress(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, title, description, column_name, position, labels,
		       plan, plan_options, last_agent_status, agent_id, session_id, worktree_id
		FROM tasks WHERE column_name = 'in_progress';
	`)
	if err != nil {
		return nil, fmt.Errorf("query in-progress tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var t Task
		var labels string
		var plan, planOptions, lastAgentStatus, agentID, sessionID, worktreeID sql.NullString
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Column, &t.Position, &labels,
			&plan, &planOptions, &lastAgentStatus, &agentID, &sessionID, &worktreeID); err != nil {
			return nil, fmt.Errorf("scan in-progress task: %w", err)
		}
		_ = json.Unmarshal([]byte(labels), &t.Labels)
		if plan.Valid {
			t.Plan = &plan.String
		}
		if planOptions.Valid {
			t.PlanOptions = json.RawMessage(planOptions.String)
		}
		if lastAgentStatus.Valid {
			v := AgentStatus(lastAgentStatus.String)
			t.LastAgentStatus = &v
		}
		t.AgentID, t.SessionID, t.WorktreeID = agentID.String, sessionID.String, worktreeID.String
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}
