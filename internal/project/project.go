// Package project owns the projects table: the repository a task's agent
// runs against, its worktree root, default branch, allowed-tool list, and
// concurrency budget (§3, spec.md "Project"). Grounded on the sibling
// internal/tasks and internal/worktree packages' New(db)/scanRow shape.
package project

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/agentdevsl/claudorc/internal/agentsvc"
	"github.com/agentdevsl/claudorc/internal/resultx"
)

// Project is a project's full persisted record.
type Project struct {
	ID                  string
	Name                string
	Path                string
	WorktreeRoot        string
	DefaultBranch       string
	AllowedTools        []string
	MaxTurns            int
	MaxConcurrentAgents int
}

// CreateParams are the fields a caller supplies when registering a project;
// everything else takes the schema's default.
type CreateParams struct {
	Name                string
	Path                string
	WorktreeRoot        string
	DefaultBranch       string
	AllowedTools        []string
	MaxTurns            int
	MaxConcurrentAgents int
}

// Service is the projects table's CRUD surface, and satisfies
// agentsvc.ProjectLookup so internal/agentsvc.Service can resolve a
// project's config directly from the store.
type Service struct {
	db *sql.DB
}

// New builds a Service against the shared store connection.
func New(db *sql.DB) *Service {
	return &Service{db: db}
}

// Create registers a new project, defaulting DefaultBranch to "main" and
// MaxConcurrentAgents/MaxTurns to the schema's defaults when unset.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Project, error) {
	if p.DefaultBranch == "" {
		p.DefaultBranch = "main"
	}
	if p.MaxTurns <= 0 {
		p.MaxTurns = 50
	}
	if p.MaxConcurrentAgents <= 0 {
		p.MaxConcurrentAgents = 1
	}
	tools := p.AllowedTools
	if tools == nil {
		tools = []string{}
	}
	toolsJSON, err := json.Marshal(tools)
	if err != nil {
		return nil, fmt.Errorf("marshal allowed_tools: %w", err)
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, path, worktree_root, default_branch, allowed_tools, max_turns, max_concurrent_agents)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, id, p.Name, p.Path, p.WorktreeRoot, p.DefaultBranch, string(toolsJSON), p.MaxTurns, p.MaxConcurrentAgents)
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	return s.GetByID(ctx, id)
}

// GetByID loads a project's full record.
func (s *Service) GetByID(ctx context.Context, projectID string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, path, worktree_root, default_branch, allowed_tools, max_turns, max_concurrent_agents
		FROM projects WHERE id = ?;
	`, projectID)
	return scanProjectRow(row)
}

func scanProjectRow(row *sql.Row) (*Project, error) {
	var p Project
	var toolsJSON string
	if err := row.Scan(&p.ID, &p.Name, &p.Path, &p.WorktreeRoot, &p.DefaultBranch, &toolsJSON, &p.MaxTurns, &p.MaxConcurrentAgents); err != nil {
		if err == sql.ErrNoRows {
			return nil, resultx.New(resultx.CodeProjectNotFound, "project not found")
		}
		return nil, fmt.Errorf("scan project: %w", err)
	}
	if err := json.Unmarshal([]byte(toolsJSON), &p.AllowedTools); err != nil {
		return nil, fmt.Errorf("unmarshal allowed_tools: %w", err)
	}
	return &p, nil
}

// List returns every registered project.
func (s *Service) List(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, path, worktree_root, default_branch, allowed_tools, max_turns, max_concurrent_agents
		FROM projects ORDER BY created_at;
	`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		var p Project
		var toolsJSON string
		if err := rows.Scan(&p.ID, &p.Name, &p.Path, &p.WorktreeRoot, &p.DefaultBranch, &toolsJSON, &p.MaxTurns, &p.MaxConcurrentAgents); err != nil {
			return nil, fmt.Errorf("scan project row: %w", err)
		}
		if err := json.Unmarshal([]byte(toolsJSON), &p.AllowedTools); err != nil {
			return nil, fmt.Errorf("unmarshal allowed_tools: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// SettingsUpdate carries the subset of a project's fields a config reload
// may change; zero-value AllowedTools (nil) leaves the stored list alone,
// distinguishing "no tools configured" ([]string{}) from "not supplied".
type SettingsUpdate struct {
	DefaultBranch       string
	AllowedTools        []string
	MaxTurns            int
	MaxConcurrentAgents int
}

// UpdateSettings applies a reloaded claudorc.yaml's admission/execution
// fields to an already-registered project, so a change to
// max_concurrent_agents or allowed_tools takes effect on the next
// StartAgent call without restarting the daemon.
func (s *Service) UpdateSettings(ctx context.Context, projectID string, u SettingsUpdate) error {
	tools := u.AllowedTools
	if tools == nil {
		tools = []string{}
	}
	toolsJSON, err := json.Marshal(tools)
	if err != nil {
		return fmt.Errorf("marshal allowed_tools: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET default_branch = ?, allowed_tools = ?, max_turns = ?, max_concurrent_agents = ?
		WHERE id = ?;
	`, u.DefaultBranch, string(toolsJSON), u.MaxTurns, u.MaxConcurrentAgents, projectID)
	if err != nil {
		return fmt.Errorf("update project settings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update project settings: %w", err)
	}
	if n == 0 {
		return resultx.New(resultx.CodeProjectNotFound, "project not found")
	}
	return nil
}

// GetProject implements agentsvc.ProjectLookup, narrowing the full record
// to the slice StartAgent needs.
func (s *Service) GetProject(ctx context.Context, projectID string) (agentsvc.Project, error) {
	p, err := s.GetByID(ctx, projectID)
	if err != nil {
		return agentsvc.Project{}, err
	}
	return agentsvc.Project{
		ID:                  p.ID,
		Path:                p.Path,
		WorktreeRoot:        p.WorktreeRoot,
		DefaultBranch:       p.DefaultBranch,
		AllowedTools:        p.AllowedTools,
		MaxTurns:            p.MaxTurns,
		MaxConcurrentAgents: p.MaxConcurrentAgents,
	}, nil
}
