// Package worktree implements the worktree service (§4.7): per-task branch
// checkouts allocated under a project's worktreeRoot, created/diffed/merged/
// removed by shelling out to the git CLI, matching the teacher's
// HostExecutor convention of running external commands via exec.CommandContext
// rather than a git library.
package worktree

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/agentdevsl/claudorc/internal/resultx"
)

// Status is a worktree's lifecycle state.
type Status string

const (
	StatusActive  Status = "active"
	StatusMerged  Status = "merged"
	StatusRemoved Status = "removed"
)

// Worktree is one task's branch checkout.
type Worktree struct {
	ID         string
	ProjectID  string
	TaskID     string
	SessionID  string
	AgentID    string
	Branch     string
	BaseBranch string
	Path       string
	Status     Status
}

// FileDiff is one changed file in a worktree's diff against its base branch.
type FileDiff struct {
	Path      string `json:"path"`
	Status    string `json:"status"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// DiffStats summarizes a worktree diff.
type DiffStats struct {
	FilesChanged int `json:"filesChanged"`
	Additions    int `json:"additions"`
	Deletions    int `json:"deletions"`
}

// Diff is the result of GetDiff.
type Diff struct {
	Files []FileDiff `json:"files"`
	Stats DiffStats  `json:"stats"`
}

// CreateParams are the inputs to Create.
type CreateParams struct {
	ProjectID  string
	TaskID     string
	ProjectDir string // the project's repository root on disk
	RootDir    string // project.config.worktreeRoot, relative to ProjectDir or absolute
	Branch     string
	BaseBranch string
}

// Service creates and tracks worktrees against the shared store.
type Service struct {
	db     *sql.DB
	runner commandRunner
}

// commandRunner abstracts exec.CommandContext for testability.
type commandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) (stdout, stderr string, err error)
}

type hostRunner struct{}

func (hostRunner) Run(ctx context.Context, dir, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	err := cmd.Run()
	return out.String(), errBuf.String(), err
}

// New builds a Service against the shared sqlite connection, running git
// via the host shell.
func New(db *sql.DB) *Service {
	return &Service{db: db, runner: hostRunner{}}
}

// Create allocates a directory under projectDir/rootDir/<taskId>, creates a
// branch off baseBranch via `git worktree add -b`, and records an active
// worktree row (§4.7).
func (s *Service) Create(ctx context.Context, p CreateParams) (*Worktree, error) {
	branch := p.Branch
	if branch == "" {
		branch = "task/" + p.TaskID
	}
	root := p.RootDir
	if !filepath.IsAbs(root) {
		root = filepath.Join(p.ProjectDir, root)
	}
	path := filepath.Join(root, p.TaskID)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, resultx.Wrap(resultx.CodeWorktreeCreateFailed, "mkdir worktree parent", err)
	}

	_, stderr, err := s.runner.Run(ctx, p.ProjectDir, "git", "worktree", "add", "-b", branch, path, p.BaseBranch)
	if err != nil {
		return nil, resultx.Wrap(resultx.CodeWorktreeCreateFailed, "git worktree add: "+strings.TrimSpace(stderr), err)
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO worktrees (id, project_id, task_id, branch, base_branch, path, status)
		VALUES (?, ?, ?, ?, ?, ?, 'active');
	`, id, p.ProjectID, p.TaskID, branch, p.BaseBranch, path)
	if err != nil {
		return nil, fmt.Errorf("insert worktree: %w", err)
	}

	return &Worktree{
		ID: id, ProjectID: p.ProjectID, TaskID: p.TaskID,
		Branch: branch, BaseBranch: p.BaseBranch, Path: path, Status: StatusActive,
	}, nil
}

// Get loads a worktree by id.
func (s *Service) Get(ctx context.Context, worktreeID string) (*Worktree, error) {
	var w Worktree
	var taskID, sessionID, agentID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, task_id, session_id, agent_id, branch, base_branch, path, status
		FROM worktrees WHERE id = ?;
	`, worktreeID).Scan(&w.ID, &w.ProjectID, &taskID, &sessionID, &agentID, &w.Branch, &w.BaseBranch, &w.Path, &w.Status)
	if err == sql.ErrNoRows {
		return nil, resultx.New(resultx.CodeWorktreeCreateFailed, "worktree not found: "+worktreeID)
	}
	if err != nil {
		return nil, fmt.Errorf("load worktree: %w", err)
	}
	w.TaskID, w.SessionID, w.AgentID = taskID.String, sessionID.String, agentID.String
	return &w, nil
}

// GetDiff returns the changed files between a worktree's branch and its
// base, for the approval UI (§4.7).
func (s *Service) GetDiff(ctx context.Context, worktreeID string) (*Diff, error) {
	w, err := s.Get(ctx, worktreeID)
	if err != nil {
		return nil, err
	}

	nameStatus, _, err := s.runner.Run(ctx, w.Path, "git", "diff", "--name-status", w.BaseBranch)
	if err != nil {
		return nil, fmt.Errorf("git diff --name-status: %w", err)
	}
	numstat, _, err := s.runner.Run(ctx, w.Path, "git", "diff", "--numstat", w.BaseBranch)
	if err != nil {
		return nil, fmt.Errorf("git diff --numstat: %w", err)
	}

	counts := make(map[string][2]int) // path -> [additions, deletions]
	for _, line := range strings.Split(numstat, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) != 3 {
			continue
		}
		add, _ := strconv.Atoi(fields[0])
		del, _ := strconv.Atoi(fields[1])
		counts[fields[2]] = [2]int{add, del}
	}

	var files []FileDiff
	var stats DiffStats
	for _, line := range strings.Split(nameStatus, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 2)
		if len(fields) != 2 {
			continue
		}
		c := counts[fields[1]]
		files = append(files, FileDiff{Path: fields[1], Status: fields[0], Additions: c[0], Deletions: c[1]})
		stats.FilesChanged++
		stats.Additions += c[0]
		stats.Deletions += c[1]
	}

	return &Diff{Files: files, Stats: stats}, nil
}

// Merge checks out a worktree's base branch in the project's primary
// worktree (the directory registered via `project add`, not the task's own
// linked worktree — BaseBranch is already checked out there, and git
// refuses to check out the same branch into two worktrees at once), merges
// the task's branch into it, and marks the worktree merged on success
// (§4.7).
func (s *Service) Merge(ctx context.Context, worktreeID string, commitMessage string) error {
	w, err := s.Get(ctx, worktreeID)
	if err != nil {
		return err
	}
	projectDir, err := s.projectDir(ctx, w.ProjectID)
	if err != nil {
		return err
	}

	if _, stderr, err := s.runner.Run(ctx, projectDir, "git", "checkout", w.BaseBranch); err != nil {
		return fmt.Errorf("git checkout %s: %s: %w", w.BaseBranch, strings.TrimSpace(stderr), err)
	}
	args := []string{"merge", "--no-edit", w.Branch}
	if commitMessage != "" {
		args = []string{"merge", "--no-edit", "-m", commitMessage, w.Branch}
	}
	if _, stderr, err := s.runner.Run(ctx, projectDir, "git", args...); err != nil {
		return fmt.Errorf("git merge %s: %s: %w", w.Branch, strings.TrimSpace(stderr), err)
	}

	_, err = s.db.ExecContext(ctx, `UPDATE worktrees SET status = 'merged' WHERE id = ?;`, worktreeID)
	if err != nil {
		return fmt.Errorf("mark worktree merged: %w", err)
	}
	return nil
}

// projectDir looks up a project's primary repository root, the directory
// Create ran `git worktree add` from.
func (s *Service) projectDir(ctx context.Context, projectID string) (string, error) {
	var path string
	err := s.db.QueryRowContext(ctx, `SELECT path FROM projects WHERE id = ?;`, projectID).Scan(&path)
	if err == sql.ErrNoRows {
		return "", resultx.New(resultx.CodeProjectNotFound, "project not found: "+projectID)
	}
	if err != nil {
		return "", fmt.Errorf("load project path: %w", err)
	}
	return path, nil
}

// Remove deletes the worktree's directory via `git worktree remove` and
// marks the row removed (§4.7).
func (s *Service) Remove(ctx context.Context, worktreeID string) error {
	w, err := s.Get(ctx, worktreeID)
	if err != nil {
		return err
	}

	if _, stderr, err := s.runner.Run(ctx, "", "git", "worktree", "remove", "--force", w.Path); err != nil {
		_ = stderr
		_ = os.RemoveAll(w.Path)
	}

	_, err = s.db.ExecContext(ctx, `UPDATE worktrees SET status = 'removed' WHERE id = ?;`, worktreeID)
	if err != nil {
		return fmt.Errorf("mark worktree removed: %w", err)
	}
	return nil
}

// Prune lists worktrees whose status is merged or removed with no live
// session reference, for the housekeeping sweep (§7 supplemented feature).
func (s *Service) Prune(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM worktrees
		WHERE status IN ('merged', 'removed')
		  AND (session_id IS NULL OR session_id NOT IN (SELECT id FROM sessions WHERE status = 'active'));
	`)
	if err != nil {
		return nil, fmt.Errorf("query prunable worktrees: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
