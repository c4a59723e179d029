package agentsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentdevsl/claudorc/internal/credentials"
	"github.com/agentdevsl/claudorc/internal/resultx"
	"github.com/agentdevsl/claudorc/internal/sandbox"
	"github.com/agentdevsl/claudorc/internal/session"
	"github.com/agentdevsl/claudorc/internal/store"
	"github.com/agentdevsl/claudorc/internal/streams"
	"github.com/agentdevsl/claudorc/internal/tasks"
	"github.com/agentdevsl/claudorc/internal/worktree"
)

// fakeProcess is a controllable sandbox.Process for tests: writing to
// stdoutW drives the bridge, and closing it ends the exec.
type fakeProcess struct {
	stdoutR, stdoutW *io.PipeWriter
	reader           *io.PipeReader
	killed           bool
	mu               sync.Mutex
	waitCh           chan struct{}
}

func newFakeProcess() *fakeProcess {
	r, w := io.Pipe()
	return &fakeProcess{stdoutW: w, reader: r, waitCh: make(chan struct{})}
}

func (p *fakeProcess) Stdout() io.Reader { return p.reader }
func (p *fakeProcess) Stderr() io.Reader { return bytes.NewReader(nil) }
func (p *fakeProcess) Wait(ctx context.Context) (sandbox.WaitResult, error) {
	select {
	case <-p.waitCh:
		return sandbox.WaitResult{}, nil
	case <-ctx.Done():
		return sandbox.WaitResult{}, ctx.Err()
	}
}
func (p *fakeProcess) Kill(ctx context.Context) error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	_ = p.stdoutW.Close()
	return nil
}
func (p *fakeProcess) writeLine(v string) {
	_, _ = p.stdoutW.Write([]byte(v + "\n"))
}
func (p *fakeProcess) finish() {
	close(p.waitCh)
	_ = p.stdoutW.Close()
}

type fakeSandbox struct {
	id      string
	status  sandbox.Status
	proc    *fakeProcess
	written map[string][]byte
	mu      sync.Mutex
}

func (s *fakeSandbox) ID() string           { return s.id }
func (s *fakeSandbox) Status() sandbox.Status { return s.status }
func (s *fakeSandbox) Exec(ctx context.Context, cmd string, args []string, opts sandbox.ExecOpts) (sandbox.ExecResult, error) {
	return sandbox.ExecResult{}, nil
}
func (s *fakeSandbox) ExecStream(ctx context.Context, opts sandbox.StreamOpts) (sandbox.Process, error) {
	if s.status != sandbox.StatusRunning {
		return nil, resultx.New(resultx.CodeSandboxUnavailable, "not running")
	}
	return s.proc, nil
}
func (s *fakeSandbox) WriteFile(ctx context.Context, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.written == nil {
		s.written = map[string][]byte{}
	}
	s.written[path] = data
	return nil
}
func (s *fakeSandbox) Exists(ctx context.Context, path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.written[path]
	return ok, nil
}

type fakeProvider struct {
	mu   sync.Mutex
	boxes map[string]*fakeSandbox
}

func newFakeProvider() *fakeProvider { return &fakeProvider{boxes: map[string]*fakeSandbox{}} }

func (p *fakeProvider) Get(ctx context.Context, projectID string) (sandbox.Sandbox, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sb, ok := p.boxes[projectID]
	if !ok {
		return nil, false, nil
	}
	return sb, true, nil
}
func (p *fakeProvider) Create(ctx context.Context, projectID string, cfg sandbox.Config) (sandbox.Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sb := &fakeSandbox{id: "sb-" + projectID, status: sandbox.StatusRunning, proc: newFakeProcess()}
	p.boxes[projectID] = sb
	return sb, nil
}
func (p *fakeProvider) HealthCheck(ctx context.Context) error { return nil }

type fakeProjects struct {
	projects map[string]Project
}

func (f *fakeProjects) GetProject(ctx context.Context, projectID string) (Project, error) {
	p, ok := f.projects[projectID]
	if !ok {
		return Project{}, errors.New("project not found")
	}
	return p, nil
}

type fakeCredStore struct{}

func (fakeCredStore) GetAPIKey(ctx context.Context, kind string) (credentials.Record, bool, error) {
	return credentials.Record{}, false, nil
}

func newTestHarness(t *testing.T) (*Service, *tasks.Service, *session.Service, *fakeProvider, string) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(`INSERT INTO projects (id, name, path, worktree_root) VALUES ('p1', 'p', '/tmp/proj', 'wt');`); err != nil {
		t.Fatalf("seed project: %v", err)
	}

	taskSvc := tasks.New(db.DB)
	sm := streams.NewManager(db.DB, nil)
	sessionSvc := session.New(db.DB, sm)
	worktreeSvc := worktree.New(db.DB)

	home := t.TempDir()
	t.Setenv("HOME", home)
	credDir := filepath.Join(home, ".claude")
	if err := os.MkdirAll(credDir, 0o700); err != nil {
		t.Fatalf("mkdir credentials dir: %v", err)
	}
	credPath := filepath.Join(credDir, ".credentials.json")
	rec := map[string]any{"accessToken": "test-token"}
	data, _ := json.Marshal(rec)
	if err := os.WriteFile(credPath, data, 0o600); err != nil {
		t.Fatalf("write creds: %v", err)
	}
	resolver := credentials.New(fakeCredStore{}, nil)

	provider := newFakeProvider()
	projects := &fakeProjects{projects: map[string]Project{
		"p1": {ID: "p1", Path: "/tmp/proj", WorktreeRoot: t.TempDir(), DefaultBranch: "main", MaxConcurrentAgents: 1, MaxTurns: 10},
	}}

	svc := New(Config{
		Tasks: taskSvc, Sessions: sessionSvc, Worktrees: worktreeSvc, Sandboxes: provider,
		Credentials: resolver, Streams: sm, Projects: projects, AgentBinary: "/bin/agent",
		StopGrace: 50 * time.Millisecond,
	})
	return svc, taskSvc, sessionSvc, provider, credPath
}

func TestStartAgentGuardsAlreadyRunning(t *testing.T) {
	svc, taskSvc, sessionSvc, _, _ := newTestHarness(t)
	ctx := context.Background()

	task, err := taskSvc.Create(ctx, tasks.CreateParams{ProjectID: "p1", Title: "t"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	sess, err := sessionSvc.Create(ctx, session.CreateParams{ProjectID: "p1", TaskID: task.ID})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if err := svc.StartAgent(ctx, StartInput{ProjectID: "p1", TaskID: task.ID, SessionID: sess.ID, Phase: "plan"}); err != nil {
		t.Fatalf("first StartAgent: %v", err)
	}

	err = svc.StartAgent(ctx, StartInput{ProjectID: "p1", TaskID: task.ID, SessionID: sess.ID, Phase: "plan"})
	if !resultx.Is(err, resultx.CodeAgentAlreadyRunning) {
		t.Fatalf("expected AGENT_ALREADY_RUNNING, got %v", err)
	}
}

func TestStartAgentConcurrencyLimit(t *testing.T) {
	svc, taskSvc, sessionSvc, _, _ := newTestHarness(t)
	ctx := context.Background()

	task1, _ := taskSvc.Create(ctx, tasks.CreateParams{ProjectID: "p1", Title: "a"})
	sess1, _ := sessionSvc.Create(ctx, session.CreateParams{ProjectID: "p1", TaskID: task1.ID})
	if err := svc.StartAgent(ctx, StartInput{ProjectID: "p1", TaskID: task1.ID, SessionID: sess1.ID, Phase: "plan"}); err != nil {
		t.Fatalf("StartAgent 1: %v", err)
	}

	task2, _ := taskSvc.Create(ctx, tasks.CreateParams{ProjectID: "p1", Title: "b"})
	sess2, _ := sessionSvc.Create(ctx, session.CreateParams{ProjectID: "p1", TaskID: task2.ID})
	err := svc.StartAgent(ctx, StartInput{ProjectID: "p1", TaskID: task2.ID, SessionID: sess2.ID, Phase: "plan"})
	if !resultx.Is(err, resultx.CodeConcurrencyLimit) {
		t.Fatalf("expected CONCURRENCY_LIMIT, got %v", err)
	}
}

func TestStartAgentMissingCredentialFails(t *testing.T) {
	svc, taskSvc, sessionSvc, _, credPath := newTestHarness(t)
	ctx := context.Background()
	if err := os.Remove(credPath); err != nil {
		t.Fatalf("remove creds: %v", err)
	}

	task, _ := taskSvc.Create(ctx, tasks.CreateParams{ProjectID: "p1", Title: "t"})
	sess, _ := sessionSvc.Create(ctx, session.CreateParams{ProjectID: "p1", TaskID: task.ID})

	err := svc.StartAgent(ctx, StartInput{ProjectID: "p1", TaskID: task.ID, SessionID: sess.ID, Phase: "plan"})
	if !resultx.Is(err, resultx.CodeAPIKeyNotConfigured) {
		t.Fatalf("expected API_KEY_NOT_CONFIGURED, got %v", err)
	}
}

func TestPlanReadyApproveRejectLifecycle(t *testing.T) {
	svc, taskSvc, sessionSvc, provider, _ := newTestHarness(t)
	ctx := context.Background()

	task, _ := taskSvc.Create(ctx, tasks.CreateParams{ProjectID: "p1", Title: "t"})
	sess, _ := sessionSvc.Create(ctx, session.CreateParams{ProjectID: "p1", TaskID: task.ID})

	if err := svc.StartAgent(ctx, StartInput{ProjectID: "p1", TaskID: task.ID, SessionID: sess.ID, Phase: "plan"}); err != nil {
		t.Fatalf("StartAgent: %v", err)
	}

	sb, _, _ := provider.Get(ctx, "p1")
	proc := sb.(*fakeSandbox).proc
	planEvent, _ := json.Marshal(map[string]any{
		"type": "agent:plan_ready", "taskId": task.ID, "sessionId": sess.ID,
		"data": map[string]any{"plan": "do the thing", "sdkSessionId": "sdk-123", "turnCount": 1},
	})
	proc.writeLine(string(planEvent))
	proc.finish()

	waitForCondition(t, func() bool {
		got, err := taskSvc.GetByID(ctx, task.ID)
		return err == nil && got.Column == tasks.ColumnWaitingApproval
	})

	got, err := taskSvc.GetByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Plan == nil || *got.Plan != "do the thing" {
		t.Fatalf("plan = %v", got.Plan)
	}

	if err := svc.RejectPlan(ctx, task.ID); err != nil {
		t.Fatalf("RejectPlan: %v", err)
	}
	got, err = taskSvc.GetByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetByID after reject: %v", err)
	}
	if got.Column != tasks.ColumnBacklog || got.Plan != nil {
		t.Fatalf("after reject: %+v", got)
	}
}

func TestApprovePlanStartsExecutePhase(t *testing.T) {
	svc, taskSvc, sessionSvc, provider, _ := newTestHarness(t)
	ctx := context.Background()

	task, _ := taskSvc.Create(ctx, tasks.CreateParams{ProjectID: "p1", Title: "t"})
	sess, _ := sessionSvc.Create(ctx, session.CreateParams{ProjectID: "p1", TaskID: task.ID})

	if err := svc.StartAgent(ctx, StartInput{ProjectID: "p1", TaskID: task.ID, SessionID: sess.ID, Phase: "plan"}); err != nil {
		t.Fatalf("StartAgent: %v", err)
	}
	sb, _, _ := provider.Get(ctx, "p1")
	proc := sb.(*fakeSandbox).proc
	planEvent, _ := json.Marshal(map[string]any{
		"type": "agent:plan_ready", "taskId": task.ID, "sessionId": sess.ID,
		"data": map[string]any{"plan": "do it", "sdkSessionId": "sdk-xyz"},
	})
	proc.writeLine(string(planEvent))
	proc.finish()
	waitForCondition(t, func() bool {
		got, err := taskSvc.GetByID(ctx, task.ID)
		return err == nil && got.Column == tasks.ColumnWaitingApproval
	})

	// Execute phase reuses the same sandbox; give it a fresh process.
	sb.(*fakeSandbox).proc = newFakeProcess()

	if err := svc.ApprovePlan(ctx, task.ID); err != nil {
		t.Fatalf("ApprovePlan: %v", err)
	}

	got, err := taskSvc.GetByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Column != tasks.ColumnInProgress {
		t.Fatalf("column = %q, want in_progress", got.Column)
	}
	if !svc.IsAgentRunning(task.ID) {
		t.Fatalf("expected execute-phase agent to be registered as running")
	}
}

// TestAgentErrorRateLimitRetriesInsteadOfFailing exercises spec.md's worked
// scenario 6: a rate-limit agent:error must schedule a backoff retry, not
// fail the task, even though recovery.HandleAgentError reports ActionPause
// for rate-limit markers (onError keys off ShouldRetry, not Action).
func TestAgentErrorRateLimitRetriesInsteadOfFailing(t *testing.T) {
	svc, taskSvc, sessionSvc, provider, _ := newTestHarness(t)
	ctx := context.Background()

	task, _ := taskSvc.Create(ctx, tasks.CreateParams{ProjectID: "p1", Title: "t"})
	sess, _ := sessionSvc.Create(ctx, session.CreateParams{ProjectID: "p1", TaskID: task.ID})

	if err := svc.StartAgent(ctx, StartInput{ProjectID: "p1", TaskID: task.ID, SessionID: sess.ID, Phase: "plan"}); err != nil {
		t.Fatalf("StartAgent: %v", err)
	}

	sb, _, _ := provider.Get(ctx, "p1")
	proc := sb.(*fakeSandbox).proc
	errEvent, _ := json.Marshal(map[string]any{
		"type": "agent:error", "taskId": task.ID, "sessionId": sess.ID,
		"data": map[string]any{"error": "Rate limit exceeded", "turnCount": 3},
	})
	proc.writeLine(string(errEvent))
	proc.finish()

	// The retry lands on a fresh exec of the same sandbox.
	sb.(*fakeSandbox).proc = newFakeProcess()

	waitForCondition(t, func() bool {
		return svc.IsAgentRunning(task.ID)
	})

	got, err := taskSvc.GetByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.LastAgentStatus != nil && *got.LastAgentStatus == tasks.AgentStatusError {
		t.Fatalf("task was marked error, want no terminal failure: %+v", got.LastAgentStatus)
	}

	reloadedSess, err := sessionSvc.GetByID(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetByID session: %v", err)
	}
	if reloadedSess.Status == session.StatusClosed {
		t.Fatalf("session was closed, want it left open for the retry")
	}
}

func TestStopAgentHardKillsAfterGrace(t *testing.T) {
	svc, taskSvc, sessionSvc, provider, _ := newTestHarness(t)
	ctx := context.Background()

	task, _ := taskSvc.Create(ctx, tasks.CreateParams{ProjectID: "p1", Title: "t"})
	sess, _ := sessionSvc.Create(ctx, session.CreateParams{ProjectID: "p1", TaskID: task.ID})

	if err := svc.StartAgent(ctx, StartInput{ProjectID: "p1", TaskID: task.ID, SessionID: sess.ID, Phase: "plan"}); err != nil {
		t.Fatalf("StartAgent: %v", err)
	}

	if err := svc.StopAgent(ctx, task.ID); err != nil {
		t.Fatalf("StopAgent: %v", err)
	}

	sb, _, _ := provider.Get(ctx, "p1")
	proc := sb.(*fakeSandbox).proc
	proc.mu.Lock()
	killed := proc.killed
	proc.mu.Unlock()
	if !killed {
		t.Fatalf("expected hard kill after grace deadline elapsed")
	}
	if svc.IsAgentRunning(task.ID) {
		t.Fatalf("expected agent to be deregistered after stop")
	}
}

func TestStopAgentIsIdempotentWhenNotRunning(t *testing.T) {
	svc, taskSvc, _, _, _ := newTestHarness(t)
	ctx := context.Background()
	task, _ := taskSvc.Create(ctx, tasks.CreateParams{ProjectID: "p1", Title: "t"})

	if err := svc.StopAgent(ctx, task.ID); err != nil {
		t.Fatalf("StopAgent on idle task should be a no-op, got %v", err)
	}
}

func TestReconcileOrphansFailsInProgressTaskWithNoLiveRun(t *testing.T) {
	svc, taskSvc, _, _, _ := newTestHarness(t)
	ctx := context.Background()
	task, _ := taskSvc.Create(ctx, tasks.CreateParams{ProjectID: "p1", Title: "t"})
	if _, err := taskSvc.MoveColumn(ctx, task.ID, "start"); err != nil {
		t.Fatalf("MoveColumn start: %v", err)
	}

	n, err := svc.ReconcileOrphans(ctx)
	if err != nil {
		t.Fatalf("ReconcileOrphans: %v", err)
	}
	if n != 1 {
		t.Fatalf("reconciled = %d, want 1", n)
	}

	reloaded, err := taskSvc.GetByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if reloaded.Column != tasks.ColumnBacklog {
		t.Fatalf("Column = %q, want backlog", reloaded.Column)
	}
	if reloaded.LastAgentStatus == nil || *reloaded.LastAgentStatus != tasks.AgentStatusError {
		t.Fatalf("LastAgentStatus = %v, want error", reloaded.LastAgentStatus)
	}
}

func TestReconcileOrphansSkipsLiveRunningTask(t *testing.T) {
	svc, taskSvc, sessionSvc, provider, _ := newTestHarness(t)
	ctx := context.Background()
	task, _ := taskSvc.Create(ctx, tasks.CreateParams{ProjectID: "p1", Title: "t"})
	if _, err := taskSvc.MoveColumn(ctx, task.ID, "start"); err != nil {
		t.Fatalf("MoveColumn start: %v", err)
	}

	sess, err := sessionSvc.Create(ctx, session.CreateParams{ProjectID: "p1", TaskID: task.ID, Title: "run"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := svc.StartAgent(ctx, StartInput{ProjectID: "p1", TaskID: task.ID, SessionID: sess.ID, Prompt: "do it", Phase: "plan", MaxTurns: 10}); err != nil {
		t.Fatalf("StartAgent: %v", err)
	}

	n, err := svc.ReconcileOrphans(ctx)
	if err != nil {
		t.Fatalf("ReconcileOrphans: %v", err)
	}
	if n != 0 {
		t.Fatalf("reconciled = %d, want 0 for a live run", n)
	}

	sb, _, _ := provider.Get(ctx, "p1")
	sb.(*fakeSandbox).proc.finish()
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}
