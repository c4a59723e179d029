// Package agentsvc implements the container-agent service (§4.10) — the
// orchestrator tying together credentials (C12), worktrees (C7), sandboxes
// (C3), sessions (C8), the container bridge (C5), and the task state
// machine (C9) across the plan -> approve -> execute lifecycle — plus the
// per-project concurrency gate (§4.11) folded into the same runningAgents
// snapshot rather than a separate counter.
//
// Grounded on the teacher's internal/coordinator (Executor/Waiter
// task-tracking shape) and internal/engine (LoopRunner's checkpointed,
// event-publishing run loop; failover.go's classify-then-retry control
// flow), generalized from "run a wave of chat tasks to completion" to "run
// one container-agent exec per task through its plan/execute phases."
package agentsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/agentdevsl/claudorc/internal/audit"
	"github.com/agentdevsl/claudorc/internal/bridge"
	"github.com/agentdevsl/claudorc/internal/credentials"
	"github.com/agentdevsl/claudorc/internal/events"
	"github.com/agentdevsl/claudorc/internal/obs"
	"github.com/agentdevsl/claudorc/internal/recovery"
	"github.com/agentdevsl/claudorc/internal/resultx"
	"github.com/agentdevsl/claudorc/internal/sandbox"
	"github.com/agentdevsl/claudorc/internal/session"
	"github.com/agentdevsl/claudorc/internal/shared"
	"github.com/agentdevsl/claudorc/internal/streams"
	"github.com/agentdevsl/claudorc/internal/tasks"
	"github.com/agentdevsl/claudorc/internal/turnlimit"
	"github.com/agentdevsl/claudorc/internal/worktree"
)

// Project is the narrow project-config slice the orchestrator needs:
// where its repository lives, which branch to base worktrees on, and its
// concurrency budget.
type Project struct {
	ID                  string
	Path                string
	WorktreeRoot        string
	DefaultBranch       string
	AllowedTools        []string
	MaxTurns            int
	MaxConcurrentAgents int
}

// ProjectLookup resolves a project's config for StartAgent.
type ProjectLookup interface {
	GetProject(ctx context.Context, projectID string) (Project, error)
}

// ResumeOptions carries the plan-session handoff into the execute phase.
type ResumeOptions struct {
	SDKSessionID   string              `json:"sdkSessionId"`
	AllowedPrompts []map[string]string `json:"allowedPrompts,omitempty"`
}

// StartInput is the input to StartAgent (§4.10).
type StartInput struct {
	ProjectID string
	TaskID    string
	SessionID string
	Prompt    string
	Model     string
	MaxTurns  int
	Phase     string // "plan" | "execute"
	Resume    *ResumeOptions
}

type runningEntry struct {
	projectID     string
	phase         string
	stopFilePath  string
	stopRequested bool
	sandboxID     string
	proc          sandbox.Process
	bridge        *bridge.Bridge
	cancel        context.CancelFunc
	sdkSessionID  string
	startedAt     time.Time
}

type pendingPlan struct {
	plan         string
	planOptions  json.RawMessage
	sdkSessionID string
}

// Service is the container-agent orchestrator.
type Service struct {
	tasks       *tasks.Service
	sessions    *session.Service
	worktrees   *worktree.Service
	sandboxes   sandbox.Provider
	credentials *credentials.Resolver
	streams     *streams.Manager
	projects    ProjectLookup
	agentBinary string
	stopGrace   time.Duration
	logger      *slog.Logger
	tracer      trace.Tracer
	metrics     *obs.Metrics
	validator   *events.Validator

	mu            sync.Mutex
	runningAgents map[string]*runningEntry // taskId -> entry
	pendingPlans  map[string]*pendingPlan  // taskId -> pending plan

	taskLocksMu sync.Mutex
	taskLocks   map[string]*sync.Mutex
}

// Config wires a Service's collaborators together.
type Config struct {
	Tasks       *tasks.Service
	Sessions    *session.Service
	Worktrees   *worktree.Service
	Sandboxes   sandbox.Provider
	Credentials *credentials.Resolver
	Streams     *streams.Manager
	Projects    ProjectLookup
	AgentBinary string
	StopGrace   time.Duration
	Logger      *slog.Logger
	Tracer      trace.Tracer
	Metrics     *obs.Metrics
	Validator   *events.Validator
}

// New builds a Service. Metrics may be nil (all emission calls are then
// skipped) — set it via obs.NewMetrics to get the concurrency-reject,
// active-agent, and turn counters.
func New(cfg Config) *Service {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(obs.TracerName)
	}
	return &Service{
		tasks: cfg.Tasks, sessions: cfg.Sessions, worktrees: cfg.Worktrees,
		sandboxes: cfg.Sandboxes, credentials: cfg.Credentials, streams: cfg.Streams,
		projects: cfg.Projects, agentBinary: cfg.AgentBinary, stopGrace: cfg.StopGrace, tracer: cfg.Tracer,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		validator:     cfg.Validator,
		runningAgents: make(map[string]*runningEntry),
		pendingPlans:  make(map[string]*pendingPlan),
	}
}

func (s *Service) taskLock(taskID string) *sync.Mutex {
	s.taskLocksMu.Lock()
	defer s.taskLocksMu.Unlock()
	l, ok := s.taskLocks[taskID]
	if !ok {
		if s.taskLocks == nil {
			s.taskLocks = make(map[string]*sync.Mutex)
		}
		l = &sync.Mutex{}
		s.taskLocks[taskID] = l
	}
	return l
}

// IsAgentRunning reports whether taskId currently has a live exec.
func (s *Service) IsAgentRunning(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runningAgents[taskID]
	return ok
}

func (s *Service) runningCountForProject(projectID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.runningAgents {
		if e.projectID == projectID {
			n++
		}
	}
	return n
}

// auditDecisionFor classifies an error returned from a task-lifecycle
// operation for the audit trail: a resultx error naming one of the known
// admission-rejection codes is a deliberate deny, anything else (a store
// failure, a worktree error, a context cancellation) is recorded as an
// error rather than a policy decision.
func auditDecisionFor(err error) audit.Decision {
	switch resultx.CodeOf(err) {
	case resultx.CodeAgentAlreadyRunning, resultx.CodeConcurrencyLimit,
		resultx.CodeAPIKeyNotConfigured, resultx.CodePlanNotPending,
		resultx.CodeInvalidTransition:
		return audit.DecisionDeny
	default:
		return audit.DecisionError
	}
}

// StartAgent runs the 11-step admission/launch sequence of §4.10.
func (s *Service) StartAgent(ctx context.Context, in StartInput) (err error) {
	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	ctx, span := obs.StartSpan(ctx, s.tracer, "agentsvc.StartAgent",
		obs.AttrTaskID.String(in.TaskID), attribute.String("phase", in.Phase))
	defer func() {
		if err != nil {
			span.RecordError(err)
			audit.Record(ctx, auditDecisionFor(err), audit.ActionAdmit, in.TaskID, err.Error())
		} else {
			audit.Record(ctx, audit.DecisionAllow, audit.ActionAdmit, in.TaskID, "phase="+in.Phase)
		}
		span.End()
	}()

	lock := s.taskLock(in.TaskID)
	lock.Lock()
	defer lock.Unlock()

	// 1. Guard: already running.
	if s.IsAgentRunning(in.TaskID) {
		return resultx.New(resultx.CodeAgentAlreadyRunning, "agent already running for task "+in.TaskID)
	}

	project, err := s.projects.GetProject(ctx, in.ProjectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}

	// 3. Concurrency gate (C11), evaluated against the current
	// runningAgents snapshot inside this task's lock.
	maxConcurrent := project.MaxConcurrentAgents
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if s.runningCountForProject(in.ProjectID) >= maxConcurrent {
		if s.metrics != nil {
			s.metrics.ConcurrencyRejects.Add(ctx, 1)
		}
		return resultx.New(resultx.CodeConcurrencyLimit, "project "+in.ProjectID+" at concurrency limit")
	}

	// 4. Resolve credential.
	cred, ok := s.credentials.Resolve(ctx, "anthropic")
	if !ok {
		return resultx.New(resultx.CodeAPIKeyNotConfigured, "no credential configured")
	}

	// 5. Ensure worktree.
	task, err := s.tasks.GetByID(ctx, in.TaskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	worktreeID := task.WorktreeID
	var wt *worktree.Worktree
	if worktreeID == "" {
		wt, err = s.worktrees.Create(ctx, worktree.CreateParams{
			ProjectID: in.ProjectID, TaskID: in.TaskID, ProjectDir: project.Path,
			RootDir: project.WorktreeRoot, BaseBranch: project.DefaultBranch,
		})
		if err != nil {
			return resultx.Wrap(resultx.CodeWorktreeCreateFailed, "create worktree", err)
		}
		if err := s.tasks.SetWorktree(ctx, in.TaskID, wt.ID); err != nil {
			return fmt.Errorf("record worktree: %w", err)
		}
	} else {
		wt, err = s.worktrees.Get(ctx, worktreeID)
		if err != nil {
			return resultx.Wrap(resultx.CodeWorktreeCreateFailed, "reuse worktree", err)
		}
	}

	// 6. Acquire sandbox.
	sb, found, err := s.sandboxes.Get(ctx, in.ProjectID)
	if err != nil {
		return fmt.Errorf("get sandbox: %w", err)
	}
	if !found {
		sb, err = s.sandboxes.Create(ctx, in.ProjectID, sandbox.Config{Workspace: project.Path})
		if err != nil {
			return resultx.Wrap(resultx.CodeSandboxUnavailable, "create sandbox", err)
		}
	}
	if sb.Status() != sandbox.StatusRunning {
		return resultx.New(resultx.CodeSandboxUnavailable, "sandbox not running: "+string(sb.Status()))
	}

	// 7. Stop-file path, unique per run.
	stopFilePath := filepath.Join(os.TempDir(), "claudorc-stop-"+uuid.NewString())

	maxTurns := in.MaxTurns
	if maxTurns <= 0 {
		maxTurns = project.MaxTurns
	}
	limiter := turnlimit.NewPublishing(ctx, maxTurns, 0, in.SessionID, s.streams,
		func() int64 { return time.Now().UnixMilli() })

	env := map[string]string{
		"CLAUDORC_CREDENTIAL": cred.AccessToken,
		"CLAUDORC_TASK_ID":    in.TaskID,
		"CLAUDORC_SESSION_ID": in.SessionID,
		"CLAUDORC_PROJECT_ID": in.ProjectID,
		"CLAUDORC_PROMPT":     in.Prompt,
		"CLAUDORC_PHASE":      in.Phase,
		"CLAUDORC_MAX_TURNS":  fmt.Sprint(maxTurns),
		"CLAUDORC_STOP_FILE":  stopFilePath,
	}
	sdkSessionID := ""
	if in.Resume != nil {
		sdkSessionID = in.Resume.SDKSessionID
		resumeJSON, _ := json.Marshal(in.Resume)
		env["CLAUDORC_RESUME"] = string(resumeJSON)
	}

	// 8. execStream the agent binary.
	proc, err := s.sandboxes_ExecStream(ctx, sb, sandbox.StreamOpts{
		Cmd: s.agentBinary, Env: env, Workdir: wt.Path,
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	entry := &runningEntry{
		projectID: in.ProjectID, phase: in.Phase, stopFilePath: stopFilePath,
		sandboxID: sb.ID(), proc: proc, cancel: cancel, sdkSessionID: sdkSessionID,
		startedAt: time.Now(),
	}

	// 9. Wire stdout into the bridge with terminal callbacks.
	br := bridge.New(bridge.Bindings{TaskID: in.TaskID, SessionID: in.SessionID, ProjectID: in.ProjectID},
		metricsPublisher{publish: s.streams.Publish, metrics: s.metrics},
		bridge.Callbacks{
			OnPlanReady: func(data map[string]any) {
				s.onPlanReady(shared.WithTraceID(context.Background(), traceID), in.TaskID, in.SessionID, data)
			},
			OnTurn: func(turnCount int) { limiter.IncrementTurn() },
			OnComplete: func(status string, turnCount int) {
				s.onComplete(shared.WithTraceID(context.Background(), traceID), in.TaskID, in.SessionID, in.Phase, status, turnCount, entry)
			},
			OnError: func(message string, turnCount int) {
				s.onError(shared.WithTraceID(context.Background(), traceID), in, message, turnCount, entry)
			},
		}, s.validator, s.logger)
	entry.bridge = br

	// 10. Register atomically with exec launch.
	s.mu.Lock()
	s.runningAgents[in.TaskID] = entry
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ActiveAgents.Add(ctx, 1)
	}

	go br.Run(runCtx, proc.Stdout())

	return nil
}

// sandboxes_ExecStream rejects the sandbox-unavailable case with the stable
// error code C10 must surface, rather than leaking the raw sandbox error.
func (s *Service) sandboxes_ExecStream(ctx context.Context, sb sandbox.Sandbox, opts sandbox.StreamOpts) (sandbox.Process, error) {
	proc, err := sb.ExecStream(ctx, opts)
	if err != nil {
		if resultx.Is(err, resultx.CodeSandboxUnavailable) {
			return nil, err
		}
		return nil, resultx.Wrap(resultx.CodeSandboxUnavailable, "execStream failed", err)
	}
	return proc, nil
}

// metricsPublisher adapts streams.Manager.Publish to bridge.Publisher,
// counting every published event when metrics are configured.
type metricsPublisher struct {
	publish func(ctx context.Context, streamID, eventType string, data map[string]any, timestampMs int64) (int64, error)
	metrics *obs.Metrics
}

func (p metricsPublisher) Publish(ctx context.Context, streamID, eventType string, data map[string]any, timestampMs int64) (int64, error) {
	seq, err := p.publish(ctx, streamID, eventType, data, timestampMs)
	if err == nil && p.metrics != nil {
		p.metrics.StreamEventsTotal.Add(ctx, 1)
	}
	return seq, err
}

func (s *Service) onPlanReady(ctx context.Context, taskID, sessionID string, data map[string]any) {
	plan, _ := data["plan"].(string)
	sdkSessionID, _ := data["sdkSessionId"].(string)
	planOptions, _ := json.Marshal(map[string]any{"sdkSessionId": sdkSessionID, "allowedPrompts": data["allowedPrompts"]})

	if err := s.tasks.ApplyPlanReady(ctx, taskID, plan, planOptions); err != nil {
		s.logger.Error("agentsvc: apply plan_ready failed", "taskId", taskID, "error", err)
		return
	}

	s.mu.Lock()
	s.pendingPlans[taskID] = &pendingPlan{plan: plan, planOptions: planOptions, sdkSessionID: sdkSessionID}
	s.mu.Unlock()
}

func (s *Service) onComplete(ctx context.Context, taskID, sessionID, phase, status string, turnCount int, entry *runningEntry) {
	mapped := tasks.AgentStatusCompleted
	switch status {
	case "cancelled":
		mapped = tasks.AgentStatusCancelled
	case "turn_limit":
		mapped = tasks.AgentStatusCompleted
	}

	if phase == "execute" {
		if err := s.tasks.MarkCompleted(ctx, taskID, mapped); err != nil {
			s.logger.Error("agentsvc: mark completed failed", "taskId", taskID, "error", err)
		}
	} else {
		if err := s.tasks.SetLastAgentStatus(ctx, taskID, mapped); err != nil {
			s.logger.Error("agentsvc: set last agent status failed", "taskId", taskID, "error", err)
		}
	}

	if _, err := s.sessions.Close(ctx, sessionID); err != nil {
		s.logger.Error("agentsvc: close session failed", "sessionId", sessionID, "error", err)
	}

	s.mu.Lock()
	delete(s.runningAgents, taskID)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ActiveAgents.Add(ctx, -1)
		s.metrics.TurnsTotal.Add(ctx, int64(turnCount))
		if entry != nil && !entry.startedAt.IsZero() {
			s.metrics.TaskDuration.Record(ctx, time.Since(entry.startedAt).Seconds(),
				metric.WithAttributes(attribute.String("phase", phase), attribute.String("status", status)))
		}
	}
}

func (s *Service) onError(ctx context.Context, in StartInput, message string, turnCount int, entry *runningEntry) {
	decision := recovery.HandleAgentError(message, turnCount, in.MaxTurns)

	if decision.ShouldRetry {
		retryIn := in
		retryIn.Resume = &ResumeOptions{SDKSessionID: entry.sdkSessionID}

		s.mu.Lock()
		delete(s.runningAgents, in.TaskID)
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.ActiveAgents.Add(ctx, -1)
			s.metrics.RetriesTotal.Add(ctx, 1)
		}

		cfg := recovery.DefaultRetryConfig()
		delay := recovery.BackoffDelay(cfg.InitialDelay, cfg.MaxDelay, in.TaskID, turnCount)
		go func() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if err := s.StartAgent(ctx, retryIn); err != nil {
				s.logger.Warn("agentsvc: retry after error failed", "taskId", in.TaskID, "error", err)
			}
		}()
		return
	}

	if err := s.tasks.SetLastAgentStatus(ctx, in.TaskID, tasks.AgentStatusError); err != nil {
		s.logger.Error("agentsvc: set error status failed", "taskId", in.TaskID, "error", err)
	}
	if _, err := s.sessions.Close(ctx, in.SessionID); err != nil {
		s.logger.Error("agentsvc: close session failed", "sessionId", in.SessionID, "error", err)
	}

	s.mu.Lock()
	delete(s.runningAgents, in.TaskID)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ActiveAgents.Add(ctx, -1)
		s.metrics.TurnsTotal.Add(ctx, int64(turnCount))
		if entry != nil && !entry.startedAt.IsZero() {
			s.metrics.TaskDuration.Record(ctx, time.Since(entry.startedAt).Seconds(),
				metric.WithAttributes(attribute.String("phase", in.Phase), attribute.String("status", "error")))
		}
	}
}

// StopAgent cooperatively stops a running exec, escalating to a hard kill
// after stopGrace elapses (§4.10).
func (s *Service) StopAgent(ctx context.Context, taskID string) (err error) {
	ctx, span := obs.StartSpan(ctx, s.tracer, "agentsvc.StopAgent", obs.AttrTaskID.String(taskID))
	defer func() {
		if err != nil {
			span.RecordError(err)
			audit.Record(ctx, auditDecisionFor(err), audit.ActionStop, taskID, err.Error())
		} else {
			audit.Record(ctx, audit.DecisionAllow, audit.ActionStop, taskID, "")
		}
		span.End()
	}()

	lock := s.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	entry, ok := s.runningAgents[taskID]
	s.mu.Unlock()
	if !ok {
		return nil // idempotent
	}

	sb, found, err := s.sandboxes.Get(ctx, entry.projectID)
	if err == nil && found {
		_ = sb.WriteFile(ctx, entry.stopFilePath, []byte("1"))
	}
	entry.stopRequested = true

	waitCtx, cancel := context.WithTimeout(ctx, s.stopGrace)
	defer cancel()
	_, waitErr := entry.proc.Wait(waitCtx)
	if waitErr != nil {
		_ = entry.proc.Kill(ctx)
		entry.bridge.Stop()
		s.publishSynthesizedCancel(ctx, taskID)
	}
	entry.cancel()

	task, err := s.tasks.GetByID(ctx, taskID)
	if err == nil {
		if _, err := s.sessions.Close(ctx, task.SessionID); err != nil {
			s.logger.Error("agentsvc: close session on stop failed", "taskId", taskID, "error", err)
		}
	}

	s.mu.Lock()
	delete(s.runningAgents, taskID)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ActiveAgents.Add(ctx, -1)
	}

	if _, err := s.tasks.MoveColumn(ctx, taskID, "cancel"); err != nil && !resultx.Is(err, resultx.CodeInvalidTransition) {
		return fmt.Errorf("move column on stop: %w", err)
	}
	return nil
}

func (s *Service) publishSynthesizedCancel(ctx context.Context, taskID string) {
	task, err := s.tasks.GetByID(ctx, taskID)
	if err != nil || task.SessionID == "" {
		return
	}
	_, _ = s.streams.Publish(ctx, task.SessionID, "container-agent:cancelled", map[string]any{
		"taskId": taskID, "synthesized": true,
	}, time.Now().UnixMilli())
}

// ApprovePlan validates a pending plan and launches the execute phase
// (§4.10).
func (s *Service) ApprovePlan(ctx context.Context, taskID string) (err error) {
	ctx, span := obs.StartSpan(ctx, s.tracer, "agentsvc.ApprovePlan", obs.AttrTaskID.String(taskID))
	defer func() {
		if err != nil {
			span.RecordError(err)
			audit.Record(ctx, auditDecisionFor(err), audit.ActionApprove, taskID, err.Error())
		} else {
			audit.Record(ctx, audit.DecisionAllow, audit.ActionApprove, taskID, "")
		}
		span.End()
	}()

	lock := s.taskLock(taskID)
	lock.Lock()

	s.mu.Lock()
	pending, ok := s.pendingPlans[taskID]
	s.mu.Unlock()

	task, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		lock.Unlock()
		return fmt.Errorf("load task: %w", err)
	}
	if !ok || task.Column != tasks.ColumnWaitingApproval {
		lock.Unlock()
		return resultx.New(resultx.CodePlanNotPending, "no pending plan for task "+taskID)
	}
	if task.Plan == nil || pending.sdkSessionID == "" {
		lock.Unlock()
		return resultx.New(resultx.CodePlanNotPending, "plan or sdkSessionId missing for task "+taskID)
	}

	if err := s.tasks.ApplyApprove(ctx, taskID); err != nil {
		lock.Unlock()
		return fmt.Errorf("apply approve: %w", err)
	}
	s.mu.Lock()
	delete(s.pendingPlans, taskID)
	s.mu.Unlock()
	lock.Unlock()

	return s.StartAgent(ctx, StartInput{
		ProjectID: task.ProjectID, TaskID: taskID, SessionID: task.SessionID,
		Prompt: *task.Plan, Phase: "execute",
		Resume: &ResumeOptions{SDKSessionID: pending.sdkSessionID},
	})
}

// RejectPlan clears the plan and returns the task to backlog without
// publishing an error event — a clean, bookkeeping-only transition
// (§4.10).
func (s *Service) RejectPlan(ctx context.Context, taskID string) (err error) {
	ctx, span := obs.StartSpan(ctx, s.tracer, "agentsvc.RejectPlan", obs.AttrTaskID.String(taskID))
	defer func() {
		if err != nil {
			span.RecordError(err)
			audit.Record(ctx, auditDecisionFor(err), audit.ActionReject, taskID, err.Error())
		} else {
			audit.Record(ctx, audit.DecisionAllow, audit.ActionReject, taskID, "")
		}
		span.End()
	}()

	lock := s.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	_, ok := s.pendingPlans[taskID]
	s.mu.Unlock()
	if !ok {
		return resultx.New(resultx.CodePlanNotPending, "no pending plan for task "+taskID)
	}

	if err := s.tasks.ApplyReject(ctx, taskID); err != nil {
		return fmt.Errorf("apply reject: %w", err)
	}

	s.mu.Lock()
	delete(s.pendingPlans, taskID)
	s.mu.Unlock()
	return nil
}

// ReconcileOrphans finds tasks left sitting in the in_progress column with
// no live runningAgents entry — the mark of a process crash mid-run rather
// than a clean StopAgent/onComplete — and returns them to backlog with
// lastAgentStatus=error so they surface for a human to re-trigger, instead
// of hanging forever. Meant to be called periodically by the housekeeping
// sweep (§7 supplemented feature).
func (s *Service) ReconcileOrphans(ctx context.Context) (int, error) {
	inProgress, err := s.tasks.ListInProgress(ctx)
	if err != nil {
		return 0, fmt.Errorf("list in-progress tasks: %w", err)
	}

	var reconciled int
	for _, t := range inProgress {
		if s.IsAgentRunning(t.ID) {
			continue
		}
		if err := s.tasks.SetLastAgentStatus(ctx, t.ID, tasks.AgentStatusError); err != nil {
			s.logger.Error("agentsvc: reconcile set last agent status failed", "taskId", t.ID, "error", err)
			continue
		}
		if _, err := s.tasks.MoveColumn(ctx, t.ID, "cancel"); err != nil {
			s.logger.Error("agentsvc: reconcile move column failed", "taskId", t.ID, "error", err)
			continue
		}
		if t.SessionID != "" {
			if _, err := s.sessions.Close(ctx, t.SessionID); err != nil {
				s.logger.Error("agentsvc: reconcile close session failed", "sessionId", t.SessionID, "error", err)
			}
		}
		s.logger.Warn("agentsvc: reconciled orphaned in-progress task", "taskId", t.ID)
		reconciled++
	}
	return reconciled, nil
}
