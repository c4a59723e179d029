// Package sandbox implements the sandbox provider (§4.3): per-project
// container acquisition/creation, blocking exec, and long-running
// execStream for the agent binary, plus the stop-file coordination
// primitives (writeFile/exists) the container-agent orchestrator needs.
package sandbox

import (
	"context"
	"io"

	"github.com/agentdevsl/claudorc/internal/resultx"
)

// Status is a sandbox instance's lifecycle state.
type Status string

const (
	StatusCreating Status = "creating"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusFailed   Status = "failed"
)

// Config configures sandbox creation for a project.
type Config struct {
	Image       string
	MemoryMB    int64
	NetworkMode string
	Workspace   string
}

// ExecOpts configures a blocking Exec call.
type ExecOpts struct {
	Env     map[string]string
	Workdir string
}

// ExecResult is the outcome of a blocking Exec.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// StreamOpts configures a long-running ExecStream call.
type StreamOpts struct {
	Cmd     string
	Args    []string
	Env     map[string]string
	Workdir string
}

// WaitResult is the outcome of a completed ExecStream process.
type WaitResult struct {
	ExitCode int
}

// LineReader exposes a running process's stdout or stderr as a byte stream;
// the bridge (C5) wraps it with its own line-splitting reader.
type LineReader = io.Reader

// Process is a handle to a long-running ExecStream invocation.
type Process interface {
	Stdout() LineReader
	Stderr() LineReader
	Wait(ctx context.Context) (WaitResult, error)
	Kill(ctx context.Context) error
}

// Sandbox is one project's execution environment: a container (Docker
// backend) or a WASI guest (Wasm backend).
type Sandbox interface {
	ID() string
	Status() Status
	Exec(ctx context.Context, cmd string, args []string, opts ExecOpts) (ExecResult, error)
	ExecStream(ctx context.Context, opts StreamOpts) (Process, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	Exists(ctx context.Context, path string) (bool, error)
}

// Provider acquires and creates sandboxes, one per project.
type Provider interface {
	Get(ctx context.Context, projectID string) (Sandbox, bool, error)
	Create(ctx context.Context, projectID string, cfg Config) (Sandbox, error)
	HealthCheck(ctx context.Context) error
}

// errUnavailable builds the SANDBOX_UNAVAILABLE error ExecStream must
// return when the sandbox's status is stopped or failed (§4.3).
func errUnavailable(sandboxID string, status Status) error {
	return resultx.New(resultx.CodeSandboxUnavailable, "sandbox "+sandboxID+" is "+string(status)).
		WithDetails(map[string]any{"sandboxId": sandboxID, "status": string(status)})
}
