package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerProvider creates and tracks one long-lived container per project,
// generalizing the source's per-call ephemeral-container pattern to a
// reusable sandbox that an agent's execStream can run inside.
type DockerProvider struct {
	cli *client.Client

	mu       sync.Mutex
	sandbox  map[string]*dockerSandbox
}

// NewDockerProvider dials the Docker daemon via the standard environment
// (DOCKER_HOST, etc.), negotiating the API version.
func NewDockerProvider() (*DockerProvider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerProvider{cli: cli, sandbox: make(map[string]*dockerSandbox)}, nil
}

func (p *DockerProvider) Get(ctx context.Context, projectID string) (Sandbox, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sb, ok := p.sandbox[projectID]
	if !ok {
		return nil, false, nil
	}
	return sb, true, nil
}

func (p *DockerProvider) Create(ctx context.Context, projectID string, cfg Config) (Sandbox, error) {
	if cfg.Image == "" {
		cfg.Image = "golang:alpine"
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = 512
	}
	if cfg.NetworkMode == "" {
		cfg.NetworkMode = "none"
	}

	resp, err := p.cli.ContainerCreate(ctx, &container.Config{
		Image:      cfg.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: "/workspace",
		Tty:        false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: cfg.MemoryMB * 1024 * 1024,
		},
		NetworkMode: container.NetworkMode(cfg.NetworkMode),
		Binds:       []string{cfg.Workspace + ":/workspace"},
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	sb := &dockerSandbox{
		id:     resp.ID,
		cli:    p.cli,
		status: StatusRunning,
	}
	p.mu.Lock()
	p.sandbox[projectID] = sb
	p.mu.Unlock()
	return sb, nil
}

func (p *DockerProvider) HealthCheck(ctx context.Context) error {
	_, err := p.cli.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

type dockerSandbox struct {
	id  string
	cli *client.Client

	mu     sync.Mutex
	status Status
}

func (s *dockerSandbox) ID() string { return s.id }

func (s *dockerSandbox) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *dockerSandbox) markFailed() {
	s.mu.Lock()
	s.status = StatusFailed
	s.mu.Unlock()
}

// Exec runs cmd to completion inside the sandbox's container via
// ContainerExecCreate/Attach, buffering stdout/stderr — the blocking, small-
// output half of the Sandbox capability set.
func (s *dockerSandbox) Exec(ctx context.Context, cmd string, args []string, opts ExecOpts) (ExecResult, error) {
	full := append([]string{cmd}, args...)
	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	workdir := opts.Workdir
	if workdir == "" {
		workdir = "/workspace"
	}

	execID, err := s.cli.ContainerExecCreate(ctx, s.id, container.ExecOptions{
		Cmd:          full,
		Env:          env,
		WorkingDir:   workdir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec create: %w", err)
	}

	attach, err := s.cli.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, attach.Reader); err != nil && err != io.EOF {
		return ExecResult{}, fmt.Errorf("demux exec output: %w", err)
	}

	inspect, err := s.cli.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec inspect: %w", err)
	}

	return ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
	}, nil
}

// ExecStream runs the agent binary as a long-lived exec attached to
// container stdout/stderr, demuxed into pipes that the bridge reads from
// line by line while the process is still running.
func (s *dockerSandbox) ExecStream(ctx context.Context, opts StreamOpts) (Process, error) {
	if st := s.Status(); st == StatusStopped || st == StatusFailed {
		return nil, errUnavailable(s.id, st)
	}

	full := append([]string{opts.Cmd}, opts.Args...)
	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	workdir := opts.Workdir
	if workdir == "" {
		workdir = "/workspace"
	}

	execID, err := s.cli.ContainerExecCreate(ctx, s.id, container.ExecOptions{
		Cmd:          full,
		Env:          env,
		WorkingDir:   workdir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	attach, err := s.cli.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	proc := &dockerProcess{
		cli:      s.cli,
		execID:   execID.ID,
		attach:   attach,
		stdoutR:  stdoutR,
		stderrR:  stderrR,
		done:     make(chan struct{}),
	}

	go func() {
		_, copyErr := stdcopy.StdCopy(stdoutW, stderrW, attach.Reader)
		stdoutW.CloseWithError(copyErr)
		stderrW.CloseWithError(copyErr)
	}()

	return proc, nil
}

func (s *dockerSandbox) WriteFile(ctx context.Context, path string, data []byte) error {
	res, err := s.Exec(ctx, "sh", []string{"-c", fmt.Sprintf("cat > %q", path)}, ExecOpts{})
	_ = res
	return err
}

func (s *dockerSandbox) Exists(ctx context.Context, path string) (bool, error) {
	res, err := s.Exec(ctx, "test", []string{"-e", path}, ExecOpts{})
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

type dockerProcess struct {
	cli    *client.Client
	execID string
	attach interface {
		Close()
	}
	stdoutR, stderrR *io.PipeReader
	done             chan struct{}

	mu       sync.Mutex
	exitCode int
	waitErr  error
}

func (p *dockerProcess) Stdout() LineReader { return p.stdoutR }
func (p *dockerProcess) Stderr() LineReader { return p.stderrR }

func (p *dockerProcess) Wait(ctx context.Context) (WaitResult, error) {
	ticker := ctxPollTicker(ctx)
	defer ticker.stop()
	for {
		inspect, err := p.cli.ContainerExecInspect(ctx, p.execID)
		if err != nil {
			return WaitResult{}, fmt.Errorf("exec inspect: %w", err)
		}
		if !inspect.Running {
			return WaitResult{ExitCode: inspect.ExitCode}, nil
		}
		select {
		case <-ctx.Done():
			return WaitResult{}, ctx.Err()
		case <-ticker.c:
		}
	}
}

func (p *dockerProcess) Kill(ctx context.Context) error {
	// docker has no direct "kill exec" API; killing the owning container's
	// exec'd PID would need the PID, which ContainerExecInspect exposes.
	inspect, err := p.cli.ContainerExecInspect(ctx, p.execID)
	if err != nil {
		return fmt.Errorf("exec inspect: %w", err)
	}
	if inspect.Pid == 0 {
		return nil
	}
	killID, err := p.cli.ContainerExecCreate(ctx, inspect.ContainerID, container.ExecOptions{
		Cmd: []string{"kill", "-9", fmt.Sprint(inspect.Pid)},
	})
	if err != nil {
		return fmt.Errorf("kill exec create: %w", err)
	}
	attach, err := p.cli.ContainerExecAttach(ctx, killID.ID, container.ExecAttachOptions{})
	if err != nil {
		return fmt.Errorf("kill exec attach: %w", err)
	}
	defer attach.Close()
	_, err = io.Copy(io.Discard, attach.Reader)
	return err
}

// pollTicker is a minimal ticker wrapper so Wait's poll loop has one place
// to release its timer regardless of which branch returns.
type pollTicker struct {
	c    <-chan time.Time
	stop func()
}

func ctxPollTicker(ctx context.Context) pollTicker {
	t := time.NewTicker(150 * time.Millisecond)
	return pollTicker{c: t.C, stop: t.Stop}
}
