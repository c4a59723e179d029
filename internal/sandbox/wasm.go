package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// DefaultMemoryLimitPages caps a guest's linear memory: 1 page = 64KB, so
// 1600 pages is 100MB, generous headroom for the agent binary's own runtime.
const DefaultMemoryLimitPages = 1600

// DefaultStartupTimeout bounds how long WasmProvider.Create waits for a
// runtime to come up before declaring the backend unavailable.
const DefaultStartupTimeout = 5 * time.Second

// WasmProvider runs the agent binary as a WASI guest under wazero instead
// of a Docker container, for environments with no daemon reachable. It
// reuses the source WASM host's runtime-construction and memory-limit
// conventions, repurposed from one-shot skill-module invocation to a
// process-shaped exec/execStream contract.
type WasmProvider struct {
	binaryPath       string
	memoryLimitPages uint32
	logger           *slog.Logger

	mu      sync.Mutex
	sandbox map[string]*wasmSandbox
}

// NewWasmProvider builds a provider that instantiates binaryPath (a
// WASI-compiled build of the agent binary) as each project's sandbox.
func NewWasmProvider(binaryPath string, memoryLimitPages uint32, logger *slog.Logger) *WasmProvider {
	if memoryLimitPages == 0 {
		memoryLimitPages = DefaultMemoryLimitPages
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WasmProvider{
		binaryPath:       binaryPath,
		memoryLimitPages: memoryLimitPages,
		logger:           logger,
		sandbox:          make(map[string]*wasmSandbox),
	}
}

func (p *WasmProvider) Get(ctx context.Context, projectID string) (Sandbox, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sb, ok := p.sandbox[projectID]
	if !ok {
		return nil, false, nil
	}
	return sb, true, nil
}

func (p *WasmProvider) Create(ctx context.Context, projectID string, cfg Config) (Sandbox, error) {
	bin, err := os.ReadFile(p.binaryPath)
	if err != nil {
		return nil, fmt.Errorf("read wasm binary: %w", err)
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(p.memoryLimitPages).
		WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}

	compiled, err := rt.CompileModule(ctx, bin)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("compile wasm module: %w", err)
	}

	workspace := cfg.Workspace
	if workspace == "" {
		workspace = "."
	}

	sb := &wasmSandbox{
		id:        projectID,
		runtime:   rt,
		compiled:  compiled,
		workspace: workspace,
		logger:    p.logger,
		status:    StatusRunning,
	}
	p.mu.Lock()
	p.sandbox[projectID] = sb
	p.mu.Unlock()
	return sb, nil
}

// HealthCheck instantiates a throwaway runtime to confirm wazero itself is
// functional in this environment; there is no daemon to ping.
func (p *WasmProvider) HealthCheck(ctx context.Context) error {
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)
	return nil
}

type wasmSandbox struct {
	id        string
	runtime   wazero.Runtime
	compiled  wazero.CompiledModule
	workspace string
	logger    *slog.Logger

	mu     sync.Mutex
	status Status
}

func (s *wasmSandbox) ID() string { return s.id }

func (s *wasmSandbox) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Exec instantiates the module once with args/env wired as a one-shot WASI
// invocation and captures its full stdout/stderr, for the blocking,
// small-output half of the Sandbox contract (e.g. `git diff`-shaped calls
// run against the workdir through a thin shell wrapper compiled into the
// guest).
func (s *wasmSandbox) Exec(ctx context.Context, cmd string, args []string, opts ExecOpts) (ExecResult, error) {
	var stdout, stderr bytes.Buffer
	exitCode, err := s.run(ctx, append([]string{cmd}, args...), opts.Env, opts.Workdir, &stdout, &stderr, nil)
	if err != nil {
		return ExecResult{}, err
	}
	return ExecResult{ExitCode: exitCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// ExecStream instantiates the module with its stdout/stderr wired to pipes
// so the bridge can consume output line by line while the guest is still
// running, and exposes Wait/Kill via a cancelable context — wazero's
// WithCloseOnContextDone makes Kill a context cancellation rather than a
// signal delivery.
func (s *wasmSandbox) ExecStream(ctx context.Context, opts StreamOpts) (Process, error) {
	if st := s.Status(); st == StatusStopped || st == StatusFailed {
		return nil, errUnavailable(s.id, st)
	}

	runCtx, cancel := context.WithCancel(ctx)
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	proc := &wasmProcess{
		cancel:  cancel,
		stdoutR: stdoutR,
		stderrR: stderrR,
		done:    make(chan struct{}),
	}

	go func() {
		defer stdoutW.Close()
		defer stderrW.Close()
		args := append([]string{opts.Cmd}, opts.Args...)
		exitCode, err := s.run(runCtx, args, opts.Env, opts.Workdir, stdoutW, stderrW, nil)
		proc.mu.Lock()
		proc.exitCode = exitCode
		proc.runErr = err
		proc.mu.Unlock()
		close(proc.done)
	}()

	return proc, nil
}

func (s *wasmSandbox) run(ctx context.Context, args []string, env map[string]string, workdir string, stdout, stderr io.Writer, stdin io.Reader) (int, error) {
	moduleCfg := wazero.NewModuleConfig().
		WithArgs(args...).
		WithStdout(stdout).
		WithStderr(stderr).
		WithFS(os.DirFS(s.workspace)).
		WithSysWalltime().
		WithSysNanotime()
	if stdin != nil {
		moduleCfg = moduleCfg.WithStdin(stdin)
	}
	for k, v := range env {
		moduleCfg = moduleCfg.WithEnv(k, v)
	}

	mod, err := s.runtime.InstantiateModule(ctx, s.compiled, moduleCfg)
	if mod != nil {
		defer mod.Close(ctx)
	}
	if err == nil {
		return 0, nil
	}

	var exitErr *sys.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return int(exitErr.ExitCode()), nil
	}
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	return -1, fmt.Errorf("wasm guest fault: %w", err)
}

func asExitError(err error, target **sys.ExitError) bool {
	for err != nil {
		if ee, ok := err.(*sys.ExitError); ok {
			*target = ee
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (s *wasmSandbox) WriteFile(ctx context.Context, path string, data []byte) error {
	full := s.workspace + string(os.PathSeparator) + path
	return os.WriteFile(full, data, 0o644)
}

func (s *wasmSandbox) Exists(ctx context.Context, path string) (bool, error) {
	full := s.workspace + string(os.PathSeparator) + path
	_, err := os.Stat(full)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

type wasmProcess struct {
	cancel  context.CancelFunc
	stdoutR *io.PipeReader
	stderrR *io.PipeReader
	done    chan struct{}

	mu       sync.Mutex
	exitCode int
	runErr   error
}

func (p *wasmProcess) Stdout() LineReader { return p.stdoutR }
func (p *wasmProcess) Stderr() LineReader { return p.stderrR }

func (p *wasmProcess) Wait(ctx context.Context) (WaitResult, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return WaitResult{ExitCode: p.exitCode}, p.runErr
	case <-ctx.Done():
		return WaitResult{}, ctx.Err()
	}
}

func (p *wasmProcess) Kill(ctx context.Context) error {
	p.cancel()
	return nil
}
