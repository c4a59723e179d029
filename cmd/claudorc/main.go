// Command claudorc runs the container-agent execution daemon: the bridge,
// durable streams, task/plan state machine, and recovery/housekeeping
// sweep described in spec.md. It has no HTTP/SSE surface of its own — that
// transport is an explicit non-goal (spec.md §1) — so operators drive it
// through the project/task subcommands below while it keeps running
// in-process admission, execution, and recovery for whatever tasks those
// subcommands create.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/agentdevsl/claudorc/internal/agentsvc"
	"github.com/agentdevsl/claudorc/internal/audit"
	"github.com/agentdevsl/claudorc/internal/config"
	"github.com/agentdevsl/claudorc/internal/credentials"
	"github.com/agentdevsl/claudorc/internal/events"
	"github.com/agentdevsl/claudorc/internal/housekeep"
	"github.com/agentdevsl/claudorc/internal/obs"
	"github.com/agentdevsl/claudorc/internal/project"
	"github.com/agentdevsl/claudorc/internal/sandbox"
	"github.com/agentdevsl/claudorc/internal/session"
	"github.com/agentdevsl/claudorc/internal/store"
	"github.com/agentdevsl/claudorc/internal/streams"
	"github.com/agentdevsl/claudorc/internal/tasks"
	"github.com/agentdevsl/claudorc/internal/telemetry"
	"github.com/agentdevsl/claudorc/internal/worktree"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                               Run the agent execution daemon

SUBCOMMANDS:
  %s project add <name> <path>     Register a project and print its id
  %s project list                  List registered projects
  %s task create <projectId> <title>  Create a backlog task and print its id
  %s task start <taskId> <prompt>  Admit and run an agent for a task

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "project":
			os.Exit(runProjectCommand(ctx, args[1:]))
		case "task":
			os.Exit(runTaskCommand(ctx, args[1:]))
		}
	}

	runDaemon(ctx)
}

// deps bundles the services every subcommand and the daemon loop share, so
// each entry point constructs them the same way instead of re-deriving
// wiring order by hand.
type deps struct {
	cfg       config.DaemonConfig
	logger    *slog.Logger
	logLevel  *slog.LevelVar
	db        *store.DB
	projects  *project.Service
	tasksSvc  *tasks.Service
	sessions  *session.Service
	worktrees *worktree.Service
	streamsM  *streams.Manager
	sandboxes sandbox.Provider
	agents    *agentsvc.Service
	metrics   *obs.Metrics
	otelProv  *obs.Provider
	closers   []func()
}

func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func buildDeps(ctx context.Context) (*deps, error) {
	cfg, err := config.LoadDaemonConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		return nil, fmt.Errorf("init audit: %w", err)
	}
	d := &deps{cfg: cfg}
	d.closers = append(d.closers, func() { _ = audit.Close() })

	quiet := !isatty.IsTerminal(os.Stdout.Fd())
	logger, logLevel, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	d.closers = append(d.closers, func() { _ = logCloser.Close() })
	slog.SetDefault(logger)
	d.logger = logger
	d.logLevel = logLevel

	var metricsEnabled *bool
	if cfg.Telemetry.MetricsEnabled != nil {
		metricsEnabled = cfg.Telemetry.MetricsEnabled
	}
	otelProv, err := obs.Init(ctx, obs.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricsEnabled: metricsEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	d.otelProv = otelProv
	d.closers = append(d.closers, func() { _ = otelProv.Shutdown(context.Background()) })

	metrics, err := obs.NewMetrics(otelProv.Meter)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	d.metrics = metrics

	dbPath := filepath.Join(cfg.HomeDir, "claudorc.db")
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	d.db = db
	d.closers = append(d.closers, func() { _ = db.Close() })
	audit.SetDB(db.DB)

	d.projects = project.New(db.DB)
	d.tasksSvc = tasks.New(db.DB)
	d.streamsM = streams.NewManager(db.DB, logger)
	d.sessions = session.New(db.DB, d.streamsM)
	d.worktrees = worktree.New(db.DB)

	sandboxes, err := buildSandboxProvider(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("init sandbox provider: %w", err)
	}
	d.sandboxes = sandboxes

	credResolver := credentials.New(credentials.NewSQLStore(db.DB), logger)

	validator, err := events.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("compile event schemas: %w", err)
	}

	d.agents = agentsvc.New(agentsvc.Config{
		Tasks:       d.tasksSvc,
		Sessions:    d.sessions,
		Worktrees:   d.worktrees,
		Sandboxes:   d.sandboxes,
		Credentials: credResolver,
		Streams:     d.streamsM,
		Projects:    d.projects,
		AgentBinary: cfg.AgentBinary,
		StopGrace:   time.Duration(cfg.StopGrace) * time.Second,
		Logger:      logger,
		Tracer:      otelProv.Tracer,
		Metrics:     metrics,
		Validator:   validator,
	})

	return d, nil
}

func buildSandboxProvider(cfg config.DaemonConfig, logger *slog.Logger) (sandbox.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Sandbox.Kind)) {
	case "wasm":
		binary := cfg.Sandbox.WasmBinaryPath
		if binary == "" {
			binary = cfg.AgentBinary
		}
		pages := cfg.Sandbox.WasmMemoryPages
		if pages == 0 {
			pages = 4096
		}
		return sandbox.NewWasmProvider(binary, pages, logger), nil
	default:
		return sandbox.NewDockerProvider()
	}
}

func runDaemon(ctx context.Context) {
	d, err := buildDeps(ctx)
	if err != nil {
		fatalStartup(nil, err)
	}
	defer d.Close()

	sweeper := housekeep.New(housekeep.Config{
		Worktrees: d.worktrees,
		Sandboxes: d.sandboxes,
		Agents:    d.agents,
		Logger:    d.logger,
	})
	sweeper.Start(ctx)
	defer sweeper.Stop()

	watchProjectConfigs(ctx, d)
	watchDaemonConfig(ctx, d)

	d.logger.Info("claudorc daemon started", "version", Version, "home", d.cfg.HomeDir)

	<-ctx.Done()
	d.logger.Info("shutdown signal received")
}

// watchProjectConfigs starts one fsnotify watcher per registered project's
// claudorc.yaml (§5.3), applying a changed default_branch/allowed_tools/
// max_turns/max_concurrent_agents to the projects table as soon as it's
// written, so a running daemon doesn't need restarting to pick it up.
// Projects registered after the daemon starts aren't watched until the
// next restart — this CLI has no IPC to tell a live daemon process about a
// new project.
func watchProjectConfigs(ctx context.Context, d *deps) {
	projects, err := d.projects.List(ctx)
	if err != nil {
		d.logger.Error("watchProjectConfigs: list projects failed", "error", err)
		return
	}
	for _, p := range projects {
		w := config.NewProjectWatcher(p.Path, d.logger)
		if err := w.Start(ctx); err != nil {
			d.logger.Error("watchProjectConfigs: start watcher failed", "projectId", p.ID, "path", p.Path, "error", err)
			continue
		}
		go func(projectID, projectPath string, events <-chan config.ReloadEvent) {
			for range events {
				cfg, err := config.LoadProjectConfig(projectPath)
				if err != nil {
					d.logger.Error("watchProjectConfigs: reload failed", "projectId", projectID, "error", err)
					continue
				}
				err = d.projects.UpdateSettings(ctx, projectID, project.SettingsUpdate{
					DefaultBranch: cfg.DefaultBranch, AllowedTools: cfg.AllowedTools,
					MaxTurns: cfg.MaxTurns, MaxConcurrentAgents: cfg.MaxConcurrentAgents,
				})
				if err != nil {
					d.logger.Error("watchProjectConfigs: apply reload failed", "projectId", projectID, "error", err)
					continue
				}
				d.logger.Info("project config reloaded", "projectId", projectID, "fingerprint", cfg.Fingerprint())
			}
		}(p.ID, p.Path, w.Events())
	}
}

// watchDaemonConfig watches $CLAUDORC_HOME/config.yaml and applies a changed
// log_level to the running logger immediately, without a restart. Other
// config.yaml fields (agent binary, sandbox kind, telemetry exporter) are
// read only at startup, since changing them live would mean tearing down and
// rebuilding the sandbox provider or OTel pipeline mid-run.
func watchDaemonConfig(ctx context.Context, d *deps) {
	w := config.NewWatcher(d.cfg.HomeDir, d.logger)
	if err := w.Start(ctx); err != nil {
		d.logger.Error("watchDaemonConfig: start watcher failed", "error", err)
		return
	}
	go func() {
		for range w.Events() {
			cfg, err := config.LoadDaemonConfig()
			if err != nil {
				d.logger.Error("watchDaemonConfig: reload failed", "error", err)
				continue
			}
			newLevel := telemetry.ParseLevel(cfg.LogLevel)
			if newLevel != d.logLevel.Level() {
				d.logLevel.Set(newLevel)
				d.logger.Info("log level reloaded", "level", cfg.LogLevel)
			}
		}
	}()
}

func fatalStartup(logger *slog.Logger, err error) {
	if logger != nil {
		logger.Error("startup failure", "error", err)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: %v\n", err)
	}
	os.Exit(1)
}

func runProjectCommand(ctx context.Context, args []string) int {
	d, err := buildDeps(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer d.Close()

	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: claudorc project add <name> <path> | claudorc project list")
		return 2
	}

	switch strings.ToLower(args[0]) {
	case "add":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: claudorc project add <name> <path>")
			return 2
		}
		name, path := args[1], args[2]
		absPath, err := filepath.Abs(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "resolve path: %v\n", err)
			return 1
		}
		projCfg, err := config.LoadProjectConfig(absPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load project config: %v\n", err)
			return 1
		}
		p, err := d.projects.Create(ctx, project.CreateParams{
			Name: name, Path: absPath, WorktreeRoot: projCfg.WorktreeRoot,
			DefaultBranch: projCfg.DefaultBranch, AllowedTools: projCfg.AllowedTools,
			MaxTurns: projCfg.MaxTurns, MaxConcurrentAgents: projCfg.MaxConcurrentAgents,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "create project: %v\n", err)
			return 1
		}
		fmt.Println(p.ID)
		return 0
	case "list":
		projects, err := d.projects.List(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list projects: %v\n", err)
			return 1
		}
		for _, p := range projects {
			fmt.Printf("%s\t%s\t%s\n", p.ID, p.Name, p.Path)
		}
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown project subcommand %q\n", args[0])
		return 2
	}
}

func runTaskCommand(ctx context.Context, args []string) int {
	d, err := buildDeps(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer d.Close()

	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: claudorc task create <projectId> <title> | claudorc task start <taskId> <prompt>")
		return 2
	}

	switch strings.ToLower(args[0]) {
	case "create":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: claudorc task create <projectId> <title>")
			return 2
		}
		t, err := d.tasksSvc.Create(ctx, tasks.CreateParams{ProjectID: args[1], Title: strings.Join(args[2:], " ")})
		if err != nil {
			fmt.Fprintf(os.Stderr, "create task: %v\n", err)
			return 1
		}
		fmt.Println(t.ID)
		return 0
	case "start":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: claudorc task start <taskId> <prompt>")
			return 2
		}
		taskID, prompt := args[1], strings.Join(args[2:], " ")
		t, err := d.tasksSvc.GetByID(ctx, taskID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load task: %v\n", err)
			return 1
		}
		if _, err := d.tasksSvc.MoveColumn(ctx, taskID, "start"); err != nil {
			fmt.Fprintf(os.Stderr, "move task to in_progress: %v\n", err)
			return 1
		}
		sess, err := d.sessions.Create(ctx, session.CreateParams{ProjectID: t.ProjectID, TaskID: taskID, Title: t.Title})
		if err != nil {
			fmt.Fprintf(os.Stderr, "create session: %v\n", err)
			return 1
		}
		if err := d.tasksSvc.SetSession(ctx, taskID, sess.ID); err != nil {
			fmt.Fprintf(os.Stderr, "record session: %v\n", err)
			return 1
		}
		proj, err := d.projects.GetProject(ctx, t.ProjectID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load project: %v\n", err)
			return 1
		}
		if err := d.agents.StartAgent(ctx, agentsvc.StartInput{
			ProjectID: t.ProjectID, TaskID: taskID, SessionID: sess.ID,
			Prompt: prompt, Phase: "plan", MaxTurns: proj.MaxTurns,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "start agent: %v\n", err)
			return 1
		}
		fmt.Println(sess.ID)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown task subcommand %q\n", args[0])
		return 2
	}
}
