package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/undoablehq/undoable/internal/actions"
	"github.com/undoablehq/undoable/internal/agent"
	"github.com/undoablehq/undoable/internal/approval"
	"github.com/undoablehq/undoable/internal/browser"
	"github.com/undoablehq/undoable/internal/bus"
	"github.com/undoablehq/undoable/internal/channels"
	"github.com/undoablehq/undoable/internal/channels/discord"
	"github.com/undoablehq/undoable/internal/channels/slack"
	"github.com/undoablehq/undoable/internal/channels/telegram"
	"github.com/undoablehq/undoable/internal/channels/whatsapp"
	"github.com/undoablehq/undoable/internal/config"
	"github.com/undoablehq/undoable/internal/execsess"
	"github.com/undoablehq/undoable/internal/gateway"
	"github.com/undoablehq/undoable/internal/memory"
	"github.com/undoablehq/undoable/internal/providers"
	"github.com/undoablehq/undoable/internal/runs"
	"github.com/undoablehq/undoable/internal/scheduler"
	"github.com/undoablehq/undoable/internal/sessions"
	"github.com/undoablehq/undoable/internal/store"
	"github.com/undoablehq/undoable/internal/store/file"
	"github.com/undoablehq/undoable/internal/store/pg"
	"github.com/undoablehq/undoable/internal/sysprompt"
	"github.com/undoablehq/undoable/internal/tools"
	"github.com/undoablehq/undoable/internal/tracing"
	"github.com/undoablehq/undoable/internal/usage"
	"github.com/undoablehq/undoable/pkg/protocol"
)

// shutdownGrace bounds how long in-flight runs may keep working after a
// stop signal before they are force-cancelled.
const shutdownGrace = 15 * time.Second

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the daemon (same as running undoable with no subcommand)",
		Run: func(cmd *cobra.Command, args []string) {
			runDaemon()
		},
	}
}

func runDaemon() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	settingsPath := resolveConfigPath()
	settings, err := config.Load(settingsPath)
	if err != nil {
		slog.Error("failed to load settings", "path", settingsPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := bus.New()
	defer b.Close()

	runStore, err := openRunStore(settings)
	if err != nil {
		slog.Error("run store unavailable", "error", err)
		os.Exit(1)
	}
	defer runStore.Close()

	runsMgr, err := runs.NewManager(runStore, b)
	if err != nil {
		slog.Error("failed to load runs", "error", err)
		os.Exit(1)
	}

	workspace := settings.WorkspacePath()
	if err := os.MkdirAll(workspace, 0755); err != nil {
		slog.Error("cannot create workspace", "dir", workspace, "error", err)
		os.Exit(1)
	}

	// Exec sessions recover before the orphan pass so surviving pids are
	// re-adopted first; their runs still do not resume.
	execReg, err := execsess.NewRegistry(settings.ExecStateFile())
	if err != nil {
		slog.Error("exec session registry unavailable", "error", err)
		os.Exit(1)
	}
	go execReg.Run(ctx)

	runsMgr.MarkOrphans(nil)

	actionLog := actions.NewLog()
	undoSvc := actions.NewUndoService(actionLog)
	gate := approval.NewGate(b)

	sessStore, err := sessions.Open(settings.SessionsDir())
	if err != nil {
		slog.Error("session store unavailable", "error", err)
		os.Exit(1)
	}

	usageTracker, err := usage.Open(settings.UsageFile())
	if err != nil {
		slog.Warn("usage tracking disabled", "error", err)
	}

	traces := tracing.NewCollector(512)
	if settings.Telemetry.Enabled {
		exporter, err := tracing.NewOTLPExporter(ctx, settings.Telemetry.Endpoint, settings.Telemetry.Protocol)
		if err != nil {
			slog.Warn("otlp trace export unavailable", "error", err)
		} else {
			traces.SetExporter(exporter)
			defer exporter.Shutdown(context.Background())
			slog.Info("otlp trace export enabled", "endpoint", settings.Telemetry.Endpoint)
		}
	}

	memStore, err := memory.Open(settings.MemoryDBFile())
	if err != nil {
		slog.Warn("memory store unavailable, memory tools disabled", "error", err)
		memStore = nil
	}

	skills := sysprompt.LoadSkills(settings.SkillsDir())
	if err := skills.Watch(ctx); err != nil {
		slog.Warn("skills watcher unavailable", "error", err)
	}
	prompt := sysprompt.New(skills)

	provider, err := buildProvider(settings)
	if err != nil {
		slog.Error("no usable LLM provider", "error", err)
		os.Exit(1)
	}
	model := settings.Agent.Model
	if model == "" {
		model = provider.DefaultModel()
	}
	slog.Info("provider ready", "provider", provider.Name(), "model", model)

	registry := tools.NewRegistry()
	pipeline := tools.NewPipeline(registry, gate, actionLog, undoSvc,
		settings.ApprovalMode, time.Duration(settings.Tools.ApprovalTimeoutSec)*time.Second)

	exec := agent.New(agent.Config{
		Runs:          runsMgr,
		Pipeline:      pipeline,
		Registry:      registry,
		Provider:      provider,
		Prompt:        prompt,
		Sessions:      sessStore,
		Log:           actionLog,
		Undo:          undoSvc,
		Usage:         usageTracker,
		Traces:        traces,
		ApprovalMode:  settings.ApprovalMode,
		Model:         model,
		MaxIterations: settings.Agent.MaxIterations,
		SessionWindow: settings.Agent.SessionWindow,
		Workspace:     workspace,
	})

	schedStore, err := scheduler.OpenStore(settings.SchedulerJobsFile())
	if err != nil {
		slog.Error("scheduler store unavailable", "error", err)
		os.Exit(1)
	}
	sched := scheduler.New(schedStore, fireJob(runsMgr, exec))
	sched.SetBackoff(settings.Scheduler.BackoffBaseMs, settings.Scheduler.BackoffMaxMs)
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(ctx)
	}()

	chanMgr := channels.NewManager(settings, runsMgr, b, exec)
	chanMgr.SetFactory(channelFactory(settings))
	chanMgr.StartAll(ctx)

	rodSvc := registerTools(registry, undoSvc, settings, workspace, execReg, sched, chanMgr, exec, memStore)
	slog.Info("tools registered", "tools", registry.Names())

	srv := gateway.NewServer(settings, runsMgr, exec, b)
	srv.SetScheduler(sched)
	srv.SetChannels(chanMgr)
	srv.SetApprovals(gate)
	srv.SetActions(actionLog, undoSvc)
	srv.SetExecRegistry(execReg)
	srv.SetUsage(usageTracker)
	srv.SetVersion(Version)
	srv.SetSettingsPath(settingsPath)

	// Tailnet listener shares the mux with the main listener. Compiled via
	// build tags: `go build -tags tsnet` to enable.
	if settings.Tailscale.Hostname != "" || settings.Tailscale.AuthKey != "" {
		if err := srv.StartTailscale(ctx, settings.Tailscale); err != nil {
			slog.Warn("tailnet listener unavailable", "error", err)
		}
	}

	mode := "standalone"
	if settings.IsManagedMode() {
		mode = "managed"
	}
	slog.Info("undoable daemon starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"mode", mode,
		"data_dir", settings.DataPath(),
		"workspace", workspace,
	)

	srvErr := srv.Start(ctx)

	// Listener is down. Stop the rest in order: channels first (no new
	// inbound runs), then the scheduler drains, then in-flight runs get the
	// grace window.
	slog.Info("graceful shutdown initiated")
	stopCtx, cancelStop := context.WithTimeout(context.Background(), 10*time.Second)
	chanMgr.StopAll(stopCtx)
	cancelStop()
	<-schedDone
	exec.Shutdown(shutdownGrace)
	execReg.Flush()
	if rodSvc != nil {
		rodSvc.Close(context.Background())
	}
	if memStore != nil {
		memStore.Close()
	}

	if srvErr != nil {
		slog.Error("gateway error", "error", srvErr)
		os.Exit(1)
	}
	slog.Info("daemon stopped")
}

// openRunStore selects the backend by run mode: JSONL files under the data
// dir, or Postgres when UNDOABLE_RUN_MODE=managed and a DSN is set.
func openRunStore(settings *config.Settings) (store.RunStore, error) {
	if settings.IsManagedMode() {
		db, err := pg.OpenDB(settings.Database.PostgresDSN)
		if err != nil {
			return nil, err
		}
		status, err := pg.CheckSchema(db)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("check schema: %w", err)
		}
		if !status.Compatible {
			db.Close()
			return nil, pg.SchemaError(status)
		}
		slog.Info("run store: postgres", "schema_version", status.CurrentVersion)
		return pg.NewRunStore(db), nil
	}

	dir := settings.RunsDir()
	rs, err := file.NewRunStore(dir)
	if err != nil {
		return nil, err
	}
	slog.Info("run store: jsonl files", "dir", dir)
	return rs, nil
}

// buildProvider constructs the configured LLM provider. Anthropic reads its
// own credential block; every other name goes through the OpenAI-compatible
// path.
func buildProvider(settings *config.Settings) (providers.Provider, error) {
	name := settings.Agent.Provider
	cred := settings.Providers.OpenAI
	if name == "" || name == "anthropic" {
		cred = settings.Providers.Anthropic
	}
	if cred.APIKey == "" {
		return nil, fmt.Errorf("provider %q has no API key (set UNDOABLE_ANTHROPIC_API_KEY or UNDOABLE_OPENAI_API_KEY)", name)
	}
	model := settings.Agent.Model
	if model == "" {
		model = cred.Model
	}
	return providers.New(name, cred.APIKey, cred.APIBase, model)
}

// registerTools builds the tool registry: filesystem, exec, web, browser,
// memory, messaging, scheduling, subagents. Returns the rod service when the
// browser tool is enabled so shutdown can close it.
func registerTools(
	registry *tools.Registry,
	undoSvc *actions.UndoService,
	settings *config.Settings,
	workspace string,
	execReg *execsess.Registry,
	sched *scheduler.Scheduler,
	chanMgr *channels.Manager,
	exec *agent.Executor,
	memStore *memory.Store,
) *browser.Rod {
	restrict := settings.Tools.RestrictToWorkspace

	registry.Register(tools.NewReadFileTool(workspace, restrict))
	registry.Register(tools.NewWriteFileTool(workspace, restrict))
	registry.Register(tools.NewEditFileTool(workspace, restrict))
	registry.Register(tools.NewListFilesTool(workspace, restrict))
	undoSvc.RegisterUndoer("write_file", actions.FileUndoer{})
	undoSvc.RegisterUndoer("edit_file", actions.FileUndoer{})

	execTimeout := time.Duration(settings.Tools.ExecTimeoutSec) * time.Second
	registry.Register(tools.NewExecTool(execReg, workspace, restrict, execTimeout))

	registry.Register(tools.NewWebFetchTool(tools.WebFetchConfig{}))
	if search := tools.NewWebSearchTool(tools.WebSearchConfig{
		BraveAPIKey: os.Getenv("UNDOABLE_BRAVE_API_KEY"),
		DDGEnabled:  true,
	}); search != nil {
		registry.Register(search)
	}

	registry.Register(tools.NewScheduleTool(sched))
	registry.Register(tools.NewSubagentTool(exec))

	msg := tools.NewMessageTool()
	msg.SetSender(chanMgr)
	registry.Register(msg)

	if memStore != nil {
		registry.Register(tools.NewMemoryGetTool(memStore))
		registry.Register(tools.NewMemoryListTool(memStore))
		registry.Register(tools.NewMemorySetTool(memStore))
		registry.Register(tools.NewMemoryDeleteTool(memStore))
		memUndoer := tools.NewMemoryUndoer(memStore)
		undoSvc.RegisterUndoer("memory_set", memUndoer)
		undoSvc.RegisterUndoer("memory_delete", memUndoer)
	}

	var rodSvc *browser.Rod
	if settings.Tools.Browser.Enabled {
		rodSvc = browser.NewRod(settings.Tools.Browser.Headless)
		shotsDir := filepath.Join(settings.DataPath(), "shots")
		registry.Register(tools.NewBrowserTool(rodSvc, shotsDir))
	}

	return rodSvc
}

// fireJob is the scheduler's fire function. A run payload creates a run
// indistinguishable from a user-initiated one except for userId and jobId;
// an event payload just records its text in the fire history.
func fireJob(runsMgr *runs.Manager, exec *agent.Executor) scheduler.FireFunc {
	return func(ctx context.Context, job *scheduler.Job) scheduler.Outcome {
		switch job.Payload.Kind {
		case scheduler.PayloadRun:
			run, err := runsMgr.Create(runs.CreateParams{
				UserID:      protocol.UserScheduler,
				AgentID:     job.Payload.AgentID,
				Instruction: job.Payload.Instruction,
				JobID:       job.ID,
			})
			if err != nil {
				return scheduler.Outcome{Status: scheduler.StatusError, Err: err}
			}
			exec.StartRun(ctx, run.ID)
			return scheduler.Outcome{Status: scheduler.StatusOK, RunID: run.ID}
		case scheduler.PayloadEvent:
			slog.Info("scheduled event", "job", job.Name, "text", job.Payload.Text)
			return scheduler.Outcome{Status: scheduler.StatusOK}
		default:
			return scheduler.Outcome{Status: scheduler.StatusError,
				Err: fmt.Errorf("unknown payload kind %q", job.Payload.Kind)}
		}
	}
}

// channelFactory builds adapters on demand from the current channel config.
func channelFactory(settings *config.Settings) channels.Factory {
	return func(id string, cfg config.ChannelConfig) (channels.Channel, error) {
		var (
			ch  channels.Channel
			err error
		)
		switch id {
		case protocol.ChannelTelegram:
			ch, err = telegram.New(cfg)
		case protocol.ChannelDiscord:
			ch, err = discord.New(cfg)
		case protocol.ChannelSlack:
			ch, err = slack.New(cfg)
		case protocol.ChannelWhatsApp:
			ch, err = whatsapp.New(cfg, settings.ChannelStateDir(id))
		default:
			return nil, fmt.Errorf("unknown channel %q", id)
		}
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
}
