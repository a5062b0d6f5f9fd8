package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/toolgate/toolgate/internal/admission"
	"github.com/toolgate/toolgate/internal/audit"
	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/cron"
	"github.com/toolgate/toolgate/internal/event"
	"github.com/toolgate/toolgate/internal/gateway"
	"github.com/toolgate/toolgate/internal/mcp"
	"github.com/toolgate/toolgate/internal/metrics"
	"github.com/toolgate/toolgate/internal/prompt"
	"github.com/toolgate/toolgate/internal/provider"
	"github.com/toolgate/toolgate/internal/react"
	"github.com/toolgate/toolgate/internal/rule"
	"github.com/toolgate/toolgate/internal/shell"
	"github.com/toolgate/toolgate/internal/store"
	"github.com/toolgate/toolgate/internal/store/sqlite"
	"github.com/toolgate/toolgate/internal/tool"
	"github.com/toolgate/toolgate/internal/tracing"
	"github.com/toolgate/toolgate/internal/workflow"
)

// eventBuffer sizes each subscriber's channel on the shared bus.
const eventBuffer = 256

// shutdownGrace bounds how long Stop waits for each component.
const shutdownGrace = 10 * time.Second

// App holds every wired component of a running toolgate instance.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store      store.Store
	bus        *event.Bus
	auditSink  io.Closer // nil when auditing to stderr
	metrics    *metrics.Metrics
	rules      *rule.Set
	registry   *tool.Registry
	mux        *tool.Mux
	workflows  *workflow.Engine
	manager    *admission.Manager
	reasoner   *react.Engine
	scheduler  *cron.Scheduler
	gateway    *gateway.Server
	sources    []*mcp.Source
	stopTraces tracing.ShutdownFunc

	cancel context.CancelFunc
}

// build constructs the full component graph from a validated config.
// Nothing is started; Start owns all goroutines and listeners.
func build(cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	switch cfg.Store.Backend {
	case "sqlite":
		st, err := sqlite.Open(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		a.store = st
	default:
		a.store = store.NewMemory()
	}

	a.bus = event.NewBus(eventBuffer, logger)

	auditWriter := io.Writer(os.Stderr)
	if cfg.Audit.Path != "" {
		f, err := os.OpenFile(cfg.Audit.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("opening audit log: %w", err)
		}
		a.auditSink = f
		auditWriter = f
	}
	auditLog := audit.NewLogger(audit.LoggerConfig{Writer: auditWriter})

	a.metrics = metrics.New()

	a.rules = rule.NewSet()
	for _, r := range cfg.Rules {
		if err := a.rules.Add(r); err != nil {
			return nil, fmt.Errorf("loading rule %q: %w", r.ID, err)
		}
	}

	a.registry = tool.NewRegistry()
	a.mux = tool.NewMux()
	for _, tc := range cfg.Tools {
		desc := tool.Descriptor{
			Name:        tc.Name,
			Description: tc.Description,
			Category:    tc.Category,
			Permission:  tc.Permission,
			Sandboxed:   tc.Sandboxed,
			Timeout:     tc.Timeout,
		}
		if err := a.registry.Register(desc); err != nil {
			return nil, fmt.Errorf("registering tool %q: %w", tc.Name, err)
		}
		if tc.Command != "" {
			a.mux.Bind(tc.Name, shell.Runner(tc.Command, tc.Args, logger))
		}
	}

	a.workflows = workflow.NewEngine(workflow.Config{
		Rules:       a.rules,
		Bus:         a.bus,
		Audit:       auditLog,
		Store:       a.store,
		Logger:      logger,
		StepTimeout: cfg.Engine.StepTimeout,
		Approvers:   cfg.Engine.DefaultApprovers,
		Roles:       func(id string) []string { return cfg.Roles[id] },
	})

	a.manager = admission.NewManager(admission.Config{
		Registry:      a.registry,
		Executor:      a.mux,
		Workflows:     a.workflows,
		Bus:           a.bus,
		Audit:         auditLog,
		Store:         a.store,
		Logger:        logger,
		MaxConcurrent: cfg.Engine.MaxConcurrent,
	})
	a.metrics.RegisterQueueDepth(a.manager.QueueDepth)
	a.metrics.RegisterExecuting(a.manager.ExecutingCount)
	a.metrics.RegisterDroppedEvents(a.bus.Dropped)

	var complete react.CompletionFunc
	if cfg.Provider.Configured() {
		pc := cfg.Provider
		pc.SystemPrompt = systemPrompt(a.registry)
		client, err := provider.NewClient(pc)
		if err != nil {
			return nil, fmt.Errorf("building completion client: %w", err)
		}
		complete = client.Complete
	}

	a.reasoner = react.NewEngine(react.Config{
		Complete: complete,
		Runner:   a.manager,
		MaxSteps: cfg.React.MaxSteps,
		Role:     cfg.React.Role,
		Bus:      a.bus,
		Audit:    auditLog,
		Logger:   logger,
	})

	a.scheduler = cron.NewScheduler(logger)
	if err := a.scheduler.RegisterJob(&cron.WorkflowExpiryJob{
		Engine: a.workflows,
		Logger: logger,
	}); err != nil {
		return nil, fmt.Errorf("registering expiry job: %w", err)
	}
	if err := a.scheduler.RegisterJob(&cron.RetentionJob{
		Pruners: []cron.RetentionPruner{
			cron.PrunerFunc(a.manager.CleanupExpired),
			cron.PrunerFunc(a.workflows.CleanupResolved),
		},
		Retention: cfg.Engine.Retention,
		Logger:    logger,
	}); err != nil {
		return nil, fmt.Errorf("registering retention job: %w", err)
	}

	a.gateway = gateway.New(gateway.Config{
		Gateway:   cfg.Gateway,
		Manager:   a.manager,
		Workflows: a.workflows,
		Reasoner:  a.reasoner,
		Bus:       a.bus,
		Metrics:   a.metrics.Handler(),
		Logger:    logger,
	})

	return a, nil
}

// Start brings the app up: tracing, metrics observer, dispatcher, MCP
// servers, cron jobs, the gateway, and the optional terminal approver.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	shutdown, err := tracing.Setup(runCtx, a.cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing setup: %w", err)
	}
	a.stopTraces = shutdown

	go a.metrics.Observe(runCtx, a.bus)
	a.manager.Start(runCtx)

	a.connectMCP(runCtx)

	if err := a.scheduler.Start(); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	if err := a.gateway.Start(); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}
	a.logger.Info("gateway listening", "addr", a.gateway.Addr())

	if a.cfg.Gateway.Prompt {
		approver := prompt.New(a.workflows, a.bus, "user", a.logger)
		go func() {
			if err := approver.Run(runCtx); err != nil && runCtx.Err() == nil {
				a.logger.Error("terminal approver stopped", "error", err)
			}
		}()
	}

	return nil
}

// connectMCP starts each configured MCP server and imports its tools. A
// failing server is skipped so one bad integration cannot hold the whole
// gateway down.
func (a *App) connectMCP(ctx context.Context) {
	for _, srv := range a.cfg.MCP {
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		src, err := mcp.Connect(connectCtx, srv, a.logger)
		if err != nil {
			cancel()
			a.logger.Warn("mcp: server unavailable, skipping", "server", srv.Name, "error", err)
			continue
		}
		if _, err := src.RegisterTools(connectCtx, a.registry, a.mux); err != nil {
			a.logger.Warn("mcp: tool import failed", "server", srv.Name, "error", err)
			_ = src.Close()
			cancel()
			continue
		}
		cancel()
		a.sources = append(a.sources, src)
	}
}

// Stop tears the app down in reverse order: stop accepting work, drain
// what is running, then close the sinks.
func (a *App) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := a.gateway.Stop(ctx); err != nil {
		a.logger.Warn("gateway shutdown", "error", err)
	}
	if err := a.scheduler.Stop(ctx); err != nil {
		a.logger.Warn("scheduler shutdown", "error", err)
	}
	if a.cancel != nil {
		a.cancel()
	}
	if err := a.manager.Close(shutdownGrace); err != nil {
		a.logger.Warn("dispatcher shutdown", "error", err)
	}
	a.workflows.Close()

	for _, src := range a.sources {
		if err := src.Close(); err != nil {
			a.logger.Warn("mcp: close failed", "server", src.Name(), "error", err)
		}
	}
	if a.stopTraces != nil {
		if err := a.stopTraces(ctx); err != nil {
			a.logger.Warn("trace exporter shutdown", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close", "error", err)
	}
	if a.auditSink != nil {
		if err := a.auditSink.Close(); err != nil {
			a.logger.Warn("audit log close", "error", err)
		}
	}
}

// systemPrompt renders the reasoning grammar and the registered tool list
// for the completion backend.
func systemPrompt(reg *tool.Registry) string {
	var b strings.Builder
	b.WriteString("You control tools through an admission gateway. Respond using this grammar:\n")
	b.WriteString("THOUGHT: <your reasoning>\n")
	b.WriteString("ACTION: <tool name>\n")
	b.WriteString("INPUT: <JSON object>\n")
	b.WriteString("When the task is complete respond with:\n")
	b.WriteString("ANSWER: <final answer>\n\n")
	b.WriteString("Available tools:\n")

	for _, d := range reg.List() {
		fmt.Fprintf(&b, "- %s (%s): %s\n", d.Name, d.Category, d.Description)
	}
	return b.String()
}
