package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gobby-dev/gobby/internal/agents"
	"github.com/gobby-dev/gobby/internal/bus"
	"github.com/gobby-dev/gobby/internal/gateway"
	"github.com/gobby-dev/gobby/internal/hooks"
	"github.com/gobby-dev/gobby/internal/messaging"
	"github.com/gobby-dev/gobby/internal/party"
	"github.com/gobby-dev/gobby/internal/pipeline"
	"github.com/gobby-dev/gobby/internal/providers"
	"github.com/gobby-dev/gobby/internal/retention"
	"github.com/gobby-dev/gobby/internal/sessions"
	"github.com/gobby-dev/gobby/internal/stop"
	"github.com/gobby-dev/gobby/internal/store/sqlite"
	"github.com/gobby-dev/gobby/internal/tasks"
	"github.com/gobby-dev/gobby/internal/tools"
	"github.com/gobby-dev/gobby/internal/tracing"
	"github.com/gobby-dev/gobby/internal/workflow"
	"github.com/gobby-dev/gobby/internal/worktrees"
)

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the gobby daemon in the foreground",
		Run: func(cmd *cobra.Command, args []string) {
			runDaemon()
		},
	}
}

func runDaemon() {
	if err := serve(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tracer, err := tracing.New(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer tracer.Shutdown(context.Background())

	// Storage.
	dbPath, err := cfg.DatabasePath()
	if err != nil {
		return err
	}
	db, err := sqlite.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := sqlite.Migrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	stores := sqlite.New(db)

	events := bus.New()
	stops := stop.NewRegistry()

	// Domain services.
	sessMgr := sessions.NewManager(stores.Sessions, events, logger)
	graph := tasks.NewGraph(stores.Tasks, stores.Sessions, events, logger)
	graph.WatchAgents(events)
	msgs := messaging.NewService(stores.Messages, stores.Sessions, stores.Parties, events, logger)

	projectRoot, _ := os.Getwd()
	loader := workflow.NewLoader(cfg.WorkflowDirs(projectRoot), logger)
	if err := loader.Reload(); err != nil {
		return fmt.Errorf("load workflows: %w", err)
	}
	if cfg.Workflows.HotReload {
		if err := loader.Watch(); err != nil {
			logger.Warn("workflow hot reload unavailable", "error", err)
		}
		defer loader.Close()
	}

	engine := workflow.NewEngine(loader, stores.WorkflowState, sessMgr, stops, events, logger)
	engine.SetTaskQueries(graph)
	engine.SetInboxQueries(msgs)

	// Providers and LLM-backed task assistance.
	prov := providers.NewRegistry(cfg, providers.NewTurnClient())
	assistant := tasks.NewLLMAssistant(prov, cfg.Agents.DefaultProvider, logger)
	graph.SetEnricher(assistant)
	graph.SetValidator(assistant)

	// Agent spawning, worktrees, parties.
	wtMgr := worktrees.NewManager(cfg, stores.Worktrees, events, logger)
	agentReg := agents.NewRegistry(cfg, stores.AgentRuns, sessMgr, prov, engine, wtMgr, events, logger)
	partySched := party.NewScheduler(cfg, stores.Parties, agentReg, msgs, events, logger)

	// Tool surface.
	toolsReg := tools.NewRegistry(cfg.Daemon.MaxInputBytes, logger)
	toolsReg.SetTerminateCheck(sessMgr.ConsumeTerminate)
	tools.RegisterTaskTools(toolsReg, graph)
	tools.RegisterAgentTools(toolsReg, agentReg, msgs)
	tools.RegisterWorkflowTools(toolsReg, engine)
	tools.RegisterWorktreeTools(toolsReg, wtMgr, agentReg)
	tools.RegisterSessionTools(toolsReg, sessMgr, graph, msgs)
	tools.RegisterPartyTools(toolsReg, partySched)
	engine.SetToolInvoker(toolsReg)

	// Pipelines.
	pipeExec := pipeline.NewExecutor(logger)
	pipeExec.SetToolInvoker(toolsReg)
	pipeExec.SetTurnRunner(prov)
	pipeExec.SetAgentRunner(agentReg)
	pipeExec.SetWorkflowActivator(engine)
	for _, dir := range cfg.WorkflowDirs(projectRoot) {
		pipeExec.LoadDir(filepath.Join(filepath.Dir(dir), "pipelines"))
	}
	engine.SetPipelineRunner(pipeExec)

	// Hook ingress and gateway.
	ingress := hooks.NewIngress(sessMgr, engine, stores.WorkflowState, logger)
	srv := gateway.NewServer(cfg, events, ingress, toolsReg, logger)
	srv.SetSessions(sessMgr)
	srv.SetAgents(agentReg)
	srv.SetTasks(graph)
	srv.SetParties(partySched)
	srv.SetLoader(loader)

	// Background housekeeping.
	sweeper := retention.New(cfg.Retention, sessMgr, wtMgr, logger)
	go sweeper.Run(ctx)

	logger.Info("gobby daemon starting",
		"version", Version, "db", dbPath, "addr", cfg.ListenAddr())
	return srv.Start(ctx)
}
