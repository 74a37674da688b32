package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/apc-dev/apc/internal/broadcast"
	"github.com/apc-dev/apc/internal/clock"
	"github.com/apc-dev/apc/internal/config"
	"github.com/apc-dev/apc/internal/coordinator"
	"github.com/apc-dev/apc/internal/idle"
	"github.com/apc-dev/apc/internal/llm"
	"github.com/apc-dev/apc/internal/log"
	"github.com/apc-dev/apc/internal/metrics"
	"github.com/apc-dev/apc/internal/orchestrator"
	"github.com/apc-dev/apc/internal/paths"
	"github.com/apc-dev/apc/internal/planwatch"
	"github.com/apc-dev/apc/internal/pool"
	"github.com/apc-dev/apc/internal/rendezvous"
	"github.com/apc-dev/apc/internal/rpc"
	"github.com/apc-dev/apc/internal/runner"
	"github.com/apc-dev/apc/internal/session"
	"github.com/apc-dev/apc/internal/state"
	"github.com/apc-dev/apc/internal/task"
	"github.com/apc-dev/apc/internal/tracing"
	"github.com/apc-dev/apc/internal/workflow"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the coordination daemon",
	Long: `Run the coordination daemon in the foreground.

The daemon owns the agent pool, the workflow engine, the coordinator
evaluation loop, and the plan watcher, and serves the command RPC on
HTTP: POST /rpc, GET /events (SSE), GET /health, GET /metrics.

Example:
  apc daemon                  # listen on the configured api_port (19777)
  apc daemon --addr :8080     # listen on port 8080
  apc daemon --addr :0        # pick a free port (printed on startup)`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(_ *cobra.Command, _ []string) error {
	// Logging goes to stderr; APC_LOG redirects it to a file. --debug
	// (or APC_DEBUG) lowers the threshold to DEBUG.
	var cleanup func()
	if logPath := os.Getenv("APC_LOG"); logPath != "" {
		c, err := log.Init(logPath)
		if err != nil {
			return fmt.Errorf("initializing logging: %w", err)
		}
		cleanup = c
	} else {
		cleanup = log.InitWriter(os.Stderr)
	}
	defer cleanup()
	if !debugFlag && os.Getenv("APC_DEBUG") == "" {
		log.SetMinLevel(log.LevelInfo)
	}
	log.Info(log.CatConfig, "apc daemon starting",
		"version", version, "workspace", cfg.WorkspaceRoot)

	layout := paths.NewLayout(cfg.WorkspaceRoot)
	if err := layout.EnsureBase(); err != nil {
		return fmt.Errorf("preparing workspace: %w", err)
	}
	clk := clock.NewReal()

	var (
		gatherer prometheus.Gatherer
		m        *metrics.Metrics
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		var err error
		m, err = metrics.New(reg)
		if err != nil {
			return fmt.Errorf("registering metrics: %w", err)
		}
		gatherer = reg
	}

	tracer, err := tracing.NewProvider(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		FilePath:     cfg.Tracing.FilePath,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	persist := state.NewStore()
	sessions := session.NewStore(persist, layout.SessionsFile(), clk)
	tasks := task.NewStore(persist, layout, clk)
	bcast := broadcast.New(clk, m)

	var agents *pool.Pool
	agents, err = pool.New(pool.Options{
		Size:     cfg.Pool.Size,
		Roster:   cfg.Pool.Roster,
		Cooldown: cfg.Pool.RestCooldown(),
		Clock:    clk,
		Persist:  persist,
		Path:     layout.PoolFile(),
		Metrics:  m,
		OnChange: func() {
			bcast.Publish(broadcast.PoolChanged, "", map[string]any{
				"counts": agents.CountByState(),
			})
		},
	})
	if err != nil {
		return fmt.Errorf("building agent pool: %w", err)
	}

	rdv := rendezvous.New(clk, m)
	registry := workflow.DefaultRegistry()
	eng := workflow.NewEngine(workflow.EngineOptions{
		Registry: registry,
		Deps: workflow.Deps{
			Tasks:       tasks,
			Launcher:    runner.NewLogLauncher(0),
			Rendezvous:  rdv,
			Clock:       clk,
			WaitTimeout: cfg.Workflow.WaitTimeout(),
		},
		History:      workflow.NewHistory(persist, layout),
		Metrics:      m,
		ArchiveGrace: cfg.Workflow.ArchiveGrace(),
	})

	templates := coordinator.NewTemplateStore(layout)
	ledger := coordinator.NewLedger(persist, layout, cfg.Coordinator.HistoryLimit)
	runtime := config.NewRuntime(cfg)
	builder := coordinator.NewPromptBuilder(coordinator.PromptSources{
		Layout:    layout,
		Templates: templates,
		Runtime:   runtime,
		Registry:  registry,
		Tasks:     tasks,
		Engine:    eng,
		Pool:      agents,
		Ledger:    ledger,
		Clock:     clk,
	})

	// The tool executor is bound to the router once it exists; until
	// then the coordinator cannot evaluate, which is fine because it
	// has not started.
	exec := rpc.NewToolExecutor()
	invoker, err := llm.NewFromAPIKey(os.Getenv(cfg.LLM.APIKeyEnv), llm.Options{
		DefaultModel: cfg.Coordinator.Model,
		MaxTokens:    cfg.LLM.MaxTokens,
		Temperature:  cfg.LLM.Temperature,
		Executor:     exec,
		Metrics:      m,
	})
	if err != nil {
		return fmt.Errorf("building model client (is %s set?): %w", cfg.LLM.APIKeyEnv, err)
	}

	coord, err := coordinator.New(coordinator.Options{
		Invoker:     invoker,
		Builder:     builder,
		Ledger:      ledger,
		Layout:      layout,
		Model:       cfg.Coordinator.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Debounce:    cfg.Coordinator.Debounce(),
		MaxWait:     cfg.Coordinator.MaxWait(),
		Cooldown:    cfg.Coordinator.Cooldown(),
		EvalTimeout: cfg.Coordinator.EvalTimeout(),
		Clock:       clk,
		Metrics:     m,
		Tracer:      tracer.Tracer(),
	})
	if err != nil {
		return fmt.Errorf("building coordinator: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Sessions:        sessions,
		Tasks:           tasks,
		Pool:            agents,
		Engine:          eng,
		Coordinator:     coord,
		Ledger:          ledger,
		Broadcast:       bcast,
		Rendezvous:      rdv,
		Layout:          layout,
		Clock:           clk,
		Metrics:         m,
		CleanupInterval: cfg.Cleanup.Interval(),
		SessionAge:      cfg.Cleanup.SessionAge(),
		ArchiveGrace:    cfg.Workflow.ArchiveGrace(),
	})
	if err != nil {
		return fmt.Errorf("building orchestrator: %w", err)
	}

	router, err := rpc.NewRouter(rpc.Deps{
		Orch:        orch,
		Sessions:    sessions,
		Tasks:       tasks,
		Pool:        agents,
		Engine:      eng,
		Coordinator: coord,
		Rendezvous:  rdv,
		Broadcast:   bcast,
		Templates:   templates,
		Runtime:     runtime,
		Layout:      layout,
		Clock:       clk,
		Metrics:     m,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("building command router: %w", err)
	}
	exec.Bind(router)

	monitor, err := idle.New(idle.Options{
		Sessions:        sessions,
		Tasks:           tasks,
		Engine:          eng,
		Pool:            agents,
		Coordinator:     coord,
		Ready:           orch.SystemReady(),
		Clock:           clk,
		Tick:            cfg.Idle.Tick(),
		IdleThreshold:   cfg.Idle.IdleThreshold(),
		TriggerCooldown: cfg.Idle.TriggerCooldown(),
	})
	if err != nil {
		return fmt.Errorf("building idle monitor: %w", err)
	}

	watcher, err := planwatch.New(planwatch.Options{
		Layout:      layout,
		Engine:      eng,
		Coordinator: coord,
		Broadcast:   bcast,
		Sessions:    sessions,
	})
	if err != nil {
		return fmt.Errorf("building plan watcher: %w", err)
	}

	// Listen address priority: --addr flag, then config api_port.
	addr := addrFlag
	if addr == "" {
		addr = fmt.Sprintf(":%d", cfg.APIPort)
	}
	server, err := rpc.NewServer(rpc.ServerConfig{
		Addr:      addr,
		Router:    router,
		Broadcast: bcast,
		Orch:      orch,
		Gatherer:  gatherer,
	})
	if err != nil {
		return fmt.Errorf("building http server: %w", err)
	}

	// Ctrl+C / SIGTERM cancel the run context; everything downstream
	// hangs off it.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	coord.Start()
	if err := orch.Start(ctx); err != nil {
		coord.Stop()
		return fmt.Errorf("starting orchestrator: %w", err)
	}
	monitor.Start(ctx)

	watching := true
	if err := watcher.Start(); err != nil {
		// Plan edits are still picked up by plan.get; only live diff
		// stats and auto-advance are lost.
		log.ErrorErr(log.CatWatch, "plan watcher unavailable, continuing without it", err)
		watching = false
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Stop(shutdownCtx)
	})

	fmt.Printf("apc daemon listening on port %d\n", server.Port())
	fmt.Println("Press Ctrl+C to stop")

	runErr := g.Wait()
	fmt.Println("\nShutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if watching {
		watcher.Stop()
	}
	monitor.Stop()
	coord.Stop()
	orch.Close(shutdownCtx)
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatConfig, "tracing shutdown incomplete", err)
	}

	fmt.Println("Daemon stopped")
	return runErr
}
