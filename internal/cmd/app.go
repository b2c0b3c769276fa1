package cmd

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/worldmind/worldmind/internal/bus"
	"github.com/worldmind/worldmind/internal/checkpoint"
	"github.com/worldmind/worldmind/internal/config"
	"github.com/worldmind/worldmind/internal/logger"
	"github.com/worldmind/worldmind/internal/metrics"
	"github.com/worldmind/worldmind/internal/mission"
	"github.com/worldmind/worldmind/internal/sandbox"
	"github.com/worldmind/worldmind/internal/worktree"
)

// app is the assembled runtime shared by run and resume: configuration,
// observability, checkpoint store, sandbox executor and the orchestrator.
type app struct {
	cfg    *config.Config
	log    *logger.Logger
	events *bus.Bus
	store  checkpoint.Store
	orch   *mission.Orchestrator

	metricsSrv *http.Server
	instrSrv   *http.Server
}

type appOptions struct {
	configPath string
	project    string
	workspaces string
	remote     string
	approval   mission.ApprovalFunc
}

func buildApp(opts appOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	log := logger.New(os.Stderr, cfg.LogLevel)

	project, err := filepath.Abs(opts.project)
	if err != nil {
		return nil, fmt.Errorf("resolve project path: %w", err)
	}

	events, err := bus.New(cfg.Bus.NATSURL, log)
	if err != nil {
		return nil, fmt.Errorf("event bus: %w", err)
	}

	var sink metrics.Sink = metrics.NoopSink{}
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		prom := metrics.NewPrometheusSink()
		sink = prom
		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if serveErr := metricsSrv.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
				log.Errorf("metrics server: %v", serveErr)
			}
		}()
		log.Infof("metrics on %s/metrics", cfg.MetricsAddr)
	}

	var store checkpoint.Store
	if cfg.CheckpointDB == "" {
		store = checkpoint.NewMemoryStore()
	} else {
		if dir := filepath.Dir(cfg.CheckpointDB); dir != "." && cfg.CheckpointDB != ":memory:" {
			if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
				events.Close()
				return nil, fmt.Errorf("checkpoint dir: %w", mkErr)
			}
		}
		store, err = checkpoint.NewSQLiteStore(cfg.CheckpointDB)
		if err != nil {
			events.Close()
			return nil, err
		}
	}

	instStore := sandbox.NewInstructionStore()
	provider, instrSrv, err := buildProvider(cfg, instStore, log)
	if err != nil {
		events.Close()
		store.Close()
		return nil, err
	}
	executor := sandbox.NewManager(cfg.Sandbox, cfg.Deployer, provider, instStore, log)

	var trees *worktree.Context
	if opts.workspaces != "" {
		trees = worktree.New(opts.workspaces, opts.remote, worktree.ExecGit, log)
	}

	caller := mission.NewSandboxCaller(executor, project, log)
	orch := mission.NewOrchestrator(cfg, caller, executor, store, trees, project,
		log, sink, events, opts.approval)

	return &app{
		cfg:        cfg,
		log:        log,
		events:     events,
		store:      store,
		orch:       orch,
		metricsSrv: metricsSrv,
		instrSrv:   instrSrv,
	}, nil
}

// buildProvider selects the sandbox provider for the configured mode. In
// container and platform modes the instruction store's HTTP side-channel is
// served so sandboxes can fetch their instructions and push output back.
func buildProvider(cfg *config.Config, store *sandbox.InstructionStore, log *logger.Logger) (sandbox.Provider, *http.Server, error) {
	switch cfg.Sandbox.Mode {
	case config.ModeLocal:
		return sandbox.NewLocalProvider(cfg.Sandbox.AgentCommand, log), nil, nil

	case config.ModeContainer:
		srv := serveInstructionStore(cfg, store, log)
		return sandbox.NewDockerProvider(cfg.Sandbox.ImageRepo, sandbox.ExecRunner, log), srv, nil

	case config.ModePlatform:
		srv := serveInstructionStore(cfg, store, log)
		return sandbox.NewPlatformProvider(cfg.Sandbox.RunnerApp, sandbox.ExecRunner, store, log), srv, nil
	}
	return nil, nil, fmt.Errorf("unknown sandbox mode %q", cfg.Sandbox.Mode)
}

func serveInstructionStore(cfg *config.Config, store *sandbox.InstructionStore, log *logger.Logger) *http.Server {
	if cfg.Sandbox.NexusURL == "" {
		return nil
	}
	srv := &http.Server{Addr: ":8791", Handler: store.Handler()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("instruction store server: %v", err)
		}
	}()
	return srv
}

func (a *app) Close() {
	if a.metricsSrv != nil {
		a.metricsSrv.Close()
	}
	if a.instrSrv != nil {
		a.instrSrv.Close()
	}
	a.events.Close()
	if err := a.store.Close(); err != nil {
		a.log.Errorf("close checkpoint store: %v", err)
	}
}

// summarize prints the mission outcome to stdout.
func (a *app) summarize(status, missionID, deploymentURL string, metrics *missionMetricsView, elapsed time.Duration) {
	fmt.Printf("\nMission %s: %s\n", missionID, status)
	if metrics != nil {
		fmt.Printf("  Tasks completed: %d\n", metrics.completed)
		fmt.Printf("  Tasks failed:    %d\n", metrics.failed)
		fmt.Printf("  Waves:           %d\n", metrics.waves)
		fmt.Printf("  Iterations:      %d\n", metrics.iterations)
	}
	if deploymentURL != "" {
		fmt.Printf("  Deployed at:     https://%s\n", deploymentURL)
	}
	fmt.Printf("  Duration:        %s\n", elapsed.Round(time.Second))
}

type missionMetricsView struct {
	completed, failed, waves, iterations int
}
