// Package main is the sudocode control plane binary: one process serving
// the HTTP API, the WebSocket event stream, the agent driver, the sync
// engine and the merge queue for a single project.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sudocode-ai/sudocode/internal/agent/driver"
	"github.com/sudocode-ai/sudocode/internal/agent/mcpconfig"
	"github.com/sudocode-ai/sudocode/internal/agent/registry"
	"github.com/sudocode-ai/sudocode/internal/cascade"
	"github.com/sudocode-ai/sudocode/internal/common/config"
	"github.com/sudocode-ai/sudocode/internal/common/logger"
	"github.com/sudocode-ai/sudocode/internal/coordinator"
	"github.com/sudocode-ai/sudocode/internal/events/bus"
	"github.com/sudocode-ai/sudocode/internal/git"
	"github.com/sudocode-ai/sudocode/internal/process"
	"github.com/sudocode-ai/sudocode/internal/project"
	"github.com/sudocode-ai/sudocode/internal/queue"
	"github.com/sudocode-ai/sudocode/internal/review"
	"github.com/sudocode-ai/sudocode/internal/server"
	"github.com/sudocode-ai/sudocode/internal/store"
	"github.com/sudocode-ai/sudocode/internal/syncer"
	"github.com/sudocode-ai/sudocode/internal/telemetry"
	"github.com/sudocode-ai/sudocode/internal/worktree"
	v1 "github.com/sudocode-ai/sudocode/pkg/api/v1"
)

// version is stamped at build time with -ldflags.
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	log.Info("Starting sudocode", zap.String("version", version))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tel := telemetry.NewClient(telemetry.Options{
		Enabled:  cfg.Telemetry.Enabled,
		Endpoint: cfg.Telemetry.Endpoint,
		Version:  version,
	})
	defer tel.Close()
	telemetry.InitTracing(cfg.Telemetry.OTLPEndpoint)

	proj, err := project.Open(cfg.Project.Root, cfg.Project.DotDir, log)
	if err != nil {
		log.Fatal("Failed to open project", zap.Error(err))
	}
	log.Info("Project opened", zap.String("root", proj.Root()))

	storePath := cfg.Store.Path
	if storePath == "" {
		storePath = proj.StorePath()
	}
	st, err := store.Open(store.Options{
		Driver:   cfg.Store.Driver,
		Path:     storePath,
		DSN:      cfg.Store.DSN,
		MaxConns: cfg.Store.MaxConns,
	})
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()

	// An empty NATS URL selects the in-process bus; a configured one joins
	// an external broker so multiple consumers can watch executions.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		eventBus, err = bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	reg, err := registry.Load()
	if err != nil {
		log.Fatal("Failed to load agent registry", zap.Error(err))
	}

	gitRunner := git.NewRunner(proj.Root())

	wtBase := cfg.Worktree.BasePath
	if wtBase == "" {
		wtBase = proj.WorktreesDir()
	}
	wt, err := worktree.NewManager(proj.Root(), worktree.Config{
		BasePath:         wtBase,
		BranchPrefix:     cfg.Worktree.BranchPrefix,
		MaxPerRepo:       cfg.Worktree.MaxPerRepo,
		AgentConfigPaths: reg.ProjectConfigPaths(),
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize worktree manager", zap.Error(err))
	}

	sup := process.NewSupervisor(time.Duration(cfg.Process.GracePeriod)*time.Second, log)
	drv := driver.New(sup, st, eventBus, driver.Options{
		PoolSize:        int64(cfg.Agent.SessionPoolSize),
		Grace:           time.Duration(cfg.Process.GracePeriod) * time.Second,
		IdleTimeout:     cfg.Agent.IdleTimeout(),
		EndOnDisconnect: cfg.Agent.EndOnDisconnect,
	}, log)

	injector := mcpconfig.NewInjector(cfg.Agent.McpServerName, cfg.Agent.McpCommand, log)
	syncSvc := syncer.New(gitRunner, proj, eventBus, log)
	cascadeSvc := cascade.New(proj, st, wt, gitRunner, eventBus, log)
	queueSvc := queue.New(st, eventBus, log)

	coord := coordinator.New(st, proj, wt, gitRunner, drv, reg, injector, syncSvc, cascadeSvc, queueSvc, tel, coordinator.Options{
		DefaultAgentKind: cfg.Agent.DefaultKind,
		DefaultStrategy:  v1.SyncStrategy(cfg.Sync.DefaultStrategy),
		CascadeEnabled:   cfg.Sync.CascadeEnabled,
		QueueEnabled:     cfg.Queue.Enabled,
		DefaultTimeout:   cfg.Process.DefaultTimeoutDuration(),
	}, log)

	reviewSvc := review.New(st, proj, gitRunner, coord, coord, review.Options{
		DefaultStrategy: v1.SyncStrategy(cfg.Sync.DefaultStrategy),
		QueueEnabled:    cfg.Queue.Enabled,
	}, log)

	if err := coord.Recover(ctx); err != nil {
		log.Warn("Startup recovery incomplete", zap.Error(err))
	}

	hub := server.NewHub(eventBus, drv.OnLastSubscriberGone, log)
	go hub.Run(ctx)

	srv := server.New(cfg.Server, coord, reviewSvc, queueSvc, proj, reg, hub, log)
	go func() {
		if err := srv.Run(); err != nil {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	tel.Track("server_started", map[string]any{
		"store_driver": cfg.Store.Driver,
		"nats":         cfg.NATS.URL != "",
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), server.ShutdownTimeout())
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}
	coord.Shutdown(shutdownCtx)
	cancel()
	telemetry.ShutdownTracing(shutdownCtx)
	log.Info("Shutdown complete")
}
