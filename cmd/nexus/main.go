// Package main is the Nexus orchestrator entry point: a single binary
// wiring storage, the event bus, the workflow engine, the agent monitor,
// the reconciler, notifications, and the admin API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nexusflow/nexus/internal/api"
	"github.com/nexusflow/nexus/internal/common/config"
	"github.com/nexusflow/nexus/internal/common/logger"
	"github.com/nexusflow/nexus/internal/events/bus"
	"github.com/nexusflow/nexus/internal/handoff"
	"github.com/nexusflow/nexus/internal/launcher"
	"github.com/nexusflow/nexus/internal/monitor"
	"github.com/nexusflow/nexus/internal/notify"
	"github.com/nexusflow/nexus/internal/platform"
	"github.com/nexusflow/nexus/internal/reconcile"
	"github.com/nexusflow/nexus/internal/runtime"
	"github.com/nexusflow/nexus/internal/runtime/execrt"
	"github.com/nexusflow/nexus/internal/tracing"
	"github.com/nexusflow/nexus/internal/workflow/definition"
	"github.com/nexusflow/nexus/internal/workflow/engine"
	"github.com/nexusflow/nexus/internal/workflow/store"
)

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
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting Nexus orchestrator")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && err != context.Canceled {
		log.WithError(err).Fatal("Orchestrator exited with error")
	}
	log.Info("Nexus orchestrator stopped")
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	// Storage.
	st, err := store.New(cfg.Storage, log)
	if err != nil {
		return fmt.Errorf("storage init: %w", err)
	}
	defer func() { _ = st.Close() }()

	// Event bus, with the optional NATS mirror for external observers.
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	if cfg.NATS.URL != "" {
		mirror, err := bus.NewNATSMirror(bus.MirrorConfig{
			URL:           cfg.NATS.URL,
			ClientID:      cfg.NATS.ClientID,
			MaxReconnects: cfg.NATS.MaxReconnects,
			SubjectPrefix: "nexus.events",
		}, log)
		if err != nil {
			return fmt.Errorf("nats mirror: %w", err)
		}
		mirror.Attach(eventBus)
		defer mirror.Close(eventBus)
	}

	// Workflow definitions.
	defs, err := definition.LoadDir(cfg.Workflows.DefinitionsDir, log)
	if err != nil {
		return fmt.Errorf("definitions: %w", err)
	}
	log.Info("Loaded workflow definitions", zap.Strings("types", defs.Types()))

	// Engine and reconciler.
	eng := engine.New(st, eventBus, defs, log, nil)
	rec := reconcile.New(eng, st, eventBus, log, nil)

	// Issue platform.
	var issues platform.IssuePlatform
	switch cfg.Workflows.Platform {
	case "gh":
		if !platform.GHAvailable() {
			return fmt.Errorf("workflows.platform is gh but the gh CLI is not installed")
		}
		issues = platform.NewGHClient(cfg.Workflows.Repo)
	default:
		issues = &platform.NoopClient{}
	}

	// Monitor: launch registry, retry fuse, kill escalation.
	fuses, err := monitor.NewFuseBank(cfg.Monitor.Fuse, cfg.Monitor.StatePath, log, nil)
	if err != nil {
		return fmt.Errorf("fuse state: %w", err)
	}
	registry := monitor.NewRegistry()
	mon := monitor.New(registry, fuses, eventBus, eng, cfg.Monitor, log, nil)

	// Agent runtime and the launcher bridging bus events to it.
	var agentRuntime runtime.AgentRuntime
	if cfg.Runtime.Kind == "exec" && cfg.Runtime.Command != "" {
		agentRuntime, err = execrt.New(cfg.Runtime, log)
		if err != nil {
			return fmt.Errorf("exec runtime: %w", err)
		}
	}
	if agentRuntime != nil {
		signer, err := handoff.NewSigner(cfg.Handoff.Secret)
		if err != nil {
			return fmt.Errorf("handoff signer: %w (set NEXUS_HANDOFF_SECRET)", err)
		}
		l := launcher.New(handoff.NewDispatcher(signer, log), agentRuntime, registry, eng, cfg.Handoff, log)
		l.Attach(eventBus)
		defer l.Detach()
	} else {
		log.Warn("No agent runtime configured; step.started events will not launch agents")
	}

	// Notifications.
	channels := []notify.Channel{notify.NewLogChannel(log)}
	if len(cfg.Notifications.WebhookURLs) > 0 {
		channels = append(channels, notify.NewWebhookChannel(cfg.Notifications.WebhookURLs))
	}
	watcher := notify.NewWatcher(cfg.Notifications, log, channels...)
	watcher.Attach(eventBus)
	defer watcher.Detach()

	// Admin API.
	server := api.NewServer(cfg.Server, eng, rec, mon, issues, defs, log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mon.Run(ctx) })
	g.Go(func() error { return server.Start(ctx) })

	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = tracing.Shutdown(shutdownCtx)
	return err
}
