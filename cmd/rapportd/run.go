package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scrypster/rapport/internal/backup"
	"github.com/scrypster/rapport/internal/config"
	"github.com/scrypster/rapport/internal/engine"
	"github.com/scrypster/rapport/internal/events"
	"github.com/scrypster/rapport/internal/ingest"
	"github.com/scrypster/rapport/internal/llm"
	"github.com/scrypster/rapport/internal/memory"
	"github.com/scrypster/rapport/internal/policy"
	"github.com/scrypster/rapport/internal/queue"
	"github.com/scrypster/rapport/internal/reply"
	"github.com/scrypster/rapport/internal/spool"
	"github.com/scrypster/rapport/internal/transport"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the ingest, cognition and status consumers until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, err := openStores(cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := st.Close(); err != nil {
					logger.Warn("failed to close stores", zap.Error(err))
				}
			}()

			d, err := newDaemon(cfg, st, logger)
			if err != nil {
				return err
			}
			return d.run(ctx)
		},
	}
}

// daemon is the fully wired pipeline.
type daemon struct {
	cfg       *config.Config
	logger    *zap.Logger
	hub       *events.Hub
	runtime   *queue.Runtime
	followups *engine.FollowupScheduler
	spool     *spool.Watcher
	backups   *backup.Service
}

func newDaemon(cfg *config.Config, st *stores, logger *zap.Logger) (*daemon, error) {
	clients, err := llm.New(cfg.LLM, logger)
	if err != nil {
		return nil, err
	}

	var notifier events.Notifier = events.NopNotifier{}
	var hub *events.Hub
	if cfg.Events.Enabled {
		hub = events.NewHub(logger)
		notifier = hub
	}

	if !cfg.Transport.DryRun {
		logger.Warn("no live transport adapter is built in; replies are logged only")
	}
	out := transport.NewRateLimited(transport.NewLogTransport(logger), cfg.Transport.RatePerMinute)

	graph := memory.NewGraph(st.data, cfg.Memory, logger)
	drafter := reply.New(st.data, graph, clients.Generator, cfg.Reply, cfg.LLM, logger,
		reply.WithEmbedder(clients.Embedder))

	orch, err := engine.New(engine.Deps{
		Store:     st.data,
		Memory:    graph,
		Gate:      policy.New(cfg.Policy),
		Drafter:   drafter,
		Transport: out,
		Extractor: memory.NewLLMExtractor(clients.Generator),
		Notifier:  notifier,
	}, cfg.Orchestrator, logger)
	if err != nil {
		return nil, err
	}

	in := ingest.New(st.data, st.queue, cfg.Ingest, logger,
		ingest.WithEmbedder(clients.Embedder),
		ingest.WithMetrics(graph))

	registry := queue.NewRegistry()
	registry.MustRegister(engine.QueueIncoming, in.Handle)
	registry.MustRegister(engine.QueueCognition, orch.Handle)
	registry.MustRegister(engine.QueueStatus, engine.NewStatusHandler(st.data, logger).Handle)

	rt, err := queue.NewRuntime(st.queue, registry, runtimeConfig(cfg.Queue), logger)
	if err != nil {
		return nil, err
	}
	rt.OnDeadLetter(func(name string, msg *queue.Message, cause error) {
		notifier.Notify(context.Background(), events.Event{
			Type: events.MessageDeadLettered,
			At:   time.Now(),
			Detail: map[string]any{
				"queue":       name,
				"message_id":  msg.ID,
				"retry_count": msg.RetryCount,
				"error":       cause.Error(),
			},
		})
	})

	d := &daemon{cfg: cfg, logger: logger, hub: hub, runtime: rt}
	if cfg.Orchestrator.FollowupInterval > 0 {
		d.followups = engine.NewFollowupScheduler(st.data, st.queue, cfg.Orchestrator.FollowupInterval, logger)
	}
	if cfg.Ingest.SpoolDir != "" {
		d.spool, err = spool.New(cfg.Ingest.SpoolDir, st.queue, engine.QueueIncoming, queue.PriorityHigh, logger)
		if err != nil {
			return nil, err
		}
	}
	if st.sqlite != nil && cfg.Backup.Interval > 0 {
		d.backups, err = backup.New(st.sqlite.DB(), cfg.Storage.DataPath, cfg.Backup, logger)
		if err != nil {
			return nil, err
		}
	}
	return d, nil
}

func runtimeConfig(q config.QueueConfig) queue.RuntimeConfig {
	rc := queue.DefaultRuntimeConfig()
	rc.PollInterval = q.PollInterval
	rc.ErrorBackoff = q.ErrorBackoff
	rc.SchedulerInterval = q.SchedulerInterval
	rc.MaxBackoff = q.MaxBackoff
	rc.ReapInterval = q.ReapInterval
	rc.InFlightTimeout = q.InFlightTimeout
	return rc
}

// run blocks until ctx is done or a component fails.
func (d *daemon) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.runtime.Run(gctx) })
	if d.followups != nil {
		g.Go(func() error { return d.followups.Run(gctx) })
	}
	if d.spool != nil {
		g.Go(func() error { return d.spool.Run(gctx) })
	}
	if d.backups != nil {
		g.Go(func() error { return d.backups.Run(gctx) })
	}
	if d.hub != nil {
		g.Go(func() error { return d.hub.Run(gctx) })
		g.Go(func() error {
			if err := events.Serve(gctx, d.cfg.Events.Addr, d.hub); err != nil {
				return fmt.Errorf("event stream: %w", err)
			}
			return nil
		})
	}

	d.logger.Info("rapportd started",
		zap.Bool("events", d.hub != nil),
		zap.String("events_addr", d.cfg.Events.Addr),
		zap.Bool("followups", d.followups != nil),
		zap.Bool("spool", d.spool != nil),
		zap.Bool("backups", d.backups != nil))

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	d.logger.Info("rapportd stopped", zap.Error(err))
	return err
}
