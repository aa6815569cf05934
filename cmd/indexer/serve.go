package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"catalogsearch/indexer/internal/app"
	"catalogsearch/indexer/internal/events"
	"catalogsearch/indexer/internal/tasks"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the task workers, schedules, event consumer and HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDeps(cmd.Context())
			if err != nil {
				return err
			}
			defer d.close()
			return serve(cmd.Context(), d)
		},
	}
}

func serve(ctx context.Context, d *deps) error {
	cfg := d.cfg
	queue := tasks.NewQueue(d.redis, cfg.Queue.Name, d.metrics)
	runner := tasks.NewRunner(queue, d.orchestrator, tasks.RunnerOptions{
		Workers:     cfg.Queue.Workers,
		PollTimeout: cfg.Queue.PollTimeout,
		MaxAttempts: cfg.Queue.MaxAttempts,
		SweepMinAge: cfg.Reindex.SweepMinAge,
	}, d.metrics, d.log)

	scheduler := tasks.NewScheduler(queue, d.log)
	if err := scheduler.Add(cfg.Reindex.Schedule, tasks.KindReindex); err != nil {
		return err
	}
	if err := scheduler.Add(cfg.Reindex.SweepSchedule, tasks.KindSweep); err != nil {
		return err
	}

	httpServer := app.NewHTTPServer(app.ServerOptions{
		Queue: queue,
		Checks: map[string]app.Pinger{
			"database": app.PingFunc(d.db.PingContext),
			"redis":    app.PingFunc(func(ctx context.Context) error { return d.redis.Ping(ctx).Err() }),
			"search":   d.cluster,
		},
		Metrics:        d.metrics,
		MetricsHandler: d.telemetry.MetricsHandler(),
		Logger:         d.log,
	})
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var consumer *events.Consumer
	if len(cfg.Kafka.Brokers) > 0 {
		var err error
		consumer, err = events.NewConsumer(cfg.Kafka, events.NewHandler(queue, d.metrics, d.log), d.log)
		if err != nil {
			return err
		}
		defer consumer.Close()
	} else {
		d.log.Info("no kafka brokers configured, event consumer disabled")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(ctx) })
	if consumer != nil {
		g.Go(func() error { return consumer.Run(ctx) })
	}

	g.Go(func() error {
		d.log.Info("indexer listening", zap.String("addr", cfg.HTTP.Addr), zap.String("backend", cfg.Search.Backend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	scheduler.Start()
	g.Go(func() error {
		<-ctx.Done()
		d.log.Info("shutting down")
		<-scheduler.Stop().Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			d.log.Warn("http shutdown error", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}
