package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"catalogsearch/indexer/internal/catalog"
	"catalogsearch/indexer/internal/config"
	"catalogsearch/indexer/internal/lock"
	"catalogsearch/indexer/internal/logger"
	"catalogsearch/indexer/internal/metrics"
	"catalogsearch/indexer/internal/reindex"
	"catalogsearch/indexer/internal/search"
	"catalogsearch/indexer/internal/search/embedded"
	"catalogsearch/indexer/internal/search/meili"
	"catalogsearch/indexer/internal/search/opensearch"
	"catalogsearch/indexer/internal/store"
	"catalogsearch/indexer/internal/telemetry"
)

// pingCluster is a search cluster the readiness check can reach.
type pingCluster interface {
	search.Cluster
	Ping(ctx context.Context) error
}

// deps holds everything a command needs, opened in order and closed in reverse.
type deps struct {
	cfg          config.Config
	log          *zap.Logger
	telemetry    *telemetry.Telemetry
	metrics      *metrics.Metrics
	db           *sql.DB
	redis        *redis.Client
	cluster      pingCluster
	orchestrator *reindex.Orchestrator
	closers      []func() error
}

func openDeps(ctx context.Context) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	d := &deps{cfg: cfg, log: log}
	if err := d.open(ctx); err != nil {
		d.close()
		return nil, err
	}
	return d, nil
}

func (d *deps) open(ctx context.Context) error {
	tel, err := telemetry.New(d.cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	d.telemetry = tel
	d.closers = append(d.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return tel.Shutdown(shutdownCtx)
	})
	d.metrics = metrics.NewMetrics("indexer", tel.Registerer())

	db, err := store.Open(ctx, d.cfg.Database)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	d.db = db
	d.closers = append(d.closers, db.Close)

	client, err := store.OpenRedis(ctx, d.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	d.redis = client
	d.closers = append(d.closers, client.Close)

	def := search.ProjectDefinition()
	cluster, swapper, err := d.openSearch(ctx, def)
	if err != nil {
		return err
	}
	d.cluster = cluster

	source := catalog.NewPostgresSource(db, catalog.PostgresOptions{
		PageSize:         d.cfg.Reindex.PageSize,
		ProjectPageSize:  d.cfg.Reindex.ProjectPageSize,
		StatementTimeout: d.cfg.Database.StatementTimeout,
	}, d.log)

	d.orchestrator = reindex.New(reindex.OptionsFromConfig(d.cfg), reindex.Deps{
		Locker:     lock.NewLocker(client, d.log),
		Source:     source,
		Cluster:    cluster,
		Swapper:    swapper,
		Definition: def,
		Metrics:    d.metrics,
		Logger:     d.log,
		Tracer:     tel.Tracer(),
	})
	return nil
}

func (d *deps) openSearch(ctx context.Context, def search.Definition) (pingCluster, search.Swapper, error) {
	sc := d.cfg.Search
	switch strings.ToLower(sc.Backend) {
	case "opensearch":
		cluster, err := opensearch.New(ctx, opensearch.Options{
			URL:          sc.URL,
			Timeout:      sc.Timeout,
			AWSKeyID:     sc.AWSKeyID,
			AWSSecretKey: sc.AWSSecretKey,
		}, d.log)
		if err != nil {
			return nil, nil, fmt.Errorf("opensearch client: %w", err)
		}
		return cluster, search.NewAliasSwapper(cluster, d.log), nil
	case "meilisearch":
		cluster := meili.New(meili.Options{URL: sc.URL, APIKey: sc.MeiliAPIKey}, d.log)
		return cluster, meili.NewSwapper(cluster, def, d.log), nil
	case "embedded":
		cluster, err := embedded.New(sc.EmbeddedDir, d.log)
		if err != nil {
			return nil, nil, fmt.Errorf("embedded cluster: %w", err)
		}
		d.closers = append(d.closers, cluster.Close)
		return cluster, search.NewAliasSwapper(cluster, d.log), nil
	default:
		return nil, nil, fmt.Errorf("unknown search backend %q", sc.Backend)
	}
}

func (d *deps) close() {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		d.log.Warn("shutdown error", zap.Error(err))
	}
	_ = d.log.Sync()
}
