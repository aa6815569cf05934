package search

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"catalogsearch/indexer/internal/util"
)

// Bulk-load settings applied to every new generation.
const (
	loadReplicas = 0
	loadRefresh  = "-1"
)

// Lifecycle creates, tunes and deletes index generations.
type Lifecycle struct {
	cluster    Cluster
	definition Definition
	log        *zap.Logger
}

func NewLifecycle(cluster Cluster, definition Definition, log *zap.Logger) *Lifecycle {
	return &Lifecycle{
		cluster:    cluster,
		definition: definition,
		log:        log.With(zap.String("component", "lifecycle")),
	}
}

// GenerationName returns a fresh generation name for base.
func GenerationName(base string) string {
	return base + "-" + util.RandomHex(5)
}

// Create makes an empty generation of base tuned for bulk loading and waits for its
// shards to become active.
func (l *Lifecycle) Create(ctx context.Context, base string, shards int) (string, error) {
	name := GenerationName(base)
	spec := IndexSpec{
		Shards:          shards,
		Replicas:        loadReplicas,
		RefreshInterval: loadRefresh,
		Definition:      l.definition,
	}
	if err := l.cluster.CreateIndex(ctx, name, spec); err != nil {
		return "", fmt.Errorf("create generation %s: %w", name, err)
	}
	l.log.Info("generation created", zap.String("generation", name), zap.Int("shards", shards))
	return name, nil
}

// Restore applies steady-state settings once loading has finished.
func (l *Lifecycle) Restore(ctx context.Context, name string, replicas int, refreshInterval string) error {
	if err := l.cluster.PutSettings(ctx, name, replicas, refreshInterval); err != nil {
		return fmt.Errorf("restore settings on %s: %w", name, err)
	}
	return nil
}

// Delete removes a generation. Failures are logged and swallowed so they never mask
// the error that triggered the cleanup.
func (l *Lifecycle) Delete(ctx context.Context, name string) {
	err := l.cluster.DeleteIndex(ctx, name)
	switch {
	case err == nil:
		l.log.Info("generation deleted", zap.String("generation", name))
	case errors.Is(err, ErrNotFound):
		l.log.Debug("generation already gone", zap.String("generation", name))
	default:
		l.log.Error("delete generation failed", zap.String("generation", name), zap.Error(err))
	}
}
