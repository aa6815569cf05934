package meili

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"catalogsearch/indexer/internal/search"
)

// Swapper implements search.Swapper. The alias is the physical index readers query;
// a swap exchanges its contents with the new generation in one task and then drops the
// generation, which by then holds the retired documents.
type Swapper struct {
	cluster    *Cluster
	definition search.Definition
	log        *zap.Logger
}

var _ search.Swapper = (*Swapper)(nil)

func NewSwapper(cluster *Cluster, definition search.Definition, log *zap.Logger) *Swapper {
	return &Swapper{
		cluster:    cluster,
		definition: definition,
		log:        log.With(zap.String("component", "meili_swapper")),
	}
}

func (s *Swapper) Live(ctx context.Context, alias string) ([]string, error) {
	ok, err := s.cluster.exists(ctx, alias)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return []string{alias}, nil
}

func (s *Swapper) Swap(ctx context.Context, alias, generation string) error {
	ok, err := s.cluster.exists(ctx, alias)
	if err != nil {
		return err
	}
	if !ok {
		// Swapping needs both sides to exist; the empty placeholder is dropped below.
		if err := s.cluster.CreateIndex(ctx, alias, search.IndexSpec{Definition: search.Definition{PrimaryKey: s.definition.PrimaryKey}}); err != nil {
			return fmt.Errorf("create live index %s: %w", alias, err)
		}
	}

	if err := s.cluster.swap(ctx, alias, generation); err != nil {
		return err
	}
	s.log.Info("index swapped", zap.String("alias", alias), zap.String("generation", generation))

	if err := s.cluster.DeleteIndex(ctx, generation); err != nil && !errors.Is(err, search.ErrNotFound) {
		s.log.Error("delete retired index failed", zap.String("index", generation), zap.Error(err))
	}
	return nil
}
