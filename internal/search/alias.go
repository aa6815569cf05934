package search

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"
)

// AliasSwapper swaps generations behind an alias on clusters with native aliases.
type AliasSwapper struct {
	cluster AliasCluster
	log     *zap.Logger
}

func NewAliasSwapper(cluster AliasCluster, log *zap.Logger) *AliasSwapper {
	return &AliasSwapper{
		cluster: cluster,
		log:     log.With(zap.String("component", "alias_swapper")),
	}
}

func (s *AliasSwapper) Live(ctx context.Context, alias string) ([]string, error) {
	indices, err := s.cluster.GetAlias(ctx, alias)
	if err != nil {
		return nil, fmt.Errorf("resolve alias %s: %w", alias, err)
	}
	return indices, nil
}

// Swap binds alias to generation. When the alias already points somewhere, every old
// binding is removed and the new one added in a single request, after which the old
// generations are deleted. Readers therefore always resolve the alias to a complete
// generation.
func (s *AliasSwapper) Swap(ctx context.Context, alias, generation string) error {
	current, err := s.Live(ctx, alias)
	if err != nil {
		return err
	}

	if len(current) == 0 {
		if err := s.cluster.PutAlias(ctx, generation, alias); err != nil {
			return fmt.Errorf("bind alias %s to %s: %w", alias, generation, err)
		}
		s.log.Info("alias bound", zap.String("alias", alias), zap.String("generation", generation))
		return nil
	}

	retired := slices.DeleteFunc(slices.Clone(current), func(name string) bool { return name == generation })
	actions := make([]AliasAction, 0, len(current)+1)
	for _, name := range current {
		actions = append(actions, AliasAction{Op: AliasRemove, Index: name, Alias: alias})
	}
	actions = append(actions, AliasAction{Op: AliasAdd, Index: generation, Alias: alias})
	if err := s.cluster.UpdateAliases(ctx, actions); err != nil {
		return fmt.Errorf("swap alias %s to %s: %w", alias, generation, err)
	}
	s.log.Info("alias swapped",
		zap.String("alias", alias),
		zap.String("generation", generation),
		zap.Strings("retired", retired))

	if len(retired) == 0 {
		return nil
	}
	// The alias already points at the new generation; a failed delete only leaves orphans.
	if err := s.cluster.DeleteIndex(ctx, retired...); err != nil && !errors.Is(err, ErrNotFound) {
		s.log.Error("delete retired generations failed", zap.Strings("indices", retired), zap.Error(err))
	}
	return nil
}
