// Package search holds the engine-neutral side of the reindex pipeline: the cluster
// contracts implemented by each backend, index generations, the bulk loader and the
// alias swapper.
package search

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"catalogsearch/indexer/internal/catalog"
)

// ErrNotFound is returned when an index or document does not exist.
var ErrNotFound = errors.New("search: not found")

// IndexSpec describes a physical index at creation time.
type IndexSpec struct {
	Shards          int
	Replicas        int
	RefreshInterval string
	Definition      Definition
}

// IndexInfo is a physical index as listed by the cluster.
type IndexInfo struct {
	Name      string
	CreatedAt time.Time
}

// ItemError is a single document rejected by a bulk request.
type ItemError struct {
	ID     string
	Status int
	Reason string
}

func (e ItemError) Error() string {
	return fmt.Sprintf("document %s: %d %s", e.ID, e.Status, e.Reason)
}

// BulkResponse is the per-item acknowledgement of one bulk request.
type BulkResponse struct {
	Succeeded int
	Failed    []ItemError
}

// Cluster is the set of index operations every search backend provides.
type Cluster interface {
	// CreateIndex creates the index and blocks until spec.Shards are active.
	CreateIndex(ctx context.Context, name string, spec IndexSpec) error
	PutSettings(ctx context.Context, name string, replicas int, refreshInterval string) error
	// DeleteIndex removes the named indices. Missing names are not an error, although a
	// backend may report ErrNotFound when none of them existed.
	DeleteIndex(ctx context.Context, names ...string) error
	// Bulk upserts docs keyed by Document.ID. A non-nil error means the request as a
	// whole failed; rejected items are reported in the response.
	Bulk(ctx context.Context, index string, docs []catalog.Document) (BulkResponse, error)
	// DeleteDocument returns ErrNotFound when the document is absent.
	DeleteDocument(ctx context.Context, index, id string) error
	ListIndices(ctx context.Context, prefix string) ([]IndexInfo, error)
}

// AliasOp is one half of an alias action.
type AliasOp string

const (
	AliasAdd    AliasOp = "add"
	AliasRemove AliasOp = "remove"
)

type AliasAction struct {
	Op    AliasOp
	Index string
	Alias string
}

// AliasCluster is a Cluster that can bind aliases to indices.
type AliasCluster interface {
	Cluster
	// GetAlias returns the indices bound to alias, or none when it is unbound.
	GetAlias(ctx context.Context, alias string) ([]string, error)
	// UpdateAliases applies all actions atomically.
	UpdateAliases(ctx context.Context, actions []AliasAction) error
	PutAlias(ctx context.Context, index, alias string) error
}

// Swapper cuts readers of an alias over to a new generation.
type Swapper interface {
	// Live returns the physical indices currently serving alias.
	Live(ctx context.Context, alias string) ([]string, error)
	// Swap makes generation the only index behind alias and retires the old ones.
	Swap(ctx context.Context, alias, generation string) error
}

var generationSuffix = regexp.MustCompile(`^[0-9a-f]{10}$`)

// IsGeneration reports whether name is a generation of alias.
func IsGeneration(alias, name string) bool {
	suffix, ok := strings.CutPrefix(name, alias+"-")
	return ok && generationSuffix.MatchString(suffix)
}
