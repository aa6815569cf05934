// Package embedded runs the search cluster in process on bleve. Index aliases map
// onto bleve index aliases, which swap their member indexes atomically.
package embedded

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"go.uber.org/zap"

	"catalogsearch/indexer/internal/catalog"
	"catalogsearch/indexer/internal/search"
)

const (
	aliasesFile = "aliases.json"
	// createdFile sits inside each index directory. Directory mtimes move with every
	// segment write so they cannot stand in for it.
	createdFile = "created_at"
)

type physical struct {
	index    bleve.Index
	created  time.Time
	replicas int
	refresh  string
}

type binding struct {
	alias   bleve.IndexAlias
	members []string
}

// Cluster implements search.AliasCluster. An empty dir keeps every index in memory;
// otherwise indexes live in dir/<name> and alias bindings in dir/aliases.json.
type Cluster struct {
	mu      sync.RWMutex
	dir     string
	indices map[string]*physical
	aliases map[string]*binding
	log     *zap.Logger
}

var _ search.AliasCluster = (*Cluster)(nil)

func New(dir string, log *zap.Logger) (*Cluster, error) {
	c := &Cluster{
		dir:     dir,
		indices: map[string]*physical{},
		aliases: map[string]*binding{},
		log:     log.With(zap.String("component", "embedded")),
	}
	if dir == "" {
		return c, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index directory %s: %w", dir, err)
	}
	if err := c.load(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// load reopens indexes and alias bindings left by a previous process.
func (c *Cluster) load() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("read index directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		idx, err := bleve.Open(filepath.Join(c.dir, entry.Name()))
		if err != nil {
			c.log.Warn("skipping unreadable index", zap.String("index", entry.Name()), zap.Error(err))
			continue
		}
		c.indices[entry.Name()] = &physical{index: idx, created: readCreated(filepath.Join(c.dir, entry.Name()))}
	}

	raw, err := os.ReadFile(filepath.Join(c.dir, aliasesFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read alias bindings: %w", err)
	}
	var bindings map[string][]string
	if err := json.Unmarshal(raw, &bindings); err != nil {
		return fmt.Errorf("decode alias bindings: %w", err)
	}
	for alias, members := range bindings {
		b := &binding{alias: bleve.NewIndexAlias()}
		for _, name := range members {
			if p, ok := c.indices[name]; ok {
				b.alias.Add(p.index)
				b.members = append(b.members, name)
			}
		}
		c.aliases[alias] = b
	}
	c.log.Info("embedded cluster loaded", zap.Int("indices", len(c.indices)), zap.Int("aliases", len(c.aliases)))
	return nil
}

// readCreated returns the creation time recorded in an index directory. A missing or
// unreadable record yields the zero time, which sweeping treats as unknown.
func readCreated(dir string) time.Time {
	raw, err := os.ReadFile(filepath.Join(dir, createdFile))
	if err != nil {
		return time.Time{}
	}
	created, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(raw)))
	if err != nil {
		return time.Time{}
	}
	return created
}

func writeCreated(dir string, created time.Time) error {
	raw := []byte(created.UTC().Format(time.RFC3339Nano))
	if err := os.WriteFile(filepath.Join(dir, createdFile), raw, 0o644); err != nil {
		return fmt.Errorf("record creation time: %w", err)
	}
	return nil
}

func (c *Cluster) persistAliases() error {
	if c.dir == "" {
		return nil
	}
	bindings := make(map[string][]string, len(c.aliases))
	for alias, b := range c.aliases {
		if len(b.members) > 0 {
			bindings[alias] = b.members
		}
	}
	raw, err := json.Marshal(bindings)
	if err != nil {
		return err
	}
	tmp := filepath.Join(c.dir, aliasesFile+".tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write alias bindings: %w", err)
	}
	return os.Rename(tmp, filepath.Join(c.dir, aliasesFile))
}

// Close closes every open index.
func (c *Cluster) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for name, p := range c.indices {
		if err := p.index.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	c.indices = map[string]*physical{}
	c.aliases = map[string]*binding{}
	return errors.Join(errs...)
}

func (c *Cluster) Ping(ctx context.Context) error { return nil }

func (c *Cluster) CreateIndex(ctx context.Context, name string, spec search.IndexSpec) error {
	m, err := indexMapping(spec.Definition)
	if err != nil {
		return fmt.Errorf("build mapping for %s: %w", name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.indices[name]; ok {
		return fmt.Errorf("index %s already exists", name)
	}
	if _, ok := c.aliases[name]; ok {
		return fmt.Errorf("index name %s is in use by an alias", name)
	}

	created := time.Now()
	var idx bleve.Index
	if c.dir == "" {
		idx, err = bleve.NewMemOnly(m)
	} else {
		path := filepath.Join(c.dir, name)
		idx, err = bleve.New(path, m)
		if err == nil {
			if err = writeCreated(path, created); err != nil {
				_ = idx.Close()
				_ = os.RemoveAll(path)
			}
		}
	}
	if err != nil {
		return fmt.Errorf("create index %s: %w", name, err)
	}
	c.indices[name] = &physical{
		index:    idx,
		created:  created,
		replicas: spec.Replicas,
		refresh:  spec.RefreshInterval,
	}
	return nil
}

// PutSettings records the settings; bleve has no replicas and makes writes visible as
// soon as a batch commits.
func (c *Cluster) PutSettings(ctx context.Context, name string, replicas int, refreshInterval string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.indices[name]
	if !ok {
		return fmt.Errorf("put settings on %s: %w", name, search.ErrNotFound)
	}
	p.replicas, p.refresh = replicas, refreshInterval
	return nil
}

func (c *Cluster) DeleteIndex(ctx context.Context, names ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	missing := 0
	aliasesChanged := false
	for _, name := range names {
		p, ok := c.indices[name]
		if !ok {
			missing++
			continue
		}
		for _, b := range c.aliases {
			if i := slices.Index(b.members, name); i >= 0 {
				b.alias.Remove(p.index)
				b.members = slices.Delete(b.members, i, i+1)
				aliasesChanged = true
			}
		}
		delete(c.indices, name)
		if err := p.index.Close(); err != nil {
			c.log.Warn("close index failed", zap.String("index", name), zap.Error(err))
		}
		if c.dir != "" {
			if err := os.RemoveAll(filepath.Join(c.dir, name)); err != nil {
				return fmt.Errorf("remove index %s: %w", name, err)
			}
		}
	}
	if aliasesChanged {
		if err := c.persistAliases(); err != nil {
			return err
		}
	}
	if len(names) > 0 && missing == len(names) {
		return search.ErrNotFound
	}
	return nil
}

func (c *Cluster) lookup(name string) (bleve.Index, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.indices[name]
	if !ok {
		return nil, fmt.Errorf("index %s: %w", name, search.ErrNotFound)
	}
	return p.index, nil
}

func (c *Cluster) Bulk(ctx context.Context, index string, docs []catalog.Document) (search.BulkResponse, error) {
	idx, err := c.lookup(index)
	if err != nil {
		return search.BulkResponse{}, err
	}
	if err := ctx.Err(); err != nil {
		return search.BulkResponse{}, err
	}

	var resp search.BulkResponse
	batch := idx.NewBatch()
	for _, doc := range docs {
		if err := batch.Index(doc.ID(), doc); err != nil {
			resp.Failed = append(resp.Failed, search.ItemError{ID: doc.ID(), Status: 400, Reason: err.Error()})
			continue
		}
		resp.Succeeded++
	}
	if err := idx.Batch(batch); err != nil {
		return search.BulkResponse{}, fmt.Errorf("execute batch on %s: %w", index, err)
	}
	return resp, nil
}

func (c *Cluster) DeleteDocument(ctx context.Context, index, id string) error {
	idx, err := c.lookup(index)
	if err != nil {
		return err
	}
	doc, err := idx.Document(id)
	if err != nil {
		return fmt.Errorf("get document %s: %w", id, err)
	}
	if doc == nil {
		return search.ErrNotFound
	}
	if err := idx.Delete(id); err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	return nil
}

func (c *Cluster) ListIndices(ctx context.Context, prefix string) ([]search.IndexInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []search.IndexInfo
	for name, p := range c.indices {
		if strings.HasPrefix(name, prefix) {
			out = append(out, search.IndexInfo{Name: name, CreatedAt: p.created})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *Cluster) GetAlias(ctx context.Context, alias string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.aliases[alias]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), b.members...), nil
}

// UpdateAliases validates every action before touching any alias, then applies the
// changes to each alias with a single bleve swap.
func (c *Cluster) UpdateAliases(ctx context.Context, actions []search.AliasAction) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	type change struct {
		in, out []string
	}
	changes := map[string]*change{}
	for _, a := range actions {
		if _, ok := c.indices[a.Index]; !ok {
			return fmt.Errorf("alias action %s %s on %s: %w", a.Op, a.Alias, a.Index, search.ErrNotFound)
		}
		if _, ok := c.indices[a.Alias]; ok {
			return fmt.Errorf("alias %s clashes with an index name", a.Alias)
		}
		ch := changes[a.Alias]
		if ch == nil {
			ch = &change{}
			changes[a.Alias] = ch
		}
		switch a.Op {
		case search.AliasAdd:
			ch.in = append(ch.in, a.Index)
		case search.AliasRemove:
			ch.out = append(ch.out, a.Index)
		default:
			return fmt.Errorf("unknown alias op %q", a.Op)
		}
	}

	for alias, ch := range changes {
		b := c.aliases[alias]
		if b == nil {
			b = &binding{alias: bleve.NewIndexAlias()}
			c.aliases[alias] = b
		}
		members := map[string]bool{}
		for _, name := range ch.out {
			members[name] = false
		}
		for _, name := range ch.in {
			members[name] = true
		}

		// The bleve alias keeps duplicates, so only real membership changes are swapped.
		var added, removed []string
		for name, keep := range members {
			bound := slices.Contains(b.members, name)
			switch {
			case keep && !bound:
				added = append(added, name)
			case !keep && bound:
				removed = append(removed, name)
			}
		}
		b.alias.Swap(c.resolve(added), c.resolve(removed))
		b.members = slices.DeleteFunc(b.members, func(name string) bool { return slices.Contains(removed, name) })
		b.members = append(b.members, added...)
		sort.Strings(b.members)
	}
	return c.persistAliases()
}

func (c *Cluster) PutAlias(ctx context.Context, index, alias string) error {
	return c.UpdateAliases(ctx, []search.AliasAction{{Op: search.AliasAdd, Index: index, Alias: alias}})
}

func (c *Cluster) resolve(names []string) []bleve.Index {
	out := make([]bleve.Index, 0, len(names))
	for _, name := range names {
		out = append(out, c.indices[name].index)
	}
	return out
}

// target returns the alias or index called name. The caller holds c.mu so the index
// cannot be closed while it is read.
func (c *Cluster) target(name string) (bleve.Index, error) {
	if b, ok := c.aliases[name]; ok {
		return b.alias, nil
	}
	if p, ok := c.indices[name]; ok {
		return p.index, nil
	}
	return nil, fmt.Errorf("%s: %w", name, search.ErrNotFound)
}

// Count returns the number of documents visible through an alias or index.
func (c *Cluster) Count(ctx context.Context, name string) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, err := c.target(name)
	if err != nil {
		return 0, err
	}
	return t.DocCount()
}

// Lookup returns the stored fields of one document read through an alias or index.
func (c *Cluster) Lookup(ctx context.Context, name, id string) (map[string]interface{}, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, err := c.target(name)
	if err != nil {
		return nil, err
	}
	req := bleve.NewSearchRequest(bleve.NewDocIDQuery([]string{id}))
	req.Fields = []string{"*"}
	res, err := t.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("lookup %s in %s: %w", id, name, err)
	}
	if len(res.Hits) == 0 {
		return nil, fmt.Errorf("document %s in %s: %w", id, name, search.ErrNotFound)
	}
	return res.Hits[0].Fields, nil
}
