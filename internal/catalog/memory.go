package catalog

import (
	"context"
	"iter"
	"sort"
	"sync"
)

// MemorySource serves documents from releases held in memory. It applies the
// same selection rules as PostgresSource.
type MemorySource struct {
	mu       sync.RWMutex
	releases []Release
}

func NewMemorySource(releases ...Release) *MemorySource {
	return &MemorySource{releases: append([]Release(nil), releases...)}
}

// Add appends releases to the catalog.
func (m *MemorySource) Add(releases ...Release) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases = append(m.releases, releases...)
}

// Remove drops every release of the project.
func (m *MemorySource) Remove(project string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	normalized := Normalize(project)
	kept := m.releases[:0]
	for _, r := range m.releases {
		if Normalize(r.Project) != normalized {
			kept = append(kept, r)
		}
	}
	m.releases = kept
}

func (m *MemorySource) Stream(ctx context.Context, project string) iter.Seq2[Document, error] {
	return func(yield func(Document, error) bool) {
		for _, doc := range m.snapshot(project) {
			if err := ctx.Err(); err != nil {
				yield(Document{}, err)
				return
			}
			if !yield(doc, nil) {
				return
			}
		}
	}
}

func (m *MemorySource) snapshot(project string) []Document {
	m.mu.RLock()
	candidates := make([]Release, 0, len(m.releases))
	filter := Normalize(project)
	for _, r := range m.releases {
		if !r.Indexable() {
			continue
		}
		if filter != "" && Normalize(r.Project) != filter {
			continue
		}
		candidates = append(candidates, r)
	}
	m.mu.RUnlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Project != candidates[j].Project {
			return candidates[i].Project < candidates[j].Project
		}
		return Better(candidates[i], candidates[j])
	})

	docs := make([]Document, 0, len(candidates))
	for i, r := range candidates {
		if i > 0 && candidates[i-1].Project == r.Project {
			continue
		}
		docs = append(docs, newDocument(r))
	}
	return docs
}
