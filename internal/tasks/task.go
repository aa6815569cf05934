// Package tasks queues index work in Redis and runs it against the orchestrator.
package tasks

import (
	"fmt"
	"time"

	"catalogsearch/indexer/internal/catalog"
)

type Kind string

const (
	KindReindex        Kind = "reindex"
	KindReindexProject Kind = "reindex_project"
	KindUnindexProject Kind = "unindex_project"
	KindSweep          Kind = "sweep"
)

// Where a task came from.
const (
	SourceHTTP     = "http"
	SourceEvent    = "event"
	SourceSchedule = "schedule"
	SourceCLI      = "cli"
)

// Task is one queued unit of index work.
type Task struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Project    string    `json:"project,omitempty"`
	Source     string    `json:"source,omitempty"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Validate rejects unknown kinds and project tasks without a project.
func (t Task) Validate() error {
	switch t.Kind {
	case KindReindex, KindSweep:
		return nil
	case KindReindexProject, KindUnindexProject:
		if catalog.Normalize(t.Project) == "" {
			return fmt.Errorf("task %s: project is required", t.Kind)
		}
		return nil
	default:
		return fmt.Errorf("unknown task kind %q", t.Kind)
	}
}
