package reindex

import (
	"fmt"
	"time"

	"catalogsearch/indexer/internal/search"
)

// Operation names one entry point of the orchestrator.
type Operation string

const (
	OpReindex        Operation = "reindex"
	OpReindexProject Operation = "reindex_project"
	OpUnindexProject Operation = "unindex_project"
	OpSweep          Operation = "sweep"
)

// Kind classifies how a run ended.
type Kind int

const (
	Succeeded Kind = iota
	// Retry means the run did not start because the lock was busy; run it again after
	// Outcome.RetryAfter.
	Retry
	Failed
)

func (k Kind) String() string {
	switch k {
	case Succeeded:
		return "succeeded"
	case Retry:
		return "retry"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the result of one orchestrator run. The caller owns the retry policy.
type Outcome struct {
	Kind       Kind
	RetryAfter time.Duration
	Err        error

	RunID      string
	Generation string
	Indexed    int
	Rejected   int
	Deleted    []string
}

func (o Outcome) OK() bool { return o.Kind == Succeeded }

// GenerationCreateError means a new generation could not be created. Nothing was left
// behind.
type GenerationCreateError struct {
	Err error
}

func (e *GenerationCreateError) Error() string { return "create generation: " + e.Err.Error() }
func (e *GenerationCreateError) Unwrap() error { return e.Err }

// LoadError means documents could not be written. Items holds the documents the
// cluster rejected; Err is set when the stream itself broke.
type LoadError struct {
	Index   string
	Indexed int
	Items   []search.ItemError
	Err     error
}

func (e *LoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("load into %s: %v", e.Index, e.Err)
	}
	msg := fmt.Sprintf("load into %s: %d documents rejected", e.Index, len(e.Items))
	if len(e.Items) > 0 {
		msg += ", first: " + e.Items[0].Error()
	}
	return msg
}

func (e *LoadError) Unwrap() error { return e.Err }

// SwapError means the alias could not be moved to a fully loaded generation. The
// generation is kept for inspection.
type SwapError struct {
	Generation string
	Err        error
}

func (e *SwapError) Error() string {
	return fmt.Sprintf("swap alias to %s (generation kept): %v", e.Generation, e.Err)
}

func (e *SwapError) Unwrap() error { return e.Err }
