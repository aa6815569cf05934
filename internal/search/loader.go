package search

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"catalogsearch/indexer/internal/catalog"
)

const (
	defaultChunkSize = 500
	defaultWorkers   = 4
)

type LoaderOptions struct {
	ChunkSize int
	Workers   int
}

// LoadResult counts what one Load call wrote.
type LoadResult struct {
	Indexed int
	Failed  []ItemError
}

// Loader streams documents into an index with a fixed pool of bulk workers.
type Loader struct {
	cluster Cluster
	opts    LoaderOptions
	log     *zap.Logger
}

func NewLoader(cluster Cluster, opts LoaderOptions, log *zap.Logger) *Loader {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	return &Loader{
		cluster: cluster,
		opts:    opts,
		log:     log.With(zap.String("component", "loader")),
	}
}

// Load drains docs into index. Rejected documents are collected in the result and do
// not stop the stream. A source or transport error cancels the remaining batches and is
// returned together with whatever was written before it.
func (l *Loader) Load(ctx context.Context, index string, docs iter.Seq2[catalog.Document, error]) (LoadResult, error) {
	g, gctx := errgroup.WithContext(ctx)
	// Unbuffered: at most Workers chunks are in flight plus the one being filled.
	chunks := make(chan []catalog.Document)

	g.Go(func() error {
		defer close(chunks)
		send := func(chunk []catalog.Document) error {
			select {
			case chunks <- chunk:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		}

		chunk := make([]catalog.Document, 0, l.opts.ChunkSize)
		for doc, err := range docs {
			if err != nil {
				return fmt.Errorf("read documents: %w", err)
			}
			chunk = append(chunk, doc)
			if len(chunk) == l.opts.ChunkSize {
				if err := send(chunk); err != nil {
					return err
				}
				chunk = make([]catalog.Document, 0, l.opts.ChunkSize)
			}
		}
		if len(chunk) > 0 {
			return send(chunk)
		}
		return nil
	})

	var (
		mu     sync.Mutex
		result LoadResult
	)
	for range l.opts.Workers {
		g.Go(func() error {
			for chunk := range chunks {
				resp, err := l.cluster.Bulk(gctx, index, chunk)
				if err != nil {
					return fmt.Errorf("bulk %d documents into %s: %w", len(chunk), index, err)
				}
				mu.Lock()
				result.Indexed += resp.Succeeded
				result.Failed = append(result.Failed, resp.Failed...)
				mu.Unlock()
				if len(resp.Failed) > 0 {
					l.log.Warn("bulk items rejected",
						zap.String("index", index),
						zap.Int("rejected", len(resp.Failed)),
						zap.String("first", resp.Failed[0].Error()))
				}
			}
			return nil
		})
	}

	err := g.Wait()
	l.log.Debug("load finished",
		zap.String("index", index),
		zap.Int("indexed", result.Indexed),
		zap.Int("failed", len(result.Failed)),
		zap.Error(err))
	return result, err
}
