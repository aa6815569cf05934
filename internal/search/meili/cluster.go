// Package meili runs index generations on Meilisearch.
//
// Meilisearch has no aliases, so the live index is a physical index named after the
// alias and cut-over uses the engine's atomic index swap.
package meili

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"

	"catalogsearch/indexer/internal/catalog"
	"catalogsearch/indexer/internal/search"
)

const (
	taskPollInterval = 50 * time.Millisecond
	listLimit        = 1000
)

type Options struct {
	URL    string
	APIKey string
}

// Cluster implements search.Cluster on Meilisearch.
type Cluster struct {
	client meili.ServiceManager
	log    *zap.Logger
}

var _ search.Cluster = (*Cluster)(nil)

func New(opts Options, log *zap.Logger) *Cluster {
	return &Cluster{
		client: meili.New(opts.URL, meili.WithAPIKey(opts.APIKey)),
		log:    log.With(zap.String("component", "meilisearch")),
	}
}

func isNotFound(err error) bool {
	var apiErr *meili.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// TaskError is an asynchronous task that did not succeed.
type TaskError struct {
	What    string
	UID     int64
	Status  meili.TaskStatus
	Code    string
	Message string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: task %d %s: %s", e.What, e.UID, e.Status, e.Message)
}

func (e *TaskError) Is(target error) bool {
	return target == search.ErrNotFound && (e.Code == "index_not_found" || e.Code == "document_not_found")
}

// wait blocks until the task has finished and turns a failed task into a *TaskError.
func (c *Cluster) wait(ctx context.Context, info *meili.TaskInfo, what string) error {
	task, err := c.client.WaitForTaskWithContext(ctx, info.TaskUID, taskPollInterval)
	if err != nil {
		return fmt.Errorf("wait for %s: %w", what, err)
	}
	if task.Status != meili.TaskStatusSucceeded {
		return &TaskError{
			What:    what,
			UID:     info.TaskUID,
			Status:  task.Status,
			Code:    task.Error.Code,
			Message: task.Error.Message,
		}
	}
	return nil
}

// Ping checks that the server answers.
func (c *Cluster) Ping(ctx context.Context) error {
	if _, err := c.client.HealthWithContext(ctx); err != nil {
		return fmt.Errorf("meilisearch health: %w", err)
	}
	return nil
}

// CreateIndex creates the index and applies the attribute settings of the definition.
// Shard, replica and refresh settings have no Meilisearch equivalent.
func (c *Cluster) CreateIndex(ctx context.Context, name string, spec search.IndexSpec) error {
	info, err := c.client.CreateIndexWithContext(ctx, &meili.IndexConfig{
		Uid:        name,
		PrimaryKey: spec.Definition.PrimaryKey,
	})
	if err != nil {
		return fmt.Errorf("create index %s: %w", name, err)
	}
	if err := c.wait(ctx, info, "create index "+name); err != nil {
		return err
	}
	return c.configure(ctx, name, spec.Definition)
}

type settingsUpdate struct {
	what string
	run  func() (*meili.TaskInfo, error)
}

func (c *Cluster) configure(ctx context.Context, name string, def search.Definition) error {
	index := c.client.Index(name)

	var updates []settingsUpdate
	add := func(what string, run func() (*meili.TaskInfo, error)) {
		updates = append(updates, settingsUpdate{what: what, run: run})
	}

	if len(def.Searchable) > 0 {
		searchable := append([]string(nil), def.Searchable...)
		add("searchable attributes", func() (*meili.TaskInfo, error) {
			return index.UpdateSearchableAttributesWithContext(ctx, &searchable)
		})
	}
	if len(def.Filterable) > 0 {
		filterable := make([]interface{}, len(def.Filterable))
		for i, v := range def.Filterable {
			filterable[i] = v
		}
		add("filterable attributes", func() (*meili.TaskInfo, error) {
			return index.UpdateFilterableAttributesWithContext(ctx, &filterable)
		})
	}
	if len(def.Sortable) > 0 {
		sortable := append([]string(nil), def.Sortable...)
		add("sortable attributes", func() (*meili.TaskInfo, error) {
			return index.UpdateSortableAttributesWithContext(ctx, &sortable)
		})
	}
	if len(def.RankingRules) > 0 {
		rules := append([]string(nil), def.RankingRules...)
		add("ranking rules", func() (*meili.TaskInfo, error) {
			return index.UpdateRankingRulesWithContext(ctx, &rules)
		})
	}
	if len(def.Displayed) > 0 {
		displayed := append([]string(nil), def.Displayed...)
		add("displayed attributes", func() (*meili.TaskInfo, error) {
			return index.UpdateDisplayedAttributesWithContext(ctx, &displayed)
		})
	}

	for _, u := range updates {
		info, err := u.run()
		if err != nil {
			return fmt.Errorf("update %s for %s: %w", u.what, name, err)
		}
		if err := c.wait(ctx, info, "update "+u.what+" for "+name); err != nil {
			return err
		}
	}
	return nil
}

// PutSettings is a no-op: Meilisearch has neither replicas nor a refresh interval and
// documents are searchable once their task succeeds.
func (c *Cluster) PutSettings(ctx context.Context, name string, replicas int, refreshInterval string) error {
	c.log.Debug("settings not applicable", zap.String("index", name))
	return nil
}

func (c *Cluster) DeleteIndex(ctx context.Context, names ...string) error {
	missing := 0
	for _, name := range names {
		info, err := c.client.DeleteIndexWithContext(ctx, name)
		if err != nil {
			return fmt.Errorf("delete index %s: %w", name, err)
		}
		err = c.wait(ctx, info, "delete index "+name)
		switch {
		case err == nil:
		case errors.Is(err, search.ErrNotFound):
			missing++
		default:
			return err
		}
	}
	if len(names) > 0 && missing == len(names) {
		return search.ErrNotFound
	}
	return nil
}

// Bulk adds docs in one task. Meilisearch accepts or rejects a batch as a whole, so a
// failed task marks every document of the batch as failed.
func (c *Cluster) Bulk(ctx context.Context, index string, docs []catalog.Document) (search.BulkResponse, error) {
	if len(docs) == 0 {
		return search.BulkResponse{}, nil
	}
	info, err := c.client.Index(index).AddDocumentsWithContext(ctx, docs, nil)
	if err != nil {
		return search.BulkResponse{}, fmt.Errorf("add documents to %s: %w", index, err)
	}
	task, err := c.client.WaitForTaskWithContext(ctx, info.TaskUID, taskPollInterval)
	if err != nil {
		return search.BulkResponse{}, fmt.Errorf("wait for documents task %d: %w", info.TaskUID, err)
	}
	if task.Status == meili.TaskStatusSucceeded {
		return search.BulkResponse{Succeeded: len(docs)}, nil
	}

	reason := fmt.Sprintf("task %d %s: %s", info.TaskUID, task.Status, task.Error.Message)
	failed := make([]search.ItemError, len(docs))
	for i, doc := range docs {
		failed[i] = search.ItemError{ID: doc.ID(), Status: http.StatusBadRequest, Reason: reason}
	}
	return search.BulkResponse{Failed: failed}, nil
}

// DeleteDocument deletes id from index. Meilisearch deletes missing documents without
// complaint, so presence is checked first to report ErrNotFound.
func (c *Cluster) DeleteDocument(ctx context.Context, index, id string) error {
	idx := c.client.Index(index)
	var existing map[string]interface{}
	err := idx.GetDocumentWithContext(ctx, id, &meili.DocumentQuery{Fields: []string{"normalized_name"}}, &existing)
	if isNotFound(err) {
		return search.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get document %s from %s: %w", id, index, err)
	}

	info, err := idx.DeleteDocumentWithContext(ctx, id, nil)
	if err != nil {
		return fmt.Errorf("delete document %s from %s: %w", id, index, err)
	}
	return c.wait(ctx, info, "delete document "+id)
}

func (c *Cluster) ListIndices(ctx context.Context, prefix string) ([]search.IndexInfo, error) {
	resp, err := c.client.ListIndexesWithContext(ctx, &meili.IndexesQuery{Limit: listLimit})
	if err != nil {
		return nil, fmt.Errorf("list indexes: %w", err)
	}
	var indices []search.IndexInfo
	for _, idx := range resp.Results {
		if strings.HasPrefix(idx.UID, prefix) {
			indices = append(indices, search.IndexInfo{Name: idx.UID, CreatedAt: idx.CreatedAt})
		}
	}
	return indices, nil
}

// exists reports whether the index is present.
func (c *Cluster) exists(ctx context.Context, name string) (bool, error) {
	_, err := c.client.GetIndexWithContext(ctx, name)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get index %s: %w", name, err)
	}
	return true, nil
}

func (c *Cluster) swap(ctx context.Context, a, b string) error {
	info, err := c.client.SwapIndexesWithContext(ctx, []*meili.SwapIndexesParams{{Indexes: []string{a, b}}})
	if err != nil {
		return fmt.Errorf("swap %s and %s: %w", a, b, err)
	}
	return c.wait(ctx, info, "swap "+a+" and "+b)
}
