// Package opensearch implements the search cluster on OpenSearch via opensearch-go.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/opensearch-project/opensearch-go/v4"
	"github.com/opensearch-project/opensearch-go/v4/opensearchapi"
	"go.uber.org/zap"

	"catalogsearch/indexer/internal/catalog"
	"catalogsearch/indexer/internal/search"
)

const defaultRegion = "us-east-1"

type Options struct {
	// URL of the cluster. The query parameters aws_auth and region switch on SigV4
	// request signing for managed clusters.
	URL          string
	Timeout      time.Duration
	AWSKeyID     string
	AWSSecretKey string
	Transport    http.RoundTripper
}

// Cluster implements search.AliasCluster.
type Cluster struct {
	api *opensearchapi.Client
	log *zap.Logger
}

var _ search.AliasCluster = (*Cluster)(nil)

func New(ctx context.Context, opts Options, log *zap.Logger) (*Cluster, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse opensearch url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("opensearch url %q needs a scheme and host", opts.URL)
	}
	log = log.With(zap.String("component", "opensearch"))

	transport := opts.Transport
	if transport == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.ResponseHeaderTimeout = timeout
		transport = t
	}
	cfg := opensearch.Config{
		Addresses: []string{(&url.URL{Scheme: u.Scheme, Host: u.Host}).String()},
		Transport: transport,
	}
	if u.User != nil {
		cfg.Username = u.User.Username()
		cfg.Password, _ = u.User.Password()
	}

	query := u.Query()
	if query.Has("aws_auth") {
		region := query.Get("region")
		if region == "" {
			region = defaultRegion
		}
		if err := signWithAWS(ctx, &cfg, region, opts.AWSKeyID, opts.AWSSecretKey); err != nil {
			return nil, err
		}
		log.Info("signing requests with aws sigv4", zap.String("region", region))
	}

	api, err := opensearchapi.NewClient(opensearchapi.Config{Client: cfg})
	if err != nil {
		return nil, fmt.Errorf("create opensearch client: %w", err)
	}
	return &Cluster{api: api, log: log}, nil
}

// ResponseError is a non-2xx reply from the cluster. Err is the error the client
// parsed from the response body.
type ResponseError struct {
	Op     string
	Status int
	Err    error
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("opensearch %s: status %d: %v", e.Op, e.Status, e.Err)
}

func (e *ResponseError) Unwrap() error { return e.Err }

func (e *ResponseError) Is(target error) bool {
	return target == search.ErrNotFound && e.Status == http.StatusNotFound
}

// rawResponse returns the HTTP response behind a typed reply, if there was one.
func rawResponse[T any, P interface {
	*T
	Inspect() opensearchapi.Inspect
}](res P) *opensearch.Response {
	if res == nil {
		return nil
	}
	return res.Inspect().Response
}

func fail(op string, res *opensearch.Response, err error) error {
	if res == nil {
		return fmt.Errorf("opensearch %s: %w", op, err)
	}
	return &ResponseError{Op: op, Status: res.StatusCode, Err: err}
}

// perform sends req through the client transport and decodes a 2xx body into out.
// Error replies come back as *ResponseError so callers can branch on the status.
func (c *Cluster) perform(ctx context.Context, op string, req opensearch.Request, out any) error {
	res, err := c.api.Client.Do(ctx, req, out)
	if res != nil && res.Body != nil {
		defer res.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("opensearch %s: %w", op, err)
	}
	if res.IsError() {
		var body []byte
		if res.Body != nil {
			body, _ = io.ReadAll(res.Body)
		}
		return &ResponseError{Op: op, Status: res.StatusCode, Err: errors.New(strings.TrimSpace(string(body)))}
	}
	return nil
}

func jsonBody(payload any) (io.Reader, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return bytes.NewReader(body), nil
}

// Ping checks that the cluster answers.
func (c *Cluster) Ping(ctx context.Context) error {
	res, err := c.api.Info(ctx, nil)
	if err != nil {
		return fail("info", rawResponse(res), err)
	}
	return nil
}

func (c *Cluster) CreateIndex(ctx context.Context, name string, spec search.IndexSpec) error {
	settings := map[string]any{
		"index": map[string]any{
			"number_of_shards":   spec.Shards,
			"number_of_replicas": spec.Replicas,
			"refresh_interval":   spec.RefreshInterval,
		},
	}
	if spec.Definition.Analysis != nil {
		settings["analysis"] = spec.Definition.Analysis
	}
	payload := map[string]any{"settings": settings}
	if spec.Definition.Mappings != nil {
		payload["mappings"] = spec.Definition.Mappings
	}
	body, err := jsonBody(payload)
	if err != nil {
		return err
	}

	res, err := c.api.Indices.Create(ctx, opensearchapi.IndicesCreateReq{
		Index: name,
		Body:  body,
		Params: opensearchapi.IndicesCreateParams{
			WaitForActiveShards: strconv.Itoa(max(spec.Shards, 1)),
		},
	})
	if err != nil {
		return fail("create index "+name, rawResponse(res), err)
	}
	if !res.ShardsAcknowledged {
		return fmt.Errorf("index %s created but %d shards did not become active", name, spec.Shards)
	}
	return nil
}

func (c *Cluster) PutSettings(ctx context.Context, name string, replicas int, refreshInterval string) error {
	body, err := jsonBody(map[string]any{
		"index": map[string]any{
			"number_of_replicas": replicas,
			"refresh_interval":   refreshInterval,
		},
	})
	if err != nil {
		return err
	}
	res, err := c.api.Indices.Settings.Put(ctx, opensearchapi.SettingsPutReq{Indices: []string{name}, Body: body})
	if err != nil {
		return fail("put settings "+name, rawResponse(res), err)
	}
	return nil
}

func (c *Cluster) DeleteIndex(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		return nil
	}
	ignoreUnavailable := true
	res, err := c.api.Indices.Delete(ctx, opensearchapi.IndicesDeleteReq{
		Indices: names,
		Params:  opensearchapi.IndicesDeleteParams{IgnoreUnavailable: &ignoreUnavailable},
	})
	if err != nil {
		return fail("delete "+strings.Join(names, ","), rawResponse(res), err)
	}
	return nil
}

func (c *Cluster) Bulk(ctx context.Context, index string, docs []catalog.Document) (search.BulkResponse, error) {
	if len(docs) == 0 {
		return search.BulkResponse{}, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, doc := range docs {
		action := map[string]any{"index": map[string]string{"_id": doc.ID()}}
		if err := enc.Encode(action); err != nil {
			return search.BulkResponse{}, fmt.Errorf("encode bulk action: %w", err)
		}
		if err := enc.Encode(doc); err != nil {
			return search.BulkResponse{}, fmt.Errorf("encode document %s: %w", doc.ID(), err)
		}
	}

	res, err := c.api.Bulk(ctx, opensearchapi.BulkReq{Index: index, Body: &buf})
	if err != nil {
		return search.BulkResponse{}, fail("bulk into "+index, rawResponse(res), err)
	}

	var out search.BulkResponse
	for _, item := range res.Items {
		for _, ack := range item {
			if ack.Status >= 200 && ack.Status < 300 {
				out.Succeeded++
				continue
			}
			itemErr := search.ItemError{ID: ack.ID, Status: ack.Status}
			if ack.Error != nil {
				itemErr.Reason = ack.Error.Type + ": " + ack.Error.Reason
			}
			out.Failed = append(out.Failed, itemErr)
		}
	}
	return out, nil
}

func (c *Cluster) DeleteDocument(ctx context.Context, index, id string) error {
	res, err := c.api.Document.Delete(ctx, opensearchapi.DocumentDeleteReq{Index: index, DocumentID: id})
	if err != nil {
		return fail("delete "+index+"/"+id, rawResponse(res), err)
	}
	return nil
}

func (c *Cluster) ListIndices(ctx context.Context, prefix string) ([]search.IndexInfo, error) {
	var rows []struct {
		Index        string `json:"index"`
		CreationDate string `json:"creation.date"`
	}
	req := &opensearchapi.CatIndicesReq{
		Indices: []string{prefix + "*"},
		Params:  opensearchapi.CatIndicesParams{H: []string{"index", "creation.date"}},
	}
	err := c.perform(ctx, "list indices "+prefix+"*", req, &rows)
	if errors.Is(err, search.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	indices := make([]search.IndexInfo, 0, len(rows))
	for _, row := range rows {
		info := search.IndexInfo{Name: row.Index}
		if ms, err := strconv.ParseInt(row.CreationDate, 10, 64); err == nil {
			info.CreatedAt = time.UnixMilli(ms).UTC()
		}
		indices = append(indices, info)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i].Name < indices[j].Name })
	return indices, nil
}

func (c *Cluster) GetAlias(ctx context.Context, alias string) ([]string, error) {
	var resp map[string]json.RawMessage
	err := c.perform(ctx, "get alias "+alias, &opensearchapi.AliasGetReq{Alias: []string{alias}}, &resp)
	if errors.Is(err, search.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	indices := make([]string, 0, len(resp))
	for name := range resp {
		indices = append(indices, name)
	}
	sort.Strings(indices)
	return indices, nil
}

func (c *Cluster) UpdateAliases(ctx context.Context, actions []search.AliasAction) error {
	list := make([]map[string]any, 0, len(actions))
	for _, a := range actions {
		list = append(list, map[string]any{
			string(a.Op): map[string]string{"index": a.Index, "alias": a.Alias},
		})
	}
	body, err := jsonBody(map[string]any{"actions": list})
	if err != nil {
		return err
	}
	res, err := c.api.Aliases(ctx, opensearchapi.AliasesReq{Body: body})
	if err != nil {
		return fail("update aliases", rawResponse(res), err)
	}
	return nil
}

func (c *Cluster) PutAlias(ctx context.Context, index, alias string) error {
	res, err := c.api.Indices.Alias.Put(ctx, opensearchapi.AliasPutReq{Indices: []string{index}, Alias: alias})
	if err != nil {
		return fail("put alias "+alias+" on "+index, rawResponse(res), err)
	}
	return nil
}
