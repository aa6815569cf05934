package opensearch

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"catalogsearch/indexer/internal/catalog"
	"catalogsearch/indexer/internal/search"
)

type recorded struct {
	method string
	path   string
	query  string
	body   string
}

func setupTestCluster(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, body string)) (*Cluster, *[]recorded) {
	t.Helper()
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		calls = append(calls, recorded{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			body:   string(body),
		})
		w.Header().Set("Content-Type", "application/json")
		handler(w, r, string(body))
	}))
	t.Cleanup(srv.Close)

	c, err := New(context.Background(), Options{URL: srv.URL, Timeout: 5 * time.Second}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c, &calls
}

func TestCreateIndex(t *testing.T) {
	c, calls := setupTestCluster(t, func(w http.ResponseWriter, r *http.Request, body string) {
		_, _ = io.WriteString(w, `{"acknowledged":true,"shards_acknowledged":true,"index":"projects-0123456789"}`)
	})

	spec := search.IndexSpec{Shards: 2, Replicas: 0, RefreshInterval: "-1", Definition: search.ProjectDefinition()}
	if err := c.CreateIndex(context.Background(), "projects-0123456789", spec); err != nil {
		t.Fatalf("CreateIndex failed: %v", err)
	}

	call := (*calls)[0]
	if call.method != http.MethodPut || call.path != "/projects-0123456789" {
		t.Fatalf("unexpected request %s %s", call.method, call.path)
	}
	if call.query != "wait_for_active_shards=2" {
		t.Errorf("unexpected query %q", call.query)
	}
	var payload struct {
		Settings struct {
			Index struct {
				Shards   int    `json:"number_of_shards"`
				Replicas int    `json:"number_of_replicas"`
				Refresh  string `json:"refresh_interval"`
			} `json:"index"`
			Analysis map[string]any `json:"analysis"`
		} `json:"settings"`
		Mappings map[string]any `json:"mappings"`
	}
	if err := json.Unmarshal([]byte(call.body), &payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if payload.Settings.Index.Shards != 2 || payload.Settings.Index.Replicas != 0 || payload.Settings.Index.Refresh != "-1" {
		t.Errorf("unexpected index settings %+v", payload.Settings.Index)
	}
	if payload.Settings.Analysis == nil || payload.Mappings == nil {
		t.Error("expected analysis and mappings in the create request")
	}
}

func TestCreateIndexShardsNotActive(t *testing.T) {
	c, _ := setupTestCluster(t, func(w http.ResponseWriter, r *http.Request, body string) {
		_, _ = io.WriteString(w, `{"acknowledged":true,"shards_acknowledged":false}`)
	})
	if err := c.CreateIndex(context.Background(), "projects-0123456789", search.IndexSpec{Shards: 1}); err == nil {
		t.Fatal("expected error when shards are not active")
	}
}

func TestCreateIndexErrorResponse(t *testing.T) {
	c, _ := setupTestCluster(t, func(w http.ResponseWriter, r *http.Request, body string) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"type":"resource_already_exists_exception","reason":"index exists"},"status":400}`)
	})
	err := c.CreateIndex(context.Background(), "projects-0123456789", search.IndexSpec{Shards: 1})
	var respErr *ResponseError
	if !errors.As(err, &respErr) {
		t.Fatalf("expected ResponseError, got %v", err)
	}
	if respErr.Status != http.StatusBadRequest {
		t.Errorf("unexpected status %d", respErr.Status)
	}
	if respErr.Err == nil || !strings.Contains(err.Error(), "resource_already_exists_exception") {
		t.Errorf("expected the parsed error type in %q", err)
	}
	if errors.Is(err, search.ErrNotFound) {
		t.Error("400 must not match ErrNotFound")
	}
}

func TestPutSettings(t *testing.T) {
	c, calls := setupTestCluster(t, func(w http.ResponseWriter, r *http.Request, body string) {
		_, _ = io.WriteString(w, `{"acknowledged":true}`)
	})
	if err := c.PutSettings(context.Background(), "projects-0123456789", 1, "1s"); err != nil {
		t.Fatalf("PutSettings failed: %v", err)
	}
	call := (*calls)[0]
	if call.path != "/projects-0123456789/_settings" {
		t.Errorf("unexpected path %s", call.path)
	}
	if call.body != `{"index":{"number_of_replicas":1,"refresh_interval":"1s"}}` {
		t.Errorf("unexpected body %s", call.body)
	}
}

func TestBulk(t *testing.T) {
	c, calls := setupTestCluster(t, func(w http.ResponseWriter, r *http.Request, body string) {
		_, _ = io.WriteString(w, `{"took":3,"errors":true,"items":[
			{"index":{"_id":"alpha","status":201}},
			{"index":{"_id":"beta","status":400,"error":{"type":"mapper_parsing_exception","reason":"failed to parse"}}},
			{"index":{"_id":"gamma","status":200}}
		]}`)
	})

	docs := []catalog.Document{
		{Name: "Alpha", NormalizedName: "alpha"},
		{Name: "beta", NormalizedName: "beta"},
		{Name: "gamma", NormalizedName: "gamma"},
	}
	resp, err := c.Bulk(context.Background(), "projects-0123456789", docs)
	if err != nil {
		t.Fatalf("Bulk failed: %v", err)
	}
	if resp.Succeeded != 2 || len(resp.Failed) != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Failed[0].ID != "beta" || resp.Failed[0].Status != 400 {
		t.Errorf("unexpected failure %+v", resp.Failed[0])
	}

	call := (*calls)[0]
	if call.method != http.MethodPost || call.path != "/projects-0123456789/_bulk" {
		t.Fatalf("unexpected request %s %s", call.method, call.path)
	}
	scanner := bufio.NewScanner(strings.NewReader(call.body))
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != 6 {
		t.Fatalf("expected 6 ndjson lines, got %d", len(lines))
	}
	if lines[0] != `{"index":{"_id":"alpha"}}` {
		t.Errorf("unexpected action line %s", lines[0])
	}
	if !strings.Contains(lines[1], `"normalized_name":"alpha"`) {
		t.Errorf("unexpected source line %s", lines[1])
	}
}

func TestDeleteDocumentNotFound(t *testing.T) {
	c, calls := setupTestCluster(t, func(w http.ResponseWriter, r *http.Request, body string) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"_index":"projects-0123456789","_id":"ghost","result":"not_found"}`)
	})
	err := c.DeleteDocument(context.Background(), "projects-0123456789", "ghost")
	if !errors.Is(err, search.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if got := (*calls)[0].path; got != "/projects-0123456789/_doc/ghost" {
		t.Errorf("unexpected path %s", got)
	}
}

func TestGetAlias(t *testing.T) {
	bound := false
	c, _ := setupTestCluster(t, func(w http.ResponseWriter, r *http.Request, body string) {
		if !bound {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":"alias [projects] missing","status":404}`)
			return
		}
		_, _ = io.WriteString(w, `{"projects-bbbbbbbbbb":{"aliases":{"projects":{}}},"projects-aaaaaaaaaa":{"aliases":{"projects":{}}}}`)
	})

	indices, err := c.GetAlias(context.Background(), "projects")
	if err != nil || len(indices) != 0 {
		t.Fatalf("expected unbound alias, got %v, %v", indices, err)
	}

	bound = true
	indices, err = c.GetAlias(context.Background(), "projects")
	if err != nil {
		t.Fatalf("GetAlias failed: %v", err)
	}
	if len(indices) != 2 || indices[0] != "projects-aaaaaaaaaa" || indices[1] != "projects-bbbbbbbbbb" {
		t.Fatalf("unexpected indices %v", indices)
	}
}

func TestGetAliasServerError(t *testing.T) {
	c, _ := setupTestCluster(t, func(w http.ResponseWriter, r *http.Request, body string) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"error":{"type":"security_exception","reason":"no permissions"},"status":403}`)
	})
	_, err := c.GetAlias(context.Background(), "projects")
	var respErr *ResponseError
	if !errors.As(err, &respErr) || respErr.Status != http.StatusForbidden {
		t.Fatalf("expected a 403 ResponseError, got %v", err)
	}
	if !strings.Contains(err.Error(), "security_exception") {
		t.Errorf("expected the response body in %q", err)
	}
}

func TestUpdateAliases(t *testing.T) {
	c, calls := setupTestCluster(t, func(w http.ResponseWriter, r *http.Request, body string) {
		_, _ = io.WriteString(w, `{"acknowledged":true}`)
	})
	actions := []search.AliasAction{
		{Op: search.AliasRemove, Index: "projects-aaaaaaaaaa", Alias: "projects"},
		{Op: search.AliasAdd, Index: "projects-bbbbbbbbbb", Alias: "projects"},
	}
	if err := c.UpdateAliases(context.Background(), actions); err != nil {
		t.Fatalf("UpdateAliases failed: %v", err)
	}
	want := `{"actions":[{"remove":{"alias":"projects","index":"projects-aaaaaaaaaa"}},{"add":{"alias":"projects","index":"projects-bbbbbbbbbb"}}]}`
	if got := (*calls)[0].body; got != want {
		t.Errorf("unexpected body\n got %s\nwant %s", got, want)
	}
}

func TestDeleteIndex(t *testing.T) {
	c, calls := setupTestCluster(t, func(w http.ResponseWriter, r *http.Request, body string) {
		_, _ = io.WriteString(w, `{"acknowledged":true}`)
	})
	if err := c.DeleteIndex(context.Background(), "projects-aaaaaaaaaa", "projects-bbbbbbbbbb"); err != nil {
		t.Fatalf("DeleteIndex failed: %v", err)
	}
	call := (*calls)[0]
	if call.method != http.MethodDelete || call.path != "/projects-aaaaaaaaaa,projects-bbbbbbbbbb" {
		t.Errorf("unexpected request %s %s", call.method, call.path)
	}
	if call.query != "ignore_unavailable=true" {
		t.Errorf("unexpected query %s", call.query)
	}
}

func TestListIndices(t *testing.T) {
	c, calls := setupTestCluster(t, func(w http.ResponseWriter, r *http.Request, body string) {
		_, _ = io.WriteString(w, `[{"index":"projects-bbbbbbbbbb","creation.date":"1700000000000"},{"index":"projects-aaaaaaaaaa","creation.date":"1600000000000"}]`)
	})
	indices, err := c.ListIndices(context.Background(), "projects-")
	if err != nil {
		t.Fatalf("ListIndices failed: %v", err)
	}
	if len(indices) != 2 || indices[0].Name != "projects-aaaaaaaaaa" {
		t.Fatalf("unexpected indices %+v", indices)
	}
	if !indices[0].CreatedAt.Equal(time.UnixMilli(1600000000000)) {
		t.Errorf("unexpected creation date %s", indices[0].CreatedAt)
	}
	if got := (*calls)[0].path; got != "/_cat/indices/projects-*" {
		t.Errorf("unexpected path %s", got)
	}
}

func TestSignedRequests(t *testing.T) {
	var authorization string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization = r.Header.Get("Authorization")
		_, _ = io.WriteString(w, `{"acknowledged":true}`)
	}))
	defer srv.Close()

	c, err := New(context.Background(), Options{
		URL:          srv.URL + "/?aws_auth=true&region=eu-west-1",
		AWSKeyID:     "AKIDEXAMPLE",
		AWSSecretKey: "secret",
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := c.PutAlias(context.Background(), "projects-aaaaaaaaaa", "projects"); err != nil {
		t.Fatalf("PutAlias failed: %v", err)
	}
	if !strings.HasPrefix(authorization, "AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/") {
		t.Fatalf("expected sigv4 authorization, got %q", authorization)
	}
	if !strings.Contains(authorization, "/eu-west-1/es/aws4_request") {
		t.Errorf("expected eu-west-1 es scope, got %q", authorization)
	}
}

func TestBasicAuthFromURL(t *testing.T) {
	var user, password string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, password, _ = r.BasicAuth()
		_, _ = io.WriteString(w, `{"acknowledged":true}`)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	u.User = url.UserPassword("indexer", "s3cret")
	c, err := New(context.Background(), Options{URL: u.String()}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := c.PutAlias(context.Background(), "projects-aaaaaaaaaa", "projects"); err != nil {
		t.Fatalf("PutAlias failed: %v", err)
	}
	if user != "indexer" || password != "s3cret" {
		t.Errorf("expected basic auth from the url, got %q/%q", user, password)
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	if _, err := New(context.Background(), Options{URL: "localhost:9200"}, zaptest.NewLogger(t)); err == nil {
		t.Fatal("expected error for url without scheme")
	}
}
