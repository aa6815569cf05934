package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"catalogsearch/indexer/internal/metrics"
	"catalogsearch/indexer/internal/tasks"
)

type fakeQueue struct {
	mu    sync.Mutex
	tasks []*tasks.Task
	err   error
}

func (q *fakeQueue) Enqueue(ctx context.Context, t *tasks.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	t.ID = "task-1"
	q.tasks = append(q.tasks, t)
	return nil
}

func newTestServer(t *testing.T, q *fakeQueue, checks map[string]Pinger) (*HTTPServer, *metrics.Metrics) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics("indexer", reg)
	server := NewHTTPServer(ServerOptions{
		Queue:          q,
		Checks:         checks,
		Metrics:        m,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:         zaptest.NewLogger(t),
	})
	return server, m
}

func serve(server *HTTPServer, method, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	return response
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t, &fakeQueue{}, nil)
	rr := serve(server, http.MethodGet, "/api/health")

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	if ok := decode(t, rr)["ok"]; ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		searchErr  error
		wantStatus int
		wantReady  bool
	}{
		{name: "all dependencies up", wantStatus: http.StatusOK, wantReady: true},
		{name: "search down", searchErr: errors.New("connection refused"), wantStatus: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checks := map[string]Pinger{
				"redis":  PingFunc(func(context.Context) error { return nil }),
				"search": PingFunc(func(context.Context) error { return tt.searchErr }),
			}
			server, _ := newTestServer(t, &fakeQueue{}, checks)
			rr := serve(server, http.MethodGet, "/api/ready")

			if rr.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}
			response := decode(t, rr)
			if response["ok"] != tt.wantReady {
				t.Errorf("expected ok=%v, got %v", tt.wantReady, response["ok"])
			}
			search := response["checks"].(map[string]any)["search"].(map[string]any)
			if tt.searchErr != nil && search["error"] != tt.searchErr.Error() {
				t.Errorf("expected the search error to be reported, got %v", search)
			}
		})
	}
}

func TestTriggerEndpoints(t *testing.T) {
	tests := []struct {
		method  string
		path    string
		kind    tasks.Kind
		project string
	}{
		{http.MethodPost, "/api/reindex", tasks.KindReindex, ""},
		{http.MethodPost, "/api/sweep", tasks.KindSweep, ""},
		{http.MethodPost, "/api/projects/Django/reindex", tasks.KindReindexProject, "Django"},
		{http.MethodDelete, "/api/projects/left-pad", tasks.KindUnindexProject, "left-pad"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			q := &fakeQueue{}
			server, _ := newTestServer(t, q, nil)
			rr := serve(server, tt.method, tt.path)

			if rr.Code != http.StatusAccepted {
				t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
			}
			if len(q.tasks) != 1 {
				t.Fatalf("expected one task, got %d", len(q.tasks))
			}
			task := q.tasks[0]
			if task.Kind != tt.kind || task.Project != tt.project || task.Source != tasks.SourceHTTP {
				t.Errorf("unexpected task %+v", task)
			}
			body := decode(t, rr)["task"].(map[string]any)
			if body["id"] != "task-1" || body["kind"] != string(tt.kind) {
				t.Errorf("unexpected response task %v", body)
			}
		})
	}
}

func TestTriggerQueueFailure(t *testing.T) {
	server, _ := newTestServer(t, &fakeQueue{err: errors.New("redis down")}, nil)
	rr := serve(server, http.MethodPost, "/api/reindex")

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rr.Code)
	}
	if code := decode(t, rr)["code"]; code != "SERVER_ERROR" {
		t.Errorf("expected SERVER_ERROR, got %v", code)
	}
}

func TestTriggerRejectsBlankProject(t *testing.T) {
	q := &fakeQueue{}
	server, _ := newTestServer(t, q, nil)
	rr := serve(server, http.MethodDelete, "/api/projects/%20")

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	if code := decode(t, rr)["code"]; code != "INVALID_TASK" {
		t.Errorf("expected INVALID_TASK, got %v", code)
	}
	if len(q.tasks) != 0 {
		t.Errorf("invalid request must not enqueue, got %v", q.tasks)
	}
}

func TestRoutingErrors(t *testing.T) {
	server, _ := newTestServer(t, &fakeQueue{}, nil)
	if rr := serve(server, http.MethodGet, "/api/reindex"); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rr.Code)
	}
	if rr := serve(server, http.MethodGet, "/api/unknown"); rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
	if rr := serve(server, http.MethodOptions, "/api/reindex"); rr.Code != http.StatusNoContent {
		t.Errorf("expected 204 for preflight, got %d", rr.Code)
	}
}

func TestMetricsEndpointAndRequestMetrics(t *testing.T) {
	server, m := newTestServer(t, &fakeQueue{}, nil)
	serve(server, http.MethodPost, "/api/projects/Django/reindex")
	serve(server, http.MethodGet, "/api/nothing-here")

	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/api/projects/{name}/reindex", "202")); got != 1 {
		t.Errorf("expected request counted under its route template, got %v", got)
	}
	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404")); got != 1 {
		t.Errorf("expected unmatched request counted, got %v", got)
	}

	rr := serve(server, http.MethodGet, "/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "indexer_http_requests_total") {
		t.Errorf("expected request metrics in exposition")
	}
}
