package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/abdul-hamid-achik/newsrag/internal/db"
	"github.com/abdul-hamid-achik/newsrag/internal/index"
	"github.com/abdul-hamid-achik/newsrag/internal/rag"
	"github.com/abdul-hamid-achik/newsrag/internal/search"
	"github.com/abdul-hamid-achik/newsrag/internal/tracer"
	"github.com/abdul-hamid-achik/newsrag/internal/usage"
	"github.com/abdul-hamid-achik/newsrag/internal/vecindex"
)

type mockAnswerer struct {
	answer    *rag.Answer
	err       error
	questions []string
}

func (m *mockAnswerer) AnswerQuestion(ctx context.Context, question string) (*rag.Answer, error) {
	m.questions = append(m.questions, question)
	if m.err != nil {
		return nil, m.err
	}
	return m.answer, nil
}

func (m *mockAnswerer) Search(ctx context.Context, query string, k int) (*search.Result, error) {
	if m.err != nil {
		return nil, m.err
	}
	hits := []search.Hit{{Document: db.Document{ID: 1, Title: "Fed hikes"}, Score: 0.8}}
	return &search.Result{Query: query, Hits: hits[:min(k, 1)], BuildID: "b1"}, nil
}

type mockStore struct {
	filter db.ArticleFilter
}

func (s *mockStore) ListArticles(ctx context.Context, f db.ArticleFilter) ([]db.Document, error) {
	s.filter = f
	return []db.Document{{ID: 2, Title: "Oil slides", Source: f.Source}}, nil
}

func (s *mockStore) Sources(ctx context.Context) ([]string, error) {
	return []string{"Bloomberg", "Reuters"}, nil
}

func (s *mockStore) Stats(ctx context.Context) (*db.Stats, error) {
	return &db.Stats{Articles: 10, Summarized: 7, AvgSummaryWords: 42}, nil
}

type staticIndex struct{ snap *vecindex.Snapshot }

func (s staticIndex) Snapshot() *vecindex.Snapshot { return s.snap }

func newTestServer(t *testing.T, cfg ServerConfig) (*Server, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	cfg.Registry = reg
	if cfg.Index == nil {
		cfg.Index = staticIndex{}
	}
	if cfg.Store == nil {
		cfg.Store = &mockStore{}
	}
	if cfg.Answerer == nil {
		cfg.Answerer = &mockAnswerer{answer: &rag.Answer{Answer: "ok"}}
	}
	return NewServer(cfg), reg
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, ServerConfig{})
	rec := do(t, s, http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if decode(t, rec)["status"] != "ok" {
		t.Error("expected status ok")
	}
}

func TestAsk(t *testing.T) {
	answerer := &mockAnswerer{answer: &rag.Answer{
		Answer:         "Rates rose.",
		Sources:        []rag.DocumentRef{{ID: 1, Title: "Fed hikes"}},
		LatencySeconds: 1.5,
	}}
	s, _ := newTestServer(t, ServerConfig{Answerer: answerer})

	rec := do(t, s, http.MethodPost, "/api/ask", `{"question":"What did the Fed do?"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["answer"] != "Rates rose." || body["latency_seconds"] != 1.5 {
		t.Errorf("unexpected body %v", body)
	}
	if sources, _ := body["sources"].([]any); len(sources) != 1 {
		t.Errorf("expected 1 source, got %v", body["sources"])
	}

	rec = do(t, s, http.MethodGet, "/api/ask?q=oil", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET ask: expected 200, got %d", rec.Code)
	}
	if answerer.questions[1] != "oil" {
		t.Errorf("expected question from query, got %q", answerer.questions[1])
	}
}

func TestAskBadRequest(t *testing.T) {
	s, _ := newTestServer(t, ServerConfig{})
	for _, body := range []string{`{"question":"  "}`, `not json`} {
		rec := do(t, s, http.MethodPost, "/api/ask", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"empty index", vecindex.ErrEmptyIndex, http.StatusServiceUnavailable},
		{"timeout", rag.ErrQueryTimeout, http.StatusGatewayTimeout},
		{"embedding", search.ErrQueryEmbeddingFailed, http.StatusBadGateway},
		{"empty question", rag.ErrEmptyQuestion, http.StatusBadRequest},
		{"other", errors.New("disk on fire"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t, ServerConfig{Answerer: &mockAnswerer{err: tt.err}})
			rec := do(t, s, http.MethodGet, "/api/ask?q=rates", "")
			if rec.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, rec.Code)
			}
			if decode(t, rec)["error"] == "" {
				t.Error("expected error message")
			}
		})
	}
}

func TestSearch(t *testing.T) {
	s, _ := newTestServer(t, ServerConfig{})

	rec := do(t, s, http.MethodGet, "/api/search?q=fed&k=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decode(t, rec)
	if body["count"] != float64(1) || body["build_id"] != "b1" {
		t.Errorf("unexpected body %v", body)
	}

	if rec := do(t, s, http.MethodGet, "/api/search?q=fed&k=abc", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad k, got %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/api/search", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without q, got %d", rec.Code)
	}
}

func TestArticlesAndSources(t *testing.T) {
	store := &mockStore{}
	s, _ := newTestServer(t, ServerConfig{Store: store})

	rec := do(t, s, http.MethodGet, "/api/articles?source=Reuters&limit=1000&offset=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if store.filter.Source != "Reuters" || store.filter.Limit != maxArticlesLimit || store.filter.Offset != 5 {
		t.Errorf("unexpected filter %+v", store.filter)
	}

	rec = do(t, s, http.MethodGet, "/api/sources", "")
	sources, _ := decode(t, rec)["sources"].([]any)
	if len(sources) != 2 {
		t.Errorf("expected 2 sources, got %v", sources)
	}
}

func TestStatsIncludesEmissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "emissions.csv")
	log := usage.NewEmissionsLog(path, "newsrag", "world")
	log.Record(context.Background(), usage.Record{
		Operation:   "answer",
		Model:       "llama3-70b-8192",
		Started:     time.Now(),
		Latency:     2 * time.Second,
		Status:      200,
		EnergyKWh:   0.001,
		EmissionsKg: 0.0005,
	})

	s, _ := newTestServer(t, ServerConfig{EmissionsFile: path})
	rec := do(t, s, http.MethodGet, "/api/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decode(t, rec)
	corpus, _ := body["corpus"].(map[string]any)
	if corpus["articles"] != float64(10) {
		t.Errorf("unexpected corpus %v", corpus)
	}
	emissions, _ := body["emissions"].(map[string]any)
	if emissions == nil || emissions["rows"] != float64(1) {
		t.Errorf("expected emissions summary, got %v", body["emissions"])
	}
}

func TestStatusAndRebuild(t *testing.T) {
	calls := 0
	rebuild := func(ctx context.Context) (*index.BuildResult, error) {
		calls++
		if calls > 1 {
			return nil, index.ErrRebuildInProgress
		}
		return &index.BuildResult{BuildID: "new-build", Indexed: 3}, nil
	}
	s, _ := newTestServer(t, ServerConfig{Rebuild: rebuild})

	status := decode(t, do(t, s, http.MethodGet, "/api/status", ""))
	if status["ready"] != false || status["size"] != float64(0) {
		t.Errorf("expected empty index status, got %v", status)
	}

	rec := do(t, s, http.MethodPost, "/api/index/rebuild", "")
	if rec.Code != http.StatusOK || decode(t, rec)["build_id"] != "new-build" {
		t.Fatalf("unexpected rebuild response %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, s, http.MethodPost, "/api/index/rebuild", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, ServerConfig{})
	do(t, s, http.MethodGet, "/api/health", "")

	rec := do(t, s, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `newsrag_http_requests_total{method="GET",path="/api/health",status="200"} 1`) {
		t.Errorf("request metric missing:\n%s", rec.Body.String())
	}
}

func TestSpansNamedByRoute(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	tracer.Use(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)))
	t.Cleanup(func() { tracer.Use(otel.GetTracerProvider()) })

	s, _ := newTestServer(t, ServerConfig{})
	do(t, s, http.MethodGet, "/api/health", "")
	do(t, s, http.MethodGet, "/api/articles/12345", "")

	names := map[string]bool{}
	for _, span := range spans.Ended() {
		names[span.Name()] = true
		if strings.Contains(span.Name(), "12345") {
			t.Errorf("span named after the raw path: %q", span.Name())
		}
	}
	if !names["http GET /api/health"] {
		t.Errorf("expected a span for the health route, got %v", names)
	}
}
