package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/abdul-hamid-achik/newsrag/internal/db"
	"github.com/abdul-hamid-achik/newsrag/internal/embed"
	"github.com/abdul-hamid-achik/newsrag/internal/generate"
	"github.com/abdul-hamid-achik/newsrag/internal/index"
	"github.com/abdul-hamid-achik/newsrag/internal/retry"
	"github.com/abdul-hamid-achik/newsrag/internal/search"
	"github.com/abdul-hamid-achik/newsrag/internal/usage"
	"github.com/abdul-hamid-achik/newsrag/internal/vecindex"
)

// mockBackend records requests and answers with fn.
type mockBackend struct {
	mu       sync.Mutex
	requests []generate.Request
	fn       func(ctx context.Context, req generate.Request) (*generate.Response, error)
}

func (m *mockBackend) Generate(ctx context.Context, req generate.Request) (*generate.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.fn == nil {
		return &generate.Response{Text: "Rates went up.", Status: 200, PromptTokens: 10, CompletionTokens: 4}, nil
	}
	return m.fn(ctx, req)
}

func (m *mockBackend) Model() string { return "mock-llm" }

func (m *mockBackend) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

type collector struct {
	mu      sync.Mutex
	records []usage.Record
}

func (c *collector) Record(ctx context.Context, r usage.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, r)
}

// fakeRetriever returns a fixed result.
type fakeRetriever struct {
	result *search.Result
	err    error
	calls  int
}

func (f *fakeRetriever) Retrieve(ctx context.Context, query string, k int) (*search.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	r := *f.result
	r.Query = query
	return &r, nil
}

// memCache is an in-memory AnswerCache.
type memCache struct {
	mu    sync.Mutex
	items map[string][]byte
}

func newMemCache() *memCache {
	return &memCache{items: make(map[string][]byte)}
}

func (c *memCache) GetOrLoad(ctx context.Context, key string, dest any, load func(ctx context.Context) (any, error)) error {
	c.mu.Lock()
	data, ok := c.items[key]
	c.mu.Unlock()
	if ok {
		return json.Unmarshal(data, dest)
	}
	v, err := load(ctx)
	if err != nil {
		return err
	}
	data, err = json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.items[key] = data
	c.mu.Unlock()
	return json.Unmarshal(data, dest)
}

var testDocs = []db.Document{
	{ID: 1, Title: "Fed hikes", Summary: "Fed raises rates", URL: "https://example.com/1", Source: "Reuters"},
	{ID: 2, Title: "Tech rally", Summary: "Tech stocks rally", URL: "https://example.com/2", Source: "CNBC"},
	{ID: 3, Title: "Oil slides", Summary: "Oil prices drop", URL: "https://example.com/3", Source: "Bloomberg"},
}

func resultOf(docs ...db.Document) *search.Result {
	r := &search.Result{BuildID: "build-1"}
	for i, d := range docs {
		r.Hits = append(r.Hits, search.Hit{Document: d, Slot: i, Score: 1 / float32(i+1)})
	}
	return r
}

type memStore struct {
	mu   sync.Mutex
	docs map[int64]db.Document
}

func (s *memStore) GetDocument(ctx context.Context, id int64) (*db.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", db.ErrNotFound, id)
	}
	return &d, nil
}

func (s *memStore) ListWithSummary(ctx context.Context) ([]db.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.Document
	for _, d := range testDocs {
		if _, ok := s.docs[d.ID]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

// setupIndexedRetriever builds a real index over testDocs.
func setupIndexedRetriever(t *testing.T) (*search.Retriever, *memStore) {
	t.Helper()
	store := &memStore{docs: make(map[int64]db.Document)}
	for _, d := range testDocs {
		store.docs[d.ID] = d
	}
	provider := embed.NewHashProvider(128)
	dir := t.TempDir()

	h := index.NewHandle(dir, vecindex.Expect{Dimensions: 128})
	b := index.NewBuilder(provider, dir, index.DefaultBuilderConfig())
	b.SetHandle(h)
	if _, err := b.RebuildFromStore(context.Background(), store); err != nil {
		t.Fatalf("RebuildFromStore failed: %v", err)
	}
	return search.NewRetriever(h, store, provider), store
}

func TestBuildContext(t *testing.T) {
	got := BuildContext(testDocs[:2])
	want := "Title: Fed hikes\nSummary: Fed raises rates\n\nTitle: Tech rally\nSummary: Tech stocks rally"
	if got != want {
		t.Errorf("BuildContext = %q, want %q", got, want)
	}
	if BuildContext(nil) != NoArticlesMarker {
		t.Error("expected marker for empty context")
	}
}

func TestSynthesizeGroundedPrompt(t *testing.T) {
	backend := &mockBackend{}
	s := NewSynthesizer(backend, nil, DefaultSynthesizerConfig())

	syn, err := s.Synthesize(context.Background(), "What happened to rates?", []db.Document{testDocs[2], testDocs[0]})
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if syn.Text != "Rates went up." {
		t.Errorf("unexpected text %q", syn.Text)
	}

	req := backend.requests[0]
	if req.System != SystemPrompt {
		t.Error("system prompt not sent")
	}
	if !strings.Contains(req.Prompt, `"What happened to rates?"`) {
		t.Errorf("question missing from prompt: %s", req.Prompt)
	}
	oil := strings.Index(req.Prompt, "Oil slides")
	fed := strings.Index(req.Prompt, "Fed hikes")
	if oil < 0 || fed < 0 || oil > fed {
		t.Error("documents not in retriever order")
	}
	if req.Temperature != 0.7 || req.MaxTokens != 1024 {
		t.Errorf("unexpected sampling %v/%d", req.Temperature, req.MaxTokens)
	}
}

func TestSynthesizeNoDocuments(t *testing.T) {
	backend := &mockBackend{}
	s := NewSynthesizer(backend, nil, DefaultSynthesizerConfig())

	if _, err := s.Synthesize(context.Background(), "anything?", nil); err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if backend.calls() != 1 {
		t.Fatal("generation must still be called without documents")
	}
	if !strings.Contains(backend.requests[0].Prompt, NoArticlesMarker) {
		t.Error("expected no-articles marker in prompt")
	}
}

func TestSynthesizeLatencyCoversGenerateOnly(t *testing.T) {
	backend := &mockBackend{fn: func(ctx context.Context, req generate.Request) (*generate.Response, error) {
		time.Sleep(30 * time.Millisecond)
		return &generate.Response{Text: "ok", Status: 200}, nil
	}}
	rec := &collector{}
	s := NewSynthesizer(backend, rec, DefaultSynthesizerConfig())

	syn, err := s.Synthesize(context.Background(), "q", testDocs)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if syn.Latency < 30*time.Millisecond || syn.Latency > 2*time.Second {
		t.Errorf("unexpected latency %v", syn.Latency)
	}
	if len(rec.records) != 1 || rec.records[0].Latency != syn.Latency {
		t.Fatalf("expected one usage record with the same latency, got %+v", rec.records)
	}
	if rec.records[0].Operation != "answer" || rec.records[0].Status != 200 {
		t.Errorf("unexpected record %+v", rec.records[0])
	}
}

func TestSynthesizeFailureIsRecorded(t *testing.T) {
	backend := &mockBackend{fn: func(ctx context.Context, req generate.Request) (*generate.Response, error) {
		return nil, &generate.BackendError{Status: 500, Message: "boom"}
	}}
	rec := &collector{}
	s := NewSynthesizer(backend, rec, DefaultSynthesizerConfig())

	syn, err := s.Synthesize(context.Background(), "q", testDocs)
	var be *generate.BackendError
	if !errors.As(err, &be) || be.Status != 500 {
		t.Fatalf("expected BackendError 500, got %v", err)
	}
	if syn == nil || syn.Text != "" {
		t.Error("failed synthesis must carry no answer")
	}
	if len(rec.records) != 1 || rec.records[0].Status != 500 || rec.records[0].Err == nil {
		t.Errorf("failed attempt not recorded: %+v", rec.records)
	}
}

func TestSynthesizeWrapsPlainErrors(t *testing.T) {
	backend := &mockBackend{fn: func(ctx context.Context, req generate.Request) (*generate.Response, error) {
		return nil, errors.New("connection refused")
	}}
	s := NewSynthesizer(backend, nil, DefaultSynthesizerConfig())

	_, err := s.Synthesize(context.Background(), "q", testDocs)
	var be *generate.BackendError
	if !errors.As(err, &be) || be.Status != 0 {
		t.Fatalf("expected status-less BackendError, got %v", err)
	}
}

func TestAnswerQuestion(t *testing.T) {
	retriever, _ := setupIndexedRetriever(t)
	backend := &mockBackend{}
	svc := NewService(retriever, NewSynthesizer(backend, nil, DefaultSynthesizerConfig()), ServiceConfig{TopK: 2})

	answer, err := svc.AnswerQuestion(context.Background(), "  interest rate impact  ")
	if err != nil {
		t.Fatalf("AnswerQuestion failed: %v", err)
	}
	if answer.Answer != "Rates went up." || answer.Degraded {
		t.Errorf("unexpected answer %+v", answer)
	}
	if len(answer.Sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(answer.Sources))
	}
	if answer.Sources[0].ID != 1 || answer.Sources[0].URL != "https://example.com/1" {
		t.Errorf("expected Fed article first, got %+v", answer.Sources[0])
	}
	if answer.BuildID == "" || answer.Model != "mock-llm" {
		t.Errorf("missing build id or model: %+v", answer)
	}
	if answer.Question != "interest rate impact" {
		t.Errorf("question not trimmed: %q", answer.Question)
	}
}

// Scenario C: a 500 from the hosted backend is retried once, then the
// caller gets a degraded answer with sources and latency.
func TestAnswerQuestionBackendFailureDegrades(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"upstream exploded"}}`))
	}))
	defer server.Close()

	backend := generate.NewChatBackend(generate.ChatConfig{
		BaseURL: server.URL,
		APIKey:  "test-key",
		Model:   "llama3-70b-8192",
		Timeout: 5 * time.Second,
		Retry:   retry.Policy{MaxRetries: 1, Backoff: time.Millisecond},
	})
	rec := &collector{}
	retriever, _ := setupIndexedRetriever(t)
	svc := NewService(retriever, NewSynthesizer(backend, rec, DefaultSynthesizerConfig()), ServiceConfig{})

	answer, err := svc.AnswerQuestion(context.Background(), "interest rate impact")
	if err != nil {
		t.Fatalf("backend failure must not be an error: %v", err)
	}
	if !answer.Degraded || answer.Answer != DegradedAnswer {
		t.Errorf("expected degraded answer, got %+v", answer)
	}
	if !strings.Contains(answer.Error, "500") {
		t.Errorf("expected status in error, got %q", answer.Error)
	}
	if len(answer.Sources) == 0 {
		t.Error("degraded answer should keep its sources")
	}
	if answer.LatencySeconds <= 0 {
		t.Error("degraded answer should carry latency")
	}
	if hits.Load() != 2 {
		t.Errorf("expected one retry, server saw %d calls", hits.Load())
	}
	if len(rec.records) != 1 || rec.records[0].Status != 500 {
		t.Errorf("expected failed attempt recorded, got %+v", rec.records)
	}
}

func TestAnswerQuestionDeletedDocuments(t *testing.T) {
	retriever, store := setupIndexedRetriever(t)
	store.mu.Lock()
	store.docs = map[int64]db.Document{}
	store.mu.Unlock()

	backend := &mockBackend{}
	svc := NewService(retriever, NewSynthesizer(backend, nil, DefaultSynthesizerConfig()), ServiceConfig{})

	answer, err := svc.AnswerQuestion(context.Background(), "interest rate impact")
	if err != nil {
		t.Fatalf("AnswerQuestion failed: %v", err)
	}
	if len(answer.Sources) != 0 {
		t.Errorf("expected no sources, got %d", len(answer.Sources))
	}
	if !strings.Contains(backend.requests[0].Prompt, NoArticlesMarker) {
		t.Error("expected no-articles marker when nothing resolved")
	}
}

func TestAnswerQuestionEmpty(t *testing.T) {
	r := &fakeRetriever{result: resultOf(testDocs...)}
	svc := NewService(r, NewSynthesizer(&mockBackend{}, nil, DefaultSynthesizerConfig()), ServiceConfig{})

	if _, err := svc.AnswerQuestion(context.Background(), "   "); !errors.Is(err, ErrEmptyQuestion) {
		t.Errorf("expected ErrEmptyQuestion, got %v", err)
	}
	if r.calls != 0 {
		t.Error("retriever called for empty question")
	}
}

func TestAnswerQuestionPropagatesRetrievalErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"empty index", vecindex.ErrEmptyIndex},
		{"embedding", fmt.Errorf("%w: %w", search.ErrQueryEmbeddingFailed, errors.New("dial tcp"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &mockBackend{}
			svc := NewService(&fakeRetriever{err: tt.err}, NewSynthesizer(backend, nil, DefaultSynthesizerConfig()), ServiceConfig{})

			_, err := svc.AnswerQuestion(context.Background(), "rates?")
			if !errors.Is(err, tt.err) {
				t.Errorf("expected %v, got %v", tt.err, err)
			}
			if backend.calls() != 0 {
				t.Error("backend called after retrieval failure")
			}
		})
	}
}

func TestAnswerQuestionTimeout(t *testing.T) {
	backend := &mockBackend{fn: func(ctx context.Context, req generate.Request) (*generate.Response, error) {
		<-ctx.Done()
		return nil, &generate.BackendError{Message: ctx.Err().Error(), Err: ctx.Err()}
	}}
	rec := &collector{}
	svc := NewService(&fakeRetriever{result: resultOf(testDocs...)},
		NewSynthesizer(backend, rec, DefaultSynthesizerConfig()),
		ServiceConfig{QueryTimeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := svc.AnswerQuestion(context.Background(), "rates?")
	if !errors.Is(err, ErrQueryTimeout) {
		t.Fatalf("expected ErrQueryTimeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("timeout did not abort generation")
	}
	if len(rec.records) != 1 {
		t.Errorf("aborted attempt should still be recorded, got %d", len(rec.records))
	}
}

func TestAnswerQuestionCallerCancel(t *testing.T) {
	backend := &mockBackend{fn: func(ctx context.Context, req generate.Request) (*generate.Response, error) {
		<-ctx.Done()
		return nil, &generate.BackendError{Message: "canceled", Err: ctx.Err()}
	}}
	svc := NewService(&fakeRetriever{result: resultOf(testDocs...)},
		NewSynthesizer(backend, nil, DefaultSynthesizerConfig()),
		ServiceConfig{QueryTimeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := svc.AnswerQuestion(ctx, "rates?")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestAnswerQuestionCache(t *testing.T) {
	fail := false
	backend := &mockBackend{fn: func(ctx context.Context, req generate.Request) (*generate.Response, error) {
		if fail {
			return nil, &generate.BackendError{Status: 503, Message: "busy"}
		}
		return &generate.Response{Text: "cached answer", Status: 200}, nil
	}}
	svc := NewService(&fakeRetriever{result: resultOf(testDocs...)},
		NewSynthesizer(backend, nil, DefaultSynthesizerConfig()), ServiceConfig{})
	svc.SetCache(newMemCache())
	ctx := context.Background()

	first, err := svc.AnswerQuestion(ctx, "Rates?")
	if err != nil {
		t.Fatalf("AnswerQuestion failed: %v", err)
	}
	if first.Cached {
		t.Error("first answer should not be cached")
	}
	second, err := svc.AnswerQuestion(ctx, "rates?")
	if err != nil {
		t.Fatalf("AnswerQuestion failed: %v", err)
	}
	if !second.Cached || second.Answer != "cached answer" {
		t.Errorf("expected cached answer, got %+v", second)
	}
	if backend.calls() != 1 {
		t.Errorf("expected one backend call, got %d", backend.calls())
	}

	fail = true
	for i := 0; i < 2; i++ {
		a, err := svc.AnswerQuestion(ctx, "oil?")
		if err != nil {
			t.Fatalf("AnswerQuestion failed: %v", err)
		}
		if !a.Degraded || a.Cached {
			t.Errorf("degraded answers must not be cached: %+v", a)
		}
	}
	if backend.calls() != 3 {
		t.Errorf("expected degraded answers to be regenerated, got %d calls", backend.calls())
	}
}

func TestAnswerQuestionCachedLatency(t *testing.T) {
	backend := &mockBackend{fn: func(ctx context.Context, req generate.Request) (*generate.Response, error) {
		time.Sleep(50 * time.Millisecond)
		return &generate.Response{Text: "slow answer", Status: 200}, nil
	}}
	svc := NewService(&fakeRetriever{result: resultOf(testDocs...)},
		NewSynthesizer(backend, nil, DefaultSynthesizerConfig()), ServiceConfig{})
	svc.SetCache(newMemCache())
	ctx := context.Background()

	first, err := svc.AnswerQuestion(ctx, "rates?")
	if err != nil {
		t.Fatalf("AnswerQuestion failed: %v", err)
	}
	second, err := svc.AnswerQuestion(ctx, "rates?")
	if err != nil {
		t.Fatalf("AnswerQuestion failed: %v", err)
	}
	if !second.Cached {
		t.Fatal("expected cached answer")
	}
	if first.LatencySeconds < 0.05 {
		t.Errorf("first latency should cover generation, got %v", first.LatencySeconds)
	}
	if second.LatencySeconds >= first.LatencySeconds {
		t.Errorf("cached answer reported generation latency %v", second.LatencySeconds)
	}
}

// deadlineCache fails every load with a deadline that is not the caller's.
type deadlineCache struct{}

func (deadlineCache) GetOrLoad(ctx context.Context, key string, dest any, load func(ctx context.Context) (any, error)) error {
	return fmt.Errorf("shared load: %w", context.DeadlineExceeded)
}

func TestAnswerQuestionSharedLoadDeadline(t *testing.T) {
	svc := NewService(&fakeRetriever{result: resultOf(testDocs...)},
		NewSynthesizer(&mockBackend{}, nil, DefaultSynthesizerConfig()),
		ServiceConfig{QueryTimeout: time.Minute})
	svc.SetCache(deadlineCache{})

	_, err := svc.AnswerQuestion(context.Background(), "rates?")
	if !errors.Is(err, ErrQueryTimeout) {
		t.Errorf("expected ErrQueryTimeout, got %v", err)
	}
}

func TestSearch(t *testing.T) {
	r := &fakeRetriever{result: resultOf(testDocs...)}
	svc := NewService(r, NewSynthesizer(&mockBackend{}, nil, DefaultSynthesizerConfig()), ServiceConfig{})

	result, err := svc.Search(context.Background(), "oil", 0)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(result.Hits) != 3 {
		t.Errorf("expected 3 hits, got %d", len(result.Hits))
	}
	if _, err := svc.Search(context.Background(), "", 0); !errors.Is(err, ErrEmptyQuestion) {
		t.Errorf("expected ErrEmptyQuestion, got %v", err)
	}
}

func TestFormatAnswer(t *testing.T) {
	out := FormatAnswer(&Answer{
		Answer:         "Rates rose. ",
		Sources:        []DocumentRef{{ID: 1, Title: "Fed hikes", Source: "Reuters", URL: "https://example.com/1"}, {ID: 9}},
		LatencySeconds: 1.234,
	})
	for _, want := range []string{"Rates rose.\n", "[1] Fed hikes (Reuters)", "https://example.com/1", "[2] article 9", "Latency: 1.23s"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	degraded := FormatAnswer(&Answer{Answer: DegradedAnswer, Degraded: true, Error: "status 500"})
	if !strings.Contains(degraded, "generation failed: status 500") || !strings.Contains(degraded, "Sources: none") {
		t.Errorf("unexpected degraded output:\n%s", degraded)
	}
}
