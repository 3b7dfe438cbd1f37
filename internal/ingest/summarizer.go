package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/abdul-hamid-achik/newsrag/internal/db"
	"github.com/abdul-hamid-achik/newsrag/internal/generate"
	"github.com/abdul-hamid-achik/newsrag/internal/logger"
	"github.com/abdul-hamid-achik/newsrag/internal/tracer"
	"github.com/abdul-hamid-achik/newsrag/internal/usage"
)

// SummarizePrompt is the instruction sent with each article.
const SummarizePrompt = "Summarize this financial news article in 3-4 lines:\n\n"

// SummarizerConfig configures a summarization run.
type SummarizerConfig struct {
	// MinContentLength skips articles whose content is not longer than this
	MinContentLength int
	Concurrency      int
	RatePerSecond    float64
	// Limit caps the number of articles per run; 0 means all
	Limit int
}

// DefaultSummarizerConfig returns the default settings.
func DefaultSummarizerConfig() SummarizerConfig {
	return SummarizerConfig{
		MinContentLength: 200,
		Concurrency:      2,
		RatePerSecond:    2,
	}
}

// SummaryStore is the part of the store the summarizer uses.
type SummaryStore interface {
	ListMissingSummary(ctx context.Context, minContent int) ([]db.Document, error)
	UpdateSummary(ctx context.Context, id int64, summary string) error
	InsertSummaryMetric(ctx context.Context, m db.SummaryMetric) error
}

// ItemFailure is an article that could not be summarized.
type ItemFailure struct {
	DocumentID int64  `json:"document_id"`
	Reason     string `json:"reason"`
}

// SummarizeResult summarizes a run.
type SummarizeResult struct {
	Candidates int           `json:"candidates"`
	Summarized int           `json:"summarized"`
	Words      int           `json:"words"`
	Failures   []ItemFailure `json:"failures,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Summarizer writes model summaries for articles that have none.
type Summarizer struct {
	backend  generate.Backend
	store    SummaryStore
	recorder usage.Recorder
	config   SummarizerConfig
}

// NewSummarizer creates a summarizer. recorder may be nil.
func NewSummarizer(backend generate.Backend, store SummaryStore, recorder usage.Recorder, cfg SummarizerConfig) *Summarizer {
	d := DefaultSummarizerConfig()
	if cfg.MinContentLength < 0 {
		cfg.MinContentLength = d.MinContentLength
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = d.Concurrency
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = d.RatePerSecond
	}
	return &Summarizer{
		backend:  backend,
		store:    store,
		recorder: recorder,
		config:   cfg,
	}
}

// Run summarizes every eligible article. Failures of single articles are
// collected in the result; only listing errors and cancellation fail the run.
func (s *Summarizer) Run(ctx context.Context) (*SummarizeResult, error) {
	ctx, span := tracer.Start(ctx, "ingest.Summarize")
	defer span.End()

	start := time.Now()
	docs, err := s.store.ListMissingSummary(ctx, s.config.MinContentLength)
	if err != nil {
		return nil, fmt.Errorf("failed to list articles: %w", err)
	}
	if s.config.Limit > 0 && len(docs) > s.config.Limit {
		docs = docs[:s.config.Limit]
	}

	result := &SummarizeResult{Candidates: len(docs)}
	if len(docs) == 0 {
		result.Duration = time.Since(start)
		return result, nil
	}

	limiter := rate.NewLimiter(rate.Limit(s.config.RatePerSecond), 1)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)
	for _, doc := range docs {
		g.Go(func() error {
			if err := limiter.Wait(gctx); err != nil {
				return err
			}
			words, err := s.summarize(gctx, doc)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				result.Failures = append(result.Failures, ItemFailure{DocumentID: doc.ID, Reason: err.Error()})
				logger.Warn(gctx, "summarize failed", "id", doc.ID, "error", err)
				return nil
			}
			result.Summarized++
			result.Words += words
			logger.Debug(gctx, "summary written", "id", doc.ID, "words", words)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	result.Duration = time.Since(start)
	logger.Info(ctx, "summaries written",
		"summarized", result.Summarized,
		"failed", len(result.Failures),
		"duration", result.Duration,
	)
	return result, nil
}

func (s *Summarizer) summarize(ctx context.Context, doc db.Document) (int, error) {
	started := time.Now()
	resp, err := s.backend.Generate(ctx, generate.Request{Prompt: SummarizePrompt + doc.Content})
	latency := time.Since(started)

	rec := usage.Record{
		Operation: "summarize",
		Model:     s.backend.Model(),
		Started:   started,
		Latency:   latency,
	}
	if err != nil {
		rec.Err = err
		var be *generate.BackendError
		if errors.As(err, &be) {
			rec.Status = be.Status
		}
		s.record(ctx, rec)
		return 0, err
	}
	rec.Status = resp.Status
	rec.PromptTokens = resp.PromptTokens
	rec.CompletionTokens = resp.CompletionTokens
	s.record(ctx, rec)

	summary := strings.TrimSpace(resp.Text)
	if summary == "" {
		return 0, fmt.Errorf("model returned an empty summary")
	}
	if err := s.store.UpdateSummary(ctx, doc.ID, summary); err != nil {
		return 0, err
	}

	words := len(strings.Fields(summary))
	err = s.store.InsertSummaryMetric(ctx, db.SummaryMetric{
		NewsID:        doc.ID,
		SummaryLength: words,
		ResponseTime:  latency,
		Model:         s.backend.Model(),
	})
	if err != nil {
		return 0, err
	}
	return words, nil
}

func (s *Summarizer) record(ctx context.Context, r usage.Record) {
	if s.recorder != nil {
		s.recorder.Record(ctx, r)
	}
}
