// Package rag answers questions from the indexed news corpus.
package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/abdul-hamid-achik/newsrag/internal/cache"
	"github.com/abdul-hamid-achik/newsrag/internal/generate"
	"github.com/abdul-hamid-achik/newsrag/internal/logger"
	"github.com/abdul-hamid-achik/newsrag/internal/search"
	"github.com/abdul-hamid-achik/newsrag/internal/tracer"
)

// DegradedAnswer is returned in place of an answer when generation fails.
const DegradedAnswer = "Unable to generate an answer right now."

var (
	ErrEmptyQuestion = errors.New("question is empty")
	ErrQueryTimeout  = errors.New("query timed out")
)

// DocumentRef identifies a source document of an answer.
type DocumentRef struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Source      string    `json:"source"`
	PublishedAt time.Time `json:"published_at"`
	Score       float32   `json:"score"`
}

// Answer is the result of AnswerQuestion.
type Answer struct {
	Question       string        `json:"question"`
	Answer         string        `json:"answer"`
	Sources        []DocumentRef `json:"sources"`
	LatencySeconds float64       `json:"latency_seconds"`
	Model          string        `json:"model,omitempty"`
	BuildID        string        `json:"build_id,omitempty"`
	Degraded       bool          `json:"degraded,omitempty"`
	Error          string        `json:"error,omitempty"`
	Cached         bool          `json:"cached,omitempty"`
}

// Retriever finds documents for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) (*search.Result, error)
}

// AnswerCache stores answers between identical questions.
type AnswerCache interface {
	GetOrLoad(ctx context.Context, key string, dest any, load func(ctx context.Context) (any, error)) error
}

// ServiceConfig holds query settings.
type ServiceConfig struct {
	TopK         int
	QueryTimeout time.Duration
}

// Service is the question answering entry point.
type Service struct {
	retriever   Retriever
	synthesizer *Synthesizer
	cache       AnswerCache
	config      ServiceConfig
}

// NewService creates a service.
func NewService(retriever Retriever, synthesizer *Synthesizer, cfg ServiceConfig) *Service {
	if cfg.TopK <= 0 {
		cfg.TopK = search.DefaultK
	}
	return &Service{
		retriever:   retriever,
		synthesizer: synthesizer,
		config:      cfg,
	}
}

// SetCache enables answer caching. Passing nil disables it.
func (s *Service) SetCache(c AnswerCache) {
	s.cache = c
}

// Search runs retrieval alone.
func (s *Service) Search(ctx context.Context, query string, k int) (*search.Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuestion
	}
	if k <= 0 {
		k = s.config.TopK
	}
	return s.retriever.Retrieve(ctx, query, k)
}

// degraded carries an answer that must be returned but not cached.
type degraded struct {
	answer *Answer
}

func (d *degraded) Error() string { return d.answer.Error }

// AnswerQuestion retrieves the documents nearest to question and generates
// an answer grounded in them.
//
// A generation failure is not an error: the answer is DegradedAnswer with
// Degraded set. vecindex.ErrEmptyIndex and search.ErrQueryEmbeddingFailed
// are returned as is. When the query timeout expires the in-flight call is
// aborted and ErrQueryTimeout is returned.
func (s *Service) AnswerQuestion(ctx context.Context, question string) (*Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}

	ctx, span := tracer.Start(ctx, "rag.AnswerQuestion")
	defer span.End()

	qctx := ctx
	if s.config.QueryTimeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, s.config.QueryTimeout)
		defer cancel()
	}

	answer, err := s.answer(qctx, question)
	if err != nil {
		// the caller's own cancellation is not a timeout of ours
		if ctx.Err() == nil && (errors.Is(qctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)) {
			logger.Warn(ctx, "question timed out", "timeout", s.config.QueryTimeout)
			return nil, fmt.Errorf("%w after %s", ErrQueryTimeout, s.config.QueryTimeout)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("rag.sources", len(answer.Sources)),
		attribute.Bool("rag.degraded", answer.Degraded),
		attribute.Bool("rag.cached", answer.Cached),
	)
	logger.Info(ctx, "question answered",
		"sources", len(answer.Sources),
		"latency_seconds", answer.LatencySeconds,
		"degraded", answer.Degraded,
		"cached", answer.Cached,
		"build_id", answer.BuildID,
	)
	return answer, nil
}

func (s *Service) answer(ctx context.Context, question string) (*Answer, error) {
	result, err := s.retriever.Retrieve(ctx, question, s.config.TopK)
	if err != nil {
		return nil, err
	}

	if s.cache == nil {
		return s.generate(ctx, question, result)
	}

	var answer Answer
	loaded := false
	key := cache.Key(result.BuildID, strings.ToLower(question))
	start := time.Now()
	err = s.cache.GetOrLoad(ctx, key, &answer, func(ctx context.Context) (any, error) {
		loaded = true
		a, err := s.generate(ctx, question, result)
		if err != nil {
			return nil, err
		}
		if a.Degraded {
			return nil, &degraded{answer: a}
		}
		return a, nil
	})
	var d *degraded
	if errors.As(err, &d) {
		return d.answer, nil
	}
	if err != nil {
		return nil, err
	}
	if !loaded {
		// the stored latency belongs to the generation that filled the entry
		answer.Cached = true
		answer.LatencySeconds = time.Since(start).Seconds()
	}
	return &answer, nil
}

func (s *Service) generate(ctx context.Context, question string, result *search.Result) (*Answer, error) {
	answer := &Answer{
		Question: question,
		Sources:  refs(result.Hits),
		BuildID:  result.BuildID,
	}

	syn, err := s.synthesizer.Synthesize(ctx, question, result.Documents())
	answer.LatencySeconds = syn.Latency.Seconds()
	answer.Model = syn.Model
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var be *generate.BackendError
		if !errors.As(err, &be) {
			return nil, err
		}
		answer.Answer = DegradedAnswer
		answer.Degraded = true
		answer.Error = be.Error()
		return answer, nil
	}

	answer.Answer = syn.Text
	return answer, nil
}

func refs(hits []search.Hit) []DocumentRef {
	out := make([]DocumentRef, 0, len(hits))
	for _, h := range hits {
		out = append(out, DocumentRef{
			ID:          h.Document.ID,
			Title:       h.Document.Title,
			URL:         h.Document.URL,
			Source:      h.Document.Source,
			PublishedAt: h.Document.PublishedAt,
			Score:       h.Score,
		})
	}
	return out
}
