package rag

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/abdul-hamid-achik/newsrag/internal/db"
	"github.com/abdul-hamid-achik/newsrag/internal/generate"
	"github.com/abdul-hamid-achik/newsrag/internal/logger"
	"github.com/abdul-hamid-achik/newsrag/internal/tracer"
	"github.com/abdul-hamid-achik/newsrag/internal/usage"
)

// SynthesizerConfig holds sampling parameters for answers.
type SynthesizerConfig struct {
	Temperature float64
	MaxTokens   int
}

// DefaultSynthesizerConfig returns the default sampling parameters.
func DefaultSynthesizerConfig() SynthesizerConfig {
	return SynthesizerConfig{
		Temperature: 0.7,
		MaxTokens:   1024,
	}
}

// Synthesis is a generated answer and what it cost.
type Synthesis struct {
	Text             string
	Model            string
	Latency          time.Duration
	PromptTokens     int
	CompletionTokens int
}

// Synthesizer turns retrieved documents and a question into an answer.
type Synthesizer struct {
	backend  generate.Backend
	recorder usage.Recorder
	config   SynthesizerConfig
}

// NewSynthesizer creates a synthesizer. recorder may be nil.
func NewSynthesizer(backend generate.Backend, recorder usage.Recorder, cfg SynthesizerConfig) *Synthesizer {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultSynthesizerConfig().MaxTokens
	}
	return &Synthesizer{
		backend:  backend,
		recorder: recorder,
		config:   cfg,
	}
}

// Model returns the backend model name.
func (s *Synthesizer) Model() string {
	return s.backend.Model()
}

// Synthesize asks the backend to answer query from docs, keeping their
// order. Latency covers the backend call alone.
//
// On failure the error is a *generate.BackendError and the returned
// Synthesis carries only Latency and Model.
func (s *Synthesizer) Synthesize(ctx context.Context, query string, docs []db.Document) (*Synthesis, error) {
	ctx, span := tracer.Start(ctx, "rag.Synthesize")
	defer span.End()
	span.SetAttributes(
		attribute.Int("rag.documents", len(docs)),
		attribute.String("rag.model", s.backend.Model()),
	)

	req := generate.Request{
		System:      SystemPrompt,
		Prompt:      BuildPrompt(query, BuildContext(docs)),
		Temperature: s.config.Temperature,
		MaxTokens:   s.config.MaxTokens,
	}

	started := time.Now()
	resp, err := s.backend.Generate(ctx, req)
	latency := time.Since(started)

	rec := usage.Record{
		Operation: "answer",
		Model:     s.backend.Model(),
		Started:   started,
		Latency:   latency,
	}
	syn := &Synthesis{Model: s.backend.Model(), Latency: latency}

	if err != nil {
		be := backendError(err)
		rec.Status = be.Status
		rec.Err = be
		s.record(ctx, rec)
		span.RecordError(be)
		logger.Warn(ctx, "generation failed", "status", be.Status, "latency", latency, "error", be.Message)
		return syn, be
	}

	rec.Status = resp.Status
	rec.PromptTokens = resp.PromptTokens
	rec.CompletionTokens = resp.CompletionTokens
	s.record(ctx, rec)

	if resp.Model != "" {
		syn.Model = resp.Model
	}
	syn.Text = resp.Text
	syn.PromptTokens = resp.PromptTokens
	syn.CompletionTokens = resp.CompletionTokens
	return syn, nil
}

func (s *Synthesizer) record(ctx context.Context, r usage.Record) {
	if s.recorder != nil {
		s.recorder.Record(ctx, r)
	}
}

func backendError(err error) *generate.BackendError {
	var be *generate.BackendError
	if errors.As(err, &be) {
		return be
	}
	return &generate.BackendError{Message: err.Error(), Err: err}
}
