package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/abdul-hamid-achik/newsrag/internal/retry"
	"github.com/abdul-hamid-achik/newsrag/internal/tracer"
	"github.com/abdul-hamid-achik/newsrag/internal/version"
)

const (
	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaModel = "all-minilm"
	defaultOllamaDims  = 384
	defaultTimeout     = 30 * time.Second
	maxConcurrent      = 8
)

// OllamaConfig holds configuration for the Ollama embedding provider.
type OllamaConfig struct {
	URL        string
	Model      string
	Dimensions int
	Timeout    time.Duration
	Retry      retry.Policy
}

// DefaultOllamaConfig returns a default configuration for Ollama.
func DefaultOllamaConfig() OllamaConfig {
	return OllamaConfig{
		URL:        defaultOllamaURL,
		Model:      defaultOllamaModel,
		Dimensions: defaultOllamaDims,
		Timeout:    defaultTimeout,
		Retry:      retry.DefaultPolicy(),
	}
}

// OllamaProvider implements the Provider interface using Ollama's API.
type OllamaProvider struct {
	config OllamaConfig
	client *http.Client
}

type ollamaEmbeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

type ollamaErrorResponse struct {
	Error string `json:"error"`
}

// NewOllamaProvider creates a new Ollama embedding provider.
func NewOllamaProvider(cfg OllamaConfig) *OllamaProvider {
	if cfg.URL == "" {
		cfg.URL = defaultOllamaURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultOllamaModel
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = defaultOllamaDims
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}

	cfg.URL = strings.TrimRight(cfg.URL, "/")

	return &OllamaProvider{
		config: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Embed generates an embedding for a single text.
func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyText
	}

	ctx, span := tracer.Start(ctx, "embed.ollama",
		trace.WithAttributes(attribute.String("embed.model", p.config.Model)))
	defer span.End()

	var embedding []float32
	err := retry.Do(ctx, p.config.Retry, func(ctx context.Context) error {
		var err error
		embedding, err = p.doEmbed(ctx, text)
		return err
	})
	if err != nil {
		span.RecordError(err)
		if ctx.Err() != nil {
			return nil, NewProviderError("ollama", "embed", ErrContextCanceled)
		}
		return nil, NewProviderError("ollama", "embed", err)
	}
	return embedding, nil
}

// doEmbed performs a single embedding request.
func (p *OllamaProvider) doEmbed(ctx context.Context, text string) ([]float32, error) {
	jsonBody, err := json.Marshal(ollamaEmbeddingRequest{
		Model:  p.config.Model,
		Prompt: text,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.URL+"/api/embeddings", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp ollamaErrorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			if strings.Contains(errResp.Error, "model") && strings.Contains(errResp.Error, "not found") {
				return nil, ErrModelNotFound
			}
			return nil, &StatusError{StatusCode: resp.StatusCode, Body: errResp.Error}
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var embResp ollamaEmbeddingResponse
	if err := json.Unmarshal(body, &embResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if len(embResp.Embedding) == 0 {
		return nil, errors.New("empty embedding returned")
	}

	embedding := make([]float32, len(embResp.Embedding))
	for i, v := range embResp.Embedding {
		embedding[i] = float32(v)
	}

	if len(embedding) != p.config.Dimensions {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, p.config.Dimensions, len(embedding))
	}

	return embedding, nil
}

// EmbedBatch generates embeddings for multiple texts.
// Ollama has no batch endpoint here, so requests run concurrently.
func (p *OllamaProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)

	for i, text := range texts {
		if text == "" {
			return nil, NewProviderError("ollama", "embedBatch", fmt.Errorf("text %d: %w", i, ErrEmptyText))
		}
		g.Go(func() error {
			embedding, err := p.Embed(gctx, text)
			if err != nil {
				return fmt.Errorf("text %d: %w", i, err)
			}
			results[i] = embedding
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, NewProviderError("ollama", "embedBatch", err)
	}
	return results, nil
}

func (p *OllamaProvider) Model() string {
	return p.config.Model
}

func (p *OllamaProvider) Dimensions() int {
	return p.config.Dimensions
}

// Ping checks if Ollama is available and the model is pulled.
func (p *OllamaProvider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.URL+"/api/tags", nil)
	if err != nil {
		return NewProviderError("ollama", "ping", fmt.Errorf("create request: %w", err))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return NewProviderError("ollama", "ping", ErrProviderUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return NewProviderError("ollama", "ping", fmt.Errorf("unexpected status: %d", resp.StatusCode))
	}

	showBody, _ := json.Marshal(map[string]string{"name": p.config.Model})
	showReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.URL+"/api/show", bytes.NewReader(showBody))
	if err != nil {
		return NewProviderError("ollama", "ping", fmt.Errorf("create show request: %w", err))
	}
	showReq.Header.Set("Content-Type", "application/json")

	showResp, err := p.client.Do(showReq)
	if err != nil {
		return NewProviderError("ollama", "ping", fmt.Errorf("model check failed: %w", err))
	}
	defer showResp.Body.Close()

	if showResp.StatusCode == http.StatusNotFound {
		return NewProviderError("ollama", "ping", ErrModelNotFound)
	}
	if showResp.StatusCode != http.StatusOK {
		return NewProviderError("ollama", "ping", fmt.Errorf("model check status: %d", showResp.StatusCode))
	}

	return nil
}
