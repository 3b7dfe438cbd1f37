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

	"github.com/abdul-hamid-achik/newsrag/internal/retry"
	"github.com/abdul-hamid-achik/newsrag/internal/tracer"
	"github.com/abdul-hamid-achik/newsrag/internal/version"
)

const (
	defaultOpenAIURL     = "https://api.openai.com/v1"
	defaultOpenAIModel   = "text-embedding-3-small"
	defaultOpenAIDims    = 384
	defaultOpenAITimeout = 60 * time.Second
	openAIMaxBatchSize   = 2048
)

// ErrMissingAPIKey is returned when a hosted provider has no key configured.
var ErrMissingAPIKey = errors.New("API key not configured")

// OpenAIConfig holds configuration for OpenAI compatible embedding endpoints.
type OpenAIConfig struct {
	APIKey     string
	Model      string
	Dimensions int
	BaseURL    string
	Timeout    time.Duration
	Retry      retry.Policy
}

// DefaultOpenAIConfig returns a default configuration for OpenAI.
func DefaultOpenAIConfig() OpenAIConfig {
	return OpenAIConfig{
		Model:      defaultOpenAIModel,
		Dimensions: defaultOpenAIDims,
		BaseURL:    defaultOpenAIURL,
		Timeout:    defaultOpenAITimeout,
		Retry:      retry.DefaultPolicy(),
	}
}

// OpenAIProvider implements the Provider interface using an OpenAI compatible API.
type OpenAIProvider struct {
	config OpenAIConfig
	client *http.Client
}

type openaiEmbeddingRequest struct {
	Model      string `json:"model"`
	Input      any    `json:"input"` // string or []string
	Dimensions int    `json:"dimensions,omitempty"`
}

type openaiEmbeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
}

type openaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// NewOpenAIProvider creates a new OpenAI embedding provider.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = GetModelDimensions(cfg.Model)
		if cfg.Dimensions == 0 {
			cfg.Dimensions = defaultOpenAIDims
		}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultOpenAITimeout
	}

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &OpenAIProvider{
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
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyText
	}

	embeddings, err := p.embedBatchInternal(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

// EmbedBatch generates embeddings for multiple texts.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	for i, text := range texts {
		if text == "" {
			return nil, NewProviderError("openai", "embedBatch", fmt.Errorf("text %d: %w", i, ErrEmptyText))
		}
	}

	results := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += openAIMaxBatchSize {
		end := min(i+openAIMaxBatchSize, len(texts))
		embeddings, err := p.embedBatchInternal(ctx, texts[i:end])
		if err != nil {
			return nil, err
		}
		results = append(results, embeddings...)
	}

	return results, nil
}

func (p *OpenAIProvider) embedBatchInternal(ctx context.Context, texts []string) ([][]float32, error) {
	if p.config.APIKey == "" {
		return nil, NewProviderError("openai", "embed", ErrMissingAPIKey)
	}

	ctx, span := tracer.Start(ctx, "embed.openai",
		trace.WithAttributes(
			attribute.String("embed.model", p.config.Model),
			attribute.Int("embed.texts", len(texts)),
		))
	defer span.End()

	var embeddings [][]float32
	err := retry.Do(ctx, p.config.Retry, func(ctx context.Context) error {
		var err error
		embeddings, err = p.doEmbedBatch(ctx, texts)
		return err
	})
	if err != nil {
		span.RecordError(err)
		if ctx.Err() != nil {
			return nil, NewProviderError("openai", "embed", ErrContextCanceled)
		}
		return nil, NewProviderError("openai", "embed", err)
	}
	return embeddings, nil
}

func (p *OpenAIProvider) doEmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var input any
	if len(texts) == 1 {
		input = texts[0]
	} else {
		input = texts
	}

	reqBody := openaiEmbeddingRequest{
		Model: p.config.Model,
		Input: input,
	}

	// Only text-embedding-3-* accepts a requested dimension
	if strings.HasPrefix(p.config.Model, "text-embedding-3") {
		reqBody.Dimensions = p.config.Dimensions
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/embeddings", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
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
		var errResp openaiErrorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
			return nil, &StatusError{StatusCode: resp.StatusCode, Body: errResp.Error.Message}
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var embResp openaiEmbeddingResponse
	if err := json.Unmarshal(body, &embResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if len(embResp.Data) == 0 {
		return nil, errors.New("no embeddings returned")
	}

	// data[].index is authoritative for ordering
	embeddings := make([][]float32, len(texts))
	for _, data := range embResp.Data {
		if data.Index < 0 || data.Index >= len(texts) {
			return nil, fmt.Errorf("invalid embedding index: %d", data.Index)
		}

		embedding := make([]float32, len(data.Embedding))
		for i, v := range data.Embedding {
			embedding[i] = float32(v)
		}
		if len(embedding) != p.config.Dimensions {
			return nil, fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, p.config.Dimensions, len(embedding))
		}
		embeddings[data.Index] = embedding
	}

	for i, emb := range embeddings {
		if emb == nil {
			return nil, fmt.Errorf("missing embedding for index %d", i)
		}
	}

	return embeddings, nil
}

func (p *OpenAIProvider) Model() string {
	return p.config.Model
}

func (p *OpenAIProvider) Dimensions() int {
	return p.config.Dimensions
}

// Ping checks that the endpoint answers and the API key is valid.
func (p *OpenAIProvider) Ping(ctx context.Context) error {
	if p.config.APIKey == "" {
		return NewProviderError("openai", "ping", ErrMissingAPIKey)
	}

	if _, err := p.Embed(ctx, "ping"); err != nil {
		return NewProviderError("openai", "ping", err)
	}
	return nil
}
