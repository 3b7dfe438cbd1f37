package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/abdul-hamid-achik/newsrag/internal/retry"
	"github.com/abdul-hamid-achik/newsrag/internal/version"
)

const (
	defaultOllamaURL     = "http://localhost:11434"
	defaultOllamaModel   = "llama2"
	defaultOllamaTimeout = 120 * time.Second
)

// OllamaConfig holds configuration for the Ollama generate endpoint.
type OllamaConfig struct {
	URL     string
	Model   string
	Timeout time.Duration
	Retry   retry.Policy
}

// DefaultOllamaConfig returns the local Ollama defaults.
func DefaultOllamaConfig() OllamaConfig {
	return OllamaConfig{
		URL:     defaultOllamaURL,
		Model:   defaultOllamaModel,
		Timeout: defaultOllamaTimeout,
		Retry:   retry.DefaultPolicy(),
	}
}

// OllamaBackend implements Backend over /api/generate.
type OllamaBackend struct {
	config OllamaConfig
	client *http.Client
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options *ollamaOptions `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// NewOllamaBackend creates a new Ollama generation backend.
func NewOllamaBackend(cfg OllamaConfig) *OllamaBackend {
	if cfg.URL == "" {
		cfg.URL = defaultOllamaURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultOllamaModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultOllamaTimeout
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")

	return &OllamaBackend{
		config: cfg,
		client: &http.Client{},
	}
}

// Model returns the Ollama model name.
func (b *OllamaBackend) Model() string {
	return b.config.Model
}

// Generate runs one non-streaming generation.
func (b *OllamaBackend) Generate(ctx context.Context, req Request) (*Response, error) {
	body := ollamaGenerateRequest{
		Model:  b.config.Model,
		Prompt: req.Prompt,
		System: req.System,
	}
	if req.Temperature > 0 || req.MaxTokens > 0 {
		body.Options = &ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &BackendError{Message: fmt.Sprintf("marshal request: %v", err), Err: err}
	}

	var resp *Response
	err = retry.Do(ctx, b.config.Retry, func(ctx context.Context) error {
		var err error
		resp, err = b.do(ctx, payload)
		return err
	})
	if err != nil {
		return nil, asBackendError(err)
	}
	return resp, nil
}

func (b *OllamaBackend) do(ctx context.Context, payload []byte) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, b.config.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.config.URL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", version.UserAgent())

	httpResp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		msg := strings.TrimSpace(string(raw))
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &errResp) == nil && errResp.Error != "" {
			msg = errResp.Error
		}
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return nil, &BackendError{Status: httpResp.StatusCode, Message: msg}
	}

	var out ollamaGenerateResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return nil, &BackendError{Status: httpResp.StatusCode, Message: fmt.Sprintf("decode response: %v", err), Err: err}
	}

	model := out.Model
	if model == "" {
		model = b.config.Model
	}
	return &Response{
		Text:             strings.TrimSpace(out.Response),
		Model:            model,
		Status:           httpResp.StatusCode,
		PromptTokens:     out.PromptEvalCount,
		CompletionTokens: out.EvalCount,
	}, nil
}
