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
	defaultGroqURL       = "https://api.groq.com/openai/v1"
	defaultOpenAIChatURL = "https://api.openai.com/v1"
	defaultChatModel     = "llama3-70b-8192"
	defaultChatTimeout   = 60 * time.Second
	maxErrorBody         = 4 << 10
)

// ChatConfig holds configuration for OpenAI compatible chat completion
// endpoints such as Groq.
type ChatConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	Retry   retry.Policy
}

// DefaultChatConfig returns the Groq defaults.
func DefaultChatConfig() ChatConfig {
	return ChatConfig{
		BaseURL: defaultGroqURL,
		Model:   defaultChatModel,
		Timeout: defaultChatTimeout,
		Retry:   retry.DefaultPolicy(),
	}
}

// ChatBackend implements Backend over /chat/completions.
type ChatBackend struct {
	config ChatConfig
	client *http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type chatErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// NewChatBackend creates a chat completion backend.
func NewChatBackend(cfg ChatConfig) *ChatBackend {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultGroqURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultChatModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultChatTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &ChatBackend{
		config: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Model returns the chat model name.
func (b *ChatBackend) Model() string {
	return b.config.Model
}

// Generate sends one chat completion. Each attempt is bounded by the
// configured timeout; transient failures are retried once.
func (b *ChatBackend) Generate(ctx context.Context, req Request) (*Response, error) {
	if b.config.APIKey == "" {
		return nil, &BackendError{Message: ErrMissingAPIKey.Error(), Err: ErrMissingAPIKey}
	}

	body := chatRequest{
		Model:       b.config.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.Prompt})

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

func (b *ChatBackend) do(ctx context.Context, payload []byte) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, b.config.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.config.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+b.config.APIKey)
	httpReq.Header.Set("User-Agent", version.UserAgent())

	httpResp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		msg := strings.TrimSpace(string(raw))
		var errResp chatErrorResponse
		if json.Unmarshal(raw, &errResp) == nil && errResp.Error.Message != "" {
			msg = errResp.Error.Message
		}
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return nil, &BackendError{Status: httpResp.StatusCode, Message: msg}
	}

	var out chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return nil, &BackendError{Status: httpResp.StatusCode, Message: fmt.Sprintf("decode response: %v", err), Err: err}
	}
	if len(out.Choices) == 0 {
		return nil, &BackendError{Status: httpResp.StatusCode, Message: "response has no choices"}
	}

	model := out.Model
	if model == "" {
		model = b.config.Model
	}
	return &Response{
		Text:             strings.TrimSpace(out.Choices[0].Message.Content),
		Model:            model,
		Status:           httpResp.StatusCode,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
	}, nil
}
