// Package generate talks to text generation backends.
package generate

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrMissingAPIKey is returned when a hosted backend has no key configured.
var ErrMissingAPIKey = errors.New("API key not configured")

// Request is one generation call.
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Response is a successful generation.
type Response struct {
	Text             string
	Model            string
	Status           int
	PromptTokens     int
	CompletionTokens int
}

// Backend generates text from a prompt.
type Backend interface {
	// Generate runs one completion. Failures are *BackendError.
	Generate(ctx context.Context, req Request) (*Response, error)

	// Model returns the model name requests are sent to.
	Model() string
}

// BackendError is a failed generation call. Status is the HTTP status of
// the last attempt, or 0 when no response was received.
type BackendError struct {
	Status  int
	Message string
	Err     error
}

func (e *BackendError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("generation backend error: %s", e.Message)
	}
	return fmt.Sprintf("generation backend error (status %d): %s", e.Status, e.Message)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// HTTPStatus lets the retry policy tell 4xx from 5xx.
func (e *BackendError) HTTPStatus() int {
	return e.Status
}

// asBackendError converts a final failure into a *BackendError.
func asBackendError(err error) *BackendError {
	var be *BackendError
	if errors.As(err, &be) {
		return be
	}
	return &BackendError{Message: err.Error(), Err: err}
}

// Options selects and configures a backend.
type Options struct {
	Provider string // "groq", "openai" or "ollama"
	Model    string
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
}

// New creates a backend from options.
func New(opts Options) (Backend, error) {
	switch opts.Provider {
	case "groq", "":
		cfg := DefaultChatConfig()
		applyChatOptions(&cfg, opts)
		return NewChatBackend(cfg), nil
	case "openai":
		cfg := DefaultChatConfig()
		cfg.BaseURL = defaultOpenAIChatURL
		applyChatOptions(&cfg, opts)
		return NewChatBackend(cfg), nil
	case "ollama":
		cfg := DefaultOllamaConfig()
		if opts.BaseURL != "" {
			cfg.URL = opts.BaseURL
		}
		if opts.Model != "" {
			cfg.Model = opts.Model
		}
		if opts.Timeout > 0 {
			cfg.Timeout = opts.Timeout
		}
		return NewOllamaBackend(cfg), nil
	default:
		return nil, fmt.Errorf("unknown generation provider: %s", opts.Provider)
	}
}

func applyChatOptions(cfg *ChatConfig, opts Options) {
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	if opts.Model != "" {
		cfg.Model = opts.Model
	}
	if opts.Timeout > 0 {
		cfg.Timeout = opts.Timeout
	}
	cfg.APIKey = opts.APIKey
}
