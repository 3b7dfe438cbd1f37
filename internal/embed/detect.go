package embed

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/abdul-hamid-achik/newsrag/internal/retry"
)

// ProviderType represents the type of embedding provider.
type ProviderType string

const (
	ProviderOllama ProviderType = "ollama"
	ProviderOpenAI ProviderType = "openai"
	// ProviderHash is the offline feature hashing embedder.
	ProviderHash ProviderType = "hash"
)

// Options selects and configures a provider.
type Options struct {
	Provider      ProviderType
	Model         string
	Dimensions    int
	OllamaURL     string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	Timeout       time.Duration
}

// New builds the provider described by opts.
func New(opts Options) (Provider, error) {
	switch opts.Provider {
	case ProviderOllama, "":
		return NewOllamaProvider(OllamaConfig{
			URL:        opts.OllamaURL,
			Model:      opts.Model,
			Dimensions: opts.Dimensions,
			Timeout:    opts.Timeout,
			Retry:      retry.DefaultPolicy(),
		}), nil
	case ProviderOpenAI:
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:     opts.OpenAIAPIKey,
			BaseURL:    opts.OpenAIBaseURL,
			Model:      opts.Model,
			Dimensions: opts.Dimensions,
			Timeout:    opts.Timeout,
			Retry:      retry.DefaultPolicy(),
		}), nil
	case ProviderHash:
		return NewHashProvider(opts.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", opts.Provider)
	}
}

// OllamaAvailable reports whether an Ollama server answers at url.
func OllamaAvailable(ctx context.Context, url string) bool {
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ModelInfo contains information about an embedding model.
type ModelInfo struct {
	Name       string
	Provider   ProviderType
	Dimensions int
	MaxTokens  int
}

// GetSupportedModels returns a list of known embedding models.
func GetSupportedModels() []ModelInfo {
	return []ModelInfo{
		{Name: "all-minilm", Provider: ProviderOllama, Dimensions: 384, MaxTokens: 256},
		{Name: "nomic-embed-text", Provider: ProviderOllama, Dimensions: 768, MaxTokens: 8192},
		{Name: "mxbai-embed-large", Provider: ProviderOllama, Dimensions: 1024, MaxTokens: 512},
		{Name: "text-embedding-3-small", Provider: ProviderOpenAI, Dimensions: 1536, MaxTokens: 8191},
		{Name: "text-embedding-3-large", Provider: ProviderOpenAI, Dimensions: 3072, MaxTokens: 8191},
	}
}

// GetModelDimensions returns the native dimensions for a known model, or 0.
func GetModelDimensions(model string) int {
	for _, m := range GetSupportedModels() {
		if m.Name == model {
			return m.Dimensions
		}
	}
	return 0
}
