// Package embed turns article text and questions into embedding vectors.
package embed

import (
	"context"
	"errors"
	"fmt"
)

// Common errors for embedding providers.
var (
	ErrProviderUnavailable = errors.New("embedding provider unavailable")
	ErrModelNotFound       = errors.New("embedding model not found")
	ErrEmptyText           = errors.New("cannot embed empty text")
	ErrContextCanceled     = errors.New("embedding operation canceled")
	ErrDimensionMismatch   = errors.New("embedding dimension mismatch")
)

// Provider defines the interface for embedding backends.
// Implementations must be deterministic for a fixed model.
type Provider interface {
	// Embed generates an embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embedding vectors for multiple texts.
	// Returns embeddings in the same order as input texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Model returns the name of the embedding model being used.
	Model() string

	// Dimensions returns the dimensionality of the embedding vectors.
	Dimensions() int

	// Ping checks if the provider is available and the model is loaded.
	Ping(ctx context.Context) error
}

// ProviderError wraps errors with provider context.
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError creates a new ProviderError.
func NewProviderError(provider, op string, err error) error {
	return &ProviderError{
		Provider: provider,
		Op:       op,
		Err:      err,
	}
}

// StatusError is a non-2xx answer from a remote embedding endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// HTTPStatus lets the retry policy tell 4xx from 5xx.
func (e *StatusError) HTTPStatus() int {
	return e.StatusCode
}

// VerifyDimensions embeds a sample text and checks the vector length against
// want, the dimension the index is configured with. It is meant to run once
// at startup so a mismatch never surfaces at query time.
func VerifyDimensions(ctx context.Context, p Provider, want int) error {
	if p.Dimensions() != want {
		return fmt.Errorf("%w: provider %s reports %d, index expects %d",
			ErrDimensionMismatch, p.Model(), p.Dimensions(), want)
	}
	vec, err := p.Embed(ctx, "dimension check")
	if err != nil {
		return err
	}
	if len(vec) != want {
		return fmt.Errorf("%w: model %s produced %d, index expects %d",
			ErrDimensionMismatch, p.Model(), len(vec), want)
	}
	return nil
}
