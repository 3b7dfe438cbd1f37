package embed

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"
)

func l2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i] - b[i])
		sum += d * d
	}
	return sum
}

func TestTokenize(t *testing.T) {
	got := Tokenize("The Fed raises rates, and stocks rally!")
	want := []string{"fed", "raise", "rate", "stock", "rally"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Tokenize = %v, want %v", got, want)
	}
}

func TestHashProvider_Deterministic(t *testing.T) {
	p := NewHashProvider(384)
	ctx := context.Background()

	a, err := p.Embed(ctx, "Oil prices drop")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	b, _ := p.Embed(ctx, "Oil prices drop")
	if !reflect.DeepEqual(a, b) {
		t.Error("embeddings differ for identical input")
	}
	if len(a) != 384 {
		t.Errorf("expected 384 dimensions, got %d", len(a))
	}

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Errorf("expected unit vector, norm^2=%v", norm)
	}
}

func TestHashProvider_Similarity(t *testing.T) {
	p := NewHashProvider(384)
	ctx := context.Background()

	docs, err := p.EmbedBatch(ctx, []string{"Fed raises rates", "Tech stocks rally", "Oil prices drop"})
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}
	q, _ := p.Embed(ctx, "interest rate impact")

	d0, d1, d2 := l2(q, docs[0]), l2(q, docs[1]), l2(q, docs[2])
	if !(d0 < d1 && d0 < d2) {
		t.Errorf("expected rate article closest, distances %v %v %v", d0, d1, d2)
	}
}

func TestHashProvider_EmptyText(t *testing.T) {
	p := NewHashProvider(16)
	if _, err := p.Embed(context.Background(), "   "); !errors.Is(err, ErrEmptyText) {
		t.Errorf("expected ErrEmptyText, got %v", err)
	}
}

func TestVerifyDimensions(t *testing.T) {
	ctx := context.Background()
	if err := VerifyDimensions(ctx, NewHashProvider(384), 384); err != nil {
		t.Errorf("expected match, got %v", err)
	}
	if err := VerifyDimensions(ctx, NewHashProvider(384), 768); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}

	lying := &mockProvider{dimensions: 8} // reports 8, returns 3
	if err := VerifyDimensions(ctx, lying, 8); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch for short vectors, got %v", err)
	}
}

func TestNewFromOptions(t *testing.T) {
	tests := []struct {
		opts    Options
		model   string
		wantErr bool
	}{
		{Options{Provider: ProviderHash, Dimensions: 32}, "hash-fnv32a", false},
		{Options{Provider: ProviderOllama, Model: "all-minilm", Dimensions: 384}, "all-minilm", false},
		{Options{Provider: ProviderOpenAI, Model: "text-embedding-3-small", Dimensions: 384}, "text-embedding-3-small", false},
		{Options{Provider: "bert"}, "", true},
	}

	for _, tt := range tests {
		p, err := New(tt.opts)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tt.opts.Provider)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: New failed: %v", tt.opts.Provider, err)
		}
		if p.Model() != tt.model {
			t.Errorf("expected model %s, got %s", tt.model, p.Model())
		}
	}
}
