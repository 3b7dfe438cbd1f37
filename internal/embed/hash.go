package embed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashProvider produces deterministic feature-hashed embeddings without any
// external service. Tokens are lowercased, stop words dropped and a trailing
// plural "s" stripped, then each token adds 1 to bucket fnv32a(token) % dim.
// Vectors are L2 normalized.
type HashProvider struct {
	dim int
}

// NewHashProvider creates a HashProvider producing dim-sized vectors.
func NewHashProvider(dim int) *HashProvider {
	if dim <= 0 {
		dim = defaultOllamaDims
	}
	return &HashProvider{dim: dim}
}

func (p *HashProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	if err := ctx.Err(); err != nil {
		return nil, NewProviderError("hash", "embed", ErrContextCanceled)
	}
	return p.embedOne(text), nil
}

func (p *HashProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := p.Embed(ctx, t)
		if err != nil {
			return nil, NewProviderError("hash", "embedBatch", err)
		}
		out[i] = v
	}
	return out, nil
}

func (p *HashProvider) embedOne(text string) []float32 {
	vec := make([]float32, p.dim)
	for _, tok := range Tokenize(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		vec[h.Sum32()%uint32(p.dim)] += 1
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}

func (p *HashProvider) Model() string {
	return "hash-fnv32a"
}

func (p *HashProvider) Dimensions() int {
	return p.dim
}

func (p *HashProvider) Ping(context.Context) error {
	return nil
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {},
	"for": {}, "from": {}, "has": {}, "in": {}, "is": {}, "it": {}, "its": {}, "of": {},
	"on": {}, "or": {}, "that": {}, "the": {}, "this": {}, "to": {}, "was": {}, "were": {},
	"will": {}, "with": {}, "what": {}, "how": {}, "does": {}, "do": {},
}

// Tokenize splits text into normalized tokens.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	tokens := fields[:0]
	for _, f := range fields {
		if _, stop := stopwords[f]; stop {
			continue
		}
		if len(f) > 3 && strings.HasSuffix(f, "s") && !strings.HasSuffix(f, "ss") {
			f = f[:len(f)-1]
		}
		tokens = append(tokens, f)
	}
	return tokens
}
