// Package search retrieves the news documents nearest to a query.
package search

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/abdul-hamid-achik/newsrag/internal/db"
	"github.com/abdul-hamid-achik/newsrag/internal/embed"
	"github.com/abdul-hamid-achik/newsrag/internal/logger"
	"github.com/abdul-hamid-achik/newsrag/internal/tracer"
	"github.com/abdul-hamid-achik/newsrag/internal/vecindex"
)

// DefaultK is the number of documents retrieved when k is not positive.
const DefaultK = 5

// ErrQueryEmbeddingFailed wraps any failure to embed the query text.
var ErrQueryEmbeddingFailed = errors.New("query embedding failed")

// MissKind says why a retrieved slot produced no document.
type MissKind string

const (
	// MissStaleSlot means the slot is beyond the id map: the loaded index and
	// id map disagree, so the index is stale and should be rebuilt.
	MissStaleSlot MissKind = "stale_slot"
	// MissDocumentGone means the id resolved but the store no longer has it.
	MissDocumentGone MissKind = "document_gone"
	// MissStoreError means the store failed while fetching the document.
	MissStoreError MissKind = "store_error"
)

// Hit is one retrieved document.
type Hit struct {
	Document db.Document `json:"document"`
	Slot     int         `json:"slot"`
	Distance float32     `json:"distance"`
	Score    float32     `json:"score"` // 1/(1+distance), higher is closer
}

// Miss is a neighbour that was skipped.
type Miss struct {
	Slot       int      `json:"slot"`
	DocumentID int64    `json:"document_id,omitempty"`
	Kind       MissKind `json:"kind"`
	Err        string   `json:"error"`
}

// Result is the outcome of one retrieval.
type Result struct {
	Query   string `json:"query"`
	Hits    []Hit  `json:"hits"`
	Misses  []Miss `json:"misses,omitempty"`
	BuildID string `json:"build_id,omitempty"`
}

// Documents returns the hit documents in rank order.
func (r *Result) Documents() []db.Document {
	docs := make([]db.Document, len(r.Hits))
	for i, h := range r.Hits {
		docs[i] = h.Document
	}
	return docs
}

// SnapshotSource supplies the index snapshot for a query.
type SnapshotSource interface {
	Snapshot() *vecindex.Snapshot
}

// DocumentGetter is the part of the store the retriever reads.
type DocumentGetter interface {
	GetDocument(ctx context.Context, id int64) (*db.Document, error)
}

// Retriever performs semantic retrieval against the loaded index.
type Retriever struct {
	index    SnapshotSource
	store    DocumentGetter
	provider embed.Provider
}

// NewRetriever creates a new Retriever.
func NewRetriever(index SnapshotSource, store DocumentGetter, provider embed.Provider) *Retriever {
	return &Retriever{
		index:    index,
		store:    store,
		provider: provider,
	}
}

// Provider returns the embedding provider used for queries.
func (r *Retriever) Provider() embed.Provider {
	return r.provider
}

// Retrieve returns up to k documents closest to query, nearest first.
// Slots that cannot be turned into a document are recorded as misses and
// skipped. The only errors are vecindex.ErrEmptyIndex,
// ErrQueryEmbeddingFailed and context cancellation.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) (*Result, error) {
	if k <= 0 {
		k = DefaultK
	}

	ctx, span := tracer.Start(ctx, "search.Retrieve")
	defer span.End()

	// one snapshot for the whole query
	snap := r.index.Snapshot()
	if snap.Size() == 0 {
		return nil, vecindex.ErrEmptyIndex
	}

	queryEmbedding, err := r.provider.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryEmbeddingFailed, err)
	}
	if !vecindex.Finite(queryEmbedding) {
		return nil, fmt.Errorf("%w: %w", ErrQueryEmbeddingFailed, vecindex.ErrInvalidVector)
	}

	neighbors, err := snap.Index.Search(queryEmbedding, k)
	if err != nil {
		if errors.Is(err, vecindex.ErrDimensionMismatch) || errors.Is(err, vecindex.ErrInvalidVector) {
			return nil, fmt.Errorf("%w: %w", ErrQueryEmbeddingFailed, err)
		}
		return nil, err
	}

	result := &Result{
		Query:   query,
		Hits:    make([]Hit, 0, len(neighbors)),
		BuildID: snap.BuildID(),
	}
	seen := make(map[int64]bool, len(neighbors))

	for _, n := range neighbors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		id, err := snap.IDs.Resolve(n.Slot)
		if err != nil {
			r.miss(ctx, result, Miss{Slot: n.Slot, Kind: MissStaleSlot, Err: err.Error()})
			continue
		}
		if seen[id] {
			continue
		}

		doc, err := r.store.GetDocument(ctx, id)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			kind := MissStoreError
			if errors.Is(err, db.ErrNotFound) {
				kind = MissDocumentGone
			}
			r.miss(ctx, result, Miss{Slot: n.Slot, DocumentID: id, Kind: kind, Err: err.Error()})
			continue
		}

		seen[id] = true
		result.Hits = append(result.Hits, Hit{
			Document: *doc,
			Slot:     n.Slot,
			Distance: n.Distance,
			Score:    1 / (1 + n.Distance),
		})
	}

	span.SetAttributes(
		attribute.Int("retrieve.k", k),
		attribute.Int("retrieve.hits", len(result.Hits)),
		attribute.Int("retrieve.misses", len(result.Misses)),
	)
	return result, nil
}

func (r *Retriever) miss(ctx context.Context, result *Result, m Miss) {
	result.Misses = append(result.Misses, m)
	if m.Kind == MissStaleSlot {
		logger.Warn(ctx, "index is stale: slot has no id map entry, rebuild the index",
			"slot", m.Slot, "build_id", result.BuildID)
		return
	}
	logger.Warn(ctx, "skipping retrieved document",
		"slot", m.Slot, "document_id", m.DocumentID, "kind", string(m.Kind), "error", m.Err)
}
