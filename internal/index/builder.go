package index

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/abdul-hamid-achik/newsrag/internal/db"
	"github.com/abdul-hamid-achik/newsrag/internal/embed"
	"github.com/abdul-hamid-achik/newsrag/internal/logger"
	"github.com/abdul-hamid-achik/newsrag/internal/tracer"
	"github.com/abdul-hamid-achik/newsrag/internal/vecindex"
)

var (
	// ErrNoEligibleDocuments is returned when no document has a summary.
	// Existing artifacts are left untouched.
	ErrNoEligibleDocuments = errors.New("no documents with a summary to index")
	// ErrRebuildInProgress is returned when another rebuild holds the builder.
	ErrRebuildInProgress = errors.New("index rebuild already in progress")
	// ErrAllEmbeddingsFailed aborts a build in which no document could be embedded.
	ErrAllEmbeddingsFailed = errors.New("every document failed to embed")
)

// BuilderConfig holds configuration for the index builder.
type BuilderConfig struct {
	BatchSize int
	Workers   int
}

// DefaultBuilderConfig returns sensible defaults for building.
func DefaultBuilderConfig() BuilderConfig {
	return BuilderConfig{
		BatchSize: 32,
		Workers:   4,
	}
}

// Progress represents build progress information.
type Progress struct {
	TotalDocuments    int
	EmbeddedDocuments int
	FailedDocuments   int
	StartTime         time.Time
}

// ProgressCallback is called after each embedded batch.
type ProgressCallback func(Progress)

// ItemFailure records a document left out of the build.
type ItemFailure struct {
	DocumentID int64  `json:"document_id"`
	Reason     string `json:"reason"`
}

// BuildResult contains the results of a rebuild.
type BuildResult struct {
	BuildID    string             `json:"build_id"`
	Indexed    int                `json:"indexed"`
	Ineligible int                `json:"ineligible"`
	Failures   []ItemFailure      `json:"failures,omitempty"`
	Duration   time.Duration      `json:"duration"`
	Manifest   *vecindex.Manifest `json:"manifest"`
}

// DocumentLister is the part of the store the builder reads.
type DocumentLister interface {
	ListWithSummary(ctx context.Context) ([]db.Document, error)
}

// Builder rebuilds the vector index and id map from documents and commits
// them to the artifact directory as one unit.
type Builder struct {
	provider embed.Provider
	dir      string
	config   BuilderConfig
	progress ProgressCallback
	handle   *Handle

	running sync.Mutex
}

// NewBuilder creates a builder that commits into dir.
func NewBuilder(provider embed.Provider, dir string, cfg BuilderConfig) *Builder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBuilderConfig().BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultBuilderConfig().Workers
	}
	return &Builder{
		provider: provider,
		dir:      dir,
		config:   cfg,
	}
}

// SetProgressCallback sets a callback for progress updates.
func (b *Builder) SetProgressCallback(cb ProgressCallback) {
	b.progress = cb
}

// SetHandle makes the builder reload h after every commit.
func (b *Builder) SetHandle(h *Handle) {
	b.handle = h
}

// Dir returns the artifact directory.
func (b *Builder) Dir() string {
	return b.dir
}

// DocumentText is the text embedded for a document: "title: summary", or
// the summary alone when the title is blank.
func DocumentText(d db.Document) string {
	title := strings.TrimSpace(d.Title)
	summary := strings.TrimSpace(d.Summary)
	if title == "" {
		return summary
	}
	return title + ": " + summary
}

// RebuildFromStore lists summarized documents and rebuilds from them.
func (b *Builder) RebuildFromStore(ctx context.Context, store DocumentLister) (*BuildResult, error) {
	docs, err := store.ListWithSummary(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return b.Rebuild(ctx, docs)
}

// Rebuild embeds every eligible document and commits a fresh index and id
// map. Nothing on disk changes unless the whole build succeeds.
func (b *Builder) Rebuild(ctx context.Context, docs []db.Document) (*BuildResult, error) {
	if !b.running.TryLock() {
		return nil, ErrRebuildInProgress
	}
	defer b.running.Unlock()

	ctx, span := tracer.Start(ctx, "index.Rebuild")
	defer span.End()

	startTime := time.Now()
	result := &BuildResult{}

	eligible := make([]db.Document, 0, len(docs))
	seen := make(map[int64]bool, len(docs))
	for _, d := range docs {
		if !d.HasSummary() {
			result.Ineligible++
			continue
		}
		if seen[d.ID] {
			result.Failures = append(result.Failures, ItemFailure{DocumentID: d.ID, Reason: "duplicate document id"})
			continue
		}
		seen[d.ID] = true
		eligible = append(eligible, d)
	}
	span.SetAttributes(attribute.Int("documents.eligible", len(eligible)))

	if len(eligible) == 0 {
		return nil, ErrNoEligibleDocuments
	}

	vectors, failures, err := b.embedAll(ctx, eligible, startTime)
	if err != nil {
		return nil, err
	}

	idx := vecindex.NewFlat(b.provider.Dimensions())
	ids := vecindex.NewIDMap()
	batch := make([][]float32, 0, len(eligible))
	for i, d := range eligible {
		if failures[i] != nil {
			result.Failures = append(result.Failures, ItemFailure{DocumentID: d.ID, Reason: failures[i].Error()})
			logger.Warn(ctx, "document excluded from index", "document_id", d.ID, "error", failures[i].Error())
			continue
		}
		batch = append(batch, vectors[i])
		ids.Append(d.ID)
	}
	if len(batch) == 0 {
		return nil, ErrAllEmbeddingsFailed
	}
	if err := idx.InsertBatch(batch); err != nil {
		return nil, fmt.Errorf("failed to insert vectors: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	manifest, err := vecindex.Commit(b.dir, idx, ids, b.provider.Model())
	if err != nil {
		return nil, fmt.Errorf("failed to commit index: %w", err)
	}

	result.BuildID = manifest.BuildID
	result.Indexed = manifest.Count
	result.Manifest = manifest
	result.Duration = time.Since(startTime)

	ctx = logger.WithContext(ctx, logger.BuildIDKey, manifest.BuildID)
	logger.Info(ctx, "index committed",
		"documents", result.Indexed,
		"ineligible", result.Ineligible,
		"failures", len(result.Failures),
		"duration", result.Duration.String(),
	)

	if b.handle != nil {
		if _, err := b.handle.Reload(ctx); err != nil {
			logger.Error(ctx, "failed to reload index after commit", err)
		}
	}

	return result, nil
}

type batchJob struct {
	start int
	texts []string
}

type batchResult struct {
	start   int
	vectors [][]float32
	errs    []error
}

// embedAll embeds docs in batches with a worker pool. The returned slices are
// indexed like docs; a non-nil failure means that document has no vector.
func (b *Builder) embedAll(ctx context.Context, docs []db.Document, startTime time.Time) ([][]float32, []error, error) {
	vectors := make([][]float32, len(docs))
	failures := make([]error, len(docs))

	jobs := make(chan batchJob)
	results := make(chan batchResult)

	var wg sync.WaitGroup
	for i := 0; i < b.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				results <- b.embedBatch(ctx, job)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for start := 0; start < len(docs); start += b.config.BatchSize {
			end := min(start+b.config.BatchSize, len(docs))
			texts := make([]string, 0, end-start)
			for _, d := range docs[start:end] {
				texts = append(texts, DocumentText(d))
			}
			select {
			case jobs <- batchJob{start: start, texts: texts}:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	progress := Progress{TotalDocuments: len(docs), StartTime: startTime}
	for r := range results {
		for j := range r.vectors {
			vectors[r.start+j] = r.vectors[j]
			failures[r.start+j] = r.errs[j]
			if r.errs[j] != nil {
				progress.FailedDocuments++
			} else {
				progress.EmbeddedDocuments++
			}
		}
		if b.progress != nil {
			b.progress(progress)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return vectors, failures, nil
}

// embedBatch embeds one batch. If the batch call fails, each text is retried
// alone so one bad document does not sink its neighbours.
func (b *Builder) embedBatch(ctx context.Context, job batchJob) batchResult {
	r := batchResult{
		start:   job.start,
		vectors: make([][]float32, len(job.texts)),
		errs:    make([]error, len(job.texts)),
	}

	vecs, err := b.provider.EmbedBatch(ctx, job.texts)
	if err == nil && len(vecs) == len(job.texts) {
		for i, v := range vecs {
			r.vectors[i], r.errs[i] = checkVector(v, b.provider.Dimensions())
		}
		return r
	}

	for i, text := range job.texts {
		if ctx.Err() != nil {
			r.errs[i] = ctx.Err()
			continue
		}
		v, err := b.provider.Embed(ctx, text)
		if err != nil {
			r.errs[i] = err
			continue
		}
		r.vectors[i], r.errs[i] = checkVector(v, b.provider.Dimensions())
	}
	return r
}

func checkVector(v []float32, dim int) ([]float32, error) {
	if len(v) != dim {
		return nil, fmt.Errorf("%w: got %d, want %d", embed.ErrDimensionMismatch, len(v), dim)
	}
	if !vecindex.Finite(v) {
		return nil, vecindex.ErrInvalidVector
	}
	return v, nil
}
