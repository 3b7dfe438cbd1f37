package index

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/abdul-hamid-achik/newsrag/internal/db"
	"github.com/abdul-hamid-achik/newsrag/internal/embed"
	"github.com/abdul-hamid-achik/newsrag/internal/vecindex"
)

const testDims = 64

// flakyProvider wraps the hash embedder and fails any text containing "FAIL".
type flakyProvider struct {
	*embed.HashProvider
	batchCalls atomic.Int32
	block      chan struct{}
	started    chan struct{}
}

func newFlakyProvider() *flakyProvider {
	return &flakyProvider{HashProvider: embed.NewHashProvider(testDims)}
}

func (p *flakyProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.Contains(text, "FAIL") {
		return nil, errors.New("model refused input")
	}
	return p.HashProvider.Embed(ctx, text)
}

func (p *flakyProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.batchCalls.Add(1)
	if p.started != nil {
		select {
		case p.started <- struct{}{}:
		default:
		}
	}
	if p.block != nil {
		<-p.block
	}
	for _, t := range texts {
		if strings.Contains(t, "FAIL") {
			return nil, errors.New("batch rejected")
		}
	}
	return p.HashProvider.EmbedBatch(ctx, texts)
}

func testDocs() []db.Document {
	return []db.Document{
		{ID: 1, Title: "Fed raises rates", Summary: "The Federal Reserve raised interest rates by 25bp."},
		{ID: 2, Title: "Quiet day", Summary: ""},
		{ID: 3, Title: "Oil climbs", Summary: "Crude prices rose after supply cuts."},
	}
}

func TestDocumentText(t *testing.T) {
	if got := DocumentText(db.Document{Title: "A", Summary: "b"}); got != "A: b" {
		t.Errorf("expected %q, got %q", "A: b", got)
	}
	if got := DocumentText(db.Document{Summary: " only summary "}); got != "only summary" {
		t.Errorf("expected summary alone, got %q", got)
	}
}

func TestRebuildSkipsDocumentsWithoutSummary(t *testing.T) {
	dir := t.TempDir()
	b := NewBuilder(newFlakyProvider(), dir, BuilderConfig{BatchSize: 2, Workers: 2})

	result, err := b.Rebuild(context.Background(), testDocs())
	if err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if result.Indexed != 2 || result.Ineligible != 1 {
		t.Errorf("expected 2 indexed and 1 ineligible, got %+v", result)
	}

	snap, err := vecindex.Open(dir, vecindex.Expect{Dimensions: testDims})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if snap.Size() != 2 || snap.IDs.Len() != 2 {
		t.Fatalf("expected 2 slots, got index %d ids %d", snap.Size(), snap.IDs.Len())
	}
	got := snap.IDs.IDs()
	if got[0] != 1 || got[1] != 3 {
		t.Errorf("expected ids [1 3], got %v", got)
	}
}

func TestRebuildNoEligibleLeavesArtifacts(t *testing.T) {
	dir := t.TempDir()
	b := NewBuilder(newFlakyProvider(), dir, DefaultBuilderConfig())

	first, err := b.Rebuild(context.Background(), testDocs())
	if err != nil {
		t.Fatalf("first Rebuild failed: %v", err)
	}

	_, err = b.Rebuild(context.Background(), []db.Document{{ID: 9, Title: "no summary"}})
	if !errors.Is(err, ErrNoEligibleDocuments) {
		t.Fatalf("expected ErrNoEligibleDocuments, got %v", err)
	}

	m, err := vecindex.ReadManifest(dir)
	if err != nil {
		t.Fatalf("ReadManifest failed: %v", err)
	}
	if m.BuildID != first.BuildID {
		t.Errorf("artifacts changed: expected build %s, got %s", first.BuildID, m.BuildID)
	}
}

func TestRebuildNoEligibleOnFreshDir(t *testing.T) {
	dir := t.TempDir()
	b := NewBuilder(newFlakyProvider(), dir, DefaultBuilderConfig())

	if _, err := b.Rebuild(context.Background(), nil); !errors.Is(err, ErrNoEligibleDocuments) {
		t.Fatalf("expected ErrNoEligibleDocuments, got %v", err)
	}
	if _, err := vecindex.ReadManifest(dir); !errors.Is(err, vecindex.ErrNoArtifacts) {
		t.Errorf("expected no artifacts, got %v", err)
	}
}

func TestRebuildSlotsAlignWithIDs(t *testing.T) {
	dir := t.TempDir()
	provider := newFlakyProvider()
	b := NewBuilder(provider, dir, BuilderConfig{BatchSize: 3, Workers: 3})

	var docs []db.Document
	for i := 1; i <= 20; i++ {
		docs = append(docs, db.Document{
			ID:      int64(i * 10),
			Title:   fmt.Sprintf("headline %d", i),
			Summary: fmt.Sprintf("market story number %d about stocks", i),
		})
	}
	byID := make(map[int64]db.Document)
	for _, d := range docs {
		byID[d.ID] = d
	}

	if _, err := b.Rebuild(context.Background(), docs); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	snap, err := vecindex.Open(dir, vecindex.Expect{Dimensions: testDims})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	for slot := 0; slot < snap.Size(); slot++ {
		id, err := snap.IDs.Resolve(slot)
		if err != nil {
			t.Fatalf("Resolve(%d) failed: %v", slot, err)
		}
		if want := docs[slot].ID; id != want {
			t.Errorf("slot %d: expected input order id %d, got %d", slot, want, id)
		}
		want, _ := provider.HashProvider.Embed(context.Background(), DocumentText(byID[id]))
		got, _ := snap.Index.Vector(slot)
		for i := range want {
			if want[i] != got[i] {
				t.Fatalf("slot %d holds a vector for a different document", slot)
			}
		}
	}
}

func TestRebuildIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	b := NewBuilder(newFlakyProvider(), dir, DefaultBuilderConfig())
	ctx := context.Background()

	if _, err := b.Rebuild(ctx, testDocs()); err != nil {
		t.Fatal(err)
	}
	first, _ := vecindex.Open(dir, vecindex.Expect{Dimensions: testDims})
	if _, err := b.Rebuild(ctx, testDocs()); err != nil {
		t.Fatal(err)
	}
	second, _ := vecindex.Open(dir, vecindex.Expect{Dimensions: testDims})

	if first.BuildID() == second.BuildID() {
		t.Error("expected a new build id")
	}
	if first.Manifest.IndexSHA256 != second.Manifest.IndexSHA256 ||
		first.Manifest.IDMapSHA256 != second.Manifest.IDMapSHA256 {
		t.Error("rebuilding unchanged documents produced different artifacts")
	}
}

func TestRebuildExcludesFailedItems(t *testing.T) {
	dir := t.TempDir()
	b := NewBuilder(newFlakyProvider(), dir, BuilderConfig{BatchSize: 2, Workers: 1})

	docs := []db.Document{
		{ID: 1, Title: "ok", Summary: "first"},
		{ID: 2, Title: "FAIL", Summary: "second"},
		{ID: 3, Title: "ok", Summary: "third"},
		{ID: 3, Title: "dup", Summary: "duplicate"},
	}
	result, err := b.Rebuild(context.Background(), docs)
	if err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if result.Indexed != 2 {
		t.Errorf("expected 2 indexed, got %d", result.Indexed)
	}
	if len(result.Failures) != 2 {
		t.Fatalf("expected 2 failures, got %+v", result.Failures)
	}

	failed := map[int64]bool{}
	for _, f := range result.Failures {
		failed[f.DocumentID] = true
	}
	if !failed[2] || !failed[3] {
		t.Errorf("expected failures for 2 and duplicate 3, got %+v", result.Failures)
	}

	snap, _ := vecindex.Open(dir, vecindex.Expect{Dimensions: testDims})
	got := snap.IDs.IDs()
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Errorf("expected ids [1 3], got %v", got)
	}
}

// nanProvider returns a NaN vector for any text containing "NAN".
type nanProvider struct {
	*embed.HashProvider
}

func (p nanProvider) poison(text string, v []float32) []float32 {
	if strings.Contains(text, "NAN") {
		v = append([]float32(nil), v...)
		v[0] = float32(math.NaN())
	}
	return v
}

func (p nanProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := p.HashProvider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	return p.poison(text, v), nil
}

func (p nanProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := p.HashProvider.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	for i, t := range texts {
		vecs[i] = p.poison(t, vecs[i])
	}
	return vecs, nil
}

func TestRebuildExcludesNonFiniteVectors(t *testing.T) {
	dir := t.TempDir()
	b := NewBuilder(nanProvider{embed.NewHashProvider(testDims)}, dir, BuilderConfig{BatchSize: 2, Workers: 1})

	docs := []db.Document{
		{ID: 1, Title: "NAN", Summary: "broken embedding"},
		{ID: 2, Title: "Fed raises rates", Summary: "The Federal Reserve raised interest rates."},
		{ID: 3, Title: "Oil climbs", Summary: "Crude prices rose after supply cuts."},
	}
	result, err := b.Rebuild(context.Background(), docs)
	if err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if result.Indexed != 2 {
		t.Errorf("expected 2 indexed, got %d", result.Indexed)
	}
	if len(result.Failures) != 1 || result.Failures[0].DocumentID != 1 {
		t.Fatalf("expected a failure for document 1, got %+v", result.Failures)
	}

	snap, err := vecindex.Open(dir, vecindex.Expect{Dimensions: testDims})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	query, _ := embed.NewHashProvider(testDims).Embed(context.Background(), DocumentText(docs[1]))
	got, err := snap.Index.Search(query, 1)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if id, _ := snap.IDs.Resolve(got[0].Slot); id != 2 {
		t.Errorf("expected document 2 as nearest, got %d", id)
	}
}

func TestRebuildAllFailuresAbort(t *testing.T) {
	dir := t.TempDir()
	b := NewBuilder(newFlakyProvider(), dir, DefaultBuilderConfig())

	_, err := b.Rebuild(context.Background(), []db.Document{{ID: 1, Title: "FAIL", Summary: "x"}})
	if !errors.Is(err, ErrAllEmbeddingsFailed) {
		t.Fatalf("expected ErrAllEmbeddingsFailed, got %v", err)
	}
	if _, err := vecindex.ReadManifest(dir); !errors.Is(err, vecindex.ErrNoArtifacts) {
		t.Errorf("nothing should be committed, got %v", err)
	}
}

func TestRebuildInProgress(t *testing.T) {
	provider := newFlakyProvider()
	provider.block = make(chan struct{})
	provider.started = make(chan struct{}, 1)
	b := NewBuilder(provider, t.TempDir(), BuilderConfig{BatchSize: 10, Workers: 1})

	done := make(chan error, 1)
	go func() {
		_, err := b.Rebuild(context.Background(), testDocs())
		done <- err
	}()

	select {
	case <-provider.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first rebuild never started embedding")
	}

	if _, err := b.Rebuild(context.Background(), testDocs()); !errors.Is(err, ErrRebuildInProgress) {
		t.Errorf("expected ErrRebuildInProgress, got %v", err)
	}

	close(provider.block)
	if err := <-done; err != nil {
		t.Errorf("first rebuild failed: %v", err)
	}
}

func TestRebuildProgressAndReload(t *testing.T) {
	dir := t.TempDir()
	b := NewBuilder(newFlakyProvider(), dir, BuilderConfig{BatchSize: 1, Workers: 2})
	h := NewHandle(dir, vecindex.Expect{Dimensions: testDims})
	b.SetHandle(h)

	var last Progress
	calls := 0
	b.SetProgressCallback(func(p Progress) {
		calls++
		last = p
	})

	result, err := b.Rebuild(context.Background(), testDocs())
	if err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected one progress call per batch (2), got %d", calls)
	}
	if last.EmbeddedDocuments != 2 || last.TotalDocuments != 2 {
		t.Errorf("unexpected final progress %+v", last)
	}
	if h.Snapshot().BuildID() != result.BuildID {
		t.Errorf("handle not reloaded: expected %s, got %s", result.BuildID, h.Snapshot().BuildID())
	}
}
