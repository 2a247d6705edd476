package index

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fathom-kg/fathom/pkg/ai"
	"github.com/fathom-kg/fathom/pkg/common"
	"github.com/fathom-kg/fathom/pkg/store"
	"github.com/fathom-kg/fathom/pkg/store/memory"
)

// embedClient serves fixed-width embeddings and can fail the first N calls.
type embedClient struct {
	failFirst int
	calls     int
}

func (c *embedClient) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	return "", nil
}

func (c *embedClient) GenerateChat(ctx context.Context, messages []ai.ChatMessage, opts ...ai.GenerateOption) (string, error) {
	return "", nil
}

func (c *embedClient) GenerateCompletionWithFormat(ctx context.Context, name, description, prompt string, out any, opts ...ai.GenerateOption) error {
	return nil
}

func (c *embedClient) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	res, err := c.GenerateEmbeddings(ctx, [][]byte{input})
	if err != nil {
		return nil, err
	}
	return res[0], nil
}

func (c *embedClient) GenerateEmbeddings(ctx context.Context, inputs [][]byte) ([][]float32, error) {
	c.calls++
	if c.calls <= c.failFirst {
		return nil, &common.ProviderError{Op: "test embed", Transient: true, Err: errors.New("rate limited")}
	}
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = []float32{float32(len(inputs[i])), 1}
	}
	return out, nil
}

func (c *embedClient) EmbeddingDimensions() int { return 2 }

func newTestIndexer(t *testing.T, client *embedClient, batchSize int) (*Indexer, *memory.VectorStore) {
	t.Helper()
	vectors := memory.NewVectorStore()
	x, err := NewIndexer(NewIndexerParams{
		Client:         client,
		Vectors:        vectors,
		Workspace:      "test",
		EmbedBatchSize: batchSize,
		RetryBase:      time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewIndexer() error = %v", err)
	}
	return x, vectors
}

func TestIndexBatch_WritesAllKinds(t *testing.T) {
	x, vectors := newTestIndexer(t, &embedClient{}, 32)
	ctx := context.Background()

	report, err := x.IndexBatch(ctx,
		[]common.Entity{{Name: "ALEX", Type: "PERSON", Description: "a person", SourceChunkIDs: []string{"c1"}}},
		[]common.Relationship{{SourceName: "ALEX", TargetName: "DEVICE", Keywords: []string{"observes"}, SourceChunkIDs: []string{"c1"}}},
		[]common.Chunk{{ID: "chunk-1", DocumentID: "doc-1", Text: "the text"}},
	)
	if err != nil {
		t.Fatalf("IndexBatch() error = %v", err)
	}
	if report.VectorsWritten != 3 {
		t.Errorf("VectorsWritten = %d, want 3", report.VectorsWritten)
	}
	if len(report.Skipped) != 0 {
		t.Errorf("Skipped = %v, want none", report.Skipped)
	}

	checks := []struct {
		kind string
		id   string
	}{
		{kind: store.KindChunk, id: "chunk-1"},
		{kind: store.KindEntity, id: EntityVectorID("ALEX")},
		{kind: store.KindRelationship, id: RelationshipVectorID("ALEX", "DEVICE")},
	}
	for _, check := range checks {
		ok, err := vectors.Has(ctx, store.Namespace("test", check.kind), check.id)
		if err != nil {
			t.Fatalf("Has(%s) error = %v", check.id, err)
		}
		if !ok {
			t.Errorf("record %q missing from namespace %q", check.id, check.kind)
		}
	}
}

func TestIndexBatch_PayloadCarriesPlannerFields(t *testing.T) {
	x, vectors := newTestIndexer(t, &embedClient{}, 32)
	ctx := context.Background()

	_, err := x.IndexBatch(ctx, nil, nil,
		[]common.Chunk{{ID: "chunk-1", DocumentID: "doc-9", Text: "passage"}})
	if err != nil {
		t.Fatalf("IndexBatch() error = %v", err)
	}

	recs, err := vectors.Get(ctx, store.Namespace("test", store.KindChunk), []string{"chunk-1"})
	if err != nil || len(recs) != 1 {
		t.Fatalf("Get() = %v, %v", recs, err)
	}
	if recs[0].Payload["text"] != "passage" || recs[0].Payload["document_id"] != "doc-9" {
		t.Errorf("payload = %v", recs[0].Payload)
	}
}

func TestIndexBatch_RetriesTransientFailures(t *testing.T) {
	client := &embedClient{failFirst: 2}
	x, _ := newTestIndexer(t, client, 32)

	report, err := x.IndexBatch(context.Background(), nil, nil,
		[]common.Chunk{{ID: "chunk-1", Text: "passage"}})
	if err != nil {
		t.Fatalf("IndexBatch() error = %v", err)
	}
	if report.VectorsWritten != 1 {
		t.Errorf("VectorsWritten = %d, want 1 after retries", report.VectorsWritten)
	}
	if client.calls != 3 {
		t.Errorf("embed calls = %d, want 3 (two failures, one success)", client.calls)
	}
}

func TestIndexBatch_SkipsExhaustedBatches(t *testing.T) {
	client := &embedClient{failFirst: 100}
	x, _ := newTestIndexer(t, client, 2)

	chunks := []common.Chunk{
		{ID: "chunk-1", Text: "a"},
		{ID: "chunk-2", Text: "b"},
		{ID: "chunk-3", Text: "c"},
	}
	report, err := x.IndexBatch(context.Background(), nil, nil, chunks)
	if err != nil {
		t.Fatalf("IndexBatch() should report skips, not fail: %v", err)
	}
	if report.VectorsWritten != 0 {
		t.Errorf("VectorsWritten = %d, want 0", report.VectorsWritten)
	}
	if len(report.Skipped) != 3 {
		t.Fatalf("Skipped = %d units, want all 3", len(report.Skipped))
	}
	for _, skipped := range report.Skipped {
		if skipped.Reason == "" {
			t.Errorf("skipped unit %q has no reason", skipped.ID)
		}
	}
}

func TestIndexBatch_Idempotent(t *testing.T) {
	x, vectors := newTestIndexer(t, &embedClient{}, 32)
	ctx := context.Background()
	chunks := []common.Chunk{{ID: "chunk-1", Text: "passage"}}

	if _, err := x.IndexBatch(ctx, nil, nil, chunks); err != nil {
		t.Fatalf("first IndexBatch() error = %v", err)
	}
	if _, err := x.IndexBatch(ctx, nil, nil, chunks); err != nil {
		t.Fatalf("second IndexBatch() error = %v", err)
	}

	points, err := vectors.Query(ctx, store.Namespace("test", store.KindChunk), []float32{1, 1}, 10)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(points) != 1 {
		t.Errorf("re-index duplicated records: %d points", len(points))
	}
}
