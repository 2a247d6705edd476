package memory

import (
	"context"
	"testing"

	"github.com/fathom-kg/fathom/pkg/store"
)

func TestGraphStore_WorkspaceIsolation(t *testing.T) {
	ctx := context.Background()
	g := NewGraphStore()

	if err := g.UpsertNode(ctx, "ws-a", "ALEX", store.NodeProps{Name: "ALEX", Type: "PERSON"}); err != nil {
		t.Fatalf("UpsertNode() error = %v", err)
	}

	if ok, _ := g.HasNode(ctx, "ws-a", "ALEX"); !ok {
		t.Error("node missing from its own workspace")
	}
	if ok, _ := g.HasNode(ctx, "ws-b", "ALEX"); ok {
		t.Error("node leaked into another workspace")
	}
}

func TestGraphStore_EdgeIsUnordered(t *testing.T) {
	ctx := context.Background()
	g := NewGraphStore()

	err := g.UpsertEdge(ctx, "ws", "ALEX", "DEVICE", store.EdgeProps{Description: "operates", Strength: 7})
	if err != nil {
		t.Fatalf("UpsertEdge() error = %v", err)
	}

	for _, pair := range [][2]string{{"ALEX", "DEVICE"}, {"DEVICE", "ALEX"}} {
		ok, err := g.HasEdge(ctx, "ws", pair[0], pair[1])
		if err != nil {
			t.Fatalf("HasEdge(%v) error = %v", pair, err)
		}
		if !ok {
			t.Errorf("HasEdge(%v) = false, want true", pair)
		}
		props, ok, err := g.GetEdgeProperties(ctx, "ws", pair[0], pair[1])
		if err != nil || !ok {
			t.Fatalf("GetEdgeProperties(%v) = %v, %v", pair, ok, err)
		}
		if props.Strength != 7 {
			t.Errorf("GetEdgeProperties(%v) strength = %v, want 7", pair, props.Strength)
		}
	}
}

func TestGraphStore_NodeDegreeAndNeighbors(t *testing.T) {
	ctx := context.Background()
	g := NewGraphStore()

	batch := store.GraphBatch{
		Nodes: map[string]store.NodeProps{
			"A": {Name: "A"},
			"B": {Name: "B"},
			"C": {Name: "C"},
		},
		Edges: []store.EdgeUpsert{
			{Source: "A", Target: "B", Props: store.EdgeProps{Label: "knows"}},
			{Source: "C", Target: "A", Props: store.EdgeProps{Label: "made"}},
		},
	}
	if err := g.ApplyBatch(ctx, "ws", batch); err != nil {
		t.Fatalf("ApplyBatch() error = %v", err)
	}

	degree, err := g.NodeDegree(ctx, "ws", "A")
	if err != nil {
		t.Fatalf("NodeDegree() error = %v", err)
	}
	if degree != 2 {
		t.Errorf("NodeDegree(A) = %d, want 2", degree)
	}

	neighbors, err := g.Neighbors(ctx, "ws", "A")
	if err != nil {
		t.Fatalf("Neighbors() error = %v", err)
	}
	if len(neighbors) != 2 {
		t.Fatalf("Neighbors(A) = %d entries, want 2", len(neighbors))
	}
	if neighbors[0].NodeID != "B" || neighbors[1].NodeID != "C" {
		t.Errorf("neighbors not sorted by node ID: %q, %q", neighbors[0].NodeID, neighbors[1].NodeID)
	}
	if neighbors[1].EdgeSource != "C" || neighbors[1].EdgeTarget != "A" {
		t.Errorf("edge direction not preserved: %q -> %q", neighbors[1].EdgeSource, neighbors[1].EdgeTarget)
	}
}

func TestGraphStore_DeleteNodeRemovesEdges(t *testing.T) {
	ctx := context.Background()
	g := NewGraphStore()

	_ = g.UpsertNode(ctx, "ws", "A", store.NodeProps{Name: "A"})
	_ = g.UpsertNode(ctx, "ws", "B", store.NodeProps{Name: "B"})
	_ = g.UpsertEdge(ctx, "ws", "A", "B", store.EdgeProps{})

	if err := g.DeleteNode(ctx, "ws", "A"); err != nil {
		t.Fatalf("DeleteNode() error = %v", err)
	}
	if ok, _ := g.HasNode(ctx, "ws", "A"); ok {
		t.Error("node survived deletion")
	}
	if ok, _ := g.HasEdge(ctx, "ws", "A", "B"); ok {
		t.Error("incident edge survived node deletion")
	}
	if degree, _ := g.NodeDegree(ctx, "ws", "B"); degree != 0 {
		t.Errorf("NodeDegree(B) = %d after neighbor deletion, want 0", degree)
	}
}

func TestVectorStore_QueryOrdering(t *testing.T) {
	ctx := context.Background()
	v := NewVectorStore()

	err := v.Upsert(ctx, "ws", []store.VectorRecord{
		{ID: "exact", Vector: []float32{1, 0}},
		{ID: "close", Vector: []float32{0.9, 0.1}},
		{ID: "opposite", Vector: []float32{-1, 0}},
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	points, err := v.Query(ctx, "ws", []float32{1, 0}, 2)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("Query() = %d points, want 2", len(points))
	}
	if points[0].ID != "exact" || points[1].ID != "close" {
		t.Errorf("unexpected order: %q, %q", points[0].ID, points[1].ID)
	}
	if points[0].Similarity <= points[1].Similarity {
		t.Errorf("similarities not descending: %v, %v", points[0].Similarity, points[1].Similarity)
	}
	if points[0].Similarity < 0.999 || points[0].Similarity > 1.0 {
		t.Errorf("identical vector similarity = %v, want ~1", points[0].Similarity)
	}
}

func TestVectorStore_UpsertOverwritesByID(t *testing.T) {
	ctx := context.Background()
	v := NewVectorStore()

	_ = v.Upsert(ctx, "ws", []store.VectorRecord{{ID: "x", Vector: []float32{1, 0}, Payload: map[string]string{"text": "old"}}})
	_ = v.Upsert(ctx, "ws", []store.VectorRecord{{ID: "x", Vector: []float32{0, 1}, Payload: map[string]string{"text": "new"}}})

	recs, err := v.Get(ctx, "ws", []string{"x"})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("Get() = %d records, want 1", len(recs))
	}
	if recs[0].Payload["text"] != "new" {
		t.Errorf("payload = %q, want overwritten value", recs[0].Payload["text"])
	}
}

func TestVectorStore_HasAndDelete(t *testing.T) {
	ctx := context.Background()
	v := NewVectorStore()

	_ = v.Upsert(ctx, "ws", []store.VectorRecord{
		{ID: "a", Vector: []float32{1}, Payload: map[string]string{"doc": "d1"}},
		{ID: "b", Vector: []float32{1}, Payload: map[string]string{"doc": "d2"}},
	})

	if ok, _ := v.Has(ctx, "ws", "a"); !ok {
		t.Error("Has(a) = false after upsert")
	}
	if ok, _ := v.Has(ctx, "ws", "missing"); ok {
		t.Error("Has(missing) = true")
	}

	if err := v.DeleteByField(ctx, "ws", "doc", "d1"); err != nil {
		t.Fatalf("DeleteByField() error = %v", err)
	}
	if ok, _ := v.Has(ctx, "ws", "a"); ok {
		t.Error("record with matching payload field survived DeleteByField")
	}
	if ok, _ := v.Has(ctx, "ws", "b"); !ok {
		t.Error("unrelated record deleted by DeleteByField")
	}

	if err := v.DeleteByID(ctx, "ws", "b"); err != nil {
		t.Fatalf("DeleteByID() error = %v", err)
	}
	if ok, _ := v.Has(ctx, "ws", "b"); ok {
		t.Error("record survived DeleteByID")
	}
}

func TestFactoryRegistration(t *testing.T) {
	ctx := context.Background()

	g, err := store.OpenGraphStore(ctx, "memory", nil)
	if err != nil {
		t.Fatalf("OpenGraphStore(memory) error = %v", err)
	}
	if g == nil {
		t.Fatal("OpenGraphStore(memory) returned nil store")
	}

	v, err := store.OpenVectorStore(ctx, "memory", nil)
	if err != nil {
		t.Fatalf("OpenVectorStore(memory) error = %v", err)
	}
	if v == nil {
		t.Fatal("OpenVectorStore(memory) returned nil store")
	}

	if _, err := store.OpenGraphStore(ctx, "no-such-backend", nil); err == nil {
		t.Error("OpenGraphStore with unknown backend should fail")
	}
}
