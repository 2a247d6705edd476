package memory

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/fathom-kg/fathom/pkg/common"
	"github.com/fathom-kg/fathom/pkg/store"
)

func init() {
	store.RegisterGraphStore("memory", func(ctx context.Context, cfg map[string]string) (store.GraphStore, error) {
		return NewGraphStore(), nil
	})
	store.RegisterVectorStore("memory", func(ctx context.Context, cfg map[string]string) (store.VectorStore, error) {
		return NewVectorStore(), nil
	})
}

// GraphStore is an in-memory store.GraphStore. It backs tests and demos and
// provides the reader-visible atomicity ApplyBatch requires through a
// single RWMutex over the whole graph.
type GraphStore struct {
	mu         sync.RWMutex
	workspaces map[string]*graphData
}

type graphData struct {
	nodes map[string]store.NodeProps
	edges map[string]graphEdge
}

type graphEdge struct {
	source string
	target string
	props  store.EdgeProps
}

// NewGraphStore creates an empty in-memory graph store.
func NewGraphStore() *GraphStore {
	return &GraphStore{workspaces: map[string]*graphData{}}
}

func (g *GraphStore) data(workspace string) *graphData {
	d, ok := g.workspaces[workspace]
	if !ok {
		d = &graphData{
			nodes: map[string]store.NodeProps{},
			edges: map[string]graphEdge{},
		}
		g.workspaces[workspace] = d
	}
	return d
}

func (g *GraphStore) HasNode(ctx context.Context, workspace, id string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.workspaces[workspace]
	if !ok {
		return false, nil
	}
	_, ok = d.nodes[id]
	return ok, nil
}

func (g *GraphStore) HasEdge(ctx context.Context, workspace, src, tgt string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.workspaces[workspace]
	if !ok {
		return false, nil
	}
	_, ok = d.edges[common.PairKey(src, tgt)]
	return ok, nil
}

func (g *GraphStore) GetNode(ctx context.Context, workspace, id string) (store.NodeProps, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.workspaces[workspace]
	if !ok {
		return store.NodeProps{}, false, nil
	}
	props, ok := d.nodes[id]
	return props, ok, nil
}

func (g *GraphStore) GetEdgeProperties(ctx context.Context, workspace, src, tgt string) (store.EdgeProps, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.workspaces[workspace]
	if !ok {
		return store.EdgeProps{}, false, nil
	}
	edge, ok := d.edges[common.PairKey(src, tgt)]
	return edge.props, ok, nil
}

func (g *GraphStore) NodeDegree(ctx context.Context, workspace, id string) (int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.workspaces[workspace]
	if !ok {
		return 0, nil
	}
	degree := 0
	for _, edge := range d.edges {
		if edge.source == id || edge.target == id {
			degree++
		}
	}
	return degree, nil
}

func (g *GraphStore) UpsertNode(ctx context.Context, workspace, id string, props store.NodeProps) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.data(workspace).nodes[id] = props
	return nil
}

func (g *GraphStore) UpsertEdge(ctx context.Context, workspace, src, tgt string, props store.EdgeProps) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.data(workspace).edges[common.PairKey(src, tgt)] = graphEdge{source: src, target: tgt, props: props}
	return nil
}

func (g *GraphStore) Neighbors(ctx context.Context, workspace, id string) ([]store.Neighbor, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.workspaces[workspace]
	if !ok {
		return nil, nil
	}

	var neighbors []store.Neighbor
	for _, edge := range d.edges {
		var otherID string
		switch id {
		case edge.source:
			otherID = edge.target
		case edge.target:
			otherID = edge.source
		default:
			continue
		}
		neighbors = append(neighbors, store.Neighbor{
			NodeID:     otherID,
			Node:       d.nodes[otherID],
			Edge:       edge.props,
			EdgeSource: edge.source,
			EdgeTarget: edge.target,
		})
	}

	// Map iteration order is random; callers get a stable view.
	sort.Slice(neighbors, func(i, j int) bool {
		return neighbors[i].NodeID < neighbors[j].NodeID
	})
	return neighbors, nil
}

func (g *GraphStore) ApplyBatch(ctx context.Context, workspace string, batch store.GraphBatch) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d := g.data(workspace)
	for id, props := range batch.Nodes {
		d.nodes[id] = props
	}
	for _, edge := range batch.Edges {
		d.edges[common.PairKey(edge.Source, edge.Target)] = graphEdge{
			source: edge.Source,
			target: edge.Target,
			props:  edge.Props,
		}
	}
	return nil
}

func (g *GraphStore) DeleteNode(ctx context.Context, workspace, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.workspaces[workspace]
	if !ok {
		return nil
	}
	delete(d.nodes, id)
	for key, edge := range d.edges {
		if edge.source == id || edge.target == id {
			delete(d.edges, key)
		}
	}
	return nil
}

// VectorStore is an in-memory store.VectorStore using exact cosine search.
type VectorStore struct {
	mu         sync.RWMutex
	workspaces map[string]map[string]store.VectorRecord
}

// NewVectorStore creates an empty in-memory vector store.
func NewVectorStore() *VectorStore {
	return &VectorStore{workspaces: map[string]map[string]store.VectorRecord{}}
}

func (v *VectorStore) records(workspace string) map[string]store.VectorRecord {
	recs, ok := v.workspaces[workspace]
	if !ok {
		recs = map[string]store.VectorRecord{}
		v.workspaces[workspace] = recs
	}
	return recs
}

func (v *VectorStore) Upsert(ctx context.Context, workspace string, records []store.VectorRecord) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	recs := v.records(workspace)
	for _, rec := range records {
		stored := store.VectorRecord{
			ID:      rec.ID,
			Vector:  append([]float32(nil), rec.Vector...),
			Payload: map[string]string{},
		}
		for k, val := range rec.Payload {
			stored.Payload[k] = val
		}
		recs[rec.ID] = stored
	}
	return nil
}

func (v *VectorStore) Has(ctx context.Context, workspace, id string) (bool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	recs, ok := v.workspaces[workspace]
	if !ok {
		return false, nil
	}
	_, ok = recs[id]
	return ok, nil
}

func (v *VectorStore) Get(ctx context.Context, workspace string, ids []string) ([]store.VectorRecord, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	recs, ok := v.workspaces[workspace]
	if !ok {
		return nil, nil
	}
	out := make([]store.VectorRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := recs[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (v *VectorStore) Query(ctx context.Context, workspace string, vector []float32, topK int) ([]store.ScoredPoint, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	recs, ok := v.workspaces[workspace]
	if !ok || topK <= 0 {
		return nil, nil
	}

	points := make([]store.ScoredPoint, 0, len(recs))
	for _, rec := range recs {
		points = append(points, store.ScoredPoint{
			ID:         rec.ID,
			Payload:    rec.Payload,
			Similarity: cosineSimilarity(vector, rec.Vector),
		})
	}

	sort.Slice(points, func(i, j int) bool {
		if points[i].Similarity != points[j].Similarity {
			return points[i].Similarity > points[j].Similarity
		}
		return points[i].ID < points[j].ID
	})

	if len(points) > topK {
		points = points[:topK]
	}
	return points, nil
}

func (v *VectorStore) DeleteByID(ctx context.Context, workspace string, ids ...string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	recs, ok := v.workspaces[workspace]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(recs, id)
	}
	return nil
}

func (v *VectorStore) DeleteByField(ctx context.Context, workspace, field, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	recs, ok := v.workspaces[workspace]
	if !ok {
		return nil
	}
	for id, rec := range recs {
		if strings.EqualFold(rec.Payload[field], value) {
			delete(recs, id)
		}
	}
	return nil
}

// cosineSimilarity returns the cosine similarity of a and b normalized to
// [0,1], where 1 is identical direction.
func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return (cos + 1) / 2
}
