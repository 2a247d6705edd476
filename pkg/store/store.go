package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// NodeProps holds the stored properties of a graph node. Nodes are keyed by
// the entity's normalized name within a workspace.
type NodeProps struct {
	Name           string   `json:"name"`
	Type           string   `json:"type"`
	Description    string   `json:"description"`
	SourceChunkIDs []string `json:"source_chunk_ids"`
}

// EdgeProps holds the stored properties of a graph edge. Edges are keyed by
// the unordered pair of their endpoint node IDs; Source and Target record
// the direction of the first extraction.
type EdgeProps struct {
	Description    string   `json:"description"`
	Label          string   `json:"label"`
	Keywords       []string `json:"keywords"`
	Strength       float64  `json:"strength"`
	SourceChunkIDs []string `json:"source_chunk_ids"`
}

// EdgeUpsert pairs an edge's endpoints with its properties for batch writes.
type EdgeUpsert struct {
	Source string
	Target string
	Props  EdgeProps
}

// Neighbor is one entry of a node's 1-hop neighborhood: the connected node
// together with the edge that reaches it.
type Neighbor struct {
	NodeID     string
	Node       NodeProps
	Edge       EdgeProps
	EdgeSource string
	EdgeTarget string
}

// GraphBatch is the atomic commit unit for one document's merge result.
// Implementations must apply it so concurrent readers observe either the
// pre-batch or the post-batch graph, never a partial mix.
type GraphBatch struct {
	Nodes map[string]NodeProps
	Edges []EdgeUpsert
}

// GraphStore is the capability interface the core requires from a graph
// backend. All operations are scoped to a workspace; cross-workspace
// leakage is a correctness bug. Upserts must be idempotent on retry.
type GraphStore interface {
	HasNode(ctx context.Context, workspace, id string) (bool, error)
	HasEdge(ctx context.Context, workspace, src, tgt string) (bool, error)
	GetNode(ctx context.Context, workspace, id string) (NodeProps, bool, error)
	GetEdgeProperties(ctx context.Context, workspace, src, tgt string) (EdgeProps, bool, error)
	NodeDegree(ctx context.Context, workspace, id string) (int, error)
	UpsertNode(ctx context.Context, workspace, id string, props NodeProps) error
	UpsertEdge(ctx context.Context, workspace, src, tgt string, props EdgeProps) error
	Neighbors(ctx context.Context, workspace, id string) ([]Neighbor, error)
	ApplyBatch(ctx context.Context, workspace string, batch GraphBatch) error
	DeleteNode(ctx context.Context, workspace, id string) error
}

// VectorRecord is one embedding record. Payload carries the fields the
// query planner needs back without a second lookup.
type VectorRecord struct {
	ID      string
	Vector  []float32
	Payload map[string]string
}

// ScoredPoint is one vector query hit. Similarity is cosine, normalized to
// [0,1] where 1 is identical.
type ScoredPoint struct {
	ID         string
	Payload    map[string]string
	Similarity float64
}

// VectorStore is the capability interface the core requires from a vector
// backend. Upserts overwrite by ID, which makes re-indexing unchanged
// content idempotent.
type VectorStore interface {
	Upsert(ctx context.Context, workspace string, records []VectorRecord) error
	Has(ctx context.Context, workspace, id string) (bool, error)
	Get(ctx context.Context, workspace string, ids []string) ([]VectorRecord, error)
	Query(ctx context.Context, workspace string, vector []float32, topK int) ([]ScoredPoint, error)
	DeleteByID(ctx context.Context, workspace string, ids ...string) error
	DeleteByField(ctx context.Context, workspace, field, value string) error
}

// Namespace composes the workspace partition for one kind of vector record
// (entity, relationship, chunk). Each kind is searched separately by the
// planner, so each gets its own partition.
func Namespace(workspace, kind string) string {
	return workspace + "#" + kind
}

// Vector record kinds.
const (
	KindEntity       = "entity"
	KindRelationship = "relationship"
	KindChunk        = "chunk"
)

// GraphFactory builds a GraphStore from backend-specific configuration.
type GraphFactory func(ctx context.Context, cfg map[string]string) (GraphStore, error)

// VectorFactory builds a VectorStore from backend-specific configuration.
type VectorFactory func(ctx context.Context, cfg map[string]string) (VectorStore, error)

var (
	registryMu      sync.RWMutex
	graphFactories  = map[string]GraphFactory{}
	vectorFactories = map[string]VectorFactory{}
)

// RegisterGraphStore registers a graph backend under a name. Backends call
// this from init; selection happens once at configuration time.
func RegisterGraphStore(name string, factory GraphFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	graphFactories[name] = factory
}

// RegisterVectorStore registers a vector backend under a name.
func RegisterVectorStore(name string, factory VectorFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	vectorFactories[name] = factory
}

// OpenGraphStore resolves a registered graph backend by name.
func OpenGraphStore(ctx context.Context, name string, cfg map[string]string) (GraphStore, error) {
	registryMu.RLock()
	factory, ok := graphFactories[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown graph store backend %q (registered: %v)", name, registeredGraphStores())
	}
	return factory(ctx, cfg)
}

// OpenVectorStore resolves a registered vector backend by name.
func OpenVectorStore(ctx context.Context, name string, cfg map[string]string) (VectorStore, error) {
	registryMu.RLock()
	factory, ok := vectorFactories[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown vector store backend %q (registered: %v)", name, registeredVectorStores())
	}
	return factory(ctx, cfg)
}

func registeredGraphStores() []string {
	names := make([]string, 0, len(graphFactories))
	for name := range graphFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func registeredVectorStores() []string {
	names := make([]string, 0, len(vectorFactories))
	for name := range vectorFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
