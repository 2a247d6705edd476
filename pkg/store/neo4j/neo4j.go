package neo4j

import (
	"context"

	"github.com/fathom-kg/fathom/pkg/common"
	"github.com/fathom-kg/fathom/pkg/store"

	"github.com/neo4j/neo4j-go-driver/v4/neo4j"
)

func init() {
	store.RegisterGraphStore("neo4j", func(ctx context.Context, cfg map[string]string) (store.GraphStore, error) {
		return NewGraphStore(cfg["uri"], cfg["username"], cfg["password"])
	})
}

// GraphStore implements store.GraphStore on Neo4j. Entities are :Entity
// nodes carrying a workspace property; relationships are undirected for
// identity purposes and matched through their unordered pair key.
type GraphStore struct {
	driver neo4j.Driver
}

// NewGraphStore connects to a Neo4j instance with basic auth.
func NewGraphStore(uri, username, password string) (*GraphStore, error) {
	if uri == "" {
		return nil, common.Configf("neo4j graph store requires a uri")
	}
	driver, err := neo4j.NewDriver(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, common.Configf("invalid neo4j configuration: %v", err)
	}
	return &GraphStore{driver: driver}, nil
}

// Close releases the underlying driver and its connection pool.
func (s *GraphStore) Close() error {
	return s.driver.Close()
}

func wrapStoreErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &common.StoreError{Op: "neo4j " + op, Transient: true, Err: err}
}

func (s *GraphStore) read(op string, work func(tx neo4j.Transaction) (any, error)) (any, error) {
	session := s.driver.NewSession(neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close()
	res, err := session.ReadTransaction(func(tx neo4j.Transaction) (any, error) {
		return work(tx)
	})
	if err != nil {
		return nil, wrapStoreErr(op, err)
	}
	return res, nil
}

func (s *GraphStore) write(op string, work func(tx neo4j.Transaction) (any, error)) error {
	session := s.driver.NewSession(neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close()
	_, err := session.WriteTransaction(func(tx neo4j.Transaction) (any, error) {
		return work(tx)
	})
	return wrapStoreErr(op, err)
}

func (s *GraphStore) HasNode(ctx context.Context, workspace, id string) (bool, error) {
	res, err := s.read("has node", func(tx neo4j.Transaction) (any, error) {
		result, err := tx.Run(
			`MATCH (e:Entity {workspace: $ws, id: $id}) RETURN count(e) > 0`,
			map[string]any{"ws": workspace, "id": id},
		)
		if err != nil {
			return nil, err
		}
		record, err := result.Single()
		if err != nil {
			return nil, err
		}
		return record.Values[0], nil
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

func (s *GraphStore) HasEdge(ctx context.Context, workspace, src, tgt string) (bool, error) {
	res, err := s.read("has edge", func(tx neo4j.Transaction) (any, error) {
		result, err := tx.Run(
			`MATCH (:Entity {workspace: $ws})-[r:RELATED {pair_key: $pk}]-(:Entity {workspace: $ws})
			 RETURN count(r) > 0`,
			map[string]any{"ws": workspace, "pk": common.PairKey(src, tgt)},
		)
		if err != nil {
			return nil, err
		}
		record, err := result.Single()
		if err != nil {
			return nil, err
		}
		return record.Values[0], nil
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

func nodeFromValues(values []any) store.NodeProps {
	props := store.NodeProps{
		Name:        asString(values[0]),
		Type:        asString(values[1]),
		Description: asString(values[2]),
	}
	props.SourceChunkIDs = asStrings(values[3])
	return props
}

func edgeFromValues(values []any) store.EdgeProps {
	return store.EdgeProps{
		Description:    asString(values[0]),
		Label:          asString(values[1]),
		Keywords:       asStrings(values[2]),
		Strength:       asFloat(values[3]),
		SourceChunkIDs: asStrings(values[4]),
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return 0
}

func asStrings(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, asString(item))
	}
	return out
}

func (s *GraphStore) GetNode(ctx context.Context, workspace, id string) (store.NodeProps, bool, error) {
	res, err := s.read("get node", func(tx neo4j.Transaction) (any, error) {
		result, err := tx.Run(
			`MATCH (e:Entity {workspace: $ws, id: $id})
			 RETURN e.name, e.type, e.description, e.source_chunk_ids`,
			map[string]any{"ws": workspace, "id": id},
		)
		if err != nil {
			return nil, err
		}
		if !result.Next() {
			return nil, result.Err()
		}
		return result.Record().Values, nil
	})
	if err != nil {
		return store.NodeProps{}, false, err
	}
	values, ok := res.([]any)
	if !ok || values == nil {
		return store.NodeProps{}, false, nil
	}
	return nodeFromValues(values), true, nil
}

func (s *GraphStore) GetEdgeProperties(ctx context.Context, workspace, src, tgt string) (store.EdgeProps, bool, error) {
	res, err := s.read("get edge", func(tx neo4j.Transaction) (any, error) {
		result, err := tx.Run(
			`MATCH (:Entity {workspace: $ws})-[r:RELATED {pair_key: $pk}]-(:Entity {workspace: $ws})
			 RETURN r.description, r.label, r.keywords, r.strength, r.source_chunk_ids
			 LIMIT 1`,
			map[string]any{"ws": workspace, "pk": common.PairKey(src, tgt)},
		)
		if err != nil {
			return nil, err
		}
		if !result.Next() {
			return nil, result.Err()
		}
		return result.Record().Values, nil
	})
	if err != nil {
		return store.EdgeProps{}, false, err
	}
	values, ok := res.([]any)
	if !ok || values == nil {
		return store.EdgeProps{}, false, nil
	}
	return edgeFromValues(values), true, nil
}

func (s *GraphStore) NodeDegree(ctx context.Context, workspace, id string) (int, error) {
	res, err := s.read("node degree", func(tx neo4j.Transaction) (any, error) {
		result, err := tx.Run(
			`MATCH (e:Entity {workspace: $ws, id: $id})
			 RETURN size([(e)-[r:RELATED]-() | r])`,
			map[string]any{"ws": workspace, "id": id},
		)
		if err != nil {
			return nil, err
		}
		record, err := result.Single()
		if err != nil {
			return nil, err
		}
		return record.Values[0], nil
	})
	if err != nil {
		return 0, err
	}
	degree, _ := res.(int64)
	return int(degree), nil
}

const upsertNodeCypher = `
MERGE (e:Entity {workspace: $ws, id: $id})
SET e.name = $name,
    e.type = $type,
    e.description = $description,
    e.source_chunk_ids = $chunk_ids`

const upsertEdgeCypher = `
MERGE (s:Entity {workspace: $ws, id: $src})
MERGE (t:Entity {workspace: $ws, id: $tgt})
MERGE (s)-[r:RELATED {pair_key: $pk}]-(t)
SET r.description = $description,
    r.label = $label,
    r.keywords = $keywords,
    r.strength = $strength,
    r.source_chunk_ids = $chunk_ids`

func nodeParams(workspace, id string, props store.NodeProps) map[string]any {
	return map[string]any{
		"ws":          workspace,
		"id":          id,
		"name":        props.Name,
		"type":        props.Type,
		"description": props.Description,
		"chunk_ids":   props.SourceChunkIDs,
	}
}

func edgeParams(workspace, src, tgt string, props store.EdgeProps) map[string]any {
	return map[string]any{
		"ws":          workspace,
		"src":         src,
		"tgt":         tgt,
		"pk":          common.PairKey(src, tgt),
		"description": props.Description,
		"label":       props.Label,
		"keywords":    props.Keywords,
		"strength":    props.Strength,
		"chunk_ids":   props.SourceChunkIDs,
	}
}

func (s *GraphStore) UpsertNode(ctx context.Context, workspace, id string, props store.NodeProps) error {
	return s.write("upsert node", func(tx neo4j.Transaction) (any, error) {
		return tx.Run(upsertNodeCypher, nodeParams(workspace, id, props))
	})
}

func (s *GraphStore) UpsertEdge(ctx context.Context, workspace, src, tgt string, props store.EdgeProps) error {
	return s.write("upsert edge", func(tx neo4j.Transaction) (any, error) {
		return tx.Run(upsertEdgeCypher, edgeParams(workspace, src, tgt, props))
	})
}

func (s *GraphStore) Neighbors(ctx context.Context, workspace, id string) ([]store.Neighbor, error) {
	res, err := s.read("neighbors", func(tx neo4j.Transaction) (any, error) {
		result, err := tx.Run(
			`MATCH (e:Entity {workspace: $ws, id: $id})-[r:RELATED]-(n:Entity)
			 RETURN n.id, n.name, n.type, n.description, n.source_chunk_ids,
			        r.description, r.label, r.keywords, r.strength, r.source_chunk_ids,
			        startNode(r).id, endNode(r).id
			 ORDER BY n.id`,
			map[string]any{"ws": workspace, "id": id},
		)
		if err != nil {
			return nil, err
		}

		var neighbors []store.Neighbor
		for result.Next() {
			values := result.Record().Values
			neighbors = append(neighbors, store.Neighbor{
				NodeID:     asString(values[0]),
				Node:       nodeFromValues(values[1:5]),
				Edge:       edgeFromValues(values[5:10]),
				EdgeSource: asString(values[10]),
				EdgeTarget: asString(values[11]),
			})
		}
		if err := result.Err(); err != nil {
			return nil, err
		}
		return neighbors, nil
	})
	if err != nil {
		return nil, err
	}
	neighbors, _ := res.([]store.Neighbor)
	return neighbors, nil
}

// ApplyBatch writes one merge result inside a single managed transaction.
func (s *GraphStore) ApplyBatch(ctx context.Context, workspace string, batch store.GraphBatch) error {
	return s.write("apply batch", func(tx neo4j.Transaction) (any, error) {
		for id, props := range batch.Nodes {
			if _, err := tx.Run(upsertNodeCypher, nodeParams(workspace, id, props)); err != nil {
				return nil, err
			}
		}
		for _, edge := range batch.Edges {
			if _, err := tx.Run(upsertEdgeCypher, edgeParams(workspace, edge.Source, edge.Target, edge.Props)); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
}

func (s *GraphStore) DeleteNode(ctx context.Context, workspace, id string) error {
	return s.write("delete node", func(tx neo4j.Transaction) (any, error) {
		return tx.Run(
			`MATCH (e:Entity {workspace: $ws, id: $id}) DETACH DELETE e`,
			map[string]any{"ws": workspace, "id": id},
		)
	})
}
