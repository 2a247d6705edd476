package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/fathom-kg/fathom/pkg/common"
	"github.com/fathom-kg/fathom/pkg/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

func init() {
	store.RegisterGraphStore("postgres", func(ctx context.Context, cfg map[string]string) (store.GraphStore, error) {
		pool, err := Connect(ctx, cfg["url"])
		if err != nil {
			return nil, err
		}
		return NewGraphStore(ctx, pool)
	})
	store.RegisterVectorStore("postgres", func(ctx context.Context, cfg map[string]string) (store.VectorStore, error) {
		pool, err := Connect(ctx, cfg["url"])
		if err != nil {
			return nil, err
		}
		dims, err := strconv.Atoi(cfg["dims"])
		if err != nil || dims <= 0 {
			return nil, common.Configf("postgres vector store requires a positive dims setting, got %q", cfg["dims"])
		}
		return NewVectorStore(ctx, pool, dims)
	})
}

// Connect opens a pgx pool against url and registers the pgvector types on
// every connection.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	config, err := poolConfig(url)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, wrapStoreErr("connect", err)
	}
	return pool, nil
}

// poolConfig parses url and hooks pgvector type registration into every new
// connection. Without the hook, pgvector.Vector values cannot be encoded.
func poolConfig(url string) (*pgxpool.Config, error) {
	if url == "" {
		return nil, common.Configf("postgres store requires a connection url")
	}
	config, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, common.Configf("invalid postgres url: %v", err)
	}
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	return config, nil
}

func wrapStoreErr(op string, err error) error {
	if err == nil {
		return nil
	}
	// Connection level failures are worth a retry; constraint violations and
	// the like come back non-transient through the same path because the
	// ingestion retry loop gives up after a bounded number of attempts.
	return &common.StoreError{Op: "postgres " + op, Transient: true, Err: err}
}

const graphSchema = `
CREATE TABLE IF NOT EXISTS graph_nodes (
	workspace        TEXT NOT NULL,
	id               TEXT NOT NULL,
	name             TEXT NOT NULL,
	type             TEXT NOT NULL DEFAULT '',
	description      TEXT NOT NULL DEFAULT '',
	source_chunk_ids TEXT[] NOT NULL DEFAULT '{}',
	PRIMARY KEY (workspace, id)
);
CREATE TABLE IF NOT EXISTS graph_edges (
	workspace        TEXT NOT NULL,
	pair_key         TEXT NOT NULL,
	source           TEXT NOT NULL,
	target           TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	label            TEXT NOT NULL DEFAULT '',
	keywords         TEXT[] NOT NULL DEFAULT '{}',
	strength         DOUBLE PRECISION NOT NULL DEFAULT 0,
	source_chunk_ids TEXT[] NOT NULL DEFAULT '{}',
	PRIMARY KEY (workspace, pair_key)
);
CREATE INDEX IF NOT EXISTS graph_edges_source_idx ON graph_edges (workspace, source);
CREATE INDEX IF NOT EXISTS graph_edges_target_idx ON graph_edges (workspace, target);
`

// GraphStore implements store.GraphStore on PostgreSQL. Nodes and edges live
// in two tables keyed by (workspace, id) and (workspace, pair_key), so a
// single upsert statement per row keeps writes idempotent.
type GraphStore struct {
	pool *pgxpool.Pool
}

// NewGraphStore creates the graph tables if needed and returns the store.
func NewGraphStore(ctx context.Context, pool *pgxpool.Pool) (*GraphStore, error) {
	if _, err := pool.Exec(ctx, graphSchema); err != nil {
		return nil, wrapStoreErr("create graph schema", err)
	}
	return &GraphStore{pool: pool}, nil
}

func (s *GraphStore) HasNode(ctx context.Context, workspace, id string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM graph_nodes WHERE workspace = $1 AND id = $2)`,
		workspace, id,
	).Scan(&exists)
	if err != nil {
		return false, wrapStoreErr("has node", err)
	}
	return exists, nil
}

func (s *GraphStore) HasEdge(ctx context.Context, workspace, src, tgt string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM graph_edges WHERE workspace = $1 AND pair_key = $2)`,
		workspace, common.PairKey(src, tgt),
	).Scan(&exists)
	if err != nil {
		return false, wrapStoreErr("has edge", err)
	}
	return exists, nil
}

func (s *GraphStore) GetNode(ctx context.Context, workspace, id string) (store.NodeProps, bool, error) {
	var props store.NodeProps
	err := s.pool.QueryRow(ctx,
		`SELECT name, type, description, source_chunk_ids
		 FROM graph_nodes WHERE workspace = $1 AND id = $2`,
		workspace, id,
	).Scan(&props.Name, &props.Type, &props.Description, &props.SourceChunkIDs)
	if err == pgx.ErrNoRows {
		return store.NodeProps{}, false, nil
	}
	if err != nil {
		return store.NodeProps{}, false, wrapStoreErr("get node", err)
	}
	return props, true, nil
}

func (s *GraphStore) GetEdgeProperties(ctx context.Context, workspace, src, tgt string) (store.EdgeProps, bool, error) {
	var props store.EdgeProps
	err := s.pool.QueryRow(ctx,
		`SELECT description, label, keywords, strength, source_chunk_ids
		 FROM graph_edges WHERE workspace = $1 AND pair_key = $2`,
		workspace, common.PairKey(src, tgt),
	).Scan(&props.Description, &props.Label, &props.Keywords, &props.Strength, &props.SourceChunkIDs)
	if err == pgx.ErrNoRows {
		return store.EdgeProps{}, false, nil
	}
	if err != nil {
		return store.EdgeProps{}, false, wrapStoreErr("get edge", err)
	}
	return props, true, nil
}

func (s *GraphStore) NodeDegree(ctx context.Context, workspace, id string) (int, error) {
	var degree int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM graph_edges
		 WHERE workspace = $1 AND (source = $2 OR target = $2)`,
		workspace, id,
	).Scan(&degree)
	if err != nil {
		return 0, wrapStoreErr("node degree", err)
	}
	return degree, nil
}

const upsertNodeSQL = `
INSERT INTO graph_nodes (workspace, id, name, type, description, source_chunk_ids)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (workspace, id) DO UPDATE SET
	name = EXCLUDED.name,
	type = EXCLUDED.type,
	description = EXCLUDED.description,
	source_chunk_ids = EXCLUDED.source_chunk_ids`

const upsertEdgeSQL = `
INSERT INTO graph_edges (workspace, pair_key, source, target, description, label, keywords, strength, source_chunk_ids)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (workspace, pair_key) DO UPDATE SET
	description = EXCLUDED.description,
	label = EXCLUDED.label,
	keywords = EXCLUDED.keywords,
	strength = EXCLUDED.strength,
	source_chunk_ids = EXCLUDED.source_chunk_ids`

func (s *GraphStore) UpsertNode(ctx context.Context, workspace, id string, props store.NodeProps) error {
	_, err := s.pool.Exec(ctx, upsertNodeSQL,
		workspace, id, props.Name, props.Type, props.Description, chunkIDs(props.SourceChunkIDs))
	return wrapStoreErr("upsert node", err)
}

func (s *GraphStore) UpsertEdge(ctx context.Context, workspace, src, tgt string, props store.EdgeProps) error {
	_, err := s.pool.Exec(ctx, upsertEdgeSQL,
		workspace, common.PairKey(src, tgt), src, tgt,
		props.Description, props.Label, keywords(props.Keywords), props.Strength, chunkIDs(props.SourceChunkIDs))
	return wrapStoreErr("upsert edge", err)
}

func (s *GraphStore) Neighbors(ctx context.Context, workspace, id string) ([]store.Neighbor, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT e.source, e.target, e.description, e.label, e.keywords, e.strength, e.source_chunk_ids,
		        n.id, n.name, n.type, n.description, n.source_chunk_ids
		 FROM graph_edges e
		 JOIN graph_nodes n
		   ON n.workspace = e.workspace
		  AND n.id = CASE WHEN e.source = $2 THEN e.target ELSE e.source END
		 WHERE e.workspace = $1 AND (e.source = $2 OR e.target = $2)
		 ORDER BY n.id`,
		workspace, id,
	)
	if err != nil {
		return nil, wrapStoreErr("neighbors", err)
	}
	defer rows.Close()

	var neighbors []store.Neighbor
	for rows.Next() {
		var n store.Neighbor
		err := rows.Scan(
			&n.EdgeSource, &n.EdgeTarget,
			&n.Edge.Description, &n.Edge.Label, &n.Edge.Keywords, &n.Edge.Strength, &n.Edge.SourceChunkIDs,
			&n.NodeID, &n.Node.Name, &n.Node.Type, &n.Node.Description, &n.Node.SourceChunkIDs,
		)
		if err != nil {
			return nil, wrapStoreErr("neighbors scan", err)
		}
		neighbors = append(neighbors, n)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreErr("neighbors", err)
	}
	return neighbors, nil
}

// ApplyBatch writes all nodes and edges of one merge result inside a single
// transaction, so readers see the pre-batch or post-batch graph and a failed
// commit leaves nothing behind.
func (s *GraphStore) ApplyBatch(ctx context.Context, workspace string, batch store.GraphBatch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapStoreErr("begin batch", err)
	}
	defer tx.Rollback(ctx)

	for id, props := range batch.Nodes {
		_, err := tx.Exec(ctx, upsertNodeSQL,
			workspace, id, props.Name, props.Type, props.Description, chunkIDs(props.SourceChunkIDs))
		if err != nil {
			return wrapStoreErr("batch node", err)
		}
	}
	for _, edge := range batch.Edges {
		_, err := tx.Exec(ctx, upsertEdgeSQL,
			workspace, common.PairKey(edge.Source, edge.Target), edge.Source, edge.Target,
			edge.Props.Description, edge.Props.Label, keywords(edge.Props.Keywords),
			edge.Props.Strength, chunkIDs(edge.Props.SourceChunkIDs))
		if err != nil {
			return wrapStoreErr("batch edge", err)
		}
	}

	return wrapStoreErr("commit batch", tx.Commit(ctx))
}

func (s *GraphStore) DeleteNode(ctx context.Context, workspace, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapStoreErr("begin delete", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM graph_edges WHERE workspace = $1 AND (source = $2 OR target = $2)`,
		workspace, id); err != nil {
		return wrapStoreErr("delete edges", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM graph_nodes WHERE workspace = $1 AND id = $2`,
		workspace, id); err != nil {
		return wrapStoreErr("delete node", err)
	}
	return wrapStoreErr("commit delete", tx.Commit(ctx))
}

// chunkIDs and keywords keep NOT NULL array columns happy for zero values.
func chunkIDs(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func keywords(kw []string) []string {
	if kw == nil {
		return []string{}
	}
	return kw
}

// VectorStore implements store.VectorStore on PostgreSQL with pgvector.
// Records are partitioned by namespace in one table; similarity search uses
// the cosine distance operator.
type VectorStore struct {
	pool *pgxpool.Pool
	dims int
}

// NewVectorStore creates the vector table for the given embedding width if
// needed and returns the store. The width is fixed per deployment; changing
// the embedding model requires a re-index into a fresh table.
func NewVectorStore(ctx context.Context, pool *pgxpool.Pool, dims int) (*VectorStore, error) {
	if dims <= 0 {
		return nil, common.Configf("vector dimensions must be positive, got %d", dims)
	}
	schema := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS vector_records (
	namespace TEXT NOT NULL,
	id        TEXT NOT NULL,
	embedding vector(%d) NOT NULL,
	payload   JSONB NOT NULL DEFAULT '{}',
	PRIMARY KEY (namespace, id)
);`, dims)
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, wrapStoreErr("create vector schema", err)
	}
	return &VectorStore{pool: pool, dims: dims}, nil
}

func (s *VectorStore) Upsert(ctx context.Context, workspace string, records []store.VectorRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapStoreErr("begin upsert", err)
	}
	defer tx.Rollback(ctx)

	for _, rec := range records {
		payload, err := json.Marshal(rec.Payload)
		if err != nil {
			return wrapStoreErr("encode payload", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO vector_records (namespace, id, embedding, payload)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (namespace, id) DO UPDATE SET
				embedding = EXCLUDED.embedding,
				payload = EXCLUDED.payload`,
			workspace, rec.ID, pgvector.NewVector(rec.Vector), payload)
		if err != nil {
			return wrapStoreErr("upsert vector", err)
		}
	}
	return wrapStoreErr("commit upsert", tx.Commit(ctx))
}

func (s *VectorStore) Has(ctx context.Context, workspace, id string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM vector_records WHERE namespace = $1 AND id = $2)`,
		workspace, id,
	).Scan(&exists)
	if err != nil {
		return false, wrapStoreErr("has vector", err)
	}
	return exists, nil
}

func (s *VectorStore) Get(ctx context.Context, workspace string, ids []string) ([]store.VectorRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, embedding, payload FROM vector_records
		 WHERE namespace = $1 AND id = ANY($2)`,
		workspace, ids,
	)
	if err != nil {
		return nil, wrapStoreErr("get vectors", err)
	}
	defer rows.Close()

	byID := make(map[string]store.VectorRecord, len(ids))
	for rows.Next() {
		var (
			rec     store.VectorRecord
			vec     pgvector.Vector
			payload []byte
		)
		if err := rows.Scan(&rec.ID, &vec, &payload); err != nil {
			return nil, wrapStoreErr("get vectors scan", err)
		}
		rec.Vector = vec.Slice()
		if err := json.Unmarshal(payload, &rec.Payload); err != nil {
			return nil, wrapStoreErr("decode payload", err)
		}
		byID[rec.ID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreErr("get vectors", err)
	}

	// Preserve the requested order, skipping missing IDs.
	out := make([]store.VectorRecord, 0, len(byID))
	for _, id := range ids {
		if rec, ok := byID[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *VectorStore) Query(ctx context.Context, workspace string, vector []float32, topK int) ([]store.ScoredPoint, error) {
	if topK <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, payload, embedding <=> $2 AS distance
		 FROM vector_records
		 WHERE namespace = $1
		 ORDER BY distance ASC, id ASC
		 LIMIT $3`,
		workspace, pgvector.NewVector(vector), topK,
	)
	if err != nil {
		return nil, wrapStoreErr("query vectors", err)
	}
	defer rows.Close()

	var points []store.ScoredPoint
	for rows.Next() {
		var (
			point    store.ScoredPoint
			payload  []byte
			distance float64
		)
		if err := rows.Scan(&point.ID, &payload, &distance); err != nil {
			return nil, wrapStoreErr("query vectors scan", err)
		}
		if err := json.Unmarshal(payload, &point.Payload); err != nil {
			return nil, wrapStoreErr("decode payload", err)
		}
		// <=> is cosine distance in [0,2]; map to similarity in [0,1].
		point.Similarity = (2 - distance) / 2
		points = append(points, point)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreErr("query vectors", err)
	}
	return points, nil
}

func (s *VectorStore) DeleteByID(ctx context.Context, workspace string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM vector_records WHERE namespace = $1 AND id = ANY($2)`,
		workspace, ids)
	return wrapStoreErr("delete vectors", err)
}

func (s *VectorStore) DeleteByField(ctx context.Context, workspace, field, value string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM vector_records WHERE namespace = $1 AND payload->>$2 = $3`,
		workspace, field, value)
	return wrapStoreErr("delete vectors by field", err)
}
