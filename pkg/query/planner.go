package query

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/fathom-kg/fathom/internal/util"
	"github.com/fathom-kg/fathom/pkg/ai"
	"github.com/fathom-kg/fathom/pkg/common"
	"github.com/fathom-kg/fathom/pkg/logger"
	"github.com/fathom-kg/fathom/pkg/store"

	"golang.org/x/sync/errgroup"
)

// DefaultTokenBudget bounds the serialized context when the caller does not
// pass a budget.
const DefaultTokenBudget = 4000

// Planner answers questions by assembling a context bundle from the vector
// indexes and the graph, using one of the four retrieval modes.
type Planner struct {
	client    ai.GraphAIClient
	graph     store.GraphStore
	vectors   store.VectorStore
	counter   TokenCounter
	workspace string
	topK      int

	storeRetries int
	retryBase    time.Duration
}

// NewPlannerParams contains configuration options for creating a new Planner.
type NewPlannerParams struct {
	Client    ai.GraphAIClient
	Graph     store.GraphStore
	Vectors   store.VectorStore
	Counter   TokenCounter
	Workspace string

	// TopK is the number of vector hits fetched per search. Default 20.
	TopK int

	// StoreRetries is the attempt count for a store read that fails with a
	// transient store error. Default 3.
	StoreRetries int

	// RetryBase is the initial backoff between store attempts. Default 500ms.
	RetryBase time.Duration
}

// NewPlanner creates a new Planner.
func NewPlanner(params NewPlannerParams) (*Planner, error) {
	if params.Client == nil {
		return nil, common.Configf("planner requires an AI client")
	}
	if params.Graph == nil {
		return nil, common.Configf("planner requires a graph store")
	}
	if params.Vectors == nil {
		return nil, common.Configf("planner requires a vector store")
	}
	if params.Counter == nil {
		return nil, common.Configf("planner requires a token counter")
	}

	topK := params.TopK
	if topK <= 0 {
		topK = 20
	}
	retries := params.StoreRetries
	if retries <= 0 {
		retries = 3
	}

	return &Planner{
		client:       params.Client,
		graph:        params.Graph,
		vectors:      params.Vectors,
		counter:      params.Counter,
		workspace:    params.Workspace,
		topK:         topK,
		storeRetries: retries,
		retryBase:    params.RetryBase,
	}, nil
}

// Store accessors below retry transiently failing reads so one connection
// blip does not fail the whole retrieval.

func (p *Planner) withStoreRetry(ctx context.Context, fn func(context.Context) error) error {
	return util.RetryBackoffWithContext(ctx, p.storeRetries, p.retryBase, common.IsTransient, fn)
}

func (p *Planner) searchVectors(ctx context.Context, namespace string, vec []float32) ([]store.ScoredPoint, error) {
	var hits []store.ScoredPoint
	err := p.withStoreRetry(ctx, func(ctx context.Context) error {
		var err error
		hits, err = p.vectors.Query(ctx, namespace, vec, p.topK)
		return err
	})
	return hits, err
}

func (p *Planner) getNode(ctx context.Context, name string) (store.NodeProps, bool, error) {
	var (
		props store.NodeProps
		found bool
	)
	err := p.withStoreRetry(ctx, func(ctx context.Context) error {
		var err error
		props, found, err = p.graph.GetNode(ctx, p.workspace, name)
		return err
	})
	return props, found, err
}

func (p *Planner) getEdgeProperties(ctx context.Context, src, tgt string) (store.EdgeProps, bool, error) {
	var (
		props store.EdgeProps
		found bool
	)
	err := p.withStoreRetry(ctx, func(ctx context.Context) error {
		var err error
		props, found, err = p.graph.GetEdgeProperties(ctx, p.workspace, src, tgt)
		return err
	})
	return props, found, err
}

func (p *Planner) nodeDegree(ctx context.Context, name string) (int, error) {
	var degree int
	err := p.withStoreRetry(ctx, func(ctx context.Context) error {
		var err error
		degree, err = p.graph.NodeDegree(ctx, p.workspace, name)
		return err
	})
	return degree, err
}

func (p *Planner) neighbors(ctx context.Context, name string) ([]store.Neighbor, error) {
	var hops []store.Neighbor
	err := p.withStoreRetry(ctx, func(ctx context.Context) error {
		var err error
		hops, err = p.graph.Neighbors(ctx, p.workspace, name)
		return err
	})
	return hops, err
}

// Query plans one retrieval. The bundle is bounded by tokenBudget; an empty
// bundle is a valid result for a question the indexes know nothing about.
func (p *Planner) Query(ctx context.Context, question string, mode common.QueryMode, tokenBudget int) (common.ContextBundle, error) {
	if !mode.Valid() {
		return common.ContextBundle{}, common.Configf("unknown query mode %q", mode)
	}
	if strings.TrimSpace(question) == "" {
		return common.ContextBundle{}, common.Configf("empty question")
	}
	if tokenBudget <= 0 {
		tokenBudget = DefaultTokenBudget
	}

	var (
		cands candidates
		err   error
	)
	switch mode {
	case common.ModeNaive:
		cands, err = p.collectNaive(ctx, question)
	case common.ModeLocal:
		_, low := ExtractKeywords(ctx, p.client, question)
		cands, err = p.collectLocalOrFallback(ctx, question, low)
	case common.ModeGlobal:
		high, _ := ExtractKeywords(ctx, p.client, question)
		cands, err = p.collectGlobalOrFallback(ctx, question, high)
	case common.ModeHybrid:
		cands, err = p.collectHybrid(ctx, question)
	}
	if err != nil {
		return common.ContextBundle{}, err
	}

	p.rank(&cands)
	bundle := buildBundle(mode, cands.entities, cands.relationships, cands.chunks, tokenBudget, p.counter)

	logger.Debug("[Query] Bundle assembled",
		"mode", mode,
		"entities", len(bundle.Entities),
		"relationships", len(bundle.Relationships),
		"chunks", len(bundle.Chunks),
		"tokens", bundle.TokenCount,
	)
	return bundle, nil
}

// candidates is the unranked, unbudgeted evidence a retrieval branch found.
type candidates struct {
	entities      []common.ScoredEntity
	relationships []common.ScoredRelationship
	chunks        []common.ScoredChunk
}

func (p *Planner) collectLocalOrFallback(ctx context.Context, question string, low []string) (candidates, error) {
	if len(low) == 0 {
		logger.Warn("[Query] No low-level keywords, falling back to naive retrieval")
		return p.collectNaive(ctx, question)
	}
	return p.collectLocal(ctx, low)
}

func (p *Planner) collectGlobalOrFallback(ctx context.Context, question string, high []string) (candidates, error) {
	if len(high) == 0 {
		logger.Warn("[Query] No high-level keywords, falling back to naive retrieval")
		return p.collectNaive(ctx, question)
	}
	return p.collectGlobal(ctx, high)
}

func (p *Planner) collectHybrid(ctx context.Context, question string) (candidates, error) {
	high, low := ExtractKeywords(ctx, p.client, question)
	if len(high) == 0 && len(low) == 0 {
		logger.Warn("[Query] No keywords at all, falling back to naive retrieval")
		return p.collectNaive(ctx, question)
	}

	var localCands, globalCands candidates
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		localCands, err = p.collectLocalOrFallback(gctx, question, low)
		return err
	})
	g.Go(func() error {
		var err error
		globalCands, err = p.collectGlobalOrFallback(gctx, question, high)
		return err
	})
	if err := g.Wait(); err != nil {
		return candidates{}, err
	}

	return mergeCandidates(localCands, globalCands), nil
}

// collectNaive retrieves chunks by direct question similarity, no graph.
func (p *Planner) collectNaive(ctx context.Context, question string) (candidates, error) {
	vec, err := p.client.GenerateEmbedding(ctx, []byte(question))
	if err != nil {
		return candidates{}, err
	}

	hits, err := p.searchVectors(ctx, store.Namespace(p.workspace, store.KindChunk), vec)
	if err != nil {
		return candidates{}, err
	}

	var c candidates
	for _, hit := range hits {
		c.chunks = append(c.chunks, common.ScoredChunk{
			ID:         hit.ID,
			Text:       hit.Payload["text"],
			Similarity: hit.Similarity,
		})
	}
	return c, nil
}

// collectLocal retrieves entities by low-level keyword similarity and
// expands each hit one hop into the graph.
func (p *Planner) collectLocal(ctx context.Context, low []string) (candidates, error) {
	vec, err := p.client.GenerateEmbedding(ctx, []byte(strings.Join(low, ", ")))
	if err != nil {
		return candidates{}, err
	}

	hits, err := p.searchVectors(ctx, store.Namespace(p.workspace, store.KindEntity), vec)
	if err != nil {
		return candidates{}, err
	}

	var c candidates
	seenRel := map[string]bool{}
	chunkSim := map[string]float64{}
	for _, hit := range hits {
		name := hit.Payload["name"]
		props, found, err := p.getNode(ctx, name)
		if err != nil {
			return candidates{}, err
		}
		if !found {
			// Index and graph can drift when a batch was partially skipped.
			continue
		}

		degree, err := p.nodeDegree(ctx, name)
		if err != nil {
			return candidates{}, err
		}
		c.entities = append(c.entities, common.ScoredEntity{
			Entity: common.Entity{
				Name:           props.Name,
				Type:           props.Type,
				Description:    props.Description,
				SourceChunkIDs: props.SourceChunkIDs,
			},
			Similarity: hit.Similarity,
			Degree:     degree,
		})
		for _, chunkID := range props.SourceChunkIDs {
			if hit.Similarity > chunkSim[chunkID] {
				chunkSim[chunkID] = hit.Similarity
			}
		}

		neighbors, err := p.neighbors(ctx, name)
		if err != nil {
			return candidates{}, err
		}
		for _, neighbor := range neighbors {
			key := common.PairKey(neighbor.EdgeSource, neighbor.EdgeTarget)
			if seenRel[key] {
				continue
			}
			seenRel[key] = true

			relDegree, err := p.pairDegree(ctx, neighbor.EdgeSource, neighbor.EdgeTarget)
			if err != nil {
				return candidates{}, err
			}
			c.relationships = append(c.relationships, common.ScoredRelationship{
				Relationship: common.Relationship{
					SourceName:     neighbor.EdgeSource,
					TargetName:     neighbor.EdgeTarget,
					Description:    neighbor.Edge.Description,
					Label:          neighbor.Edge.Label,
					Keywords:       neighbor.Edge.Keywords,
					Strength:       neighbor.Edge.Strength,
					SourceChunkIDs: neighbor.Edge.SourceChunkIDs,
				},
				Similarity: hit.Similarity,
				Degree:     relDegree,
			})
		}
	}

	chunks, err := p.fetchChunks(ctx, chunkSim)
	if err != nil {
		return candidates{}, err
	}
	c.chunks = chunks
	return c, nil
}

// collectGlobal retrieves relationships by high-level keyword similarity and
// pulls in their endpoint entities and source chunks.
func (p *Planner) collectGlobal(ctx context.Context, high []string) (candidates, error) {
	vec, err := p.client.GenerateEmbedding(ctx, []byte(strings.Join(high, ", ")))
	if err != nil {
		return candidates{}, err
	}

	hits, err := p.searchVectors(ctx, store.Namespace(p.workspace, store.KindRelationship), vec)
	if err != nil {
		return candidates{}, err
	}

	var c candidates
	entitySim := map[string]float64{}
	chunkSim := map[string]float64{}
	for _, hit := range hits {
		src, tgt := hit.Payload["source"], hit.Payload["target"]
		props, found, err := p.getEdgeProperties(ctx, src, tgt)
		if err != nil {
			return candidates{}, err
		}
		if !found {
			continue
		}

		relDegree, err := p.pairDegree(ctx, src, tgt)
		if err != nil {
			return candidates{}, err
		}
		c.relationships = append(c.relationships, common.ScoredRelationship{
			Relationship: common.Relationship{
				SourceName:     src,
				TargetName:     tgt,
				Description:    props.Description,
				Label:          props.Label,
				Keywords:       props.Keywords,
				Strength:       props.Strength,
				SourceChunkIDs: props.SourceChunkIDs,
			},
			Similarity: hit.Similarity,
			Degree:     relDegree,
		})

		for _, name := range []string{src, tgt} {
			if hit.Similarity > entitySim[name] {
				entitySim[name] = hit.Similarity
			}
		}
		for _, chunkID := range props.SourceChunkIDs {
			if hit.Similarity > chunkSim[chunkID] {
				chunkSim[chunkID] = hit.Similarity
			}
		}
	}

	for name, sim := range entitySim {
		props, found, err := p.getNode(ctx, name)
		if err != nil {
			return candidates{}, err
		}
		if !found {
			continue
		}
		degree, err := p.nodeDegree(ctx, name)
		if err != nil {
			return candidates{}, err
		}
		c.entities = append(c.entities, common.ScoredEntity{
			Entity: common.Entity{
				Name:           props.Name,
				Type:           props.Type,
				Description:    props.Description,
				SourceChunkIDs: props.SourceChunkIDs,
			},
			Similarity: sim,
			Degree:     degree,
		})
	}

	chunks, err := p.fetchChunks(ctx, chunkSim)
	if err != nil {
		return candidates{}, err
	}
	c.chunks = chunks
	return c, nil
}

func (p *Planner) pairDegree(ctx context.Context, src, tgt string) (int, error) {
	srcDegree, err := p.nodeDegree(ctx, src)
	if err != nil {
		return 0, err
	}
	tgtDegree, err := p.nodeDegree(ctx, tgt)
	if err != nil {
		return 0, err
	}
	return srcDegree + tgtDegree, nil
}

// fetchChunks resolves chunk texts for the collected chunk IDs, carrying the
// best similarity that referenced each chunk.
func (p *Planner) fetchChunks(ctx context.Context, chunkSim map[string]float64) ([]common.ScoredChunk, error) {
	if len(chunkSim) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(chunkSim))
	for id := range chunkSim {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var recs []store.VectorRecord
	if err := p.withStoreRetry(ctx, func(ctx context.Context) error {
		var err error
		recs, err = p.vectors.Get(ctx, store.Namespace(p.workspace, store.KindChunk), ids)
		return err
	}); err != nil {
		return nil, err
	}

	chunks := make([]common.ScoredChunk, 0, len(recs))
	for _, rec := range recs {
		chunks = append(chunks, common.ScoredChunk{
			ID:         rec.ID,
			Text:       rec.Payload["text"],
			Similarity: chunkSim[rec.ID],
		})
	}
	return chunks, nil
}

// mergeCandidates combines two branches, deduplicating by identity key and
// keeping the higher-scored copy of each duplicate.
func mergeCandidates(a, b candidates) candidates {
	var merged candidates

	entityIdx := map[string]int{}
	for _, ent := range append(a.entities, b.entities...) {
		if i, ok := entityIdx[ent.Name]; ok {
			if ent.Similarity > merged.entities[i].Similarity {
				merged.entities[i] = ent
			}
			continue
		}
		entityIdx[ent.Name] = len(merged.entities)
		merged.entities = append(merged.entities, ent)
	}

	relIdx := map[string]int{}
	for _, rel := range append(a.relationships, b.relationships...) {
		key := common.PairKey(rel.SourceName, rel.TargetName)
		if i, ok := relIdx[key]; ok {
			if rel.Similarity > merged.relationships[i].Similarity {
				merged.relationships[i] = rel
			}
			continue
		}
		relIdx[key] = len(merged.relationships)
		merged.relationships = append(merged.relationships, rel)
	}

	chunkIdx := map[string]int{}
	for _, chunk := range append(a.chunks, b.chunks...) {
		if i, ok := chunkIdx[chunk.ID]; ok {
			if chunk.Similarity > merged.chunks[i].Similarity {
				merged.chunks[i] = chunk
			}
			continue
		}
		chunkIdx[chunk.ID] = len(merged.chunks)
		merged.chunks = append(merged.chunks, chunk)
	}

	return merged
}

// rank orders candidates by similarity, breaking ties by graph degree and
// finally by identity for determinism.
func (p *Planner) rank(c *candidates) {
	sort.SliceStable(c.entities, func(i, j int) bool {
		a, b := c.entities[i], c.entities[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if a.Degree != b.Degree {
			return a.Degree > b.Degree
		}
		return a.Name < b.Name
	})
	sort.SliceStable(c.relationships, func(i, j int) bool {
		a, b := c.relationships[i], c.relationships[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if a.Degree != b.Degree {
			return a.Degree > b.Degree
		}
		return common.PairKey(a.SourceName, a.TargetName) < common.PairKey(b.SourceName, b.TargetName)
	})
	sort.SliceStable(c.chunks, func(i, j int) bool {
		a, b := c.chunks[i], c.chunks[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		return a.ID < b.ID
	})
}
