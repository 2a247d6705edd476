package engine

import (
	"context"
	"sync"
	"time"

	"github.com/fathom-kg/fathom/internal/util"
	"github.com/fathom-kg/fathom/pkg/ai"
	"github.com/fathom-kg/fathom/pkg/chunker"
	"github.com/fathom-kg/fathom/pkg/common"
	"github.com/fathom-kg/fathom/pkg/extract"
	"github.com/fathom-kg/fathom/pkg/index"
	"github.com/fathom-kg/fathom/pkg/logger"
	"github.com/fathom-kg/fathom/pkg/merge"
	"github.com/fathom-kg/fathom/pkg/query"
	"github.com/fathom-kg/fathom/pkg/store"

	"golang.org/x/sync/errgroup"
)

// Engine is the ingestion and retrieval facade: documents go in through
// Ingest, evidence bundles come out through Query. One Engine serves one
// workspace.
type Engine struct {
	client  ai.GraphAIClient
	graph   store.GraphStore
	vectors store.VectorStore

	chunker   *chunker.Chunker
	extractor *extract.Extractor
	merger    *merge.Merger
	indexer   *index.Indexer
	planner   *query.Planner

	workspace          string
	chunkMaxTokens     int
	chunkOverlapTokens int
	maxParallelChunks  int
	extractRetries     int
	retryBase          time.Duration
}

// NewEngineParams contains configuration options for creating a new Engine.
type NewEngineParams struct {
	Client  ai.GraphAIClient
	Graph   store.GraphStore
	Vectors store.VectorStore

	// Workspace scopes every store operation. Required.
	Workspace string

	// Encoder is the tiktoken encoding used for chunking and budget
	// accounting. Default "cl100k_base".
	Encoder string

	// ChunkMaxTokens and ChunkOverlapTokens parameterize the chunker.
	// Defaults 1200 and 100.
	ChunkMaxTokens     int
	ChunkOverlapTokens int

	// MaxGleanRounds, EntityTypes and Language parameterize the extractor.
	MaxGleanRounds int
	EntityTypes    []string
	Language       string

	// MaxParallelChunks bounds concurrent chunk extractions. Default 4.
	MaxParallelChunks int

	// ExtractRetries is the attempt count per chunk before it is skipped.
	// Default 3.
	ExtractRetries int

	// RetryBase is the initial backoff between attempts. Default 500ms.
	RetryBase time.Duration

	// TopK is the vector hit count per planner search. Default 20.
	TopK int
}

// New creates a new Engine and its pipeline components.
func New(params NewEngineParams) (*Engine, error) {
	if params.Client == nil {
		return nil, common.Configf("engine requires an AI client")
	}
	if params.Graph == nil {
		return nil, common.Configf("engine requires a graph store")
	}
	if params.Vectors == nil {
		return nil, common.Configf("engine requires a vector store")
	}
	if params.Workspace == "" {
		return nil, common.Configf("engine requires a workspace")
	}

	encoder := params.Encoder
	if encoder == "" {
		encoder = "cl100k_base"
	}
	chk, err := chunker.New(encoder)
	if err != nil {
		return nil, err
	}

	extractor, err := extract.NewExtractor(extract.NewExtractorParams{
		Client:         params.Client,
		MaxGleanRounds: params.MaxGleanRounds,
		EntityTypes:    params.EntityTypes,
		Language:       params.Language,
	})
	if err != nil {
		return nil, err
	}

	merger, err := merge.NewMerger(merge.NewMergerParams{
		Client:    params.Client,
		Graph:     params.Graph,
		Counter:   chk,
		Workspace: params.Workspace,
		RetryBase: params.RetryBase,
	})
	if err != nil {
		return nil, err
	}

	indexer, err := index.NewIndexer(index.NewIndexerParams{
		Client:    params.Client,
		Vectors:   params.Vectors,
		Workspace: params.Workspace,
		RetryBase: params.RetryBase,
	})
	if err != nil {
		return nil, err
	}

	planner, err := query.NewPlanner(query.NewPlannerParams{
		Client:    params.Client,
		Graph:     params.Graph,
		Vectors:   params.Vectors,
		Counter:   chk,
		Workspace: params.Workspace,
		TopK:      params.TopK,
		RetryBase: params.RetryBase,
	})
	if err != nil {
		return nil, err
	}

	maxTokens := params.ChunkMaxTokens
	if maxTokens <= 0 {
		maxTokens = 1200
	}
	overlap := params.ChunkOverlapTokens
	if overlap <= 0 {
		overlap = 100
	}
	parallel := params.MaxParallelChunks
	if parallel <= 0 {
		parallel = 4
	}
	retries := params.ExtractRetries
	if retries <= 0 {
		retries = 3
	}

	return &Engine{
		client:             params.Client,
		graph:              params.Graph,
		vectors:            params.Vectors,
		chunker:            chk,
		extractor:          extractor,
		merger:             merger,
		indexer:            indexer,
		planner:            planner,
		workspace:          params.Workspace,
		chunkMaxTokens:     maxTokens,
		chunkOverlapTokens: overlap,
		maxParallelChunks:  parallel,
		extractRetries:     retries,
		retryBase:          params.RetryBase,
	}, nil
}

// Ingest runs one document through the full pipeline: chunk, extract in a
// bounded pool, merge as one atomic batch, index. Chunks whose text was seen
// before are skipped up front. Per-chunk failures after retries are reported
// in the summary instead of failing the call.
func (e *Engine) Ingest(ctx context.Context, documentText string) (common.IngestSummary, error) {
	summary := common.IngestSummary{DocumentID: chunker.DocumentID(documentText)}

	chunks, err := e.chunker.Split(documentText, e.chunkMaxTokens, e.chunkOverlapTokens)
	if err != nil {
		return summary, err
	}
	if len(chunks) == 0 {
		return summary, nil
	}

	chunkNS := store.Namespace(e.workspace, store.KindChunk)
	fresh := make([]common.Chunk, 0, len(chunks))
	for _, chunk := range chunks {
		indexed, err := e.vectors.Has(ctx, chunkNS, chunk.ID)
		if err != nil {
			return summary, err
		}
		if indexed {
			summary.ChunksSkipped++
			continue
		}
		fresh = append(fresh, chunk)
	}
	summary.ChunksCreated = len(fresh)
	if len(fresh) == 0 {
		logger.Info("[Engine] Document already ingested", "document", summary.DocumentID)
		return summary, nil
	}

	var (
		mu     sync.Mutex
		delta  merge.Delta
		failed = map[string]bool{}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxParallelChunks)
	for _, chunk := range fresh {
		g.Go(func() error {
			result, err := util.RetryWithContext(gctx, e.extractRetries, func(ctx context.Context) (extract.Result, error) {
				return e.extractor.Extract(ctx, chunk)
			})
			if err != nil {
				if gctx.Err() != nil || common.IsConfig(err) {
					return err
				}
				logger.Warn("[Engine] Skipping chunk after retries", "chunk", chunk.ID, "err", err)
				mu.Lock()
				failed[chunk.ID] = true
				summary.Skipped = append(summary.Skipped, common.SkippedUnit{ID: chunk.ID, Reason: err.Error()})
				mu.Unlock()
				return nil
			}

			mu.Lock()
			delta.Entities = append(delta.Entities, result.Entities...)
			delta.Relations = append(delta.Relations, result.Relations...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}

	merged, err := e.merger.MergeBatch(ctx, delta)
	if err != nil {
		return summary, err
	}
	summary.EntitiesWritten = len(merged.Entities)
	summary.RelationshipsWritten = len(merged.Relationships)

	// Chunks that failed extraction stay out of the index so a later
	// re-ingest retries them instead of skipping them as already seen.
	indexable := make([]common.Chunk, 0, len(fresh))
	for _, chunk := range fresh {
		if !failed[chunk.ID] {
			indexable = append(indexable, chunk)
		}
	}

	report, err := e.indexer.IndexBatch(ctx, merged.Entities, merged.Relationships, indexable)
	if err != nil {
		return summary, err
	}
	summary.VectorsWritten = report.VectorsWritten
	summary.Skipped = append(summary.Skipped, report.Skipped...)

	logger.Info("[Engine] Document ingested",
		"document", summary.DocumentID,
		"chunks", summary.ChunksCreated,
		"entities", summary.EntitiesWritten,
		"relationships", summary.RelationshipsWritten,
		"skipped", len(summary.Skipped),
	)
	return summary, nil
}

// Query assembles an evidence bundle for a question under a token budget.
func (e *Engine) Query(ctx context.Context, question string, mode common.QueryMode, tokenBudget int) (common.ContextBundle, error) {
	return e.planner.Query(ctx, question, mode, tokenBudget)
}
