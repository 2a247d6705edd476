package index

import (
	"context"
	"strings"
	"time"

	"github.com/fathom-kg/fathom/internal/util"
	"github.com/fathom-kg/fathom/pkg/ai"
	"github.com/fathom-kg/fathom/pkg/common"
	"github.com/fathom-kg/fathom/pkg/logger"
	"github.com/fathom-kg/fathom/pkg/store"
)

// Indexer writes embedding records for reconciled entities, relationships
// and chunks. Vector IDs equal the source object's identity, so re-indexing
// unchanged content overwrites in place.
type Indexer struct {
	client    ai.GraphAIClient
	vectors   store.VectorStore
	workspace string

	embedBatchSize int
	maxRetries     int
	retryBase      time.Duration
}

// NewIndexerParams contains configuration options for creating a new Indexer.
type NewIndexerParams struct {
	Client    ai.GraphAIClient
	Vectors   store.VectorStore
	Workspace string

	// EmbedBatchSize is the number of inputs per embedding request. Default 32.
	EmbedBatchSize int

	// MaxRetries is the number of attempts per embedding batch before the
	// batch is skipped. Default 3.
	MaxRetries int

	// RetryBase is the initial backoff between attempts. Default 500ms.
	RetryBase time.Duration
}

// NewIndexer creates a new Indexer.
func NewIndexer(params NewIndexerParams) (*Indexer, error) {
	if params.Client == nil {
		return nil, common.Configf("indexer requires an AI client")
	}
	if params.Vectors == nil {
		return nil, common.Configf("indexer requires a vector store")
	}

	batchSize := params.EmbedBatchSize
	if batchSize <= 0 {
		batchSize = 32
	}
	retries := params.MaxRetries
	if retries <= 0 {
		retries = 3
	}

	return &Indexer{
		client:         params.Client,
		vectors:        params.Vectors,
		workspace:      params.Workspace,
		embedBatchSize: batchSize,
		maxRetries:     retries,
		retryBase:      params.RetryBase,
	}, nil
}

// Report lists what one IndexBatch call wrote and what it had to give up on.
type Report struct {
	VectorsWritten int
	Skipped        []common.SkippedUnit
}

// EntityVectorID derives the vector record ID for a reconciled entity.
func EntityVectorID(name string) string {
	return "ent-" + name
}

// RelationshipVectorID derives the vector record ID for a reconciled
// relationship.
func RelationshipVectorID(src, tgt string) string {
	return "rel-" + common.PairKey(src, tgt)
}

// unit is one pending vector record with its embedding input.
type unit struct {
	record store.VectorRecord
	input  string
}

// IndexBatch embeds and upserts everything a merge produced. Batches that
// keep failing after retries are skipped and reported; only a canceled
// context aborts the call.
func (x *Indexer) IndexBatch(
	ctx context.Context,
	entities []common.Entity,
	relationships []common.Relationship,
	chunks []common.Chunk,
) (Report, error) {
	var report Report

	if err := x.indexKind(ctx, store.KindChunk, chunkUnits(chunks), &report); err != nil {
		return report, err
	}
	if err := x.indexKind(ctx, store.KindEntity, entityUnits(entities), &report); err != nil {
		return report, err
	}
	if err := x.indexKind(ctx, store.KindRelationship, relationshipUnits(relationships), &report); err != nil {
		return report, err
	}

	logger.Debug("[Index] Batch indexed",
		"workspace", x.workspace,
		"written", report.VectorsWritten,
		"skipped", len(report.Skipped),
	)
	return report, nil
}

func chunkUnits(chunks []common.Chunk) []unit {
	units := make([]unit, 0, len(chunks))
	for _, chunk := range chunks {
		units = append(units, unit{
			input: chunk.Text,
			record: store.VectorRecord{
				ID: chunk.ID,
				Payload: map[string]string{
					"text":        chunk.Text,
					"document_id": chunk.DocumentID,
				},
			},
		})
	}
	return units
}

func entityUnits(entities []common.Entity) []unit {
	units := make([]unit, 0, len(entities))
	for _, ent := range entities {
		units = append(units, unit{
			input: ent.Name + "\n" + ent.Description,
			record: store.VectorRecord{
				ID: EntityVectorID(ent.Name),
				Payload: map[string]string{
					"name":             ent.Name,
					"type":             ent.Type,
					"source_chunk_ids": strings.Join(ent.SourceChunkIDs, common.FieldSep),
				},
			},
		})
	}
	return units
}

func relationshipUnits(relationships []common.Relationship) []unit {
	units := make([]unit, 0, len(relationships))
	for _, rel := range relationships {
		units = append(units, unit{
			input: strings.Join(rel.Keywords, ", ") + "\n" +
				rel.SourceName + "\n" + rel.TargetName + "\n" + rel.Description,
			record: store.VectorRecord{
				ID: RelationshipVectorID(rel.SourceName, rel.TargetName),
				Payload: map[string]string{
					"source":           rel.SourceName,
					"target":           rel.TargetName,
					"keywords":         strings.Join(rel.Keywords, ", "),
					"source_chunk_ids": strings.Join(rel.SourceChunkIDs, common.FieldSep),
				},
			},
		})
	}
	return units
}

func (x *Indexer) indexKind(ctx context.Context, kind string, units []unit, report *Report) error {
	namespace := store.Namespace(x.workspace, kind)

	for start := 0; start < len(units); start += x.embedBatchSize {
		end := util.Min(start+x.embedBatchSize, len(units))
		batch := units[start:end]

		err := util.RetryBackoffWithContext(ctx, x.maxRetries, x.retryBase, common.IsTransient,
			func(ctx context.Context) error {
				return x.writeBatch(ctx, namespace, batch)
			})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("[Index] Skipping batch after retries",
				"kind", kind, "size", len(batch), "err", err)
			for _, u := range batch {
				report.Skipped = append(report.Skipped, common.SkippedUnit{
					ID:     u.record.ID,
					Reason: err.Error(),
				})
			}
			continue
		}
		report.VectorsWritten += len(batch)
	}
	return nil
}

func (x *Indexer) writeBatch(ctx context.Context, namespace string, batch []unit) error {
	inputs := make([][]byte, len(batch))
	for i, u := range batch {
		inputs[i] = []byte(u.input)
	}

	embeddings, err := x.client.GenerateEmbeddings(ctx, inputs)
	if err != nil {
		return err
	}

	records := make([]store.VectorRecord, len(batch))
	for i, u := range batch {
		rec := u.record
		rec.Vector = embeddings[i]
		records[i] = rec
	}
	return x.vectors.Upsert(ctx, namespace, records)
}
