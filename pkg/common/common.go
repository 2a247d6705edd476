package common

import "strings"

// FieldSep joins multiple description fragments or chunk references inside a
// single stored field. It matches the separator the extraction prompts use.
const FieldSep = "<SEP>"

// DefaultEntityTypes is used when the caller does not supply a type
// vocabulary for extraction.
var DefaultEntityTypes = []string{"ORGANIZATION", "PERSON", "LOCATION", "CONCEPT", "TECHNOLOGY", "EVENT", "DATE", "PRODUCT"}

// Chunk is a token-bounded passage of a source document. Its ID is derived
// from the chunk text, so re-ingesting identical text produces the same
// chunk. Chunks are immutable once created.
type Chunk struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Text       string `json:"text"`
	TokenCount int    `json:"token_count"`
	OrderIndex int    `json:"order_index"`
}

// EntityFragment is one unreconciled entity mention produced by extraction.
// Fragments with the same normalized name are folded into a single Entity
// by the merger.
type EntityFragment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	ChunkID     string `json:"chunk_id"`
	ChunkIndex  int    `json:"chunk_index"`
}

// RelationFragment is one unreconciled relationship mention produced by
// extraction. Fragments describing the same unordered entity pair accumulate
// into a single Relationship.
type RelationFragment struct {
	ID          string   `json:"id"`
	SourceName  string   `json:"source_name"`
	TargetName  string   `json:"target_name"`
	Description string   `json:"description"`
	Keywords    []string `json:"keywords"`
	Strength    float64  `json:"strength"`
	ChunkID     string   `json:"chunk_id"`
	ChunkIndex  int      `json:"chunk_index"`
}

// Entity is a reconciled graph node. Identity is the normalized name; no two
// entities with the same normalized name coexist within a workspace.
type Entity struct {
	Name           string   `json:"name"`
	Type           string   `json:"type"`
	Description    string   `json:"description"`
	SourceChunkIDs []string `json:"source_chunk_ids"`
}

// Relationship is a reconciled graph edge. The pair is unordered for
// identity purposes but the direction of the first extraction is kept for
// description phrasing. Label is the coarse relation name, usually the first
// extracted keyword.
type Relationship struct {
	SourceName     string   `json:"source_name"`
	TargetName     string   `json:"target_name"`
	Description    string   `json:"description"`
	Label          string   `json:"label"`
	Keywords       []string `json:"keywords"`
	Strength       float64  `json:"strength"`
	SourceChunkIDs []string `json:"source_chunk_ids"`
}

// QueryMode selects the retrieval strategy for a query.
type QueryMode string

const (
	ModeNaive  QueryMode = "naive"
	ModeLocal  QueryMode = "local"
	ModeGlobal QueryMode = "global"
	ModeHybrid QueryMode = "hybrid"
)

// Valid reports whether the mode is one of the four supported strategies.
func (m QueryMode) Valid() bool {
	switch m {
	case ModeNaive, ModeLocal, ModeGlobal, ModeHybrid:
		return true
	}
	return false
}

// ScoredEntity is an entity candidate selected for a context bundle.
type ScoredEntity struct {
	Entity
	Similarity float64 `json:"similarity"`
	Degree     int     `json:"degree"`
}

// ScoredRelationship is a relationship candidate selected for a context bundle.
type ScoredRelationship struct {
	Relationship
	Similarity float64 `json:"similarity"`
	Degree     int     `json:"degree"`
}

// ScoredChunk is a source passage selected for a context bundle.
type ScoredChunk struct {
	ID         string  `json:"id"`
	Text       string  `json:"text"`
	Similarity float64 `json:"similarity"`
}

// ContextBundle is the query-scoped evidence set handed to the external
// generation step. It is never persisted. Text holds the serialized tabular
// representation, bounded by the requested token budget.
type ContextBundle struct {
	Mode          QueryMode            `json:"mode"`
	Entities      []ScoredEntity       `json:"entities"`
	Relationships []ScoredRelationship `json:"relationships"`
	Chunks        []ScoredChunk        `json:"chunks"`
	Text          string               `json:"text"`
	TokenCount    int                  `json:"token_count"`
}

// Empty reports whether the bundle carries no evidence at all. An empty
// bundle is a valid answer to a query that found nothing; the caller decides
// how to surface it.
func (b ContextBundle) Empty() bool {
	return len(b.Entities) == 0 && len(b.Relationships) == 0 && len(b.Chunks) == 0
}

// SkippedUnit records a unit of work that failed after retries and was
// dropped from an ingestion batch instead of aborting it.
type SkippedUnit struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// IngestSummary reports what one Ingest call changed. Partial failures are
// listed in Skipped rather than surfaced as an error.
type IngestSummary struct {
	DocumentID           string        `json:"document_id"`
	ChunksCreated        int           `json:"chunks_created"`
	ChunksSkipped        int           `json:"chunks_skipped"`
	EntitiesWritten      int           `json:"entities_written"`
	RelationshipsWritten int           `json:"relationships_written"`
	VectorsWritten       int           `json:"vectors_written"`
	Skipped              []SkippedUnit `json:"skipped,omitempty"`
}

// NormalizeName turns an extracted surface form into the identity key used
// for entities: wrapping quotes stripped, inner whitespace collapsed, upper
// case. The extractor may emit the same entity under slightly different
// surface forms; after normalization they must collide.
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.Trim(name, `"'`)
	name = strings.Join(strings.Fields(name), " ")
	return strings.ToUpper(name)
}

// PairKey builds the unordered identity key for a relationship between two
// normalized entity names.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}
