package merge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fathom-kg/fathom/internal/util"
	"github.com/fathom-kg/fathom/pkg/ai"
	"github.com/fathom-kg/fathom/pkg/common"
	"github.com/fathom-kg/fathom/pkg/logger"
	"github.com/fathom-kg/fathom/pkg/store"
)

// PlaceholderType marks entities created only because a relationship named
// them without a matching entity record.
const PlaceholderType = "UNKNOWN"

// FallbackLabel names relationships whose extraction carried no keywords.
const FallbackLabel = "related"

// TokenCounter estimates token counts for the summarize thresholds. The
// chunker satisfies it.
type TokenCounter interface {
	CountTokens(text string) int
}

// Merger reconciles extraction fragments with the stored graph and commits
// the reconciled state as one batch per document.
type Merger struct {
	client    ai.GraphAIClient
	graph     store.GraphStore
	counter   TokenCounter
	workspace string

	summarizeFragmentThreshold int
	summaryMaxTokens           int
	storeRetries               int
	retryBase                  time.Duration
}

// NewMergerParams contains configuration options for creating a new Merger.
type NewMergerParams struct {
	Client    ai.GraphAIClient
	Graph     store.GraphStore
	Counter   TokenCounter
	Workspace string

	// SummarizeFragmentThreshold is the fragment count above which the
	// accumulated description is summarized by the model. Default 6.
	SummarizeFragmentThreshold int

	// SummaryMaxTokens is the token budget above which the accumulated
	// description is summarized. Default 500.
	SummaryMaxTokens int

	// StoreRetries is the attempt count for a graph operation that fails
	// with a transient store error. Default 3.
	StoreRetries int

	// RetryBase is the initial backoff between store attempts. Default 500ms.
	RetryBase time.Duration
}

// NewMerger creates a new Merger.
func NewMerger(params NewMergerParams) (*Merger, error) {
	if params.Client == nil {
		return nil, common.Configf("merger requires an AI client")
	}
	if params.Graph == nil {
		return nil, common.Configf("merger requires a graph store")
	}
	if params.Counter == nil {
		return nil, common.Configf("merger requires a token counter")
	}

	threshold := params.SummarizeFragmentThreshold
	if threshold <= 0 {
		threshold = 6
	}
	maxTokens := params.SummaryMaxTokens
	if maxTokens <= 0 {
		maxTokens = 500
	}
	retries := params.StoreRetries
	if retries <= 0 {
		retries = 3
	}

	return &Merger{
		client:                     params.Client,
		graph:                      params.Graph,
		counter:                    params.Counter,
		workspace:                  params.Workspace,
		summarizeFragmentThreshold: threshold,
		summaryMaxTokens:           maxTokens,
		storeRetries:               retries,
		retryBase:                  params.RetryBase,
	}, nil
}

// withStoreRetry retries a graph operation while it fails transiently, so a
// single connection blip does not fail the whole document.
func (m *Merger) withStoreRetry(ctx context.Context, fn func(context.Context) error) error {
	return util.RetryBackoffWithContext(ctx, m.storeRetries, m.retryBase, common.IsTransient, fn)
}

// Delta is the extraction output of one document, ready for reconciliation.
type Delta struct {
	Entities  []common.EntityFragment
	Relations []common.RelationFragment
}

// Result is the reconciled graph state written by one MergeBatch call. The
// indexer embeds exactly these objects.
type Result struct {
	Entities      []common.Entity
	Relationships []common.Relationship
}

// MergeBatch folds a document's fragments into the stored graph. The outcome
// is independent of the order chunks were extracted in: fragments are sorted
// by their chunk position before folding. All writes go through ApplyBatch
// as one commit; transient store failures are retried with backoff before
// the merge is given up on.
func (m *Merger) MergeBatch(ctx context.Context, delta Delta) (Result, error) {
	sortFragments(delta)

	var result Result
	batch := store.GraphBatch{Nodes: map[string]store.NodeProps{}}

	merged := map[string]bool{}
	for _, group := range groupEntities(delta.Entities) {
		entity, err := m.mergeEntity(ctx, group)
		if err != nil {
			return Result{}, err
		}
		merged[entity.Name] = true
		result.Entities = append(result.Entities, entity)
		batch.Nodes[entity.Name] = store.NodeProps{
			Name:           entity.Name,
			Type:           entity.Type,
			Description:    entity.Description,
			SourceChunkIDs: entity.SourceChunkIDs,
		}
	}

	for _, group := range groupRelations(delta.Relations) {
		rel, err := m.mergeRelationship(ctx, group)
		if err != nil {
			return Result{}, err
		}
		result.Relationships = append(result.Relationships, rel)
		batch.Edges = append(batch.Edges, store.EdgeUpsert{
			Source: rel.SourceName,
			Target: rel.TargetName,
			Props: store.EdgeProps{
				Description:    rel.Description,
				Label:          rel.Label,
				Keywords:       rel.Keywords,
				Strength:       rel.Strength,
				SourceChunkIDs: rel.SourceChunkIDs,
			},
		})

		// A relationship may name an endpoint no entity record covered.
		for _, name := range []string{rel.SourceName, rel.TargetName} {
			if merged[name] {
				continue
			}
			var exists bool
			err := m.withStoreRetry(ctx, func(ctx context.Context) error {
				var err error
				exists, err = m.graph.HasNode(ctx, m.workspace, name)
				return err
			})
			if err != nil {
				return Result{}, err
			}
			if exists {
				merged[name] = true
				continue
			}
			placeholder := common.Entity{
				Name:           name,
				Type:           PlaceholderType,
				Description:    rel.Description,
				SourceChunkIDs: rel.SourceChunkIDs,
			}
			merged[name] = true
			result.Entities = append(result.Entities, placeholder)
			batch.Nodes[name] = store.NodeProps{
				Name:           placeholder.Name,
				Type:           placeholder.Type,
				Description:    placeholder.Description,
				SourceChunkIDs: placeholder.SourceChunkIDs,
			}
		}
	}

	if err := m.withStoreRetry(ctx, func(ctx context.Context) error {
		return m.graph.ApplyBatch(ctx, m.workspace, batch)
	}); err != nil {
		return Result{}, err
	}

	logger.Debug("[Merge] Batch committed",
		"workspace", m.workspace,
		"entities", len(result.Entities),
		"relationships", len(result.Relationships),
	)
	return result, nil
}

// sortFragments orders fragments by chunk position so the merge outcome does
// not depend on extraction scheduling.
func sortFragments(delta Delta) {
	sort.SliceStable(delta.Entities, func(i, j int) bool {
		a, b := delta.Entities[i], delta.Entities[j]
		if a.ChunkIndex != b.ChunkIndex {
			return a.ChunkIndex < b.ChunkIndex
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Description < b.Description
	})
	sort.SliceStable(delta.Relations, func(i, j int) bool {
		a, b := delta.Relations[i], delta.Relations[j]
		if a.ChunkIndex != b.ChunkIndex {
			return a.ChunkIndex < b.ChunkIndex
		}
		ka, kb := common.PairKey(a.SourceName, a.TargetName), common.PairKey(b.SourceName, b.TargetName)
		if ka != kb {
			return ka < kb
		}
		return a.Description < b.Description
	})
}

func groupEntities(fragments []common.EntityFragment) [][]common.EntityFragment {
	byName := map[string][]common.EntityFragment{}
	var order []string
	for _, f := range fragments {
		if _, ok := byName[f.Name]; !ok {
			order = append(order, f.Name)
		}
		byName[f.Name] = append(byName[f.Name], f)
	}

	groups := make([][]common.EntityFragment, 0, len(order))
	for _, name := range order {
		groups = append(groups, byName[name])
	}
	return groups
}

func groupRelations(fragments []common.RelationFragment) [][]common.RelationFragment {
	byPair := map[string][]common.RelationFragment{}
	var order []string
	for _, f := range fragments {
		key := common.PairKey(f.SourceName, f.TargetName)
		if _, ok := byPair[key]; !ok {
			order = append(order, key)
		}
		byPair[key] = append(byPair[key], f)
	}

	groups := make([][]common.RelationFragment, 0, len(order))
	for _, key := range order {
		groups = append(groups, byPair[key])
	}
	return groups
}

func (m *Merger) mergeEntity(ctx context.Context, group []common.EntityFragment) (common.Entity, error) {
	name := group[0].Name

	var (
		existing store.NodeProps
		found    bool
	)
	if err := m.withStoreRetry(ctx, func(ctx context.Context) error {
		var err error
		existing, found, err = m.graph.GetNode(ctx, m.workspace, name)
		return err
	}); err != nil {
		return common.Entity{}, err
	}

	var descriptions []string
	typeVotes := map[string]int{}
	var typeOrder []string
	vote := func(t string, n int) {
		if t == "" || n <= 0 {
			return
		}
		if _, ok := typeVotes[t]; !ok {
			typeOrder = append(typeOrder, t)
		}
		typeVotes[t] += n
	}

	var chunkIDs []string
	if found {
		descriptions = splitFieldSep(existing.Description)
		chunkIDs = append(chunkIDs, existing.SourceChunkIDs...)
		// The stored type already won over that many source chunks; it keeps
		// that weight in the vote.
		weight := len(existing.SourceChunkIDs)
		if weight == 0 {
			weight = 1
		}
		if existing.Type != PlaceholderType {
			vote(existing.Type, weight)
		}
	}

	for _, f := range group {
		descriptions = appendUnique(descriptions, f.Description)
		chunkIDs = appendUnique(chunkIDs, f.ChunkID)
		vote(f.Type, 1)
	}

	entityType := PlaceholderType
	if len(typeOrder) > 0 {
		entityType = typeOrder[0]
		for _, t := range typeOrder {
			if typeVotes[t] > typeVotes[entityType] {
				entityType = t
			}
		}
	}

	description, err := m.foldDescriptions(ctx, name, descriptions)
	if err != nil {
		return common.Entity{}, err
	}

	return common.Entity{
		Name:           name,
		Type:           entityType,
		Description:    description,
		SourceChunkIDs: chunkIDs,
	}, nil
}

func (m *Merger) mergeRelationship(ctx context.Context, group []common.RelationFragment) (common.Relationship, error) {
	src, tgt := group[0].SourceName, group[0].TargetName

	var (
		existing store.EdgeProps
		found    bool
	)
	if err := m.withStoreRetry(ctx, func(ctx context.Context) error {
		var err error
		existing, found, err = m.graph.GetEdgeProperties(ctx, m.workspace, src, tgt)
		return err
	}); err != nil {
		return common.Relationship{}, err
	}

	var (
		descriptions []string
		keywords     []string
		chunkIDs     []string
		strength     float64
	)
	if found {
		descriptions = splitFieldSep(existing.Description)
		keywords = append(keywords, existing.Keywords...)
		chunkIDs = append(chunkIDs, existing.SourceChunkIDs...)
		strength = existing.Strength
	}

	for _, f := range group {
		descriptions = appendUnique(descriptions, f.Description)
		chunkIDs = appendUnique(chunkIDs, f.ChunkID)
		strength += f.Strength
		for _, kw := range f.Keywords {
			keywords = appendUnique(keywords, kw)
		}
	}

	label := FallbackLabel
	if len(keywords) > 0 {
		label = keywords[0]
	}

	description, err := m.foldDescriptions(ctx, src+" -> "+tgt, descriptions)
	if err != nil {
		return common.Relationship{}, err
	}

	return common.Relationship{
		SourceName:     src,
		TargetName:     tgt,
		Description:    description,
		Label:          label,
		Keywords:       keywords,
		Strength:       strength,
		SourceChunkIDs: chunkIDs,
	}, nil
}

// foldDescriptions joins accumulated description fragments, summarizing them
// through the model once they grow past the configured thresholds. A failed
// summary degrades to a token-bounded concatenation instead of failing the
// merge.
func (m *Merger) foldDescriptions(ctx context.Context, name string, descriptions []string) (string, error) {
	joined := strings.Join(descriptions, common.FieldSep)
	if len(descriptions) <= m.summarizeFragmentThreshold && m.counter.CountTokens(joined) <= m.summaryMaxTokens {
		return joined, nil
	}

	prompt := fmt.Sprintf(ai.SummarizePrompt, name, strings.Join(descriptions, "\n"))
	summary, err := m.client.GenerateCompletion(ctx, prompt)
	if err == nil && strings.TrimSpace(summary) != "" {
		return strings.TrimSpace(summary), nil
	}
	if err != nil {
		logger.Warn("[Merge] Summary failed, falling back to concatenation", "name", name, "err", err)
	}

	return m.truncateDescriptions(descriptions), nil
}

// truncateDescriptions keeps whole fragments, oldest first, until the token
// budget is spent.
func (m *Merger) truncateDescriptions(descriptions []string) string {
	var (
		kept   []string
		tokens int
	)
	for _, d := range descriptions {
		cost := m.counter.CountTokens(d)
		if len(kept) > 0 && tokens+cost > m.summaryMaxTokens {
			break
		}
		kept = append(kept, d)
		tokens += cost
	}
	return strings.Join(kept, common.FieldSep)
}

func splitFieldSep(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, common.FieldSep)
}

func appendUnique(list []string, item string) []string {
	if item == "" {
		return list
	}
	for _, existing := range list {
		if existing == item {
			return list
		}
	}
	return append(list, item)
}
