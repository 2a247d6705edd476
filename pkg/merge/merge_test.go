package merge

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/fathom-kg/fathom/pkg/ai"
	"github.com/fathom-kg/fathom/pkg/common"
	"github.com/fathom-kg/fathom/pkg/store"
	"github.com/fathom-kg/fathom/pkg/store/memory"
)

// summarizerStub answers GenerateCompletion deterministically, or fails when
// failSummaries is set.
type summarizerStub struct {
	failSummaries bool
	summaryCalls  int
}

func (c *summarizerStub) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	c.summaryCalls++
	if c.failSummaries {
		return "", errors.New("provider down")
	}
	return "a concise summary", nil
}

func (c *summarizerStub) GenerateChat(ctx context.Context, messages []ai.ChatMessage, opts ...ai.GenerateOption) (string, error) {
	return c.GenerateCompletion(ctx, "")
}

func (c *summarizerStub) GenerateCompletionWithFormat(ctx context.Context, name, description, prompt string, out any, opts ...ai.GenerateOption) error {
	return nil
}

func (c *summarizerStub) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	return []float32{0}, nil
}

func (c *summarizerStub) GenerateEmbeddings(ctx context.Context, inputs [][]byte) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i := range out {
		out[i] = []float32{0}
	}
	return out, nil
}

func (c *summarizerStub) EmbeddingDimensions() int { return 1 }

// wordCounter approximates tokens as whitespace-separated words, which keeps
// threshold tests independent of any real encoder.
type wordCounter struct{}

func (wordCounter) CountTokens(text string) int { return len(strings.Fields(text)) }

func newTestMerger(t *testing.T, client *summarizerStub) (*Merger, *memory.GraphStore) {
	t.Helper()
	graph := memory.NewGraphStore()
	m, err := NewMerger(NewMergerParams{
		Client:    client,
		Graph:     graph,
		Counter:   wordCounter{},
		Workspace: "test",
	})
	if err != nil {
		t.Fatalf("NewMerger() error = %v", err)
	}
	return m, graph
}

func entityFrag(name, typ, desc, chunkID string, chunkIndex int) common.EntityFragment {
	return common.EntityFragment{
		ID: "f-" + name + desc, Name: name, Type: typ, Description: desc,
		ChunkID: chunkID, ChunkIndex: chunkIndex,
	}
}

func relationFrag(src, tgt, desc string, kw []string, strength float64, chunkID string, chunkIndex int) common.RelationFragment {
	return common.RelationFragment{
		ID: "r-" + src + tgt + desc, SourceName: src, TargetName: tgt,
		Description: desc, Keywords: kw, Strength: strength,
		ChunkID: chunkID, ChunkIndex: chunkIndex,
	}
}

func TestMergeBatch_FoldsFragmentsIntoOneEntity(t *testing.T) {
	m, graph := newTestMerger(t, &summarizerStub{})

	delta := Delta{Entities: []common.EntityFragment{
		entityFrag("ALEX", "PERSON", "observes the team", "c1", 0),
		entityFrag("ALEX", "PERSON", "feels frustration", "c2", 1),
	}}

	result, err := m.MergeBatch(context.Background(), delta)
	if err != nil {
		t.Fatalf("MergeBatch() error = %v", err)
	}
	if len(result.Entities) != 1 {
		t.Fatalf("got %d entities, want 1", len(result.Entities))
	}

	ent := result.Entities[0]
	if ent.Description != "observes the team"+common.FieldSep+"feels frustration" {
		t.Errorf("description = %q", ent.Description)
	}
	if !reflect.DeepEqual(ent.SourceChunkIDs, []string{"c1", "c2"}) {
		t.Errorf("source chunks = %v", ent.SourceChunkIDs)
	}

	props, found, err := graph.GetNode(context.Background(), "test", "ALEX")
	if err != nil || !found {
		t.Fatalf("node not committed: found=%v err=%v", found, err)
	}
	if props.Description != ent.Description {
		t.Errorf("stored description = %q", props.Description)
	}
}

func TestMergeBatch_StrengthSumsAndKeywordsUnion(t *testing.T) {
	m, _ := newTestMerger(t, &summarizerStub{})
	ctx := context.Background()

	first := Delta{Relations: []common.RelationFragment{
		relationFrag("ALEX", "THE DEVICE", "observes it", []string{"observation"}, 7, "c1", 0),
	}}
	if _, err := m.MergeBatch(ctx, first); err != nil {
		t.Fatalf("MergeBatch() error = %v", err)
	}

	second := Delta{Relations: []common.RelationFragment{
		relationFrag("THE DEVICE", "ALEX", "is studied", []string{"observation", "research"}, 2, "c2", 1),
	}}
	result, err := m.MergeBatch(ctx, second)
	if err != nil {
		t.Fatalf("MergeBatch() error = %v", err)
	}
	if len(result.Relationships) != 1 {
		t.Fatalf("got %d relationships, want 1", len(result.Relationships))
	}

	rel := result.Relationships[0]
	if rel.Strength != 9 {
		t.Errorf("strength = %v, want 9 (7+2)", rel.Strength)
	}
	if !reflect.DeepEqual(rel.Keywords, []string{"observation", "research"}) {
		t.Errorf("keywords = %v, want order-preserving union", rel.Keywords)
	}
	if rel.Label != "observation" {
		t.Errorf("label = %q, want first keyword", rel.Label)
	}
	if !reflect.DeepEqual(rel.SourceChunkIDs, []string{"c1", "c2"}) {
		t.Errorf("source chunks = %v", rel.SourceChunkIDs)
	}
}

func TestMergeBatch_FallbackLabelWithoutKeywords(t *testing.T) {
	m, _ := newTestMerger(t, &summarizerStub{})

	result, err := m.MergeBatch(context.Background(), Delta{Relations: []common.RelationFragment{
		relationFrag("A", "B", "somehow linked", nil, 1, "c1", 0),
	}})
	if err != nil {
		t.Fatalf("MergeBatch() error = %v", err)
	}
	if result.Relationships[0].Label != FallbackLabel {
		t.Errorf("label = %q, want %q", result.Relationships[0].Label, FallbackLabel)
	}
}

func TestMergeBatch_PlaceholderEndpoints(t *testing.T) {
	m, graph := newTestMerger(t, &summarizerStub{})

	result, err := m.MergeBatch(context.Background(), Delta{
		Entities: []common.EntityFragment{entityFrag("ALEX", "PERSON", "a person", "c1", 0)},
		Relations: []common.RelationFragment{
			relationFrag("ALEX", "GHOST", "mentions someone never described", []string{"mention"}, 3, "c1", 0),
		},
	})
	if err != nil {
		t.Fatalf("MergeBatch() error = %v", err)
	}

	if len(result.Entities) != 2 {
		t.Fatalf("got %d entities, want 2 (one placeholder)", len(result.Entities))
	}

	props, found, err := graph.GetNode(context.Background(), "test", "GHOST")
	if err != nil || !found {
		t.Fatalf("placeholder not committed: found=%v err=%v", found, err)
	}
	if props.Type != PlaceholderType {
		t.Errorf("placeholder type = %q, want %q", props.Type, PlaceholderType)
	}
}

func TestMergeBatch_TypeMajorityVote(t *testing.T) {
	m, _ := newTestMerger(t, &summarizerStub{})

	result, err := m.MergeBatch(context.Background(), Delta{Entities: []common.EntityFragment{
		entityFrag("MERCURY", "PLANET", "orbits the sun", "c1", 0),
		entityFrag("MERCURY", "ELEMENT", "a liquid metal", "c2", 1),
		entityFrag("MERCURY", "PLANET", "closest to the sun", "c3", 2),
	}})
	if err != nil {
		t.Fatalf("MergeBatch() error = %v", err)
	}
	if result.Entities[0].Type != "PLANET" {
		t.Errorf("type = %q, want majority PLANET", result.Entities[0].Type)
	}
}

func TestMergeBatch_TypeTieFirstSeenWins(t *testing.T) {
	m, _ := newTestMerger(t, &summarizerStub{})

	result, err := m.MergeBatch(context.Background(), Delta{Entities: []common.EntityFragment{
		entityFrag("MERCURY", "ELEMENT", "a liquid metal", "c1", 0),
		entityFrag("MERCURY", "PLANET", "orbits the sun", "c2", 1),
	}})
	if err != nil {
		t.Fatalf("MergeBatch() error = %v", err)
	}
	if result.Entities[0].Type != "ELEMENT" {
		t.Errorf("type = %q, want first-seen ELEMENT on a tie", result.Entities[0].Type)
	}
}

func TestMergeBatch_CommutativeUnderChunkPermutation(t *testing.T) {
	fragments := []common.EntityFragment{
		entityFrag("ALEX", "PERSON", "observes the team", "c1", 0),
		entityFrag("ALEX", "PERSON", "feels frustration", "c2", 1),
		entityFrag("TAYLOR", "PERSON", "shows reverence", "c2", 1),
	}
	relations := []common.RelationFragment{
		relationFrag("ALEX", "TAYLOR", "tension between them", []string{"tension"}, 5, "c1", 0),
		relationFrag("ALEX", "TAYLOR", "later respect", []string{"respect"}, 3, "c2", 1),
	}

	run := func(entOrder []common.EntityFragment, relOrder []common.RelationFragment) Result {
		m, _ := newTestMerger(t, &summarizerStub{})
		result, err := m.MergeBatch(context.Background(), Delta{Entities: entOrder, Relations: relOrder})
		if err != nil {
			t.Fatalf("MergeBatch() error = %v", err)
		}
		return result
	}

	forward := run(fragments, relations)
	reversed := run(
		[]common.EntityFragment{fragments[2], fragments[1], fragments[0]},
		[]common.RelationFragment{relations[1], relations[0]},
	)

	if !reflect.DeepEqual(forward, reversed) {
		t.Errorf("merge result depends on fragment order:\nforward:  %+v\nreversed: %+v", forward, reversed)
	}
}

// flakyGraph fails a configured number of ApplyBatch calls with a transient
// store error before delegating to the wrapped store.
type flakyGraph struct {
	*memory.GraphStore
	failures   int
	applyCalls int
}

func (g *flakyGraph) ApplyBatch(ctx context.Context, workspace string, batch store.GraphBatch) error {
	g.applyCalls++
	if g.applyCalls <= g.failures {
		return &common.StoreError{Op: "apply batch", Transient: true, Err: errors.New("connection reset")}
	}
	return g.GraphStore.ApplyBatch(ctx, workspace, batch)
}

func TestMergeBatch_RetriesTransientCommit(t *testing.T) {
	graph := &flakyGraph{GraphStore: memory.NewGraphStore(), failures: 1}
	m, err := NewMerger(NewMergerParams{
		Client:    &summarizerStub{},
		Graph:     graph,
		Counter:   wordCounter{},
		Workspace: "test",
		RetryBase: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewMerger() error = %v", err)
	}

	result, err := m.MergeBatch(context.Background(), Delta{Entities: []common.EntityFragment{
		entityFrag("ALEX", "PERSON", "observes the team", "c1", 0),
	}})
	if err != nil {
		t.Fatalf("MergeBatch() error = %v, want a transient commit failure retried", err)
	}
	if graph.applyCalls != 2 {
		t.Errorf("ApplyBatch calls = %d, want 2", graph.applyCalls)
	}
	if len(result.Entities) != 1 {
		t.Fatalf("got %d entities, want 1", len(result.Entities))
	}
	if ok, _ := graph.HasNode(context.Background(), "test", "ALEX"); !ok {
		t.Error("node not committed after the retry")
	}
}

func TestMergeBatch_ExhaustedCommitRetriesFail(t *testing.T) {
	graph := &flakyGraph{GraphStore: memory.NewGraphStore(), failures: 10}
	m, err := NewMerger(NewMergerParams{
		Client:       &summarizerStub{},
		Graph:        graph,
		Counter:      wordCounter{},
		Workspace:    "test",
		StoreRetries: 2,
		RetryBase:    time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewMerger() error = %v", err)
	}

	_, err = m.MergeBatch(context.Background(), Delta{Entities: []common.EntityFragment{
		entityFrag("ALEX", "PERSON", "observes the team", "c1", 0),
	}})
	if err == nil {
		t.Fatal("MergeBatch() succeeded against a store that never commits")
	}
	var se *common.StoreError
	if !errors.As(err, &se) {
		t.Errorf("err = %v, want the store error surfaced", err)
	}
	if graph.applyCalls != 2 {
		t.Errorf("ApplyBatch calls = %d, want the configured 2 attempts", graph.applyCalls)
	}
}

func TestMergeBatch_SummarizesPastFragmentThreshold(t *testing.T) {
	client := &summarizerStub{}
	m, _ := newTestMerger(t, client)

	var frags []common.EntityFragment
	for i := 0; i < 8; i++ {
		frags = append(frags, entityFrag("ALEX", "PERSON", "fact number "+strings.Repeat("x", i+1), "c1", 0))
	}

	result, err := m.MergeBatch(context.Background(), Delta{Entities: frags})
	if err != nil {
		t.Fatalf("MergeBatch() error = %v", err)
	}
	if client.summaryCalls == 0 {
		t.Fatal("expected a summary call past the fragment threshold")
	}
	if result.Entities[0].Description != "a concise summary" {
		t.Errorf("description = %q, want the model summary", result.Entities[0].Description)
	}
}

func TestMergeBatch_SummaryFailureFallsBackToConcatenation(t *testing.T) {
	client := &summarizerStub{failSummaries: true}
	m, _ := newTestMerger(t, client)

	var frags []common.EntityFragment
	for i := 0; i < 8; i++ {
		frags = append(frags, entityFrag("ALEX", "PERSON", "fact "+strings.Repeat("x", i+1), "c1", 0))
	}

	result, err := m.MergeBatch(context.Background(), Delta{Entities: frags})
	if err != nil {
		t.Fatalf("MergeBatch() should not fail when the summarizer fails, got %v", err)
	}
	if client.summaryCalls == 0 {
		t.Fatal("expected a summary attempt")
	}
	desc := result.Entities[0].Description
	if desc == "" || !strings.HasPrefix(desc, "fact x") {
		t.Errorf("fallback description = %q, want concatenated fragments", desc)
	}
}
