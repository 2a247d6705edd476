package extract

import (
	"context"
	"testing"

	"github.com/fathom-kg/fathom/pkg/ai"
	"github.com/fathom-kg/fathom/pkg/common"
)

// scriptedClient replays canned chat responses in order.
type scriptedClient struct {
	responses []string
	calls     int
}

func (c *scriptedClient) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	return c.GenerateChat(ctx, []ai.ChatMessage{{Role: "user", Message: prompt}})
}

func (c *scriptedClient) GenerateChat(ctx context.Context, messages []ai.ChatMessage, opts ...ai.GenerateOption) (string, error) {
	if c.calls >= len(c.responses) {
		return "", nil
	}
	res := c.responses[c.calls]
	c.calls++
	return res, nil
}

func (c *scriptedClient) GenerateCompletionWithFormat(ctx context.Context, name, description, prompt string, out any, opts ...ai.GenerateOption) error {
	return nil
}

func (c *scriptedClient) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	return []float32{0}, nil
}

func (c *scriptedClient) GenerateEmbeddings(ctx context.Context, inputs [][]byte) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i := range out {
		out[i] = []float32{0}
	}
	return out, nil
}

func (c *scriptedClient) EmbeddingDimensions() int { return 1 }

const sampleOutput = `("entity"<|>"Alex"<|>"PERSON"<|>"Alex is a character who experiences frustration.")##
("entity"<|>"The Device"<|>"TECHNOLOGY"<|>"The Device is central to the story.")##
("relationship"<|>"Alex"<|>"The Device"<|>"Alex observes the device."<|>"observation, significance"<|>7)##
("content_keywords"<|>"power dynamics, discovery")<|COMPLETE|>`

func TestParseOutput_Records(t *testing.T) {
	p := parseOutput(sampleOutput)

	if len(p.dropped) != 0 {
		t.Fatalf("dropped %d records from well-formed output: %v", len(p.dropped), p.dropped)
	}
	if len(p.entities) != 2 {
		t.Fatalf("parsed %d entities, want 2", len(p.entities))
	}
	if p.entities[0].Name != "ALEX" || p.entities[1].Name != "THE DEVICE" {
		t.Errorf("entity names not normalized: %q, %q", p.entities[0].Name, p.entities[1].Name)
	}
	if p.entities[1].Type != "TECHNOLOGY" {
		t.Errorf("entity type = %q, want TECHNOLOGY", p.entities[1].Type)
	}

	if len(p.relation) != 1 {
		t.Fatalf("parsed %d relationships, want 1", len(p.relation))
	}
	rel := p.relation[0]
	if rel.SourceName != "ALEX" || rel.TargetName != "THE DEVICE" {
		t.Errorf("relationship endpoints = %q -> %q", rel.SourceName, rel.TargetName)
	}
	if rel.Strength != 7 {
		t.Errorf("strength = %v, want 7", rel.Strength)
	}
	if len(rel.Keywords) != 2 || rel.Keywords[0] != "observation" {
		t.Errorf("keywords = %v", rel.Keywords)
	}

	if len(p.keywords) != 2 || p.keywords[0] != "power dynamics" {
		t.Errorf("content keywords = %v", p.keywords)
	}
}

func TestParseOutput_MalformedRecordsDropped(t *testing.T) {
	tests := []struct {
		name   string
		output string
	}{
		{name: "too few entity fields", output: `("entity"<|>"Alex"<|>"PERSON")`},
		{name: "too few relationship fields", output: `("relationship"<|>"A"<|>"B"<|>"desc")`},
		{name: "unknown kind", output: `("observation"<|>"something")`},
		{name: "empty entity name", output: `("entity"<|>""<|>"PERSON"<|>"desc")`},
		{name: "self loop", output: `("relationship"<|>"A"<|>"a"<|>"desc"<|>"kw"<|>3)`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := parseOutput(tt.output)
			if len(p.entities)+len(p.relation) != 0 {
				t.Errorf("malformed record produced fragments: %+v", p)
			}
			if len(p.dropped) != 1 {
				t.Errorf("dropped = %d, want 1", len(p.dropped))
			}
		})
	}
}

func TestParseOutput_MalformedDoesNotPoisonNeighbors(t *testing.T) {
	output := `("entity"<|>"Alex"<|>"PERSON")##
("entity"<|>"Taylor"<|>"PERSON"<|>"Taylor shows reverence.")`

	p := parseOutput(output)
	if len(p.entities) != 1 || p.entities[0].Name != "TAYLOR" {
		t.Fatalf("valid neighbor record lost: %+v", p.entities)
	}
	if len(p.dropped) != 1 {
		t.Errorf("dropped = %d, want 1", len(p.dropped))
	}
}

func TestParseStrength_Tolerant(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{in: "7", want: 7},
		{in: "8.5", want: 8.5},
		{in: `"9"`, want: 1.0}, // quotes are stripped before parseStrength sees the field
		{in: "7 (strong)", want: 7},
		{in: "strong", want: 1.0},
		{in: "", want: 1.0},
	}
	for _, tt := range tests {
		if got := parseStrength(tt.in); got != tt.want {
			t.Errorf("parseStrength(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestExtract_SinglePass(t *testing.T) {
	client := &scriptedClient{responses: []string{sampleOutput}}
	e, err := NewExtractor(NewExtractorParams{Client: client})
	if err != nil {
		t.Fatalf("NewExtractor() error = %v", err)
	}

	chunk := common.Chunk{ID: "chunk-1", Text: "some text", OrderIndex: 2}
	result, err := e.Extract(context.Background(), chunk)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	if len(result.Entities) != 2 || len(result.Relations) != 1 {
		t.Fatalf("got %d entities, %d relationships", len(result.Entities), len(result.Relations))
	}
	for _, ent := range result.Entities {
		if ent.ID == "" {
			t.Error("entity fragment missing ID")
		}
		if ent.ChunkID != "chunk-1" || ent.ChunkIndex != 2 {
			t.Errorf("entity fragment chunk ref = %q/%d", ent.ChunkID, ent.ChunkIndex)
		}
	}
	if client.calls != 1 {
		t.Errorf("client calls = %d, want 1 (gleaning disabled by default)", client.calls)
	}
}

func TestExtract_GleaningAccumulates(t *testing.T) {
	glean := `("entity"<|>"Jordan"<|>"PERSON"<|>"Jordan shares a commitment to discovery.")<|COMPLETE|>`
	client := &scriptedClient{responses: []string{
		sampleOutput,
		glean,  // round 1 continuation
		"no .", // if-loop answer, stops the loop
	}}

	e, err := NewExtractor(NewExtractorParams{Client: client, MaxGleanRounds: 2})
	if err != nil {
		t.Fatalf("NewExtractor() error = %v", err)
	}

	result, err := e.Extract(context.Background(), common.Chunk{ID: "chunk-1", Text: "text"})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	if len(result.Entities) != 3 {
		t.Fatalf("gleaned entities not accumulated: got %d, want 3", len(result.Entities))
	}
	if client.calls != 3 {
		t.Errorf("client calls = %d, want 3 (first pass, glean, if-loop)", client.calls)
	}
}

func TestExtract_GleanRoundsClamped(t *testing.T) {
	e, err := NewExtractor(NewExtractorParams{Client: &scriptedClient{}, MaxGleanRounds: 10})
	if err != nil {
		t.Fatalf("NewExtractor() error = %v", err)
	}
	if e.maxGleanRounds != MaxGleanRoundsCap {
		t.Errorf("maxGleanRounds = %d, want clamped to %d", e.maxGleanRounds, MaxGleanRoundsCap)
	}
}

func TestExtract_ContentKeywordsDeduplicated(t *testing.T) {
	first := `("content_keywords"<|>"discovery, power dynamics")<|COMPLETE|>`
	second := `("content_keywords"<|>"Discovery, rebellion")<|COMPLETE|>`
	client := &scriptedClient{responses: []string{first, second}}

	e, err := NewExtractor(NewExtractorParams{Client: client, MaxGleanRounds: 1})
	if err != nil {
		t.Fatalf("NewExtractor() error = %v", err)
	}

	result, err := e.Extract(context.Background(), common.Chunk{ID: "c", Text: "t"})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	want := []string{"discovery", "power dynamics", "rebellion"}
	if len(result.ContentKeywords) != len(want) {
		t.Fatalf("content keywords = %v, want %v", result.ContentKeywords, want)
	}
	if result.ContentKeywords[0] != "discovery" || result.ContentKeywords[2] != "rebellion" {
		t.Errorf("content keywords = %v, want %v", result.ContentKeywords, want)
	}
}
