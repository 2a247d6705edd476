package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/fathom-kg/fathom/pkg/ai"
	"github.com/fathom-kg/fathom/pkg/common"
	"github.com/fathom-kg/fathom/pkg/logger"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// MaxGleanRoundsCap bounds gleaning regardless of configuration. Each round
// is a full model call over the same chunk; past a few rounds the model
// mostly repeats itself.
const MaxGleanRoundsCap = 3

// Extractor turns one chunk of text into entity and relationship fragments
// by prompting a language model with the delimiter-record protocol and
// decoding the response tolerantly.
type Extractor struct {
	client         ai.GraphAIClient
	maxGleanRounds int
	entityTypes    []string
	language       string
}

// NewExtractorParams contains configuration options for creating a new
// Extractor.
type NewExtractorParams struct {
	Client ai.GraphAIClient

	// MaxGleanRounds is the number of follow-up extraction passes after the
	// first one. Zero disables gleaning; values above MaxGleanRoundsCap are
	// clamped.
	MaxGleanRounds int

	// EntityTypes is the type vocabulary offered to the model. Defaults to
	// common.DefaultEntityTypes.
	EntityTypes []string

	// Language of the extraction output. Defaults to "English".
	Language string
}

// NewExtractor creates a new Extractor.
func NewExtractor(params NewExtractorParams) (*Extractor, error) {
	if params.Client == nil {
		return nil, common.Configf("extractor requires an AI client")
	}

	rounds := params.MaxGleanRounds
	if rounds < 0 {
		rounds = 0
	}
	if rounds > MaxGleanRoundsCap {
		rounds = MaxGleanRoundsCap
	}

	types := params.EntityTypes
	if len(types) == 0 {
		types = common.DefaultEntityTypes
	}
	language := params.Language
	if language == "" {
		language = "English"
	}

	return &Extractor{
		client:         params.Client,
		maxGleanRounds: rounds,
		entityTypes:    types,
		language:       language,
	}, nil
}

// Result is the extraction output of one chunk.
type Result struct {
	Entities        []common.EntityFragment
	Relations       []common.RelationFragment
	ContentKeywords []string
}

// Extract runs the extraction conversation for one chunk: a first pass, then
// up to the configured number of gleaning rounds on the same conversation.
// Malformed records are logged and dropped; an empty result is valid.
func (e *Extractor) Extract(ctx context.Context, chunk common.Chunk) (Result, error) {
	prompt := fmt.Sprintf(
		ai.ExtractPrompt,
		e.language,
		strings.Join(e.entityTypes, ", "),
		strings.Join(e.entityTypes, ", "),
		chunk.Text,
	)

	history := []ai.ChatMessage{{Role: "user", Message: prompt}}
	res, err := e.client.GenerateChat(ctx, history)
	if err != nil {
		return Result{}, err
	}

	var result Result
	e.collect(&result, chunk, res)

	for round := 0; round < e.maxGleanRounds; round++ {
		history = append(history,
			ai.ChatMessage{Role: "assistant", Message: res},
			ai.ChatMessage{Role: "user", Message: ai.ContinueExtractionPrompt},
		)
		res, err = e.client.GenerateChat(ctx, history)
		if err != nil {
			return Result{}, err
		}
		e.collect(&result, chunk, res)

		if round == e.maxGleanRounds-1 {
			break
		}

		answer, err := e.client.GenerateChat(ctx, append(history,
			ai.ChatMessage{Role: "assistant", Message: res},
			ai.ChatMessage{Role: "user", Message: ai.IfLoopExtractionPrompt},
		))
		if err != nil {
			return Result{}, err
		}
		if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(answer)), "yes") {
			break
		}
	}

	logger.Debug("[Extract] Chunk extracted",
		"chunk", chunk.ID,
		"entities", len(result.Entities),
		"relationships", len(result.Relations),
	)
	return result, nil
}

// collect parses one model response and folds its records into the result,
// stamping fragment IDs and the source chunk.
func (e *Extractor) collect(result *Result, chunk common.Chunk, response string) {
	p := parseOutput(response)

	for _, dropped := range p.dropped {
		logger.Warn("[Extract] Dropping malformed record", "chunk", chunk.ID, "err", dropped)
	}

	for _, ent := range p.entities {
		ent.ID = gonanoid.Must()
		ent.ChunkID = chunk.ID
		ent.ChunkIndex = chunk.OrderIndex
		result.Entities = append(result.Entities, ent)
	}
	for _, rel := range p.relation {
		rel.ID = gonanoid.Must()
		rel.ChunkID = chunk.ID
		rel.ChunkIndex = chunk.OrderIndex
		result.Relations = append(result.Relations, rel)
	}

	for _, kw := range p.keywords {
		if !containsFold(result.ContentKeywords, kw) {
			result.ContentKeywords = append(result.ContentKeywords, kw)
		}
	}
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
