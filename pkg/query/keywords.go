package query

import (
	"context"

	"github.com/fathom-kg/fathom/pkg/ai"
	"github.com/fathom-kg/fathom/pkg/logger"
)

// Keywords is the structured output of the keyword extraction call. The two
// levels drive the global and local retrieval branches respectively.
type Keywords struct {
	HighLevelKeywords []string `json:"high_level_keywords" jsonschema_description:"Overarching concepts or themes of the query"`
	LowLevelKeywords  []string `json:"low_level_keywords" jsonschema_description:"Specific entities, details, or concrete terms of the query"`
}

// ExtractKeywords pulls high-level and low-level keywords out of a question.
// Extraction failures are not fatal: the caller receives empty lists and the
// affected retrieval branch falls back per its mode rules.
func ExtractKeywords(ctx context.Context, client ai.GraphAIClient, question string) (high, low []string) {
	var kw Keywords
	err := client.GenerateCompletionWithFormat(
		ctx,
		"query_keywords",
		"High-level and low-level keywords identified in the user's query",
		question,
		&kw,
		ai.WithSystemPrompts(ai.KeywordExtractionPrompt),
	)
	if err != nil {
		logger.Warn("[Query] Keyword extraction failed", "err", err)
		return nil, nil
	}
	return kw.HighLevelKeywords, kw.LowLevelKeywords
}
