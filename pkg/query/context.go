package query

import (
	"encoding/csv"
	"strconv"
	"strings"

	"github.com/fathom-kg/fathom/pkg/common"
)

// Section headers of the serialized context bundle.
const (
	entitiesHeader      = "-----Entities-----"
	relationshipsHeader = "-----Relationships-----"
	sourcesHeader       = "-----Sources-----"
)

// TokenCounter estimates token counts for budget enforcement. The chunker
// satisfies it.
type TokenCounter interface {
	CountTokens(text string) int
}

// buildBundle serializes ranked candidates into the tabular context text,
// greedily keeping candidates in rank order until the token budget is spent.
// Candidates that do not fit are dropped from the bundle as well, so the
// structured lists and the text always agree. A section header is only
// emitted together with its first fitting row, never on its own.
func buildBundle(
	mode common.QueryMode,
	entities []common.ScoredEntity,
	relationships []common.ScoredRelationship,
	chunks []common.ScoredChunk,
	budget int,
	counter TokenCounter,
) common.ContextBundle {
	bundle := common.ContextBundle{Mode: mode}

	var sb strings.Builder
	spent := 0

	appendPart := func(part string) bool {
		cost := counter.CountTokens(part)
		if spent+cost > budget {
			return false
		}
		sb.WriteString(part)
		spent += cost
		return true
	}

	// appendSection charges the header against the budget together with the
	// first row, then commits rows greedily in order. Returns how many rows
	// made it in.
	appendSection := func(header string, rows []string) int {
		kept := 0
		for _, row := range rows {
			part := row
			if kept == 0 {
				part = header + row
			}
			if !appendPart(part) {
				break
			}
			kept++
		}
		return kept
	}

	if len(entities) > 0 {
		rows := make([]string, len(entities))
		for i, ent := range entities {
			rows[i] = csvRow(strconv.Itoa(i), ent.Name, ent.Type, ent.Description, strconv.Itoa(ent.Degree))
		}
		header := entitiesHeader + "\n" + csvRow("id", "entity", "type", "description", "rank")
		if n := appendSection(header, rows); n > 0 {
			bundle.Entities = entities[:n]
		}
	}

	if len(relationships) > 0 {
		rows := make([]string, len(relationships))
		for i, rel := range relationships {
			rows[i] = csvRow(
				strconv.Itoa(i), rel.SourceName, rel.TargetName, rel.Description,
				strings.Join(rel.Keywords, ", "),
				strconv.FormatFloat(rel.Strength, 'f', -1, 64),
				strconv.Itoa(rel.Degree),
			)
		}
		header := relationshipsHeader + "\n" + csvRow("id", "source", "target", "description", "keywords", "weight", "rank")
		if n := appendSection(header, rows); n > 0 {
			bundle.Relationships = relationships[:n]
		}
	}

	if len(chunks) > 0 {
		rows := make([]string, len(chunks))
		for i, chunk := range chunks {
			rows[i] = csvRow(strconv.Itoa(i), chunk.Text)
		}
		header := sourcesHeader + "\n" + csvRow("id", "content")
		if n := appendSection(header, rows); n > 0 {
			bundle.Chunks = chunks[:n]
		}
	}

	bundle.Text = sb.String()
	bundle.TokenCount = spent
	return bundle
}

// csvRow renders one CSV record including its trailing newline.
func csvRow(fields ...string) string {
	var sb strings.Builder
	w := csv.NewWriter(&sb)
	_ = w.Write(fields)
	w.Flush()
	return sb.String()
}
