package extract

import (
	"strconv"
	"strings"

	"github.com/fathom-kg/fathom/pkg/ai"
	"github.com/fathom-kg/fathom/pkg/common"
)

// parsed holds the decoded records of one model response. Fragment IDs and
// chunk references are attached by the Extractor afterwards.
type parsed struct {
	entities []common.EntityFragment
	relation []common.RelationFragment
	keywords []string
	dropped  []*common.ParseError
}

// parseOutput decodes a delimiter-record model response. Decoding is
// tolerant: a malformed record is reported in dropped and skipped, it never
// aborts the rest of the response.
func parseOutput(output string) parsed {
	var p parsed

	output = strings.ReplaceAll(output, ai.CompletionDelimiter, "")
	for _, record := range strings.Split(output, ai.RecordDelimiter) {
		record = strings.TrimSpace(record)
		if record == "" {
			continue
		}

		fields := splitRecord(record)
		if len(fields) == 0 {
			continue
		}

		switch strings.ToLower(fields[0]) {
		case "entity":
			if len(fields) < 4 {
				p.drop(record, "entity record needs 4 fields")
				continue
			}
			name := common.NormalizeName(fields[1])
			if name == "" {
				p.drop(record, "entity record has empty name")
				continue
			}
			p.entities = append(p.entities, common.EntityFragment{
				Name:        name,
				Type:        strings.ToUpper(cleanField(fields[2])),
				Description: cleanField(fields[3]),
			})
		case "relationship":
			if len(fields) < 6 {
				p.drop(record, "relationship record needs 6 fields")
				continue
			}
			src := common.NormalizeName(fields[1])
			tgt := common.NormalizeName(fields[2])
			if src == "" || tgt == "" {
				p.drop(record, "relationship record has empty endpoint")
				continue
			}
			if src == tgt {
				p.drop(record, "relationship record is a self loop")
				continue
			}
			p.relation = append(p.relation, common.RelationFragment{
				SourceName:  src,
				TargetName:  tgt,
				Description: cleanField(fields[3]),
				Keywords:    splitKeywords(fields[4]),
				Strength:    parseStrength(fields[5]),
			})
		case "content_keywords":
			if len(fields) < 2 {
				p.drop(record, "content_keywords record needs 2 fields")
				continue
			}
			p.keywords = append(p.keywords, splitKeywords(fields[1])...)
		default:
			p.drop(record, "unknown record kind "+strconv.Quote(fields[0]))
		}
	}

	return p
}

func (p *parsed) drop(record, reason string) {
	p.dropped = append(p.dropped, &common.ParseError{Record: record, Reason: reason})
}

// splitRecord strips the wrapping parentheses and splits the record into its
// tuple fields. The kind field keeps only its bare word.
func splitRecord(record string) []string {
	record = strings.TrimSpace(record)
	record = strings.TrimPrefix(record, "(")
	record = strings.TrimSuffix(record, ")")

	fields := strings.Split(record, ai.TupleDelimiter)
	for i := range fields {
		fields[i] = cleanField(fields[i])
	}
	return fields
}

func cleanField(field string) string {
	field = strings.TrimSpace(field)
	field = strings.Trim(field, `"'`)
	return strings.TrimSpace(field)
}

func splitKeywords(field string) []string {
	var keywords []string
	for _, kw := range strings.Split(field, ",") {
		kw = strings.TrimSpace(kw)
		if kw != "" {
			keywords = append(keywords, kw)
		}
	}
	return keywords
}

// parseStrength is tolerant: the model occasionally emits prose or nothing
// where the numeric score belongs, and a dropped relationship is worse than
// a neutral one.
func parseStrength(field string) float64 {
	field = strings.TrimSpace(field)
	if s, err := strconv.ParseFloat(field, 64); err == nil {
		return s
	}
	// Salvage a leading number such as "7 (strong)".
	if idx := strings.IndexFunc(field, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.' && r != '-'
	}); idx > 0 {
		if s, err := strconv.ParseFloat(field[:idx], 64); err == nil {
			return s
		}
	}
	return 1.0
}
