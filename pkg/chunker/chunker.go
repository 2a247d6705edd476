package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/fathom-kg/fathom/pkg/common"

	"github.com/pkoukk/tiktoken-go"
)

// Chunker splits documents into overlapping token-bounded passages. It is a
// pure computation: the same text and parameters always produce the same
// chunk boundaries and IDs.
type Chunker struct {
	enc *tiktoken.Tiktoken
}

// New creates a Chunker using the named tiktoken encoding, e.g. "o200k_base".
func New(encoder string) (*Chunker, error) {
	enc, err := tiktoken.GetEncoding(encoder)
	if err != nil {
		return nil, common.Configf("unknown token encoder %q: %v", encoder, err)
	}
	return &Chunker{enc: enc}, nil
}

// DocumentID derives the content-addressed identifier for a document.
func DocumentID(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "doc-" + hex.EncodeToString(sum[:])
}

// ChunkID derives the content-addressed identifier for a chunk's text.
// Identical text always maps to the same ID, which makes re-ingestion a
// no-op at the chunk level.
func ChunkID(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "chunk-" + hex.EncodeToString(sum[:])
}

// Split cuts the document into windows of maxTokens tokens, each overlapping
// the previous one by overlapTokens. Window boundaries are computed on the
// token stream and decoded back to text, so boundaries never split a token.
func (c *Chunker) Split(text string, maxTokens, overlapTokens int) ([]common.Chunk, error) {
	if maxTokens <= 0 {
		return nil, common.Configf("maxTokens must be positive, got %d", maxTokens)
	}
	if overlapTokens < 0 || overlapTokens >= maxTokens {
		return nil, common.Configf("overlapTokens must be in [0, maxTokens), got %d with maxTokens %d", overlapTokens, maxTokens)
	}

	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	docID := DocumentID(text)
	tokens := c.enc.Encode(text, nil, nil)

	step := maxTokens - overlapTokens
	var chunks []common.Chunk
	for start, idx := 0, 0; start < len(tokens); start, idx = start+step, idx+1 {
		end := start + maxTokens
		if end > len(tokens) {
			end = len(tokens)
		}

		window := tokens[start:end]
		chunkText := strings.TrimSpace(c.enc.Decode(window))
		if chunkText == "" {
			continue
		}

		chunks = append(chunks, common.Chunk{
			ID:         ChunkID(chunkText),
			DocumentID: docID,
			Text:       chunkText,
			TokenCount: len(window),
			OrderIndex: idx,
		})

		if end == len(tokens) {
			break
		}
	}

	return chunks, nil
}

// CountTokens returns the token count of text under this chunker's encoding.
func (c *Chunker) CountTokens(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}
