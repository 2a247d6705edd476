package chunker

import (
	"strings"
	"testing"
)

func newTestChunker(t *testing.T) *Chunker {
	t.Helper()
	c, err := New("cl100k_base")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestSplit_InvalidParams(t *testing.T) {
	c := newTestChunker(t)

	tests := []struct {
		name      string
		maxTokens int
		overlap   int
	}{
		{name: "zero max tokens", maxTokens: 0, overlap: 0},
		{name: "negative max tokens", maxTokens: -5, overlap: 0},
		{name: "overlap equals max", maxTokens: 10, overlap: 10},
		{name: "overlap exceeds max", maxTokens: 10, overlap: 20},
		{name: "negative overlap", maxTokens: 10, overlap: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Split("some text", tt.maxTokens, tt.overlap); err == nil {
				t.Fatalf("Split(%d, %d) expected config error", tt.maxTokens, tt.overlap)
			}
		})
	}
}

func TestSplit_EmptyText(t *testing.T) {
	c := newTestChunker(t)

	for _, text := range []string{"", "   ", "\n\t\n"} {
		chunks, err := c.Split(text, 100, 10)
		if err != nil {
			t.Fatalf("Split(%q) error = %v", text, err)
		}
		if len(chunks) != 0 {
			t.Fatalf("Split(%q) = %d chunks, want 0", text, len(chunks))
		}
	}
}

func TestSplit_Deterministic(t *testing.T) {
	c := newTestChunker(t)
	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 40)

	first, err := c.Split(text, 50, 10)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	second, err := c.Split(text, 50, 10)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("chunk counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("chunk %d: ID differs: %q vs %q", i, first[i].ID, second[i].ID)
		}
		if first[i].Text != second[i].Text {
			t.Errorf("chunk %d: text differs", i)
		}
	}
}

func TestSplit_RespectsTokenBudget(t *testing.T) {
	c := newTestChunker(t)
	text := strings.Repeat("Entities and relationships form a knowledge graph. ", 60)

	chunks, err := c.Split(text, 40, 8)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}

	for i, chunk := range chunks {
		if chunk.TokenCount > 40 {
			t.Errorf("chunk %d: token count %d exceeds max 40", i, chunk.TokenCount)
		}
		if chunk.OrderIndex != i {
			t.Errorf("chunk %d: order index = %d", i, chunk.OrderIndex)
		}
		if chunk.DocumentID != DocumentID(text) {
			t.Errorf("chunk %d: wrong document ID %q", i, chunk.DocumentID)
		}
	}
}

func TestSplit_SingleChunkUnderLimit(t *testing.T) {
	c := newTestChunker(t)
	text := "A short document."

	chunks, err := c.Split(text, 100, 20)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Text != text {
		t.Errorf("chunk text = %q, want %q", chunks[0].Text, text)
	}
	if chunks[0].ID != ChunkID(text) {
		t.Errorf("chunk ID is not content-derived")
	}
}

func TestChunkID_ContentAddressed(t *testing.T) {
	if ChunkID("alpha") != ChunkID("alpha") {
		t.Error("same content must produce the same ID")
	}
	if ChunkID("alpha") == ChunkID("beta") {
		t.Error("different content must produce different IDs")
	}
	if !strings.HasPrefix(ChunkID("alpha"), "chunk-") {
		t.Error("chunk IDs carry the chunk- prefix")
	}
}
