package ingestion

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsage/backend/internal/store"
)

func TestSplitEmptyInput(t *testing.T) {
	c := NewChunker(100, 10)
	assert.Nil(t, c.Split(""))
	assert.Nil(t, c.Split("   \n\t  "))
}

func TestSplitShortTextIsOneChunk(t *testing.T) {
	c := NewChunker(1000, 100)
	chunks := c.Split("The meeting is on Monday. Bring the signed forms.")
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0], "Monday")
}

func TestSplitKeepsSentencesTogether(t *testing.T) {
	c := NewChunker(60, 10)
	chunks := c.Split("First sentence about the budget. Second sentence about the schedule. Third sentence about staffing.")

	require.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len(chunk), 60)
		// No chunk starts or ends mid-word.
		assert.Equal(t, strings.TrimSpace(chunk), chunk)
	}
}

func TestSplitOversizedSentenceFallsBackToWordWindows(t *testing.T) {
	c := NewChunker(50, 10)
	long := strings.Repeat("word ", 40) // one "sentence", 200 chars
	chunks := c.Split(long)

	require.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len(chunk), 50)
	}
}

func TestWordWindowsOverlap(t *testing.T) {
	c := NewChunker(30, 12)
	chunks := c.wordWindows("alpha beta gamma delta epsilon zeta eta theta iota kappa")
	require.Greater(t, len(chunks), 1)

	// Consecutive windows share trailing/leading words.
	firstWords := strings.Fields(chunks[0])
	secondWords := strings.Fields(chunks[1])
	assert.Contains(t, secondWords, firstWords[len(firstWords)-1])
}

type stubEmbedder struct {
	calls int
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	s.calls++
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i), 1}
	}
	return out, nil
}

func TestProcessDocumentStoresChunks(t *testing.T) {
	st, err := store.Open(t.TempDir(), "")
	require.NoError(t, err)

	p := NewProcessor(st, &stubEmbedder{})
	count, err := p.ProcessDocument(context.Background(), "/uploads/ab12_notes.txt", "notes.txt",
		"The meeting is on Monday. Bring the signed forms.")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, st.Count())

	coll, err := st.Get(store.IncludeIDs, store.IncludeMetadatas)
	require.NoError(t, err)
	assert.Equal(t, "ab12_notes.txt_0", coll.IDs[0])
	assert.Equal(t, "notes.txt", coll.Metadatas[0]["original_filename"])
}

func TestProcessDocumentRejectsEmptyText(t *testing.T) {
	st, err := store.Open(t.TempDir(), "")
	require.NoError(t, err)

	p := NewProcessor(st, &stubEmbedder{})
	_, err = p.ProcessDocument(context.Background(), "/uploads/empty.txt", "empty.txt", "   ")
	assert.Error(t, err)
	assert.Equal(t, 0, st.Count())
}

func TestDeleteDocumentRemovesOnlyItsChunks(t *testing.T) {
	st, err := store.Open(t.TempDir(), "")
	require.NoError(t, err)
	p := NewProcessor(st, &stubEmbedder{})

	_, err = p.ProcessDocument(context.Background(), "/uploads/a.txt", "a.txt", "Alpha document text.")
	require.NoError(t, err)
	_, err = p.ProcessDocument(context.Background(), "/uploads/b.txt", "b.txt", "Beta document text.")
	require.NoError(t, err)

	removed, err := p.DeleteDocument("a.txt")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, st.Count())

	removed, err = p.DeleteDocument("missing.txt")
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}
