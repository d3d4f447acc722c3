package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsage/backend/internal/storage/models"
	"github.com/docsage/backend/internal/store"
)

func seededSearcher(t *testing.T, records []store.AddRecord) *Searcher {
	t.Helper()
	st, err := store.Open(t.TempDir(), "")
	require.NoError(t, err)
	require.NoError(t, st.Add(records))
	return New(st)
}

func rec(id string, embedding []float32, timestamp string) store.AddRecord {
	meta := models.Metadata{"source": "/uploads/" + id, "chunk_id": 0}
	if timestamp != "" {
		meta["timestamp"] = timestamp
	}
	return store.AddRecord{
		ID:        id,
		Embedding: embedding,
		Content:   "content of " + id,
		Metadata:  meta,
	}
}

func TestSearchRanksByCosineDistance(t *testing.T) {
	s := seededSearcher(t, []store.AddRecord{
		rec("opposite", []float32{-1, 0}, "20240101"),
		rec("orthogonal", []float32{0, 1}, "20240101"),
		rec("aligned", []float32{2, 0}, "20240101"),
	})

	results, err := s.Search([]float32{1, 0}, 10, "")
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "aligned", results[0].ID)
	assert.Equal(t, "orthogonal", results[1].ID)
	assert.Equal(t, "opposite", results[2].ID)

	assert.InDelta(t, 0.0, results[0].Distance, 1e-9)
	assert.InDelta(t, 1.0, results[1].Distance, 1e-9)
	assert.InDelta(t, 2.0, results[2].Distance, 1e-9)
}

func TestSearchTruncatesToTopK(t *testing.T) {
	s := seededSearcher(t, []store.AddRecord{
		rec("a", []float32{1, 0}, ""),
		rec("b", []float32{0.9, 0.1}, ""),
		rec("c", []float32{0.5, 0.5}, ""),
	})

	results, err := s.Search([]float32{1, 0}, 2, "")
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
}

func TestSearchSkipsDimensionMismatch(t *testing.T) {
	s := seededSearcher(t, []store.AddRecord{
		rec("good", []float32{1, 0}, ""),
		rec("bad", []float32{1, 0, 0}, ""),
	})

	results, err := s.Search([]float32{1, 0}, 10, "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "good", results[0].ID)
}

func TestSearchDateRangeFiltering(t *testing.T) {
	records := []store.AddRecord{
		rec("old", []float32{1, 0}, "20230101"),
		rec("mid", []float32{1, 0}, "20240615"),
		rec("new", []float32{1, 0}, "20250101"),
	}

	tests := []struct {
		name      string
		dateRange string
		wantIDs   []string
	}{
		{
			name:      "bounded range keeps inside chunks",
			dateRange: "20240101 - 20241231",
			wantIDs:   []string{"mid"},
		},
		{
			name:      "all time keeps everything",
			dateRange: "all time",
			wantIDs:   []string{"old", "mid", "new"},
		},
		{
			name:      "empty range keeps everything",
			dateRange: "",
			wantIDs:   []string{"old", "mid", "new"},
		},
		{
			name:      "malformed range degrades to unfiltered",
			dateRange: "last week sometime",
			wantIDs:   []string{"old", "mid", "new"},
		},
		{
			name:      "inverted range degrades to unfiltered",
			dateRange: "20250101 - 20230101",
			wantIDs:   []string{"old", "mid", "new"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := seededSearcher(t, records)
			results, err := s.Search([]float32{1, 0}, 10, tt.dateRange)
			require.NoError(t, err)

			got := make([]string, 0, len(results))
			for _, r := range results {
				got = append(got, r.ID)
			}
			assert.ElementsMatch(t, tt.wantIDs, got)
		})
	}
}

func TestSearchEmptyDateRangeResult(t *testing.T) {
	s := seededSearcher(t, []store.AddRecord{
		rec("only", []float32{1, 0}, "20200101"),
	})

	results, err := s.Search([]float32{1, 0}, 10, "20240101 - 20241231")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchEmptyStore(t *testing.T) {
	st, err := store.Open(t.TempDir(), "")
	require.NoError(t, err)

	results, err := New(st).Search([]float32{1, 0}, 10, "")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestCosineSimilarityZeroVector(t *testing.T) {
	assert.Equal(t, 0.0, cosineSimilarity([]float32{0, 0}, []float32{1, 0}))
}

func TestResultSimilarity(t *testing.T) {
	r := Result{Distance: 0.25}
	assert.InDelta(t, 0.75, r.Similarity(), 1e-9)
}

func TestParseDateRange(t *testing.T) {
	start, end, err := parseDateRange("20240101 - 20241231")
	require.NoError(t, err)
	assert.Equal(t, 20240101, start)
	assert.Equal(t, 20241231, end)

	_, _, err = parseDateRange("20240101-20241231")
	assert.Error(t, err)

	_, _, err = parseDateRange("2024 - 2025")
	assert.Error(t, err)
}
