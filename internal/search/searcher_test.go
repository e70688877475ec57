package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func indexedSearcher() *KeywordSearcher {
	s := NewKeywordSearcher()
	s.Index([]Document{
		{Server: "time", Tool: "now", Description: "Get the current time"},
		{Server: "time", Tool: "zone", Description: "Get the configured time zone"},
		{Server: "weather", Tool: "forecast", Description: "Get the weather forecast"},
	})
	return s
}

func TestSearchRanksByOverlap(t *testing.T) {
	s := indexedSearcher()

	hits, err := s.Search(t.Context(), "current time", 10, nil)
	require.NoError(t, err)
	require.NotEmpty(t, hits)

	assert.Equal(t, "time", hits[0].Server)
	assert.Equal(t, "now", hits[0].Tool)
	assert.Equal(t, 1.0, hits[0].Score)

	// Scores are descending.
	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score)
	}
}

func TestSearchUniverseFilter(t *testing.T) {
	s := indexedSearcher()

	hits, err := s.Search(t.Context(), "weather forecast", 10, []string{"time"})
	require.NoError(t, err)
	for _, hit := range hits {
		assert.Equal(t, "time", hit.Server)
	}

	// An empty (non-nil) universe matches nothing.
	hits, err = s.Search(t.Context(), "weather forecast", 10, []string{})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchLimit(t *testing.T) {
	s := indexedSearcher()

	hits, err := s.Search(t.Context(), "get time zone weather", 1, nil)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestSearchEmptyQuery(t *testing.T) {
	s := indexedSearcher()

	hits, err := s.Search(t.Context(), "", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestIndexReplacesDocuments(t *testing.T) {
	s := indexedSearcher()
	s.Index([]Document{{Server: "only", Tool: "thing", Description: "the only thing"}})

	hits, err := s.Search(t.Context(), "current time", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
