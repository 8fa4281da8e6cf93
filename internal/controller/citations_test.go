package controller

import (
	"testing"

	"github.com/stretchr/testify/require"

	"meridian/internal/agents"
	"meridian/internal/mission"
)

func TestFinalizeCitationsNumbersByFirstOccurrence(t *testing.T) {
	notes := []mission.Note{
		{SourceType: mission.SourceDocument, SourceID: "doc2", SourceMetadata: map[string]any{"title": "Paper Two"}},
		{SourceType: mission.SourceDocument, SourceID: "doc1", SourceMetadata: map[string]any{"title": "Paper One"}},
		{SourceType: mission.SourceWeb, SourceID: "https://a.example/page"},
	}
	idx := buildSourceIndex(notes)
	webKey := agents.HashURL("https://a.example/page")

	body := "First claim [doc2]. Second claim [doc1][doc2]. Web claim [" + webKey + "]."
	out, refs := FinalizeCitations(body, idx)

	require.Equal(t, "First claim [1]. Second claim [2][1]. Web claim [3].", out)
	require.Len(t, refs, 3)
	require.Equal(t, "doc2", refs[0].Key)
	require.Equal(t, "Paper One", refs[1].Title)
	require.Equal(t, "https://a.example/page", refs[2].URL)
}

func TestFinalizeCitationsIdempotent(t *testing.T) {
	notes := []mission.Note{{SourceType: mission.SourceDocument, SourceID: "doc1"}}
	idx := buildSourceIndex(notes)

	once, refs := FinalizeCitations("claim [doc1] and again [doc1].", idx)
	require.Equal(t, "claim [1] and again [1].", once)
	require.Len(t, refs, 1)

	twice, refs2 := FinalizeCitations(once, idx)
	require.Equal(t, once, twice)
	require.Empty(t, refs2)
}

func TestFinalizeCitationsLeavesUnknownKeys(t *testing.T) {
	out, refs := FinalizeCitations("see [unknown-key]", map[string]SourceRef{})
	require.Equal(t, "see [unknown-key]", out)
	require.Empty(t, refs)
}

func TestBuildSourceIndexInternalAggregates(t *testing.T) {
	notes := []mission.Note{
		{SourceType: mission.SourceInternal, SourceID: "research", SourceMetadata: map[string]any{
			"aggregated_original_sources": []any{"doc9"},
		}},
	}
	idx := buildSourceIndex(notes)
	require.Contains(t, idx, "doc9")
	require.NotContains(t, idx, "research")
}

func TestRenderReferences(t *testing.T) {
	refs := []Reference{
		{Number: 1, SourceRef: SourceRef{Key: "doc1", Title: "Paper"}},
		{Number: 2, SourceRef: SourceRef{Key: "ab12cd34", URL: "https://a.example"}},
	}
	out := renderReferences(refs)
	require.Contains(t, out, "## References")
	require.Contains(t, out, "1. Paper (doc1)")
	require.Contains(t, out, "2. https://a.example")
	require.Empty(t, renderReferences(nil))
}
