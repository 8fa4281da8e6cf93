package rerank

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"meridian/internal/config"
)

func TestRerankSortsAndTruncates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		results := make([]rerankResult, len(req.Documents))
		for i, doc := range req.Documents {
			score := 0.1
			if strings.Contains(doc, "relevant") {
				score = 0.9
			}
			results[i] = rerankResult{Index: i, RelevanceScore: score}
		}
		_ = json.NewEncoder(w).Encode(rerankResponse{Results: results})
	}))
	defer srv.Close()

	c := NewClient(config.RerankerConfig{URL: srv.URL, Model: "test", BatchSize: 2}, srv.Client())
	scored, err := c.Rerank(context.Background(), "q", []string{"noise", "relevant passage", "more noise"}, 2)
	require.NoError(t, err)
	require.Len(t, scored, 2)
	require.Equal(t, 1, scored[0].Index)
	require.InDelta(t, 0.9, scored[0].Score, 1e-9)
}

func TestRerankEmptyInput(t *testing.T) {
	c := NewClient(config.RerankerConfig{URL: "http://unused"}, nil)
	scored, err := c.Rerank(context.Background(), "q", nil, 5)
	require.NoError(t, err)
	require.Empty(t, scored)
}
