package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"meridian/internal/config"
	"meridian/internal/vectorstore"
)

func TestDeterministicEmbedderIsStable(t *testing.T) {
	e := NewDeterministic(32, 1000, 42)
	a, err := e.EmbedQuery(context.Background(), "quantum computing")
	require.NoError(t, err)
	b, err := e.EmbedQuery(context.Background(), "quantum computing")
	require.NoError(t, err)
	require.Equal(t, a.Dense, b.Dense)
	require.Equal(t, a.Sparse, b.Sparse)
	require.Len(t, a.Dense, 32)
	require.NotEmpty(t, a.Sparse)
}

func TestSparseTermVectorHashesWithinDim(t *testing.T) {
	sparse := SparseTermVector("Qubits, qubits and GATES!", 500)
	for tok := range sparse {
		require.GreaterOrEqual(t, tok, 0)
		require.Less(t, tok, 500)
	}
	// "qubits" appears twice: tf damping keeps weight above single terms.
	var maxW float32
	for _, w := range sparse {
		if w > maxW {
			maxW = w
		}
	}
	require.Greater(t, maxW, float32(1))
}

func TestClientEmbedsBatches(t *testing.T) {
	var batchSizes []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		batchSizes = append(batchSizes, len(req.Input))
		resp := embedResp{}
		resp.Data = make([]struct {
			Embedding []float32 `json:"embedding"`
		}, len(req.Input))
		for i := range resp.Data {
			resp.Data[i].Embedding = []float32{1, 0}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewClient(config.EmbeddingConfig{
		BaseURL: srv.URL, Model: "m", Path: "/v1/embeddings", APIHeader: "Authorization",
		BatchSize: 2, SparseDimension: 1000,
	}, srv.Client(), 2)

	chunks := []vectorstore.Chunk{
		{ID: "a_0", Text: "alpha"}, {ID: "a_1", Text: "beta"}, {ID: "b_0", Text: "gamma"},
	}
	out, err := c.EmbedChunks(context.Background(), chunks)
	require.NoError(t, err)
	require.Equal(t, []int{2, 1}, batchSizes)
	for _, ch := range out {
		require.Len(t, ch.Embeddings.Dense, 2)
		require.NotEmpty(t, ch.Embeddings.Sparse)
	}
}

func TestBoundedPassesThrough(t *testing.T) {
	e := NewBounded(NewDeterministic(8, 100, 1), 2)
	out, err := e.EmbedQuery(context.Background(), "text")
	require.NoError(t, err)
	require.Len(t, out.Dense, 8)
	require.Equal(t, "deterministic", e.Name())
	require.Equal(t, 8, e.Dimension())
}
