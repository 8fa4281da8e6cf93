package retriever

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"meridian/internal/embedding"
	"meridian/internal/rerank"
	"meridian/internal/vectorstore"
)

type fakeStore struct {
	results   [][]vectorstore.Result
	queries   int
	refreshes int
	lastN     int
}

func (f *fakeStore) AddChunks(context.Context, []vectorstore.Chunk) error { return nil }

func (f *fakeStore) Query(_ context.Context, p vectorstore.QueryParams) ([]vectorstore.Result, error) {
	f.lastN = p.NResults
	i := f.queries
	f.queries++
	if i < len(f.results) {
		return f.results[i], nil
	}
	return nil, nil
}

func (f *fakeStore) RefreshClient() error { f.refreshes++; return nil }
func (f *fakeStore) Close() error         { return nil }

type fakeReranker struct{ order []int }

func (f *fakeReranker) Rerank(_ context.Context, _ string, texts []string, topN int) ([]rerank.Scored, error) {
	out := make([]rerank.Scored, 0, len(f.order))
	for rank, idx := range f.order {
		if idx < len(texts) {
			out = append(out, rerank.Scored{Index: idx, Score: float64(len(f.order) - rank)})
		}
	}
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out, nil
}

func results(ids ...string) []vectorstore.Result {
	out := make([]vectorstore.Result, len(ids))
	for i, id := range ids {
		out[i] = vectorstore.Result{ID: id, Text: "text " + id, Score: float64(len(ids) - i)}
	}
	return out
}

func TestRetrieveFetchesTripleForReranking(t *testing.T) {
	store := &fakeStore{results: [][]vectorstore.Result{results("a", "b", "c", "d", "e", "f")}}
	r := New(embedding.NewDeterministic(16, 1000, 1), store, &fakeReranker{order: []int{2, 0}})

	out, err := r.Retrieve(context.Background(), "q", Options{NResults: 2, UseReranker: true})
	require.NoError(t, err)
	require.Equal(t, 6, store.lastN)
	require.Len(t, out, 2)
	require.Equal(t, "c", out[0].ID) // rerank promoted index 2
	require.Equal(t, "a", out[1].ID)
}

func TestRetrieveRefreshRetryOnEmpty(t *testing.T) {
	store := &fakeStore{results: [][]vectorstore.Result{nil, results("a")}}
	r := New(embedding.NewDeterministic(16, 1000, 1), store, nil)

	out, err := r.Retrieve(context.Background(), "q", Options{NResults: 3})
	require.NoError(t, err)
	require.Equal(t, 1, store.refreshes)
	require.Equal(t, 2, store.queries)
	require.Len(t, out, 1)
}

func TestRetrieveWithoutRerankerKeepsHybridOrder(t *testing.T) {
	store := &fakeStore{results: [][]vectorstore.Result{results("a", "b", "c")}}
	r := New(embedding.NewDeterministic(16, 1000, 1), store, nil)

	out, err := r.Retrieve(context.Background(), "q", Options{NResults: 2, UseReranker: true})
	require.NoError(t, err)
	require.Equal(t, 2, store.lastN) // no reranker wired: no 3x overfetch
	require.Equal(t, "a", out[0].ID)
}
