package vectorstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testChunk(id string, dense []float32, sparse map[int]float32, meta map[string]any) Chunk {
	return Chunk{
		ID:         id,
		Text:       "text for " + id,
		Metadata:   meta,
		Embeddings: Embeddings{Dense: dense, Sparse: sparse},
	}
}

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir(), 30000, 2*time.Second)
	require.NoError(t, err)
	return s
}

func TestAddAndQueryHybrid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddChunks(ctx, []Chunk{
		testChunk("d1_0", []float32{1, 0, 0}, map[int]float32{10: 1}, map[string]any{"doc_id": "d1", "document_group_id": "g1"}),
		testChunk("d1_1", []float32{0, 1, 0}, map[int]float32{20: 1}, map[string]any{"doc_id": "d1", "document_group_id": "g1"}),
		testChunk("d2_0", []float32{0.9, 0.1, 0}, map[int]float32{10: 0.5}, map[string]any{"doc_id": "d2", "document_group_id": "g2"}),
	}))

	res, err := s.Query(ctx, QueryParams{
		Dense:        []float32{1, 0, 0},
		Sparse:       map[int]float32{10: 1},
		NResults:     2,
		DenseWeight:  0.5,
		SparseWeight: 0.5,
	})
	require.NoError(t, err)
	require.Len(t, res, 2)
	require.Equal(t, "d1_0", res[0].ID) // perfect match on both collections
	require.Greater(t, res[0].Score, res[1].Score)
}

func TestQueryFilterScopesDocumentGroup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddChunks(ctx, []Chunk{
		testChunk("d1_0", []float32{1, 0, 0}, map[int]float32{10: 1}, map[string]any{"document_group_id": "g1"}),
		testChunk("d2_0", []float32{1, 0, 0}, map[int]float32{10: 1}, map[string]any{"document_group_id": "g2"}),
	}))

	res, err := s.Query(ctx, QueryParams{
		Dense:        []float32{1, 0, 0},
		Sparse:       map[int]float32{10: 1},
		NResults:     10,
		Filter:       map[string]string{"document_group_id": "g1"},
		DenseWeight:  0.5,
		SparseWeight: 0.5,
	})
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Equal(t, "d1_0", res[0].ID)
}

func TestMetadataFlattening(t *testing.T) {
	meta := FlattenMetadata(map[string]any{
		"title":   "A Paper",
		"authors": []any{"A", "B"},
		"year":    2021,
		"extra":   map[string]any{"k": "v"},
		"none":    nil,
	})
	require.Equal(t, "A Paper", meta["title"])
	require.JSONEq(t, `["A","B"]`, meta["authors"])
	require.Equal(t, "2021", meta["year"])
	require.JSONEq(t, `{"k":"v"}`, meta["extra"])
	require.Equal(t, "", meta["none"])
}

func TestSparseRoundTripPreservesFittingKeys(t *testing.T) {
	sparse := map[int]float32{5: 0.5, 29999: 1.5, 42: 2.0, 30001: 3.0}
	v := ScatterSparse(sparse, 30000)
	back := GatherSparse(v)
	// Keys inside the 30000-wide space survive; out-of-range keys drop.
	require.Equal(t, map[int]float32{5: 0.5, 29999: 1.5, 42: 2.0}, back)
}

func TestRefreshClientObservesOtherWriter(t *testing.T) {
	dir := t.TempDir()
	a, err := NewFileStore(dir, 30000, 2*time.Second)
	require.NoError(t, err)
	b, err := NewFileStore(dir, 30000, 2*time.Second)
	require.NoError(t, err)
	ctx := context.Background()

	// Populate through A; B caches the empty state first.
	_, err = b.Query(ctx, QueryParams{Dense: []float32{1}, NResults: 1, DenseWeight: 1})
	require.NoError(t, err)
	require.NoError(t, a.AddChunks(ctx, []Chunk{
		testChunk("d1_0", []float32{1}, map[int]float32{1: 1}, nil),
	}))

	res, err := b.Query(ctx, QueryParams{Dense: []float32{1}, NResults: 1, DenseWeight: 1, SparseWeight: 0})
	require.NoError(t, err)
	require.Empty(t, res)

	require.NoError(t, b.RefreshClient())
	res, err = b.Query(ctx, QueryParams{Dense: []float32{1}, NResults: 1, DenseWeight: 1, SparseWeight: 0})
	require.NoError(t, err)
	require.Len(t, res, 1)
}

func TestExclusiveLockTimesOut(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, 30000, 300*time.Millisecond)
	require.NoError(t, err)

	// Simulate another writer holding the lock.
	other := newDirLock(dir, time.Second)
	release, err := other.Exclusive(context.Background())
	require.NoError(t, err)
	defer release()

	err = s.AddChunks(context.Background(), []Chunk{testChunk("x_0", []float32{1}, nil, nil)})
	require.ErrorIs(t, err, ErrLockTimeout)
}
