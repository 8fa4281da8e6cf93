package embedding

import (
	"context"

	"golang.org/x/sync/semaphore"

	"meridian/internal/vectorstore"
)

// QueryEmbedding is the dense+sparse representation of a query.
type QueryEmbedding struct {
	Dense  []float32
	Sparse map[int]float32
}

// Embedder converts text into hybrid embeddings. Implementations must be
// safe for concurrent use.
type Embedder interface {
	// EmbedChunks fills Embeddings on each chunk in place.
	EmbedChunks(ctx context.Context, chunks []vectorstore.Chunk) ([]vectorstore.Chunk, error)
	// EmbedQuery embeds a single query string.
	EmbedQuery(ctx context.Context, text string) (QueryEmbedding, error)
	Name() string
	Dimension() int
}

// Bounded wraps an embedder with a process-wide semaphore so concurrent
// query embedding cannot oversubscribe the backing model server.
type Bounded struct {
	inner Embedder
	sem   *semaphore.Weighted
}

// NewBounded caps concurrent embedder use at maxConcurrent.
func NewBounded(inner Embedder, maxConcurrent int) *Bounded {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Bounded{inner: inner, sem: semaphore.NewWeighted(int64(maxConcurrent))}
}

func (b *Bounded) Name() string   { return b.inner.Name() }
func (b *Bounded) Dimension() int { return b.inner.Dimension() }

func (b *Bounded) EmbedChunks(ctx context.Context, chunks []vectorstore.Chunk) ([]vectorstore.Chunk, error) {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer b.sem.Release(1)
	return b.inner.EmbedChunks(ctx, chunks)
}

func (b *Bounded) EmbedQuery(ctx context.Context, text string) (QueryEmbedding, error) {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return QueryEmbedding{}, err
	}
	defer b.sem.Release(1)
	return b.inner.EmbedQuery(ctx, text)
}
