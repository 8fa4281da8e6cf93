package embedding

import (
	"context"
	"hash/fnv"
	"math"

	"meridian/internal/vectorstore"
)

// deterministic is a lightweight embedder for tests: it hashes byte 3-grams
// into a fixed-size L2-normalized vector, so similar texts embed similarly
// and runs are reproducible.
type deterministic struct {
	dim       int
	sparseDim int
	seed      uint64
}

// NewDeterministic constructs a deterministic embedder with the given dense
// dimension. Seed perturbs hashing.
func NewDeterministic(dim, sparseDim int, seed uint64) Embedder {
	if dim <= 0 {
		dim = 64
	}
	if sparseDim <= 0 {
		sparseDim = 30000
	}
	return &deterministic{dim: dim, sparseDim: sparseDim, seed: seed}
}

func (d *deterministic) Name() string   { return "deterministic" }
func (d *deterministic) Dimension() int { return d.dim }

func (d *deterministic) EmbedChunks(_ context.Context, chunks []vectorstore.Chunk) ([]vectorstore.Chunk, error) {
	for i := range chunks {
		chunks[i].Embeddings = vectorstore.Embeddings{
			Dense:  d.embedOne(chunks[i].Text),
			Sparse: SparseTermVector(chunks[i].Text, d.sparseDim),
		}
	}
	return chunks, nil
}

func (d *deterministic) EmbedQuery(_ context.Context, text string) (QueryEmbedding, error) {
	return QueryEmbedding{
		Dense:  d.embedOne(text),
		Sparse: SparseTermVector(text, d.sparseDim),
	}, nil
}

func (d *deterministic) embedOne(s string) []float32 {
	v := make([]float32, d.dim)
	if len(s) == 0 {
		return v
	}
	b := []byte(s)
	if len(b) < 3 {
		d.add(b, v)
	} else {
		for i := 0; i <= len(b)-3; i++ {
			d.add(b[i:i+3], v)
		}
	}
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum > 0 {
		inv := float32(1.0 / math.Sqrt(sum))
		for i := range v {
			v[i] *= inv
		}
	}
	return v
}

func (d *deterministic) add(gram []byte, v []float32) {
	h := fnv.New64a()
	if d.seed != 0 {
		var tmp [8]byte
		for i := 0; i < 8; i++ {
			tmp[i] = byte(d.seed >> (8 * i))
		}
		_, _ = h.Write(tmp[:])
	}
	_, _ = h.Write(gram)
	hv := h.Sum64()
	idx := int(hv % uint64(len(v)))
	w := float32(int32(hv>>32)) / float32(1<<31)
	v[idx] += w
}
