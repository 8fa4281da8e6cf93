package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// denseRecord is what the dense collection persists per chunk.
type denseRecord struct {
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata"`
	Vector   []float32         `json:"vector"`
}

// sparseRecord stores the scattered sparse vector in gathered form to keep
// files small; queries score the gathered form directly.
type sparseRecord struct {
	Metadata map[string]string `json:"metadata"`
	Vector   map[int]float32   `json:"vector"`
}

// FileStore is the on-disk dual-collection store. Two collections live under
// the root directory (dense.json, sparse.json) and share chunk ids. Writes
// take the advisory exclusive lock; queries take the shared lock.
type FileStore struct {
	root      string
	sparseDim int
	lock      *dirLock

	mu     sync.RWMutex
	dense  map[string]denseRecord
	sparse map[string]sparseRecord
	loaded bool
}

// NewFileStore opens (creating when needed) a file-backed store.
func NewFileStore(root string, sparseDim int, lockTimeout time.Duration) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create vector store dir: %w", err)
	}
	if sparseDim <= 0 {
		sparseDim = 30000
	}
	return &FileStore{
		root:      root,
		sparseDim: sparseDim,
		lock:      newDirLock(root, lockTimeout),
	}, nil
}

func (s *FileStore) densePath() string  { return filepath.Join(s.root, "dense.json") }
func (s *FileStore) sparsePath() string { return filepath.Join(s.root, "sparse.json") }

func (s *FileStore) AddChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	release, err := s.lock.Exclusive(ctx)
	if err != nil {
		return err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	for _, c := range chunks {
		meta := FlattenMetadata(c.Metadata)
		s.dense[c.ID] = denseRecord{
			Text:     c.Text,
			Metadata: meta,
			Vector:   c.Embeddings.Dense,
		}
		// Scatter-then-gather clips token ids that do not fit the fixed width.
		scattered := ScatterSparse(c.Embeddings.Sparse, s.sparseDim)
		s.sparse[c.ID] = sparseRecord{
			Metadata: meta,
			Vector:   GatherSparse(scattered),
		}
	}
	if err := writeJSONAtomic(s.densePath(), s.dense); err != nil {
		return err
	}
	return writeJSONAtomic(s.sparsePath(), s.sparse)
}

func (s *FileStore) Query(ctx context.Context, p QueryParams) ([]Result, error) {
	release, err := s.lock.Shared(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	s.mu.Lock()
	if err := s.loadLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	n := p.NResults
	if n <= 0 {
		n = 10
	}
	// Each collection is queried independently for 2n candidates before the
	// union is scored by the weighted combination.
	fetch := 2 * n

	denseScores := map[string]float64{}
	for id, rec := range s.dense {
		if !matchesFilter(rec.Metadata, p.Filter) {
			continue
		}
		denseScores[id] = denseCosine(p.Dense, rec.Vector)
	}
	denseScores = topK(denseScores, fetch)

	sparseScores := map[string]float64{}
	for id, rec := range s.sparse {
		if !matchesFilter(rec.Metadata, p.Filter) {
			continue
		}
		sparseScores[id] = sparseCosine(p.Sparse, rec.Vector)
	}
	sparseScores = topK(sparseScores, fetch)

	merged := mergeHybrid(denseScores, sparseScores, p.DenseWeight, p.SparseWeight)
	if len(merged) > n {
		merged = merged[:n]
	}
	out := make([]Result, 0, len(merged))
	for _, sc := range merged {
		rec, ok := s.dense[sc.ID]
		if !ok {
			if sp, ok2 := s.sparse[sc.ID]; ok2 {
				rec = denseRecord{Metadata: sp.Metadata}
			}
		}
		out = append(out, Result{
			ID:       sc.ID,
			Text:     rec.Text,
			Metadata: rec.Metadata,
			Score:    sc.Score,
		})
	}
	return out, nil
}

// RefreshClient drops the in-memory snapshot so the next operation re-reads
// writes made by another process.
func (s *FileStore) RefreshClient() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = false
	s.dense = nil
	s.sparse = nil
	return nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) loadLocked() error {
	if s.loaded {
		return nil
	}
	s.dense = map[string]denseRecord{}
	s.sparse = map[string]sparseRecord{}
	if err := readJSON(s.densePath(), &s.dense); err != nil {
		return err
	}
	if err := readJSON(s.sparsePath(), &s.sparse); err != nil {
		return err
	}
	s.loaded = true
	return nil
}

func matchesFilter(meta map[string]string, filter map[string]string) bool {
	for k, v := range filter {
		if meta[k] != v {
			return false
		}
	}
	return true
}

// topK keeps the k best-scoring entries of a score map.
func topK(scores map[string]float64, k int) map[string]float64 {
	if len(scores) <= k {
		return scores
	}
	ranked := mergeHybrid(scores, nil, 1, 0)
	out := make(map[string]float64, k)
	for _, sc := range ranked[:k] {
		out[sc.ID] = sc.Score
	}
	return out
}

func readJSON(path string, dst any) error {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

func writeJSONAtomic(path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
