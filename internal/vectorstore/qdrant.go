package vectorstore

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"meridian/internal/config"
)

// Qdrant only allows UUIDs and positive integers as point IDs, so chunk ids
// are mapped to deterministic UUIDs and the original id kept in the payload.
const payloadIDField = "_original_id"
const payloadTextField = "_text"

// QdrantStore implements the hybrid store over two qdrant collections
// (dense + scattered sparse), addressed by the same chunk ids.
type QdrantStore struct {
	client    *qdrant.Client
	dense     string
	sparse    string
	denseDim  int
	sparseDim int
}

// NewQdrantStore connects to qdrant's gRPC API (port 6334 by default; an API
// key may be passed as ?api_key=...) and ensures both collections exist.
func NewQdrantStore(dsn, collectionPrefix string, denseDim, sparseDim int) (*QdrantStore, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant DSN: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := parsed.Port()
	if port == "" {
		port = "6334"
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant DSN: %w", err)
	}
	cfg := &qdrant.Config{Host: host, Port: portNum}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	if collectionPrefix == "" {
		collectionPrefix = "meridian"
	}
	if sparseDim <= 0 {
		sparseDim = 30000
	}
	s := &QdrantStore{
		client:    client,
		dense:     collectionPrefix + "_dense",
		sparse:    collectionPrefix + "_sparse",
		denseDim:  denseDim,
		sparseDim: sparseDim,
	}
	ctx := context.Background()
	if err := s.ensureCollection(ctx, s.dense, denseDim); err != nil {
		client.Close()
		return nil, err
	}
	if err := s.ensureCollection(ctx, s.sparse, sparseDim); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context, name string, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("qdrant requires dimensions > 0 for %s", name)
	}
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", name, err)
	}
	if exists {
		return nil
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	return nil
}

func pointUUID(id string) string {
	if _, err := uuid.Parse(id); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}

func (s *QdrantStore) AddChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	densePoints := make([]*qdrant.PointStruct, 0, len(chunks))
	sparsePoints := make([]*qdrant.PointStruct, 0, len(chunks))
	for _, c := range chunks {
		meta := FlattenMetadata(c.Metadata)
		payload := make(map[string]any, len(meta)+2)
		for k, v := range meta {
			payload[k] = v
		}
		payload[payloadIDField] = c.ID
		payload[payloadTextField] = c.Text
		id := qdrant.NewIDUUID(pointUUID(c.ID))

		densePoints = append(densePoints, &qdrant.PointStruct{
			Id:      id,
			Vectors: qdrant.NewVectorsDense(c.Embeddings.Dense),
			Payload: qdrant.NewValueMap(payload),
		})
		sparsePoints = append(sparsePoints, &qdrant.PointStruct{
			Id:      id,
			Vectors: qdrant.NewVectorsDense(ScatterSparse(c.Embeddings.Sparse, s.sparseDim)),
			Payload: qdrant.NewValueMap(payload),
		})
	}
	if _, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{CollectionName: s.dense, Points: densePoints}); err != nil {
		return fmt.Errorf("upsert dense points: %w", err)
	}
	if _, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{CollectionName: s.sparse, Points: sparsePoints}); err != nil {
		return fmt.Errorf("upsert sparse points: %w", err)
	}
	return nil
}

func (s *QdrantStore) Query(ctx context.Context, p QueryParams) ([]Result, error) {
	n := p.NResults
	if n <= 0 {
		n = 10
	}
	fetch := uint64(2 * n)
	var filter *qdrant.Filter
	if len(p.Filter) > 0 {
		must := make([]*qdrant.Condition, 0, len(p.Filter))
		for k, v := range p.Filter {
			must = append(must, qdrant.NewMatch(k, v))
		}
		filter = &qdrant.Filter{Must: must}
	}

	type hitInfo struct {
		text string
		meta map[string]string
	}
	info := map[string]hitInfo{}
	collect := func(collection string, vec []float32) (map[string]float64, error) {
		hits, err := s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: collection,
			Query:          qdrant.NewQueryDense(vec),
			Limit:          &fetch,
			Filter:         filter,
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", collection, err)
		}
		scores := make(map[string]float64, len(hits))
		for _, hit := range hits {
			id := hit.Id.GetUuid()
			meta := map[string]string{}
			text := ""
			for k, v := range hit.Payload {
				switch k {
				case payloadIDField:
					id = v.GetStringValue()
				case payloadTextField:
					text = v.GetStringValue()
				default:
					meta[k] = v.GetStringValue()
				}
			}
			scores[id] = float64(hit.Score)
			if _, ok := info[id]; !ok {
				info[id] = hitInfo{text: text, meta: meta}
			}
		}
		return scores, nil
	}

	denseScores, err := collect(s.dense, p.Dense)
	if err != nil {
		return nil, err
	}
	sparseScores, err := collect(s.sparse, ScatterSparse(p.Sparse, s.sparseDim))
	if err != nil {
		return nil, err
	}

	merged := mergeHybrid(denseScores, sparseScores, p.DenseWeight, p.SparseWeight)
	if len(merged) > n {
		merged = merged[:n]
	}
	out := make([]Result, 0, len(merged))
	for _, sc := range merged {
		hi := info[sc.ID]
		out = append(out, Result{ID: sc.ID, Text: hi.text, Metadata: hi.meta, Score: sc.Score})
	}
	return out, nil
}

// RefreshClient is a no-op: qdrant reads always observe committed writes.
func (s *QdrantStore) RefreshClient() error { return nil }

func (s *QdrantStore) Close() error { return s.client.Close() }

// NewFromConfig builds a store for the configured backend.
func NewFromConfig(cfg config.VectorConfig, denseDim, sparseDim int) (Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "file":
		return NewFileStore(cfg.Path, sparseDim, cfg.LockTimeout)
	case "qdrant":
		return NewQdrantStore(cfg.QdrantAddr, "meridian", denseDim, sparseDim)
	default:
		return nil, fmt.Errorf("unknown vector store backend %q", cfg.Backend)
	}
}
