package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"meridian/internal/config"
	"meridian/internal/observability"
	"meridian/internal/vectorstore"
)

// Client calls an OpenAI-compatible embeddings endpoint for the dense vector
// and derives the sparse lexical vector by hashing terms into the store's
// fixed-width space with tf weighting.
type Client struct {
	cfg        config.EmbeddingConfig
	httpClient *http.Client
	dim        int
	sparseDim  int
	batchSize  int
}

// NewClient builds an embedder against the configured endpoint. dim is the
// dense dimensionality reported by the model (0 for unknown).
func NewClient(cfg config.EmbeddingConfig, httpClient *http.Client, dim int) *Client {
	if httpClient == nil {
		httpClient = observability.NewHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		})
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 16
	}
	sparseDim := cfg.SparseDimension
	if sparseDim <= 0 {
		sparseDim = 30000
	}
	return &Client{cfg: cfg, httpClient: httpClient, dim: dim, sparseDim: sparseDim, batchSize: batch}
}

func (c *Client) Name() string   { return c.cfg.Model }
func (c *Client) Dimension() int { return c.dim }

func (c *Client) EmbedChunks(ctx context.Context, chunks []vectorstore.Chunk) ([]vectorstore.Chunk, error) {
	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	dense, err := c.embedTexts(ctx, texts)
	if err != nil {
		return nil, err
	}
	for i := range chunks {
		chunks[i].Embeddings = vectorstore.Embeddings{
			Dense:  dense[i],
			Sparse: SparseTermVector(chunks[i].Text, c.sparseDim),
		}
	}
	return chunks, nil
}

func (c *Client) EmbedQuery(ctx context.Context, text string) (QueryEmbedding, error) {
	dense, err := c.embedTexts(ctx, []string{text})
	if err != nil {
		return QueryEmbedding{}, err
	}
	return QueryEmbedding{
		Dense:  dense[0],
		Sparse: SparseTermVector(text, c.sparseDim),
	}, nil
}

type embedReq struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResp struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// embedTexts batches requests against the endpoint, one embedding per input.
func (c *Client) embedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var out [][]float32
	for start := 0; start < len(texts); start += c.batchSize {
		end := start + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := c.call(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, inputs []string) ([][]float32, error) {
	reqBody, _ := json.Marshal(embedReq{Model: c.cfg.Model, Input: inputs})
	url := c.cfg.BaseURL + c.cfg.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	if c.cfg.APIHeader == "Authorization" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	} else if c.cfg.APIHeader != "" {
		req.Header.Set(c.cfg.APIHeader, c.cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embedding response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("embeddings error: %s: %s", resp.Status, string(body))
	}
	var er embedResp
	if err := json.Unmarshal(body, &er); err != nil {
		return nil, fmt.Errorf("parse embedding response: %w", err)
	}
	if len(er.Data) != len(inputs) {
		return nil, fmt.Errorf("unexpected embedding count: got %d, want %d", len(er.Data), len(inputs))
	}
	out := make([][]float32, len(er.Data))
	for i := range er.Data {
		out[i] = er.Data[i].Embedding
	}
	return out, nil
}

// SparseTermVector maps lowercase terms into {token_id: weight} with tf
// weighting, hashed into the sparse dimension.
func SparseTermVector(text string, dim int) map[int]float32 {
	if dim <= 0 {
		dim = 30000
	}
	counts := map[int]float32{}
	for _, term := range strings.Fields(strings.ToLower(text)) {
		term = strings.Trim(term, ".,;:!?\"'()[]{}")
		if len(term) < 2 {
			continue
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(term))
		counts[int(h.Sum32()%uint32(dim))]++
	}
	// Dampen raw counts so long texts do not dominate.
	for tok, c := range counts {
		counts[tok] = 1 + float32(math.Log(float64(c)))
	}
	return counts
}
