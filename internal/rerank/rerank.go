package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	"meridian/internal/config"
	"meridian/internal/observability"
)

// Scored pairs a rerank score with the index of the input item.
type Scored struct {
	Index int
	Score float64
}

// Reranker re-scores (query, text) pairs with a cross-encoder.
type Reranker interface {
	Rerank(ctx context.Context, query string, texts []string, topN int) ([]Scored, error)
}

// Client calls a llama.cpp-style rerank endpoint. A lock serializes access to
// the backing model; batches bound request size.
type Client struct {
	cfg        config.RerankerConfig
	httpClient *http.Client
	mu         sync.Mutex
}

func NewClient(cfg config.RerankerConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = observability.NewHTTPClient(nil)
	}
	return &Client{cfg: cfg, httpClient: httpClient}
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	TopN      int      `json:"top_n"`
	Documents []string `json:"documents"`
}

type rerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

type rerankResponse struct {
	Results []rerankResult `json:"results"`
}

// Rerank scores all texts against the query and returns them sorted by
// descending score, truncated to topN (all when topN <= 0).
func (c *Client) Rerank(ctx context.Context, query string, texts []string, topN int) ([]Scored, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	batch := c.cfg.BatchSize
	if batch <= 0 {
		batch = 32
	}
	scores := make([]Scored, 0, len(texts))
	for start := 0; start < len(texts); start += batch {
		end := start + batch
		if end > len(texts) {
			end = len(texts)
		}
		results, err := c.call(ctx, query, texts[start:end])
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			scores = append(scores, Scored{Index: start + r.Index, Score: r.RelevanceScore})
		}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })
	if topN > 0 && len(scores) > topN {
		scores = scores[:topN]
	}
	return scores, nil
}

func (c *Client) call(ctx context.Context, query string, docs []string) ([]rerankResult, error) {
	payload, err := json.Marshal(rerankRequest{
		Model:     c.cfg.Model,
		Query:     query,
		TopN:      len(docs),
		Documents: docs,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewBuffer(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("rerank failed with status %d: %s", resp.StatusCode, string(body))
	}
	var rr rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}
	return rr.Results, nil
}
