package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"meridian/internal/observability"
)

// ModelPrice holds per-token prices (USD) for one model.
type ModelPrice struct {
	Prompt     decimal.Decimal
	Completion decimal.Decimal
}

// PriceTable lazily fetches and caches a models→price map from an
// openrouter-style `/api/v1/models` endpoint. A redis client, when provided,
// shares the fetched table across processes.
type PriceTable struct {
	baseURL string
	client  *http.Client
	redis   *redis.Client

	mu      sync.Mutex
	prices  map[string]ModelPrice
	fetched time.Time
	ttl     time.Duration
}

const priceCacheKey = "meridian:llm:prices"

// NewPriceTable returns a price table for the given pricing endpoint, or nil
// when baseURL is empty (cost computation disabled).
func NewPriceTable(baseURL string, httpClient *http.Client, rdb *redis.Client) *PriceTable {
	if strings.TrimSpace(baseURL) == "" {
		return nil
	}
	if httpClient == nil {
		httpClient = observability.NewHTTPClient(nil)
	}
	return &PriceTable{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  httpClient,
		redis:   rdb,
		ttl:     time.Hour,
	}
}

// Cost computes the cost of one call in USD. Unknown models cost zero.
func (p *PriceTable) Cost(ctx context.Context, model string, promptTokens, completionTokens int) float64 {
	if p == nil {
		return 0
	}
	prices, err := p.load(ctx)
	if err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("price table unavailable; reporting zero cost")
		return 0
	}
	mp, ok := prices[model]
	if !ok {
		return 0
	}
	cost := mp.Prompt.Mul(decimal.NewFromInt(int64(promptTokens))).
		Add(mp.Completion.Mul(decimal.NewFromInt(int64(completionTokens))))
	f, _ := cost.Float64()
	return f
}

func (p *PriceTable) load(ctx context.Context) (map[string]ModelPrice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.prices != nil && time.Since(p.fetched) < p.ttl {
		return p.prices, nil
	}
	if p.redis != nil {
		if raw, err := p.redis.Get(ctx, priceCacheKey).Bytes(); err == nil {
			if prices, err := decodePrices(raw); err == nil {
				p.prices, p.fetched = prices, time.Now()
				return prices, nil
			}
		}
	}
	raw, err := p.fetch(ctx)
	if err != nil {
		return nil, err
	}
	prices, err := decodePrices(raw)
	if err != nil {
		return nil, err
	}
	if p.redis != nil {
		p.redis.Set(ctx, priceCacheKey, raw, p.ttl)
	}
	p.prices, p.fetched = prices, time.Now()
	return prices, nil
}

func (p *PriceTable) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch model prices: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

func decodePrices(raw []byte) (map[string]ModelPrice, error) {
	var doc struct {
		Data []struct {
			ID      string `json:"id"`
			Pricing struct {
				Prompt     string `json:"prompt"`
				Completion string `json:"completion"`
			} `json:"pricing"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode model prices: %w", err)
	}
	out := make(map[string]ModelPrice, len(doc.Data))
	for _, m := range doc.Data {
		prompt, err := decimal.NewFromString(strings.TrimSpace(m.Pricing.Prompt))
		if err != nil {
			prompt = decimal.Zero
		}
		completion, err := decimal.NewFromString(strings.TrimSpace(m.Pricing.Completion))
		if err != nil {
			completion = decimal.Zero
		}
		out[m.ID] = ModelPrice{Prompt: prompt, Completion: completion}
	}
	return out, nil
}
