package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"meridian/internal/config"
	"meridian/internal/observability"
	"meridian/internal/queryprep"
)

// WebSearch queries a SearXNG instance. Queries beyond the provider's length
// limit are refined by the query preparer before hitting the API.
type WebSearch struct {
	cfg        config.WebConfig
	httpClient *http.Client
	preparer   *queryprep.Preparer
}

func NewWebSearch(cfg config.WebConfig, httpClient *http.Client, preparer *queryprep.Preparer) *WebSearch {
	if httpClient == nil {
		httpClient = observability.NewHTTPClient(nil)
	}
	return &WebSearch{cfg: cfg, httpClient: httpClient, preparer: preparer}
}

func (t *WebSearch) Name() string { return "web_search" }

func (t *WebSearch) Description() string {
	return "Search the web and return result titles, URLs, and snippets."
}

func (t *WebSearch) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query":       map[string]any{"type": "string", "description": "Search query."},
			"max_results": map[string]any{"type": "integer", "description": "Maximum results to return."},
		},
		"required": []string{"query"},
	}
}

// WebResult is one search hit.
type WebResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

type searxngResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

func (t *WebSearch) Call(ctx context.Context, tc ToolContext, args json.RawMessage) (any, error) {
	var params struct {
		Query      string `json:"query"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	query := params.Query
	if t.preparer != nil && len(query) > t.cfg.MaxQueryLength {
		refined, _, err := t.preparer.RefineLongQuery(ctx, tc.MissionID, query, t.cfg.MaxQueryLength)
		if err == nil && refined != "" {
			query = refined
		}
	}
	maxResults := params.MaxResults
	if maxResults <= 0 {
		maxResults = t.cfg.MaxResults
	}

	endpoint := fmt.Sprintf("%s/search?q=%s&format=json", t.cfg.SearXNGURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("web search request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("web search status %d: %s", resp.StatusCode, string(body))
	}
	var sr searxngResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("decode web search response: %w", err)
	}
	if tc.CountWebSearch != nil {
		tc.CountWebSearch(ctx)
	}

	results := make([]WebResult, 0, maxResults)
	for _, r := range sr.Results {
		if len(results) == maxResults {
			break
		}
		results = append(results, WebResult{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return map[string]any{"results": results}, nil
}
