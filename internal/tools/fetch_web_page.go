package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	readability "github.com/go-shiori/go-readability"

	"meridian/internal/observability"
)

const fetchMaxBytes = 4 << 20

// FetchWebPage retrieves a URL, extracts the main article via readability,
// and converts it to Markdown.
type FetchWebPage struct {
	httpClient *http.Client
}

func NewFetchWebPage(httpClient *http.Client) *FetchWebPage {
	if httpClient == nil {
		httpClient = observability.NewHTTPClient(nil)
	}
	return &FetchWebPage{httpClient: httpClient}
}

func (t *FetchWebPage) Name() string { return "fetch_web_page_content" }

func (t *FetchWebPage) Description() string {
	return "Fetch a web page and return its main content as Markdown."
}

func (t *FetchWebPage) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{"type": "string", "description": "Absolute URL of the page to fetch."},
		},
		"required": []string{"url"},
	}
}

// PageContent is the successful fetch payload.
type PageContent struct {
	Text     string            `json:"text"`
	Title    string            `json:"title"`
	Metadata map[string]string `json:"metadata"`
}

func (t *FetchWebPage) Call(ctx context.Context, _ ToolContext, args json.RawMessage) (any, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	parsed, err := url.Parse(params.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid url %q", params.URL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, params.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", params.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", params.URL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchMaxBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", params.URL, err)
	}

	html := string(body)
	title := ""
	content := html
	if art, rerr := readability.FromReader(strings.NewReader(html), parsed); rerr == nil && strings.TrimSpace(art.Content) != "" {
		content = art.Content
		title = strings.TrimSpace(art.Title)
	}

	md, err := htmltomarkdown.ConvertString(content, converter.WithDomain(parsed.Scheme+"://"+parsed.Host))
	if err != nil {
		return nil, fmt.Errorf("convert %s: %w", params.URL, err)
	}
	return PageContent{
		Text:  strings.TrimSpace(md),
		Title: title,
		Metadata: map[string]string{
			"url":          params.URL,
			"content_type": resp.Header.Get("Content-Type"),
		},
	}, nil
}
