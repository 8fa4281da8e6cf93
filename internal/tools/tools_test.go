package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meridian/internal/config"
	"meridian/internal/events"
)

type echoTool struct{ fail bool }

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "echoes its input" }
func (echoTool) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"text": map[string]any{"type": "string"}},
		"required":   []string{"text"},
	}
}

func (t echoTool) Call(_ context.Context, _ ToolContext, args json.RawMessage) (any, error) {
	if t.fail {
		return nil, os.ErrPermission
	}
	var p struct {
		Text string `json:"text"`
	}
	_ = json.Unmarshal(args, &p)
	return map[string]string{"echo": p.Text}, nil
}

func TestRegistryDispatchAndEvents(t *testing.T) {
	sink := events.NewMemorySink(8)
	r := NewRegistry(sink)
	r.Register(echoTool{})

	payload, err := r.Dispatch(context.Background(), ToolContext{MissionID: "m1", AgentName: "research"},
		"echo", json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"echo":"hi"}`, string(payload))

	tail := sink.Tail("m1")
	require.Len(t, tail, 1)
	require.Equal(t, events.TypeToolCall, tail[0].Type)
}

func TestRegistryRejectsMissingRequiredArg(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(echoTool{})

	_, err := r.Dispatch(context.Background(), ToolContext{}, "echo", json.RawMessage(`{}`))
	require.ErrorContains(t, err, "missing required argument")
}

func TestRegistryToolErrorReturnsErrorPayload(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(echoTool{fail: true})

	payload, err := r.Dispatch(context.Background(), ToolContext{}, "echo", json.RawMessage(`{"text":"x"}`))
	require.NoError(t, err)
	var out map[string]string
	require.NoError(t, json.Unmarshal(payload, &out))
	require.Contains(t, out["error"], "permission")
}

func TestRegistrySchemasSorted(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(echoTool{})
	r.Register(NewFetchWebPage(nil))
	schemas := r.Schemas()
	require.Equal(t, "echo", schemas[0].Name)
	require.Equal(t, "fetch_web_page_content", schemas[1].Name)
}

func TestWebSearchCountsAndLimits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		require.Equal(t, "json", req.URL.Query().Get("format"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]string{
				{"title": "One", "url": "https://a.example", "content": "first"},
				{"title": "Two", "url": "https://b.example", "content": "second"},
				{"title": "Three", "url": "https://c.example", "content": "third"},
			},
		})
	}))
	defer srv.Close()

	ws := NewWebSearch(config.WebConfig{SearXNGURL: srv.URL, MaxResults: 5, MaxQueryLength: 350}, srv.Client(), nil)
	counted := 0
	tc := ToolContext{MissionID: "m1", CountWebSearch: func(context.Context) { counted++ }}

	out, err := ws.Call(context.Background(), tc, json.RawMessage(`{"query":"golang","max_results":2}`))
	require.NoError(t, err)
	require.Equal(t, 1, counted)
	results := out.(map[string]any)["results"].([]WebResult)
	require.Len(t, results, 2)
	require.Equal(t, "One", results[0].Title)
}

func TestDocumentSearchWithoutGroupIsNoop(t *testing.T) {
	ds := NewDocumentSearch(nil, 5)
	out, err := ds.Call(context.Background(), ToolContext{MissionID: "m1"}, json.RawMessage(`{"query":"x"}`))
	require.NoError(t, err)
	require.Empty(t, out.(map[string]any)["results"])
}

func TestReadFullDocumentEnforcesBasePath(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "doc.md"), []byte("# Doc"), 0o644))
	outside := filepath.Join(t.TempDir(), "secret.md")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o644))

	rd := NewReadFullDocument(base, time.Second)

	out, err := rd.Call(context.Background(), ToolContext{}, json.RawMessage(`{"filepath":"doc.md"}`))
	require.NoError(t, err)
	require.Equal(t, "# Doc", out.(map[string]any)["text"])

	_, err = rd.Call(context.Background(), ToolContext{}, mustJSON(t, map[string]string{"filepath": outside}))
	require.ErrorContains(t, err, "escapes")

	_, err = rd.Call(context.Background(), ToolContext{}, json.RawMessage(`{"filepath":"../doc.md"}`))
	require.Error(t, err)
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
