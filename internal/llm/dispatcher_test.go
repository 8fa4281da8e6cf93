package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meridian/internal/config"
	"meridian/internal/events"
)

type scriptedProvider struct {
	name       string
	jsonSchema bool
	calls      int
	responses  []ChatResponse
	errs       []error
	lastReq    ChatRequest
}

func (p *scriptedProvider) Name() string             { return p.name }
func (p *scriptedProvider) SupportsJSONSchema() bool { return p.jsonSchema }

func (p *scriptedProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	p.lastReq = req
	i := p.calls
	p.calls++
	var err error
	if i < len(p.errs) {
		err = p.errs[i]
	}
	var resp ChatResponse
	if i < len(p.responses) {
		resp = p.responses[i]
	}
	return resp, err
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.LLM.MaxRetries = 3
	cfg.LLM.RetryDelay = time.Millisecond
	cfg.LLM.Tiers = map[config.ModelTier]config.TierConfig{
		config.TierMid: {Provider: "openai", Model: "test-model"},
	}
	cfg.LLM.Roles = map[string]config.RoleConfig{
		"default": {Type: config.TierMid, MaxTokens: 100},
	}
	return cfg
}

func testDispatcher(p Provider, status StatusFunc, sink events.Sink) *Dispatcher {
	cfg := testConfig()
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Dispatcher{
		cfg:       cfg.LLM,
		roles:     cfg,
		providers: map[config.ModelTier]Provider{config.TierMid: p},
		status:    status,
		sink:      sink,
		sleep:     func(time.Duration) {},
	}
}

func TestDispatchSuccess(t *testing.T) {
	p := &scriptedProvider{name: "openai", jsonSchema: true, responses: []ChatResponse{
		{Message: Message{Role: "assistant", Content: "hello"}, Usage: Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
	}}
	sink := events.NewMemorySink(8)
	d := testDispatcher(p, nil, sink)

	resp, details, err := d.Dispatch(context.Background(), Call{
		AgentMode: "research",
		MissionID: "m1",
		Messages:  []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	require.Equal(t, "hello", resp.Message.Content)
	require.Equal(t, 15, details.TotalTokens)
	require.Equal(t, 1, details.Attempts)

	tail := sink.Tail("m1")
	require.Len(t, tail, 1)
	require.Equal(t, events.TypeModelCallDetails, tail[0].Type)
}

func TestDispatchRetriesEmptyThenSucceeds(t *testing.T) {
	p := &scriptedProvider{name: "openai", jsonSchema: true, responses: []ChatResponse{
		{}, // empty: retried
		{Message: Message{Role: "assistant", Content: "ok"}, Usage: Usage{TotalTokens: 3}},
	}}
	d := testDispatcher(p, nil, nil)

	resp, details, err := d.Dispatch(context.Background(), Call{AgentMode: "research"})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Message.Content)
	require.Equal(t, 2, details.Attempts)
}

func TestDispatchNoRetryOn4xx(t *testing.T) {
	p := &scriptedProvider{name: "openai", jsonSchema: true, errs: []error{
		&StatusError{StatusCode: 400, Body: "bad request"},
	}}
	d := testDispatcher(p, nil, nil)

	_, _, err := d.Dispatch(context.Background(), Call{AgentMode: "research"})
	require.Error(t, err)
	require.Equal(t, 1, p.calls)
}

func TestDispatchRetriesRateLimit(t *testing.T) {
	p := &scriptedProvider{name: "openai", jsonSchema: true,
		errs: []error{
			&StatusError{StatusCode: 429, Body: "rate limited"},
			&StatusError{StatusCode: 429, Body: "rate limited"},
		},
		responses: []ChatResponse{{}, {}, {Message: Message{Role: "assistant", Content: "done"}}},
	}
	d := testDispatcher(p, nil, nil)

	resp, _, err := d.Dispatch(context.Background(), Call{AgentMode: "research"})
	require.NoError(t, err)
	require.Equal(t, "done", resp.Message.Content)
	require.Equal(t, 3, p.calls)
}

func TestDispatchCancelledMission(t *testing.T) {
	p := &scriptedProvider{name: "openai", jsonSchema: true}
	status := func(_ context.Context, id string) (string, error) { return "stopped", nil }
	d := testDispatcher(p, status, nil)

	_, _, err := d.Dispatch(context.Background(), Call{AgentMode: "research", MissionID: "m1"})
	require.ErrorIs(t, err, ErrMissionCancelled)
	require.Zero(t, p.calls)
}

func TestDispatchSchemaFallbackToObjectMode(t *testing.T) {
	p := &scriptedProvider{name: "openai", jsonSchema: true,
		errs: []error{
			&StatusError{StatusCode: 400, Body: "response_format json_schema is not supported"},
		},
		responses: []ChatResponse{{}, {Message: Message{Role: "assistant", Content: `{"x":1}`}}},
	}
	d := testDispatcher(p, nil, nil)

	schema := map[string]any{"type": "object", "properties": map[string]any{"x": map[string]any{"type": "integer"}}}
	resp, _, err := d.Dispatch(context.Background(), Call{
		AgentMode:      "research",
		Messages:       []Message{{Role: "user", Content: "go"}},
		ResponseFormat: &ResponseFormat{Type: "json_schema", Name: "out", Schema: schema},
	})
	require.NoError(t, err)
	require.Equal(t, `{"x":1}`, resp.Message.Content)
	require.Equal(t, "json_object", p.lastReq.ResponseFormat.Type)
	// The schema moved into a system message.
	require.Equal(t, "system", p.lastReq.Messages[0].Role)
	require.Contains(t, p.lastReq.Messages[0].Content, "JSON schema")
}

func TestDispatchSchemaInjectedForNonSupportingProvider(t *testing.T) {
	p := &scriptedProvider{name: "anthropic", jsonSchema: false, responses: []ChatResponse{
		{Message: Message{Role: "assistant", Content: `{}`}},
	}}
	d := testDispatcher(p, nil, nil)

	_, _, err := d.Dispatch(context.Background(), Call{
		AgentMode:      "research",
		Messages:       []Message{{Role: "user", Content: "go"}},
		ResponseFormat: &ResponseFormat{Type: "json_schema", Schema: map[string]any{"type": "object"}},
	})
	require.NoError(t, err)
	require.Equal(t, "json_object", p.lastReq.ResponseFormat.Type)
}
