package queryprep

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"meridian/internal/llm"
)

type scriptedDispatcher struct {
	replies []string
	errs    []error
	calls   int
}

func (d *scriptedDispatcher) Dispatch(_ context.Context, _ llm.Call) (*llm.ChatResponse, *llm.CallDetails, error) {
	i := d.calls
	d.calls++
	if i < len(d.errs) && d.errs[i] != nil {
		return nil, nil, d.errs[i]
	}
	reply := ""
	if i < len(d.replies) {
		reply = d.replies[i]
	}
	return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: reply}},
		&llm.CallDetails{AgentMode: agentMode, TotalTokens: 10}, nil
}

func TestPrepareQueriesDedupesPreservingOrder(t *testing.T) {
	d := &scriptedDispatcher{replies: []string{
		`{"queries": ["quantum computing basics"]}`,
		`{"queries": ["what is a qubit", "Quantum Computing Basics", "how do quantum gates work"]}`,
	}}
	p := New(d, 3)

	queries, details, err := p.PrepareQueries(context.Background(), "m1", "tell me about quantum computing",
		[]Technique{ZeroShotRewrite, SubQuery}, "")
	require.NoError(t, err)
	require.Equal(t, []string{"quantum computing basics", "what is a qubit", "how do quantum gates work"}, queries)
	require.Len(t, details, 2)
}

func TestPrepareQueriesFallsBackToOriginal(t *testing.T) {
	d := &scriptedDispatcher{replies: []string{"not json at all"}}
	p := New(d, 3)

	queries, _, err := p.PrepareQueries(context.Background(), "m1", "original query", []Technique{ZeroShotRewrite}, "")
	require.NoError(t, err)
	require.Equal(t, []string{"original query"}, queries)
}

func TestStepBackKeepsSingleQuery(t *testing.T) {
	d := &scriptedDispatcher{replies: []string{
		`{"queries": ["broad question", "second answer that should be dropped"]}`,
	}}
	p := New(d, 3)

	queries, _, err := p.PrepareQueries(context.Background(), "m1", "narrow question", []Technique{StepBack}, "")
	require.NoError(t, err)
	require.Equal(t, []string{"broad question"}, queries)
}

func TestRefineLongQueryAtLimitPassesUnchanged(t *testing.T) {
	p := New(&scriptedDispatcher{}, 3)
	q := strings.Repeat("a", 350)

	out, details, err := p.RefineLongQuery(context.Background(), "m1", q, 350)
	require.NoError(t, err)
	require.Equal(t, q, out)
	require.Empty(t, details)
}

func TestRefineLongQueryUsesLLM(t *testing.T) {
	d := &scriptedDispatcher{replies: []string{"short refined query"}}
	p := New(d, 3)
	q := strings.Repeat("word ", 100) // 500 chars

	out, details, err := p.RefineLongQuery(context.Background(), "m1", q, 350)
	require.NoError(t, err)
	require.Equal(t, "short refined query", out)
	require.Len(t, details, 1)
}

func TestRefineLongQueryTruncatesAfterThreeAttempts(t *testing.T) {
	long := strings.Repeat("word ", 120)
	d := &scriptedDispatcher{replies: []string{long, long, long}}
	p := New(d, 3)

	out, _, err := p.RefineLongQuery(context.Background(), "m1", long, 100)
	require.NoError(t, err)
	require.Equal(t, 3, d.calls)
	require.LessOrEqual(t, len(out), 100)
	require.True(t, strings.HasSuffix(out, "..."))
	// Word-boundary cut: no partial word before the ellipsis.
	require.False(t, strings.HasSuffix(strings.TrimSuffix(out, "..."), "wor"))
}

func TestExtractJSONStripsFences(t *testing.T) {
	raw := "Here you go:\n```json\n{\"queries\": [\"x\"]}\n```"
	require.JSONEq(t, `{"queries":["x"]}`, extractJSON(raw))
}
