package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"meridian/internal/llm"
	"meridian/internal/mission"
)

// scripted replays canned responses; content-addressed replies take priority
// over the sequential script when a request contains their key.
type scripted struct {
	replies  []string
	keyed    map[string]string
	calls    int
	requests []llm.Call
}

func (s *scripted) Dispatch(_ context.Context, call llm.Call) (*llm.ChatResponse, *llm.CallDetails, error) {
	s.requests = append(s.requests, call)
	content := ""
	if len(call.Messages) > 0 {
		content = call.Messages[len(call.Messages)-1].Content
	}
	for key, reply := range s.keyed {
		if key != "" && containsStr(content, key) {
			s.calls++
			return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: reply}},
				&llm.CallDetails{AgentMode: call.AgentMode, TotalTokens: 7}, nil
		}
	}
	i := s.calls
	s.calls++
	reply := ""
	if i < len(s.replies) {
		reply = s.replies[i]
	}
	return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: reply}},
		&llm.CallDetails{AgentMode: call.AgentMode, TotalTokens: 7}, nil
}

func containsStr(haystack, needle string) bool {
	return len(needle) > 0 && len(haystack) >= len(needle) && stringsIndex(haystack, needle) >= 0
}

func stringsIndex(h, n string) int {
	for i := 0; i+len(n) <= len(h); i++ {
		if h[i:i+len(n)] == n {
			return i
		}
	}
	return -1
}

func TestMessengerClassifiesStartResearch(t *testing.T) {
	d := &scripted{replies: []string{
		`{"intent":"start_research","extracted_content":"quantum computing","formatting_preferences":"brief, informal","response_to_user":"Starting research.","thoughts":"user wants brevity"}`,
	}}
	m := NewMessenger(d)

	out, details, scratch, err := m.Run(context.Background(), Call{MissionID: "m1"},
		"Tell me about quantum computing in brief, informal tone", nil, "", nil, "")
	require.NoError(t, err)
	require.Equal(t, IntentStartResearch, out.Intent)
	require.Equal(t, "quantum computing", out.ExtractedContent)
	require.Equal(t, "brief, informal", out.FormattingPreferences)
	require.Len(t, details, 1)
	require.Equal(t, "user wants brevity", scratch)
}

func TestMessengerUnknownIntentBecomesChat(t *testing.T) {
	d := &scripted{replies: []string{`{"intent":"something_else","response_to_user":"hi"}`}}
	m := NewMessenger(d)
	out, _, _, err := m.Run(context.Background(), Call{}, "hello", nil, "", nil, "")
	require.NoError(t, err)
	require.Equal(t, IntentChat, out.Intent)
}

func TestDispatchJSONRetriesMalformedThenFillsDefaults(t *testing.T) {
	d := &scripted{replies: []string{
		"this is not json",
		`{"intent":"chat","response_to_user":"ok"}`,
	}}
	m := NewMessenger(d)
	out, details, _, err := m.Run(context.Background(), Call{}, "hello", nil, "", nil, "")
	require.NoError(t, err)
	require.Equal(t, IntentChat, out.Intent)
	require.Len(t, details, 2)
}

func TestPlanningInitialPlanValidatesOutline(t *testing.T) {
	d := &scripted{replies: []string{`{
		"mission_goal": "Explain quantum computing briefly",
		"report_outline": [
			{"title": "Introduction", "description": "Sets the stage for the report.", "research_strategy": "research_based"},
			{"title": "Core Concepts", "description": "Qubits, gates, and algorithms.", "research_strategy": "content_based"},
			{"title": "Conclusion", "description": "Wraps up the findings.", "research_strategy": "research_based"}
		],
		"generated_thought": "keep it short"
	}`}}
	p := NewPlanning(d, 2)

	plan, _, err := p.InitialPlan(context.Background(), Call{MissionID: "m1"}, "quantum computing", nil, "")
	require.NoError(t, err)
	require.Equal(t, mission.StrategyContentBased, plan.Outline[0].Strategy)
	require.Equal(t, mission.StrategyResearchBased, plan.Outline[1].Strategy)
	require.Equal(t, mission.StrategyContentBased, plan.Outline[2].Strategy)
	require.NotEmpty(t, plan.Outline[0].ID)
}

func TestPlanningEmptyOutlineIsFatal(t *testing.T) {
	d := &scripted{replies: []string{`{"mission_goal":"x","report_outline":[]}`, `{"report_outline":[]}`, `{}`}}
	p := NewPlanning(d, 2)
	_, _, err := p.InitialPlan(context.Background(), Call{}, "x", nil, "")
	require.ErrorIs(t, err, ErrNoOutline)
}

func TestPlanningAssignNotesPrunesUnknownIDs(t *testing.T) {
	d := &scripted{replies: []string{`{
		"report_outline": [
			{"section_id": "core", "title": "Core", "description": "Core topic analysis.", "research_strategy": "research_based", "associated_note_ids": ["n1", "ghost"]}
		]
	}`}}
	p := NewPlanning(d, 2)
	plan := mission.Plan{Outline: []mission.ReportSection{{ID: "core", Title: "Core", Description: "Core topic analysis.", Strategy: mission.StrategyResearchBased}}}
	notes := []mission.Note{{ID: "n1", Content: "fact", SourceType: mission.SourceDocument, SourceID: "d1"}}

	out, _, err := p.AssignNotes(context.Background(), Call{}, plan, notes)
	require.NoError(t, err)
	require.Equal(t, []string{"n1"}, out.Outline[0].AssociatedNoteIDs)
}

func TestReflectionFiltersDiscardIDs(t *testing.T) {
	d := &scripted{replies: []string{`{
		"overall_assessment": "thin evidence",
		"new_questions": ["What about X?"],
		"discard_note_ids": ["n7", "missing"]
	}`}}
	r := NewReflection(d)
	sec := mission.ReportSection{ID: "s", Title: "S", Description: "section"}
	notes := []mission.Note{{ID: "n7"}, {ID: "n9"}}

	out, _, err := r.Run(context.Background(), Call{}, sec, notes, nil, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"n7"}, out.DiscardNoteIDs)
	require.Equal(t, []string{"What about X?"}, out.NewQuestions)
}

func TestNoteAssignmentTopsUpToMinimum(t *testing.T) {
	d := &scripted{replies: []string{`{"section_id":"s1","relevant_note_ids":["n2"],"reasoning":"best fit"}`}}
	na := NewNoteAssignment(d, 2, 5, 80)
	sec := mission.ReportSection{ID: "s1", Title: "S", Description: "section"}
	notes := []mission.Note{{ID: "n1"}, {ID: "n2"}, {ID: "n3"}}

	out, _, err := na.Run(context.Background(), Call{}, sec, notes, nil)
	require.NoError(t, err)
	require.Len(t, out.RelevantNoteIDs, 2)
	require.Contains(t, out.RelevantNoteIDs, "n2")
}

func TestWritingZeroNotesPlaceholder(t *testing.T) {
	w := NewWriting(&scripted{}, 2000)
	sec := mission.ReportSection{ID: "s", Title: "S", Description: "d", Strategy: mission.StrategyResearchBased}

	text, details, err := w.WriteSection(context.Background(), Call{}, WriteSectionInput{Section: sec})
	require.NoError(t, err)
	require.Equal(t, NoInformationPlaceholder, text)
	require.Empty(t, details) // no model call for the placeholder
}

func TestWritingStripsHeadersAndPrunesUncited(t *testing.T) {
	d := &scripted{replies: []string{"# Header\nQuantum computers use qubits [doc1][ghost]."}}
	w := NewWriting(d, 2000)
	sec := mission.ReportSection{ID: "s", Title: "S", Description: "d", Strategy: mission.StrategyResearchBased}
	notes := []mission.Note{{ID: "n1", Content: "c", SourceType: mission.SourceDocument, SourceID: "doc1"}}

	text, _, err := w.WriteSection(context.Background(), Call{}, WriteSectionInput{Section: sec, AssignedNotes: notes})
	require.NoError(t, err)
	require.NotContains(t, text, "# Header")
	require.Contains(t, text, "[doc1]")
	require.NotContains(t, text, "ghost")
}

func TestSortAdjacentCitations(t *testing.T) {
	require.Equal(t, "fact [1][2].", SortAdjacentCitations("fact [2][1]."))
	require.Equal(t, "fact [2][10][abc].", SortAdjacentCitations("fact [abc][10][2]."))
	require.Equal(t, "a [1] b [2]", SortAdjacentCitations("a [1] b [2]")) // non-adjacent untouched
	once := SortAdjacentCitations("x [9][3][doc2]")
	require.Equal(t, once, SortAdjacentCitations(once))
}

func TestAllowedCitationKeysInternalAggregates(t *testing.T) {
	notes := []mission.Note{
		{SourceType: mission.SourceInternal, SourceID: "research", SourceMetadata: map[string]any{
			"aggregated_original_sources": []any{"doc1", HashURL("https://a.example")},
		}},
	}
	keys := AllowedCitationKeys(notes)
	require.Contains(t, keys, "doc1")
	require.Contains(t, keys, HashURL("https://a.example"))
	require.NotContains(t, keys, "research")
}

func TestBuildContentWindows(t *testing.T) {
	// Two nearby hits merge into one window; a distant one stays separate.
	windows := buildContentWindows(10000, []span{
		{Start: 100, End: 200},
		{Start: 250, End: 350},
		{Start: 9000, End: 9100},
	}, 400, 4000)
	require.Len(t, windows, 2)
	require.LessOrEqual(t, windows[0].End-windows[0].Start, 800)
	require.GreaterOrEqual(t, windows[1].Start, 0)
	require.LessOrEqual(t, windows[1].End, 10000)
}

func TestBuildContentWindowsCapsTotal(t *testing.T) {
	var hits []span
	for i := 0; i < 50; i++ {
		hits = append(hits, span{Start: i * 2000, End: i*2000 + 100})
	}
	windows := buildContentWindows(200000, hits, 1000, 5000)
	total := 0
	for _, w := range windows {
		total += w.End - w.Start
	}
	require.LessOrEqual(t, total, 5000)
}
