package mission

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"meridian/internal/events"
	"meridian/internal/llm"
)

func newTestManager(t *testing.T) (*Manager, *events.MemorySink) {
	t.Helper()
	sink := events.NewMemorySink(64)
	return NewManager(NewMemoryStore(), sink, 3), sink
}

func createMission(t *testing.T, m *Manager) string {
	t.Helper()
	id, err := m.CreateMission(context.Background(), "tell me about quantum computing", "chat1", map[string]any{
		"document_group_id": "dg1",
	})
	require.NoError(t, err)
	return id
}

func TestStatusTransitions(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	id := createMission(t, m)

	require.NoError(t, m.UpdateStatus(ctx, id, StatusPlanning))
	require.NoError(t, m.UpdateStatus(ctx, id, StatusResearching))
	require.NoError(t, m.UpdateStatus(ctx, id, StatusWriting))
	require.NoError(t, m.UpdateStatus(ctx, id, StatusCompleted))

	// Terminal states reject everything.
	err := m.UpdateStatus(ctx, id, StatusResearching)
	require.ErrorIs(t, err, ErrTerminalStatus)
}

func TestIllegalTransitionRejected(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	id := createMission(t, m)

	require.Error(t, m.UpdateStatus(ctx, id, StatusCompleted)) // pending -> completed is not legal
	require.NoError(t, m.UpdateStatus(ctx, id, StatusStopped)) // stop from anywhere
}

func TestPauseResume(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	id := createMission(t, m)

	require.NoError(t, m.UpdateStatus(ctx, id, StatusPlanning))
	require.NoError(t, m.UpdateStatus(ctx, id, StatusResearching))
	require.NoError(t, m.UpdateStatus(ctx, id, StatusPaused))
	require.NoError(t, m.UpdateStatus(ctx, id, StatusResearching))
}

func TestTerminalMissionRejectsMutations(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	id := createMission(t, m)
	require.NoError(t, m.UpdateStatus(ctx, id, StatusStopped))

	err := m.StoreNotes(ctx, id, []Note{{Content: "x", SourceType: SourceInternal, SourceID: "agent"}})
	require.ErrorIs(t, err, ErrTerminalStatus)
	err = m.StoreReportSection(ctx, id, "s1", "content")
	require.ErrorIs(t, err, ErrTerminalStatus)
	_, err = m.AddGoal(ctx, id, "brief, informal", "messenger")
	require.ErrorIs(t, err, ErrTerminalStatus)
}

func TestThoughtPadFIFO(t *testing.T) {
	m, _ := newTestManager(t) // limit 3
	ctx := context.Background()
	id := createMission(t, m)

	for i := 0; i < 5; i++ {
		require.NoError(t, m.AddThought(ctx, id, "research", fmt.Sprintf("thought %d", i)))
	}
	thoughts, err := m.GetThoughts(ctx, id)
	require.NoError(t, err)
	require.Len(t, thoughts, 3)
	require.Equal(t, "thought 2", thoughts[0].Content)
	require.Equal(t, "thought 4", thoughts[2].Content)
}

func TestStatsAccumulateMonotonically(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	id := createMission(t, m)

	var want int64
	for i := 1; i <= 4; i++ {
		st, err := m.UpdateMissionStats(ctx, id, &llm.CallDetails{
			AgentMode:        "research",
			PromptTokens:     10 * i,
			CompletionTokens: i,
			NativeTokens:     11 * i,
			Cost:             0.001,
		})
		require.NoError(t, err)
		want += int64(10 * i)
		require.Equal(t, want, st.PromptTokens)
	}
	st, err := m.GetStats(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(100), st.PromptTokens)
	require.Equal(t, int64(4), st.PerAgent["research"].Calls)
	require.InDelta(t, 0.004, st.Cost, 1e-9)
}

func TestNotesStoreAndDiscard(t *testing.T) {
	m, sink := newTestManager(t)
	ctx := context.Background()
	id := createMission(t, m)

	notes := []Note{
		{ID: "n7", Content: "a", SourceType: SourceDocument, SourceID: "doc1", IsRelevant: true},
		{ID: "n9", Content: "b", SourceType: SourceWeb, SourceID: "https://example.org", IsRelevant: true},
		{ID: "n10", Content: "c", SourceType: SourceInternal, SourceID: "research", IsRelevant: true},
	}
	require.NoError(t, m.StoreNotes(ctx, id, notes))
	require.NoError(t, m.DiscardNotes(ctx, id, []string{"n7", "n9"}))

	got, err := m.GetNotes(ctx, id)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "n10", got[0].ID)

	var noteEvents int
	for _, ev := range sink.Tail(id) {
		if ev.Type == events.TypeNoteGenerated {
			noteEvents++
		}
	}
	require.Equal(t, 3, noteEvents)
}

func TestGoalLifecycle(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	id := createMission(t, m)

	g, err := m.AddGoal(ctx, id, "brief, informal", "messenger")
	require.NoError(t, err)
	active, err := m.GetActiveGoals(ctx, id)
	require.NoError(t, err)
	require.Len(t, active, 1)

	require.NoError(t, m.UpdateGoalStatus(ctx, id, g.ID, GoalAddressed))
	active, err = m.GetActiveGoals(ctx, id)
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestExecutionLogOrderedAndPublished(t *testing.T) {
	m, sink := newTestManager(t)
	ctx := context.Background()
	id := createMission(t, m)

	for i := 0; i < 3; i++ {
		m.LogExecutionStep(ctx, id, ExecutionStep{
			AgentName: "research",
			Action:    fmt.Sprintf("step %d", i),
			Status:    StepSuccess,
		})
	}
	log, err := m.GetExecutionLog(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, log, 3)
	require.Equal(t, "step 0", log[0].Action)
	require.Equal(t, "step 2", log[2].Action)

	var logEvents int
	for _, ev := range sink.Tail(id) {
		if ev.Type == events.TypeExecutionLog {
			logEvents++
		}
	}
	require.Equal(t, 3, logEvents)
}

func TestOutlineHelpers(t *testing.T) {
	outline := []ReportSection{
		{ID: "intro", Title: "Introduction", Strategy: StrategyContentBased},
		{ID: "body", Title: "Body", Strategy: StrategySynthesize, Subsections: []ReportSection{
			{ID: "body-1", Title: "First", Strategy: StrategyResearchBased},
			{ID: "body-2", Title: "Second", Strategy: StrategyResearchBased},
		}},
	}
	require.Equal(t, 2, OutlineDepth(outline))
	require.NotNil(t, FindSection(outline, "body-2"))
	require.Nil(t, FindSection(outline, "nope"))

	var order []string
	WalkOutline(outline, func(s *ReportSection, _ int, _ *ReportSection) bool {
		order = append(order, s.ID)
		return true
	})
	require.Equal(t, []string{"intro", "body", "body-1", "body-2"}, order)
}
