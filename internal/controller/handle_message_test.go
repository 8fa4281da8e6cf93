package controller

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"meridian/internal/llm"
	"meridian/internal/mission"
)

// messengerDispatcher answers messenger calls by sniffing the embedded user
// message; everything else falls through to the shared fake.
type messengerDispatcher struct {
	fakeDispatcher
}

func (f *messengerDispatcher) Dispatch(ctx context.Context, call llm.Call) (*llm.ChatResponse, *llm.CallDetails, error) {
	if call.AgentMode == "messenger" {
		prompt := call.Messages[len(call.Messages)-1].Content
		details := &llm.CallDetails{AgentMode: "messenger", TotalTokens: 5}
		switch {
		case strings.Contains(prompt, "Tell me about quantum computing"):
			return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: `{
				"intent": "start_research",
				"extracted_content": "quantum computing",
				"formatting_preferences": "brief, informal",
				"response_to_user": "On it.",
				"thoughts": "wants a short report"
			}`}}, details, nil
		case strings.Contains(prompt, "questions look good"):
			return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: `{
				"intent": "approve_questions",
				"response_to_user": "Starting the research now."
			}`}}, details, nil
		}
	}
	return f.fakeDispatcher.Dispatch(ctx, call)
}

func TestStartResearchIntentCreatesMissionAndGoal(t *testing.T) {
	d := &messengerDispatcher{}
	c, mgr, _ := newTestController(t, d)
	ctx := context.Background()

	reply, err := c.HandleUserMessage(ctx, "", "Tell me about quantum computing in brief, informal tone", nil,
		map[string]any{"document_group_id": "dg1"})
	require.NoError(t, err)
	require.NotEmpty(t, reply.MissionID)
	require.False(t, reply.ResearchStarted)

	snap, err := mgr.Get(ctx, reply.MissionID)
	require.NoError(t, err)
	require.Equal(t, "quantum computing", snap.Mission.UserRequest)
	require.Equal(t, mission.StatusPending, snap.Mission.Status)

	goals, err := mgr.GetActiveGoals(ctx, reply.MissionID)
	require.NoError(t, err)
	require.Len(t, goals, 1)
	require.Equal(t, "brief, informal", goals[0].Text)

	require.Len(t, proposedQuestions(snap.Mission.Metadata), 3)
}

func TestApproveQuestionsAdvancesWithoutFurtherInput(t *testing.T) {
	d := &messengerDispatcher{}
	c, mgr, _ := newTestController(t, d)
	ctx := context.Background()

	reply, err := c.HandleUserMessage(ctx, "", "Tell me about quantum computing in brief, informal tone", nil, nil)
	require.NoError(t, err)
	id := reply.MissionID

	reply2, err := c.HandleUserMessage(ctx, id, "Yes, those questions look good, let's proceed", nil, nil)
	require.NoError(t, err)
	require.True(t, reply2.ResearchStarted)

	status, err := mgr.GetStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, mission.StatusPlanning, status)

	// The approved mission then runs end to end.
	require.NoError(t, c.RunMission(ctx, id))
	status, _ = mgr.GetStatus(ctx, id)
	require.Equal(t, mission.StatusCompleted, status)
}
