package agents

import (
	"context"
	"fmt"
	"strings"

	"meridian/internal/agents/prompts"
	"meridian/internal/llm"
	"meridian/internal/mission"
)

// Intent is the messenger's classification of a user message.
type Intent string

const (
	IntentStartResearch    Intent = "start_research"
	IntentRefineQuestions  Intent = "refine_questions"
	IntentRefineGoal       Intent = "refine_goal"
	IntentApproveQuestions Intent = "approve_questions"
	IntentChat             Intent = "chat"
)

// MessengerOutput is the strictly-typed messenger result.
type MessengerOutput struct {
	Intent                Intent `json:"intent"`
	ExtractedContent      string `json:"extracted_content"`
	FormattingPreferences string `json:"formatting_preferences"`
	ResponseToUser        string `json:"response_to_user"`
	Thoughts              string `json:"thoughts"`
}

// Messenger classifies user messages and drives phase transitions.
type Messenger struct {
	dispatcher Dispatcher
}

func NewMessenger(d Dispatcher) *Messenger { return &Messenger{dispatcher: d} }

var messengerSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"intent": map[string]any{
			"type": "string",
			"enum": []string{"start_research", "refine_questions", "refine_goal", "approve_questions", "chat"},
		},
		"extracted_content":      map[string]any{"type": "string"},
		"formatting_preferences": map[string]any{"type": "string"},
		"response_to_user":       map[string]any{"type": "string"},
		"thoughts":               map[string]any{"type": "string"},
	},
	"required":             []string{"intent", "response_to_user"},
	"additionalProperties": false,
}

// Run classifies one user message. History is rendered most-recent-last.
func (a *Messenger) Run(ctx context.Context, call Call, userMessage string, history []string, missionSummary string, thoughts []mission.ThoughtEntry, scratchpad string) (*MessengerOutput, []llm.CallDetails, string, error) {
	prompt, err := prompts.Render("messenger", map[string]any{
		"UserMessage":    userMessage,
		"History":        formatHistory(history),
		"MissionSummary": orNone(missionSummary),
		"Thoughts":       formatThoughts(thoughts),
		"Scratchpad":     orNone(scratchpad),
	})
	if err != nil {
		return nil, nil, scratchpad, err
	}
	var out MessengerOutput
	details, err := dispatchJSON(ctx, a.dispatcher, llm.Call{
		AgentMode: "messenger",
		MissionID: call.MissionID,
		Messages: []llm.Message{
			{Role: "user", Content: prompt},
		},
		ResponseFormat: &llm.ResponseFormat{Type: "json_schema", Name: "messenger_output", Schema: messengerSchema},
	}, &out)
	if err != nil {
		return nil, details, scratchpad, err
	}
	switch out.Intent {
	case IntentStartResearch, IntentRefineQuestions, IntentRefineGoal, IntentApproveQuestions, IntentChat:
	default:
		out.Intent = IntentChat
	}
	newScratch := scratchpad
	if strings.TrimSpace(out.Thoughts) != "" {
		newScratch = out.Thoughts
	}
	return &out, details, newScratch, nil
}

func formatHistory(history []string) string {
	if len(history) == 0 {
		return "(empty)"
	}
	var b strings.Builder
	for _, h := range history {
		fmt.Fprintf(&b, "%s\n", h)
	}
	return strings.TrimRight(b.String(), "\n")
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}
