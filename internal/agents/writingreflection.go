package agents

import (
	"context"

	"meridian/internal/agents/prompts"
	"meridian/internal/llm"
	"meridian/internal/mission"
)

// ChangeSuggestion is one concrete revision request for a drafted section.
type ChangeSuggestion struct {
	SectionID        string `json:"section_id"`
	IssueDescription string `json:"issue_description"`
	SuggestedChange  string `json:"suggested_change"`
	Priority         int    `json:"priority"`
}

// WritingReflectionOutput is the draft critique.
type WritingReflectionOutput struct {
	OverallAssessment string             `json:"overall_assessment"`
	ChangeSuggestions []ChangeSuggestion `json:"change_suggestions"`
	ScratchpadUpdate  string             `json:"scratchpad_update"`
	GeneratedThought  string             `json:"generated_thought"`
}

// WritingReflection reviews drafted sections between writing passes.
type WritingReflection struct {
	dispatcher Dispatcher
}

func NewWritingReflection(d Dispatcher) *WritingReflection {
	return &WritingReflection{dispatcher: d}
}

// Run critiques one drafted section.
func (a *WritingReflection) Run(ctx context.Context, call Call, section mission.ReportSection, draft string, notes []mission.Note, goals []mission.GoalEntry) (*WritingReflectionOutput, []llm.CallDetails, error) {
	prompt, err := prompts.Render("writing_reflection", map[string]any{
		"SectionID":          section.ID,
		"SectionTitle":       section.Title,
		"SectionDescription": section.Description,
		"Draft":              draft,
		"Notes":              formatNotes(notes),
		"Goals":              formatGoals(goals),
	})
	if err != nil {
		return nil, nil, err
	}
	var out WritingReflectionOutput
	details, err := dispatchJSON(ctx, a.dispatcher, llm.Call{
		AgentMode:      "writing_reflection",
		MissionID:      call.MissionID,
		Messages:       []llm.Message{{Role: "user", Content: prompt}},
		ResponseFormat: &llm.ResponseFormat{Type: "json_object"},
	}, &out)
	if err != nil {
		return &WritingReflectionOutput{}, details, err
	}
	for i := range out.ChangeSuggestions {
		if out.ChangeSuggestions[i].SectionID == "" {
			out.ChangeSuggestions[i].SectionID = section.ID
		}
	}
	return &out, details, nil
}
