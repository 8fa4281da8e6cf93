package agents

import (
	"context"

	"meridian/internal/agents/prompts"
	"meridian/internal/llm"
	"meridian/internal/mission"
)

// ReflectionOutput is the per-section research critique.
type ReflectionOutput struct {
	OverallAssessment         string   `json:"overall_assessment"`
	NewQuestions              []string `json:"new_questions"`
	SuggestedSubsectionTopics []string `json:"suggested_subsection_topics"`
	ProposedModifications     []string `json:"proposed_modifications"`
	// SectionsNeedingReview is produced by the model but force-emptied by the
	// controller to prevent unbounded re-research loops.
	SectionsNeedingReview []string `json:"sections_needing_review"`
	CriticalIssuesSummary string   `json:"critical_issues_summary"`
	DiscardNoteIDs        []string `json:"discard_note_ids"`
	GeneratedThought      string   `json:"generated_thought"`
}

// Reflection critiques the evidence collected for one section.
type Reflection struct {
	dispatcher Dispatcher
}

func NewReflection(d Dispatcher) *Reflection { return &Reflection{dispatcher: d} }

// Run assesses a section's notes. On unrecoverable parse failure it returns a
// zero-valued output so the round can continue.
func (a *Reflection) Run(ctx context.Context, call Call, section mission.ReportSection, notes []mission.Note, goals []mission.GoalEntry, thoughts []mission.ThoughtEntry) (*ReflectionOutput, []llm.CallDetails, error) {
	prompt, err := prompts.Render("reflection", map[string]any{
		"SectionTitle":       section.Title,
		"SectionDescription": section.Description,
		"Notes":              formatNotes(notes),
		"Goals":              formatGoals(goals),
		"Thoughts":           formatThoughts(thoughts),
	})
	if err != nil {
		return nil, nil, err
	}
	var out ReflectionOutput
	details, err := dispatchJSON(ctx, a.dispatcher, llm.Call{
		AgentMode:      "reflection",
		MissionID:      call.MissionID,
		Messages:       []llm.Message{{Role: "user", Content: prompt}},
		ResponseFormat: &llm.ResponseFormat{Type: "json_object"},
	}, &out)
	if err != nil {
		return &ReflectionOutput{}, details, err
	}
	// Only discard notes that actually exist for this section's evidence set.
	valid := validNoteIDs(notes)
	kept := out.DiscardNoteIDs[:0]
	for _, id := range out.DiscardNoteIDs {
		if _, ok := valid[id]; ok {
			kept = append(kept, id)
		}
	}
	out.DiscardNoteIDs = kept
	return &out, details, nil
}
