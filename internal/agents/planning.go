package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"meridian/internal/agents/prompts"
	"meridian/internal/llm"
	"meridian/internal/mission"
	"meridian/internal/observability"
	"meridian/internal/outline"
)

// ErrNoOutline is returned when no usable outline can be produced even after
// the reflective refinement loop. The controller treats it as fatal.
var ErrNoOutline = errors.New("planning: unable to produce an outline")

// maxOutlineReflections bounds reflective refinement passes per plan.
const maxOutlineReflections = 3

// Planning drafts, annotates, and revises the report outline.
type Planning struct {
	dispatcher Dispatcher
	maxDepth   int
}

func NewPlanning(d Dispatcher, maxDepth int) *Planning {
	if maxDepth < 1 {
		maxDepth = 2
	}
	return &Planning{dispatcher: d, maxDepth: maxDepth}
}

type planPayload struct {
	MissionGoal      string                  `json:"mission_goal"`
	ReportOutline    []mission.ReportSection `json:"report_outline"`
	GeneratedThought string                  `json:"generated_thought"`
}

// InitialPlan (phase 1) drafts the mission goal and first outline from the
// request and the initial exploration notes.
func (a *Planning) InitialPlan(ctx context.Context, call Call, userRequest string, goals []mission.GoalEntry, initialContext string) (*mission.Plan, []llm.CallDetails, error) {
	prompt, err := prompts.Render("planning_initial", map[string]any{
		"UserRequest":    userRequest,
		"Goals":          formatGoals(goals),
		"InitialContext": initialContext,
		"MaxDepth":       a.maxDepth,
	})
	if err != nil {
		return nil, nil, err
	}
	var payload planPayload
	details, err := dispatchJSON(ctx, a.dispatcher, llm.Call{
		AgentMode: "planning",
		MissionID: call.MissionID,
		Messages:  []llm.Message{{Role: "user", Content: prompt}},
		ResponseFormat: &llm.ResponseFormat{
			Type: "json_object",
		},
	}, &payload)
	if err != nil {
		return nil, details, err
	}
	plan, moreDetails, err := a.finalize(ctx, call, payload)
	details = append(details, moreDetails...)
	return plan, details, err
}

// AssignNotes (phase 2) fills associated_note_ids across the outline.
func (a *Planning) AssignNotes(ctx context.Context, call Call, plan mission.Plan, notes []mission.Note) (*mission.Plan, []llm.CallDetails, error) {
	outlineJSON, err := json.MarshalIndent(plan.Outline, "", "  ")
	if err != nil {
		return nil, nil, err
	}
	prompt, err := prompts.Render("planning_assign", map[string]any{
		"OutlineJSON": string(outlineJSON),
		"Notes":       formatNotes(notes),
	})
	if err != nil {
		return nil, nil, err
	}
	var payload planPayload
	details, err := dispatchJSON(ctx, a.dispatcher, llm.Call{
		AgentMode:      "planning",
		MissionID:      call.MissionID,
		Messages:       []llm.Message{{Role: "user", Content: prompt}},
		ResponseFormat: &llm.ResponseFormat{Type: "json_object"},
	}, &payload)
	if err != nil || len(payload.ReportOutline) == 0 {
		// Keep the plan usable: assignment failure degrades to no note ids.
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("note assignment pass failed; keeping outline without note ids")
		cp := plan
		return &cp, details, nil
	}
	valid := validNoteIDs(notes)
	pruneUnknownNoteIDs(payload.ReportOutline, valid)
	out := plan
	out.Outline = payload.ReportOutline
	validated, _ := outline.Validate(out.Outline, a.maxDepth)
	out.Outline = validated
	return &out, details, nil
}

// Revise (phase 3) rewrites the outline given revision context collected
// between research rounds.
func (a *Planning) Revise(ctx context.Context, call Call, plan mission.Plan, revisionContext string) (*mission.Plan, []llm.CallDetails, error) {
	outlineJSON, err := json.MarshalIndent(plan.Outline, "", "  ")
	if err != nil {
		return nil, nil, err
	}
	prompt, err := prompts.Render("planning_revise", map[string]any{
		"OutlineJSON":     string(outlineJSON),
		"RevisionContext": revisionContext,
	})
	if err != nil {
		return nil, nil, err
	}
	var payload planPayload
	details, err := dispatchJSON(ctx, a.dispatcher, llm.Call{
		AgentMode:      "planning",
		MissionID:      call.MissionID,
		Messages:       []llm.Message{{Role: "user", Content: prompt}},
		ResponseFormat: &llm.ResponseFormat{Type: "json_object"},
	}, &payload)
	if err != nil {
		return nil, details, err
	}
	if payload.MissionGoal == "" {
		payload.MissionGoal = plan.MissionGoal
	}
	revised, moreDetails, err := a.finalize(ctx, call, payload)
	details = append(details, moreDetails...)
	if err != nil {
		// A failed revision keeps the previous plan.
		cp := plan
		return &cp, details, nil
	}
	return revised, details, nil
}

// finalize runs the programmatic validator and, when structural warnings
// remain, up to maxOutlineReflections reflective passes.
func (a *Planning) finalize(ctx context.Context, call Call, payload planPayload) (*mission.Plan, []llm.CallDetails, error) {
	log := observability.LoggerWithTrace(ctx)
	var details []llm.CallDetails
	if len(payload.ReportOutline) == 0 {
		return nil, details, ErrNoOutline
	}
	validated, rep := outline.Validate(payload.ReportOutline, a.maxDepth)
	for i := 0; i < maxOutlineReflections && len(rep.Warnings) > 0; i++ {
		log.Info().Strs("warnings", rep.Warnings).Int("pass", i+1).Msg("outline quality poor; reflective refinement")
		refined, d, err := a.reflectOnce(ctx, call, validated, rep)
		details = append(details, d...)
		if err != nil || len(refined) == 0 {
			break
		}
		validated, rep = outline.Validate(refined, a.maxDepth)
	}
	return &mission.Plan{
		MissionGoal:      payload.MissionGoal,
		Outline:          validated,
		GeneratedThought: payload.GeneratedThought,
	}, details, nil
}

func (a *Planning) reflectOnce(ctx context.Context, call Call, sections []mission.ReportSection, rep outline.Report) ([]mission.ReportSection, []llm.CallDetails, error) {
	outlineJSON, err := json.MarshalIndent(sections, "", "  ")
	if err != nil {
		return nil, nil, err
	}
	var reportText strings.Builder
	for _, w := range rep.Warnings {
		fmt.Fprintf(&reportText, "- %s\n", w)
	}
	prompt, err := prompts.Render("planning_reflect", map[string]any{
		"OutlineJSON": string(outlineJSON),
		"Report":      reportText.String(),
	})
	if err != nil {
		return nil, nil, err
	}
	var payload planPayload
	details, err := dispatchJSON(ctx, a.dispatcher, llm.Call{
		AgentMode:      "planning",
		MissionID:      call.MissionID,
		Messages:       []llm.Message{{Role: "user", Content: prompt}},
		ResponseFormat: &llm.ResponseFormat{Type: "json_object"},
	}, &payload)
	return payload.ReportOutline, details, err
}

func validNoteIDs(notes []mission.Note) map[string]struct{} {
	out := make(map[string]struct{}, len(notes))
	for _, n := range notes {
		out[n.ID] = struct{}{}
	}
	return out
}

func pruneUnknownNoteIDs(sections []mission.ReportSection, valid map[string]struct{}) {
	mission.WalkOutline(sections, func(s *mission.ReportSection, _ int, _ *mission.ReportSection) bool {
		kept := s.AssociatedNoteIDs[:0]
		for _, id := range s.AssociatedNoteIDs {
			if _, ok := valid[id]; ok {
				kept = append(kept, id)
			}
		}
		s.AssociatedNoteIDs = kept
		return true
	})
}
