package agents

import (
	"context"
	"sort"
	"strings"

	"meridian/internal/agents/prompts"
	"meridian/internal/llm"
	"meridian/internal/mission"
)

// AssignedNotes is the note selection for one section.
type AssignedNotes struct {
	SectionID       string   `json:"section_id"`
	RelevantNoteIDs []string `json:"relevant_note_ids"`
	Reasoning       string   `json:"reasoning"`
}

// NoteAssignment picks the notes each section is written from.
type NoteAssignment struct {
	dispatcher Dispatcher
	minNotes   int
	maxNotes   int
	poolLimit  int
}

func NewNoteAssignment(d Dispatcher, minNotes, maxNotes, poolLimit int) *NoteAssignment {
	if minNotes <= 0 {
		minNotes = 3
	}
	if maxNotes < minNotes {
		maxNotes = minNotes + 7
	}
	if poolLimit <= 0 {
		poolLimit = 80
	}
	return &NoteAssignment{dispatcher: d, minNotes: minNotes, maxNotes: maxNotes, poolLimit: poolLimit}
}

// Run selects notes for one section, biased against ids already used by
// previous sections. The note pool is capped to poolLimit entries, preferring
// notes the planner pre-associated with the section.
func (a *NoteAssignment) Run(ctx context.Context, call Call, section mission.ReportSection, allNotes []mission.Note, previouslyAssigned map[string]struct{}) (*AssignedNotes, []llm.CallDetails, error) {
	pool := a.buildPool(section, allNotes)
	prompt, err := prompts.Render("note_assignment", map[string]any{
		"SectionID":          section.ID,
		"SectionTitle":       section.Title,
		"SectionDescription": section.Description,
		"MinNotes":           a.minNotes,
		"MaxNotes":           a.maxNotes,
		"Notes":              formatNotes(pool),
		"PreviouslyAssigned": formatIDSet(previouslyAssigned),
	})
	if err != nil {
		return nil, nil, err
	}
	var out AssignedNotes
	details, err := dispatchJSON(ctx, a.dispatcher, llm.Call{
		AgentMode:      "note_assignment",
		MissionID:      call.MissionID,
		Messages:       []llm.Message{{Role: "user", Content: prompt}},
		ResponseFormat: &llm.ResponseFormat{Type: "json_object"},
	}, &out)
	if err != nil {
		return nil, details, err
	}
	out.SectionID = section.ID
	valid := validNoteIDs(pool)
	kept := out.RelevantNoteIDs[:0]
	for _, id := range out.RelevantNoteIDs {
		if _, ok := valid[id]; ok {
			kept = append(kept, id)
		}
	}
	out.RelevantNoteIDs = kept
	if len(out.RelevantNoteIDs) > a.maxNotes {
		out.RelevantNoteIDs = out.RelevantNoteIDs[:a.maxNotes]
	}
	// Top up from the planner's pre-association when the model under-selects.
	if len(out.RelevantNoteIDs) < a.minNotes {
		have := map[string]struct{}{}
		for _, id := range out.RelevantNoteIDs {
			have[id] = struct{}{}
		}
		for _, n := range pool {
			if len(out.RelevantNoteIDs) >= a.minNotes {
				break
			}
			if _, ok := have[n.ID]; !ok {
				out.RelevantNoteIDs = append(out.RelevantNoteIDs, n.ID)
			}
		}
	}
	return &out, details, nil
}

// buildPool caps the candidate set, keeping pre-associated notes first.
func (a *NoteAssignment) buildPool(section mission.ReportSection, allNotes []mission.Note) []mission.Note {
	pre := map[string]struct{}{}
	for _, id := range section.AssociatedNoteIDs {
		pre[id] = struct{}{}
	}
	pool := make([]mission.Note, 0, len(allNotes))
	var rest []mission.Note
	for _, n := range allNotes {
		if _, ok := pre[n.ID]; ok {
			pool = append(pool, n)
		} else {
			rest = append(rest, n)
		}
	}
	pool = append(pool, rest...)
	if len(pool) > a.poolLimit {
		pool = pool[:a.poolLimit]
	}
	return pool
}

func formatIDSet(ids map[string]struct{}) string {
	if len(ids) == 0 {
		return "(none)"
	}
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)
	return strings.Join(sorted, " ")
}
