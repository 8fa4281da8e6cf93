package controller

import (
	"context"
	"fmt"
	"strings"

	"meridian/internal/agents"
	"meridian/internal/mission"
	"meridian/internal/observability"
)

// FinalReportSectionID is the section id the assembled report is stored
// under in the mission store.
const FinalReportSectionID = "_final_report"

// writeReport traverses the outline in reading order: research_based leaves
// first (each with its revision passes), then synthesize_from_subsections
// intros in dependency order, then content_based sections which read all
// previous content.
func (c *Controller) writeReport(ctx context.Context, missionID string, plan *mission.Plan) error {
	call := c.agentCall(ctx, missionID)
	assignments, err := c.missions.GetNoteAssignments(ctx, missionID)
	if err != nil {
		return err
	}
	allNotes, err := c.missions.GetNotes(ctx, missionID)
	if err != nil {
		return err
	}
	notesByID := map[string]mission.Note{}
	for _, n := range allNotes {
		notesByID[n.ID] = n
	}

	var previous strings.Builder

	// Pass 1: research_based leaves, in reading order.
	var walkErr error
	mission.WalkOutline(plan.Outline, func(sec *mission.ReportSection, _ int, parent *mission.ReportSection) bool {
		if sec.Strategy != mission.StrategyResearchBased {
			return true
		}
		if walkErr = c.checkRunning(ctx, missionID); walkErr != nil {
			return false
		}
		parentTitle := ""
		if parent != nil {
			parentTitle = parent.Title
		}
		content, err := c.writeSectionWithPasses(ctx, missionID, call, *sec, parentTitle, plan.Outline, assignedNotes(*sec, assignments, notesByID), previous.String())
		if err != nil {
			walkErr = err
			return false
		}
		previous.WriteString(content)
		previous.WriteString("\n\n")
		return true
	})
	if walkErr != nil {
		return walkErr
	}

	// Pass 2: synthesized intros, children before parents.
	if err := c.writeSynthesizedSections(ctx, missionID, call, plan.Outline); err != nil {
		return err
	}

	// Pass 3: content_based sections read everything written so far.
	return c.writeContentBasedSections(ctx, missionID, call, plan)
}

// writeSectionWithPasses drafts one section and runs writing_passes-1
// reflection/revision cycles over it.
func (c *Controller) writeSectionWithPasses(ctx context.Context, missionID string, call agents.Call, sec mission.ReportSection, parentTitle string, outlineSecs []mission.ReportSection, notes []mission.Note, previousContent string) (string, error) {
	log := observability.LoggerWithTrace(ctx)
	goals, err := c.missions.GetActiveGoals(ctx, missionID)
	if err != nil {
		return "", err
	}
	thoughts, err := c.missions.GetThoughts(ctx, missionID)
	if err != nil {
		return "", err
	}

	in := agents.WriteSectionInput{
		Section:         sec,
		ParentTitle:     parentTitle,
		Outline:         outlineSecs,
		AssignedNotes:   notes,
		PreviousContent: previousContent,
		Goals:           goals,
		Thoughts:        thoughts,
	}
	content, details, err := c.writing.WriteSection(ctx, call, in)
	c.recordDetails(ctx, missionID, "writing", "write_section:"+sec.ID, details, err)
	if err != nil {
		return "", fmt.Errorf("write section %s: %w", sec.ID, err)
	}

	for pass := 1; pass < c.cfg.Research.WritingPasses; pass++ {
		if err := c.checkRunning(ctx, missionID); err != nil {
			return "", err
		}
		refl, details, err := c.writeRefl.Run(ctx, call, sec, content, notes, goals)
		c.recordDetails(ctx, missionID, "writing_reflection", fmt.Sprintf("reflect_draft:%s:pass%d", sec.ID, pass), details, err)
		if err != nil || len(refl.ChangeSuggestions) == 0 {
			break
		}
		if refl.GeneratedThought != "" {
			_ = c.missions.AddThought(ctx, missionID, "writing_reflection", refl.GeneratedThought)
		}
		suggestions := make([]string, 0, len(refl.ChangeSuggestions))
		for _, s := range refl.ChangeSuggestions {
			suggestions = append(suggestions, s.SuggestedChange)
		}
		in.CurrentDraft = content
		in.RevisionSuggestions = suggestions
		revised, details2, err := c.writing.WriteSection(ctx, call, in)
		c.recordDetails(ctx, missionID, "writing", fmt.Sprintf("revise_section:%s:pass%d", sec.ID, pass), details2, err)
		if err != nil {
			log.Warn().Err(err).Str("section", sec.ID).Msg("revision pass failed; keeping previous draft")
			break
		}
		content = revised
	}

	if err := c.missions.StoreReportSection(ctx, missionID, sec.ID, content); err != nil {
		return "", err
	}
	return content, nil
}

// writeSynthesizedSections fills parent sections bottom-up so every child is
// written before its parent's intro is synthesized.
func (c *Controller) writeSynthesizedSections(ctx context.Context, missionID string, call agents.Call, sections []mission.ReportSection) error {
	goals, err := c.missions.GetActiveGoals(ctx, missionID)
	if err != nil {
		return err
	}
	written, err := c.missions.GetReportSections(ctx, missionID)
	if err != nil {
		return err
	}
	var synth func(secs []mission.ReportSection) error
	synth = func(secs []mission.ReportSection) error {
		for i := range secs {
			if err := synth(secs[i].Subsections); err != nil {
				return err
			}
			if secs[i].Strategy != mission.StrategySynthesize {
				continue
			}
			if err := c.checkRunning(ctx, missionID); err != nil {
				return err
			}
			var children strings.Builder
			for _, child := range secs[i].Subsections {
				if content, ok := written[child.ID]; ok {
					fmt.Fprintf(&children, "%s\n%s\n\n", child.Title, content)
				}
			}
			intro, details, err := c.writing.SynthesizeIntro(ctx, call, secs[i], children.String(), goals)
			c.recordDetails(ctx, missionID, "writing", "synthesize_intro:"+secs[i].ID, details, err)
			if err != nil {
				return fmt.Errorf("synthesize intro %s: %w", secs[i].ID, err)
			}
			if err := c.missions.StoreReportSection(ctx, missionID, secs[i].ID, intro); err != nil {
				return err
			}
			written[secs[i].ID] = intro
		}
		return nil
	}
	return synth(sections)
}

// writeContentBasedSections writes intro/conclusion-style sections from the
// full previously-written content, in reading order.
func (c *Controller) writeContentBasedSections(ctx context.Context, missionID string, call agents.Call, plan *mission.Plan) error {
	goals, err := c.missions.GetActiveGoals(ctx, missionID)
	if err != nil {
		return err
	}
	thoughts, err := c.missions.GetThoughts(ctx, missionID)
	if err != nil {
		return err
	}
	written, err := c.missions.GetReportSections(ctx, missionID)
	if err != nil {
		return err
	}
	allContent := assembleBody(plan.Outline, written)

	var walkErr error
	mission.WalkOutline(plan.Outline, func(sec *mission.ReportSection, _ int, parent *mission.ReportSection) bool {
		if sec.Strategy != mission.StrategyContentBased {
			return true
		}
		if walkErr = c.checkRunning(ctx, missionID); walkErr != nil {
			return false
		}
		parentTitle := ""
		if parent != nil {
			parentTitle = parent.Title
		}
		content, details, err := c.writing.WriteSection(ctx, call, agents.WriteSectionInput{
			Section:         *sec,
			ParentTitle:     parentTitle,
			Outline:         plan.Outline,
			PreviousContent: allContent,
			Goals:           goals,
			Thoughts:        thoughts,
		})
		c.recordDetails(ctx, missionID, "writing", "write_section:"+sec.ID, details, err)
		if err != nil {
			walkErr = fmt.Errorf("write section %s: %w", sec.ID, err)
			return false
		}
		if err := c.missions.StoreReportSection(ctx, missionID, sec.ID, content); err != nil {
			walkErr = err
			return false
		}
		return true
	})
	return walkErr
}

// finalizeReport assembles the report in reading order, resolves citation
// placeholders into a numbered reference list, and stores the result.
func (c *Controller) finalizeReport(ctx context.Context, missionID string, plan *mission.Plan) error {
	written, err := c.missions.GetReportSections(ctx, missionID)
	if err != nil {
		return err
	}
	notes, err := c.missions.GetNotes(ctx, missionID)
	if err != nil {
		return err
	}
	var b strings.Builder
	if plan.MissionGoal != "" {
		fmt.Fprintf(&b, "# %s\n\n", plan.MissionGoal)
	}
	mission.WalkOutline(plan.Outline, func(sec *mission.ReportSection, depth int, _ *mission.ReportSection) bool {
		fmt.Fprintf(&b, "%s %s\n\n", strings.Repeat("#", depth+1), sec.Title)
		if content, ok := written[sec.ID]; ok && content != "" {
			b.WriteString(content)
			b.WriteString("\n\n")
		}
		return true
	})

	body, refs := FinalizeCitations(b.String(), buildSourceIndex(notes))
	if refSection := renderReferences(refs); refSection != "" {
		body += refSection + "\n"
	}
	return c.missions.StoreReportSection(ctx, missionID, FinalReportSectionID, strings.TrimSpace(body))
}

// assembleBody concatenates written sections in reading order.
func assembleBody(sections []mission.ReportSection, written map[string]string) string {
	var b strings.Builder
	mission.WalkOutline(sections, func(sec *mission.ReportSection, _ int, _ *mission.ReportSection) bool {
		if content, ok := written[sec.ID]; ok && content != "" {
			fmt.Fprintf(&b, "%s\n%s\n\n", sec.Title, content)
		}
		return true
	})
	return strings.TrimSpace(b.String())
}

// assignedNotes resolves a section's writing notes: the note assignment
// agent's choice when present, else the planner association.
func assignedNotes(sec mission.ReportSection, assignments map[string][]string, notesByID map[string]mission.Note) []mission.Note {
	ids := assignments[sec.ID]
	if len(ids) == 0 {
		ids = sec.AssociatedNoteIDs
	}
	out := make([]mission.Note, 0, len(ids))
	for _, id := range ids {
		if n, ok := notesByID[id]; ok {
			out = append(out, n)
		}
	}
	return out
}
