package controller

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"meridian/internal/agents"
	"meridian/internal/mission"
	"meridian/internal/observability"
)

// initialExploration runs the question BFS, stores the gathered notes, and
// produces the first plan (planning phases 1 and 2).
func (c *Controller) initialExploration(ctx context.Context, missionID string) (*mission.Plan, error) {
	log := observability.LoggerWithTrace(ctx)
	snap, err := c.missions.Get(ctx, missionID)
	if err != nil {
		return nil, err
	}
	call := c.agentCall(ctx, missionID)
	goals := activeGoals(snap.Goals)

	questions := proposedQuestions(snap.Mission.Metadata)
	if len(questions) == 0 {
		qs, details, err := c.research.GenerateInitialQuestions(ctx, call, snap.Mission.UserRequest, goals)
		c.recordDetails(ctx, missionID, "research", "generate_initial_questions", details, err)
		if err != nil {
			return nil, err
		}
		questions = qs
	}

	r := c.cfg.Research
	opts := c.researchOptions(true)

	// BFS over questions: each explored question may contribute follow-ups,
	// consumed until the question budget runs out.
	type queued struct {
		question string
		depth    int
	}
	queue := make([]queued, 0, r.InitialResearchMaxQuestions)
	for _, q := range questions {
		queue = append(queue, queued{question: q, depth: 0})
	}
	explored := 0
	var exploredNotes []mission.Note
	for len(queue) > 0 && explored < r.InitialResearchMaxQuestions {
		item := queue[0]
		queue = queue[1:]
		explored++

		if err := c.checkRunning(ctx, missionID); err != nil {
			return nil, err
		}
		notes, subQuestions, scratchpad, details, err := c.research.ExploreQuestion(
			ctx, call, item.question, item.depth, r.InitialResearchMaxDepth, r.MaxQuestionsPerSection, opts)
		c.recordDetails(ctx, missionID, "research", "explore_question", details, err)
		if err != nil {
			return nil, err
		}
		if err := c.missions.StoreNotes(ctx, missionID, notes); err != nil {
			return nil, err
		}
		exploredNotes = append(exploredNotes, notes...)
		if scratchpad != "" {
			if err := c.missions.AddThought(ctx, missionID, "research", scratchpad); err != nil {
				log.Warn().Err(err).Msg("store exploration thought")
			}
		}
		for _, sq := range subQuestions {
			if len(queue)+explored < r.InitialResearchMaxQuestions {
				queue = append(queue, queued{question: sq, depth: item.depth + 1})
			}
		}
	}
	log.Info().Int("questions", explored).Int("notes", len(exploredNotes)).Msg("initial exploration complete")

	// Planning phase 1: outline from the request and exploration context.
	initialContext := summarizeNotes(exploredNotes, r.MaxPlanningContextChars)
	plan, details, err := c.planning.InitialPlan(ctx, call, snap.Mission.UserRequest, goals, initialContext)
	c.recordDetails(ctx, missionID, "planning", "initial_outline", details, err)
	if err != nil {
		return nil, err
	}
	if plan.GeneratedThought != "" {
		_ = c.missions.AddThought(ctx, missionID, "planning", plan.GeneratedThought)
	}

	// Planning phase 2: note assignment over the full note set.
	allNotes, err := c.missions.GetNotes(ctx, missionID)
	if err != nil {
		return nil, err
	}
	plan, details, err = c.planning.AssignNotes(ctx, call, *plan, allNotes)
	c.recordDetails(ctx, missionID, "planning", "assign_notes", details, err)
	if err != nil {
		return nil, err
	}
	if err := c.missions.StorePlan(ctx, missionID, *plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// structuredResearch runs the configured number of research+reflection rounds
// over every research_based section. Outline modifications proposed by
// reflection are applied between rounds, never within one.
func (c *Controller) structuredResearch(ctx context.Context, missionID string, plan *mission.Plan) (*mission.Plan, error) {
	log := observability.LoggerWithTrace(ctx)
	call := c.agentCall(ctx, missionID)
	r := c.cfg.Research
	opts := c.researchOptions(false)

	// Focus questions per section; the first round works from descriptions.
	focus := map[string][]string{}

	for round := 1; round <= r.StructuredResearchRounds; round++ {
		if err := c.checkRunning(ctx, missionID); err != nil {
			return plan, err
		}
		sections := researchSections(plan.Outline)
		log.Info().Int("round", round).Int("sections", len(sections)).Msg("structured research round")

		var mu sync.Mutex
		var modifications []string
		g, gctx := errgroup.WithContext(ctx)
		var acquireErr error
		for _, sec := range sections {
			if err := c.sem.Acquire(gctx, 1); err != nil {
				acquireErr = err
				break
			}
			g.Go(func() error {
				defer c.sem.Release(1)
				mods, err := c.researchOneSection(gctx, missionID, call, sec, focus[sec.ID], opts)
				if err != nil {
					return err
				}
				mu.Lock()
				modifications = append(modifications, mods.modifications...)
				if len(mods.newQuestions) > 0 {
					focus[sec.ID] = mods.newQuestions
				}
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return plan, err
		}
		if acquireErr != nil {
			return plan, acquireErr
		}

		// Between-round replanning; the final pass honors the skip flag.
		lastRound := round == r.StructuredResearchRounds
		if len(modifications) > 0 && (!lastRound || !r.SkipFinalReplanning) {
			revised, details, err := c.planning.Revise(ctx, call, *plan, strings.Join(modifications, "\n"))
			c.recordDetails(ctx, missionID, "planning", "revise_outline", details, err)
			if err == nil && revised != nil {
				plan = revised
				if err := c.missions.StorePlan(ctx, missionID, *plan); err != nil {
					return plan, err
				}
			}
		}
	}
	return plan, nil
}

type sectionRound struct {
	newQuestions  []string
	modifications []string
}

// researchOneSection is one (research, reflection) pair for one section
// within a round.
func (c *Controller) researchOneSection(ctx context.Context, missionID string, call agents.Call, sec mission.ReportSection, focusQuestions []string, opts agents.ResearchOptions) (sectionRound, error) {
	var out sectionRound

	notes, details, err := c.research.ResearchSection(ctx, call, sec, focusQuestions, opts)
	c.recordDetails(ctx, missionID, "research", "research_section:"+sec.ID, details, err)
	if err != nil {
		return out, err
	}
	if err := c.missions.StoreNotes(ctx, missionID, notes); err != nil {
		return out, err
	}

	sectionNotes, err := c.sectionNotes(ctx, missionID, sec)
	if err != nil {
		return out, err
	}
	goals, err := c.missions.GetActiveGoals(ctx, missionID)
	if err != nil {
		return out, err
	}
	thoughts, err := c.missions.GetThoughts(ctx, missionID)
	if err != nil {
		return out, err
	}

	refl, details, err := c.reflection.Run(ctx, call, sec, sectionNotes, goals, thoughts)
	c.recordDetails(ctx, missionID, "reflection", "reflect_section:"+sec.ID, details, err)
	if err != nil {
		// Reflection failure degrades to no corrections for this round.
		return out, nil
	}
	// Bounded re-research of flagged sections is an open policy choice;
	// the signal is dropped to prevent unbounded loops.
	refl.SectionsNeedingReview = nil

	if err := c.missions.DiscardNotes(ctx, missionID, refl.DiscardNoteIDs); err != nil {
		return out, err
	}
	if refl.GeneratedThought != "" {
		_ = c.missions.AddThought(ctx, missionID, "reflection", refl.GeneratedThought)
	}
	out.newQuestions = capStrings(refl.NewQuestions, c.cfg.Research.MaxQuestionsPerSection)
	out.modifications = refl.ProposedModifications
	if refl.CriticalIssuesSummary != "" {
		out.modifications = append(out.modifications, refl.CriticalIssuesSummary)
	}
	return out, nil
}

// assignNotes runs the note assignment agent per section, biased against
// re-using already-assigned ids, and records the assignment.
func (c *Controller) assignNotes(ctx context.Context, missionID string, plan *mission.Plan) error {
	call := c.agentCall(ctx, missionID)
	allNotes, err := c.missions.GetNotes(ctx, missionID)
	if err != nil {
		return err
	}
	if len(allNotes) == 0 {
		return nil
	}
	assigned := map[string]struct{}{}
	for _, sec := range researchSections(plan.Outline) {
		if err := c.checkRunning(ctx, missionID); err != nil {
			return err
		}
		res, details, err := c.assignment.Run(ctx, call, sec, allNotes, assigned)
		c.recordDetails(ctx, missionID, "note_assignment", "assign:"+sec.ID, details, err)
		if err != nil {
			// Fall back to the planner's association for this section.
			res = &agents.AssignedNotes{SectionID: sec.ID, RelevantNoteIDs: sec.AssociatedNoteIDs}
		}
		if err := c.missions.RecordNoteAssignment(ctx, missionID, sec.ID, res.RelevantNoteIDs); err != nil {
			return err
		}
		for _, id := range res.RelevantNoteIDs {
			assigned[id] = struct{}{}
		}
	}
	return nil
}

// sectionNotes returns the mission notes currently attached to one section,
// via the planner association or the research pass's potential_sections.
func (c *Controller) sectionNotes(ctx context.Context, missionID string, sec mission.ReportSection) ([]mission.Note, error) {
	all, err := c.missions.GetNotes(ctx, missionID)
	if err != nil {
		return nil, err
	}
	associated := map[string]struct{}{}
	for _, id := range sec.AssociatedNoteIDs {
		associated[id] = struct{}{}
	}
	var out []mission.Note
	for _, n := range all {
		if _, ok := associated[n.ID]; ok {
			out = append(out, n)
			continue
		}
		for _, sid := range n.PotentialSections {
			if sid == sec.ID {
				out = append(out, n)
				break
			}
		}
	}
	return out, nil
}

// researchSections lists research_based sections in reading order.
func researchSections(outlineSecs []mission.ReportSection) []mission.ReportSection {
	var out []mission.ReportSection
	mission.WalkOutline(outlineSecs, func(s *mission.ReportSection, _ int, _ *mission.ReportSection) bool {
		if s.Strategy == mission.StrategyResearchBased {
			out = append(out, *s)
		}
		return true
	})
	return out
}

func proposedQuestions(meta map[string]any) []string {
	switch raw := meta["proposed_questions"].(type) {
	case []string:
		return raw
	case []any:
		out := make([]string, 0, len(raw))
		for _, item := range raw {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func activeGoals(goals []mission.GoalEntry) []mission.GoalEntry {
	out := goals[:0]
	for _, g := range goals {
		if g.Status == mission.GoalActive {
			out = append(out, g)
		}
	}
	return out
}

func summarizeNotes(notes []mission.Note, limit int) string {
	var b strings.Builder
	for _, n := range notes {
		fmt.Fprintf(&b, "- %s\n", n.Content)
		if limit > 0 && b.Len() > limit {
			break
		}
	}
	s := b.String()
	if limit > 0 && len(s) > limit {
		s = s[:limit]
	}
	return strings.TrimSpace(s)
}

func capStrings(in []string, limit int) []string {
	if limit > 0 && len(in) > limit {
		return in[:limit]
	}
	return in
}
