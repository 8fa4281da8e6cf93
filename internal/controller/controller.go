package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/semaphore"

	"meridian/internal/agents"
	"meridian/internal/config"
	"meridian/internal/events"
	"meridian/internal/llm"
	"meridian/internal/mission"
	"meridian/internal/observability"
	"meridian/internal/tools"
)

// errHalted signals a cooperative stop or pause observed at a phase
// boundary: the mission simply stops making progress, without failing.
var errHalted = errors.New("mission halted")

// Controller orchestrates the mission phases over the agents, the mission
// context manager, and the tool registry.
type Controller struct {
	cfg      *config.Config
	missions *mission.Manager
	registry *tools.Registry
	sink     events.Sink

	messenger  *agents.Messenger
	planning   *agents.Planning
	research   *agents.Research
	reflection *agents.Reflection
	assignment *agents.NoteAssignment
	writing    *agents.Writing
	writeRefl  *agents.WritingReflection

	// sem bounds simultaneous LLM/tool tasks spawned by the controller.
	sem *semaphore.Weighted
}

// New wires a controller from its collaborators.
func New(cfg *config.Config, missions *mission.Manager, dispatcher agents.Dispatcher, registry *tools.Registry, sink events.Sink) *Controller {
	if sink == nil {
		sink = events.NopSink{}
	}
	r := cfg.Research
	return &Controller{
		cfg:        cfg,
		missions:   missions,
		registry:   registry,
		sink:       sink,
		messenger:  agents.NewMessenger(dispatcher),
		planning:   agents.NewPlanning(dispatcher, r.MaxTotalDepth),
		research:   agents.NewResearch(dispatcher, registry, sink),
		reflection: agents.NewReflection(dispatcher),
		assignment: agents.NewNoteAssignment(dispatcher, 3, 10, r.MaxNotesForAssignment),
		writing:    agents.NewWriting(dispatcher, r.WritingPreviousContentPreview),
		writeRefl:  agents.NewWritingReflection(dispatcher),
		sem:        semaphore.NewWeighted(int64(r.MaxConcurrentRequests)),
	}
}

// UserReply is what a chat turn returns to the transport layer.
type UserReply struct {
	MissionID string
	Response  string
	// ResearchStarted is set when this turn moved the mission into the
	// research pipeline; the caller is expected to invoke RunMission.
	ResearchStarted bool
}

// HandleUserMessage routes one user message through the messenger and applies
// the resulting intent to the mission state machine.
func (c *Controller) HandleUserMessage(ctx context.Context, missionID, userMessage string, history []string, settings map[string]any) (*UserReply, error) {
	log := observability.LoggerWithTrace(ctx)

	summary := ""
	var thoughts []mission.ThoughtEntry
	scratchpad := ""
	if missionID != "" {
		snap, err := c.missions.Get(ctx, missionID)
		if err != nil && !errors.Is(err, mission.ErrNotFound) {
			return nil, err
		}
		if err == nil {
			summary = c.missionSummary(snap)
			thoughts = snap.Thoughts
			scratchpad, _ = snap.Mission.Metadata["messenger_scratchpad"].(string)
		}
	}

	out, details, newScratch, err := c.messenger.Run(ctx, agents.Call{MissionID: missionID}, userMessage, history, summary, thoughts, scratchpad)
	c.recordDetails(ctx, missionID, "messenger", "classify_message", details, err)
	if err != nil {
		return nil, err
	}

	reply := &UserReply{MissionID: missionID, Response: out.ResponseToUser}
	switch out.Intent {
	case agents.IntentStartResearch:
		request := strings.TrimSpace(out.ExtractedContent)
		if request == "" {
			request = userMessage
		}
		id, err := c.missions.CreateMission(ctx, request, "", settings)
		if err != nil {
			return nil, err
		}
		reply.MissionID = id
		if prefs := strings.TrimSpace(out.FormattingPreferences); prefs != "" {
			if _, err := c.missions.AddGoal(ctx, id, prefs, "messenger"); err != nil {
				log.Warn().Err(err).Msg("store formatting preference goal")
			}
		}
		questions, err := c.proposeQuestions(ctx, id, request)
		if err != nil {
			return nil, err
		}
		if out.ResponseToUser == "" {
			reply.Response = "I plan to explore these questions:\n- " + strings.Join(questions, "\n- ")
		}

	case agents.IntentRefineGoal:
		if missionID != "" && strings.TrimSpace(out.ExtractedContent) != "" {
			if _, err := c.missions.AddGoal(ctx, missionID, out.ExtractedContent, "messenger"); err != nil {
				return nil, err
			}
		}

	case agents.IntentRefineQuestions:
		if missionID != "" {
			snap, err := c.missions.Get(ctx, missionID)
			if err != nil {
				return nil, err
			}
			request := snap.Mission.UserRequest
			if refinement := strings.TrimSpace(out.ExtractedContent); refinement != "" {
				request = request + "\nAdjustment: " + refinement
			}
			if _, err := c.proposeQuestions(ctx, missionID, request); err != nil {
				return nil, err
			}
		}

	case agents.IntentApproveQuestions:
		if missionID == "" {
			break
		}
		// Approval starts the research pipeline without asking for more
		// input: the mission enters planning, and RunMission moves it on.
		if err := c.missions.UpdateStatus(ctx, missionID, mission.StatusPlanning); err != nil {
			return nil, err
		}
		reply.ResearchStarted = true
	}

	if newScratch != scratchpad && reply.MissionID != "" {
		_ = c.missions.UpdateMetadata(ctx, reply.MissionID, map[string]any{"messenger_scratchpad": newScratch})
	}
	return reply, nil
}

// proposeQuestions generates and stores the initial exploratory questions.
func (c *Controller) proposeQuestions(ctx context.Context, missionID, request string) ([]string, error) {
	goals, err := c.missions.GetActiveGoals(ctx, missionID)
	if err != nil {
		return nil, err
	}
	questions, details, err := c.research.GenerateInitialQuestions(ctx, c.agentCall(ctx, missionID), request, goals)
	c.recordDetails(ctx, missionID, "research", "generate_initial_questions", details, err)
	if err != nil {
		return nil, err
	}
	if err := c.missions.UpdateMetadata(ctx, missionID, map[string]any{"proposed_questions": questions}); err != nil {
		return nil, err
	}
	return questions, nil
}

// RunMission executes the full pipeline for an approved mission: initial
// exploration, outline, structured research rounds, note assignment, writing,
// and finalization. A stop or pause observed at a phase boundary returns nil
// with partial state intact.
func (c *Controller) RunMission(ctx context.Context, missionID string) error {
	log := observability.LoggerWithTrace(ctx)
	err := c.runPhases(ctx, missionID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errHalted), errors.Is(err, llm.ErrMissionCancelled):
		log.Info().Str("mission_id", missionID).Msg("mission halted cooperatively")
		return nil
	default:
		log.Error().Err(err).Str("mission_id", missionID).Msg("mission failed")
		if uerr := c.missions.UpdateStatus(ctx, missionID, mission.StatusFailed); uerr != nil {
			log.Error().Err(uerr).Str("mission_id", missionID).Msg("mark mission failed")
		}
		c.missions.LogExecutionStep(ctx, missionID, mission.ExecutionStep{
			AgentName:    "controller",
			Action:       "mission_failed",
			Status:       mission.StepFailure,
			ErrorMessage: err.Error(),
		})
		return err
	}
}

func (c *Controller) runPhases(ctx context.Context, missionID string) error {
	if err := c.checkRunning(ctx, missionID); err != nil {
		return err
	}
	plan, err := c.initialExploration(ctx, missionID)
	if err != nil {
		return err
	}
	if err := c.checkRunning(ctx, missionID); err != nil {
		return err
	}
	if err := c.missions.UpdateStatus(ctx, missionID, mission.StatusResearching); err != nil {
		return err
	}
	plan, err = c.structuredResearch(ctx, missionID, plan)
	if err != nil {
		return err
	}
	if err := c.checkRunning(ctx, missionID); err != nil {
		return err
	}
	if err := c.assignNotes(ctx, missionID, plan); err != nil {
		return err
	}
	if err := c.missions.UpdateStatus(ctx, missionID, mission.StatusWriting); err != nil {
		return err
	}
	if err := c.writeReport(ctx, missionID, plan); err != nil {
		return err
	}
	if err := c.checkRunning(ctx, missionID); err != nil {
		return err
	}
	if err := c.finalizeReport(ctx, missionID, plan); err != nil {
		return err
	}
	return c.missions.UpdateStatus(ctx, missionID, mission.StatusCompleted)
}

// Stop requests cooperative cancellation. Running agents observe it at their
// next dispatch; partial state is left intact.
func (c *Controller) Stop(ctx context.Context, missionID string) error {
	return c.missions.UpdateStatus(ctx, missionID, mission.StatusStopped)
}

// Pause suspends the mission, remembering where to resume.
func (c *Controller) Pause(ctx context.Context, missionID string) error {
	status, err := c.missions.GetStatus(ctx, missionID)
	if err != nil {
		return err
	}
	if err := c.missions.UpdateStatus(ctx, missionID, mission.StatusPaused); err != nil {
		return err
	}
	return c.missions.UpdateMetadata(ctx, missionID, map[string]any{"resume_status": string(status)})
}

// Resume returns a paused mission to its pre-pause status.
func (c *Controller) Resume(ctx context.Context, missionID string) error {
	snap, err := c.missions.Get(ctx, missionID)
	if err != nil {
		return err
	}
	prev, _ := snap.Mission.Metadata["resume_status"].(string)
	if prev == "" {
		prev = string(mission.StatusPending)
	}
	return c.missions.UpdateStatus(ctx, missionID, mission.Status(prev))
}

// checkRunning polls mission status at phase boundaries.
func (c *Controller) checkRunning(ctx context.Context, missionID string) error {
	status, err := c.missions.GetStatus(ctx, missionID)
	if err != nil {
		return err
	}
	if status.Terminal() || status == mission.StatusPaused {
		return fmt.Errorf("mission %s is %s: %w", missionID, status, errHalted)
	}
	return nil
}

// agentCall builds the per-call context threaded into agents: mission id,
// document group from metadata, and the web search counter hook.
func (c *Controller) agentCall(ctx context.Context, missionID string) agents.Call {
	groupID := ""
	if snap, err := c.missions.Get(ctx, missionID); err == nil {
		groupID, _ = snap.Mission.Metadata["document_group_id"].(string)
	}
	return agents.Call{
		MissionID:       missionID,
		DocumentGroupID: groupID,
		CountWebSearch: func(cctx context.Context) {
			if err := c.missions.IncrementWebSearchCount(cctx, missionID); err != nil {
				observability.LoggerWithTrace(cctx).Warn().Err(err).Msg("increment web search count")
			}
		},
	}
}

// recordDetails folds model call accounting into mission stats and the
// execution log.
func (c *Controller) recordDetails(ctx context.Context, missionID, agentName, action string, details []llm.CallDetails, callErr error) {
	if missionID == "" {
		return
	}
	for i := range details {
		if _, err := c.missions.UpdateMissionStats(ctx, missionID, &details[i]); err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("update mission stats")
		}
	}
	step := mission.ExecutionStep{
		AgentName: agentName,
		Action:    action,
		Status:    mission.StepSuccess,
	}
	if len(details) > 0 {
		step.ModelDetails = &details[len(details)-1]
	}
	if callErr != nil {
		step.Status = mission.StepFailure
		step.ErrorMessage = callErr.Error()
	}
	c.missions.LogExecutionStep(ctx, missionID, step)
}

func (c *Controller) missionSummary(snap *mission.Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Mission %s (%s): %s\n", snap.Mission.ID, snap.Mission.Status, snap.Mission.UserRequest)
	if snap.Plan != nil {
		fmt.Fprintf(&b, "Goal: %s\n", snap.Plan.MissionGoal)
	}
	fmt.Fprintf(&b, "Notes collected: %d\n", len(snap.Notes))
	if qs := proposedQuestions(snap.Mission.Metadata); len(qs) > 0 {
		b.WriteString("Proposed questions:\n")
		for _, q := range qs {
			fmt.Fprintf(&b, "- %s\n", q)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// researchOptions builds the sizing for exploration vs main research.
func (c *Controller) researchOptions(initial bool) agents.ResearchOptions {
	r := c.cfg.Research
	if initial {
		return agents.ResearchOptions{
			DocResults:       r.InitialExplorationDocResults,
			WebResults:       r.InitialExplorationWebResults,
			UseReranker:      r.InitialExplorationUseReranker,
			NoteContentLimit: r.ResearchNoteContentLimit,
			MaxContextChars:  r.MaxPlanningContextChars,
		}
	}
	return agents.ResearchOptions{
		DocResults:       r.MainResearchDocResults,
		WebResults:       r.MainResearchWebResults,
		UseReranker:      true,
		NoteContentLimit: r.ResearchNoteContentLimit,
		MaxContextChars:  r.MaxPlanningContextChars,
	}
}
