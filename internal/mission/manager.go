package mission

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"meridian/internal/events"
	"meridian/internal/llm"
	"meridian/internal/observability"
)

// Manager is the mission context manager: the only component allowed to
// mutate mission-scoped state. All writes are serialized per mission, status
// transitions are validated, and every change is mirrored to the event sink.
type Manager struct {
	store Store
	sink  events.Sink

	thoughtLimit int
	logTailLimit int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager wraps a store with per-mission write serialization.
func NewManager(store Store, sink events.Sink, thoughtLimit int) *Manager {
	if sink == nil {
		sink = events.NopSink{}
	}
	if thoughtLimit <= 0 {
		thoughtLimit = 10
	}
	return &Manager{
		store:        store,
		sink:         sink,
		thoughtLimit: thoughtLimit,
		logTailLimit: 256,
		locks:        map[string]*sync.Mutex{},
	}
}

func (m *Manager) lock(missionID string) func() {
	m.mu.Lock()
	l, ok := m.locks[missionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[missionID] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// CreateMission registers a new mission in pending status.
func (m *Manager) CreateMission(ctx context.Context, userRequest, chatID string, settings map[string]any) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	meta := map[string]any{}
	for k, v := range settings {
		meta[k] = v
	}
	err := m.store.CreateMission(ctx, Mission{
		ID:          id,
		ChatID:      chatID,
		UserRequest: userRequest,
		Status:      StatusPending,
		Metadata:    meta,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return "", err
	}
	observability.LoggerWithTrace(ctx).Info().Str("mission_id", id).Msg("mission created")
	return id, nil
}

// Get returns a full snapshot of the mission state.
func (m *Manager) Get(ctx context.Context, missionID string) (*Context, error) {
	mi, err := m.store.GetMission(ctx, missionID)
	if err != nil {
		return nil, err
	}
	snap := &Context{Mission: mi}
	if plan, err := m.store.GetPlan(ctx, missionID); err == nil {
		snap.Plan = plan
	}
	if snap.Notes, err = m.store.GetNotes(ctx, missionID); err != nil {
		return nil, err
	}
	if snap.Goals, err = m.store.GetGoals(ctx, missionID); err != nil {
		return nil, err
	}
	if snap.Thoughts, err = m.store.GetThoughts(ctx, missionID); err != nil {
		return nil, err
	}
	if snap.Sections, err = m.store.GetReportSections(ctx, missionID); err != nil {
		return nil, err
	}
	if snap.Assignments, err = m.store.GetNoteAssignments(ctx, missionID); err != nil {
		return nil, err
	}
	if snap.Stats, err = m.store.GetStats(ctx, missionID); err != nil {
		return nil, err
	}
	return snap, nil
}

// GetStatus is the cheap status read used for cooperative cancellation polls.
func (m *Manager) GetStatus(ctx context.Context, missionID string) (Status, error) {
	mi, err := m.store.GetMission(ctx, missionID)
	if err != nil {
		return "", err
	}
	return mi.Status, nil
}

// StatusFunc adapts the manager to the dispatcher's cancellation probe.
func (m *Manager) StatusFunc() llm.StatusFunc {
	return func(ctx context.Context, missionID string) (string, error) {
		st, err := m.GetStatus(ctx, missionID)
		return string(st), err
	}
}

// UpdateStatus applies a status transition, rejecting illegal edges and any
// transition out of a terminal state.
func (m *Manager) UpdateStatus(ctx context.Context, missionID string, to Status) error {
	defer m.lock(missionID)()
	mi, err := m.store.GetMission(ctx, missionID)
	if err != nil {
		return err
	}
	if !CanTransition(mi.Status, to) {
		if mi.Status.Terminal() {
			return fmt.Errorf("mission %s is %s: %w", missionID, mi.Status, ErrTerminalStatus)
		}
		return fmt.Errorf("mission %s: illegal transition %s -> %s", missionID, mi.Status, to)
	}
	if err := m.store.UpdateMissionStatus(ctx, missionID, to); err != nil {
		return err
	}
	m.sink.Publish(ctx, events.Event{
		MissionID: missionID,
		Type:      events.TypeMissionStatus,
		Timestamp: time.Now().UTC(),
		Payload:   map[string]string{"from": string(mi.Status), "to": string(to)},
	})
	observability.LoggerWithTrace(ctx).Info().
		Str("mission_id", missionID).Str("from", string(mi.Status)).Str("to", string(to)).
		Msg("mission status updated")
	return nil
}

// UpdateMetadata merge-patches the mission metadata. Nil values delete keys.
func (m *Manager) UpdateMetadata(ctx context.Context, missionID string, patch map[string]any) error {
	defer m.lock(missionID)()
	if err := m.requireWritable(ctx, missionID); err != nil {
		return err
	}
	return m.store.UpdateMissionMetadata(ctx, missionID, patch)
}

func (m *Manager) requireWritable(ctx context.Context, missionID string) error {
	mi, err := m.store.GetMission(ctx, missionID)
	if err != nil {
		return err
	}
	if mi.Status.Terminal() {
		return fmt.Errorf("mission %s is %s: %w", missionID, mi.Status, ErrTerminalStatus)
	}
	return nil
}

// StorePlan persists the plan for a running mission.
func (m *Manager) StorePlan(ctx context.Context, missionID string, plan Plan) error {
	defer m.lock(missionID)()
	if err := m.requireWritable(ctx, missionID); err != nil {
		return err
	}
	return m.store.StorePlan(ctx, missionID, plan)
}

// GetPlan returns the stored plan, or ErrNotFound before planning completes.
func (m *Manager) GetPlan(ctx context.Context, missionID string) (*Plan, error) {
	return m.store.GetPlan(ctx, missionID)
}

// StoreNotes persists notes and publishes a note_generated event per note.
func (m *Manager) StoreNotes(ctx context.Context, missionID string, notes []Note) error {
	if len(notes) == 0 {
		return nil
	}
	defer m.lock(missionID)()
	if err := m.requireWritable(ctx, missionID); err != nil {
		return err
	}
	now := time.Now().UTC()
	for i := range notes {
		if notes[i].ID == "" {
			notes[i].ID = "n_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		}
		if notes[i].CreatedAt.IsZero() {
			notes[i].CreatedAt = now
		}
		notes[i].UpdatedAt = now
	}
	if err := m.store.StoreNotes(ctx, missionID, notes); err != nil {
		return err
	}
	for _, n := range notes {
		m.sink.Publish(ctx, events.Event{
			MissionID: missionID,
			Type:      events.TypeNoteGenerated,
			Timestamp: now,
			Payload:   n,
		})
	}
	return nil
}

// GetNotes returns all mission notes.
func (m *Manager) GetNotes(ctx context.Context, missionID string) ([]Note, error) {
	return m.store.GetNotes(ctx, missionID)
}

// DiscardNotes removes notes suggested for discard by reflection.
func (m *Manager) DiscardNotes(ctx context.Context, missionID string, noteIDs []string) error {
	if len(noteIDs) == 0 {
		return nil
	}
	defer m.lock(missionID)()
	if err := m.requireWritable(ctx, missionID); err != nil {
		return err
	}
	return m.store.DiscardNotes(ctx, missionID, noteIDs)
}

// AddGoal registers a goal entry, defaulting it to active.
func (m *Manager) AddGoal(ctx context.Context, missionID, text, sourceAgent string) (GoalEntry, error) {
	defer m.lock(missionID)()
	if err := m.requireWritable(ctx, missionID); err != nil {
		return GoalEntry{}, err
	}
	g := GoalEntry{
		ID:          "g_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		Text:        text,
		Status:      GoalActive,
		SourceAgent: sourceAgent,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.store.AddGoal(ctx, missionID, g); err != nil {
		return GoalEntry{}, err
	}
	return g, nil
}

// UpdateGoalStatus moves a goal between active/addressed/obsolete.
func (m *Manager) UpdateGoalStatus(ctx context.Context, missionID, goalID string, status GoalStatus) error {
	defer m.lock(missionID)()
	if err := m.requireWritable(ctx, missionID); err != nil {
		return err
	}
	return m.store.UpdateGoalStatus(ctx, missionID, goalID, status)
}

// GetActiveGoals returns the active subset of goals.
func (m *Manager) GetActiveGoals(ctx context.Context, missionID string) ([]GoalEntry, error) {
	goals, err := m.store.GetGoals(ctx, missionID)
	if err != nil {
		return nil, err
	}
	out := goals[:0]
	for _, g := range goals {
		if g.Status == GoalActive {
			out = append(out, g)
		}
	}
	return out, nil
}

// AddThought appends to the FIFO-bounded thought pad.
func (m *Manager) AddThought(ctx context.Context, missionID, agentName, content string) error {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	defer m.lock(missionID)()
	if err := m.requireWritable(ctx, missionID); err != nil {
		return err
	}
	return m.store.AddThought(ctx, missionID, ThoughtEntry{
		AgentName: agentName,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}, m.thoughtLimit)
}

// GetThoughts returns the current thought pad, oldest first.
func (m *Manager) GetThoughts(ctx context.Context, missionID string) ([]ThoughtEntry, error) {
	return m.store.GetThoughts(ctx, missionID)
}

// StoreReportSection persists one written section's content.
func (m *Manager) StoreReportSection(ctx context.Context, missionID, sectionID, content string) error {
	defer m.lock(missionID)()
	if err := m.requireWritable(ctx, missionID); err != nil {
		return err
	}
	return m.store.StoreReportSection(ctx, missionID, sectionID, content)
}

// GetReportSections returns section_id -> written content.
func (m *Manager) GetReportSections(ctx context.Context, missionID string) (map[string]string, error) {
	return m.store.GetReportSections(ctx, missionID)
}

// RecordNoteAssignment stores the chosen notes for a section.
func (m *Manager) RecordNoteAssignment(ctx context.Context, missionID, sectionID string, noteIDs []string) error {
	defer m.lock(missionID)()
	if err := m.requireWritable(ctx, missionID); err != nil {
		return err
	}
	return m.store.RecordNoteAssignment(ctx, missionID, sectionID, noteIDs)
}

// GetNoteAssignments returns section_id -> assigned note ids.
func (m *Manager) GetNoteAssignments(ctx context.Context, missionID string) (map[string][]string, error) {
	return m.store.GetNoteAssignments(ctx, missionID)
}

// LogExecutionStep appends to the durable execution log and publishes the
// entry as a live execution_log event. Logging never fails the caller.
func (m *Manager) LogExecutionStep(ctx context.Context, missionID string, step ExecutionStep) {
	if step.Timestamp.IsZero() {
		step.Timestamp = time.Now().UTC()
	}
	if err := m.store.AppendExecutionStep(ctx, missionID, step); err != nil {
		observability.LoggerWithTrace(ctx).Error().Err(err).
			Str("mission_id", missionID).Str("agent", step.AgentName).Str("action", step.Action).
			Msg("append execution step")
	}
	m.sink.Publish(ctx, events.Event{
		MissionID: missionID,
		Type:      events.TypeExecutionLog,
		Timestamp: step.Timestamp,
		Payload:   step,
	})
}

// GetExecutionLog returns the most recent limit entries; limit<=0 uses the
// default tail of 256 entries.
func (m *Manager) GetExecutionLog(ctx context.Context, missionID string, limit int) ([]ExecutionStep, error) {
	if limit <= 0 {
		limit = m.logTailLimit
	}
	return m.store.GetExecutionLog(ctx, missionID, limit)
}

// UpdateMissionStats folds one model call's accounting into the cumulative
// counters. Counters only ever grow.
func (m *Manager) UpdateMissionStats(ctx context.Context, missionID string, details *llm.CallDetails) (Stats, error) {
	if details == nil {
		return m.store.GetStats(ctx, missionID)
	}
	defer m.lock(missionID)()
	return m.store.UpdateStats(ctx, missionID, func(st *Stats) {
		st.PromptTokens += int64(details.PromptTokens)
		st.CompletionTokens += int64(details.CompletionTokens)
		st.NativeTokens += int64(details.NativeTokens)
		st.Cost += details.Cost
		agent := st.PerAgent[details.AgentMode]
		agent.Calls++
		agent.PromptTokens += int64(details.PromptTokens)
		agent.CompletionTokens += int64(details.CompletionTokens)
		agent.Cost += details.Cost
		st.PerAgent[details.AgentMode] = agent
	})
}

// IncrementWebSearchCount bumps the mission's web search counter.
func (m *Manager) IncrementWebSearchCount(ctx context.Context, missionID string) error {
	defer m.lock(missionID)()
	_, err := m.store.UpdateStats(ctx, missionID, func(st *Stats) {
		st.WebSearchCount++
	})
	return err
}

// GetStats returns the cumulative mission counters.
func (m *Manager) GetStats(ctx context.Context, missionID string) (Stats, error) {
	return m.store.GetStats(ctx, missionID)
}
