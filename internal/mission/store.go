package mission

import (
	"context"
	"errors"
)

// ErrNotFound is returned for unknown missions, notes, or goals.
var ErrNotFound = errors.New("mission: not found")

// ErrTerminalStatus rejects mutations of missions in a terminal status and
// illegal status transitions.
var ErrTerminalStatus = errors.New("mission: illegal transition from terminal status")

// Store is the durable mission state backend. Implementations must be safe
// for concurrent use; the Manager additionally serializes writes per mission.
type Store interface {
	CreateMission(ctx context.Context, m Mission) error
	GetMission(ctx context.Context, id string) (Mission, error)
	UpdateMissionStatus(ctx context.Context, id string, status Status) error
	UpdateMissionMetadata(ctx context.Context, id string, patch map[string]any) error

	StorePlan(ctx context.Context, missionID string, plan Plan) error
	GetPlan(ctx context.Context, missionID string) (*Plan, error)

	StoreNotes(ctx context.Context, missionID string, notes []Note) error
	GetNotes(ctx context.Context, missionID string) ([]Note, error)
	DiscardNotes(ctx context.Context, missionID string, noteIDs []string) error

	AddGoal(ctx context.Context, missionID string, goal GoalEntry) error
	UpdateGoalStatus(ctx context.Context, missionID, goalID string, status GoalStatus) error
	GetGoals(ctx context.Context, missionID string) ([]GoalEntry, error)

	AddThought(ctx context.Context, missionID string, entry ThoughtEntry, limit int) error
	GetThoughts(ctx context.Context, missionID string) ([]ThoughtEntry, error)

	StoreReportSection(ctx context.Context, missionID, sectionID, content string) error
	GetReportSections(ctx context.Context, missionID string) (map[string]string, error)

	RecordNoteAssignment(ctx context.Context, missionID, sectionID string, noteIDs []string) error
	GetNoteAssignments(ctx context.Context, missionID string) (map[string][]string, error)

	AppendExecutionStep(ctx context.Context, missionID string, step ExecutionStep) error
	GetExecutionLog(ctx context.Context, missionID string, limit int) ([]ExecutionStep, error)

	UpdateStats(ctx context.Context, missionID string, apply func(*Stats)) (Stats, error)
	GetStats(ctx context.Context, missionID string) (Stats, error)

	Close()
}
