package mission

import (
	"time"

	"meridian/internal/llm"
)

// Status is the mission lifecycle state. Only the controller mutates it.
type Status string

const (
	StatusPending     Status = "pending"
	StatusPlanning    Status = "planning"
	StatusResearching Status = "researching"
	StatusWriting     Status = "writing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusPaused      Status = "paused"
	StatusStopped     Status = "stopped"
)

// Terminal reports whether no further transition is legal.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// CanTransition encodes the legal status edges. Any non-terminal state may be
// stopped, failed, or paused; paused may resume to any running state; the
// forward path is pending→planning→researching→writing→completed with
// planning re-entry allowed from researching (between-round replanning).
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if from == to {
		return true
	}
	switch to {
	case StatusStopped, StatusFailed, StatusPaused:
		return true
	}
	if from == StatusPaused {
		switch to {
		case StatusPending, StatusPlanning, StatusResearching, StatusWriting:
			return true
		}
		return false
	}
	switch from {
	case StatusPending:
		return to == StatusPlanning || to == StatusResearching
	case StatusPlanning:
		return to == StatusResearching
	case StatusResearching:
		return to == StatusWriting || to == StatusPlanning
	case StatusWriting:
		return to == StatusCompleted || to == StatusResearching
	}
	return false
}

// Mission is one research task.
type Mission struct {
	ID          string         `json:"mission_id"`
	ChatID      string         `json:"chat_id"`
	UserRequest string         `json:"user_request"`
	Status      Status         `json:"status"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// SectionStrategy selects how a report section obtains its content.
type SectionStrategy string

const (
	StrategyResearchBased SectionStrategy = "research_based"
	StrategyContentBased  SectionStrategy = "content_based"
	StrategySynthesize    SectionStrategy = "synthesize_from_subsections"
)

// ReportSection is one node of the report outline tree.
type ReportSection struct {
	ID                string          `json:"section_id"`
	Title             string          `json:"title"`
	Description       string          `json:"description"`
	Strategy          SectionStrategy `json:"research_strategy"`
	AssociatedNoteIDs []string        `json:"associated_note_ids,omitempty"`
	Subsections       []ReportSection `json:"subsections,omitempty"`
}

// IsLeaf reports whether the section has no subsections.
func (s *ReportSection) IsLeaf() bool { return len(s.Subsections) == 0 }

// Plan holds the mission goal and outline.
type Plan struct {
	MissionGoal      string          `json:"mission_goal"`
	Outline          []ReportSection `json:"report_outline"`
	GeneratedThought string          `json:"generated_thought,omitempty"`
}

// WalkOutline visits every section in reading order (depth-first, pre-order).
// Returning false from fn stops the walk.
func WalkOutline(sections []ReportSection, fn func(sec *ReportSection, depth int, parent *ReportSection) bool) {
	var walk func(secs []ReportSection, depth int, parent *ReportSection) bool
	walk = func(secs []ReportSection, depth int, parent *ReportSection) bool {
		for i := range secs {
			if !fn(&secs[i], depth, parent) {
				return false
			}
			if !walk(secs[i].Subsections, depth+1, &secs[i]) {
				return false
			}
		}
		return true
	}
	walk(sections, 1, nil)
}

// OutlineDepth returns the maximum depth of the outline; root is depth 0, so
// a flat list of sections has depth 1.
func OutlineDepth(sections []ReportSection) int {
	max := 0
	WalkOutline(sections, func(_ *ReportSection, depth int, _ *ReportSection) bool {
		if depth > max {
			max = depth
		}
		return true
	})
	return max
}

// FindSection locates a section by id anywhere in the outline.
func FindSection(sections []ReportSection, id string) *ReportSection {
	var found *ReportSection
	WalkOutline(sections, func(sec *ReportSection, _ int, _ *ReportSection) bool {
		if sec.ID == id {
			found = sec
			return false
		}
		return true
	})
	return found
}

// SourceType identifies where a note's content was grounded.
type SourceType string

const (
	SourceDocument SourceType = "document"
	SourceWeb      SourceType = "web"
	SourceInternal SourceType = "internal"
)

// Note is the unit of evidence: a factual extract grounded in one source.
type Note struct {
	ID                string         `json:"note_id"`
	Content           string         `json:"content"`
	SourceType        SourceType     `json:"source_type"`
	SourceID          string         `json:"source_id"`
	SourceMetadata    map[string]any `json:"source_metadata,omitempty"`
	PotentialSections []string       `json:"potential_sections,omitempty"`
	IsRelevant        bool           `json:"is_relevant"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// GoalStatus tracks the lifecycle of a goal entry.
type GoalStatus string

const (
	GoalActive    GoalStatus = "active"
	GoalAddressed GoalStatus = "addressed"
	GoalObsolete  GoalStatus = "obsolete"
)

// GoalEntry is a user- or agent-asserted constraint on the mission output.
type GoalEntry struct {
	ID          string     `json:"goal_id"`
	Text        string     `json:"text"`
	Status      GoalStatus `json:"status"`
	SourceAgent string     `json:"source_agent"`
	CreatedAt   time.Time  `json:"timestamp"`
}

// ThoughtEntry is one item of the FIFO-bounded thought pad.
type ThoughtEntry struct {
	AgentName string    `json:"agent_name"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"timestamp"`
}

// StepStatus marks an execution step as succeeded or failed.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepFailure StepStatus = "failure"
)

// ToolCallRecord summarizes one tool invocation inside an execution step.
type ToolCallRecord struct {
	ToolName  string `json:"tool_name"`
	Arguments string `json:"arguments,omitempty"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ExecutionStep is one append-only entry of the mission execution log.
type ExecutionStep struct {
	Timestamp     time.Time        `json:"timestamp"`
	AgentName     string           `json:"agent_name"`
	Action        string           `json:"action"`
	Status        StepStatus       `json:"status"`
	InputSummary  string           `json:"input_summary,omitempty"`
	OutputSummary string           `json:"output_summary,omitempty"`
	FullInput     string           `json:"full_input,omitempty"`
	FullOutput    string           `json:"full_output,omitempty"`
	ErrorMessage  string           `json:"error_message,omitempty"`
	ModelDetails  *llm.CallDetails `json:"model_details,omitempty"`
	ToolCalls     []ToolCallRecord `json:"tool_calls,omitempty"`
}

// AgentStats is the per-agent slice of the mission stats.
type AgentStats struct {
	Calls            int64   `json:"calls"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	Cost             float64 `json:"cost"`
}

// Stats accumulates token and cost counters for one mission.
type Stats struct {
	PromptTokens     int64                 `json:"prompt_tokens"`
	CompletionTokens int64                 `json:"completion_tokens"`
	NativeTokens     int64                 `json:"native_tokens"`
	Cost             float64               `json:"cost"`
	WebSearchCount   int64                 `json:"web_search_count"`
	PerAgent         map[string]AgentStats `json:"per_agent,omitempty"`
}

// Context is a read snapshot of one mission's full state.
type Context struct {
	Mission     Mission
	Plan        *Plan
	Notes       []Note
	Goals       []GoalEntry
	Thoughts    []ThoughtEntry
	Sections    map[string]string // section_id -> written content
	Assignments map[string][]string
	Stats       Stats
}
