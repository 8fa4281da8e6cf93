package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"meridian/internal/llm"
	"meridian/internal/mission"
	"meridian/internal/observability"
)

// Dispatcher is the slice of the model dispatcher agents consume.
type Dispatcher interface {
	Dispatch(ctx context.Context, call llm.Call) (*llm.ChatResponse, *llm.CallDetails, error)
}

// Call carries the per-invocation context threaded through every agent run.
// Agents are stateless; everything they need arrives here or in arguments.
type Call struct {
	MissionID       string
	DocumentGroupID string
	// CountWebSearch, when set, is forwarded to tool invocations so mission
	// counters stay accurate even without a UI attached.
	CountWebSearch func(ctx context.Context)
}

// maxParseRetries bounds re-asks when the model returns malformed JSON.
const maxParseRetries = 3

// dispatchJSON runs a call expecting a JSON object reply and decodes it into
// out. Malformed output is retried up to maxParseRetries times; on final
// failure the last error is returned and out is left zeroed, so callers can
// continue with best-effort defaults. Missing fields decode to zero values
// (empty lists), which is the tolerated degradation for absent list fields.
func dispatchJSON(ctx context.Context, d Dispatcher, call llm.Call, out any) ([]llm.CallDetails, error) {
	log := observability.LoggerWithTrace(ctx)
	var details []llm.CallDetails
	var lastErr error
	messages := call.Messages
	for attempt := 0; attempt <= maxParseRetries; attempt++ {
		attemptCall := call
		attemptCall.Messages = messages
		resp, d8, err := d.Dispatch(ctx, attemptCall)
		if d8 != nil {
			details = append(details, *d8)
		}
		if err != nil {
			return details, err
		}
		raw := ExtractJSON(resp.Message.Content)
		perr := json.Unmarshal([]byte(raw), out)
		if perr == nil {
			return details, nil
		}
		lastErr = fmt.Errorf("parse %s output: %w", call.AgentMode, perr)
		log.Warn().Err(lastErr).Int("attempt", attempt+1).Msg("malformed structured output; re-asking")
		messages = append(call.Messages, llm.Message{
			Role:    "user",
			Content: "The previous reply was not valid JSON. Respond again with only the JSON object.",
		})
	}
	return details, lastErr
}

// ExtractJSON strips code fences and surrounding prose, returning the
// outermost JSON object (or array) in a model reply.
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	objStart, objEnd := strings.Index(s, "{"), strings.LastIndex(s, "}")
	arrStart, arrEnd := strings.Index(s, "["), strings.LastIndex(s, "]")
	if objStart >= 0 && objEnd > objStart && (arrStart < 0 || objStart < arrStart) {
		return s[objStart : objEnd+1]
	}
	if arrStart >= 0 && arrEnd > arrStart {
		return s[arrStart : arrEnd+1]
	}
	return s
}

// formatGoals renders active goals for prompt context.
func formatGoals(goals []mission.GoalEntry) string {
	if len(goals) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, g := range goals {
		fmt.Fprintf(&b, "- %s\n", g.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatThoughts renders the thought pad, oldest first.
func formatThoughts(thoughts []mission.ThoughtEntry) string {
	if len(thoughts) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, t := range thoughts {
		fmt.Fprintf(&b, "- [%s] %s\n", t.AgentName, t.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatNotes renders notes with their ids and source keys so the model can
// reference them for citation.
func formatNotes(notes []mission.Note) string {
	if len(notes) == 0 {
		return "(no notes)"
	}
	var b strings.Builder
	for _, n := range notes {
		fmt.Fprintf(&b, "[%s] (source %s: %s) %s\n", n.ID, n.SourceType, n.SourceID, n.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
