package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"meridian/internal/events"
	"meridian/internal/llm"
	"meridian/internal/observability"
)

// ToolContext carries mission-scoped context into tool implementations,
// replacing any notion of per-agent mutable state.
type ToolContext struct {
	MissionID       string
	AgentName       string
	DocumentGroupID string
	// CountWebSearch, when set, is invoked for each web search performed.
	CountWebSearch func(ctx context.Context)
}

// Tool is one named, schema-typed callable.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON-schema parameter object.
	Parameters() map[string]any
	Call(ctx context.Context, tc ToolContext, args json.RawMessage) (any, error)
}

// Registry validates arguments, dispatches tools, and records tool-call
// events regardless of whether a UI is attached.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	sink  events.Sink
}

func NewRegistry(sink events.Sink) *Registry {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Registry{tools: map[string]Tool{}, sink: sink}
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Schemas lists tool declarations in stable name order.
func (r *Registry) Schemas() []llm.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]llm.ToolSchema, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		out = append(out, llm.ToolSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return out
}

// Dispatch validates args against the tool's required parameters, runs the
// tool, and publishes a tool_call event. Tool failures are returned as an
// {error} payload rather than an error so agents can degrade gracefully.
func (r *Registry) Dispatch(ctx context.Context, tc ToolContext, name string, args json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	if err := validateArgs(t.Parameters(), args); err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}

	start := time.Now()
	result, err := t.Call(ctx, tc, args)
	record := map[string]any{
		"tool_name":    name,
		"agent_name":   tc.AgentName,
		"arguments":    json.RawMessage(args),
		"duration_sec": time.Since(start).Seconds(),
	}
	if err != nil {
		record["error"] = err.Error()
		observability.LoggerWithTrace(ctx).Warn().Err(err).
			Str("tool", name).Str("mission_id", tc.MissionID).Msg("tool execution failed")
		result = map[string]string{"error": err.Error()}
	}
	r.sink.Publish(ctx, events.Event{
		MissionID: tc.MissionID,
		Type:      events.TypeToolCall,
		Timestamp: time.Now().UTC(),
		Payload:   record,
	})
	payload, merr := json.Marshal(result)
	if merr != nil {
		return nil, fmt.Errorf("tool %s: marshal result: %w", name, merr)
	}
	return payload, nil
}

// validateArgs checks that args is a JSON object carrying every required
// property of the schema.
func validateArgs(schema map[string]any, args json.RawMessage) error {
	var parsed map[string]any
	if len(args) == 0 {
		parsed = map[string]any{}
	} else if err := json.Unmarshal(args, &parsed); err != nil {
		return fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	required, _ := schema["required"].([]string)
	if required == nil {
		if anyList, ok := schema["required"].([]any); ok {
			for _, item := range anyList {
				if s, ok := item.(string); ok {
					required = append(required, s)
				}
			}
		}
	}
	for _, field := range required {
		if _, ok := parsed[field]; !ok {
			return fmt.Errorf("missing required argument %q", field)
		}
	}
	return nil
}
