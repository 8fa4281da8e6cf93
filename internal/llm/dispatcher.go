package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"meridian/internal/config"
	"meridian/internal/events"
	"meridian/internal/observability"
)

// StatusFunc reports the current status of a mission. The dispatcher treats
// "stopped", "failed", "completed", and "paused" as reasons to fail fast.
type StatusFunc func(ctx context.Context, missionID string) (string, error)

// Call describes one dispatch: who is asking, for which mission, and what.
type Call struct {
	AgentMode      string
	MissionID      string
	Messages       []Message
	Tools          []ToolSchema
	ToolChoice     string
	ResponseFormat *ResponseFormat
	// Model overrides the tier default when set.
	Model string
}

// Dispatcher resolves agent roles to providers/models and runs calls with
// retry, cost accounting, and cooperative cancellation.
type Dispatcher struct {
	cfg       config.LLMConfig
	roles     *config.Config
	providers map[config.ModelTier]Provider
	prices    *PriceTable
	status    StatusFunc
	sink      events.Sink
	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(time.Duration)
}

// NewDispatcher wires providers for each configured tier.
func NewDispatcher(cfg *config.Config, httpClient *http.Client, prices *PriceTable, status StatusFunc, sink events.Sink) (*Dispatcher, error) {
	if httpClient == nil {
		httpClient = observability.NewHTTPClient(&http.Client{Timeout: cfg.LLM.RequestTimeout})
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	providers := make(map[config.ModelTier]Provider, len(cfg.LLM.Tiers))
	for tier, tc := range cfg.LLM.Tiers {
		p, err := NewProvider(tc, httpClient)
		if err != nil {
			return nil, fmt.Errorf("tier %s: %w", tier, err)
		}
		providers[tier] = p
	}
	return &Dispatcher{
		cfg:       cfg.LLM,
		roles:     cfg,
		providers: providers,
		prices:    prices,
		status:    status,
		sink:      sink,
		sleep:     time.Sleep,
	}, nil
}

// Dispatch resolves the call's role to a provider and model, verifies the
// mission is still running, and executes with retries. It returns the
// response together with the accounting record; the record is also published
// as a model_call_details event.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) (*ChatResponse, *CallDetails, error) {
	tier := d.roles.TierFor(call.AgentMode)
	provider, ok := d.providers[tier]
	if !ok {
		return nil, nil, fmt.Errorf("no provider configured for tier %s", tier)
	}
	tc := d.cfg.Tiers[tier]
	model := call.Model
	if model == "" {
		model = tc.Model
	}
	maxTokens, temperature := d.roles.RoleLimits(call.AgentMode)

	req := ChatRequest{
		Model:          model,
		Messages:       call.Messages,
		Tools:          call.Tools,
		ToolChoice:     call.ToolChoice,
		ResponseFormat: call.ResponseFormat,
		MaxTokens:      maxTokens,
		Temperature:    temperature,
	}
	// Capability fallback: providers without native json_schema support get
	// the schema inlined into the system prompt and json_object mode.
	if req.ResponseFormat != nil && req.ResponseFormat.Type == "json_schema" && !provider.SupportsJSONSchema() {
		req = injectSchemaPrompt(req)
	}

	log := observability.LoggerWithTrace(ctx)
	schemaFellBack := false
	var lastErr error
	for attempt := 0; attempt < d.cfg.MaxRetries; attempt++ {
		if err := d.checkMissionRunning(ctx, call.MissionID); err != nil {
			return nil, nil, err
		}

		start := time.Now()
		resp, err := provider.Chat(ctx, req)
		duration := time.Since(start)

		if err == nil && !resp.Valid() {
			err = ErrEmptyResponse
		}
		if err == nil {
			details := &CallDetails{
				AgentMode:        call.AgentMode,
				Provider:         provider.Name(),
				Model:            model,
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
				NativeTokens:     resp.Usage.TotalTokens,
				Cost:             d.prices.Cost(ctx, model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
				DurationSec:      duration.Seconds(),
				Attempts:         attempt + 1,
				Timestamp:        time.Now().UTC(),
			}
			d.sink.Publish(ctx, events.Event{
				MissionID: call.MissionID,
				Type:      events.TypeModelCallDetails,
				Timestamp: details.Timestamp,
				Payload:   details,
			})
			return &resp, details, nil
		}

		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, err
		}
		// One-shot downgrade from strict schema to object mode on a definite
		// format rejection, then retry immediately.
		if !schemaFellBack && req.ResponseFormat != nil && req.ResponseFormat.Type == "json_schema" && SchemaUnsupported(err) {
			log.Warn().Str("agent_mode", call.AgentMode).Str("model", model).Msg("json_schema rejected; falling back to json_object")
			req = injectSchemaPrompt(req)
			schemaFellBack = true
			continue
		}
		if !Retryable(err) {
			log.Error().Err(err).Str("agent_mode", call.AgentMode).Str("model", model).Int("attempt", attempt+1).Msg("model call failed; not retrying")
			return nil, nil, err
		}
		if attempt+1 < d.cfg.MaxRetries {
			delay := backoffDelay(d.cfg.RetryDelay, attempt)
			log.Warn().Err(err).Str("agent_mode", call.AgentMode).Str("model", model).
				Int("attempt", attempt+1).Dur("backoff", delay).Msg("model call failed; retrying")
			d.sleep(delay)
		}
	}
	return nil, nil, fmt.Errorf("model call failed after %d attempts: %w", d.cfg.MaxRetries, lastErr)
}

func (d *Dispatcher) checkMissionRunning(ctx context.Context, missionID string) error {
	if d.status == nil || missionID == "" {
		return nil
	}
	status, err := d.status(ctx, missionID)
	if err != nil {
		return nil // unknown missions are not the dispatcher's problem
	}
	switch status {
	case "stopped", "failed", "completed", "paused":
		return fmt.Errorf("mission %s is %s: %w", missionID, status, ErrMissionCancelled)
	}
	return nil
}

// backoffDelay is exponential with 0-10% jitter, mirroring the retry policy
// of the upstream request path.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base << uint(attempt)
	jitter := time.Duration(rand.Int63n(int64(d)/10 + 1))
	return d + jitter
}

// injectSchemaPrompt converts a json_schema request into json_object mode
// with the schema spelled out in an extra system message.
func injectSchemaPrompt(req ChatRequest) ChatRequest {
	rf := req.ResponseFormat
	out := req
	out.ResponseFormat = &ResponseFormat{Type: "json_object"}
	if rf == nil || len(rf.Schema) == 0 {
		return out
	}
	schemaJSON, err := json.MarshalIndent(rf.Schema, "", "  ")
	if err != nil {
		return out
	}
	instr := Message{
		Role: "system",
		Content: "Respond with a single JSON object that validates against this JSON schema. " +
			"Output only the JSON object, no prose.\n\n" + string(schemaJSON),
	}
	msgs := make([]Message, 0, len(req.Messages)+1)
	msgs = append(msgs, instr)
	msgs = append(msgs, req.Messages...)
	out.Messages = msgs
	return out
}
