package queryprep

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"meridian/internal/llm"
	"meridian/internal/observability"
)

// Technique names one query-rewriting strategy.
type Technique string

const (
	// ZeroShotRewrite produces one concise, specific rewrite; vague anaphora
	// is expanded using names from the domain context.
	ZeroShotRewrite Technique = "zero_shot_rewrite"
	// SubQuery decomposes the query into independently answerable questions.
	SubQuery Technique = "sub_query"
	// StepBack emits exactly one broader question preserving named entities.
	StepBack Technique = "step_back"
)

const agentMode = "query_preparation"

// Dispatcher is the slice of the model dispatcher this package consumes.
type Dispatcher interface {
	Dispatch(ctx context.Context, call llm.Call) (*llm.ChatResponse, *llm.CallDetails, error)
}

// Preparer rewrites queries for retrieval and trims over-long web queries.
type Preparer struct {
	dispatcher    Dispatcher
	maxSubqueries int
}

func New(dispatcher Dispatcher, maxSubqueries int) *Preparer {
	if maxSubqueries <= 0 {
		maxSubqueries = 3
	}
	return &Preparer{dispatcher: dispatcher, maxSubqueries: maxSubqueries}
}

// PrepareQueries applies the requested techniques to the original query and
// returns the deduplicated results in technique order. The original query is
// included only when a technique reproduces it, or alone when no technique
// yields any query.
func (p *Preparer) PrepareQueries(ctx context.Context, missionID, original string, techniques []Technique, domainContext string) ([]string, []llm.CallDetails, error) {
	log := observability.LoggerWithTrace(ctx)
	var queries []string
	var details []llm.CallDetails
	for _, tech := range techniques {
		out, d, err := p.applyTechnique(ctx, missionID, original, tech, domainContext)
		if d != nil {
			details = append(details, *d)
		}
		if err != nil {
			log.Warn().Err(err).Str("technique", string(tech)).Msg("query rewriting failed; skipping technique")
			continue
		}
		queries = append(queries, out...)
	}
	if len(queries) == 0 {
		queries = []string{original}
	}
	return dedupe(queries), details, nil
}

func (p *Preparer) applyTechnique(ctx context.Context, missionID, original string, tech Technique, domainContext string) ([]string, *llm.CallDetails, error) {
	var prompt string
	switch tech {
	case ZeroShotRewrite:
		prompt = fmt.Sprintf(`Rewrite the following search query to be concise and specific for document retrieval.
Expand vague references ("these", "those", "it") using names from the context below.
Return JSON: {"queries": ["<one rewritten query>"]}

Context: %s

Query: %s`, domainContext, original)
	case SubQuery:
		prompt = fmt.Sprintf(`Decompose the following query into at most %d independently answerable sub-questions.
Return JSON: {"queries": ["...", "..."]}

Context: %s

Query: %s`, p.maxSubqueries, domainContext, original)
	case StepBack:
		prompt = fmt.Sprintf(`Write exactly one broader, more general question behind the following query.
Preserve all named entities. Return JSON: {"queries": ["<one broader question>"]}

Query: %s`, original)
	default:
		return nil, nil, fmt.Errorf("unknown query technique %q", tech)
	}

	resp, d, err := p.dispatcher.Dispatch(ctx, llm.Call{
		AgentMode: agentMode,
		MissionID: missionID,
		Messages: []llm.Message{
			{Role: "system", Content: "You rewrite search queries. Respond with JSON only."},
			{Role: "user", Content: prompt},
		},
		ResponseFormat: &llm.ResponseFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, d, err
	}
	var parsed struct {
		Queries []string `json:"queries"`
	}
	if err := json.Unmarshal([]byte(extractJSON(resp.Message.Content)), &parsed); err != nil {
		return nil, d, fmt.Errorf("parse %s output: %w", tech, err)
	}
	out := make([]string, 0, len(parsed.Queries))
	for _, q := range parsed.Queries {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
	}
	if tech != SubQuery && len(out) > 1 {
		out = out[:1]
	}
	if tech == SubQuery && len(out) > p.maxSubqueries {
		out = out[:p.maxSubqueries]
	}
	return out, d, nil
}

// RefineLongQuery shortens a query that exceeds maxLength, retrying the LLM
// up to 3 times before falling back to word-boundary truncation with an
// ellipsis. Queries at or under the limit pass through unchanged.
func (p *Preparer) RefineLongQuery(ctx context.Context, missionID, query string, maxLength int) (string, []llm.CallDetails, error) {
	if maxLength <= 0 || len(query) <= maxLength {
		return query, nil, nil
	}
	log := observability.LoggerWithTrace(ctx)
	log.Info().Int("length", len(query)).Int("max", maxLength).Msg("query too long; refining")

	var details []llm.CallDetails
	for attempt := 0; attempt < 3; attempt++ {
		prompt := fmt.Sprintf(`The following search query is too long for the web search API (max %d characters).
Rewrite it as a single concise query that keeps the essential entities and intent.
Target %d characters; it MUST be under %d characters. Respond with the query text only.

Query: %s`, maxLength, maxLength-20, maxLength, query)
		resp, d, err := p.dispatcher.Dispatch(ctx, llm.Call{
			AgentMode: agentMode,
			MissionID: missionID,
			Messages: []llm.Message{
				{Role: "user", Content: prompt},
			},
		})
		if d != nil {
			details = append(details, *d)
		}
		if err != nil {
			break
		}
		refined := strings.TrimSpace(strings.Trim(strings.TrimSpace(resp.Message.Content), `"`))
		if refined != "" && len(refined) <= maxLength {
			return refined, details, nil
		}
	}
	return truncateOnWordBoundary(query, maxLength), details, nil
}

// truncateOnWordBoundary cuts at the last space before the limit when that
// keeps at least 70% of the budget, else hard-cuts, appending an ellipsis.
func truncateOnWordBoundary(query string, maxLength int) string {
	if len(query) <= maxLength {
		return query
	}
	cut := query[:maxLength-3]
	if idx := strings.LastIndex(cut, " "); idx > int(float64(maxLength)*0.7) {
		cut = cut[:idx]
	}
	return cut + "..."
}

func dedupe(queries []string) []string {
	seen := make(map[string]struct{}, len(queries))
	out := make([]string, 0, len(queries))
	for _, q := range queries {
		key := strings.ToLower(strings.TrimSpace(q))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, strings.TrimSpace(q))
	}
	return out
}

// extractJSON strips code fences and surrounding prose from a model reply,
// returning the outermost JSON object when one is present.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
