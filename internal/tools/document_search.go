package tools

import (
	"context"
	"encoding/json"

	"meridian/internal/observability"
	"meridian/internal/retriever"
	"meridian/internal/vectorstore"
)

// DocumentSearch queries the mission's document group through the hybrid
// retriever. The controller injects the group id via ToolContext; a missing
// group downgrades the search to an empty result instead of failing the run.
type DocumentSearch struct {
	retriever *retriever.Retriever
	defaultN  int
}

func NewDocumentSearch(r *retriever.Retriever, defaultN int) *DocumentSearch {
	if defaultN <= 0 {
		defaultN = 5
	}
	return &DocumentSearch{retriever: r, defaultN: defaultN}
}

func (t *DocumentSearch) Name() string { return "document_search" }

func (t *DocumentSearch) Description() string {
	return "Search the mission's uploaded document collection for passages relevant to a query."
}

func (t *DocumentSearch) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query":             map[string]any{"type": "string", "description": "Search query."},
			"n_results":         map[string]any{"type": "integer", "description": "Number of passages to return."},
			"use_reranker":      map[string]any{"type": "boolean", "description": "Re-score hits with the cross-encoder."},
			"document_group_id": map[string]any{"type": "string", "description": "Override the mission's document group."},
		},
		"required": []string{"query"},
	}
}

// DocumentHit is one passage returned to the calling agent.
type DocumentHit struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata"`
}

func (t *DocumentSearch) Call(ctx context.Context, tc ToolContext, args json.RawMessage) (any, error) {
	var params struct {
		Query           string `json:"query"`
		NResults        int    `json:"n_results"`
		UseReranker     bool   `json:"use_reranker"`
		DocumentGroupID string `json:"document_group_id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	groupID := params.DocumentGroupID
	if groupID == "" {
		groupID = tc.DocumentGroupID
	}
	if groupID == "" {
		// No corpus attached to this mission; document search is a no-op.
		observability.LoggerWithTrace(ctx).Debug().
			Str("mission_id", tc.MissionID).Msg("document_search without document group; returning empty")
		return map[string]any{"results": []DocumentHit{}}, nil
	}
	n := params.NResults
	if n <= 0 {
		n = t.defaultN
	}
	results, err := t.retriever.Retrieve(ctx, params.Query, retriever.Options{
		NResults:    n,
		Filter:      map[string]string{"document_group_id": groupID},
		UseReranker: params.UseReranker,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"results": toHits(results)}, nil
}

func toHits(results []vectorstore.Result) []DocumentHit {
	hits := make([]DocumentHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, DocumentHit{ID: r.ID, Text: r.Text, Score: r.Score, Metadata: r.Metadata})
	}
	return hits
}
