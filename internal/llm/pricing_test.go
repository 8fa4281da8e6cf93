package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPriceTableCost(t *testing.T) {
	fetches := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		require.Equal(t, "/models", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"id": "test-model", "pricing": map[string]string{"prompt": "0.000001", "completion": "0.000002"}},
				{"id": "broken", "pricing": map[string]string{"prompt": "n/a", "completion": ""}},
			},
		})
	}))
	defer srv.Close()

	pt := NewPriceTable(srv.URL, srv.Client(), nil)
	cost := pt.Cost(context.Background(), "test-model", 1000, 500)
	require.InDelta(t, 0.001+0.001, cost, 1e-9)

	// Cached: a second call does not refetch.
	_ = pt.Cost(context.Background(), "test-model", 1, 1)
	require.Equal(t, 1, fetches)

	require.Zero(t, pt.Cost(context.Background(), "unknown-model", 100, 100))
	require.Zero(t, pt.Cost(context.Background(), "broken", 100, 100))
}

func TestPriceTableNilDisabled(t *testing.T) {
	var pt *PriceTable
	require.Zero(t, pt.Cost(context.Background(), "any", 10, 10))
	require.Nil(t, NewPriceTable("", nil, nil))
}

func TestRetryableClassification(t *testing.T) {
	require.True(t, Retryable(ErrEmptyResponse))
	require.True(t, Retryable(&StatusError{StatusCode: 429}))
	require.True(t, Retryable(&StatusError{StatusCode: 503}))
	require.False(t, Retryable(&StatusError{StatusCode: 400}))
	require.False(t, Retryable(ErrMissionCancelled))
	require.False(t, Retryable(nil))
}

func TestSchemaUnsupported(t *testing.T) {
	require.True(t, SchemaUnsupported(&StatusError{StatusCode: 400, Body: "response_format not supported"}))
	require.False(t, SchemaUnsupported(&StatusError{StatusCode: 500, Body: "json_schema"}))
	require.False(t, SchemaUnsupported(ErrEmptyResponse))
}
