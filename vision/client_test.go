package vision

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, RequestsPerSecond: 1000})
	require.NoError(t, err)
	return c
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestProcessVisionRoundTrip(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/process_vision", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "find the search button", body["text_command"])
		assert.NotEmpty(t, body["screenshot_bytes"])

		json.NewEncoder(w).Encode(Grounding{
			Found: true, X: 120, Y: 340, Width: 80, Height: 24,
			Confidence: 0.92, Description: "blue search button",
		})
	}))

	got, err := c.ProcessVision(context.Background(), GroundRequest{
		Screenshot:  []byte{0x89, 0x50, 0x4e, 0x47},
		Context:     "search page",
		TextCommand: "find the search button",
	})
	require.NoError(t, err)
	assert.True(t, got.Found)
	assert.Equal(t, 120.0, got.X)
	assert.InDelta(t, 0.92, got.Confidence, 1e-9)
}

func TestPostRetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(Grounding{Found: true})
	}))

	got, err := c.ProcessVision(context.Background(), GroundRequest{TextCommand: "x"})
	require.NoError(t, err)
	assert.True(t, got.Found)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPostDoesNotRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))

	_, err := c.ProcessVision(context.Background(), GroundRequest{TextCommand: "x"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestQueryMemoryDefaultsTopK(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var q MemoryQuery
		require.NoError(t, json.NewDecoder(r.Body).Decode(&q))
		assert.Equal(t, 3, q.TopK)
		json.NewEncoder(w).Encode([]MemoryHit{{Text: "t", Similarity: 0.88, ActionPlan: "p"}})
	}))

	hits, err := c.QueryMemory(context.Background(), MemoryQuery{Query: "people results"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "p", hits[0].ActionPlan)
}

func TestHealth(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			json.NewEncoder(w).Encode(map[string]string{"status": "healthy", "service": "vision"})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	require.NoError(t, c.Health(context.Background()))
}
