package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/enginevisor/internal/supervisor"
)

func newClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/api/", Timeout: 2 * time.Second})
	require.NoError(t, err)
	return c
}

func TestStartDecodesFailureEnvelope(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/workflow/start", r.URL.Path)
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(supervisor.StartResult{
			Envelope: supervisor.Envelope{Kind: supervisor.KindCatalogExhausted, Error: "all 3 start methods failed", Suggestion: supervisor.DefaultSuggestion},
		})
	})
	res, err := c.Start(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, supervisor.KindCatalogExhausted, res.Kind)
	assert.Equal(t, supervisor.DefaultSuggestion, res.Suggestion)
}

func TestHistoryPostsBody(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req HistoryRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "42", req.WorkflowID)
		assert.Equal(t, 3, req.Limit)
		_ = json.NewEncoder(w).Encode(supervisor.HistoryResult{Envelope: supervisor.Envelope{Success: true}})
	})
	res, err := c.History(context.Background(), HistoryRequest{WorkflowID: "42", Limit: 3})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestBadRequestBecomesError(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"success":false,"error":"invalid workflow id"}`))
	})
	_, err := c.ExecuteWorkflow(context.Background(), "a b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid workflow id")
}

func TestIsReachable(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(supervisor.StatusResult{URL: "http://localhost:5678"})
	})
	assert.True(t, c.IsReachable(context.Background()))

	gone := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	assert.False(t, gone.IsReachable(context.Background()))
}

func TestLogsQuery(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "25", r.URL.Query().Get("lines"))
		_ = json.NewEncoder(w).Encode(supervisor.LogsResult{Envelope: supervisor.Envelope{Success: true}, Lines: []string{"x"}})
	})
	res, err := c.Logs(context.Background(), 25)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, res.Lines)
}

func TestBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-0123456789abcdef" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"success":false,"error":"authentication required"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(supervisor.StopResult{Envelope: supervisor.Envelope{Success: true}})
	}))
	defer srv.Close()

	anon, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = anon.Stop(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication required")

	c, err := New(Config{BaseURL: srv.URL, Token: "tok-0123456789abcdef"})
	require.NoError(t, err)
	res, err := c.Stop(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
}
