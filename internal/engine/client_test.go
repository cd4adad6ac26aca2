package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/"})
}

func TestListWorkflowsEnrichesWithLastExecution(t *testing.T) {
	c := newEngine(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rest/workflows":
			_, _ = io.WriteString(w, `{"data":[
				{"id":"1","name":"sync","active":true,"tags":[{"id":"t","name":"ops"},"nightly"]},
				{"id":2,"name":"","active":false,"notes":"manual only"},
				{"id":"3","name":"broken","active":false}]}`)
		case "/rest/executions":
			var f map[string]string
			assert.NoError(t, json.Unmarshal([]byte(r.URL.Query().Get("filter")), &f))
			assert.Equal(t, "1", r.URL.Query().Get("limit"))
			switch f["workflowId"] {
			case "1":
				_, _ = io.WriteString(w, `{"data":[{"id":"9","workflowId":"1","finished":true,"startedAt":"2024-05-01T10:00:00Z","stoppedAt":"2024-05-01T10:00:02Z"}],"count":42}`)
			case "2":
				_, _ = io.WriteString(w, `[]`)
			default:
				w.WriteHeader(http.StatusInternalServerError)
			}
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	list, err := c.ListWorkflows(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 3)

	assert.Equal(t, ID("1"), list[0].ID)
	assert.Equal(t, "running", list[0].Status)
	assert.Equal(t, 42, list[0].Executions)
	assert.Equal(t, "ops, nightly", list[0].Description)
	require.NotNil(t, list[0].LastRun)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), list[0].LastRun.UTC())

	assert.Equal(t, ID("2"), list[1].ID)
	assert.Equal(t, "Untitled workflow", list[1].Name)
	assert.Equal(t, "stopped", list[1].Status)
	assert.Equal(t, "manual only", list[1].Description)
	assert.Nil(t, list[1].LastRun)

	assert.Equal(t, StatusError, list[2].Status)
}

func TestListWorkflowsUpstreamFailure(t *testing.T) {
	c := newEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	_, err := c.ListWorkflows(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "engine API error: 401", apiErr.Error())
}

func TestExecutePostsWorkflowIDOnce(t *testing.T) {
	var calls atomic.Int32
	c := newEngine(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/rest/workflows/run", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "wf-7", body["workflowId"])
		_, _ = io.WriteString(w, `{"data":{"executionId":"100"}}`)
	})
	res, err := c.Execute(context.Background(), "wf-7")
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":{"executionId":"100"}}`, string(res))
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecuteRejectedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newEngine(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := c.Execute(context.Background(), "wf-7")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecuteTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(Config{BaseURL: srv.URL, ExecuteTimeout: 50 * time.Millisecond})
	_, err := c.Execute(context.Background(), "slow")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestMonitorStats(t *testing.T) {
	c := newEngine(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rest/executions":
			assert.Equal(t, "20", r.URL.Query().Get("limit"))
			_, _ = io.WriteString(w, `{"data":{"results":[
				{"id":"1","workflowId":"a","finished":true,"stoppedAt":"2024-05-01T10:00:02Z","startedAt":"2024-05-01T10:00:00Z","workflowData":{"id":"a","name":"Alpha"}},
				{"id":"2","workflowId":"a","finished":true,"executionTime":4000},
				{"id":"3","workflowId":"b","finished":false}],"count":57}}`)
		case "/rest/workflows":
			assert.Equal(t, "true", r.URL.Query().Get("active"))
			_, _ = io.WriteString(w, `[{"id":"a","name":"Alpha","active":true},{"id":"b","name":"Beta","active":false}]`)
		}
	})
	m, err := c.Monitor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 57, m.Stats.TotalExecutions)
	assert.Equal(t, 1, m.Stats.ActiveWorkflows)
	assert.Equal(t, 1, m.Stats.SuccessfulExecutions)
	assert.Equal(t, 1, m.Stats.FailedExecutions)
	assert.Equal(t, 1, m.Stats.RunningExecutions)
	assert.InDelta(t, 2000.0, m.Stats.AverageExecutionTime, 0.001)
	assert.Equal(t, "Alpha", m.Executions[0].WorkflowName)
}

func TestMonitorToleratesActiveWorkflowFailure(t *testing.T) {
	c := newEngine(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/rest/executions" {
			_, _ = io.WriteString(w, `[]`)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	})
	m, err := c.Monitor(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, m.ActiveWorkflows)
	assert.Empty(t, m.ActiveWorkflows)
}

func TestHistoryRequiresWorkflowID(t *testing.T) {
	c := New(Config{})
	_, err := c.History(context.Background(), "", 10)
	assert.Error(t, err)
}

func TestHistoryIncludesRunData(t *testing.T) {
	c := newEngine(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		_, _ = io.WriteString(w, `{"data":[{"id":"1","finished":true,"stoppedAt":"2024-05-01T10:00:00Z","data":{"resultData":{}}}]}`)
	})
	h, err := c.History(context.Background(), "wf", 5)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Total)
	require.Len(t, h.Executions, 1)
	assert.Equal(t, StatusSuccess, h.Executions[0].Status)
	assert.JSONEq(t, `{"resultData":{}}`, string(h.Executions[0].Data))
}

func TestAPIKeyHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k3y", r.Header.Get("X-N8N-API-KEY"))
		_, _ = io.WriteString(w, `[]`)
	}))
	defer srv.Close()
	_, err := New(Config{BaseURL: srv.URL, APIKey: "k3y"}).Workflows(context.Background())
	require.NoError(t, err)
}
