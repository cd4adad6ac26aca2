package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/enginevisor/internal/supervisor"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := buildRoot(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func daemonStub(t *testing.T, routes map[string]any) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v, ok := routes[r.Method+" "+r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}))
	t.Cleanup(srv.Close)
	return srv.URL + "/api"
}

func TestStatusViaAPI(t *testing.T) {
	api := daemonStub(t, map[string]any{
		"GET /api/workflow/status": supervisor.StatusResult{
			Envelope:  supervisor.Envelope{Success: true},
			Connected: true,
			URL:       "http://localhost:5678",
			Endpoint:  "/healthz",
			State:     supervisor.StateHealthy,
		},
	})
	out, err := run(t, "status", "--api-url", api)
	require.NoError(t, err)
	assert.Contains(t, out, `"connected": true`)
	assert.Contains(t, out, `"/healthz"`)
}

func TestStatusCheckFailsWhenUnreachable(t *testing.T) {
	res := supervisor.StatusResult{URL: "http://localhost:5678", State: supervisor.StateNotStarted}
	res.Success = true
	res.Error = "connection refused"
	api := daemonStub(t, map[string]any{"GET /api/workflow/status": res})

	out, err := run(t, "status", "--api-url", api)
	require.NoError(t, err)
	assert.Contains(t, out, `"success": true`)
	assert.Contains(t, out, `"connected": false`)

	out, err = run(t, "status", "--check", "--api-url", api)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not reachable at http://localhost:5678")
	assert.Contains(t, out, "connection refused")
}

func TestStartViaAPIReportsExhaustion(t *testing.T) {
	res := supervisor.StartResult{URL: "http://localhost:5678", RunID: "r1"}
	res.Kind = supervisor.KindCatalogExhausted
	res.Error = "all 3 start methods failed"
	res.Suggestion = supervisor.DefaultSuggestion
	api := daemonStub(t, map[string]any{"POST /api/workflow/start": res})

	out, err := run(t, "start", "--api-url", api)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 3 start methods failed")
	assert.Contains(t, out, "npx n8n@latest start")
}

func TestWorkflowsRunViaAPI(t *testing.T) {
	api := daemonStub(t, map[string]any{
		"POST /api/workflow/execute/42": supervisor.ExecuteResult{
			Envelope:   supervisor.Envelope{Success: true},
			WorkflowID: "42",
		},
	})
	out, err := run(t, "workflows", "run", "42", "--api-url", api)
	require.NoError(t, err)
	assert.Contains(t, out, `"42"`)

	_, err = run(t, "workflows", "run", "--api-url", api)
	assert.Error(t, err)
}

func TestServeRejectsAPIURL(t *testing.T) {
	_, err := run(t, "serve", "--api-url", "http://127.0.0.1:1/api")
	require.Error(t, err)
}

func TestLogsLocal(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "data")
	require.NoError(t, os.MkdirAll(filepath.Join(data, "logs"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(data, "logs", "engine.log"), []byte("one\ntwo\nthree\n"), 0o600))
	cfg := filepath.Join(dir, "enginevisor.toml")
	require.NoError(t, os.WriteFile(cfg, []byte(`
[engine]
data_dir = "data"
base_url = "http://127.0.0.1:1"

[log]
level = "error"
`), 0o600))

	out, err := run(t, "logs", "-n", "2", "--config", cfg)
	require.NoError(t, err)
	var res supervisor.LogsResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Success)
	assert.Equal(t, []string{"two", "three"}, res.Lines)
}

func TestChildArgs(t *testing.T) {
	got := childArgs([]string{"serve", "--daemonize", "--pidfile", "p", "--daemonize=true"})
	assert.Equal(t, "serve --pidfile p", strings.Join(got, " "))
}

func TestPidFileRoundTrip(t *testing.T) {
	p := filepath.Join(t.TempDir(), "d.pid")
	require.NoError(t, writePidFile(p, 4242))
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "4242", string(b))
	require.NoError(t, removePidFile(p))
	require.NoError(t, removePidFile(p))
}
