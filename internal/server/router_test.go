package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/enginevisor/internal/auth"
	"github.com/loykin/enginevisor/internal/engine"
	"github.com/loykin/enginevisor/internal/supervisor"
)

type fakeService struct {
	mu       sync.Mutex
	calls    []string
	started  supervisor.StartResult
	executed supervisor.ExecuteResult
	stopped  supervisor.StopResult
	histID   string
	histN    int
	logsN    int
	// holdStart makes Start block until its context ends
	holdStart bool
}

func (f *fakeService) record(name string) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
}

func ok() supervisor.Envelope { return supervisor.Envelope{Success: true, Timestamp: time.Now()} }

func failed(k supervisor.Kind) supervisor.Envelope {
	return supervisor.Envelope{Kind: k, Error: string(k), Timestamp: time.Now()}
}

func (f *fakeService) Start(ctx context.Context) supervisor.StartResult {
	f.record("start")
	if f.holdStart {
		<-ctx.Done()
		return supervisor.StartResult{Envelope: failed(supervisor.KindAborted)}
	}
	return f.started
}

func (f *fakeService) Status(context.Context) supervisor.StatusResult {
	f.record("status")
	res := supervisor.StatusResult{Envelope: ok(), URL: "http://localhost:5678"}
	res.Error = "connection refused"
	return res
}

func (f *fakeService) ListWorkflows(context.Context) supervisor.ListResult {
	f.record("list")
	return supervisor.ListResult{Envelope: ok(), Workflows: []engine.WorkflowSummary{{ID: "1", Name: "Sync"}}}
}

func (f *fakeService) ExecuteWorkflow(_ context.Context, id string) supervisor.ExecuteResult {
	f.record("execute:" + id)
	res := f.executed
	res.WorkflowID = id
	return res
}

func (f *fakeService) Monitor(context.Context) supervisor.MonitorResult {
	f.record("monitor")
	return supervisor.MonitorResult{Envelope: ok(), Data: &engine.Monitor{}}
}

func (f *fakeService) History(_ context.Context, id string, limit int) supervisor.HistoryResult {
	f.record("history")
	f.histID, f.histN = id, limit
	return supervisor.HistoryResult{Envelope: ok(), Data: &engine.History{}}
}

func (f *fakeService) Stop(context.Context) supervisor.StopResult {
	f.record("stop")
	return f.stopped
}

func (f *fakeService) Restart(context.Context) supervisor.StartResult {
	f.record("restart")
	return f.started
}

func (f *fakeService) Logs(n int) supervisor.LogsResult {
	f.record("logs")
	f.logsN = n
	return supervisor.LogsResult{Envelope: ok(), Lines: []string{"a"}}
}

func setupRouter(t *testing.T, base string, svc Service) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(svc, base, nil).
		WithMetrics("/metrics", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "# metrics\n")
		})).
		Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m), rec.Body.String())
	return m
}

func TestStartEnvelope(t *testing.T) {
	svc := &fakeService{started: supervisor.StartResult{Envelope: ok(), Message: "engine started with global", Method: "global"}}
	h := setupRouter(t, "/api", svc)

	rec := doReq(t, h, http.MethodPost, "/api/workflow/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	m := decode(t, rec)
	assert.Equal(t, true, m["success"])
	assert.Equal(t, "global", m["method"])
	assert.NotEmpty(t, m["timestamp"])
}

func TestStartExhaustedIs500(t *testing.T) {
	env := failed(supervisor.KindCatalogExhausted)
	env.Suggestion = supervisor.DefaultSuggestion
	svc := &fakeService{started: supervisor.StartResult{Envelope: env}}
	h := setupRouter(t, "", svc)

	rec := doReq(t, h, http.MethodPost, "/workflow/start", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	m := decode(t, rec)
	assert.Equal(t, false, m["success"])
	assert.Equal(t, "catalog_exhausted", m["kind"])
	assert.Equal(t, supervisor.DefaultSuggestion, m["suggestion"])
}

func TestStatusIsAlways200(t *testing.T) {
	h := setupRouter(t, "", &fakeService{})
	rec := doReq(t, h, http.MethodGet, "/workflow/status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["connected"])
}

func TestExecute(t *testing.T) {
	svc := &fakeService{executed: supervisor.ExecuteResult{Envelope: failed(supervisor.KindDownstreamExecution)}}
	h := setupRouter(t, "", svc)

	rec := doReq(t, h, http.MethodPost, "/workflow/execute/abc-1", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "abc-1", decode(t, rec)["workflowId"])

	rec = doReq(t, h, http.MethodPost, "/workflow/execute/a%20b", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	svc.mu.Lock()
	assert.Equal(t, []string{"execute:abc-1"}, svc.calls)
	svc.mu.Unlock()
}

func TestHistoryValidation(t *testing.T) {
	svc := &fakeService{}
	h := setupRouter(t, "", svc)

	rec := doReq(t, h, http.MethodPost, "/workflow/monitor", map[string]any{"limit": 5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/workflow/monitor", map[string]any{"workflowId": "7", "limit": 1000})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/workflow/monitor", map[string]any{"workflowId": "7", "limit": 5})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "7", svc.histID)
	assert.Equal(t, 5, svc.histN)

	rec = doReq(t, h, http.MethodGet, "/workflow/monitor", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStopNotRunningIs404(t *testing.T) {
	svc := &fakeService{stopped: supervisor.StopResult{Envelope: failed(supervisor.KindNotRunning)}}
	h := setupRouter(t, "", svc)
	rec := doReq(t, h, http.MethodPost, "/engine/stop", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogsQuery(t *testing.T) {
	svc := &fakeService{}
	h := setupRouter(t, "", svc)

	rec := doReq(t, h, http.MethodGet, "/engine/logs?lines=20", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 20, svc.logsN)

	rec = doReq(t, h, http.MethodGet, "/engine/logs?lines=lots", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsMountedOutsideBase(t *testing.T) {
	h := setupRouter(t, "/api", &fakeService{})
	rec := doReq(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# metrics")

	rec = doReq(t, h, http.MethodGet, "/workflow/list", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer(ln.Addr().String(), setupRouter(t, "", &fakeService{}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- Serve(ctx, srv, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/workflow/status")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServeCancelsInFlightStart(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	svc := &fakeService{holdStart: true}
	srv := NewServer(ln.Addr().String(), setupRouter(t, "", svc), nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- Serve(ctx, srv, ln) }()

	codes := make(chan int, 1)
	go func() {
		resp, err := http.Post("http://"+ln.Addr().String()+"/workflow/start", "application/json", nil)
		if err != nil {
			codes <- 0
			return
		}
		_ = resp.Body.Close()
		codes <- resp.StatusCode
	}()
	require.Eventually(t, func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		return len(svc.calls) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown waited on the running start")
	}
	assert.Equal(t, http.StatusServiceUnavailable, <-codes)
}

func TestAuthRoles(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m, err := auth.NewMiddleware(auth.Config{
		Enabled: true,
		Tokens: []auth.Token{
			{Name: "dash", Value: "viewer-token-0123456789", Role: auth.RoleViewer},
			{Name: "ops", Value: "operator-token-0123456789", Role: auth.RoleOperator},
		},
	})
	require.NoError(t, err)
	svc := &fakeService{}
	h := NewRouter(svc, "/api", nil).
		WithAuth(m).
		WithMetrics("/metrics", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {})).
		Handler()

	as := func(token, method, path string) int {
		req := httptest.NewRequest(method, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusUnauthorized, as("", http.MethodGet, "/api/workflow/status"))
	assert.Equal(t, http.StatusOK, as("viewer-token-0123456789", http.MethodGet, "/api/workflow/status"))
	assert.Equal(t, http.StatusForbidden, as("viewer-token-0123456789", http.MethodPost, "/api/engine/stop"))
	assert.Equal(t, http.StatusOK, as("", http.MethodGet, "/metrics"))
	assert.NotContains(t, svc.calls, "stop")
}
