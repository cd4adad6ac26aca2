package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/enginevisor/internal/auth"
	"github.com/loykin/enginevisor/internal/supervisor"
)

// Service is the supervisor surface exposed over HTTP.
type Service interface {
	Start(ctx context.Context) supervisor.StartResult
	Status(ctx context.Context) supervisor.StatusResult
	ListWorkflows(ctx context.Context) supervisor.ListResult
	ExecuteWorkflow(ctx context.Context, workflowID string) supervisor.ExecuteResult
	Monitor(ctx context.Context) supervisor.MonitorResult
	History(ctx context.Context, workflowID string, limit int) supervisor.HistoryResult
	Stop(ctx context.Context) supervisor.StopResult
	Restart(ctx context.Context) supervisor.StartResult
	Logs(n int) supervisor.LogsResult
}

// Router provides embeddable HTTP handlers for the supervisor.
// Endpoints, relative to basePath:
//
//	POST {basePath}/workflow/start
//	GET  {basePath}/workflow/status
//	GET  {basePath}/workflow/list
//	POST {basePath}/workflow/execute/:id
//	GET  {basePath}/workflow/monitor
//	POST {basePath}/workflow/monitor        body: {"workflowId": "...", "limit": 10}
//	POST {basePath}/engine/stop
//	POST {basePath}/engine/restart
//	GET  {basePath}/engine/logs             query: lines=100
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	svc      Service
	basePath string
	logger   *slog.Logger
	metrics  http.Handler
	mpath    string
	auth     *auth.Middleware
}

func NewRouter(svc Service, basePath string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{svc: svc, basePath: sanitizeBase(basePath), logger: logger}
}

// WithAuth protects the API routes: reads need a viewer, everything that
// changes engine state needs an operator. Metrics stay open.
func (r *Router) WithAuth(m *auth.Middleware) *Router {
	r.auth = m
	return r
}

// WithMetrics mounts h at path, outside basePath.
func (r *Router) WithMetrics(path string, h http.Handler) *Router {
	r.mpath = sanitizeBase(path)
	r.metrics = h
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.accessLog())
	m := r.auth
	if m == nil {
		m = &auth.Middleware{}
	}
	group := g.Group(r.basePath, m.GinAuth())
	read, write := m.GinRequire(auth.RoleViewer), m.GinRequire(auth.RoleOperator)
	group.POST("/workflow/start", write, r.handleStart)
	group.GET("/workflow/status", read, r.handleStatus)
	group.GET("/workflow/list", read, r.handleList)
	group.POST("/workflow/execute/:id", write, r.handleExecute)
	group.GET("/workflow/monitor", read, r.handleMonitor)
	// history is a read even though it is a POST
	group.POST("/workflow/monitor", read, r.handleHistory)
	group.POST("/engine/stop", write, r.handleStop)
	group.POST("/engine/restart", write, r.handleRestart)
	group.GET("/engine/logs", read, r.handleLogs)
	if r.metrics != nil && r.mpath != "" {
		g.GET(r.mpath, gin.WrapH(r.metrics))
	}
	return g
}

// NewServer builds the HTTP server; tlsCfg may be nil. The write timeout is
// long because start and restart run the whole start method cascade.
func NewServer(addr string, h http.Handler, tlsCfg *tls.Config) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
}

// Serve runs srv until ctx is done, then shuts it down gracefully. Request
// contexts derive from ctx, so a start still running when ctx ends is
// canceled instead of holding up the shutdown.
func Serve(ctx context.Context, srv *http.Server, ln net.Listener) error {
	if srv.BaseContext == nil {
		srv.BaseContext = func(net.Listener) context.Context { return ctx }
	}
	errc := make(chan error, 1)
	go func() {
		var err error
		if srv.TLSConfig != nil {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		errc <- err
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (r *Router) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		begin := time.Now()
		c.Next()
		r.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed", time.Since(begin).Round(time.Millisecond))
	}
}

// --- Handlers ---

type errorResp struct {
	Success   bool      `json:"success"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

func badRequest(c *gin.Context, msg string) {
	writeJSON(c, http.StatusBadRequest, errorResp{Error: msg, Timestamp: time.Now()})
}

func (r *Router) handleStart(c *gin.Context) {
	res := r.svc.Start(c.Request.Context())
	writeJSON(c, statusFor(res.Envelope), res)
}

// handleStatus always answers 200: an unreachable engine is the answer, not
// a failure of the request.
func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.svc.Status(c.Request.Context()))
}

func (r *Router) handleList(c *gin.Context) {
	res := r.svc.ListWorkflows(c.Request.Context())
	writeJSON(c, statusFor(res.Envelope), res)
}

func (r *Router) handleExecute(c *gin.Context) {
	id := c.Param("id")
	if !isSafeID(id) {
		badRequest(c, "invalid workflow id")
		return
	}
	res := r.svc.ExecuteWorkflow(c.Request.Context(), id)
	writeJSON(c, statusFor(res.Envelope), res)
}

func (r *Router) handleMonitor(c *gin.Context) {
	res := r.svc.Monitor(c.Request.Context())
	writeJSON(c, statusFor(res.Envelope), res)
}

type historyReq struct {
	WorkflowID string `json:"workflowId"`
	Limit      int    `json:"limit"`
}

func (r *Router) handleHistory(c *gin.Context) {
	var req historyReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	if req.WorkflowID == "" {
		badRequest(c, "missing workflowId")
		return
	}
	if !isSafeID(req.WorkflowID) {
		badRequest(c, "invalid workflow id")
		return
	}
	if req.Limit < 0 || req.Limit > 250 {
		badRequest(c, "limit must be between 0 and 250")
		return
	}
	res := r.svc.History(c.Request.Context(), req.WorkflowID, req.Limit)
	writeJSON(c, statusFor(res.Envelope), res)
}

func (r *Router) handleStop(c *gin.Context) {
	res := r.svc.Stop(c.Request.Context())
	writeJSON(c, statusFor(res.Envelope), res)
}

func (r *Router) handleRestart(c *gin.Context) {
	res := r.svc.Restart(c.Request.Context())
	writeJSON(c, statusFor(res.Envelope), res)
}

func (r *Router) handleLogs(c *gin.Context) {
	n := 0
	if s := c.Query("lines"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 || v > 10000 {
			badRequest(c, "lines must be between 0 and 10000")
			return
		}
		n = v
	}
	res := r.svc.Logs(n)
	writeJSON(c, statusFor(res.Envelope), res)
}

func statusFor(e supervisor.Envelope) int {
	if e.Success {
		return http.StatusOK
	}
	switch e.Kind {
	case supervisor.KindNotRunning:
		return http.StatusNotFound
	case supervisor.KindDownstreamExecution, supervisor.KindEngineRequest, supervisor.KindHealthUnreachable:
		return http.StatusBadGateway
	case supervisor.KindAborted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
