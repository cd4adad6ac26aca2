package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultBaseURL        = "http://localhost:5678"
	DefaultListTimeout    = 10 * time.Second
	DefaultLookupTimeout  = 5 * time.Second
	DefaultExecuteTimeout = 15 * time.Second

	// APIKeyHeader carries the engine public API key.
	APIKeyHeader = "X-N8N-API-KEY"

	// lookupParallelism bounds concurrent per-workflow execution lookups.
	lookupParallelism = 4
	monitorLimit      = 20
	maxBody           = 8 << 20
)

type Config struct {
	BaseURL        string
	APIKey         string
	Header         http.Header
	ListTimeout    time.Duration
	LookupTimeout  time.Duration
	ExecuteTimeout time.Duration
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

// APIError is a non-2xx answer from the engine.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("engine API error: %d", e.Status)
}

// Client talks to the engine's REST API. Every call carries its own timeout
// so a hung engine cannot hold a caller indefinitely.
type Client struct {
	baseURL string
	header  http.Header
	cfg     Config
	http    *http.Client
	logger  *slog.Logger
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.ListTimeout <= 0 {
		cfg.ListTimeout = DefaultListTimeout
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultLookupTimeout
	}
	if cfg.ExecuteTimeout <= 0 {
		cfg.ExecuteTimeout = DefaultExecuteTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := cfg.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	if cfg.APIKey != "" {
		h.Set(APIKeyHeader, cfg.APIKey)
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		header:  h,
		cfg:     cfg,
		http:    cfg.HTTPClient,
		logger:  cfg.Logger,
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

// Workflows returns every workflow the engine knows about.
func (c *Client) Workflows(ctx context.Context) ([]Workflow, error) {
	p, err := getPage[Workflow](ctx, c, "/rest/workflows", nil, c.cfg.ListTimeout)
	return p.Items, err
}

// ActiveWorkflows returns only active workflows. The query flag is not
// honoured by every engine version, so the result is filtered again here.
func (c *Client) ActiveWorkflows(ctx context.Context) ([]Workflow, error) {
	p, err := getPage[Workflow](ctx, c, "/rest/workflows", url.Values{"active": {"true"}}, c.cfg.ListTimeout)
	if err != nil {
		return nil, err
	}
	out := make([]Workflow, 0, len(p.Items))
	for _, w := range p.Items {
		if w.Active {
			out = append(out, w)
		}
	}
	return out, nil
}

// Executions lists recent executions, optionally for one workflow. The
// returned count is the engine's total when it reports one.
func (c *Client) Executions(ctx context.Context, workflowID string, limit int, timeout time.Duration) ([]Execution, int, error) {
	q := url.Values{}
	if workflowID != "" {
		f, err := json.Marshal(map[string]string{"workflowId": workflowID})
		if err != nil {
			return nil, 0, err
		}
		q.Set("filter", string(f))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if timeout <= 0 {
		timeout = c.cfg.ListTimeout
	}
	p, err := getPage[Execution](ctx, c, "/rest/executions", q, timeout)
	return p.Items, p.Count, err
}

// ListWorkflows returns the workflow list enriched with each workflow's most
// recent execution. A failed lookup marks that workflow as "error" instead of
// failing the whole list.
func (c *Client) ListWorkflows(ctx context.Context) ([]WorkflowSummary, error) {
	wfs, err := c.Workflows(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]WorkflowSummary, len(wfs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(lookupParallelism)
	for i, wf := range wfs {
		g.Go(func() error {
			out[i] = c.summarize(gctx, wf)
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

func (c *Client) summarize(ctx context.Context, wf Workflow) WorkflowSummary {
	s := WorkflowSummary{ID: wf.ID, Name: wf.Name, Status: "stopped"}
	if s.Name == "" {
		s.Name = "Untitled workflow"
	}
	if wf.Active {
		s.Status = "running"
	}
	execs, count, err := c.Executions(ctx, string(wf.ID), 1, c.cfg.LookupTimeout)
	if err != nil {
		c.logger.Warn("workflow execution lookup failed", "workflow", wf.ID, "error", err)
		s.Status = StatusError
		s.Description = "status unavailable"
		return s
	}
	if len(execs) > 0 {
		s.LastRun = execs[0].StartedAt
	}
	s.Executions = count
	s.Description = describe(wf)
	return s
}

func describe(wf Workflow) string {
	var names []string
	for _, t := range wf.Tags {
		if t.Name != "" {
			names = append(names, t.Name)
		}
	}
	if len(names) > 0 {
		return strings.Join(names, ", ")
	}
	if wf.Notes != "" {
		return wf.Notes
	}
	return "No description"
}

// Monitor gathers recent executions, active workflows and summary stats.
// Active workflows are best effort: their failure leaves the list empty.
func (c *Client) Monitor(ctx context.Context) (Monitor, error) {
	execs, total, err := c.Executions(ctx, "", monitorLimit, c.cfg.ListTimeout)
	if err != nil {
		return Monitor{}, err
	}
	active, err := c.ActiveWorkflows(ctx)
	if err != nil {
		c.logger.Warn("active workflow lookup failed", "error", err)
		active = []Workflow{}
	}
	m := Monitor{Executions: make([]ExecutionView, 0, len(execs)), ActiveWorkflows: active}
	var sum float64
	for _, e := range execs {
		v := viewOf(e, false)
		m.Executions = append(m.Executions, v)
		switch v.Status {
		case StatusRunning:
			m.Stats.RunningExecutions++
		case StatusSuccess:
			m.Stats.SuccessfulExecutions++
		case StatusError:
			m.Stats.FailedExecutions++
		}
		if v.ExecutionTime != nil {
			sum += *v.ExecutionTime
		}
	}
	m.Stats.TotalExecutions = total
	m.Stats.ActiveWorkflows = len(active)
	if n := len(m.Executions); n > 0 {
		m.Stats.AverageExecutionTime = sum / float64(n)
	}
	return m, nil
}

// History returns up to limit executions of one workflow, including run data.
func (c *Client) History(ctx context.Context, workflowID string, limit int) (History, error) {
	if workflowID == "" {
		return History{}, errors.New("missing workflowId")
	}
	if limit <= 0 {
		limit = 10
	}
	execs, total, err := c.Executions(ctx, workflowID, limit, c.cfg.ListTimeout)
	if err != nil {
		return History{}, err
	}
	h := History{WorkflowID: ID(workflowID), Executions: make([]ExecutionView, 0, len(execs)), Total: total}
	for _, e := range execs {
		h.Executions = append(h.Executions, viewOf(e, true))
	}
	return h, nil
}

// Execute triggers one run of a workflow and returns the engine's response
// verbatim. It is never retried: a run may have external side effects.
func (c *Client) Execute(ctx context.Context, workflowID string) (json.RawMessage, error) {
	if workflowID == "" {
		return nil, errors.New("missing workflowId")
	}
	body, err := json.Marshal(map[string]string{"workflowId": workflowID})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	b, err := c.do(ctx, http.MethodPost, "/rest/workflows/run", nil, body, c.cfg.ExecuteTimeout)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("engine returned invalid JSON")
	}
	return json.RawMessage(b), nil
}

func getPage[T any](ctx context.Context, c *Client, path string, q url.Values, timeout time.Duration) (page[T], error) {
	b, err := c.do(ctx, http.MethodGet, path, q, nil, timeout)
	if err != nil {
		return page[T]{}, err
	}
	p, err := decodePage[T](b)
	if err != nil {
		return p, fmt.Errorf("decode %s: %w", path, err)
	}
	return p, nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body []byte, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header = c.header.Clone()
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s %s: timeout after %s", method, path, timeout)
		}
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debug("engine API request failed", "method", method, "path", path, "status", resp.StatusCode)
		return nil, &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: truncate(string(b), 512)}
	}
	return b, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
