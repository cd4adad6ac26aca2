package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultEndpoints are probed in order; the first 2xx wins. The list spans
// engine versions that expose different health routes.
var DefaultEndpoints = []string{
	"/rest/healthz",
	"/rest/health",
	"/rest/workflows?limit=1",
	"/rest/active",
}

const DefaultRequestTimeout = 3 * time.Second

type Config struct {
	Endpoints      []string
	RequestTimeout time.Duration
	Header         http.Header
	Client         *http.Client
}

// Result is the outcome of one endpoint request. Reachable means an HTTP
// response arrived at all; OK means it was 2xx.
type Result struct {
	Endpoint   string `json:"endpoint"`
	Reachable  bool   `json:"reachable"`
	OK         bool   `json:"ok"`
	StatusCode int    `json:"statusCode,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Report aggregates one probe pass.
type Report struct {
	URL       string    `json:"url"`
	Connected bool      `json:"connected"`
	Endpoint  string    `json:"endpoint,omitempty"`
	Results   []Result  `json:"results"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Observer is notified of every endpoint result; metrics hook in here.
type Observer func(Result)

// Prober issues HTTP health checks against an engine base URL. It holds no
// per-probe state and is safe for concurrent use.
type Prober struct {
	endpoints []string
	timeout   time.Duration
	header    http.Header
	client    *http.Client
	observe   Observer
	logger    *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	eps := cfg.Endpoints
	if len(eps) == 0 {
		eps = DefaultEndpoints
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	header := cfg.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if header.Get("Accept") == "" {
		header.Set("Accept", "application/json")
	}
	return &Prober{
		endpoints: append([]string(nil), eps...),
		timeout:   timeout,
		header:    header,
		client:    client,
		logger:    logger,
	}
}

// OnResult installs an observer; nil disables observation.
func (p *Prober) OnResult(fn Observer) { p.observe = fn }

func (p *Prober) Endpoints() []string { return append([]string(nil), p.endpoints...) }

// Probe queries the endpoints in order and stops at the first 2xx. Each
// request is bounded by the per-request timeout; an error on one endpoint
// falls through to the next. Probe never returns an error: unreachability is
// data in the report.
func (p *Prober) Probe(ctx context.Context, baseURL string) Report {
	base := strings.TrimRight(baseURL, "/")
	rep := Report{URL: base, Timestamp: time.Now()}
	for _, ep := range p.endpoints {
		if ctx.Err() != nil {
			break
		}
		r := p.probeOne(ctx, base, ep)
		rep.Results = append(rep.Results, r)
		if p.observe != nil {
			p.observe(r)
		}
		if r.OK {
			rep.Connected = true
			rep.Endpoint = ep
			return rep
		}
	}
	rep.Error = lastError(rep.Results, ctx.Err())
	p.logger.Debug("engine health probe failed", "url", base, "error", rep.Error)
	return rep
}

func (p *Prober) probeOne(ctx context.Context, base, ep string) Result {
	r := Result{Endpoint: ep}
	rctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(rctx, http.MethodGet, base+ep, nil)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	req.Header = p.header.Clone()
	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(rctx.Err(), context.DeadlineExceeded) {
			r.Error = fmt.Sprintf("timeout after %s", p.timeout)
		} else {
			r.Error = err.Error()
		}
		return r
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
	r.Reachable = true
	r.StatusCode = resp.StatusCode
	r.OK = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !r.OK {
		r.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return r
}

// Connected reports whether any endpoint answered 2xx.
func (p *Prober) Connected(ctx context.Context, baseURL string) bool {
	return p.Probe(ctx, baseURL).Connected
}

// ErrUnhealthy is returned by WaitUntilHealthy when every attempt failed.
var ErrUnhealthy = errors.New("engine did not become healthy")

// WaitUntilHealthy probes up to attempts times, sleeping interval between
// attempts but not after the last one. It returns the first connected report.
// Cancellation ends the wait early with ctx.Err().
func (p *Prober) WaitUntilHealthy(ctx context.Context, baseURL string, attempts int, interval time.Duration) (Report, error) {
	if attempts < 1 {
		attempts = 1
	}
	var last Report
	for i := 0; i < attempts; i++ {
		if i > 0 && interval > 0 {
			t := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				t.Stop()
				return last, ctx.Err()
			case <-t.C:
			}
		}
		last = p.Probe(ctx, baseURL)
		if last.Connected {
			return last, nil
		}
		if err := ctx.Err(); err != nil {
			return last, err
		}
	}
	return last, fmt.Errorf("%w after %d attempts: %s", ErrUnhealthy, attempts, last.Error)
}

func lastError(results []Result, ctxErr error) string {
	if ctxErr != nil {
		return ctxErr.Error()
	}
	for i := len(results) - 1; i >= 0; i-- {
		if results[i].Error != "" {
			return results[i].Error
		}
	}
	return "no health endpoint responded"
}
