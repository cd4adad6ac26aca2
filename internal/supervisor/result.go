package supervisor

import (
	"encoding/json"
	"time"

	"github.com/loykin/enginevisor/internal/engine"
	"github.com/loykin/enginevisor/internal/health"
)

// Kind classifies a failure for callers. Errors never cross the supervisor
// boundary as Go errors; they are reported as a Kind plus a message.
type Kind string

const (
	KindSpawnFailure        Kind = "spawn_failure"
	KindFatalStartup        Kind = "fatal_startup_error"
	KindStartupTimeout      Kind = "startup_timeout"
	KindCatalogExhausted    Kind = "catalog_exhausted"
	KindHealthUnreachable   Kind = "health_probe_unreachable"
	KindDownstreamExecution Kind = "downstream_execution_error"
	KindEngineRequest       Kind = "engine_request_error"
	KindPreflight           Kind = "preflight_failure"
	KindNotRunning          Kind = "not_running"
	KindAborted             Kind = "aborted"
)

// Envelope is embedded in every result so each carries success and a
// timestamp, and on failure an error, its kind and possibly a suggestion.
type Envelope struct {
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	Kind       Kind      `json:"kind,omitempty"`
	Suggestion string    `json:"suggestion,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e *Envelope) fail(kind Kind, msg string) {
	e.Success = false
	e.Kind = kind
	e.Error = msg
}

type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
)

// Attempt records one start method's try within a run.
type Attempt struct {
	Index     int       `json:"index"`
	Method    string    `json:"method"`
	Command   string    `json:"command"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
	Outcome   Outcome   `json:"outcome"`
	Kind      Kind      `json:"kind,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	ExitCode  *int      `json:"exitCode,omitempty"`
}

type StartResult struct {
	Envelope
	AlreadyRunning bool      `json:"alreadyRunning"`
	Message        string    `json:"message"`
	URL            string    `json:"url"`
	PID            int       `json:"pid,omitempty"`
	Method         string    `json:"method,omitempty"`
	RunID          string    `json:"runId"`
	Attempts       []Attempt `json:"attempts,omitempty"`
}

type StatusResult struct {
	Envelope
	Connected bool            `json:"connected"`
	URL       string          `json:"url"`
	Endpoint  string          `json:"endpoint,omitempty"`
	State     State           `json:"state"`
	PID       int             `json:"pid,omitempty"`
	Method    string          `json:"method,omitempty"`
	Results   []health.Result `json:"results"`
}

type ExecuteResult struct {
	Envelope
	WorkflowID string          `json:"workflowId"`
	Result     json.RawMessage `json:"result,omitempty"`
}

type ListResult struct {
	Envelope
	Workflows []engine.WorkflowSummary `json:"workflows"`
}

type MonitorResult struct {
	Envelope
	Data *engine.Monitor `json:"data,omitempty"`
}

type HistoryResult struct {
	Envelope
	Data *engine.History `json:"data,omitempty"`
}

type StopResult struct {
	Envelope
	Message string `json:"message"`
	PID     int    `json:"pid,omitempty"`
}

type LogsResult struct {
	Envelope
	Path  string   `json:"path"`
	Lines []string `json:"lines"`
}
