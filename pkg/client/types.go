package client

import "github.com/loykin/enginevisor/internal/supervisor"

// Result types are shared with the server so both ends agree on the envelope.
type (
	Envelope      = supervisor.Envelope
	StartResult   = supervisor.StartResult
	StatusResult  = supervisor.StatusResult
	ListResult    = supervisor.ListResult
	ExecuteResult = supervisor.ExecuteResult
	MonitorResult = supervisor.MonitorResult
	HistoryResult = supervisor.HistoryResult
	StopResult    = supervisor.StopResult
	LogsResult    = supervisor.LogsResult
)

// HistoryRequest is the body of POST /workflow/monitor.
type HistoryRequest struct {
	WorkflowID string `json:"workflowId"`
	Limit      int    `json:"limit,omitempty"`
}

// ErrorResponse is returned by the server for malformed requests.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}
