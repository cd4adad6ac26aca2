package engine

import (
	"bytes"
	"encoding/json"
	"time"
)

// ID accepts both string and numeric identifiers; engine releases disagree.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// Tag is either a bare string or an object with a name.
type Tag struct {
	ID   ID     `json:"id,omitempty"`
	Name string `json:"name"`
}

func (t *Tag) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &t.Name)
	}
	type plain Tag
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*t = Tag(p)
	return nil
}

type Workflow struct {
	ID        ID         `json:"id"`
	Name      string     `json:"name"`
	Active    bool       `json:"active"`
	Tags      []Tag      `json:"tags,omitempty"`
	Notes     string     `json:"notes,omitempty"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

type Execution struct {
	ID            ID              `json:"id"`
	WorkflowID    ID              `json:"workflowId"`
	Finished      bool            `json:"finished"`
	Mode          string          `json:"mode,omitempty"`
	StartedAt     *time.Time      `json:"startedAt,omitempty"`
	StoppedAt     *time.Time      `json:"stoppedAt,omitempty"`
	ExecutionTime *float64        `json:"executionTime,omitempty"`
	WorkflowData  *Workflow       `json:"workflowData,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusRunning = "running"
)

// Status folds the engine's flags: an unfinished execution is running, a
// finished one without a stop time never completed cleanly.
func (e Execution) Status() string {
	if !e.Finished {
		return StatusRunning
	}
	if e.StoppedAt != nil {
		return StatusSuccess
	}
	return StatusError
}

// WorkflowSummary is the list view of a workflow with its latest execution.
type WorkflowSummary struct {
	ID          ID         `json:"id"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	LastRun     *time.Time `json:"lastRun"`
	NextRun     *time.Time `json:"nextRun"`
	Executions  int        `json:"executions"`
	Description string     `json:"description"`
}

// ExecutionView is an execution reduced to what dashboards display.
type ExecutionView struct {
	ID            ID              `json:"id"`
	WorkflowID    ID              `json:"workflowId,omitempty"`
	WorkflowName  string          `json:"workflowName,omitempty"`
	Status        string          `json:"status"`
	StartedAt     *time.Time      `json:"startedAt"`
	StoppedAt     *time.Time      `json:"stoppedAt"`
	ExecutionTime *float64        `json:"executionTime"`
	Mode          string          `json:"mode,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

type Stats struct {
	TotalExecutions      int     `json:"totalExecutions"`
	ActiveWorkflows      int     `json:"activeWorkflows"`
	RunningExecutions    int     `json:"runningExecutions"`
	SuccessfulExecutions int     `json:"successfulExecutions"`
	FailedExecutions     int     `json:"failedExecutions"`
	AverageExecutionTime float64 `json:"averageExecutionTime"`
}

type Monitor struct {
	Executions      []ExecutionView `json:"executions"`
	ActiveWorkflows []Workflow      `json:"activeWorkflows"`
	Stats           Stats           `json:"stats"`
}

type History struct {
	WorkflowID ID              `json:"workflowId"`
	Executions []ExecutionView `json:"executions"`
	Total      int             `json:"total"`
}

// page is a decoded list response together with the engine's total count
// when it reports one.
type page[T any] struct {
	Items []T
	Count int
}

// decodePage accepts the three list shapes seen across engine versions:
// a bare array, {"data":[...],"count":n} and {"data":{"results":[...],"count":n}}.
func decodePage[T any](b []byte) (page[T], error) {
	b = bytes.TrimSpace(b)
	var p page[T]
	if len(b) > 0 && b[0] == '[' {
		if err := json.Unmarshal(b, &p.Items); err != nil {
			return p, err
		}
		p.Count = len(p.Items)
		return p, nil
	}
	var env struct {
		Data  json.RawMessage `json:"data"`
		Count *int            `json:"count"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return p, err
	}
	data := bytes.TrimSpace(env.Data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
	case data[0] == '[':
		if err := json.Unmarshal(data, &p.Items); err != nil {
			return p, err
		}
	default:
		var nested struct {
			Results []T  `json:"results"`
			Count   *int `json:"count"`
		}
		if err := json.Unmarshal(data, &nested); err != nil {
			return p, err
		}
		p.Items = nested.Results
		if env.Count == nil {
			env.Count = nested.Count
		}
	}
	p.Count = len(p.Items)
	if env.Count != nil {
		p.Count = *env.Count
	}
	return p, nil
}

func viewOf(e Execution, withData bool) ExecutionView {
	v := ExecutionView{
		ID:            e.ID,
		WorkflowID:    e.WorkflowID,
		Status:        e.Status(),
		StartedAt:     e.StartedAt,
		StoppedAt:     e.StoppedAt,
		ExecutionTime: e.ExecutionTime,
		Mode:          e.Mode,
	}
	if v.ExecutionTime == nil && e.StartedAt != nil && e.StoppedAt != nil {
		ms := float64(e.StoppedAt.Sub(*e.StartedAt).Milliseconds())
		v.ExecutionTime = &ms
	}
	if e.WorkflowData != nil {
		v.WorkflowName = e.WorkflowData.Name
	}
	if withData {
		v.Data = e.Data
	}
	return v
}

func (id ID) String() string { return string(id) }
