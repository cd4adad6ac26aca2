package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loykin/enginevisor/internal/engine"
	"github.com/loykin/enginevisor/internal/logger"
	"github.com/loykin/enginevisor/internal/metrics"
	"github.com/loykin/enginevisor/internal/process"
)

// ExecuteWorkflow asks the engine to run one workflow. The request is sent
// exactly once; a timeout or rejection is reported, never retried.
func (s *Supervisor) ExecuteWorkflow(ctx context.Context, workflowID string) ExecuteResult {
	res := ExecuteResult{Envelope: Envelope{Timestamp: time.Now()}, WorkflowID: workflowID}
	if strings.TrimSpace(workflowID) == "" {
		res.fail(KindDownstreamExecution, "workflow id is required")
		return res
	}
	out, err := s.engine.Execute(ctx, workflowID)
	metrics.IncExecution(err == nil)
	if err != nil {
		s.logger.WarnContext(ctx, "workflow execution failed", "workflow_id", workflowID, "error", err)
		res.fail(KindDownstreamExecution, err.Error())
		return res
	}
	res.Success = true
	res.Result = out
	return res
}

func (s *Supervisor) ListWorkflows(ctx context.Context) ListResult {
	res := ListResult{Envelope: Envelope{Timestamp: time.Now()}}
	wfs, err := s.engine.ListWorkflows(ctx)
	if err != nil {
		res.fail(KindEngineRequest, err.Error())
		res.Workflows = []engine.WorkflowSummary{}
		return res
	}
	res.Success = true
	res.Workflows = wfs
	return res
}

func (s *Supervisor) Monitor(ctx context.Context) MonitorResult {
	res := MonitorResult{Envelope: Envelope{Timestamp: time.Now()}}
	m, err := s.engine.Monitor(ctx)
	if err != nil {
		res.fail(KindEngineRequest, err.Error())
		return res
	}
	res.Success = true
	res.Data = &m
	return res
}

func (s *Supervisor) History(ctx context.Context, workflowID string, limit int) HistoryResult {
	res := HistoryResult{Envelope: Envelope{Timestamp: time.Now()}}
	h, err := s.engine.History(ctx, workflowID, limit)
	if err != nil {
		res.fail(KindEngineRequest, err.Error())
		return res
	}
	res.Success = true
	res.Data = &h
	return res
}

// Stop terminates the engine this supervisor started, or the one recorded in
// the pid file by an earlier supervisor. It waits for a running start to
// finish first.
func (s *Supervisor) Stop(ctx context.Context) StopResult {
	if err := s.acquire(ctx); err != nil {
		res := StopResult{Envelope: Envelope{Timestamp: time.Now()}}
		res.fail(KindAborted, fmt.Sprintf("waiting for a running start: %v", err))
		return res
	}
	defer s.release()
	return s.stop(ctx)
}

func (s *Supervisor) stop(ctx context.Context) StopResult {
	res := StopResult{Envelope: Envelope{Timestamp: time.Now()}}
	pid, err := s.terminate(ctx)
	res.PID = pid
	switch {
	case errors.Is(err, ErrNotRunning):
		res.fail(KindNotRunning, err.Error())
		res.Message = "no engine process to stop"
		return res
	case err != nil:
		res.fail(KindAborted, err.Error())
		res.Message = "engine did not exit"
		return res
	}
	s.setState(StateStopped)
	res.Success = true
	res.Message = fmt.Sprintf("engine process %d stopped", pid)
	s.logger.InfoContext(ctx, "engine stopped", "pid", pid)
	return res
}

func (s *Supervisor) terminate(ctx context.Context) (int, error) {
	if p, _ := s.ownedProcess(); p != nil {
		kctx, cancel := context.WithTimeout(ctx, s.cfg.KillGrace+killConfirmSlack)
		defer cancel()
		if err := p.Kill(kctx, s.cfg.KillGrace); err != nil {
			return p.PID(), err
		}
		s.disown()
		return p.PID(), nil
	}
	if s.cfg.Layout.Root == "" {
		return 0, ErrNotRunning
	}
	path := s.cfg.Layout.PIDFile()
	rec, err := process.ReadPIDFile(path)
	if err != nil || !rec.Alive() {
		_ = process.RemovePIDFile(path)
		return 0, ErrNotRunning
	}
	kctx, cancel := context.WithTimeout(ctx, s.cfg.KillGrace+killConfirmSlack)
	defer cancel()
	if err := rec.Stop(kctx, s.cfg.KillGrace); err != nil {
		return rec.PID, err
	}
	_ = process.RemovePIDFile(path)
	return rec.PID, nil
}

// Restart stops whatever engine is known, waits RestartDelay for the port to
// be released and runs a fresh start. Not finding an engine to stop is fine.
func (s *Supervisor) Restart(ctx context.Context) StartResult {
	r := newRun()
	ctx = logger.With(ctx, slog.String("run_id", r.id))
	if err := s.acquire(ctx); err != nil {
		res := s.result(r)
		res.fail(KindAborted, fmt.Sprintf("waiting for a running start: %v", err))
		return res
	}
	defer s.release()
	ctx, end, err := s.begin(ctx)
	defer end()
	if err != nil {
		res := s.result(r)
		res.fail(KindAborted, err.Error())
		return res
	}

	if st := s.stop(ctx); !st.Success && st.Kind != KindNotRunning {
		res := s.result(r)
		res.fail(st.Kind, st.Error)
		res.Message = "restart aborted, engine did not stop"
		return res
	}
	if s.cfg.RestartDelay > 0 {
		if err := sleep(ctx, s.cfg.RestartDelay); err != nil {
			return s.abort(r, err)
		}
	}
	return s.start(ctx, r)
}

// Shutdown kills the owned engine, detached or not. A start in flight is
// canceled first and its attempt reaped before Shutdown returns; later runs
// fail with ErrShutdown. It is meant for process exit of the host and does
// not touch an engine it merely found running.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	cancelRun := s.runCancel
	s.mu.Unlock()
	if cancelRun != nil {
		s.logger.InfoContext(ctx, "canceling running start")
		cancelRun()
	}
	// the canceled run kills its attempt before it gives up the slot
	if err := s.acquire(ctx); err != nil {
		return fmt.Errorf("wait for running start: %w", err)
	}
	defer s.release()

	p, _ := s.ownedProcess()
	if p == nil {
		return nil
	}
	s.logger.InfoContext(ctx, "stopping owned engine", "pid", p.PID())
	kctx, cancel := context.WithTimeout(ctx, s.cfg.KillGrace+killConfirmSlack)
	defer cancel()
	if err := p.Kill(kctx, s.cfg.KillGrace); err != nil {
		return fmt.Errorf("stop engine %d: %w", p.PID(), err)
	}
	s.disown()
	s.setState(StateStopped)
	return nil
}

// Logs returns the last n lines the engine wrote, LogLines when n <= 0.
func (s *Supervisor) Logs(n int) LogsResult {
	res := LogsResult{Envelope: Envelope{Timestamp: time.Now()}, Lines: []string{}}
	if n <= 0 {
		n = s.cfg.LogLines
	}
	if s.cfg.Layout.Root == "" {
		res.fail(KindNotRunning, "no data directory configured")
		return res
	}
	res.Path = s.cfg.Layout.EngineLog()
	lines, err := logger.Tail(res.Path, n)
	if err != nil {
		res.fail(KindEngineRequest, err.Error())
		return res
	}
	res.Success = true
	if lines != nil {
		res.Lines = lines
	}
	return res
}
