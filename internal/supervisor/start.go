package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/enginevisor/internal/classifier"
	"github.com/loykin/enginevisor/internal/health"
	"github.com/loykin/enginevisor/internal/logger"
	"github.com/loykin/enginevisor/internal/method"
	"github.com/loykin/enginevisor/internal/metrics"
	"github.com/loykin/enginevisor/internal/process"
)

// run is the state of one Start call. It is created per call and dropped
// when the call returns; only the attempt list is kept for inspection.
type run struct {
	id       string
	attempts []Attempt
	began    time.Time
}

func newRun() *run {
	return &run{id: uuid.NewString(), began: time.Now()}
}

var errProcessExited = errors.New("process exited")

// Start brings the engine up. It first probes for an engine that is already
// serving and spawns nothing in that case. Otherwise it walks the start
// method catalog in order, one attempt at a time, until an attempt passes the
// health gate or the catalog is exhausted. The returned result always carries
// a verdict; cancellation of ctx ends the run with KindAborted and kills any
// process the run spawned.
func (s *Supervisor) Start(ctx context.Context) StartResult {
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
	return s.start(ctx, r)
}

func (s *Supervisor) start(ctx context.Context, r *run) (res StartResult) {
	defer func() {
		s.mu.Lock()
		s.lastRun = append([]Attempt(nil), r.attempts...)
		s.mu.Unlock()
		label := "ok"
		switch {
		case res.AlreadyRunning:
			label = "already_running"
		case !res.Success:
			label = string(res.Kind)
		}
		metrics.ObserveStart(label, time.Since(r.began).Seconds())
		s.logger.InfoContext(ctx, "start finished", "success", res.Success, "kind", res.Kind, "attempts", len(r.attempts), "elapsed", time.Since(r.began).Round(time.Millisecond))
	}()

	s.setState(StateProbingExisting)
	rep := s.prober.Probe(ctx, s.cfg.BaseURL)
	if rep.Connected {
		s.setState(StateAlreadyRunning)
		res = s.result(r)
		res.Success = true
		res.AlreadyRunning = true
		res.Message = "engine is already running"
		if p, m := s.ownedProcess(); p != nil {
			res.PID, res.Method = p.PID(), m
		}
		return res
	}
	if err := ctx.Err(); err != nil {
		return s.abort(r, err)
	}

	s.reclaim(ctx)

	if s.preflight != nil {
		if err := s.preflight(ctx); err != nil {
			s.setState(StateFailed)
			res = s.result(r)
			res.fail(KindPreflight, err.Error())
			res.Message = "engine storage is not usable"
			return res
		}
	}

	s.setState(StateStarting)
	for idx := 0; ; idx++ {
		m, ok := s.cfg.Catalog.Next(idx)
		if !ok {
			break
		}
		if idx > 0 && s.cfg.SettleDelay > 0 {
			if err := sleep(ctx, s.cfg.SettleDelay); err != nil {
				return s.abort(r, err)
			}
		}
		actx := logger.With(ctx, slog.String("method", m.Name), slog.Int("attempt", idx))
		att, proc := s.attempt(actx, idx, m)
		r.attempts = append(r.attempts, att)
		metrics.IncAttempt(m.Name, string(att.Outcome))

		switch {
		case proc != nil:
			s.adopt(proc, m)
			res = s.result(r)
			res.Success = true
			res.Message = fmt.Sprintf("engine started with %s", m.Name)
			res.PID = proc.PID()
			res.Method = m.Name
			return res
		case att.Kind == KindAborted:
			return s.abort(r, ctx.Err())
		case att.Kind == KindHealthUnreachable:
			s.setState(StateFailed)
			res = s.result(r)
			res.fail(KindHealthUnreachable, att.Detail)
			res.Message = "engine reported ready but never answered health checks"
			res.Suggestion = s.cfg.Suggestion
			return res
		}
		s.logger.WarnContext(actx, "start method failed", "kind", att.Kind, "detail", att.Detail)
	}

	s.setState(StateExhausted)
	res = s.result(r)
	res.fail(KindCatalogExhausted, exhaustedMessage(r.attempts))
	res.Message = "all start methods failed"
	res.Suggestion = s.cfg.Suggestion
	return res
}

// attempt runs one start method to a verdict. On success the process is
// returned still running; on every other path it is killed before return.
func (s *Supervisor) attempt(ctx context.Context, idx int, m method.Method) (att Attempt, owned Process) {
	att = Attempt{Index: idx, Method: m.Name, Command: m.String(), StartedAt: time.Now(), Outcome: OutcomePending}
	s.logger.InfoContext(ctx, "starting engine", "command", m.String())

	proc, err := s.launcher.Launch(ctx, m, process.Options{
		Dir:      s.cfg.Layout.Root,
		Env:      s.cfg.Env,
		Detached: s.cfg.Detached,
		Log:      s.engineLog,
	})
	if err != nil {
		if ctx.Err() != nil {
			return conclude(att, OutcomeFailed, KindAborted, err.Error()), nil
		}
		return conclude(att, OutcomeFailed, KindSpawnFailure, err.Error()), nil
	}
	att.PID = proc.PID()
	defer func() {
		if owned == nil {
			s.reap(ctx, proc, s.cfg.AttemptKillGrace)
		}
	}()

	if s.cfg.Detached {
		return s.attemptDetached(ctx, att, proc)
	}

	v := s.awaitSignal(ctx, proc)
	switch v.kind {
	case KindAborted:
		return conclude(att, OutcomeFailed, KindAborted, "canceled"), nil
	case KindStartupTimeout:
		return conclude(att, OutcomeTimedOut, KindStartupTimeout, fmt.Sprintf("no ready signal within %s", s.cfg.AttemptTimeout)), nil
	case KindFatalStartup:
		if v.exited {
			code := proc.Exit().Code
			att.ExitCode = &code
		}
		return conclude(att, OutcomeFailed, KindFatalStartup, v.detail), nil
	}

	// Output has served its purpose; the log writer keeps receiving it.
	proc.Detach()
	s.logger.InfoContext(ctx, "engine reported ready, waiting for health", "line", v.detail)
	if _, err := s.awaitHealthy(ctx, proc, s.cfg.HealthAttempts); err != nil {
		switch {
		case errors.Is(err, errProcessExited):
			code := proc.Exit().Code
			att.ExitCode = &code
			return conclude(att, OutcomeFailed, KindFatalStartup, fmt.Sprintf("process exited after ready signal (%s)", proc.Exit())), nil
		case ctx.Err() != nil:
			return conclude(att, OutcomeFailed, KindAborted, "canceled"), nil
		default:
			return conclude(att, OutcomeFailed, KindHealthUnreachable, err.Error()), nil
		}
	}
	return conclude(att, OutcomeSucceeded, "", v.detail), proc
}

// attemptDetached has no output to classify; health polling within the
// attempt timeout is the only readiness signal.
func (s *Supervisor) attemptDetached(ctx context.Context, att Attempt, proc Process) (Attempt, Process) {
	n := int(s.cfg.AttemptTimeout / s.cfg.HealthInterval)
	if n < 1 {
		n = 1
	}
	rep, err := s.awaitHealthy(ctx, proc, n)
	switch {
	case err == nil:
		return conclude(att, OutcomeSucceeded, "", "healthy at "+rep.Endpoint), proc
	case errors.Is(err, errProcessExited):
		return conclude(att, OutcomeFailed, KindFatalStartup, fmt.Sprintf("process exited before becoming healthy (%s)", proc.Exit())), nil
	case ctx.Err() != nil:
		return conclude(att, OutcomeFailed, KindAborted, "canceled"), nil
	default:
		return conclude(att, OutcomeTimedOut, KindStartupTimeout, err.Error()), nil
	}
}

type verdict struct {
	kind   Kind // empty means ready
	detail string
	exited bool
}

// awaitSignal races the output feed, process exit, the attempt timer and
// cancellation. The first to fire decides the attempt.
func (s *Supervisor) awaitSignal(ctx context.Context, proc Process) verdict {
	timer := time.NewTimer(s.cfg.AttemptTimeout)
	defer timer.Stop()
	out := proc.Output()
	for {
		select {
		case c, ok := <-out:
			if !ok {
				// feed closed, exit is imminent
				out = nil
				continue
			}
			sig := s.classifier.Classify(c.Text)
			s.logger.DebugContext(ctx, "engine output", "stream", c.Stream, "line", c.Text, "signal", sig.Kind)
			switch sig.Kind {
			case classifier.Fatal:
				return verdict{kind: KindFatalStartup, detail: "fatal output: " + c.Text}
			case classifier.Ready:
				return verdict{detail: c.Text}
			}
		case <-proc.Done():
			detail := fmt.Sprintf("process exited before ready signal (%s)", proc.Exit())
			// buffered lines may explain the exit
			if out != nil {
				for c := range out {
					if sig := s.classifier.Classify(c.Text); sig.Kind == classifier.Fatal {
						detail = "fatal output: " + c.Text
						break
					}
				}
			}
			return verdict{kind: KindFatalStartup, detail: detail, exited: true}
		case <-timer.C:
			return verdict{kind: KindStartupTimeout}
		case <-ctx.Done():
			return verdict{kind: KindAborted}
		}
	}
}

// awaitHealthy runs the bounded health wait and gives up early if the
// process dies meanwhile.
func (s *Supervisor) awaitHealthy(ctx context.Context, proc Process, attempts int) (health.Report, error) {
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()
	type result struct {
		rep health.Report
		err error
	}
	ch := make(chan result, 1)
	go func() {
		rep, err := s.prober.WaitUntilHealthy(hctx, s.cfg.BaseURL, attempts, s.cfg.HealthInterval)
		ch <- result{rep, err}
	}()
	select {
	case r := <-ch:
		return r.rep, r.err
	case <-proc.Done():
		cancel()
		r := <-ch
		if r.err == nil {
			// healthy, but not our process answering
			return r.rep, fmt.Errorf("%w while health checks ran", errProcessExited)
		}
		return r.rep, errProcessExited
	}
}

// reap kills proc with a context detached from the caller's, so cleanup
// still happens when the run was canceled.
func (s *Supervisor) reap(ctx context.Context, proc Process, grace time.Duration) {
	kctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace+killConfirmSlack)
	defer cancel()
	proc.Detach()
	if err := proc.Kill(kctx, grace); err != nil {
		s.logger.ErrorContext(ctx, "engine process did not exit", "pid", proc.PID(), "error", err)
	}
}

// reclaim stops an engine left over from an earlier run, owned or recorded in
// the pid file, that holds the port without answering health checks.
func (s *Supervisor) reclaim(ctx context.Context) {
	if p, _ := s.ownedProcess(); p != nil {
		s.logger.WarnContext(ctx, "owned engine is unhealthy, stopping it", "pid", p.PID())
		s.reap(ctx, p, s.cfg.AttemptKillGrace)
		s.disown()
	}
	if s.cfg.Layout.Root == "" {
		return
	}
	rec, err := process.ReadPIDFile(s.cfg.Layout.PIDFile())
	if err != nil {
		return
	}
	if rec.Alive() {
		s.logger.WarnContext(ctx, "stale engine from pid file is unhealthy, stopping it", "pid", rec.PID)
		kctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.AttemptKillGrace+killConfirmSlack)
		if err := rec.Stop(kctx, s.cfg.AttemptKillGrace); err != nil {
			s.logger.ErrorContext(ctx, "stale engine did not exit", "pid", rec.PID, "error", err)
		}
		cancel()
	}
	_ = process.RemovePIDFile(s.cfg.Layout.PIDFile())
}

func (s *Supervisor) adopt(proc Process, m method.Method) {
	s.mu.Lock()
	s.owned, s.ownedMethod = proc, m.Name
	s.setStateLocked(StateHealthy)
	s.mu.Unlock()
	if s.cfg.Layout.Root == "" {
		return
	}
	rec := process.Record{PID: proc.PID(), Method: m.Name, Command: m.String(), URL: s.cfg.BaseURL}
	if h, ok := proc.(*process.Handle); ok {
		rec = process.RecordOf(h, s.cfg.BaseURL)
	}
	if err := process.WritePIDFile(s.cfg.Layout.PIDFile(), rec); err != nil {
		s.logger.Warn("write pid file", "path", s.cfg.Layout.PIDFile(), "error", err)
	}
}

func (s *Supervisor) disown() {
	s.mu.Lock()
	s.owned, s.ownedMethod = nil, ""
	s.mu.Unlock()
	if s.cfg.Layout.Root != "" {
		_ = process.RemovePIDFile(s.cfg.Layout.PIDFile())
	}
}

func (s *Supervisor) abort(r *run, err error) StartResult {
	s.setState(StateFailed)
	res := s.result(r)
	msg := "start canceled"
	if err != nil {
		msg = fmt.Sprintf("start canceled: %v", err)
	}
	res.fail(KindAborted, msg)
	res.Message = msg
	return res
}

func (s *Supervisor) result(r *run) StartResult {
	return StartResult{
		Envelope: Envelope{Timestamp: time.Now()},
		URL:      s.cfg.BaseURL,
		RunID:    r.id,
		Attempts: append([]Attempt(nil), r.attempts...),
	}
}

func conclude(att Attempt, o Outcome, k Kind, detail string) Attempt {
	att.Outcome = o
	att.Kind = k
	att.Detail = detail
	att.EndedAt = time.Now()
	return att
}

func exhaustedMessage(atts []Attempt) string {
	if len(atts) == 0 {
		return "no start methods configured"
	}
	last := atts[len(atts)-1]
	return fmt.Sprintf("all %d start methods failed; last (%s): %s", len(atts), last.Method, last.Detail)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
