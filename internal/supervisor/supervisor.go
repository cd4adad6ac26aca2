package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loykin/enginevisor/internal/classifier"
	"github.com/loykin/enginevisor/internal/engine"
	"github.com/loykin/enginevisor/internal/env"
	"github.com/loykin/enginevisor/internal/health"
	"github.com/loykin/enginevisor/internal/method"
	"github.com/loykin/enginevisor/internal/metrics"
	"github.com/loykin/enginevisor/internal/process"
	"github.com/loykin/enginevisor/internal/storage"
)

// State is the supervisor lifecycle position, reported by Status.
type State string

const (
	StateNotStarted      State = "not_started"
	StateProbingExisting State = "probing_existing"
	StateAlreadyRunning  State = "already_running"
	StateStarting        State = "starting"
	StateHealthy         State = "healthy"
	StateExhausted       State = "exhausted"
	StateFailed          State = "failed"
	StateStopped         State = "stopped"
)

var allStates = []string{
	string(StateNotStarted), string(StateProbingExisting), string(StateAlreadyRunning),
	string(StateStarting), string(StateHealthy), string(StateExhausted),
	string(StateFailed), string(StateStopped),
}

const (
	DefaultAttemptTimeout   = 30 * time.Second
	DefaultSettleDelay      = time.Second
	DefaultAttemptKillGrace = 3 * time.Second
	DefaultKillGrace        = 10 * time.Second
	DefaultRestartDelay     = 2 * time.Second
	DefaultHealthAttempts   = 10
	DefaultHealthInterval   = 2 * time.Second
	DefaultLogLines         = 100
	DefaultSuggestion       = "start the engine manually with `npx n8n@latest start`, then check status again"

	// killConfirmSlack is added to a kill grace to bound the wait for exit
	// confirmation after SIGKILL.
	killConfirmSlack = 5 * time.Second
)

// Config is everything a Supervisor needs; it is passed in at construction
// instead of living in package state.
type Config struct {
	BaseURL          string
	Catalog          method.Catalog
	Markers          classifier.Markers
	Layout           storage.Layout
	Database         storage.DatabaseConfig
	Env              env.Var
	Detached         bool
	AttemptTimeout   time.Duration
	SettleDelay      time.Duration
	AttemptKillGrace time.Duration
	KillGrace        time.Duration
	RestartDelay     time.Duration
	HealthAttempts   int
	HealthInterval   time.Duration
	LogLines         int
	Suggestion       string
}

func (c *Config) applyDefaults() {
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.AttemptKillGrace <= 0 {
		c.AttemptKillGrace = DefaultAttemptKillGrace
	}
	if c.KillGrace <= 0 {
		c.KillGrace = DefaultKillGrace
	}
	if c.RestartDelay < 0 {
		c.RestartDelay = 0
	}
	if c.HealthAttempts <= 0 {
		c.HealthAttempts = DefaultHealthAttempts
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.LogLines <= 0 {
		c.LogLines = DefaultLogLines
	}
	if c.Suggestion == "" {
		c.Suggestion = DefaultSuggestion
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
}

// Process is the supervisor's view of a launched engine process.
type Process interface {
	PID() int
	Output() <-chan process.Chunk
	Done() <-chan struct{}
	Exit() process.ExitStatus
	Detach()
	Kill(ctx context.Context, grace time.Duration) error
}

type Launcher interface {
	Launch(ctx context.Context, m method.Method, opts process.Options) (Process, error)
}

type Prober interface {
	Probe(ctx context.Context, baseURL string) health.Report
	WaitUntilHealthy(ctx context.Context, baseURL string, attempts int, interval time.Duration) (health.Report, error)
}

// Engine is the engine REST surface used for pass-through operations.
type Engine interface {
	ListWorkflows(ctx context.Context) ([]engine.WorkflowSummary, error)
	Execute(ctx context.Context, workflowID string) (json.RawMessage, error)
	Monitor(ctx context.Context) (engine.Monitor, error)
	History(ctx context.Context, workflowID string, limit int) (engine.History, error)
}

// ProcessLauncher adapts a process.Launcher to the Launcher interface.
func ProcessLauncher(l *process.Launcher) Launcher { return processLauncher{l: l} }

type processLauncher struct{ l *process.Launcher }

func (p processLauncher) Launch(ctx context.Context, m method.Method, opts process.Options) (Process, error) {
	h, err := p.l.Launch(ctx, m, opts)
	if err != nil {
		return nil, err
	}
	return h, nil
}

type Option func(*Supervisor)

func WithLauncher(l Launcher) Option { return func(s *Supervisor) { s.launcher = l } }

func WithProber(p Prober) Option { return func(s *Supervisor) { s.prober = p } }

func WithEngine(e Engine) Option { return func(s *Supervisor) { s.engine = e } }

func WithLogger(l *slog.Logger) Option { return func(s *Supervisor) { s.logger = l } }

// WithEngineLog sets where engine stdout and stderr lines are written.
func WithEngineLog(w io.Writer) Option { return func(s *Supervisor) { s.engineLog = w } }

// WithPreflight replaces the storage check run before the first spawn; nil
// disables it.
func WithPreflight(fn func(context.Context) error) Option {
	return func(s *Supervisor) {
		s.preflight = fn
		s.preflightSet = true
	}
}

// ErrNotRunning is returned when an operation needs an engine process that
// this supervisor does not control.
var ErrNotRunning = errors.New("engine is not running under this supervisor")

// ErrShutdown is returned for runs requested after Shutdown.
var ErrShutdown = errors.New("supervisor is shut down")

// Supervisor brings the engine up through the start method catalog and owns
// the resulting process. Runs are serialized; per-run state lives only for
// the duration of one Start call.
type Supervisor struct {
	cfg        Config
	classifier *classifier.Classifier
	launcher   Launcher
	prober     Prober
	engine     Engine
	logger     *slog.Logger
	engineLog  io.Writer

	preflight    func(context.Context) error
	preflightSet bool

	slot chan struct{}

	mu          sync.Mutex
	runCancel   context.CancelFunc
	closed      bool
	state       State
	owned       Process
	ownedMethod string
	lastRun     []Attempt
}

func New(cfg Config, opts ...Option) (*Supervisor, error) {
	cfg.applyDefaults()
	if cfg.BaseURL == "" {
		return nil, errors.New("engine base URL is required")
	}
	if err := cfg.Catalog.Validate(); err != nil {
		return nil, fmt.Errorf("start methods: %w", err)
	}
	s := &Supervisor{
		cfg:        cfg,
		classifier: classifier.New(cfg.Markers),
		slot:       make(chan struct{}, 1),
		state:      StateNotStarted,
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.launcher == nil {
		s.launcher = ProcessLauncher(process.NewLauncher(s.logger))
	}
	if s.prober == nil {
		hp := health.New(health.Config{}, s.logger)
		hp.OnResult(func(r health.Result) { metrics.IncProbe(r.Endpoint, r.OK) })
		s.prober = hp
	}
	if s.engine == nil {
		s.engine = engine.New(engine.Config{BaseURL: cfg.BaseURL, Logger: s.logger})
	}
	if !s.preflightSet && cfg.Layout.Root != "" {
		db, layout := cfg.Database, cfg.Layout
		s.preflight = func(ctx context.Context) error { return storage.Preflight(ctx, db, layout) }
	}
	metrics.SetState(string(StateNotStarted), allStates)
	return s, nil
}

func (s *Supervisor) BaseURL() string { return s.cfg.BaseURL }

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastRun returns the attempts of the most recent start run.
func (s *Supervisor) LastRun() []Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Attempt(nil), s.lastRun...)
}

// OwnedPID returns the pid of the engine process this supervisor controls, or
// 0. It doubles as the metrics.PIDSource for engine resource gauges.
func (s *Supervisor) OwnedPID() int {
	p, _ := s.ownedProcess()
	if p == nil {
		return 0
	}
	return p.PID()
}

// OwnedDone is closed when the owned process exits; nil when none is owned.
func (s *Supervisor) OwnedDone() <-chan struct{} {
	p, _ := s.ownedProcess()
	if p == nil {
		return nil
	}
	return p.Done()
}

// ownedProcess drops a reference to a process that has since exited.
func (s *Supervisor) ownedProcess() (Process, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owned != nil && isDone(s.owned.Done()) {
		s.logger.Warn("owned engine process exited", "pid", s.owned.PID(), "exit", s.owned.Exit().String())
		s.owned, s.ownedMethod = nil, ""
		if s.state == StateHealthy {
			s.setStateLocked(StateStopped)
		}
	}
	return s.owned, s.ownedMethod
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.setStateLocked(st)
	s.mu.Unlock()
}

func (s *Supervisor) setStateLocked(st State) {
	if s.state != st {
		s.logger.Debug("supervisor state", "from", s.state, "to", st)
	}
	s.state = st
	metrics.SetState(string(st), allStates)
}

func (s *Supervisor) acquire(ctx context.Context) error {
	select {
	case s.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) release() { <-s.slot }

// begin registers the run holding the slot so Shutdown can cancel it. The
// returned func must be called when the run ends.
func (s *Supervisor) begin(ctx context.Context) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ctx, func() {}, ErrShutdown
	}
	rctx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel
	return rctx, func() {
		s.mu.Lock()
		s.runCancel = nil
		s.mu.Unlock()
		cancel()
	}, nil
}

// Status performs one probe round. It touches no process and never waits
// for a running start. Success describes the probe itself; an unreachable
// engine is Connected false with the last probe error.
func (s *Supervisor) Status(ctx context.Context) StatusResult {
	rep := s.prober.Probe(ctx, s.cfg.BaseURL)
	p, m := s.ownedProcess()
	res := StatusResult{
		Envelope:  Envelope{Success: true, Timestamp: time.Now()},
		Connected: rep.Connected,
		URL:       s.cfg.BaseURL,
		Endpoint:  rep.Endpoint,
		State:     s.State(),
		Method:    m,
		Results:   rep.Results,
	}
	if p != nil {
		res.PID = p.PID()
	}
	if !rep.Connected {
		res.Error = rep.Error
	}
	return res
}

func isDone(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
