package process

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/loykin/enginevisor/internal/env"
	"github.com/loykin/enginevisor/internal/method"
)

// DefaultFeedBuffer is the number of output lines buffered for the consumer
// of Handle.Output before the child's writes start to block.
const DefaultFeedBuffer = 256

// waitDelay bounds how long Wait keeps copying output after the child exits,
// for grandchildren that inherited the pipes and outlive it.
const waitDelay = 2 * time.Second

// Options controls one launch.
type Options struct {
	Dir      string    // working directory; created if missing
	Env      env.Var   // overlay applied over the inherited environment
	Detached bool      // new session, no output feed, stdio discarded
	Log      io.Writer // receives every output line in attached mode; may be nil
	Buffer   int       // feed buffer size, DefaultFeedBuffer when <= 0
}

// SpawnError reports that the OS refused to create the child process. It is
// distinct from a crash after a successful spawn.
type SpawnError struct {
	Method  string
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s (%s): %v", e.Method, e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Launcher starts engine processes. It is safe for concurrent use but the
// supervisor only ever runs one launch at a time.
type Launcher struct {
	env    *env.Env
	logger *slog.Logger
}

func NewLauncher(logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{env: env.New(), logger: logger}
}

// WithEnv replaces the environment composer, mainly so tests can pin the base.
func (l *Launcher) WithEnv(e *env.Env) *Launcher {
	l.env = e
	return l
}

// Launch spawns m. The context only guards the spawn itself: the child is not
// tied to ctx, so a successful engine outlives the request that started it.
func (l *Launcher) Launch(ctx context.Context, m method.Method, opts Options) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, &SpawnError{Method: m.Name, Command: m.String(), Err: err}
	}
	cmd := buildCommand(m)
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
			return nil, &SpawnError{Method: m.Name, Command: m.String(), Err: err}
		}
		cmd.Dir = opts.Dir
	}
	cmd.Env = l.env.Merge(opts.Env, env.Var(m.Env))
	configureSysProcAttr(cmd, opts.Detached)
	cmd.WaitDelay = waitDelay

	buf := opts.Buffer
	if buf <= 0 {
		buf = DefaultFeedBuffer
	}
	h := newHandle(m, cmd, opts.Detached, buf, opts.Log)
	if opts.Detached {
		// stdio is discarded: the host may exit first and a broken pipe would kill the engine
		cmd.Stdin, cmd.Stdout, cmd.Stderr = nil, nil, nil
	} else {
		cmd.Stdout = h.stdout
		cmd.Stderr = h.stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Method: m.Name, Command: m.String(), Err: err}
	}
	h.started(cmd.Process.Pid)
	l.logger.Debug("engine process spawned", "method", m.Name, "command", m.String(), "pid", h.pid, "dir", cmd.Dir, "detached", opts.Detached)
	go h.wait()
	return h, nil
}

// buildCommand constructs an *exec.Cmd for the method. With explicit Args the
// command is executed directly; a bare command string follows shell rules only
// when it needs them, honoring an explicit "sh -c" prefix without double-wrapping.
func buildCommand(m method.Method) *exec.Cmd {
	if len(m.Args) > 0 {
		// #nosec G204
		return exec.Command(m.Command, m.Args...)
	}
	cmdStr := strings.TrimSpace(m.Command)
	if cmdStr == "" {
		return getTrueCommand()
	}
	if afterC, ok := parseExplicitShell(cmdStr); ok {
		return getShellCommand(afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return getShellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns the
// script with one pair of surrounding quotes stripped.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}

// syncWriter serializes writes from the stdout and stderr copiers.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
