package process

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/enginevisor/internal/method"
)

// Stream identifies which pipe a chunk came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Chunk is one line of engine output.
type Chunk struct {
	Stream Stream
	Text   string
	At     time.Time
}

// ExitStatus is the terminal event of a process. Code is -1 when the process
// was terminated by a signal and therefore has no exit code.
type ExitStatus struct {
	Code     int
	Signaled bool
	Err      error
}

func (e ExitStatus) Success() bool { return e.Code == 0 && !e.Signaled }

func (e ExitStatus) String() string {
	if e.Signaled {
		return "terminated by signal"
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

// Handle owns one spawned process for the lifetime of an attempt, or longer
// once the supervisor adopts it.
type Handle struct {
	method    method.Method
	cmd       *exec.Cmd
	detached  bool
	pid       int
	startedAt time.Time

	stdout *lineWriter
	stderr *lineWriter
	log    io.Writer

	feed       chan Chunk
	quit       chan struct{}
	detachOnce sync.Once
	done       chan struct{}

	mu   sync.Mutex
	exit ExitStatus
}

func newHandle(m method.Method, cmd *exec.Cmd, detached bool, buf int, log io.Writer) *Handle {
	h := &Handle{
		method:   m,
		cmd:      cmd,
		detached: detached,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if log != nil {
		h.log = &syncWriter{w: log}
	}
	if !detached {
		h.feed = make(chan Chunk, buf)
		h.stdout = &lineWriter{stream: Stdout, emit: h.publish}
		h.stderr = &lineWriter{stream: Stderr, emit: h.publish}
	}
	return h
}

func (h *Handle) started(pid int) {
	h.pid = pid
	h.startedAt = time.Now()
}

func (h *Handle) PID() int { return h.pid }

func (h *Handle) Method() method.Method { return h.method }

func (h *Handle) StartedAt() time.Time { return h.startedAt }

func (h *Handle) Detached() bool { return h.detached }

// Done is closed once the process has exited and its output is drained.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Output delivers one chunk per output line in arrival order. It is nil for
// detached launches and closed when the process exits.
func (h *Handle) Output() <-chan Chunk { return h.feed }

func (h *Handle) exited() bool { return isClosed(h.done) }

func (h *Handle) setExit(status ExitStatus) {
	h.mu.Lock()
	h.exit = status
	h.mu.Unlock()
}

// Exit returns the exit status. It is only meaningful after Done is closed.
func (h *Handle) Exit() ExitStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exit
}

// Detach stops delivering chunks on Output. Output keeps flowing to the log
// writer; the channel is still closed when the process exits.
func (h *Handle) Detach() {
	h.detachOnce.Do(func() { close(h.quit) })
}

func (h *Handle) publish(c Chunk) {
	if h.log != nil {
		_, _ = fmt.Fprintf(h.log, "%s [%s] %s\n", c.At.Format(time.RFC3339), c.Stream, c.Text)
	}
	select {
	case h.feed <- c:
	case <-h.quit:
	}
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	if h.stdout != nil {
		h.stdout.Flush()
		h.stderr.Flush()
	}
	status := ExitStatus{Code: -1, Err: err}
	if ps := h.cmd.ProcessState; ps != nil {
		status.Code = ps.ExitCode()
		status.Signaled = status.Code == -1
		if status.Code == 0 {
			status.Err = nil
		}
	}
	h.setExit(status)
	if h.feed != nil {
		close(h.feed)
	}
	close(h.done)
}

// Terminate asks the process group to stop without waiting.
func (h *Handle) Terminate() error {
	if h.exited() {
		return nil
	}
	return signalGroup(h.pid, syscall.SIGTERM)
}

// Kill terminates the process group: SIGTERM first, SIGKILL once grace has
// elapsed. Descendants that left the group are signalled as well. Kill returns
// nil only once the process is confirmed exited.
//
// The output feed is detached first: a consumer that stopped reading would
// otherwise leave the copiers blocked and Wait could never return.
func (h *Handle) Kill(ctx context.Context, grace time.Duration) error {
	h.Detach()
	if h.exited() {
		return nil
	}
	// collect before signalling: orphans get reparented once the leader is gone
	kids := descendants(h.pid)
	_ = signalGroup(h.pid, syscall.SIGTERM)
	if grace > 0 {
		t := time.NewTimer(grace)
		select {
		case <-h.done:
			t.Stop()
			killStragglers(kids)
			return nil
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}
	_ = signalGroup(h.pid, syscall.SIGKILL)
	killStragglers(kids)
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("process %d did not exit: %w", h.pid, ctx.Err())
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
