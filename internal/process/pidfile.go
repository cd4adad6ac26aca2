package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Record identifies an engine process that may outlive the host that spawned
// it, so a later invocation can still stop it.
type Record struct {
	PID       int    `json:"pid"`
	Method    string `json:"method"`
	Command   string `json:"command"`
	StartUnix int64  `json:"start_unix,omitempty"`
	URL       string `json:"url,omitempty"`
}

// RecordOf captures h for a PID file.
func RecordOf(h *Handle, url string) Record {
	return Record{
		PID:       h.PID(),
		Method:    h.Method().Name,
		Command:   h.Method().String(),
		StartUnix: getProcStartUnix(h.PID()),
		URL:       url,
	}
}

// WritePIDFile writes the pid on the first line followed by the JSON record.
// The write goes through a temp file so readers never see a torn file.
func WritePIDFile(path string, r Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	data := strconv.Itoa(r.PID) + "\n" + string(b) + "\n"
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(data), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadPIDFile reads a file written by WritePIDFile. A file holding only a pid
// yields a record with just PID set.
func ReadPIDFile(path string) (Record, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	pidLine, rest, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return Record{}, fmt.Errorf("pid file %s: %w", path, err)
	}
	r := Record{PID: pid}
	if rest = strings.TrimSpace(rest); rest != "" {
		if err := json.Unmarshal([]byte(rest), &r); err != nil {
			return Record{PID: pid}, nil
		}
		r.PID = pid
	}
	return r, nil
}

// RemovePIDFile deletes path; a missing file is not an error.
func RemovePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Alive reports whether the recorded process still runs. When a start time
// was recorded it must match, otherwise the pid was reused by someone else.
func (r Record) Alive() bool {
	if !alive(r.PID) {
		return false
	}
	if r.StartUnix == 0 {
		return true
	}
	now := getProcStartUnix(r.PID)
	if now == 0 {
		return true
	}
	d := now - r.StartUnix
	return d >= -1 && d <= 1
}

// Stop terminates the recorded process group, escalating to SIGKILL after
// grace. It polls because the process is not our child and cannot be waited on.
func (r Record) Stop(ctx context.Context, grace time.Duration) error {
	if !r.Alive() {
		return nil
	}
	kids := descendants(r.PID)
	_ = signalGroup(r.PID, syscall.SIGTERM)
	if waitGone(ctx, r.PID, grace) {
		killStragglers(kids)
		return nil
	}
	_ = signalGroup(r.PID, syscall.SIGKILL)
	killStragglers(kids)
	if waitGone(ctx, r.PID, 5*time.Second) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("process %d still running after SIGKILL", r.PID)
}

func waitGone(ctx context.Context, pid int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		if !alive(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return !alive(pid)
		case <-tick.C:
		}
	}
}
