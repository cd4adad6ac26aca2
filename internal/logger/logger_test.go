package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRotatingDefaults(t *testing.T) {
	l := FileConfig{}.Rotating("x.log")
	if l.MaxSize != 10 || l.MaxBackups != 3 || l.MaxAge != 7 {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", l.MaxSize, l.MaxBackups, l.MaxAge)
	}
	l = FileConfig{MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}.Rotating("y.log")
	if l.MaxSize != 1 || l.MaxBackups != 9 || l.MaxAge != 11 || !l.Compress {
		t.Fatalf("unexpected overrides: %+v", l)
	}
}

func TestNewRejectsUnknownLevelAndFormat(t *testing.T) {
	if _, _, err := New(Config{Level: "chatty"}, nil); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	if _, _, err := New(Config{Format: "xml"}, nil); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestNewWritesRotatedJSONFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daemon.log")
	var console bytes.Buffer
	lg, closer, err := New(Config{Level: "debug", Format: "text", File: FileConfig{Path: path}}, &console)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	lg.Debug("probe", "endpoint", "/rest/health")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !strings.Contains(console.String(), "endpoint=/rest/health") {
		t.Fatalf("console missing record: %q", console.String())
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(b), &rec); err != nil {
		t.Fatalf("file record not JSON: %v (%q)", err, b)
	}
	if rec["msg"] != "probe" {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestContextHandlerAddsRunAttrs(t *testing.T) {
	var buf bytes.Buffer
	lg := slog.New(NewContextHandler(slog.NewJSONHandler(&buf, nil)))
	ctx := With(context.Background(), slog.String("run_id", "r1"))
	ctx2 := With(ctx, slog.Int("attempt", 2))
	lg.With("component", "supervisor").InfoContext(ctx2, "attempt started")
	lg.InfoContext(ctx, "run started")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two records, got %q", buf.String())
	}
	var first, second map[string]any
	_ = json.Unmarshal([]byte(lines[0]), &first)
	_ = json.Unmarshal([]byte(lines[1]), &second)
	if first["run_id"] != "r1" || first["attempt"] != float64(2) || first["component"] != "supervisor" {
		t.Fatalf("attrs missing: %v", first)
	}
	if _, ok := second["attempt"]; ok {
		t.Fatalf("child context attrs leaked into parent: %v", second)
	}
}

func TestColorTextHandlerPrefixesLevel(t *testing.T) {
	var buf bytes.Buffer
	lg := slog.New(NewColorTextHandler(&buf, nil, false))
	lg.Warn("port busy")
	out := buf.String()
	if !strings.Contains(out, "[33mWARN") || !strings.Contains(out, "port busy") {
		t.Fatalf("missing colored prefix: %q", out)
	}
	if strings.Contains(out, "time=") {
		t.Fatalf("time should be hidden: %q", out)
	}
}

func TestTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	var b strings.Builder
	for i := 1; i <= 5000; i++ {
		fmt.Fprintf(&b, "line %04d padding padding padding\n", i)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		t.Fatal(err)
	}
	lines, err := Tail(path, 100)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(lines) != 100 || lines[0] != "line 4901 padding padding padding" || lines[99] != "line 5000 padding padding padding" {
		t.Fatalf("unexpected tail: len=%d first=%q last=%q", len(lines), lines[0], lines[len(lines)-1])
	}

	short, err := Tail(path, 10000)
	if err != nil || len(short) != 5000 {
		t.Fatalf("whole file expected, got %d (%v)", len(short), err)
	}

	missing, err := Tail(filepath.Join(t.TempDir(), "none.log"), 10)
	if err != nil || len(missing) != 0 {
		t.Fatalf("missing file: %v %v", missing, err)
	}
}
