package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// Layout is the engine data directory. The engine expects these folders to
// exist before its first start and fails late and obscurely when they do not.
type Layout struct {
	Root string
}

func NewLayout(root string) Layout { return Layout{Root: filepath.Clean(root)} }

func (l Layout) Workflows() string   { return filepath.Join(l.Root, "workflows") }
func (l Layout) Credentials() string { return filepath.Join(l.Root, "credentials") }
func (l Layout) Custom() string      { return filepath.Join(l.Root, "custom") }
func (l Layout) Logs() string        { return filepath.Join(l.Root, "logs") }

// EngineLog is where the engine's stdout and stderr are captured.
func (l Layout) EngineLog() string { return filepath.Join(l.Logs(), "engine.log") }

// PIDFile records the owned engine process across host restarts.
func (l Layout) PIDFile() string { return filepath.Join(l.Root, "engine.pid") }

// SQLiteFile is the default database location when none is configured.
func (l Layout) SQLiteFile() string { return filepath.Join(l.Root, "database.sqlite") }

// Prepare creates the root and all sub-directories.
func (l Layout) Prepare() error {
	if l.Root == "" || l.Root == "." {
		return fmt.Errorf("engine data dir is not set")
	}
	for _, d := range []string{l.Root, l.Workflows(), l.Credentials(), l.Custom(), l.Logs()} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return fmt.Errorf("prepare %s: %w", d, err)
		}
	}
	return nil
}
