package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/loykin/enginevisor/pkg/template"
)

// Init writes a starter config file from a template.
func (c *command) Init(f InitFlags) error {
	gen := template.NewGenerator()
	data, err := gen.GenerateTOML(template.TemplateType(f.Type), template.Options{
		Port:    f.Port,
		DataDir: f.DataDir,
		Version: f.Version,
	})
	if err != nil {
		return err
	}
	out := f.Output
	if out == "" {
		out = "enginevisor.toml"
	}
	if _, err := os.Stat(out); err == nil && !f.Force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", out)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	// may hold a token or database password
	if err := os.WriteFile(out, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	_, _ = fmt.Fprintf(c.out, "wrote %s (%s template)\n", out, f.Type)
	return nil
}

func createInitCommand(c command, flags *InitFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		Long: `Write a starter config file from a template.

Supported template types:
  simple    - sqlite database, default start methods
  postgres  - engine database on postgres
  detached  - engine keeps running after enginevisor exits
  pinned    - try a pinned n8n version first
  secure    - control API with TLS and a generated operator token

Examples:
  enginevisor init
  enginevisor init --type=postgres --output=/etc/enginevisor.toml
  enginevisor init --type=pinned --version=1.64.0 --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Init(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.Type, "type", string(template.TypeSimple), "template type")
	cmd.Flags().StringVar(&flags.Output, "output", "", "output file (defaults to enginevisor.toml)")
	cmd.Flags().BoolVar(&flags.Force, "force", false, "overwrite an existing file")
	cmd.Flags().IntVar(&flags.Port, "port", 0, "engine port (default 5678)")
	cmd.Flags().StringVar(&flags.DataDir, "data-dir", "", "engine data directory (default n8n)")
	cmd.Flags().StringVar(&flags.Version, "version", "", "n8n version for the pinned template")
	return cmd
}
