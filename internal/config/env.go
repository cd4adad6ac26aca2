package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/loykin/enginevisor/internal/engine"
	"github.com/loykin/enginevisor/internal/env"
	"github.com/loykin/enginevisor/internal/supervisor"
)

// EngineEnv composes the overlay the engine is launched with. Later layers
// win: built-in settings, then the database overlay, then env_files in
// order, then the [engine] env list.
func (c *Config) EngineEnv() (env.Var, error) {
	e := c.Engine
	l := c.Layout()
	out := env.Var{
		"N8N_HOST":                e.Host,
		"N8N_PORT":                strconv.Itoa(e.Port),
		"N8N_PROTOCOL":            e.Protocol,
		"N8N_USER_FOLDER":         l.Root,
		"N8N_CUSTOM_EXTENSIONS":   l.Custom(),
		"N8N_BASIC_AUTH_ACTIVE":   "false",
		"N8N_DISABLE_UI":          "false",
		"N8N_DIAGNOSTICS_ENABLED": "false",
		"N8N_METRICS":             "true",
		"N8N_LOG_LEVEL":           e.LogLevel,
		"EXECUTIONS_PROCESS":      "main",
		"EXECUTIONS_MODE":         "regular",
		"WEBHOOK_URL":             e.WebhookURL,
	}
	if out["WEBHOOK_URL"] == "" {
		out["WEBHOOK_URL"] = c.BaseURL()
	}
	if e.Locale != "" {
		out["N8N_DEFAULT_LOCALE"] = e.Locale
	}
	if e.EncryptionKey != "" {
		out["N8N_ENCRYPTION_KEY"] = e.EncryptionKey
	}
	db, err := e.Database.Env(l)
	if err != nil {
		return nil, fmt.Errorf("engine.database: %w", err)
	}
	for k, v := range db {
		out[k] = v
	}
	for _, p := range e.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range pairs {
			out[k] = v
		}
	}
	for k, v := range env.Parse(e.Env) {
		out[k] = v
	}
	return out, nil
}

// loadEnvFile reads KEY=VALUE lines. Blank lines, # comments and an
// "export " prefix are tolerated; one pair of surrounding quotes is stripped.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexByte(line, '=')
		if i < 0 {
			continue
		}
		k := strings.TrimSpace(line[:i])
		v := strings.TrimSpace(line[i+1:])
		if k == "" {
			continue
		}
		if n := len(v); n >= 2 && (v[0] == '"' || v[0] == '\'') && v[n-1] == v[0] {
			v = v[1 : n-1]
		}
		m[k] = v
	}
	return m, nil
}

// EngineClient returns the settings for the engine REST client.
func (c *Config) EngineClient(logger *slog.Logger) engine.Config {
	return engine.Config{
		BaseURL:        c.BaseURL(),
		APIKey:         c.Engine.APIKey,
		ListTimeout:    c.Timeouts.List,
		LookupTimeout:  c.Timeouts.Lookup,
		ExecuteTimeout: c.Timeouts.Execute,
		Logger:         logger,
	}
}

// Supervisor assembles the supervisor configuration, including the engine
// environment overlay.
func (c *Config) Supervisor() (supervisor.Config, error) {
	cat, err := c.Catalog()
	if err != nil {
		return supervisor.Config{}, err
	}
	overlay, err := c.EngineEnv()
	if err != nil {
		return supervisor.Config{}, err
	}
	return supervisor.Config{
		BaseURL:          c.BaseURL(),
		Catalog:          cat,
		Markers:          c.ClassifierMarkers(),
		Layout:           c.Layout(),
		Database:         c.Engine.Database,
		Env:              overlay,
		Detached:         c.Engine.Detached,
		AttemptTimeout:   c.Timeouts.Attempt,
		SettleDelay:      c.Timeouts.Settle,
		AttemptKillGrace: c.Timeouts.AttemptKillGrace,
		KillGrace:        c.Timeouts.KillGrace,
		RestartDelay:     c.Timeouts.Restart,
		HealthAttempts:   c.Health.Attempts,
		HealthInterval:   c.Health.Interval,
	}, nil
}
