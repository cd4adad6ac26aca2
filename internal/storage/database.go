package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/loykin/enginevisor/internal/env"
)

const (
	TypeSQLite   = "sqlite"
	TypePostgres = "postgresdb"
)

// DatabaseConfig describes the engine's own database. The supervisor never
// writes to it; it only checks it is usable before spawning the engine.
type DatabaseConfig struct {
	Type     string         `toml:"type" mapstructure:"type"`
	SQLite   SQLiteConfig   `toml:"sqlite" mapstructure:"sqlite"`
	Postgres PostgresConfig `toml:"postgres" mapstructure:"postgres"`
}

type SQLiteConfig struct {
	Path string `toml:"path" mapstructure:"path"`
}

// PostgresConfig accepts either discrete fields or a URL; URL fields are
// used where the discrete ones are empty.
type PostgresConfig struct {
	URL      string `toml:"url" mapstructure:"url"`
	Host     string `toml:"host" mapstructure:"host"`
	Port     int    `toml:"port" mapstructure:"port"`
	Database string `toml:"database" mapstructure:"database"`
	User     string `toml:"user" mapstructure:"user"`
	Password string `toml:"password" mapstructure:"password"`
	Schema   string `toml:"schema" mapstructure:"schema"`
	SSLMode  string `toml:"sslmode" mapstructure:"sslmode"`
}

// Normalize fills the discrete fields from URL using pgx's parser, which
// understands both URL and keyword/value connection strings.
func (p PostgresConfig) Normalize() (PostgresConfig, error) {
	if strings.TrimSpace(p.URL) == "" {
		return p, nil
	}
	cc, err := pgx.ParseConfig(p.URL)
	if err != nil {
		return p, fmt.Errorf("parse postgres url: %w", err)
	}
	if p.Host == "" {
		p.Host = cc.Host
	}
	if p.Port == 0 {
		p.Port = int(cc.Port)
	}
	if p.Database == "" {
		p.Database = cc.Database
	}
	if p.User == "" {
		p.User = cc.User
	}
	if p.Password == "" {
		p.Password = cc.Password
	}
	if p.SSLMode == "" {
		if u, err := url.Parse(p.URL); err == nil {
			p.SSLMode = u.Query().Get("sslmode")
		}
	}
	return p, nil
}

// DSN renders a pgx connection URL.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(port)),
		Path:   "/" + p.Database,
	}
	if p.User != "" {
		u.User = url.UserPassword(p.User, p.Password)
	}
	q := url.Values{}
	if p.SSLMode != "" {
		q.Set("sslmode", p.SSLMode)
	}
	if p.Schema != "" {
		q.Set("search_path", p.Schema)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (c DatabaseConfig) kind() string {
	if c.Type == "" {
		return TypeSQLite
	}
	return strings.ToLower(c.Type)
}

func (c DatabaseConfig) Validate() error {
	switch c.kind() {
	case TypeSQLite:
		return nil
	case TypePostgres:
		p, err := c.Postgres.Normalize()
		if err != nil {
			return err
		}
		if p.Host == "" || p.Database == "" {
			return errors.New("postgres database requires host and database")
		}
		return nil
	default:
		return fmt.Errorf("unsupported database type %q", c.Type)
	}
}

// SQLitePath resolves the sqlite file, defaulting into the data dir.
func (c DatabaseConfig) SQLitePath(l Layout) string {
	if c.SQLite.Path != "" {
		return c.SQLite.Path
	}
	return l.SQLiteFile()
}

// Env is the DB_* overlay the engine reads its database settings from.
func (c DatabaseConfig) Env(l Layout) (env.Var, error) {
	switch c.kind() {
	case TypeSQLite:
		return env.Var{
			"DB_TYPE":            TypeSQLite,
			"DB_SQLITE_DATABASE": c.SQLitePath(l),
		}, nil
	case TypePostgres:
		p, err := c.Postgres.Normalize()
		if err != nil {
			return nil, err
		}
		port := p.Port
		if port == 0 {
			port = 5432
		}
		v := env.Var{
			"DB_TYPE":                TypePostgres,
			"DB_POSTGRESDB_HOST":     p.Host,
			"DB_POSTGRESDB_PORT":     strconv.Itoa(port),
			"DB_POSTGRESDB_DATABASE": p.Database,
			"DB_POSTGRESDB_USER":     p.User,
			"DB_POSTGRESDB_PASSWORD": p.Password,
		}
		if p.Schema != "" {
			v["DB_POSTGRESDB_SCHEMA"] = p.Schema
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", c.Type)
	}
}

// PreflightError reports that the engine's storage is unusable.
type PreflightError struct {
	Backend string
	Err     error
}

func (e *PreflightError) Error() string {
	return fmt.Sprintf("%s preflight: %v", e.Backend, e.Err)
}

func (e *PreflightError) Unwrap() error { return e.Err }

// Preflight prepares the data dir and checks the configured database.
func Preflight(ctx context.Context, c DatabaseConfig, l Layout) error {
	if err := l.Prepare(); err != nil {
		return &PreflightError{Backend: "layout", Err: err}
	}
	var err error
	switch c.kind() {
	case TypeSQLite:
		err = checkSQLite(ctx, c.SQLitePath(l))
	case TypePostgres:
		var p PostgresConfig
		if p, err = c.Postgres.Normalize(); err == nil {
			err = checkPostgres(ctx, p.DSN())
		}
	default:
		err = fmt.Errorf("unsupported database type %q", c.Type)
	}
	if err != nil {
		return &PreflightError{Backend: c.kind(), Err: err}
	}
	return nil
}
