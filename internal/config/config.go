package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/enginevisor/internal/auth"
	"github.com/loykin/enginevisor/internal/classifier"
	"github.com/loykin/enginevisor/internal/env"
	"github.com/loykin/enginevisor/internal/health"
	"github.com/loykin/enginevisor/internal/logger"
	"github.com/loykin/enginevisor/internal/method"
	"github.com/loykin/enginevisor/internal/storage"
)

// EnvPrefix prefixes environment overrides: ENGINEVISOR_ENGINE_PORT sets
// engine.port.
const EnvPrefix = "ENGINEVISOR"

// Config represents the top-level TOML structure.
type Config struct {
	Engine   EngineConfig       `toml:"engine" mapstructure:"engine"`
	Methods  []MethodConfig     `toml:"methods" mapstructure:"methods"`
	Markers  classifier.Markers `toml:"markers" mapstructure:"markers"`
	Health   HealthConfig       `toml:"health" mapstructure:"health"`
	Timeouts TimeoutsConfig     `toml:"timeouts" mapstructure:"timeouts"`
	Server   ServerConfig       `toml:"server" mapstructure:"server"`
	Metrics  MetricsConfig      `toml:"metrics" mapstructure:"metrics"`
	Log      logger.Config      `toml:"log" mapstructure:"log"`
}

type EngineConfig struct {
	BaseURL       string                 `toml:"base_url" mapstructure:"base_url"`
	Host          string                 `toml:"host" mapstructure:"host"`
	Port          int                    `toml:"port" mapstructure:"port"`
	Protocol      string                 `toml:"protocol" mapstructure:"protocol"`
	DataDir       string                 `toml:"data_dir" mapstructure:"data_dir"`
	WebhookURL    string                 `toml:"webhook_url" mapstructure:"webhook_url"`
	EncryptionKey string                 `toml:"encryption_key" mapstructure:"encryption_key"`
	Locale        string                 `toml:"locale" mapstructure:"locale"`
	LogLevel      string                 `toml:"log_level" mapstructure:"log_level"`
	APIKey        string                 `toml:"api_key" mapstructure:"api_key"`
	Detached      bool                   `toml:"detached" mapstructure:"detached"`
	EnvFiles      []string               `toml:"env_files" mapstructure:"env_files"`
	Env           []string               `toml:"env" mapstructure:"env"`
	Database      storage.DatabaseConfig `toml:"database" mapstructure:"database"`
}

// MethodConfig is one [[methods]] entry. Env is a KEY=VALUE list because
// viper folds map keys to lower case.
type MethodConfig struct {
	Name    string   `toml:"name" mapstructure:"name"`
	Command string   `toml:"command" mapstructure:"command"`
	Args    []string `toml:"args" mapstructure:"args"`
	Env     []string `toml:"env" mapstructure:"env"`
}

type HealthConfig struct {
	Endpoints      []string      `toml:"endpoints" mapstructure:"endpoints"`
	RequestTimeout time.Duration `toml:"request_timeout" mapstructure:"request_timeout"`
	Attempts       int           `toml:"attempts" mapstructure:"attempts"`
	Interval       time.Duration `toml:"interval" mapstructure:"interval"`
}

type TimeoutsConfig struct {
	Attempt          time.Duration `toml:"attempt" mapstructure:"attempt"`
	Settle           time.Duration `toml:"settle" mapstructure:"settle"`
	AttemptKillGrace time.Duration `toml:"attempt_kill_grace" mapstructure:"attempt_kill_grace"`
	KillGrace        time.Duration `toml:"kill_grace" mapstructure:"kill_grace"`
	Restart          time.Duration `toml:"restart" mapstructure:"restart"`
	List             time.Duration `toml:"list" mapstructure:"list"`
	Lookup           time.Duration `toml:"lookup" mapstructure:"lookup"`
	Execute          time.Duration `toml:"execute" mapstructure:"execute"`
}

type ServerConfig struct {
	Listen        string      `toml:"listen" mapstructure:"listen"`
	BasePath      string      `toml:"base_path" mapstructure:"base_path"`
	TLSMinVersion string      `toml:"tls_min_version" mapstructure:"tls_min_version"`
	TLSMaxVersion string      `toml:"tls_max_version" mapstructure:"tls_max_version"`
	TLS           *TLSConfig  `toml:"tls" mapstructure:"tls"`
	Auth          auth.Config `toml:"auth" mapstructure:"auth"`
}

type TLSConfig struct {
	Enabled      bool        `toml:"enabled" mapstructure:"enabled"`
	CertFile     string      `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string      `toml:"key_file" mapstructure:"key_file"`
	Dir          string      `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool        `toml:"auto_generate" mapstructure:"auto_generate"`
	AutoGen      *AutoGenTLS `toml:"auto_gen" mapstructure:"auto_gen"`
}

type AutoGenTLS struct {
	CommonName   string   `toml:"common_name" mapstructure:"common_name"`
	Organization string   `toml:"organization" mapstructure:"organization"`
	DNSNames     []string `toml:"dns_names" mapstructure:"dns_names"`
	IPAddresses  []string `toml:"ip_addresses" mapstructure:"ip_addresses"`
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Path    string `toml:"path" mapstructure:"path"`
	// Engine adds cpu and memory gauges for the owned engine process tree.
	Engine bool `toml:"engine" mapstructure:"engine"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.base_url", "")
	v.SetDefault("engine.host", "0.0.0.0")
	v.SetDefault("engine.port", 5678)
	v.SetDefault("engine.protocol", "http")
	v.SetDefault("engine.data_dir", "n8n")
	v.SetDefault("engine.webhook_url", "")
	v.SetDefault("engine.encryption_key", "")
	v.SetDefault("engine.locale", "")
	v.SetDefault("engine.log_level", "info")
	v.SetDefault("engine.api_key", "")
	v.SetDefault("engine.detached", false)
	v.SetDefault("engine.database.type", storage.TypeSQLite)
	v.SetDefault("engine.database.sqlite.path", "")
	v.SetDefault("engine.database.postgres.url", "")

	v.SetDefault("health.endpoints", health.DefaultEndpoints)
	v.SetDefault("health.request_timeout", health.DefaultRequestTimeout)
	v.SetDefault("health.attempts", 10)
	v.SetDefault("health.interval", 2*time.Second)

	v.SetDefault("timeouts.attempt", 30*time.Second)
	v.SetDefault("timeouts.settle", time.Second)
	v.SetDefault("timeouts.attempt_kill_grace", 3*time.Second)
	v.SetDefault("timeouts.kill_grace", 10*time.Second)
	v.SetDefault("timeouts.restart", 2*time.Second)
	v.SetDefault("timeouts.list", 10*time.Second)
	v.SetDefault("timeouts.lookup", 5*time.Second)
	v.SetDefault("timeouts.execute", 15*time.Second)

	v.SetDefault("server.listen", "127.0.0.1:8787")
	v.SetDefault("server.base_path", "/api")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.engine", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "color")
	v.SetDefault("log.show_time", true)
	v.SetDefault("log.file.path", "")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// N8N_URL is what existing deployments already export.
	_ = v.BindEnv("engine.base_url", EnvPrefix+"_ENGINE_BASE_URL", "N8N_URL")
	return v
}

// Default returns the configuration used when no file is given, with
// environment overrides applied.
func Default() (*Config, error) {
	return decode(newViper())
}

// Load reads the TOML file at path. Relative data_dir and env_files entries
// are resolved against the file's directory.
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	base := filepath.Dir(path)
	cfg.Engine.DataDir = resolve(base, cfg.Engine.DataDir)
	for i, f := range cfg.Engine.EnvFiles {
		cfg.Engine.EnvFiles[i] = resolve(base, f)
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	e := c.Engine
	if e.Port <= 0 || e.Port > 65535 {
		return fmt.Errorf("engine.port %d out of range", e.Port)
	}
	switch e.Protocol {
	case "http", "https":
	default:
		return fmt.Errorf("engine.protocol must be http or https, got %q", e.Protocol)
	}
	if e.BaseURL != "" {
		u, err := url.Parse(e.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("engine.base_url %q is not an absolute URL", e.BaseURL)
		}
	}
	if strings.TrimSpace(e.DataDir) == "" {
		return errors.New("engine.data_dir is required")
	}
	if err := e.Database.Validate(); err != nil {
		return fmt.Errorf("engine.database: %w", err)
	}
	if _, err := c.Catalog(); err != nil {
		return err
	}
	if c.Health.Attempts <= 0 {
		return errors.New("health.attempts must be positive")
	}
	if c.Timeouts.Attempt <= 0 {
		return errors.New("timeouts.attempt must be positive")
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Server.TLS != nil && c.Server.TLS.Enabled && c.Server.TLS.Dir == "" && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		return errors.New("server.tls requires cert_file and key_file, or dir")
	}
	if err := c.Server.Auth.Validate(); err != nil {
		return fmt.Errorf("server.auth: %w", err)
	}
	return nil
}

// BaseURL is where the engine is reached. An explicit base_url wins;
// otherwise it is derived from protocol, host and port, with a wildcard bind
// address mapped to localhost.
func (c *Config) BaseURL() string {
	if c.Engine.BaseURL != "" {
		return strings.TrimRight(c.Engine.BaseURL, "/")
	}
	host := c.Engine.Host
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return c.Engine.Protocol + "://" + net.JoinHostPort(host, strconv.Itoa(c.Engine.Port))
}

// Layout returns the engine data directory layout.
func (c *Config) Layout() storage.Layout {
	dir := c.Engine.DataDir
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return storage.NewLayout(dir)
}

// Catalog builds the start method catalog; the built-in one when no
// [[methods]] are configured.
func (c *Config) Catalog() (method.Catalog, error) {
	if len(c.Methods) == 0 {
		return method.DefaultCatalog(), nil
	}
	ms := make([]method.Method, 0, len(c.Methods))
	for _, mc := range c.Methods {
		m := method.Method{Name: mc.Name, Command: mc.Command, Args: mc.Args}
		if len(mc.Env) > 0 {
			m.Env = env.Parse(mc.Env)
		}
		ms = append(ms, m)
	}
	cat := method.NewCatalog(ms...)
	if err := cat.Validate(); err != nil {
		return method.Catalog{}, fmt.Errorf("methods: %w", err)
	}
	return cat, nil
}

// ClassifierMarkers fills each empty marker list from the built-in set.
func (c *Config) ClassifierMarkers() classifier.Markers {
	def := classifier.DefaultMarkers(c.Engine.Port)
	m := c.Markers
	if len(m.Ready) == 0 {
		m.Ready = def.Ready
	}
	if len(m.Fatal) == 0 {
		m.Fatal = def.Fatal
	}
	return m
}

func (c *Config) HealthConfig() health.Config {
	return health.Config{
		Endpoints:      c.Health.Endpoints,
		RequestTimeout: c.Health.RequestTimeout,
	}
}
