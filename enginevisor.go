package enginevisor

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/enginevisor/internal/auth"
	"github.com/loykin/enginevisor/internal/config"
	"github.com/loykin/enginevisor/internal/engine"
	"github.com/loykin/enginevisor/internal/health"
	"github.com/loykin/enginevisor/internal/metrics"
	"github.com/loykin/enginevisor/internal/server"
	"github.com/loykin/enginevisor/internal/supervisor"
	itls "github.com/loykin/enginevisor/internal/tls"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type Supervisor = supervisor.Supervisor

type (
	StartResult   = supervisor.StartResult
	StatusResult  = supervisor.StatusResult
	ExecuteResult = supervisor.ExecuteResult
	ListResult    = supervisor.ListResult
	MonitorResult = supervisor.MonitorResult
	HistoryResult = supervisor.HistoryResult
	StopResult    = supervisor.StopResult
	LogsResult    = supervisor.LogsResult
	Kind          = supervisor.Kind
	State         = supervisor.State
)

// LoadConfig reads a TOML config file; an empty path yields the defaults
// with environment overrides applied.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return config.Default()
	}
	return config.Load(path)
}

// New builds a supervisor from cfg. Engine output is written to a rotated
// log under the data directory; the returned closer releases it and must be
// called after the supervisor has shut down.
func New(cfg *Config, logger *slog.Logger) (*Supervisor, io.Closer, error) {
	if cfg == nil {
		return nil, nil, errors.New("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	sc, err := cfg.Supervisor()
	if err != nil {
		return nil, nil, err
	}
	engineLog := cfg.Log.File.Rotating(sc.Layout.EngineLog())

	hc := cfg.HealthConfig()
	if cfg.Engine.APIKey != "" {
		hc.Header = http.Header{engine.APIKeyHeader: []string{cfg.Engine.APIKey}}
	}
	prober := health.New(hc, logger)
	prober.OnResult(func(r health.Result) { metrics.IncProbe(r.Endpoint, r.OK) })

	sup, err := supervisor.New(sc,
		supervisor.WithLogger(logger),
		supervisor.WithEngineLog(engineLog),
		supervisor.WithProber(prober),
		supervisor.WithEngine(engine.New(cfg.EngineClient(logger))),
	)
	if err != nil {
		_ = engineLog.Close()
		return nil, nil, err
	}
	return sup, engineLog, nil
}

// NewHTTPServer builds the control API server for sup. Metrics are mounted
// when enabled and registered with reg; tls and auth are configured from
// cfg.Server.
func NewHTTPServer(cfg *Config, sup *Supervisor, reg prometheus.Registerer, gather prometheus.Gatherer, logger *slog.Logger) (*http.Server, error) {
	am, err := auth.NewMiddleware(cfg.Server.Auth)
	if err != nil {
		return nil, err
	}
	router := server.NewRouter(sup, cfg.Server.BasePath, logger).WithAuth(am)
	if cfg.Metrics.Enabled {
		if err := metrics.Register(reg); err != nil {
			return nil, err
		}
		if cfg.Metrics.Engine {
			if err := reg.Register(metrics.NewEngineCollector(sup.OwnedPID)); err != nil {
				var are prometheus.AlreadyRegisteredError
				if !errors.As(err, &are) {
					return nil, err
				}
			}
		}
		router.WithMetrics(cfg.Metrics.Path, metrics.HandlerFor(gather))
	}
	tlsCfg, err := itls.Setup(cfg.Server)
	if err != nil {
		return nil, err
	}
	return server.NewServer(cfg.Server.Listen, router.Handler(), tlsCfg), nil
}

// RegisterMetrics registers the supervisor metrics with r.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
