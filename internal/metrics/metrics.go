package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	startAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "enginevisor",
			Subsystem: "supervisor",
			Name:      "start_attempts_total",
			Help:      "Start attempts by method and outcome.",
		}, []string{"method", "outcome"},
	)
	startRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "enginevisor",
			Subsystem: "supervisor",
			Name:      "start_runs_total",
			Help:      "Start operations by result kind (ok, already_running or an error kind).",
		}, []string{"result"},
	)
	startDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "enginevisor",
			Subsystem: "supervisor",
			Name:      "start_duration_seconds",
			Help:      "Wall time of start operations.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"result"},
	)
	state = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "enginevisor",
			Subsystem: "supervisor",
			Name:      "state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	probes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "enginevisor",
			Subsystem: "health",
			Name:      "probes_total",
			Help:      "Health endpoint requests by endpoint and result.",
		}, []string{"endpoint", "result"},
	)
	executions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "enginevisor",
			Subsystem: "engine",
			Name:      "workflow_executions_total",
			Help:      "Workflow execution requests passed through to the engine.",
		}, []string{"result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{startAttempts, startRuns, startDuration, state, probes, executions}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves a specific gatherer, used with a private registry.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// The helpers below no-op until Register has been called.

func IncAttempt(method, outcome string) {
	if regOK.Load() {
		startAttempts.WithLabelValues(method, outcome).Inc()
	}
}

func ObserveStart(result string, seconds float64) {
	if regOK.Load() {
		startRuns.WithLabelValues(result).Inc()
		startDuration.WithLabelValues(result).Observe(seconds)
	}
}

// SetState marks current as the only active state among all.
func SetState(current string, all []string) {
	if !regOK.Load() {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		state.WithLabelValues(s).Set(v)
	}
}

func IncProbe(endpoint string, ok bool) {
	if regOK.Load() {
		res := "fail"
		if ok {
			res = "ok"
		}
		probes.WithLabelValues(endpoint, res).Inc()
	}
}

func IncExecution(ok bool) {
	if regOK.Load() {
		res := "error"
		if ok {
			res = "ok"
		}
		executions.WithLabelValues(res).Inc()
	}
}
