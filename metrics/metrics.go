package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/vialfix/engine"
)

// Metrics provides observability for reconciliation runs.
// Tracks runs by status, planned changes by reason, write outcomes and run duration.
type Metrics struct {
	Registry *prometheus.Registry

	Runs        *prometheus.CounterVec
	Changes     *prometheus.CounterVec
	Writes      *prometheus.CounterVec
	Unresolved  prometheus.Counter
	RunDuration prometheus.Histogram
}

// New creates a Metrics instance on its own registry so several can coexist in tests.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		Runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vialfix_runs_total",
			Help: "Total number of reconciliation runs by final status",
		}, []string{"status"}),
		Changes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vialfix_planned_changes_total",
			Help: "Total number of planned association changes by reason",
		}, []string{"reason"}),
		Writes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vialfix_writes_total",
			Help: "Total number of association writes by outcome",
		}, []string{"outcome"}),
		Unresolved: factory.NewCounter(prometheus.CounterOpts{
			Name: "vialfix_unresolved_records_total",
			Help: "Total number of records the planner could not decide on",
		}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "vialfix_run_duration_seconds",
			Help:    "Duration of reconciliation runs (scan, plan and apply)",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
}

// ObserveRun records a finished (or aborted) run.
// Call with time.Now() taken before the run started.
func (m *Metrics) ObserveRun(rep *engine.RunReport, start time.Time) {
	m.RunDuration.Observe(time.Since(start).Seconds())
	if rep == nil {
		return
	}
	m.Runs.WithLabelValues(string(rep.Run.Status)).Inc()

	if rep.Plan != nil {
		for _, c := range rep.Plan.Changes {
			m.Changes.WithLabelValues(string(c.Reason)).Inc()
		}
		m.Unresolved.Add(float64(len(rep.Plan.Unresolved)))
	}
	if rep.Result != nil && !rep.Result.DryRun {
		for _, o := range rep.Result.Outcomes {
			m.Writes.WithLabelValues(string(o.Status)).Inc()
		}
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
