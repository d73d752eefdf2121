package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petr-muller/incident-live/internal/livewatch/remote"
)

const namespace = "incident_live"

var phases = []string{"dormant", "connecting", "connected", "degraded", "unauthorized"}

// Metrics records the behavior of the sync engine and the connection monitor
type Metrics struct {
	remoteCalls  *prometheus.CounterVec
	syncDuration *prometheus.HistogramVec
	staleResults prometheus.Counter
	incidents    prometheus.Gauge
	phase        *prometheus.GaugeVec
}

// New creates the metrics and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		remoteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_calls_total",
			Help:      "Remote calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Duration of full fetches and incremental polls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		staleResults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_results_total",
			Help:      "Sync results discarded because the query changed while they were in flight.",
		}),
		incidents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_incidents",
			Help:      "Incidents in the published snapshot.",
		}),
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_phase",
			Help:      "Current connection phase, 1 for the active phase.",
		}, []string{"phase"}),
	}
	reg.MustRegister(m.remoteCalls, m.syncDuration, m.staleResults, m.incidents, m.phase)
	m.SetPhase("dormant")
	return m
}

// Handler serves the metrics gathered by g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveCall(operation string, err error) {
	m.remoteCalls.WithLabelValues(operation, remote.Outcome(err)).Inc()
}

func (m *Metrics) ObserveSync(kind string, d time.Duration) {
	m.syncDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) StaleResult() {
	m.staleResults.Inc()
}

func (m *Metrics) SetSnapshotSize(n int) {
	m.incidents.Set(float64(n))
}

func (m *Metrics) SetPhase(phase string) {
	for _, p := range phases {
		value := 0.0
		if p == phase {
			value = 1
		}
		m.phase.WithLabelValues(p).Set(value)
	}
}
