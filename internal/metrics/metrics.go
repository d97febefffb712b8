// Package metrics provides Prometheus metrics for relayfan's handler
// tree.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relayfan"

// Metrics contains every Prometheus metric emitted by the handler tree.
type Metrics struct {
	// Dial metrics, labelled by handler tag and kind.
	DialAttempts *prometheus.CounterVec
	DialFailures *prometheus.CounterVec
	DialLatency  *prometheus.HistogramVec

	// Failover scheduler metrics.
	ScheduleSize      *prometheus.GaugeVec
	HealthCheckCycles *prometheus.CounterVec
	ProbeOutcomes     *prometheus.CounterVec

	// Try-all racing metrics.
	TryAllRaces      *prometheus.CounterVec
	TryAllWinnerRank *prometheus.HistogramVec

	// Redirect / SOCKS5 UDP association metrics.
	AssociationsActive *prometheus.GaugeVec
	DatagramsRelayed   *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide metrics instance, registered
// against the default Prometheus registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a Metrics instance registered against the default
// registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a Metrics instance registered against
// reg, letting tests use an isolated registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		DialAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_attempts_total",
			Help:      "Total dial attempts by handler tag",
		}, []string{"tag"}),
		DialFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_failures_total",
			Help:      "Total dial failures by handler tag and error kind",
		}, []string{"tag", "kind"}),
		DialLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dial_latency_seconds",
			Help:      "Latency of successful dials by handler tag",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"tag"}),

		ScheduleSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "failover_schedule_size",
			Help:      "Number of children currently in a failover handler's schedule",
		}, []string{"tag"}),
		HealthCheckCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failover_health_check_cycles_total",
			Help:      "Total completed health-check cycles by failover handler tag",
		}, []string{"tag"}),
		ProbeOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failover_probe_outcomes_total",
			Help:      "Total health-check probe outcomes by failover handler tag and outcome",
		}, []string{"tag", "outcome"}),

		TryAllRaces: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tryall_races_total",
			Help:      "Total try-all races by handler tag and result (won/exhausted)",
		}, []string{"tag", "result"}),
		TryAllWinnerRank: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tryall_winner_rank",
			Help:      "Index of the winning child within its try-all handler's actor list",
			Buckets:   []float64{0, 1, 2, 3, 4, 5, 8, 13},
		}, []string{"tag"}),

		AssociationsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_associations_active",
			Help:      "Number of currently open UDP associations by handler tag",
		}, []string{"tag"}),
		DatagramsRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_datagrams_relayed_total",
			Help:      "Total datagrams relayed by handler tag and direction",
		}, []string{"tag", "direction"}),
	}
}
