package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	// Map listener metrics
	connectionsTotal  *prometheus.CounterVec
	connectionsActive *prometheus.GaugeVec
	lookupsTotal      *prometheus.CounterVec

	// Mail pipeline metrics
	messagesProcessedTotal *prometheus.CounterVec
	messagesStalled        prometheus.Gauge
	bouncesTotal           *prometheus.CounterVec
	sweepsTotal            prometheus.Counter
	sweepDuration          prometheus.Histogram
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mxd_map_connections_total",
			Help: "Total number of lookup-map connections opened.",
		}, []string{"map"}),
		connectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mxd_map_connections_active",
			Help: "Number of currently active lookup-map connections.",
		}, []string{"map"}),
		lookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mxd_lookups_total",
			Help: "Total number of lookup-map requests answered, by reply code.",
		}, []string{"map", "code"}),

		messagesProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mxd_messages_processed_total",
			Help: "Total number of queued messages processed, by outcome.",
		}, []string{"outcome"}),
		messagesStalled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mxd_messages_stalled",
			Help: "Number of messages currently waiting on a transient failure.",
		}),
		bouncesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mxd_bounces_total",
			Help: "Total number of bounce attempts, by result.",
		}, []string{"result"}),
		sweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mxd_sweeps_total",
			Help: "Total number of completed directory sweeps.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mxd_sweep_duration_seconds",
			Help:    "Duration of directory sweeps in seconds.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
		}),
	}

	// Register all metrics
	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.lookupsTotal,
		c.messagesProcessedTotal,
		c.messagesStalled,
		c.bouncesTotal,
		c.sweepsTotal,
		c.sweepDuration,
	)

	return c
}

// ConnectionOpened increments the connection counter and active gauge.
func (c *PrometheusCollector) ConnectionOpened(mapName string) {
	c.connectionsTotal.WithLabelValues(mapName).Inc()
	c.connectionsActive.WithLabelValues(mapName).Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (c *PrometheusCollector) ConnectionClosed(mapName string) {
	c.connectionsActive.WithLabelValues(mapName).Dec()
}

// LookupCompleted increments the lookup counter for the reply code.
func (c *PrometheusCollector) LookupCompleted(mapName string, code int) {
	c.lookupsTotal.WithLabelValues(mapName, strconv.Itoa(code)).Inc()
}

// MessageProcessed increments the processed-message counter.
func (c *PrometheusCollector) MessageProcessed(outcome string) {
	c.messagesProcessedTotal.WithLabelValues(outcome).Inc()
}

// StalledMessages sets the stalled-message gauge.
func (c *PrometheusCollector) StalledMessages(count int) {
	c.messagesStalled.Set(float64(count))
}

// BounceSent increments the bounce counter.
func (c *PrometheusCollector) BounceSent(result string) {
	c.bouncesTotal.WithLabelValues(result).Inc()
}

// SweepCompleted counts a sweep and observes its duration.
func (c *PrometheusCollector) SweepCompleted(duration time.Duration) {
	c.sweepsTotal.Inc()
	c.sweepDuration.Observe(duration.Seconds())
}
