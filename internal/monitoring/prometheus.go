package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusExporter mirrors the four bounded channels and the alert
// registry as Prometheus collectors, grounded on the pack's
// infrastructure/metrics.Metrics shape (CounterVec/Gauge pairs
// registered once at construction, updated from the same sample points
// Monitoring already collects).
type PrometheusExporter struct {
	SystemGauge      prometheus.Gauge
	BusinessGauge    prometheus.Gauge
	SecurityGauge    prometheus.Gauge
	PerformanceGauge prometheus.Gauge
	AlertsActive     prometheus.Gauge
	ChannelSent      *prometheus.GaugeVec
	ChannelFailed    *prometheus.GaugeVec
}

// NewPrometheusExporter builds and registers every collector against
// registerer (pass prometheus.DefaultRegisterer in production, a fresh
// prometheus.NewRegistry() in tests to avoid global-registry collisions).
func NewPrometheusExporter(registerer prometheus.Registerer) *PrometheusExporter {
	e := &PrometheusExporter{
		SystemGauge:      prometheus.NewGauge(prometheus.GaugeOpts{Name: "mixcoordinator_system_channel", Help: "latest system-channel sample"}),
		BusinessGauge:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "mixcoordinator_business_channel", Help: "latest business-channel sample"}),
		SecurityGauge:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "mixcoordinator_security_channel", Help: "latest security-channel sample"}),
		PerformanceGauge: prometheus.NewGauge(prometheus.GaugeOpts{Name: "mixcoordinator_performance_channel", Help: "latest performance-channel sample (p99 latency ms)"}),
		AlertsActive:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "mixcoordinator_alerts_active", Help: "currently active (unresolved) alerts"}),
		ChannelSent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mixcoordinator_notification_channel_sent_total", Help: "notification attempts sent, by channel",
		}, []string{"channel"}),
		ChannelFailed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mixcoordinator_notification_channel_failed_total", Help: "notification attempts failed, by channel",
		}, []string{"channel"}),
	}
	if registerer != nil {
		registerer.MustRegister(e.SystemGauge, e.BusinessGauge, e.SecurityGauge, e.PerformanceGauge,
			e.AlertsActive, e.ChannelSent, e.ChannelFailed)
	}
	return e
}

// Handler returns the HTTP handler to mount at /metrics.
func (e *PrometheusExporter) Handler() http.Handler {
	return promhttp.Handler()
}

// Sync copies Monitoring's current series/alert/notifier state into the
// registered gauges and counters. Intended to be called on the same
// cadence as Monitoring's own janitor, from cmd/engine.
func (e *PrometheusExporter) Sync(m *Monitoring) {
	if p, ok := m.System.Latest(); ok {
		e.SystemGauge.Set(p.Value)
	}
	if p, ok := m.Business.Latest(); ok {
		e.BusinessGauge.Set(p.Value)
	}
	if p, ok := m.Security.Latest(); ok {
		e.SecurityGauge.Set(p.Value)
	}
	if p, ok := m.Performance.Latest(); ok {
		e.PerformanceGauge.Set(p.Value)
	}
	e.AlertsActive.Set(float64(len(m.Alerts.Active())))

	if m.Notifier == nil {
		return
	}
	for channel, stats := range m.Notifier.Stats() {
		e.ChannelSent.WithLabelValues(channel).Set(float64(stats.Sent))
		e.ChannelFailed.WithLabelValues(channel).Set(float64(stats.Failed))
	}
}
