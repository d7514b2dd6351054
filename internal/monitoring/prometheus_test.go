package monitoring

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/mixcoordinator/internal/config"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestPrometheusExporterSyncReflectsLatestSamples(t *testing.T) {
	reg := prometheus.NewRegistry()
	exporter := NewPrometheusExporter(reg)

	m := New(config.MonitoringIntervals{}, zerolog.Nop(), nil, nil, nil, nil, nil, nil, nil)
	m.System.Append(Point{Timestamp: time.Now().UnixMilli(), Value: 42})
	m.Alerts.Trigger("t", "s", "low", "title", "desc", time.Now())

	exporter.Sync(m)

	require.Equal(t, float64(42), gaugeValue(t, exporter.SystemGauge))
	require.Equal(t, float64(1), gaugeValue(t, exporter.AlertsActive))
}
