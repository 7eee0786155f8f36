package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/imgpull/pkg/metrics"
)

// transferMetrics is the Prometheus implementation of metrics.TransferMetrics.
type transferMetrics struct {
	transfersTotal   *prometheus.CounterVec
	bytesTotal       prometheus.Counter
	transferDuration *prometheus.HistogramVec
	inFlight         prometheus.Gauge
}

// NewTransferMetrics returns a no-op implementation if metrics are not enabled.
func NewTransferMetrics() metrics.TransferMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopTransferMetrics()
	}

	reg := metrics.GetRegistry()

	return &transferMetrics{
		transfersTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "imgpull_transfers_total",
				Help: "Total number of image transfers by final state",
			},
			[]string{"state"},
		),
		bytesTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "imgpull_transfer_bytes_total",
				Help: "Total bytes streamed over data channels",
			},
		),
		transferDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "imgpull_transfer_duration_seconds",
				Help:    "Duration of image transfers in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
			[]string{"state"},
		),
		inFlight: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "imgpull_transfer_in_flight",
				Help: "1 while a transfer handshake is running",
			},
		),
	}
}

func (m *transferMetrics) RecordTransfer(state string, bytes int64, duration time.Duration) {
	m.transfersTotal.WithLabelValues(state).Inc()
	m.bytesTotal.Add(float64(bytes))
	m.transferDuration.WithLabelValues(state).Observe(duration.Seconds())
}

func (m *transferMetrics) SetInFlight(active bool) {
	if active {
		m.inFlight.Set(1)
		return
	}
	m.inFlight.Set(0)
}
