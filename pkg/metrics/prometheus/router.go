package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/imgpull/pkg/metrics"
)

// routerMetrics is the Prometheus implementation of metrics.RouterMetrics.
type routerMetrics struct {
	sessionsStarted prometheus.Counter
	sessionsEnded   *prometheus.CounterVec
	sessionDuration prometheus.Histogram
	activeSessions  prometheus.Gauge
	commandsTotal   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	loginsTotal     *prometheus.CounterVec
}

// NewRouterMetrics returns a no-op implementation if metrics are not enabled.
func NewRouterMetrics() metrics.RouterMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopRouterMetrics()
	}

	reg := metrics.GetRegistry()

	return &routerMetrics{
		sessionsStarted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "imgpull_router_sessions_started_total",
				Help: "Total number of client sessions accepted on the control port",
			},
		),
		sessionsEnded: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "imgpull_router_sessions_ended_total",
				Help: "Total number of client sessions ended, by reason",
			},
			[]string{"reason"},
		),
		sessionDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "imgpull_router_session_duration_seconds",
				Help:    "Lifetime of client sessions in seconds",
				Buckets: []float64{1, 10, 60, 300, 1800, 3600},
			},
		),
		activeSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "imgpull_router_active_sessions",
				Help: "Number of client sessions currently being served",
			},
		),
		commandsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "imgpull_router_commands_total",
				Help: "Total number of commands handled, by command and status",
			},
			[]string{"command", "status"},
		),
		commandDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "imgpull_router_command_duration_milliseconds",
				Help: "Duration of command handling in milliseconds",
				Buckets: []float64{
					1,     // 1ms
					10,    // 10ms
					100,   // 100ms
					1000,  // 1s
					10000, // 10s
				},
			},
			[]string{"command"},
		),
		loginsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "imgpull_router_logins_total",
				Help: "Total number of login attempts by result",
			},
			[]string{"result"},
		),
	}
}

func (m *routerMetrics) RecordSessionStarted() {
	m.sessionsStarted.Inc()
	m.activeSessions.Inc()
}

func (m *routerMetrics) RecordSessionEnded(reason string, duration time.Duration) {
	m.sessionsEnded.WithLabelValues(reason).Inc()
	m.sessionDuration.Observe(duration.Seconds())
	m.activeSessions.Dec()
}

func (m *routerMetrics) RecordCommand(command string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.commandsTotal.WithLabelValues(command, status).Inc()
	m.commandDuration.WithLabelValues(command).Observe(duration.Seconds() * 1000)
}

func (m *routerMetrics) RecordLogin(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	m.loginsTotal.WithLabelValues(result).Inc()
}
