package config

import (
	catalogs3 "github.com/marmos91/imgpull/pkg/catalog/s3"
	"github.com/marmos91/imgpull/pkg/metrics"
	promMetrics "github.com/marmos91/imgpull/pkg/metrics/prometheus"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// Router is the collector for the control port (never nil)
	Router metrics.RouterMetrics

	// Transfer is the collector for the file service data channel (never nil)
	Transfer metrics.TransferMetrics

	// S3 is the collector for the S3 catalog (nil if disabled)
	S3 catalogs3.S3Metrics
}

// InitializeMetrics creates all metrics components based on configuration.
//
// When metrics are disabled it returns a nil server and no-op collectors.
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{
			Router:   metrics.NewNoopRouterMetrics(),
			Transfer: metrics.NewNoopTransferMetrics(),
		}
	}

	metrics.InitRegistry()

	return &MetricsResult{
		Server:   metrics.NewServer(metrics.ServerConfig{Port: cfg.Metrics.Port}),
		Router:   promMetrics.NewRouterMetrics(),
		Transfer: promMetrics.NewTransferMetrics(),
		S3:       metrics.NewS3Metrics(),
	}
}
