// Package metrics defines the observability hooks of the router, the
// transfer handshake and the S3 catalog, and serves them over HTTP.
//
// Metrics are optional. Until InitRegistry is called every constructor
// returns a no-op implementation.
//
// Usage:
//
//	metrics.InitRegistry()
//	routerMetrics := prometheus.NewRouterMetrics()
//	s3Metrics := metrics.NewS3Metrics()
//
//	// Or pass nil for no-op behavior
//	r := router.New(config, b, nil)
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// registry is written once by InitRegistry and read many times.
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry initializes the global Prometheus registry.
//
// Call it before creating any metrics instance. Later calls are ignored.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
	})
}

// GetRegistry returns the global Prometheus registry.
//
// It is nil while metrics are disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}
