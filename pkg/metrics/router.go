package metrics

import "time"

// RouterMetrics observes client sessions on the control port.
//
// Example usage:
//
//	r := router.New(config, newSession, prometheus.NewRouterMetrics())
//	r := router.New(config, newSession, nil) // no-op
type RouterMetrics interface {
	// RecordSessionStarted is called when a control connection is accepted.
	RecordSessionStarted()

	// RecordSessionEnded is called when a session terminates, with its
	// lifetime and the reason ("exit", "lockout", "disconnect", "error",
	// "shutdown").
	RecordSessionEnded(reason string, duration time.Duration)

	// RecordCommand records one handled command line. command is the verb
	// ("login", "user ls", "file down", ...).
	RecordCommand(command string, duration time.Duration, err error)

	// RecordLogin records the outcome of a login attempt.
	RecordLogin(success bool)
}

type noopRouterMetrics struct{}

func (noopRouterMetrics) RecordSessionStarted()                      {}
func (noopRouterMetrics) RecordSessionEnded(string, time.Duration)   {}
func (noopRouterMetrics) RecordCommand(string, time.Duration, error) {}
func (noopRouterMetrics) RecordLogin(bool)                           {}

// NewNoopRouterMetrics returns a RouterMetrics that discards everything.
func NewNoopRouterMetrics() RouterMetrics {
	return noopRouterMetrics{}
}
