package metrics

import "time"

// TransferMetrics observes data channel handshakes run by the file service.
type TransferMetrics interface {
	// RecordTransfer records a finished handshake by its final state
	// ("complete", "rejected", "aborted") with the bytes streamed.
	RecordTransfer(state string, bytes int64, duration time.Duration)

	// SetInFlight reports whether a handshake is currently running.
	SetInFlight(active bool)
}

type noopTransferMetrics struct{}

func (noopTransferMetrics) RecordTransfer(string, int64, time.Duration) {}
func (noopTransferMetrics) SetInFlight(bool)                            {}

// NewNoopTransferMetrics returns a TransferMetrics that discards everything.
func NewNoopTransferMetrics() TransferMetrics {
	return noopTransferMetrics{}
}
