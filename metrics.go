package pairxfer

import "time"

// MetricsCollector receives lifecycle and session events. Implementations
// must be safe for concurrent use and must not block. The promcollector
// package provides a Prometheus implementation.
type MetricsCollector interface {
	// RecordStart records a finished Start call.
	RecordStart(variant, outcome string, attempts int, duration time.Duration)

	// RecordAttempt records one failed port attempt with its
	// classification.
	RecordAttempt(variant string, port int, kind string)

	// RecordStop records a Stop that shut down a running server.
	RecordStop(variant string)

	// RecordAuthentication records a client login attempt.
	RecordAuthentication(protocol string, success bool)

	// RecordTransfer records a completed upload or download.
	RecordTransfer(protocol, direction string, bytes int64, duration time.Duration)
}
