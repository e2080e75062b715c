// ABOUTME: Domain interfaces for dependency inversion
// ABOUTME: Capture sessions depend on these abstractions, not on concrete hardware or telemetry
package domain

import "time"

// CaptureDevice is the hardware layer that fills a shared region in two
// alternating halves and signals when a half becomes valid.
type CaptureDevice interface {
	// Setup loads firmware and maps the shared region.
	Setup() (Region, error)
	// WaitForNextHalf blocks until a half is ready. There is no timeout; an
	// error means the device path is gone and no further halves will arrive.
	WaitForNextHalf() (Half, error)
	// Teardown releases everything Setup acquired.
	Teardown() error
}

// DiagnosticsSink receives advisory events from the capture path.
// Implementations must not block.
type DiagnosticsSink interface {
	Overflow(ev OverflowEvent)
}

// OverflowEvent describes unread data discarded by a producer write.
type OverflowEvent struct {
	SessionID      string    `json:"session_id" msgpack:"session_id"`
	RunID          string    `json:"run_id" msgpack:"run_id"`
	At             time.Time `json:"at" msgpack:"at"`
	Half           Half      `json:"half" msgpack:"half"`
	RequestedBytes int       `json:"requested_bytes" msgpack:"requested_bytes"`
	DroppedBytes   int       `json:"dropped_bytes" msgpack:"dropped_bytes"`
	Total          uint64    `json:"total" msgpack:"total"`
}
