package katharsis

import (
	"encoding/json"
	"time"
)

// Update holds the outcome of collecting a single source once.
//
// Update is passed by value to callbacks registered with
// [WithUpdateCallback]; its byte slices are copies owned by the callback.
type Update struct {
	// Source is the name of the collected source.
	Source string

	// URL is the URL that was fetched.
	URL string

	// CorrelationID identifies this collection in logs and error reports.
	CorrelationID string

	// Payload is the metrics document after the source's transform.
	// Nil when the collection failed.
	Payload json.RawMessage

	// StatusCode is the upstream HTTP status code, zero on transport failure.
	StatusCode int

	// Latency is the time taken to complete the upstream request.
	Latency time.Duration

	// CollectedAt is when the collection completed.
	CollectedAt time.Time

	// Error is set when the request, the status check or the transform
	// failed. The previously served payload stays in place.
	Error error
}

// OK reports whether the collection produced a payload.
func (u Update) OK() bool {
	return u.Error == nil
}

// ErrorSink receives failures of the aggregator and the widget poll loop.
//
// Capture must be safe for concurrent use and must not block.
type ErrorSink interface {
	Capture(err error)
}
