package store

import (
	"encoding/json"
	"time"
)

// Snapshot is the latest collected state of one upstream source.
//
// Snapshot is the storage representation served by the REST API, the SSE
// feed and the WebSocket feed.
type Snapshot struct {
	// Source is the name of the upstream source.
	Source string `json:"source"`

	// Payload is the serialized metrics document. It is "{}" when the
	// source had no data for the current day.
	Payload json.RawMessage `json:"payload"`

	// CollectedAt is when the snapshot was produced.
	CollectedAt time.Time `json:"collected_at"`

	// LatencyMs is the upstream request latency in milliseconds.
	LatencyMs int64 `json:"latency_ms"`

	// Error is the last collection error, if the most recent attempt failed.
	// A failed attempt keeps the previous Payload.
	Error *string `json:"error"`
}

// Store defines storage and subscription for snapshots.
//
// Implementations must be safe for concurrent access.
type Store interface {
	// Update stores a snapshot keyed by Source and notifies subscribers.
	Update(s Snapshot)

	// Get returns the snapshot stored for source.
	Get(source string) (Snapshot, bool)

	// GetAll returns all stored snapshots ordered by source name.
	GetAll() []Snapshot

	// Subscribe returns a buffered channel receiving every update.
	// Slow consumers may miss updates. Callers must Unsubscribe.
	Subscribe() <-chan Snapshot

	// Unsubscribe removes a subscription and closes its channel.
	Unsubscribe(ch <-chan Snapshot)
}
