// Package metrics defines the usage-statistics document exchanged between
// the aggregator, the HTTP API and the dashboard widget.
//
// Values are kept as [encoding/json.Number] so a panel shows exactly the
// text the endpoint sent.
package metrics

import "encoding/json"

// Entry is one bucket of user statistics.
//
// The widget only reads Total, New and Unique. Requests and TotalDuration
// are filled in by the aggregator for API consumers.
type Entry struct {
	Requests      json.Number `json:"requests,omitempty"`
	New           json.Number `json:"new,omitempty"`
	Total         json.Number `json:"total,omitempty"`
	Unique        json.Number `json:"unique,omitempty"`
	TotalDuration json.Number `json:"total_duration,omitempty"`
}

// Payload is the document served at /katharsis.json.
//
// Total is nil when the document carries no "total" object, which the
// renderer rejects. Hours is keyed by hour of day ("0".."23") and Countries
// by English country name.
type Payload struct {
	Total     *Entry           `json:"total,omitempty"`
	Hours     map[string]Entry `json:"hours,omitempty"`
	Countries map[string]Entry `json:"countries,omitempty"`
}

// Metric is a single labeled value shown as one dashboard panel.
type Metric struct {
	Value string
	Label string
}

// Panel labels, in display order.
const (
	LabelTotal  = "total users"
	LabelNew    = "new users"
	LabelUnique = "unique users"
)

// MissingValue is shown for a displayed counter the document omits.
const MissingValue = "0"

// Metrics returns the three displayed metrics of e in fixed order:
// total, new, unique. Absent counters show [MissingValue].
func (e Entry) Metrics() []Metric {
	return []Metric{
		{Value: valueOrMissing(e.Total), Label: LabelTotal},
		{Value: valueOrMissing(e.New), Label: LabelNew},
		{Value: valueOrMissing(e.Unique), Label: LabelUnique},
	}
}

func valueOrMissing(n json.Number) string {
	if n == "" {
		return MissingValue
	}
	return n.String()
}
