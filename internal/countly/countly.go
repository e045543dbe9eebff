// Package countly reduces Countly analytics responses to the metrics
// document served by Katharsis.
//
// A Countly "method=users" response nests counters by date:
//
//	{"2017": {"5": {"3": {"t": 120, "n": 14, "u": 90, "e": 400,
//	                      "13": {"t": 9, ...},
//	                      "DE": {"t": 30, ...}}}}}
//
// [Transform] picks today's bucket, renames the short counter keys and
// splits the nested objects into per-hour and per-country entries.
package countly

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/jpalmerr/katharsis/internal/metrics"
)

// Query parameters of the users endpoint.
const (
	MethodUsers   = "users"
	ActionRefresh = "refresh"
)

// SourceURL builds the users endpoint URL for base, authenticated with
// apiKey and scoped to appID.
func SourceURL(base, apiKey, appID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid countly url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("countly url scheme must be http or https, got %q", u.Scheme)
	}

	q := u.Query()
	q.Set("api_key", apiKey)
	q.Set("app_id", appID)
	q.Set("method", MethodUsers)
	q.Set("action", ActionRefresh)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Transform parses a raw Countly response and returns the metrics for the
// calendar day of now.
//
// When the response has no bucket for that day an empty payload is returned
// (it serializes as "{}"). Invalid JSON is an error.
func Transform(raw []byte, now time.Time) (*metrics.Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var root any
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("failed to parse countly response: %w", err)
	}

	day, ok := lookup(root,
		strconv.Itoa(now.Year()),
		strconv.Itoa(int(now.Month())),
		strconv.Itoa(now.Day()),
	)
	if !ok {
		return &metrics.Payload{}, nil
	}

	total := withDisplayedDefaults(entryFrom(day))
	out := &metrics.Payload{
		Total:     &total,
		Hours:     make(map[string]metrics.Entry),
		Countries: make(map[string]metrics.Entry),
	}

	for key, value := range day {
		obj, ok := value.(map[string]any)
		if !ok {
			continue
		}

		if _, err := strconv.Atoi(key); err == nil {
			out.Hours[key] = entryFrom(obj)
			continue
		}

		if name, ok := CountryName(key); ok {
			out.Countries[name] = entryFrom(obj)
		}
	}

	return out, nil
}

// CountryName returns the English name of an ISO 3166-1 country code.
// Macro-regions and unknown codes are rejected.
func CountryName(code string) (string, bool) {
	region, err := language.ParseRegion(code)
	if err != nil || !region.IsCountry() {
		return "", false
	}
	name := display.English.Regions().Name(region)
	if name == "" {
		return "", false
	}
	return name, true
}

// withDisplayedDefaults sets the counters the dashboard shows to zero when
// Countly omitted them, as it does for a day without new users.
func withDisplayedDefaults(e metrics.Entry) metrics.Entry {
	for _, n := range []*json.Number{&e.Total, &e.New, &e.Unique} {
		if *n == "" {
			*n = "0"
		}
	}
	return e
}

// lookup walks nested objects along keys.
func lookup(v any, keys ...string) (map[string]any, bool) {
	for _, k := range keys {
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		v = obj[k]
	}
	obj, ok := v.(map[string]any)
	return obj, ok
}

// entryFrom maps Countly's short counter keys onto an entry. Non-numeric
// values are skipped.
func entryFrom(obj map[string]any) metrics.Entry {
	var e metrics.Entry
	for key, value := range obj {
		n, ok := value.(json.Number)
		if !ok {
			continue
		}
		switch key {
		case "e":
			e.Requests = n
		case "n":
			e.New = n
		case "t":
			e.Total = n
		case "u":
			e.Unique = n
		case "d":
			e.TotalDuration = n
		}
	}
	return e
}
