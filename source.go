package katharsis

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/jpalmerr/katharsis/internal/countly"
)

const defaultSourceTimeout = 10 * time.Second

// CountlySourceName is the name given to sources built by [NewCountlySource].
const CountlySourceName = "countly"

// Transform converts the raw body of an upstream response into the metrics
// document served at /katharsis.json. now is the collection time.
//
// A Transform must be safe to call from multiple goroutines.
type Transform func(body []byte, now time.Time) (json.RawMessage, error)

// Source is an upstream document collected periodically by the aggregator.
//
// Source is immutable after creation via [NewSource] or [NewCountlySource].
// All fields are private with getter methods that return copies of mutable
// data.
type Source struct {
	name      string
	url       string
	headers   map[string]string
	timeout   time.Duration
	interval  time.Duration
	transform Transform
}

// Name returns the source name. It keys the source's snapshot in the store.
func (s Source) Name() string {
	return s.name
}

// URL returns the URL fetched on every collection.
func (s Source) URL() string {
	return s.url
}

// Headers returns a copy of the source's custom HTTP headers.
// Returns nil if no custom headers are set.
func (s Source) Headers() map[string]string {
	return copyMap(s.headers)
}

// Timeout returns the per-request timeout. Defaults to 10 seconds.
func (s Source) Timeout() time.Duration {
	return s.timeout
}

// Interval returns the source's collection interval, or 0 when the global
// interval set with [WithPollingInterval] applies.
func (s Source) Interval() time.Duration {
	return s.interval
}

// Transform returns the function applied to response bodies. Nil means
// the body is stored unchanged.
func (s Source) Transform() Transform {
	return s.transform
}

// NewSource creates a [Source] with the given name, URL and options.
//
// The rawURL must be absolute with an http or https scheme. Without
// [WithTransform] the response body must itself be a metrics document.
//
// Example:
//
//	src, err := katharsis.NewSource("mirror", "https://stats.example.org/katharsis.json",
//	    katharsis.WithSourceTimeout(5 * time.Second),
//	)
func NewSource(name, rawURL string, opts ...SourceOption) (Source, error) {
	if name == "" {
		return Source{}, errors.New("source name cannot be empty")
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return Source{}, errors.New("invalid URL: " + err.Error())
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return Source{}, errors.New("URL must have a scheme (http:// or https://)")
	}

	cfg := &sourceConfig{
		headers: make(map[string]string),
		timeout: defaultSourceTimeout,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return Source{}, err
		}
	}

	return Source{
		name:      name,
		url:       rawURL,
		headers:   cfg.headers,
		timeout:   cfg.timeout,
		interval:  cfg.interval,
		transform: cfg.transform,
	}, nil
}

// NewCountlySource creates a [Source] for the Countly "users" endpoint at
// baseURL, authenticated with apiKey and scoped to appID. Responses are
// reduced to today's metrics with [CountlyTransform].
//
// Example:
//
//	src, err := katharsis.NewCountlySource("https://countly.example.org/o", key, app,
//	    katharsis.WithInterval(5 * time.Second),
//	)
func NewCountlySource(baseURL, apiKey, appID string, opts ...SourceOption) (Source, error) {
	if apiKey == "" {
		return Source{}, errors.New("countly api key cannot be empty")
	}
	if appID == "" {
		return Source{}, errors.New("countly app id cannot be empty")
	}

	rawURL, err := countly.SourceURL(baseURL, apiKey, appID)
	if err != nil {
		return Source{}, err
	}

	opts = append([]SourceOption{WithTransform(CountlyTransform)}, opts...)
	return NewSource(CountlySourceName, rawURL, opts...)
}

// CountlyTransform reduces a Countly "users" response to the metrics
// document for the calendar day of now.
func CountlyTransform(body []byte, now time.Time) (json.RawMessage, error) {
	payload, err := countly.Transform(body, now)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metrics: %w", err)
	}
	return data, nil
}

// copyMap returns a shallow copy of the map.
func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
