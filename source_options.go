package katharsis

import (
	"errors"
	"time"
)

// sourceConfig holds mutable state during source construction.
type sourceConfig struct {
	headers   map[string]string
	timeout   time.Duration
	interval  time.Duration
	transform Transform
}

// SourceOption configures a [Source] during construction.
//
// Built-in options: [WithHeaders], [WithSourceTimeout], [WithInterval],
// [WithTransform].
type SourceOption func(*sourceConfig) error

// WithHeaders adds custom HTTP headers to collection requests.
//
// Accepts variadic key-value pairs. The number of arguments must be even.
//
// Example:
//
//	src, err := katharsis.NewSource("mirror", url,
//	    katharsis.WithHeaders("Authorization", "Bearer token123"),
//	)
//
// Returns an error if an odd number of arguments is provided.
func WithHeaders(keyValues ...string) SourceOption {
	return func(cfg *sourceConfig) error {
		if len(keyValues)%2 != 0 {
			return errors.New("WithHeaders requires an even number of arguments (key-value pairs)")
		}
		for i := 0; i < len(keyValues); i += 2 {
			cfg.headers[keyValues[i]] = keyValues[i+1]
		}
		return nil
	}
}

// WithSourceTimeout sets the HTTP request timeout for this source.
// Defaults to 10 seconds.
//
// Returns an error if the duration is zero or negative.
func WithSourceTimeout(d time.Duration) SourceOption {
	return func(cfg *sourceConfig) error {
		if d <= 0 {
			return errors.New("timeout must be positive")
		}
		cfg.timeout = d
		return nil
	}
}

// WithInterval sets a custom collection interval for this source.
//
// The interval must be at least 1 second and at most 1 hour. If not
// specified, the source uses the global interval configured via
// [WithPollingInterval].
//
// The interval is measured from when a collection starts, not when it
// completes.
func WithInterval(d time.Duration) SourceOption {
	return func(cfg *sourceConfig) error {
		if d < time.Second {
			return errors.New("interval must be at least 1 second")
		}
		if d > time.Hour {
			return errors.New("interval must not exceed 1 hour")
		}
		cfg.interval = d
		return nil
	}
}

// WithTransform sets the function applied to every successful response
// body. A nil transform stores bodies unchanged.
func WithTransform(t Transform) SourceOption {
	return func(cfg *sourceConfig) error {
		cfg.transform = t
		return nil
	}
}
