package katharsis

import (
	"errors"
	"log/slog"
	"time"
)

// kConfig holds mutable state during Katharsis construction.
type kConfig struct {
	title           string
	sources         []Source
	metricsSource   string
	pollingInterval time.Duration
	port            int
	maxConcurrency  int
	logger          *slog.Logger
	updateCallbacks []func(Update)

	endpoint      string
	widgetDelay   time.Duration
	widgetTimeout time.Duration
	gracePeriod   time.Duration
	maxRetries    int
	chartURL      string

	errorSink         ErrorSink
	sentryDSN         string
	sentryEnvironment string
	release           string
}

// Option is a function that configures a [Katharsis] instance during
// construction. Options return an error if validation fails.
type Option func(*kConfig) error

// WithSource adds an upstream [Source] to the aggregator.
//
// Can be called multiple times. Source names must be unique.
func WithSource(s Source) Option {
	return func(cfg *kConfig) error {
		cfg.sources = append(cfg.sources, s)
		return nil
	}
}

// WithSources adds multiple upstream sources at once.
func WithSources(sources ...Source) Option {
	return func(cfg *kConfig) error {
		cfg.sources = append(cfg.sources, sources...)
		return nil
	}
}

// WithMetricsSource names the source whose payload is served at
// /katharsis.json. Defaults to the first configured source.
func WithMetricsSource(name string) Option {
	return func(cfg *kConfig) error {
		if name == "" {
			return errors.New("metrics source name cannot be empty")
		}
		cfg.metricsSource = name
		return nil
	}
}

// WithPollingInterval sets how often upstream sources are collected.
//
// Sources with their own [WithInterval] keep it. Defaults to 5 seconds.
//
// Returns an error if the duration is zero or negative.
func WithPollingInterval(d time.Duration) Option {
	return func(cfg *kConfig) error {
		if d <= 0 {
			return errors.New("polling interval must be positive")
		}
		cfg.pollingInterval = d
		return nil
	}
}

// WithPort sets the HTTP port for the page and API.
//
// The page is available at http://localhost:<port>. Defaults to 8080.
//
// Returns an error if the port is outside the valid range (1-65535).
func WithPort(port int) Option {
	return func(cfg *kConfig) error {
		if port < 1 || port > 65535 {
			return errors.New("port must be between 1 and 65535")
		}
		cfg.port = port
		return nil
	}
}

// WithMaxConcurrency sets the maximum number of concurrent upstream
// requests. Defaults to 10.
//
// Returns an error if the value is zero or negative.
func WithMaxConcurrency(n int) Option {
	return func(cfg *kConfig) error {
		if n <= 0 {
			return errors.New("max concurrency must be positive")
		}
		cfg.maxConcurrency = n
		return nil
	}
}

// WithLogger sets a custom [slog.Logger]. Defaults to [slog.Default].
//
// Returns an error if the logger is nil.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *kConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithUpdateCallback registers a function called after every collection,
// successful or not.
//
// Callbacks run synchronously on the results goroutine in registration
// order and must not block. Panics are recovered and logged.
//
// Nil callbacks are silently ignored.
func WithUpdateCallback(cb func(Update)) Option {
	return func(cfg *kConfig) error {
		if cb != nil {
			cfg.updateCallbacks = append(cfg.updateCallbacks, cb)
		}
		return nil
	}
}

// WithTitle sets the page title. Defaults to "Katharsis".
func WithTitle(title string) Option {
	return func(cfg *kConfig) error {
		cfg.title = title
		return nil
	}
}

// WithEndpoint sets the URL the widget polls.
//
// A path (for example "/katharsis.json") is resolved against the local
// server; an absolute http or https URL is used as is. Defaults to
// "/katharsis.json".
func WithEndpoint(endpoint string) Option {
	return func(cfg *kConfig) error {
		if endpoint == "" {
			return errors.New("endpoint cannot be empty")
		}
		cfg.endpoint = endpoint
		return nil
	}
}

// WithWidgetDelay sets the pause between successful widget polls.
// Defaults to 2 seconds.
//
// Returns an error if the duration is zero or negative.
func WithWidgetDelay(d time.Duration) Option {
	return func(cfg *kConfig) error {
		if d <= 0 {
			return errors.New("widget delay must be positive")
		}
		cfg.widgetDelay = d
		return nil
	}
}

// WithWidgetTimeout bounds each widget request. Zero disables the timeout.
// Defaults to 10 seconds.
func WithWidgetTimeout(d time.Duration) Option {
	return func(cfg *kConfig) error {
		if d < 0 {
			return errors.New("widget timeout cannot be negative")
		}
		cfg.widgetTimeout = d
		return nil
	}
}

// WithGracePeriod sets the widget grace period. It is accepted and
// reported but does not change polling. Defaults to 200ms.
func WithGracePeriod(d time.Duration) Option {
	return func(cfg *kConfig) error {
		if d < 0 {
			return errors.New("grace period cannot be negative")
		}
		cfg.gracePeriod = d
		return nil
	}
}

// WithMaxRetries sets the widget retry limit. It is accepted and reported
// but failed polls are never retried. Defaults to 15.
func WithMaxRetries(n int) Option {
	return func(cfg *kConfig) error {
		if n < 0 {
			return errors.New("max retries cannot be negative")
		}
		cfg.maxRetries = n
		return nil
	}
}

// WithChartURL sets the iframe source embedded below the panels. An empty
// URL disables the chart.
func WithChartURL(url string) Option {
	return func(cfg *kConfig) error {
		cfg.chartURL = url
		return nil
	}
}

// WithErrorSink sets where failures are reported. Takes precedence over
// [WithSentry].
//
// Returns an error if the sink is nil.
func WithErrorSink(sink ErrorSink) Option {
	return func(cfg *kConfig) error {
		if sink == nil {
			return errors.New("error sink cannot be nil")
		}
		cfg.errorSink = sink
		return nil
	}
}

// WithSentry reports failures to the Sentry project at dsn. An empty dsn
// leaves error tracking disabled.
func WithSentry(dsn, environment string) Option {
	return func(cfg *kConfig) error {
		cfg.sentryDSN = dsn
		cfg.sentryEnvironment = environment
		return nil
	}
}

// WithRelease tags error reports with the running version.
func WithRelease(release string) Option {
	return func(cfg *kConfig) error {
		cfg.release = release
		return nil
	}
}
