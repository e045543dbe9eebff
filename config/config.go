// Package config provides YAML configuration parsing for Katharsis.
//
// This package enables running Katharsis as a standalone binary with a
// configuration file, as an alternative to the programmatic SDK approach.
//
// Example configuration:
//
//	title: Usage
//	port: 8080
//	poll_interval: 5s
//
//	countly:
//	  url: https://countly.example.org/o
//	  api_key: ${COUNTLY_API_KEY}
//	  app_id: 5a1b2c3d
//
//	widget:
//	  delay: 2s
//	  chart_url: https://public.google.stackdriver.com/public/chart/123
//
//	sentry:
//	  dsn: ${SENTRY_DSN:-}
//	  environment: production
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// minPollInterval is the minimum allowed polling interval for production configs.
// This prevents accidental DoS of upstreams with overly aggressive polling.
const minPollInterval = 1 * time.Second

const (
	defaultPort         = 8080
	defaultPollInterval = 5 * time.Second

	// countlySourceName matches the name the SDK gives the Countly source.
	countlySourceName = "countly"
)

// Config is the root configuration structure for Katharsis.
//
// It maps directly to the YAML configuration file structure.
// Use [Load] or [Parse] to create a Config from YAML.
type Config struct {
	// Title is the page title. Defaults to "Katharsis" if not set.
	Title string `yaml:"title"`

	// Port is the HTTP server port. Defaults to 8080.
	Port int `yaml:"port"`

	// PollInterval is the time between upstream collections.
	// Accepts duration strings like "10s", "1m", "500ms".
	// Defaults to 5s.
	PollInterval Duration `yaml:"poll_interval"`

	// MaxConcurrency caps simultaneous upstream requests. Zero keeps the
	// SDK default.
	MaxConcurrency int `yaml:"max_concurrency"`

	// MetricsSource names the source served at /katharsis.json. Defaults
	// to the Countly source when configured, otherwise the first source.
	MetricsSource string `yaml:"metrics_source"`

	// Countly configures the Countly "users" source.
	Countly *CountlyConfig `yaml:"countly"`

	// Sources defines additional upstreams that already serve a metrics
	// document.
	Sources []SourceConfig `yaml:"sources"`

	// Widget configures the polling widget.
	Widget WidgetConfig `yaml:"widget"`

	// Sentry configures error reporting. Disabled when DSN is empty.
	Sentry SentryConfig `yaml:"sentry"`
}

// CountlyConfig defines the Countly analytics source.
type CountlyConfig struct {
	// URL is the Countly read API base, for example https://host/o.
	// Supports environment variable substitution: ${VAR} or ${VAR:-default}
	URL string `yaml:"url"`

	// APIKey authenticates requests. Supports environment variables.
	APIKey string `yaml:"api_key"`

	// AppID scopes requests to one application. Supports environment variables.
	AppID string `yaml:"app_id"`

	// Timeout is the request timeout. Defaults to 10s.
	Timeout Duration `yaml:"timeout"`

	// Interval overrides the global poll_interval. Must be between 1s and 1h.
	Interval Duration `yaml:"interval"`
}

// SourceConfig defines an upstream whose body is stored unchanged.
type SourceConfig struct {
	// Name identifies the source. Must be unique.
	Name string `yaml:"name"`

	// URL is the upstream endpoint URL.
	// Supports environment variable substitution: ${VAR} or ${VAR:-default}
	URL string `yaml:"url"`

	// Timeout is the request timeout. Defaults to 10s.
	Timeout Duration `yaml:"timeout"`

	// Headers are custom HTTP headers sent with each request.
	// Values support environment variable substitution.
	Headers map[string]string `yaml:"headers"`

	// Interval overrides the global poll_interval. Must be between 1s and 1h.
	Interval Duration `yaml:"interval"`
}

// WidgetConfig tunes the dashboard widget.
type WidgetConfig struct {
	// Endpoint is the URL the widget polls. A path is resolved against the
	// local server. Defaults to /katharsis.json.
	Endpoint string `yaml:"endpoint"`

	// Delay is the pause between successful polls. Defaults to 2s.
	Delay Duration `yaml:"delay"`

	// Timeout bounds each request. Defaults to 10s.
	Timeout Duration `yaml:"timeout"`

	// GracePeriod is accepted for compatibility and has no effect.
	GracePeriod Duration `yaml:"grace_period"`

	// MaxRetries is accepted for compatibility and has no effect.
	MaxRetries *int `yaml:"max_retries"`

	// ChartURL is the embedded chart source. Set to "" to disable the
	// chart; omit to keep the default.
	ChartURL *string `yaml:"chart_url"`
}

// SentryConfig configures error reporting.
type SentryConfig struct {
	// DSN is the Sentry project DSN. Supports environment variables.
	DSN string `yaml:"dsn"`

	// Environment tags reported events.
	Environment string `yaml:"environment"`
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
// Group 1: variable name
// Group 2: the ":-default" part (if present, indicates a default was specified)
// Group 3: the default value (may be empty for ${VAR:-})
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// already have an error, skip processing
		if firstErr != nil {
			return match
		}

		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		hasDefault := len(submatches) > 2 && submatches[2] != ""
		defaultVal := ""
		if hasDefault && len(submatches) > 3 {
			defaultVal = submatches[3]
		}

		value, exists := os.LookupEnv(varName)
		if !exists {
			if hasDefault {
				return defaultVal
			}
			firstErr = fmt.Errorf("environment variable %q is not set", varName)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Load reads and parses a YAML configuration file.
//
// Environment variables in the file are expanded before parsing.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data.
//
// Environment variables are expanded in URLs, credentials, header values
// and the Sentry DSN. Defaults are applied for Port (8080) and
// PollInterval (5s).
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = Duration(defaultPollInterval)
	}

	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// SourceCount returns the number of configured upstreams, Countly included.
func (c *Config) SourceCount() int {
	n := len(c.Sources)
	if c.Countly != nil {
		n++
	}
	return n
}

// expandAndValidate expands environment variables and validates the config.
func (c *Config) expandAndValidate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.PollInterval.Duration() < minPollInterval {
		return fmt.Errorf("poll_interval must be at least %s, got %s", minPollInterval, c.PollInterval.Duration())
	}
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("max_concurrency cannot be negative, got %d", c.MaxConcurrency)
	}

	names := make(map[string]struct{}, c.SourceCount())

	if c.Countly != nil {
		if err := c.Countly.expandAndValidate(); err != nil {
			return err
		}
		names[countlySourceName] = struct{}{}
	}

	for i := range c.Sources {
		src := &c.Sources[i]

		if src.Name == "" {
			return fmt.Errorf("sources[%d]: name is required", i)
		}
		if _, dup := names[src.Name]; dup {
			return fmt.Errorf("sources[%d] (%s): duplicate source name", i, src.Name)
		}
		names[src.Name] = struct{}{}

		if src.URL == "" {
			return fmt.Errorf("sources[%d] (%s): url is required", i, src.Name)
		}
		expanded, err := expandEnvVars(src.URL)
		if err != nil {
			return fmt.Errorf("sources[%d] (%s): url: %w", i, src.Name, err)
		}
		src.URL = expanded
		if err := validateHTTPURL(src.URL); err != nil {
			return fmt.Errorf("sources[%d] (%s): %w", i, src.Name, err)
		}

		for k, v := range src.Headers {
			expanded, err := expandEnvVars(v)
			if err != nil {
				return fmt.Errorf("sources[%d] (%s): headers[%s]: %w", i, src.Name, k, err)
			}
			src.Headers[k] = expanded
		}

		prefix := fmt.Sprintf("sources[%d] (%s)", i, src.Name)
		if err := validateTimeout(prefix, src.Timeout); err != nil {
			return err
		}
		if err := validateInterval(prefix, src.Interval); err != nil {
			return err
		}
	}

	if c.MetricsSource != "" {
		if _, ok := names[c.MetricsSource]; !ok {
			return fmt.Errorf("metrics_source %q does not match any source", c.MetricsSource)
		}
	}

	if err := c.Widget.validate(); err != nil {
		return err
	}

	dsn, err := expandEnvVars(c.Sentry.DSN)
	if err != nil {
		return fmt.Errorf("sentry: dsn: %w", err)
	}
	c.Sentry.DSN = dsn

	// a remote widget endpoint can run without local collection
	if len(names) == 0 && !isAbsoluteURL(c.Widget.Endpoint) {
		return errors.New("at least one source (countly or sources) must be defined")
	}

	return nil
}

// expandAndValidate expands and validates the Countly block.
func (cc *CountlyConfig) expandAndValidate() error {
	fields := []struct {
		name  string
		value *string
	}{
		{"url", &cc.URL},
		{"api_key", &cc.APIKey},
		{"app_id", &cc.AppID},
	}
	for _, f := range fields {
		if *f.value == "" {
			return fmt.Errorf("countly: %s is required", f.name)
		}
		expanded, err := expandEnvVars(*f.value)
		if err != nil {
			return fmt.Errorf("countly: %s: %w", f.name, err)
		}
		if expanded == "" {
			return fmt.Errorf("countly: %s is empty after expansion", f.name)
		}
		*f.value = expanded
	}

	if err := validateHTTPURL(cc.URL); err != nil {
		return fmt.Errorf("countly: %w", err)
	}
	if err := validateTimeout("countly", cc.Timeout); err != nil {
		return err
	}
	return validateInterval("countly", cc.Interval)
}

// validate checks the widget block.
func (w *WidgetConfig) validate() error {
	if w.Endpoint != "" {
		expanded, err := expandEnvVars(w.Endpoint)
		if err != nil {
			return fmt.Errorf("widget: endpoint: %w", err)
		}
		w.Endpoint = expanded
		if isAbsoluteURL(w.Endpoint) {
			if err := validateHTTPURL(w.Endpoint); err != nil {
				return fmt.Errorf("widget: endpoint: %w", err)
			}
		} else if w.Endpoint[0] != '/' {
			return fmt.Errorf("widget: endpoint must be a path or an http(s) URL, got %q", w.Endpoint)
		}
	}

	if w.Delay != 0 && w.Delay.Duration() < 0 {
		return fmt.Errorf("widget: delay cannot be negative, got %s", w.Delay.Duration())
	}
	if w.Timeout.Duration() < 0 {
		return fmt.Errorf("widget: timeout cannot be negative, got %s", w.Timeout.Duration())
	}
	if w.GracePeriod.Duration() < 0 {
		return fmt.Errorf("widget: grace_period cannot be negative, got %s", w.GracePeriod.Duration())
	}
	if w.MaxRetries != nil && *w.MaxRetries < 0 {
		return fmt.Errorf("widget: max_retries cannot be negative, got %d", *w.MaxRetries)
	}
	return nil
}

// validateHTTPURL requires an absolute http or https URL.
func validateHTTPURL(raw string) error {
	parsedURL, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if parsedURL.Scheme == "" {
		return errors.New("url must have a scheme (http:// or https://)")
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", parsedURL.Scheme)
	}
	return nil
}

func validateTimeout(prefix string, d Duration) error {
	if d == 0 {
		return nil
	}
	if d.Duration() < time.Second {
		return fmt.Errorf("%s: timeout must be at least 1s if specified, got %s", prefix, d.Duration())
	}
	return nil
}

func validateInterval(prefix string, d Duration) error {
	if d == 0 {
		return nil
	}
	if d.Duration() < time.Second {
		return fmt.Errorf("%s: interval must be at least 1s, got %s", prefix, d.Duration())
	}
	if d.Duration() > time.Hour {
		return fmt.Errorf("%s: interval must not exceed 1h, got %s", prefix, d.Duration())
	}
	return nil
}

func isAbsoluteURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.IsAbs()
}
