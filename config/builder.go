package config

import (
	"sort"

	"github.com/jpalmerr/katharsis"
)

// BuildSources converts parsed configuration into SDK Source objects.
//
// The Countly source, when configured, comes first so it becomes the
// default metrics source.
func BuildSources(cfg *Config) ([]katharsis.Source, error) {
	var sources []katharsis.Source

	if cc := cfg.Countly; cc != nil {
		src, err := katharsis.NewCountlySource(cc.URL, cc.APIKey, cc.AppID, sourceOptions(cc.Timeout, cc.Interval, nil)...)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}

	for _, sc := range cfg.Sources {
		src, err := katharsis.NewSource(sc.Name, sc.URL, sourceOptions(sc.Timeout, sc.Interval, sc.Headers)...)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}

	return sources, nil
}

// BuildOptions converts parsed configuration into SDK options. Callers
// append their own logger and callbacks.
func BuildOptions(cfg *Config) ([]katharsis.Option, error) {
	sources, err := BuildSources(cfg)
	if err != nil {
		return nil, err
	}

	opts := []katharsis.Option{
		katharsis.WithSources(sources...),
		katharsis.WithPort(cfg.Port),
		katharsis.WithPollingInterval(cfg.PollInterval.Duration()),
	}
	if cfg.Title != "" {
		opts = append(opts, katharsis.WithTitle(cfg.Title))
	}
	if cfg.MaxConcurrency > 0 {
		opts = append(opts, katharsis.WithMaxConcurrency(cfg.MaxConcurrency))
	}
	if cfg.MetricsSource != "" {
		opts = append(opts, katharsis.WithMetricsSource(cfg.MetricsSource))
	}

	w := cfg.Widget
	if w.Endpoint != "" {
		opts = append(opts, katharsis.WithEndpoint(w.Endpoint))
	}
	if w.Delay > 0 {
		opts = append(opts, katharsis.WithWidgetDelay(w.Delay.Duration()))
	}
	if w.Timeout > 0 {
		opts = append(opts, katharsis.WithWidgetTimeout(w.Timeout.Duration()))
	}
	if w.GracePeriod > 0 {
		opts = append(opts, katharsis.WithGracePeriod(w.GracePeriod.Duration()))
	}
	if w.MaxRetries != nil {
		opts = append(opts, katharsis.WithMaxRetries(*w.MaxRetries))
	}
	if w.ChartURL != nil {
		opts = append(opts, katharsis.WithChartURL(*w.ChartURL))
	}

	if cfg.Sentry.DSN != "" {
		opts = append(opts, katharsis.WithSentry(cfg.Sentry.DSN, cfg.Sentry.Environment))
	}

	return opts, nil
}

// sourceOptions maps shared source settings to SDK options.
func sourceOptions(timeout, interval Duration, headers map[string]string) []katharsis.SourceOption {
	var opts []katharsis.SourceOption
	if timeout != 0 {
		opts = append(opts, katharsis.WithSourceTimeout(timeout.Duration()))
	}
	if interval != 0 {
		opts = append(opts, katharsis.WithInterval(interval.Duration()))
	}
	if len(headers) > 0 {
		opts = append(opts, katharsis.WithHeaders(mapToKeyValuePairs(headers)...))
	}
	return opts
}

// mapToKeyValuePairs converts a map to a sorted slice of key-value pairs.
func mapToKeyValuePairs(m map[string]string) []string {
	// sort keys for deterministic ordering
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(m)*2)
	for _, k := range keys {
		pairs = append(pairs, k, m[k])
	}
	return pairs
}
