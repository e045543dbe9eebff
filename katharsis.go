package katharsis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jpalmerr/katharsis/dashboard"
	"github.com/jpalmerr/katharsis/internal/errsink"
	"github.com/jpalmerr/katharsis/internal/metrics"
	"github.com/jpalmerr/katharsis/internal/poller"
	"github.com/jpalmerr/katharsis/internal/server"
	"github.com/jpalmerr/katharsis/internal/store"
	"github.com/jpalmerr/katharsis/internal/widget"
)

const (
	defaultPollingInterval = 5 * time.Second
	defaultPort            = 8080
	defaultMaxConcurrency  = 10

	sentryFlushTimeout = 2 * time.Second
)

// Katharsis serves the usage dashboard and the metrics document behind it.
//
// It collects upstream sources into a store, serves the latest metrics
// document at /katharsis.json, and runs the dashboard widget, which polls
// that document and re-renders the page served at "/". It is created using
// [New] with functional options and started with [Katharsis.Start].
//
// The typical lifecycle is:
//
//	src, err := katharsis.NewCountlySource(countlyURL, apiKey, appID)
//	if err != nil {
//	    slog.Error("invalid countly source", "error", err)
//	    os.Exit(1)
//	}
//	k, err := katharsis.New(katharsis.WithSource(src))
//	if err != nil {
//	    slog.Error("failed to create katharsis", "error", err)
//	    os.Exit(1)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//
//	k.Start(ctx) // blocks until context cancelled
type Katharsis struct {
	title           string
	sources         []Source
	metricsSource   string
	pollingInterval time.Duration
	port            int
	maxConcurrency  int
	logger          *slog.Logger
	updateCallbacks []func(Update)

	endpoint string // resolved, absolute
	loop     poller.LoopConfig
	chartURL string

	errorSink  ErrorSink
	sentryOpts errsink.SentryOptions
}

// New creates a new [Katharsis] instance with the given options.
//
// Defaults:
//   - Collection interval: 5 seconds
//   - Port: 8080
//   - Max concurrency: 10
//   - Widget endpoint: /katharsis.json on the local server
//   - Widget delay: 2 seconds, request timeout: 10 seconds
//   - Chart: the public usage chart
//
// A widget endpoint on the local server needs at least one source to
// serve. Returns an error if the configuration is invalid.
func New(opts ...Option) (*Katharsis, error) {
	cfg := &kConfig{
		pollingInterval: defaultPollingInterval,
		port:            defaultPort,
		maxConcurrency:  defaultMaxConcurrency,
		endpoint:        poller.DefaultEndpoint,
		widgetDelay:     poller.DefaultDelay,
		widgetTimeout:   poller.DefaultTimeout,
		gracePeriod:     poller.DefaultGracePeriod,
		maxRetries:      poller.DefaultMaxRetries,
		chartURL:        widget.DefaultChartURL,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	// names key snapshots in the store and per-source interval tracking
	seen := make(map[string]bool, len(cfg.sources))
	for _, src := range cfg.sources {
		if seen[src.name] {
			return nil, fmt.Errorf("duplicate source name: %q", src.name)
		}
		seen[src.name] = true
	}

	if cfg.metricsSource == "" && len(cfg.sources) > 0 {
		cfg.metricsSource = cfg.sources[0].name
	}
	if cfg.metricsSource != "" && !seen[cfg.metricsSource] {
		return nil, fmt.Errorf("metrics source %q is not configured", cfg.metricsSource)
	}

	if cfg.port < 1 || cfg.port > 65535 {
		return nil, fmt.Errorf("port must be between 1 and 65535, got %d", cfg.port)
	}

	endpoint, local, err := resolveEndpoint(cfg.endpoint, cfg.port)
	if err != nil {
		return nil, err
	}
	if local && len(cfg.sources) == 0 {
		return nil, errors.New("at least one source is required when the widget polls the local server")
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Katharsis{
		title:           cfg.title,
		sources:         cfg.sources,
		metricsSource:   cfg.metricsSource,
		pollingInterval: cfg.pollingInterval,
		port:            cfg.port,
		maxConcurrency:  cfg.maxConcurrency,
		logger:          logger,
		updateCallbacks: cfg.updateCallbacks,
		endpoint:        endpoint,
		loop: poller.LoopConfig{
			Endpoint:    endpoint,
			Delay:       cfg.widgetDelay,
			Timeout:     cfg.widgetTimeout,
			GracePeriod: cfg.gracePeriod,
			MaxRetries:  cfg.maxRetries,
		},
		chartURL:  cfg.chartURL,
		errorSink: cfg.errorSink,
		sentryOpts: errsink.SentryOptions{
			DSN:         cfg.sentryDSN,
			Environment: cfg.sentryEnvironment,
			Release:     cfg.release,
		},
	}, nil
}

// resolveEndpoint turns a widget endpoint into an absolute URL. Paths are
// resolved against the local server and reported as local.
func resolveEndpoint(endpoint string, port int) (string, bool, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("invalid endpoint: %w", err)
	}
	if u.IsAbs() {
		if u.Scheme != "http" && u.Scheme != "https" {
			return "", false, fmt.Errorf("endpoint scheme must be http or https, got %q", u.Scheme)
		}
		return endpoint, false, nil
	}
	if !strings.HasPrefix(endpoint, "/") {
		return "", false, fmt.Errorf("endpoint must be an absolute URL or a path starting with /, got %q", endpoint)
	}
	return fmt.Sprintf("http://localhost:%d%s", port, endpoint), true, nil
}

// Start collects sources, serves the page and runs the widget.
//
// Start is a blocking call that runs until the provided context is
// cancelled. During execution:
//
//   - Every source is collected immediately, then at its interval
//   - The HTTP server starts on the configured port
//   - Once the metrics source has a payload, the widget starts polling
//   - Failures are logged and reported to the error sink
//
// Returns nil on graceful shutdown. Returns an error if the page cannot be
// built or the HTTP server fails to start.
func (k *Katharsis) Start(ctx context.Context) error {
	k.logger.Info("katharsis starting", "source_count", len(k.sources))
	k.logger.Info("collection configured", "interval", k.pollingInterval.String())
	k.logger.Info("dashboard available", "url", fmt.Sprintf("http://localhost:%d", k.port))

	// check if context already cancelled
	if ctx.Err() != nil {
		return nil
	}

	sink, flush := k.newErrorSink()
	defer flush()

	page, err := dashboard.NewPage(k.title)
	if err != nil {
		return fmt.Errorf("failed to build page: %w", err)
	}

	snapshots := store.NewMemoryStore()

	// signalled after each collection that stored a renderable payload for
	// the metrics source; the widget (re)starts only on such a signal
	fresh := make(chan struct{}, 1)
	notifyFresh := func() {
		select {
		case fresh <- struct{}{}:
		default:
		}
	}
	if k.metricsSource == "" {
		// remote endpoint, nothing local to wait for
		notifyFresh()
	}

	var scheduler *poller.Scheduler
	var wg sync.WaitGroup
	if len(k.sources) > 0 {
		scheduler = poller.NewScheduler(k.toPollerSources(), k.pollingInterval, k.maxConcurrency, poller.NewClient(), k.logger)
		scheduler.Start(ctx)

		transforms := k.transforms()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for result := range scheduler.Results() {
				// store update first (callbacks fire after data is stored)
				update := k.process(result, transforms[result.Source], snapshots, sink)
				if update.OK() && update.Source == k.metricsSource && renderable(update.Payload) {
					notifyFresh()
				}
				for _, cb := range k.updateCallbacks {
					invokeCallbackSafe(cb, copyUpdate(update), k.logger)
				}
			}
		}()
	}

	// cleanup stops the scheduler and drains its results
	cleanup := func() {
		if scheduler != nil {
			scheduler.Stop()
		}
		wg.Wait()
	}

	httpServer := server.NewServer(snapshots, k.port, page, k.metricsSource, k.logger)
	if err := httpServer.Start(ctx); err != nil {
		cleanup()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	widgetClient := poller.NewClient()
	defer widgetClient.Close()

	w := widget.New(widget.Config{Loop: k.loop, ChartURL: k.chartURL}, widgetClient, sink, k.logger)
	widgetDone := make(chan struct{})
	if err := w.Mount(page); err != nil {
		if !errors.Is(err, widget.ErrNoContainer) {
			cleanup()
			return fmt.Errorf("failed to mount widget: %w", err)
		}
		k.logger.Warn("page has no widget container, widget disabled", "class", widget.ContainerClass)
		close(widgetDone)
	} else {
		go func() {
			defer close(widgetDone)
			k.superviseWidget(ctx, w, fresh)
		}()
	}

	<-ctx.Done()
	<-widgetDone
	cleanup()
	k.logger.Info("katharsis stopped")
	return nil
}

// superviseWidget starts a widget task on each fresh signal and waits for
// it to end. A task ends on a failed poll, for example when the metrics
// document is {} after midnight; it is restarted only once a later
// collection has stored a renderable payload again.
func (k *Katharsis) superviseWidget(ctx context.Context, w *widget.Widget, fresh <-chan struct{}) {
	for {
		select {
		case <-fresh:
		case <-ctx.Done():
			return
		}

		task, err := w.Start(ctx)
		if err != nil {
			k.logger.Error("failed to start widget", "error", err.Error())
			return
		}

		select {
		case <-task.Done():
		case <-ctx.Done():
			task.Stop()
			return
		}
		if ctx.Err() != nil {
			return
		}

		// a signal queued while the task ran may predate the failure
		select {
		case <-fresh:
		default:
		}

		attrs := []any{"task_id", task.ID(), "cycles", task.Cycles()}
		if err := task.Err(); err != nil {
			attrs = append(attrs, "error", err.Error())
		}
		k.logger.Warn("widget task ended, waiting for next collection", attrs...)
	}
}

// renderable reports whether payload carries the "total" object the widget
// renders.
func renderable(payload json.RawMessage) bool {
	var p metrics.Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return false
	}
	return p.Total != nil
}

// newErrorSink builds the sink shared by the aggregator and the widget and
// a function flushing pending reports.
func (k *Katharsis) newErrorSink() (errsink.Sink, func()) {
	if k.errorSink != nil {
		return errsink.WithLogging(k.errorSink, k.logger), func() {}
	}

	base := errsink.Select(k.sentryOpts, k.logger)
	flush := func() {}
	if s, ok := base.(*errsink.Sentry); ok {
		k.logger.Info("error tracking enabled", "environment", k.sentryOpts.Environment)
		flush = func() { s.Flush(sentryFlushTimeout) }
	}
	return errsink.WithLogging(base, k.logger), flush
}

// process turns a collection result into an [Update], stores the snapshot
// and reports failures. A failed collection keeps the previous payload.
func (k *Katharsis) process(r poller.Result, transform Transform, st store.Store, sink errsink.Sink) Update {
	u := Update{
		Source:        r.Source,
		URL:           r.URL,
		CorrelationID: r.CorrelationID,
		StatusCode:    r.StatusCode,
		Latency:       r.Latency,
		CollectedAt:   r.CollectedAt,
		Error:         r.Error,
	}

	if u.Error == nil && r.StatusCode != http.StatusOK {
		u.Error = fmt.Errorf("unexpected status code %d", r.StatusCode)
	}
	if u.Error == nil {
		u.Payload, u.Error = k.applyTransform(transform, r)
	}

	snap := store.Snapshot{
		Source:      u.Source,
		Payload:     u.Payload,
		CollectedAt: u.CollectedAt,
		LatencyMs:   u.Latency.Milliseconds(),
	}

	logAttrs := []any{
		"source", u.Source,
		"correlation_id", u.CorrelationID,
		"status_code", u.StatusCode,
		"latency_ms", u.Latency.Milliseconds(),
	}

	if u.Error != nil {
		u.Error = fmt.Errorf("collect %s: %w", u.Source, u.Error)
		msg := u.Error.Error()
		snap.Error = &msg
		if prev, ok := st.Get(u.Source); ok {
			snap.Payload = prev.Payload
		}
		if errors.Is(u.Error, context.Canceled) {
			// in flight at shutdown
			k.logger.Debug("collection cancelled", append(logAttrs, "error", msg)...)
		} else {
			k.logger.Warn("collection failed", append(logAttrs, "error", msg)...)
			sink.Capture(u.Error)
		}
	} else {
		k.logger.Debug("collection completed", logAttrs...)
	}

	st.Update(snap)
	return u
}

// applyTransform runs transform on the body with panic recovery. Without a
// transform the body must already be JSON.
func (k *Katharsis) applyTransform(transform Transform, r poller.Result) (payload json.RawMessage, err error) {
	if transform == nil {
		if !json.Valid(r.Body) {
			return nil, errors.New("response is not valid JSON")
		}
		return copyBytes(r.Body), nil
	}

	defer func() {
		if rec := recover(); rec != nil {
			correlationID := uuid.NewString()
			k.logger.Error("transform panic",
				"correlation_id", correlationID,
				"source", r.Source,
				"panic", fmt.Sprintf("%v", rec),
				"stack", string(debug.Stack()),
			)
			payload = nil
			err = fmt.Errorf("transform panic (correlation_id: %s)", correlationID)
		}
	}()

	payload, err = transform(r.Body, r.CollectedAt)
	if err != nil {
		return nil, err
	}
	if !json.Valid(payload) {
		return nil, errors.New("transform produced invalid JSON")
	}
	return payload, nil
}

// toPollerSources converts sources to the scheduler's format.
func (k *Katharsis) toPollerSources() []poller.Source {
	result := make([]poller.Source, len(k.sources))
	for i, src := range k.sources {
		result[i] = poller.Source{
			Name:     src.name,
			URL:      src.url,
			Headers:  copyMap(src.headers),
			Timeout:  src.timeout,
			Interval: src.interval,
		}
	}
	return result
}

func (k *Katharsis) transforms() map[string]Transform {
	m := make(map[string]Transform, len(k.sources))
	for _, src := range k.sources {
		m[src.name] = src.transform
	}
	return m
}

// Sources returns a copy of the configured sources.
func (k *Katharsis) Sources() []Source {
	cp := make([]Source, len(k.sources))
	copy(cp, k.sources)
	return cp
}

// Port returns the configured HTTP port.
func (k *Katharsis) Port() int {
	return k.port
}

// PollingInterval returns the default collection interval.
func (k *Katharsis) PollingInterval() time.Duration {
	return k.pollingInterval
}

// Endpoint returns the absolute URL the widget polls.
func (k *Katharsis) Endpoint() string {
	return k.endpoint
}

// MetricsSource returns the name of the source served at /katharsis.json,
// or "" when the widget polls an external endpoint and no source is set.
func (k *Katharsis) MetricsSource() string {
	return k.metricsSource
}

// WidgetDelay returns the pause between successful widget polls.
func (k *Katharsis) WidgetDelay() time.Duration {
	return k.loop.Delay
}

// ChartURL returns the embedded chart URL, or "" when the chart is disabled.
func (k *Katharsis) ChartURL() string {
	return k.chartURL
}

// copyUpdate returns u with its payload copied.
func copyUpdate(u Update) Update {
	u.Payload = copyBytes(u.Payload)
	return u
}

// copyBytes returns a copy of the byte slice, or nil if input is nil.
func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// invokeCallbackSafe calls an update callback with panic recovery.
// Panics are logged but do not propagate.
func invokeCallbackSafe(cb func(Update), u Update, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("update callback panicked",
				"panic", r,
				"source", u.Source,
			)
		}
	}()
	cb(u)
}
