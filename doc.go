// Package katharsis serves a self-refreshing usage-statistics dashboard.
//
// Katharsis collects usage counters from upstream sources (typically the
// Countly analytics API), reduces them to a small metrics document, and
// serves that document at /katharsis.json. A dashboard widget polls the
// document every few seconds and renders three panels (total, new and
// unique users) into the page served at "/", below which a public chart is
// embedded.
//
// # Quick Start
//
//	src, _ := katharsis.NewCountlySource("https://countly.example.org/o", apiKey, appID)
//	k, _ := katharsis.New(katharsis.WithSource(src))
//
//	// Set up graceful shutdown on SIGINT/SIGTERM
//	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer stop()
//
//	k.Start(ctx) // blocks until context is cancelled
//
// # Configuration
//
// Katharsis uses the functional options pattern:
//
//	k, err := katharsis.New(
//	    katharsis.WithSource(src),
//	    katharsis.WithPollingInterval(10 * time.Second),
//	    katharsis.WithWidgetDelay(2 * time.Second),
//	    katharsis.WithPort(9090),
//	    katharsis.WithSentry(os.Getenv("SENTRY_DSN"), "production"),
//	)
//
// Sources have their own options:
//
//	src, err := katharsis.NewSource("mirror", "https://stats.example.org/katharsis.json",
//	    katharsis.WithHeaders("Authorization", "Bearer token"),
//	    katharsis.WithSourceTimeout(5 * time.Second),
//	    katharsis.WithInterval(30 * time.Second),
//	)
//
// # Failure Handling
//
// A failed collection is logged, reported to the error sink, and leaves
// the previous payload in place. The widget's poll loop stops at its first
// failure: transport errors, bodies that are not JSON and payloads that
// cannot be rendered are reported, while a non-200 response ends the loop
// silently. Failed polls are never retried.
//
// # Architecture
//
// Katharsis consists of several internal packages (under internal/):
//
//   - internal/poller: upstream collection scheduler and the widget poll loop
//   - internal/countly: Countly response reduction
//   - internal/events: single-slot event registry
//   - internal/render: HTML panel rendering and the shared page document
//   - internal/widget: mounts the renderer into the page and drives the loop
//   - internal/errsink: error reporting (Sentry)
//   - internal/store: in-memory snapshots with pub/sub
//   - internal/server: HTTP server with JSON, SSE and WebSocket feeds
//   - dashboard: embedded page template
//
// The internal packages are not part of the public API and may change
// without notice.
package katharsis
