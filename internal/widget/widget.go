// Package widget mounts the usage dashboard into a page and keeps it fresh.
//
// A [Widget] finds the host container by class name, splits it into a
// dashboard slot and a chart slot, and subscribes a renderer to the poll
// loop's update event. Every payload the loop emits re-renders the
// dashboard slot under the page lock.
package widget

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/net/html"

	"github.com/jpalmerr/katharsis/internal/errsink"
	"github.com/jpalmerr/katharsis/internal/events"
	"github.com/jpalmerr/katharsis/internal/metrics"
	"github.com/jpalmerr/katharsis/internal/poller"
	"github.com/jpalmerr/katharsis/internal/render"
)

// Class names the widget looks up or creates.
const (
	ContainerClass = "rx-katharsis-container"
	DashboardClass = "katharsis-dashboard"
	ChartClass     = "katharsis-chart"
)

// DefaultChartURL is the public chart embedded below the panels.
const DefaultChartURL = "https://public.google.stackdriver.com/public/chart/qxc0ou9lkEvcRVl4?drawMode=color&showLegend=true&theme=light"

var (
	// ErrNoContainer is returned by Mount when the page has no element
	// with [ContainerClass]. Callers treat it as "nothing to do".
	ErrNoContainer = errors.New("no " + ContainerClass + " element in page")

	// ErrAlreadyMounted is returned by a second Mount.
	ErrAlreadyMounted = errors.New("widget already mounted")

	// ErrNotMounted is returned by Start before a successful Mount.
	ErrNotMounted = errors.New("widget not mounted")

	// ErrNilPage is returned by Mount when given no page.
	ErrNilPage = errors.New("widget page cannot be nil")
)

// Config configures a [Widget].
type Config struct {
	// Loop configures the poll loop.
	Loop poller.LoopConfig

	// ChartURL is the iframe source embedded once on mount. Empty skips
	// the chart.
	ChartURL string
}

// Widget renders metrics payloads into a page.
type Widget struct {
	cfg      Config
	registry *events.Registry[*metrics.Payload]
	loop     *poller.Loop
	logger   *slog.Logger

	mu       sync.Mutex
	page     *render.Page
	renderer *render.Renderer
}

// New creates a [Widget]. A nil client, sink or logger is replaced as in
// [poller.NewLoop].
func New(cfg Config, client *poller.Client, sink errsink.Sink, logger *slog.Logger) *Widget {
	if logger == nil {
		logger = slog.Default()
	}
	registry := events.NewRegistry[*metrics.Payload]()
	return &Widget{
		cfg:      cfg,
		registry: registry,
		loop:     poller.NewLoop(cfg.Loop, client, registry, sink, logger),
		logger:   logger,
	}
}

// Events returns the registry the poll loop emits on.
func (w *Widget) Events() *events.Registry[*metrics.Payload] {
	return w.registry
}

// Loop returns the widget's poll loop.
func (w *Widget) Loop() *poller.Loop {
	return w.loop
}

// Mount attaches the widget to page.
//
// The first element with [ContainerClass] gets two span children: the
// dashboard slot, which the renderer owns from now on, and the chart slot,
// which receives the chart iframe when a chart URL is configured.
func (w *Widget) Mount(page *render.Page) error {
	if page == nil {
		return ErrNilPage
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.page != nil {
		return ErrAlreadyMounted
	}

	var renderer *render.Renderer
	err := page.Update(func(doc *html.Node) error {
		container := render.FindByClass(doc, ContainerClass)
		if container == nil {
			return ErrNoContainer
		}

		dashboard := render.Slot(DashboardClass)
		chart := render.Slot(ChartClass)
		container.AppendChild(dashboard)
		container.AppendChild(chart)

		if w.cfg.ChartURL != "" {
			chart.AppendChild(render.ChartFrame(w.cfg.ChartURL))
		}

		r, err := render.New(dashboard)
		if err != nil {
			return err
		}
		renderer = r
		return nil
	})
	if err != nil {
		return err
	}

	w.page = page
	w.renderer = renderer
	w.logger.Debug("widget mounted", "chart", w.cfg.ChartURL != "")
	return nil
}

// Start registers the renderer for update events and starts a poll task.
//
// Each call starts another independent task.
func (w *Widget) Start(ctx context.Context) (*poller.Task, error) {
	w.mu.Lock()
	page, renderer := w.page, w.renderer
	w.mu.Unlock()

	if page == nil {
		return nil, ErrNotMounted
	}

	w.registry.On(poller.EventUpdate, func(p *metrics.Payload) error {
		return page.Update(func(*html.Node) error {
			return renderer.Render(p)
		})
	})

	task := w.loop.Start(ctx)
	w.logger.Info("widget started",
		"task_id", task.ID(),
		"endpoint", w.loop.Config().Endpoint,
		"delay", w.loop.Config().Delay,
	)
	return task, nil
}
