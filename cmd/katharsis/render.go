package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/katharsis/dashboard"
	"github.com/jpalmerr/katharsis/internal/errsink"
	"github.com/jpalmerr/katharsis/internal/poller"
	"github.com/jpalmerr/katharsis/internal/widget"
)

// renderPollInterval is how often the render command checks for the first
// rendered payload.
const renderPollInterval = 20 * time.Millisecond

// errNothingRendered is returned when the poll ended without a payload,
// for example on a non-200 response.
var errNothingRendered = errors.New("no payload was rendered")

// renderCmd fetches the metrics document once and prints the rendered page.
var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Render the dashboard once and print it",
	Long: `Fetch a metrics document once, render it exactly as the live widget
would, and print the resulting HTML.

Useful for checking a deployed /katharsis.json or for producing a static
snapshot of the dashboard.

Example:
  katharsis render --endpoint https://metrics.example.org/katharsis.json
  katharsis render --endpoint http://localhost:8080/katharsis.json --fragment`,
	RunE: runRender,
}

func init() {
	rootCmd.AddCommand(renderCmd)

	renderCmd.Flags().String("endpoint", "", "absolute URL of the metrics document (required)")
	renderCmd.Flags().String("title", dashboard.DefaultTitle, "page title")
	renderCmd.Flags().String("chart-url", widget.DefaultChartURL, "chart iframe source, empty to disable")
	renderCmd.Flags().Duration("timeout", poller.DefaultTimeout, "request timeout")
	renderCmd.Flags().Bool("fragment", false, "print only the widget container instead of the full page")
	_ = renderCmd.MarkFlagRequired("endpoint")
}

func runRender(cmd *cobra.Command, args []string) error {
	endpoint, _ := cmd.Flags().GetString("endpoint")
	title, _ := cmd.Flags().GetString("title")
	chartURL, _ := cmd.Flags().GetString("chart-url")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	fragment, _ := cmd.Flags().GetBool("fragment")

	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("endpoint must be an absolute http or https URL, got %q", endpoint)
	}

	logger := newLogger(cmd.ErrOrStderr(), false)

	page, err := dashboard.NewPage(title)
	if err != nil {
		return fmt.Errorf("failed to build page: %w", err)
	}

	client := poller.NewClient()
	defer client.Close()

	w := widget.New(widget.Config{
		Loop: poller.LoopConfig{
			Endpoint: endpoint,
			// one cycle is enough; the task is stopped after the first emit
			Delay:   time.Hour,
			Timeout: timeout,
		},
		ChartURL: chartURL,
	}, client, errsink.Nop{}, logger)

	if err := w.Mount(page); err != nil {
		return fmt.Errorf("failed to mount widget: %w", err)
	}

	if err := renderOnce(cmd.Context(), w); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if fragment {
		b, err := page.Fragment(widget.ContainerClass)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "%s\n", b)
		return err
	}
	_, err = page.WriteTo(out)
	return err
}

// renderOnce starts the widget and waits until its first payload has been
// rendered or the poll task has ended.
func renderOnce(ctx context.Context, w *widget.Widget) error {
	task, err := w.Start(ctx)
	if err != nil {
		return err
	}
	defer task.Stop()

	ticker := time.NewTicker(renderPollInterval)
	defer ticker.Stop()

	for task.Emits() == 0 {
		select {
		case <-task.Done():
			if task.Emits() > 0 {
				return nil
			}
			if err := task.Err(); err != nil {
				return fmt.Errorf("render failed: %w", err)
			}
			return errNothingRendered
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
