package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpalmerr/katharsis"
)

func main() {
	// start mock server (see mock_server.go)
	go StartMockCountlyServer(":9999")
	time.Sleep(100 * time.Millisecond)

	src, err := katharsis.NewCountlySource("http://localhost:9999/o", "demo-key", "demo-app",
		katharsis.WithInterval(3*time.Second),
	)
	if err != nil {
		slog.Error("failed to create countly source", "error", err)
		os.Exit(1)
	}

	k, err := katharsis.New(
		katharsis.WithSource(src),
		katharsis.WithTitle("Katharsis Demo"),
		katharsis.WithPort(8080),
		katharsis.WithWidgetDelay(2*time.Second),
		katharsis.WithUpdateCallback(func(u katharsis.Update) {
			if !u.OK() {
				slog.Warn("collection failed", "source", u.Source, "error", u.Error)
			}
		}),
	)
	if err != nil {
		slog.Error("failed to create katharsis", "error", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("  Katharsis Demo")
	fmt.Println()
	fmt.Println("  Dashboard: http://localhost:8080")
	fmt.Println("  Metrics:   http://localhost:8080/katharsis.json")
	fmt.Println("  Source:    mock Countly on :9999, collected every 3s")
	fmt.Println()
	fmt.Println("  Press Ctrl+C to stop")
	fmt.Println()

	// set up context with signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := k.Start(ctx); err != nil {
		slog.Error("katharsis error", "error", err)
		os.Exit(1)
	}
}
