// Package errsink forwards internal failures to an external error tracker.
//
// Forwarding is best-effort: a [Sink] never returns an error, never blocks on
// the network and never panics into its caller. When no tracker is
// configured the [Nop] sink is used and errors are dropped.
package errsink

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
)

// Sink receives errors that ended a poll cycle or failed a collection.
// Implementations must be safe for concurrent use and must not block.
type Sink interface {
	Capture(err error)
}

// Nop discards every error.
type Nop struct{}

// Capture implements [Sink].
func (Nop) Capture(error) {}

// Func adapts a plain function to [Sink].
type Func func(error)

// Capture implements [Sink]. Nil errors are ignored.
func (f Func) Capture(err error) {
	if err == nil || f == nil {
		return
	}
	f(err)
}

// SentryOptions configures a [Sentry] sink.
type SentryOptions struct {
	// DSN is the project DSN. Required.
	DSN string

	// Environment tags events, e.g. "production".
	Environment string

	// Release tags events with the binary version.
	Release string

	// BeforeSend, if set, may inspect or drop events before they leave the
	// process.
	BeforeSend func(*sentry.Event, *sentry.EventHint) *sentry.Event
}

// Sentry reports errors through a Sentry hub. The hub's transport is
// asynchronous so Capture returns immediately.
type Sentry struct {
	hub *sentry.Hub
}

// NewSentry creates a [Sentry] sink with its own client and hub.
//
// Returns an error if the DSN is empty or the client cannot be created.
func NewSentry(opts SentryOptions) (*Sentry, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("sentry dsn cannot be empty")
	}

	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         opts.DSN,
		Environment: opts.Environment,
		Release:     opts.Release,
		BeforeSend:  opts.BeforeSend,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sentry client: %w", err)
	}

	return NewSentryFromHub(sentry.NewHub(client, sentry.NewScope())), nil
}

// NewSentryFromHub wraps an existing hub.
func NewSentryFromHub(hub *sentry.Hub) *Sentry {
	return &Sentry{hub: hub}
}

// Capture implements [Sink]. Nil errors are ignored.
func (s *Sentry) Capture(err error) {
	if s == nil || s.hub == nil || err == nil {
		return
	}
	defer func() {
		// reporting must never take the caller down with it
		_ = recover()
	}()
	s.hub.CaptureException(err)
}

// Flush waits up to timeout for buffered events to be delivered.
// Returns false if the timeout was reached.
func (s *Sentry) Flush(timeout time.Duration) bool {
	if s == nil || s.hub == nil {
		return true
	}
	return s.hub.Flush(timeout)
}

// Logging logs every captured error before handing it to the next sink.
type Logging struct {
	next   Sink
	logger *slog.Logger
}

// WithLogging wraps next so captured errors are also logged at error level.
// A nil next is treated as [Nop].
func WithLogging(next Sink, logger *slog.Logger) *Logging {
	if next == nil {
		next = Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Logging{next: next, logger: logger}
}

// Capture implements [Sink].
func (l *Logging) Capture(err error) {
	if err == nil {
		return
	}
	l.logger.Error("error captured", "error", err.Error())
	l.next.Capture(err)
}

// Select returns a Sentry sink when a DSN is configured and a [Nop] sink
// otherwise. A DSN that fails to initialize is logged and also yields Nop.
func Select(opts SentryOptions, logger *slog.Logger) Sink {
	if opts.DSN == "" {
		return Nop{}
	}
	s, err := NewSentry(opts)
	if err != nil {
		if logger != nil {
			logger.Warn("error tracking disabled", "error", err.Error())
		}
		return Nop{}
	}
	return s
}
