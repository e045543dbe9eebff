package errsink

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
)

// testDSN points at a reserved host; events never leave the process because
// the tests drop them in BeforeSend.
const testDSN = "https://public@sentry.example.invalid/1"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNop_Capture(t *testing.T) {
	// should not panic
	Nop{}.Capture(errors.New("boom"))
	Nop{}.Capture(nil)
}

func TestFunc_Capture(t *testing.T) {
	var got []error
	f := Func(func(err error) { got = append(got, err) })

	f.Capture(errors.New("boom"))
	f.Capture(nil)

	if len(got) != 1 {
		t.Fatalf("captured %d errors, want 1", len(got))
	}

	var nilFunc Func
	nilFunc.Capture(errors.New("ignored"))
}

func TestNewSentry_RequiresDSN(t *testing.T) {
	if _, err := NewSentry(SentryOptions{}); err == nil {
		t.Error("NewSentry() error = nil, want error for empty DSN")
	}
}

func TestSentry_CaptureSendsException(t *testing.T) {
	var mu sync.Mutex
	var events []*sentry.Event

	s, err := NewSentry(SentryOptions{
		DSN:         testDSN,
		Environment: "test",
		BeforeSend: func(e *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewSentry() error = %v", err)
	}

	s.Capture(errors.New("request failed: connection refused"))
	s.Capture(nil)

	mu.Lock()
	defer mu.Unlock()

	if len(events) != 1 {
		t.Fatalf("sent %d events, want 1", len(events))
	}
	if len(events[0].Exception) == 0 {
		t.Fatal("event has no exception")
	}
	last := events[0].Exception[len(events[0].Exception)-1]
	if last.Value != "request failed: connection refused" {
		t.Errorf("exception value = %q", last.Value)
	}
	if events[0].Environment != "test" {
		t.Errorf("environment = %q, want %q", events[0].Environment, "test")
	}
}

func TestSentry_NilSafe(t *testing.T) {
	var s *Sentry
	s.Capture(errors.New("boom"))
	if !s.Flush(time.Millisecond) {
		t.Error("Flush() on nil sink = false, want true")
	}
}

func TestWithLogging_LogsAndDelegates(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var forwarded int
	l := WithLogging(Func(func(error) { forwarded++ }), logger)

	l.Capture(errors.New("parse failed"))
	l.Capture(nil)

	if forwarded != 1 {
		t.Errorf("forwarded %d errors, want 1", forwarded)
	}
	if !strings.Contains(buf.String(), "parse failed") {
		t.Errorf("log output missing error: %s", buf.String())
	}
}

func TestWithLogging_NilNext(t *testing.T) {
	l := WithLogging(nil, testLogger())
	l.Capture(errors.New("boom"))
}

func TestSelect(t *testing.T) {
	if _, ok := Select(SentryOptions{}, testLogger()).(Nop); !ok {
		t.Error("Select() without DSN should return Nop")
	}

	if _, ok := Select(SentryOptions{DSN: "not a dsn"}, testLogger()).(Nop); !ok {
		t.Error("Select() with invalid DSN should fall back to Nop")
	}

	if _, ok := Select(SentryOptions{DSN: testDSN}, testLogger()).(*Sentry); !ok {
		t.Error("Select() with DSN should return *Sentry")
	}
}
