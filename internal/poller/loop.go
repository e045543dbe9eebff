package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jpalmerr/katharsis/internal/errsink"
	"github.com/jpalmerr/katharsis/internal/events"
	"github.com/jpalmerr/katharsis/internal/metrics"
)

// EventUpdate is the event emitted with every successfully parsed payload.
const EventUpdate = "update"

// Loop defaults.
const (
	DefaultEndpoint    = "/katharsis.json"
	DefaultDelay       = 2 * time.Second
	DefaultGracePeriod = 200 * time.Millisecond
	DefaultMaxRetries  = 15
	DefaultTimeout     = 10 * time.Second
)

// LoopConfig configures a [Loop].
type LoopConfig struct {
	// Endpoint is the absolute URL of the metrics document.
	Endpoint string

	// Delay is the pause between the end of one successful cycle and the
	// start of the next.
	Delay time.Duration

	// Timeout bounds each request. Zero disables the timeout.
	Timeout time.Duration

	// GracePeriod and MaxRetries are carried for configuration
	// compatibility. No cycle reads them: failures are never retried.
	GracePeriod time.Duration
	MaxRetries  int
}

// Loop repeatedly fetches the metrics document and emits it as
// [EventUpdate] on a registry.
//
// A cycle ends the task without rescheduling when:
//   - the request fails at the transport level (reported to the sink)
//   - the response status is not 200 (logged, not reported)
//   - the body is not a JSON object (reported to the sink)
//   - emitting fails, including a failed render (reported to the sink)
type Loop struct {
	cfg      LoopConfig
	client   *Client
	registry *events.Registry[*metrics.Payload]
	sink     errsink.Sink
	logger   *slog.Logger
}

// NewLoop creates a [Loop]. A nil sink is replaced by [errsink.Nop] and a
// nil logger by [slog.Default]. A nil client gets a fresh [Client].
func NewLoop(cfg LoopConfig, client *Client, registry *events.Registry[*metrics.Payload], sink errsink.Sink, logger *slog.Logger) *Loop {
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	if client == nil {
		client = NewClient()
	}
	if sink == nil {
		sink = errsink.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		cfg:      cfg,
		client:   client,
		registry: registry,
		sink:     sink,
		logger:   logger,
	}
}

// Config returns the loop's configuration.
func (l *Loop) Config() LoopConfig {
	return l.cfg
}

// Start begins a poll cycle in a new goroutine and returns its [Task].
//
// Every call starts an independent cycle; two calls produce two
// interleaved loops against the same registry. The task runs until a cycle
// ends it, ctx is cancelled, or [Task.Stop] is called.
func (l *Loop) Start(ctx context.Context) *Task {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	t := &Task{
		id:     uuid.NewString(),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go l.run(ctx, t)
	return t
}

func (l *Loop) run(ctx context.Context, t *Task) {
	defer close(t.done)
	defer t.cancel()

	logger := l.logger.With("task_id", t.id, "endpoint", l.cfg.Endpoint)
	logger.Debug("poll task started", "delay", l.cfg.Delay.String())

	for {
		reschedule, err := l.cycle(ctx, t, logger)
		if err != nil {
			t.setErr(err)
			l.sink.Capture(err)
			logger.Debug("poll task ended", "error", err.Error(), "cycles", t.Cycles())
			return
		}
		if !reschedule {
			logger.Debug("poll task ended", "cycles", t.Cycles())
			return
		}

		timer := time.NewTimer(l.cfg.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Debug("poll task stopped", "cycles", t.Cycles())
			return
		case <-timer.C:
		}
	}
}

// cycle runs one fetch, parse and emit round. It returns reschedule=false
// when the task should end, and a non-nil error for failures that must be
// reported.
func (l *Loop) cycle(ctx context.Context, t *Task, logger *slog.Logger) (reschedule bool, err error) {
	resp := l.client.Fetch(ctx, Request{
		Method:  http.MethodGet,
		URL:     l.cfg.Endpoint,
		Headers: map[string]string{"Content-Type": "application/json"},
		Timeout: l.cfg.Timeout,
	})
	t.cycles.Add(1)

	if resp.Error != nil {
		if ctx.Err() != nil {
			// stopped while in flight
			return false, nil
		}
		return false, resp.Error
	}

	if resp.StatusCode != http.StatusOK {
		logger.Warn("poll returned non-200 status, ending task",
			"status_code", resp.StatusCode,
			"latency_ms", resp.Latency.Milliseconds(),
		)
		return false, nil
	}

	var payload metrics.Payload
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return false, fmt.Errorf("failed to parse payload: %w", err)
	}

	if ctx.Err() != nil {
		return false, nil
	}

	if err := l.safeEmit(&payload); err != nil {
		return false, fmt.Errorf("update failed: %w", err)
	}

	t.emits.Add(1)
	logger.Debug("poll completed", "latency_ms", resp.Latency.Milliseconds())
	return true, nil
}

// safeEmit emits the payload with panic recovery. A panicking handler is
// logged with a correlation ID and turned into an error.
func (l *Loop) safeEmit(p *metrics.Payload) (err error) {
	if l.registry == nil {
		return fmt.Errorf("emit %q: %w", EventUpdate, events.ErrNoHandler)
	}
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			l.logger.Error("update handler panic",
				"correlation_id", correlationID,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("update handler panic (correlation_id: %s)", correlationID)
		}
	}()
	return l.registry.Emit(EventUpdate, p)
}

// Task is a handle on one running poll cycle started by [Loop.Start].
type Task struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	cycles atomic.Int64
	emits  atomic.Int64

	mu  sync.Mutex
	err error
}

// ID returns the task's unique identifier, used in logs.
func (t *Task) ID() string {
	return t.id
}

// Stop cancels the task and waits for its goroutine to exit. An in-flight
// request is abandoned. Safe to call multiple times and after the task has
// ended on its own.
func (t *Task) Stop() {
	t.cancel()
	<-t.done
}

// Done returns a channel that is closed when the task has ended.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the error that ended the task, or nil if it was stopped,
// cancelled, or ended on a non-200 response. Only meaningful after Done is
// closed.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Cycles returns how many requests the task has issued.
func (t *Task) Cycles() int64 {
	return t.cycles.Load()
}

// Emits returns how many payloads the task has emitted successfully.
func (t *Task) Emits() int64 {
	return t.emits.Load()
}

func (t *Task) setErr(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
}
