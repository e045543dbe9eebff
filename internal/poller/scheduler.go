package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Source is an upstream document the [Scheduler] collects periodically.
type Source struct {
	// Name identifies the source in results, logs and the store.
	Name string

	// URL is the absolute URL to fetch, including any query parameters.
	URL string

	// Headers are sent with every request.
	Headers map[string]string

	// Timeout is the per-request timeout. Zero means no timeout.
	Timeout time.Duration

	// Interval overrides the scheduler's default interval when non-zero.
	Interval time.Duration
}

// Result is the outcome of collecting one [Source] once.
type Result struct {
	// Source is the name of the collected source.
	Source string

	// URL is the URL that was fetched.
	URL string

	// CorrelationID identifies this collection in logs and error reports.
	CorrelationID string

	// Body is the raw response body.
	Body []byte

	// StatusCode is the HTTP status, zero on transport failure.
	StatusCode int

	// Latency is the request duration.
	Latency time.Duration

	// CollectedAt is when the request completed.
	CollectedAt time.Time

	// Error is set on transport failure.
	Error error
}

// Scheduler collects upstream sources periodically.
//
// It polls every source immediately on start, then ticks at the GCD of all
// source intervals and polls only sources that are due. Requests run on a
// worker pool bounded by maxConcurrency. Results are emitted on a channel
// that is closed when the scheduler stops.
//
// All lifecycle methods (Start, Stop) are safe for concurrent use.
type Scheduler struct {
	sources        []Source
	interval       time.Duration // default interval
	maxConcurrency int
	client         *Client
	results        chan Result
	logger         *slog.Logger
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup

	mu        sync.Mutex
	started   bool
	stopped   bool
	closeOnce sync.Once

	lastPolledAt map[string]time.Time
	baseInterval time.Duration
}

// NewScheduler creates a [Scheduler] for sources.
//
// The scheduler must be started with [Scheduler.Start] and stopped with
// [Scheduler.Stop]. Results are available via [Scheduler.Results].
func NewScheduler(sources []Source, interval time.Duration, maxConcurrency int, client *Client, logger *slog.Logger) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	if client == nil {
		client = NewClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		sources:        sources,
		interval:       interval,
		maxConcurrency: maxConcurrency,
		client:         client,
		results:        make(chan Result, len(sources)),
		logger:         logger,
	}
}

// Results returns the channel results are delivered on. It is closed when
// the scheduler stops.
func (s *Scheduler) Results() <-chan Result {
	return s.results
}

// calculateBaseInterval returns the tick interval: the GCD of all source
// intervals, floored at one second.
func (s *Scheduler) calculateBaseInterval() time.Duration {
	if len(s.sources) == 0 {
		return s.interval
	}

	result := s.intervalOf(s.sources[0])
	for _, src := range s.sources[1:] {
		result = gcdDuration(result, s.intervalOf(src))
	}

	if result < time.Second {
		result = time.Second
	}
	return result
}

func (s *Scheduler) intervalOf(src Source) time.Duration {
	if src.Interval > 0 {
		return src.Interval
	}
	return s.interval
}

// gcdDuration calculates the greatest common divisor of two durations.
func gcdDuration(a, b time.Duration) time.Duration {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// Start begins collecting in a background goroutine.
//
// Start is idempotent; calls after the first are no-ops, as is Start after
// Stop. A nil ctx is treated as context.Background().
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.lastPolledAt = make(map[string]time.Time, len(s.sources))
	s.baseInterval = s.calculateBaseInterval()

	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	pollCtx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.closeOnce.Do(func() { close(s.results) })

		s.pollDue(pollCtx, true)

		ticker := time.NewTicker(s.baseInterval)
		defer ticker.Stop()

		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				s.pollDue(pollCtx, false)
			}
		}
	}()
}

// Stop halts the scheduler, waits for in-flight requests and closes the
// results channel. Idempotent; safe to call before Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		if s.cancel != nil {
			s.cancel()
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.client.Close()
	s.closeOnce.Do(func() { close(s.results) })
}

// pollDue polls the sources whose interval has elapsed, or all of them when
// immediate is true. lastPolledAt is stamped when a poll starts.
func (s *Scheduler) pollDue(ctx context.Context, immediate bool) {
	now := time.Now()
	due := make([]Source, 0, len(s.sources))

	s.mu.Lock()
	for _, src := range s.sources {
		last, seen := s.lastPolledAt[src.Name]
		if immediate || !seen || now.Sub(last) >= s.intervalOf(src) {
			due = append(due, src)
			s.lastPolledAt[src.Name] = now
		}
	}
	s.mu.Unlock()

	if len(due) == 0 {
		return
	}
	s.pollSources(ctx, due)
}

// pollSources polls sources concurrently, respecting maxConcurrency.
func (s *Scheduler) pollSources(ctx context.Context, sources []Source) {
	jobs := make(chan Source, len(sources))

	var wg sync.WaitGroup
	for i := 0; i < s.maxConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for src := range jobs {
				result := s.collect(ctx, src)
				select {
				case s.results <- result:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	for _, src := range sources {
		select {
		case jobs <- src:
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return
		}
	}
	close(jobs)

	wg.Wait()
}

func (s *Scheduler) collect(ctx context.Context, src Source) Result {
	resp := s.client.Fetch(ctx, Request{
		URL:     src.URL,
		Headers: src.Headers,
		Timeout: src.Timeout,
	})

	return Result{
		Source:        src.Name,
		URL:           src.URL,
		CorrelationID: uuid.NewString(),
		Body:          resp.Body,
		StatusCode:    resp.StatusCode,
		Latency:       resp.Latency,
		CollectedAt:   time.Now(),
		Error:         resp.Error,
	}
}
