package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jpalmerr/katharsis/internal/store"
)

// testLogger returns a logger that discards all output for clean test output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockStore implements store.Store for testing.
type mockStore struct {
	mu          sync.RWMutex
	snapshots   map[string]store.Snapshot
	order       []string
	subscribers map[chan store.Snapshot]struct{}
	subMu       sync.Mutex
}

func newMockStore() *mockStore {
	return &mockStore{
		snapshots:   make(map[string]store.Snapshot),
		subscribers: make(map[chan store.Snapshot]struct{}),
	}
}

func (m *mockStore) Update(s store.Snapshot) {
	m.mu.Lock()
	if _, ok := m.snapshots[s.Source]; !ok {
		m.order = append(m.order, s.Source)
	}
	m.snapshots[s.Source] = s
	m.mu.Unlock()

	m.subMu.Lock()
	for ch := range m.subscribers {
		select {
		case ch <- s:
		default:
		}
	}
	m.subMu.Unlock()
}

func (m *mockStore) Get(source string) (store.Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[source]
	return s, ok
}

func (m *mockStore) GetAll() []store.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]store.Snapshot, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.snapshots[name])
	}
	return out
}

func (m *mockStore) Subscribe() <-chan store.Snapshot {
	ch := make(chan store.Snapshot, 100)
	m.subMu.Lock()
	m.subscribers[ch] = struct{}{}
	m.subMu.Unlock()
	return ch
}

func (m *mockStore) Unsubscribe(ch <-chan store.Snapshot) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for subCh := range m.subscribers {
		if subCh == ch {
			delete(m.subscribers, subCh)
			close(subCh)
			break
		}
	}
}

func (m *mockStore) subscriberCount() int {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	return len(m.subscribers)
}

// fakePage implements Document.
type fakePage struct {
	content string
	err     error
}

func (f *fakePage) WriteTo(w io.Writer) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	n, err := io.WriteString(w, f.content)
	return int64(n), err
}

func snapshot(source, payload string) store.Snapshot {
	return store.Snapshot{
		Source:      source,
		Payload:     json.RawMessage(payload),
		CollectedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		LatencyMs:   42,
	}
}

// --- Page ---

func TestHandleDashboard_ServesPage(t *testing.T) {
	page := &fakePage{content: `<html><body><div class="rx-katharsis-container"></div></body></html>`}
	srv := NewServer(newMockStore(), 0, page, "countly", testLogger())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	srv.handleDashboard(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != page.content {
		t.Errorf("body = %q, want %q", rec.Body.String(), page.content)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestHandleDashboard_NilPage(t *testing.T) {
	srv := NewServer(newMockStore(), 0, nil, "countly", testLogger())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	srv.handleDashboard(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status %d, got %d", http.StatusInternalServerError, rec.Code)
	}
}

func TestHandleDashboard_RenderError(t *testing.T) {
	page := &fakePage{err: errors.New("boom")}
	srv := NewServer(newMockStore(), 0, page, "countly", testLogger())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	srv.handleDashboard(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status %d, got %d", http.StatusInternalServerError, rec.Code)
	}
	if strings.Contains(rec.Body.String(), "boom") {
		t.Errorf("internal error leaked to client: %s", rec.Body.String())
	}
}

func TestHandleDashboard_NonRootPath(t *testing.T) {
	srv := NewServer(newMockStore(), 0, &fakePage{content: "x"}, "countly", testLogger())

	req := httptest.NewRequest(http.MethodGet, "/other", nil)
	rec := httptest.NewRecorder()

	srv.handleDashboard(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status %d for non-root path, got %d", http.StatusNotFound, rec.Code)
	}
}

// --- Metrics document ---

func TestHandleMetrics_ServesLatestPayload(t *testing.T) {
	ms := newMockStore()
	ms.Update(snapshot("countly", `{"total":{"total":100,"new":20,"unique":80}}`))
	ms.Update(snapshot("other", `{"total":{"total":1}}`))

	srv := NewServer(ms, 0, nil, "countly", testLogger())

	req := httptest.NewRequest(http.MethodGet, MetricsPath, nil)
	rec := httptest.NewRecorder()

	srv.handleMetrics(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Body.String(); got != `{"total":{"total":100,"new":20,"unique":80}}` {
		t.Errorf("body = %s", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestHandleMetrics_EmptyBeforeFirstCollection(t *testing.T) {
	srv := NewServer(newMockStore(), 0, nil, "countly", testLogger())

	req := httptest.NewRequest(http.MethodGet, MetricsPath, nil)
	rec := httptest.NewRecorder()

	srv.handleMetrics(rec, req)

	if got := rec.Body.String(); got != "{}" {
		t.Errorf("body = %q, want {}", got)
	}
}

func TestHandleMetrics_ErroredSnapshotWithoutPayload(t *testing.T) {
	ms := newMockStore()
	msg := "connection refused"
	ms.Update(store.Snapshot{Source: "countly", Error: &msg})

	srv := NewServer(ms, 0, nil, "countly", testLogger())

	req := httptest.NewRequest(http.MethodGet, MetricsPath, nil)
	rec := httptest.NewRecorder()

	srv.handleMetrics(rec, req)

	if got := rec.Body.String(); got != "{}" {
		t.Errorf("body = %q, want {}", got)
	}
}

func TestHandleMetrics_MethodNotAllowed(t *testing.T) {
	srv := NewServer(newMockStore(), 0, nil, "countly", testLogger())

	req := httptest.NewRequest(http.MethodPost, MetricsPath, nil)
	rec := httptest.NewRecorder()

	srv.handleMetrics(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

// --- Status and health ---

func TestHandleStatus_ListsSnapshots(t *testing.T) {
	ms := newMockStore()
	ms.Update(snapshot("countly", `{}`))

	srv := NewServer(ms, 0, nil, "countly", testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()

	srv.handleStatus(rec, req)

	var got []store.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to parse JSON: %v, body: %s", err, rec.Body.String())
	}
	if len(got) != 1 || got[0].Source != "countly" || got[0].LatencyMs != 42 {
		t.Errorf("snapshots = %+v", got)
	}
}

func TestHandleStatus_MethodNotAllowed(t *testing.T) {
	srv := NewServer(newMockStore(), 0, nil, "countly", testLogger())

	req := httptest.NewRequest(http.MethodDelete, "/api/status", nil)
	rec := httptest.NewRecorder()

	srv.handleStatus(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandleHealth(t *testing.T) {
	srv := NewServer(newMockStore(), 0, nil, "countly", testLogger())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	srv.handleHealth(rec, req)

	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestHandler_Routes(t *testing.T) {
	ms := newMockStore()
	ms.Update(snapshot("countly", `{"total":{"total":7}}`))
	srv := NewServer(ms, 0, &fakePage{content: "<html></html>"}, "countly", testLogger())

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	tests := []struct {
		path     string
		wantCode int
		contains string
	}{
		{"/", http.StatusOK, "<html>"},
		{MetricsPath, http.StatusOK, `"total":7`},
		{"/api/status", http.StatusOK, `"source":"countly"`},
		{"/health", http.StatusOK, "ok"},
		{"/missing", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := ts.Client().Get(ts.URL + tt.path)
			if err != nil {
				t.Fatalf("GET %s: %v", tt.path, err)
			}
			defer func() { _ = resp.Body.Close() }()
			body, _ := io.ReadAll(resp.Body)

			if resp.StatusCode != tt.wantCode {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			if tt.contains != "" && !strings.Contains(string(body), tt.contains) {
				t.Errorf("body %q does not contain %q", body, tt.contains)
			}
		})
	}
}

// --- SSE ---

func TestHandleSSE_BasicFlow(t *testing.T) {
	ms := newMockStore()
	ms.Update(snapshot("countly", `{}`))
	ms.Update(snapshot("backup", `{}`))

	srv := NewServer(ms, 0, nil, "countly", testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/sse", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	srv.handleSSE(rec, req)

	events := parseSSEEvents(rec.Body.String())
	if len(events) != 2 {
		t.Fatalf("got %d initial events, want 2: %s", len(events), rec.Body.String())
	}
	if events[0].Source != "countly" || events[1].Source != "backup" {
		t.Errorf("events = %+v", events)
	}
}

func TestHandleSSE_StreamsUpdates(t *testing.T) {
	ms := newMockStore()
	srv := NewServer(ms, 0, nil, "countly", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/sse", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		srv.handleSSE(rec, req)
		close(done)
	}()

	// give handler time to subscribe
	time.Sleep(50 * time.Millisecond)
	ms.Update(snapshot("countly", `{"total":{"total":3}}`))
	time.Sleep(50 * time.Millisecond)

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not exit after context cancellation")
	}

	events := parseSSEEvents(rec.Body.String())
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if string(events[0].Payload) != `{"total":{"total":3}}` {
		t.Errorf("payload = %s", events[0].Payload)
	}
	if ms.subscriberCount() != 0 {
		t.Errorf("subscriber leaked: %d remaining", ms.subscriberCount())
	}
}

func TestHandleSSE_Headers(t *testing.T) {
	srv := NewServer(newMockStore(), 0, nil, "countly", testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/sse", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	srv.handleSSE(rec, req)

	expectedHeaders := map[string]string{
		"Content-Type":                "text/event-stream",
		"Cache-Control":               "no-cache",
		"Connection":                  "keep-alive",
		"Access-Control-Allow-Origin": "*",
	}
	for key, expected := range expectedHeaders {
		if got := rec.Header().Get(key); got != expected {
			t.Errorf("header %s = %q, want %q", key, got, expected)
		}
	}
}

func TestHandleSSE_SSENotSupported(t *testing.T) {
	srv := NewServer(newMockStore(), 0, nil, "countly", testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/sse", nil)
	w := &nonFlushWriter{header: make(http.Header)}

	srv.handleSSE(w, req)

	if w.statusCode != http.StatusInternalServerError {
		t.Errorf("expected status %d, got %d", http.StatusInternalServerError, w.statusCode)
	}
}

type nonFlushWriter struct {
	header     http.Header
	statusCode int
	body       []byte
}

func (n *nonFlushWriter) Header() http.Header {
	return n.header
}

func (n *nonFlushWriter) Write(b []byte) (int, error) {
	n.body = append(n.body, b...)
	return len(b), nil
}

func (n *nonFlushWriter) WriteHeader(statusCode int) {
	n.statusCode = statusCode
}

func TestHandleSSE_ConcurrentClientsShutdown(t *testing.T) {
	ms := newMockStore()
	ms.Update(snapshot("countly", `{}`))

	srv := NewServer(ms, 0, nil, "countly", testLogger())

	// request contexts derive from the server context, as BaseContext does
	serverCtx, serverCancel := context.WithCancel(context.Background())

	numClients := 10
	var wg sync.WaitGroup
	started := make(chan struct{})
	var startedCount atomic.Int32

	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "/api/sse", nil).WithContext(serverCtx)
			rec := httptest.NewRecorder()
			if startedCount.Add(1) == int32(numClients) {
				close(started)
			}
			srv.handleSSE(rec, req)
		}()
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("clients did not start in time")
	}
	time.Sleep(100 * time.Millisecond)

	serverCancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("not all handlers exited after shutdown")
	}
}

func TestHandleSSE_NoGoroutineLeaks(t *testing.T) {
	runtime.GC()
	time.Sleep(100 * time.Millisecond)
	before := runtime.NumGoroutine()

	srv := NewServer(newMockStore(), 0, nil, "countly", testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			req := httptest.NewRequest(http.MethodGet, "/api/sse", nil).WithContext(ctx)
			srv.handleSSE(httptest.NewRecorder(), req)
		}()
	}
	wg.Wait()

	runtime.GC()
	time.Sleep(200 * time.Millisecond)

	after := runtime.NumGoroutine()
	if after > before+2 { // small tolerance for runtime variance
		t.Errorf("potential goroutine leak: before=%d, after=%d", before, after)
	}
}

// TestHandleSSE_ServerShutdownIntegration uses a real HTTP connection, which
// supports write deadlines unlike httptest.ResponseRecorder.
func TestHandleSSE_ServerShutdownIntegration(t *testing.T) {
	ms := newMockStore()
	ms.Update(snapshot("countly", `{}`))

	srv := NewServer(ms, 0, nil, "countly", testLogger())

	serverCtx, serverCancel := context.WithCancel(context.Background())

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.handleSSE(w, r.WithContext(serverCtx))
	})
	ts := httptest.NewServer(handler)
	defer ts.Close()

	connDone := make(chan error, 1)
	go func() {
		resp, err := ts.Client().Get(ts.URL)
		if err != nil {
			connDone <- err
			return
		}
		defer func() { _ = resp.Body.Close() }()

		buf := make([]byte, 1024)
		for {
			if _, err := resp.Body.Read(buf); err != nil {
				connDone <- nil
				return
			}
		}
	}()

	time.Sleep(100 * time.Millisecond)
	serverCancel()

	select {
	case <-connDone:
	case <-time.After(3 * time.Second):
		t.Fatal("SSE connection did not close after server shutdown")
	}
}

func parseSSEEvents(body string) []store.Snapshot {
	var out []store.Snapshot
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var s store.Snapshot
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &s); err == nil {
			out = append(out, s)
		}
	}
	return out
}

// --- WebSocket ---

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn
}

func readWS(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return msg
}

func TestHandleWebSocket_InitialSnapshotsAndUpdates(t *testing.T) {
	ms := newMockStore()
	ms.Update(snapshot("countly", `{"total":{"total":1}}`))

	srv := NewServer(ms, 0, nil, "countly", testLogger())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts)
	defer func() { _ = conn.Close() }()

	first := readWS(t, conn)
	if first.Type != "snapshots" || len(first.Snapshots) != 1 {
		t.Fatalf("first message = %+v", first)
	}
	if first.Snapshots[0].Source != "countly" {
		t.Errorf("Snapshots[0].Source = %q", first.Snapshots[0].Source)
	}

	// the handler subscribes before sending the initial message
	ms.Update(snapshot("countly", `{"total":{"total":2}}`))

	next := readWS(t, conn)
	if next.Type != "snapshot" || next.Snapshot == nil {
		t.Fatalf("update message = %+v", next)
	}
	if string(next.Snapshot.Payload) != `{"total":{"total":2}}` {
		t.Errorf("payload = %s", next.Snapshot.Payload)
	}
}

func TestHandleWebSocket_ClientCloseUnsubscribes(t *testing.T) {
	ms := newMockStore()
	srv := NewServer(ms, 0, nil, "countly", testLogger())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts)
	_ = readWS(t, conn)
	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ms.subscriberCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("subscriber not removed after client close: %d", ms.subscriberCount())
}

func TestHandleWebSocket_RejectsPlainHTTP(t *testing.T) {
	srv := NewServer(newMockStore(), 0, nil, "countly", testLogger())

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()

	srv.handleWebSocket(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

// --- Start ---

func TestStart_AvailablePort_ReturnsNil(t *testing.T) {
	// port 0 = OS assigns available port
	srv := NewServer(newMockStore(), 0, nil, "countly", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		t.Errorf("Start() on available port returned error: %v", err)
	}
}

func TestStart_PortInUse_ReturnsError(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer func() { _ = ln.Close() }()

	port := ln.Addr().(*net.TCPAddr).Port
	srv := NewServer(newMockStore(), port, nil, "countly", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = srv.Start(ctx)
	if err == nil {
		t.Fatal("Start() on occupied port should return error")
	}
	if !strings.Contains(err.Error(), "failed to bind") {
		t.Errorf("expected bind error, got: %v", err)
	}
}

func TestStart_InvalidPort_ReturnsError(t *testing.T) {
	srv := NewServer(newMockStore(), -1, nil, "countly", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err == nil {
		t.Fatal("Start() with invalid port should return error")
	}
}

func BenchmarkHandleMetrics(b *testing.B) {
	ms := newMockStore()
	ms.Update(snapshot("countly", `{"total":{"total":100,"new":20,"unique":80}}`))
	srv := NewServer(ms, 0, nil, "countly", testLogger())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest(http.MethodGet, MetricsPath, nil)
		srv.handleMetrics(httptest.NewRecorder(), req)
	}
}
