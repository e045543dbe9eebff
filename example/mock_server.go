package main

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// mockCounters tracks the running totals reported for today.
type mockCounters struct {
	total, newUsers, unique, requests int
}

// StartMockCountlyServer runs a mock Countly read API whose counters grow
// on every request. Call this in a goroutine before creating the source.
func StartMockCountlyServer(addr string) {
	var (
		mu       sync.Mutex
		counters = mockCounters{total: 40, newUsers: 8, unique: 30}
		regions  = []string{"DE", "FR", "GB", "US"}
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/o", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("method") != "users" {
			http.Error(w, "unsupported method", http.StatusBadRequest)
			return
		}

		// simulate small latency variance
		time.Sleep(time.Duration(50+rand.Intn(150)) * time.Millisecond)

		mu.Lock()
		counters.requests++
		counters.total += rand.Intn(3)
		if rand.Intn(4) == 0 {
			counters.newUsers++
			counters.unique++
		}
		c := counters
		mu.Unlock()

		now := time.Now()
		day := map[string]any{
			"t": c.total,
			"n": c.newUsers,
			"u": c.unique,
			"e": c.requests,
			strconv.Itoa(now.Hour()): map[string]any{"t": c.total / 2},
		}
		for i, code := range regions {
			day[code] = map[string]any{"t": c.total / (i + 2)}
		}

		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{
			strconv.Itoa(now.Year()): map[string]any{
				strconv.Itoa(int(now.Month())): map[string]any{
					strconv.Itoa(now.Day()): day,
				},
			},
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.Error("failed to encode mock response", "error", err)
		}
	})

	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("mock server error", "error", err)
	}
}
