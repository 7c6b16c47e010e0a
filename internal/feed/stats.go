package feed

import (
	"context"
	"encoding/json"
	"runtime"
	"time"
)

// Stats is the periodic runtime snapshot pushed to connected clients.
type Stats struct {
	WSClients   int     `json:"ws_clients"`
	Goroutines  int     `json:"goroutines"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	GCRuns      uint32  `json:"gc_runs"`
	UptimeSec   int64   `json:"uptime_sec"`
	LatencyP50  float64 `json:"latency_p50_ms"`
	LatencyP95  float64 `json:"latency_p95_ms"`
	LatencyP99  float64 `json:"latency_p99_ms"`
	TS          string  `json:"ts"`
}

// CollectStats samples the runtime and the latency tracker.
func (h *Hub) CollectStats(start time.Time) Stats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	s := Stats{
		WSClients:   h.ClientCount(),
		Goroutines:  runtime.NumGoroutine(),
		HeapAllocMB: float64(ms.HeapAlloc) / 1024 / 1024,
		GCRuns:      ms.NumGC,
		UptimeSec:   int64(time.Since(start).Seconds()),
		TS:          time.Now().UTC().Format(time.RFC3339Nano),
	}
	if h.Latency != nil {
		s.LatencyP50, s.LatencyP95, s.LatencyP99 = h.Latency.Percentiles()
	}
	return s
}

// StartStatsBroadcast pushes a stats message to every client on an
// interval. Blocks until ctx is cancelled.
func (h *Hub) StartStatsBroadcast(ctx context.Context, start time.Time) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			envelope, _ := json.Marshal(map[string]interface{}{
				"type":  "stats",
				"stats": h.CollectStats(start),
			})
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- envelope:
				default:
				}
			}
			h.mu.RUnlock()
		}
	}
}
