package relaypool

import (
	"sync"
	"time"
)

// latencyWindowCap bounds the recent-latency sample window per connection.
const latencyWindowCap = 100

// HealthMetrics tracks per-connection outcomes and latency. Each instance is
// owned exclusively by its ConnectionManager; the pool only reads snapshots.
type HealthMetrics struct {
	mu sync.Mutex

	successCount int
	errorCount   int
	lastErrorAt  time.Time

	totalAttempts      int
	successfulAttempts int
	failedAttempts     int
	totalConnectTime   time.Duration

	latencies []time.Duration
}

// HealthSnapshot is an immutable copy of a connection's health at read time.
type HealthSnapshot struct {
	SuccessCount       int
	ErrorCount         int
	LastErrorAt        time.Time
	TotalAttempts      int
	SuccessfulAttempts int
	FailedAttempts     int
	AverageConnectTime time.Duration
	ConnectSuccessRate float64
	AverageLatency     time.Duration
	LastLatency        time.Duration
	ErrorRate          float64
	HealthScore        float64
}

func NewHealthMetrics() *HealthMetrics {
	return &HealthMetrics{}
}

// RecordSuccess counts one successful operation on the connection.
func (h *HealthMetrics) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.successCount++
}

// RecordError counts one failed operation and stamps the failure time.
func (h *HealthMetrics) RecordError() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errorCount++
	h.lastErrorAt = time.Now()
}

// RecordConnectAttempt tracks a connection attempt outcome. Successful
// attempts also feed the latency window with the handshake duration.
func (h *HealthMetrics) RecordConnectAttempt(success bool, duration time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.totalAttempts++
	if success {
		h.successfulAttempts++
		h.totalConnectTime += duration
		h.appendLatency(duration)
		return
	}
	h.failedAttempts++
	h.errorCount++
	h.lastErrorAt = time.Now()
}

// RecordLatency appends one round-trip sample to the bounded window.
func (h *HealthMetrics) RecordLatency(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.appendLatency(d)
}

func (h *HealthMetrics) appendLatency(d time.Duration) {
	if len(h.latencies) == latencyWindowCap {
		h.latencies = append(h.latencies[1:], d)
		return
	}
	h.latencies = append(h.latencies, d)
}

// Snapshot derives the composite view. healthScore weighs error rate at 0.7
// and latency at 0.3; latencyScore is 1.0 up to 100ms average and falls to 0
// at 5000ms.
func (h *HealthMetrics) Snapshot() HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	snap := HealthSnapshot{
		SuccessCount:       h.successCount,
		ErrorCount:         h.errorCount,
		LastErrorAt:        h.lastErrorAt,
		TotalAttempts:      h.totalAttempts,
		SuccessfulAttempts: h.successfulAttempts,
		FailedAttempts:     h.failedAttempts,
	}

	if h.successfulAttempts > 0 {
		snap.AverageConnectTime = h.totalConnectTime / time.Duration(h.successfulAttempts)
	}
	if h.totalAttempts > 0 {
		snap.ConnectSuccessRate = float64(h.successfulAttempts) / float64(h.totalAttempts)
	}
	if n := len(h.latencies); n > 0 {
		var total time.Duration
		for _, d := range h.latencies {
			total += d
		}
		snap.AverageLatency = total / time.Duration(n)
		snap.LastLatency = h.latencies[n-1]
	}

	if outcomes := h.successCount + h.errorCount; outcomes > 0 {
		snap.ErrorRate = float64(h.errorCount) / float64(outcomes)
	}
	snap.HealthScore = 0.7*(1-snap.ErrorRate) + 0.3*latencyScore(snap.AverageLatency, len(h.latencies) > 0)

	return snap
}

// latencyScore maps an average latency onto [0, 1]. Connections with no
// samples yet score a neutral 1.0 rather than being penalized.
func latencyScore(avg time.Duration, sampled bool) float64 {
	if !sampled {
		return 1.0
	}

	const (
		floor   = 100 * time.Millisecond
		ceiling = 5000 * time.Millisecond
	)

	switch {
	case avg <= floor:
		return 1.0
	case avg >= ceiling:
		return 0.0
	default:
		return 1.0 - float64(avg-floor)/float64(ceiling-floor)
	}
}
