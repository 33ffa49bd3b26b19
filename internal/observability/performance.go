package observability

import (
	"math"
	"sync"
	"time"

	"github.com/ent0n29/avatarcore/internal/clock"
)

// PerformanceSnapshot is the read-only view handed to clients.
type PerformanceSnapshot struct {
	TotalRequests     int64         `json:"totalRequests"`
	CacheHits         int64         `json:"cacheHits"`
	CacheMisses       int64         `json:"cacheMisses"`
	Sub200msResponses int64         `json:"sub200msResponses"`
	AvgResponseTimeMS float64       `json:"avgResponseTimeMs"`
	CacheHitRate      float64       `json:"cacheHitRate"`
	Sub200msRate      float64       `json:"sub200msRate"`
	ActiveSessions    int           `json:"activeSessions"`
	ActiveJobs        int           `json:"activeJobs"`
	LatencyTargetMS   int64         `json:"latencyTargetMs"`
	Window            StageSnapshot `json:"window"`
}

// Performance aggregates request counters and a rolling latency window.
type Performance struct {
	mu       sync.Mutex
	clock    clock.Clock
	target   time.Duration
	total    int64
	hits     int64
	fast     int64
	avgMS    float64
	window   *stageWindow
	sessions func() int
	jobs     func() int
}

func NewPerformance(clk clock.Clock, latencyTarget time.Duration, windowSize int) *Performance {
	if clk == nil {
		clk = clock.System()
	}
	if latencyTarget <= 0 {
		latencyTarget = 200 * time.Millisecond
	}
	return &Performance{
		clock:  clk,
		target: latencyTarget,
		window: newStageWindow(windowSize, latencyTarget),
	}
}

// SetActiveSources wires the live gauges read at snapshot time.
func (p *Performance) SetActiveSources(sessions, jobs func() int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions, p.jobs = sessions, jobs
}

// RecordRequest counts one completed interactive request.
func (p *Performance) RecordRequest(latency time.Duration, cacheHit bool) {
	ms := float64(latency) / float64(time.Millisecond)
	if ms < 0 {
		ms = 0
	}
	p.mu.Lock()
	p.total++
	if cacheHit {
		p.hits++
	}
	if latency < p.target {
		p.fast++
	}
	// Cumulative running mean.
	p.avgMS += (ms - p.avgMS) / float64(p.total)
	p.mu.Unlock()

	p.window.Observe(StageResponseTotal, ms)
}

// SetStageTarget sets the p95 target reported for stage. A non-positive
// target clears it.
func (p *Performance) SetStageTarget(stage string, target time.Duration) {
	p.window.SetTarget(stage, float64(target)/float64(time.Millisecond))
}

// ObserveStage adds a per-stage latency sample to the rolling window.
func (p *Performance) ObserveStage(stage string, d time.Duration) {
	p.window.Observe(stage, float64(d)/float64(time.Millisecond))
}

// ObserveIndicator counts a named occurrence such as a fallback.
func (p *Performance) ObserveIndicator(name string) {
	p.window.ObserveIndicator(name)
}

func (p *Performance) Snapshot() PerformanceSnapshot {
	p.mu.Lock()
	snap := PerformanceSnapshot{
		TotalRequests:     p.total,
		CacheHits:         p.hits,
		CacheMisses:       p.total - p.hits,
		Sub200msResponses: p.fast,
		AvgResponseTimeMS: round2(p.avgMS),
		CacheHitRate:      ratio(p.hits, p.total),
		Sub200msRate:      ratio(p.fast, p.total),
		LatencyTargetMS:   p.target.Milliseconds(),
	}
	sessions, jobs := p.sessions, p.jobs
	p.mu.Unlock()

	if sessions != nil {
		snap.ActiveSessions = sessions()
	}
	if jobs != nil {
		snap.ActiveJobs = jobs()
	}
	snap.Window = p.window.Snapshot(p.clock.Now())
	return snap
}

// ratio is 0 when den is 0.
func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	r := float64(num) / float64(den)
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0
	}
	return r
}
