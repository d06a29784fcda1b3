package monitor

import (
	"sync"
	"time"

	"github.com/banshee-data/carla-syncer/internal/monitoring"
)

// PipelineStats tracks pipeline throughput with thread-safe operations.
// The sync worker adds; the reporter drains and logs rates.
type PipelineStats struct {
	mu         sync.Mutex
	packets    int64
	frames     int64
	dropped    int64
	lastReset  time.Time
	totalStart time.Time
}

// NewPipelineStats creates a PipelineStats instance.
func NewPipelineStats() *PipelineStats {
	now := time.Now()
	return &PipelineStats{lastReset: now, totalStart: now}
}

// AddPacket counts one ingested packet.
func (ps *PipelineStats) AddPacket() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.packets++
}

// AddFrame counts one emitted frame.
func (ps *PipelineStats) AddFrame() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.frames++
}

// AddDropped counts dropped packets since the last report.
func (ps *PipelineStats) AddDropped(n int64) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.dropped += n
}

// GetAndReset returns the interval counters and resets them.
func (ps *PipelineStats) GetAndReset() (packets, frames, dropped int64, duration time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := time.Now()
	duration = now.Sub(ps.lastReset)
	packets, frames, dropped = ps.packets, ps.frames, ps.dropped
	ps.packets, ps.frames, ps.dropped = 0, 0, 0
	ps.lastReset = now
	return
}

// LogStats logs a one-line rate summary when anything moved.
func (ps *PipelineStats) LogStats() {
	packets, frames, dropped, duration := ps.GetAndReset()
	if packets == 0 && frames == 0 && dropped == 0 {
		return
	}
	secs := duration.Seconds()
	if secs <= 0 {
		secs = 1
	}
	msg := ""
	if dropped > 0 {
		msg = " (dropped this interval)"
	}
	monitoring.Logf("Sync stats (/sec): %.1f packets, %.1f frames, %d dropped%s",
		float64(packets)/secs, float64(frames)/secs, dropped, msg)
}
