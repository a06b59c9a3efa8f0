// Package platform samples system-wide CPU usage and the process's memory
// usage so they can be surfaced on /api/compute/stats and the Prometheus
// /metrics endpoint.
package platform

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/velivolant/gateway/internal/monitoring"
)

// Sample is a point-in-time resource reading.
type Sample struct {
	CPUPercent float64
	MemoryMB   float64
}

// Sampler periodically reads CPU/memory usage, grounded on the teacher's
// collectMetrics loop (server.go): a single *process.Process obtained once at
// startup, process memory via MemoryInfo().RSS, and system-wide (not
// per-process, not per-container) CPU via cpu.Percent sampled over the tick
// interval.
type Sampler struct {
	proc     *process.Process
	interval time.Duration

	latest Sample
}

// NewSampler resolves the current process. Errors are non-fatal: Run simply
// reports zero values if the process handle could not be obtained.
func NewSampler(interval time.Duration) *Sampler {
	s := &Sampler{interval: interval}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = proc
	}
	return s
}

// Run samples on the configured interval until ctx is cancelled, publishing
// readings to the Prometheus gauges. Launched as `go sampler.Run(ctx)` from
// main, outside the supervisor.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *Sampler) sample() {
	var sample Sample

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		sample.CPUPercent = pct[0]
	}

	if s.proc != nil {
		if memInfo, err := s.proc.MemoryInfo(); err == nil {
			sample.MemoryMB = float64(memInfo.RSS) / 1024 / 1024
		}
	}

	s.latest = sample
	monitoring.CPUContainerPercent.Set(sample.CPUPercent)
	monitoring.MemoryUsageBytes.Set(sample.MemoryMB * 1024 * 1024)
}

// Latest returns the most recent sample taken (zero value before the first tick).
func (s *Sampler) Latest() Sample {
	return s.latest
}
