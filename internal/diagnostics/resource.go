// Package diagnostics samples the holder process's own resource usage
// and reports the host CPU count. The daemon logs the host CPU count at
// startup; the per-process Sample is not surfaced through channel.status
// or any other gateway output.
package diagnostics

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// Sample is a point-in-time resource reading for the current process.
type Sample struct {
	CPUPercent float64
	MemoryRSS  uint64
	Goroutines int
	Uptime     time.Duration
}

// Sampler takes Sample snapshots of the running process.
type Sampler struct {
	proc      *process.Process
	startedAt time.Time
}

// NewSampler opens a gopsutil handle on the current process.
func NewSampler() (*Sampler, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Sampler{proc: p, startedAt: time.Now()}, nil
}

// Sample takes a best-effort reading, bounded by ctx, matching the
// "must return within a short bounded time" contract adapters'
// health_check also follows (spec.md §4.5).
func (s *Sampler) Sample(ctx context.Context) Sample {
	done := make(chan Sample, 1)
	go func() {
		var out Sample
		if pct, err := s.proc.PercentWithContext(ctx, 0); err == nil {
			out.CPUPercent = pct
		}
		if mem, err := s.proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
			out.MemoryRSS = mem.RSS
		}
		out.Uptime = time.Since(s.startedAt)
		done <- out
	}()

	select {
	case out := <-done:
		return out
	case <-ctx.Done():
		return Sample{Uptime: time.Since(s.startedAt)}
	case <-time.After(500 * time.Millisecond):
		return Sample{Uptime: time.Since(s.startedAt)}
	}
}

// HostCPUCount reports the number of logical CPUs visible to the
// process, used to log a sane default for adapter/worker sizing.
func HostCPUCount() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		return 1
	}
	return n
}
