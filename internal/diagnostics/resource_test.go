package diagnostics

import (
	"context"
	"testing"
	"time"
)

func TestNewSamplerOpensCurrentProcess(t *testing.T) {
	s, err := NewSampler()
	if err != nil {
		t.Fatalf("NewSampler: %v", err)
	}
	if s.proc == nil {
		t.Fatal("expected a process handle")
	}
}

func TestSampleReturnsWithinBoundedTime(t *testing.T) {
	s, err := NewSampler()
	if err != nil {
		t.Fatalf("NewSampler: %v", err)
	}

	start := time.Now()
	sample := s.Sample(context.Background())
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Sample took too long: %v", elapsed)
	}
	if sample.Uptime <= 0 {
		t.Fatal("expected a positive uptime reading")
	}
}

func TestSampleHonorsCancelledContext(t *testing.T) {
	s, err := NewSampler()
	if err != nil {
		t.Fatalf("NewSampler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sample := s.Sample(ctx)
	if sample.Uptime <= 0 {
		t.Fatal("expected a best-effort sample even when ctx is already cancelled")
	}
}

func TestHostCPUCountIsPositive(t *testing.T) {
	if HostCPUCount() < 1 {
		t.Fatal("expected at least one logical CPU reported")
	}
}
