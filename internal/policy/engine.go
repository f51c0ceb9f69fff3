package policy

import (
	"sync/atomic"

	"github.com/carapace-gateway/carapace/internal/config"
)

// Engine is the live policy: an atomically swappable Snapshot plus the
// rate limiter's mutable counters, which persist independently of
// snapshot identity (spec.md §5: "Live config snapshot: readers take an
// atomic reference; writers publish a new snapshot with a release-store;
// never mutated in place").
type Engine struct {
	snapshot atomic.Pointer[Snapshot]
	limiter  *RateLimiter
}

// NewEngine compiles f into the first live Snapshot.
func NewEngine(f config.File) (*Engine, error) {
	snap, err := Compile(f)
	if err != nil {
		return nil, err
	}
	e := &Engine{limiter: NewRateLimiter(snap.RateLimits)}
	e.snapshot.Store(&snap)
	return e, nil
}

// Current returns the snapshot in effect for a request obtained right
// now. Once obtained it remains valid for the lifetime of that request
// even if Reload runs concurrently (spec.md §3/§8).
func (e *Engine) Current() *Snapshot {
	return e.snapshot.Load()
}

// Reload validates and compiles f, then atomically installs it as the
// live snapshot. In-flight requests keep whichever snapshot they already
// obtained.
func (e *Engine) Reload(f config.File) error {
	if err := f.Validate(); err != nil {
		return err
	}
	snap, err := Compile(f)
	if err != nil {
		return err
	}
	e.limiter.Reconfigure(snap.RateLimits)
	e.snapshot.Store(&snap)
	return nil
}

// AllowRate records an outbound attempt on channel against the live
// rate limiter, independent of snapshot swaps.
func (e *Engine) AllowRate(channel string) bool {
	return e.limiter.Allow(channel)
}

// SweepRates runs the limiter's background timestamp sweep.
func (e *Engine) SweepRates() {
	e.limiter.Sweep()
}
