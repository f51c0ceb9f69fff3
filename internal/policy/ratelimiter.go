package policy

import (
	"sync"
	"time"
)

// maxSweepWindow bounds how far back the background sweep keeps
// timestamps, regardless of any single channel's configured window, per
// spec.md §4.4 ("bounded to a ceiling, e.g., one hour").
const maxSweepWindow = time.Hour

// channelLimiter is a per-channel sliding window of attempt timestamps.
// The teacher's token-bucket limiters (ws/internal/shared/limits,
// ws/internal/single/limits) solve a related but distinct problem —
// smoothing sustained throughput. spec.md §4.4 and §9 instead fix the
// semantics as "count attempts, not successes, in the trailing window",
// which a token bucket cannot expose as an observable count; this is a
// plain deque guarded by a short critical section, as spec.md §5
// prescribes.
type channelLimiter struct {
	mu         sync.Mutex
	timestamps []time.Time
	limit      int
	window     time.Duration
}

// RateLimiter holds one channelLimiter per configured channel.
type RateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*channelLimiter
	now      func() time.Time
}

// NewRateLimiter builds a limiter from the channel -> {requests,
// window_seconds} map assembled by the config snapshot.
func NewRateLimiter(limits map[string]RateLimit) *RateLimiter {
	rl := &RateLimiter{
		limiters: make(map[string]*channelLimiter, len(limits)),
		now:      time.Now,
	}
	for channel, lim := range limits {
		rl.limiters[channel] = &channelLimiter{
			limit:  lim.Requests,
			window: time.Duration(lim.WindowSeconds) * time.Second,
		}
	}
	return rl
}

// RateLimit is the compiled form of config.RateLimitConfig.
type RateLimit struct {
	Requests      int
	WindowSeconds int
}

// Allow records an attempt for channel and reports whether it is within
// the configured limit. The timestamp is appended before the count is
// checked, so a probing caller cannot distinguish "would have been
// allowed" from "blocked for other reasons" — spec.md §4.4.
//
// A channel with no configured limiter is unrestricted.
func (rl *RateLimiter) Allow(channel string) bool {
	rl.mu.RLock()
	cl, ok := rl.limiters[channel]
	rl.mu.RUnlock()
	if !ok {
		return true
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := rl.now()
	cl.timestamps = append(cl.timestamps, now)

	if cl.limit <= 0 {
		return false
	}

	cutoff := now.Add(-cl.window)
	count := 0
	for i := len(cl.timestamps) - 1; i >= 0; i-- {
		if cl.timestamps[i].Before(cutoff) {
			break
		}
		count++
	}
	return count <= cl.limit
}

// Reconfigure applies a fresh channel -> limit mapping without losing
// accumulated attempt history, so a reload does not reset a channel's
// in-flight window (spec.md §4.8 lists rate limits as reloadable, not
// "reset on reload"). Channels no longer present are dropped.
func (rl *RateLimiter) Reconfigure(limits map[string]RateLimit) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	next := make(map[string]*channelLimiter, len(limits))
	for channel, lim := range limits {
		cl, ok := rl.limiters[channel]
		if !ok {
			cl = &channelLimiter{}
		}
		cl.mu.Lock()
		cl.limit = lim.Requests
		cl.window = time.Duration(lim.WindowSeconds) * time.Second
		cl.mu.Unlock()
		next[channel] = cl
	}
	rl.limiters = next
}

// Sweep drops timestamps older than maxSweepWindow across every channel
// so memory does not grow without bound under sustained traffic
// (spec.md §4.4). It is meant to be called periodically by the
// gateway's cleanup task.
func (rl *RateLimiter) Sweep() {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	cutoff := rl.now().Add(-maxSweepWindow)
	for _, cl := range rl.limiters {
		cl.mu.Lock()
		idx := 0
		for idx < len(cl.timestamps) && cl.timestamps[idx].Before(cutoff) {
			idx++
		}
		if idx > 0 {
			cl.timestamps = append([]time.Time(nil), cl.timestamps[idx:]...)
		}
		cl.mu.Unlock()
	}
}
