package limiter

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Zakaria95Ahmed/idm-clone/utils"
)

// maxSleep bounds how long a single Acquire call may block waiting for
// tokens. Short sleeps keep cancellation checks in the callers responsive.
const maxSleep = 100 * time.Millisecond

// RateLimiter is a token-bucket bandwidth budget shared by every connection
// in the process. Tokens are bytes: each permitted byte consumes one token,
// tokens refill at the configured rate, and the bucket is capped at twice
// the rate so short bursts can catch up after idle periods.
//
// Construct one in main and hand it to the engine; there is no package-level
// instance.
type RateLimiter struct {
	limitBps atomic.Int64
	enabled  atomic.Bool
	observed atomic.Int64 // current aggregate speed ×1000, set by the engine

	mu         sync.Mutex
	tokens     float64
	burstCap   float64
	lastRefill time.Time
}

func New() *RateLimiter {
	rl := &RateLimiter{}
	rl.enabled.Store(true)
	return rl
}

// SetLimit configures the rate in bytes per second. Zero disables limiting.
// The bucket is reset to full burst capacity so an ongoing transfer is not
// starved by a mid-flight change.
func (rl *RateLimiter) SetLimit(bytesPerSecond int64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limitBps.Store(bytesPerSecond)
	rl.burstCap = float64(bytesPerSecond * 2)
	rl.tokens = rl.burstCap
	rl.lastRefill = time.Now()
	log := utils.GetLogger("limiter")
	log.Debug().Int64("bytesPerSecond", bytesPerSecond).Msg("Speed limit updated")
}

func (rl *RateLimiter) Limit() int64 { return rl.limitBps.Load() }

// Enable toggles the limiter without touching the configured rate.
func (rl *RateLimiter) Enable(enabled bool) { rl.enabled.Store(enabled) }

// Active reports whether acquisitions are currently throttled.
func (rl *RateLimiter) Active() bool {
	return rl.enabled.Load() && rl.limitBps.Load() > 0
}

// Reset refills the bucket, used when the limiter is toggled.
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.tokens = rl.burstCap
	rl.lastRefill = time.Now()
}

// Acquire blocks until at least one byte may be transferred and returns how
// many of the requested bytes are permitted right now. The return value is
// always in [1, requested] while the limiter is active; when inactive the
// full request passes through untouched.
func (rl *RateLimiter) Acquire(requested int) int {
	if requested <= 0 {
		return 0
	}
	if !rl.Active() {
		return requested
	}

	rl.mu.Lock()
	limit := rl.limitBps.Load()
	if limit <= 0 {
		rl.mu.Unlock()
		return requested
	}

	rl.refillLocked(limit)
	want := float64(requested)
	if rl.tokens >= want {
		rl.tokens -= want
		rl.mu.Unlock()
		return requested
	}
	if rl.tokens >= 1 {
		permitted := int(rl.tokens)
		rl.tokens -= float64(permitted)
		rl.mu.Unlock()
		return permitted
	}

	// Bucket is empty: sleep outside the lock for roughly the time the
	// request needs, bounded so pause/cancel stays responsive.
	sleep := time.Duration(want / float64(limit) * float64(time.Second))
	if sleep > maxSleep {
		sleep = maxSleep
	}
	rl.mu.Unlock()
	time.Sleep(sleep)
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refillLocked(rl.limitBps.Load())
	permitted := int(rl.tokens)
	if permitted > requested {
		permitted = requested
	}
	if permitted < 1 {
		permitted = 1
	}
	rl.tokens -= float64(permitted)
	return permitted
}

// refillLocked adds elapsed×rate tokens, clamped at the burst cap.
// Caller holds rl.mu.
func (rl *RateLimiter) refillLocked(limit int64) {
	now := time.Now()
	if !rl.lastRefill.IsZero() {
		elapsed := now.Sub(rl.lastRefill).Seconds()
		rl.tokens += elapsed * float64(limit)
		if rl.tokens > rl.burstCap {
			rl.tokens = rl.burstCap
		}
	}
	rl.lastRefill = now
}

// SetObservedSpeed records the latest aggregate transfer speed measured by
// the engine's speed monitor. Read-only as far as throttling is concerned.
func (rl *RateLimiter) SetObservedSpeed(bytesPerSecond float64) {
	rl.observed.Store(int64(bytesPerSecond * 1000))
}

// ObservedSpeed returns the last aggregate speed reported by the engine.
func (rl *RateLimiter) ObservedSpeed() float64 {
	return float64(rl.observed.Load()) / 1000
}
