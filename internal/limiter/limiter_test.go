package limiter

import (
	"sync"
	"testing"
	"time"
)

func TestPassThroughWhenUnlimited(t *testing.T) {
	rl := New()
	if got := rl.Acquire(5000); got != 5000 {
		t.Fatalf("unlimited Acquire returned %d, want 5000", got)
	}
	rl.SetLimit(1000)
	rl.Enable(false)
	if got := rl.Acquire(5000); got != 5000 {
		t.Fatalf("disabled Acquire returned %d, want 5000", got)
	}
}

func TestZeroLimitDisables(t *testing.T) {
	rl := New()
	rl.SetLimit(0)
	if rl.Active() {
		t.Fatal("limiter active with zero rate")
	}
	if got := rl.Acquire(1234); got != 1234 {
		t.Fatalf("Acquire returned %d, want 1234", got)
	}
}

func TestNeverReturnsZero(t *testing.T) {
	rl := New()
	rl.SetLimit(100) // tiny rate so the bucket drains immediately
	total := 0
	for i := 0; i < 5; i++ {
		got := rl.Acquire(1000)
		if got <= 0 {
			t.Fatalf("Acquire returned %d on call %d", got, i)
		}
		if got > 1000 {
			t.Fatalf("Acquire returned %d, more than requested", got)
		}
		total += got
	}
}

func TestBudgetOverInterval(t *testing.T) {
	const rate = 200000
	rl := New()
	rl.SetLimit(rate)

	var mu sync.Mutex
	var total int64
	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Since(start) < 300*time.Millisecond {
				n := rl.Acquire(8192)
				mu.Lock()
				total += int64(n)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	elapsed := time.Since(start).Seconds()
	// Budget: rate×T plus the burst capacity the bucket starts with, with a
	// little slack for the final in-flight grants.
	budget := int64(float64(rate)*elapsed) + 2*rate + 8192
	if total > budget {
		t.Fatalf("permitted %d bytes over %.2fs, budget %d", total, elapsed, budget)
	}
}

func TestResetRefillsBucket(t *testing.T) {
	rl := New()
	rl.SetLimit(1000)
	rl.Acquire(2000) // drain
	rl.Reset()
	if got := rl.Acquire(2000); got != 2000 {
		t.Fatalf("Acquire after Reset returned %d, want full burst grant of 2000", got)
	}
}

func TestObservedSpeedSlot(t *testing.T) {
	rl := New()
	rl.SetObservedSpeed(123456.5)
	if got := rl.ObservedSpeed(); got < 123456 || got > 123457 {
		t.Fatalf("observed speed %f, want ~123456.5", got)
	}
}
