package rezone

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// lockStopwatch tracks the two running totals throttle axis 3 compares:
// wall-clock time elapsed and time spent holding the namespace read lock,
// both measured since the end of the previous throttle cycle.
// Grounded on the same "two stopwatches compared as a ratio" technique
// spec.md §4.1 describes; there is no stdlib or pack equivalent for this
// precise accounting so it is hand-rolled.
type lockStopwatch struct {
	mu        sync.Mutex
	wallStart time.Time
	heldStart time.Time
	held      bool
	heldTotal time.Duration
}

func newLockStopwatch() *lockStopwatch {
	return &lockStopwatch{wallStart: time.Now()}
}

func (s *lockStopwatch) acquired() {
	s.mu.Lock()
	s.heldStart = time.Now()
	s.held = true
	s.mu.Unlock()
}

func (s *lockStopwatch) released() {
	s.mu.Lock()
	if s.held {
		s.heldTotal += time.Since(s.heldStart)
		s.held = false
	}
	s.mu.Unlock()
}

// snapshotAndReset returns the wall and held durations accumulated since
// the previous call (or since creation) and resets both counters.
func (s *lockStopwatch) snapshotAndReset() (wall, held time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	wall = now.Sub(s.wallStart)
	held = s.heldTotal
	if s.held {
		held += now.Sub(s.heldStart)
		s.heldStart = now
	}
	s.wallStart = now
	s.heldTotal = 0
	return wall, held
}

// sleepCtx sleeps for d or until ctx is done, reporting false in the
// latter case so callers can abandon whatever loop they're throttling.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// throttle implements spec.md §4.1's three independent axes. Each axis is
// evaluated every time a batch is submitted; a coordinator under no
// pressure on any axis returns immediately.
type throttle struct {
	cfg       Config
	cores     int
	lockWatch *lockStopwatch
	ratioBits atomic.Uint64 // math.Float64bits(ratio); SetThrottleRatio updates it live.
}

func newThrottle(cfg Config) *throttle {
	t := &throttle{cfg: cfg, cores: cfg.cores(), lockWatch: newLockStopwatch()}
	t.setRatio(cfg.ThrottleRatio)
	return t
}

func (t *throttle) setRatio(r float64) {
	t.ratioBits.Store(math.Float64bits(r))
}

func (t *throttle) ratio() float64 {
	return math.Float64frombits(t.ratioBits.Load())
}

// wait blocks until none of the three axes are over their limit, or ctx is
// canceled. poolQueueLen and backlogLen are sampled fresh on every loop
// iteration since both change concurrently with the sleep.
func (t *throttle) wait(ctx context.Context, poolQueueLen func() int, backlogLen func() int) {
	for poolQueueLen() >= t.cores {
		if !sleepCtx(ctx, t.cfg.PoolSaturationSleep) {
			return
		}
	}
	for backlogLen() >= 2*t.cores {
		if !sleepCtx(ctx, t.cfg.UpdaterBacklogSleep) {
			return
		}
	}

	wall, held := t.lockWatch.snapshotAndReset()
	ratio := t.ratio()
	if ratio >= 1.0 {
		return
	}
	// Solve for the sleep that makes held/(wall+sleep) == ratio exactly,
	// i.e. sleep = held/ratio - wall, the same calibration the original
	// throttle() uses (actual/throttleLimitHandlerRatio - throttleTimerAll).
	// Sleeping by the raw excess held-wall*ratio instead converges to
	// held/((1-ratio)+held) under steady load, not ratio.
	if ratio <= 0 {
		return
	}
	sleep := time.Duration(float64(held)/ratio) - wall
	if sleep > 0 {
		sleepCtx(ctx, sleep)
		// Restart both stopwatches after the sleep, so the next cycle's
		// wall time does not include this cycle's throttle sleep.
		t.lockWatch.snapshotAndReset()
	}
}
