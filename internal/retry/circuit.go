package retry

import (
	"sync"
	"time"
)

// BreakerConfig configures a consecutive-failure circuit breaker.
// Trip < 0 disables the breaker; zero values select defaults.
type BreakerConfig struct {
	Trip       int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	ResetAfter time.Duration
}

// Breaker is a simple consecutive-failure circuit breaker with cooldown:
//   - On success: resets failures and closes the circuit.
//   - On failure: increments failures and, once failures >= trip,
//     opens the circuit for an exponentially increasing cooldown.
type Breaker struct {
	cfg     BreakerConfig
	enabled bool

	mu          sync.Mutex
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Trip < 0 {
		return &Breaker{cfg: cfg}
	}
	if cfg.Trip == 0 {
		cfg.Trip = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 5 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Minute
	}
	if cfg.ResetAfter <= 0 {
		cfg.ResetAfter = 5 * time.Minute
	}
	return &Breaker{cfg: cfg, enabled: true}
}

// Open reports whether calls should be skipped at now, and until when.
func (b *Breaker) Open(now time.Time) (bool, time.Time) {
	if b == nil || !b.enabled {
		return false, time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeReset(now)
	if !b.openUntil.IsZero() && now.Before(b.openUntil) {
		return true, b.openUntil
	}
	return false, time.Time{}
}

// Record feeds the result of one call into the breaker. It reports whether
// this failure tripped (or re-tripped) the circuit.
func (b *Breaker) Record(now time.Time, err error) bool {
	if b == nil || !b.enabled {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeReset(now)
	if err == nil {
		b.fails = 0
		b.openUntil = time.Time{}
		b.lastFailure = time.Time{}
		return false
	}

	b.fails++
	b.lastFailure = now
	if b.fails < b.cfg.Trip {
		return false
	}

	// Exponential cooldown after tripping.
	d := b.cfg.BaseDelay
	for i := 0; i < b.fails-b.cfg.Trip; i++ {
		d *= 2
		if d >= b.cfg.MaxDelay {
			break
		}
	}
	if d > b.cfg.MaxDelay {
		d = b.cfg.MaxDelay
	}
	b.openUntil = now.Add(d)
	return true
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fails
}

// maybeReset forgets failures that happened long ago. Callers hold mu.
func (b *Breaker) maybeReset(now time.Time) {
	if !b.lastFailure.IsZero() && b.cfg.ResetAfter > 0 && now.Sub(b.lastFailure) > b.cfg.ResetAfter {
		b.fails = 0
		b.openUntil = time.Time{}
	}
}
