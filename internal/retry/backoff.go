package retry

import (
	"math/rand"
	"sync"
	"time"
)

// Policy describes a jittered exponential backoff.
type Policy struct {
	Base     time.Duration
	MaxDelay time.Duration
	// Jitter is the +/- fraction applied to every delay (0.2 = +/-20%). Negative disables jitter.
	Jitter float64
}

func (p Policy) withDefaults() Policy {
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 15 * time.Second
	}
	if p.Jitter == 0 {
		p.Jitter = 0.2
	}
	return p
}

// Backoff computes delays for a Policy. It is safe for concurrent use.
type Backoff struct {
	p Policy

	mu  sync.Mutex
	rng *rand.Rand
}

func NewBackoff(p Policy) *Backoff {
	return &Backoff{p: p.withDefaults(), rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Policy returns the effective policy after defaults.
func (b *Backoff) Policy() Policy { return b.p }

// Delay returns the wait before retry number attempt (1-based).
func (b *Backoff) Delay(attempt int) time.Duration {
	d := b.p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > b.p.MaxDelay {
			d = b.p.MaxDelay
			break
		}
	}
	d = b.jitter(d)
	if d > b.p.MaxDelay {
		d = b.p.MaxDelay
	}
	return d
}

// DelayFor is Delay, except that a retry-after hint carried by err wins
// (bounded by MaxDelay, jitter still applied).
func (b *Backoff) DelayFor(attempt int, err error) time.Duration {
	hint, ok := AfterHint(err)
	if !ok {
		return b.Delay(attempt)
	}
	if hint > b.p.MaxDelay {
		hint = b.p.MaxDelay
	}
	// Jitter only pushes a hint later; the platform asked for at least this long.
	d := hint
	if j := b.jitter(hint); j > d {
		d = j
	}
	if d > b.p.MaxDelay {
		d = b.p.MaxDelay
	}
	return d
}

func (b *Backoff) jitter(d time.Duration) time.Duration {
	if b.p.Jitter <= 0 || d <= 0 {
		return d
	}
	b.mu.Lock()
	r := (b.rng.Float64()*2 - 1) * b.p.Jitter
	b.mu.Unlock()
	d = time.Duration(float64(d) * (1 + r))
	if d < 0 {
		d = 0
	}
	return d
}
