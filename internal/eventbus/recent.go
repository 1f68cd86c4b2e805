package eventbus

import (
	"context"
	"sync"
)

// Recent keeps the last N events of a bus for status pages.
type Recent struct {
	mu   sync.Mutex
	buf  []Event
	next int
	full bool
}

func NewRecent(n int) *Recent {
	if n <= 0 {
		n = 50
	}
	return &Recent{buf: make([]Event, n)}
}

// Run consumes bus events until ctx is done.
func (r *Recent) Run(ctx context.Context, b Bus) {
	ch, unsub := b.Subscribe(len(r.buf))
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			r.Add(e)
		}
	}
}

func (r *Recent) Add(e Event) {
	r.mu.Lock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Snapshot returns the retained events, newest first.
func (r *Recent) Snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.next
	if r.full {
		n = len(r.buf)
	}
	out := make([]Event, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, r.buf[(r.next-i+len(r.buf))%len(r.buf)])
	}
	return out
}
