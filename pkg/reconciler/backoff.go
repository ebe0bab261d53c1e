package reconciler

import (
	"sync"
	"time"
)

// backoffTracker keeps a per-Configuration exponential backoff, doubling
// from an initial delay up to a cap on repeated failure and resetting to
// the initial delay on the next success. controller-runtime's default workqueue rate
// limiter backs off the request key, not the Configuration name, and
// resets on a timer rather than on an explicit success signal, so it is
// bypassed in favor of this map: Reconcile returns ctrl.Result with a
// computed RequeueAfter and a nil error instead.
type backoffTracker struct {
	initial time.Duration
	max     time.Duration

	mu    sync.Mutex
	delay map[string]time.Duration
}

func newBackoffTracker(initial, max time.Duration) *backoffTracker {
	return &backoffTracker{
		initial: initial,
		max:     max,
		delay:   make(map[string]time.Duration),
	}
}

// Next returns the delay to use before the next reconcile of name and
// doubles it for the following failure.
func (b *backoffTracker) Next(name string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok := b.delay[name]
	if !ok || cur == 0 {
		cur = b.initial
	}
	next := cur * 2
	if next > b.max {
		next = b.max
	}
	b.delay[name] = next
	return cur
}

// Reset clears name's backoff state after a successful reconcile.
func (b *backoffTracker) Reset(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.delay, name)
}
