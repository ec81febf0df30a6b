package ordering

import (
	"sort"
	"sync"
	"time"
)

// Debouncer runs at most one pending action per key. Scheduling a key that is
// already pending replaces its action and restarts its timer.
type Debouncer[K comparable] struct {
	name  string
	clock Clock

	mu      sync.Mutex
	seq     uint64
	pending map[K]*pendingAction
	closed  bool
}

type pendingAction struct {
	gen    uint64
	timer  Timer
	action func()
}

// NewDebouncer creates a debouncer. The name labels its metrics.
func NewDebouncer[K comparable](name string, clock Clock) *Debouncer[K] {
	if clock == nil {
		clock = RealClock{}
	}
	return &Debouncer[K]{name: name, clock: clock, pending: make(map[K]*pendingAction)}
}

// Schedule arms key to run action after delay. Once the debouncer is closed
// the action runs immediately on the caller's goroutine and false is returned.
func (d *Debouncer[K]) Schedule(key K, delay time.Duration, action func()) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		action()
		return false
	}

	if prev, ok := d.pending[key]; ok {
		prev.timer.Stop()
		debounceReplaced.WithLabelValues(d.name).Inc()
	}
	d.seq++
	p := &pendingAction{gen: d.seq, action: action}
	d.pending[key] = p
	p.timer = d.clock.AfterFunc(delay, func() { d.fire(key, p.gen) })
	d.mu.Unlock()

	debounceScheduled.WithLabelValues(d.name).Inc()
	return true
}

// Cancel drops the pending action for key without running it.
func (d *Debouncer[K]) Cancel(key K) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[key]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(d.pending, key)
	return true
}

// CancelMatching drops every pending action whose key satisfies match.
func (d *Debouncer[K]) CancelMatching(match func(K) bool) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for key, p := range d.pending {
		if match(key) {
			p.timer.Stop()
			delete(d.pending, key)
			n++
		}
	}
	return n
}

// Pending reports the number of armed keys.
func (d *Debouncer[K]) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// IsPending reports whether key has an armed action.
func (d *Debouncer[K]) IsPending(key K) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[key]
	return ok
}

// Flush runs every pending action now, in the order they were scheduled.
func (d *Debouncer[K]) Flush() int {
	d.mu.Lock()
	actions := make([]*pendingAction, 0, len(d.pending))
	for key, p := range d.pending {
		p.timer.Stop()
		actions = append(actions, p)
		delete(d.pending, key)
	}
	d.mu.Unlock()

	sort.Slice(actions, func(i, j int) bool { return actions[i].gen < actions[j].gen })
	for _, p := range actions {
		p.action()
	}
	debounceFlushed.WithLabelValues(d.name).Add(float64(len(actions)))
	return len(actions)
}

// FlushKey runs the pending action for key now, if any.
func (d *Debouncer[K]) FlushKey(key K) bool {
	d.mu.Lock()
	p, ok := d.pending[key]
	if ok {
		p.timer.Stop()
		delete(d.pending, key)
	}
	d.mu.Unlock()

	if !ok {
		return false
	}
	p.action()
	debounceFlushed.WithLabelValues(d.name).Inc()
	return true
}

// Close flushes pending work. Later calls to Schedule run immediately.
func (d *Debouncer[K]) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.Flush()
}

func (d *Debouncer[K]) fire(key K, gen uint64) {
	d.mu.Lock()
	p, ok := d.pending[key]
	if !ok || p.gen != gen {
		// replaced or cancelled after the timer had already been dispatched
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.mu.Unlock()

	debounceFired.WithLabelValues(d.name).Inc()
	p.action()
}
