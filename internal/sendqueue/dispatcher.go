// Package sendqueue implements a per-address serial send queue: sends to
// the same recipient address run one at a time (so the 409/410 recovery
// dance in internal/outgoing is atomic with respect to that peer's
// session state), while sends to different addresses proceed
// concurrently. Each address gets its own goroutine pumping a buffered
// channel, a per-connection-actor shape keyed here by recipient address
// instead of by connection.
package sendqueue

import (
	"context"
	"sync"
	"time"
)

// DefaultIdleReap is how long an address's queue sits empty before its
// goroutine is reaped.
const DefaultIdleReap = 5 * time.Minute

type task struct {
	ctx context.Context
	fn  func(ctx context.Context)
}

type queue struct {
	jobs chan task

	mu       sync.Mutex
	lastSeen time.Time
}

// Dispatcher fans work out to one serial goroutine per key, creating
// queues lazily and reaping ones that have been idle past idleReap.
type Dispatcher struct {
	idleReap time.Duration

	mu     sync.Mutex
	queues map[string]*queue
	closed bool

	stopReaper chan struct{}
	reaperDone chan struct{}
}

// New constructs a Dispatcher. idleReap <= 0 disables reaping (queues
// live for the Dispatcher's lifetime).
func New(idleReap time.Duration) *Dispatcher {
	d := &Dispatcher{
		idleReap:   idleReap,
		queues:     make(map[string]*queue),
		stopReaper: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	if idleReap > 0 {
		go d.reapLoop()
	} else {
		close(d.reaperDone)
	}
	return d
}

// Enqueue schedules fn to run on key's serial queue. It returns once fn
// has been handed to the queue (not once fn has run); fn itself receives
// ctx when it is eventually invoked, or it is dropped unrun if ctx is
// already done by the time the queue reaches it — Enqueue never blocks
// past ctx's cancellation waiting for queue space.
func (d *Dispatcher) Enqueue(ctx context.Context, key string, fn func(ctx context.Context)) {
	q := d.queueFor(key)
	select {
	case q.jobs <- task{ctx: ctx, fn: fn}:
	case <-ctx.Done():
	}
}

func (d *Dispatcher) queueFor(key string) *queue {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[key]
	if !ok {
		q = &queue{jobs: make(chan task, 64), lastSeen: time.Now()}
		d.queues[key] = q
		go q.run()
	}
	q.touch()
	return q
}

func (q *queue) touch() {
	q.mu.Lock()
	q.lastSeen = time.Now()
	q.mu.Unlock()
}

func (q *queue) idleSince() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return time.Since(q.lastSeen)
}

func (q *queue) run() {
	for t := range q.jobs {
		if t.ctx.Err() != nil {
			continue
		}
		t.fn(t.ctx)
	}
}

func (d *Dispatcher) reapLoop() {
	defer close(d.reaperDone)
	ticker := time.NewTicker(d.idleReap)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopReaper:
			return
		case <-ticker.C:
			d.reapIdle()
		}
	}
}

func (d *Dispatcher) reapIdle() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, q := range d.queues {
		if len(q.jobs) == 0 && q.idleSince() >= d.idleReap {
			close(q.jobs)
			delete(d.queues, key)
		}
	}
}

// Shutdown stops the reaper and closes every live queue, letting already
// enqueued jobs drain before their goroutines exit.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.stopReaper)
	for key, q := range d.queues {
		close(q.jobs)
		delete(d.queues, key)
	}
	d.mu.Unlock()
	<-d.reaperDone
}
