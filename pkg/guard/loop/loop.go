// Package loop provides the single-threaded executor the dashboard core runs on.
//
// Every component of the core is confined to one goroutine. Blocking I/O
// (websocket dial and reads, HTTP calls) happens on helper goroutines that hand
// their results back through Post or Go, so no component state needs a lock.
package loop

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Scheduler is the surface components use to schedule work on the loop.
type Scheduler interface {
	// Now returns the scheduler's notion of the current time.
	Now() time.Time
	// Post queues fn to run on the loop. Safe to call from any goroutine.
	Post(fn func())
	// AfterFunc runs fn once on the loop after d.
	AfterFunc(name string, d time.Duration, fn func()) *Timer
	// Every runs fn on the loop every d until the timer is stopped.
	Every(name string, d time.Duration, fn func()) *Timer
	// Go runs job off the loop and then runs the continuation it returns
	// (if any) on the loop.
	Go(job func() func())
}

// Timer is a named, independently cancellable timer handle. It must only be
// used from the loop goroutine.
type Timer struct {
	name    string
	stopped bool
	release func()
}

// Name returns the timer name.
func (t *Timer) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}

// Active reports whether the timer can still fire.
func (t *Timer) Active() bool {
	return t != nil && !t.stopped
}

// Stop cancels the timer. The callback is guaranteed not to run after Stop
// returns, even when the underlying runtime timer has already fired and its
// callback is queued. Stop reports whether the timer was active.
func (t *Timer) Stop() bool {
	if t == nil || t.stopped {
		return false
	}
	t.stopped = true
	if t.release != nil {
		t.release()
	}
	return true
}

// Loop is the production Scheduler backed by a single goroutine.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
}

// New creates a loop. Nothing runs until Run is called.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
	}
}

// Now implements Scheduler.
func (l *Loop) Now() time.Time {
	return time.Now()
}

// Post implements Scheduler. Work posted after the loop stopped is dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
		// Loop already has a pending wake-up
	}
}

// AfterFunc implements Scheduler.
func (l *Loop) AfterFunc(name string, d time.Duration, fn func()) *Timer {
	t := &Timer{name: name}
	rt := time.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped {
				return
			}
			t.stopped = true
			fn()
		})
	})
	t.release = func() { rt.Stop() }
	return t
}

// Every implements Scheduler. The next tick is armed before fn runs, so a
// callback that stops its own timer cancels the following tick.
func (l *Loop) Every(name string, d time.Duration, fn func()) *Timer {
	t := &Timer{name: name}
	var arm func()
	arm = func() {
		rt := time.AfterFunc(d, func() {
			l.Post(func() {
				if t.stopped {
					return
				}
				arm()
				fn()
			})
		})
		t.release = func() { rt.Stop() }
	}
	arm()
	return t
}

// Go implements Scheduler.
func (l *Loop) Go(job func() func()) {
	go func() {
		if then := job(); then != nil {
			l.Post(then)
		}
	}()
}

// Call runs fn on the loop and waits for it to finish. It is meant for callers
// outside the loop, such as HTTP handlers; calling it from the loop deadlocks.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		fn()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the loop until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	log.Debug().Msg("Event loop started")
	defer log.Debug().Msg("Event loop stopped")

	for {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.closed = true
			l.queue = nil
			l.mu.Unlock()
			return ctx.Err()
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			batch := l.queue
			l.queue = nil
			l.mu.Unlock()

			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				fn()
			}
		}
	}
}
