package loop

import (
	"container/heap"
	"sort"
	"sync"
	"time"
)

// Virtual is a deterministic Scheduler driven by an explicit clock. Timers
// only fire inside Advance and posted work only runs inside RunPending or
// Advance, always on the caller's goroutine. Go runs the job inline and
// queues its continuation.
type Virtual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers timerQueue
	posted []func()
}

// NewVirtual creates a virtual scheduler whose clock starts at start.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start}
}

// Now implements Scheduler.
func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

// Post implements Scheduler. Safe to call from any goroutine.
func (v *Virtual) Post(fn func()) {
	v.mu.Lock()
	v.posted = append(v.posted, fn)
	v.mu.Unlock()
}

// AfterFunc implements Scheduler.
func (v *Virtual) AfterFunc(name string, d time.Duration, fn func()) *Timer {
	t := &Timer{name: name}
	v.schedule(t, d, func() {
		t.stopped = true
		fn()
	})
	return t
}

// Every implements Scheduler.
func (v *Virtual) Every(name string, d time.Duration, fn func()) *Timer {
	t := &Timer{name: name}
	var tick func()
	tick = func() {
		v.schedule(t, d, tick)
		fn()
	}
	v.schedule(t, d, tick)
	return t
}

// Go implements Scheduler.
func (v *Virtual) Go(job func() func()) {
	if then := job(); then != nil {
		v.Post(then)
	}
}

// RunPending runs posted work until the queue is empty and returns how many
// closures ran.
func (v *Virtual) RunPending() int {
	ran := 0
	for {
		v.mu.Lock()
		batch := v.posted
		v.posted = nil
		v.mu.Unlock()

		if len(batch) == 0 {
			return ran
		}
		for _, fn := range batch {
			fn()
			ran++
		}
	}
}

// Advance moves the clock forward by d, firing due timers in order and
// draining posted work between them.
func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	target := v.now.Add(d)
	v.mu.Unlock()

	v.RunPending()
	for {
		v.mu.Lock()
		if len(v.timers) == 0 || v.timers[0].at.After(target) {
			v.now = target
			v.mu.Unlock()
			break
		}
		e := heap.Pop(&v.timers).(*timerEntry)
		v.now = e.at
		v.mu.Unlock()

		if !e.timer.stopped {
			e.fire()
		}
		v.RunPending()
	}
	v.RunPending()
}

// ActiveTimers returns the sorted names of timers that can still fire.
// Periodic timers appear once.
func (v *Virtual) ActiveTimers() []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	seen := make(map[*Timer]bool)
	var names []string
	for _, e := range v.timers {
		if e.timer.stopped || seen[e.timer] {
			continue
		}
		seen[e.timer] = true
		names = append(names, e.timer.name)
	}
	sort.Strings(names)
	return names
}

// CountActive returns how many active timers carry name.
func (v *Virtual) CountActive(name string) int {
	n := 0
	for _, active := range v.ActiveTimers() {
		if active == name {
			n++
		}
	}
	return n
}

func (v *Virtual) schedule(t *Timer, d time.Duration, fire func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seq++
	heap.Push(&v.timers, &timerEntry{
		at:    v.now.Add(d),
		seq:   v.seq,
		timer: t,
		fire:  fire,
	})
}

type timerEntry struct {
	at    time.Time
	seq   uint64
	timer *Timer
	fire  func()
}

type timerQueue []*timerEntry

func (q timerQueue) Len() int { return len(q) }

func (q timerQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].seq < q[j].seq
	}
	return q[i].at.Before(q[j].at)
}

func (q timerQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *timerQueue) Push(x any) { *q = append(*q, x.(*timerEntry)) }

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}
