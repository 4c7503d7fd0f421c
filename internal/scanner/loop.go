package scanner

import (
	"context"
	"sync"
	"time"
)

// Loop is a single-threaded cooperative scheduler. Tasks posted to it run to
// completion one at a time, in order, on whichever goroutine drives the loop
// (Run in production, RunUntilIdle in tests). Named debounce timers post
// their task back into the queue when they fire; re-arming an outstanding
// timer is a no-op, so rapid event storms collapse into a single scheduled
// pass.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	timers map[string]*loopTimer
	wake   chan struct{}
}

type loopTimer struct {
	timer *time.Timer
	fn    func()
}

// NewLoop constructs an empty loop.
func NewLoop() *Loop {
	return &Loop{
		timers: make(map[string]*loopTimer),
		wake:   make(chan struct{}, 1),
	}
}

// Post enqueues a task.
func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Debounce arms a named timer that posts fn after d. While the timer is
// outstanding further Debounce calls with the same name do nothing.
func (l *Loop) Debounce(name string, d time.Duration, fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, armed := l.timers[name]; armed {
		return
	}
	lt := &loopTimer{fn: fn}
	lt.timer = time.AfterFunc(d, func() {
		l.mu.Lock()
		delete(l.timers, name)
		l.mu.Unlock()
		l.Post(fn)
	})
	l.timers[name] = lt
}

// Pending reports whether the named timer is outstanding.
func (l *Loop) Pending(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, armed := l.timers[name]
	return armed
}

// Flush fires an outstanding named timer immediately, posting its task. Used
// by tests and by teardown paths that must not wait out a debounce delay.
func (l *Loop) Flush(name string) {
	l.mu.Lock()
	lt, ok := l.timers[name]
	if ok {
		lt.timer.Stop()
		delete(l.timers, name)
	}
	l.mu.Unlock()
	if ok {
		l.Post(lt.fn)
	}
}

// RunUntilIdle drains the queue on the calling goroutine and returns the
// number of tasks executed. Outstanding timers are left armed.
func (l *Loop) RunUntilIdle() int {
	n := 0
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return n
		}
		fn := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()

		fn()
		n++
	}
}

// Run drives the loop until ctx is done, sleeping between bursts of work.
func (l *Loop) Run(ctx context.Context) {
	for {
		l.RunUntilIdle()
		select {
		case <-ctx.Done():
			l.stopTimers()
			return
		case <-l.wake:
		}
	}
}

func (l *Loop) stopTimers() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for name, lt := range l.timers {
		lt.timer.Stop()
		delete(l.timers, name)
	}
}
