package server

import "sync"

// Loop is the single goroutine every piece of protocol state is confined
// to. Connection readers and engine completions post work onto it; the loop
// executes posted functions strictly in order.
type Loop struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	stopped bool
	done    chan struct{}
}

// NewLoop returns a loop ready to run.
func NewLoop() *Loop {
	l := &Loop{done: make(chan struct{})}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Run consumes posted tasks until Stop. It must be called exactly once,
// from its own goroutine. On Stop it finishes the tasks already queued
// before returning.
func (l *Loop) Run() {
	defer close(l.done)
	l.mu.Lock()
	for {
		for len(l.queue) == 0 {
			if l.stopped {
				l.mu.Unlock()
				return
			}
			l.cond.Wait()
		}
		fn := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()
		fn()
		l.mu.Lock()
	}
}

// Post schedules fn onto the loop. It never blocks, so tasks running on the
// loop may post more work freely. Posts after Stop are dropped silently: a
// completion racing shutdown has nothing left to update.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.queue = append(l.queue, fn)
	l.cond.Signal()
}

// Stop terminates the loop and waits for Run to return. Already-posted
// tasks still execute.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.stopped {
		l.stopped = true
		l.cond.Signal()
	}
	l.mu.Unlock()
	<-l.done
}
