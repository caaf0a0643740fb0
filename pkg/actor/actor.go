package actor

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/downfa11-org/logstream/util"
)

// Actor runs its jobs and its step function one at a time on the scheduler.
// Run and Signal may be called from any goroutine.
type Actor struct {
	name string
	s    *Scheduler

	mu        sync.Mutex
	jobs      []func()
	step      func() bool
	stepReady bool
	// queued is true while the actor sits in the ready queue or runs.
	queued bool
}

func (a *Actor) Name() string { return a.name }

// Run schedules job to execute on the actor.
func (a *Actor) Run(job func()) {
	a.mu.Lock()
	a.jobs = append(a.jobs, job)
	a.scheduleLocked()
	a.mu.Unlock()
}

// Call runs job on the actor and waits for it to finish.
func (a *Actor) Call(ctx context.Context, job func()) error {
	done := make(chan struct{})
	a.Run(func() {
		defer close(done)
		job()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetStep installs the actor's consumer. The step reports whether it made
// progress; once it returns false it is not called again until Signal.
func (a *Actor) SetStep(step func() bool) {
	a.mu.Lock()
	a.step = step
	a.stepReady = step != nil
	if a.stepReady {
		a.scheduleLocked()
	}
	a.mu.Unlock()
}

// Signal marks the step runnable.
func (a *Actor) Signal() {
	a.mu.Lock()
	if a.step != nil {
		a.stepReady = true
		a.scheduleLocked()
	}
	a.mu.Unlock()
}

func (a *Actor) scheduleLocked() {
	if a.queued {
		return
	}
	if !a.s.enqueue(a) {
		util.Warn("[ACTOR] %s: scheduler closed, dropping %d jobs", a.name, len(a.jobs))
		a.jobs = nil
		a.stepReady = false
		return
	}
	a.queued = true
}

// execute runs one round: the pending jobs, then the step once. The actor
// goes back to the end of the ready queue if more work is left.
func (a *Actor) execute() {
	a.mu.Lock()
	jobs := a.jobs
	a.jobs = nil
	step := a.step
	runStep := a.stepReady && step != nil
	a.stepReady = false
	a.mu.Unlock()

	for _, job := range jobs {
		job()
	}
	progressed := runStep && step()

	a.mu.Lock()
	defer a.mu.Unlock()
	if progressed {
		a.stepReady = true
	}
	if len(a.jobs) == 0 && !a.stepReady {
		a.queued = false
		return
	}
	if !a.s.enqueue(a) {
		a.queued = false
		a.jobs = nil
		a.stepReady = false
	}
}

// Signaler is anything a Condition can wake. *Actor is one.
type Signaler interface {
	Signal()
}

// Condition wakes a set of signalers together. Signal never blocks on Add or
// Remove, so it is safe on hot publish paths.
type Condition struct {
	signalers atomic.Pointer[[]Signaler]
}

func (c *Condition) Add(sig Signaler) {
	for {
		old := c.signalers.Load()
		var next []Signaler
		if old != nil {
			next = append(next, *old...)
		}
		next = append(next, sig)
		if c.signalers.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (c *Condition) Remove(sig Signaler) {
	for {
		old := c.signalers.Load()
		if old == nil {
			return
		}
		next := make([]Signaler, 0, len(*old))
		for _, x := range *old {
			if x != sig {
				next = append(next, x)
			}
		}
		if c.signalers.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Signal signals every registered signaler.
func (c *Condition) Signal() {
	list := c.signalers.Load()
	if list == nil {
		return
	}
	for _, sig := range *list {
		sig.Signal()
	}
}
