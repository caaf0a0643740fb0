// Package actor multiplexes single-threaded actors onto a small pool of
// worker goroutines. An actor never blocks a worker: work that cannot make
// progress parks until something signals it.
package actor

import (
	"context"
	"runtime"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/downfa11-org/logstream/util"
)

var ErrSchedulerClosed = errors.New("actor: scheduler closed")

type Scheduler struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ready  []*Actor
	closed bool

	wg sync.WaitGroup
}

// NewScheduler starts workers goroutines. Zero means GOMAXPROCS.
func NewScheduler(workers int) *Scheduler {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	s := &Scheduler{}
	s.cond = sync.NewCond(&s.mu)

	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.worker()
	}
	return s
}

// NewActor creates an idle actor bound to this scheduler.
func (s *Scheduler) NewActor(name string) *Actor {
	return &Actor{name: name, s: s}
}

func (s *Scheduler) enqueue(a *Actor) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.ready = append(s.ready, a)
	s.cond.Signal()
	return true
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for len(s.ready) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.ready) == 0 {
			s.mu.Unlock()
			return
		}
		a := s.ready[0]
		s.ready[0] = nil
		s.ready = s.ready[1:]
		s.mu.Unlock()

		a.execute()
	}
}

// Close stops accepting work, lets the workers drain the ready queue and
// waits for them until ctx is done.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		util.Debug("[ACTOR] Scheduler stopped")
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "actor: scheduler shutdown")
	}
}
