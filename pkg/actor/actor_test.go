package actor_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/downfa11-org/logstream/pkg/actor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScheduler(t *testing.T, workers int) *actor.Scheduler {
	t.Helper()
	s := actor.NewScheduler(workers)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, s.Close(ctx))
	})
	return s
}

func TestJobsRunInOrderAndNeverOverlap(t *testing.T) {
	s := newScheduler(t, 4)
	a := s.NewActor("orderly")

	var running atomic.Int32
	var got []int
	var wg sync.WaitGroup
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		i := i
		a.Run(func() {
			defer wg.Done()
			if running.Add(1) != 1 {
				t.Errorf("job %d ran concurrently with another", i)
			}
			got = append(got, i)
			running.Add(-1)
		})
	}
	wg.Wait()

	require.Len(t, got, 1000)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestStepParksUntilSignal(t *testing.T) {
	s := newScheduler(t, 2)
	a := s.NewActor("parked")

	var calls atomic.Int32
	var budget atomic.Int32
	budget.Store(3)
	a.SetStep(func() bool {
		calls.Add(1)
		return budget.Add(-1) >= 0
	})

	// Three productive calls and one that parks.
	require.Eventually(t, func() bool { return calls.Load() == 4 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(4), calls.Load())

	a.Signal()
	require.Eventually(t, func() bool { return calls.Load() == 5 }, time.Second, time.Millisecond)
}

func TestNoLostWakeups(t *testing.T) {
	s := newScheduler(t, 4)
	a := s.NewActor("consumer")

	var produced, consumed atomic.Int64
	a.SetStep(func() bool {
		if consumed.Load() < produced.Load() {
			consumed.Add(1)
			return true
		}
		return false
	})

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				produced.Add(1)
				a.Signal()
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return consumed.Load() == 4000 }, 5*time.Second, time.Millisecond)
}

func TestCallWaitsForJob(t *testing.T) {
	s := newScheduler(t, 1)
	a := s.NewActor("caller")

	value := 0
	require.NoError(t, a.Call(context.Background(), func() { value = 42 }))
	assert.Equal(t, 42, value)
}

func TestConditionSignalsAllActors(t *testing.T) {
	s := newScheduler(t, 2)
	var cond actor.Condition

	var woken atomic.Int32
	for i := 0; i < 3; i++ {
		a := s.NewActor("waiter")
		first := true
		a.SetStep(func() bool {
			if first {
				first = false
				return false
			}
			woken.Add(1)
			return false
		})
		cond.Add(a)
	}

	time.Sleep(20 * time.Millisecond)
	cond.Signal()
	require.Eventually(t, func() bool { return woken.Load() == 3 }, time.Second, time.Millisecond)
}

type countingSignaler struct{ n atomic.Int32 }

func (c *countingSignaler) Signal() { c.n.Add(1) }

func TestConditionRemove(t *testing.T) {
	var cond actor.Condition
	cond.Signal()

	kept, removed := &countingSignaler{}, &countingSignaler{}
	cond.Add(kept)
	cond.Add(removed)
	cond.Signal()
	cond.Remove(removed)
	cond.Remove(&countingSignaler{})
	cond.Signal()

	assert.Equal(t, int32(2), kept.n.Load())
	assert.Equal(t, int32(1), removed.n.Load())
}

func TestClosedSchedulerDropsWork(t *testing.T) {
	s := actor.NewScheduler(1)
	require.NoError(t, s.Close(context.Background()))

	a := s.NewActor("late")
	ran := false
	a.Run(func() { ran = true })
	time.Sleep(10 * time.Millisecond)
	assert.False(t, ran)
}
