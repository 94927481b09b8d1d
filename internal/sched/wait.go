package sched

import (
	"fmt"
	"sync"
	"time"

	"github.com/tinyrange/corekernel/internal/kerr"
)

// Signal is a signalling object threads can wait on (§4.3 Sleep/wait:
// "wait_for(object, duration) optionally records the waiter on a
// signalling object"). Construction is intentionally minimal: it only
// tracks which threads are parked, leaving whatever predicate the caller
// is waiting for to the caller.
type Signal struct {
	mu      sync.Mutex
	waiters []ThreadHandle
}

func (sig *Signal) addWaiter(h ThreadHandle) {
	sig.mu.Lock()
	defer sig.mu.Unlock()
	sig.waiters = append(sig.waiters, h)
}

// Broadcast wakes every thread currently waiting on sig.
func (sig *Signal) Broadcast(s *Scheduler) {
	sig.mu.Lock()
	waiters := sig.waiters
	sig.waiters = nil
	sig.mu.Unlock()

	for _, h := range waiters {
		_ = s.Wake(h)
	}
}

// WaitFor implements §4.3's wait_for: optionally registers t as a waiter on
// sig, optionally programs a one-shot timer that wakes t after duration,
// then sleeps t. Returns an error, without sleeping t, if a timer was
// requested but no timer service is attached or its FIFO is full.
func (s *Scheduler) WaitFor(l *Local, t *Thread, sig *Signal, duration time.Duration) error {
	if sig != nil {
		sig.addWaiter(t.Handle)
	}
	if duration > 0 {
		if s.Timers == nil {
			return fmt.Errorf("sched: wait_for: %w: no timer service attached", kerr.ErrInvalidParameter)
		}
		if err := s.Timers.Post(TimerEvent{Deadline: time.Now().Add(duration), Wake: t.Handle}); err != nil {
			return err
		}
	}
	s.Sleep(l, t)
	return nil
}
