package sched

import (
	"testing"
	"time"
)

func TestTimerServiceFiresOneShotWake(t *testing.T) {
	s, _ := newTestScheduler()
	s.Timers = NewTimerService(s)
	go s.Timers.Run()
	defer s.Timers.Stop()

	th := s.Pool.Create("sleeper", PriorityNormal)
	th.setAttr(attrAsleep)
	th.testAndSetAttr(attrQueued)

	if err := s.Timers.Post(TimerEvent{Deadline: time.Now().Add(10 * time.Millisecond), Wake: th.Handle}); err != nil {
		t.Fatalf("Post: %v", err)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if th.testAttr(attrAwake) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timer never woke the sleeping thread")
}

func TestTimerServiceQueueBound(t *testing.T) {
	ts := NewTimerService(nil)
	for i := 0; i < timerQueueCapacity; i++ {
		if err := ts.Post(TimerEvent{Deadline: time.Now().Add(time.Hour)}); err != nil {
			t.Fatalf("Post %d: %v", i, err)
		}
	}
	if err := ts.Post(TimerEvent{Deadline: time.Now().Add(time.Hour)}); err == nil {
		t.Fatalf("expected error once the incoming FIFO is full")
	}
}
