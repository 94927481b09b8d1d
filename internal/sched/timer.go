package sched

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/corekernel/internal/kerr"
)

// WindowPoster receives a timer message for a window-bound timer
// (§4.3 Timer service: "window -> post a timer message to that window").
type WindowPoster interface {
	PostTimerMessage(windowID uintptr)
}

// TimerEvent is one entry in the timer service's incoming FIFO.
type TimerEvent struct {
	Deadline time.Time
	Wake     ThreadHandle // non-zero: one-shot, wake this thread
	Window   WindowPoster // non-nil: one-shot, post to this window
	WindowID uintptr
}

const timerQueueCapacity = 512

// TimerService is the dedicated Realtime-priority timer thread of §4.3: it
// drains a bounded incoming FIFO into a locally-owned sorted vector, fires
// every event whose deadline has passed, then parks on a semaphore until
// either a new event is posted or the next deadline is reached.
//
// Grounded on the teacher's writer-goroutine pattern
// (internal/timeslice.writer.run: a dedicated goroutine draining a channel
// in a loop, woken by new sends), generalized from "flush timeslice records"
// to "fire expired timers".
type TimerService struct {
	sched *Scheduler

	incoming chan TimerEvent
	sem      chan struct{}

	mu     sync.Mutex
	vector []TimerEvent

	nextDeadline atomic.Int64 // UnixNano; 0 = none pending
	stop         chan struct{}
}

// NewTimerService constructs a timer service bound to sched (used to wake
// sleeping threads).
func NewTimerService(sched *Scheduler) *TimerService {
	return &TimerService{
		sched:    sched,
		incoming: make(chan TimerEvent, timerQueueCapacity),
		sem:      make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Post enqueues ev on the incoming FIFO and signals the service's
// semaphore, failing if the FIFO is full.
func (ts *TimerService) Post(ev TimerEvent) error {
	select {
	case ts.incoming <- ev:
	default:
		return fmt.Errorf("sched: timer service: %w: %d events pending", kerr.ErrOutOfMemory, timerQueueCapacity)
	}
	ts.signal()
	return nil
}

func (ts *TimerService) signal() {
	select {
	case ts.sem <- struct{}{}:
	default:
	}
}

// Wake signals the service's semaphore without posting a new event, used by
// Scheduler.next when it observes the next deadline has already passed
// (§4.3 Ready selection: "Wake the timer-service thread if the next-deadline
// timer has expired").
func (ts *TimerService) Wake() { ts.signal() }

// NextDeadlinePassed reports whether the earliest known deadline is now in
// the past.
func (ts *TimerService) NextDeadlinePassed() bool {
	d := ts.nextDeadline.Load()
	return d != 0 && time.Now().UnixNano() >= d
}

// Stop terminates the service's Run loop.
func (ts *TimerService) Stop() { close(ts.stop) }

// Run is the timer-service thread's body (§4.3 Timer service). It never
// returns until Stop is called.
func (ts *TimerService) Run() {
	for {
		select {
		case <-ts.stop:
			return
		default:
		}

		ts.drainIncoming()
		ts.sortVector()
		ts.fireExpired()

		wait := ts.waitDuration()
		select {
		case <-ts.stop:
			return
		case <-ts.sem:
		case <-time.After(wait):
		}
	}
}

func (ts *TimerService) drainIncoming() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for {
		select {
		case ev := <-ts.incoming:
			ts.vector = append(ts.vector, ev)
		default:
			return
		}
	}
}

func (ts *TimerService) sortVector() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	sort.Slice(ts.vector, func(i, j int) bool { return ts.vector[i].Deadline.Before(ts.vector[j].Deadline) })
}

func (ts *TimerService) fireExpired() {
	ts.mu.Lock()
	now := time.Now()
	var remaining []TimerEvent
	var fired []TimerEvent
	for _, ev := range ts.vector {
		if !ev.Deadline.After(now) {
			fired = append(fired, ev)
		} else {
			remaining = append(remaining, ev)
		}
	}
	ts.vector = remaining
	if len(remaining) > 0 {
		ts.nextDeadline.Store(remaining[0].Deadline.UnixNano())
	} else {
		ts.nextDeadline.Store(0)
	}
	ts.mu.Unlock()

	for _, ev := range fired {
		if ev.Wake != 0 {
			_ = ts.sched.Wake(ev.Wake)
		}
		if ev.Window != nil {
			ev.Window.PostTimerMessage(ev.WindowID)
		}
	}
}

func (ts *TimerService) waitDuration() time.Duration {
	d := ts.nextDeadline.Load()
	if d == 0 {
		return time.Second
	}
	until := time.Until(time.Unix(0, d))
	if until <= 0 {
		return time.Millisecond
	}
	return until
}
