package sched

import "time"

// StatisticsThread is §4.3's second dedicated thread: it samples CPU load
// per-thread roughly every second and drives the global state band with
// hysteresis.
type StatisticsThread struct {
	sched    *Scheduler
	interval time.Duration
	stop     chan struct{}

	// Below lowWatermark the band drops to Saving; above highWatermark it
	// rises to FullThrottle (§4.3 Statistics: "<45% -> Saving, >90% ->
	// FullThrottle").
	lowWatermark  uint32
	highWatermark uint32
}

// NewStatisticsThread constructs the statistics sweep with the default
// hysteresis thresholds.
func NewStatisticsThread(sched *Scheduler, interval time.Duration) *StatisticsThread {
	if interval <= 0 {
		interval = time.Second
	}
	return &StatisticsThread{
		sched:         sched,
		interval:      interval,
		stop:          make(chan struct{}),
		lowWatermark:  450,
		highWatermark: 900,
	}
}

// Stop terminates the Run loop.
func (st *StatisticsThread) Stop() { close(st.stop) }

// Run periodically calls Sample until Stop is called.
func (st *StatisticsThread) Run() {
	ticker := time.NewTicker(st.interval)
	defer ticker.Stop()
	for {
		select {
		case <-st.stop:
			return
		case <-ticker.C:
			st.Sample()
		}
	}
}

// Sample performs one sweep: swaps every thread's load-sample counter into
// a scaled 0..1000 percentage, then recomputes the global state band from
// the average.
func (st *StatisticsThread) Sample() {
	threads := st.sched.Pool.Snapshot()
	expected := uint64(st.interval / time.Millisecond) // ticks are modeled as 1ms units

	var sum uint64
	var counted int
	for _, t := range threads {
		if t.Priority == PriorityIdle {
			continue
		}
		ticks := t.swapLoadSample()
		percent := uint32(0)
		if expected > 0 {
			percent = uint32((ticks * 1000) / expected)
		}
		if percent > 1000 {
			percent = 1000
		}
		t.loadPercent.Store(percent)
		sum += uint64(percent)
		counted++
	}

	if counted == 0 {
		return
	}
	avg := uint32(sum / uint64(counted))

	if st.sched.Band() == StateDisabled {
		return
	}
	switch {
	case avg < st.lowWatermark:
		st.sched.SetBand(StateSaving)
	case avg > st.highWatermark:
		st.sched.SetBand(StateFullThrottle)
	default:
		st.sched.SetBand(StateRunning)
	}
}
