package sched

import (
	"testing"
	"time"
)

func TestStatisticsSampleSetsLoadPercentAndBand(t *testing.T) {
	s, _ := newTestScheduler()
	st := NewStatisticsThread(s, time.Second)

	busy := s.Pool.Create("busy", PriorityNormal)
	busy.loadSamples.Store(1000) // 1000 ticks in a 1000ms window == 100%

	st.Sample()

	if busy.LoadPercent() < st.highWatermark {
		t.Fatalf("loadPercent = %d, want >= %d", busy.LoadPercent(), st.highWatermark)
	}
	if s.Band() != StateFullThrottle {
		t.Fatalf("band = %v, want FullThrottle after a fully busy sample", s.Band())
	}
}

func TestStatisticsSampleDropsToSavingWhenIdle(t *testing.T) {
	s, _ := newTestScheduler()
	st := NewStatisticsThread(s, time.Second)

	idleWork := s.Pool.Create("mostly-idle", PriorityNormal)
	idleWork.loadSamples.Store(10) // 1% load

	st.Sample()

	if s.Band() != StateSaving {
		t.Fatalf("band = %v, want Saving after a nearly-idle sample", s.Band())
	}
}

func TestStatisticsSampleLeavesDisabledUntouched(t *testing.T) {
	s, _ := newTestScheduler()
	s.SetBand(StateDisabled)
	st := NewStatisticsThread(s, time.Second)

	busy := s.Pool.Create("busy", PriorityNormal)
	busy.loadSamples.Store(1000)
	st.Sample()

	if s.Band() != StateDisabled {
		t.Fatalf("Disabled band must not be overridden by the statistics sweep")
	}
}
