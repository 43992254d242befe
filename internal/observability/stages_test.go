package observability

import (
	"fmt"
	"testing"
	"time"
)

func TestStageWindowSnapshot(t *testing.T) {
	w := newStageWindow(8)
	w.observe(StageTurnToFirstAudio, 500*time.Millisecond)
	w.observe(StageTurnToFirstAudio, 1500*time.Millisecond)
	w.observe(StageTurnToFirstAudio, 900*time.Millisecond)
	w.count(IndicatorBargeIn)
	w.count(IndicatorBargeIn)
	w.count("  ")

	snap := w.snapshot()
	if snap.Window != 8 {
		t.Fatalf("Window = %d, want 8", snap.Window)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != StageTurnToFirstAudio || s.Samples != 3 {
		t.Fatalf("stage = %+v", s)
	}
	if s.LastMS != 900 || s.P50MS != 900 || s.P95MS != 1500 || s.MaxMS != 1500 {
		t.Fatalf("latencies = %+v", s)
	}
	if s.MeanMS != 966.67 {
		t.Fatalf("MeanMS = %.2f, want 966.67", s.MeanMS)
	}
	if s.BudgetMS != 1400 || s.OverBudget != 1 {
		t.Fatalf("budget = %.0f over = %d, want 1400 and 1", s.BudgetMS, s.OverBudget)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0] != (Indicator{Name: IndicatorBargeIn, Count: 2}) {
		t.Fatalf("Indicators = %+v", snap.Indicators)
	}
}

func TestStageWindowKeepsNewestSamples(t *testing.T) {
	w := newStageWindow(2)
	w.observe(StageStreamFirstBurst, 400*time.Millisecond)
	w.observe(StageStreamFirstBurst, 10*time.Millisecond)
	w.observe(StageStreamFirstBurst, 20*time.Millisecond)
	w.observe(StageStreamFirstBurst, -time.Millisecond)

	s := w.snapshot().Stages[0]
	if s.Samples != 2 || s.LastMS != 20 || s.MaxMS != 20 {
		t.Fatalf("stage = %+v, want the two newest samples", s)
	}
	if s.OverBudget != 0 {
		t.Fatalf("OverBudget = %d, want the evicted slow sample forgotten", s.OverBudget)
	}
}

func TestNearestRank(t *testing.T) {
	sorted := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	cases := []struct {
		q    float64
		want float64
	}{
		{0, 1},
		{0.5, 5},
		{0.95, 10},
		{1, 10},
	}
	for _, tc := range cases {
		if got := nearestRank(sorted, tc.q); got != tc.want {
			t.Fatalf("nearestRank(%.2f) = %.0f, want %.0f", tc.q, got, tc.want)
		}
	}
	if got := nearestRank(nil, 0.5); got != 0 {
		t.Fatalf("nearestRank(nil) = %.0f, want 0", got)
	}
}

func TestObserveStreamPlaybackFlagsDrainOverrun(t *testing.T) {
	m := NewMetrics(fmt.Sprintf("kioskvoice_test_playback_%d", time.Now().UnixNano()))
	m.ObserveStreamPlayback(30*time.Millisecond, 1100*time.Millisecond, time.Second)
	m.ObserveStreamPlayback(0, 2500*time.Millisecond, time.Second)
	m.ObserveStreamPlayback(20*time.Millisecond, 0, time.Second)

	snap := m.StageSnapshot()
	if len(snap.Stages) != 2 {
		t.Fatalf("len(Stages) = %d, want 2", len(snap.Stages))
	}
	overrun, burst := snap.Stages[0], snap.Stages[1]
	if burst.Stage != StageStreamFirstBurst || burst.Samples != 2 || burst.LastMS != 20 {
		t.Fatalf("first burst stage = %+v", burst)
	}
	if overrun.Stage != StageDrainOverrun || overrun.Samples != 2 || overrun.MaxMS != 1500 || overrun.OverBudget != 1 {
		t.Fatalf("drain overrun stage = %+v", overrun)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0] != (Indicator{Name: IndicatorDrainOverrun, Count: 1}) {
		t.Fatalf("Indicators = %+v", snap.Indicators)
	}
}

func TestMetricsStageSnapshotAndReset(t *testing.T) {
	m := NewMetrics(fmt.Sprintf("kioskvoice_test_stages_%d", time.Now().UnixNano()))
	m.ObservePhrase("completed", 250*time.Millisecond, 1044)
	m.ObserveFirstAudioLatency(300 * time.Millisecond)
	m.ObserveIndicator(IndicatorStreamAborted)

	snap := m.StageSnapshot()
	if len(snap.Stages) != 2 {
		t.Fatalf("len(Stages) = %d, want 2", len(snap.Stages))
	}
	if snap.Stages[0].Stage != StagePhraseGeneration || snap.Stages[0].LastMS != 250 {
		t.Fatalf("Stages[0] = %+v", snap.Stages[0])
	}
	if snap.Stages[1].Stage != StageTurnToFirstAudio || snap.Stages[1].LastMS != 300 {
		t.Fatalf("Stages[1] = %+v", snap.Stages[1])
	}

	m.ResetStages()
	if snap := m.StageSnapshot(); len(snap.Stages) != 0 || len(snap.Indicators) != 0 {
		t.Fatalf("snapshot after reset = %+v", snap)
	}
}
