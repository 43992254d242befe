package observability

import (
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Latency stages tracked by the rolling window. Turn stages are measured
// on the producer. Stream stages come from device playback reports.
const (
	StageTurnToFirstPhrase   = "turn_to_first_phrase"
	StageTurnToFirstAudio    = "turn_to_first_audio"
	StagePhraseGeneration    = "phrase_generation"
	StageRecordingTranscript = "recording_to_transcript"
	StageTurnTotal           = "turn_total"

	// StageStreamFirstBurst runs from stream_start arriving on the device
	// to its first burst reaching the sink.
	StageStreamFirstBurst = "stream_start_to_first_burst"
	// StageDrainOverrun is how much longer a stream took to play than the
	// audio it carried.
	StageDrainOverrun = "stream_drain_overrun"
)

// Event counters reported next to the stages.
const (
	IndicatorBargeIn       = "barge_in"
	IndicatorDrainOverrun  = "drain_overrun"
	IndicatorStreamAborted = "stream_aborted"
	// Suffixed with the device's reject reason.
	IndicatorDeviceRejectPrefix = "device_rejected_"
)

// stageBudgetsMS holds the p95 each stage is expected to stay under.
var stageBudgetsMS = map[string]float64{
	StageTurnToFirstPhrase:   600,
	StageTurnToFirstAudio:    1400,
	StagePhraseGeneration:    1500,
	StageRecordingTranscript: 500,
	StageTurnTotal:           8000,
	StageStreamFirstBurst:    250,
	StageDrainOverrun:        500,
}

// StageBudget returns the latency budget of a stage, or zero when the
// stage has none.
func StageBudget(stage string) time.Duration {
	return time.Duration(stageBudgetsMS[stage] * float64(time.Millisecond))
}

type StageStats struct {
	Stage    string  `json:"stage"`
	Samples  int     `json:"samples"`
	LastMS   float64 `json:"last_ms"`
	MeanMS   float64 `json:"mean_ms"`
	P50MS    float64 `json:"p50_ms"`
	P95MS    float64 `json:"p95_ms"`
	MaxMS    float64 `json:"max_ms"`
	BudgetMS float64 `json:"budget_ms,omitempty"`
	// OverBudget counts samples in the window above BudgetMS.
	OverBudget int `json:"over_budget,omitempty"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// StageSnapshot is the JSON body of /v1/perf/latency.
type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Window      int          `json:"window"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

type sample struct {
	ms   float64
	over bool
}

// sampleRing keeps the newest samples of one stage.
type sampleRing struct {
	buf  []sample
	head int
	size int
}

func (r *sampleRing) add(s sample) {
	r.buf[r.head] = s
	r.head = (r.head + 1) % len(r.buf)
	r.size = min(r.size+1, len(r.buf))
}

func (r *sampleRing) last() sample {
	return r.buf[(r.head-1+len(r.buf))%len(r.buf)]
}

func (r *sampleRing) stats(stage string) StageStats {
	ms := make([]float64, 0, r.size)
	st := StageStats{Stage: stage, Samples: r.size, BudgetMS: stageBudgetsMS[stage]}
	sum := 0.0
	for _, s := range r.buf[:r.size] {
		ms = append(ms, s.ms)
		sum += s.ms
		if s.over {
			st.OverBudget++
		}
	}
	slices.Sort(ms)
	st.LastMS = round2(r.last().ms)
	st.MeanMS = round2(sum / float64(r.size))
	st.P50MS = round2(nearestRank(ms, 0.50))
	st.P95MS = round2(nearestRank(ms, 0.95))
	st.MaxMS = round2(ms[len(ms)-1])
	return st
}

// stageWindow is a rolling per-stage latency record plus event counters.
type stageWindow struct {
	mu         sync.Mutex
	capacity   int
	rings      map[string]*sampleRing
	indicators map[string]int
}

func newStageWindow(capacity int) *stageWindow {
	if capacity <= 0 {
		capacity = 256
	}
	w := &stageWindow{capacity: capacity}
	w.reset()
	return w
}

func (w *stageWindow) observe(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	budget, hasBudget := stageBudgetsMS[stage]

	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rings[stage]
	if r == nil {
		r = &sampleRing{buf: make([]sample, w.capacity)}
		w.rings[stage] = r
	}
	r.add(sample{ms: ms, over: hasBudget && ms > budget})
}

func (w *stageWindow) count(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

func (w *stageWindow) snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		Window:      w.capacity,
		Stages:      make([]StageStats, 0, len(w.rings)),
	}
	for _, stage := range slices.Sorted(maps.Keys(w.rings)) {
		snap.Stages = append(snap.Stages, w.rings[stage].stats(stage))
	}
	for _, name := range slices.Sorted(maps.Keys(w.indicators)) {
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: w.indicators[name]})
	}
	return snap
}

func (w *stageWindow) reset() {
	w.mu.Lock()
	w.rings = make(map[string]*sampleRing)
	w.indicators = make(map[string]int)
	w.mu.Unlock()
}

// nearestRank picks the sample at rank ceil(q*n) of a sorted slice.
func nearestRank(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q * float64(len(sorted))))
	return sorted[min(max(rank, 1), len(sorted))-1]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
