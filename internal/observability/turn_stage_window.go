package observability

import (
	"math"
	"slices"
	"sort"
	"sync"
	"time"
)

// turnStages lists the stages a turn passes through, in order, with the p95
// each one is expected to stay under.
var turnStages = []struct {
	name        string
	targetP95MS float64
}{
	{"persist_inbound", 50},
	{"build_context", 50},
	{"completion", 4000},
	{"persist_outbound", 50},
	{"turn_total", 4500},
}

// TurnStageStats summarizes the recent samples of one turn stage.
type TurnStageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms"`
	OverTarget  int     `json:"over_target"`
}

// TurnIndicator counts notable turn outcomes such as fallback replies.
type TurnIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type TurnStageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []TurnStageStats `json:"stages"`
	Indicators  []TurnIndicator  `json:"indicators,omitempty"`
}

// sampleRing holds the newest len(values) samples of one stage.
type sampleRing struct {
	values []float64
	n      int
	pos    int
}

func (r *sampleRing) add(ms float64) {
	r.values[r.pos] = ms
	r.pos = (r.pos + 1) % len(r.values)
	if r.n < len(r.values) {
		r.n++
	}
}

func (r *sampleRing) last() float64 {
	return r.values[(r.pos-1+len(r.values))%len(r.values)]
}

// turnStageWindow keeps a rolling latency window per turn stage. Stages not
// in turnStages are ignored.
type turnStageWindow struct {
	mu         sync.Mutex
	size       int
	rings      map[string]*sampleRing
	indicators map[string]int
}

func newTurnStageWindow(size int) *turnStageWindow {
	if size <= 0 {
		size = 256
	}
	rings := make(map[string]*sampleRing, len(turnStages))
	for _, st := range turnStages {
		rings[st.name] = &sampleRing{values: make([]float64, size)}
	}
	return &turnStageWindow{size: size, rings: rings, indicators: make(map[string]int)}
}

func (w *turnStageWindow) Observe(stage string, ms float64) {
	if ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if r, ok := w.rings[stage]; ok {
		r.add(ms)
	}
}

func (w *turnStageWindow) ObserveIndicator(name string) {
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

// Snapshot reports stages in turn order, skipping stages with no samples.
func (w *turnStageWindow) Snapshot() TurnStageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := TurnStageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]TurnStageStats, 0, len(turnStages)),
	}
	for _, st := range turnStages {
		r := w.rings[st.name]
		if r.n == 0 {
			continue
		}
		sorted := slices.Clone(r.values[:r.n])
		slices.Sort(sorted)

		var sum float64
		over := 0
		for _, v := range sorted {
			sum += v
			if v > st.targetP95MS {
				over++
			}
		}
		snap.Stages = append(snap.Stages, TurnStageStats{
			Stage:       st.name,
			Samples:     r.n,
			LastMS:      round2(r.last()),
			AvgMS:       round2(sum / float64(r.n)),
			P50MS:       round2(nearestRank(sorted, 0.50)),
			P95MS:       round2(nearestRank(sorted, 0.95)),
			P99MS:       round2(nearestRank(sorted, 0.99)),
			TargetP95MS: st.targetP95MS,
			OverTarget:  over,
		})
	}

	for name, count := range w.indicators {
		snap.Indicators = append(snap.Indicators, TurnIndicator{Name: name, Count: count})
	}
	sort.Slice(snap.Indicators, func(i, j int) bool {
		return snap.Indicators[i].Name < snap.Indicators[j].Name
	})
	return snap
}

// nearestRank returns the q-quantile of sorted (non-empty, ascending).
func nearestRank(sorted []float64, q float64) float64 {
	rank := int(math.Ceil(q * float64(len(sorted))))
	return sorted[min(max(rank, 1), len(sorted))-1]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
