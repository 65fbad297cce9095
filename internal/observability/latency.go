package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

const (
	StageUpstreamOpen         = "setup_to_upstream_open"
	StageFirstUpstreamMessage = "setup_to_first_message"
)

type StageLatency struct {
	Stage   string  `json:"stage"`
	Samples int     `json:"samples"`
	LastMS  float64 `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
	MaxMS   float64 `json:"max_ms"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Limit       int            `json:"limit"`
	Stages      []StageLatency `json:"stages"`
}

// recentLatencies holds the newest limit samples per stage, oldest first.
type recentLatencies struct {
	mu      sync.Mutex
	limit   int
	samples map[string][]float64
}

func newRecentLatencies(limit int) *recentLatencies {
	if limit <= 0 {
		limit = 256
	}
	return &recentLatencies{limit: limit, samples: make(map[string][]float64)}
}

func (r *recentLatencies) add(stage string, ms float64) {
	if ms < 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s := append(r.samples[stage], ms)
	if len(s) > r.limit {
		s = s[len(s)-r.limit:]
	}
	r.samples[stage] = s
}

func (r *recentLatencies) snapshot() LatencySnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := LatencySnapshot{GeneratedAt: time.Now().UTC(), Limit: r.limit, Stages: []StageLatency{}}
	for stage, s := range r.samples {
		sorted := append([]float64(nil), s...)
		sort.Float64s(sorted)
		total := 0.0
		for _, v := range sorted {
			total += v
		}
		snap.Stages = append(snap.Stages, StageLatency{
			Stage:   stage,
			Samples: len(sorted),
			LastMS:  s[len(s)-1],
			AvgMS:   math.Round(total/float64(len(sorted))*100) / 100,
			P50MS:   nearestRank(sorted, 50),
			P95MS:   nearestRank(sorted, 95),
			MaxMS:   sorted[len(sorted)-1],
		})
	}
	sort.Slice(snap.Stages, func(i, j int) bool { return snap.Stages[i].Stage < snap.Stages[j].Stage })
	return snap
}

// nearestRank returns the smallest sample with at least pct% of samples at or
// below it. sorted must be non-empty.
func nearestRank(sorted []float64, pct int) float64 {
	rank := int(math.Ceil(float64(pct) / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
