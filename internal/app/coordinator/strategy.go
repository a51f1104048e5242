package coordinator

import (
	"fmt"
	"math"
	"strings"

	"foreman/internal/domain/worker"
)

// Strategy selects a worker among healthy, available candidates.
type Strategy string

const (
	RoundRobin      Strategy = "round_robin"
	LeastLoaded     Strategy = "least_loaded"
	CapabilityMatch Strategy = "capability_match"
	CostOptimized   Strategy = "cost_optimized"
	FastestResponse Strategy = "fastest_response"
)

// Strategies lists every routing strategy.
func Strategies() []Strategy {
	return []Strategy{RoundRobin, LeastLoaded, CapabilityMatch, CostOptimized, FastestResponse}
}

// ParseStrategy maps a name to a Strategy; empty means least_loaded.
func ParseStrategy(name string) (Strategy, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return LeastLoaded, nil
	}
	for _, s := range Strategies() {
		if string(s) == name {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown routing strategy %q", name)
}

// minBy returns the first candidate with the smallest key.
func minBy(candidates []*worker.Worker, key func(*worker.Worker) float64) *worker.Worker {
	var best *worker.Worker
	bestKey := math.Inf(1)
	for _, w := range candidates {
		if k := key(w); best == nil || k < bestKey {
			best, bestKey = w, k
		}
	}
	return best
}

func leastLoaded(candidates []*worker.Worker) *worker.Worker {
	return minBy(candidates, (*worker.Worker).LoadPercentage)
}

func cheapest(candidates []*worker.Worker) *worker.Worker {
	return minBy(candidates, func(w *worker.Worker) float64 { return w.DailyCost })
}

func fastest(candidates []*worker.Worker) *worker.Worker {
	return minBy(candidates, func(w *worker.Worker) float64 { return w.AvgTaskDurationMs })
}

func capable(candidates []*worker.Worker, required []string) []*worker.Worker {
	out := make([]*worker.Worker, 0, len(candidates))
	for _, w := range candidates {
		if w.HasCapabilities(required) {
			out = append(out, w)
		}
	}
	return out
}

// LoadBalanceScore is 100 minus half the population standard deviation of
// load percentages, floored at zero. No workers scores 100.
func LoadBalanceScore(loads []float64) float64 {
	if len(loads) == 0 {
		return 100
	}
	var sum float64
	for _, l := range loads {
		sum += l
	}
	mean := sum / float64(len(loads))
	var variance float64
	for _, l := range loads {
		variance += (l - mean) * (l - mean)
	}
	stddev := math.Sqrt(variance / float64(len(loads)))
	return math.Max(0, 100-stddev/2)
}
