package health

import (
	"math"
	"sort"
)

// Score ranks a backend for selection; higher is better. Availability and
// reliability outweigh raw speed:
//
//	0.3*speed + 0.4*successRate + 0.5*[available] + statusBonus
//
// where speed = max(0, 1000-avgMs)/1000 and statusBonus is 0.5 for Healthy,
// 0.2 for Degraded and 0 otherwise.
func Score(h Health) float64 {
	speed := math.Max(0, 1000-h.Performance.AverageResponseMs) / 1000
	score := 0.3*speed + 0.4*h.Performance.SuccessRate
	if h.Available {
		score += 0.5
	}
	switch h.Status {
	case StatusHealthy:
		score += 0.5
	case StatusDegraded:
		score += 0.2
	}
	return score
}

// Rank orders the non-Unhealthy entries of snapshot by descending score,
// breaking ties by id.
func Rank(snapshot []Health) []Health {
	ranked := make([]Health, 0, len(snapshot))
	for _, h := range snapshot {
		if h.Status == StatusUnhealthy {
			continue
		}
		ranked = append(ranked, h)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := Score(ranked[i]), Score(ranked[j])
		if si != sj {
			return si > sj
		}
		return ranked[i].ID < ranked[j].ID
	})
	return ranked
}

// BestOf returns the id of the highest scoring backend that is not
// Unhealthy, or false when none qualify.
func BestOf(snapshot []Health) (string, bool) {
	ranked := Rank(snapshot)
	if len(ranked) == 0 {
		return "", false
	}
	return ranked[0].ID, true
}
