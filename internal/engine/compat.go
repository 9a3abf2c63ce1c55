package engine

import (
	"math"
	"time"

	"travelkit/internal/config"
)

// Compatibility threshold levels used by callers.
const (
	CompatHigh    = 0.8
	CompatMedium  = 0.6
	CompatMinimum = 0.3
)

// Scorer computes pairwise compatibility between interests.
// Deterministic, no I/O.
type Scorer struct {
	cfg config.CompatConfig
}

// NewScorer creates a Scorer with the given weights and thresholds.
func NewScorer(cfg config.CompatConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score returns the weighted compatibility of two interests in [0,1].
// Factors: date overlap (0.40), party-size similarity (0.25), budget
// compatibility (0.20), lead-time similarity (0.15) under the default
// weights.
func (s *Scorer) Score(a, b Interest) float64 {
	total := s.cfg.DateWeight*dateOverlapScore(a, b) +
		s.cfg.SizeWeight*partySizeScore(a, b) +
		s.cfg.BudgetWeight*budgetScore(a, b) +
		s.cfg.LeadWeight*leadTimeScore(a, b)
	return clamp01(total)
}

// MeanPairwise returns the average Score over all unordered pairs.
// Returns 1 for clusters of fewer than two members.
func (s *Scorer) MeanPairwise(members []Interest) float64 {
	if len(members) < 2 {
		return 1
	}
	sum, pairs := 0.0, 0
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			sum += s.Score(members[i], members[j])
			pairs++
		}
	}
	return sum / float64(pairs)
}

// MeanTo returns the average Score of candidate against every member.
func (s *Scorer) MeanTo(candidate Interest, members []Interest) float64 {
	if len(members) == 0 {
		return 0
	}
	sum := 0.0
	for _, m := range members {
		sum += s.Score(candidate, m)
	}
	return sum / float64(len(members))
}

// MeanCross returns the average Score over all cross pairs of two
// membership sets (used for merge decisions).
func (s *Scorer) MeanCross(a, b []Interest) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range a {
		for _, y := range b {
			sum += s.Score(x, y)
		}
	}
	return sum / float64(len(a)*len(b))
}

// ThresholdAdmit is the minimum viable score for greedy clustering.
func (s *Scorer) ThresholdAdmit() float64 { return s.cfg.ThresholdAdmit }

// ThresholdQuality is the minimum average pairwise score a cluster must
// keep to survive the post-filter.
func (s *Scorer) ThresholdQuality() float64 { return s.cfg.ThresholdQuality }

// dateOverlapScore = overlap_days / max(duration_a, duration_b),
// clipped to [0,1]; 0 when the windows do not overlap.
func dateOverlapScore(a, b Interest) float64 {
	start := maxTime(a.DateFrom, b.DateFrom)
	end := minTime(a.DateTo, b.DateTo)
	if end.Before(start) {
		return 0
	}
	overlap := end.Sub(start).Hours() / 24
	longest := math.Max(a.DurationDays(), b.DurationDays())
	return clamp01(overlap / longest)
}

// partySizeScore is piecewise on the min/max ratio:
// >=0.7 -> 1.0, >=0.5 -> 0.7, else 0.3.
func partySizeScore(a, b Interest) float64 {
	pa, pb := float64(a.PartySize), float64(b.PartySize)
	if pa <= 0 || pb <= 0 {
		return 0.3
	}
	ratio := math.Min(pa, pb) / math.Max(pa, pb)
	switch {
	case ratio >= 0.7:
		return 1.0
	case ratio >= 0.5:
		return 0.7
	default:
		return 0.3
	}
}

// budgetScore = overlap range / max(range_a, range_b). Missing budgets
// score a neutral 0.8; disjoint ranges score 0.
func budgetScore(a, b Interest) float64 {
	if !a.HasBudget() || !b.HasBudget() {
		return 0.8
	}
	lo := math.Max(a.BudgetMin, b.BudgetMin)
	hi := math.Min(a.BudgetMax, b.BudgetMax)
	if hi < lo {
		return 0
	}
	widest := math.Max(a.BudgetMax-a.BudgetMin, b.BudgetMax-b.BudgetMin)
	if widest <= 0 {
		// Both are point budgets; overlapping points are a perfect match.
		return 1
	}
	return clamp01((hi - lo) / widest)
}

// leadTimeScore compares planning horizons: difference in lead days
// <=7 -> 1.0, <=14 -> 0.8, <=30 -> 0.6, else 0.3.
func leadTimeScore(a, b Interest) float64 {
	diff := math.Abs(a.DateFrom.Sub(b.DateFrom).Hours() / 24)
	switch {
	case diff <= 7:
		return 1.0
	case diff <= 14:
		return 0.8
	case diff <= 30:
		return 0.6
	default:
		return 0.3
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
