package engine

import (
	"sort"
	"time"

	"travelkit/internal/config"
)

// Optimizer makes admit and merge decisions for forming groups. Pure
// decision logic: persistence of the outcome belongs to the caller.
type Optimizer struct {
	cfg    config.OptimizerConfig
	scorer *Scorer
}

// NewOptimizer creates an Optimizer.
func NewOptimizer(cfg config.OptimizerConfig, scorer *Scorer) *Optimizer {
	return &Optimizer{cfg: cfg, scorer: scorer}
}

// AdmitWindow returns the date_from range an open interest must fall in
// to be considered for admission into the group.
func (o *Optimizer) AdmitWindow(g Group) (time.Time, time.Time) {
	slack := time.Duration(o.cfg.AdmitSlackDays) * 24 * time.Hour
	return g.DateFrom.Add(-slack), g.DateTo.Add(slack)
}

// SelectAdmissions picks open interests to admit into the group:
// candidates whose mean compatibility to the current members meets the
// admit threshold, best first, stopping at max_size. Admitted interests
// are counted against capacity by party size.
func (o *Optimizer) SelectAdmissions(g Group, members []Interest, open []Interest) []Interest {
	capacity := g.MaxSize - g.CurrentSize
	if capacity <= 0 {
		return nil
	}

	type scored struct {
		interest Interest
		score    float64
	}
	var candidates []scored
	for _, cand := range open {
		if cand.DestinationID != g.DestinationID {
			continue
		}
		s := o.scorer.MeanTo(cand, members)
		if s >= o.cfg.AdmitCompatibility {
			candidates = append(candidates, scored{cand, s})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	var admitted []Interest
	for _, c := range candidates {
		if c.interest.PartySize > capacity {
			continue
		}
		admitted = append(admitted, c.interest)
		capacity -= c.interest.PartySize
		if capacity <= 0 {
			break
		}
	}
	return admitted
}

// SmallGroup reports whether the group is a merge candidate.
func (o *Optimizer) SmallGroup(g Group) bool {
	return g.CurrentSize < o.cfg.SmallGroupThreshold
}

// MergeCandidate reports whether two forming groups should be combined:
// same destination, start dates within the slack window, cross-set mean
// compatibility at the merge threshold, and a combined size that fits.
func (o *Optimizer) MergeCandidate(a Group, aMembers []Interest, b Group, bMembers []Interest) (float64, bool) {
	if a.DestinationID != b.DestinationID {
		return 0, false
	}
	slack := float64(o.cfg.MergeStartSlackDays)
	gap := a.DateFrom.Sub(b.DateFrom).Hours() / 24
	if gap < 0 {
		gap = -gap
	}
	if gap > slack {
		return 0, false
	}
	if a.CurrentSize+b.CurrentSize > a.MaxSize {
		return 0, false
	}
	score := o.scorer.MeanCross(aMembers, bMembers)
	return score, score >= o.cfg.MergeCompatibility
}

// MergeSurvivor orders a merge pair: members of the smaller group move
// into the larger one. Ties keep the older (lower id) group.
func MergeSurvivor(a, b Group) (survivor, absorbed Group) {
	if b.CurrentSize > a.CurrentSize || (b.CurrentSize == a.CurrentSize && b.ID < a.ID) {
		return b, a
	}
	return a, b
}
