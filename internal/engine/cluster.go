package engine

import (
	"fmt"
	"sort"
	"time"

	"travelkit/internal/config"
)

// Cluster is a candidate group: a set of mutually compatible interests
// with their average pairwise compatibility.
type Cluster struct {
	Members []Interest
	Quality float64
}

// TotalPeople sums the party sizes of all members.
func (c Cluster) TotalPeople() int {
	total := 0
	for _, m := range c.Members {
		total += m.PartySize
	}
	return total
}

// Envelope returns the widest date window over the members.
func (c Cluster) Envelope() (time.Time, time.Time) {
	from, to := c.Members[0].DateFrom, c.Members[0].DateTo
	for _, m := range c.Members[1:] {
		from = minTime(from, m.DateFrom)
		to = maxTime(to, m.DateTo)
	}
	return from, to
}

// Clusterer discovers candidate groups among open interests of one
// destination. Stage 0 (greedy, rule-based) always runs; the optional
// refinement stage replaces its result only when it scores better.
type Clusterer struct {
	cfg    config.ClusteringConfig
	scorer *Scorer
}

// NewClusterer creates a Clusterer.
func NewClusterer(cfg config.ClusteringConfig, scorer *Scorer) *Clusterer {
	return &Clusterer{cfg: cfg, scorer: scorer}
}

// Window returns the rolling clustering window around now.
func (c *Clusterer) Window(now time.Time) (time.Time, time.Time) {
	return now.AddDate(0, 0, -c.cfg.WindowPastDays), now.AddDate(0, 0, c.cfg.WindowFutureDays)
}

// BuildClusters runs both stages and the post-filter. Input order is
// significant: the greedy stage seeds clusters in insertion order.
func (c *Clusterer) BuildClusters(interests []Interest, now time.Time) []Cluster {
	clusters := c.greedy(interests)

	if c.cfg.RefineEnabled && len(interests) >= refineMinSamples {
		if refined, ok := c.refine(interests, now); ok {
			clusters = refined
		}
	}

	return c.postFilter(clusters)
}

// greedy forms clusters by seeding each unassigned interest and
// admitting every other unassigned interest scoring at least the admit
// threshold against the seed. Clusters of one are discarded.
func (c *Clusterer) greedy(interests []Interest) []Cluster {
	var clusters []Cluster
	used := make(map[int64]bool, len(interests))

	for _, seed := range interests {
		if used[seed.ID] {
			continue
		}
		members := []Interest{seed}
		used[seed.ID] = true

		for _, other := range interests {
			if used[other.ID] {
				continue
			}
			if c.scorer.Score(seed, other) >= c.scorer.ThresholdAdmit() {
				members = append(members, other)
				used[other.ID] = true
			}
		}

		if len(members) >= 2 {
			clusters = append(clusters, Cluster{Members: members})
		}
	}
	return clusters
}

// postFilter trims over-sized clusters to max_size, then drops clusters
// below the minimum viable size or quality threshold.
func (c *Clusterer) postFilter(clusters []Cluster) []Cluster {
	var kept []Cluster
	for _, cl := range clusters {
		if len(cl.Members) > c.cfg.MaxGroupSize {
			cl.Members = c.trim(cl.Members, c.cfg.MaxGroupSize)
		}
		if len(cl.Members) < c.cfg.MinGroupSize {
			continue
		}
		cl.Quality = c.scorer.MeanPairwise(cl.Members)
		if cl.Quality < c.scorer.ThresholdQuality() {
			continue
		}
		kept = append(kept, cl)
	}
	return kept
}

// trim removes the members with the lowest mean compatibility to the
// rest until the cluster fits.
func (c *Clusterer) trim(members []Interest, max int) []Interest {
	for len(members) > max {
		worst, worstScore := 0, 2.0
		for i, m := range members {
			rest := make([]Interest, 0, len(members)-1)
			rest = append(rest, members[:i]...)
			rest = append(rest, members[i+1:]...)
			if s := c.scorer.MeanTo(m, rest); s < worstScore {
				worst, worstScore = i, s
			}
		}
		members = append(members[:worst], members[worst+1:]...)
	}
	return members
}

// GroupName builds the display name for a cluster-born group,
// e.g. "Lisbon - Jun 05".
func GroupName(destName string, dateFrom time.Time) string {
	return fmt.Sprintf("%s - %s", destName, dateFrom.Format("Jan 02"))
}

// SortByCreation orders interests oldest-first so greedy seeding is
// stable across runs.
func SortByCreation(interests []Interest) {
	sort.SliceStable(interests, func(i, j int) bool {
		if interests[i].CreatedAt.Equal(interests[j].CreatedAt) {
			return interests[i].ID < interests[j].ID
		}
		return interests[i].CreatedAt.Before(interests[j].CreatedAt)
	})
}
