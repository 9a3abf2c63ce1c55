package engine

import (
	"math"
	"math/rand"
	"time"
)

const (
	// refineMinSamples is the minimum number of interests before the
	// refinement stage is worth running.
	refineMinSamples = 10
	// refineMaxK caps the number of candidate partitions.
	refineMaxK = 8
	// kmeansRestarts and kmeansMaxIter follow the usual Lloyd defaults.
	kmeansRestarts = 10
	kmeansMaxIter  = 100
	// kmeansSeed keeps refinement deterministic across runs.
	kmeansSeed = 42
)

// densityRadii are the neighborhood radii tried by the density-based
// candidate, in units of standardized feature distance.
var densityRadii = []float64{0.3, 0.5, 0.8, 1.0}

// refine builds a feature matrix over the interests, runs several
// candidate partitionings (agglomerative Ward, k-means, density-based)
// and keeps the best one only if its average within-cluster
// compatibility beats the quality threshold. Returns (nil, false) when
// no candidate qualifies, in which case the greedy result stands.
func (c *Clusterer) refine(interests []Interest, now time.Time) ([]Cluster, bool) {
	features := standardize(featureMatrix(interests, now))

	maxK := len(interests) / 3
	if maxK > refineMaxK {
		maxK = refineMaxK
	}
	if maxK < 2 {
		return nil, false
	}

	type candidate struct {
		labels []int
		k      int
	}
	var candidates []candidate

	// Candidate order encodes the tie-break preference:
	// agglomerative, then k-means, then density-based.
	for k := 2; k <= maxK; k++ {
		candidates = append(candidates, candidate{wardCluster(features, k), k})
	}
	rng := rand.New(rand.NewSource(kmeansSeed))
	for k := 2; k <= maxK; k++ {
		candidates = append(candidates, candidate{kmeansCluster(features, k, rng), k})
	}
	for _, eps := range densityRadii {
		labels, k := densityCluster(features, eps, 2)
		if k >= 2 {
			candidates = append(candidates, candidate{labels, k})
		}
	}

	bestQuality := -1.0
	bestClusters := 0
	var best []Cluster

	for _, cand := range candidates {
		clusters := labelsToClusters(interests, cand.labels)
		if len(clusters) == 0 {
			continue
		}
		q := c.partitionQuality(clusters)
		// Strict comparison keeps the earliest (preferred) method on
		// ties; among equals, fewer clusters means larger groups.
		if q > bestQuality || (q == bestQuality && len(clusters) < bestClusters) {
			bestQuality = q
			bestClusters = len(clusters)
			best = clusters
		}
	}

	if best == nil || bestQuality < c.scorer.ThresholdQuality() {
		return nil, false
	}
	return best, true
}

// partitionQuality is the mean of per-cluster average pairwise
// compatibility over clusters with at least two members.
func (c *Clusterer) partitionQuality(clusters []Cluster) float64 {
	sum, n := 0.0, 0
	for _, cl := range clusters {
		if len(cl.Members) < 2 {
			continue
		}
		sum += c.scorer.MeanPairwise(cl.Members)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// labelsToClusters groups interests by partition label, dropping noise
// (label < 0) and singletons.
func labelsToClusters(interests []Interest, labels []int) []Cluster {
	byLabel := make(map[int][]Interest)
	for i, l := range labels {
		if l < 0 {
			continue
		}
		byLabel[l] = append(byLabel[l], interests[i])
	}
	var clusters []Cluster
	for l := 0; l < len(labels); l++ {
		members, ok := byLabel[l]
		if !ok {
			continue
		}
		if len(members) >= 2 {
			clusters = append(clusters, Cluster{Members: members})
		}
	}
	return clusters
}

// --- Feature engineering ---

// featureMatrix builds one row per interest: temporal center, trip
// duration, lead time, budget midpoint, budget range, party size,
// season, size category, and month.
func featureMatrix(interests []Interest, now time.Time) [][]float64 {
	rows := make([][]float64, len(interests))
	for i, it := range interests {
		center := it.DateFrom.Add(it.DateTo.Sub(it.DateFrom) / 2)
		lead := it.DateFrom.Sub(now).Hours() / 24

		var budgetMid, budgetRange float64
		if it.HasBudget() {
			budgetMid = (it.BudgetMin + it.BudgetMax) / 2
			budgetRange = it.BudgetMax - it.BudgetMin
		}

		month := float64(center.Month())
		season := math.Floor((month - 1) / 3) // 0..3

		rows[i] = []float64{
			float64(center.Unix()) / 86400, // temporal center in days
			it.DurationDays(),
			lead,
			budgetMid,
			budgetRange,
			float64(it.PartySize),
			season,
			sizeCategory(it.PartySize),
			month,
		}
	}
	return rows
}

func sizeCategory(partySize int) float64 {
	switch {
	case partySize <= 2:
		return 0
	case partySize <= 5:
		return 1
	default:
		return 2
	}
}

// standardize z-scores each column; constant columns collapse to 0.
func standardize(rows [][]float64) [][]float64 {
	if len(rows) == 0 {
		return rows
	}
	cols := len(rows[0])
	means := make([]float64, cols)
	stds := make([]float64, cols)

	for j := 0; j < cols; j++ {
		for _, r := range rows {
			means[j] += r[j]
		}
		means[j] /= float64(len(rows))
	}
	for j := 0; j < cols; j++ {
		for _, r := range rows {
			d := r[j] - means[j]
			stds[j] += d * d
		}
		stds[j] = math.Sqrt(stds[j] / float64(len(rows)))
	}

	out := make([][]float64, len(rows))
	for i, r := range rows {
		out[i] = make([]float64, cols)
		for j := 0; j < cols; j++ {
			if stds[j] > 1e-12 {
				out[i][j] = (r[j] - means[j]) / stds[j]
			}
		}
	}
	return out
}

// --- Candidate partitionings ---

// wardCluster runs agglomerative clustering with Ward linkage down to k
// clusters, using the Lance-Williams update. O(n^3), fine for the batch
// sizes the clusterer sees.
func wardCluster(features [][]float64, k int) []int {
	n := len(features)
	labels := make([]int, n)
	if n == 0 || k >= n {
		for i := range labels {
			labels[i] = i
		}
		return labels
	}

	// Active cluster set: member lists and pairwise Ward distances.
	members := make([][]int, n)
	active := make([]bool, n)
	for i := 0; i < n; i++ {
		members[i] = []int{i}
		active[i] = true
	}
	dist := make([][]float64, n)
	for i := 0; i < n; i++ {
		dist[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := sqDist(features[i], features[j])
			dist[i][j] = d
			dist[j][i] = d
		}
	}

	remaining := n
	for remaining > k {
		// Find the closest active pair.
		bi, bj, bd := -1, -1, math.MaxFloat64
		for i := 0; i < n; i++ {
			if !active[i] {
				continue
			}
			for j := i + 1; j < n; j++ {
				if !active[j] {
					continue
				}
				if dist[i][j] < bd {
					bi, bj, bd = i, j, dist[i][j]
				}
			}
		}

		// Merge bj into bi; update distances with the Ward formula.
		ni := float64(len(members[bi]))
		nj := float64(len(members[bj]))
		for h := 0; h < n; h++ {
			if !active[h] || h == bi || h == bj {
				continue
			}
			nh := float64(len(members[h]))
			d := ((ni+nh)*dist[bi][h] + (nj+nh)*dist[bj][h] - nh*dist[bi][bj]) / (ni + nj + nh)
			dist[bi][h] = d
			dist[h][bi] = d
		}
		members[bi] = append(members[bi], members[bj]...)
		active[bj] = false
		remaining--
	}

	label := 0
	for i := 0; i < n; i++ {
		if !active[i] {
			continue
		}
		for _, m := range members[i] {
			labels[m] = label
		}
		label++
	}
	return labels
}

// kmeansCluster runs Lloyd's algorithm with k-means++ seeding and
// multiple restarts, keeping the lowest-inertia assignment.
func kmeansCluster(features [][]float64, k int, rng *rand.Rand) []int {
	n := len(features)
	best := make([]int, n)
	bestInertia := math.MaxFloat64

	for restart := 0; restart < kmeansRestarts; restart++ {
		centers := seedCenters(features, k, rng)
		labels := make([]int, n)

		for iter := 0; iter < kmeansMaxIter; iter++ {
			changed := false
			for i, row := range features {
				bi, bd := 0, math.MaxFloat64
				for c, center := range centers {
					if d := sqDist(row, center); d < bd {
						bi, bd = c, d
					}
				}
				if labels[i] != bi {
					labels[i] = bi
					changed = true
				}
			}
			if !changed && iter > 0 {
				break
			}
			// Recompute centers.
			counts := make([]int, k)
			next := make([][]float64, k)
			for c := range next {
				next[c] = make([]float64, len(features[0]))
			}
			for i, row := range features {
				counts[labels[i]]++
				for j, v := range row {
					next[labels[i]][j] += v
				}
			}
			for c := range next {
				if counts[c] == 0 {
					// Re-seed empty cluster at a random point.
					copy(next[c], features[rng.Intn(n)])
					continue
				}
				for j := range next[c] {
					next[c][j] /= float64(counts[c])
				}
			}
			centers = next
		}

		inertia := 0.0
		for i, row := range features {
			inertia += sqDist(row, centers[labels[i]])
		}
		if inertia < bestInertia {
			bestInertia = inertia
			copy(best, labels)
		}
	}
	return best
}

// seedCenters implements k-means++ initialization.
func seedCenters(features [][]float64, k int, rng *rand.Rand) [][]float64 {
	n := len(features)
	centers := make([][]float64, 0, k)
	centers = append(centers, append([]float64(nil), features[rng.Intn(n)]...))

	for len(centers) < k {
		weights := make([]float64, n)
		total := 0.0
		for i, row := range features {
			d := math.MaxFloat64
			for _, c := range centers {
				if dd := sqDist(row, c); dd < d {
					d = dd
				}
			}
			weights[i] = d
			total += d
		}
		if total <= 0 {
			centers = append(centers, append([]float64(nil), features[rng.Intn(n)]...))
			continue
		}
		r := rng.Float64() * total
		idx := 0
		for i, w := range weights {
			r -= w
			if r <= 0 {
				idx = i
				break
			}
		}
		centers = append(centers, append([]float64(nil), features[idx]...))
	}
	return centers
}

// densityCluster is a plain DBSCAN over euclidean distance. Noise
// points get label -1. Returns the labels and the cluster count.
func densityCluster(features [][]float64, eps float64, minPts int) ([]int, int) {
	n := len(features)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = -2 // unvisited
	}
	epsSq := eps * eps

	neighbors := func(i int) []int {
		var out []int
		for j := 0; j < n; j++ {
			if j != i && sqDist(features[i], features[j]) <= epsSq {
				out = append(out, j)
			}
		}
		return out
	}

	cluster := 0
	for i := 0; i < n; i++ {
		if labels[i] != -2 {
			continue
		}
		nbrs := neighbors(i)
		if len(nbrs)+1 < minPts {
			labels[i] = -1
			continue
		}
		labels[i] = cluster
		queue := append([]int(nil), nbrs...)
		for len(queue) > 0 {
			q := queue[0]
			queue = queue[1:]
			if labels[q] == -1 {
				labels[q] = cluster
			}
			if labels[q] != -2 {
				continue
			}
			labels[q] = cluster
			qn := neighbors(q)
			if len(qn)+1 >= minPts {
				queue = append(queue, qn...)
			}
		}
		cluster++
	}
	return labels, cluster
}

func sqDist(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
