package cluster

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/couplegraph/coupler/pkg/config"
)

// maxCouplingDistance is the distance assigned to node pairs with no
// coupling edge: 1 - weighted_jaccard with weighted_jaccard = 0.
const maxCouplingDistance = 1.0

// fitHierarchical runs agglomerative clustering over coupling distance
// (1 - weighted_jaccard) with the configured linkage, cut either at a
// target cluster count or a distance threshold. The pairwise distance
// matrix is dense, which is why ValidateFeasibility bounds the input size
// for Ward before this runs.
func fitHierarchical(g *Graph, cc config.ClusteringConfig) (Partition, error) {
	n := g.NodeCount()

	part := Partition{Assignments: make(map[int64]int, n)}
	if n == 0 {
		return part, nil
	}

	dist := distanceMatrix(g)

	// active[i] tracks whether cluster i still exists; members[i] holds its
	// node indexes; size is cached for the Lance-Williams updates.
	active := make([]bool, n)
	members := make([][]int, n)
	size := make([]int, n)

	for i := range n {
		active[i] = true
		members[i] = []int{i}
		size[i] = 1
	}

	remaining := n
	targetClusters := cc.NClusters

	for remaining > 1 {
		if targetClusters > 0 && remaining <= targetClusters {
			break
		}

		bi, bj, best := closestPair(dist, active, n)
		if bi < 0 {
			break
		}

		if targetClusters <= 0 && cc.DistanceThreshold > 0 && best > cc.DistanceThreshold {
			break
		}

		merge(dist, active, members, size, bi, bj, cc.Linkage, n)
		remaining--
	}

	clusterID := 0

	for i := range n {
		if !active[i] {
			continue
		}

		for _, idx := range members[i] {
			part.Assignments[g.Nodes[idx]] = clusterID
		}

		clusterID++
	}

	return part, nil
}

// distanceMatrix builds the symmetric pairwise coupling-distance matrix.
func distanceMatrix(g *Graph) *mat.Dense {
	n := g.NodeCount()
	dist := mat.NewDense(n, n, nil)

	for i := range n {
		for j := i + 1; j < n; j++ {
			d := maxCouplingDistance
			if w := g.Weight(g.Nodes[i], g.Nodes[j]); w > 0 {
				d = 1 - w
			}

			dist.Set(i, j, d)
			dist.Set(j, i, d)
		}
	}

	return dist
}

// closestPair scans the active clusters for the minimum-distance pair.
func closestPair(dist *mat.Dense, active []bool, n int) (int, int, float64) {
	bi, bj := -1, -1
	best := math.Inf(1)

	for i := range n {
		if !active[i] {
			continue
		}

		for j := i + 1; j < n; j++ {
			if !active[j] {
				continue
			}

			if d := dist.At(i, j); d < best {
				bi, bj, best = i, j, d
			}
		}
	}

	return bi, bj, best
}

// merge folds cluster j into cluster i, updating i's distances to every
// other active cluster via the Lance-Williams recurrence for the selected
// linkage.
func merge(dist *mat.Dense, active []bool, members [][]int, size []int, i, j int, linkage config.Linkage, n int) {
	ni := float64(size[i])
	nj := float64(size[j])
	dij := dist.At(i, j)

	for k := range n {
		if !active[k] || k == i || k == j {
			continue
		}

		dik := dist.At(i, k)
		djk := dist.At(j, k)
		nk := float64(size[k])

		var d float64

		switch linkage {
		case config.LinkageSingle:
			d = math.Min(dik, djk)
		case config.LinkageComplete:
			d = math.Max(dik, djk)
		case config.LinkageWard:
			d = math.Sqrt(((ni+nk)*dik*dik + (nj+nk)*djk*djk - nk*dij*dij) / (ni + nj + nk))
		default: // average
			d = (ni*dik + nj*djk) / (ni + nj)
		}

		dist.Set(i, k, d)
		dist.Set(k, i, d)
	}

	members[i] = append(members[i], members[j]...)
	size[i] += size[j]
	active[j] = false
	members[j] = nil
}
