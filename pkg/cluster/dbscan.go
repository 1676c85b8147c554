package cluster

import (
	"github.com/couplegraph/coupler/pkg/config"
)

// fitDBSCAN runs density-based clustering over coupling distance
// (1 - weighted_jaccard). A node's eps-neighbourhood is resolved from the
// sparse adjacency projection - pairs with no stored edge sit at maximum
// distance and are never neighbours, so no dense matrix is ever built.
// Noise nodes each become a singleton cluster so every projected node is
// assigned.
func fitDBSCAN(g *Graph, cc config.ClusteringConfig) (Partition, error) {
	eps := cc.Eps
	if eps <= 0 {
		eps = config.DefaultDBSCANEps
	}

	minSamples := cc.MinSamples
	if minSamples < 1 {
		minSamples = config.DefaultDBSCANMinSamples
	}

	part := Partition{Assignments: make(map[int64]int, g.NodeCount())}

	const (
		unvisited = -1
		noise     = -2
	)

	labels := make(map[int64]int, g.NodeCount())
	for _, id := range g.Nodes {
		labels[id] = unvisited
	}

	// neighborhood includes the node itself, matching the conventional
	// min_samples accounting.
	neighborhood := func(id int64) []int64 {
		result := []int64{id}

		for other, w := range g.Adj[id] {
			if 1-w <= eps {
				result = append(result, other)
			}
		}

		return result
	}

	clusterID := 0

	for _, id := range g.Nodes {
		if labels[id] != unvisited {
			continue
		}

		seeds := neighborhood(id)
		if len(seeds) < minSamples {
			labels[id] = noise

			continue
		}

		labels[id] = clusterID

		// Expand the cluster over density-reachable nodes. seeds grows as
		// new core points are discovered.
		for cursor := 0; cursor < len(seeds); cursor++ {
			next := seeds[cursor]

			if labels[next] == noise {
				labels[next] = clusterID

				continue
			}

			if labels[next] != unvisited && next != id {
				continue
			}

			labels[next] = clusterID

			reach := neighborhood(next)
			if len(reach) >= minSamples {
				seeds = append(seeds, reach...)
			}
		}

		clusterID++
	}

	// Promote each remaining noise node to its own singleton cluster.
	for _, id := range g.Nodes {
		if labels[id] == noise {
			labels[id] = clusterID
			clusterID++
		}

		part.Assignments[id] = labels[id]
	}

	return part, nil
}
