package cluster

import (
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/community"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/couplegraph/coupler/pkg/config"
	"github.com/couplegraph/coupler/pkg/engineerror"
)

// toWeighted converts the sparse projection into a gonum weighted
// undirected graph.
func toWeighted(g *Graph) *simple.WeightedUndirectedGraph {
	wg := simple.NewWeightedUndirectedGraph(0, 0)

	for _, id := range g.Nodes {
		wg.AddNode(simple.Node(id))
	}

	for _, a := range g.Nodes {
		for b, w := range g.Adj[a] {
			if a < b {
				wg.SetWeightedEdge(simple.WeightedEdge{F: simple.Node(a), T: simple.Node(b), W: w})
			}
		}
	}

	return wg
}

// fitLouvain runs modularity-maximising community detection at the
// configured resolution. The multi-level pass/termination loop lives inside
// gonum's Modularize; resolution is the only tunable it exposes, so
// max_iterations acts as an accepted-but-delegated bound here.
func fitLouvain(g *Graph, cc config.ClusteringConfig) (Partition, error) {
	resolution := cc.Resolution
	if resolution <= 0 {
		resolution = config.DefaultLouvainResolution
	}

	part := Partition{Assignments: make(map[int64]int, g.NodeCount())}
	if g.NodeCount() == 0 {
		return part, nil
	}

	reduced := community.Modularize(toWeighted(g), resolution, nil)
	if reduced == nil {
		return Partition{}, engineerror.New(engineerror.CodeInternal, "louvain modularization returned no communities")
	}

	for clusterID, comm := range reduced.Communities() {
		for _, node := range comm {
			part.Assignments[node.ID()] = clusterID
		}
	}

	return part, nil
}

// Modularity returns the modularity Q of a partition over g at the given
// resolution, surfaced in snapshot metadata and asserted by tests.
func Modularity(g *Graph, p Partition, resolution float64) float64 {
	if g.NodeCount() == 0 {
		return 0
	}

	sets := p.Sets()
	communities := make([][]graph.Node, len(sets))

	for i, set := range sets {
		nodes := make([]graph.Node, len(set))
		for j, id := range set {
			nodes[j] = simple.Node(id)
		}

		communities[i] = nodes
	}

	return community.Q(toWeighted(g), communities, resolution)
}
