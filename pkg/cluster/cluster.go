// Package cluster implements the Clusterer: it projects the
// stored coupling edges into an undirected weighted graph, partitions it
// with one of three community-detection algorithms (Louvain, hierarchical
// agglomerative, DBSCAN over coupling distance), persists the result as an
// immutable snapshot with derived per-cluster metrics, and compares two
// snapshots by maximum member-set overlap.
package cluster

import (
	"context"
	"sort"
	"strings"

	"github.com/couplegraph/coupler/pkg/config"
	"github.com/couplegraph/coupler/pkg/engineerror"
	"github.com/couplegraph/coupler/pkg/store"
)

// Graph is the clustering input projection: nodes are file ids carrying at
// least one edge at or above the weight floor, adjacency holds the
// weighted_jaccard per neighbour. Adjacency is sparse; no algorithm in this
// package ever materialises an N x N matrix over it except hierarchical;
// only its Ward linkage refuses oversized inputs at validation time.
type Graph struct {
	Nodes []int64
	Adj   map[int64]map[int64]float64
}

// NodeCount returns the number of projected nodes.
func (g *Graph) NodeCount() int { return len(g.Nodes) }

// Weight returns the edge weight between a and b, zero when absent.
func (g *Graph) Weight(a, b int64) float64 {
	return g.Adj[a][b]
}

// Partition assigns every projected node to a cluster. Cluster ids are
// opaque and not stable across runs; only the induced sets are meaningful.
type Partition struct {
	Assignments map[int64]int
}

// Sets returns the partition as member-id sets, each sorted ascending, the
// whole slice ordered by each set's smallest member for deterministic
// traversal.
func (p Partition) Sets() [][]int64 {
	byCluster := make(map[int][]int64)
	for fileID, clusterID := range p.Assignments {
		byCluster[clusterID] = append(byCluster[clusterID], fileID)
	}

	sets := make([][]int64, 0, len(byCluster))

	for _, members := range byCluster {
		sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
		sets = append(sets, members)
	}

	sort.Slice(sets, func(i, j int) bool { return sets[i][0] < sets[j][0] })

	return sets
}

// BuildGraph projects the stored edge table into a Graph: edges with
// weighted_jaccard >= min_edge_weight (default 0.1), optionally restricted
// to files under a folder prefix (trailing "/" enforced so "src" never
// matches "srcX").
func BuildGraph(ctx context.Context, s *store.Store, cc config.ClusteringConfig) (*Graph, error) {
	minWeight := cc.MinEdgeWeight
	if minWeight <= 0 {
		minWeight = config.DefaultMinEdgeWeight
	}

	g := &Graph{Adj: make(map[int64]map[int64]float64)}

	addEdge := func(a, b int64, w float64) {
		if g.Adj[a] == nil {
			g.Adj[a] = make(map[int64]float64)
			g.Nodes = append(g.Nodes, a)
		}

		if g.Adj[b] == nil {
			g.Adj[b] = make(map[int64]float64)
			g.Nodes = append(g.Nodes, b)
		}

		g.Adj[a][b] = w
		g.Adj[b][a] = w
	}

	if cc.FolderRestriction != "" {
		prefix := strings.TrimSuffix(cc.FolderRestriction, "/") + "/"

		rows, err := s.EdgesUnderPrefix(ctx, prefix, 0)
		if err != nil {
			return nil, err
		}

		for _, row := range rows {
			if row.WeightedJaccard >= minWeight {
				addEdge(row.SrcFileID, row.DstFileID, row.WeightedJaccard)
			}
		}
	} else {
		edges, err := s.ListAllEdges(ctx)
		if err != nil {
			return nil, err
		}

		for _, e := range edges {
			if e.WeightedJaccard >= minWeight {
				addEdge(e.SrcFileID, e.DstFileID, e.WeightedJaccard)
			}
		}
	}

	sort.Slice(g.Nodes, func(i, j int) bool { return g.Nodes[i] < g.Nodes[j] })

	return g, nil
}

// ValidateFeasibility rejects parameter combinations whose resource cost is
// unbounded for the input size, before any work happens.
func ValidateFeasibility(cc config.ClusteringConfig, nodeCount int) error {
	if cc.Algorithm == config.ClusterAlgorithmHierarchical && cc.Linkage == config.LinkageWard &&
		nodeCount > config.DefaultWardMaxNodes {
		return engineerror.Newf(engineerror.CodeClusteringInfeasible,
			"ward linkage on %d nodes exceeds the %d-node bound", nodeCount, config.DefaultWardMaxNodes).
			WithDetail("nodes", nodeCount).
			WithDetail("max_nodes", config.DefaultWardMaxNodes)
	}

	return nil
}

// Fit partitions g with the configured algorithm.
func Fit(g *Graph, cc config.ClusteringConfig) (Partition, error) {
	if err := ValidateFeasibility(cc, g.NodeCount()); err != nil {
		return Partition{}, err
	}

	switch cc.Algorithm {
	case config.ClusterAlgorithmLouvain, "":
		return fitLouvain(g, cc)
	case config.ClusterAlgorithmHierarchical:
		return fitHierarchical(g, cc)
	case config.ClusterAlgorithmDBSCAN:
		return fitDBSCAN(g, cc)
	default:
		return Partition{}, engineerror.Newf(engineerror.CodeConfigInvalid, "unknown clustering algorithm %q", cc.Algorithm)
	}
}
