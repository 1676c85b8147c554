package query

import (
	"context"
	"sort"

	"github.com/couplegraph/coupler/pkg/store"
)

// GraphNode is one file node in a coupling graph response.
type GraphNode struct {
	FileID int64
	Path   string
}

// GraphEdge is one undirected coupling edge in a graph response.
type GraphEdge struct {
	SrcPath         string
	DstPath         string
	PairCount       int64
	WeightedJaccard float64
}

// Graph is the get_coupling_graph / get_impact_graph response.
type Graph struct {
	Nodes []GraphNode
	Edges []GraphEdge
}

// GraphOptions bounds graph responses.
type GraphOptions struct {
	// Limit caps the number of edges returned (default 100).
	Limit int
}

const defaultGraphEdgeLimit = 100

// GetCouplingGraph returns the strongest edges whose endpoints both live
// under rootPath. The prefix match is boundary-anchored: "src/" never
// matches "srcX/...". An empty rootPath spans the whole repository.
func (q *Service) GetCouplingGraph(ctx context.Context, rootPath string, opts GraphOptions) (Graph, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultGraphEdgeLimit
	}

	rows, err := q.store.EdgesUnderPrefix(ctx, folderPrefix(rootPath), limit)
	if err != nil {
		return Graph{}, err
	}

	return graphFromRows(rows), nil
}

// GetImpact returns the files most likely to need a change when path
// changes, ranked by the conditional probability of the neighbour changing
// given this file changed.
func (q *Service) GetImpact(ctx context.Context, path string, limit int) ([]CoupledFile, error) {
	coupled, err := q.GetCoupling(ctx, path, CouplingOptions{})
	if err != nil {
		return nil, err
	}

	sort.Slice(coupled, func(i, j int) bool {
		if coupled[i].POtherGivenThis != coupled[j].POtherGivenThis {
			return coupled[i].POtherGivenThis > coupled[j].POtherGivenThis
		}

		return coupled[i].Path < coupled[j].Path
	})

	if limit > 0 && len(coupled) > limit {
		coupled = coupled[:limit]
	}

	return coupled, nil
}

// defaultImpactDepth bounds GetImpactGraph's neighbour expansion.
const defaultImpactDepth = 2

// GetImpactGraph expands path's coupling neighbourhood breadth-first up to
// depth hops (default 2), bounded by opts.Limit edges.
func (q *Service) GetImpactGraph(ctx context.Context, path string, depth int, opts GraphOptions) (Graph, error) {
	entity, err := q.store.ResolveFileByPath(ctx, path)
	if err != nil {
		return Graph{}, err
	}

	if depth <= 0 {
		depth = defaultImpactDepth
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultGraphEdgeLimit
	}

	type edgeKey struct{ src, dst int64 }

	visited := map[int64]bool{entity.ID: true}
	frontier := []int64{entity.ID}
	seenEdges := make(map[edgeKey]store.EdgeRow)

	for hop := 0; hop < depth && len(frontier) > 0 && len(seenEdges) < limit; hop++ {
		var next []int64

		for _, fileID := range frontier {
			edges, edgesErr := q.store.GetEdgesForFile(ctx, fileID)
			if edgesErr != nil {
				return Graph{}, edgesErr
			}

			for _, e := range edges {
				if len(seenEdges) >= limit {
					break
				}

				seenEdges[edgeKey{e.SrcFileID, e.DstFileID}] = e

				for _, endpoint := range []int64{e.SrcFileID, e.DstFileID} {
					if !visited[endpoint] {
						visited[endpoint] = true
						next = append(next, endpoint)
					}
				}
			}
		}

		frontier = next
	}

	rows := make([]store.PathedEdgeRow, 0, len(seenEdges))

	for _, e := range seenEdges {
		src, srcErr := q.store.GetEntity(ctx, e.SrcFileID)
		if srcErr != nil {
			return Graph{}, srcErr
		}

		dst, dstErr := q.store.GetEntity(ctx, e.DstFileID)
		if dstErr != nil {
			return Graph{}, dstErr
		}

		rows = append(rows, store.PathedEdgeRow{EdgeRow: e, SrcPath: src.QualifiedName, DstPath: dst.QualifiedName})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].WeightedJaccard != rows[j].WeightedJaccard {
			return rows[i].WeightedJaccard > rows[j].WeightedJaccard
		}

		if rows[i].SrcPath != rows[j].SrcPath {
			return rows[i].SrcPath < rows[j].SrcPath
		}

		return rows[i].DstPath < rows[j].DstPath
	})

	return graphFromRows(rows), nil
}

// graphFromRows shapes pathed edge rows into a Graph with deduplicated
// nodes in path order.
func graphFromRows(rows []store.PathedEdgeRow) Graph {
	var g Graph

	seen := make(map[int64]bool)

	addNode := func(id int64, path string) {
		if !seen[id] {
			seen[id] = true

			g.Nodes = append(g.Nodes, GraphNode{FileID: id, Path: path})
		}
	}

	for _, row := range rows {
		addNode(row.SrcFileID, row.SrcPath)
		addNode(row.DstFileID, row.DstPath)

		g.Edges = append(g.Edges, GraphEdge{
			SrcPath:         row.SrcPath,
			DstPath:         row.DstPath,
			PairCount:       row.PairCount,
			WeightedJaccard: row.WeightedJaccard,
		})
	}

	sort.Slice(g.Nodes, func(i, j int) bool { return g.Nodes[i].Path < g.Nodes[j].Path })

	return g
}
