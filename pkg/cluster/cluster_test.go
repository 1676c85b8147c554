package cluster_test

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couplegraph/coupler/pkg/cluster"
	"github.com/couplegraph/coupler/pkg/config"
	"github.com/couplegraph/coupler/pkg/engineerror"
	"github.com/couplegraph/coupler/pkg/store"
)

// graphOf builds a test Graph from (a, b, weight) triples.
func graphOf(t *testing.T, edges [][3]float64) *cluster.Graph {
	t.Helper()

	g := &cluster.Graph{Adj: make(map[int64]map[int64]float64)}

	add := func(id int64) {
		if g.Adj[id] == nil {
			g.Adj[id] = make(map[int64]float64)
			g.Nodes = append(g.Nodes, id)
		}
	}

	for _, e := range edges {
		a, b, w := int64(e[0]), int64(e[1]), e[2]

		add(a)
		add(b)

		g.Adj[a][b] = w
		g.Adj[b][a] = w
	}

	return g
}

// twoTriangles is two tightly coupled triangles joined by one weak bridge:
// the canonical two-community input.
func twoTriangles(t *testing.T) *cluster.Graph {
	t.Helper()

	return graphOf(t, [][3]float64{
		{1, 2, 0.9}, {2, 3, 0.9}, {1, 3, 0.9},
		{4, 5, 0.9}, {5, 6, 0.9}, {4, 6, 0.9},
		{3, 4, 0.1},
	})
}

func sameParts(t *testing.T, p cluster.Partition, want [][]int64) {
	t.Helper()

	assert.Equal(t, want, p.Sets())
}

func TestLouvainFindsTwoCommunities(t *testing.T) {
	t.Parallel()

	g := twoTriangles(t)

	part, err := cluster.Fit(g, config.ClusteringConfig{Algorithm: config.ClusterAlgorithmLouvain, Resolution: 1.0})
	require.NoError(t, err)

	sameParts(t, part, [][]int64{{1, 2, 3}, {4, 5, 6}})

	q := cluster.Modularity(g, part, 1.0)
	assert.Greater(t, q, 0.3)
}

func TestLouvainEmptyGraph(t *testing.T) {
	t.Parallel()

	part, err := cluster.Fit(&cluster.Graph{Adj: map[int64]map[int64]float64{}}, config.ClusteringConfig{})
	require.NoError(t, err)
	assert.Empty(t, part.Assignments)
}

func TestFitRejectsUnknownAlgorithm(t *testing.T) {
	t.Parallel()

	_, err := cluster.Fit(twoTriangles(t), config.ClusteringConfig{Algorithm: "spectral"})
	require.Error(t, err)
	assert.Equal(t, engineerror.CodeConfigInvalid, engineerror.CodeOf(err))
}

func TestValidateFeasibilityRejectsWardOnLargeInput(t *testing.T) {
	t.Parallel()

	cc := config.ClusteringConfig{
		Algorithm: config.ClusterAlgorithmHierarchical,
		Linkage:   config.LinkageWard,
		NClusters: 10,
	}

	err := cluster.ValidateFeasibility(cc, 5001)
	require.Error(t, err)
	assert.Equal(t, engineerror.CodeClusteringInfeasible, engineerror.CodeOf(err))

	assert.NoError(t, cluster.ValidateFeasibility(cc, 5000))
}

func TestBuildGraphAppliesWeightFloor(t *testing.T) {
	t.Parallel()

	s, ctx := openSeededStore(t, []store.EdgeRow{
		edge(1, 2, 10, 0.5),
		edge(2, 3, 10, 0.05), // below the 0.1 default floor
	})

	g, err := cluster.BuildGraph(ctx, s, config.ClusteringConfig{})
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2}, g.Nodes)
	assert.InDelta(t, 0.5, g.Weight(1, 2), 1e-9)
	assert.Zero(t, g.Weight(2, 3))
}

func TestBuildGraphFolderRestrictionUsesPrefixBoundary(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()

	// srcX/a.go must not leak into a "src" restriction.
	ids := createFiles(t, s, "src/a.go", "src/b.go", "srcX/c.go", "srcX/d.go")

	writeEdges(t, s, []store.EdgeRow{
		edge(ids[0], ids[1], 10, 0.5),
		edge(ids[2], ids[3], 10, 0.5),
	})

	g, err := cluster.BuildGraph(ctx, s, config.ClusteringConfig{FolderRestriction: "src"})
	require.NoError(t, err)

	assert.Equal(t, []int64{ids[0], ids[1]}, g.Nodes)
}

// --- shared helpers ---

func openStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(t.TempDir())
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	return s
}

func createFiles(t *testing.T, s *store.Store, paths ...string) []int64 {
	t.Helper()

	ctx := context.Background()
	ids := make([]int64, len(paths))

	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		for i, path := range paths {
			id, createErr := s.GetOrCreateFile(ctx, tx, path)
			if createErr != nil {
				return createErr
			}

			ids[i] = id
		}

		return nil
	})
	require.NoError(t, err)

	return ids
}

func writeEdges(t *testing.T, s *store.Store, edges []store.EdgeRow) {
	t.Helper()

	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		return s.ReplaceEdgesAndTopK(ctx, tx, edges, nil)
	})
	require.NoError(t, err)
}

// openSeededStore creates a store whose entities cover every file id the
// edge rows reference (paths file-<id>.go), then writes the edges.
func openSeededStore(t *testing.T, edges []store.EdgeRow) (*store.Store, context.Context) {
	t.Helper()

	s := openStore(t)
	ctx := context.Background()

	maxID := int64(0)
	for _, e := range edges {
		if e.DstFileID > maxID {
			maxID = e.DstFileID
		}
	}

	paths := make([]string, maxID)
	for i := range paths {
		paths[i] = pathFor(int64(i + 1))
	}

	createFiles(t, s, paths...)
	writeEdges(t, s, edges)

	return s, ctx
}

func pathFor(id int64) string {
	return "pkg/file-" + string(rune('a'+id)) + ".go"
}

func edge(src, dst, pairCount int64, wj float64) store.EdgeRow {
	return store.EdgeRow{
		SrcFileID:         src,
		DstFileID:         dst,
		PairCount:         pairCount,
		WeightedPairCount: float64(pairCount),
		Jaccard:           wj,
		WeightedJaccard:   wj,
		PDstGivenSrc:      1,
		PSrcGivenDst:      1,
	}
}
