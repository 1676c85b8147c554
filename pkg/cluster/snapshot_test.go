package cluster_test

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couplegraph/coupler/pkg/cluster"
	"github.com/couplegraph/coupler/pkg/config"
	"github.com/couplegraph/coupler/pkg/engineerror"
	"github.com/couplegraph/coupler/pkg/persist"
	"github.com/couplegraph/coupler/pkg/store"
)

// seedTwoTriangleStore creates six files wired as two coupled triangles
// plus per-file stats, and returns the store with the built graph and
// partition.
func seedTwoTriangleStore(t *testing.T) (*store.Store, *cluster.Graph, cluster.Partition) {
	t.Helper()

	s := openStore(t)
	ctx := context.Background()

	ids := createFiles(t, s,
		"core/a.go", "core/b.go", "core/c.go",
		"web/x.go", "web/y.go", "web/z.go")

	writeEdges(t, s, []store.EdgeRow{
		edge(ids[0], ids[1], 9, 0.9), edge(ids[1], ids[2], 9, 0.9), edge(ids[0], ids[2], 9, 0.9),
		edge(ids[3], ids[4], 9, 0.9), edge(ids[4], ids[5], 9, 0.9), edge(ids[3], ids[5], 9, 0.9),
	})

	statsRows := make([]store.FileStatsRow, len(ids))
	for i, id := range ids {
		statsRows[i] = store.FileStatsRow{FileID: id, TotalCommits: int64(10 - i), ChurnRate: float64(i + 1)}
	}

	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		return s.ReplaceFileStats(ctx, tx, statsRows)
	})
	require.NoError(t, err)

	g, err := cluster.BuildGraph(ctx, s, config.ClusteringConfig{})
	require.NoError(t, err)

	part, err := cluster.Fit(g, config.ClusteringConfig{})
	require.NoError(t, err)

	return s, g, part
}

func TestSnapshotPersistsMembersAndMetrics(t *testing.T) {
	t.Parallel()

	s, g, part := seedTwoTriangleStore(t)
	ctx := context.Background()

	snapID, err := cluster.Snapshot(ctx, s, "repo-1", config.ClusteringConfig{}, part, g, time.Now().UTC())
	require.NoError(t, err)
	require.NotEmpty(t, snapID)

	header, err := s.GetSnapshot(ctx, snapID)
	require.NoError(t, err)
	assert.Equal(t, "louvain", header.Algorithm)
	assert.Contains(t, header.InputEdgeFilter, "min_edge_weight")

	members, err := s.GetSnapshotMembers(ctx, snapID)
	require.NoError(t, err)
	assert.Len(t, members, 6)

	metricsRows, err := s.GetSnapshotClusterMetrics(ctx, snapID)
	require.NoError(t, err)
	require.Len(t, metricsRows, 2)

	for _, row := range metricsRows {
		assert.Equal(t, 3, row.Size)
		assert.InDelta(t, 0.9, row.AvgCoupling, 1e-9)
		assert.Positive(t, row.InternalChurn)
		assert.NotEmpty(t, row.TopFiles)
	}
}

func TestSnapshotDeleteCascades(t *testing.T) {
	t.Parallel()

	s, g, part := seedTwoTriangleStore(t)
	ctx := context.Background()

	snapID, err := cluster.Snapshot(ctx, s, "repo-1", config.ClusteringConfig{}, part, g, time.Now().UTC())
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx *sqlx.Tx) error {
		return s.DeleteSnapshot(ctx, tx, snapID)
	})
	require.NoError(t, err)

	members, err := s.GetSnapshotMembers(ctx, snapID)
	require.NoError(t, err)
	assert.Empty(t, members)

	metricsRows, err := s.GetSnapshotClusterMetrics(ctx, snapID)
	require.NoError(t, err)
	assert.Empty(t, metricsRows)
}

func TestCompareIdenticalPartitionsAllStable(t *testing.T) {
	t.Parallel()

	s, g, part := seedTwoTriangleStore(t)
	ctx := context.Background()

	a, err := cluster.Snapshot(ctx, s, "repo-1", config.ClusteringConfig{}, part, g, time.Now().UTC())
	require.NoError(t, err)

	b, err := cluster.Snapshot(ctx, s, "repo-1", config.ClusteringConfig{}, part, g, time.Now().UTC())
	require.NoError(t, err)

	cmp, err := cluster.Compare(ctx, s, a, b)
	require.NoError(t, err)
	require.Len(t, cmp.Matches, 2)

	for _, match := range cmp.Matches {
		assert.Equal(t, cluster.VerdictStable, match.Verdict)
		assert.InDelta(t, 1.0, match.Jaccard, 1e-9)
	}
}

func TestCompareClassifiesDriftAndNew(t *testing.T) {
	t.Parallel()

	s, g, _ := seedTwoTriangleStore(t)
	ctx := context.Background()

	base := cluster.Partition{Assignments: map[int64]int{1: 0, 2: 0, 3: 0, 4: 1, 5: 1, 6: 1}}
	target := cluster.Partition{Assignments: map[int64]int{1: 0, 2: 0, 3: 1, 4: 1, 5: 2, 6: 2}}

	a, err := cluster.Snapshot(ctx, s, "repo-1", config.ClusteringConfig{}, base, g, time.Now().UTC())
	require.NoError(t, err)

	b, err := cluster.Snapshot(ctx, s, "repo-1", config.ClusteringConfig{}, target, g, time.Now().UTC())
	require.NoError(t, err)

	cmp, err := cluster.Compare(ctx, s, a, b)
	require.NoError(t, err)

	verdicts := make(map[cluster.Verdict]int)
	for _, match := range cmp.Matches {
		verdicts[match.Verdict]++
	}

	// Base {1,2,3} overlaps target {1,2} at jaccard 2/3 (drifted); base
	// {4,5,6} overlaps target {5,6} at 2/3 (drifted); target {3,4} has no
	// base claiming it (new).
	assert.Equal(t, 2, verdicts[cluster.VerdictDrifted])
	assert.Equal(t, 1, verdicts[cluster.VerdictNew])
}

func TestCompareUnknownSnapshot(t *testing.T) {
	t.Parallel()

	s, g, part := seedTwoTriangleStore(t)
	ctx := context.Background()

	a, err := cluster.Snapshot(ctx, s, "repo-1", config.ClusteringConfig{}, part, g, time.Now().UTC())
	require.NoError(t, err)

	_, err = cluster.Compare(ctx, s, a, "missing")
	require.Error(t, err)
	assert.Equal(t, engineerror.CodeSnapshotNotFound, engineerror.CodeOf(err))
}

func TestExportRoundTrip(t *testing.T) {
	t.Parallel()

	s, g, part := seedTwoTriangleStore(t)
	ctx := context.Background()

	snapID, err := cluster.Snapshot(ctx, s, "repo-1", config.ClusteringConfig{}, part, g, time.Now().UTC())
	require.NoError(t, err)

	export, err := cluster.BuildExport(ctx, s, snapID)
	require.NoError(t, err)
	assert.Equal(t, snapID, export.SnapshotID)
	require.Len(t, export.Clusters, 2)
	assert.Len(t, export.Clusters[0].Files, 3)

	dir := t.TempDir()

	require.NoError(t, cluster.WriteExport(dir, persist.NewJSONCodec(), export))

	got, err := cluster.ReadExport(dir, snapID, persist.NewJSONCodec())
	require.NoError(t, err)
	assert.Equal(t, export.SnapshotID, got.SnapshotID)
	assert.Equal(t, export.Clusters, got.Clusters)
}
