package cluster_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couplegraph/coupler/pkg/cluster"
	"github.com/couplegraph/coupler/pkg/config"
)

func TestDBSCANGroupsDenseRegions(t *testing.T) {
	t.Parallel()

	// Distances within a triangle are 0.1 (<= eps); the bridge sits at 0.9.
	part, err := cluster.Fit(twoTriangles(t), config.ClusteringConfig{
		Algorithm:  config.ClusterAlgorithmDBSCAN,
		Eps:        0.3,
		MinSamples: 3,
	})
	require.NoError(t, err)

	sameParts(t, part, [][]int64{{1, 2, 3}, {4, 5, 6}})
}

func TestDBSCANNoiseBecomesSingletons(t *testing.T) {
	t.Parallel()

	// Node 7 hangs off node 1 by a weak edge: distance 0.95 > eps, so it is
	// noise and must surface as its own singleton cluster.
	g := graphOf(t, [][3]float64{
		{1, 2, 0.9}, {2, 3, 0.9}, {1, 3, 0.9},
		{1, 7, 0.05},
	})

	part, err := cluster.Fit(g, config.ClusteringConfig{
		Algorithm:  config.ClusterAlgorithmDBSCAN,
		Eps:        0.3,
		MinSamples: 3,
	})
	require.NoError(t, err)

	sameParts(t, part, [][]int64{{1, 2, 3}, {7}})
}

func TestDBSCANAllNoise(t *testing.T) {
	t.Parallel()

	// min_samples above any neighbourhood size: every node is a singleton
	// (spec's "clusters is a set of singletons" boundary behaviour).
	part, err := cluster.Fit(twoTriangles(t), config.ClusteringConfig{
		Algorithm:  config.ClusterAlgorithmDBSCAN,
		Eps:        0.3,
		MinSamples: 10,
	})
	require.NoError(t, err)

	sets := part.Sets()
	require.Len(t, sets, 6)

	for _, set := range sets {
		assert.Len(t, set, 1)
	}
}
