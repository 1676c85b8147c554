package cluster

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/couplegraph/coupler/pkg/config"
	"github.com/couplegraph/coupler/pkg/engineerror"
	"github.com/couplegraph/coupler/pkg/store"
)

// topFilesPerCluster bounds the per-cluster "top files" metric list.
const topFilesPerCluster = 3

// edgeFilter is the JSON shape recorded as a snapshot's input_edge_filter.
type edgeFilter struct {
	MinEdgeWeight     float64 `json:"min_edge_weight"`
	FolderRestriction string  `json:"folder_restriction,omitempty"`
}

// Snapshot persists a clustering result: header, member rows, and derived
// per-cluster metrics, all in one transaction. Snapshots are append-only;
// the returned id is the only handle to the result.
func Snapshot(
	ctx context.Context,
	s *store.Store,
	repoID string,
	cc config.ClusteringConfig,
	part Partition,
	g *Graph,
	now time.Time,
) (string, error) {
	snapshotID := uuid.NewString()

	params, err := json.Marshal(cc)
	if err != nil {
		return "", engineerror.Wrap(err, engineerror.CodeInternal, "marshal clustering parameters")
	}

	minWeight := cc.MinEdgeWeight
	if minWeight <= 0 {
		minWeight = config.DefaultMinEdgeWeight
	}

	filter, err := json.Marshal(edgeFilter{MinEdgeWeight: minWeight, FolderRestriction: cc.FolderRestriction})
	if err != nil {
		return "", engineerror.Wrap(err, engineerror.CodeInternal, "marshal edge filter")
	}

	algorithm := cc.Algorithm
	if algorithm == "" {
		algorithm = config.ClusterAlgorithmLouvain
	}

	metricsRows, err := deriveMetrics(ctx, s, snapshotID, part, g)
	if err != nil {
		return "", err
	}

	members := make([]store.ClusterMemberRow, 0, len(part.Assignments))

	for clusterID, set := range part.Sets() {
		for _, fileID := range set {
			members = append(members, store.ClusterMemberRow{SnapshotID: snapshotID, ClusterID: clusterID, FileID: fileID})
		}
	}

	err = s.WithTx(ctx, func(tx *sqlx.Tx) error {
		if txErr := s.CreateSnapshot(ctx, tx, store.ClusterSnapshotRow{
			ID:              snapshotID,
			RepoID:          repoID,
			Algorithm:       string(algorithm),
			Parameters:      string(params),
			InputEdgeFilter: string(filter),
			CreatedAt:       now,
		}); txErr != nil {
			return txErr
		}

		if txErr := s.AddMembers(ctx, tx, members); txErr != nil {
			return txErr
		}

		return s.AddClusterMetrics(ctx, tx, metricsRows)
	})
	if err != nil {
		return "", err
	}

	return snapshotID, nil
}

// deriveMetrics materialises each cluster's size, average internal
// coupling, internal churn (sum of member churn rates), and top member
// files by commit count. Sets() numbering matches the member rows written
// by Snapshot, so cluster ids line up.
func deriveMetrics(ctx context.Context, s *store.Store, snapshotID string, part Partition, g *Graph) ([]store.ClusterMetricsRow, error) {
	statsRows, err := s.ListHotspots(ctx, 0)
	if err != nil {
		return nil, err
	}

	statsByFile := make(map[int64]store.FileStatsRow, len(statsRows))
	for _, row := range statsRows {
		statsByFile[row.FileID] = row
	}

	sets := part.Sets()
	rows := make([]store.ClusterMetricsRow, 0, len(sets))

	for clusterID, set := range sets {
		var (
			weightSum  float64
			edgeCount  int
			churn      float64
		)

		inCluster := make(map[int64]bool, len(set))
		for _, fileID := range set {
			inCluster[fileID] = true
		}

		for _, fileID := range set {
			churn += statsByFile[fileID].ChurnRate

			for neighbor, w := range g.Adj[fileID] {
				if fileID < neighbor && inCluster[neighbor] {
					weightSum += w
					edgeCount++
				}
			}
		}

		avgCoupling := 0.0
		if edgeCount > 0 {
			avgCoupling = weightSum / float64(edgeCount)
		}

		topFiles, topErr := topFilesFor(ctx, s, set, statsByFile)
		if topErr != nil {
			return nil, topErr
		}

		encoded, encErr := json.Marshal(topFiles)
		if encErr != nil {
			return nil, engineerror.Wrap(encErr, engineerror.CodeInternal, "marshal top files")
		}

		rows = append(rows, store.ClusterMetricsRow{
			SnapshotID:    snapshotID,
			ClusterID:     clusterID,
			Size:          len(set),
			AvgCoupling:   avgCoupling,
			InternalChurn: churn,
			TopFiles:      string(encoded),
		})
	}

	return rows, nil
}

// topFilesFor resolves the cluster's highest-activity member paths.
func topFilesFor(ctx context.Context, s *store.Store, set []int64, statsByFile map[int64]store.FileStatsRow) ([]string, error) {
	ranked := append([]int64(nil), set...)

	sort.Slice(ranked, func(i, j int) bool {
		ci := statsByFile[ranked[i]].TotalCommits
		cj := statsByFile[ranked[j]].TotalCommits

		if ci != cj {
			return ci > cj
		}

		return ranked[i] < ranked[j]
	})

	if len(ranked) > topFilesPerCluster {
		ranked = ranked[:topFilesPerCluster]
	}

	paths := make([]string, 0, len(ranked))

	for _, fileID := range ranked {
		entity, err := s.GetEntity(ctx, fileID)
		if err != nil {
			return nil, err
		}

		paths = append(paths, entity.QualifiedName)
	}

	return paths, nil
}
