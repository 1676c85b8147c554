package cluster

import (
	"context"
	"encoding/json"
	"time"

	"github.com/couplegraph/coupler/pkg/engineerror"
	"github.com/couplegraph/coupler/pkg/persist"
	"github.com/couplegraph/coupler/pkg/store"
)

// SnapshotExport is the portable on-disk shape of one cluster snapshot,
// written for external tools (dashboards, diffing scripts) that do not read
// the store directly.
type SnapshotExport struct {
	SnapshotID string            `json:"snapshot_id" yaml:"snapshot_id"`
	RepoID     string            `json:"repo_id" yaml:"repo_id"`
	Algorithm  string            `json:"algorithm" yaml:"algorithm"`
	Parameters map[string]any    `json:"parameters" yaml:"parameters"`
	CreatedAt  time.Time         `json:"created_at" yaml:"created_at"`
	Clusters   []ExportedCluster `json:"clusters" yaml:"clusters"`
}

// ExportedCluster is one cluster's members and derived metrics.
type ExportedCluster struct {
	ClusterID     int      `json:"cluster_id" yaml:"cluster_id"`
	Size          int      `json:"size" yaml:"size"`
	AvgCoupling   float64  `json:"avg_coupling" yaml:"avg_coupling"`
	InternalChurn float64  `json:"internal_churn" yaml:"internal_churn"`
	TopFiles      []string `json:"top_files" yaml:"top_files"`
	Files         []string `json:"files" yaml:"files"`
}

// BuildExport assembles the export shape for a snapshot, resolving member
// file ids to qualified names.
func BuildExport(ctx context.Context, s *store.Store, snapshotID string) (SnapshotExport, error) {
	header, err := s.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return SnapshotExport{}, err
	}

	var params map[string]any
	if err := json.Unmarshal([]byte(header.Parameters), &params); err != nil {
		return SnapshotExport{}, engineerror.Wrap(err, engineerror.CodeInternal, "decode snapshot parameters")
	}

	members, err := s.GetSnapshotMembers(ctx, snapshotID)
	if err != nil {
		return SnapshotExport{}, err
	}

	metricsRows, err := s.GetSnapshotClusterMetrics(ctx, snapshotID)
	if err != nil {
		return SnapshotExport{}, err
	}

	metricsByCluster := make(map[int]store.ClusterMetricsRow, len(metricsRows))
	for _, row := range metricsRows {
		metricsByCluster[row.ClusterID] = row
	}

	filesByCluster := make(map[int][]string)

	for _, member := range members {
		entity, entErr := s.GetEntity(ctx, member.FileID)
		if entErr != nil {
			return SnapshotExport{}, entErr
		}

		filesByCluster[member.ClusterID] = append(filesByCluster[member.ClusterID], entity.QualifiedName)
	}

	export := SnapshotExport{
		SnapshotID: header.ID,
		RepoID:     header.RepoID,
		Algorithm:  header.Algorithm,
		Parameters: params,
		CreatedAt:  header.CreatedAt,
	}

	for _, row := range metricsRows {
		var topFiles []string
		if err := json.Unmarshal([]byte(row.TopFiles), &topFiles); err != nil {
			return SnapshotExport{}, engineerror.Wrap(err, engineerror.CodeInternal, "decode top files")
		}

		export.Clusters = append(export.Clusters, ExportedCluster{
			ClusterID:     row.ClusterID,
			Size:          row.Size,
			AvgCoupling:   row.AvgCoupling,
			InternalChurn: row.InternalChurn,
			TopFiles:      topFiles,
			Files:         filesByCluster[row.ClusterID],
		})
	}

	return export, nil
}

// WriteExport persists an export under dir as <snapshot_id><ext> using the
// given codec (JSON or YAML for interchange, gob for round-tripping).
func WriteExport(dir string, codec persist.Codec, export SnapshotExport) error {
	p := persist.NewPersister[SnapshotExport](export.SnapshotID, codec)

	err := p.Save(dir, func() *SnapshotExport { return &export })
	if err != nil {
		return engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "write snapshot export")
	}

	return nil
}

// ReadExport loads a previously written export by snapshot id.
func ReadExport(dir, snapshotID string, codec persist.Codec) (SnapshotExport, error) {
	var export SnapshotExport

	p := persist.NewPersister[SnapshotExport](snapshotID, codec)

	err := p.Load(dir, func(s *SnapshotExport) { export = *s })
	if err != nil {
		return SnapshotExport{}, engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "read snapshot export")
	}

	return export, nil
}
