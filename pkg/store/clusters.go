package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/couplegraph/coupler/pkg/engineerror"
)

// ClusterSnapshotRow is one persisted clustering result. parameters and input_edge_filter are JSON-encoded.
type ClusterSnapshotRow struct {
	ID              string    `db:"id"`
	RepoID          string    `db:"repo_id"`
	Algorithm       string    `db:"algorithm"`
	Parameters      string    `db:"parameters"`
	InputEdgeFilter string    `db:"input_edge_filter"`
	CreatedAt       time.Time `db:"created_at"`
}

// ClusterMemberRow assigns a file to a cluster within a snapshot.
type ClusterMemberRow struct {
	SnapshotID string `db:"snapshot_id"`
	ClusterID  int    `db:"cluster_id"`
	FileID     int64  `db:"file_id"`
}

// ClusterMetricsRow is one cluster's derived metrics, materialised on
// snapshot write. TopFiles is a
// JSON-encoded ordered list of qualified names.
type ClusterMetricsRow struct {
	SnapshotID    string  `db:"snapshot_id"`
	ClusterID     int     `db:"cluster_id"`
	Size          int     `db:"size"`
	AvgCoupling   float64 `db:"avg_coupling"`
	InternalChurn float64 `db:"internal_churn"`
	TopFiles      string  `db:"top_files"`
}

// CreateSnapshot inserts a new cluster snapshot header.
func (s *Store) CreateSnapshot(ctx context.Context, tx *sqlx.Tx, snap ClusterSnapshotRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO cluster_snapshots(id, repo_id, algorithm, parameters, input_edge_filter, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.RepoID, snap.Algorithm, snap.Parameters, snap.InputEdgeFilter, snap.CreatedAt)
	if err != nil {
		return engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "create cluster snapshot")
	}

	return nil
}

// AddMembers bulk-inserts cluster membership rows for a snapshot.
func (s *Store) AddMembers(ctx context.Context, tx *sqlx.Tx, members []ClusterMemberRow) error {
	const insert = "INSERT INTO cluster_members(snapshot_id, cluster_id, file_id) VALUES (:snapshot_id, :cluster_id, :file_id)"

	stmt, err := tx.PrepareNamedContext(ctx, insert)
	if err != nil {
		return engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "prepare cluster member insert")
	}
	defer stmt.Close()

	for _, m := range members {
		if _, err := stmt.ExecContext(ctx, m); err != nil {
			return engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "insert cluster member")
		}
	}

	return nil
}

// AddClusterMetrics bulk-inserts derived per-cluster metric rows for a
// snapshot.
func (s *Store) AddClusterMetrics(ctx context.Context, tx *sqlx.Tx, rows []ClusterMetricsRow) error {
	const insert = `INSERT INTO cluster_metrics(snapshot_id, cluster_id, size, avg_coupling, internal_churn, top_files)
		VALUES (:snapshot_id, :cluster_id, :size, :avg_coupling, :internal_churn, :top_files)`

	stmt, err := tx.PrepareNamedContext(ctx, insert)
	if err != nil {
		return engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "prepare cluster metrics insert")
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row); err != nil {
			return engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "insert cluster metrics")
		}
	}

	return nil
}

// GetSnapshotClusterMetrics returns every derived metric row for a
// snapshot, ordered by cluster id.
func (s *Store) GetSnapshotClusterMetrics(ctx context.Context, snapshotID string) ([]ClusterMetricsRow, error) {
	var rows []ClusterMetricsRow

	err := s.db.SelectContext(ctx, &rows,
		"SELECT snapshot_id, cluster_id, size, avg_coupling, internal_churn, top_files FROM cluster_metrics WHERE snapshot_id = ? ORDER BY cluster_id",
		snapshotID)
	if err != nil {
		return nil, engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "get snapshot metrics")
	}

	return rows, nil
}

// GetSnapshot returns a snapshot header by id.
func (s *Store) GetSnapshot(ctx context.Context, id string) (ClusterSnapshotRow, error) {
	var row ClusterSnapshotRow

	err := s.db.GetContext(ctx, &row,
		"SELECT id, repo_id, algorithm, parameters, input_edge_filter, created_at FROM cluster_snapshots WHERE id = ?", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ClusterSnapshotRow{}, engineerror.Newf(engineerror.CodeSnapshotNotFound, "snapshot %s not found", id)
		}

		return ClusterSnapshotRow{}, engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "get snapshot")
	}

	return row, nil
}

// ListSnapshots returns every snapshot for repoID, newest first.
func (s *Store) ListSnapshots(ctx context.Context, repoID string) ([]ClusterSnapshotRow, error) {
	var rows []ClusterSnapshotRow

	err := s.db.SelectContext(ctx, &rows,
		"SELECT id, repo_id, algorithm, parameters, input_edge_filter, created_at FROM cluster_snapshots WHERE repo_id = ? ORDER BY created_at DESC",
		repoID)
	if err != nil {
		return nil, engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "list snapshots")
	}

	return rows, nil
}

// DeleteSnapshot removes a snapshot; cluster_members cascades via the
// foreign key's ON DELETE CASCADE.
func (s *Store) DeleteSnapshot(ctx context.Context, tx *sqlx.Tx, id string) error {
	res, err := tx.ExecContext(ctx, "DELETE FROM cluster_snapshots WHERE id = ?", id)
	if err != nil {
		return engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "delete snapshot")
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		return engineerror.Newf(engineerror.CodeSnapshotNotFound, "snapshot %s not found", id)
	}

	return nil
}

// GetSnapshotMembers returns every member row for a snapshot, ordered by
// cluster then file.
func (s *Store) GetSnapshotMembers(ctx context.Context, snapshotID string) ([]ClusterMemberRow, error) {
	var rows []ClusterMemberRow

	err := s.db.SelectContext(ctx, &rows,
		"SELECT snapshot_id, cluster_id, file_id FROM cluster_members WHERE snapshot_id = ? ORDER BY cluster_id, file_id",
		snapshotID)
	if err != nil {
		return nil, engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "get snapshot members")
	}

	return rows, nil
}
