package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/couplegraph/coupler/pkg/engineerror"
)

// FileStatsRow is the Metrics & Hotspots component's per-file output.
type FileStatsRow struct {
	FileID            int64      `db:"file_id"`
	TotalCommits      int64      `db:"total_commits"`
	AuthorsCount      int64      `db:"authors_count"`
	FirstCommitDate   *time.Time `db:"first_commit_date"`
	LastCommitDate    *time.Time `db:"last_commit_date"`
	LinesAdded        int64      `db:"lines_added"`
	LinesDeleted      int64      `db:"lines_deleted"`
	CommitsLast30Days int64      `db:"commits_last_30_days"`
	ChurnRate         float64    `db:"churn_rate"`
	MaxCoupling       float64    `db:"max_coupling"`
	CoupledFilesCount int64      `db:"coupled_files_count"`
	RiskScore         float64    `db:"risk_score"`
}

// ReplaceFileStats clears and rewrites the file_stats table for the run.
func (s *Store) ReplaceFileStats(ctx context.Context, tx *sqlx.Tx, rows []FileStatsRow) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM file_stats"); err != nil {
		return engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "clear file stats")
	}

	const insert = `INSERT INTO file_stats(
			file_id, total_commits, authors_count, first_commit_date, last_commit_date,
			lines_added, lines_deleted, commits_last_30_days, churn_rate, max_coupling,
			coupled_files_count, risk_score)
		VALUES (:file_id, :total_commits, :authors_count, :first_commit_date, :last_commit_date,
			:lines_added, :lines_deleted, :commits_last_30_days, :churn_rate, :max_coupling,
			:coupled_files_count, :risk_score)`

	stmt, err := tx.PrepareNamedContext(ctx, insert)
	if err != nil {
		return engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "prepare file stats insert")
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row); err != nil {
			return engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "insert file stats")
		}
	}

	return nil
}

// GetFileStats returns the stats row for fileID.
func (s *Store) GetFileStats(ctx context.Context, fileID int64) (FileStatsRow, error) {
	var row FileStatsRow

	err := s.db.GetContext(ctx, &row, `
		SELECT file_id, total_commits, authors_count, first_commit_date, last_commit_date,
			lines_added, lines_deleted, commits_last_30_days, churn_rate, max_coupling,
			coupled_files_count, risk_score
		FROM file_stats WHERE file_id = ?`, fileID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FileStatsRow{}, engineerror.Newf(engineerror.CodeParamInvalid, "no stats recorded for file %d", fileID)
		}

		return FileStatsRow{}, engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "get file stats")
	}

	return row, nil
}

// ListHotspots returns file_stats rows ordered by risk_score descending,
// capped at limit (0 means unlimited), for the hotspot_selector's
// materialization step.
func (s *Store) ListHotspots(ctx context.Context, limit int) ([]FileStatsRow, error) {
	query := "SELECT file_id, total_commits, authors_count, first_commit_date, last_commit_date, " +
		"lines_added, lines_deleted, commits_last_30_days, churn_rate, max_coupling, coupled_files_count, risk_score " +
		"FROM file_stats ORDER BY risk_score DESC"

	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var rows []FileStatsRow

	err := s.db.SelectContext(ctx, &rows, query, args...)
	if err != nil {
		return nil, engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "list hotspots")
	}

	return rows, nil
}

// CountFileStats returns the total number of file_stats rows.
func (s *Store) CountFileStats(ctx context.Context) (int, error) {
	var count int

	err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM file_stats")
	if err != nil {
		return 0, engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "count file stats")
	}

	return count, nil
}
