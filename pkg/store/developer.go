package store

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/couplegraph/coupler/pkg/engineerror"
)

// DeveloperCouplingRow counts files two developers both touched.
// DevA < DevB
// lexicographically, mirroring the edges table's src<dst invariant.
type DeveloperCouplingRow struct {
	DevA        string `db:"dev_a"`
	DevB        string `db:"dev_b"`
	SharedFiles int64  `db:"shared_files"`
}

// FileOwnershipRow records the top contributor for a file by commit count.
type FileOwnershipRow struct {
	FileID           int64  `db:"file_id"`
	TopAuthor        string `db:"top_author"`
	TopAuthorCommits int64  `db:"top_author_commits"`
	TotalCommits     int64  `db:"total_commits"`
}

// ReplaceDeveloperCoupling clears and rewrites the developer_coupling table,
// mirroring the edges table's whole-rewrite-per-run persistence model.
func (s *Store) ReplaceDeveloperCoupling(ctx context.Context, tx *sqlx.Tx, rows []DeveloperCouplingRow) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM developer_coupling"); err != nil {
		return engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "clear developer coupling")
	}

	const insert = "INSERT INTO developer_coupling(dev_a, dev_b, shared_files) VALUES (:dev_a, :dev_b, :shared_files)"

	stmt, err := tx.PrepareNamedContext(ctx, insert)
	if err != nil {
		return engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "prepare developer coupling insert")
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row); err != nil {
			return engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "insert developer coupling")
		}
	}

	return nil
}

// GetDeveloperCoupling returns every developer-coupling row involving dev,
// or every row when dev is empty.
func (s *Store) GetDeveloperCoupling(ctx context.Context, dev string) ([]DeveloperCouplingRow, error) {
	var rows []DeveloperCouplingRow

	query := "SELECT dev_a, dev_b, shared_files FROM developer_coupling"

	args := []any{}
	if dev != "" {
		query += " WHERE dev_a = ? OR dev_b = ?"
		args = append(args, dev, dev)
	}

	query += " ORDER BY shared_files DESC"

	err := s.db.SelectContext(ctx, &rows, query, args...)
	if err != nil {
		return nil, engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "get developer coupling")
	}

	return rows, nil
}

// ReplaceFileOwnership clears and rewrites the file_ownership table.
func (s *Store) ReplaceFileOwnership(ctx context.Context, tx *sqlx.Tx, rows []FileOwnershipRow) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM file_ownership"); err != nil {
		return engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "clear file ownership")
	}

	const insert = `INSERT INTO file_ownership(file_id, top_author, top_author_commits, total_commits)
		VALUES (:file_id, :top_author, :top_author_commits, :total_commits)`

	stmt, err := tx.PrepareNamedContext(ctx, insert)
	if err != nil {
		return engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "prepare file ownership insert")
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row); err != nil {
			return engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "insert file ownership")
		}
	}

	return nil
}

// GetFileOwnership returns the ownership row for fileID.
func (s *Store) GetFileOwnership(ctx context.Context, fileID int64) (FileOwnershipRow, error) {
	var row FileOwnershipRow

	err := s.db.GetContext(ctx, &row,
		"SELECT file_id, top_author, top_author_commits, total_commits FROM file_ownership WHERE file_id = ?", fileID)
	if err != nil {
		return FileOwnershipRow{}, engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "get file ownership")
	}

	return row, nil
}
