package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/couplegraph/coupler/pkg/engineerror"
)

// LineageRow is (stable_file_id, path, start_commit, end_commit). end_commit
// is NULL while path is active. Represented as a flat sequence keyed by
// (file_id, start_commit), never as a linked object graph.
type LineageRow struct {
	ID          int64  `db:"id"`
	FileID      int64  `db:"file_id"`
	Path        string `db:"path"`
	StartCommit int64  `db:"start_commit"`
	EndCommit   *int64 `db:"end_commit"`
}

// OpenLineage appends a fresh, open (end_commit NULL) lineage record for
// fileID at path, starting at startCommit. A file may have multiple
// lineage records; exactly one has end_commit NULL at any time.
func (s *Store) OpenLineage(ctx context.Context, tx *sqlx.Tx, fileID int64, path string, startCommit int64) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO lineage(file_id, path, start_commit, end_commit) VALUES (?, ?, ?, NULL)",
		fileID, path, startCommit)
	if err != nil {
		return engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "open lineage record")
	}

	return nil
}

// CloseLineageByPath sets end_commit on the currently-open lineage record
// for path (a rename or delete event). No-op (returns nil) if no open
// record exists for that path, since a rename/delete of a path the
// resolver never saw as "add"ed can legitimately have no lineage yet.
func (s *Store) CloseLineageByPath(ctx context.Context, tx *sqlx.Tx, path string, endCommit int64) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE lineage SET end_commit = ? WHERE path = ? AND end_commit IS NULL", endCommit, path)
	if err != nil {
		return engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "close lineage record")
	}

	return nil
}

// OpenLineageForPath returns the id of the currently-open lineage record at
// path, if any.
func (s *Store) OpenLineageForPath(ctx context.Context, tx *sqlx.Tx, path string) (int64, bool, error) {
	var id int64

	err := tx.GetContext(ctx, &id, "SELECT id FROM lineage WHERE path = ? AND end_commit IS NULL", path)
	if err == nil {
		return id, true, nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}

	return 0, false, engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "lookup open lineage")
}

// GetLineage returns every lineage record for fileID, oldest first.
func (s *Store) GetLineage(ctx context.Context, fileID int64) ([]LineageRow, error) {
	var rows []LineageRow

	err := s.db.SelectContext(ctx, &rows,
		"SELECT id, file_id, path, start_commit, end_commit FROM lineage WHERE file_id = ? ORDER BY start_commit", fileID)
	if err != nil {
		return nil, engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "get lineage")
	}

	return rows, nil
}

// FileIDForPath resolves current-path -> file_id via the open lineage
// record, the Path Resolver's primary index.
func (s *Store) FileIDForPath(ctx context.Context, tx *sqlx.Tx, path string) (int64, bool, error) {
	var id int64

	err := tx.GetContext(ctx, &id, "SELECT file_id FROM lineage WHERE path = ? AND end_commit IS NULL", path)
	if err == nil {
		return id, true, nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}

	return 0, false, engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "resolve path to file id")
}
