package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/couplegraph/coupler/pkg/engineerror"
)

// CommitRow is one immutable commit record.
type CommitRow struct {
	ID             int64     `db:"id"`
	VCSObjectID    string    `db:"vcs_object_id"`
	AuthorName     string    `db:"author_name"`
	AuthorEmail    string    `db:"author_email"`
	CommitterName  string    `db:"committer_name"`
	CommitterEmail string    `db:"committer_email"`
	AuthorTime     time.Time `db:"author_time"`
	CommitterTime  time.Time `db:"committer_time"`
	Message        string    `db:"message"`
	IsMerge        bool      `db:"is_merge"`
	ParentCount    int       `db:"parent_count"`
}

// InsertCommit inserts a new immutable commit row and returns its id.
// Commits are immutable once recorded.
func (s *Store) InsertCommit(ctx context.Context, tx *sqlx.Tx, c CommitRow) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO commits(vcs_object_id, author_name, author_email, committer_name, committer_email,
			author_time, committer_time, message, is_merge, parent_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.VCSObjectID, c.AuthorName, c.AuthorEmail, c.CommitterName, c.CommitterEmail,
		c.AuthorTime, c.CommitterTime, c.Message, c.IsMerge, c.ParentCount)
	if err != nil {
		return 0, engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "insert commit")
	}

	id, idErr := res.LastInsertId()
	if idErr != nil {
		return 0, engineerror.Wrap(idErr, engineerror.CodeStoreWriteFailed, "read inserted commit id")
	}

	return id, nil
}

// GetCommitByVCSObjectID returns the stored commit id for a vcs_object_id,
// or (0, false, nil) when not yet recorded (used by the Extractor to make
// re-runs idempotent without reinserting commits it already has).
func (s *Store) GetCommitByVCSObjectID(ctx context.Context, tx *sqlx.Tx, vcsObjectID string) (int64, bool, error) {
	var id int64

	err := tx.GetContext(ctx, &id, "SELECT id FROM commits WHERE vcs_object_id = ?", vcsObjectID)
	if err == nil {
		return id, true, nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}

	return 0, false, engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "lookup commit")
}

// CountCommits returns the total number of recorded commits for progress
// reporting and boundary-behaviour checks (empty-repository runs).
func (s *Store) CountCommits(ctx context.Context) (int, error) {
	var count int

	err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM commits")
	if err != nil {
		return 0, engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "count commits")
	}

	return count, nil
}

// GetCommit returns a commit row by id.
func (s *Store) GetCommit(ctx context.Context, id int64) (CommitRow, error) {
	var row CommitRow

	err := s.db.GetContext(ctx, &row, `
		SELECT id, vcs_object_id, author_name, author_email, committer_name, committer_email,
			author_time, committer_time, message, is_merge, parent_count
		FROM commits WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CommitRow{}, engineerror.Newf(engineerror.CodeParamInvalid, "commit %d not found", id)
		}

		return CommitRow{}, engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "get commit")
	}

	return row, nil
}

// CommitCallback receives one stored commit at a time from IterateCommits.
type CommitCallback func(CommitRow) error

// IterateCommits streams every recorded commit in insertion order (which is
// DAG-topological order, since the Extractor inserts batches in that
// order), calling cb once per row. Used by the Changeset Builder and Edge
// Aggregator so neither holds the full commit set in memory at once.
func (s *Store) IterateCommits(ctx context.Context, cb CommitCallback) error {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, vcs_object_id, author_name, author_email, committer_name, committer_email,
			author_time, committer_time, message, is_merge, parent_count
		FROM commits ORDER BY id`)
	if err != nil {
		return engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "iterate commits")
	}
	defer rows.Close()

	for rows.Next() {
		var row CommitRow
		if scanErr := rows.StructScan(&row); scanErr != nil {
			return engineerror.Wrap(scanErr, engineerror.CodeStoreReadFailed, "scan commit row")
		}

		if err := cb(row); err != nil {
			return err
		}
	}

	if err := rows.Err(); err != nil {
		return engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "iterate commits")
	}

	return nil
}

// TruncateRunTables clears the Extractor's own rows - commits and lineage -
// at the start of every new run. Nothing else is touched here: edges,
// top-K, file stats, developer coupling, ownership, and head presence all
// stay at the previous completed run's state until their own stages
// rewrite them whole, so readers of those tables see either the previous
// completed state or the new one, never an emptied intermediate, and a
// cancelled or failed run leaves them intact. Entities are never truncated -
// they persist across runs as the stable file-identity space.
func (s *Store) TruncateRunTables(ctx context.Context, tx *sqlx.Tx) error {
	stmts := []string{
		"DELETE FROM lineage",
		"DELETE FROM commits",
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "truncate run tables: "+stmt)
		}
	}

	return nil
}
