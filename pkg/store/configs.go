package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/couplegraph/coupler/pkg/engineerror"
)

// ConfigRow is one stored, versioned configuration snapshot. payload is the JSON-encoded config.Configuration.
type ConfigRow struct {
	ID        string    `db:"id"`
	RepoID    string    `db:"repo_id"`
	Name      string    `db:"name"`
	Version   int       `db:"version"`
	IsActive  bool      `db:"is_active"`
	Payload   string    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
}

// SaveConfiguration inserts a new, inactive configuration version. Callers
// that want it to become the run default call ActivateConfiguration
// afterward within the same transaction.
func (s *Store) SaveConfiguration(ctx context.Context, tx *sqlx.Tx, cfg ConfigRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO configs(id, repo_id, name, version, is_active, payload, created_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)`,
		cfg.ID, cfg.RepoID, cfg.Name, cfg.Version, cfg.Payload, cfg.CreatedAt)
	if err != nil {
		return engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "save configuration")
	}

	return nil
}

// ActivateConfiguration deactivates any currently-active configuration for
// repoID and activates configID, respecting the partial unique index on
// is_active=1.
func (s *Store) ActivateConfiguration(ctx context.Context, tx *sqlx.Tx, repoID, configID string) error {
	if _, err := tx.ExecContext(ctx, "UPDATE configs SET is_active = 0 WHERE repo_id = ? AND is_active = 1", repoID); err != nil {
		return engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "deactivate configuration")
	}

	res, err := tx.ExecContext(ctx, "UPDATE configs SET is_active = 1 WHERE id = ? AND repo_id = ?", configID, repoID)
	if err != nil {
		return engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "activate configuration")
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		return engineerror.Newf(engineerror.CodeConfigInvalid, "configuration %s not found for repo %s", configID, repoID)
	}

	return nil
}

// GetActiveConfiguration returns repoID's active configuration row.
func (s *Store) GetActiveConfiguration(ctx context.Context, repoID string) (ConfigRow, error) {
	var row ConfigRow

	err := s.db.GetContext(ctx, &row,
		"SELECT id, repo_id, name, version, is_active, payload, created_at FROM configs WHERE repo_id = ? AND is_active = 1",
		repoID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ConfigRow{}, engineerror.Newf(engineerror.CodeConfigInvalid, "no active configuration for repo %s", repoID)
		}

		return ConfigRow{}, engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "get active configuration")
	}

	return row, nil
}

// GetConfiguration returns a configuration row by id.
func (s *Store) GetConfiguration(ctx context.Context, id string) (ConfigRow, error) {
	var row ConfigRow

	err := s.db.GetContext(ctx, &row,
		"SELECT id, repo_id, name, version, is_active, payload, created_at FROM configs WHERE id = ?", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ConfigRow{}, engineerror.Newf(engineerror.CodeConfigInvalid, "configuration %s not found", id)
		}

		return ConfigRow{}, engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "get configuration")
	}

	return row, nil
}

// ListConfigurations returns every stored configuration version for repoID,
// newest first.
func (s *Store) ListConfigurations(ctx context.Context, repoID string) ([]ConfigRow, error) {
	var rows []ConfigRow

	err := s.db.SelectContext(ctx, &rows,
		"SELECT id, repo_id, name, version, is_active, payload, created_at FROM configs WHERE repo_id = ? ORDER BY version DESC",
		repoID)
	if err != nil {
		return nil, engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "list configurations")
	}

	return rows, nil
}

// NextConfigVersion returns the version number the next SaveConfiguration
// call for repoID should use (current max + 1, or 1 if none exist).
func (s *Store) NextConfigVersion(ctx context.Context, repoID string) (int, error) {
	var maxVersion sql.NullInt64

	err := s.db.GetContext(ctx, &maxVersion, "SELECT MAX(version) FROM configs WHERE repo_id = ?", repoID)
	if err != nil {
		return 0, engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "read max configuration version")
	}

	if !maxVersion.Valid {
		return 1, nil
	}

	return int(maxVersion.Int64) + 1, nil
}
