// Package store is the embedded relational store backing the analysis
// pipeline: SQLite (via github.com/mattn/go-sqlite3, accessed through
// github.com/jmoiron/sqlx) holds entities, commits, lineage, edges, the
// top-K projection, runs, configs, and cluster snapshots/members; a bbolt
// sidecar (sidecar.go) holds bulk per-commit change rows keyed for
// predicate pushdown by both commit and file.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/couplegraph/coupler/pkg/engineerror"
)

// Store is a per-repository handle onto the relational database plus its
// bbolt sidecar. It is the only cross-component shared mutable resource
//; callers partition by repository by opening one Store per
// repo directory.
type Store struct {
	db      *sqlx.DB
	sidecar *Sidecar
	dir     string
}

const (
	dbFileName      = "coupler.db"
	sidecarFileName = "changes.bbolt"
	metadataSchemaKey = "schema_version"

	dbFilePerm = 0o600
	dirPerm    = 0o750
)

// Open opens (creating if necessary) the per-repository store rooted at
// dir. It checks the on-disk schema version against the compiled-in
// version and fails fast on mismatch.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "create store directory")
	}

	db, err := sqlx.Connect("sqlite3", filepath.Join(dir, dbFileName)+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "open sqlite database")
	}

	if _, execErr := db.Exec(schema); execErr != nil {
		db.Close()

		return nil, engineerror.Wrap(execErr, engineerror.CodeStoreWriteFailed, "apply schema")
	}

	if err := checkSchemaVersion(db); err != nil {
		db.Close()

		return nil, err
	}

	sidecar, err := openSidecar(filepath.Join(dir, sidecarFileName))
	if err != nil {
		db.Close()

		return nil, err
	}

	return &Store{db: db, sidecar: sidecar, dir: dir}, nil
}

func checkSchemaVersion(db *sqlx.DB) error {
	var value sql.NullString

	err := db.Get(&value, "SELECT value FROM metadata WHERE key = ?", metadataSchemaKey)
	switch {
	case err == nil:
		stored, parseErr := strconv.Atoi(value.String)
		if parseErr != nil {
			return engineerror.Wrap(parseErr, engineerror.CodeStoreReadFailed, "parse stored schema version")
		}

		if stored != schemaVersion {
			return engineerror.Newf(engineerror.CodeStoreReadFailed,
				"schema version mismatch: store has %d, binary expects %d", stored, schemaVersion)
		}

		return nil
	case errors.Is(err, sql.ErrNoRows):
		_, execErr := db.Exec("INSERT INTO metadata(key, value) VALUES (?, ?)",
			metadataSchemaKey, strconv.Itoa(schemaVersion))
		if execErr != nil {
			return engineerror.Wrap(execErr, engineerror.CodeStoreWriteFailed, "record schema version")
		}

		return nil
	default:
		return engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "read schema version")
	}
}

// Close releases the underlying database handles.
func (s *Store) Close() error {
	sidecarErr := s.sidecar.Close()

	dbErr := s.db.Close()
	if dbErr != nil {
		return fmt.Errorf("close sqlite: %w", dbErr)
	}

	if sidecarErr != nil {
		return fmt.Errorf("close sidecar: %w", sidecarErr)
	}

	return nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

// WithTx runs fn inside a single SQL transaction, committing on success and
// rolling back on any error fn returns or panics with. Used for the
// Extractor's per-batch commits and the Edge Aggregator's atomic
// rewrite-the-edge-table step.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, beginErr := s.db.BeginTxx(ctx, nil)
	if beginErr != nil {
		return engineerror.Wrap(beginErr, engineerror.CodeStoreWriteFailed, "begin transaction")
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()

			panic(p)
		}
	}()

	if fnErr := fn(tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback after %w: %w", fnErr, rbErr)
		}

		return fnErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return engineerror.Wrap(commitErr, engineerror.CodeStoreWriteFailed, "commit transaction")
	}

	return nil
}

// DB exposes the underlying *sqlx.DB for read-only query construction by
// pkg/hotspots. Write paths should prefer the typed methods on Store.
func (s *Store) DB() *sqlx.DB { return s.db }
