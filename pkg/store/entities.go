package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/couplegraph/coupler/pkg/engineerror"
)

// EntityKind is one of the fixed entity kinds.
type EntityKind string

// Entity kinds.
const (
	KindFile      EntityKind = "file"
	KindFolder    EntityKind = "folder"
	KindComponent EntityKind = "component"
	KindExternal  EntityKind = "external"
)

// Entity is a uniquely identified thing in the analysis: (qualified_name,
// kind) is unique.
type Entity struct {
	ID            int64      `db:"id"`
	Kind          EntityKind `db:"kind"`
	QualifiedName string     `db:"qualified_name"`
	ParentID      *int64     `db:"parent_id"`
	PresentAtHead bool       `db:"present_at_head"`
	Attributes    string     `db:"attributes"` // JSON-encoded attribute bag.
}

// GetOrCreateFile returns the file entity for qualifiedName, creating it if
// this is the first sighting. Files are created on first sighting and
// never deleted across history.
func (s *Store) GetOrCreateFile(ctx context.Context, tx *sqlx.Tx, qualifiedName string) (int64, error) {
	var id int64

	err := tx.GetContext(ctx, &id,
		"SELECT id FROM entities WHERE qualified_name = ? AND kind = ?", qualifiedName, KindFile)
	if err == nil {
		return id, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return 0, engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "lookup entity")
	}

	res, execErr := tx.ExecContext(ctx,
		"INSERT INTO entities(kind, qualified_name, attributes) VALUES (?, ?, '{}')", KindFile, qualifiedName)
	if execErr != nil {
		return 0, engineerror.Wrap(execErr, engineerror.CodeStoreWriteFailed, "insert entity")
	}

	id, idErr := res.LastInsertId()
	if idErr != nil {
		return 0, engineerror.Wrap(idErr, engineerror.CodeStoreWriteFailed, "read inserted entity id")
	}

	return id, nil
}

// SetPresentAtHead marks whether the file entity currently exists at HEAD.
func (s *Store) SetPresentAtHead(ctx context.Context, tx *sqlx.Tx, fileID int64, present bool) error {
	_, err := tx.ExecContext(ctx, "UPDATE entities SET present_at_head = ? WHERE id = ?", present, fileID)
	if err != nil {
		return engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "update present_at_head")
	}

	return nil
}

// RenameEntity moves a file entity's canonical qualified_name to newPath,
// unless another entity already holds that name (a rename onto a
// previously-deleted path); in that case the old name is kept and live
// resolution continues to go through the lineage table.
func (s *Store) RenameEntity(ctx context.Context, tx *sqlx.Tx, fileID int64, newPath string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE entities SET qualified_name = ?
		WHERE id = ? AND NOT EXISTS(
			SELECT 1 FROM entities WHERE qualified_name = ? AND kind = ?
		)`, newPath, fileID, newPath, KindFile)
	if err != nil {
		return engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "rename entity")
	}

	return nil
}

// ResolveFileByPath resolves a path to its file entity the way readers
// should: the open lineage record is authoritative for live paths (a
// renamed-away name no longer resolves), falling back to the canonical
// qualified_name for stores without lineage rows. Absent paths are
// FILE_NOT_FOUND.
func (s *Store) ResolveFileByPath(ctx context.Context, path string) (Entity, error) {
	var e Entity

	err := s.db.GetContext(ctx, &e, `
		SELECT e.id, e.kind, e.qualified_name, e.parent_id, e.present_at_head, e.attributes
		FROM entities e
		JOIN lineage l ON l.file_id = e.id
		WHERE l.path = ? AND l.end_commit IS NULL`, path)
	if err == nil {
		return e, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return Entity{}, engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "resolve file by path")
	}

	return s.GetEntityByPath(ctx, path, KindFile)
}

// SyncPresentAtHead recomputes every file entity's head-presence flag from
// the lineage table: a file exists at head iff it has an open lineage
// record. The Extractor calls this once after the
// final batch.
func (s *Store) SyncPresentAtHead(ctx context.Context, tx *sqlx.Tx) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE entities SET present_at_head = EXISTS(
			SELECT 1 FROM lineage WHERE lineage.file_id = entities.id AND lineage.end_commit IS NULL
		) WHERE kind = ?`, KindFile)
	if err != nil {
		return engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "sync present_at_head")
	}

	return nil
}

// GetEntityByPath returns the entity for a qualified_name/kind pair, or
// FILE_NOT_FOUND when absent.
func (s *Store) GetEntityByPath(ctx context.Context, qualifiedName string, kind EntityKind) (Entity, error) {
	var e Entity

	err := s.db.GetContext(ctx, &e,
		"SELECT id, kind, qualified_name, parent_id, present_at_head, attributes FROM entities WHERE qualified_name = ? AND kind = ?",
		qualifiedName, kind)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entity{}, engineerror.New(engineerror.CodeFileNotFound, "entity not found").WithDetail("qualified_name", qualifiedName)
		}

		return Entity{}, engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "get entity")
	}

	return e, nil
}

// GetEntity returns the entity by id.
func (s *Store) GetEntity(ctx context.Context, id int64) (Entity, error) {
	var e Entity

	err := s.db.GetContext(ctx, &e,
		"SELECT id, kind, qualified_name, parent_id, present_at_head, attributes FROM entities WHERE id = ?", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entity{}, engineerror.Newf(engineerror.CodeFileNotFound, "entity %d not found", id)
		}

		return Entity{}, engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "get entity")
	}

	return e, nil
}

// ListFileEntities returns every entity of kind=file, optionally filtering
// by a substring of qualified_name.
func (s *Store) ListFileEntities(ctx context.Context, substring string) ([]Entity, error) {
	query := "SELECT id, kind, qualified_name, parent_id, present_at_head, attributes FROM entities WHERE kind = ?"

	args := []any{KindFile}
	if substring != "" {
		query += " AND qualified_name LIKE ?"
		args = append(args, "%"+substring+"%")
	}

	query += " ORDER BY qualified_name"

	var entities []Entity

	err := s.db.SelectContext(ctx, &entities, query, args...)
	if err != nil {
		return nil, engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "list entities")
	}

	return entities, nil
}

// CountEntities returns the number of entities of the given kind.
func (s *Store) CountEntities(ctx context.Context, kind EntityKind) (int, error) {
	var count int

	err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM entities WHERE kind = ?", kind)
	if err != nil {
		return 0, engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "count entities")
	}

	return count, nil
}
