package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/couplegraph/coupler/pkg/engineerror"
)

// ChangeAtom is one file changed by one commit - the bulk row the bbolt
// sidecar exists to hold cheaply. Lines changed are
// recorded only when the diff backend reported them as available
// (gitlib.LineDelta.Available); line counts are best-effort and may be
// omitted for binary or huge files.
type ChangeAtom struct {
	CommitID       int64  `json:"commit_id"`
	FileID         int64  `json:"file_id"`
	Path           string `json:"path"`
	Action         string `json:"action"` // "insert", "delete", "modify"
	// PriorPath records rename/copy provenance on the change row itself;
	// the lineage table carries the same fact as the queryable index.
	PriorPath      string `json:"prior_path,omitempty"`
	LinesAdded     int    `json:"lines_added"`
	LinesDeleted   int    `json:"lines_deleted"`
	LineDeltaKnown bool   `json:"line_delta_known"`
}

// Sidecar is a bbolt-backed store for bulk per-commit change rows, indexed
// two ways so both "changes in this commit" (Extractor, Changeset Builder)
// and "changes to this file" (lineage/impact queries) are direct bucket
// scans rather than full-table filters. Grounded in the two-bucket
// secondary-index idiom used for large, append-mostly event logs in the
// pack's storage layers.
type Sidecar struct {
	db *bbolt.DB
}

var (
	byCommitBucket = []byte("changes_by_commit")
	byFileBucket   = []byte("changes_by_file")
)

func openSidecar(path string) (*Sidecar, error) {
	db, err := bbolt.Open(path, dbFilePerm, nil)
	if err != nil {
		return nil, engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "open sidecar")
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(byCommitBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(byFileBucket)

		return err
	})
	if err != nil {
		db.Close()

		return nil, engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "init sidecar buckets")
	}

	return &Sidecar{db: db}, nil
}

// Close releases the underlying bbolt handle.
func (sc *Sidecar) Close() error {
	if sc == nil || sc.db == nil {
		return nil
	}

	return sc.db.Close()
}

// compositeKey packs (outer_id, inner_id) big-endian so a
// bucket prefix scan over outer_id returns every row for it in a stable
// order, without needing a separate index structure.
func compositeKey(outer, inner int64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(outer))
	binary.BigEndian.PutUint64(key[8:], uint64(inner))

	return key
}

// InsertChangesBatch writes a batch of change atoms to both buckets within
// a single bbolt transaction, keeping the two indexes consistent.
func (sc *Sidecar) InsertChangesBatch(atoms []ChangeAtom) error {
	return sc.db.Update(func(tx *bbolt.Tx) error {
		commitBucket := tx.Bucket(byCommitBucket)
		fileBucket := tx.Bucket(byFileBucket)

		for _, atom := range atoms {
			value, err := json.Marshal(atom)
			if err != nil {
				return fmt.Errorf("marshal change atom: %w", err)
			}

			if err := commitBucket.Put(compositeKey(atom.CommitID, atom.FileID), value); err != nil {
				return err
			}

			if err := fileBucket.Put(compositeKey(atom.FileID, atom.CommitID), value); err != nil {
				return err
			}
		}

		return nil
	})
}

// GetChangesForCommit returns every change atom recorded for commitID, the
// Changeset Builder's primary read path.
func (sc *Sidecar) GetChangesForCommit(commitID int64) ([]ChangeAtom, error) {
	return sc.scanPrefix(byCommitBucket, commitID)
}

// GetChangesForFile returns every change atom recorded for fileID, read
// from the file-keyed bucket.
func (sc *Sidecar) GetChangesForFile(fileID int64) ([]ChangeAtom, error) {
	return sc.scanPrefix(byFileBucket, fileID)
}

func (sc *Sidecar) scanPrefix(bucketName []byte, outer int64) ([]ChangeAtom, error) {
	prefix := make([]byte, 8)
	binary.BigEndian.PutUint64(prefix, uint64(outer))

	var atoms []ChangeAtom

	err := sc.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()

		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var atom ChangeAtom
			if err := json.Unmarshal(v, &atom); err != nil {
				return fmt.Errorf("unmarshal change atom: %w", err)
			}

			atoms = append(atoms, atom)
		}

		return nil
	})
	if err != nil {
		return nil, engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "scan sidecar")
	}

	return atoms, nil
}

func hasPrefix(key, prefix []byte) bool {
	if len(key) < len(prefix) {
		return false
	}

	for i := range prefix {
		if key[i] != prefix[i] {
			return false
		}
	}

	return true
}

// Truncate clears both buckets, used alongside TruncateRunTables at the
// start of every new run.
func (sc *Sidecar) Truncate() error {
	return sc.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(byCommitBucket); err != nil {
			return err
		}

		if err := tx.DeleteBucket(byFileBucket); err != nil {
			return err
		}

		if _, err := tx.CreateBucket(byCommitBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucket(byFileBucket)

		return err
	})
}

// TruncateSidecar clears the sidecar's change buckets, called by the
// orchestrator alongside Store.TruncateRunTables.
func (s *Store) TruncateSidecar() error {
	return s.sidecar.Truncate()
}

// InsertChanges writes a batch of change atoms into the sidecar.
func (s *Store) InsertChanges(atoms []ChangeAtom) error {
	return s.sidecar.InsertChangesBatch(atoms)
}

// ChangesForCommit returns the sidecar's change atoms for a commit.
func (s *Store) ChangesForCommit(commitID int64) ([]ChangeAtom, error) {
	return s.sidecar.GetChangesForCommit(commitID)
}

// ChangesForFile returns the sidecar's change atoms for a file.
func (s *Store) ChangesForFile(fileID int64) ([]ChangeAtom, error) {
	return s.sidecar.GetChangesForFile(fileID)
}
