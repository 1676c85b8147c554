// Package pathresolver turns the current path seen in a commit's change
// atoms into the stable file entity id the rest of the pipeline keys on.
// A file's identity survives renames;
// the resolver is what keeps "old_name.go" and "new_name.go" mapped to
// the same stable id across history.
package pathresolver

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/couplegraph/coupler/pkg/alg/lru"
	"github.com/couplegraph/coupler/pkg/engineerror"
	"github.com/couplegraph/coupler/pkg/gitlib"
	"github.com/couplegraph/coupler/pkg/observability"
	"github.com/couplegraph/coupler/pkg/store"
)

// defaultCacheEntries bounds the in-memory path->file_id cache. A typical
// repository's live path count fits comfortably under this; the cache
// exists to avoid a lineage lookup per change atom within a batch, not to
// hold the whole repository's history.
const defaultCacheEntries = 200_000

// Resolution is the outcome of resolving one FileChangeAtom: the stable
// file id it refers to, plus whether this atom opened, closed, or left
// unchanged a lineage record.
type Resolution struct {
	FileID int64
	// LineageEvent is "open", "close", "rename", or "" when the atom
	// didn't need a lineage mutation (e.g. a modify on an already-open path).
	LineageEvent string
}

// Resolver resolves current paths to stable file ids within a single run,
// backed by Store's lineage table and an LRU front cache so resolution
// stays O(1) amortized per change atom rather than a full-history scan.
type Resolver struct {
	store *store.Store
	cache *lru.Cache[string, int64]
	stats *observability.AnalysisStats
}

// New creates a Resolver over s. stats, if non-nil, accumulates cache
// hit/miss counts for the run's final AnalysisMetrics.RecordRun call.
func New(s *store.Store, stats *observability.AnalysisStats) *Resolver {
	return &Resolver{
		store: s,
		cache: lru.New(lru.WithMaxEntries[string, int64](defaultCacheEntries)),
		stats: stats,
	}
}

// Resolve applies one change atom within commitID's transaction, mutating
// lineage as needed and returning the stable file id the atom refers to.
//
//   - Insert: opens a new lineage record. If a file entity already exists
//     for this qualified_name, its existing stable id is reused rather than creating a
//     second entity for the same qualified_name - a new entity is only
//     created the first time a qualified_name is ever seen.
//   - Delete: closes the currently-open lineage record for OldPath.
//   - Modify without a path change: no lineage mutation, just a cache
//     lookup/refresh for OldPath==NewPath.
//   - Modify with Renamed (OldPath != NewPath): closes the lineage record
//     at OldPath and opens a new one at NewPath for the same stable id,
//     so file identity survives the rename.
func (r *Resolver) Resolve(ctx context.Context, tx *sqlx.Tx, commitID int64, atom FileChangeAtomLike) (Resolution, error) {
	switch atom.ChangeAction() {
	case gitlib.Insert:
		return r.resolveInsert(ctx, tx, commitID, atom.NewPathValue())
	case gitlib.Delete:
		return r.resolveDelete(ctx, tx, commitID, atom.OldPathValue())
	case gitlib.Modify:
		if atom.IsRenamed() && atom.OldPathValue() != atom.NewPathValue() {
			return r.resolveRename(ctx, tx, commitID, atom.OldPathValue(), atom.NewPathValue())
		}

		return r.resolvePlainModify(ctx, tx, commitID, atom.NewPathValue())
	default:
		return Resolution{}, engineerror.Newf(engineerror.CodeInternal, "unhandled change action %v", atom.ChangeAction())
	}
}

// FileChangeAtomLike is the minimal surface pathresolver needs from
// historyreader.FileChangeAtom, kept as an interface so tests can
// construct atoms without importing historyreader (and so historyreader
// never needs to import pathresolver).
type FileChangeAtomLike interface {
	ChangeAction() gitlib.ChangeAction
	OldPathValue() string
	NewPathValue() string
	IsRenamed() bool
}

func (r *Resolver) resolveInsert(ctx context.Context, tx *sqlx.Tx, commitID int64, path string) (Resolution, error) {
	fileID, err := r.store.GetOrCreateFile(ctx, tx, path)
	if err != nil {
		return Resolution{}, err
	}

	if _, open, openErr := r.store.OpenLineageForPath(ctx, tx, path); openErr != nil {
		return Resolution{}, openErr
	} else if open {
		// Path already has an open lineage record (re-add of a path the
		// resolver never saw closed, e.g. a run starting mid-history).
		r.cachePut(path, fileID)

		return Resolution{FileID: fileID}, nil
	}

	if err := r.store.OpenLineage(ctx, tx, fileID, path, commitID); err != nil {
		return Resolution{}, err
	}

	r.cachePut(path, fileID)

	return Resolution{FileID: fileID, LineageEvent: "open"}, nil
}

func (r *Resolver) resolveDelete(ctx context.Context, tx *sqlx.Tx, commitID int64, path string) (Resolution, error) {
	fileID, found, err := r.lookup(ctx, tx, path)
	if err != nil {
		return Resolution{}, err
	}

	if !found {
		// Deleting a path the resolver has no record of (run started
		// mid-history and never saw the add): create the entity now so
		// downstream aggregation has a stable id to attach the delete to.
		fileID, err = r.store.GetOrCreateFile(ctx, tx, path)
		if err != nil {
			return Resolution{}, err
		}
	}

	if err := r.store.CloseLineageByPath(ctx, tx, path, commitID); err != nil {
		return Resolution{}, err
	}

	r.cacheEvict(path)

	return Resolution{FileID: fileID, LineageEvent: "close"}, nil
}

func (r *Resolver) resolvePlainModify(ctx context.Context, tx *sqlx.Tx, commitID int64, path string) (Resolution, error) {
	fileID, found, err := r.lookup(ctx, tx, path)
	if err != nil {
		return Resolution{}, err
	}

	if found {
		return Resolution{FileID: fileID}, nil
	}

	// Modify on a path the resolver never saw added (run started
	// mid-history): treat it like a late insert so it still gets tracked.
	return r.resolveInsert(ctx, tx, commitID, path)
}

func (r *Resolver) resolveRename(ctx context.Context, tx *sqlx.Tx, commitID int64, oldPath, newPath string) (Resolution, error) {
	fileID, found, err := r.lookup(ctx, tx, oldPath)
	if err != nil {
		return Resolution{}, err
	}

	if !found {
		fileID, err = r.store.GetOrCreateFile(ctx, tx, oldPath)
		if err != nil {
			return Resolution{}, err
		}
	}

	if err := r.store.CloseLineageByPath(ctx, tx, oldPath, commitID); err != nil {
		return Resolution{}, err
	}

	r.cacheEvict(oldPath)

	if err := r.store.OpenLineage(ctx, tx, fileID, newPath, commitID); err != nil {
		return Resolution{}, err
	}

	// The entity's canonical name follows the live path so readers that
	// look files up by current path keep resolving after the rename.
	if err := r.store.RenameEntity(ctx, tx, fileID, newPath); err != nil {
		return Resolution{}, err
	}

	r.cachePut(newPath, fileID)

	return Resolution{FileID: fileID, LineageEvent: "rename"}, nil
}

// lookup resolves path to a file id, consulting the cache first and
// falling back to Store's open-lineage index on a miss.
func (r *Resolver) lookup(ctx context.Context, tx *sqlx.Tx, path string) (int64, bool, error) {
	// A cached 0 means cacheEvict marked the path closed/renamed-away; it
	// is deliberately treated as a miss so the lookup falls through to
	// Store, which is always authoritative on open/closed state.
	if id, ok := r.cache.Get(path); ok && id != 0 {
		r.recordHit()

		return id, true, nil
	}

	r.recordMiss()

	id, found, err := r.store.FileIDForPath(ctx, tx, path)
	if err != nil {
		return 0, false, err
	}

	if found {
		r.cachePut(path, id)
	}

	return id, found, nil
}

func (r *Resolver) cachePut(path string, fileID int64) {
	r.cache.Put(path, fileID)
}

func (r *Resolver) cacheEvict(path string) {
	// The cache has no explicit eviction primitive beyond capacity-driven
	// LRU eviction; overwriting with the zero value and letting the next
	// lookup miss-through to Store is sufficient since Store is always the
	// source of truth for "is this path currently open".
	r.cache.Put(path, 0)
}

func (r *Resolver) recordHit() {
	if r.stats != nil {
		r.stats.PathCacheHits++
	}
}

func (r *Resolver) recordMiss() {
	if r.stats != nil {
		r.stats.PathCacheMisses++
	}
}
