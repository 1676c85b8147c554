// Package historyreader walks a repository's commit DAG and, for each
// commit, the tree-to-tree diff against its relevant parent(s), yielding
// the raw per-commit, per-file change atoms the rest of the pipeline
// consumes. It never retains diff
// content - only identity, size, and numeric line deltas.
package historyreader

import (
	"context"
	"fmt"
	"time"

	git2go "github.com/libgit2/git2go/v34"

	"github.com/couplegraph/coupler/pkg/config"
	"github.com/couplegraph/coupler/pkg/engineerror"
	"github.com/couplegraph/coupler/pkg/gitlib"
)

// Options configures a single history-read pass.
type Options struct {
	// Ref is carried over from the configuration; Commits does not read
	// it. The walk starts at HEAD, or at every ref with IncludeAllRefs.
	Ref string
	// IncludeAllRefs widens the walk to every ref under refs/*, not just
	// the head's ancestry. The walker still yields each commit exactly
	// once, so downstream consumers need no deduplication.
	IncludeAllRefs bool
	// Since/Until bound the walk by author time.
	Since *time.Time
	Until *time.Time
	// RenameDetection configures the tree-diff rename/copy pass applied
	// between every commit and its diffed parent.
	RenameDetection gitlib.RenameDetection
	// MergeHandling selects how multi-parent commits are walked and which
	// of their changes are exposed downstream: "none" walks the full
	// DAG topologically and still records a merge commit's changes (diffed
	// against its first parent) but callers are expected to exclude them
	// from changeset/aggregation input; "first_parent_only" walks only the
	// mainline (gitlib's SimplifyFirstParent); "include" walks the full DAG
	// and callers keep merge commits' changes in aggregation input. The
	// walk strategy differs only between "first_parent_only" and the other
	// two; which changes a caller folds into aggregation is signaled via
	// Commit.IsMerge downstream in pkg/extractor.
	MergeHandling config.MergeHandling
}

// FileChangeAtom is one file touched by one commit, diffed against the
// relevant parent.
type FileChangeAtom struct {
	Action     gitlib.ChangeAction
	OldPath    string
	NewPath    string
	Renamed    bool
	Similarity uint16
	LineDelta  gitlib.LineDelta
	OldHash    gitlib.Hash
	NewHash    gitlib.Hash
}

// CommitRecord is one commit plus its change atoms, the unit streamed to
// Commits' callback.
type CommitRecord struct {
	Hash         gitlib.Hash
	ParentHashes []gitlib.Hash
	Author       gitlib.Signature
	Committer    gitlib.Signature
	Message      string
	IsMerge      bool
	Changes      []FileChangeAtom
}

// CommitCallback receives one CommitRecord at a time, in DAG order
// (parents before children). Returning an error aborts the walk.
type CommitCallback func(ctx context.Context, rec CommitRecord) error

// Commits streams the repository's history through cb. Walk order is
// always topological-then-reverse (oldest relevant commit first), matching
// gitlib.Repository.Log's contract so the Path Resolver downstream never
// observes a child before its parent. With IncludeAllRefs the walk starts
// from every ref under refs/* (plus a detached head) instead of the head's
// ancestry alone; the walker still visits each commit once.
func Commits(ctx context.Context, repo *gitlib.Repository, opts Options, cb CommitCallback) error {
	logOpts := &gitlib.LogOptions{
		FirstParent: opts.MergeHandling == config.MergeHandlingFirstParentOnly,
		AllRefs:     opts.IncludeAllRefs,
	}

	if opts.Since != nil {
		logOpts.Since = opts.Since
	}

	iter, err := repo.Log(logOpts)
	if err != nil {
		return engineerror.Wrap(err, engineerror.CodeVCSReadFailed, "open commit log")
	}
	defer iter.Close()

	return iter.ForEach(func(commit *gitlib.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		if opts.Until != nil && commit.Author().When.After(*opts.Until) {
			return nil
		}

		rec, buildErr := buildRecord(repo, commit, opts)
		if buildErr != nil {
			return buildErr
		}

		return cb(ctx, rec)
	})
}

func buildRecord(repo *gitlib.Repository, commit *gitlib.Commit, opts Options) (CommitRecord, error) {
	numParents := commit.NumParents()

	rec := CommitRecord{
		Hash:      commit.Hash(),
		Author:    commit.Author(),
		Committer: commit.Committer(),
		Message:   commit.Message(),
		IsMerge:   numParents > 1,
	}

	for i := 0; i < numParents; i++ {
		rec.ParentHashes = append(rec.ParentHashes, commit.ParentHash(i))
	}

	newTree, err := commit.Tree()
	if err != nil {
		return CommitRecord{}, engineerror.Wrapf(err, engineerror.CodeVCSReadFailed, "load tree for commit %s", commit.Hash())
	}
	defer newTree.Free()

	var oldTree *gitlib.Tree

	if numParents > 0 {
		parent, parentErr := commit.Parent(0)
		if parentErr != nil {
			return CommitRecord{}, engineerror.Wrapf(parentErr, engineerror.CodeVCSReadFailed, "load parent of commit %s", commit.Hash())
		}

		oldTree, err = parent.Tree()
		parent.Free()

		if err != nil {
			return CommitRecord{}, engineerror.Wrapf(err, engineerror.CodeVCSReadFailed, "load parent tree for commit %s", commit.Hash())
		}

		defer oldTree.Free()
	}

	changes, diffErr := diffAgainstParent(repo, oldTree, newTree, opts.RenameDetection)
	if diffErr != nil {
		return CommitRecord{}, diffErr
	}

	rec.Changes = changes

	return rec, nil
}

func diffAgainstParent(repo *gitlib.Repository, oldTree, newTree *gitlib.Tree, renames gitlib.RenameDetection) ([]FileChangeAtom, error) {
	if oldTree == nil {
		changes, err := gitlib.InitialTreeChanges(repo, newTree)
		if err != nil {
			return nil, engineerror.Wrap(err, engineerror.CodeVCSReadFailed, "diff initial commit tree")
		}

		atoms := make([]FileChangeAtom, 0, len(changes))
		for _, c := range changes {
			atoms = append(atoms, FileChangeAtom{
				Action:  c.Action,
				NewPath: c.To.Name,
				NewHash: c.To.Hash,
			})
		}

		return atoms, nil
	}

	if oldTree.Hash() == newTree.Hash() {
		return nil, nil
	}

	diff, err := repo.DiffTreeToTree(oldTree, newTree, renames)
	if err != nil {
		return nil, engineerror.Wrap(err, engineerror.CodeVCSReadFailed, "diff commit tree")
	}
	defer diff.Free()

	numDeltas, err := diff.NumDeltas()
	if err != nil {
		return nil, engineerror.Wrap(err, engineerror.CodeVCSReadFailed, "count diff deltas")
	}

	atoms := make([]FileChangeAtom, 0, numDeltas)

	for i := range numDeltas {
		delta, deltaErr := diff.Delta(i)
		if deltaErr != nil {
			continue
		}

		atom, skip := atomFromDelta(delta)
		if skip {
			continue
		}

		lineDelta, statsErr := diff.PatchStats(i)
		if statsErr != nil {
			return nil, engineerror.Wrap(statsErr, engineerror.CodeVCSReadFailed, "compute patch stats")
		}

		atom.LineDelta = lineDelta
		atoms = append(atoms, atom)
	}

	return atoms, nil
}

func atomFromDelta(delta gitlib.DiffDelta) (atom FileChangeAtom, skip bool) {
	switch delta.Status {
	case git2go.DeltaAdded:
		return FileChangeAtom{Action: gitlib.Insert, NewPath: delta.NewFile.Path, NewHash: delta.NewFile.Hash}, false
	case git2go.DeltaDeleted:
		return FileChangeAtom{Action: gitlib.Delete, OldPath: delta.OldFile.Path, OldHash: delta.OldFile.Hash}, false
	case git2go.DeltaModified, git2go.DeltaRenamed, git2go.DeltaCopied:
		return FileChangeAtom{
			Action:     gitlib.Modify,
			OldPath:    delta.OldFile.Path,
			NewPath:    delta.NewFile.Path,
			OldHash:    delta.OldFile.Hash,
			NewHash:    delta.NewFile.Hash,
			Renamed:    delta.Status == git2go.DeltaRenamed || delta.Status == git2go.DeltaCopied,
			Similarity: delta.Similarity,
		}, false
	default:
		return FileChangeAtom{}, true
	}
}

// ChangeAction, OldPathValue, NewPathValue, and IsRenamed satisfy
// pathresolver.FileChangeAtomLike so the Path Resolver can consume a
// FileChangeAtom without this package importing pathresolver.
func (a FileChangeAtom) ChangeAction() gitlib.ChangeAction { return a.Action }
func (a FileChangeAtom) OldPathValue() string               { return a.OldPath }
func (a FileChangeAtom) NewPathValue() string               { return a.NewPath }
func (a FileChangeAtom) IsRenamed() bool                    { return a.Renamed }

// String renders a CommitRecord for logging/debugging.
func (r CommitRecord) String() string {
	return fmt.Sprintf("commit %s (%d files changed, merge=%v)", r.Hash, len(r.Changes), r.IsMerge)
}
