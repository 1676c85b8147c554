package gitlib

import (
	"fmt"
	"time"

	git2go "github.com/libgit2/git2go/v34"
)

// Repository wraps a libgit2 repository.
type Repository struct {
	repo *git2go.Repository
	path string
}

// OpenRepository opens a git repository at the given path.
func OpenRepository(path string) (*Repository, error) {
	repo, err := git2go.OpenRepository(path)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}

	return &Repository{repo: repo, path: path}, nil
}

// Path returns the repository path.
func (r *Repository) Path() string {
	return r.path
}

// Free releases the repository resources.
func (r *Repository) Free() {
	if r.repo != nil {
		r.repo.Free()
		r.repo = nil
	}
}

// Head returns the HEAD reference target.
func (r *Repository) Head() (Hash, error) {
	ref, err := r.repo.Head()
	if err != nil {
		return Hash{}, fmt.Errorf("get HEAD: %w", err)
	}
	defer ref.Free()

	return HashFromOid(ref.Target()), nil
}

// LookupCommit returns the commit with the given hash.
func (r *Repository) LookupCommit(hash Hash) (*Commit, error) {
	commit, err := r.repo.LookupCommit(hash.ToOid())
	if err != nil {
		return nil, fmt.Errorf("lookup commit: %w", err)
	}

	return &Commit{commit: commit, repo: r}, nil
}

// LookupTree returns the tree with the given hash.
func (r *Repository) LookupTree(hash Hash) (*Tree, error) {
	tree, err := r.repo.LookupTree(hash.ToOid())
	if err != nil {
		return nil, fmt.Errorf("lookup tree: %w", err)
	}

	return &Tree{tree: tree, repo: r}, nil
}

// Walk creates a new, empty revision walker; callers add start points with
// Push or PushHead.
func (r *Repository) Walk() (*RevWalk, error) {
	walk, err := r.repo.Walk()
	if err != nil {
		return nil, fmt.Errorf("create revwalk: %w", err)
	}

	return &RevWalk{walk: walk, repo: r}, nil
}

// LogOptions configures the commit log iteration.
type LogOptions struct {
	Since       *time.Time // Only include commits after this time.
	FirstParent bool       // Follow only first parent (git log --first-parent).
	AllRefs     bool       // Walk every ref under refs/*, not just HEAD's ancestry.
}

// Log returns a commit iterator starting from HEAD, or from every ref when
// LogOptions.AllRefs is set. The walker visits each commit once regardless
// of how many pushed tips reach it.
func (r *Repository) Log(opts *LogOptions) (*CommitIter, error) {
	walk, err := r.repo.Walk()
	if err != nil {
		return nil, fmt.Errorf("create revwalk: %w", err)
	}

	if opts != nil && opts.AllRefs {
		if err := walk.PushGlob("refs/*"); err != nil {
			walk.Free()

			return nil, fmt.Errorf("push refs to revwalk: %w", err)
		}

		// A detached HEAD is not under refs/*; include it when present.
		if headRef, headErr := r.repo.Head(); headErr == nil {
			_ = walk.Push(headRef.Target())
			headRef.Free()
		}
	} else {
		// Start from HEAD.
		headRef, headErr := r.repo.Head()
		if headErr != nil {
			walk.Free()

			return nil, fmt.Errorf("get HEAD: %w", headErr)
		}

		err = walk.Push(headRef.Target())
		headRef.Free()

		if err != nil {
			walk.Free()

			return nil, fmt.Errorf("push HEAD to revwalk: %w", err)
		}
	}

	// Topological + reverse order yields parents before children, matching
	// the History Reader's DAG-order contract; prevents diffing a commit
	// against a descendant when branches have different timestamps.
	walk.Sorting(git2go.SortTime | git2go.SortTopological | git2go.SortReverse)

	var since *time.Time
	if opts != nil {
		since = opts.Since

		if opts.FirstParent {
			walk.SimplifyFirstParent()
		}
	}

	return &CommitIter{walk: walk, repo: r, since: since}, nil
}

// RenameDetection configures libgit2's rename/copy detection pass over a
// tree-to-tree diff.
type RenameDetection struct {
	// Enabled turns on rename detection. Copy detection is independently
	// gated by DetectCopies.
	Enabled bool
	// SimilarityThreshold is the percent (0-100) of content similarity
	// required to consider an add+delete pair a rename.
	SimilarityThreshold uint16
	// DetectCopies additionally looks for copies among unmodified files;
	// off by default since it is much more expensive.
	DetectCopies bool
}

// DefaultRenameDetection returns the standard setting: renames on at a 60%
// similarity threshold, copy detection off.
func DefaultRenameDetection() RenameDetection {
	return RenameDetection{Enabled: true, SimilarityThreshold: 60}
}

// DiffTreeToTree computes the diff between two trees, applying rename (and,
// optionally, copy) detection per opts.
func (r *Repository) DiffTreeToTree(oldTree, newTree *Tree, opts RenameDetection) (*Diff, error) {
	diffOpts, err := git2go.DefaultDiffOptions()
	if err != nil {
		return nil, fmt.Errorf("get diff options: %w", err)
	}

	var oldT, newT *git2go.Tree
	if oldTree != nil {
		oldT = oldTree.tree
	}

	if newTree != nil {
		newT = newTree.tree
	}

	diff, err := r.repo.DiffTreeToTree(oldT, newT, &diffOpts)
	if err != nil {
		return nil, fmt.Errorf("diff trees: %w", err)
	}

	if opts.Enabled {
		findOpts, findErr := git2go.DefaultDiffFindOptions()
		if findErr != nil {
			diff.Free()

			return nil, fmt.Errorf("get diff find options: %w", findErr)
		}

		findOpts.Flags = git2go.DiffFindRenames
		if opts.DetectCopies {
			findOpts.Flags |= git2go.DiffFindCopies
		}

		findOpts.RenameThreshold = opts.SimilarityThreshold
		findOpts.CopyThreshold = opts.SimilarityThreshold

		if findErr := diff.FindSimilar(&findOpts); findErr != nil {
			diff.Free()

			return nil, fmt.Errorf("find similar: %w", findErr)
		}
	}

	return &Diff{diff: diff}, nil
}

// Native returns the underlying libgit2 repository for advanced operations.
func (r *Repository) Native() *git2go.Repository {
	return r.repo
}
