package gitlib_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couplegraph/coupler/pkg/gitlib"
)

func TestPatchStats(t *testing.T) {
	tr := newTestRepo(t)
	defer tr.cleanup()

	tr.createFile("f.txt", "v1\nv2\n")
	firstHash := tr.commit("first")
	tr.createFile("f.txt", "v1\nv2\nv3\n")
	secondHash := tr.commit("second")

	repo, err := gitlib.OpenRepository(tr.path)
	require.NoError(t, err)

	defer repo.Free()

	firstCommit, err := repo.LookupCommit(firstHash)
	require.NoError(t, err)

	defer firstCommit.Free()

	secondCommit, err := repo.LookupCommit(secondHash)
	require.NoError(t, err)

	defer secondCommit.Free()

	firstTree, err := firstCommit.Tree()
	require.NoError(t, err)

	defer firstTree.Free()

	secondTree, err := secondCommit.Tree()
	require.NoError(t, err)

	defer secondTree.Free()

	diff, err := repo.DiffTreeToTree(firstTree, secondTree, gitlib.DefaultRenameDetection())
	require.NoError(t, err)

	defer diff.Free()

	delta, err := diff.PatchStats(0)
	require.NoError(t, err)
	assert.True(t, delta.Available)
	assert.Equal(t, 1, delta.Insertions)
	assert.Equal(t, 0, delta.Deletions)
}

func TestTreeDiffRenameDetection(t *testing.T) {
	tr := newTestRepo(t)
	defer tr.cleanup()

	content := "package main\n\nfunc main() {\n\tprintln(\"hello world, this is a somewhat long file\")\n}\n"

	tr.createFile("old_name.go", content)
	firstHash := tr.commit("add file")

	tr.deleteFile("old_name.go")
	tr.createFile("new_name.go", content)
	secondHash := tr.commit("rename file")

	repo, err := gitlib.OpenRepository(tr.path)
	require.NoError(t, err)

	defer repo.Free()

	firstCommit, err := repo.LookupCommit(firstHash)
	require.NoError(t, err)

	defer firstCommit.Free()

	secondCommit, err := repo.LookupCommit(secondHash)
	require.NoError(t, err)

	defer secondCommit.Free()

	firstTree, err := firstCommit.Tree()
	require.NoError(t, err)

	defer firstTree.Free()

	secondTree, err := secondCommit.Tree()
	require.NoError(t, err)

	defer secondTree.Free()

	changes, err := gitlib.TreeDiff(repo, firstTree, secondTree, gitlib.DefaultRenameDetection())
	require.NoError(t, err)
	require.Len(t, changes, 1)

	change := changes[0]
	assert.Equal(t, gitlib.Modify, change.Action)
	assert.True(t, change.Renamed)
	assert.Equal(t, "old_name.go", change.From.Name)
	assert.Equal(t, "new_name.go", change.To.Name)
	assert.GreaterOrEqual(t, change.Similarity, uint16(60))
}

func TestTreeDiffRenameDetectionDisabled(t *testing.T) {
	tr := newTestRepo(t)
	defer tr.cleanup()

	content := "package main\n\nfunc main() {\n\tprintln(\"hello world, this is a somewhat long file\")\n}\n"

	tr.createFile("old_name.go", content)
	firstHash := tr.commit("add file")

	tr.deleteFile("old_name.go")
	tr.createFile("new_name.go", content)
	secondHash := tr.commit("rename file")

	repo, err := gitlib.OpenRepository(tr.path)
	require.NoError(t, err)

	defer repo.Free()

	firstCommit, err := repo.LookupCommit(firstHash)
	require.NoError(t, err)

	defer firstCommit.Free()

	secondCommit, err := repo.LookupCommit(secondHash)
	require.NoError(t, err)

	defer secondCommit.Free()

	firstTree, err := firstCommit.Tree()
	require.NoError(t, err)

	defer firstTree.Free()

	secondTree, err := secondCommit.Tree()
	require.NoError(t, err)

	defer secondTree.Free()

	changes, err := gitlib.TreeDiff(repo, firstTree, secondTree, gitlib.RenameDetection{})
	require.NoError(t, err)
	require.Len(t, changes, 2, "without rename detection this is an add + a delete")
}
