package query_test

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couplegraph/coupler/pkg/engineerror"
	"github.com/couplegraph/coupler/pkg/metrics"
	"github.com/couplegraph/coupler/pkg/query"
	"github.com/couplegraph/coupler/pkg/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(t.TempDir())
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	return s
}

// seed creates entities, edges, and stats for a small two-folder layout:
//
//	src/a.go (1) -- src/b.go (2)   strong pair
//	src/a.go (1) -- lib/c.go (3)   weak pair
//	srcX/d.go (4)                  uncoupled decoy for prefix tests
func seed(t *testing.T, s *store.Store) *query.Service {
	t.Helper()

	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, path := range []string{"src/a.go", "src/b.go", "lib/c.go", "srcX/d.go"} {
			if _, createErr := s.GetOrCreateFile(ctx, tx, path); createErr != nil {
				return createErr
			}
		}

		edges := []store.EdgeRow{
			{SrcFileID: 1, DstFileID: 2, PairCount: 8, WeightedPairCount: 8, Jaccard: 0.8, WeightedJaccard: 0.8, PDstGivenSrc: 0.8, PSrcGivenDst: 1.0},
			{SrcFileID: 1, DstFileID: 3, PairCount: 2, WeightedPairCount: 2, Jaccard: 0.2, WeightedJaccard: 0.2, PDstGivenSrc: 0.2, PSrcGivenDst: 0.5},
		}

		if replaceErr := s.ReplaceEdgesAndTopK(ctx, tx, edges, nil); replaceErr != nil {
			return replaceErr
		}

		stats := []store.FileStatsRow{
			{FileID: 1, TotalCommits: 10, AuthorsCount: 1, ChurnRate: 30, MaxCoupling: 0.8, CoupledFilesCount: 2, RiskScore: 0.9},
			{FileID: 2, TotalCommits: 8, AuthorsCount: 2, ChurnRate: 10, MaxCoupling: 0.8, CoupledFilesCount: 1, RiskScore: 0.5},
			{FileID: 3, TotalCommits: 4, AuthorsCount: 3, ChurnRate: 5, MaxCoupling: 0.2, CoupledFilesCount: 1, RiskScore: 0.2},
			{FileID: 4, TotalCommits: 1, AuthorsCount: 1, ChurnRate: 1, MaxCoupling: 0, CoupledFilesCount: 0, RiskScore: 0.1},
		}

		return s.ReplaceFileStats(ctx, tx, stats)
	})
	require.NoError(t, err)

	return query.New(s)
}

func TestListFilesFiltersAndPaginates(t *testing.T) {
	s := openTestStore(t)
	q := seed(t, s)
	ctx := context.Background()

	all, err := q.ListFiles(ctx, query.ListFilesOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	risky, err := q.ListFiles(ctx, query.ListFilesOptions{MinRisk: 0.5})
	require.NoError(t, err)
	assert.Len(t, risky, 2)

	paged, err := q.ListFiles(ctx, query.ListFilesOptions{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, paged, 2)

	substr, err := q.ListFiles(ctx, query.ListFilesOptions{Substring: "lib/"})
	require.NoError(t, err)
	require.Len(t, substr, 1)
	assert.Equal(t, "lib/c.go", substr[0].Path)
	assert.Equal(t, metrics.RiskLow, substr[0].RiskLevel)
}

func TestGetFileDetailsUnknownPathIsFileNotFound(t *testing.T) {
	s := openTestStore(t)
	q := seed(t, s)

	_, err := q.GetFileDetails(context.Background(), "does/not/exist.go")
	require.Error(t, err)
	assert.Equal(t, engineerror.CodeFileNotFound, engineerror.CodeOf(err))
}

func TestGetCouplingIsSymmetric(t *testing.T) {
	s := openTestStore(t)
	q := seed(t, s)
	ctx := context.Background()

	fromA, err := q.GetCoupling(ctx, "src/a.go", query.CouplingOptions{})
	require.NoError(t, err)

	fromB, err := q.GetCoupling(ctx, "src/b.go", query.CouplingOptions{})
	require.NoError(t, err)

	// The unordered edge (a, b) must be visible from both endpoints.
	assert.Equal(t, "src/b.go", fromA[0].Path)
	require.Len(t, fromB, 1)
	assert.Equal(t, "src/a.go", fromB[0].Path)

	// Directional probabilities swap with perspective.
	assert.InDelta(t, 0.8, fromA[0].POtherGivenThis, 1e-9)
	assert.InDelta(t, 1.0, fromB[0].POtherGivenThis, 1e-9)
}

func TestGetCouplingOrdersByWeight(t *testing.T) {
	s := openTestStore(t)
	q := seed(t, s)

	coupled, err := q.GetCoupling(context.Background(), "src/a.go", query.CouplingOptions{})
	require.NoError(t, err)
	require.Len(t, coupled, 2)
	assert.Equal(t, "src/b.go", coupled[0].Path)
	assert.Equal(t, "lib/c.go", coupled[1].Path)
}

func TestGetCouplingGraphPrefixBoundary(t *testing.T) {
	s := openTestStore(t)
	q := seed(t, s)

	g, err := q.GetCouplingGraph(context.Background(), "src", query.GraphOptions{})
	require.NoError(t, err)

	// Only the src/a.go -- src/b.go edge has both endpoints under src/;
	// srcX/d.go must not leak in, and the cross-folder edge to lib/c.go is
	// excluded.
	require.Len(t, g.Edges, 1)
	assert.Equal(t, "src/a.go", g.Edges[0].SrcPath)
	assert.Equal(t, "src/b.go", g.Edges[0].DstPath)
	assert.Len(t, g.Nodes, 2)
}

func TestGetHotspotsSortsByRisk(t *testing.T) {
	s := openTestStore(t)
	q := seed(t, s)

	hotspotRows, err := q.GetHotspots(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, hotspotRows, 2)
	assert.Equal(t, "src/a.go", hotspotRows[0].Path)
	assert.Equal(t, metrics.RiskCritical, hotspotRows[0].RiskLevel)
	assert.Equal(t, "src/b.go", hotspotRows[1].Path)
}

func TestGetHotspotsBySelectorTopN(t *testing.T) {
	s := openTestStore(t)
	q := seed(t, s)

	rows, err := q.GetHotspotsBySelector(context.Background(), "top_n:2")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// top_n ranks by raw commit activity.
	assert.Equal(t, "src/a.go", rows[0].Path)
	assert.Equal(t, "src/b.go", rows[1].Path)
}

func TestGetImpactRanksByConditionalProbability(t *testing.T) {
	s := openTestStore(t)
	q := seed(t, s)

	impact, err := q.GetImpact(context.Background(), "src/a.go", 0)
	require.NoError(t, err)
	require.Len(t, impact, 2)
	assert.Equal(t, "src/b.go", impact[0].Path)
	assert.InDelta(t, 0.8, impact[0].POtherGivenThis, 1e-9)
}

func TestGetImpactGraphExpandsNeighbourhood(t *testing.T) {
	s := openTestStore(t)
	q := seed(t, s)

	g, err := q.GetImpactGraph(context.Background(), "src/b.go", 2, query.GraphOptions{})
	require.NoError(t, err)

	// Hop 1 reaches a.go; hop 2 pulls in a.go's edge to lib/c.go.
	assert.Len(t, g.Edges, 2)
	assert.Len(t, g.Nodes, 3)
}

func TestGetLineageReturnsPathHistory(t *testing.T) {
	s := openTestStore(t)
	q := seed(t, s)
	ctx := context.Background()

	// Record a rename chain on file 1: src/a.go was once old/a.go. The
	// lineage rows reference real commits to satisfy the schema's keys.
	c1 := seedCommitWithAtoms(t, s, "alice", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), map[int64]string{1: "old/a.go"})
	c2 := seedCommitWithAtoms(t, s, "alice", time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), map[int64]string{1: "src/a.go"})

	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		if openErr := s.OpenLineage(ctx, tx, 1, "old/a.go", c1); openErr != nil {
			return openErr
		}

		if closeErr := s.CloseLineageByPath(ctx, tx, "old/a.go", c2); closeErr != nil {
			return closeErr
		}

		return s.OpenLineage(ctx, tx, 1, "src/a.go", c2)
	})
	require.NoError(t, err)

	lineage, err := q.GetLineage(ctx, "src/a.go")
	require.NoError(t, err)
	require.Len(t, lineage, 2)

	assert.Equal(t, "old/a.go", lineage[0].Path)
	require.NotNil(t, lineage[0].EndCommit)
	assert.Nil(t, lineage[1].EndCommit)
}

func TestGetComponentCouplingRollsUp(t *testing.T) {
	s := openTestStore(t)
	q := seed(t, s)
	ctx := context.Background()

	// AuthorsByFile replays recorded commits; give the component files one.
	seedCommitWithAtoms(t, s, "alice", time.Now().UTC(), map[int64]string{1: "src/a.go", 2: "src/b.go"})

	component, err := q.GetComponentCoupling(ctx, "src", 0)
	require.NoError(t, err)

	assert.Equal(t, int64(18), component.Component.Commits)
	assert.Equal(t, 1, component.Component.InternalCoupling)
	assert.Equal(t, 1, component.Component.ExternalCoupling)
	assert.InDelta(t, 0.5, component.Component.Cohesion, 1e-9)
}

func TestGetComponentCouplingUnknownComponent(t *testing.T) {
	s := openTestStore(t)
	q := seed(t, s)

	_, err := q.GetComponentCoupling(context.Background(), "nope", 0)
	require.Error(t, err)
	assert.Equal(t, engineerror.CodeFileNotFound, engineerror.CodeOf(err))
}

func seedCommitWithAtoms(t *testing.T, s *store.Store, author string, at time.Time, files map[int64]string) int64 {
	t.Helper()

	ctx := context.Background()

	var commitID int64

	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		id, insertErr := s.InsertCommit(ctx, tx, store.CommitRow{
			VCSObjectID:    author + at.String(),
			AuthorName:     author,
			AuthorEmail:    author + "@example.com",
			CommitterName:  author,
			CommitterEmail: author + "@example.com",
			AuthorTime:     at,
			CommitterTime:  at,
			Message:        "msg",
		})
		if insertErr != nil {
			return insertErr
		}

		commitID = id

		return nil
	})
	require.NoError(t, err)

	atoms := make([]store.ChangeAtom, 0, len(files))
	for fileID, path := range files {
		atoms = append(atoms, store.ChangeAtom{CommitID: commitID, FileID: fileID, Path: path, Action: "modify"})
	}

	require.NoError(t, s.InsertChanges(atoms))

	return commitID
}
