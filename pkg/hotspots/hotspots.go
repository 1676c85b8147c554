// Package hotspots implements the Metrics & Hotspots component: it derives
// per-file commit/churn/coupling statistics, a min-max normalised risk
// score, folder-level coupling roll-ups, and the supplemental
// developer-coupling matrix and file-ownership table.
package hotspots

import (
	"context"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/couplegraph/coupler/pkg/alg/stats"
	"github.com/couplegraph/coupler/pkg/config"
	"github.com/couplegraph/coupler/pkg/identity"
	"github.com/couplegraph/coupler/pkg/store"
)

// Risk formula weights.
const (
	weightCommits     = 0.4
	weightMaxCoupling = 0.3
	weightChurn       = 0.2
	weightAuthors     = 0.1

	lowAuthorThreshold = 3
	churnWindowDays    = 30
	daysPerWeek        = 7.0
)

// Computer derives file_stats, developer_coupling, and file_ownership rows
// for one run.
type Computer struct {
	store *store.Store
}

// New creates a Computer over s.
func New(s *store.Store) *Computer {
	return &Computer{store: s}
}

// fileAgg accumulates the raw counters for one file before normalisation.
type fileAgg struct {
	commits      int64
	authors      map[identity.Key]struct{}
	first        *time.Time
	last         *time.Time
	linesAdded   int64
	linesDeleted int64
	last30Days   int64
}

// Compute replays every recorded commit and change atom to build the raw
// per-file aggregates, folds in max_coupling/coupled_files_count from the
// already-persisted edge table, computes the min-max-normalised risk
// score, and returns the rows ready for Store.ReplaceFileStats. now
// anchors "commits_last_30_days" and the risk computation's snapshot.
func (c *Computer) Compute(ctx context.Context, now time.Time) ([]store.FileStatsRow, error) {
	aggs := make(map[int64]*fileAgg)

	err := c.store.IterateCommits(ctx, func(commit store.CommitRow) error {
		atoms, atomsErr := c.store.ChangesForCommit(commit.ID)
		if atomsErr != nil {
			return atomsErr
		}

		author := identity.Canonicalize(commit.AuthorName, commit.AuthorEmail)

		for _, atom := range atoms {
			agg, ok := aggs[atom.FileID]
			if !ok {
				agg = &fileAgg{authors: make(map[identity.Key]struct{})}
				aggs[atom.FileID] = agg
			}

			agg.commits++
			agg.authors[author] = struct{}{}

			if agg.first == nil || commit.AuthorTime.Before(*agg.first) {
				t := commit.AuthorTime
				agg.first = &t
			}

			if agg.last == nil || commit.AuthorTime.After(*agg.last) {
				t := commit.AuthorTime
				agg.last = &t
			}

			if atom.LineDeltaKnown {
				agg.linesAdded += int64(atom.LinesAdded)
				agg.linesDeleted += int64(atom.LinesDeleted)
			}

			if now.Sub(commit.AuthorTime) <= churnWindowDays*24*time.Hour {
				agg.last30Days++
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	maxCoupling, coupledCount, countErr := c.couplingByFile(ctx)
	if countErr != nil {
		return nil, countErr
	}

	return buildRows(aggs, maxCoupling, coupledCount, now), nil
}

// couplingByFile scans the stored edge table once and returns, per file
// id, the maximum weighted_jaccard across its edges and its distinct
// coupled-file count.
func (c *Computer) couplingByFile(ctx context.Context) (map[int64]float64, map[int64]int64, error) {
	var edges []store.EdgeRow

	err := c.store.DB().SelectContext(ctx, &edges,
		"SELECT src_file_id, dst_file_id, pair_count, weighted_pair_count, jaccard, weighted_jaccard, p_dst_given_src, p_src_given_dst FROM edges")
	if err != nil {
		return nil, nil, err
	}

	maxCoupling := make(map[int64]float64)
	coupledCount := make(map[int64]int64)

	bump := func(a, b int64, wj float64) {
		if wj > maxCoupling[a] {
			maxCoupling[a] = wj
		}

		coupledCount[a]++
	}

	for _, e := range edges {
		bump(e.SrcFileID, e.DstFileID, e.WeightedJaccard)
		bump(e.DstFileID, e.SrcFileID, e.WeightedJaccard)
	}

	return maxCoupling, coupledCount, nil
}

func buildRows(aggs map[int64]*fileAgg, maxCoupling map[int64]float64, coupledCount map[int64]int64, now time.Time) []store.FileStatsRow {
	fileIDs := make([]int64, 0, len(aggs))
	for id := range aggs {
		fileIDs = append(fileIDs, id)
	}

	sort.Slice(fileIDs, func(i, j int) bool { return fileIDs[i] < fileIDs[j] })

	commitsRaw := make([]float64, len(fileIDs))
	couplingRaw := make([]float64, len(fileIDs))
	churnRaw := make([]float64, len(fileIDs))
	lowAuthorRaw := make([]float64, len(fileIDs))

	type interim struct {
		fileID    int64
		agg       *fileAgg
		churnRate float64
	}

	interims := make([]interim, len(fileIDs))

	for i, id := range fileIDs {
		agg := aggs[id]

		activeWeeks := 1.0
		if agg.first != nil && agg.last != nil {
			days := agg.last.Sub(*agg.first).Hours() / 24
			activeWeeks = max(1.0, days/daysPerWeek)
		}

		churnRate := float64(agg.linesAdded+agg.linesDeleted) / activeWeeks

		commitsRaw[i] = float64(agg.commits)
		couplingRaw[i] = maxCoupling[id]
		churnRaw[i] = churnRate
		lowAuthorRaw[i] = float64(max(0, lowAuthorThreshold-len(agg.authors)))

		interims[i] = interim{fileID: id, agg: agg, churnRate: churnRate}
	}

	normCommits := minMaxNormalizer(commitsRaw)
	normCoupling := minMaxNormalizer(couplingRaw)
	normChurn := minMaxNormalizer(churnRaw)
	normLowAuthors := minMaxNormalizer(lowAuthorRaw)

	rows := make([]store.FileStatsRow, len(fileIDs))

	for i, it := range interims {
		risk := weightCommits*normCommits(commitsRaw[i]) +
			weightMaxCoupling*normCoupling(couplingRaw[i]) +
			weightChurn*normChurn(churnRaw[i]) +
			weightAuthors*normLowAuthors(lowAuthorRaw[i])

		rows[i] = store.FileStatsRow{
			FileID:            it.fileID,
			TotalCommits:      it.agg.commits,
			AuthorsCount:      int64(len(it.agg.authors)),
			FirstCommitDate:   it.agg.first,
			LastCommitDate:    it.agg.last,
			LinesAdded:        it.agg.linesAdded,
			LinesDeleted:      it.agg.linesDeleted,
			CommitsLast30Days: it.agg.last30Days,
			ChurnRate:         it.churnRate,
			MaxCoupling:       maxCoupling[it.fileID],
			CoupledFilesCount: coupledCount[it.fileID],
			RiskScore:         stats.Clamp(risk, 0, 1),
		}
	}

	return rows
}

// minMaxNormalizer returns a function mapping a raw value into [0, 1]
// relative to values' observed min/max. When every value is equal, every
// input normalises to 0 - there is no meaningful spread to rank within.
func minMaxNormalizer(values []float64) func(float64) float64 {
	if len(values) == 0 {
		return func(float64) float64 { return 0 }
	}

	lo := stats.Min(values)
	hi := stats.Max(values)

	if hi <= lo {
		return func(float64) float64 { return 0 }
	}

	return func(v float64) float64 { return (v - lo) / (hi - lo) }
}

// Hotspots selects hotspot files from rows per cfg.HotspotSelector: either
// the top percentile of risk_score (top_p, default 0.95) or the n files with
// the highest total_commits (top_n).
func Hotspots(rows []store.FileStatsRow, cfg config.Configuration) ([]store.FileStatsRow, error) {
	kind, value, err := config.ParseHotspotSelector(cfg.HotspotSelector)
	if err != nil {
		return nil, err
	}

	out := make([]store.FileStatsRow, 0, len(rows))

	switch kind {
	case "top_n":
		sorted := append([]store.FileStatsRow(nil), rows...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].TotalCommits > sorted[j].TotalCommits })

		n := int(value)
		if n > len(sorted) {
			n = len(sorted)
		}

		out = sorted[:n]
	default: // "top_p"
		risks := make([]float64, len(rows))
		for i, r := range rows {
			risks[i] = r.RiskScore
		}

		threshold := stats.Percentile(risks, value)

		for _, r := range rows {
			if r.RiskScore >= threshold {
				out = append(out, r)
			}
		}
	}

	return out, nil
}

// FolderRollup is the derived per-folder coupling roll-up
// ("Folder roll-ups").
type FolderRollup struct {
	Prefix            string
	Commits           int64
	Churn             float64
	AuthorsCount      int64
	InternalCoupling  int
	ExternalCoupling  int
	Cohesion          float64
}

// Rollup computes a FolderRollup for prefix from rows (commits/churn) and
// authorsByFile (distinct author set size), restricted to files for which
// fileInFolder reports true, plus the edges touching files under prefix
// for internal/external coupling and cohesion.
func Rollup(
	ctx context.Context,
	s *store.Store,
	prefix string,
	rows []store.FileStatsRow,
	authorsByFile map[int64]map[identity.Key]struct{},
	fileInFolder map[int64]bool,
) (FolderRollup, error) {
	var (
		commits int64
		churn   float64
	)

	authors := make(map[identity.Key]struct{})

	for _, r := range rows {
		if !fileInFolder[r.FileID] {
			continue
		}

		commits += r.TotalCommits
		churn += r.ChurnRate

		for author := range authorsByFile[r.FileID] {
			authors[author] = struct{}{}
		}
	}

	edges, err := s.EdgesWithinFolder(ctx, prefix)
	if err != nil {
		return FolderRollup{}, err
	}

	var internal, external int

	for _, e := range edges {
		if fileInFolder[e.SrcFileID] && fileInFolder[e.DstFileID] {
			internal++
		} else {
			external++
		}
	}

	cohesion := 0.0
	if internal+external > 0 {
		cohesion = float64(internal) / float64(internal+external)
	}

	return FolderRollup{
		Prefix:           prefix,
		Commits:          commits,
		Churn:            churn,
		AuthorsCount:     int64(len(authors)),
		InternalCoupling: internal,
		ExternalCoupling: external,
		Cohesion:         cohesion,
	}, nil
}

// AuthorsByFile builds the per-file distinct-author-set map Rollup needs,
// replaying commit history once.
func (c *Computer) AuthorsByFile(ctx context.Context) (map[int64]map[identity.Key]struct{}, error) {
	result := make(map[int64]map[identity.Key]struct{})

	err := c.store.IterateCommits(ctx, func(commit store.CommitRow) error {
		atoms, atomsErr := c.store.ChangesForCommit(commit.ID)
		if atomsErr != nil {
			return atomsErr
		}

		author := identity.Canonicalize(commit.AuthorName, commit.AuthorEmail)

		for _, atom := range atoms {
			m, ok := result[atom.FileID]
			if !ok {
				m = make(map[identity.Key]struct{})
				result[atom.FileID] = m
			}

			m[author] = struct{}{}
		}

		return nil
	})

	return result, err
}

// Write persists rows via Store.ReplaceFileStats in a single transaction.
func (c *Computer) Write(ctx context.Context, rows []store.FileStatsRow) error {
	return c.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		return c.store.ReplaceFileStats(ctx, tx, rows)
	})
}

// DeveloperCoupling computes the developer coupling matrix: for every
// pair of canonical identities who have both touched at least one common
// file, the count of shared files.
func (c *Computer) DeveloperCoupling(ctx context.Context) ([]store.DeveloperCouplingRow, error) {
	fileAuthors := make(map[int64]map[identity.Key]struct{})

	err := c.store.IterateCommits(ctx, func(commit store.CommitRow) error {
		atoms, atomsErr := c.store.ChangesForCommit(commit.ID)
		if atomsErr != nil {
			return atomsErr
		}

		author := identity.Canonicalize(commit.AuthorName, commit.AuthorEmail)

		for _, atom := range atoms {
			m, ok := fileAuthors[atom.FileID]
			if !ok {
				m = make(map[identity.Key]struct{})
				fileAuthors[atom.FileID] = m
			}

			m[author] = struct{}{}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	shared := make(map[[2]identity.Key]int64)

	for _, authors := range fileAuthors {
		keys := make([]identity.Key, 0, len(authors))
		for k := range authors {
			keys = append(keys, k)
		}

		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

		for i := 0; i < len(keys); i++ {
			for j := i + 1; j < len(keys); j++ {
				shared[[2]identity.Key{keys[i], keys[j]}]++
			}
		}
	}

	rows := make([]store.DeveloperCouplingRow, 0, len(shared))
	for pair, count := range shared {
		rows = append(rows, store.DeveloperCouplingRow{DevA: string(pair[0]), DevB: string(pair[1]), SharedFiles: count})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].DevA != rows[j].DevA {
			return rows[i].DevA < rows[j].DevA
		}

		return rows[i].DevB < rows[j].DevB
	})

	return rows, nil
}

// WriteDeveloperCoupling persists rows via Store.ReplaceDeveloperCoupling.
func (c *Computer) WriteDeveloperCoupling(ctx context.Context, rows []store.DeveloperCouplingRow) error {
	return c.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		return c.store.ReplaceDeveloperCoupling(ctx, tx, rows)
	})
}

// FileOwnership computes the top contributor per file by commit count.
func (c *Computer) FileOwnership(ctx context.Context) ([]store.FileOwnershipRow, error) {
	type counts struct {
		perAuthor map[identity.Key]int64
		total     int64
		display   map[identity.Key]string
	}

	byFile := make(map[int64]*counts)

	err := c.store.IterateCommits(ctx, func(commit store.CommitRow) error {
		atoms, atomsErr := c.store.ChangesForCommit(commit.ID)
		if atomsErr != nil {
			return atomsErr
		}

		author := identity.Canonicalize(commit.AuthorName, commit.AuthorEmail)

		for _, atom := range atoms {
			cc, ok := byFile[atom.FileID]
			if !ok {
				cc = &counts{perAuthor: make(map[identity.Key]int64), display: make(map[identity.Key]string)}
				byFile[atom.FileID] = cc
			}

			cc.perAuthor[author]++
			cc.total++

			if _, seen := cc.display[author]; !seen {
				cc.display[author] = commit.AuthorName
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	fileIDs := make([]int64, 0, len(byFile))
	for id := range byFile {
		fileIDs = append(fileIDs, id)
	}

	sort.Slice(fileIDs, func(i, j int) bool { return fileIDs[i] < fileIDs[j] })

	rows := make([]store.FileOwnershipRow, 0, len(fileIDs))

	for _, id := range fileIDs {
		cc := byFile[id]

		var topAuthor identity.Key

		var topCount int64

		for author, count := range cc.perAuthor {
			if count > topCount || (count == topCount && author < topAuthor) {
				topAuthor = author
				topCount = count
			}
		}

		rows = append(rows, store.FileOwnershipRow{
			FileID:           id,
			TopAuthor:        cc.display[topAuthor],
			TopAuthorCommits: topCount,
			TotalCommits:     cc.total,
		})
	}

	return rows, nil
}

// WriteFileOwnership persists rows via Store.ReplaceFileOwnership.
func (c *Computer) WriteFileOwnership(ctx context.Context, rows []store.FileOwnershipRow) error {
	return c.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		return c.store.ReplaceFileOwnership(ctx, tx, rows)
	})
}
