// Package extractor drives historyreader and pathresolver together,
// batching commits into bounded transactions and writing immutable
// commit/lineage/change rows. It is the only component that writes to
// pkg/store's commit and lineage tables.
package extractor

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/couplegraph/coupler/pkg/config"
	"github.com/couplegraph/coupler/pkg/gitlib"
	"github.com/couplegraph/coupler/pkg/historyreader"
	"github.com/couplegraph/coupler/pkg/observability"
	"github.com/couplegraph/coupler/pkg/pathresolver"
	"github.com/couplegraph/coupler/pkg/store"
)

// Progress is reported to the caller-supplied callback after every batch
// transaction commits, feeding the Run Orchestrator's progress channel.
type Progress struct {
	CommitsProcessed int
	BatchesProcessed int
	LastCommit       gitlib.Hash
}

// ProgressFunc receives a Progress update after each committed batch.
type ProgressFunc func(Progress)

// Options configures a single extraction pass.
type Options struct {
	Config      config.Configuration
	BatchSize   int // commits per transaction; falls back to budget.DefaultCommitBatchSize when <= 0.
	RenameOpts  gitlib.RenameDetection
	OnProgress  ProgressFunc
	Logger      *slog.Logger
	Stats       *observability.AnalysisStats
}

const defaultBatchSize = 500 // commits per transaction batch when Options.BatchSize <= 0.

// Run walks repo's history via historyreader.Commits and persists every
// not-yet-seen commit, its lineage mutations, and its change atoms into s,
// in batches of opts.BatchSize commits per transaction. Already-recorded
// commits (matched by vcs_object_id) are skipped, making re-runs over the
// same history idempotent.
func Run(ctx context.Context, repo *gitlib.Repository, s *store.Store, opts Options) error {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	resolver := pathresolver.New(s, opts.Stats)

	hrOpts := historyreader.Options{
		Ref:             opts.Config.Ref,
		IncludeAllRefs:  opts.Config.IncludeAllRefs,
		Since:           opts.Config.Since,
		Until:           opts.Config.Until,
		RenameDetection: opts.RenameOpts,
		MergeHandling:   opts.Config.MergeHandling,
	}

	var (
		batch            []historyreader.CommitRecord
		commitsProcessed int
		batchesProcessed int
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}

		if err := persistBatch(ctx, s, resolver, opts.Config, batch, logger, opts.Stats); err != nil {
			return err
		}

		commitsProcessed += len(batch)
		batchesProcessed++

		if opts.OnProgress != nil {
			opts.OnProgress(Progress{
				CommitsProcessed: commitsProcessed,
				BatchesProcessed: batchesProcessed,
				LastCommit:       batch[len(batch)-1].Hash,
			})
		}

		batch = batch[:0]

		return nil
	}

	err := historyreader.Commits(ctx, repo, hrOpts, func(_ context.Context, rec historyreader.CommitRecord) error {
		batch = append(batch, rec)

		if len(batch) < batchSize {
			return nil
		}

		return flush()
	})
	if err != nil {
		return err
	}

	if err := flush(); err != nil {
		return err
	}

	if err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		return s.SyncPresentAtHead(ctx, tx)
	}); err != nil {
		return err
	}

	if opts.Stats != nil {
		opts.Stats.Commits += int64(commitsProcessed)
		opts.Stats.Batches += batchesProcessed
	}

	return nil
}

// persistBatch writes one batch of commit records within a single
// transaction.
func persistBatch(
	ctx context.Context,
	s *store.Store,
	resolver *pathresolver.Resolver,
	cfg config.Configuration,
	batch []historyreader.CommitRecord,
	logger *slog.Logger,
	stats *observability.AnalysisStats,
) error {
	start := time.Now()

	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, rec := range batch {
			if err := persistCommit(ctx, tx, s, resolver, cfg, rec, logger); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	if stats != nil {
		stats.BatchDurations = append(stats.BatchDurations, time.Since(start))
	}

	return nil
}

func persistCommit(
	ctx context.Context,
	tx *sqlx.Tx,
	s *store.Store,
	resolver *pathresolver.Resolver,
	cfg config.Configuration,
	rec historyreader.CommitRecord,
	logger *slog.Logger,
) error {
	if _, seen, err := s.GetCommitByVCSObjectID(ctx, tx, rec.Hash.String()); err != nil {
		return err
	} else if seen {
		return nil
	}

	commitID, err := s.InsertCommit(ctx, tx, store.CommitRow{
		VCSObjectID:    rec.Hash.String(),
		AuthorName:     rec.Author.Name,
		AuthorEmail:    rec.Author.Email,
		CommitterName:  rec.Committer.Name,
		CommitterEmail: rec.Committer.Email,
		AuthorTime:     rec.Author.When,
		CommitterTime:  rec.Committer.When,
		Message:        rec.Message,
		IsMerge:        rec.IsMerge,
		ParentCount:    len(rec.ParentHashes),
	})
	if err != nil {
		return err
	}

	guard := cfg.OversizedCommitGuard
	if guard <= 0 {
		guard = config.DefaultOversizedCommitGuard
	}

	if len(rec.Changes) > guard {
		logger.WarnContext(ctx, "skipping change atoms for oversized commit",
			slog.String("commit", rec.Hash.String()), slog.Int("files_changed", len(rec.Changes)), slog.Int("guard", guard))

		return nil
	}

	atoms := make([]store.ChangeAtom, 0, len(rec.Changes))

	for _, change := range rec.Changes {
		res, resErr := resolver.Resolve(ctx, tx, commitID, change)
		if resErr != nil {
			return resErr
		}

		atoms = append(atoms, changeAtomFor(commitID, res.FileID, change))
	}

	if len(atoms) == 0 {
		return nil
	}

	if err := s.InsertChanges(atoms); err != nil {
		return err
	}

	return nil
}

func changeAtomFor(commitID, fileID int64, change historyreader.FileChangeAtom) store.ChangeAtom {
	path := change.NewPath
	if path == "" {
		path = change.OldPath
	}

	atom := store.ChangeAtom{
		CommitID: commitID,
		FileID:   fileID,
		Path:     path,
		Action:   actionString(change.Action),
	}

	if change.Renamed && change.OldPath != path {
		atom.PriorPath = change.OldPath
	}

	if change.LineDelta.Available {
		atom.LinesAdded = change.LineDelta.Insertions
		atom.LinesDeleted = change.LineDelta.Deletions
		atom.LineDeltaKnown = true
	}

	return atom
}

func actionString(a gitlib.ChangeAction) string {
	switch a {
	case gitlib.Insert:
		return "insert"
	case gitlib.Delete:
		return "delete"
	case gitlib.Modify:
		return "modify"
	default:
		return "unknown"
	}
}
