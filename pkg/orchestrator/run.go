package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sourcegraph/conc/panics"

	"github.com/couplegraph/coupler/pkg/budget"
	"github.com/couplegraph/coupler/pkg/changeset"
	"github.com/couplegraph/coupler/pkg/cluster"
	"github.com/couplegraph/coupler/pkg/config"
	"github.com/couplegraph/coupler/pkg/coupling"
	"github.com/couplegraph/coupler/pkg/engineerror"
	"github.com/couplegraph/coupler/pkg/extractor"
	"github.com/couplegraph/coupler/pkg/gitlib"
	"github.com/couplegraph/coupler/pkg/hotspots"
	"github.com/couplegraph/coupler/pkg/observability"
	"github.com/couplegraph/coupler/pkg/store"
	"github.com/couplegraph/coupler/pkg/streaming"
)

// saveConfigSnapshot records the engine configuration as an immutable
// version row; the run references it by id so later configuration changes
// never rewrite run history.
func saveConfigSnapshot(
	ctx context.Context,
	s *store.Store,
	tx *sqlx.Tx,
	configID, repoID string,
	version int,
	engineCfg config.Configuration,
	now time.Time,
) error {
	payload, err := json.Marshal(engineCfg)
	if err != nil {
		return engineerror.Wrap(err, engineerror.CodeInternal, "marshal configuration")
	}

	name := engineCfg.Name
	if name == "" {
		name = "run-config"
	}

	return s.SaveConfiguration(ctx, tx, store.ConfigRow{
		ID:        configID,
		RepoID:    repoID,
		Name:      name,
		Version:   version,
		Payload:   string(payload),
		CreatedAt: now,
	})
}

// execute drives one run to a terminal state. It is the only place stage
// errors become run-state transitions.
func (o *Orchestrator) execute(ctx context.Context, repo RepoRef, s *store.Store, handle *runHandle, engineCfg config.Configuration) {
	tr := newTracker(handle.runID, handle.b)

	if err := o.sem.Acquire(ctx, 1); err != nil {
		o.finishRun(ctx, s, handle, tr, store.StageQueued, 0, 0, err)

		return
	}
	defer o.sem.Release(1)

	if err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		return s.TransitionRunState(ctx, tx, handle.runID, store.RunStateRunning)
	}); err != nil {
		o.finishRun(ctx, s, handle, tr, store.StageQueued, 0, 0, err)

		return
	}

	// Heartbeat ticker: subscribers see at least one event per second while
	// the run is active, and the run row's heartbeat stays fresh through
	// long stages so a restart never mistakes it for a crash.
	hbCtx, hbCancel := context.WithCancel(context.Background())
	defer hbCancel()

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				tr.Heartbeat()

				if err := s.Heartbeat(hbCtx, handle.runID); err != nil {
					o.logger.Debug("heartbeat update failed", slog.Any("error", err))
				}
			}
		}
	}()

	var (
		runErr    error
		lastStage = store.StageExtracting
		processed int64
		total     int64
	)

	recovered := panics.Try(func() {
		lastStage, processed, total, runErr = o.runPipeline(ctx, repo, s, handle, tr, engineCfg)
	})
	if recovered != nil {
		o.logger.Error("run panicked", slog.String("run", handle.runID), slog.String("panic", recovered.String()))
		runErr = engineerror.Newf(engineerror.CodeInternal, "run panicked: %v", recovered.Value)
	}

	o.finishRun(ctx, s, handle, tr, lastStage, processed, total, runErr)
}

// finishRun applies the terminal transition and publishes the terminal
// progress event.
func (o *Orchestrator) finishRun(
	ctx context.Context,
	s *store.Store,
	handle *runHandle,
	tr *tracker,
	stage store.RunStage,
	processed, total int64,
	runErr error,
) {
	// The run context may already be cancelled; terminal bookkeeping must
	// still land.
	bgCtx := context.WithoutCancel(ctx)

	switch {
	case runErr == nil:
		err := s.WithTx(bgCtx, func(tx *sqlx.Tx) error {
			if stageErr := s.SetRunStage(bgCtx, tx, handle.runID, store.StageDone, processed, total); stageErr != nil {
				return stageErr
			}

			return s.TransitionRunState(bgCtx, tx, handle.runID, store.RunStateCompleted)
		})
		if err != nil {
			o.logger.Error("failed to mark run completed", slog.String("run", handle.runID), slog.Any("error", err))
		}

		tr.Terminal(store.RunStateCompleted, store.StageDone, processed, total, "", "")
	case errors.Is(runErr, context.Canceled) || engineerror.CodeOf(runErr) == engineerror.CodeCancelled:
		err := s.WithTx(bgCtx, func(tx *sqlx.Tx) error {
			return s.TransitionRunState(bgCtx, tx, handle.runID, store.RunStateCancelled)
		})
		if err != nil {
			o.logger.Error("failed to mark run cancelled", slog.String("run", handle.runID), slog.Any("error", err))
		}

		tr.Terminal(store.RunStateCancelled, stage, processed, total, string(engineerror.CodeCancelled), "run cancelled")
	default:
		code := engineerror.CodeOf(runErr)

		o.logger.Error("run failed",
			slog.String("run", handle.runID), slog.String("stage", string(stage)), slog.Any("error", runErr))

		err := s.WithTx(bgCtx, func(tx *sqlx.Tx) error {
			return s.FailRun(bgCtx, tx, handle.runID, code, runErr.Error())
		})
		if err != nil {
			o.logger.Error("failed to mark run failed", slog.String("run", handle.runID), slog.Any("error", err))
		}

		tr.Terminal(store.RunStateFailed, stage, processed, total, string(code), runErr.Error())
	}
}

// runPipeline executes the strictly sequential stage chain: extract -> changesets+aggregate -> derive ->
// cluster. It returns the stage in effect when an error occurred.
func (o *Orchestrator) runPipeline(
	ctx context.Context,
	repo RepoRef,
	s *store.Store,
	handle *runHandle,
	tr *tracker,
	engineCfg config.Configuration,
) (store.RunStage, int64, int64, error) {
	startTime := time.Now().UTC()

	repoHandle, err := gitlib.OpenRepository(repo.MirrorPath)
	if err != nil {
		return store.StageExtracting, 0, 0,
			engineerror.Wrapf(err, engineerror.CodeRepoNotFound, "open repository %s", repo.MirrorPath)
	}
	defer repoHandle.Free()

	total, err := countCommits(repoHandle, engineCfg.IncludeAllRefs)
	if err != nil {
		return store.StageExtracting, 0, 0, err
	}

	pb, err := o.pipelineBudget(total)
	if err != nil {
		return store.StageExtracting, 0, total, err
	}

	// Prune the previous run's commit, lineage, and sidecar change rows
	// before re-extracting. Derived tables (edges, stats, snapshots) are
	// left at the previous completed state; their own stages replace them
	// whole, so a cancelled or failed run never clobbers prior results.
	if err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		return s.TruncateRunTables(ctx, tx)
	}); err != nil {
		return store.StageExtracting, 0, total, err
	}

	if err := s.TruncateSidecar(); err != nil {
		return store.StageExtracting, 0, total, err
	}

	// Extraction. The watchdog fails the run if no batch completes within
	// the inactivity window. An empty repository (no head, zero commits)
	// skips the walk entirely and completes with empty derived tables.
	extractCtx, cancelExtract := context.WithCancelCause(ctx)
	defer cancelExtract(nil)

	wd := newWatchdog(o.procCfg.Analysis.BatchInactivityTimeout, func() {
		cancelExtract(engineerror.New(engineerror.CodeVCSReadFailed, "no batch progress within the inactivity window"))
	})
	defer wd.Stop()

	var processed int64

	lastTick := time.Now()

	if total == 0 {
		// No extraction pass runs, so head presence is reconciled here
		// against the now-empty lineage table.
		if err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
			return s.SyncPresentAtHead(ctx, tx)
		}); err != nil {
			return store.StageExtracting, 0, 0, err
		}

		return o.runDerivedStages(ctx, repo, s, handle, tr, engineCfg, pb, startTime, 0, 0)
	}

	runStats := &observability.AnalysisStats{}

	err = extractor.Run(extractCtx, repoHandle, s, extractor.Options{
		Config:    engineCfg,
		BatchSize: pb.CommitBatchSize,
		RenameOpts: gitlib.RenameDetection{
			Enabled:             true,
			SimilarityThreshold: renameThreshold(engineCfg),
		},
		Logger: o.logger,
		Stats:  runStats,
		OnProgress: func(p extractor.Progress) {
			wd.Reset()

			processed = int64(p.CommitsProcessed)
			elapsed := time.Since(lastTick).Seconds()
			lastTick = time.Now()

			tr.Stage(store.StageExtracting, processed, total, elapsed)

			if stageErr := s.WithTx(ctx, func(tx *sqlx.Tx) error {
				return s.SetRunStage(ctx, tx, handle.runID, store.StageExtracting, processed, total)
			}); stageErr != nil {
				o.logger.Warn("failed to record extraction progress", slog.Any("error", stageErr))
			}
		},
	})
	if err != nil {
		if cause := context.Cause(extractCtx); cause != nil && !errors.Is(cause, context.Canceled) {
			err = cause
		}

		return store.StageExtracting, processed, total, err
	}

	wd.Stop()

	if o.am != nil {
		o.am.RecordRun(ctx, *runStats)
	}

	if err := ctx.Err(); err != nil {
		return store.StageExtracting, processed, total, err
	}

	return o.runDerivedStages(ctx, repo, s, handle, tr, engineCfg, pb, startTime, processed, total)
}

// runDerivedStages drives every stage after extraction: changeset building
// fused with edge aggregation, the single-transaction edge rewrite, metric
// derivation, and clustering.
func (o *Orchestrator) runDerivedStages(
	ctx context.Context,
	repo RepoRef,
	s *store.Store,
	handle *runHandle,
	tr *tracker,
	engineCfg config.Configuration,
	pb budget.PipelineBudget,
	startTime time.Time,
	processed, total int64,
) (store.RunStage, int64, int64, error) {
	// Changeset building and edge aggregation stream as one fused pass.
	if err := o.setStage(ctx, s, handle.runID, store.StageBuildingChanges, processed, total); err != nil {
		return store.StageBuildingChanges, processed, total, err
	}

	spillDir := o.spillDir(repo)
	agg := coupling.New(s, pb, spillDir)

	guard := streaming.NewSpillCleanupGuard([]streaming.SpillCleaner{agg}, o.logger)
	defer guard.Close()

	builder := changeset.New(s)

	var changesets int64

	err := builder.Stream(ctx, changeset.Options{Config: engineCfg, Now: startTime}, func(cs changeset.Changeset) error {
		// Cancellation is polled between changesets.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		changesets++
		tr.Stage(store.StageAggregating, changesets, 0, 0)

		return agg.Add(cs)
	})
	if err != nil {
		return store.StageAggregating, processed, total, err
	}

	if err := o.setStage(ctx, s, handle.runID, store.StageAggregating, processed, total); err != nil {
		return store.StageAggregating, processed, total, err
	}

	result, err := agg.Finalize(engineCfg)
	if err != nil {
		return store.StageAggregating, processed, total, err
	}

	if err := ctx.Err(); err != nil {
		return store.StageAggregating, processed, total, err
	}

	// The edge rewrite and the stage bump share one transaction so readers
	// never observe a partial edge set.
	err = s.WithTx(ctx, func(tx *sqlx.Tx) error {
		if writeErr := s.ReplaceEdgesAndTopK(ctx, tx, result.Edges, result.TopK); writeErr != nil {
			return writeErr
		}

		return s.SetRunStage(ctx, tx, handle.runID, store.StageEdgesWritten, processed, total)
	})
	if err != nil {
		return store.StageAggregating, processed, total, err
	}

	// Derived metrics.
	if err := o.setStage(ctx, s, handle.runID, store.StageComputingStats, processed, total); err != nil {
		return store.StageComputingStats, processed, total, err
	}

	if err := o.deriveStats(ctx, s, startTime); err != nil {
		return store.StageComputingStats, processed, total, err
	}

	if err := ctx.Err(); err != nil {
		return store.StageComputingStats, processed, total, err
	}

	// Clustering.
	if err := o.setStage(ctx, s, handle.runID, store.StageClustering, processed, total); err != nil {
		return store.StageClustering, processed, total, err
	}

	graph, err := cluster.BuildGraph(ctx, s, engineCfg.Clustering)
	if err != nil {
		return store.StageClustering, processed, total, err
	}

	partition, err := cluster.Fit(graph, engineCfg.Clustering)
	if err != nil {
		return store.StageClustering, processed, total, err
	}

	if _, err := cluster.Snapshot(ctx, s, repo.ID, engineCfg.Clustering, partition, graph, time.Now().UTC()); err != nil {
		return store.StageClustering, processed, total, err
	}

	return store.StageClustering, processed, total, nil
}

// deriveStats runs the Metrics & Hotspots stage.
func (o *Orchestrator) deriveStats(ctx context.Context, s *store.Store, now time.Time) error {
	computer := hotspots.New(s)

	rows, err := computer.Compute(ctx, now)
	if err != nil {
		return err
	}

	if err := computer.Write(ctx, rows); err != nil {
		return err
	}

	devRows, err := computer.DeveloperCoupling(ctx)
	if err != nil {
		return err
	}

	if err := computer.WriteDeveloperCoupling(ctx, devRows); err != nil {
		return err
	}

	ownership, err := computer.FileOwnership(ctx)
	if err != nil {
		return err
	}

	return computer.WriteFileOwnership(ctx, ownership)
}

func (o *Orchestrator) setStage(ctx context.Context, s *store.Store, runID string, stage store.RunStage, processed, total int64) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		return s.SetRunStage(ctx, tx, runID, stage, processed, total)
	})
}

// pipelineBudget solves the memory budget into pipeline knobs. A streaming
// recommendation from the detector clamps the extraction batch to the
// planner's chunk size so working-set growth stays bounded.
func (o *Orchestrator) pipelineBudget(totalCommits int64) (budget.PipelineBudget, error) {
	budgetBytes, err := o.procCfg.Analysis.MemoryBudgetBytes()
	if err != nil {
		return budget.PipelineBudget{}, engineerror.Wrap(err, engineerror.CodeConfigInvalid, "memory budget")
	}

	pb := budget.PipelineBudget{
		Workers:             1,
		CommitBatchSize:     budget.DefaultCommitBatchSize,
		PairCacheEntries:    budget.MaxPairCacheEntries,
		SpillThresholdBytes: budget.DefaultSpillThreshold,
	}

	if budgetBytes > 0 {
		solved, solveErr := budget.SolveForBudget(budgetBytes)
		if solveErr != nil {
			return budget.PipelineBudget{}, engineerror.Wrap(solveErr, engineerror.CodeConfigInvalid, "memory budget")
		}

		pb = solved
	}

	if o.procCfg.Analysis.CommitBatchSize > 0 {
		pb.CommitBatchSize = o.procCfg.Analysis.CommitBatchSize
	}

	mode, err := streaming.ParseMode(o.procCfg.Analysis.StreamingMode)
	if err != nil {
		return budget.PipelineBudget{}, engineerror.Wrap(err, engineerror.CodeConfigInvalid, "streaming mode")
	}

	detector := streaming.Detector{CommitCount: int(totalCommits), MemoryBudget: budgetBytes}

	stream := mode == streaming.ModeOn
	if mode == streaming.ModeAuto {
		stream = detector.ShouldStream()
	}

	if stream {
		planner := streaming.Planner{TotalCommits: int(totalCommits), MemoryBudget: budgetBytes}
		if chunks := planner.Plan(); len(chunks) > 0 {
			chunk := chunks[0].End - chunks[0].Start
			if chunk < pb.CommitBatchSize {
				pb.CommitBatchSize = chunk
			}
		}
	}

	return pb, nil
}

func (o *Orchestrator) spillDir(repo RepoRef) string {
	if o.procCfg.Storage.SpillDir != "" {
		return filepath.Join(o.procCfg.Storage.SpillDir, repo.ID)
	}

	return filepath.Join(repo.StoreDir, "spill")
}

// renameThreshold maps the configured 0-100 similarity onto gitlib's
// option, falling back to the 60% default.
func renameThreshold(engineCfg config.Configuration) uint16 {
	if engineCfg.RenameThreshold > 0 {
		return engineCfg.RenameThreshold
	}

	return config.DefaultRenameThreshold
}

// countCommits walks the DAG once without diffing to size progress totals.
// It starts from the same refs as the extraction walk (HEAD, or every ref
// with IncludeAllRefs) but applies neither first-parent simplification nor
// the since/until bounds, so with those options the total can exceed the
// number of commits extracted.
func countCommits(repo *gitlib.Repository, allRefs bool) (int64, error) {
	walk, err := repo.Walk()
	if err != nil {
		return 0, engineerror.Wrap(err, engineerror.CodeVCSReadFailed, "open revision walk")
	}
	defer walk.Free()

	if allRefs {
		if err := walk.PushGlob("refs/*"); err != nil {
			return 0, engineerror.Wrap(err, engineerror.CodeVCSReadFailed, "push refs")
		}

		// A detached head is not under refs/*; an unborn head just adds
		// nothing.
		_ = walk.PushHead()
	} else if err := walk.PushHead(); err != nil {
		// An empty repository has no head; zero commits is a valid input.
		return 0, nil
	}

	var count int64

	iterErr := walk.Iterate(func(*gitlib.Commit) bool {
		count++

		return true
	})
	if iterErr != nil {
		return 0, engineerror.Wrap(iterErr, engineerror.CodeVCSReadFailed, "count commits")
	}

	return count, nil
}
