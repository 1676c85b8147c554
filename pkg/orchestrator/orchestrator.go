// Package orchestrator drives the analysis pipeline as a staged job per
// repository: it owns the run state
// machine, enforces single-active-run per repository, publishes progress to
// a bounded broadcast channel, reaps crashed runs on startup, and applies
// cooperative cancellation at batch and changeset boundaries.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sourcegraph/conc"
	"golang.org/x/sync/semaphore"

	"github.com/couplegraph/coupler/pkg/config"
	"github.com/couplegraph/coupler/pkg/engineerror"
	"github.com/couplegraph/coupler/pkg/mathutil"
	"github.com/couplegraph/coupler/pkg/observability"
	"github.com/couplegraph/coupler/pkg/store"
)

// maxWorkers caps the analysis worker pool regardless of configuration.
const maxWorkers = 8

// RepoRef locates one repository's VCS mirror and analytic store.
type RepoRef struct {
	ID         string
	MirrorPath string
	StoreDir   string
}

// runHandle tracks one in-flight run.
type runHandle struct {
	runID   string
	cancel  context.CancelFunc
	b       *broadcaster
	done    chan struct{}
}

// Orchestrator schedules and drives analysis runs. One Orchestrator owns
// every per-repository store it has opened; repositories never share
// mutable state beyond their own store handle.
type Orchestrator struct {
	procCfg *config.Config
	logger  *slog.Logger
	sem     *semaphore.Weighted
	wg      conc.WaitGroup
	am      *observability.AnalysisMetrics

	mu     sync.Mutex
	active map[string]*runHandle
	stores map[string]*store.Store
	closed bool
}

// SetAnalysisMetrics attaches OTel analysis instruments; each completed
// run's accumulated stats are recorded through them.
func (o *Orchestrator) SetAnalysisMetrics(am *observability.AnalysisMetrics) {
	o.am = am
}

// New creates an Orchestrator with a worker pool bounded by
// min(cpu_count, configured max, 8).
func New(procCfg *config.Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}

	workers := procCfg.Analysis.MaxConcurrentAnalyses
	if workers <= 0 {
		workers = maxWorkers
	}

	workers = mathutil.Min(workers, mathutil.Min(runtime.NumCPU(), maxWorkers))

	return &Orchestrator{
		procCfg: procCfg,
		logger:  logger,
		sem:     semaphore.NewWeighted(int64(workers)),
		active:  make(map[string]*runHandle),
		stores:  make(map[string]*store.Store),
	}
}

// Close waits for in-flight runs to finish and closes every opened store.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	o.closed = true

	for _, handle := range o.active {
		handle.cancel()
	}
	o.mu.Unlock()

	o.wg.Wait()

	o.mu.Lock()
	defer o.mu.Unlock()

	var errs []error

	for id, s := range o.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}

		delete(o.stores, id)
	}

	return errors.Join(errs...)
}

// storeFor opens (or returns the already-open) store for repo, running the
// stale-run crash sweep on first open.
func (o *Orchestrator) storeFor(ctx context.Context, repo RepoRef) (*store.Store, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if s, ok := o.stores[repo.ID]; ok {
		return s, nil
	}

	s, err := store.Open(repo.StoreDir)
	if err != nil {
		return nil, err
	}

	reaped, err := s.ReapStaleRunningRuns(ctx)
	if err != nil {
		_ = s.Close()

		return nil, err
	}

	if reaped > 0 {
		o.logger.WarnContext(ctx, "promoted stale running runs to failed",
			slog.String("repo", repo.ID), slog.Int64("count", reaped))
	}

	o.stores[repo.ID] = s

	return s, nil
}

// StartAnalysis validates the configuration, persists it as the repo's
// active config snapshot, records a pending run, and launches the pipeline
// on a pooled worker. Returns ANALYSIS_BUSY when the repository already has
// a run in flight.
func (o *Orchestrator) StartAnalysis(ctx context.Context, repo RepoRef, engineCfg config.Configuration) (string, error) {
	if engineCfg.RepoID == "" {
		engineCfg.RepoID = repo.ID
	}

	if err := engineCfg.Validate(); err != nil {
		return "", err
	}

	s, err := o.storeFor(ctx, repo)
	if err != nil {
		return "", err
	}

	o.mu.Lock()

	if o.closed {
		o.mu.Unlock()

		return "", engineerror.New(engineerror.CodeInternal, "orchestrator is shut down")
	}

	if _, busy := o.active[repo.ID]; busy {
		o.mu.Unlock()

		return "", engineerror.Newf(engineerror.CodeAnalysisBusy, "repository %s already has an active run", repo.ID)
	}

	runID := uuid.NewString()
	configID := uuid.NewString()
	now := time.Now().UTC()

	txErr := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		busy, checkErr := s.HasRunningRun(ctx, tx, repo.ID)
		if checkErr != nil {
			return checkErr
		}

		if busy {
			return engineerror.Newf(engineerror.CodeAnalysisBusy, "repository %s already has an active run", repo.ID)
		}

		version, versionErr := s.NextConfigVersion(ctx, repo.ID)
		if versionErr != nil {
			return versionErr
		}

		if saveErr := saveConfigSnapshot(ctx, s, tx, configID, repo.ID, version, engineCfg, now); saveErr != nil {
			return saveErr
		}

		if activateErr := s.ActivateConfiguration(ctx, tx, repo.ID, configID); activateErr != nil {
			return activateErr
		}

		return s.CreateRun(ctx, tx, store.RunRow{
			ID:          runID,
			RepoID:      repo.ID,
			ConfigID:    configID,
			State:       store.RunStatePending,
			Stage:       store.StageQueued,
			StartedAt:   now,
			HeartbeatAt: now,
		})
	})
	if txErr != nil {
		o.mu.Unlock()

		return "", txErr
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	handle := &runHandle{runID: runID, cancel: cancel, b: newBroadcaster(), done: make(chan struct{})}
	o.active[repo.ID] = handle
	o.mu.Unlock()

	o.wg.Go(func() {
		defer func() {
			o.mu.Lock()
			if o.active[repo.ID] == handle {
				delete(o.active, repo.ID)
			}
			o.mu.Unlock()

			close(handle.done)
		}()

		o.execute(runCtx, repo, s, handle, engineCfg)
	})

	return runID, nil
}

// CancelRun requests cooperative cancellation. Cancelling an already
// terminal run is a no-op returning its terminal state.
func (o *Orchestrator) CancelRun(ctx context.Context, repo RepoRef, runID string) (store.RunState, error) {
	o.mu.Lock()
	handle, inFlight := o.active[repo.ID]
	o.mu.Unlock()

	if inFlight && handle.runID == runID {
		handle.cancel()
		<-handle.done
	}

	s, err := o.storeFor(ctx, repo)
	if err != nil {
		return "", err
	}

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}

	return run.State, nil
}

// GetRun returns one run record.
func (o *Orchestrator) GetRun(ctx context.Context, repo RepoRef, runID string) (store.RunRow, error) {
	s, err := o.storeFor(ctx, repo)
	if err != nil {
		return store.RunRow{}, err
	}

	return s.GetRun(ctx, runID)
}

// ListRuns returns every run for the repository, most recent first.
func (o *Orchestrator) ListRuns(ctx context.Context, repo RepoRef) ([]store.RunRow, error) {
	s, err := o.storeFor(ctx, repo)
	if err != nil {
		return nil, err
	}

	return s.ListRuns(ctx, repo.ID)
}

// SubscribeProgress attaches to a run's progress stream. Subscribers
// attaching after the terminal transition still receive the terminal
// event.
func (o *Orchestrator) SubscribeProgress(repo RepoRef, runID string) (<-chan ProgressEvent, func(), error) {
	o.mu.Lock()
	handle, inFlight := o.active[repo.ID]
	o.mu.Unlock()

	if !inFlight || handle.runID != runID {
		return nil, nil, engineerror.Newf(engineerror.CodeRunNotFound, "run %s is not active", runID)
	}

	ch, cancel := handle.b.Subscribe()

	return ch, cancel, nil
}
