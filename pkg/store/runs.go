package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/couplegraph/coupler/pkg/engineerror"
)

// RunState is one of the fixed run lifecycle states.
type RunState string

// Run states. Transitions are monotonic: pending -> running ->
// {completed, failed, cancelled}. No state is ever revisited.
const (
	RunStatePending   RunState = "pending"
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
	RunStateCancelled RunState = "cancelled"
)

// RunStage is the pipeline stage a running run is currently executing.
type RunStage string

// Run stages, in pipeline order.
const (
	StageQueued          RunStage = "queued"
	StageReadingHistory  RunStage = "reading_history"
	StageResolvingPaths  RunStage = "resolving_paths"
	StageExtracting      RunStage = "extracting"
	StageBuildingChanges RunStage = "building_changesets"
	StageAggregating     RunStage = "aggregating_edges"
	StageEdgesWritten    RunStage = "edges_written"
	StageComputingStats  RunStage = "computing_hotspots"
	StageClustering      RunStage = "clustering"
	StageDone            RunStage = "done"
)

// RunRow is one analysis run record.
type RunRow struct {
	ID               string     `db:"id"`
	RepoID           string     `db:"repo_id"`
	ConfigID         string     `db:"config_id"`
	State            RunState   `db:"state"`
	Stage            RunStage   `db:"stage"`
	ProcessedCommits int64      `db:"processed_commits"`
	TotalCommits     int64      `db:"total_commits"`
	StartedAt        time.Time  `db:"started_at"`
	FinishedAt       *time.Time `db:"finished_at"`
	HeartbeatAt      time.Time  `db:"heartbeat_at"`
	ErrorCode        *string    `db:"error_code"`
	ErrorMessage     *string    `db:"error_message"`
}

// staleHeartbeatWindow bounds how long a running run may go without a
// heartbeat update before a restart treats it as crashed.
const staleHeartbeatWindow = 5 * time.Minute

// CreateRun inserts a new run in state=pending. The partial unique index
// idx_runs_running enforces that at most one run per repository is in
// state=running at a time; a second
// concurrent start_analysis attempt surfaces as a unique-constraint
// violation that callers should translate to ANALYSIS_BUSY at the
// orchestrator layer, which checks first and holds the creating
// transaction for the duration of the check-then-insert.
func (s *Store) CreateRun(ctx context.Context, tx *sqlx.Tx, run RunRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO runs(id, repo_id, config_id, state, stage, processed_commits, total_commits, started_at, heartbeat_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.RepoID, run.ConfigID, run.State, run.Stage, run.ProcessedCommits, run.TotalCommits,
		run.StartedAt, run.HeartbeatAt)
	if err != nil {
		return engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "create run")
	}

	return nil
}

// HasRunningRun reports whether repoID has a run currently in state=running,
// used by the orchestrator to reject a start_analysis call with
// ANALYSIS_BUSY before even attempting CreateRun.
func (s *Store) HasRunningRun(ctx context.Context, tx *sqlx.Tx, repoID string) (bool, error) {
	var count int

	err := tx.GetContext(ctx, &count, "SELECT COUNT(*) FROM runs WHERE repo_id = ? AND state = ?", repoID, RunStateRunning)
	if err != nil {
		return false, engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "check running run")
	}

	return count > 0, nil
}

// TransitionRunState moves a run to a new state. Transitioning to running
// sets started_at is left untouched (set at creation); transitioning to a
// terminal state sets finished_at.
func (s *Store) TransitionRunState(ctx context.Context, tx *sqlx.Tx, runID string, state RunState) error {
	now := nowArg(ctx)

	var err error
	if isTerminal(state) {
		_, err = tx.ExecContext(ctx, "UPDATE runs SET state = ?, finished_at = ?, heartbeat_at = ? WHERE id = ?",
			state, now, now, runID)
	} else {
		_, err = tx.ExecContext(ctx, "UPDATE runs SET state = ?, heartbeat_at = ? WHERE id = ?", state, now, runID)
	}

	if err != nil {
		return engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "transition run state")
	}

	return nil
}

func isTerminal(s RunState) bool {
	return s == RunStateCompleted || s == RunStateFailed || s == RunStateCancelled
}

// nowArg centralizes "current time" for run bookkeeping. Callers that need
// a deterministic clock (tests) should drive timestamps explicitly through
// RunRow fields instead; this helper is only used for heartbeat/transition
// touches where wall-clock time is the correct source.
func nowArg(_ context.Context) time.Time { return time.Now().UTC() }

// SetRunStage advances stage and optionally updates progress counters,
// touching heartbeat_at so a live orchestrator is distinguishable from a
// crashed one on restart.
func (s *Store) SetRunStage(ctx context.Context, tx *sqlx.Tx, runID string, stage RunStage, processed, total int64) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE runs SET stage = ?, processed_commits = ?, total_commits = ?, heartbeat_at = ? WHERE id = ?",
		stage, processed, total, nowArg(ctx), runID)
	if err != nil {
		return engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "set run stage")
	}

	return nil
}

// Heartbeat touches heartbeat_at without changing state/stage, used by the
// orchestrator's periodic liveness tick during long-running stages.
func (s *Store) Heartbeat(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE runs SET heartbeat_at = ? WHERE id = ? AND state = ?",
		nowArg(ctx), runID, RunStateRunning)
	if err != nil {
		return engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "heartbeat run")
	}

	return nil
}

// FailRun marks a run failed with the given error code/message.
func (s *Store) FailRun(ctx context.Context, tx *sqlx.Tx, runID string, code engineerror.Code, message string) error {
	now := nowArg(ctx)

	_, err := tx.ExecContext(ctx,
		"UPDATE runs SET state = ?, finished_at = ?, heartbeat_at = ?, error_code = ?, error_message = ? WHERE id = ?",
		RunStateFailed, now, now, string(code), message, runID)
	if err != nil {
		return engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "fail run")
	}

	return nil
}

// GetRun returns a run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (RunRow, error) {
	var run RunRow

	err := s.db.GetContext(ctx, &run, `
		SELECT id, repo_id, config_id, state, stage, processed_commits, total_commits,
			started_at, finished_at, heartbeat_at, error_code, error_message
		FROM runs WHERE id = ?`, runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunRow{}, engineerror.Newf(engineerror.CodeRunNotFound, "run %s not found", runID)
		}

		return RunRow{}, engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "get run")
	}

	return run, nil
}

// ListRuns returns every run for repoID, most recent first.
func (s *Store) ListRuns(ctx context.Context, repoID string) ([]RunRow, error) {
	var runs []RunRow

	err := s.db.SelectContext(ctx, &runs, `
		SELECT id, repo_id, config_id, state, stage, processed_commits, total_commits,
			started_at, finished_at, heartbeat_at, error_code, error_message
		FROM runs WHERE repo_id = ? ORDER BY started_at DESC`, repoID)
	if err != nil {
		return nil, engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "list runs")
	}

	return runs, nil
}

// ReapStaleRunningRuns promotes every run still marked running with a
// heartbeat older than staleHeartbeatWindow to failed with error code
// INTERNAL, implementing the startup crash-detection sweep.
func (s *Store) ReapStaleRunningRuns(ctx context.Context) (int64, error) {
	cutoff := nowArg(ctx).Add(-staleHeartbeatWindow)

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET state = ?, finished_at = ?, error_code = ?, error_message = ?
		WHERE state = ? AND heartbeat_at < ?`,
		RunStateFailed, nowArg(ctx), string(engineerror.CodeInternal), "run abandoned: stale heartbeat detected on restart",
		RunStateRunning, cutoff)
	if err != nil {
		return 0, engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "reap stale runs")
	}

	n, _ := res.RowsAffected()

	return n, nil
}
