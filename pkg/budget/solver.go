package budget

import (
	"errors"
	"runtime"
)

// Allocation proportions for budget distribution.
const (
	CacheAllocationPercent  = 60
	WorkerAllocationPercent = 30
	BufferAllocationPercent = 10
	SlackPercent            = 5

	percentDivisor = 100
)

// Solver constraints.
const (
	// MinimumBudget is the smallest budget the solver will accept.
	MinimumBudget = 512 * MiB

	// DefaultCommitBatchSize is the Extractor's default batch transaction
	// size.
	DefaultCommitBatchSize = 500

	MinWorkers           = 1
	MinBufferSize        = 2
	MinPairCacheEntries  = 10_000
	OptimalWorkerRatio   = 60
)

// ErrBudgetTooSmall indicates the budget is below the minimum required.
var ErrBudgetTooSmall = errors.New("memory budget is too small")

// PipelineBudget is the set of knobs derived from a single memory budget,
// consumed by the Run Orchestrator to size its worker pool and by the Edge
// Aggregator to size its in-memory pair cache before spilling to disk.
type PipelineBudget struct {
	// Workers is the Extractor/History Reader worker pool size.
	Workers int
	// CommitBatchSize is the number of commits per Extractor transaction.
	CommitBatchSize int
	// PairCacheEntries is the Edge Aggregator's in-memory pair cache capacity.
	PairCacheEntries int
	// SpillThresholdBytes is the footprint above which pair accumulation
	// spills to on-disk sharded maps.
	SpillThresholdBytes int64
}

// SolveForBudget calculates a PipelineBudget for the given memory budget in
// bytes, distributing available memory across workers, the pair cache, and
// batch buffers.
func SolveForBudget(budgetBytes int64) (PipelineBudget, error) {
	if budgetBytes < MinimumBudget {
		return PipelineBudget{}, ErrBudgetTooSmall
	}

	usableBudget := budgetBytes * (percentDivisor - SlackPercent) / percentDivisor

	available := usableBudget - BaseOverhead
	if available <= 0 {
		return PipelineBudget{}, ErrBudgetTooSmall
	}

	cacheAlloc := available * CacheAllocationPercent / percentDivisor
	workerAlloc := available * WorkerAllocationPercent / percentDivisor
	bufferAlloc := available * BufferAllocationPercent / percentDivisor

	return deriveKnobs(cacheAlloc, workerAlloc, bufferAlloc), nil
}

// deriveKnobs calculates individual configuration knobs from allocation budgets.
func deriveKnobs(cacheAlloc, workerAlloc, bufferAlloc int64) PipelineBudget {
	maxWorkers := max(MinWorkers, runtime.NumCPU()*OptimalWorkerRatio/percentDivisor)
	workerCost := int64(RepoHandleSize + WorkerNativeOverhead)
	workers := max(MinWorkers, min(maxWorkers, int(workerAlloc/workerCost)))

	pairCacheEntries := max(MinPairCacheEntries, int(cacheAlloc/AvgPairCacheEntrySize))
	pairCacheEntries = min(pairCacheEntries, MaxPairCacheEntries)

	batchSize := max(MinBufferSize, int(bufferAlloc/AvgCommitBatchSize))
	if batchSize < DefaultCommitBatchSize {
		batchSize = DefaultCommitBatchSize
	}

	return PipelineBudget{
		Workers:             workers,
		CommitBatchSize:     batchSize,
		PairCacheEntries:    pairCacheEntries,
		SpillThresholdBytes: cacheAlloc,
	}
}
