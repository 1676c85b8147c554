// Package budget provides memory budget calculation and auto-tuning for the
// coupling analysis pipeline (Extractor workers, changeset buffers, and the
// Edge Aggregator's in-memory pair cache).
package budget

import "github.com/couplegraph/coupler/pkg/units"

// Size unit multipliers, re-exported for call-site brevity.
const (
	KiB = units.KiB
	MiB = units.MiB
	GiB = units.GiB
)

// Component memory sizes, empirically measured on comparable git-history
// mining workloads. The cost drivers are libgit2 repo handles, per-commit
// working state, and cached pair entries.
const (
	// BaseOverhead is the fixed Go runtime + libgit2 overhead.
	BaseOverhead = 250 * MiB

	// RepoHandleSize is the Go-visible memory per worker for a libgit2
	// repository handle used by the History Reader.
	RepoHandleSize = 10 * MiB

	// WorkerNativeOverhead is the per-worker C/mmap overhead from libgit2.
	WorkerNativeOverhead = 50 * MiB

	// AvgCommitBatchSize is the average in-flight memory for one buffered
	// commit+changes record inside an Extractor batch.
	AvgCommitBatchSize = 2 * KiB

	// AvgPairCacheEntrySize is the average size of one (file_id, file_id) ->
	// counters entry held in the Edge Aggregator's in-memory pair cache
	// before it is evicted to an on-disk shard.
	AvgPairCacheEntrySize = 96

	// MaxPairCacheEntries caps the in-memory pair cache regardless of
	// budget; beyond this the shard lookup cost dominates savings.
	MaxPairCacheEntries = 8_000_000

	// DefaultSpillThreshold is the default in-memory pair-count footprint
	// above which the Edge Aggregator spills to on-disk sharded maps.
	DefaultSpillThreshold = 1 * GiB
)

// DefaultMallocArenaMax limits glibc malloc arenas to prevent RSS bloat.
const DefaultMallocArenaMax = 4

// NativeLimits holds libgit2 global memory limits derived from the budget.
type NativeLimits struct {
	MwindowMappedLimit int64
	CacheMaxSize       int64
	MallocArenaMax     int
}

// Native memory split constants.
const (
	NativeMemoryPercent = 25
	MwindowCacheRatio   = 80
)

// NativeLimitsForBudget computes libgit2 memory limits proportional to the
// memory budget. Returns zero values when no budget is set (use defaults).
func NativeLimitsForBudget(budgetBytes int64) NativeLimits {
	if budgetBytes <= 0 {
		return NativeLimits{}
	}

	nativeAlloc := budgetBytes * NativeMemoryPercent / percentDivisor
	mwindow := nativeAlloc * MwindowCacheRatio / percentDivisor
	cache := nativeAlloc - mwindow

	return NativeLimits{
		MwindowMappedLimit: mwindow,
		CacheMaxSize:       cache,
		MallocArenaMax:     DefaultMallocArenaMax,
	}
}
