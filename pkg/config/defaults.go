// Package config provides YAML-based project configuration for coupler.
package config

// Pipeline default values. Zero and empty mean "unset"; pkg/budget and
// pkg/extractor carry their own numeric defaults and do not read these.
const (
	DefaultPipelineWorkers         = 0
	DefaultPipelineMemoryBudget    = ""
	DefaultPipelineCommitBatchSize = 0
)

// Engine configuration defaults.
const (
	DefaultAuthorTimeWindowHours   = 24
	DefaultMaxChangesetSize        = 50
	DefaultMaxLogicalChangesetSize = 100
	DefaultMinRevisions            = 5
	DefaultMinCooccurrence         = 5
	DefaultTopKEdgesPerFile        = 50
	DefaultRenameThreshold         = 60
	DefaultHotspotSelector         = "top_p:0.95"
	DefaultOversizedCommitGuard    = 1000
	DefaultSpillThresholdBytes     = 1 << 30 // 1 GiB.
)

// Clustering defaults.
const (
	DefaultLouvainResolution    = 1.0
	DefaultLouvainMaxIterations = 100
	DefaultLouvainTolerance     = 1e-6
	DefaultMinEdgeWeight        = 0.1
	DefaultWardMaxNodes         = 5000
	DefaultDBSCANEps            = 0.5
	DefaultDBSCANMinSamples     = 2
)
