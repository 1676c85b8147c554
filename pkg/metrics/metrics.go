// Package metrics defines the catalog of per-file metrics the engine
// derives, with machine-readable metadata for the query surface and CLI.
//
// Each metric is a self-contained computation over a file's stored stats
// row, so output formats (CLI tables, the read API) can enumerate and
// compute metrics uniformly without hard-coding the catalog.
package metrics

import (
	"github.com/couplegraph/coupler/pkg/store"
)

// Metric is one derived per-file measurement.
type Metric interface {
	// Name returns the machine-readable identifier (snake_case, unique).
	Name() string

	// DisplayName returns a human-readable name for UI/reports.
	DisplayName() string

	// Description documents what the metric measures and its units.
	Description() string

	// Compute calculates the metric value from a file's stats row.
	Compute(row store.FileStatsRow) float64
}

// RiskLevel buckets a risk score for display.
type RiskLevel string

// Risk level constants.
const (
	RiskCritical RiskLevel = "CRITICAL"
	RiskHigh     RiskLevel = "HIGH"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskLow      RiskLevel = "LOW"
)

// Risk level thresholds over the [0, 1] risk score.
const (
	riskCriticalThreshold = 0.85
	riskHighThreshold     = 0.6
	riskMediumThreshold   = 0.3
)

// LevelFor buckets a risk score into a RiskLevel.
func LevelFor(score float64) RiskLevel {
	switch {
	case score >= riskCriticalThreshold:
		return RiskCritical
	case score >= riskHighThreshold:
		return RiskHigh
	case score >= riskMediumThreshold:
		return RiskMedium
	default:
		return RiskLow
	}
}

// metricDef is the common Metric implementation: metadata plus a compute
// function over the stats row.
type metricDef struct {
	name        string
	displayName string
	description string
	compute     func(store.FileStatsRow) float64
}

func (m metricDef) Name() string                             { return m.name }
func (m metricDef) DisplayName() string                      { return m.displayName }
func (m metricDef) Description() string                      { return m.description }
func (m metricDef) Compute(row store.FileStatsRow) float64   { return m.compute(row) }

// Catalog returns every per-file metric the engine derives, in display
// order.
func Catalog() []Metric {
	return []Metric{
		metricDef{
			name:        "total_commits",
			displayName: "Total Commits",
			description: "Number of commits that touched the file across recorded history.",
			compute:     func(r store.FileStatsRow) float64 { return float64(r.TotalCommits) },
		},
		metricDef{
			name:        "authors_count",
			displayName: "Authors",
			description: "Number of distinct canonical author identities that touched the file.",
			compute:     func(r store.FileStatsRow) float64 { return float64(r.AuthorsCount) },
		},
		metricDef{
			name:        "churn_rate",
			displayName: "Churn Rate",
			description: "Lines added plus deleted per active week of the file's lifetime.",
			compute:     func(r store.FileStatsRow) float64 { return r.ChurnRate },
		},
		metricDef{
			name:        "max_coupling",
			displayName: "Max Coupling",
			description: "Highest weighted Jaccard across the file's coupling edges.",
			compute:     func(r store.FileStatsRow) float64 { return r.MaxCoupling },
		},
		metricDef{
			name:        "coupled_files_count",
			displayName: "Coupled Files",
			description: "Number of files sharing a coupling edge with this file.",
			compute:     func(r store.FileStatsRow) float64 { return float64(r.CoupledFilesCount) },
		},
		metricDef{
			name:        "commits_last_30_days",
			displayName: "Recent Commits",
			description: "Commits touching the file in the 30 days before the run.",
			compute:     func(r store.FileStatsRow) float64 { return float64(r.CommitsLast30Days) },
		},
		metricDef{
			name:        "risk_score",
			displayName: "Risk Score",
			description: "Weighted blend of normalized commit activity, coupling, churn and author scarcity, in [0, 1].",
			compute:     func(r store.FileStatsRow) float64 { return r.RiskScore },
		},
	}
}

// ByName returns the catalog metric with the given name.
func ByName(name string) (Metric, bool) {
	for _, m := range Catalog() {
		if m.Name() == name {
			return m, true
		}
	}

	return nil, false
}
