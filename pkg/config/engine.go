package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/couplegraph/coupler/pkg/engineerror"
)

// MergeHandling selects how commits with two or more parents are treated
// by the Extractor and Changeset Builder.
type MergeHandling string

// MergeHandling values.
const (
	MergeHandlingNone            MergeHandling = "none"
	MergeHandlingFirstParentOnly MergeHandling = "first_parent_only"
	MergeHandlingInclude         MergeHandling = "include"
)

// ChangesetMode selects the Changeset Builder's grouping policy.
type ChangesetMode string

// ChangesetMode values.
const (
	ChangesetModeByCommit     ChangesetMode = "by_commit"
	ChangesetModeByAuthorTime ChangesetMode = "by_author_time"
	ChangesetModeByTicketID   ChangesetMode = "by_ticket_id"
)

// ClusterAlgorithm selects the Clusterer's community-detection algorithm.
type ClusterAlgorithm string

// ClusterAlgorithm values.
const (
	ClusterAlgorithmLouvain      ClusterAlgorithm = "louvain"
	ClusterAlgorithmHierarchical ClusterAlgorithm = "hierarchical"
	ClusterAlgorithmDBSCAN       ClusterAlgorithm = "dbscan"
)

// Linkage selects the hierarchical-clustering linkage criterion.
type Linkage string

// Linkage values.
const (
	LinkageAverage  Linkage = "average"
	LinkageComplete Linkage = "complete"
	LinkageSingle   Linkage = "single"
	LinkageWard     Linkage = "ward"
)

// ClusteringConfig is the clustering sub-object embedded in Configuration.
type ClusteringConfig struct {
	Algorithm         ClusterAlgorithm `mapstructure:"algorithm" json:"algorithm" yaml:"algorithm"`
	Resolution        float64          `mapstructure:"resolution" json:"resolution" yaml:"resolution"`
	MaxIterations     int              `mapstructure:"max_iterations" json:"max_iterations" yaml:"max_iterations"`
	Linkage           Linkage          `mapstructure:"linkage" json:"linkage" yaml:"linkage"`
	NClusters         int              `mapstructure:"n_clusters" json:"n_clusters" yaml:"n_clusters"`
	DistanceThreshold float64          `mapstructure:"distance_threshold" json:"distance_threshold" yaml:"distance_threshold"`
	Eps               float64          `mapstructure:"eps" json:"eps" yaml:"eps"`
	MinSamples        int              `mapstructure:"min_samples" json:"min_samples" yaml:"min_samples"`
	MinEdgeWeight     float64          `mapstructure:"min_edge_weight" json:"min_edge_weight" yaml:"min_edge_weight"`
	FolderRestriction string           `mapstructure:"folder_restriction" json:"folder_restriction" yaml:"folder_restriction"`
}

// DefaultClusteringConfig returns the default clustering parameters:
// Louvain at resolution 1.0.
func DefaultClusteringConfig() ClusteringConfig {
	return ClusteringConfig{
		Algorithm:     ClusterAlgorithmLouvain,
		Resolution:    DefaultLouvainResolution,
		MaxIterations: DefaultLouvainMaxIterations,
		Linkage:       LinkageAverage,
		Eps:           DefaultDBSCANEps,
		MinSamples:    DefaultDBSCANMinSamples,
		MinEdgeWeight: DefaultMinEdgeWeight,
	}
}

// Configuration is a versioned, named, validated analysis configuration
// scoped to a repository. At most one Configuration per
// repository is "active" at a time (enforced by pkg/store, not here);
// changing the active configuration never rewrites historical run records.
type Configuration struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	RepoID   string `json:"repo_id" yaml:"repo_id"`
	Version  int    `json:"version" yaml:"version"`

	Since *time.Time `mapstructure:"since" json:"since,omitempty" yaml:"since,omitempty"`
	Until *time.Time `mapstructure:"until" json:"until,omitempty" yaml:"until,omitempty"`

	Ref             string `mapstructure:"ref" json:"ref" yaml:"ref"`
	IncludeAllRefs  bool   `mapstructure:"include_all_refs" json:"include_all_refs" yaml:"include_all_refs"`
	RenameThreshold uint16 `mapstructure:"rename_threshold" json:"rename_threshold" yaml:"rename_threshold"`

	MergeHandling MergeHandling `mapstructure:"merge_handling" json:"merge_handling" yaml:"merge_handling"`

	ChangesetMode           ChangesetMode `mapstructure:"changeset_mode" json:"changeset_mode" yaml:"changeset_mode"`
	AuthorTimeWindowHours   int           `mapstructure:"author_time_window_hours" json:"author_time_window_hours" yaml:"author_time_window_hours"`
	TicketIDPattern         string        `mapstructure:"ticket_id_pattern" json:"ticket_id_pattern" yaml:"ticket_id_pattern"`
	MaxChangesetSize        int           `mapstructure:"max_changeset_size" json:"max_changeset_size" yaml:"max_changeset_size"`
	MaxLogicalChangesetSize int           `mapstructure:"max_logical_changeset_size" json:"max_logical_changeset_size" yaml:"max_logical_changeset_size"`
	MinRevisions            int           `mapstructure:"min_revisions" json:"min_revisions" yaml:"min_revisions"`

	OversizedCommitGuard int `mapstructure:"oversized_commit_guard" json:"oversized_commit_guard" yaml:"oversized_commit_guard"`

	MinCooccurrence   int      `mapstructure:"min_cooccurrence" json:"min_cooccurrence" yaml:"min_cooccurrence"`
	WindowDays        *int     `mapstructure:"window_days" json:"window_days,omitempty" yaml:"window_days,omitempty"`
	DecayHalfLifeDays *float64 `mapstructure:"decay_half_life_days" json:"decay_half_life_days,omitempty" yaml:"decay_half_life_days,omitempty"`
	TopKEdgesPerFile  int      `mapstructure:"topk_edges_per_file" json:"topk_edges_per_file" yaml:"topk_edges_per_file"`

	IncludePaths      []string `mapstructure:"include_paths" json:"include_paths,omitempty" yaml:"include_paths,omitempty"`
	ExcludePaths      []string `mapstructure:"exclude_paths" json:"exclude_paths,omitempty" yaml:"exclude_paths,omitempty"`
	IncludeExtensions []string `mapstructure:"include_extensions" json:"include_extensions,omitempty" yaml:"include_extensions,omitempty"`
	ExcludeExtensions []string `mapstructure:"exclude_extensions" json:"exclude_extensions,omitempty" yaml:"exclude_extensions,omitempty"`

	HotspotSelector string `mapstructure:"hotspot_selector" json:"hotspot_selector" yaml:"hotspot_selector"`

	// AuthorAliases folds secondary author identities into a canonical one
	// (key and value are name/email identity strings) before the
	// by_author_time policy groups sessions.
	AuthorAliases map[string]string `mapstructure:"author_aliases" json:"author_aliases,omitempty" yaml:"author_aliases,omitempty"`

	Clustering ClusteringConfig `mapstructure:"clustering" json:"clustering" yaml:"clustering"`
}

// DefaultConfiguration returns a Configuration populated with every
// documented default. Callers still must set RepoID and Name.
func DefaultConfiguration() Configuration {
	return Configuration{
		Ref:                     "HEAD",
		RenameThreshold:         DefaultRenameThreshold,
		MergeHandling:           MergeHandlingNone,
		ChangesetMode:           ChangesetModeByCommit,
		AuthorTimeWindowHours:   DefaultAuthorTimeWindowHours,
		MaxChangesetSize:        DefaultMaxChangesetSize,
		MaxLogicalChangesetSize: DefaultMaxLogicalChangesetSize,
		MinRevisions:            DefaultMinRevisions,
		OversizedCommitGuard:    DefaultOversizedCommitGuard,
		MinCooccurrence:         DefaultMinCooccurrence,
		TopKEdgesPerFile:        DefaultTopKEdgesPerFile,
		HotspotSelector:         DefaultHotspotSelector,
		Clustering:              DefaultClusteringConfig(),
	}
}

var hotspotSelectorPattern = regexp.MustCompile(`^(top_p):(0(\.\d+)?|1(\.0+)?)$|^(top_n):(\d+)$`)

// Validate checks every field's range/value constraints and returns a
// CONFIG_INVALID *engineerror.Error carrying
// field-level detail on the first violation found. Core components never
// silently substitute defaults on an invalid configuration.
func (c Configuration) Validate() error {
	if c.RepoID == "" {
		return invalid("repo_id", "must not be empty")
	}

	if c.Since != nil && c.Until != nil && c.Since.After(*c.Until) {
		return invalid("since", "must not be after until")
	}

	if err := c.validateMergeHandling(); err != nil {
		return err
	}

	if err := c.validateChangesetMode(); err != nil {
		return err
	}

	if c.MaxChangesetSize < 2 {
		return invalid("max_changeset_size", "must be >= 2")
	}

	if c.MaxLogicalChangesetSize < 2 {
		return invalid("max_logical_changeset_size", "must be >= 2")
	}

	if c.MinRevisions < 1 {
		return invalid("min_revisions", "must be >= 1")
	}

	if c.MinCooccurrence < 1 {
		return invalid("min_cooccurrence", "must be >= 1")
	}

	if c.WindowDays != nil && *c.WindowDays <= 0 {
		return invalid("window_days", "must be > 0 when set")
	}

	if c.DecayHalfLifeDays != nil && *c.DecayHalfLifeDays <= 0 {
		return invalid("decay_half_life_days", "must be > 0 when set")
	}

	if c.TopKEdgesPerFile < 1 {
		return invalid("topk_edges_per_file", "must be >= 1")
	}

	if c.RenameThreshold > 100 {
		return invalid("rename_threshold", "must be in [0, 100]")
	}

	if c.HotspotSelector != "" && !hotspotSelectorPattern.MatchString(c.HotspotSelector) {
		return invalid("hotspot_selector", "must match top_p:0..1 or top_n:int")
	}

	return c.Clustering.validate()
}

func (c Configuration) validateMergeHandling() error {
	switch c.MergeHandling {
	case MergeHandlingNone, MergeHandlingFirstParentOnly, MergeHandlingInclude, "":
		return nil
	default:
		return invalid("merge_handling", "must be one of none, first_parent_only, include")
	}
}

func (c Configuration) validateChangesetMode() error {
	switch c.ChangesetMode {
	case ChangesetModeByCommit, "":
		return nil
	case ChangesetModeByAuthorTime:
		if c.AuthorTimeWindowHours <= 0 {
			return invalid("author_time_window_hours", "must be > 0")
		}

		return nil
	case ChangesetModeByTicketID:
		if c.TicketIDPattern == "" {
			return invalid("ticket_id_pattern", "required when changeset_mode is by_ticket_id")
		}

		if _, err := regexp.Compile(c.TicketIDPattern); err != nil {
			return invalid("ticket_id_pattern", "must be a valid regex: "+err.Error())
		}

		return nil
	default:
		return invalid("changeset_mode", "must be one of by_commit, by_author_time, by_ticket_id")
	}
}

func (cc ClusteringConfig) validate() error {
	switch cc.Algorithm {
	case ClusterAlgorithmLouvain, "":
		if cc.Resolution <= 0 {
			return invalid("clustering.resolution", "must be > 0")
		}
	case ClusterAlgorithmHierarchical:
		switch cc.Linkage {
		case LinkageAverage, LinkageComplete, LinkageSingle, LinkageWard, "":
		default:
			return invalid("clustering.linkage", "must be one of average, complete, single, ward")
		}

		if cc.NClusters <= 0 && cc.DistanceThreshold <= 0 {
			return invalid("clustering.n_clusters", "either n_clusters or distance_threshold must be set")
		}
	case ClusterAlgorithmDBSCAN:
		if cc.Eps <= 0 {
			return invalid("clustering.eps", "must be > 0")
		}

		if cc.MinSamples < 1 {
			return invalid("clustering.min_samples", "must be >= 1")
		}
	default:
		return invalid("clustering.algorithm", "must be one of louvain, hierarchical, dbscan")
	}

	if cc.MinEdgeWeight < 0 || cc.MinEdgeWeight > 1 {
		return invalid("clustering.min_edge_weight", "must be in [0, 1]")
	}

	return nil
}

// ParseHotspotSelector splits a validated hotspot_selector string into its
// kind ("top_p" or "top_n") and numeric argument.
func ParseHotspotSelector(selector string) (kind string, value float64, err error) {
	if selector == "" {
		selector = DefaultHotspotSelector
	}

	kindStr, arg, ok := strings.Cut(selector, ":")
	if !ok {
		return "", 0, invalid("hotspot_selector", "must contain ':'")
	}

	value, parseErr := strconv.ParseFloat(arg, 64)
	if parseErr != nil {
		return "", 0, invalid("hotspot_selector", fmt.Sprintf("invalid numeric argument %q", arg))
	}

	return kindStr, value, nil
}

func invalid(field, reason string) error {
	return engineerror.New(engineerror.CodeConfigInvalid, fmt.Sprintf("%s: %s", field, reason)).
		WithDetail("field", field)
}
