// Package query shapes the engine's read-only operations for external
// transports. Every operation reads the Store
// only, fails fast with a typed error on underlying failures, and never
// masks an error as an empty result.
package query

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/couplegraph/coupler/pkg/cluster"
	"github.com/couplegraph/coupler/pkg/config"
	"github.com/couplegraph/coupler/pkg/engineerror"
	"github.com/couplegraph/coupler/pkg/hotspots"
	"github.com/couplegraph/coupler/pkg/metrics"
	"github.com/couplegraph/coupler/pkg/store"
)

// Service answers read operations over one repository's store.
type Service struct {
	store *store.Store
}

// New creates a Service over s.
func New(s *store.Store) *Service {
	return &Service{store: s}
}

// FileInfo is the list_files row shape.
type FileInfo struct {
	Path              string
	PresentAtHead     bool
	TotalCommits      int64
	AuthorsCount      int64
	ChurnRate         float64
	MaxCoupling       float64
	CoupledFilesCount int64
	RiskScore         float64
	RiskLevel         metrics.RiskLevel
}

// ListFilesOptions filters and paginates ListFiles.
type ListFilesOptions struct {
	Substring   string
	HeadOnly    bool
	MinRisk     float64
	MaxRisk     float64
	MaxRiskSet  bool
	MinChurn    float64
	MinCoupling float64
	Limit       int
	Offset      int
}

// ListFiles returns files matching the filters, paginated server-side.
func (q *Service) ListFiles(ctx context.Context, opts ListFilesOptions) ([]FileInfo, error) {
	rows, err := q.store.ListFileInfos(ctx, store.FileFilter{
		Substring:   opts.Substring,
		HeadOnly:    opts.HeadOnly,
		MinRisk:     opts.MinRisk,
		MaxRisk:     opts.MaxRisk,
		MaxRiskSet:  opts.MaxRiskSet,
		MinChurn:    opts.MinChurn,
		MinCoupling: opts.MinCoupling,
		Limit:       opts.Limit,
		Offset:      opts.Offset,
	})
	if err != nil {
		return nil, err
	}

	infos := make([]FileInfo, len(rows))
	for i, row := range rows {
		infos[i] = fileInfoFrom(row)
	}

	return infos, nil
}

func fileInfoFrom(row store.FileInfoRow) FileInfo {
	return FileInfo{
		Path:              row.QualifiedName,
		PresentAtHead:     row.PresentAtHead,
		TotalCommits:      row.TotalCommits,
		AuthorsCount:      row.AuthorsCount,
		ChurnRate:         row.ChurnRate,
		MaxCoupling:       row.MaxCoupling,
		CoupledFilesCount: row.CoupledFilesCount,
		RiskScore:         row.RiskScore,
		RiskLevel:         metrics.LevelFor(row.RiskScore),
	}
}

// LineageEntry is one path segment of a file's identity history.
type LineageEntry struct {
	Path        string
	StartCommit int64
	EndCommit   *int64
}

// FileDetails is the get_file_details response: the full stats row plus
// lineage and ownership.
type FileDetails struct {
	FileInfo
	FirstCommitDate   *time.Time
	LastCommitDate    *time.Time
	LinesAdded        int64
	LinesDeleted      int64
	CommitsLast30Days int64
	Lineage           []LineageEntry
	TopAuthor         string
	TopAuthorCommits  int64
}

// GetFileDetails returns the full detail view for path, or FILE_NOT_FOUND.
func (q *Service) GetFileDetails(ctx context.Context, path string) (FileDetails, error) {
	entity, err := q.store.ResolveFileByPath(ctx, path)
	if err != nil {
		return FileDetails{}, err
	}

	details := FileDetails{FileInfo: FileInfo{Path: entity.QualifiedName, PresentAtHead: entity.PresentAtHead}}

	stats, err := q.store.GetFileStats(ctx, entity.ID)
	if err == nil {
		details.TotalCommits = stats.TotalCommits
		details.AuthorsCount = stats.AuthorsCount
		details.ChurnRate = stats.ChurnRate
		details.MaxCoupling = stats.MaxCoupling
		details.CoupledFilesCount = stats.CoupledFilesCount
		details.RiskScore = stats.RiskScore
		details.RiskLevel = metrics.LevelFor(stats.RiskScore)
		details.FirstCommitDate = stats.FirstCommitDate
		details.LastCommitDate = stats.LastCommitDate
		details.LinesAdded = stats.LinesAdded
		details.LinesDeleted = stats.LinesDeleted
		details.CommitsLast30Days = stats.CommitsLast30Days
	} else if engineerror.CodeOf(err) != engineerror.CodeParamInvalid {
		// A file with no stats row (no completed run yet) is a valid
		// detail view; a store failure is not.
		return FileDetails{}, err
	}

	lineage, err := q.store.GetLineage(ctx, entity.ID)
	if err != nil {
		return FileDetails{}, err
	}

	for _, record := range lineage {
		details.Lineage = append(details.Lineage, LineageEntry{
			Path:        record.Path,
			StartCommit: record.StartCommit,
			EndCommit:   record.EndCommit,
		})
	}

	ownership, err := q.store.GetFileOwnership(ctx, entity.ID)
	if err == nil {
		details.TopAuthor = ownership.TopAuthor
		details.TopAuthorCommits = ownership.TopAuthorCommits
	}

	return details, nil
}

// CoupledFile is one neighbour in a get_coupling response.
type CoupledFile struct {
	Path              string
	PairCount         int64
	Jaccard           float64
	WeightedJaccard   float64
	POtherGivenThis   float64
	PThisGivenOther   float64
}

// CouplingOptions bounds GetCoupling.
type CouplingOptions struct {
	Limit     int
	MinWeight float64
}

// GetCoupling returns path's coupled neighbours regardless of which side
// of the stored unordered edge the file sits on, strongest weighted_jaccard first.
func (q *Service) GetCoupling(ctx context.Context, path string, opts CouplingOptions) ([]CoupledFile, error) {
	entity, err := q.store.ResolveFileByPath(ctx, path)
	if err != nil {
		return nil, err
	}

	edges, err := q.store.GetEdgesForFile(ctx, entity.ID)
	if err != nil {
		return nil, err
	}

	coupled := make([]CoupledFile, 0, len(edges))

	for _, e := range edges {
		otherID := e.DstFileID
		pOtherGivenThis := e.PDstGivenSrc
		pThisGivenOther := e.PSrcGivenDst

		if otherID == entity.ID {
			otherID = e.SrcFileID
			pOtherGivenThis, pThisGivenOther = pThisGivenOther, pOtherGivenThis
		}

		if e.WeightedJaccard < opts.MinWeight {
			continue
		}

		other, otherErr := q.store.GetEntity(ctx, otherID)
		if otherErr != nil {
			return nil, otherErr
		}

		coupled = append(coupled, CoupledFile{
			Path:            other.QualifiedName,
			PairCount:       e.PairCount,
			Jaccard:         e.Jaccard,
			WeightedJaccard: e.WeightedJaccard,
			POtherGivenThis: pOtherGivenThis,
			PThisGivenOther: pThisGivenOther,
		})
	}

	sort.Slice(coupled, func(i, j int) bool {
		if coupled[i].WeightedJaccard != coupled[j].WeightedJaccard {
			return coupled[i].WeightedJaccard > coupled[j].WeightedJaccard
		}

		return coupled[i].Path < coupled[j].Path
	})

	if opts.Limit > 0 && len(coupled) > opts.Limit {
		coupled = coupled[:opts.Limit]
	}

	return coupled, nil
}

// GetLineage returns the ordered path history for a file identity.
func (q *Service) GetLineage(ctx context.Context, path string) ([]LineageEntry, error) {
	entity, err := q.store.ResolveFileByPath(ctx, path)
	if err != nil {
		return nil, err
	}

	records, err := q.store.GetLineage(ctx, entity.ID)
	if err != nil {
		return nil, err
	}

	entries := make([]LineageEntry, len(records))
	for i, record := range records {
		entries[i] = LineageEntry{Path: record.Path, StartCommit: record.StartCommit, EndCommit: record.EndCommit}
	}

	return entries, nil
}

// GetHotspots returns the highest-risk files, sorted and limited
// server-side.
func (q *Service) GetHotspots(ctx context.Context, limit int) ([]FileInfo, error) {
	rows, err := q.store.ListHotspots(ctx, limit)
	if err != nil {
		return nil, err
	}

	infos := make([]FileInfo, 0, len(rows))

	for _, row := range rows {
		entity, entErr := q.store.GetEntity(ctx, row.FileID)
		if entErr != nil {
			return nil, entErr
		}

		infos = append(infos, FileInfo{
			Path:              entity.QualifiedName,
			PresentAtHead:     entity.PresentAtHead,
			TotalCommits:      row.TotalCommits,
			AuthorsCount:      row.AuthorsCount,
			ChurnRate:         row.ChurnRate,
			MaxCoupling:       row.MaxCoupling,
			CoupledFilesCount: row.CoupledFilesCount,
			RiskScore:         row.RiskScore,
			RiskLevel:         metrics.LevelFor(row.RiskScore),
		})
	}

	return infos, nil
}

// GetHotspotsBySelector applies a hotspot rule ("top_p:<0..1>" or
// "top_n:<int>") over the full stats table instead of a flat limit.
func (q *Service) GetHotspotsBySelector(ctx context.Context, selector string) ([]FileInfo, error) {
	rows, err := q.store.ListHotspots(ctx, 0)
	if err != nil {
		return nil, err
	}

	cfg := config.DefaultConfiguration()
	cfg.HotspotSelector = selector

	selected, err := hotspots.Hotspots(rows, cfg)
	if err != nil {
		return nil, err
	}

	infos := make([]FileInfo, 0, len(selected))

	for _, row := range selected {
		entity, entErr := q.store.GetEntity(ctx, row.FileID)
		if entErr != nil {
			return nil, entErr
		}

		infos = append(infos, FileInfo{
			Path:              entity.QualifiedName,
			PresentAtHead:     entity.PresentAtHead,
			TotalCommits:      row.TotalCommits,
			AuthorsCount:      row.AuthorsCount,
			ChurnRate:         row.ChurnRate,
			MaxCoupling:       row.MaxCoupling,
			CoupledFilesCount: row.CoupledFilesCount,
			RiskScore:         row.RiskScore,
			RiskLevel:         metrics.LevelFor(row.RiskScore),
		})
	}

	return infos, nil
}

// GetDeveloperCoupling returns the developer co-change rows for dev, or
// every pair when dev is empty.
func (q *Service) GetDeveloperCoupling(ctx context.Context, dev string) ([]store.DeveloperCouplingRow, error) {
	return q.store.GetDeveloperCoupling(ctx, dev)
}

// GetClusterSnapshot returns one snapshot with members and derived
// metrics resolved to paths.
func (q *Service) GetClusterSnapshot(ctx context.Context, snapshotID string) (cluster.SnapshotExport, error) {
	return cluster.BuildExport(ctx, q.store, snapshotID)
}

// CompareSnapshots classifies cluster correspondence between two
// snapshots.
func (q *Service) CompareSnapshots(ctx context.Context, baseID, targetID string) (cluster.Comparison, error) {
	return cluster.Compare(ctx, q.store, baseID, targetID)
}

// ComponentCoupling is the get_component_coupling response: the
// component's own roll-up plus one roll-up per child group at the
// requested depth.
type ComponentCoupling struct {
	Component hotspots.FolderRollup
	Children  []hotspots.FolderRollup
}

// GetComponentCoupling rolls coupling up to the folder component and its
// children depth segments below it.
func (q *Service) GetComponentCoupling(ctx context.Context, component string, depth int) (ComponentCoupling, error) {
	if depth < 0 {
		return ComponentCoupling{}, engineerror.New(engineerror.CodeParamInvalid, "depth must be >= 0")
	}

	prefix := folderPrefix(component)

	entities, err := q.store.ListFileEntities(ctx, "")
	if err != nil {
		return ComponentCoupling{}, err
	}

	inComponent := make(map[int64]bool)
	pathByID := make(map[int64]string, len(entities))

	for _, entity := range entities {
		pathByID[entity.ID] = entity.QualifiedName

		if prefix == "" || strings.HasPrefix(entity.QualifiedName, prefix) {
			inComponent[entity.ID] = true
		}
	}

	if len(inComponent) == 0 {
		return ComponentCoupling{}, engineerror.Newf(engineerror.CodeFileNotFound, "no files under component %q", component)
	}

	statsRows, err := q.store.ListHotspots(ctx, 0)
	if err != nil {
		return ComponentCoupling{}, err
	}

	computer := hotspots.New(q.store)

	authorsByFile, err := computer.AuthorsByFile(ctx)
	if err != nil {
		return ComponentCoupling{}, err
	}

	rollup, err := hotspots.Rollup(ctx, q.store, prefix, statsRows, authorsByFile, inComponent)
	if err != nil {
		return ComponentCoupling{}, err
	}

	result := ComponentCoupling{Component: rollup}

	if depth == 0 {
		return result, nil
	}

	// Group member files by their prefix `depth` path segments below the
	// component.
	childFiles := make(map[string]map[int64]bool)

	for id := range inComponent {
		child := childPrefix(pathByID[id], prefix, depth)
		if child == "" {
			continue
		}

		if childFiles[child] == nil {
			childFiles[child] = make(map[int64]bool)
		}

		childFiles[child][id] = true
	}

	children := make([]string, 0, len(childFiles))
	for child := range childFiles {
		children = append(children, child)
	}

	sort.Strings(children)

	for _, child := range children {
		childRollup, childErr := hotspots.Rollup(ctx, q.store, child, statsRows, authorsByFile, childFiles[child])
		if childErr != nil {
			return ComponentCoupling{}, childErr
		}

		result.Children = append(result.Children, childRollup)
	}

	return result, nil
}

// folderPrefix terminates component with "/" so "src" never matches
// "srcX".
func folderPrefix(component string) string {
	if component == "" {
		return ""
	}

	return strings.TrimSuffix(component, "/") + "/"
}

// childPrefix returns path's prefix `depth` segments below base, with a
// trailing slash, or "" for files directly at base shallower than depth.
func childPrefix(path, base string, depth int) string {
	rest := strings.TrimPrefix(path, base)

	segments := strings.Split(rest, "/")
	if len(segments) <= depth {
		return ""
	}

	return base + strings.Join(segments[:depth], "/") + "/"
}
