package store

import (
	"context"

	"github.com/couplegraph/coupler/pkg/engineerror"
)

// FileInfoRow is one file entity joined with its derived stats, the
// list_files read shape. Files with no stats row (filtered
// out of the last run, or no run yet) surface with zeroed stats.
type FileInfoRow struct {
	FileID            int64   `db:"file_id"`
	QualifiedName     string  `db:"qualified_name"`
	PresentAtHead     bool    `db:"present_at_head"`
	TotalCommits      int64   `db:"total_commits"`
	AuthorsCount      int64   `db:"authors_count"`
	ChurnRate         float64 `db:"churn_rate"`
	MaxCoupling       float64 `db:"max_coupling"`
	CoupledFilesCount int64   `db:"coupled_files_count"`
	RiskScore         float64 `db:"risk_score"`
}

// FileFilter narrows ListFileInfos. Zero-valued bounds are not applied; the
// *Set booleans distinguish "unset" from "filter to zero".
type FileFilter struct {
	Substring      string
	HeadOnly       bool
	MinRisk        float64
	MaxRisk        float64
	MaxRiskSet     bool
	MinChurn       float64
	MinCoupling    float64
	Limit          int
	Offset         int
}

// ListFileInfos returns file entities left-joined with file_stats, filtered
// and paginated server-side.
func (s *Store) ListFileInfos(ctx context.Context, f FileFilter) ([]FileInfoRow, error) {
	query := `
		SELECT e.id AS file_id, e.qualified_name, e.present_at_head,
			COALESCE(fs.total_commits, 0) AS total_commits,
			COALESCE(fs.authors_count, 0) AS authors_count,
			COALESCE(fs.churn_rate, 0) AS churn_rate,
			COALESCE(fs.max_coupling, 0) AS max_coupling,
			COALESCE(fs.coupled_files_count, 0) AS coupled_files_count,
			COALESCE(fs.risk_score, 0) AS risk_score
		FROM entities e
		LEFT JOIN file_stats fs ON fs.file_id = e.id
		WHERE e.kind = ?`

	args := []any{KindFile}

	if f.Substring != "" {
		query += " AND e.qualified_name LIKE ?"
		args = append(args, "%"+f.Substring+"%")
	}

	if f.HeadOnly {
		query += " AND e.present_at_head = 1"
	}

	if f.MinRisk > 0 {
		query += " AND COALESCE(fs.risk_score, 0) >= ?"
		args = append(args, f.MinRisk)
	}

	if f.MaxRiskSet {
		query += " AND COALESCE(fs.risk_score, 0) <= ?"
		args = append(args, f.MaxRisk)
	}

	if f.MinChurn > 0 {
		query += " AND COALESCE(fs.churn_rate, 0) >= ?"
		args = append(args, f.MinChurn)
	}

	if f.MinCoupling > 0 {
		query += " AND COALESCE(fs.max_coupling, 0) >= ?"
		args = append(args, f.MinCoupling)
	}

	query += " ORDER BY e.qualified_name"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	if f.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, f.Offset)
	}

	var rows []FileInfoRow

	err := s.db.SelectContext(ctx, &rows, query, args...)
	if err != nil {
		return nil, engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "list file infos")
	}

	return rows, nil
}

// PathedEdgeRow is an edge joined with both endpoints' qualified names, the
// coupling-graph read shape.
type PathedEdgeRow struct {
	EdgeRow
	SrcPath string `db:"src_path"`
	DstPath string `db:"dst_path"`
}

// EdgesUnderPrefix returns edges whose endpoints BOTH carry the given
// path prefix, strongest weighted_jaccard first, capped at limit. The
// caller is responsible for terminating prefix with "/" so "src" does not
// match "srcX".
func (s *Store) EdgesUnderPrefix(ctx context.Context, prefix string, limit int) ([]PathedEdgeRow, error) {
	query := `
		SELECT e.src_file_id, e.dst_file_id, e.pair_count, e.weighted_pair_count,
			e.jaccard, e.weighted_jaccard, e.p_dst_given_src, e.p_src_given_dst,
			a.qualified_name AS src_path, b.qualified_name AS dst_path
		FROM edges e
		JOIN entities a ON a.id = e.src_file_id
		JOIN entities b ON b.id = e.dst_file_id`

	args := []any{}

	if prefix != "" {
		query += " WHERE a.qualified_name LIKE ? AND b.qualified_name LIKE ?"
		args = append(args, prefix+"%", prefix+"%")
	}

	query += " ORDER BY e.weighted_jaccard DESC, e.src_file_id, e.dst_file_id"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var rows []PathedEdgeRow

	err := s.db.SelectContext(ctx, &rows, query, args...)
	if err != nil {
		return nil, engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "edges under prefix")
	}

	return rows, nil
}
