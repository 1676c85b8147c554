package store

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/couplegraph/coupler/pkg/engineerror"
)

// EdgeRow is one undirected coupling edge. SrcFileID
// is always < DstFileID; only one edge per unordered pair exists.
type EdgeRow struct {
	SrcFileID         int64   `db:"src_file_id"`
	DstFileID         int64   `db:"dst_file_id"`
	PairCount         int64   `db:"pair_count"`
	WeightedPairCount float64 `db:"weighted_pair_count"`
	Jaccard           float64 `db:"jaccard"`
	WeightedJaccard   float64 `db:"weighted_jaccard"`
	PDstGivenSrc      float64 `db:"p_dst_given_src"`
	PSrcGivenDst      float64 `db:"p_src_given_dst"`
}

// TopKEdgeRow is one row of the per-file top-K neighbour projection.
type TopKEdgeRow struct {
	FileID          int64   `db:"file_id"`
	Rank            int     `db:"rank"`
	NeighborID      int64   `db:"neighbor_id"`
	WeightedJaccard float64 `db:"weighted_jaccard"`
	PairCount       int64   `db:"pair_count"`
}

// ReplaceEdgesAndTopK clears and rewrites the entire edges and topk_edges
// tables within tx. Readers never observe a partial edge set because the
// whole rewrite happens in one transaction.
func (s *Store) ReplaceEdgesAndTopK(ctx context.Context, tx *sqlx.Tx, edges []EdgeRow, topk []TopKEdgeRow) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM edges"); err != nil {
		return engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "clear edges")
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM topk_edges"); err != nil {
		return engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "clear topk_edges")
	}

	const edgeInsert = `INSERT INTO edges
		(src_file_id, dst_file_id, pair_count, weighted_pair_count, jaccard, weighted_jaccard, p_dst_given_src, p_src_given_dst)
		VALUES (:src_file_id, :dst_file_id, :pair_count, :weighted_pair_count, :jaccard, :weighted_jaccard, :p_dst_given_src, :p_src_given_dst)`

	if err := batchNamedExec(ctx, tx, edgeInsert, edges); err != nil {
		return engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "insert edges")
	}

	const topkInsert = `INSERT INTO topk_edges
		(file_id, rank, neighbor_id, weighted_jaccard, pair_count)
		VALUES (:file_id, :rank, :neighbor_id, :weighted_jaccard, :pair_count)`

	if err := batchNamedExec(ctx, tx, topkInsert, topk); err != nil {
		return engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "insert topk edges")
	}

	return nil
}

// batchNamedExecItem constrains the rows accepted by batchNamedExec.
type batchNamedExecItem interface {
	EdgeRow | TopKEdgeRow
}

// batchNamedExec runs a named-parameter insert once per row. sqlite's
// single-writer model makes a loop of prepared-statement execs, rather
// than one giant multi-row VALUES list, the simplest correct batching
// strategy here; the Extractor's own batch-commit path (pkg/extractor)
// uses the same per-row-exec approach within one transaction.
func batchNamedExec[T batchNamedExecItem](ctx context.Context, tx *sqlx.Tx, query string, rows []T) error {
	stmt, err := tx.PrepareNamedContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row); err != nil {
			return err
		}
	}

	return nil
}

// GetEdgesForFile returns every edge incident to fileID, in either src or
// dst position - implementing the symmetric-coupling contract at the
// store layer.
func (s *Store) GetEdgesForFile(ctx context.Context, fileID int64) ([]EdgeRow, error) {
	var edges []EdgeRow

	err := s.db.SelectContext(ctx, &edges, `
		SELECT src_file_id, dst_file_id, pair_count, weighted_pair_count, jaccard, weighted_jaccard, p_dst_given_src, p_src_given_dst
		FROM edges WHERE src_file_id = ? OR dst_file_id = ?`, fileID, fileID)
	if err != nil {
		return nil, engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "get edges for file")
	}

	return edges, nil
}

// ListAllEdges returns the entire edge table ordered by (src, dst), the
// Clusterer's graph-projection input.
func (s *Store) ListAllEdges(ctx context.Context) ([]EdgeRow, error) {
	var edges []EdgeRow

	err := s.db.SelectContext(ctx, &edges, `
		SELECT src_file_id, dst_file_id, pair_count, weighted_pair_count, jaccard, weighted_jaccard, p_dst_given_src, p_src_given_dst
		FROM edges ORDER BY src_file_id, dst_file_id`)
	if err != nil {
		return nil, engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "list edges")
	}

	return edges, nil
}

// GetTopKForFile returns the top-K projection rows for fileID, ordered by
// rank.
func (s *Store) GetTopKForFile(ctx context.Context, fileID int64) ([]TopKEdgeRow, error) {
	var rows []TopKEdgeRow

	err := s.db.SelectContext(ctx, &rows,
		"SELECT file_id, rank, neighbor_id, weighted_jaccard, pair_count FROM topk_edges WHERE file_id = ? ORDER BY rank", fileID)
	if err != nil {
		return nil, engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "get topk for file")
	}

	return rows, nil
}

// CountEdges returns the total number of stored edges.
func (s *Store) CountEdges(ctx context.Context) (int, error) {
	var count int

	err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM edges")
	if err != nil {
		return 0, engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "count edges")
	}

	return count, nil
}

// EdgesWithinFolder returns every edge with at least one endpoint that
// resolves (via the entities table) to a qualified_name with the given
// folder prefix, for folder-level coupling roll-ups; callers tell internal
// edges from external ones.
func (s *Store) EdgesWithinFolder(ctx context.Context, prefix string) ([]EdgeRow, error) {
	var edges []EdgeRow

	err := s.db.SelectContext(ctx, &edges, `
		SELECT e.src_file_id, e.dst_file_id, e.pair_count, e.weighted_pair_count, e.jaccard, e.weighted_jaccard, e.p_dst_given_src, e.p_src_given_dst
		FROM edges e
		JOIN entities a ON a.id = e.src_file_id
		JOIN entities b ON b.id = e.dst_file_id
		WHERE a.qualified_name LIKE ? OR b.qualified_name LIKE ?`, prefix+"%", prefix+"%")
	if err != nil {
		return nil, engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "get folder edges")
	}

	return edges, nil
}
