// Package coupling implements the Edge Aggregator: a single
// streamed pass over the Changeset Builder's output that accumulates
// pairwise file co-change statistics and derives the coupling edge table,
// including a per-file top-K neighbour projection.
package coupling

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/jmoiron/sqlx"

	"github.com/couplegraph/coupler/pkg/budget"
	"github.com/couplegraph/coupler/pkg/changeset"
	"github.com/couplegraph/coupler/pkg/config"
	"github.com/couplegraph/coupler/pkg/engineerror"
	"github.com/couplegraph/coupler/pkg/store"
)

// pairKey is an unordered file pair, always stored with Src < Dst so a
// pair is represented exactly one way regardless of encounter order.
type pairKey struct {
	Src int64
	Dst int64
}

func newPairKey(a, b int64) pairKey {
	if a < b {
		return pairKey{Src: a, Dst: b}
	}

	return pairKey{Src: b, Dst: a}
}

// pairCounts accumulates one pair's raw and weighted co-occurrence count.
type pairCounts struct {
	Count    int64
	Weighted float64
}

// fileTotal accumulates one file's total changeset membership, the
// denominator for jaccard/conditional-probability derivation.
type fileTotal struct {
	Count    int64
	Weighted float64
}

// Aggregator accumulates pairwise co-change statistics from a stream of
// changesets and writes the resulting edge table in one transaction.
type Aggregator struct {
	store  *store.Store
	budget budget.PipelineBudget

	mem       map[pairKey]*pairCounts
	fileTotal map[int64]*fileTotal

	spillDir   string
	numShards  int
	shardFiles []*os.File
	shardW     []*bufio.Writer
	shardEnc   []*gob.Encoder
	spilled    bool
}

const defaultNumShards = 64

// New creates an Aggregator. spillDir is the directory new on-disk shard
// files are created in when the in-memory pair cache exceeds pb's
// PairCacheEntries; it is created lazily, only if a spill actually occurs.
func New(s *store.Store, pb budget.PipelineBudget, spillDir string) *Aggregator {
	if pb.PairCacheEntries <= 0 {
		pb.PairCacheEntries = budget.MinPairCacheEntries
	}

	return &Aggregator{
		store:     s,
		budget:    pb,
		mem:       make(map[pairKey]*pairCounts),
		fileTotal: make(map[int64]*fileTotal),
		spillDir:  spillDir,
		numShards: defaultNumShards,
	}
}

// CleanupSpills removes any on-disk spill shards, satisfying
// streaming.SpillCleaner so the orchestrator can register an Aggregator
// with a streaming.SpillCleanupGuard.
func (a *Aggregator) CleanupSpills() {
	for _, f := range a.shardFiles {
		name := f.Name()
		_ = f.Close()
		_ = os.Remove(name)
	}

	a.shardFiles = nil
	a.shardW = nil
	a.shardEnc = nil
}

// Add folds one changeset into the accumulator: every unordered pair of
// its member files gets its pair count and weighted pair count bumped by
// 1 and cs.Weight respectively, and every member file's total membership
// count is bumped the same way.
func (a *Aggregator) Add(cs changeset.Changeset) error {
	for _, f := range cs.FileIDs {
		t, ok := a.fileTotal[f]
		if !ok {
			t = &fileTotal{}
			a.fileTotal[f] = t
		}

		t.Count++
		t.Weighted += cs.Weight
	}

	for i := 0; i < len(cs.FileIDs); i++ {
		for j := i + 1; j < len(cs.FileIDs); j++ {
			key := newPairKey(cs.FileIDs[i], cs.FileIDs[j])

			pc, ok := a.mem[key]
			if !ok {
				pc = &pairCounts{}
				a.mem[key] = pc
			}

			pc.Count++
			pc.Weighted += cs.Weight
		}
	}

	if len(a.mem) > a.budget.PairCacheEntries {
		return a.spillMem()
	}

	return nil
}

// spillRecord is one (pairKey, pairCounts) entry written to a shard file.
type spillRecord struct {
	Key   pairKey
	Value pairCounts
}

// spillMem flushes the entire in-memory pair map to on-disk shard files,
// keyed by xxhash(pairKey) so later merging never needs to hold more than
// one shard's worth of pairs in memory at a time. Each shard keeps a
// single long-lived gob encoder for the whole run: appending through it
// yields one continuous stream per file, which is what lets a single
// decoder read back every record no matter how many spills happened.
func (a *Aggregator) spillMem() error {
	if err := a.ensureShards(); err != nil {
		return err
	}

	for key, value := range a.mem {
		shard := a.shardFor(key)

		if err := a.shardEnc[shard].Encode(spillRecord{Key: key, Value: *value}); err != nil {
			return engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "spill pair record")
		}
	}

	a.mem = make(map[pairKey]*pairCounts)
	a.spilled = true

	return nil
}

func (a *Aggregator) shardFor(key pairKey) int {
	var buf [16]byte

	binary.BigEndian.PutUint64(buf[:8], uint64(key.Src))
	binary.BigEndian.PutUint64(buf[8:], uint64(key.Dst))

	return int(xxhash.Sum64(buf[:]) % uint64(a.numShards))
}

// ensureShards lazily creates the shard files, buffered writers, and their
// per-shard encoders exactly once.
func (a *Aggregator) ensureShards() error {
	if a.shardFiles != nil {
		return nil
	}

	if err := os.MkdirAll(a.spillDir, 0o755); err != nil {
		return engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "create spill dir")
	}

	a.shardFiles = make([]*os.File, a.numShards)
	a.shardW = make([]*bufio.Writer, a.numShards)
	a.shardEnc = make([]*gob.Encoder, a.numShards)

	for i := range a.numShards {
		f, err := os.Create(filepath.Join(a.spillDir, fmt.Sprintf("pairs-%03d.gob", i)))
		if err != nil {
			return engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "create spill shard")
		}

		a.shardFiles[i] = f
		a.shardW[i] = bufio.NewWriter(f)
		a.shardEnc[i] = gob.NewEncoder(a.shardW[i])
	}

	return nil
}

// Result is the derived edge table plus its top-K projection, ready for
// Store.ReplaceEdgesAndTopK.
type Result struct {
	Edges []store.EdgeRow
	TopK  []store.TopKEdgeRow
}

// Finalize merges any spilled shards back in (one shard at a time, so
// total memory use is bounded by the largest single shard rather than the
// full pair space), derives jaccard/weighted_jaccard/conditional
// probabilities, applies min_cooccurrence, and projects
// the per-file top-K neighbour list. A pair hashes to exactly one shard,
// so edges can be derived per shard without cross-shard deduplication.
func (a *Aggregator) Finalize(cfg config.Configuration) (Result, error) {
	minCooccurrence := int64(cfg.MinCooccurrence)
	if minCooccurrence <= 0 {
		minCooccurrence = config.DefaultMinCooccurrence
	}

	var edges []store.EdgeRow

	neighbors := make(map[int64][]store.TopKEdgeRow)

	derive := func(pairs map[pairKey]*pairCounts) {
		for key, pc := range pairs {
			if pc.Count < minCooccurrence {
				continue
			}

			src := a.fileTotal[key.Src]
			dst := a.fileTotal[key.Dst]

			union := src.Count + dst.Count - pc.Count
			jaccard := 0.0

			if union > 0 {
				jaccard = float64(pc.Count) / float64(union)
			}

			weightedUnion := src.Weighted + dst.Weighted - pc.Weighted
			weightedJaccard := 0.0

			if weightedUnion > 0 {
				weightedJaccard = pc.Weighted / weightedUnion
			}

			pDstGivenSrc := 0.0
			if src.Count > 0 {
				pDstGivenSrc = float64(pc.Count) / float64(src.Count)
			}

			pSrcGivenDst := 0.0
			if dst.Count > 0 {
				pSrcGivenDst = float64(pc.Count) / float64(dst.Count)
			}

			row := store.EdgeRow{
				SrcFileID:         key.Src,
				DstFileID:         key.Dst,
				PairCount:         pc.Count,
				WeightedPairCount: pc.Weighted,
				Jaccard:           jaccard,
				WeightedJaccard:   weightedJaccard,
				PDstGivenSrc:      pDstGivenSrc,
				PSrcGivenDst:      pSrcGivenDst,
			}

			edges = append(edges, row)

			neighbors[key.Src] = append(neighbors[key.Src], store.TopKEdgeRow{
				FileID: key.Src, NeighborID: key.Dst, WeightedJaccard: weightedJaccard, PairCount: pc.Count,
			})
			neighbors[key.Dst] = append(neighbors[key.Dst], store.TopKEdgeRow{
				FileID: key.Dst, NeighborID: key.Src, WeightedJaccard: weightedJaccard, PairCount: pc.Count,
			})
		}
	}

	if err := a.forEachPairShard(func(pairs map[pairKey]*pairCounts) error {
		derive(pairs)

		return nil
	}); err != nil {
		return Result{}, err
	}

	topPerFile := cfg.TopKEdgesPerFile
	if topPerFile <= 0 {
		topPerFile = config.DefaultTopKEdgesPerFile
	}

	var topk []store.TopKEdgeRow

	for fileID, rows := range neighbors {
		sort.Slice(rows, func(i, j int) bool {
			// Tie-break rule: higher weighted_jaccard, then higher pair_count,
			// then lower neighbor id.
			if rows[i].WeightedJaccard != rows[j].WeightedJaccard {
				return rows[i].WeightedJaccard > rows[j].WeightedJaccard
			}

			if rows[i].PairCount != rows[j].PairCount {
				return rows[i].PairCount > rows[j].PairCount
			}

			return rows[i].NeighborID < rows[j].NeighborID
		})

		if len(rows) > topPerFile {
			rows = rows[:topPerFile]
		}

		for rank, row := range rows {
			row.Rank = rank + 1
			row.FileID = fileID
			topk = append(topk, row)
		}
	}

	return Result{Edges: edges, TopK: topk}, nil
}

// forEachPairShard presents the accumulated pair counts to fn one hash
// shard at a time. Without a spill that is the single in-memory map;
// otherwise each shard file's records are merged with the in-memory
// remainder hashing to the same shard, so at most one shard's pairs are
// resident at once. A decode error other than a clean end of stream is a
// hard failure - dropped spill records would silently undercount pairs.
func (a *Aggregator) forEachPairShard(fn func(map[pairKey]*pairCounts) error) error {
	if !a.spilled {
		return fn(a.mem)
	}

	for _, w := range a.shardW {
		if err := w.Flush(); err != nil {
			return engineerror.Wrap(err, engineerror.CodeStoreWriteFailed, "flush spill shard")
		}
	}

	memByShard := make([]map[pairKey]*pairCounts, a.numShards)

	for key, value := range a.mem {
		idx := a.shardFor(key)
		if memByShard[idx] == nil {
			memByShard[idx] = make(map[pairKey]*pairCounts)
		}

		memByShard[idx][key] = value
	}

	for i, f := range a.shardFiles {
		pairs := memByShard[i]
		if pairs == nil {
			pairs = make(map[pairKey]*pairCounts)
		}

		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "seek spill shard")
		}

		dec := gob.NewDecoder(bufio.NewReader(f))

		for {
			var rec spillRecord

			err := dec.Decode(&rec)
			if errors.Is(err, io.EOF) {
				break
			}

			if err != nil {
				return engineerror.Wrap(err, engineerror.CodeStoreReadFailed, "decode spill record")
			}

			existing, ok := pairs[rec.Key]
			if !ok {
				v := rec.Value
				pairs[rec.Key] = &v

				continue
			}

			existing.Count += rec.Value.Count
			existing.Weighted += rec.Value.Weighted
		}

		if err := fn(pairs); err != nil {
			return err
		}
	}

	return nil
}

// Write persists res via Store.ReplaceEdgesAndTopK in one transaction, so
// readers never observe a partial edge table.
func (a *Aggregator) Write(ctx context.Context, res Result) error {
	return a.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		return a.store.ReplaceEdgesAndTopK(ctx, tx, res.Edges, res.TopK)
	})
}
