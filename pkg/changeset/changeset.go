// Package changeset groups the individual commits the Extractor recorded
// into logical changesets under one of three grouping policies, applies
// the configured size filters, and assigns each surviving changeset a
// decay weight. A Changeset is never persisted as rows; it is
// materialised one at a time and streamed to the Edge Aggregator.
package changeset

import (
	"context"
	"encoding/hex"
	"math"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/zeebo/blake3"

	"github.com/couplegraph/coupler/pkg/alg/stats"
	"github.com/couplegraph/coupler/pkg/config"
	"github.com/couplegraph/coupler/pkg/engineerror"
	"github.com/couplegraph/coupler/pkg/identity"
	"github.com/couplegraph/coupler/pkg/store"
)

// Changeset is a set of file ids considered as co-changing in one logical
// unit, plus the scalar weight the Edge Aggregator multiplies into its
// weighted pair counts.
// Single-member changesets are emitted too: they produce no pairs but
// still count toward a file's lifetime changeset totals, the denominators
// of the jaccard and conditional-probability derivations.
type Changeset struct {
	FileIDs []int64
	Weight  float64
}

// minSamplesForDecile gates the soft size penalty: with fewer observed
// changesets there is no meaningful decile to compare against.
const minSamplesForDecile = 2

// Options configures a single Changeset Builder pass.
type Options struct {
	Config config.Configuration
	// Now anchors the exponential age decay. Callers pass the run's start
	// time so a run's weights are reproducible regardless of how long the
	// run itself takes.
	Now time.Time
}

// Callback receives one built Changeset at a time.
type Callback func(Changeset) error

// Builder drives the grouping policies against a Store's recorded commits
// and sidecar change atoms.
type Builder struct {
	store *store.Store
}

// New creates a Builder over s.
func New(s *store.Store) *Builder {
	return &Builder{store: s}
}

// rawGroup is one changeset's membership and anchor time, before weight is
// computed - the intermediate shape shared between the size-sampling pass
// and the emitting pass so the two grouping passes stay in lockstep.
type rawGroup struct {
	fileIDs    []int64
	anchorTime time.Time
}

// memberSet accumulates a grouped changeset's file membership as a Roaring
// bitmap instead of a Go map: membership is a pure set-union operation
// across many commits in a session/ticket group, and a bitmap gives that
// for free in sorted, deduplicated order without a second sort pass.
// File ids are truncated to uint32, which holds for any repository under
// four billion distinct files ever sighted.
type memberSet struct {
	bitmap *roaring.Bitmap
}

func newMemberSet() *memberSet {
	return &memberSet{bitmap: roaring.New()}
}

func (m *memberSet) Add(fileID int64) {
	m.bitmap.Add(uint32(fileID))
}

// fileIDs returns the set's members as int64 ids in ascending order.
func (m *memberSet) fileIDs() []int64 {
	raw := m.bitmap.ToArray()
	out := make([]int64, len(raw))

	for i, v := range raw {
		out[i] = int64(v)
	}

	return out
}

// ticketKey derives a fixed-width map key for a ticket token via BLAKE3,
// so the by_ticket_id grouping map's key size does not grow with the
// length of whatever the configured ticket_id_pattern happens to capture.
func ticketKey(token string) string {
	sum := blake3.Sum256([]byte(token))

	return hex.EncodeToString(sum[:])
}

// Stream builds every changeset under opts.Config.ChangesetMode and calls
// cb once per surviving changeset, in three passes over the recorded
// commits: (1) tally each file's lifetime changeset-membership count for
// the min_revisions prefilter, (2) group commits into raw changesets and
// sample their sizes to locate the top-decile soft-penalty threshold, (3)
// regroup and emit with weight applied. None of the three passes holds
// more than a handful of scalars per file/changeset in memory at once;
// only the full Changeset slice for one group at a time is ever live.
func (b *Builder) Stream(ctx context.Context, opts Options, cb Callback) error {
	fileCounts, err := b.lifetimeCounts(ctx, opts)
	if err != nil {
		return err
	}

	var sizes []float64

	err = b.group(ctx, opts, fileCounts, func(g rawGroup) error {
		sizes = append(sizes, float64(len(g.fileIDs)))

		return nil
	})
	if err != nil {
		return err
	}

	sizeThreshold := 0.0
	if len(sizes) >= minSamplesForDecile {
		sizeThreshold = stats.Percentile(sizes, 0.9)
	}

	return b.group(ctx, opts, fileCounts, func(g rawGroup) error {
		return cb(Changeset{
			FileIDs: g.fileIDs,
			Weight:  weight(opts, g, sizeThreshold),
		})
	})
}

// weight applies the base weight, the exponential age decay, and the
// soft penalty for changesets in the top decile of observed sizes.
func weight(opts Options, g rawGroup, sizeThreshold float64) float64 {
	w := 1.0

	if opts.Config.DecayHalfLifeDays != nil && *opts.Config.DecayHalfLifeDays > 0 {
		ageDays := opts.Now.Sub(g.anchorTime).Hours() / 24
		w *= math.Pow(0.5, ageDays / *opts.Config.DecayHalfLifeDays)
	}

	if sizeThreshold > 0 && float64(len(g.fileIDs)) >= sizeThreshold {
		w *= 1 / math.Log2(float64(len(g.fileIDs))+2)
	}

	if w <= 0 {
		w = math.SmallestNonzeroFloat64
	}

	return w
}

// lifetimeCounts tallies, for every file id, the number of non-skipped
// commits that touched it across the whole recorded history - the
// "lifetime commit count" the min_revisions filter compares against
// before any pairing happens.
func (b *Builder) lifetimeCounts(ctx context.Context, opts Options) (map[int64]int64, error) {
	counts := make(map[int64]int64)

	err := b.store.IterateCommits(ctx, func(c store.CommitRow) error {
		if skipCommit(c, opts) {
			return nil
		}

		atoms, err := b.store.ChangesForCommit(c.ID)
		if err != nil {
			return err
		}

		for _, atom := range atoms {
			if !pathIncluded(atom.Path, opts.Config) {
				continue
			}

			counts[atom.FileID]++
		}

		return nil
	})

	return counts, err
}

// group replays the commit history once, dispatching to the configured
// grouping policy, applying the min_revisions membership filter and the
// changeset-size cap, and invoking onGroup for every surviving group.
func (b *Builder) group(ctx context.Context, opts Options, fileCounts map[int64]int64, onGroup func(rawGroup) error) error {
	switch opts.Config.ChangesetMode {
	case config.ChangesetModeByAuthorTime:
		return b.groupByAuthorTime(ctx, opts, fileCounts, onGroup)
	case config.ChangesetModeByTicketID:
		return b.groupByTicketID(ctx, opts, fileCounts, onGroup)
	case config.ChangesetModeByCommit, "":
		return b.groupByCommit(ctx, opts, fileCounts, onGroup)
	default:
		return engineerror.Newf(engineerror.CodeConfigInvalid, "unknown changeset_mode %q", opts.Config.ChangesetMode)
	}
}

// skipCommit excludes a commit from grouping entirely: merge commits under
// merge_handling=none, and commits older than window_days when set.
func skipCommit(c store.CommitRow, opts Options) bool {
	if c.IsMerge && opts.Config.MergeHandling == config.MergeHandlingNone {
		return true
	}

	if opts.Config.WindowDays != nil {
		window := time.Duration(*opts.Config.WindowDays) * 24 * time.Hour
		if opts.Now.Sub(c.AuthorTime) > window {
			return true
		}
	}

	return false
}

// groupByCommit implements the by_commit policy: one changeset per commit
// that skipCommit keeps (merge commits only under merge_handling other than
// none).
func (b *Builder) groupByCommit(ctx context.Context, opts Options, fileCounts map[int64]int64, onGroup func(rawGroup) error) error {
	maxSize := maxChangesetSize(opts.Config, false)

	return b.store.IterateCommits(ctx, func(c store.CommitRow) error {
		if skipCommit(c, opts) {
			return nil
		}

		atoms, err := b.store.ChangesForCommit(c.ID)
		if err != nil {
			return err
		}

		fileIDs := filterMembers(atoms, fileCounts, opts.Config)
		if len(fileIDs) == 0 || len(fileIDs) > maxSize {
			return nil
		}

		return onGroup(rawGroup{fileIDs: fileIDs, anchorTime: c.AuthorTime})
	})
}

// authorSession is one open, session-anchored window for a single author
// under the by_author_time policy.
type authorSession struct {
	anchor  time.Time
	members *memberSet
}

// groupByAuthorTime implements the by_author_time policy: commits are
// grouped into the open session for their canonicalized author as long as
// they fall within author_time_window_hours of that session's anchor;
// breaching the window closes the session and opens a fresh one anchored
// at the breaching commit.
func (b *Builder) groupByAuthorTime(ctx context.Context, opts Options, fileCounts map[int64]int64, onGroup func(rawGroup) error) error {
	window := time.Duration(opts.Config.AuthorTimeWindowHours) * time.Hour
	if window <= 0 {
		window = time.Duration(config.DefaultAuthorTimeWindowHours) * time.Hour
	}

	maxSize := maxChangesetSize(opts.Config, true)
	sessions := make(map[identity.Key]*authorSession)
	resolver := identity.NewResolver(opts.Config.AuthorAliases)

	flush := func(s *authorSession) error {
		fileIDs := filterIDs(s.members.fileIDs(), fileCounts, opts.Config)
		if len(fileIDs) == 0 || len(fileIDs) > maxSize {
			return nil
		}

		return onGroup(rawGroup{fileIDs: fileIDs, anchorTime: s.anchor})
	}

	err := b.store.IterateCommits(ctx, func(c store.CommitRow) error {
		if skipCommit(c, opts) {
			return nil
		}

		atoms, err := b.store.ChangesForCommit(c.ID)
		if err != nil {
			return err
		}

		key := resolver.Resolve(c.AuthorName, c.AuthorEmail)

		sess, open := sessions[key]
		if !open || c.AuthorTime.Sub(sess.anchor) > window {
			if open {
				if flushErr := flush(sess); flushErr != nil {
					return flushErr
				}
			}

			sess = &authorSession{anchor: c.AuthorTime, members: newMemberSet()}
			sessions[key] = sess
		}

		for _, atom := range atoms {
			if pathIncluded(atom.Path, opts.Config) {
				sess.members.Add(atom.FileID)
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	// Flush in a stable order so repeated runs over identical history
	// produce deterministic emission order (the idempotent-re-run
	// property cares about the resulting edge table, not
	// changeset order, but determinism also makes the size-sampling and
	// emitting passes of Stream agree on which group is which).
	keys := make([]string, 0, len(sessions))
	for k := range sessions {
		keys = append(keys, string(k))
	}

	sort.Strings(keys)

	for _, k := range keys {
		if err := flush(sessions[identity.Key(k)]); err != nil {
			return err
		}
	}

	return nil
}

// ticketGroup is one open accumulation of commits sharing a ticket token
// under the by_ticket_id policy.
type ticketGroup struct {
	anchor  time.Time
	members *memberSet
}

// groupByTicketID implements the by_ticket_id policy: commits are grouped
// by a ticket token extracted from the commit message via
// ticket_id_pattern; commits without a match fall through to a by_commit
// changeset of their own.
func (b *Builder) groupByTicketID(ctx context.Context, opts Options, fileCounts map[int64]int64, onGroup func(rawGroup) error) error {
	pattern, err := regexp.Compile(opts.Config.TicketIDPattern)
	if err != nil {
		return engineerror.Wrap(err, engineerror.CodeConfigInvalid, "compile ticket_id_pattern")
	}

	maxSize := maxChangesetSize(opts.Config, true)
	fallbackMax := maxChangesetSize(opts.Config, false)
	groups := make(map[string]*ticketGroup)

	err = b.store.IterateCommits(ctx, func(c store.CommitRow) error {
		if skipCommit(c, opts) {
			return nil
		}

		atoms, err := b.store.ChangesForCommit(c.ID)
		if err != nil {
			return err
		}

		token := pattern.FindString(c.Message)
		if token == "" {
			fileIDs := filterMembers(atoms, fileCounts, opts.Config)
			if len(fileIDs) == 0 || len(fileIDs) > fallbackMax {
				return nil
			}

			return onGroup(rawGroup{fileIDs: fileIDs, anchorTime: c.AuthorTime})
		}

		key := ticketKey(token)

		g, ok := groups[key]
		if !ok {
			g = &ticketGroup{anchor: c.AuthorTime, members: newMemberSet()}
			groups[key] = g
		}

		for _, atom := range atoms {
			if pathIncluded(atom.Path, opts.Config) {
				g.members.Add(atom.FileID)
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	tokens := make([]string, 0, len(groups))
	for t := range groups {
		tokens = append(tokens, t)
	}

	sort.Strings(tokens)

	for _, t := range tokens {
		g := groups[t]

		fileIDs := filterIDs(g.members.fileIDs(), fileCounts, opts.Config)
		if len(fileIDs) == 0 || len(fileIDs) > maxSize {
			continue
		}

		if err := onGroup(rawGroup{fileIDs: fileIDs, anchorTime: g.anchor}); err != nil {
			return err
		}
	}

	return nil
}

// maxChangesetSize picks max_changeset_size (raw-commit policy) or
// max_logical_changeset_size (grouped policies).
func maxChangesetSize(cfg config.Configuration, logical bool) int {
	if logical {
		if cfg.MaxLogicalChangesetSize > 0 {
			return cfg.MaxLogicalChangesetSize
		}

		return config.DefaultMaxLogicalChangesetSize
	}

	if cfg.MaxChangesetSize > 0 {
		return cfg.MaxChangesetSize
	}

	return config.DefaultMaxChangesetSize
}

// filterMembers drops files below min_revisions from a raw atom list and
// returns the surviving file ids, sorted for deterministic changeset
// membership.
func filterMembers(atoms []store.ChangeAtom, fileCounts map[int64]int64, cfg config.Configuration) []int64 {
	members := make(map[int64]struct{}, len(atoms))

	for _, atom := range atoms {
		if pathIncluded(atom.Path, cfg) {
			members[atom.FileID] = struct{}{}
		}
	}

	return filterMemberSet(members, fileCounts, cfg)
}

func filterMemberSet(members map[int64]struct{}, fileCounts map[int64]int64, cfg config.Configuration) []int64 {
	ids := make([]int64, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return filterIDs(ids, fileCounts, cfg)
}

// filterIDs drops ids below min_revisions, preserving order. Inputs are
// already sorted (memberSet.fileIDs ascending, filterMemberSet pre-sorts).
func filterIDs(ids []int64, fileCounts map[int64]int64, cfg config.Configuration) []int64 {
	minRevisions := int64(cfg.MinRevisions)
	if minRevisions <= 0 {
		minRevisions = config.DefaultMinRevisions
	}

	fileIDs := make([]int64, 0, len(ids))

	for _, id := range ids {
		if fileCounts[id] >= minRevisions {
			fileIDs = append(fileIDs, id)
		}
	}

	return fileIDs
}

// pathIncluded evaluates include_paths/exclude_paths (glob) and
// include_extensions/exclude_extensions against a change atom's path.
// An empty include list
// means "no path restriction"; exclude always wins over include.
func pathIncluded(path string, cfg config.Configuration) bool {
	if path == "" {
		return false
	}

	for _, pattern := range cfg.ExcludePaths {
		if matched, _ := filepath.Match(pattern, path); matched {
			return false
		}
	}

	ext := strings.TrimPrefix(filepath.Ext(path), ".")

	for _, excluded := range cfg.ExcludeExtensions {
		if strings.EqualFold(ext, strings.TrimPrefix(excluded, ".")) {
			return false
		}
	}

	if len(cfg.IncludePaths) > 0 {
		matched := false

		for _, pattern := range cfg.IncludePaths {
			if ok, _ := filepath.Match(pattern, path); ok {
				matched = true

				break
			}
		}

		if !matched {
			return false
		}
	}

	if len(cfg.IncludeExtensions) > 0 {
		matched := false

		for _, included := range cfg.IncludeExtensions {
			if strings.EqualFold(ext, strings.TrimPrefix(included, ".")) {
				matched = true

				break
			}
		}

		if !matched {
			return false
		}
	}

	return true
}
