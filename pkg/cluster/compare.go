package cluster

import (
	"context"
	"sort"

	"github.com/couplegraph/coupler/pkg/alg/mapx"
	"github.com/couplegraph/coupler/pkg/store"
)

// Correspondence classification thresholds over the Jaccard similarity of
// two clusters' member sets.
const (
	stableThreshold  = 0.7
	driftedThreshold = 0.3
)

// Verdict classifies one base cluster's fate between two snapshots.
type Verdict string

// Verdict values.
const (
	VerdictStable    Verdict = "stable"
	VerdictDrifted   Verdict = "drifted"
	VerdictDissolved Verdict = "dissolved"
	VerdictNew       Verdict = "new"
)

// ClusterMatch is one base-cluster correspondence in a snapshot comparison.
// For VerdictNew, BaseClusterID is -1 and only TargetClusterID is set.
type ClusterMatch struct {
	BaseClusterID   int
	TargetClusterID int
	Overlap         int
	Jaccard         float64
	Verdict         Verdict
}

// Comparison is the result of comparing two snapshots.
type Comparison struct {
	BaseSnapshotID   string
	TargetSnapshotID string
	Matches          []ClusterMatch
}

// Compare matches each base cluster to the target cluster with maximum
// member overlap (ties: smaller target cluster id) and classifies the pair
// by member-set Jaccard. Target clusters left unmatched are reported as
// new.
func Compare(ctx context.Context, s *store.Store, baseID, targetID string) (Comparison, error) {
	// Existence checks surface SNAPSHOT_NOT_FOUND before any member reads.
	if _, err := s.GetSnapshot(ctx, baseID); err != nil {
		return Comparison{}, err
	}

	if _, err := s.GetSnapshot(ctx, targetID); err != nil {
		return Comparison{}, err
	}

	base, err := memberSets(ctx, s, baseID)
	if err != nil {
		return Comparison{}, err
	}

	target, err := memberSets(ctx, s, targetID)
	if err != nil {
		return Comparison{}, err
	}

	result := Comparison{BaseSnapshotID: baseID, TargetSnapshotID: targetID}
	matchedTargets := make(map[int]bool)

	for _, baseCluster := range mapx.SortedKeys(base) {
		baseSet := base[baseCluster]

		bestTarget := -1
		bestOverlap := 0

		for _, targetCluster := range mapx.SortedKeys(target) {
			overlap := intersectionSize(baseSet, target[targetCluster])
			if overlap > bestOverlap {
				bestTarget = targetCluster
				bestOverlap = overlap
			}
		}

		match := ClusterMatch{BaseClusterID: baseCluster, TargetClusterID: bestTarget, Overlap: bestOverlap}

		if bestTarget < 0 {
			match.Verdict = VerdictDissolved
		} else {
			matchedTargets[bestTarget] = true

			union := len(baseSet) + len(target[bestTarget]) - bestOverlap
			if union > 0 {
				match.Jaccard = float64(bestOverlap) / float64(union)
			}

			switch {
			case match.Jaccard >= stableThreshold:
				match.Verdict = VerdictStable
			case match.Jaccard >= driftedThreshold:
				match.Verdict = VerdictDrifted
			default:
				match.Verdict = VerdictDissolved
			}
		}

		result.Matches = append(result.Matches, match)
	}

	for _, targetCluster := range mapx.SortedKeys(target) {
		if !matchedTargets[targetCluster] {
			result.Matches = append(result.Matches, ClusterMatch{
				BaseClusterID:   -1,
				TargetClusterID: targetCluster,
				Verdict:         VerdictNew,
			})
		}
	}

	sort.SliceStable(result.Matches, func(i, j int) bool {
		return result.Matches[i].BaseClusterID < result.Matches[j].BaseClusterID
	})

	return result, nil
}

// memberSets loads a snapshot's clusters as file-id sets.
func memberSets(ctx context.Context, s *store.Store, snapshotID string) (map[int]map[int64]bool, error) {
	rows, err := s.GetSnapshotMembers(ctx, snapshotID)
	if err != nil {
		return nil, err
	}

	sets := make(map[int]map[int64]bool)

	for _, row := range rows {
		if sets[row.ClusterID] == nil {
			sets[row.ClusterID] = make(map[int64]bool)
		}

		sets[row.ClusterID][row.FileID] = true
	}

	return sets, nil
}

func intersectionSize(a, b map[int64]bool) int {
	if len(b) < len(a) {
		a, b = b, a
	}

	count := 0

	for id := range a {
		if b[id] {
			count++
		}
	}

	return count
}
