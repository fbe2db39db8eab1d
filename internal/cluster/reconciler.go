package cluster

import (
	"log/slog"
	"sort"

	"github.com/semafold/semafold/internal/registry"
)

// Params tunes a reconciliation pass.
type Params struct {
	// Eps is the cosine distance neighborhood radius for DBSCAN.
	Eps float64
	// MinPts is the minimum neighborhood size for a dense region.
	MinPts int
	// OverlapThreshold is the minimum membership overlap for a raw group
	// to inherit a previous cluster identity.
	OverlapThreshold float64
}

// Reconciler computes assignment plans from the full corpus.
//
// Every pass reclusters all embeddings from scratch, then matches the
// raw groups against the previous clusters by membership overlap so
// stable identities survive incremental corpus changes.
type Reconciler struct {
	params Params
	texts  TextSource
	logger *slog.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(params Params, texts TextSource, logger *slog.Logger) *Reconciler {
	return &Reconciler{params: params, texts: texts, logger: logger}
}

// Plan computes a reconciliation plan for the given snapshot and the
// exact embedding vectors keyed by document id. The plan is pure; the
// registry applies it atomically.
func (r *Reconciler) Plan(snap registry.Snapshot, vectors map[string][]float32) registry.Plan {
	// Only documents both registered and embedded participate.
	points := make(map[string][]float32, len(snap.Documents))
	for _, d := range snap.Documents {
		if vec, ok := vectors[d.ID]; ok {
			points[d.ID] = vec
		}
	}

	plan := registry.Plan{Assign: make(map[string]registry.ClusterID, len(snap.Documents))}
	for _, d := range snap.Documents {
		plan.Assign[d.ID] = registry.Unclustered
	}

	groups, noise := DBSCAN(points, r.params.Eps, r.params.MinPts)
	r.logger.Debug("density pass complete",
		slog.Int("documents", len(points)),
		slog.Int("raw_groups", len(groups)),
		slog.Int("noise", len(noise)),
	)

	matches := r.matchIdentities(snap, groups)

	for gi, group := range groups {
		prev, matched := matches[gi]
		if matched {
			for _, docID := range group {
				plan.Assign[docID] = prev
			}
			plan.Claimed = append(plan.Claimed, prev)
			continue
		}
		for _, docID := range group {
			delete(plan.Assign, docID)
		}
		plan.NewGroups = append(plan.NewGroups, registry.NewGroup{
			Label:   Label(group, r.texts),
			Members: group,
		})
	}

	sort.Slice(plan.Claimed, func(i, j int) bool { return plan.Claimed[i] < plan.Claimed[j] })
	return plan
}

// candidate pairs a raw group with a previous cluster it overlaps.
type candidate struct {
	group    int
	prev     registry.ClusterID
	overlap  float64
	prevSize int
}

// matchIdentities matches raw groups to previous non-retired clusters
// one-to-one by membership overlap.
//
// Overlap is |shared| / min(|group|, |previous|). Candidates at or
// above the threshold are taken greedily: higher overlap first, ties
// broken toward the larger previous cluster, then the lowest identity.
func (r *Reconciler) matchIdentities(snap registry.Snapshot, groups [][]string) map[int]registry.ClusterID {
	var candidates []candidate

	for _, prev := range snap.Clusters {
		if prev.Retired {
			continue
		}
		members := snap.Members(prev.ID)
		if len(members) == 0 {
			continue
		}
		memberSet := make(map[string]bool, len(members))
		for _, id := range members {
			memberSet[id] = true
		}

		for gi, group := range groups {
			shared := 0
			for _, id := range group {
				if memberSet[id] {
					shared++
				}
			}
			if shared == 0 {
				continue
			}
			denom := len(group)
			if len(members) < denom {
				denom = len(members)
			}
			overlap := float64(shared) / float64(denom)
			if overlap >= r.params.OverlapThreshold {
				candidates = append(candidates, candidate{
					group:    gi,
					prev:     prev.ID,
					overlap:  overlap,
					prevSize: len(members),
				})
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.overlap != b.overlap {
			return a.overlap > b.overlap
		}
		if a.prevSize != b.prevSize {
			return a.prevSize > b.prevSize
		}
		if a.prev != b.prev {
			return a.prev < b.prev
		}
		return a.group < b.group
	})

	matches := make(map[int]registry.ClusterID)
	claimedPrev := make(map[registry.ClusterID]bool)
	for _, c := range candidates {
		if _, taken := matches[c.group]; taken {
			continue
		}
		if claimedPrev[c.prev] {
			continue
		}
		matches[c.group] = c.prev
		claimedPrev[c.prev] = true
	}
	return matches
}
