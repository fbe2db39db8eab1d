// Package cluster groups document embeddings by density and reconciles
// the resulting groups with previously established cluster identities.
package cluster

import (
	"sort"

	"github.com/semafold/semafold/internal/vector"
)

// DBSCAN runs density-based clustering over cosine distance.
//
// Points are visited in sorted id order, so the same corpus always
// yields the same groups in the same order. Points in no dense region
// are returned as noise.
func DBSCAN(vectors map[string][]float32, eps float64, minPts int) (groups [][]string, noise []string) {
	ids := make([]string, 0, len(vectors))
	for id := range vectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	const (
		unvisited = 0
		inNoise   = -1
	)
	// label: 0 unvisited, -1 noise, >0 group number
	labels := make(map[string]int, len(ids))

	neighbors := func(id string) []string {
		var out []string
		center := vectors[id]
		for _, other := range ids {
			if cosineDistance(center, vectors[other]) <= eps {
				out = append(out, other)
			}
		}
		return out
	}

	current := 0
	for _, id := range ids {
		if labels[id] != unvisited {
			continue
		}
		seeds := neighbors(id)
		if len(seeds) < minPts {
			labels[id] = inNoise
			continue
		}

		current++
		labels[id] = current

		// Expand the dense region breadth-first in deterministic order.
		queue := append([]string(nil), seeds...)
		for i := 0; i < len(queue); i++ {
			q := queue[i]
			if labels[q] == inNoise {
				labels[q] = current
			}
			if labels[q] != unvisited {
				continue
			}
			labels[q] = current
			qn := neighbors(q)
			if len(qn) >= minPts {
				queue = append(queue, qn...)
			}
		}
	}

	groups = make([][]string, current)
	for _, id := range ids {
		switch l := labels[id]; l {
		case inNoise:
			noise = append(noise, id)
		default:
			groups[l-1] = append(groups[l-1], id)
		}
	}
	return groups, noise
}

func cosineDistance(a, b []float32) float64 {
	return 1 - float64(vector.Cosine(a, b))
}
