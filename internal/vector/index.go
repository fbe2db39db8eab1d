// Package vector provides the embedding index: approximate search via
// HNSW plus exact vector retrieval for full-corpus clustering.
package vector

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/coder/hnsw"
)

// Result is a single similarity search hit.
type Result struct {
	ID    string
	Score float32 // normalized similarity, 0-1
}

// Config configures the index.
type Config struct {
	// Dimensions is the embedding dimension; fixed at first upsert when 0.
	Dimensions int
	// M is HNSW max connections per layer (default: 16).
	M int
	// EfSearch is HNSW query-time search width (default: 20).
	EfSearch int
}

// Index stores embeddings keyed by document id.
//
// The HNSW graph answers nearest-neighbor queries; a parallel map keeps
// the exact vectors so the reconciler can cluster over the whole corpus.
// Deletions are lazy in the graph (coder/hnsw misbehaves when the last
// node is removed); orphaned nodes are filtered out of results via the
// id mappings.
type Index struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config Config

	vectors map[string][]float32 // id -> normalized vector
	idMap   map[string]uint64    // id -> internal key
	keyMap  map[uint64]string    // internal key -> id
	nextKey uint64

	closed bool
}

// NewIndex creates an empty index.
func NewIndex(cfg Config) *Index {
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	return &Index{
		graph:   graph,
		config:  cfg,
		vectors: make(map[string][]float32),
		idMap:   make(map[string]uint64),
		keyMap:  make(map[uint64]string),
	}
}

// Upsert inserts or replaces the vector for id.
func (x *Index) Upsert(ctx context.Context, id string, vec []float32) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return fmt.Errorf("index is closed")
	}
	if x.config.Dimensions == 0 {
		x.config.Dimensions = len(vec)
	}
	if len(vec) != x.config.Dimensions {
		return fmt.Errorf("dimension mismatch: expected %d, got %d", x.config.Dimensions, len(vec))
	}

	// Replace: orphan the old graph node, keep the id.
	if oldKey, exists := x.idMap[id]; exists {
		delete(x.keyMap, oldKey)
		delete(x.idMap, id)
	}

	normalized := make([]float32, len(vec))
	copy(normalized, vec)
	normalizeInPlace(normalized)

	key := x.nextKey
	x.nextKey++
	x.graph.Add(hnsw.MakeNode(key, normalized))

	x.vectors[id] = normalized
	x.idMap[id] = key
	x.keyMap[key] = id
	return nil
}

// Query returns up to k nearest neighbors by cosine similarity.
func (x *Index) Query(ctx context.Context, query []float32, k int) ([]Result, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.closed {
		return nil, fmt.Errorf("index is closed")
	}
	if len(x.idMap) == 0 {
		return []Result{}, nil
	}
	if len(query) != x.config.Dimensions {
		return nil, fmt.Errorf("dimension mismatch: expected %d, got %d", x.config.Dimensions, len(query))
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	normalizeInPlace(normalized)

	// Over-fetch to compensate for lazily deleted orphans.
	fetch := k + (x.graph.Len() - len(x.idMap))
	nodes := x.graph.Search(normalized, fetch)

	results := make([]Result, 0, len(nodes))
	for _, node := range nodes {
		id, live := x.keyMap[node.Key]
		if !live {
			continue
		}
		distance := x.graph.Distance(normalized, node.Value)
		results = append(results, Result{ID: id, Score: 1.0 - distance/2.0})
		if len(results) == k {
			break
		}
	}
	return results, nil
}

// Delete removes the vector for id. Unknown ids are a no-op.
func (x *Index) Delete(ctx context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return fmt.Errorf("index is closed")
	}
	if key, exists := x.idMap[id]; exists {
		delete(x.keyMap, key)
		delete(x.idMap, id)
		delete(x.vectors, id)
	}
	return nil
}

// Get returns the stored (normalized) vector for id.
func (x *Index) Get(id string) ([]float32, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	vec, ok := x.vectors[id]
	if !ok {
		return nil, false
	}
	out := make([]float32, len(vec))
	copy(out, vec)
	return out, true
}

// All returns a copy of every stored vector, keyed by id.
// This is the reconciler's full-corpus input.
func (x *Index) All() map[string][]float32 {
	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make(map[string][]float32, len(x.vectors))
	for id, vec := range x.vectors {
		cp := make([]float32, len(vec))
		copy(cp, vec)
		out[id] = cp
	}
	return out
}

// Count returns the number of live vectors.
func (x *Index) Count() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.idMap)
}

// Dimensions returns the fixed embedding dimension (0 before first upsert).
func (x *Index) Dimensions() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.config.Dimensions
}

// Close releases resources.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil
	}
	x.closed = true
	x.graph = nil
	x.vectors = nil
	return nil
}

// Cosine returns the cosine similarity of two normalized vectors.
func Cosine(a, b []float32) float32 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return float32(dot)
}

// Normalize returns a unit-length copy of v.
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	normalizeInPlace(out)
	return out
}

// normalizeInPlace normalizes a vector to unit length in place.
func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}
