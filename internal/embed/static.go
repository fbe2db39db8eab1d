package embed

import (
	"context"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"sync"
)

// StaticEmbedder generates embeddings using a hash-based approach.
// Deterministic, offline, with reduced semantic quality; it keeps the
// pipeline usable without a model and drives the tests.
type StaticEmbedder struct {
	mu     sync.RWMutex
	closed bool
}

var _ Embedder = (*StaticEmbedder)(nil)

// Weights for vector generation.
const (
	tokenWeight = 0.7
	ngramWeight = 0.3
	ngramSize   = 3
)

// tokenRegex matches alphanumeric sequences.
var tokenRegex = regexp.MustCompile(`[a-zA-Z0-9]+`)

// staticStopWords are high-frequency words excluded from the vector.
var staticStopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"of": true, "in": true, "on": true, "to": true, "is": true,
	"are": true, "was": true, "for": true, "with": true, "that": true,
	"this": true, "it": true, "as": true, "by": true, "at": true,
}

// NewStaticEmbedder creates a new static embedder.
func NewStaticEmbedder() *StaticEmbedder {
	return &StaticEmbedder{}
}

// Embed generates a deterministic embedding for the text.
func (e *StaticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("embedder is closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return make([]float32, StaticDimensions), nil
	}

	vector := make([]float32, StaticDimensions)

	for _, token := range Tokenize(trimmed) {
		vector[hashToIndex(token, StaticDimensions)] += tokenWeight
	}
	for _, ngram := range extractNgrams(strings.ToLower(trimmed), ngramSize) {
		vector[hashToIndex(ngram, StaticDimensions)] += ngramWeight
	}

	return normalizeVector(vector), nil
}

// Dimensions returns the embedding dimension.
func (e *StaticEmbedder) Dimensions() int {
	return StaticDimensions
}

// ModelName returns the model identifier.
func (e *StaticEmbedder) ModelName() string {
	return "static-fnv-256"
}

// Close releases resources.
func (e *StaticEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Tokenize lowercases the text and splits it into stopword-filtered
// alphanumeric tokens. Shared with the cluster labeler.
func Tokenize(text string) []string {
	words := tokenRegex.FindAllString(text, -1)
	tokens := make([]string, 0, len(words))
	for _, word := range words {
		lower := strings.ToLower(word)
		if staticStopWords[lower] || len(lower) < 2 {
			continue
		}
		tokens = append(tokens, lower)
	}
	return tokens
}

// extractNgrams returns character n-grams of the given size.
func extractNgrams(text string, size int) []string {
	runes := []rune(text)
	if len(runes) < size {
		return nil
	}
	ngrams := make([]string, 0, len(runes)-size+1)
	for i := 0; i+size <= len(runes); i++ {
		ngrams = append(ngrams, string(runes[i:i+size]))
	}
	return ngrams
}

// hashToIndex hashes a token into a vector index.
func hashToIndex(token string, dims int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	return int(h.Sum32() % uint32(dims))
}
