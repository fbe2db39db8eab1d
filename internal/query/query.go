// Package query answers retrieval and question-answering requests over
// the indexed corpus.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/semafold/semafold/internal/answer"
	"github.com/semafold/semafold/internal/embed"
	"github.com/semafold/semafold/internal/errors"
	"github.com/semafold/semafold/internal/extract"
	"github.com/semafold/semafold/internal/registry"
	"github.com/semafold/semafold/internal/vector"
)

// NoKnowledgeBaseAnswer is returned by Ask when nothing is indexed.
// No upstream call is made in that case.
const NoKnowledgeBaseAnswer = "The knowledge base is empty. Add documents to the watched folder first."

// Registry is the slice of registry behavior the engine needs.
type Registry interface {
	Snapshot() registry.Snapshot
}

// TextSource resolves a document id to its extracted text.
type TextSource func(docID string) (string, bool)

// Match is one search hit.
type Match struct {
	DocID   string             `json:"doc_id"`
	Path    string             `json:"path"`
	Name    string             `json:"name"`
	Cluster registry.ClusterID `json:"cluster"`
	Score   float64            `json:"score"`
	Preview string             `json:"preview"`
}

// Answer is the outcome of an Ask call.
type Answer struct {
	Text    string  `json:"answer"`
	Sources []Match `json:"sources"`
}

// Engine runs searches and grounded question answering.
//
// Scoring is exact: the query vector is compared against every stored
// document vector, so results are fully deterministic for a given
// corpus. Ties are broken by document id.
type Engine struct {
	embedder  embed.Embedder
	index     *vector.Index
	reg       Registry
	answerer  answer.Answerer
	extractor extract.Extractor
	texts     TextSource
	topK      int
	logger    *slog.Logger
}

// NewEngine creates a query engine. texts supplies result previews and
// may be nil; topK bounds the context passages handed to the answerer.
func NewEngine(embedder embed.Embedder, index *vector.Index, reg Registry, answerer answer.Answerer, extractor extract.Extractor, texts TextSource, topK int, logger *slog.Logger) *Engine {
	if topK <= 0 {
		topK = 5
	}
	return &Engine{
		embedder:  embedder,
		index:     index,
		reg:       reg,
		answerer:  answerer,
		extractor: extractor,
		texts:     texts,
		topK:      topK,
		logger:    logger,
	}
}

// Search returns the k best matches for the query, sorted by score
// descending with document id as the tiebreaker. k larger than the
// corpus returns the whole corpus.
func (e *Engine) Search(ctx context.Context, query string, k int) ([]Match, error) {
	if query == "" {
		return nil, errors.New(errors.ErrCodeQueryEmpty, "query must not be empty", nil)
	}
	if k <= 0 {
		k = e.topK
	}

	snap := e.reg.Snapshot()
	if len(snap.Documents) == 0 {
		return []Match{}, nil
	}

	matches, err := e.scoreAll(ctx, snap, query)
	if err != nil {
		return nil, err
	}
	if k < len(matches) {
		matches = matches[:k]
	}
	return matches, nil
}

// scoreAll scores every indexed document against the query and returns
// matches sorted by score descending, document id ascending.
func (e *Engine) scoreAll(ctx context.Context, snap registry.Snapshot, query string) ([]Match, error) {
	qvec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	qvec = vector.Normalize(qvec)

	vectors := e.index.All()
	matches := make([]Match, 0, len(snap.Documents))
	for _, d := range snap.Documents {
		dvec, ok := vectors[d.VectorRef]
		if !ok {
			continue
		}
		matches = append(matches, Match{
			DocID:   d.ID,
			Path:    d.Path,
			Name:    filepath.Base(d.Path),
			Cluster: d.Cluster,
			Score:   (1 + float64(vector.Cosine(qvec, dvec))) / 2,
			Preview: e.preview(d.ID),
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].DocID < matches[j].DocID
	})
	return matches, nil
}

const previewLength = 200

// preview returns the leading slice of a document's extracted text.
func (e *Engine) preview(docID string) string {
	if e.texts == nil {
		return ""
	}
	text, ok := e.texts(docID)
	if !ok {
		return ""
	}
	runes := []rune(strings.TrimSpace(text))
	if len(runes) > previewLength {
		runes = runes[:previewLength]
	}
	return string(runes)
}

// Ask retrieves the topK matches and asks the answerer to respond from
// their contents. A non-zero cluster restricts retrieval to that
// cluster's documents. An empty corpus short-circuits without an
// upstream call; answerer failures surface verbatim.
func (e *Engine) Ask(ctx context.Context, question string, cluster registry.ClusterID) (Answer, error) {
	if question == "" {
		return Answer{}, errors.New(errors.ErrCodeQueryEmpty, "question must not be empty", nil)
	}

	snap := e.reg.Snapshot()
	if len(snap.Documents) == 0 {
		return Answer{Text: NoKnowledgeBaseAnswer, Sources: []Match{}}, nil
	}

	if cluster != registry.Unclustered {
		if c, ok := snap.Cluster(cluster); !ok || c.Retired {
			return Answer{}, errors.NotFoundError("cluster", fmt.Sprintf("%d", cluster))
		}
	}

	matches, err := e.scoreAll(ctx, snap, question)
	if err != nil {
		return Answer{}, err
	}
	if cluster != registry.Unclustered {
		scoped := matches[:0]
		for _, m := range matches {
			if m.Cluster == cluster {
				scoped = append(scoped, m)
			}
		}
		matches = scoped
	}
	if len(matches) > e.topK {
		matches = matches[:e.topK]
	}
	if len(matches) == 0 {
		return Answer{Text: NoKnowledgeBaseAnswer, Sources: []Match{}}, nil
	}

	passages := make([]answer.Passage, 0, len(matches))
	for _, m := range matches {
		text, err := e.extractor.Extract(ctx, m.Path)
		if err != nil {
			e.logger.Warn("skipping unreadable source",
				slog.String("path", m.Path),
				slog.String("error", err.Error()),
			)
			continue
		}
		passages = append(passages, answer.Passage{Source: m.Name, Text: text})
	}

	text, err := e.answerer.Answer(ctx, question, passages)
	if err != nil {
		return Answer{}, err
	}
	return Answer{Text: text, Sources: matches}, nil
}
