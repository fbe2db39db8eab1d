package cluster

import (
	"sort"
	"strings"
	"unicode"

	"github.com/semafold/semafold/internal/embed"
)

// TextSource resolves the extracted text of a document for labeling.
// Returning false skips that document.
type TextSource func(docID string) (string, bool)

// Label derives a display label for a group from the dominant term in
// its members' texts. Empty when no text is available; the registry
// then falls back to a numbered label.
func Label(members []string, texts TextSource) string {
	if texts == nil {
		return ""
	}

	freq := make(map[string]int)
	for _, id := range members {
		text, ok := texts(id)
		if !ok {
			continue
		}
		for _, token := range embed.Tokenize(text) {
			freq[token]++
		}
	}
	if len(freq) == 0 {
		return ""
	}

	terms := make([]string, 0, len(freq))
	for term := range freq {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		if freq[terms[i]] != freq[terms[j]] {
			return freq[terms[i]] > freq[terms[j]]
		}
		return terms[i] < terms[j]
	})

	return titleCase(terms[0])
}

func titleCase(term string) string {
	runes := []rune(term)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

// SanitizeDirName strips characters unsafe for directory names from a
// label, collapsing whitespace to underscores.
func SanitizeDirName(label string) string {
	var b strings.Builder
	for _, r := range label {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune('_')
		}
	}
	return b.String()
}
