// Package extract adapts the text extraction capability.
package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/semafold/semafold/internal/errors"
)

// Extractor derives plain text from a document on disk.
// Unsupported or corrupt input fails with an extraction error; that is a
// terminal condition for the current pass, never retried.
type Extractor interface {
	Extract(ctx context.Context, path string) (string, error)
}

// MinTextLength is the minimum extracted text length worth indexing.
// Shorter content carries no usable signal for embedding.
const MinTextLength = 10

// PlainText extracts UTF-8 text files (.txt, .md). Other formats are
// unsupported input.
type PlainText struct {
	// MaxBytes caps the file size read into memory (default: 8 MiB).
	MaxBytes int64
}

// NewPlainText creates an extractor with default limits.
func NewPlainText() *PlainText {
	return &PlainText{MaxBytes: 8 << 20}
}

// Extract implements Extractor.
func (p *PlainText) Extract(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md":
	default:
		return "", errors.ExtractionError(path, fmt.Errorf("unsupported format %q", filepath.Ext(path)))
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", errors.ExtractionError(path, err)
	}
	if p.MaxBytes > 0 && info.Size() > p.MaxBytes {
		return "", errors.ExtractionError(path, fmt.Errorf("file exceeds %d bytes", p.MaxBytes))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.ExtractionError(path, err)
	}
	if !utf8.Valid(data) {
		return "", errors.ExtractionError(path, fmt.Errorf("not valid UTF-8 text"))
	}

	text := strings.TrimSpace(string(data))
	if len(text) < MinTextLength {
		return "", errors.ExtractionError(path, fmt.Errorf("content too short (%d bytes)", len(text)))
	}
	return text, nil
}
