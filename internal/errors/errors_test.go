package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DerivesClassificationFromCode(t *testing.T) {
	tests := []struct {
		name      string
		code      string
		category  Category
		severity  Severity
		retryable bool
	}{
		{"extraction is IO, not retryable", ErrCodeExtractionFailed, CategoryIO, SeverityError, false},
		{"embedding is upstream, retryable", ErrCodeEmbeddingFailed, CategoryUpstream, SeverityWarning, true},
		{"move is IO, retryable", ErrCodeMoveFailed, CategoryIO, SeverityWarning, true},
		{"not found is validation", ErrCodeNotFound, CategoryValidation, SeverityError, false},
		{"registry corruption is fatal", ErrCodeRegistryCorrupt, CategoryInternal, SeverityFatal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, "msg", nil)
			assert.Equal(t, tt.category, err.Category)
			assert.Equal(t, tt.severity, err.Severity)
			assert.Equal(t, tt.retryable, err.Retryable)
		})
	}
}

func TestError_IsMatchesByCode(t *testing.T) {
	err := ExtractionError("/tmp/a.txt", fmt.Errorf("bad bytes"))

	assert.True(t, stderrors.Is(err, New(ErrCodeExtractionFailed, "", nil)))
	assert.False(t, stderrors.Is(err, New(ErrCodeMoveFailed, "", nil)))
}

func TestError_UnwrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := EmbeddingError(cause)

	assert.ErrorIs(t, err, cause)
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(RegistryCorruptError("duplicate fingerprint")))
	assert.False(t, IsFatal(MoveError("a", "b", fmt.Errorf("locked"))))
	assert.False(t, IsFatal(nil))
}

func TestWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	// Given: a function failing twice with a retryable error
	calls := 0
	fn := func() error {
		calls++
		if calls < 3 {
			return EmbeddingError(fmt.Errorf("transient"))
		}
		return nil
	}

	cfg := RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Multiplier: 2.0}

	// When: retried
	err := WithRetry(t.Context(), cfg, fn)

	// Then: the third attempt succeeds
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_NonRetryableAbortsImmediately(t *testing.T) {
	calls := 0
	fn := func() error {
		calls++
		return ExtractionError("x", fmt.Errorf("corrupt"))
	}

	cfg := RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1.0}
	err := WithRetry(t.Context(), cfg, fn)

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, ErrCodeExtractionFailed, GetCode(err))
}

func TestWithRetry_ExhaustsRetries(t *testing.T) {
	calls := 0
	fn := func() error {
		calls++
		return EmbeddingError(fmt.Errorf("still down"))
	}

	cfg := RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1.0}
	err := WithRetry(t.Context(), cfg, fn)

	require.Error(t, err)
	assert.Equal(t, 3, calls) // initial attempt + 2 retries
}
