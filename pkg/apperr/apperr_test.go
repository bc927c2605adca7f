package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_CodeOf(t *testing.T) {
	err := New(SourceUnavailable, "repository unreachable")
	assert.Equal(t, SourceUnavailable, CodeOf(err))

	wrapped := fmt.Errorf("error resolving manifests: %w", err)
	assert.Equal(t, SourceUnavailable, CodeOf(wrapped))

	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
	assert.True(t, Is(wrapped, SourceUnavailable))
	assert.False(t, Is(wrapped, Timeout))
}

func Test_IsRetryable(t *testing.T) {
	var testCases = []struct {
		code      Code
		retryable bool
	}{
		{SourceUnavailable, true},
		{RevisionNotFound, true},
		{ClusterUnreachable, true},
		{PartialApplyFailure, true},
		{Timeout, true},
		{ConflictingIdentity, false},
		{PermissionDenied, false},
	}

	for _, tt := range testCases {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(New(tt.code, "boom")))
		})
	}

	t.Run("unclassified errors retry", func(t *testing.T) {
		assert.True(t, IsRetryable(errors.New("transient")))
	})
}

func Test_Unwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := Wrap(ClusterUnreachable, inner)
	assert.True(t, errors.Is(err, inner))
	assert.Contains(t, err.Error(), "ClusterUnreachable")
}
