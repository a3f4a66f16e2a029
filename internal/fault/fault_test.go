package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, Validation, KindOf(New(Validation, "bad input")))
	assert.Equal(t, Fatal, KindOf(errors.New("untagged")))

	wrapped := fmt.Errorf("outer: %w", New(BackendTimeout, "slow"))
	assert.Equal(t, BackendTimeout, KindOf(wrapped))
}

func TestUnwrapChain(t *testing.T) {
	root := errors.New("connection refused")
	err := Wrap(BackendUnavailable, "graph dial", root)
	assert.ErrorIs(t, err, root)
	assert.Contains(t, err.Error(), "backend_unavailable")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(BackendUnavailable, "x")))
	assert.True(t, Retryable(New(BackendTimeout, "x")))
	assert.False(t, Retryable(New(Validation, "x")))
	assert.False(t, Retryable(New(Cancelled, "x")))
	assert.False(t, Retryable(New(MalformedOutput, "x")))
}

func TestWithEvidence(t *testing.T) {
	err := New(Validation, "contradiction").WithEvidence("alignment: evil vs good")
	assert.Equal(t, []string{"alignment: evil vs good"}, err.Evidence)
}
