package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSandboxErrorWrap(t *testing.T) {
	cause := errors.New("boom")
	se := Wrap(Timeout, "command timed out", cause)

	assert.Equal(t, Timeout, se.Kind)
	assert.ErrorIs(t, se, cause)
	assert.Contains(t, se.Error(), "command timed out")
	assert.Contains(t, se.Error(), "boom")
}

func TestWithContextDoesNotMutateOriginal(t *testing.T) {
	base := New(Permission, "denied")
	withCtx := base.WithContext("path", "/tmp/x")

	assert.Nil(t, base.Context)
	require.NotNil(t, withCtx.Context)
	assert.Equal(t, "/tmp/x", withCtx.Context["path"])
}

func TestIsAndKindOf(t *testing.T) {
	err := New(RateLimited, "too many requests")
	assert.True(t, Is(err, RateLimited))
	assert.False(t, Is(err, Timeout))
	assert.Equal(t, RateLimited, KindOf(err))
	assert.Equal(t, Kind(""), KindOf(nil))

	plain := errors.New("plain")
	assert.Equal(t, Internal, KindOf(plain))
}

func TestAggregateErrorUnwrap(t *testing.T) {
	agg := NewAggregateError("task", 3)
	agg.Add(New(Runtime, "task 1 failed"))
	agg.Add(New(Timeout, "task 2 timed out"))

	require.Len(t, agg.Unwrap(), 2)
	assert.Contains(t, agg.Error(), "2/3 items failed")

	var se *SandboxError
	assert.True(t, errors.As(agg.Unwrap()[1], &se))
	assert.Equal(t, Timeout, se.Kind)
}
