package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"bus not connected", ErrBusNotConnected},
		{"store unavailable", ErrStoreUnavailable},
		{"deadline exceeded", context.DeadlineExceeded},
		{"wrapped bus error", fmt.Errorf("cycle: %w", ErrBusUnavailable)},
		{"timeout message", stderrors.New("i/o timeout talking to host")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, IsTransient(tt.err))
			assert.Equal(t, ErrorTransient, Classify(tt.err))
		})
	}
}

func TestClassifyInvalid(t *testing.T) {
	assert.True(t, IsInvalid(ErrInvalidPayload))
	assert.True(t, IsInvalid(ErrUnknownWorkType))
	assert.Equal(t, ErrorInvalid, Classify(ErrUnknownEvent))
}

func TestClassifyFatal(t *testing.T) {
	assert.True(t, IsFatal(ErrMissingConfig))
	assert.True(t, IsFatal(ErrMaxRetriesExceeded))
	assert.Equal(t, ErrorFatal, Classify(ErrInvalidConfig))
}

func TestWrapPattern(t *testing.T) {
	base := stderrors.New("boom")
	err := Wrap(base, "Forwarder", "cycle", "publish batch")
	require.Error(t, err)
	assert.Equal(t, "Forwarder.cycle: publish batch failed: boom", err.Error())
	assert.ErrorIs(t, err, base)
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "C", "m", "a"))
	assert.NoError(t, WrapTransient(nil, "C", "m", "a"))
	assert.NoError(t, WrapInvalid(nil, "C", "m", "a"))
	assert.NoError(t, WrapFatal(nil, "C", "m", "a"))
}

func TestClassifiedWrapOverridesHeuristics(t *testing.T) {
	// A message that would heuristically look transient is pinned invalid
	err := WrapInvalid(stderrors.New("connection payload malformed"), "Router", "handle", "decode")
	assert.True(t, IsInvalid(err))
	assert.False(t, IsTransient(err))

	var ce *ClassifiedError
	require.True(t, stderrors.As(err, &ce))
	assert.Equal(t, "Router", ce.Component)
	assert.Equal(t, "handle", ce.Operation)
}

func TestShouldRetry(t *testing.T) {
	rc := DefaultRetryConfig()
	assert.True(t, rc.ShouldRetry(ErrBusUnavailable, 0))
	assert.False(t, rc.ShouldRetry(ErrBusUnavailable, 3))
	assert.False(t, rc.ShouldRetry(ErrInvalidPayload, 0))
	assert.False(t, rc.ShouldRetry(nil, 0))
}

func TestToRetryConfig(t *testing.T) {
	rc := RetryConfig{MaxRetries: 3, InitialDelay: 1, MaxDelay: 2, BackoffFactor: 2.0}
	cfg := rc.ToRetryConfig()
	assert.Equal(t, 4, cfg.MaxAttempts)
	assert.True(t, cfg.AddJitter)
}
