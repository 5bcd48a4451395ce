package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(99).String())
}

func TestClassify_Sentinels(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"connection lost", ErrConnectionLost, ErrorTransient},
		{"connection timeout", ErrConnectionTimeout, ErrorTransient},
		{"peer closed", ErrPeerClosed, ErrorTransient},
		{"auth rejected", ErrAuthRejected, ErrorInvalid},
		{"not configured", ErrNotConfigured, ErrorInvalid},
		{"parsing failed", ErrParsingFailed, ErrorInvalid},
		{"missing config", ErrMissingConfig, ErrorFatal},
		{"unknown defaults to transient", errors.New("something odd"), ErrorTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassify_WrappedSentinel(t *testing.T) {
	err := fmt.Errorf("session read: %w", ErrPeerClosed)
	assert.True(t, IsTransient(err))
	assert.False(t, IsInvalid(err))

	err = fmt.Errorf("login: %w", ErrAuthRejected)
	assert.True(t, IsInvalid(err))
	assert.False(t, IsTransient(err))
}

func TestWrapTransient(t *testing.T) {
	base := errors.New("read tcp: connection reset")
	err := WrapTransient(base, "Session", "readLoop", "socket read")

	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, ErrorTransient, Classify(err))
	assert.Contains(t, err.Error(), "Session.readLoop: socket read failed")
	assert.ErrorIs(t, err, base)
}

func TestWrapInvalid_ClassWinsOverChain(t *testing.T) {
	// A classified error's class takes precedence over sentinel matching
	// further down the chain.
	err := WrapInvalid(ErrConnectionLost, "Session", "login", "response check")
	assert.True(t, IsInvalid(err))
	assert.False(t, IsTransient(err))
}

func TestWrap_NilPassthrough(t *testing.T) {
	assert.NoError(t, Wrap(nil, "c", "m", "a"))
	assert.NoError(t, WrapTransient(nil, "c", "m", "a"))
	assert.NoError(t, WrapInvalid(nil, "c", "m", "a"))
	assert.NoError(t, WrapFatal(nil, "c", "m", "a"))
}

func TestClassifiedError_Unwrap(t *testing.T) {
	base := errors.New("boom")
	err := WrapFatal(base, "Config", "Load", "file read")

	var ce *ClassifiedError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ErrorFatal, ce.Class)
	assert.Equal(t, "Config", ce.Component)
	assert.ErrorIs(t, ce, base)
}
