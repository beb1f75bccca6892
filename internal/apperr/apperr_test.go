package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors_SetKindAndCode(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := TransientUpstream("exchange worker unreachable", cause)

	assert.Equal(t, KindTransientUpstream, err.Kind)
	assert.Equal(t, "TRANSIENT_UPSTREAM", err.Code())
	assert.ErrorIs(t, err, cause)
}

func TestError_MessageIncludesCauseWhenPresent(t *testing.T) {
	err := NotReady("instance not ready", errors.New("store unavailable"))
	assert.Contains(t, err.Error(), "NOT_READY")
	assert.Contains(t, err.Error(), "instance not ready")
	assert.Contains(t, err.Error(), "store unavailable")
}

func TestError_MessageOmitsCauseWhenNil(t *testing.T) {
	err := Conflict("session already bound", nil)
	assert.Equal(t, "CONFLICT: session already bound", err.Error())
}

func TestIs_WalksWrappedChain(t *testing.T) {
	base := AuthFailed("bad token", nil)
	wrapped := fmt.Errorf("handleWS: %w", base)

	require.True(t, Is(wrapped, KindAuthFailed))
	require.False(t, Is(wrapped, KindConflict))
}

func TestIs_PlainErrorNeverMatches(t *testing.T) {
	require.False(t, Is(errors.New("plain"), KindInvalidRequest))
}
