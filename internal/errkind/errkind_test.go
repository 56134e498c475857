package errkind

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfAndHasKind(t *testing.T) {
	err := New(UnknownRef, "ref %q is gone", "e3")
	assert.Equal(t, UnknownRef, KindOf(err))
	assert.True(t, HasKind(err, UnknownRef))
	assert.False(t, HasKind(err, Timeout))

	// Kinds survive fmt wrapping.
	wrapped := fmt.Errorf("while clicking: %w", err)
	assert.Equal(t, UnknownRef, KindOf(wrapped))

	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap(RelayUnavailable, cause, "relay at %s is unreachable", "http://127.0.0.1:8766")

	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "relay_unavailable")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestIsMatchesByKind(t *testing.T) {
	a := New(BackpressureTimeout, "queue full on target t1")
	b := New(BackpressureTimeout, "different message")
	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, New(Timeout, "x")))
}

func TestClassifyDriverError(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want Kind
	}{
		{"profile singleton lock", "cannot launch: SingletonLock held", ProfileLocked},
		{"profile in use", "the profile is already in use by pid 4242", ProfileLocked},
		{"detached frame", "rod: frame was detached", DetachedFrame},
		{"context destroyed", "Execution context was destroyed", DetachedFrame},
		{"stale extension tab", "No tab with given id 77", InvalidSession},
		{"target closed", "target closed before reply", InvalidSession},
		{"extension cannot create tab", "tabs.create is not allowed in this context", ExtensionTargetNotAllowed},
		{"extension not attached", "relay has no connected extension", ExtensionTargetReadyTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyDriverError(errors.New(tt.msg))
			assert.Equal(t, tt.want, KindOf(err))
		})
	}
}

func TestClassifyDriverErrorPassthrough(t *testing.T) {
	assert.NoError(t, ClassifyDriverError(nil))

	plain := errors.New("net::ERR_NAME_NOT_RESOLVED")
	assert.Same(t, plain, ClassifyDriverError(plain))
}

func TestProfileLockMessageIsActionable(t *testing.T) {
	err := ClassifyDriverError(errors.New("user data directory is already in use"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--profile")
}

func TestIsRetryableDetachedFrame(t *testing.T) {
	assert.True(t, IsRetryableDetachedFrame(New(DetachedFrame, "frame detached")))
	assert.True(t, IsRetryableDetachedFrame(errors.New("the frame got detached mid-call")))
	assert.False(t, IsRetryableDetachedFrame(errors.New("timed out")))
	assert.False(t, IsRetryableDetachedFrame(nil))
}
