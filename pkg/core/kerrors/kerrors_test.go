// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kerrors

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKinds(t *testing.T) {
	kinds := []Kind{Resolution, Build, Load, Launch, Device, Capture}
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			err := New(kind, "integrate", "something failed for %d threads", 3)
			assert.Equal(t, "something failed for 3 threads", err.Error())

			// Kind survives further wrapping.
			wrapped := errors.WithMessage(err, "launching")
			assert.True(t, Is(wrapped, kind))
			assert.Equal(t, kind, KindOf(wrapped))
			e := As(wrapped)
			require.NotNil(t, e)
			assert.Same(t, err, e)
			assert.Equal(t, "integrate", e.Key)
			for _, other := range kinds {
				if other != kind {
					assert.False(t, Is(wrapped, other), "%s is not %s", kind, other)
				}
			}

			var target *Error
			require.True(t, errors.As(wrapped, &target))
			assert.Equal(t, kind, target.Kind)
		})
	}
	assert.Equal(t, "Kind(99)", Kind(99).String())
}

func TestWrap(t *testing.T) {
	cause := errors.New("compiler not installed")
	err := Wrap(Build, "physics", cause, "building for %q", "cpu")
	require.Error(t, err)
	assert.Equal(t, `building for "cpu": compiler not installed`, err.Error())
	assert.True(t, Is(err, Build))
	assert.Same(t, cause, errors.Cause(err))
	assert.ErrorIs(t, err, cause)

	assert.NoError(t, Wrap(Build, "physics", nil, "nothing to wrap"))
}

func TestHelpers(t *testing.T) {
	e := NewParam(Launch, "scale", "x", "expects an array")
	assert.Equal(t, "x", e.Param)
	assert.Equal(t, Launch, e.Kind)
	assert.Equal(t, Resolution, Resolutionf("f", "unknown").Kind)
	assert.Equal(t, Launch, Launchf("k", "bad").Kind)
	assert.Equal(t, Device, Devicef("k", "bad").Kind)
	c := Capturef("not allowed")
	assert.Equal(t, Capture, c.Kind)
	assert.Empty(t, c.Key)

	plain := errors.New("plain")
	assert.Nil(t, As(plain))
	assert.Equal(t, Kind(0), KindOf(plain))
	assert.False(t, Is(nil, Launch))

	// "%+v" prints the stack trace of the underlying error.
	assert.Contains(t, fmt.Sprintf("%+v", e), "TestHelpers")
	assert.Equal(t, "expects an array", fmt.Sprintf("%v", e))
}
