// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package arrays

import (
	"testing"

	"github.com/gomlx/gokernels/pkg/core/abi"
	"github.com/gomlx/gokernels/pkg/core/ktypes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	var released []*Array
	release := func(a *Array) error {
		released = append(released, a)
		return nil
	}
	a, err := New(ktypes.Vec3, []int{4, 5}, "cpu", 0x1000, 512, release)
	require.NoError(t, err)
	assert.Equal(t, 20, a.Len())
	assert.Equal(t, 12, a.ElemSize())
	assert.Equal(t, 240, a.SizeBytes())
	assert.Equal(t, 2, a.NDim())
	assert.Equal(t, dtypes.Float32, a.DType())
	assert.True(t, a.IsOwner())
	assert.True(t, ktypes.Equal(ktypes.Array(ktypes.Vec3, 2), a.Type()))
	assert.Equal(t, "array(vec3[4 5], device=cpu)", a.String())

	shape := a.Shape()
	shape[0] = 100
	assert.Equal(t, []int{4, 5}, a.Shape(), "Shape must return a copy")

	assert.Equal(t, abi.ArrayDescriptor{Data: 0x1000, Shape: [abi.MaxDims]int32{4, 5, 1, 1}, NDim: 2}, a.Descriptor())

	require.NoError(t, a.Release())
	assert.True(t, a.IsReleased())
	require.Error(t, a.Release())
	assert.Len(t, released, 1)
}

func TestNewErrors(t *testing.T) {
	_, err := New(ktypes.Float32, []int{10}, "cpu", 0x1000, 39, nil)
	require.ErrorContains(t, err, "needs 40 bytes")
	_, err = New(ktypes.Float32, []int{}, "cpu", 0x1000, 1024, nil)
	require.Error(t, err)
	_, err = New(ktypes.Float32, []int{1, 1, 1, 1, 1}, "cpu", 0x1000, 1024, nil)
	require.Error(t, err)
	_, err = New(ktypes.Float32, []int{-1}, "cpu", 0x1000, 1024, nil)
	require.Error(t, err)
	_, err = New(ktypes.Range, []int{1}, "cpu", 0x1000, 1024, nil)
	require.Error(t, err)
	_, err = New(ktypes.Float32, []int{4}, "cpu", 0, 1024, nil)
	require.Error(t, err)

	// Empty arrays may have a null pointer.
	empty, err := New(ktypes.Float32, []int{0}, "cpu", 0, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())
	assert.True(t, empty.Descriptor().IsNull())
}

func TestWrap(t *testing.T) {
	a, err := Wrap(ktypes.Int32, []int{2, 3, 4}, "cuda", 0x2000)
	require.NoError(t, err)
	assert.False(t, a.IsOwner())
	assert.Equal(t, 96, a.Capacity())
	assert.Equal(t, dtypes.Int32, a.DType())

	b, err := Wrap(ktypes.Int32, []int{2, 3, 4}, "cpu", 0x3000)
	require.NoError(t, err)
	assert.True(t, a.SameLayout(b))
	c, err := Wrap(ktypes.Int32, []int{6, 4}, "cpu", 0x3000)
	require.NoError(t, err)
	assert.False(t, a.SameLayout(c))

	assert.False(t, a.RequiresGrad())
	assert.True(t, a.SetRequiresGrad(true).RequiresGrad())
	require.NoError(t, a.Release())
}
