// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package abi

import (
	"encoding/binary"
	"math"
	"runtime"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

// maxThreads is a variable, so that maxThreads+1 is computed at run time.
var maxThreads = math.MaxInt32

func TestNewLaunchBounds(t *testing.T) {
	testCases := []struct {
		name  string
		dims  []int
		shape [MaxDims]int32
		size  int32
		err   string
	}{
		{name: "1d", dims: []int{10}, shape: [MaxDims]int32{10, 1, 1, 1}, size: 10},
		{name: "3d", dims: []int{2, 3, 4}, shape: [MaxDims]int32{2, 3, 4, 1}, size: 24},
		{name: "empty", dims: []int{0, 5}, shape: [MaxDims]int32{0, 5, 1, 1}, size: 0},
		{name: "max", dims: []int{maxThreads}, shape: [MaxDims]int32{math.MaxInt32, 1, 1, 1}, size: math.MaxInt32},
		{name: "just_fits", dims: []int{1 << 16, 1<<15 - 1}, shape: [MaxDims]int32{1 << 16, 1<<15 - 1, 1, 1}, size: 1<<31 - 1<<16},
		{name: "no_dims", dims: nil, err: "between 1 and 4"},
		{name: "too_many_dims", dims: []int{1, 2, 3, 4, 5}, err: "between 1 and 4"},
		{name: "negative", dims: []int{3, -1}, err: "non-negative"},
		{name: "dim_too_large", dims: []int{maxThreads + 1}, err: "exceed the maximum"},
		{name: "product_too_large", dims: []int{1 << 16, 1 << 15}, err: "exceed the maximum"},
		{name: "product_wraps", dims: []int{1 << 16, 1 << 16, 1 << 16, 1 << 16}, err: "exceed the maximum"},
		{name: "zero_with_huge_dim", dims: []int{0, maxThreads + 1}, err: "exceed the maximum"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := NewLaunchBounds(tc.dims...)
			if tc.err != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.shape, b.Shape)
			assert.Equal(t, int32(len(tc.dims)), b.NDim)
			assert.Equal(t, tc.size, b.Size)
		})
	}
}

func TestLaunchBoundsIndex(t *testing.T) {
	b, err := NewLaunchBounds(2, 3)
	require.NoError(t, err)
	assert.Equal(t, [MaxDims]int{0, 0, 0, 0}, b.Index(0))
	assert.Equal(t, [MaxDims]int{0, 2, 0, 0}, b.Index(2))
	assert.Equal(t, [MaxDims]int{1, 1, 0, 0}, b.Index(4))
	assert.Equal(t, [MaxDims]int{1, 2, 0, 0}, b.Index(5))
}

func TestArrayDescriptor(t *testing.T) {
	d := ArrayDescriptor{Data: 0x1000, Shape: [MaxDims]int32{3, 4}, NDim: 2}
	assert.False(t, d.IsNull())
	assert.Equal(t, 12, d.Size())
	assert.True(t, ArrayDescriptor{}.IsNull())
	assert.Equal(t, 0, ArrayDescriptor{}.Size())
}

func TestParamBlock(t *testing.T) {
	bounds, err := NewLaunchBounds(7, 3)
	require.NoError(t, err)
	desc := ArrayDescriptor{Data: 0xdeadbeef00, Shape: [MaxDims]int32{7, 3}, NDim: 2}
	flag, err := EncodeScalar(dtypes.Bool, true)
	require.NoError(t, err)
	dt, err := EncodeScalar(dtypes.Float64, 0.25)
	require.NoError(t, err)

	p := NewParamBlock(0)
	p.PutBounds(bounds)
	p.PutValue(flag)
	p.PutArray(desc)
	p.PutValue(dt)
	p.PutValue(EncodeFloat32s([]float32{1, 2, 3}))
	require.Equal(t, 5, p.Len())

	// Every parameter starts at an 8 bytes boundary.
	assert.Equal(t, []int{0, LaunchBoundsSize, 32, 64, 72}, p.offsets)
	assert.Len(t, p.Bytes(1), 8, "padding up to the next parameter belongs to the slot")
	assert.Equal(t, byte(1), p.Bytes(1)[0])
	assert.Len(t, p.Bytes(4), 12)

	assert.Equal(t, bounds, p.Bounds(0))
	assert.Equal(t, desc, p.Array(2))
	assert.Equal(t, 0.25, math.Float64frombits(binary.NativeEndian.Uint64(p.Bytes(3))))
	assert.Equal(t, float32(3), math.Float32frombits(binary.NativeEndian.Uint32(p.Bytes(4)[8:])))

	clone := p.Clone()
	p.Bytes(1)[0] = 0
	assert.Equal(t, byte(1), clone.Bytes(1)[0], "clones don't share memory")

	var pinner runtime.Pinner
	defer pinner.Unpin()
	ptrs := clone.Pointers(&pinner)
	require.Len(t, ptrs, clone.Len())
	for ii, offset := range clone.offsets {
		assert.Equal(t, uintptr(offset), ptrs[ii]-ptrs[0])
	}
	assert.Nil(t, NewParamBlock(0).Pointers(&pinner))
}

func TestEncodeScalar(t *testing.T) {
	testCases := []struct {
		dtype dtypes.DType
		value any
		want  []byte
	}{
		{dtypes.Bool, false, []byte{0}},
		{dtypes.Int8, int8(-1), []byte{0xff}},
		{dtypes.Uint8, uint8(7), []byte{7}},
		{dtypes.Int32, int32(-2), binary.NativeEndian.AppendUint32(nil, 0xfffffffe)},
		{dtypes.Uint64, uint64(1 << 40), binary.NativeEndian.AppendUint64(nil, 1<<40)},
		{dtypes.Float16, float16.Fromfloat32(1.5), binary.NativeEndian.AppendUint16(nil, float16.Fromfloat32(1.5).Bits())},
		{dtypes.Float32, float32(2), binary.NativeEndian.AppendUint32(nil, math.Float32bits(2))},
	}
	for _, tc := range testCases {
		t.Run(tc.dtype.String(), func(t *testing.T) {
			raw, err := EncodeScalar(tc.dtype, tc.value)
			require.NoError(t, err)
			assert.Equal(t, tc.want, raw)
			assert.Len(t, raw, tc.dtype.Size())
		})
	}

	_, err := EncodeScalar(dtypes.Float32, 1.0)
	require.Error(t, err, "float64 value for a float32 parameter")
	_, err = EncodeScalar(dtypes.Int32, "1")
	require.Error(t, err)
}
