// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package builtins

import (
	"testing"

	"github.com/gomlx/gokernels/pkg/core/kerrors"
	"github.com/gomlx/gokernels/pkg/core/ktypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveOverloadOrder(t *testing.T) {
	r := Standard()

	o, result, err := r.Resolve("min", Args(ktypes.Int, ktypes.Int))
	require.NoError(t, err)
	assert.Equal(t, ktypes.Int, result)
	assert.Equal(t, "min", o.Key())

	_, result, err = r.Resolve("min", Args(ktypes.Float, ktypes.Float))
	require.NoError(t, err)
	assert.Equal(t, ktypes.Float, result)

	_, result, err = r.Resolve("mul", Args(ktypes.Mat33, ktypes.Vec3))
	require.NoError(t, err)
	assert.True(t, ktypes.Equal(ktypes.Vec3, result))

	_, result, err = r.Resolve("mul", Args(ktypes.Float, ktypes.Quat))
	require.NoError(t, err)
	assert.True(t, ktypes.Equal(ktypes.Quat, result))

	// Mixed int/float has no overload.
	_, _, err = r.Resolve("min", Args(ktypes.Int, ktypes.Float))
	require.Error(t, err)
	assert.True(t, kerrors.Is(err, kerrors.Resolution))
	assert.Equal(t, "min", kerrors.As(err).Key)

	_, _, err = r.Resolve("no_such_builtin", nil)
	require.Error(t, err)
	assert.True(t, kerrors.Is(err, kerrors.Resolution))
}

func TestResolveFirstMatchWins(t *testing.T) {
	r := NewRegistry()
	first := r.Define("f").In("x", ktypes.Any).Returns(ktypes.Int)
	r.Define("f").In("x", ktypes.Float).Returns(ktypes.Float)
	o, result, err := r.Resolve("f", Args(ktypes.Float))
	require.NoError(t, err)
	assert.Same(t, first, o)
	assert.Equal(t, ktypes.Int, result)
	assert.Len(t, r.Overloads("f"), 2)
}

func TestLoadArity(t *testing.T) {
	r := Standard()
	for ndim := 1; ndim <= ktypes.MaxDims; ndim++ {
		arr := ktypes.Array(ktypes.Float, ndim)
		indices := make([]ktypes.Type, 0, ndim+1)
		for range ndim {
			indices = append(indices, ktypes.Int)
		}

		// Exact number of indices: element type.
		_, result, err := r.Resolve("load", Args(append([]ktypes.Type{arr}, indices...)...))
		require.NoError(t, err, "ndim=%d", ndim)
		assert.Equal(t, ktypes.Float, result)

		// One fewer index: not a load, but a valid view.
		_, _, err = r.Resolve("load", Args(append([]ktypes.Type{arr}, indices[:ndim-1]...)...))
		require.Error(t, err)
		assert.True(t, kerrors.Is(err, kerrors.Resolution))
		if ndim > 1 {
			_, result, err = r.Resolve("view", Args(append([]ktypes.Type{arr}, indices[:ndim-1]...)...))
			require.NoError(t, err, "ndim=%d", ndim)
			view := result.(*ktypes.ArrayType)
			assert.True(t, view.View)
			assert.Equal(t, 1, view.NDim)
		}

		// One extra index: error.
		_, _, err = r.Resolve("load", Args(append([]ktypes.Type{arr}, append(indices, ktypes.Int)...)...))
		require.Error(t, err)
		assert.True(t, kerrors.Is(err, kerrors.Resolution))
	}
}

func TestViewRequiresFreeDimension(t *testing.T) {
	r := Standard()
	arr := ktypes.Array(ktypes.Vec3, 2)
	_, result, err := r.Resolve("view", Args(arr, ktypes.Int))
	require.NoError(t, err)
	assert.True(t, ktypes.Equal(ktypes.ViewOf(ktypes.Vec3, 1), result))

	_, _, err = r.Resolve("view", Args(arr, ktypes.Int, ktypes.Int))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "view")
}

func TestIndicesMustBeIntegers(t *testing.T) {
	r := Standard()
	arr := ktypes.Array(ktypes.Float, 1)
	_, _, err := r.Resolve("load", Args(arr, ktypes.Float))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "integer")

	_, _, err = r.Resolve("load", Args(ktypes.Float, ktypes.Int))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be an array")

	// Unsigned indices are fine.
	_, _, err = r.Resolve("load", Args(arr, ktypes.Uint64))
	require.NoError(t, err)
}

func TestStoreAndAtomics(t *testing.T) {
	r := Standard()
	arr := ktypes.Array(ktypes.Float, 2)

	o, result, err := r.Resolve("store", Args(arr, ktypes.Int, ktypes.Int, ktypes.Float))
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.True(t, o.IsSkipReplay())

	_, _, err = r.Resolve("store", Args(arr, ktypes.Int, ktypes.Int, ktypes.Int))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "same type as the array")

	_, _, err = r.Resolve("store", Args(arr, ktypes.Int, ktypes.Float))
	require.Error(t, err)

	for _, op := range []string{"atomic_add", "atomic_sub"} {
		o, result, err = r.Resolve(op, Args(arr, ktypes.Int, ktypes.Int, ktypes.Float))
		require.NoError(t, err, op)
		assert.Equal(t, ktypes.Float, result)
		assert.True(t, o.IsSkipReplay())

		// Wrong number of indices for the array rank.
		_, _, err = r.Resolve(op, Args(arr, ktypes.Int, ktypes.Float))
		require.Error(t, err, op)
		assert.True(t, kerrors.Is(err, kerrors.Resolution))

		// Value of the wrong type.
		_, _, err = r.Resolve(op, Args(arr, ktypes.Int, ktypes.Int, ktypes.Vec3))
		require.Error(t, err, op)
	}
}

func TestSelectAndTid(t *testing.T) {
	r := Standard()
	_, result, err := r.Resolve("select", Args(ktypes.Bool, ktypes.Vec3, ktypes.Vec3))
	require.NoError(t, err)
	assert.True(t, ktypes.Equal(ktypes.Vec3, result))

	tids := r.Overloads("tid")
	require.Len(t, tids, 4)
	assert.Equal(t, "tid() -> int32", tids[0].Signature())
	assert.Equal(t, "tid() -> (int32, int32, int32, int32)", tids[3].Signature())
}

func TestStandardTable(t *testing.T) {
	r := Standard()
	for _, key := range []string{"sin", "dot", "quat_rotate", "transform_point", "spatial_cross", "mesh_query_ray",
		"volume_sample_f", "randf", "printf", "expect_eq", "add", "unot", "float32", "int"} {
		assert.True(t, r.Has(key), "missing builtin %q", key)
	}
	keys := r.Keys()
	assert.IsIncreasing(t, keys)

	printf := r.Overloads("printf")[0]
	assert.True(t, printf.IsVariadic())
	assert.Equal(t, "printf", printf.NativeName())
	assert.Equal(t, "wp::sin", r.Overloads("sin")[0].NativeName())
}

func TestDefinePanicsOnDuplicateParam(t *testing.T) {
	r := NewRegistry()
	assert.Panics(t, func() {
		r.Define("f").In("x", ktypes.Int).In("x", ktypes.Int)
	})
}
