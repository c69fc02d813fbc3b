// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels_test

import (
	"context"
	"os"
	"testing"

	"github.com/gomlx/gokernels/backends/simplego"
	"github.com/gomlx/gokernels/internal/kerneltest"
	"github.com/gomlx/gokernels/pkg/core/builtins"
	"github.com/gomlx/gokernels/pkg/core/codegen"
	"github.com/gomlx/gokernels/pkg/core/kernels"
	"github.com/gomlx/gokernels/pkg/core/kerrors"
	"github.com/gomlx/gokernels/pkg/core/ktypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	f32Array = ktypes.Array(ktypes.Float32, 1)
	ctx      = context.Background()
)

func scaleKernel(src string) *kerneltest.Body {
	return &kerneltest.Body{
		Src: src,
		AnalyzeFn: func(a *kernels.Analyzer) (ktypes.Type, error) {
			if _, err := a.Call("tid"); err != nil {
				return nil, err
			}
			if _, err := a.Call("load", builtins.Args(f32Array, ktypes.Int)...); err != nil {
				return nil, err
			}
			_, err := a.Call("store", builtins.Args(f32Array, ktypes.Int, ktypes.Float32)...)
			return nil, err
		},
		ForwardFn: func(tid int, args *simplego.Args) {
			x := args.Array(0).Float32s()
			x[tid] *= args.Float32(1)
		},
	}
}

func defineScale(m *kernels.Module, src string) *kernels.Kernel {
	return m.DefineKernel("scale", scaleKernel(src), kernels.P("x", f32Array), kernels.P("s", ktypes.Float32))
}

func TestHash(t *testing.T) {
	cpu := kerneltest.NewBackend(t, "cpu")
	reg1, _ := kerneltest.NewRegistry(t, cpu)
	reg2, _ := kerneltest.NewRegistry(t, cpu)
	m1, m2 := reg1.Module("hash"), reg2.Module("hash")
	defineScale(m1, "x[tid] *= s")
	defineScale(m2, "x[tid] *= s")
	require.Equal(t, m1.Hash(), m2.Hash(), "same declarations must hash the same")

	t.Run("source", func(t *testing.T) {
		before := m2.Hash()
		defineScale(m2, "x[tid] = x[tid] * s")
		assert.NotEqual(t, before, m2.Hash())
		defineScale(m2, "x[tid] *= s")
		assert.Equal(t, m1.Hash(), m2.Hash())
	})

	t.Run("signature", func(t *testing.T) {
		m2.DefineKernel("scale", scaleKernel("x[tid] *= s"), kernels.P("x", f32Array), kernels.P("s", ktypes.Float64))
		assert.NotEqual(t, m1.Hash(), m2.Hash())
		defineScale(m2, "x[tid] *= s")
		assert.Equal(t, m1.Hash(), m2.Hash())
	})

	t.Run("options", func(t *testing.T) {
		m2.SetOption(kernels.OptionMaxUnroll, 4)
		assert.NotEqual(t, m1.Hash(), m2.Hash())
		m2.SetOption(kernels.OptionMaxUnroll, kernels.DefaultMaxUnroll)
		assert.Equal(t, m1.Hash(), m2.Hash())
	})

	t.Run("constants", func(t *testing.T) {
		require.NoError(t, reg2.Constant("gravity", 9.8))
		assert.NotEqual(t, m1.Hash(), m2.Hash())
		require.NoError(t, reg1.Constant("gravity", 9.8))
		assert.Equal(t, m1.Hash(), m2.Hash())
		require.NoError(t, reg1.Constant("gravity", 1.6))
		assert.NotEqual(t, m1.Hash(), m2.Hash())
		require.Error(t, reg1.Constant("name", "earth"))
	})

	t.Run("order", func(t *testing.T) {
		a, b := reg1.Module("order_a"), reg1.Module("order_b")
		a.DefineFunction("f", kerneltest.Func("f", ktypes.Float))
		a.DefineFunction("g", kerneltest.Func("g", ktypes.Float))
		b.DefineFunction("g", kerneltest.Func("g", ktypes.Float))
		b.DefineFunction("f", kerneltest.Func("f", ktypes.Float))
		assert.NotEqual(t, a.Hash(), b.Hash())
	})
}

func TestLoad(t *testing.T) {
	cpu, cuda := kerneltest.Targets(t)
	reg, cache := kerneltest.NewRegistry(t, cpu, cuda)
	m := reg.Module("physics")
	k := defineScale(m, "x[tid] *= s")
	assert.Equal(t, kernels.Unbuilt, m.State())

	require.NoError(t, m.Load(ctx))
	assert.True(t, m.IsLoaded())
	assert.Equal(t, 1, cpu.Builds())
	assert.Equal(t, 1, cuda.Builds())
	assert.True(t, cache.MatchesHash(m.Stem(), m.Hash()))

	// Already loaded: nothing to do.
	require.NoError(t, m.Load(ctx))
	assert.Equal(t, 1, cpu.Builds())

	for _, device := range []string{"cpu", "cuda"} {
		for _, pass := range []codegen.Pass{codegen.Forward, codegen.Backward} {
			entry, err := k.Entry(device, pass)
			require.NoError(t, err)
			assert.Equal(t, codegen.EntryPoint("scale", codegen.Target(device), pass), entry.(*simplego.Entry).Symbol)
		}
	}

	// Unloading and loading again uses the cache.
	m.Unload()
	assert.Equal(t, kernels.Unbuilt, m.State())
	_, err := k.Entry("cpu", codegen.Forward)
	require.Error(t, err)
	require.NoError(t, m.Load(ctx))
	assert.Equal(t, 1, cpu.Builds())
	assert.Equal(t, 1, cuda.Builds())

	// A second registry sharing the cache, with the same declarations, doesn't rebuild either.
	reg2, err := kernels.NewRegistry(kernels.Config{Cache: cache, Targets: reg.Targets()})
	require.NoError(t, err)
	m2 := reg2.Module("physics")
	defineScale(m2, "x[tid] *= s")
	require.NoError(t, m2.Load(ctx))
	assert.Equal(t, 1, cpu.Builds())

	// Removing one artifact rebuilds only its target.
	tc, err := cuda.Toolchain()
	require.NoError(t, err)
	require.NoError(t, os.Remove(cache.ArtifactPath(m.Stem(), tc.ArtifactExt())))
	m.Unload()
	require.NoError(t, m.Load(ctx))
	assert.Equal(t, 1, cpu.Builds())
	assert.Equal(t, 2, cuda.Builds())
}

func TestRedefinitionInvalidates(t *testing.T) {
	cpu := kerneltest.NewBackend(t, "cpu")
	reg, cache := kerneltest.NewRegistry(t, cpu)
	m := reg.Module("redefine")
	old := defineScale(m, "x[tid] *= s")
	require.NoError(t, m.Load(ctx))
	_, err := old.Entry("cpu", codegen.Forward)
	require.NoError(t, err)
	oldHash := m.Hash()

	k := defineScale(m, "x[tid] = s * x[tid]")
	assert.Equal(t, kernels.Unbuilt, m.State())
	assert.Same(t, k, m.Kernel("scale"))
	assert.Len(t, m.Kernels(), 1)
	assert.False(t, cache.MatchesHash(m.Stem(), m.Hash()))
	assert.True(t, cache.MatchesHash(m.Stem(), oldHash))

	require.NoError(t, m.Load(ctx))
	assert.Equal(t, 2, cpu.Builds())
	assert.True(t, cache.MatchesHash(m.Stem(), m.Hash()))

	// Redefining a function invalidates the module too.
	m.DefineFunction("half", kerneltest.Func("return x*0.5", ktypes.Float), kernels.P("x", ktypes.Float))
	assert.False(t, m.IsLoaded())
	require.NoError(t, m.Load(ctx))
	m.DefineFunction("half", kerneltest.Func("return x/2", ktypes.Float), kernels.P("x", ktypes.Float))
	assert.False(t, m.IsLoaded())
	assert.Len(t, m.Functions(), 1)
}

func TestSetOption(t *testing.T) {
	cpu := kerneltest.NewBackend(t, "cpu")
	reg, _ := kerneltest.NewRegistry(t, cpu)
	m := reg.Module("options")
	defineScale(m, "x[tid] *= s")
	require.NoError(t, m.Load(ctx))

	m.SetOption(kernels.OptionMaxUnroll, kernels.DefaultMaxUnroll)
	assert.True(t, m.IsLoaded(), "setting an option to its current value keeps the module loaded")

	m.SetOption(kernels.OptionMode, "debug")
	assert.False(t, m.IsLoaded())
	assert.Equal(t, "debug", m.Options()[kernels.OptionMode])
	require.NoError(t, m.Load(ctx))
	assert.Equal(t, 2, cpu.Builds())

	m.SetOption(kernels.OptionMode, "fastest")
	err := m.Load(ctx)
	require.Error(t, err)
	assert.True(t, kerrors.Is(err, kerrors.Build))
}

func TestBuildFailureIsPermanent(t *testing.T) {
	cpu := kerneltest.NewBackend(t, "cpu")
	reg, cache := kerneltest.NewRegistry(t, cpu)
	m := reg.Module("broken")
	defineScale(m, "x[tid] *= s")

	cpu.FailBuilds(true)
	err := m.Load(ctx)
	require.Error(t, err)
	assert.True(t, kerrors.Is(err, kerrors.Build), "got %v", err)
	assert.Equal(t, kernels.BuildFailed, m.State())
	assert.False(t, cache.MatchesHash(m.Stem(), m.Hash()))

	cpu.FailBuilds(false)
	err = m.Load(ctx)
	require.ErrorIs(t, err, kernels.ErrBuildFailed)
	assert.Equal(t, 1, cpu.Builds())

	// Neither redefinitions nor unloading resets it.
	defineScale(m, "x[tid] = x[tid] * s")
	m.Unload()
	require.ErrorIs(t, m.Load(ctx), kernels.ErrBuildFailed)
	assert.Equal(t, 1, cpu.Builds())

	// ForceLoad skips it.
	other := reg.Module("healthy")
	defineScale(other, "x[tid] *= s")
	require.NoError(t, reg.ForceLoad(ctx, false))
	assert.True(t, other.IsLoaded())
}

func TestValueTypeInference(t *testing.T) {
	cpu := kerneltest.NewBackend(t, "cpu")
	reg, _ := kerneltest.NewRegistry(t, cpu)
	m := reg.Module("inference")

	// "outer" calls "inner", declared after it.
	outer := m.DefineFunction("outer", kerneltest.ReturnsCallOf("return inner(x)", "inner", ktypes.Float),
		kernels.P("x", ktypes.Float))
	inner := m.DefineFunction("inner", kerneltest.ReturnsCallOf("return x+x", "add", ktypes.Float, ktypes.Float),
		kernels.P("x", ktypes.Float))
	length := m.DefineFunction("len3", kerneltest.ReturnsCallOf("return length(v)", "length", ktypes.Vec3),
		kernels.P("v", ktypes.Vec3))
	_, found := outer.ValueType()
	assert.False(t, found)

	require.NoError(t, m.Load(ctx))
	for _, fn := range []*kernels.Function{outer, inner, length} {
		vt, found := fn.ValueType()
		require.True(t, found, fn.Key())
		assert.True(t, ktypes.Equal(ktypes.Float, vt), "%s value type is %v", fn.Key(), vt)
	}
}

func TestRecursionNeedsDeclaredReturnType(t *testing.T) {
	cpu := kerneltest.NewBackend(t, "cpu")
	reg, _ := kerneltest.NewRegistry(t, cpu)

	m := reg.Module("recursive")
	m.DefineFunction("fact", kerneltest.ReturnsCallOf("return n*fact(n-1)", "fact", ktypes.Int),
		kernels.P("n", ktypes.Int))
	err := m.Load(ctx)
	require.Error(t, err)
	assert.True(t, kerrors.Is(err, kerrors.Resolution), "got %v", err)
	assert.Contains(t, err.Error(), "recursive calls need a declared return type")
	assert.Equal(t, 0, cpu.Builds())

	m2 := reg.Module("recursive_declared")
	fact := m2.DefineFunction("fact", kerneltest.ReturnsCallOf("return n*fact(n-1)", "fact", ktypes.Int),
		kernels.P("n", ktypes.Int)).Returns(ktypes.Int)
	require.NoError(t, m2.Load(ctx))
	vt, _ := fact.ValueType()
	assert.True(t, ktypes.Equal(ktypes.Int, vt))

	m3 := reg.Module("wrong_declared")
	m3.DefineFunction("f", kerneltest.Func("return 1.0", ktypes.Float)).Returns(ktypes.Int)
	err = m3.Load(ctx)
	require.Error(t, err)
	assert.True(t, kerrors.Is(err, kerrors.Resolution))
}

func TestResolutionErrors(t *testing.T) {
	cpu := kerneltest.NewBackend(t, "cpu")
	reg, _ := kerneltest.NewRegistry(t, cpu)

	testCases := []struct {
		name    string
		call    kerneltest.Call
		message string
	}{
		{"unknown", kerneltest.C("no_such_builtin", ktypes.Float), "unknown builtin function"},
		{"no_overload", kerneltest.C("min", ktypes.Vec3, ktypes.Float), "couldn't find overload"},
		{"load_arity", kerneltest.C("load", ktypes.Array(ktypes.Float, 2), ktypes.Int), "num indices < num dimensions"},
		{"store_type", kerneltest.C("store", f32Array, ktypes.Int, ktypes.Int), "must be of the same type"},
		{"function_arity", kerneltest.C("helper", ktypes.Float, ktypes.Float), "takes 1 arguments"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := reg.Module("resolution_" + tc.name)
			m.DefineFunction("helper", kerneltest.Func("return x", ktypes.Float), kernels.P("x", ktypes.Float))
			m.DefineKernel("k", kerneltest.Func("k", nil, tc.call), kernels.P("x", f32Array))
			err := m.Load(ctx)
			require.Error(t, err)
			e := kerrors.As(err)
			require.NotNil(t, e, "expected a kernel error, got %v", err)
			assert.Equal(t, kerrors.Resolution, e.Kind)
			assert.Contains(t, err.Error(), tc.message)
			assert.Equal(t, kernels.BuildFailed, m.State())
		})
	}

	t.Run("kernel_returns", func(t *testing.T) {
		m := reg.Module("kernel_returns")
		m.DefineKernel("k", kerneltest.Func("return 1", ktypes.Int), kernels.P("x", f32Array))
		err := m.Load(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "can't return a value")
	})
}

func TestDefineKernelValidation(t *testing.T) {
	cpu := kerneltest.NewBackend(t, "cpu")
	reg, _ := kerneltest.NewRegistry(t, cpu)
	m := reg.Module("validation")
	body := kerneltest.Func("k", nil)
	require.Panics(t, func() { m.DefineKernel("", body) })
	require.Panics(t, func() { m.DefineKernel("k", nil) })
	require.Panics(t, func() { m.DefineKernel("k", body, kernels.P("x", ktypes.Float), kernels.P("x", ktypes.Int)) })
	require.Panics(t, func() { m.DefineKernel("k", body, kernels.P("q", ktypes.Range)) })
	require.Panics(t, func() { m.DefineKernel("k", body, kernels.P("a", ktypes.Array(ktypes.Float, 5))) })
	require.Panics(t, func() { reg.Module("") })

	k := m.DefineKernel("k", body,
		kernels.P("points", ktypes.Array(ktypes.Vec3, 1)),
		kernels.P("rot", ktypes.Quat),
		kernels.P("dt", ktypes.Float64))
	descs := k.Descriptors()
	require.Len(t, descs, 3)
	assert.Equal(t, kernels.ArrayParam, descs[0].Kind)
	assert.Equal(t, 1, descs[0].NDim)
	assert.Equal(t, kernels.VectorParam, descs[1].Kind)
	assert.Equal(t, 4, descs[1].Length)
	assert.Equal(t, kernels.ScalarParam, descs[2].Kind)
	assert.Equal(t, "kernel validation.k(points: array(dtype=vec3, ndim=1), rot: quat, dt: float64)", k.String())
}

func TestStem(t *testing.T) {
	cpu := kerneltest.NewBackend(t, "cpu")
	reg, _ := kerneltest.NewRegistry(t, cpu)
	assert.Equal(t, "wp_physics", reg.Module("physics").Stem())
	assert.Equal(t, "wp_my_pkg_sim-2", reg.Module("my.pkg/sim-2").Stem())
	assert.Same(t, reg.Module("physics"), reg.Lookup("physics"))
	assert.Nil(t, reg.Lookup("unknown"))
	assert.Len(t, reg.Modules(), 2)
}
