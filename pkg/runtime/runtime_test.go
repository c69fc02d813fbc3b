// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runtime_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/gomlx/gokernels/backends"
	"github.com/gomlx/gokernels/backends/simplego"
	"github.com/gomlx/gokernels/internal/kerneltest"
	"github.com/gomlx/gokernels/pkg/core/arrays"
	"github.com/gomlx/gokernels/pkg/core/kernels"
	"github.com/gomlx/gokernels/pkg/core/kerrors"
	"github.com/gomlx/gokernels/pkg/core/ktypes"
	"github.com/gomlx/gokernels/pkg/core/toolchain"
	"github.com/gomlx/gokernels/pkg/runtime"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	f32Array = ktypes.Array(ktypes.Float32, 1)
	ctx      = context.Background()
)

// newRuntime returns a runtime with "cpu" and emulated "cuda" devices and a cache in a temporary directory.
func newRuntime(t *testing.T) (rt *runtime.Runtime, cpu, cuda *kerneltest.Backend) {
	cpu, cuda = kerneltest.Targets(t)
	rt, err := runtime.New(runtime.Config{Backends: []backends.Backend{cuda, cpu}, CacheDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt, cpu, cuda
}

// defineAdd defines c[i] = a[i] + b[i]. If threads is not nil, it counts the threads run.
func defineAdd(m *kernels.Module, threads *atomic.Int32) *kernels.Kernel {
	return m.DefineKernel("add", &kerneltest.Body{
		Src: "c[i] = a[i] + b[i]",
		ForwardFn: func(tid int, args *simplego.Args) {
			if threads != nil {
				threads.Add(1)
			}
			a, b, c := args.Array(0).Float32s(), args.Array(1).Float32s(), args.Array(2).Float32s()
			c[tid] = a[tid] + b[tid]
		},
		BackwardFn: func(tid int, args *simplego.Args) {
			adjC := args.Adjoint(2).Float32s()
			args.Adjoint(0).AtomicAddFloat32(tid, adjC[tid])
			args.Adjoint(1).AtomicAddFloat32(tid, adjC[tid])
		},
	}, kernels.P("a", f32Array), kernels.P("b", f32Array), kernels.P("c", f32Array))
}

// defineUnpack defines a kernel that writes its scalar and vector parameters to out.
func defineUnpack(m *kernels.Module, threads *atomic.Int32) *kernels.Kernel {
	return m.DefineKernel("unpack", &kerneltest.Body{
		Src: "out = [i, f, v...]",
		ForwardFn: func(tid int, args *simplego.Args) {
			if threads != nil {
				threads.Add(1)
			}
			out := args.Array(3).Float32s()
			out[0] = float32(args.Int32(0))
			out[1] = float32(args.Float64(1))
			copy(out[2:], args.Vector(2))
		},
	}, kernels.P("i", ktypes.Int32), kernels.P("f", ktypes.Float64), kernels.P("v", ktypes.Vec3), kernels.P("out", f32Array))
}

func TestDevices(t *testing.T) {
	rt, _, _ := newRuntime(t)
	assert.Equal(t, []string{"cpu", "cuda"}, rt.Devices())
	assert.True(t, rt.IsCPUAvailable())
	assert.True(t, rt.IsCUDAAvailable())
	assert.Equal(t, "cuda", rt.PreferredDevice())
	assert.NoError(t, rt.RequireCUDA())

	_, err := rt.Zeros(ktypes.Float32, []int{3}, "tpu")
	require.Error(t, err)
	assert.Equal(t, kerrors.Device, kerrors.KindOf(err))

	cpuOnly, err := runtime.New(runtime.Config{
		Backends: []backends.Backend{kerneltest.NewBackend(t, "cpu")},
		CacheDir: t.TempDir(),
	})
	require.NoError(t, err)
	defer func() { _ = cpuOnly.Close() }()
	assert.Equal(t, "cpu", cpuOnly.PreferredDevice())
	assert.Equal(t, kerrors.Device, kerrors.KindOf(cpuOnly.RequireCUDA()))
}

func TestLaunch(t *testing.T) {
	rt, _, _ := newRuntime(t)
	add := defineAdd(rt.Module("launch"), nil)
	for _, device := range rt.Devices() {
		t.Run(device, func(t *testing.T) {
			a := must.M1(runtime.FromSlice(rt, []float32{1, 2, 3, 4}, device))
			b := must.M1(runtime.FromSlice(rt, []float32{10, 20, 30, 40}, device))
			c := must.M1(rt.Zeros(ktypes.Float32, []int{4}, device))
			require.NoError(t, rt.Launch(add, []int{4}, []any{a, b}, []any{c}, device))
			require.NoError(t, rt.Synchronize())
			assert.Equal(t, []float32{11, 22, 33, 44}, must.M1(runtime.ToSlice[float32](rt, c)))
			for _, x := range []*arrays.Array{a, b, c} {
				require.NoError(t, x.Release())
			}
		})
	}
	assert.True(t, add.Module().IsLoaded())
}

func TestLaunchScalarsAndVectors(t *testing.T) {
	rt, _, _ := newRuntime(t)
	unpack := defineUnpack(rt.Module("unpack"), nil)
	out := must.M1(rt.Zeros(ktypes.Float32, []int{5}, "cpu"))
	require.NoError(t, rt.Launch(unpack, []int{1}, []any{7, float32(2.5), [3]float64{1, 2, 3}}, []any{out}, "cpu"))
	assert.Equal(t, []float32{7, 2.5, 1, 2, 3}, must.M1(runtime.ToSlice[float32](rt, out)))

	require.NoError(t, rt.Launch(unpack, []int{1}, []any{uint8(3), 1, []float32{4, 5, 6}}, []any{out}, "cpu"))
	assert.Equal(t, []float32{3, 1, 4, 5, 6}, must.M1(runtime.ToSlice[float32](rt, out)))
}

func TestLaunchValidation(t *testing.T) {
	rt, _, _ := newRuntime(t)
	var threads atomic.Int32
	m := rt.Module("validation")
	add := defineAdd(m, &threads)
	unpack := defineUnpack(m, &threads)

	a := must.M1(rt.Zeros(ktypes.Float32, []int{4}, "cpu"))
	c := must.M1(rt.Zeros(ktypes.Float32, []int{4}, "cpu"))
	ints := must.M1(rt.Zeros(ktypes.Int32, []int{4}, "cpu"))
	matrix := must.M1(rt.Zeros(ktypes.Float32, []int{2, 2}, "cpu"))
	onCUDA := must.M1(rt.Zeros(ktypes.Float32, []int{4}, "cuda"))
	out := must.M1(rt.Zeros(ktypes.Float32, []int{5}, "cpu"))

	testCases := []struct {
		name            string
		kernel          *kernels.Kernel
		dim             []int
		inputs, outputs []any
		device          string
		kind            kerrors.Kind
		message         string
	}{
		{"arity", add, []int{4}, []any{a}, []any{c}, "cpu", kerrors.Launch,
			"passed 2 arguments but kernel requires 3"},
		{"not_an_array", add, []int{4}, []any{a, float32(1)}, []any{c}, "cpu", kerrors.Launch,
			"argument 'b' expects an array, but passed value has type float32"},
		{"dtype", add, []int{4}, []any{a, ints}, []any{c}, "cpu", kerrors.Launch,
			"expects an array with dtype=float32 but passed array has dtype=int32"},
		{"ndim", add, []int{4}, []any{a, matrix}, []any{c}, "cpu", kerrors.Launch,
			"expects an array with dimensions 1 but the passed array has dimensions 2"},
		{"array_device", add, []int{4}, []any{a, onCUDA}, []any{c}, "cpu", kerrors.Launch,
			"but input array for argument 'b' is on device=cuda"},
		{"unknown_device", add, []int{4}, []any{a, a}, []any{c}, "tpu", kerrors.Device, "tpu"},
		{"launch_dims", add, []int{1, 1, 1, 1, 1}, []any{a, a}, []any{c}, "cpu", kerrors.Launch,
			"launch dimensions"},
		{"vector_length", unpack, []int{1}, []any{1, 1.0, []float32{1, 2}}, []any{out}, "cpu", kerrors.Launch,
			"parameter for argument 'v' has length 2, but expected 3"},
		{"vector_type", unpack, []int{1}, []any{1, 1.0, "xyz"}, []any{out}, "cpu", kerrors.Launch,
			"unable to pack kernel parameter type string for param v"},
		{"float_to_int", unpack, []int{1}, []any{1.5, 1.0, []float32{1, 2, 3}}, []any{out}, "cpu", kerrors.Launch,
			"unable to pack kernel parameter type float64 for param i, expected int32"},
		{"int_range", unpack, []int{1}, []any{int64(1) << 40, 1.0, []float32{1, 2, 3}}, []any{out}, "cpu", kerrors.Launch,
			"unable to pack kernel parameter type int64 for param i"},
		{"array_for_scalar", unpack, []int{1}, []any{a, 1.0, []float32{1, 2, 3}}, []any{out}, "cpu", kerrors.Launch,
			"unable to pack kernel parameter type *arrays.Array for param i"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := rt.Launch(tc.kernel, tc.dim, tc.inputs, tc.outputs, tc.device)
			require.Error(t, err)
			fmt.Printf("\t%s: %v\n", tc.name, err)
			assert.Equal(t, tc.kind, kerrors.KindOf(err))
			assert.ErrorContains(t, err, tc.message)
		})
	}
	assert.Zero(t, threads.Load(), "no thread should run for invalid launches")

	// Empty launches are no-ops.
	require.NoError(t, rt.Launch(add, []int{0}, []any{a, a}, []any{c}, "cpu"))
	require.NoError(t, rt.Launch(add, []int{4, 0}, []any{a}, []any{c}, "cpu"))
	assert.Zero(t, threads.Load())
}

func TestCopy(t *testing.T) {
	rt, _, _ := newRuntime(t)
	for _, dstDevice := range rt.Devices() {
		for _, srcDevice := range rt.Devices() {
			t.Run(srcDevice+"_to_"+dstDevice, func(t *testing.T) {
				src := must.M1(runtime.FromSlice(rt, []float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, srcDevice))
				dst := must.M1(rt.Zeros(ktypes.Float32, []int{10}, dstDevice))
				require.NoError(t, rt.Copy(dst, src, 2, 3, 4))
				require.NoError(t, rt.Synchronize())
				assert.Equal(t, []float32{0, 0, 3, 4, 5, 6, 0, 0, 0, 0}, must.M1(runtime.ToSlice[float32](rt, dst)))

				clone := must.M1(rt.Clone(src))
				assert.Equal(t, srcDevice, clone.Device())
				assert.Equal(t, must.M1(runtime.ToSlice[float32](rt, src)), must.M1(runtime.ToSlice[float32](rt, clone)))

				for _, err := range []error{
					rt.Copy(dst, src, 8, 0, 4),
					rt.Copy(dst, src, 0, 7, 4),
					rt.Copy(dst, src, 0, -1, 4),
					rt.Upload(dst, make([]byte, 44)),
				} {
					require.Error(t, err)
					assert.True(t, kerrors.Is(err, kerrors.Launch), "got %v", err)
				}
				for _, x := range []*arrays.Array{src, dst, clone} {
					require.NoError(t, x.Release())
				}
			})
		}
	}
}

func TestVectorArrays(t *testing.T) {
	rt, _, _ := newRuntime(t)
	points := must.M1(runtime.FromVectors(rt, ktypes.Vec3, []float32{1, 2, 3, 4, 5, 6}, "cuda"))
	assert.Equal(t, []int{2}, points.Shape())
	assert.Equal(t, 24, points.SizeBytes())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, must.M1(runtime.ToSlice[float32](rt, points)))
	_, err := runtime.ToSlice[int32](rt, points)
	require.Error(t, err)
	_, err = runtime.FromVectors(rt, ktypes.Vec3, []float32{1, 2}, "cuda")
	require.Error(t, err)
}

func TestMemoryPooling(t *testing.T) {
	rt, _, _ := newRuntime(t)
	before := rt.MemoryStats()[0]
	require.Equal(t, "cpu", before.Name)

	a := must.M1(rt.Empty(ktypes.Float32, []int{100}, "cpu"))
	require.NoError(t, a.Release())
	require.Error(t, a.Release(), "double release")
	b := must.M1(rt.Empty(ktypes.Float32, []int{100}, "cpu"))
	after := rt.MemoryStats()[0]
	assert.Equal(t, 1, after.Misses-before.Misses)
	assert.Equal(t, 1, after.Hits-before.Hits)
	assert.Equal(t, 1, after.Outstanding)

	require.NoError(t, b.Release())
	require.NoError(t, rt.ClearMemory())
	assert.Zero(t, rt.MemoryStats()[0].Pooled)
}

func TestBuildFailure(t *testing.T) {
	rt, cpu, _ := newRuntime(t)
	var threads atomic.Int32
	add := defineAdd(rt.Module("broken"), &threads)
	a := must.M1(rt.Zeros(ktypes.Float32, []int{4}, "cpu"))
	cpu.FailBuilds(true)

	err := rt.Launch(add, []int{4}, []any{a, a}, []any{a}, "cpu")
	require.Error(t, err)
	assert.Equal(t, kerrors.Build, kerrors.KindOf(err))

	// The failure is reported once: later launches are skipped.
	cpu.FailBuilds(false)
	require.NoError(t, rt.Launch(add, []int{4}, []any{a, a}, []any{a}, "cpu"))
	assert.Zero(t, threads.Load())
	assert.Equal(t, kernels.BuildFailed, add.Module().State())
}

func TestCapture(t *testing.T) {
	rt, _, _ := newRuntime(t)
	increment := rt.Module("capture").DefineKernel("increment", &kerneltest.Body{
		Src: "x[i] += 1",
		ForwardFn: func(tid int, args *simplego.Args) {
			args.Array(0).Float32s()[tid]++
		},
	}, kernels.P("x", f32Array))
	x := must.M1(rt.Zeros(ktypes.Float32, []int{3}, "cuda"))

	require.NoError(t, rt.CaptureBegin(ctx, "cuda"))
	assert.True(t, increment.Module().IsLoaded(), "modules must be loaded before the capture starts")
	require.NoError(t, rt.Launch(increment, []int{3}, []any{x}, nil, "cuda"))
	require.NoError(t, rt.Launch(increment, []int{3}, []any{x}, nil, "cuda"))
	err := rt.CaptureBegin(ctx, "cuda")
	require.Error(t, err, "nested capture")
	assert.Equal(t, kerrors.Capture, kerrors.KindOf(err))
	graph, err := rt.CaptureEnd()
	require.NoError(t, err)
	assert.Equal(t, "cuda", graph.Device())

	// Captured work only runs on replay.
	assert.Equal(t, []float32{0, 0, 0}, must.M1(runtime.ToSlice[float32](rt, x)))
	require.NoError(t, rt.CaptureLaunch(graph))
	require.NoError(t, rt.CaptureLaunch(graph))
	require.NoError(t, rt.Synchronize())
	assert.Equal(t, []float32{4, 4, 4}, must.M1(runtime.ToSlice[float32](rt, x)))

	require.NoError(t, graph.Release())
	assert.Error(t, rt.CaptureLaunch(graph))

	t.Run("allocation", func(t *testing.T) {
		require.NoError(t, rt.CaptureBegin(ctx, "cuda"))
		_, err := rt.Zeros(ktypes.Float32, []int{3}, "cuda")
		require.Error(t, err)
		assert.Equal(t, kerrors.Capture, kerrors.KindOf(err))
		_, err = rt.CaptureEnd()
		require.Error(t, err)
		assert.ErrorContains(t, err, "This could be due to an unintended allocation or CPU/GPU synchronization event")
	})

	t.Run("load", func(t *testing.T) {
		require.NoError(t, rt.CaptureBegin(ctx, "cuda"))
		late := rt.Module("late").DefineKernel("late", &kerneltest.Body{Src: "pass"}, kernels.P("x", f32Array))
		err := rt.Launch(late, []int{3}, []any{x}, nil, "cuda")
		require.Error(t, err)
		assert.Equal(t, kerrors.Capture, kerrors.KindOf(err))
		_, err = rt.CaptureEnd()
		require.Error(t, err)
	})

	t.Run("verify_device", func(t *testing.T) {
		verifying, err := runtime.New(runtime.Config{
			Backends:     []backends.Backend{kerneltest.NewBackend(t, "cuda")},
			CacheDir:     t.TempDir(),
			VerifyDevice: true,
		})
		require.NoError(t, err)
		defer func() { _ = verifying.Close() }()
		err = verifying.CaptureBegin(ctx, "cuda")
		require.Error(t, err)
		assert.Equal(t, kerrors.Capture, kerrors.KindOf(err))
	})

	_, err = rt.CaptureEnd()
	assert.Error(t, err, "no capture active")
}

func TestCaptureMatchesDirectLaunches(t *testing.T) {
	rt, _, _ := newRuntime(t)
	add := defineAdd(rt.Module("replay"), nil)
	a := must.M1(runtime.FromSlice(rt, []float32{1, 2, 3}, "cuda"))
	direct := must.M1(rt.Zeros(ktypes.Float32, []int{3}, "cuda"))
	replayed := must.M1(rt.Zeros(ktypes.Float32, []int{3}, "cuda"))

	steps := func(c *arrays.Array) {
		require.NoError(t, rt.Launch(add, []int{3}, []any{a, c}, []any{c}, "cuda"))
		require.NoError(t, rt.Launch(add, []int{3}, []any{c, c}, []any{c}, "cuda"))
	}
	steps(direct)
	steps(direct)

	require.NoError(t, rt.CaptureBegin(ctx, "cuda"))
	steps(replayed)
	graph := must.M1(rt.CaptureEnd())
	defer func() { _ = graph.Release() }()
	require.NoError(t, rt.CaptureLaunch(graph))
	require.NoError(t, rt.CaptureLaunch(graph))
	assert.Equal(t, must.M1(runtime.ToSlice[float32](rt, direct)), must.M1(runtime.ToSlice[float32](rt, replayed)))
}

type recorderFunc func(rec runtime.LaunchRecord)

func (f recorderFunc) Record(rec runtime.LaunchRecord) { f(rec) }

func TestRecording(t *testing.T) {
	rt, _, _ := newRuntime(t)
	add := defineAdd(rt.Module("recording"), nil)
	a := must.M1(rt.Zeros(ktypes.Float32, []int{4}, "cpu"))
	c := must.M1(rt.Zeros(ktypes.Float32, []int{4}, "cpu"))

	var sunk []string
	scope, err := rt.BeginRecording(recorderFunc(func(rec runtime.LaunchRecord) {
		sunk = append(sunk, rec.Kernel.Key())
	}))
	require.NoError(t, err)
	assert.Same(t, scope, rt.ActiveScope())
	_, err = rt.BeginRecording(nil)
	require.Error(t, err, "only one scope can be open")

	require.NoError(t, rt.Launch(add, []int{4}, []any{a, a}, []any{c}, "cpu"))
	require.NoError(t, rt.Launch(add, []int{4}, []any{c, a}, []any{c}, "cpu"))
	require.NoError(t, rt.Launch(add, []int{4}, []any{a, a}, []any{c}, "cpu",
		runtime.Adjoint([]any{nil, nil}, []any{c})))
	records := scope.Records()
	require.Len(t, records, 2, "adjoint launches are not recorded")
	assert.Equal(t, []string{"add", "add"}, sunk)
	assert.Equal(t, []int{4}, records[1].Dim)
	assert.Same(t, c, records[1].Inputs[0])
	assert.Equal(t, "cpu", records[1].Device)

	scope.End()
	assert.False(t, scope.IsOpen())
	assert.Nil(t, rt.ActiveScope())
	require.NoError(t, rt.Launch(add, []int{4}, []any{a, a}, []any{c}, "cpu", runtime.RecordTo(scope)))
	assert.Len(t, scope.Records(), 2, "ended scopes don't record")

	other, err := rt.BeginRecording(nil)
	require.NoError(t, err)
	defer other.End()
	require.NoError(t, rt.Launch(add, []int{4}, []any{a, a}, []any{c}, "cpu"))
	assert.Len(t, other.Records(), 1)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(runtime.EnvBackend, "go:parallelism=2")
	t.Setenv(runtime.EnvCacheDir, "/tmp/kernels")
	t.Setenv(runtime.EnvMode, "debug")
	t.Setenv(runtime.EnvCache, "false")
	t.Setenv(runtime.EnvVerifyDevice, "1")
	t.Setenv(runtime.EnvParallelism, "3")
	t.Setenv(runtime.EnvPrintLaunches, "true")
	cfg, err := runtime.ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "go:parallelism=2", cfg.Backend)
	assert.Equal(t, "/tmp/kernels", cfg.CacheDir)
	assert.Equal(t, toolchain.Debug, cfg.Mode)
	assert.True(t, cfg.CacheDisabled)
	assert.True(t, cfg.VerifyDevice)
	assert.Equal(t, 3, cfg.BuildParallelism)
	assert.True(t, cfg.PrintLaunches)

	t.Setenv(runtime.EnvVerifyDevice, "maybe")
	_, err = runtime.ConfigFromEnv()
	require.Error(t, err)
	t.Setenv(runtime.EnvVerifyDevice, "")
	t.Setenv(runtime.EnvMode, "fastest")
	_, err = runtime.ConfigFromEnv()
	require.Error(t, err)
}

func TestInit(t *testing.T) {
	_, err := runtime.Default()
	require.Error(t, err)

	cfg := runtime.Config{Backends: []backends.Backend{kerneltest.NewBackend(t, "cpu")}, CacheDir: t.TempDir()}
	rt, err := runtime.Init(cfg)
	require.NoError(t, err)
	again, err := runtime.Init(runtime.Config{Backend: "invalid"})
	require.NoError(t, err, "later calls ignore the configuration")
	assert.Same(t, rt, again)
	assert.Same(t, rt, must.M1(runtime.Default()))

	require.NoError(t, rt.Close())
	_, err = runtime.Default()
	require.Error(t, err)
}
