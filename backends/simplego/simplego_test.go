// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"context"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gokernels/backends"
	"github.com/gomlx/gokernels/pkg/core/abi"
	"github.com/gomlx/gokernels/pkg/core/codegen"
	"github.com/gomlx/gokernels/pkg/core/ktypes"
	"github.com/gomlx/gokernels/pkg/core/toolchain"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// addKernel computes out[i] = a[i] + b[i].
type addKernel struct{}

func (addKernel) Forward(tid int, args *Args) {
	a, b, out := args.Array(0).Float32s(), args.Array(1).Float32s(), args.Array(2).Float32s()
	out[tid] = a[tid] + b[tid]
}

func (addKernel) Backward(tid int, args *Args) {
	adjOut := args.Adjoint(2).Float32s()
	args.Adjoint(0).AtomicAddFloat32(tid, adjOut[tid])
	args.Adjoint(1).AtomicAddFloat32(tid, adjOut[tid])
}

// accumulateKernel computes out[i] += scale * a[i].
type accumulateKernel struct{}

func (accumulateKernel) Forward(tid int, args *Args) {
	args.Array(1).AtomicAddFloat32(tid, args.Float32(2)*args.Array(0).Float32s()[tid])
}

func (accumulateKernel) Backward(int, *Args) {}

// faultyKernel indexes out of bounds.
type faultyKernel struct{}

func (faultyKernel) Forward(tid int, args *Args) { _ = args.Array(0).Float32s()[tid+1000] }
func (faultyKernel) Backward(int, *Args)         {}

var floatArray = ktypes.Array(ktypes.Float, 1)

// buildProgram generates, builds and loads a program with the given kernels for the backend.
func buildProgram(t *testing.T, b *Backend, units ...codegen.Unit) backends.Program {
	target := codegen.Target(b.Device())
	gen := b.Generator()
	source := gen.Header(target)
	source += must.M1(gen.Function(codegen.Unit{Key: "helper"}, target))
	for _, unit := range units {
		source += must.M1(gen.Kernel(unit, target))
	}
	tc := must.M1(b.Toolchain())
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "module"+tc.SourceExt())
	require.NoError(t, os.WriteFile(srcPath, []byte(source), 0o644))
	outPath := filepath.Join(dir, "module"+tc.ArtifactExt())
	require.NoError(t, tc.Build(context.Background(), toolchain.Request{Name: "module", SourcePath: srcPath, OutputPath: outPath}))
	return must.M1(b.LoadProgram(outPath))
}

func addUnit() codegen.Unit {
	return codegen.Unit{Key: "add", Body: addKernel{}, Params: []codegen.Param{
		{Name: "a", Type: floatArray}, {Name: "b", Type: floatArray}, {Name: "out", Type: floatArray}}}
}

func accumulateUnit() codegen.Unit {
	return codegen.Unit{Key: "accumulate", Body: accumulateKernel{}, Params: []codegen.Param{
		{Name: "a", Type: floatArray}, {Name: "out", Type: floatArray}, {Name: "scale", Type: ktypes.Float}}}
}

func upload(t *testing.T, b *Backend, values []float32) uint64 {
	ptr := must.M1(b.Alloc(4 * len(values)))
	require.NoError(t, b.Upload(ptr, abi.EncodeFloat32s(values)))
	return ptr
}

func download(t *testing.T, b *Backend, ptr uint64, n int) []float32 {
	raw := make([]byte, 4*n)
	require.NoError(t, b.Download(raw, ptr))
	values := make([]float32, n)
	for ii := range values {
		values[ii] = math.Float32frombits(binary.NativeEndian.Uint32(raw[4*ii:]))
	}
	return values
}

func desc(ptr uint64, n int) abi.ArrayDescriptor {
	return abi.ArrayDescriptor{Data: ptr, Shape: [abi.MaxDims]int32{int32(n)}, NDim: 1}
}

func TestLaunchAdd(t *testing.T) {
	b := must.M1(NewBackend(backends.CPU, "parallelism=4"))
	defer func() { require.NoError(t, b.Close()) }()
	program := buildProgram(t, b, addUnit())

	const n = 1000
	a, bb := make([]float32, n), make([]float32, n)
	for ii := range n {
		a[ii] = float32(ii)
		bb[ii] = float32(2 * ii)
	}
	aPtr, bPtr, outPtr := upload(t, b, a), upload(t, b, bb), must.M1(b.Alloc(4*n))

	bounds := must.M1(abi.NewLaunchBounds(n))
	params := abi.NewParamBlock(0)
	params.PutBounds(bounds)
	params.PutArray(desc(aPtr, n))
	params.PutArray(desc(bPtr, n))
	params.PutArray(desc(outPtr, n))
	entry := must.M1(program.Symbol("add_cpu_forward"))
	require.NoError(t, b.Launch(entry, bounds, params))
	out := download(t, b, outPtr, n)
	for ii := range n {
		require.Equal(t, float32(3*ii), out[ii], "out[%d]", ii)
	}

	// Backward: adjoints follow the forward parameters; a null adjoint for b is allowed.
	adjA := upload(t, b, make([]float32, n))
	ones := make([]float32, n)
	for ii := range ones {
		ones[ii] = 1
	}
	adjOut := upload(t, b, ones)
	params = abi.NewParamBlock(0)
	params.PutBounds(bounds)
	for _, ptr := range []uint64{aPtr, bPtr, outPtr, adjA, 0, adjOut} {
		if ptr == 0 {
			params.PutArray(abi.ArrayDescriptor{})
			continue
		}
		params.PutArray(desc(ptr, n))
	}
	entry = must.M1(program.Symbol("add_cpu_backward"))
	require.NoError(t, b.Launch(entry, bounds, params))
	assert.Equal(t, ones, download(t, b, adjA, n))

	// Wrong number of parameters.
	require.Error(t, b.Launch(entry, bounds, abi.NewParamBlock(0)))

	_, err := program.Symbol("add_cuda_kernel_forward")
	require.Error(t, err)
	require.NoError(t, program.Unload())
	_, err = program.Symbol("add_cpu_forward")
	require.Error(t, err)

	for _, ptr := range []uint64{aPtr, bPtr, outPtr, adjA, adjOut} {
		require.NoError(t, b.Free(ptr, 4*n))
	}
}

func TestCopyPairings(t *testing.T) {
	cpu := must.M1(NewBackend(backends.CPU, ""))
	cuda := must.M1(NewBackend(backends.CUDA, ""))
	want := []float32{1, 2, 3, 4, 5}
	const nBytes = 4 * 5

	host := upload(t, cpu, want)
	host2 := must.M1(cpu.Alloc(nBytes))
	dev := must.M1(cuda.Alloc(nBytes))
	dev2 := must.M1(cuda.Alloc(nBytes))

	require.NoError(t, cpu.Memcpy(host2, host, nBytes, backends.HostToHost))
	assert.Equal(t, want, download(t, cpu, host2, 5))
	require.NoError(t, cuda.Memcpy(dev, host2, nBytes, backends.HostToDevice))
	require.NoError(t, cuda.Memcpy(dev2, dev, nBytes, backends.DeviceToDevice))
	require.NoError(t, cpu.Memset(host, 0, nBytes))
	require.NoError(t, cuda.Memcpy(host, dev2, nBytes, backends.DeviceToHost))
	assert.Equal(t, want, download(t, cpu, host, 5))

	// Device checks: a "cuda" address is not host memory.
	require.Error(t, cpu.Memcpy(host, dev, nBytes, backends.HostToHost))
	require.Error(t, cuda.Memcpy(dev, dev2, nBytes, backends.HostToDevice))
	require.Error(t, cpu.Download(make([]byte, nBytes), dev))

	// Overflowing the block.
	require.Error(t, cpu.Memcpy(host2, host, nBytes+4, backends.HostToHost))

	require.NoError(t, cpu.Free(host, nBytes))
	require.NoError(t, cpu.Free(host2, nBytes))
	require.Error(t, cpu.Free(dev, nBytes), "freeing memory of another device")
	require.NoError(t, cuda.Free(dev, nBytes))
	require.NoError(t, cuda.Free(dev2, nBytes))
	require.Error(t, cuda.Free(dev2, nBytes), "double free")
}

func TestCaptureReplay(t *testing.T) {
	cuda := must.M1(NewBackend(backends.CUDA, ""))
	program := buildProgram(t, cuda, accumulateUnit())
	const n = 300
	a := make([]float32, n)
	for ii := range a {
		a[ii] = float32(ii)
	}
	aPtr := upload(t, cuda, a)
	outPtr := upload(t, cuda, make([]float32, n))

	bounds := must.M1(abi.NewLaunchBounds(n))
	params := abi.NewParamBlock(0)
	params.PutBounds(bounds)
	params.PutArray(desc(aPtr, n))
	params.PutArray(desc(outPtr, n))
	params.PutValue(must.M1(abi.EncodeScalar(ktypes.Float.DType, float32(0.5))))
	entry := must.M1(program.Symbol("accumulate_cuda_kernel_forward"))

	require.NoError(t, cuda.CaptureBegin())
	require.Error(t, cuda.CaptureBegin(), "nested capture")
	require.NoError(t, cuda.Launch(entry, bounds, params))
	graph := must.M1(cuda.CaptureEnd())
	assert.Equal(t, 1, graph.(*Recording).Len())

	// Nothing ran during capture.
	assert.Equal(t, make([]float32, n), download(t, cuda, outPtr, n))

	require.NoError(t, cuda.GraphLaunch(graph))
	require.NoError(t, cuda.GraphLaunch(graph))
	out := download(t, cuda, outPtr, n)
	for ii := range n {
		require.Equal(t, float32(ii), out[ii])
	}
	require.NoError(t, cuda.GraphDestroy(graph))
	require.Error(t, cuda.GraphLaunch(graph))

	// Allocation during capture corrupts it.
	require.NoError(t, cuda.CaptureBegin())
	_, err := cuda.Alloc(16)
	require.Error(t, err)
	_, err = cuda.CaptureEnd()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Alloc not permitted while capturing")

	// So does synchronization.
	require.NoError(t, cuda.CaptureBegin())
	require.Error(t, cuda.Synchronize())
	_, err = cuda.CaptureEnd()
	require.Error(t, err)
	require.NoError(t, cuda.Synchronize())
}

func TestKernelFault(t *testing.T) {
	b := must.M1(NewBackend(backends.CPU, "parallelism=0"))
	program := buildProgram(t, b, codegen.Unit{Key: "faulty", Body: faultyKernel{},
		Params: []codegen.Param{{Name: "a", Type: floatArray}}})
	aPtr := upload(t, b, make([]float32, 4))
	bounds := must.M1(abi.NewLaunchBounds(4))
	params := abi.NewParamBlock(0)
	params.PutBounds(bounds)
	params.PutArray(desc(aPtr, 4))
	require.NoError(t, b.VerifyDevice())
	err := b.Launch(must.M1(program.Symbol("faulty_cpu_forward")), bounds, params)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "faulted")
	require.Error(t, b.VerifyDevice())
}

func TestProgramFromAnotherProcess(t *testing.T) {
	b := must.M1(NewBackend(backends.CPU, ""))
	dir := t.TempDir()
	path := filepath.Join(dir, "stale.gkcpu")
	source := manifestMagic + "\ntarget cpu\nentry k_cpu_forward 00000000-0000-0000-0000-000000000000 forward a4\n"
	require.NoError(t, os.WriteFile(path, []byte(source), 0o644))
	_, err := b.LoadProgram(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered in this process")

	// A program for another device doesn't build nor load.
	cudaPath := filepath.Join(dir, "other.gscuda")
	require.NoError(t, os.WriteFile(cudaPath, []byte(manifestMagic+"\ntarget cuda\n"), 0o644))
	tc := must.M1(b.Toolchain())
	err = tc.Build(context.Background(), toolchain.Request{Name: "m", SourcePath: cudaPath, OutputPath: filepath.Join(dir, "x.gkcpu")})
	require.Error(t, err)
	_, err = b.LoadProgram(cudaPath)
	require.Error(t, err)
}

func TestGeneratorRequiresGoKernel(t *testing.T) {
	_, err := generator{}.Kernel(codegen.Unit{Key: "k", Body: "not a kernel"}, codegen.CPU)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "simplego.Kernel")

	_, err = generator{}.Kernel(codegen.Unit{Key: "k", Body: addKernel{},
		Params: []codegen.Param{{Name: "r", Type: ktypes.Range}}}, codegen.CPU)
	require.Error(t, err)
}

func TestGeneratorReplacesKernels(t *testing.T) {
	b := must.M1(NewBackend(backends.CPU, ""))
	before := numRegisteredKernels()
	unit := addUnit()
	unit.Module = "physics"
	first := buildProgram(t, b, unit)
	second := buildProgram(t, b, unit)
	assert.Equal(t, before+1, numRegisteredKernels(), "regenerating a kernel replaces its registration")
	buildProgram(t, b, accumulateUnit())
	assert.Equal(t, before+2, numRegisteredKernels())

	// Programs already loaded keep their kernels.
	for _, program := range []backends.Program{first, second} {
		_, err := program.Symbol(codegen.EntryPoint("add", codegen.CPU, codegen.Forward))
		require.NoError(t, err)
	}
	require.NoError(t, b.Close())
	assert.Equal(t, before, numRegisteredKernels())
}

func TestNewConfig(t *testing.T) {
	b := must.M1(NewBackend(backends.CPU, "parallelism=3"))
	assert.Equal(t, 3, b.Parallelism())
	_, err := NewBackend(backends.CPU, "parallelism=x")
	require.Error(t, err)
	_, err = NewBackend(backends.CPU, "turbo")
	require.Error(t, err)
	_, err = NewBackend("tpu", "")
	require.Error(t, err)

	created, err := backends.New(BackendName, backends.CUDA, "")
	require.NoError(t, err)
	assert.Equal(t, backends.CUDA, created.Device())
}
