// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"encoding/binary"
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/gomlx/gokernels/pkg/core/abi"
	"github.com/gomlx/gokernels/pkg/core/codegen"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// Args gives a Go kernel access to the parameters of a launch.
//
// Parameters are indexed in declaration order, starting at 0. For backward entry points the adjoints follow
// the forward parameters, see Adjoint.
type Args struct {
	bounds     abi.LaunchBounds
	params     *abi.ParamBlock
	layout     []paramLayout
	arrays     []ArrayRef
	numForward int
}

// newArgs decodes the parameter block and resolves every array parameter to the memory of device.
func newArgs(e *Entry, device string, bounds abi.LaunchBounds, params *abi.ParamBlock) (*Args, error) {
	if params.Len() != 1+len(e.layout) {
		return nil, errors.Errorf("entry %q expects %d parameters plus the launch bounds, got a block with %d",
			e.Symbol, len(e.layout), params.Len())
	}
	a := &Args{bounds: bounds, params: params, layout: e.layout, arrays: make([]ArrayRef, len(e.layout))}
	a.numForward = len(e.layout)
	if e.Pass == codegen.Backward {
		a.numForward /= 2
	}
	for ii, layout := range e.layout {
		raw := params.Bytes(ii + 1)
		switch layout.kind {
		case 'a':
			if len(raw) < abi.ArrayDescriptorSize {
				return nil, errors.Errorf("entry %q parameter #%d: array descriptor has %d bytes", e.Symbol, ii, len(raw))
			}
			desc := params.Array(ii + 1)
			ref := ArrayRef{Desc: desc, elemSize: layout.size}
			if !desc.IsNull() {
				data, err := memory.resolveOn(device, desc.Data, desc.Size()*layout.size)
				if err != nil {
					return nil, errors.WithMessagef(err, "entry %q parameter #%d", e.Symbol, ii)
				}
				ref.data = data
			}
			a.arrays[ii] = ref
		case 'v':
			if len(raw) < 4*layout.size {
				return nil, errors.Errorf("entry %q parameter #%d: vector has %d bytes, expected %d",
					e.Symbol, ii, len(raw), 4*layout.size)
			}
		case 's':
			if len(raw) < layout.size {
				return nil, errors.Errorf("entry %q parameter #%d: scalar has %d bytes, expected %d",
					e.Symbol, ii, len(raw), layout.size)
			}
		}
	}
	return a, nil
}

// Bounds of the launch.
func (a *Args) Bounds() abi.LaunchBounds { return a.bounds }

// Index returns the multi-dimensional thread index of the linear thread id.
func (a *Args) Index(tid int) [abi.MaxDims]int { return a.bounds.Index(tid) }

// NumParams returns the number of forward parameters of the kernel.
func (a *Args) NumParams() int { return a.numForward }

func (a *Args) raw(i int) []byte { return a.params.Bytes(i + 1) }

// Array returns the i-th parameter, which must be an array.
func (a *Args) Array(i int) *ArrayRef { return &a.arrays[i] }

// Adjoint returns the adjoint of the i-th array parameter, only available in backward entry points.
// It may be null (see ArrayRef.IsNull) if the array doesn't require gradients.
func (a *Args) Adjoint(i int) *ArrayRef { return &a.arrays[a.numForward+i] }

// AdjointFloat32 returns the adjoint of the i-th parameter, which must be a float32 scalar.
func (a *Args) AdjointFloat32(i int) float32 { return a.Float32(a.numForward + i) }

// Float32 returns the i-th parameter, which must be a float32 scalar.
func (a *Args) Float32(i int) float32 {
	return math.Float32frombits(binary.NativeEndian.Uint32(a.raw(i)))
}

// Float64 returns the i-th parameter, which must be a float64 scalar.
func (a *Args) Float64(i int) float64 {
	return math.Float64frombits(binary.NativeEndian.Uint64(a.raw(i)))
}

// Float16 returns the i-th parameter, which must be a float16 scalar.
func (a *Args) Float16(i int) float16.Float16 {
	return float16.Frombits(binary.NativeEndian.Uint16(a.raw(i)))
}

// Int32 returns the i-th parameter, which must be an int32 scalar.
func (a *Args) Int32(i int) int32 { return int32(binary.NativeEndian.Uint32(a.raw(i))) }

// Int64 returns the i-th parameter, which must be an int64 scalar.
func (a *Args) Int64(i int) int64 { return int64(binary.NativeEndian.Uint64(a.raw(i))) }

// Uint32 returns the i-th parameter, which must be a uint32 scalar.
func (a *Args) Uint32(i int) uint32 { return binary.NativeEndian.Uint32(a.raw(i)) }

// Bool returns the i-th parameter, which must be a bool scalar.
func (a *Args) Bool(i int) bool { return a.raw(i)[0] != 0 }

// Vector returns a copy of the components of the i-th parameter, which must be a fixed-size vector or matrix.
func (a *Args) Vector(i int) []float32 {
	n := a.layout[i].size
	raw := a.raw(i)
	values := make([]float32, n)
	for ii := range values {
		values[ii] = math.Float32frombits(binary.NativeEndian.Uint32(raw[4*ii:]))
	}
	return values
}

// ArrayRef is an array parameter resolved to its memory.
type ArrayRef struct {
	Desc     abi.ArrayDescriptor
	elemSize int
	data     []byte
}

// IsNull returns whether a null array was passed.
func (r *ArrayRef) IsNull() bool { return r.Desc.IsNull() }

// Len returns the total number of elements.
func (r *ArrayRef) Len() int { return r.Desc.Size() }

// Shape returns the dimensions of the array.
func (r *ArrayRef) Shape() []int {
	shape := make([]int, r.Desc.NDim)
	for ii := range shape {
		shape[ii] = int(r.Desc.Shape[ii])
	}
	return shape
}

// Bytes returns the raw memory of the array.
func (r *ArrayRef) Bytes() []byte { return r.data }

// Flat returns the memory of the array as a flat slice of T, which must match the element type of the array
// (for fixed-size vector elements use their component type: a vec3 array viewed as float32 has 3*Len() values).
//
// Null arrays return nil.
func Flat[T constraints.Integer | constraints.Float](r *ArrayRef) []T {
	if len(r.data) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*T)(unsafe.Pointer(&r.data[0])), len(r.data)/int(unsafe.Sizeof(zero)))
}

// Float32s is a shortcut to Flat[float32].
func (r *ArrayRef) Float32s() []float32 { return Flat[float32](r) }

// Int32s is a shortcut to Flat[int32].
func (r *ArrayRef) Int32s() []int32 { return Flat[int32](r) }

// Float64s is a shortcut to Flat[float64].
func (r *ArrayRef) Float64s() []float64 { return Flat[float64](r) }

// AtomicAddFloat32 adds v to the i-th float32 value and returns the previous value. It is a no-op on null arrays.
func (r *ArrayRef) AtomicAddFloat32(i int, v float32) float32 {
	if len(r.data) == 0 {
		return 0
	}
	addr := (*uint32)(unsafe.Pointer(&r.data[4*i]))
	for {
		old := atomic.LoadUint32(addr)
		updated := math.Float32bits(math.Float32frombits(old) + v)
		if atomic.CompareAndSwapUint32(addr, old, updated) {
			return math.Float32frombits(old)
		}
	}
}

// AtomicAddInt32 adds v to the i-th int32 value and returns the previous value. It is a no-op on null arrays.
func (r *ArrayRef) AtomicAddInt32(i int, v int32) int32 {
	if len(r.data) == 0 {
		return 0
	}
	addr := (*int32)(unsafe.Pointer(&r.data[4*i]))
	return atomic.AddInt32(addr, v) - v
}
