// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package abi defines the native calling convention of compiled kernel entry points: the array
// descriptor, the launch bounds and the packed parameter block.
//
// Every entry point receives a single pointer to an array of pointers, one per packed parameter, the
// first one always pointing to the LaunchBounds. This is the same layout the CUDA driver expects
// for kernel parameters, so both backends share it.
package abi

import (
	"encoding/binary"
	"math"
	"runtime"
	"unsafe"

	"github.com/gomlx/gokernels/pkg/core/ktypes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// MaxDims is the maximum rank of arrays and of launch bounds.
const MaxDims = ktypes.MaxDims

// ArrayDescriptor is the by-value representation of an array passed to a kernel.
//
// It matches the C layout { uint64_t data; int32_t shape[4]; int32_t ndim; } (with 4 bytes of padding).
type ArrayDescriptor struct {
	Data  uint64
	Shape [MaxDims]int32
	NDim  int32
}

// ArrayDescriptorSize is the size in bytes of a packed ArrayDescriptor.
const ArrayDescriptorSize = 32

// IsNull returns whether the descriptor refers to no array.
func (d ArrayDescriptor) IsNull() bool { return d.Data == 0 }

// Size returns the number of elements described.
func (d ArrayDescriptor) Size() int {
	if d.NDim == 0 {
		return 0
	}
	n := 1
	for ii := range int(d.NDim) {
		n *= int(d.Shape[ii])
	}
	return n
}

// LaunchBounds describes the thread extent of a launch. Unused dimensions are set to 1.
type LaunchBounds struct {
	Shape [MaxDims]int32
	NDim  int32
	Size  int32
}

// LaunchBoundsSize is the size in bytes of packed LaunchBounds.
const LaunchBoundsSize = 24

// NewLaunchBounds creates the bounds for the given extents, which must have between 1 and MaxDims values.
func NewLaunchBounds(dims ...int) (LaunchBounds, error) {
	var b LaunchBounds
	if len(dims) == 0 || len(dims) > MaxDims {
		return b, errors.Errorf("launch dimensions must have between 1 and %d values, got %v", MaxDims, dims)
	}
	size := 1
	for ii := range MaxDims {
		b.Shape[ii] = 1
		if ii >= len(dims) {
			continue
		}
		dim := dims[ii]
		if dim < 0 {
			return b, errors.Errorf("launch dimensions must be non-negative, got %v", dims)
		}
		if dim > math.MaxInt32 || (dim != 0 && size > math.MaxInt32/dim) {
			return b, errors.Errorf("launch dimensions %v exceed the maximum number of threads %d", dims, math.MaxInt32)
		}
		b.Shape[ii] = int32(dim)
		size *= dim
	}
	b.NDim = int32(len(dims))
	b.Size = int32(size)
	return b, nil
}

// Index returns the multi-dimensional thread index for the linear thread id tid.
func (b LaunchBounds) Index(tid int) [MaxDims]int {
	var idx [MaxDims]int
	for ii := int(b.NDim) - 1; ii >= 0; ii-- {
		dim := int(b.Shape[ii])
		idx[ii] = tid % dim
		tid /= dim
	}
	return idx
}

const paramAlignment = 8

// ParamBlock holds a packed list of kernel parameters in a single buffer, plus the list of pointers to each
// of them that is handed to the entry point.
//
// Values are copied into the block, so the native call observes a private copy.
type ParamBlock struct {
	buf     []byte
	offsets []int
}

// NewParamBlock creates an empty block with room for the given number of bytes.
func NewParamBlock(capacity int) *ParamBlock {
	return &ParamBlock{buf: make([]byte, 0, capacity)}
}

// Len returns the number of parameters packed.
func (p *ParamBlock) Len() int { return len(p.offsets) }

// Bytes returns the raw bytes of the i-th parameter.
func (p *ParamBlock) Bytes(i int) []byte {
	start := p.offsets[i]
	end := len(p.buf)
	if i+1 < len(p.offsets) {
		end = p.offsets[i+1]
	}
	return p.buf[start:end]
}

// reserve appends an aligned slot of n bytes and returns it.
func (p *ParamBlock) reserve(n int) []byte {
	start := (len(p.buf) + paramAlignment - 1) / paramAlignment * paramAlignment
	for len(p.buf) < start {
		p.buf = append(p.buf, 0)
	}
	p.offsets = append(p.offsets, start)
	p.buf = append(p.buf, make([]byte, n)...)
	return p.buf[start : start+n]
}

// PutBounds appends the launch bounds.
func (p *ParamBlock) PutBounds(b LaunchBounds) {
	slot := p.reserve(LaunchBoundsSize)
	for ii := range MaxDims {
		binary.NativeEndian.PutUint32(slot[4*ii:], uint32(b.Shape[ii]))
	}
	binary.NativeEndian.PutUint32(slot[16:], uint32(b.NDim))
	binary.NativeEndian.PutUint32(slot[20:], uint32(b.Size))
}

// PutArray appends an array descriptor.
func (p *ParamBlock) PutArray(d ArrayDescriptor) {
	slot := p.reserve(ArrayDescriptorSize)
	binary.NativeEndian.PutUint64(slot, d.Data)
	for ii := range MaxDims {
		binary.NativeEndian.PutUint32(slot[8+4*ii:], uint32(d.Shape[ii]))
	}
	binary.NativeEndian.PutUint32(slot[24:], uint32(d.NDim))
}

// PutValue appends a value already encoded in its native representation.
func (p *ParamBlock) PutValue(raw []byte) {
	slot := p.reserve(len(raw))
	copy(slot, raw)
}

// Bounds decodes the launch bounds stored as the i-th parameter.
func (p *ParamBlock) Bounds(i int) LaunchBounds {
	slot := p.Bytes(i)
	var b LaunchBounds
	for ii := range MaxDims {
		b.Shape[ii] = int32(binary.NativeEndian.Uint32(slot[4*ii:]))
	}
	b.NDim = int32(binary.NativeEndian.Uint32(slot[16:]))
	b.Size = int32(binary.NativeEndian.Uint32(slot[20:]))
	return b
}

// Array decodes the array descriptor stored as the i-th parameter.
func (p *ParamBlock) Array(i int) ArrayDescriptor {
	slot := p.Bytes(i)
	var d ArrayDescriptor
	d.Data = binary.NativeEndian.Uint64(slot)
	for ii := range MaxDims {
		d.Shape[ii] = int32(binary.NativeEndian.Uint32(slot[8+4*ii:]))
	}
	d.NDim = int32(binary.NativeEndian.Uint32(slot[24:]))
	return d
}

// Clone returns a deep copy of the block.
func (p *ParamBlock) Clone() *ParamBlock {
	return &ParamBlock{
		buf:     append([]byte(nil), p.buf...),
		offsets: append([]int(nil), p.offsets...),
	}
}

// Pointers returns the array of addresses of each parameter, as expected by the entry points, and pins the
// block memory with pinner so it can be handed to native code. The caller must call pinner.Unpin() once
// the call returns.
func (p *ParamBlock) Pointers(pinner *runtime.Pinner) []uintptr {
	if len(p.buf) == 0 {
		return nil
	}
	pinner.Pin(&p.buf[0])
	ptrs := make([]uintptr, len(p.offsets))
	for ii, offset := range p.offsets {
		ptrs[ii] = uintptr(unsafe.Pointer(&p.buf[offset]))
	}
	pinner.Pin(&ptrs[0])
	return ptrs
}

// EncodeScalar returns the native representation of value, which must already hold the Go type
// corresponding to dtype (float16.Float16 for Float16).
func EncodeScalar(dtype dtypes.DType, value any) ([]byte, error) {
	if got := goTypeDType(value); got != dtype {
		return nil, errors.Errorf("cannot encode value of type %T as %s", value, dtype)
	}
	raw := make([]byte, dtype.Size())
	switch v := value.(type) {
	case bool:
		if v {
			raw[0] = 1
		}
	case int8:
		raw[0] = byte(v)
	case uint8:
		raw[0] = v
	case int16:
		binary.NativeEndian.PutUint16(raw, uint16(v))
	case uint16:
		binary.NativeEndian.PutUint16(raw, v)
	case int32:
		binary.NativeEndian.PutUint32(raw, uint32(v))
	case uint32:
		binary.NativeEndian.PutUint32(raw, v)
	case int64:
		binary.NativeEndian.PutUint64(raw, uint64(v))
	case uint64:
		binary.NativeEndian.PutUint64(raw, v)
	case float16.Float16:
		binary.NativeEndian.PutUint16(raw, v.Bits())
	case float32:
		binary.NativeEndian.PutUint32(raw, math.Float32bits(v))
	case float64:
		binary.NativeEndian.PutUint64(raw, math.Float64bits(v))
	}
	return raw, nil
}

func goTypeDType(value any) dtypes.DType {
	switch value.(type) {
	case bool:
		return dtypes.Bool
	case int8:
		return dtypes.Int8
	case uint8:
		return dtypes.Uint8
	case int16:
		return dtypes.Int16
	case uint16:
		return dtypes.Uint16
	case int32:
		return dtypes.Int32
	case uint32:
		return dtypes.Uint32
	case int64:
		return dtypes.Int64
	case uint64:
		return dtypes.Uint64
	case float16.Float16:
		return dtypes.Float16
	case float32:
		return dtypes.Float32
	case float64:
		return dtypes.Float64
	}
	return dtypes.InvalidDType
}

// EncodeFloat32s returns the native representation of the float32 components of a fixed-size value.
func EncodeFloat32s(values []float32) []byte {
	raw := make([]byte, 4*len(values))
	for ii, v := range values {
		binary.NativeEndian.PutUint32(raw[4*ii:], math.Float32bits(v))
	}
	return raw
}
