// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package arrays defines Array, a typed and shaped buffer resident on one device.
//
// Arrays are created by the runtime (see runtime.Zeros, runtime.Empty, runtime.FromSlice), which owns
// their memory. Arrays wrapping memory owned elsewhere can be created with Wrap.
package arrays

import (
	"fmt"
	"slices"
	"sync"

	"github.com/gomlx/gokernels/pkg/core/abi"
	"github.com/gomlx/gokernels/pkg/core/ktypes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// ReleaseFn returns the memory of an array to its allocator. It is called at most once per array.
type ReleaseFn func(a *Array) error

// Array is a typed, shaped buffer on a device.
//
// The metadata is immutable; the memory is only accessed by kernels and by the runtime copy functions.
type Array struct {
	elem     ktypes.Type
	shape    []int
	size     int
	device   string
	ptr      uint64
	capacity int

	requiresGrad bool

	mu       sync.Mutex
	release  ReleaseFn
	released bool
}

// validate checks the element type and the shape, and returns the number of elements.
func validate(elem ktypes.Type, shape []int) (int, error) {
	if elem == nil || ktypes.ValueSize(elem) == 0 {
		return 0, errors.Errorf("invalid array element type %v", elem)
	}
	if len(shape) < 1 || len(shape) > abi.MaxDims {
		return 0, errors.Errorf("arrays must have between 1 and %d dimensions, got shape %v", abi.MaxDims, shape)
	}
	size := 1
	for _, dim := range shape {
		if dim < 0 {
			return 0, errors.Errorf("invalid negative dimension in shape %v", shape)
		}
		size *= dim
	}
	return size, nil
}

// New creates an array over memory at ptr with capacity bytes, owned by the array: release is called by
// Array.Release.
//
// Only the runtime should create owned arrays.
func New(elem ktypes.Type, shape []int, device string, ptr uint64, capacity int, release ReleaseFn) (*Array, error) {
	size, err := validate(elem, shape)
	if err != nil {
		return nil, err
	}
	if need := size * ktypes.ValueSize(elem); capacity < need {
		return nil, errors.Errorf("array of %s with shape %v needs %d bytes, capacity is only %d", elem, shape, need, capacity)
	}
	if ptr == 0 && size > 0 {
		return nil, errors.Errorf("array of %s with shape %v has a null pointer", elem, shape)
	}
	return &Array{
		elem:     elem,
		shape:    slices.Clone(shape),
		size:     size,
		device:   device,
		ptr:      ptr,
		capacity: capacity,
		release:  release,
	}, nil
}

// Wrap creates an array over memory it doesn't own, e.g. a buffer allocated by a native library. The memory
// must stay valid while the array is in use.
func Wrap(elem ktypes.Type, shape []int, device string, ptr uint64) (*Array, error) {
	size, err := validate(elem, shape)
	if err != nil {
		return nil, err
	}
	return New(elem, shape, device, ptr, size*ktypes.ValueSize(elem), nil)
}

// Elem returns the element type.
func (a *Array) Elem() ktypes.Type { return a.elem }

// DType of the scalar components of the elements: the element dtype for scalar arrays, Float32 for arrays
// of fixed-size vectors and matrices.
func (a *Array) DType() dtypes.DType {
	switch t := a.elem.(type) {
	case ktypes.ScalarType:
		return t.DType
	case *ktypes.VectorType:
		return t.Elem().DType
	}
	return dtypes.InvalidDType
}

// Type returns the kernel language type of the array.
func (a *Array) Type() *ktypes.ArrayType { return ktypes.Array(a.elem, len(a.shape)) }

// Shape returns a copy of the dimensions.
func (a *Array) Shape() []int { return slices.Clone(a.shape) }

// NDim returns the number of dimensions.
func (a *Array) NDim() int { return len(a.shape) }

// Len returns the total number of elements.
func (a *Array) Len() int { return a.size }

// ElemSize returns the size in bytes of one element.
func (a *Array) ElemSize() int { return ktypes.ValueSize(a.elem) }

// SizeBytes returns the number of bytes used by the elements.
func (a *Array) SizeBytes() int { return a.size * a.ElemSize() }

// Device where the memory lives.
func (a *Array) Device() string { return a.device }

// Ptr returns the address of the first element.
func (a *Array) Ptr() uint64 { return a.ptr }

// Capacity returns the number of bytes allocated, which may be larger than SizeBytes.
func (a *Array) Capacity() int { return a.capacity }

// IsOwner returns whether the array owns its memory.
func (a *Array) IsOwner() bool { return a.release != nil }

// RequiresGrad returns whether gradients are tracked for this array when replaying a tape.
func (a *Array) RequiresGrad() bool { return a.requiresGrad }

// SetRequiresGrad sets whether gradients are tracked for this array. It returns the array itself.
func (a *Array) SetRequiresGrad(requiresGrad bool) *Array {
	a.requiresGrad = requiresGrad
	return a
}

// Descriptor returns the by-value representation of the array passed to kernels.
func (a *Array) Descriptor() abi.ArrayDescriptor {
	d := abi.ArrayDescriptor{Data: a.ptr, NDim: int32(len(a.shape))}
	for ii := range d.Shape {
		d.Shape[ii] = 1
	}
	for ii, dim := range a.shape {
		d.Shape[ii] = int32(dim)
	}
	return d
}

// SameLayout returns whether b has the same element type and shape as a.
func (a *Array) SameLayout(b *Array) bool {
	return ktypes.Equal(a.elem, b.elem) && slices.Equal(a.shape, b.shape)
}

// String implements fmt.Stringer.
func (a *Array) String() string {
	grad := ""
	if a.requiresGrad {
		grad = ", requires_grad"
	}
	return fmt.Sprintf("array(%s%v, device=%s%s)", a.elem, a.shape, a.device, grad)
}

// IsReleased returns whether Release was called.
func (a *Array) IsReleased() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.released
}

// Release returns the memory of an owned array to its allocator. Releasing an array that doesn't own its
// memory only marks it as released. Releasing twice is an error.
func (a *Array) Release() error {
	a.mu.Lock()
	if a.released {
		a.mu.Unlock()
		return errors.Errorf("%s was already released", a)
	}
	a.released = true
	release := a.release
	a.mu.Unlock()
	if release == nil {
		return nil
	}
	return release(a)
}
