// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"unsafe"

	"github.com/gomlx/gokernels/backends"
	"github.com/gomlx/gokernels/pkg/core/arrays"
	"github.com/gomlx/gokernels/pkg/core/kerrors"
	"github.com/gomlx/gokernels/pkg/core/ktypes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Empty allocates an uninitialized array on the device.
func (rt *Runtime) Empty(elem ktypes.Type, shape []int, device string) (*arrays.Array, error) {
	d, err := rt.deviceFor("", device)
	if err != nil {
		return nil, err
	}
	if err := rt.checkCapture("", "allocation"); err != nil {
		return nil, err
	}
	size := ktypes.ValueSize(elem)
	if size == 0 {
		return nil, errors.Errorf("can't allocate array of %v: not a value type", elem)
	}
	numElements := 1
	for _, dim := range shape {
		numElements *= max(dim, 0)
	}
	numBytes := numElements * size
	ptr, err := d.pool.Alloc(numBytes)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Device, "", err, "memory allocation failed on device %q for %d bytes", device, numBytes)
	}
	a, err := arrays.New(elem, shape, device, ptr, numBytes, func(a *arrays.Array) error {
		return d.pool.Free(a.Ptr(), a.Capacity())
	})
	if err != nil {
		_ = d.pool.Free(ptr, numBytes)
		return nil, err
	}
	klog.V(2).Infof("allocated %s", a)
	return a, nil
}

// Zeros allocates a zero-initialized array on the device.
func (rt *Runtime) Zeros(elem ktypes.Type, shape []int, device string) (*arrays.Array, error) {
	a, err := rt.Empty(elem, shape, device)
	if err != nil {
		return nil, err
	}
	if err := rt.Fill(a, 0); err != nil {
		_ = a.Release()
		return nil, err
	}
	return a, nil
}

// ZerosLike allocates a zero-initialized array with the element type, shape, device and requires-grad flag
// of src.
func (rt *Runtime) ZerosLike(src *arrays.Array) (*arrays.Array, error) {
	a, err := rt.Zeros(src.Elem(), src.Shape(), src.Device())
	if err != nil {
		return nil, err
	}
	return a.SetRequiresGrad(src.RequiresGrad()), nil
}

// EmptyLike allocates an uninitialized array with the element type, shape and device of src.
func (rt *Runtime) EmptyLike(src *arrays.Array, requiresGrad bool) (*arrays.Array, error) {
	a, err := rt.Empty(src.Elem(), src.Shape(), src.Device())
	if err != nil {
		return nil, err
	}
	return a.SetRequiresGrad(requiresGrad), nil
}

// Clone allocates a copy of src on the same device.
func (rt *Runtime) Clone(src *arrays.Array) (*arrays.Array, error) {
	a, err := rt.Empty(src.Elem(), src.Shape(), src.Device())
	if err != nil {
		return nil, err
	}
	a.SetRequiresGrad(src.RequiresGrad())
	if err := rt.Copy(a, src, 0, 0, 0); err != nil {
		_ = a.Release()
		return nil, err
	}
	return a, nil
}

// Fill sets every byte of the array to value.
func (rt *Runtime) Fill(a *arrays.Array, value byte) error {
	d, err := rt.deviceFor("", a.Device())
	if err != nil {
		return err
	}
	if a.SizeBytes() == 0 {
		return nil
	}
	if err := d.backend.Memset(a.Ptr(), value, a.SizeBytes()); err != nil {
		return kerrors.Wrap(kerrors.Device, "", err, "memset of %s", a)
	}
	return nil
}

// Copy copies count elements of src, starting at element srcOffset, to dst starting at element dstOffset.
// A count <= 0 copies all of src. Offsets and counts are in elements of each array, and the copied ranges
// must be within the arrays.
//
// All pairings of "cpu" and "cuda" devices are supported. Copies involving "cuda" are asynchronous.
func (rt *Runtime) Copy(dst, src *arrays.Array, dstOffset, srcOffset, count int) error {
	if count <= 0 {
		count = src.Len()
	}
	numBytes := count * src.ElemSize()
	srcStart := srcOffset * src.ElemSize()
	dstStart := dstOffset * dst.ElemSize()
	if srcOffset < 0 || srcStart+numBytes > src.SizeBytes() {
		return kerrors.Launchf("", "trying to copy %d bytes from offset %d of a source of only %d bytes (%s)",
			numBytes, srcStart, src.SizeBytes(), src)
	}
	if dstOffset < 0 || dstStart+numBytes > dst.SizeBytes() {
		return kerrors.Launchf("", "trying to copy %d bytes to offset %d of a destination of only %d bytes (%s)",
			numBytes, dstStart, dst.SizeBytes(), dst)
	}
	if numBytes == 0 {
		return nil
	}
	return rt.copyBytes(dst.Device(), dst.Ptr()+uint64(dstStart), src.Device(), src.Ptr()+uint64(srcStart), numBytes)
}

// copyBytes copies between devices. The backend of the device side does the copy when the "cpu" and "cuda"
// backends share an address space, otherwise the data is staged through Go memory.
func (rt *Runtime) copyBytes(dstDevice string, dst uint64, srcDevice string, src uint64, n int) error {
	dstD, err := rt.deviceFor("", dstDevice)
	if err != nil {
		return err
	}
	srcD, err := rt.deviceFor("", srcDevice)
	if err != nil {
		return err
	}
	kind := backends.CopyKindFor(dstDevice, srcDevice)
	executor := dstD
	if srcDevice != CPU {
		executor = srcD
	}
	if kind == backends.HostToHost || kind == backends.DeviceToDevice || rt.sharedAddressSpace() {
		if err := executor.backend.Memcpy(dst, src, n, kind); err != nil {
			return kerrors.Wrap(kerrors.Device, "", err, "copy %s of %d bytes", kind, n)
		}
		return nil
	}
	staging := make([]byte, n)
	if err := srcD.backend.Download(staging, src); err != nil {
		return kerrors.Wrap(kerrors.Device, "", err, "copy %s of %d bytes", kind, n)
	}
	if err := dstD.backend.Upload(dst, staging); err != nil {
		return kerrors.Wrap(kerrors.Device, "", err, "copy %s of %d bytes", kind, n)
	}
	return nil
}

// sharedAddressSpace returns whether host addresses of the "cpu" backend can be given to the "cuda"
// backend: either both are the same backend kind, or the "cpu" backend uses process memory and the "cuda"
// backend is the CUDA driver.
func (rt *Runtime) sharedAddressSpace() bool {
	cpu, cuda := rt.device(CPU), rt.device(CUDA)
	if cpu == nil || cuda == nil {
		return false
	}
	if cpu.backend.Name() == cuda.backend.Name() {
		return true
	}
	native, ok := cpu.backend.(backends.NativeMemory)
	return ok && native.NativeMemory() && cuda.backend.Name() == "cuda"
}

// Upload copies raw bytes from Go memory into the array, starting at its first byte.
func (rt *Runtime) Upload(dst *arrays.Array, data []byte) error {
	if len(data) > dst.SizeBytes() {
		return kerrors.Launchf("", "can't upload %d bytes into %s, with only %d bytes", len(data), dst, dst.SizeBytes())
	}
	d, err := rt.deviceFor("", dst.Device())
	if err != nil {
		return err
	}
	if err := rt.checkCapture("", "upload"); err != nil {
		return err
	}
	if err := d.backend.Upload(dst.Ptr(), data); err != nil {
		return kerrors.Wrap(kerrors.Device, "", err, "upload to %s", dst)
	}
	return nil
}

// Download copies the raw bytes of the array into Go memory. It waits for outstanding work on the array's
// device.
func (rt *Runtime) Download(src *arrays.Array) ([]byte, error) {
	d, err := rt.deviceFor("", src.Device())
	if err != nil {
		return nil, err
	}
	if err := rt.checkCapture("", "download"); err != nil {
		return nil, err
	}
	data := make([]byte, src.SizeBytes())
	if err := d.backend.Download(data, src.Ptr()); err != nil {
		return nil, kerrors.Wrap(kerrors.Device, "", err, "download from %s", src)
	}
	return data, nil
}

// Element is a Go type that can be stored in arrays.
type Element interface {
	bool | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float32 | float64
}

func bytesOf[T Element](values []T) []byte {
	if len(values) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&values[0])), len(values)*int(unsafe.Sizeof(zero)))
}

// FromSlice creates an array on the device with the given values. If no shape is given, the array is 1D with
// len(values) elements.
//
// For arrays of fixed-size vectors and matrices use FromVectors.
func FromSlice[T Element](rt *Runtime, values []T, device string, shape ...int) (*arrays.Array, error) {
	elem := ktypes.Scalar(dtypes.FromGenericsType[T]())
	if len(shape) == 0 {
		shape = []int{len(values)}
	}
	a, err := rt.Empty(elem, shape, device)
	if err != nil {
		return nil, err
	}
	if a.Len() != len(values) {
		_ = a.Release()
		return nil, errors.Errorf("shape %v has %d elements, but %d values were given", shape, a.Len(), len(values))
	}
	if err := rt.Upload(a, bytesOf(values)); err != nil {
		_ = a.Release()
		return nil, err
	}
	return a, nil
}

// FromVectors creates an array of fixed-size vectors (or matrices) with the given flat components.
// If no shape is given, the array is 1D with len(values)/elem.Length() elements.
func FromVectors(rt *Runtime, elem *ktypes.VectorType, values []float32, device string, shape ...int) (*arrays.Array, error) {
	if len(values)%elem.Length() != 0 {
		return nil, errors.Errorf("%d values is not a multiple of the %d components of %s", len(values), elem.Length(), elem)
	}
	if len(shape) == 0 {
		shape = []int{len(values) / elem.Length()}
	}
	a, err := rt.Empty(elem, shape, device)
	if err != nil {
		return nil, err
	}
	if a.Len()*elem.Length() != len(values) {
		_ = a.Release()
		return nil, errors.Errorf("shape %v of %s needs %d values, %d were given", shape, elem, a.Len()*elem.Length(), len(values))
	}
	if err := rt.Upload(a, bytesOf(values)); err != nil {
		_ = a.Release()
		return nil, err
	}
	return a, nil
}

// ToSlice downloads the contents of the array as a flat slice of T, which must be the dtype of its scalar
// components (see arrays.Array.DType).
func ToSlice[T Element](rt *Runtime, a *arrays.Array) ([]T, error) {
	dtype := dtypes.FromGenericsType[T]()
	if dtype != a.DType() {
		return nil, errors.Errorf("can't read %s as %s values", a, dtype)
	}
	data, err := rt.Download(a)
	if err != nil {
		return nil, err
	}
	values := make([]T, len(data)/dtype.Size())
	copy(bytesOf(values), data)
	return values, nil
}
