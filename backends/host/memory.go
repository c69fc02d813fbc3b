// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build linux || darwin

package host

import (
	"unsafe"

	"github.com/gomlx/gokernels/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Alloc implements backends.Backend.
func (b *Backend) Alloc(n int) (uint64, error) {
	if n <= 0 {
		return 0, errors.Errorf("%s: invalid allocation of %d bytes", b, n)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, errors.Errorf("%s: backend is closed", b)
	}
	ptr := uint64(b.libc.malloc(uintptr(n)))
	if ptr == 0 {
		return 0, errors.Errorf("%s: out of memory allocating %d bytes", b, n)
	}
	if b.allocated == nil {
		b.allocated = make(map[uint64]int)
	}
	b.allocated[ptr] = n
	klog.V(3).Infof("%s: malloc(%d)=0x%x", b, n, ptr)
	return ptr, nil
}

// Free implements backends.Backend.
func (b *Backend) Free(ptr uint64, n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	size, found := b.allocated[ptr]
	if !found {
		return errors.Errorf("%s: free of unknown address 0x%x", b, ptr)
	}
	if size != n {
		return errors.Errorf("%s: free of 0x%x with %d bytes, but it was allocated with %d bytes", b, ptr, n, size)
	}
	delete(b.allocated, ptr)
	b.libc.free(uintptr(ptr))
	return nil
}

// checkRange verifies [ptr, ptr+n) lies within one allocation of the backend.
func (b *Backend) checkRange(ptr uint64, n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for base, size := range b.allocated {
		if ptr >= base && ptr+uint64(n) <= base+uint64(size) {
			return nil
		}
	}
	return errors.Errorf("%s: address range [0x%x, +%d) is not allocated by this backend", b, ptr, n)
}

// Memset implements backends.Backend.
func (b *Backend) Memset(ptr uint64, value byte, n int) error {
	if n == 0 {
		return nil
	}
	if err := b.checkRange(ptr, n); err != nil {
		return err
	}
	b.libc.memset(uintptr(ptr), int32(value), uintptr(n))
	return nil
}

// Memcpy implements backends.Backend. Only host-to-host copies are served: copies involving the
// accelerator are the accelerator backend's job.
func (b *Backend) Memcpy(dst, src uint64, n int, kind backends.CopyKind) error {
	if kind != backends.HostToHost {
		return errors.Errorf("%s: copy of kind %s not supported", b, kind)
	}
	if n == 0 {
		return nil
	}
	if err := b.checkRange(dst, n); err != nil {
		return errors.WithMessage(err, "copy destination")
	}
	if err := b.checkRange(src, n); err != nil {
		return errors.WithMessage(err, "copy source")
	}
	b.libc.memmove(uintptr(dst), uintptr(src), uintptr(n))
	return nil
}

// Upload implements backends.Backend.
func (b *Backend) Upload(dst uint64, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	if err := b.checkRange(dst, len(src)); err != nil {
		return err
	}
	b.libc.memcpyFromGo(uintptr(dst), unsafe.Pointer(&src[0]), uintptr(len(src)))
	return nil
}

// Download implements backends.Backend.
func (b *Backend) Download(dst []byte, src uint64) error {
	if len(dst) == 0 {
		return nil
	}
	if err := b.checkRange(src, len(dst)); err != nil {
		return err
	}
	b.libc.memcpyToGo(unsafe.Pointer(&dst[0]), uintptr(src), uintptr(len(dst)))
	return nil
}
