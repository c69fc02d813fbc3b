// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"sort"
	"sync"
	"unsafe"

	"github.com/gomlx/gokernels/backends"
	"github.com/pkg/errors"
)

// heapBase is the first address handed out: low addresses are never valid, so bugs that use small
// integers as pointers fail to resolve.
const heapBase = 1 << 32

// blockAlignment of every block address.
const blockAlignment = 256

// block of emulated device memory. The bytes are backed by a []uint64 so they are 8-byte aligned,
// which allows reinterpreting them as slices of any numeric type.
type block struct {
	base   uint64
	words  []uint64
	bytes  []byte
	device string
}

// addressSpace is shared by every Backend instance of the process, so copies between the "cpu" and an
// emulated "cuda" device work with plain addresses, the same way a unified virtual address space works.
type addressSpace struct {
	mu     sync.RWMutex
	next   uint64
	blocks []*block // Sorted by base.
}

var memory = &addressSpace{next: heapBase}

func (s *addressSpace) alloc(device string, n int) uint64 {
	numWords := (n + 7) / 8
	words := make([]uint64, numWords)
	var bytes []byte
	if numWords > 0 {
		bytes = unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := &block{base: s.next, words: words, bytes: bytes, device: device}
	span := (uint64(n) + blockAlignment - 1) / blockAlignment * blockAlignment
	s.next += max(span, blockAlignment)
	s.blocks = append(s.blocks, b)
	return b.base
}

// free the block starting at ptr, which must belong to device.
func (s *addressSpace) free(device string, ptr uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.find(ptr)
	if idx < 0 || s.blocks[idx].base != ptr {
		return 0, errors.Errorf("free of unknown address 0x%x", ptr)
	}
	b := s.blocks[idx]
	if b.device != device {
		return 0, errors.Errorf("free of address 0x%x on device %q, but it was allocated on %q", ptr, device, b.device)
	}
	s.blocks = append(s.blocks[:idx], s.blocks[idx+1:]...)
	return len(b.bytes), nil
}

// find returns the index of the block containing ptr, or -1. It must be called with s.mu held.
func (s *addressSpace) find(ptr uint64) int {
	idx := sort.Search(len(s.blocks), func(i int) bool { return s.blocks[i].base > ptr }) - 1
	if idx < 0 {
		return -1
	}
	b := s.blocks[idx]
	if ptr >= b.base+uint64(len(b.bytes)) {
		return -1
	}
	return idx
}

// resolve returns the n bytes starting at ptr and the device holding them.
func (s *addressSpace) resolve(ptr uint64, n int) ([]byte, string, error) {
	if ptr == 0 {
		return nil, "", errors.New("access to null address")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.find(ptr)
	if idx < 0 {
		return nil, "", errors.Errorf("access to invalid address 0x%x", ptr)
	}
	b := s.blocks[idx]
	offset := int(ptr - b.base)
	if offset+n > len(b.bytes) {
		return nil, "", errors.Errorf("access to %d bytes at 0x%x overflows its block of %d bytes at 0x%x",
			n, ptr, len(b.bytes), b.base)
	}
	return b.bytes[offset : offset+n], b.device, nil
}

// resolveOn is like resolve, but it also checks that the memory lives on device.
func (s *addressSpace) resolveOn(device string, ptr uint64, n int) ([]byte, error) {
	data, owner, err := s.resolve(ptr, n)
	if err != nil {
		return nil, err
	}
	if owner != device {
		return nil, errors.Errorf("address 0x%x is on device %q, expected %q", ptr, owner, device)
	}
	return data, nil
}

// Alloc implements backends.Backend.
func (b *Backend) Alloc(n int) (uint64, error) {
	if err := b.checkNotCapturing("Alloc"); err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.Errorf("%s: invalid allocation of %d bytes", b, n)
	}
	return memory.alloc(b.device, n), nil
}

// Free implements backends.Backend.
func (b *Backend) Free(ptr uint64, n int) error {
	size, err := memory.free(b.device, ptr)
	if err != nil {
		return errors.WithMessagef(err, "%s", b)
	}
	if size != n {
		return errors.Errorf("%s: free of 0x%x with %d bytes, but it was allocated with %d bytes", b, ptr, n, size)
	}
	return nil
}

// Memset implements backends.Backend.
func (b *Backend) Memset(ptr uint64, value byte, n int) error {
	if n == 0 {
		return nil
	}
	return b.enqueue(func() error {
		data, err := memory.resolveOn(b.device, ptr, n)
		if err != nil {
			return errors.WithMessagef(err, "%s: Memset", b)
		}
		for ii := range data {
			data[ii] = value
		}
		return nil
	})
}

// copyDevices returns the expected devices of destination and source for the copy kind.
func (b *Backend) copyDevices(kind backends.CopyKind) (dstDevice, srcDevice string, err error) {
	switch kind {
	case backends.HostToHost:
		return backends.CPU, backends.CPU, nil
	case backends.HostToDevice:
		return b.device, backends.CPU, nil
	case backends.DeviceToHost:
		return backends.CPU, b.device, nil
	case backends.DeviceToDevice:
		return b.device, b.device, nil
	}
	return "", "", errors.Errorf("%s: invalid copy kind %s", b, kind)
}

// Memcpy implements backends.Backend. Overlapping ranges are handled like memmove.
func (b *Backend) Memcpy(dst, src uint64, n int, kind backends.CopyKind) error {
	if n == 0 {
		return nil
	}
	dstDevice, srcDevice, err := b.copyDevices(kind)
	if err != nil {
		return err
	}
	return b.enqueue(func() error {
		dstData, err := memory.resolveOn(dstDevice, dst, n)
		if err != nil {
			return errors.WithMessagef(err, "%s: Memcpy(%s) destination", b, kind)
		}
		srcData, err := memory.resolveOn(srcDevice, src, n)
		if err != nil {
			return errors.WithMessagef(err, "%s: Memcpy(%s) source", b, kind)
		}
		copy(dstData, srcData)
		return nil
	})
}

// Upload implements backends.Backend.
func (b *Backend) Upload(dst uint64, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	if err := b.checkNotCapturing("Upload"); err != nil {
		return err
	}
	data, err := memory.resolveOn(b.device, dst, len(src))
	if err != nil {
		return errors.WithMessagef(err, "%s: Upload", b)
	}
	copy(data, src)
	return nil
}

// Download implements backends.Backend.
func (b *Backend) Download(dst []byte, src uint64) error {
	if len(dst) == 0 {
		return nil
	}
	if err := b.checkNotCapturing("Download"); err != nil {
		return err
	}
	data, err := memory.resolveOn(b.device, src, len(dst))
	if err != nil {
		return errors.WithMessagef(err, "%s: Download", b)
	}
	copy(dst, data)
	return nil
}
