// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package alloc implements a pooled device memory allocator: blocks are bucketed by power-of-two size
// classes and reused, instead of being returned to the device on every free.
package alloc

import (
	"fmt"
	"math/bits"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MinBlockSize is the smallest size class, in bytes.
const MinBlockSize = 256

// Device is the primitive allocator the pool draws blocks from.
type Device interface {
	// Alloc returns the address of a newly allocated block of n bytes.
	Alloc(n int) (uint64, error)

	// Free returns a block previously allocated with Alloc(n).
	Free(ptr uint64, n int) error
}

// ClassSize returns the size class (in bytes) used to serve an allocation of n bytes:
// the smallest power of two >= max(n, MinBlockSize).
func ClassSize(n int) int {
	if n <= MinBlockSize {
		return MinBlockSize
	}
	return 1 << bits.Len(uint(n-1))
}

// Pool of device memory blocks bucketed by size class.
//
// It is safe for concurrent use.
type Pool struct {
	name   string
	device Device

	mu sync.Mutex
	// free lists of blocks per size class.
	free map[int][]uint64
	// outstanding maps every address handed out by Alloc to its size class.
	outstanding map[uint64]int

	hits, misses int
}

// New creates a pool drawing blocks from device. The name is used in logs and errors (usually the device token).
func New(name string, device Device) *Pool {
	return &Pool{
		name:        name,
		device:      device,
		free:        make(map[int][]uint64),
		outstanding: make(map[uint64]int),
	}
}

// Name of the pool.
func (p *Pool) Name() string { return p.name }

// Alloc returns a block of at least n bytes. Allocations of 0 bytes return the null address.
func (p *Pool) Alloc(n int) (uint64, error) {
	if n < 0 {
		return 0, errors.Errorf("%s: invalid allocation of %d bytes", p.name, n)
	}
	if n == 0 {
		return 0, nil
	}
	class := ClassSize(n)
	p.mu.Lock()
	defer p.mu.Unlock()
	if list := p.free[class]; len(list) > 0 {
		ptr := list[len(list)-1]
		p.free[class] = list[:len(list)-1]
		p.outstanding[ptr] = class
		p.hits++
		klog.V(3).Infof("%s: reused block 0x%x (%s) for %d bytes", p.name, ptr, humanize.IBytes(uint64(class)), n)
		return ptr, nil
	}
	ptr, err := p.device.Alloc(class)
	if err != nil {
		return 0, errors.WithMessagef(err, "%s: failed to allocate %s", p.name, humanize.IBytes(uint64(class)))
	}
	if ptr == 0 {
		return 0, errors.Errorf("%s: device returned a null block for %s", p.name, humanize.IBytes(uint64(class)))
	}
	p.outstanding[ptr] = class
	p.misses++
	klog.V(3).Infof("%s: allocated block 0x%x (%s) for %d bytes", p.name, ptr, humanize.IBytes(uint64(class)), n)
	return ptr, nil
}

// Free returns the block at ptr, allocated with Alloc(n), to the pool.
// Freeing the null address is a no-op. Freeing an unknown or already freed address is an error.
func (p *Pool) Free(ptr uint64, n int) error {
	if ptr == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	class, found := p.outstanding[ptr]
	if !found {
		return errors.Errorf("%s: free of unknown or already freed block 0x%x (%d bytes)", p.name, ptr, n)
	}
	if class != ClassSize(n) {
		return errors.Errorf("%s: free of block 0x%x with %d bytes, but it was allocated in the %s size class",
			p.name, ptr, n, humanize.IBytes(uint64(class)))
	}
	delete(p.outstanding, ptr)
	p.free[class] = append(p.free[class], ptr)
	return nil
}

// Owns returns whether ptr is an outstanding allocation of this pool.
func (p *Pool) Owns(ptr uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, found := p.outstanding[ptr]
	return found
}

// Clear returns every pooled (free) block to the device. Outstanding allocations are not affected.
func (p *Pool) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clearLocked()
}

func (p *Pool) clearLocked() error {
	var firstErr error
	var released int
	for class, list := range p.free {
		for _, ptr := range list {
			if err := p.device.Free(ptr, class); err != nil && firstErr == nil {
				firstErr = errors.WithMessagef(err, "%s: failed to release block 0x%x", p.name, ptr)
			}
			released += class
		}
	}
	p.free = make(map[int][]uint64)
	if released > 0 {
		klog.V(2).Infof("%s: released %s of pooled memory", p.name, humanize.IBytes(uint64(released)))
	}
	return firstErr
}

// Close releases every pooled block and every outstanding allocation. Outstanding allocations are leaks: they
// are logged and reported in the returned error.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.clearLocked()
	if len(p.outstanding) == 0 {
		return err
	}
	var leaked int
	for ptr, class := range p.outstanding {
		leaked += class
		if freeErr := p.device.Free(ptr, class); freeErr != nil && err == nil {
			err = errors.WithMessagef(freeErr, "%s: failed to release leaked block 0x%x", p.name, ptr)
		}
	}
	numLeaks := len(p.outstanding)
	p.outstanding = make(map[uint64]int)
	klog.Warningf("%s: %d allocations (%s) were not freed before closing", p.name, numLeaks, humanize.IBytes(uint64(leaked)))
	if err != nil {
		return err
	}
	return errors.Errorf("%s: %d allocations (%s) leaked", p.name, numLeaks, humanize.IBytes(uint64(leaked)))
}

// Stats of a pool.
type Stats struct {
	Name string

	// Outstanding allocations and their bytes (as size classes).
	Outstanding      int
	OutstandingBytes int

	// Pooled free blocks and their bytes.
	Pooled      int
	PooledBytes int

	// Hits are allocations served from the pool, misses are allocations served by the device.
	Hits, Misses int

	// PooledByClass maps size class to the number of free blocks.
	PooledByClass map[int]int
}

// Stats returns a snapshot of the pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Name: p.name, Hits: p.hits, Misses: p.misses, PooledByClass: make(map[int]int)}
	for _, class := range p.outstanding {
		s.Outstanding++
		s.OutstandingBytes += class
	}
	for class, list := range p.free {
		if len(list) == 0 {
			continue
		}
		s.Pooled += len(list)
		s.PooledBytes += class * len(list)
		s.PooledByClass[class] = len(list)
	}
	return s
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	classes := make([]int, 0, len(s.PooledByClass))
	for class := range s.PooledByClass {
		classes = append(classes, class)
	}
	sort.Ints(classes)
	var perClass string
	for _, class := range classes {
		perClass += fmt.Sprintf(" %s:%d", humanize.IBytes(uint64(class)), s.PooledByClass[class])
	}
	return fmt.Sprintf("%s: %d outstanding (%s), %d pooled (%s), %d hits, %d misses;%s",
		s.Name, s.Outstanding, humanize.IBytes(uint64(s.OutstandingBytes)),
		s.Pooled, humanize.IBytes(uint64(s.PooledBytes)), s.Hits, s.Misses, perClass)
}
