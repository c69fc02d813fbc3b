// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build linux || darwin

// Package host implements a backend for the "cpu" device that runs native kernels compiled with the host
// C++ compiler.
//
// Memory is allocated with the C library, programs are shared libraries loaded with dlopen, and entry
// points are called directly with the packed parameter block. It doesn't require cgo: the C library and the
// programs are bound at runtime with purego.
package host

import (
	"fmt"
	"strings"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gokernels/backends"
	"github.com/gomlx/gokernels/pkg/core/toolchain"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in GOKERNELS_BACKEND to specify this backend.
const BackendName = "host"

func init() {
	backends.Register(BackendName, New)
}

// New constructs a host Backend. Only the "cpu" device is supported.
//
// The config is a ";" separated list of options:
//
//   - "cxx=<path>": host C++ compiler, by default $CXX or the first of g++, clang++ or c++ found.
//   - "include=<dir>": extra include directory for the kernels' support headers. It can be repeated.
func New(device, config string) (backends.Backend, error) {
	return NewBackend(device, config)
}

// NewBackend is like New, but it returns the concrete type.
func NewBackend(device, config string) (*Backend, error) {
	if device != backends.CPU {
		return nil, errors.Errorf("backend %q only serves device %q, not %q", BackendName, backends.CPU, device)
	}
	b := &Backend{}
	for _, option := range strings.Split(config, ";") {
		option = strings.TrimSpace(option)
		if option == "" {
			continue
		}
		key, value, _ := strings.Cut(option, "=")
		switch key {
		case "cxx":
			b.compilerPath = value
		case "include":
			b.includeDirs = append(b.includeDirs, value)
		default:
			return nil, errors.Errorf("backend %q: unknown configuration option %q", BackendName, option)
		}
	}
	var err error
	b.libc, err = loadLibC()
	if err != nil {
		return nil, errors.WithMessagef(err, "backend %q", BackendName)
	}
	return b, nil
}

// Backend implements backends.Backend for the host.
type Backend struct {
	libc         *libC
	compilerPath string
	includeDirs  []string

	mu        sync.Mutex
	compiler  *toolchain.HostCompiler
	allocated map[uint64]int
	closed    bool
}

var (
	_ backends.Backend      = (*Backend)(nil)
	_ backends.NativeMemory = (*Backend)(nil)
)

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// Device implements backends.Backend.
func (b *Backend) Device() string { return backends.CPU }

// String implements fmt.Stringer.
func (b *Backend) String() string { return fmt.Sprintf("%s(%s)", BackendName, backends.CPU) }

// Description implements backends.Backend.
func (b *Backend) Description() string {
	return fmt.Sprintf("native host kernels (%s)", b.libc.path)
}

// NativeMemory implements backends.NativeMemory.
func (b *Backend) NativeMemory() bool { return true }

// ArtifactExt implements backends.Backend: programs are shared libraries.
func (b *Backend) ArtifactExt() string { return toolchain.SharedLibraryExt() }

// Toolchain implements backends.Backend. The compiler is searched on first use.
func (b *Backend) Toolchain() (toolchain.Toolchain, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.compiler != nil {
		return b.compiler, nil
	}
	var compiler *toolchain.HostCompiler
	if b.compilerPath != "" {
		compiler = &toolchain.HostCompiler{Path: b.compilerPath}
	} else {
		var err error
		compiler, err = toolchain.FindHostCompiler()
		if err != nil {
			return nil, errors.WithMessagef(err, "backend %q", BackendName)
		}
	}
	compiler.IncludeDirs = append(compiler.IncludeDirs, b.includeDirs...)
	b.compiler = compiler
	return compiler, nil
}

// Synchronize implements backends.Backend. Host work is synchronous, so there is nothing to wait for.
func (b *Backend) Synchronize() error { return nil }

// Close implements backends.Backend. Memory still allocated is released.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if len(b.allocated) > 0 {
		klog.Warningf("%s: releasing %d allocations on close", b, len(b.allocated))
		for ptr := range b.allocated {
			b.libc.free(uintptr(ptr))
		}
		b.allocated = nil
	}
	return nil
}

// libC holds the C library functions used by the backend.
type libC struct {
	path   string
	handle uintptr

	malloc  func(n uintptr) uintptr
	free    func(ptr uintptr)
	memset  func(ptr uintptr, value int32, n uintptr) uintptr
	memmove func(dst, src uintptr, n uintptr) uintptr

	// memcpy bound with Go memory on one of the sides.
	memcpyFromGo func(dst uintptr, src unsafe.Pointer, n uintptr) uintptr
	memcpyToGo   func(dst unsafe.Pointer, src uintptr, n uintptr) uintptr
}

var (
	libcOnce   sync.Once
	libcShared *libC
	libcErr    error
)

// loadLibC opens the C library once per process.
func loadLibC() (*libC, error) {
	libcOnce.Do(func() {
		lib := &libC{path: libCPath}
		var err error
		lib.handle, err = purego.Dlopen(lib.path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			libcErr = errors.Wrapf(err, "failed to open the C library %q", lib.path)
			return
		}
		exception := exceptions.Try(func() {
			purego.RegisterLibFunc(&lib.malloc, lib.handle, "malloc")
			purego.RegisterLibFunc(&lib.free, lib.handle, "free")
			purego.RegisterLibFunc(&lib.memset, lib.handle, "memset")
			purego.RegisterLibFunc(&lib.memmove, lib.handle, "memmove")
			purego.RegisterLibFunc(&lib.memcpyFromGo, lib.handle, "memcpy")
			purego.RegisterLibFunc(&lib.memcpyToGo, lib.handle, "memcpy")
		})
		if exception != nil {
			libcErr = errors.Errorf("failed to bind the C library %q: %v", lib.path, exception)
			return
		}
		libcShared = lib
	})
	return libcShared, libcErr
}
