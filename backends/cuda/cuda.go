// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build linux

// Package cuda implements a backend for the "cuda" device using the CUDA driver API, bound at runtime
// with purego (no cgo). Programs are PTX modules compiled with nvcc.
//
// Each backend owns a context and one non-blocking stream: launches, memsets and copies are queued on the
// stream in issue order and Synchronize waits for them. Graph capture uses stream capture.
package cuda

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	"github.com/gomlx/gokernels/backends"
	"github.com/gomlx/gokernels/pkg/core/abi"
	"github.com/gomlx/gokernels/pkg/core/toolchain"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in GOKERNELS_BACKEND to specify this backend.
const BackendName = "cuda"

// ThreadsPerBlock of every launch.
const ThreadsPerBlock = 256

func init() {
	backends.Register(BackendName, New)
}

// New constructs a CUDA Backend. Only the "cuda" device is supported.
//
// The config is a ";" separated list of options:
//
//   - "device=<n>": ordinal of the GPU to use, default 0.
//   - "arch=<sm_XX>": architecture passed to nvcc, default sm_70.
//   - "nvcc=<path>": nvcc to use, by default searched in the CUDA toolkit.
//   - "include=<dir>": extra include directory for the kernels' support headers. It can be repeated.
func New(device, config string) (backends.Backend, error) {
	return NewBackend(device, config)
}

// NewBackend is like New, but it returns the concrete type.
func NewBackend(device, config string) (*Backend, error) {
	if device != backends.CUDA {
		return nil, errors.Errorf("backend %q only serves device %q, not %q", BackendName, backends.CUDA, device)
	}
	b := &Backend{arch: "sm_70", allocated: make(map[uint64]int)}
	for _, option := range strings.Split(config, ";") {
		option = strings.TrimSpace(option)
		if option == "" {
			continue
		}
		key, value, _ := strings.Cut(option, "=")
		switch key {
		case "device":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, errors.Errorf("backend %q: invalid device ordinal %q", BackendName, value)
			}
			b.ordinal = n
		case "arch":
			b.arch = value
		case "nvcc":
			b.nvccPath = value
		case "include":
			b.includeDirs = append(b.includeDirs, value)
		default:
			return nil, errors.Errorf("backend %q: unknown configuration option %q", BackendName, option)
		}
	}

	d, err := loadDriver()
	if err != nil {
		return nil, errors.WithMessagef(err, "backend %q", BackendName)
	}
	b.drv = d
	var count int32
	if err := check("cuDeviceGetCount", d.cuDeviceGetCount(&count)); err != nil {
		return nil, err
	}
	if b.ordinal >= int(count) {
		return nil, errors.Errorf("backend %q: device %d requested, but only %d CUDA devices available",
			BackendName, b.ordinal, count)
	}
	if err := check(fmt.Sprintf("cuDeviceGet(%d)", b.ordinal), d.cuDeviceGet(&b.cuDevice, int32(b.ordinal))); err != nil {
		return nil, err
	}
	nameBuf := make([]byte, 256)
	if d.cuDeviceGetName(&nameBuf[0], int32(len(nameBuf)), b.cuDevice) == cudaSuccess {
		b.deviceName = strings.TrimRight(string(nameBuf), "\x00")
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := check("cuCtxCreate", d.cuCtxCreate(&b.ctx, 0, b.cuDevice)); err != nil {
		return nil, err
	}
	if err := check("cuStreamCreate", d.cuStreamCreate(&b.stream, streamNonBlocking)); err != nil {
		_ = d.cuCtxDestroy(b.ctx)
		return nil, err
	}
	klog.V(1).Infof("%s: using %q", b, b.deviceName)
	return b, nil
}

// Backend implements backends.Backend for a CUDA GPU.
type Backend struct {
	drv         *driver
	ordinal     int
	cuDevice    int32
	deviceName  string
	arch        string
	nvccPath    string
	includeDirs []string

	// mu serializes access to the context and stream.
	mu        sync.Mutex
	ctx       uintptr
	stream    uintptr
	nvcc      *toolchain.NVCC
	allocated map[uint64]int
	capturing bool
	corrupted error
	verifyErr error
	closed    bool
}

var (
	_ backends.Backend  = (*Backend)(nil)
	_ backends.Capturer = (*Backend)(nil)
	_ backends.Verifier = (*Backend)(nil)
)

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// Device implements backends.Backend.
func (b *Backend) Device() string { return backends.CUDA }

// String implements fmt.Stringer.
func (b *Backend) String() string { return fmt.Sprintf("%s(%d)", BackendName, b.ordinal) }

// Description implements backends.Backend.
func (b *Backend) Description() string {
	return fmt.Sprintf("CUDA device %d: %s (%s)", b.ordinal, b.deviceName, b.drv.path)
}

// do runs fn with the backend's context current on a locked OS thread, and with the backend lock held.
func (b *Backend) do(fn func() error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.Errorf("%s: backend is closed", b)
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := check("cuCtxSetCurrent", b.drv.cuCtxSetCurrent(b.ctx)); err != nil {
		return errors.WithMessagef(err, "%s", b)
	}
	return fn()
}

// forbidDuringCapture marks an active capture corrupted. It must be called with the lock held.
func (b *Backend) forbidDuringCapture(op string) error {
	if !b.capturing {
		return nil
	}
	if b.corrupted == nil {
		b.corrupted = errors.Errorf("%s called during capture", op)
	}
	return errors.Errorf("%s: %s not allowed during graph capture", b, op)
}

// ArtifactExt implements backends.Backend: programs are PTX modules.
func (b *Backend) ArtifactExt() string { return toolchain.PTXExt }

// Toolchain implements backends.Backend. nvcc is searched on first use.
func (b *Backend) Toolchain() (toolchain.Toolchain, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nvcc != nil {
		return b.nvcc, nil
	}
	nvcc := &toolchain.NVCC{Path: b.nvccPath}
	if nvcc.Path == "" {
		var err error
		nvcc, err = toolchain.FindNVCC()
		if err != nil {
			return nil, errors.WithMessagef(err, "%s", b)
		}
	}
	nvcc.Arch = b.arch
	nvcc.IncludeDirs = append(nvcc.IncludeDirs, b.includeDirs...)
	b.nvcc = nvcc
	return nvcc, nil
}

// Alloc implements backends.Backend.
func (b *Backend) Alloc(n int) (uint64, error) {
	if n <= 0 {
		return 0, errors.Errorf("%s: invalid allocation of %d bytes", b, n)
	}
	var ptr uint64
	err := b.do(func() error {
		if err := b.forbidDuringCapture("Alloc"); err != nil {
			return err
		}
		if err := check(fmt.Sprintf("cuMemAlloc(%d)", n), b.drv.cuMemAlloc(&ptr, uintptr(n))); err != nil {
			return errors.WithMessagef(err, "%s", b)
		}
		b.allocated[ptr] = n
		return nil
	})
	return ptr, err
}

// Free implements backends.Backend.
func (b *Backend) Free(ptr uint64, n int) error {
	return b.do(func() error {
		size, found := b.allocated[ptr]
		if !found {
			return errors.Errorf("%s: free of unknown address 0x%x", b, ptr)
		}
		if size != n {
			return errors.Errorf("%s: free of 0x%x with %d bytes, but it was allocated with %d bytes", b, ptr, n, size)
		}
		delete(b.allocated, ptr)
		return errors.WithMessagef(check("cuMemFree", b.drv.cuMemFree(ptr)), "%s", b)
	})
}

// Memset implements backends.Backend.
func (b *Backend) Memset(ptr uint64, value byte, n int) error {
	if n == 0 {
		return nil
	}
	return b.do(func() error {
		return errors.WithMessagef(check("cuMemsetD8Async", b.drv.cuMemsetD8Async(ptr, value, uintptr(n), b.stream)), "%s", b)
	})
}

// Memcpy implements backends.Backend. Host addresses must be native pointers (see backends.NativeMemory).
func (b *Backend) Memcpy(dst, src uint64, n int, kind backends.CopyKind) error {
	if n == 0 {
		return nil
	}
	return b.do(func() error {
		var r result
		call := "cuMemcpyAsync"
		switch kind {
		case backends.DeviceToDevice:
			call = "cuMemcpyDtoDAsync"
			r = b.drv.cuMemcpyDtoDAsync(dst, src, uintptr(n), b.stream)
		default:
			// Unified addressing lets the driver infer the direction.
			r = b.drv.cuMemcpyAsync(dst, src, uintptr(n), b.stream)
		}
		return errors.WithMessagef(check(call, r), "%s: %s copy of %d bytes", b, kind, n)
	})
}

// Upload implements backends.Backend. It waits for the copy to finish.
func (b *Backend) Upload(dst uint64, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	return b.do(func() error {
		if err := b.forbidDuringCapture("Upload"); err != nil {
			return err
		}
		var pinner runtime.Pinner
		defer pinner.Unpin()
		pinner.Pin(&src[0])
		if err := check("cuMemcpyHtoDAsync", b.drv.cuMemcpyHtoDAsync(dst, unsafe.Pointer(&src[0]), uintptr(len(src)), b.stream)); err != nil {
			return errors.WithMessagef(err, "%s", b)
		}
		return errors.WithMessagef(check("cuStreamSynchronize", b.drv.cuStreamSynchronize(b.stream)), "%s", b)
	})
}

// Download implements backends.Backend. It waits for all queued work and the copy to finish.
func (b *Backend) Download(dst []byte, src uint64) error {
	if len(dst) == 0 {
		return nil
	}
	return b.do(func() error {
		if err := b.forbidDuringCapture("Download"); err != nil {
			return err
		}
		var pinner runtime.Pinner
		defer pinner.Unpin()
		pinner.Pin(&dst[0])
		if err := check("cuMemcpyDtoHAsync", b.drv.cuMemcpyDtoHAsync(unsafe.Pointer(&dst[0]), src, uintptr(len(dst)), b.stream)); err != nil {
			return errors.WithMessagef(err, "%s", b)
		}
		return errors.WithMessagef(check("cuStreamSynchronize", b.drv.cuStreamSynchronize(b.stream)), "%s", b)
	})
}

// Synchronize implements backends.Backend.
func (b *Backend) Synchronize() error {
	return b.do(func() error {
		if err := b.forbidDuringCapture("Synchronize"); err != nil {
			return err
		}
		return errors.WithMessagef(check("cuStreamSynchronize", b.drv.cuStreamSynchronize(b.stream)), "%s", b)
	})
}

// VerifyDevice implements backends.Verifier: it reports a context change observed in the last launch, or
// a sticky error flagged on the stream.
func (b *Backend) VerifyDevice() error {
	return b.do(func() error {
		if b.verifyErr != nil {
			err := b.verifyErr
			b.verifyErr = nil
			return err
		}
		if r := b.drv.cuStreamQuery(b.stream); r != cudaSuccess && r != cudaNotReady {
			return errors.Errorf("%s: device error flagged: %s", b, r)
		}
		return nil
	})
}

// Close implements backends.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	_ = b.drv.cuCtxSetCurrent(b.ctx)
	_ = b.drv.cuStreamSynchronize(b.stream)
	if len(b.allocated) > 0 {
		klog.Warningf("%s: releasing %d allocations on close", b, len(b.allocated))
		for ptr := range b.allocated {
			_ = b.drv.cuMemFree(ptr)
		}
		b.allocated = nil
	}
	_ = b.drv.cuStreamDestroy(b.stream)
	err := check("cuCtxDestroy", b.drv.cuCtxDestroy(b.ctx))
	b.closed = true
	return errors.WithMessagef(err, "%s", b)
}

// readPTX returns the contents of the PTX file null-terminated, as cuModuleLoadData expects.
func readPTX(path string) ([]byte, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read program %q", path)
	}
	return append(contents, 0), nil
}

// Program is a loaded PTX module.
type Program struct {
	b      *Backend
	path   string
	module uintptr
}

var _ backends.Program = (*Program)(nil)

// Entry is a kernel function of a loaded Program.
type Entry struct {
	Symbol string
	fn     uintptr
}

// LoadProgram implements backends.Backend.
func (b *Backend) LoadProgram(path string) (backends.Program, error) {
	ptx, err := readPTX(path)
	if err != nil {
		return nil, err
	}
	p := &Program{b: b, path: path}
	err = b.do(func() error {
		if err := b.forbidDuringCapture("LoadProgram"); err != nil {
			return err
		}
		return check("cuModuleLoadData", b.drv.cuModuleLoadData(&p.module, unsafe.Pointer(&ptx[0])))
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: loading program %q", b, path)
	}
	klog.V(2).Infof("%s: loaded %q", b, path)
	return p, nil
}

// Symbol implements backends.Program.
func (p *Program) Symbol(name string) (backends.Entry, error) {
	e := &Entry{Symbol: name}
	err := p.b.do(func() error {
		if p.module == 0 {
			return errors.Errorf("program %q was unloaded", p.path)
		}
		cName := cString(name)
		return check(fmt.Sprintf("cuModuleGetFunction(%s)", name), p.b.drv.cuModuleGetFunction(&e.fn, p.module, &cName[0]))
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "symbol %q not found in program %q", name, p.path)
	}
	return e, nil
}

// Unload implements backends.Program.
func (p *Program) Unload() error {
	return p.b.do(func() error {
		if p.module == 0 {
			return nil
		}
		module := p.module
		p.module = 0
		return check("cuModuleUnload", p.b.drv.cuModuleUnload(module))
	})
}

// numBlocks returns the number of blocks of ThreadsPerBlock threads needed to run size threads.
func numBlocks(size int32) uint32 {
	return uint32((int64(size) + ThreadsPerBlock - 1) / ThreadsPerBlock)
}

// Launch implements backends.Backend: a grid of ceil(size/ThreadsPerBlock) blocks of ThreadsPerBlock
// threads is queued on the stream.
func (b *Backend) Launch(entry backends.Entry, bounds abi.LaunchBounds, params *abi.ParamBlock) error {
	e, ok := entry.(*Entry)
	if !ok || e == nil || e.fn == 0 {
		return errors.Errorf("%s: invalid entry point of type %T", b, entry)
	}
	if params.Len() == 0 {
		return errors.Errorf("%s: entry %q launched without launch bounds", b, e.Symbol)
	}
	if bounds.Size <= 0 {
		return errors.Errorf("%s: entry %q launched with %d threads", b, e.Symbol, bounds.Size)
	}
	blocks := numBlocks(bounds.Size)
	return b.do(func() error {
		// The driver copies the parameter values before cuLaunchKernel returns.
		var pinner runtime.Pinner
		defer pinner.Unpin()
		ptrs := params.Pointers(&pinner)
		r := b.drv.cuLaunchKernel(e.fn, blocks, 1, 1, ThreadsPerBlock, 1, 1, 0, b.stream,
			unsafe.Pointer(&ptrs[0]), nil)
		if err := check(fmt.Sprintf("cuLaunchKernel(%s)", e.Symbol), r); err != nil {
			return errors.WithMessagef(err, "%s", b)
		}
		var current uintptr
		if r := b.drv.cuCtxGetCurrent(&current); r != cudaSuccess || current != b.ctx {
			b.verifyErr = errors.Errorf("%s: context changed while launching %q (%s)", b, e.Symbol, r)
		}
		klog.V(3).Infof("%s: launched %s with %d blocks", b, e.Symbol, blocks)
		return nil
	})
}
