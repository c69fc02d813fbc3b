// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build linux

package cuda

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// result is a CUresult returned by the driver API.
type result int32

const (
	cudaSuccess  result = 0
	cudaNotReady result = 600
)

var resultNames = map[result]string{
	0:   "CUDA_SUCCESS",
	1:   "CUDA_ERROR_INVALID_VALUE",
	2:   "CUDA_ERROR_OUT_OF_MEMORY",
	3:   "CUDA_ERROR_NOT_INITIALIZED",
	4:   "CUDA_ERROR_DEINITIALIZED",
	100: "CUDA_ERROR_NO_DEVICE",
	101: "CUDA_ERROR_INVALID_DEVICE",
	200: "CUDA_ERROR_INVALID_IMAGE",
	201: "CUDA_ERROR_INVALID_CONTEXT",
	209: "CUDA_ERROR_NO_BINARY_FOR_GPU",
	218: "CUDA_ERROR_INVALID_PTX",
	222: "CUDA_ERROR_UNSUPPORTED_PTX_VERSION",
	400: "CUDA_ERROR_INVALID_HANDLE",
	500: "CUDA_ERROR_NOT_FOUND",
	600: "CUDA_ERROR_NOT_READY",
	700: "CUDA_ERROR_ILLEGAL_ADDRESS",
	701: "CUDA_ERROR_LAUNCH_OUT_OF_RESOURCES",
	702: "CUDA_ERROR_LAUNCH_TIMEOUT",
	719: "CUDA_ERROR_LAUNCH_FAILED",
	900: "CUDA_ERROR_STREAM_CAPTURE_UNSUPPORTED",
	901: "CUDA_ERROR_STREAM_CAPTURE_INVALIDATED",
	904: "CUDA_ERROR_STREAM_CAPTURE_UNJOINED",
	906: "CUDA_ERROR_STREAM_CAPTURE_IMPLICIT",
	999: "CUDA_ERROR_UNKNOWN",
}

func (r result) String() string {
	if name, found := resultNames[r]; found {
		return name
	}
	return fmt.Sprintf("CUresult(%d)", int32(r))
}

// check converts a driver result to an error naming the call.
func check(call string, r result) error {
	if r == cudaSuccess {
		return nil
	}
	return errors.Errorf("%s: %s", call, r)
}

const (
	streamNonBlocking   = 0x1
	streamCaptureGlobal = 0
)

// driver holds the bound functions of the CUDA driver library.
type driver struct {
	path   string
	handle uintptr

	cuInit                      func(flags uint32) result
	cuDeviceGetCount            func(count *int32) result
	cuDeviceGet                 func(device *int32, ordinal int32) result
	cuDeviceGetName             func(name *byte, length int32, device int32) result
	cuCtxCreate                 func(ctx *uintptr, flags uint32, device int32) result
	cuCtxDestroy                func(ctx uintptr) result
	cuCtxSetCurrent             func(ctx uintptr) result
	cuCtxGetCurrent             func(ctx *uintptr) result
	cuStreamCreate              func(stream *uintptr, flags uint32) result
	cuStreamDestroy             func(stream uintptr) result
	cuStreamSynchronize         func(stream uintptr) result
	cuStreamQuery               func(stream uintptr) result
	cuMemAlloc                  func(ptr *uint64, n uintptr) result
	cuMemFree                   func(ptr uint64) result
	cuMemsetD8Async             func(ptr uint64, value uint8, n uintptr, stream uintptr) result
	cuMemcpyAsync               func(dst, src uint64, n uintptr, stream uintptr) result
	cuMemcpyHtoDAsync           func(dst uint64, src unsafe.Pointer, n uintptr, stream uintptr) result
	cuMemcpyDtoHAsync           func(dst unsafe.Pointer, src uint64, n uintptr, stream uintptr) result
	cuMemcpyDtoDAsync           func(dst, src uint64, n uintptr, stream uintptr) result
	cuModuleLoadData            func(module *uintptr, image unsafe.Pointer) result
	cuModuleGetFunction         func(fn *uintptr, module uintptr, name *byte) result
	cuModuleUnload              func(module uintptr) result
	cuLaunchKernel              func(fn uintptr, gridX, gridY, gridZ, blockX, blockY, blockZ, sharedMem uint32, stream uintptr, params unsafe.Pointer, extra unsafe.Pointer) result
	cuStreamBeginCapture        func(stream uintptr, mode uint32) result
	cuStreamEndCapture          func(stream uintptr, graph *uintptr) result
	cuGraphInstantiateWithFlags func(exec *uintptr, graph uintptr, flags uint64) result
	cuGraphLaunch               func(exec uintptr, stream uintptr) result
	cuGraphExecDestroy          func(exec uintptr) result
	cuGraphDestroy              func(graph uintptr) result
}

// driverLibraries are tried in order.
var driverLibraries = []string{"libcuda.so.1", "libcuda.so"}

var (
	driverOnce   sync.Once
	driverShared *driver
	driverErr    error
)

// loadDriver opens and initializes the CUDA driver once per process.
func loadDriver() (*driver, error) {
	driverOnce.Do(func() {
		d := &driver{}
		var err error
		for _, path := range driverLibraries {
			d.handle, err = purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
			if err == nil {
				d.path = path
				break
			}
		}
		if d.handle == 0 {
			driverErr = errors.Wrapf(err, "CUDA driver library not found (tried %v)", driverLibraries)
			return
		}
		exception := exceptions.Try(d.bind)
		if exception != nil {
			driverErr = errors.Errorf("failed to bind the CUDA driver %q: %v", d.path, exception)
			return
		}
		if err := check("cuInit", d.cuInit(0)); err != nil {
			driverErr = err
			return
		}
		klog.V(1).Infof("CUDA driver %q initialized", d.path)
		driverShared = d
	})
	return driverShared, driverErr
}

func (d *driver) bind() {
	register := func(fptr any, name string) {
		purego.RegisterLibFunc(fptr, d.handle, name)
	}
	register(&d.cuInit, "cuInit")
	register(&d.cuDeviceGetCount, "cuDeviceGetCount")
	register(&d.cuDeviceGet, "cuDeviceGet")
	register(&d.cuDeviceGetName, "cuDeviceGetName")
	register(&d.cuCtxCreate, "cuCtxCreate_v2")
	register(&d.cuCtxDestroy, "cuCtxDestroy_v2")
	register(&d.cuCtxSetCurrent, "cuCtxSetCurrent")
	register(&d.cuCtxGetCurrent, "cuCtxGetCurrent")
	register(&d.cuStreamCreate, "cuStreamCreate")
	register(&d.cuStreamDestroy, "cuStreamDestroy_v2")
	register(&d.cuStreamSynchronize, "cuStreamSynchronize")
	register(&d.cuStreamQuery, "cuStreamQuery")
	register(&d.cuMemAlloc, "cuMemAlloc_v2")
	register(&d.cuMemFree, "cuMemFree_v2")
	register(&d.cuMemsetD8Async, "cuMemsetD8Async")
	register(&d.cuMemcpyAsync, "cuMemcpyAsync")
	register(&d.cuMemcpyHtoDAsync, "cuMemcpyHtoDAsync_v2")
	register(&d.cuMemcpyDtoHAsync, "cuMemcpyDtoHAsync_v2")
	register(&d.cuMemcpyDtoDAsync, "cuMemcpyDtoDAsync_v2")
	register(&d.cuModuleLoadData, "cuModuleLoadData")
	register(&d.cuModuleGetFunction, "cuModuleGetFunction")
	register(&d.cuModuleUnload, "cuModuleUnload")
	register(&d.cuLaunchKernel, "cuLaunchKernel")
	register(&d.cuStreamBeginCapture, "cuStreamBeginCapture_v2")
	register(&d.cuStreamEndCapture, "cuStreamEndCapture")
	register(&d.cuGraphInstantiateWithFlags, "cuGraphInstantiateWithFlags")
	register(&d.cuGraphLaunch, "cuGraphLaunch")
	register(&d.cuGraphExecDestroy, "cuGraphExecDestroy")
	register(&d.cuGraphDestroy, "cuGraphDestroy")
}

// cString returns s as a null-terminated byte slice.
func cString(s string) []byte {
	return append([]byte(s), 0)
}
