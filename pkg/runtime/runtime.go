// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package runtime is the execution context of kernels: it owns the device backends, one pooled allocator
// per device, the module registry, the capture state and the recording scope.
//
// A typical program:
//
//	rt := must.M1(runtime.Init(must.M1(runtime.ConfigFromEnv())))
//	m := rt.Module("sim")
//	k := m.DefineKernel("integrate", body, kernels.P("x", ktypes.Array(ktypes.Vec3, 1)), kernels.P("dt", ktypes.Float))
//	x := must.M1(rt.Zeros(ktypes.Vec3, []int{n}, rt.PreferredDevice()))
//	err := rt.Launch(k, []int{n}, []any{x, float32(0.01)}, nil, x.Device())
//
// Launches on the "cpu" device block until done; launches and copies on the "cuda" device are asynchronous,
// and Synchronize waits for them.
package runtime

import (
	"context"
	"slices"
	"sync"

	"github.com/gomlx/gokernels/backends"
	_ "github.com/gomlx/gokernels/backends/default"
	"github.com/gomlx/gokernels/pkg/core/alloc"
	"github.com/gomlx/gokernels/pkg/core/buildcache"
	"github.com/gomlx/gokernels/pkg/core/builtins"
	"github.com/gomlx/gokernels/pkg/core/codegen"
	"github.com/gomlx/gokernels/pkg/core/kernels"
	"github.com/gomlx/gokernels/pkg/core/kerrors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Device tokens.
const (
	CPU  = backends.CPU
	CUDA = backends.CUDA
)

// device is one available device: its backend and memory pool.
type device struct {
	token   string
	backend backends.Backend
	pool    *alloc.Pool
}

// Runtime is the execution context of kernels. It is safe for concurrent use, except that a module
// must not be redefined while it is being launched.
type Runtime struct {
	cfg      Config
	devices  []*device
	registry *kernels.Registry

	// cudaErr is the reason the "cuda" device is not available, if it was configured.
	cudaErr error

	mu      sync.Mutex
	capture *captureState
	scope   *RecordingScope
	closed  bool
}

// New creates a Runtime with the given configuration.
func New(cfg Config) (*Runtime, error) {
	list := cfg.Backends
	var cudaErr error
	if len(list) == 0 {
		var err error
		list, cudaErr, err = backends.NewFromConfig(cfg.Backend)
		if err != nil {
			return nil, err
		}
		if cudaErr != nil {
			klog.Warningf("device %q not available: %v", CUDA, cudaErr)
		}
	}
	rt := &Runtime{cfg: cfg, cudaErr: cudaErr}
	closeAll := func() {
		for _, b := range list {
			_ = b.Close()
		}
	}
	for _, b := range list {
		token := b.Device()
		if !backends.IsDeviceToken(token) {
			closeAll()
			return nil, kerrors.Devicef(token, "backend %q serves unknown device %q", b.Name(), token)
		}
		if rt.device(token) != nil {
			closeAll()
			return nil, errors.Errorf("more than one backend given for device %q", token)
		}
		rt.devices = append(rt.devices, &device{token: token, backend: b, pool: alloc.New(token, b)})
	}
	// Keep "cpu" first.
	slices.SortStableFunc(rt.devices, func(a, b *device) int {
		if a.token == b.token {
			return 0
		} else if a.token == CPU {
			return -1
		}
		return 1
	})

	dir, err := cfg.cacheDir()
	if err != nil {
		closeAll()
		return nil, errors.WithMessage(err, "kernel cache directory")
	}
	cache, err := buildcache.New(dir, !cfg.CacheDisabled)
	if err != nil {
		closeAll()
		return nil, err
	}
	targets := make([]kernels.Target, len(rt.devices))
	for ii, d := range rt.devices {
		targets[ii] = kernels.Target{Device: codegen.Target(d.token), Backend: d.backend}
	}
	rt.registry, err = kernels.NewRegistry(kernels.Config{
		Cache:            cache,
		Builtins:         cfg.Builtins,
		Targets:          targets,
		Mode:             cfg.Mode,
		Generator:        cfg.Generator,
		BuildParallelism: cfg.BuildParallelism,
	})
	if err != nil {
		closeAll()
		return nil, err
	}
	for _, d := range rt.devices {
		klog.V(1).Infof("device %q: %s", d.token, d.backend.Description())
	}
	return rt, nil
}

var (
	muDefault      sync.Mutex
	defaultRuntime *Runtime
)

// Init creates the process default Runtime on the first call. Later calls return the same instance and
// ignore cfg.
func Init(cfg Config) (*Runtime, error) {
	muDefault.Lock()
	defer muDefault.Unlock()
	if defaultRuntime != nil {
		return defaultRuntime, nil
	}
	rt, err := New(cfg)
	if err != nil {
		return nil, err
	}
	defaultRuntime = rt
	return rt, nil
}

// Default returns the Runtime created by Init.
func Default() (*Runtime, error) {
	muDefault.Lock()
	defer muDefault.Unlock()
	if defaultRuntime == nil {
		return nil, errors.New("runtime not initialized, call runtime.Init() before use")
	}
	return defaultRuntime, nil
}

// Config returns the configuration the Runtime was created with.
func (rt *Runtime) Config() Config { return rt.cfg }

// Registry returns the registry of modules.
func (rt *Runtime) Registry() *kernels.Registry { return rt.registry }

// Builtins returns the builtins registry.
func (rt *Runtime) Builtins() *builtins.Registry { return rt.registry.Builtins() }

// Module returns the module with the given name, creating it if needed.
func (rt *Runtime) Module(name string) *kernels.Module { return rt.registry.Module(name) }

func (rt *Runtime) device(token string) *device {
	for _, d := range rt.devices {
		if d.token == token {
			return d
		}
	}
	return nil
}

// deviceFor returns the device, or a Device error if it is unknown or not available.
func (rt *Runtime) deviceFor(key, token string) (*device, error) {
	if !backends.IsDeviceToken(token) {
		return nil, kerrors.Devicef(key, "unknown device %q, valid devices are %q and %q", token, CPU, CUDA)
	}
	d := rt.device(token)
	if d == nil {
		if token == CUDA && rt.cudaErr != nil {
			return nil, kerrors.Wrap(kerrors.Device, key, rt.cudaErr, "device %q is not available", token)
		}
		return nil, kerrors.Devicef(key, "device %q is not available", token)
	}
	return d, nil
}

// Devices returns the tokens of the available devices, "cpu" first.
func (rt *Runtime) Devices() []string {
	tokens := make([]string, len(rt.devices))
	for ii, d := range rt.devices {
		tokens[ii] = d.token
	}
	return tokens
}

// IsDeviceAvailable returns whether the device is available.
func (rt *Runtime) IsDeviceAvailable(token string) bool { return rt.device(token) != nil }

// IsCPUAvailable returns whether the "cpu" device is available.
func (rt *Runtime) IsCPUAvailable() bool { return rt.IsDeviceAvailable(CPU) }

// IsCUDAAvailable returns whether the "cuda" device is available.
func (rt *Runtime) IsCUDAAvailable() bool { return rt.IsDeviceAvailable(CUDA) }

// PreferredDevice returns "cuda" if available, otherwise "cpu", or "" if no device is available.
func (rt *Runtime) PreferredDevice() string {
	if rt.IsCUDAAvailable() {
		return CUDA
	} else if rt.IsCPUAvailable() {
		return CPU
	}
	return ""
}

// Backend returns the backend serving the device, or nil.
func (rt *Runtime) Backend(token string) backends.Backend {
	if d := rt.device(token); d != nil {
		return d.backend
	}
	return nil
}

// RequireCUDA returns a Device error if the "cuda" device is not available.
func (rt *Runtime) RequireCUDA() error {
	_, err := rt.deviceFor("", CUDA)
	return err
}

// MemoryStats returns the allocator statistics of every device.
func (rt *Runtime) MemoryStats() []alloc.Stats {
	stats := make([]alloc.Stats, len(rt.devices))
	for ii, d := range rt.devices {
		stats[ii] = d.pool.Stats()
	}
	return stats
}

// ClearMemory returns the pooled (free) blocks of every device to their backends.
func (rt *Runtime) ClearMemory() error {
	var firstErr error
	for _, d := range rt.devices {
		if err := d.pool.Clear(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Synchronize waits for all outstanding work on every device.
func (rt *Runtime) Synchronize() error {
	if err := rt.checkCapture("", "Synchronize"); err != nil {
		return err
	}
	for _, d := range rt.devices {
		if err := d.backend.Synchronize(); err != nil {
			return kerrors.Wrap(kerrors.Device, "", err, "synchronizing device %q", d.token)
		}
	}
	return nil
}

// ForceLoad loads (building if needed) every module, optionally displaying a progress bar.
func (rt *Runtime) ForceLoad(ctx context.Context, showProgress bool) error {
	if err := rt.checkCapture("", "ForceLoad"); err != nil {
		return err
	}
	return rt.registry.ForceLoad(ctx, showProgress)
}

// loadModule loads the module of k unless it is loaded already. Loading during a capture is an error.
func (rt *Runtime) loadModule(ctx context.Context, k *kernels.Kernel) error {
	m := k.Module()
	if m.IsLoaded() {
		return nil
	}
	if err := rt.checkCapture(k.Key(), "loading module "+m.Name()); err != nil {
		return err
	}
	return m.Load(ctx)
}

// Close unloads all modules, releases the pooled memory and closes the backends. Arrays still allocated
// are reported as leaks.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.closed = true
	rt.scope = nil
	capture := rt.capture
	rt.capture = nil
	rt.mu.Unlock()
	if capture != nil {
		if capturer, ok := capture.device.backend.(backends.Capturer); ok {
			if graph, err := capturer.CaptureEnd(); err == nil {
				_ = capturer.GraphDestroy(graph)
			}
		}
	}

	rt.registry.UnloadAll()
	var firstErr error
	for _, d := range rt.devices {
		if err := d.pool.Close(); err != nil {
			klog.Warningf("device %q: %v", d.token, err)
		}
		if err := d.backend.Close(); err != nil && firstErr == nil {
			firstErr = errors.WithMessagef(err, "closing device %q", d.token)
		}
	}
	muDefault.Lock()
	if defaultRuntime == rt {
		defaultRuntime = nil
	}
	muDefault.Unlock()
	return firstErr
}
