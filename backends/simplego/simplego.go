// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simplego implements a simple, and not very fast, but very portable backend that runs kernels
// written in Go, in process.
//
// Kernel bodies implement the Kernel interface. The backend's code generator registers them and emits a
// small manifest instead of native source, and its toolchain "compiles" the manifest by validating it.
// Loading a program resolves the manifest entries back to the registered kernels, so a cached program
// from a previous process doesn't load, and the module is rebuilt.
//
// All instances share one emulated address space, and an instance can serve either the "cpu" device or
// emulate the "cuda" device, including recorded graph capture. This allows exercising every device
// pairing without an accelerator.
package simplego

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/gomlx/gokernels/backends"
	"github.com/gomlx/gokernels/internal/workerspool"
	"github.com/gomlx/gokernels/pkg/core/codegen"
	"github.com/gomlx/gokernels/pkg/core/toolchain"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in GOKERNELS_BACKEND to specify this backend.
const BackendName = "go"

// Registers New() as the constructor for the "go" backend.
func init() {
	backends.Register(BackendName, New)
}

// New constructs a new SimpleGo Backend serving the device.
//
// The config is a ";" separated list of options:
//
//   - "parallelism=<n>": maximum number of goroutines running kernel threads. 0 disables parallelism,
//     -1 makes it unlimited. Default is runtime.NumCPU().
func New(device, config string) (backends.Backend, error) {
	return NewBackend(device, config)
}

// NewBackend is like New, but it returns the concrete type.
func NewBackend(device, config string) (*Backend, error) {
	if !backends.IsDeviceToken(device) {
		return nil, errors.Errorf("backend %q can't serve unknown device %q", BackendName, device)
	}
	b := &Backend{
		device:  device,
		workers: workerspool.New(),
	}
	for _, option := range strings.Split(config, ";") {
		option = strings.TrimSpace(option)
		if option == "" {
			continue
		}
		key, value, _ := strings.Cut(option, "=")
		switch key {
		case "parallelism":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, errors.Wrapf(err, "backend %q: invalid parallelism %q", BackendName, value)
			}
			b.workers.SetMaxParallelism(n)
		default:
			return nil, errors.Errorf("backend %q: unknown configuration option %q", BackendName, option)
		}
	}
	if device == backends.CUDA {
		klog.V(1).Infof("backend %q emulating device %q in process", BackendName, device)
	}
	return b, nil
}

// Backend implements the backends.Backend interface.
type Backend struct {
	device  string
	workers *workerspool.Pool

	mu     sync.Mutex
	closed bool

	// capture is not nil while capturing.
	capture *Recording

	// fault is a sticky error raised by a kernel thread, reported by VerifyDevice.
	fault error

	// tokens registered by the generator, keyed by "<module>/<kernel>".
	muTokens sync.Mutex
	tokens   map[string]string
}

// Compile-time check that simplego.Backend implements the backends interfaces.
var (
	_ backends.Backend           = (*Backend)(nil)
	_ backends.Capturer          = (*Backend)(nil)
	_ backends.Verifier          = (*Backend)(nil)
	_ backends.GeneratorProvider = (*Backend)(nil)
)

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// Device implements backends.Backend.
func (b *Backend) Device() string { return b.device }

// String implements fmt.Stringer.
func (b *Backend) String() string { return fmt.Sprintf("%s(%s)", BackendName, b.device) }

// Description implements backends.Backend.
func (b *Backend) Description() string {
	if b.device == backends.CUDA {
		return fmt.Sprintf("Simple Go Portable Backend (emulated %q device, %d workers)", b.device, b.workers.MaxParallelism())
	}
	return fmt.Sprintf("Simple Go Portable Backend (%d workers)", b.workers.MaxParallelism())
}

// Parallelism returns the maximum number of workers used to run kernel threads.
func (b *Backend) Parallelism() int { return b.workers.MaxParallelism() }

// ArtifactExt implements backends.Backend.
func (b *Backend) ArtifactExt() string { return artifactExt(b.device) }

// Toolchain implements backends.Backend.
func (b *Backend) Toolchain() (toolchain.Toolchain, error) {
	return &Toolchain{device: b.device}, nil
}

// Generator implements backends.GeneratorProvider.
func (b *Backend) Generator() codegen.Generator {
	return generator{backend: b}
}

// enqueue runs the command, or records it if a capture is active.
func (b *Backend) enqueue(cmd func() error) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.Errorf("%s: backend is closed", b)
	}
	if b.capture != nil {
		b.capture.commands = append(b.capture.commands, cmd)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()
	return cmd()
}

// checkNotCapturing returns an error, and marks the capture as corrupted, if a capture is active.
func (b *Backend) checkNotCapturing(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.Errorf("%s: backend is closed", b)
	}
	if b.capture == nil {
		return nil
	}
	err := errors.Errorf("%s: %s not permitted while capturing", b, op)
	if b.capture.corrupted == nil {
		b.capture.corrupted = err
	}
	return err
}

// Synchronize implements backends.Backend. Work is executed synchronously, so it only checks that no
// capture is active.
func (b *Backend) Synchronize() error {
	return b.checkNotCapturing("Synchronize")
}

// VerifyDevice implements backends.Verifier: it reports a fault raised by any kernel thread so far.
func (b *Backend) VerifyDevice() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fault
}

// Close implements backends.Backend. Memory still allocated by this backend stays valid until freed, and
// so do the programs it loaded.
func (b *Backend) Close() error {
	b.unregisterKernels()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.capture = nil
	return nil
}
