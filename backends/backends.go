// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface a device backend needs to implement to run compiled kernels:
// memory management, copies, loading of compiled programs, kernel dispatch and synchronization.
//
// Optional capabilities (graph capture, device verification, code generation) are expressed as
// separate interfaces that a backend may implement.
//
// Backends register themselves with Register, usually in an init function, and are selected by
// name with New or with a configuration string with NewFromConfig.
package backends

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/gomlx/gokernels/pkg/core/abi"
	"github.com/gomlx/gokernels/pkg/core/codegen"
	"github.com/gomlx/gokernels/pkg/core/toolchain"
	"github.com/pkg/errors"
)

// Device tokens recognized by the runtime.
const (
	CPU  = string(codegen.CPU)
	CUDA = string(codegen.CUDA)
)

// IsDeviceToken returns whether device is one of the recognized device tokens.
func IsDeviceToken(device string) bool {
	return device == CPU || device == CUDA
}

// CopyKind is the direction of a memory copy.
type CopyKind int

const (
	HostToHost CopyKind = iota
	HostToDevice
	DeviceToHost
	DeviceToDevice
)

// CopyKindFor returns the kind of copy between the given device tokens.
func CopyKindFor(dstDevice, srcDevice string) CopyKind {
	switch {
	case dstDevice == CPU && srcDevice == CPU:
		return HostToHost
	case srcDevice == CPU:
		return HostToDevice
	case dstDevice == CPU:
		return DeviceToHost
	}
	return DeviceToDevice
}

func (k CopyKind) String() string {
	switch k {
	case HostToHost:
		return "HostToHost"
	case HostToDevice:
		return "HostToDevice"
	case DeviceToHost:
		return "DeviceToHost"
	case DeviceToDevice:
		return "DeviceToDevice"
	}
	return fmt.Sprintf("CopyKind(%d)", int(k))
}

// Entry is an opaque handle to a kernel entry point of a loaded Program, as returned by Program.Symbol.
// It is only meaningful to the backend that loaded the program.
type Entry any

// Program is a loaded compiled artifact.
type Program interface {
	// Symbol resolves the named entry point.
	Symbol(name string) (Entry, error)

	// Unload releases the program. Entries resolved from it become invalid.
	Unload() error
}

// Backend is the API that needs to be implemented by a device backend.
//
// Memory is addressed with uint64 device addresses; 0 is the null address.
type Backend interface {
	// Name returns the short name of the backend, as used in the configuration. E.g.: "go" or "cuda".
	Name() string

	// Device returns the device token served by the backend: CPU or CUDA.
	Device() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// Alloc allocates n bytes of device memory.
	Alloc(n int) (uint64, error)

	// Free releases memory allocated with Alloc(n).
	Free(ptr uint64, n int) error

	// Memset sets n bytes at ptr to value.
	Memset(ptr uint64, value byte, n int) error

	// Memcpy copies n bytes from src to dst. For the CUDA device, the kind tells which side lives in host memory.
	// It is asynchronous on accelerators.
	Memcpy(dst, src uint64, n int, kind CopyKind) error

	// Upload copies the Go bytes in src to device memory at dst.
	Upload(dst uint64, src []byte) error

	// Download copies device memory at src to the Go bytes in dst.
	// It synchronizes outstanding work on the device.
	Download(dst []byte, src uint64) error

	// ArtifactExt is the extension (with leading ".") of the programs this backend loads. It must not
	// require a toolchain: cached programs are loaded without one.
	ArtifactExt() string

	// Toolchain returns the toolchain that builds programs for this backend.
	Toolchain() (toolchain.Toolchain, error)

	// LoadProgram loads a compiled artifact built with the Toolchain.
	LoadProgram(path string) (Program, error)

	// Launch dispatches the entry point over bounds.Size threads. The parameter block holds the launch bounds
	// followed by the kernel parameters. It blocks on the CPU, and it is asynchronous on accelerators.
	Launch(entry Entry, bounds abi.LaunchBounds, params *abi.ParamBlock) error

	// Synchronize waits for all outstanding work on the device.
	Synchronize() error

	// Close releases all the resources associated with the backend, which becomes invalid.
	Close() error
}

// GraphHandle is an opaque handle to a captured graph, only meaningful to the backend that created it.
type GraphHandle any

// Capturer is implemented by backends that support recording a replayable command stream.
//
// While capturing, launches, copies and memsets are recorded instead of executed.
type Capturer interface {
	CaptureBegin() error

	// CaptureEnd finishes the capture and returns the graph, or an error if the capture was corrupted.
	CaptureEnd() (GraphHandle, error)

	// GraphLaunch replays the captured stream.
	GraphLaunch(graph GraphHandle) error

	// GraphDestroy releases the graph.
	GraphDestroy(graph GraphHandle) error
}

// Verifier is implemented by backends that can check, after a launch, that the current device context
// is unchanged and no device error was flagged.
type Verifier interface {
	VerifyDevice() error
}

// GeneratorProvider is implemented by backends that carry their own code generator, used when no
// external generator is configured.
type GeneratorProvider interface {
	Generator() codegen.Generator
}

// NativeMemory is implemented by backends whose addresses are native pointers of the process, and hence
// can be handed directly to an accelerator driver as host memory.
type NativeMemory interface {
	NativeMemory() bool
}

// Constructor takes the device token to serve and a config string (optionally empty) and returns a Backend.
type Constructor func(device, config string) (Backend, error)

var (
	muRegistry             sync.Mutex
	registeredConstructors = make(map[string]Constructor)
)

// Register backend with the given name, and a constructor that takes the device token and a configuration
// string that is passed along to the backend.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	registeredConstructors[name] = constructor
}

// List the names of the registered backends, sorted.
func List() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New creates the named backend serving the device.
func New(name, device, config string) (Backend, error) {
	if !IsDeviceToken(device) {
		return nil, errors.Errorf("unknown device %q, valid devices are %q and %q", device, CPU, CUDA)
	}
	muRegistry.Lock()
	constructor, found := registeredConstructors[name]
	muRegistry.Unlock()
	if !found {
		return nil, errors.Errorf("can't find backend %q (registered backends: %v) -- maybe import it with "+
			"import _ \"github.com/gomlx/gokernels/backends/%s\"?", name, List(), name)
	}
	b, err := constructor(device, config)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create backend %q for device %q", name, device)
	}
	return b, nil
}

// ConfigEnvVar is the environment variable with the default backend configuration to use.
//
// See NewFromConfig for the format.
const ConfigEnvVar = "GOKERNELS_BACKEND"

// DefaultConfig is used when ConfigEnvVar is not set: the portable Go backend for the CPU device only.
var DefaultConfig = "go"

// Spec is the parsed configuration of one backend.
type Spec struct {
	Device, Name, Config string
}

// ParseConfig parses a configuration string formatted as "<cpu-backend>[:<config>][,<cuda-backend>[:<config>]]".
//
// The first entry serves the "cpu" device, the optional second entry the "cuda" device.
// E.g.: "go", "host,cuda", "go,go" (the second emulating the "cuda" device in process).
func ParseConfig(config string) ([]Spec, error) {
	parts := strings.Split(config, ",")
	if len(parts) > 2 {
		return nil, errors.Errorf("invalid backend configuration %q: at most 2 entries (cpu and cuda) allowed", config)
	}
	devices := []string{CPU, CUDA}
	specs := make([]Spec, 0, len(parts))
	for i, part := range parts {
		part = strings.TrimSpace(part)
		spec := Spec{Device: devices[i], Name: part}
		if idx := strings.Index(part, ":"); idx != -1 {
			spec.Name = part[:idx]
			spec.Config = part[idx+1:]
		}
		if spec.Name == "" {
			return nil, errors.Errorf("invalid backend configuration %q: empty backend name for device %q",
				config, spec.Device)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// NewFromConfig creates the backends described by config (see ParseConfig). If config is empty, the
// environment variable ConfigEnvVar is used, and if that is not set, DefaultConfig.
//
// A failure to create the "cuda" backend is not fatal: it is reported in cudaErr, and only the CPU backend
// is returned.
func NewFromConfig(config string) (list []Backend, cudaErr error, err error) {
	if config == "" {
		if envConfig, found := os.LookupEnv(ConfigEnvVar); found && envConfig != "" {
			config = envConfig
		} else {
			config = DefaultConfig
		}
	}
	specs, err := ParseConfig(config)
	if err != nil {
		return nil, nil, err
	}
	for _, spec := range specs {
		b, newErr := New(spec.Name, spec.Device, spec.Config)
		if newErr != nil {
			if spec.Device == CUDA {
				cudaErr = newErr
				continue
			}
			for _, created := range list {
				_ = created.Close()
			}
			return nil, nil, newErr
		}
		list = append(list, b)
	}
	return list, cudaErr, nil
}
