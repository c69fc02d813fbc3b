// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"context"
	"crypto/sha256"
	"fmt"
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gokernels/backends"
	"github.com/gomlx/gokernels/internal/workerspool"
	"github.com/gomlx/gokernels/pkg/core/buildcache"
	"github.com/gomlx/gokernels/pkg/core/builtins"
	"github.com/gomlx/gokernels/pkg/core/codegen"
	"github.com/gomlx/gokernels/pkg/core/toolchain"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Target is a device modules are built for, and the backend that builds and loads its programs.
type Target struct {
	Device  codegen.Target
	Backend backends.Backend
}

// Config of a Registry.
type Config struct {
	// Cache where generated sources, artifacts and hashes are stored. Required.
	Cache *buildcache.Cache

	// Builtins used to resolve calls. If nil, builtins.Standard() is used.
	Builtins *builtins.Registry

	// Targets every module is built for.
	Targets []Target

	// Mode is the default value of the "mode" option of new modules.
	Mode toolchain.Mode

	// Generator of native source. If nil, the target backend's generator is used (see
	// backends.GeneratorProvider).
	Generator codegen.Generator

	// BuildParallelism limits the number of targets built concurrently: 1 builds them sequentially,
	// -1 has no limit. If left 0, it defaults to the number of targets.
	BuildParallelism int
}

// Registry owns the modules of a runtime, the builtins they resolve calls against and the compile-time
// constants that are part of every module hash.
type Registry struct {
	cache     *buildcache.Cache
	builtins  *builtins.Registry
	targets   []Target
	mode      toolchain.Mode
	gen       codegen.Generator
	workers   *workerspool.Pool

	mu          sync.Mutex
	modules     []*Module
	moduleIndex map[string]*Module
	constants   []Constant
}

// Constant is a named compile-time constant.
type Constant struct {
	Name  string
	Value any
}

// NewRegistry creates a registry of modules.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Cache == nil {
		return nil, errors.New("kernels registry requires a build cache")
	}
	r := &Registry{
		cache:       cfg.Cache,
		builtins:    cfg.Builtins,
		targets:     slices.Clone(cfg.Targets),
		mode:        cfg.Mode,
		gen:         cfg.Generator,
		moduleIndex: make(map[string]*Module),
	}
	if r.builtins == nil {
		r.builtins = builtins.Standard()
	}
	if r.mode == "" {
		r.mode = toolchain.Release
	}
	seen := make(map[codegen.Target]bool)
	for _, target := range r.targets {
		if target.Backend == nil {
			return nil, errors.Errorf("target %q has no backend", target.Device)
		}
		if seen[target.Device] {
			return nil, errors.Errorf("target %q given more than once", target.Device)
		}
		seen[target.Device] = true
	}
	parallelism := cfg.BuildParallelism
	if parallelism == 0 {
		parallelism = len(r.targets)
	}
	r.workers = workerspool.NewWithParallelism(parallelism)
	return r, nil
}

// Builtins returns the builtins registry used to resolve calls.
func (r *Registry) Builtins() *builtins.Registry { return r.builtins }

// Cache returns the build cache.
func (r *Registry) Cache() *buildcache.Cache { return r.cache }

// Targets returns the targets modules are built for.
func (r *Registry) Targets() []Target { return slices.Clone(r.targets) }

// generator returns the code generator for the target.
func (r *Registry) generator(target Target) (codegen.Generator, error) {
	if r.gen != nil {
		return r.gen, nil
	}
	if provider, ok := target.Backend.(backends.GeneratorProvider); ok {
		return provider.Generator(), nil
	}
	return nil, errors.Errorf("no code generator configured for device %q (backend %q)",
		target.Device, target.Backend.Name())
}

// Module returns the module with the given name, creating it if needed.
func (r *Registry) Module(name string) *Module {
	if name == "" {
		exceptions.Panicf("module name cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, found := r.moduleIndex[name]; found {
		return m
	}
	m := newModule(name, r)
	r.modules = append(r.modules, m)
	r.moduleIndex[name] = m
	return m
}

// Lookup returns the module with the given name, or nil if it doesn't exist.
func (r *Registry) Lookup(name string) *Module {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.moduleIndex[name]
}

// Modules returns all modules, in creation order.
func (r *Registry) Modules() []*Module {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.modules)
}

// Constant declares (or updates) a compile-time constant. Constants are part of the hash of every module,
// so changing them triggers rebuilds the next time modules are loaded.
//
// Values must be numbers or bools.
func (r *Registry) Constant(name string, value any) error {
	switch value.(type) {
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
	default:
		return errors.Errorf("constant %q: unsupported value of type %T", name, value)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for ii := range r.constants {
		if r.constants[ii].Name == name {
			r.constants[ii].Value = value
			return nil
		}
	}
	r.constants = append(r.constants, Constant{Name: name, Value: value})
	return nil
}

// Constants returns the declared constants, in declaration order.
func (r *Registry) Constants() []Constant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.constants)
}

// ConstantsDigest returns the SHA-256 digest of all constants, in declaration order.
func (r *Registry) ConstantsDigest() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := sha256.New()
	for _, c := range r.constants {
		_, _ = fmt.Fprintf(h, "%s=%T(%v);", c.Name, c.Value, c.Value)
	}
	return h.Sum(nil)
}

// ForceLoad loads every module, optionally displaying a progress bar. It stops at the first module that
// fails to build; modules that failed in a previous load are skipped.
func (r *Registry) ForceLoad(ctx context.Context, showProgress bool) error {
	modules := r.Modules()
	var bar *progressbar.ProgressBar
	if showProgress && len(modules) > 0 {
		bar = progressbar.NewOptions(len(modules),
			progressbar.OptionSetDescription("loading kernels"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish())
		defer func() { _ = bar.Finish() }()
	}
	for _, m := range modules {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := m.Load(ctx)
		if bar != nil {
			_ = bar.Add(1)
		}
		if errors.Is(err, ErrBuildFailed) {
			klog.V(1).Infof("%s: skipped, its build failed before", m)
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// UnloadAll unloads every module.
func (r *Registry) UnloadAll() {
	for _, m := range r.Modules() {
		m.Unload()
	}
}
