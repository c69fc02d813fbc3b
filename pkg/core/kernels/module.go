// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"context"
	"crypto/sha256"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gokernels/backends"
	"github.com/gomlx/gokernels/pkg/core/codegen"
	"github.com/gomlx/gokernels/pkg/core/kerrors"
	"github.com/gomlx/gokernels/pkg/core/ktypes"
	"github.com/gomlx/gokernels/pkg/core/toolchain"
	"github.com/gomlx/gokernels/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrBuildFailed is returned by Module.Load for modules whose build failed before: a module is never
// rebuilt after a failure.
var ErrBuildFailed = errors.New("module build failed previously")

// State of a Module.
type State int

const (
	Unbuilt State = iota
	CacheChecked
	Building
	Loaded
	BuildFailed
)

var stateNames = []string{"unbuilt", "cache-checked", "building", "loaded", "build_failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Default module options.
const (
	OptionMaxUnroll = "max_unroll"
	OptionMode      = "mode"

	DefaultMaxUnroll = 16
)

// Module is the unit of compilation: the functions and kernels declared together, plus compiler options.
//
// A Module is loaded iff every target of its registry has a loaded program built from sources with the
// current Hash. Declaring (or re-declaring) a function or kernel, or changing an option, unloads it.
type Module struct {
	name     string
	registry *Registry

	// mu is held during a whole Load, so declarations during a load wait for it.
	mu            sync.Mutex
	functions     []*Function
	kernels       []*Kernel
	options       map[string]any
	state         State
	programs      map[codegen.Target]backends.Program
	valueTypes    map[string]ktypes.Type
	lastBuildTime time.Duration
}

func newModule(name string, registry *Registry) *Module {
	return &Module{
		name:     name,
		registry: registry,
		options: map[string]any{
			OptionMaxUnroll: DefaultMaxUnroll,
			OptionMode:      string(registry.mode),
		},
	}
}

// Name of the module.
func (m *Module) Name() string { return m.name }

// Registry owning the module.
func (m *Module) Registry() *Registry { return m.registry }

// State returns the current state of the module.
func (m *Module) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsLoaded returns whether the module is loaded for all targets.
func (m *Module) IsLoaded() bool { return m.State() == Loaded }

// String implements fmt.Stringer.
func (m *Module) String() string { return fmt.Sprintf("module %q", m.name) }

// Stem returns the file name stem of the module's cached files: the name prefixed by "wp_", with
// characters other than letters, digits, "-" and "_" replaced by "_".
func (m *Module) Stem() string {
	var sb strings.Builder
	sb.WriteString("wp_")
	for _, r := range m.name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

func (m *Module) functionLocked(key string) *Function {
	for _, fn := range m.functions {
		if fn.key == key {
			return fn
		}
	}
	return nil
}

// Function returns the function with the given key, or nil.
func (m *Module) Function(key string) *Function {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.functionLocked(key)
}

// Kernel returns the kernel with the given key, or nil.
func (m *Module) Kernel(key string) *Kernel {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.kernels {
		if k.key == key {
			return k
		}
	}
	return nil
}

// Functions returns the functions of the module, in declaration order.
func (m *Module) Functions() []*Function {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.functions)
}

// Kernels returns the kernels of the module, in declaration order.
func (m *Module) Kernels() []*Kernel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.kernels)
}

// DefineFunction declares a user function. Re-declaring a key replaces the function in place (it keeps
// its position in the module) and unloads the module.
//
// It panics (with an exception) for invalid declarations.
func (m *Module) DefineFunction(key string, body Body, params ...Param) *Function {
	checkParams("function", key, params)
	if body == nil {
		exceptions.Panicf("function %q: body cannot be nil", key)
	}
	fn := &Function{key: key, params: slices.Clone(params), body: body, module: m}
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx := slices.IndexFunc(m.functions, func(f *Function) bool { return f.key == key }); idx >= 0 {
		m.functions[idx] = fn
	} else {
		m.functions = append(m.functions, fn)
	}
	m.invalidateLocked()
	return fn
}

// DefineKernel declares a kernel. Re-declaring a key replaces the kernel in place (it keeps its position
// in the module), unloads the module and drops the cached entry points of all its kernels.
//
// It panics (with an exception) for invalid declarations, including parameters of types that can't be
// passed to a kernel.
func (m *Module) DefineKernel(key string, body Body, params ...Param) *Kernel {
	checkParams("kernel", key, params)
	if body == nil {
		exceptions.Panicf("kernel %q: body cannot be nil", key)
	}
	k := &Kernel{key: key, params: slices.Clone(params), body: body, module: m}
	k.descriptors = make([]ParamDescriptor, len(params))
	for ii, p := range params {
		d, err := describeParam(p)
		if err != nil {
			exceptions.Panicf("kernel %q: %v", key, err)
		}
		k.descriptors[ii] = d
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx := slices.IndexFunc(m.kernels, func(old *Kernel) bool { return old.key == key }); idx >= 0 {
		klog.V(1).Infof("%s: kernel %q redefined", m, key)
		m.kernels[idx].clearHooks()
		m.kernels[idx] = k
	} else {
		m.kernels = append(m.kernels, k)
	}
	m.invalidateLocked()
	return k
}

// Options returns a copy of the module's compiler options.
func (m *Module) Options() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.options)
}

// SetOption sets a compiler option and unloads the module if the value changed.
func (m *Module) SetOption(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, found := m.options[key]; found && fmt.Sprint(old) == fmt.Sprint(value) {
		return
	}
	m.options[key] = value
	m.invalidateLocked()
}

// invalidateLocked unloads the programs and forgets the entry points. A failed build stays failed.
func (m *Module) invalidateLocked() {
	m.unloadLocked()
	for _, k := range m.kernels {
		k.clearHooks()
	}
	if m.state != BuildFailed {
		m.state = Unbuilt
	}
}

// Hash returns the content hash of the module: SHA-256 over the declaration of every function (including
// its namespace) and kernel, in declaration order, the options in sorted key order, and the registry's constants digest.
func (m *Module) Hash() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hashLocked()
}

func (m *Module) hashLocked() []byte {
	h := sha256.New()
	for _, fn := range m.functions {
		_, _ = fmt.Fprintf(h, "function %q %s(%s)", fn.namespace, fn.key, describeParams(fn.params))
		if fn.returns != nil {
			_, _ = fmt.Fprintf(h, " -> %s", fn.returns)
		}
		_, _ = h.Write([]byte(fn.body.Source()))
	}
	for _, k := range m.kernels {
		_, _ = fmt.Fprintf(h, "kernel %s(%s)", k.key, describeParams(k.params))
		_, _ = h.Write([]byte(k.body.Source()))
	}
	keys := slices.Sorted(maps.Keys(m.options))
	for _, key := range keys {
		_, _ = fmt.Fprintf(h, "%s=%v", key, m.options[key])
	}
	_, _ = h.Write(m.registry.ConstantsDigest())
	return h.Sum(nil)
}

func describeParams(params []Param) string {
	parts := make([]string, len(params))
	for ii, p := range params {
		parts[ii] = p.Name + ": " + p.Type.String()
	}
	return strings.Join(parts, ", ")
}

// program returns the loaded program for the target, or nil.
func (m *Module) program(target codegen.Target) backends.Program {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.programs[target]
}

// Load makes sure the module is loaded for every target of its registry: targets whose cached artifact
// matches the current Hash are loaded from the cache, the others are rebuilt. A toolchain is only required
// by the targets that are rebuilt.
//
// If a build fails, the module is marked as failed and every later call returns ErrBuildFailed without
// trying again. Errors are kerrors of kind Resolution (analysis), Build (code generation or toolchain) or
// Load (artifacts that don't load after a successful build).
func (m *Module) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case BuildFailed:
		return errors.WithMessagef(ErrBuildFailed, "%s", m)
	case Loaded:
		return nil
	}

	hash := m.hashLocked()
	stem := m.Stem()
	cache := m.registry.cache
	rebuild := sets.Make[codegen.Target]()
	if m.programs == nil {
		m.programs = make(map[codegen.Target]backends.Program)
	}
	for _, target := range m.registry.targets {
		if m.programs[target.Device] != nil {
			continue
		}
		ext := target.Backend.ArtifactExt()
		if cache.MatchesHash(stem, hash) && cache.HasArtifact(stem, ext) {
			program, err := target.Backend.LoadProgram(cache.ArtifactPath(stem, ext))
			if err == nil {
				klog.V(1).Infof("%s: using cached kernels for device %q", m, target.Device)
				m.programs[target.Device] = program
				continue
			}
			klog.V(1).Infof("%s: cached kernels for device %q don't load, rebuilding: %v", m, target.Device, err)
		}
		rebuild.Insert(target.Device)
	}
	m.state = CacheChecked

	if len(rebuild) > 0 {
		m.state = Building
		if err := m.buildLocked(ctx, hash, rebuild); err != nil {
			m.unloadLocked()
			if kerrors.Is(err, kerrors.Load) {
				m.state = Unbuilt
			} else {
				m.state = BuildFailed
			}
			return err
		}
	}
	m.state = Loaded
	return nil
}

// buildLocked runs the analysis, generates one source unit per target to rebuild, builds them concurrently,
// persists the hash and loads the new artifacts.
func (m *Module) buildLocked(ctx context.Context, hash []byte, rebuild sets.Set[codegen.Target]) error {
	start := time.Now()
	klog.V(1).Infof("%s: rebuilding kernels for devices %q", m, sets.Sorted(rebuild))
	table, err := m.analyzeLocked()
	if err != nil {
		return err
	}
	m.freezeLocked(table)

	mode, err := toolchain.ParseMode(fmt.Sprint(m.options[OptionMode]))
	if err != nil {
		return kerrors.Wrap(kerrors.Build, m.name, err, "%s: invalid option %q", m, OptionMode)
	}

	type job struct {
		target    Target
		toolchain toolchain.Toolchain
		request   toolchain.Request
	}
	stem := m.Stem()
	cache := m.registry.cache
	var jobs []*job
	for _, target := range m.registry.targets {
		if !rebuild.Has(target.Device) {
			continue
		}
		tc, err := target.Backend.Toolchain()
		if err != nil {
			return kerrors.Wrap(kerrors.Build, m.name, err, "%s: no toolchain for device %q", m, target.Device)
		}
		source, err := m.generateLocked(target)
		if err != nil {
			return err
		}
		sourcePath, err := cache.WriteSource(stem, tc.SourceExt(), source)
		if err != nil {
			return kerrors.Wrap(kerrors.Build, m.name, err, "%s: writing generated source", m)
		}
		jobs = append(jobs, &job{
			target:    target,
			toolchain: tc,
			request: toolchain.Request{
				Name:       m.name,
				SourcePath: sourcePath,
				OutputPath: cache.ArtifactPath(stem, target.Backend.ArtifactExt()),
				Mode:       mode,
			},
		})
	}

	errs := make([]error, len(jobs))
	var wg sync.WaitGroup
	for ii, j := range jobs {
		wg.Add(1)
		m.registry.workers.WaitToStart(func() {
			defer wg.Done()
			buildStart := time.Now()
			errs[ii] = j.toolchain.Build(ctx, j.request)
			klog.V(1).Infof("%s: %s build for device %q took %s", m, j.toolchain.Name(), j.target.Device,
				time.Since(buildStart))
		})
	}
	wg.Wait()
	for ii, err := range errs {
		if err != nil {
			return kerrors.Wrap(kerrors.Build, m.name, err, "%s: building for device %q", m, jobs[ii].target.Device)
		}
	}

	if err := cache.WriteHash(stem, hash); err != nil {
		return kerrors.Wrap(kerrors.Build, m.name, err, "%s: persisting hash", m)
	}
	for _, j := range jobs {
		program, err := j.target.Backend.LoadProgram(j.request.OutputPath)
		if err != nil {
			return kerrors.Wrap(kerrors.Load, m.name, err, "%s: failed to load kernels for device %q after a successful build",
				m, j.target.Device)
		}
		m.programs[j.target.Device] = program
	}
	m.lastBuildTime = time.Since(start)
	klog.V(1).Infof("%s: built in %s", m, m.lastBuildTime)
	return nil
}

// generateLocked returns the source unit of the module for the target: the generator header, every
// function and every kernel.
func (m *Module) generateLocked(target Target) (source string, err error) {
	gen, err := m.registry.generator(target)
	if err != nil {
		return "", kerrors.Wrap(kerrors.Build, m.name, err, "%s", m)
	}
	options := maps.Clone(m.options)
	var sb strings.Builder
	exception := exceptions.Try(func() {
		sb.WriteString(gen.Header(target.Device))
		for _, fn := range m.functions {
			var text string
			text, err = gen.Function(m.unitOf(fn.key, fn.namespace, fn.params, fn.valueType, fn.body, options), target.Device)
			if err != nil {
				err = kerrors.Wrap(kerrors.Build, fn.key, err, "%s: generating function %q for %q", m, fn.key, target.Device)
				return
			}
			sb.WriteString(text)
		}
		for _, k := range m.kernels {
			var text string
			text, err = gen.Kernel(m.unitOf(k.key, "", k.params, nil, k.body, options), target.Device)
			if err != nil {
				err = kerrors.Wrap(kerrors.Build, k.key, err, "%s: generating kernel %q for %q", m, k.key, target.Device)
				return
			}
			sb.WriteString(text)
		}
	})
	if exception != nil {
		cause, ok := exception.(error)
		if !ok {
			cause = errors.Errorf("%v", exception)
		}
		return "", kerrors.Wrap(kerrors.Build, m.name, cause, "%s: code generator for %q failed", m, target.Device)
	}
	if err != nil {
		return "", err
	}
	return sb.String(), nil
}

func (m *Module) unitOf(key, namespace string, params []Param, returnType ktypes.Type, body Body, options map[string]any) codegen.Unit {
	return codegen.Unit{
		Module:     m.name,
		Key:        key,
		Namespace:  namespace,
		Params:     params,
		ReturnType: returnType,
		Body:       body,
		ValueTypes: m.valueTypes,
		Options:    options,
	}
}

// Unload releases the programs of the module. The next Load reloads them (from the cache, if valid).
func (m *Module) Unload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidateLocked()
}

func (m *Module) unloadLocked() {
	for target, program := range m.programs {
		if err := program.Unload(); err != nil {
			klog.Warningf("%s: failed to unload program for device %q: %v", m, target, err)
		}
	}
	m.programs = nil
}
