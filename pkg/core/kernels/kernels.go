// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernels holds the descriptors of user functions and kernels, and the Module: the unit of
// compilation that hashes, generates, builds, caches and loads them for every available device.
//
// Bodies are provided by a front end through the Body interface: the package only needs their source text
// (for hashing) and a way to analyze them against the builtins and the module's functions. Native source is
// produced by a codegen.Generator.
//
// A typical flow:
//
//	reg := kernels.NewRegistry(cfg)
//	m := reg.Module("physics")
//	m.DefineFunction("lerp", lerpBody, kernels.P("a", ktypes.Float), kernels.P("b", ktypes.Float), kernels.P("t", ktypes.Float))
//	k := m.DefineKernel("integrate", integrateBody, kernels.P("x", ktypes.Array(ktypes.Vec3, 1)), kernels.P("dt", ktypes.Float))
//	err := m.Load(ctx)
package kernels

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gokernels/backends"
	"github.com/gomlx/gokernels/pkg/core/codegen"
	"github.com/gomlx/gokernels/pkg/core/ktypes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Param is a declared parameter of a function or kernel.
type Param = codegen.Param

// P is a shortcut to create a Param.
func P(name string, t ktypes.Type) Param {
	return Param{Name: name, Type: t}
}

// Body is the analyzed body of a user function or kernel, as provided by the front end.
type Body interface {
	// Source text of the declaration. It is part of the module hash, so any change to it triggers a rebuild.
	Source() string

	// Analyze resolves every call of the body with a.Call and returns the type of the value returned,
	// or nil if nothing is returned (always the case for kernels).
	Analyze(a *Analyzer) (ktypes.Type, error)
}

// Function is a user function: it can be called from kernels and other functions of its module.
type Function struct {
	key, namespace string
	params         []Param
	returns        ktypes.Type
	doc            string
	body           Body
	module         *Module

	// valueType is set from the module's frozen value-type table after a successful build.
	valueType    ktypes.Type
	hasValueType bool
}

// Key returns the name of the function, unique within its module.
func (fn *Function) Key() string { return fn.key }

// Namespace used to mangle the function's native name.
func (fn *Function) Namespace() string {
	fn.module.mu.Lock()
	defer fn.module.mu.Unlock()
	return fn.namespace
}

// Params returns the declared parameters.
func (fn *Function) Params() []Param { return fn.params }

// Body returns the function body.
func (fn *Function) Body() Body { return fn.body }

// Module returns the module owning the function.
func (fn *Function) Module() *Module { return fn.module }

// DocString returns the documentation of the function.
func (fn *Function) DocString() string {
	fn.module.mu.Lock()
	defer fn.module.mu.Unlock()
	return fn.doc
}

// Returns fixes the result type of the function: the analysis of the body must agree with it.
// Without it the result type is inferred.
func (fn *Function) Returns(t ktypes.Type) *Function {
	fn.module.mu.Lock()
	defer fn.module.mu.Unlock()
	fn.returns = t
	fn.module.invalidateLocked()
	return fn
}

// Doc sets the documentation of the function. It is not part of the generated code, so the module stays
// loaded.
func (fn *Function) Doc(doc string) *Function {
	fn.module.mu.Lock()
	defer fn.module.mu.Unlock()
	fn.doc = doc
	return fn
}

// SetNamespace sets the prefix used to mangle the function's native name. It is part of the module hash:
// changing it unloads the module.
func (fn *Function) SetNamespace(namespace string) *Function {
	fn.module.mu.Lock()
	defer fn.module.mu.Unlock()
	if fn.namespace == namespace {
		return fn
	}
	fn.namespace = namespace
	fn.module.invalidateLocked()
	return fn
}

// ValueType returns the type of the value returned by the function, as inferred by the last successful
// build of its module. The second value is false if the module hasn't been built yet.
func (fn *Function) ValueType() (ktypes.Type, bool) {
	fn.module.mu.Lock()
	defer fn.module.mu.Unlock()
	return fn.valueType, fn.hasValueType
}

// DescriptorKind is the kind of a kernel parameter, as seen by launch marshaling.
type DescriptorKind int

const (
	// ArrayParam parameters are passed by array descriptor.
	ArrayParam DescriptorKind = iota + 1

	// VectorParam parameters are fixed-size float32 values passed by value.
	VectorParam

	// ScalarParam parameters are single numbers (or bools) passed by value.
	ScalarParam
)

func (k DescriptorKind) String() string {
	switch k {
	case ArrayParam:
		return "array"
	case VectorParam:
		return "vector"
	case ScalarParam:
		return "scalar"
	}
	return fmt.Sprintf("DescriptorKind(%d)", int(k))
}

// ParamDescriptor tells launch marshaling how to validate and pack one kernel parameter. Only the fields
// of its Kind are set.
type ParamDescriptor struct {
	Name string
	Kind DescriptorKind

	// Elem and NDim of ArrayParam parameters.
	Elem ktypes.Type
	NDim int

	// Length of VectorParam parameters: number of float32 components.
	Length int

	// DType of ScalarParam parameters.
	DType dtypes.DType
}

func (d ParamDescriptor) String() string {
	switch d.Kind {
	case ArrayParam:
		return ktypes.Array(d.Elem, d.NDim).String()
	case VectorParam:
		return fmt.Sprintf("vector(length=%d)", d.Length)
	case ScalarParam:
		return ktypes.Scalar(d.DType).String()
	}
	return d.Kind.String()
}

// describeParam builds the descriptor of a kernel parameter.
func describeParam(p Param) (ParamDescriptor, error) {
	d := ParamDescriptor{Name: p.Name}
	switch t := p.Type.(type) {
	case *ktypes.ArrayType:
		if t.NDim < 1 || t.NDim > ktypes.MaxDims {
			return d, errors.Errorf("array parameter %q must have between 1 and %d dimensions, got %d",
				p.Name, ktypes.MaxDims, t.NDim)
		}
		if ktypes.ValueSize(t.Elem) == 0 {
			return d, errors.Errorf("array parameter %q has unsupported element type %s", p.Name, t.Elem)
		}
		d.Kind, d.Elem, d.NDim = ArrayParam, t.Elem, t.NDim
	case *ktypes.VectorType:
		d.Kind, d.Length = VectorParam, t.Length()
	case ktypes.ScalarType:
		d.Kind, d.DType = ScalarParam, t.DType
	default:
		return d, errors.Errorf("parameter %q has type %v, which can't be passed to a kernel", p.Name, p.Type)
	}
	return d, nil
}

// Kernel is an entry point launched over a grid of threads. Each kernel has a forward and a backward
// entry point per device.
type Kernel struct {
	key         string
	params      []Param
	descriptors []ParamDescriptor
	body        Body
	module      *Module
	skipReplay  bool

	muHooks sync.Mutex
	hooks   map[hookKey]backends.Entry
}

type hookKey struct {
	device string
	pass   codegen.Pass
}

// Key returns the name of the kernel, unique within its module.
func (k *Kernel) Key() string { return k.key }

// Params returns the declared parameters.
func (k *Kernel) Params() []Param { return k.params }

// NumParams returns the number of declared parameters.
func (k *Kernel) NumParams() int { return len(k.params) }

// Descriptors returns the parameter descriptors used by launch marshaling, in declaration order.
func (k *Kernel) Descriptors() []ParamDescriptor { return k.descriptors }

// Body returns the kernel body.
func (k *Kernel) Body() Body { return k.body }

// Module returns the module owning the kernel.
func (k *Kernel) Module() *Module { return k.module }

// SkipReplay marks the kernel as having no meaningful adjoint: it is recorded but skipped when replaying
// a tape backwards.
func (k *Kernel) SkipReplay() *Kernel {
	k.module.mu.Lock()
	defer k.module.mu.Unlock()
	k.skipReplay = true
	return k
}

// IsSkipReplay returns whether the kernel is skipped when replaying a tape backwards.
func (k *Kernel) IsSkipReplay() bool {
	k.module.mu.Lock()
	defer k.module.mu.Unlock()
	return k.skipReplay
}

// String implements fmt.Stringer.
func (k *Kernel) String() string {
	parts := make([]string, len(k.params))
	for ii, p := range k.params {
		parts[ii] = p.Name + ": " + p.Type.String()
	}
	return fmt.Sprintf("kernel %s.%s(%s)", k.module.name, k.key, strings.Join(parts, ", "))
}

// Entry returns the entry point of the kernel for the device and pass, resolving it from the module's
// loaded program on first use. The module must be loaded.
func (k *Kernel) Entry(device string, pass codegen.Pass) (backends.Entry, error) {
	hk := hookKey{device: device, pass: pass}
	k.muHooks.Lock()
	entry, found := k.hooks[hk]
	k.muHooks.Unlock()
	if found {
		return entry, nil
	}

	program := k.module.program(codegen.Target(device))
	if program == nil {
		return nil, errors.Errorf("kernel %q: module %q has no program loaded for device %q",
			k.key, k.module.name, device)
	}
	symbol := codegen.EntryPoint(k.key, codegen.Target(device), pass)
	entry, err := program.Symbol(symbol)
	if err != nil {
		return nil, errors.WithMessagef(err, "kernel %q: resolving %s entry point", k.key, pass)
	}
	k.muHooks.Lock()
	defer k.muHooks.Unlock()
	if k.hooks == nil {
		k.hooks = make(map[hookKey]backends.Entry)
	}
	k.hooks[hk] = entry
	return entry, nil
}

// clearHooks drops the cached entry points.
func (k *Kernel) clearHooks() {
	k.muHooks.Lock()
	defer k.muHooks.Unlock()
	k.hooks = nil
}

// checkParams panics with an exception if the parameter list is invalid.
func checkParams(kind, key string, params []Param) {
	if key == "" {
		exceptions.Panicf("%s key cannot be empty", kind)
	}
	seen := make(map[string]bool, len(params))
	for _, p := range params {
		if p.Type == nil {
			exceptions.Panicf("%s %q: parameter %q has nil type", kind, key, p.Name)
		}
		if seen[p.Name] {
			exceptions.Panicf("%s %q: duplicate parameter %q", kind, key, p.Name)
		}
		seen[p.Name] = true
	}
}
