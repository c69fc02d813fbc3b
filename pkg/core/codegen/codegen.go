// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package codegen defines the contract with the code generator that translates analyzed function and
// kernel bodies into native source code for a target device, and the naming convention of the generated
// entry points.
package codegen

import (
	"fmt"

	"github.com/gomlx/gokernels/pkg/core/ktypes"
)

// Target device of the generated code: it is also the device token used by the runtime.
type Target string

const (
	// CPU target generates source for the host C++ compiler.
	CPU Target = "cpu"

	// CUDA target generates source for nvcc.
	CUDA Target = "cuda"
)

// Pass of a kernel entry point.
type Pass int

const (
	Forward Pass = iota
	Backward
)

func (p Pass) String() string {
	if p == Backward {
		return "backward"
	}
	return "forward"
}

// EntryPoint returns the symbol name of the kernel entry point for the given target and pass.
//
// CPU entry points are named "<key>_cpu_forward" and "<key>_cpu_backward", CUDA ones
// "<key>_cuda_kernel_forward" and "<key>_cuda_kernel_backward".
func EntryPoint(key string, target Target, pass Pass) string {
	switch target {
	case CPU:
		return fmt.Sprintf("%s_cpu_%s", key, pass)
	case CUDA:
		return fmt.Sprintf("%s_cuda_kernel_%s", key, pass)
	}
	return fmt.Sprintf("%s_%s_%s", key, target, pass)
}

// Param is a declared parameter of a function or kernel.
type Param struct {
	Name string
	Type ktypes.Type
}

// Unit is what the generator sees of a function or kernel: its key, parameters, resolved return type
// and the analyzed body, as produced by the front end.
type Unit struct {
	// Module is the name of the module the function or kernel belongs to.
	Module string

	Key        string
	Namespace  string
	Params     []Param
	ReturnType ktypes.Type
	Body       any

	// ValueTypes is the frozen table of return types of all functions of the module, keyed by function key.
	ValueTypes map[string]ktypes.Type

	// Options are the module compiler options, e.g. "max_unroll".
	Options map[string]any
}

// Generator translates analyzed bodies into native source text for a target.
//
// For kernels, Kernel must emit both the forward and the backward entry points, named with EntryPoint.
// Generators may panic on unsupported constructs; the panic is reported as a build error.
type Generator interface {
	// Header is emitted once at the top of every generated source unit.
	Header(target Target) string

	// Function emits the forward and adjoint source of a helper function.
	Function(fn Unit, target Target) (string, error)

	// Kernel emits the forward and backward entry points of a kernel.
	Kernel(k Unit, target Target) (string, error)
}
