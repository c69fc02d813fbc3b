// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build linux || darwin

package host

import (
	"runtime"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/gomlx/gokernels/backends"
	"github.com/gomlx/gokernels/pkg/core/abi"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Program is a kernels shared library opened with dlopen.
type Program struct {
	path   string
	handle uintptr
}

var _ backends.Program = (*Program)(nil)

// Entry is the address of an entry point: a C function "void entry(void **params)".
type Entry struct {
	Symbol string
	fn     uintptr
}

// LoadProgram implements backends.Backend.
func (b *Backend) LoadProgram(path string) (backends.Program, error) {
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: failed to load program %q", b, path)
	}
	klog.V(2).Infof("%s: loaded %q", b, path)
	return &Program{path: path, handle: handle}, nil
}

// Symbol implements backends.Program.
func (p *Program) Symbol(name string) (backends.Entry, error) {
	if p.handle == 0 {
		return nil, errors.Errorf("program %q was unloaded", p.path)
	}
	fn, err := purego.Dlsym(p.handle, name)
	if err != nil {
		return nil, errors.Wrapf(err, "symbol %q not found in program %q", name, p.path)
	}
	return &Entry{Symbol: name, fn: fn}, nil
}

// Unload implements backends.Program.
func (p *Program) Unload() error {
	if p.handle == 0 {
		return nil
	}
	handle := p.handle
	p.handle = 0
	if err := purego.Dlclose(handle); err != nil {
		return errors.Wrapf(err, "failed to unload program %q", p.path)
	}
	return nil
}

// Launch implements backends.Backend. The entry point loops over the bounds itself, so this is a single
// blocking call.
func (b *Backend) Launch(entry backends.Entry, bounds abi.LaunchBounds, params *abi.ParamBlock) error {
	e, ok := entry.(*Entry)
	if !ok || e == nil || e.fn == 0 {
		return errors.Errorf("%s: invalid entry point of type %T", b, entry)
	}
	if params.Len() == 0 {
		return errors.Errorf("%s: entry %q launched without launch bounds", b, e.Symbol)
	}
	klog.V(3).Infof("%s: calling %s over %d threads", b, e.Symbol, bounds.Size)
	var pinner runtime.Pinner
	defer pinner.Unpin()
	ptrs := params.Pointers(&pinner)
	purego.SyscallN(e.fn, uintptr(unsafe.Pointer(&ptrs[0])))
	return nil
}
