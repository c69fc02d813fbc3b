// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kerneltest provides Go kernel bodies and counting backends over the "go" backend, to test
// modules, launches, tapes and captures without a native toolchain or an accelerator.
package kerneltest

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/gomlx/gokernels/backends"
	"github.com/gomlx/gokernels/backends/simplego"
	"github.com/gomlx/gokernels/pkg/core/buildcache"
	"github.com/gomlx/gokernels/pkg/core/builtins"
	"github.com/gomlx/gokernels/pkg/core/codegen"
	"github.com/gomlx/gokernels/pkg/core/kernels"
	"github.com/gomlx/gokernels/pkg/core/ktypes"
	"github.com/gomlx/gokernels/pkg/core/toolchain"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// Body is a kernel or function body implemented in Go. It implements kernels.Body and simplego.Kernel.
type Body struct {
	Src string

	// AnalyzeFn resolves the calls of the body. If nil, the body makes no calls and returns Result.
	AnalyzeFn func(a *kernels.Analyzer) (ktypes.Type, error)
	Result    ktypes.Type

	// ForwardFn and BackwardFn are run for every thread. A nil BackwardFn does nothing.
	ForwardFn  func(tid int, args *simplego.Args)
	BackwardFn func(tid int, args *simplego.Args)
}

var (
	_ kernels.Body    = (*Body)(nil)
	_ simplego.Kernel = (*Body)(nil)
)

// Source implements kernels.Body.
func (b *Body) Source() string { return b.Src }

// Analyze implements kernels.Body.
func (b *Body) Analyze(a *kernels.Analyzer) (ktypes.Type, error) {
	if b.AnalyzeFn != nil {
		return b.AnalyzeFn(a)
	}
	return b.Result, nil
}

// Forward implements simplego.Kernel.
func (b *Body) Forward(tid int, args *simplego.Args) {
	if b.ForwardFn != nil {
		b.ForwardFn(tid, args)
	}
}

// Backward implements simplego.Kernel.
func (b *Body) Backward(tid int, args *simplego.Args) {
	if b.BackwardFn != nil {
		b.BackwardFn(tid, args)
	}
}

// Func returns a function body whose analysis returns result. Calls are resolved in order, each with the
// given argument types.
func Func(src string, result ktypes.Type, calls ...Call) *Body {
	return &Body{
		Src: src,
		AnalyzeFn: func(a *kernels.Analyzer) (ktypes.Type, error) {
			for _, c := range calls {
				if _, err := a.Call(c.Key, builtins.Args(c.Args...)...); err != nil {
					return nil, err
				}
			}
			return result, nil
		},
	}
}

// Call at a body's call site.
type Call struct {
	Key  string
	Args []ktypes.Type
}

// C is a shortcut to create a Call.
func C(key string, args ...ktypes.Type) Call { return Call{Key: key, Args: args} }

// ReturnsCallOf returns a function body that returns the result of calling key.
func ReturnsCallOf(src, key string, args ...ktypes.Type) *Body {
	return &Body{
		Src: src,
		AnalyzeFn: func(a *kernels.Analyzer) (ktypes.Type, error) {
			return a.Call(key, builtins.Args(args...)...)
		},
	}
}

// Backend wraps a "go" backend, counting the builds of its toolchain and optionally failing them.
type Backend struct {
	*simplego.Backend

	builds atomic.Int32
	fail   atomic.Bool
}

// Builds returns the number of builds run by the backend's toolchain.
func (b *Backend) Builds() int { return int(b.builds.Load()) }

// FailBuilds makes every following build fail (or succeed again).
func (b *Backend) FailBuilds(fail bool) { b.fail.Store(fail) }

// Toolchain implements backends.Backend.
func (b *Backend) Toolchain() (toolchain.Toolchain, error) {
	tc, err := b.Backend.Toolchain()
	if err != nil {
		return nil, err
	}
	return &countingToolchain{Toolchain: tc, backend: b}, nil
}

type countingToolchain struct {
	toolchain.Toolchain
	backend *Backend
}

// Build implements toolchain.Toolchain.
func (c *countingToolchain) Build(ctx context.Context, req toolchain.Request) error {
	c.backend.builds.Add(1)
	if c.backend.fail.Load() {
		return errors.Errorf("%s: build of %q failed on request", c.Name(), req.Name)
	}
	return c.Toolchain.Build(ctx, req)
}

// NewBackend returns a counting "go" backend serving device, closed at the end of the test.
func NewBackend(t testing.TB, device string) *Backend {
	b, err := simplego.NewBackend(device, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return &Backend{Backend: b}
}

// Targets returns "cpu" and emulated "cuda" counting backends.
func Targets(t testing.TB) (cpu, cuda *Backend) {
	return NewBackend(t, backends.CPU), NewBackend(t, backends.CUDA)
}

// NewRegistry returns a kernels registry with a build cache in a temporary directory, building for the
// given backends.
func NewRegistry(t testing.TB, list ...*Backend) (*kernels.Registry, *buildcache.Cache) {
	cache, err := buildcache.New(t.TempDir(), true)
	require.NoError(t, err)
	targets := make([]kernels.Target, len(list))
	for ii, b := range list {
		targets[ii] = kernels.Target{Device: codegen.Target(b.Device()), Backend: b}
	}
	reg, err := kernels.NewRegistry(kernels.Config{Cache: cache, Targets: targets})
	require.NoError(t, err)
	return reg, cache
}
