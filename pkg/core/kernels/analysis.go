// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"maps"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gokernels/pkg/core/builtins"
	"github.com/gomlx/gokernels/pkg/core/kerrors"
	"github.com/gomlx/gokernels/pkg/core/ktypes"
	"github.com/pkg/errors"
)

// errNotInferred is returned by Analyzer.Call when the callee is a module function whose value type is not
// known yet: the caller is analyzed again once it is.
var errNotInferred = errors.New("value type not inferred yet")

// Call is a resolved call site: either to a builtin overload or to a module function.
type Call struct {
	Key      string
	Overload *builtins.Overload
	Function *Function
	Result   ktypes.Type
}

// Analyzer resolves the calls of one function or kernel body during a module build.
type Analyzer struct {
	module     *Module
	unit       string
	valueTypes map[string]ktypes.Type
	calls      []Call
}

// Unit returns the key of the function or kernel being analyzed.
func (a *Analyzer) Unit() string { return a.unit }

// Calls returns the calls resolved so far.
func (a *Analyzer) Calls() []Call { return a.calls }

// Call resolves a call to key with the given arguments and returns the type of its result (nil for no
// value). Module functions shadow builtins with the same key.
//
// Errors must be returned by Body.Analyze unchanged (or wrapped).
func (a *Analyzer) Call(key string, args ...builtins.Arg) (ktypes.Type, error) {
	if fn := a.module.functionLocked(key); fn != nil {
		if len(args) != len(fn.params) {
			return nil, kerrors.Resolutionf(key, "function %q takes %d arguments, %d given in %q",
				key, len(fn.params), len(args), a.unit)
		}
		for ii, p := range fn.params {
			if !ktypes.Unify(p.Type, args[ii].Type) {
				return nil, kerrors.Resolutionf(key, "function %q parameter %q expects %s, got %v in %q",
					key, p.Name, p.Type, args[ii].Type, a.unit)
			}
		}
		t, found := a.valueTypes[key]
		if !found && fn.returns != nil {
			t, found = fn.returns, true
		}
		if !found {
			return nil, errors.WithMessagef(errNotInferred, "calling %q from %q", key, a.unit)
		}
		a.calls = append(a.calls, Call{Key: key, Function: fn, Result: t})
		return t, nil
	}
	overload, t, err := a.module.registry.builtins.Resolve(key, args)
	if err != nil {
		return nil, err
	}
	a.calls = append(a.calls, Call{Key: key, Overload: overload, Result: t})
	return t, nil
}

// analyzeBody runs body.Analyze converting panics to errors.
func analyzeBody(body Body, a *Analyzer) (t ktypes.Type, err error) {
	exception := exceptions.Try(func() {
		t, err = body.Analyze(a)
	})
	if exception != nil {
		if e, ok := exception.(error); ok {
			return nil, e
		}
		return nil, errors.Errorf("%v", exception)
	}
	return t, err
}

// analyzeLocked is the first phase of a build: it analyzes every function until all value types are
// inferred (functions may call functions declared after them), and then every kernel.
// It returns the table of value types of the functions, keyed by function key.
func (m *Module) analyzeLocked() (map[string]ktypes.Type, error) {
	table := make(map[string]ktypes.Type, len(m.functions))
	pending := m.functions
	for len(pending) > 0 {
		var (
			next    []*Function
			lastErr error
		)
		for _, fn := range pending {
			a := &Analyzer{module: m, unit: fn.key, valueTypes: table}
			t, err := analyzeBody(fn.body, a)
			if errors.Is(err, errNotInferred) {
				next = append(next, fn)
				lastErr = err
				continue
			}
			if err != nil {
				return nil, kerrors.Wrap(kerrors.Resolution, fn.key, err, "module %q: analyzing function %q", m.name, fn.key)
			}
			if fn.returns != nil {
				if t == nil || !ktypes.Equal(t, fn.returns) {
					return nil, kerrors.Resolutionf(fn.key, "module %q: function %q declared to return %s, but its body returns %v",
						m.name, fn.key, fn.returns, t)
				}
			}
			table[fn.key] = t
		}
		if len(next) == len(pending) {
			return nil, kerrors.Wrap(kerrors.Resolution, next[0].key, lastErr,
				"module %q: can't infer the value type of %d function(s), recursive calls need a declared return type",
				m.name, len(next))
		}
		pending = next
	}

	for _, k := range m.kernels {
		a := &Analyzer{module: m, unit: k.key, valueTypes: table}
		t, err := analyzeBody(k.body, a)
		if err != nil {
			return nil, kerrors.Wrap(kerrors.Resolution, k.key, err, "module %q: analyzing kernel %q", m.name, k.key)
		}
		if t != nil {
			return nil, kerrors.Resolutionf(k.key, "module %q: kernel %q can't return a value (returns %s)", m.name, k.key, t)
		}
	}
	return table, nil
}

// freezeLocked is the second phase of a build: the value types become visible to the functions and to code
// generation, and no longer change until the next build.
func (m *Module) freezeLocked(table map[string]ktypes.Type) {
	m.valueTypes = maps.Clone(table)
	for _, fn := range m.functions {
		fn.valueType, fn.hasValueType = m.valueTypes[fn.key]
	}
}
