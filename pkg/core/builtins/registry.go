// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package builtins holds the registry of builtin functions of the kernel language and resolves calls to a
// concrete overload and its result type.
//
// Overloads are declared with a builder API:
//
//	r := builtins.NewRegistry()
//	r.Define("min").In("x", ktypes.Int).In("y", ktypes.Int).Returns(ktypes.Int).
//		Group("Scalar Math").Doc("Return the minimum of two integers.")
//
// Multiple overloads under the same key form an overload set, tried in registration order.
// Standard returns the registry with all builtins of the language.
package builtins

import (
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gokernels/pkg/core/kerrors"
	"github.com/gomlx/gokernels/pkg/core/ktypes"
)

// Arg is a resolved argument at a call site: its type and, optionally, a label used in error messages.
type Arg struct {
	Label string
	Type  ktypes.Type
}

// Args is a convenience to create a list of unlabeled arguments from their types.
func Args(types ...ktypes.Type) []Arg {
	args := make([]Arg, len(types))
	for ii, t := range types {
		args[ii].Type = t
	}
	return args
}

// Param is a declared parameter of a builtin.
type Param struct {
	Name string
	Type ktypes.Type
}

// ResolverFn derives the result type of a polymorphic builtin from its arguments.
// It returns an error if the arguments are invalid for the builtin. A nil type means no value.
type ResolverFn func(args []Arg) (ktypes.Type, error)

// Overload is one signature of a builtin function.
type Overload struct {
	key, namespace string
	params         []Param
	result         ktypes.Type
	resolver       ResolverFn
	doc, group     string

	variadic, hidden, skipReplay bool
}

// Key returns the name of the builtin.
func (o *Overload) Key() string { return o.key }

// NamespacePrefix returns the prefix used when mangling the native name of the builtin.
func (o *Overload) NamespacePrefix() string { return o.namespace }

// NativeName returns the name of the builtin in generated source.
func (o *Overload) NativeName() string { return o.namespace + o.key }

// Params returns the declared parameters, in order.
func (o *Overload) Params() []Param { return o.params }

// DocString returns the documentation string.
func (o *Overload) DocString() string { return o.doc }

// GroupName returns the documentation group of the builtin.
func (o *Overload) GroupName() string { return o.group }

// IsVariadic returns whether the builtin accepts any number of arguments.
func (o *Overload) IsVariadic() bool { return o.variadic }

// IsHidden returns whether the builtin is hidden from documentation.
func (o *Overload) IsHidden() bool { return o.hidden }

// IsSkipReplay returns whether the builtin has no meaningful adjoint and must be skipped when replaying
// the backward pass.
func (o *Overload) IsSkipReplay() bool { return o.skipReplay }

// In appends a parameter to the overload signature.
func (o *Overload) In(name string, t ktypes.Type) *Overload {
	if t == nil {
		exceptions.Panicf("builtin %q: parameter %q has nil type", o.key, name)
	}
	for _, p := range o.params {
		if p.Name == name {
			exceptions.Panicf("builtin %q: duplicate parameter %q", o.key, name)
		}
	}
	o.params = append(o.params, Param{Name: name, Type: t})
	return o
}

// Returns sets a fixed result type. Builtins without result don't need to call it.
func (o *Overload) Returns(t ktypes.Type) *Overload {
	o.result = t
	return o
}

// ResolveWith sets a function that derives the result type from the arguments.
func (o *Overload) ResolveWith(fn ResolverFn) *Overload {
	o.resolver = fn
	return o
}

// Variadic marks the overload as accepting any number of arguments. Arguments are then validated
// exclusively by the resolver, if one is set.
func (o *Overload) Variadic() *Overload {
	o.variadic = true
	return o
}

// Hidden marks the overload as hidden from documentation.
func (o *Overload) Hidden() *Overload {
	o.hidden = true
	return o
}

// SkipReplay marks the overload as having no adjoint.
func (o *Overload) SkipReplay() *Overload {
	o.skipReplay = true
	return o
}

// Doc sets the documentation string.
func (o *Overload) Doc(doc string) *Overload {
	o.doc = doc
	return o
}

// Group sets the documentation group.
func (o *Overload) Group(group string) *Overload {
	o.group = group
	return o
}

// Namespace sets the name-mangling prefix. The default is "wp::".
func (o *Overload) Namespace(namespace string) *Overload {
	o.namespace = namespace
	return o
}

// Signature returns a human-readable signature of the overload.
func (o *Overload) Signature() string {
	var sb strings.Builder
	sb.WriteString(o.key)
	sb.WriteString("(")
	for ii, p := range o.params {
		if ii > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(p.Name)
		sb.WriteString(": ")
		sb.WriteString(p.Type.String())
	}
	if o.variadic {
		if len(o.params) > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("...")
	}
	sb.WriteString(")")
	if o.result != nil {
		sb.WriteString(" -> ")
		sb.WriteString(o.result.String())
	}
	return sb.String()
}

// matches returns whether the arguments unify with the declared parameters.
func (o *Overload) matches(args []Arg) bool {
	if o.variadic {
		return true
	}
	if len(args) != len(o.params) {
		return false
	}
	for ii, p := range o.params {
		if !ktypes.Unify(p.Type, args[ii].Type) {
			return false
		}
	}
	return true
}

// DefaultNamespace is the name-mangling prefix of builtins of the native runtime library.
const DefaultNamespace = "wp::"

// Registry of builtin overloads.
//
// Definitions happen once, when the registry is built; resolution can be called concurrently.
type Registry struct {
	mu        sync.RWMutex
	overloads map[string][]*Overload
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{overloads: make(map[string][]*Overload)}
}

// Define appends a new overload under key and returns it, to be configured with the builder methods.
func (r *Registry) Define(key string) *Overload {
	if key == "" {
		exceptions.Panicf("builtin key cannot be empty")
	}
	o := &Overload{key: key, namespace: DefaultNamespace}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overloads[key] = append(r.overloads[key], o)
	return o
}

// Has returns whether there is any overload under key.
func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.overloads[key]) > 0
}

// Overloads returns the overload set under key, in registration order.
func (r *Registry) Overloads(key string) []*Overload {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.overloads[key])
}

// Keys returns the sorted list of keys defined.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.overloads))
	for key := range r.overloads {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// Resolve finds the first overload under key whose parameters unify with args and returns it with its
// result type (nil if the builtin returns no value).
//
// It returns a kerrors.Resolution error if no overload matches, or if the matching overload's resolver
// rejects the arguments.
func (r *Registry) Resolve(key string, args []Arg) (*Overload, ktypes.Type, error) {
	r.mu.RLock()
	overloads := r.overloads[key]
	r.mu.RUnlock()
	if len(overloads) == 0 {
		return nil, nil, kerrors.Resolutionf(key, "unknown builtin function %q", key)
	}
	for _, o := range overloads {
		if !o.matches(args) {
			continue
		}
		if o.resolver == nil {
			return o, o.result, nil
		}
		t, err := o.resolver(args)
		if err != nil {
			return nil, nil, kerrors.Wrap(kerrors.Resolution, key, err, "resolving %s%s", key, describeArgs(args))
		}
		return o, t, nil
	}
	return nil, nil, kerrors.Resolutionf(key, "couldn't find overload for %s%s among %d overload(s)",
		key, describeArgs(args), len(overloads))
}

func describeArgs(args []Arg) string {
	parts := make([]string, len(args))
	for ii, a := range args {
		typeName := "<nil>"
		if a.Type != nil {
			typeName = a.Type.String()
		}
		if a.Label != "" {
			parts[ii] = a.Label + ": " + typeName
		} else {
			parts[ii] = typeName
		}
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
