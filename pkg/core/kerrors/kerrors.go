// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kerrors defines the kinds of errors reported when resolving, building, loading and launching
// kernels, and when managing devices and graph captures.
//
// Errors carry a stack trace (they are created with github.com/pkg/errors) and the key of the offending
// kernel or function, and optionally the parameter name.
package kerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind of error.
type Kind int

const (
	// Resolution errors: a call can't be matched to an overload, or array access rules are violated.
	Resolution Kind = iota + 1

	// Build errors: code generation or the native toolchain failed.
	Build

	// Load errors: a compiled artifact is missing or can't be loaded after a successful build.
	Load

	// Launch errors: arguments don't match the kernel's parameters.
	Launch

	// Device errors: unknown or unavailable device, or a failed device consistency check.
	Device

	// Capture errors: graph capture misused or corrupted.
	Capture
)

var kindNames = map[Kind]string{
	Resolution: "resolution error",
	Build:      "build error",
	Load:       "load error",
	Launch:     "launch error",
	Device:     "device error",
	Capture:    "capture error",
}

func (k Kind) String() string {
	if name, found := kindNames[k]; found {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the error type returned by the kernel compiler and runtime.
type Error struct {
	Kind Kind

	// Key of the kernel or function involved, if any.
	Key string

	// Param is the name of the parameter involved, if any.
	Param string

	err error
}

// Error implements error.
func (e *Error) Error() string {
	return e.err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.err
}

// Cause implements github.com/pkg/errors causer interface.
func (e *Error) Cause() error {
	return e.err
}

// Format implements fmt.Formatter, printing the stack trace with "%+v".
func (e *Error) Format(s fmt.State, verb rune) {
	if f, ok := e.err.(fmt.Formatter); ok {
		f.Format(s, verb)
		return
	}
	_, _ = fmt.Fprint(s, e.err.Error())
}

// New creates an error of the given kind, with a formatted message.
func New(kind Kind, key, format string, args ...any) *Error {
	return &Error{Kind: kind, Key: key, err: errors.Errorf(format, args...)}
}

// NewParam creates an error of the given kind associated with a parameter.
func NewParam(kind Kind, key, param, format string, args ...any) *Error {
	return &Error{Kind: kind, Key: key, Param: param, err: errors.Errorf(format, args...)}
}

// Wrap an error as the given kind, with an extra message. If err is nil it returns nil.
func Wrap(kind Kind, key string, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Key: key, err: errors.WithMessagef(err, format, args...)}
}

// Resolutionf creates a Resolution error.
func Resolutionf(key, format string, args ...any) *Error {
	return New(Resolution, key, format, args...)
}

// Launchf creates a Launch error.
func Launchf(key, format string, args ...any) *Error {
	return New(Launch, key, format, args...)
}

// Devicef creates a Device error.
func Devicef(key, format string, args ...any) *Error {
	return New(Device, key, format, args...)
}

// Capturef creates a Capture error.
func Capturef(format string, args ...any) *Error {
	return New(Capture, "", format, args...)
}

// As returns the first *Error in err's chain, or nil.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// KindOf returns the Kind of the first *Error in err's chain, or 0 if there is none.
func KindOf(err error) Kind {
	if e := As(err); e != nil {
		return e.Kind
	}
	return 0
}

// Is returns whether err's chain contains an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
