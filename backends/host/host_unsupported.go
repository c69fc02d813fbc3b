// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build !(linux || darwin)

// Package host implements a backend for the "cpu" device that runs native kernels compiled with the host
// C++ compiler. It is only available on Linux and macOS.
package host

import (
	"runtime"

	"github.com/gomlx/gokernels/backends"
	"github.com/pkg/errors"
)

// BackendName to be used in GOKERNELS_BACKEND to specify this backend.
const BackendName = "host"

func init() {
	backends.Register(BackendName, New)
}

// New always fails on this platform.
func New(_, _ string) (backends.Backend, error) {
	return nil, errors.Errorf("backend %q is not supported on %s", BackendName, runtime.GOOS)
}
