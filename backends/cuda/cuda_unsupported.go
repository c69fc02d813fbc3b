// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build !linux

// Package cuda implements a backend for the "cuda" device using the CUDA driver API. It is only available
// on Linux.
package cuda

import (
	"runtime"

	"github.com/gomlx/gokernels/backends"
	"github.com/pkg/errors"
)

// BackendName to be used in GOKERNELS_BACKEND to specify this backend.
const BackendName = "cuda"

func init() {
	backends.Register(BackendName, New)
}

// New always fails on this platform.
func New(_, _ string) (backends.Backend, error) {
	return nil, errors.Errorf("backend %q is not supported on %s", BackendName, runtime.GOOS)
}
