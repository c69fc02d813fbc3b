// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package _default includes the default backends: "go" (SimpleGo), "host" (native CPU kernels built
// with the system C++ compiler) and "cuda" (CUDA driver, built with nvcc).
//
// The runtime package includes it, so there is usually no need to import it directly. Programs that
// create backends with backends.New should include it:
//
//	import _ "github.com/gomlx/gokernels/backends/default"
//
// If you add the tag `nocuda` it will not include the CUDA backend.
package _default

import (
	_ "github.com/gomlx/gokernels/backends/host"
	_ "github.com/gomlx/gokernels/backends/simplego"
)
