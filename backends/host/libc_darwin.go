// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package host

const libCPath = "/usr/lib/libSystem.B.dylib"
