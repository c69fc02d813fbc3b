// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package toolchain

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CompilerEnvVar names the host C++ compiler to use. If not set, "g++" and "clang++" are searched in the PATH.
const CompilerEnvVar = "CXX"

// HostCompiler builds CPU sources into a shared library with a C++ compiler.
type HostCompiler struct {
	// Path to the compiler binary.
	Path string

	// IncludeDirs are added with "-I" to every compilation: it usually points to the native runtime headers.
	IncludeDirs []string

	// ExtraFlags are appended to the command line.
	ExtraFlags []string
}

var _ Toolchain = (*HostCompiler)(nil)

// FindHostCompiler looks up the host C++ compiler: $CXX if set, otherwise "g++" or "clang++" from the PATH.
func FindHostCompiler() (*HostCompiler, error) {
	candidates := []string{"g++", "clang++", "c++"}
	if cxx := os.Getenv(CompilerEnvVar); cxx != "" {
		candidates = []string{cxx}
	}
	for _, candidate := range candidates {
		binPath, err := exec.LookPath(candidate)
		if err == nil {
			klog.V(2).Infof("using host compiler %q", binPath)
			return &HostCompiler{Path: binPath}, nil
		}
	}
	return nil, errors.Errorf("cannot find a host C++ compiler (tried %v); set $%s to configure one",
		candidates, CompilerEnvVar)
}

// Name implements Toolchain.
func (c *HostCompiler) Name() string { return filepath.Base(c.Path) }

// SourceExt implements Toolchain.
func (c *HostCompiler) SourceExt() string { return ".cpp" }

// ArtifactExt implements Toolchain. It is the platform's shared library extension.
func (c *HostCompiler) ArtifactExt() string {
	return SharedLibraryExt()
}

// SharedLibraryExt returns the platform's extension for shared libraries.
func SharedLibraryExt() string {
	switch runtime.GOOS {
	case "windows":
		return ".dll"
	case "darwin":
		return ".dylib"
	}
	return ".so"
}

// Build implements Toolchain.
func (c *HostCompiler) Build(ctx context.Context, req Request) error {
	return buildTo(req, func(tmpOutput string) error {
		args := []string{"-shared", "-fPIC", "-std=c++17", "-fvisibility=hidden", "-DWP_CPU"}
		if req.Mode == Debug {
			args = append(args, "-O0", "-g", "-D_DEBUG")
		} else {
			args = append(args, "-O3", "-DNDEBUG")
		}
		for _, dir := range c.IncludeDirs {
			args = append(args, "-I"+dir)
		}
		args = append(args, c.ExtraFlags...)
		args = append(args, "-o", tmpOutput, req.SourcePath)
		if err := run(ctx, c.Name(), c.Path, args...); err != nil {
			return errors.WithMessagef(err, "building CPU module %q", req.Name)
		}
		return nil
	})
}
