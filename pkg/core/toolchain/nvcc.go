// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package toolchain

import (
	"context"
	"os"
	"os/exec"
	"path"
	"strings"

	"github.com/gomlx/gokernels/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Environment variables searched, in order, for the CUDA toolkit directory.
var CUDADirEnvVars = []string{"CUDA_PATH", "CUDA_HOME", "CUDA_DIR"}

// PTXExt is the extension of the modules built by NVCC.
const PTXExt = ".ptx"

// NVCC builds CUDA sources into a PTX module.
type NVCC struct {
	// Path to the nvcc binary.
	Path string

	// Arch is the virtual architecture passed with "-arch", e.g. "sm_70".
	Arch string

	IncludeDirs []string
	ExtraFlags  []string
}

var _ Toolchain = (*NVCC)(nil)

// FindCUDADir returns the CUDA toolkit directory: the first of $CUDA_PATH, $CUDA_HOME or $CUDA_DIR that is
// set, otherwise the first standard location with "bin/nvcc", taking the latest "/usr/local/cuda-*".
// It returns "" if none is found.
func FindCUDADir() string {
	for _, key := range CUDADirEnvVars {
		if dir := os.Getenv(key); dir != "" {
			dir, err := fsutil.ReplaceTildeInDir(dir)
			if err == nil {
				return dir
			}
			klog.Warningf("ignoring $%s=%q: %v", key, dir, err)
		}
	}
	for _, candidate := range []string{"/usr/local/cuda", "/usr/lib/cuda", "/usr/lib/nvidia-cuda-toolkit"} {
		if dirHasNVCC(candidate) {
			return candidate
		}
	}
	localPath := "/usr/local"
	entries, err := os.ReadDir(localPath)
	if err != nil {
		return ""
	}
	var candidate string
	for _, e := range entries {
		dir := e.Name()
		fullPath := path.Join(localPath, dir)
		if e.IsDir() && strings.HasPrefix(dir, "cuda-") && dirHasNVCC(fullPath) {
			// Take the last in alphabetical order.
			if candidate == "" || strings.Compare(candidate, fullPath) == -1 {
				candidate = fullPath
			}
		}
	}
	return candidate
}

func dirHasNVCC(dir string) bool {
	exists, err := fsutil.FileExists(path.Join(dir, "bin", "nvcc"))
	return err == nil && exists
}

// FindNVCC looks up nvcc in the CUDA toolkit directory, or in the PATH.
func FindNVCC() (*NVCC, error) {
	if dir := FindCUDADir(); dir != "" && dirHasNVCC(dir) {
		return &NVCC{Path: path.Join(dir, "bin", "nvcc"), Arch: "sm_70"}, nil
	}
	binPath, err := exec.LookPath("nvcc")
	if err != nil {
		return nil, errors.Wrapf(err, "cannot find nvcc: set one of %v to the CUDA toolkit directory", CUDADirEnvVars)
	}
	return &NVCC{Path: binPath, Arch: "sm_70"}, nil
}

// Name implements Toolchain.
func (c *NVCC) Name() string { return "nvcc" }

// SourceExt implements Toolchain.
func (c *NVCC) SourceExt() string { return ".cu" }

// ArtifactExt implements Toolchain.
func (c *NVCC) ArtifactExt() string { return PTXExt }

// Build implements Toolchain.
func (c *NVCC) Build(ctx context.Context, req Request) error {
	return buildTo(req, func(tmpOutput string) error {
		args := []string{"-ptx", "--std=c++17", "-DWP_CUDA"}
		if c.Arch != "" {
			args = append(args, "-arch="+c.Arch)
		}
		if req.Mode == Debug {
			args = append(args, "-G", "-O0", "-D_DEBUG")
		} else {
			args = append(args, "-O3", "--use_fast_math", "-DNDEBUG")
		}
		for _, dir := range c.IncludeDirs {
			args = append(args, "-I"+dir)
		}
		args = append(args, c.ExtraFlags...)
		args = append(args, "-o", tmpOutput, req.SourcePath)
		if err := run(ctx, c.Name(), c.Path, args...); err != nil {
			return errors.WithMessagef(err, "building CUDA module %q", req.Name)
		}
		return nil
	})
}
