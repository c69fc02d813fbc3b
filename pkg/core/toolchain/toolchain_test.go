// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package toolchain

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	for input, want := range map[string]Mode{"": Release, "release": Release, "DEBUG": Debug} {
		got, err := ParseMode(input)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseMode("fast")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fast")
}

func TestBuildToIsAtomic(t *testing.T) {
	dir := t.TempDir()
	req := Request{Name: "m", OutputPath: filepath.Join(dir, "sub", "m.so")}

	err := buildTo(req, func(tmpOutput string) error {
		require.NoError(t, os.WriteFile(tmpOutput, []byte("partial"), 0o644))
		return errors.New("compiler exploded")
	})
	require.Error(t, err)
	assert.NoFileExists(t, req.OutputPath)
	assert.NoFileExists(t, req.OutputPath+".tmp")

	err = buildTo(req, func(tmpOutput string) error {
		return os.WriteFile(tmpOutput, []byte("artifact"), 0o644)
	})
	require.NoError(t, err)
	contents, err := os.ReadFile(req.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, "artifact", string(contents))
}

// fakeCompiler writes a shell script that copies its last argument (the source) to the path following "-o",
// or fails with a message if the source contains the word "error".
func fakeCompiler(t *testing.T) string {
	if runtime.GOOS == "windows" {
		t.Skip("fake compiler requires a POSIX shell")
	}
	script := `#!/bin/sh
out=""
src=""
while [ $# -gt 0 ]; do
  case "$1" in
    -o) out="$2"; shift ;;
    *) src="$1" ;;
  esac
  shift
done
if grep -q error "$src"; then
  echo "$src:1: error: something is wrong" >&2
  exit 1
fi
cp "$src" "$out"
`
	path := filepath.Join(t.TempDir(), "fakecxx")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestHostCompilerBuild(t *testing.T) {
	cxx := &HostCompiler{Path: fakeCompiler(t), IncludeDirs: []string{"/tmp/include"}}
	assert.Equal(t, ".cpp", cxx.SourceExt())
	assert.Equal(t, SharedLibraryExt(), cxx.ArtifactExt())

	dir := t.TempDir()
	src := filepath.Join(dir, "m.cpp")
	require.NoError(t, os.WriteFile(src, []byte("int x;"), 0o644))
	req := Request{Name: "m", SourcePath: src, OutputPath: filepath.Join(dir, "m"+cxx.ArtifactExt()), Mode: Debug}
	require.NoError(t, cxx.Build(context.Background(), req))
	assert.FileExists(t, req.OutputPath)

	require.NoError(t, os.WriteFile(src, []byte("error"), 0o644))
	require.NoError(t, os.Remove(req.OutputPath))
	err := cxx.Build(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "something is wrong")
	assert.Contains(t, err.Error(), `module "m"`)
	assert.NoFileExists(t, req.OutputPath)
}

func TestNVCCBuild(t *testing.T) {
	nvcc := &NVCC{Path: fakeCompiler(t), Arch: "sm_80"}
	assert.Equal(t, ".cu", nvcc.SourceExt())
	assert.Equal(t, ".ptx", nvcc.ArtifactExt())

	dir := t.TempDir()
	src := filepath.Join(dir, "m.cu")
	require.NoError(t, os.WriteFile(src, []byte("__global__ void k() {}"), 0o644))
	req := Request{Name: "m", SourcePath: src, OutputPath: filepath.Join(dir, "m.ptx")}
	require.NoError(t, nvcc.Build(context.Background(), req))
	assert.FileExists(t, req.OutputPath)
}

func TestFindCUDADirFromEnv(t *testing.T) {
	dir := t.TempDir()
	for _, key := range CUDADirEnvVars {
		t.Setenv(key, "")
	}
	t.Setenv("CUDA_HOME", dir)
	assert.Equal(t, dir, FindCUDADir())

	// CUDA_PATH takes precedence.
	other := t.TempDir()
	t.Setenv("CUDA_PATH", other)
	assert.Equal(t, other, FindCUDADir())
}

func TestFindHostCompilerFromEnv(t *testing.T) {
	cxx := fakeCompiler(t)
	t.Setenv(CompilerEnvVar, cxx)
	c, err := FindHostCompiler()
	require.NoError(t, err)
	assert.Equal(t, cxx, c.Path)

	t.Setenv(CompilerEnvVar, "/no/such/compiler")
	_, err = FindHostCompiler()
	require.Error(t, err)
}
